package app

import (
	"log/slog"
	"os"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telegram-queue-bot/config"
	"telegram-queue-bot/internal/service"
)

// Run boots the bot and blocks on the long-polling update loop.
func Run() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	store := service.NewStore(cfg.DataFile, cfg.RatingFile, logger)
	state := service.NewState(cfg.Subjects, store.Load(), store, logger)
	rating := service.NewRatingService(store, service.RatingConfig{
		FolderURL: cfg.Rating.FolderURL,
		FileName:  cfg.Rating.FileName,
		Sheet:     cfg.Rating.Sheet,
		Subject:   cfg.Rating.Subject,
		StartRow:  cfg.Rating.StartRow,
		Timeout:   cfg.Rating.Timeout,
	}, logger)

	api, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		logger.Error("failed to create bot", "err", err)
		os.Exit(1)
	}

	bot := service.NewQueueBot(api, state, service.NewSessions(), rating, cfg.AdminCode, logger)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)

	logger.Info("bot started", "subjects", len(cfg.Subjects))

	for update := range updates {
		bot.HandleUpdate(update)
	}
}
