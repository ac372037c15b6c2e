package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// telegram is the slice of the Bot API the handlers use. *tgbotapi.BotAPI
// satisfies it; tests plug in a fake.
type telegram interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// QueueBot wires chat events to the state container, the session
// table, and the rating service.
type QueueBot struct {
	api       telegram
	state     *State
	sessions  *Sessions
	rating    *RatingService
	adminCode string
	log       *slog.Logger
}

func NewQueueBot(api telegram, state *State, sessions *Sessions, rating *RatingService, adminCode string, log *slog.Logger) *QueueBot {
	return &QueueBot{
		api:       api,
		state:     state,
		sessions:  sessions,
		rating:    rating,
		adminCode: adminCode,
		log:       log,
	}
}

// HandleUpdate dispatches one inbound event.
func (b *QueueBot) HandleUpdate(update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(update.CallbackQuery)
	case update.Message != nil && update.Message.Chat != nil && update.Message.Chat.IsPrivate() && update.Message.Text != "":
		b.handleMessage(update.Message)
	}
}

func (b *QueueBot) handleMessage(msg *tgbotapi.Message) {
	userID := msg.From.ID
	chatID := msg.Chat.ID

	if msg.IsCommand() {
		if msg.Command() == "start" {
			b.handleStart(userID, chatID)
		}
		return
	}

	text := strings.TrimSpace(msg.Text)
	if _, known := b.state.Get(userID); !known {
		if text == "" {
			return
		}
		if !b.state.Register(userID, text) {
			return
		}
		b.send(chatID, fmt.Sprintf("Привет, %s!", text))
		b.sendSubjectsMenu(chatID)
		return
	}

	// Ambient chat from a banned user gets no response at all.
	if b.state.IsBanned(userID) {
		b.log.Info("ignoring message from banned user", "user_id", userID)
		return
	}

	if !b.sessions.IsElevated(userID) {
		if text == b.adminCode {
			b.sessions.Elevate(userID)
			b.log.Info("operator elevated", "user_id", userID)
			b.sendDevMenu(chatID)
		}
		// Anything else from a registered user is ignored.
		return
	}

	// An elevated operator typing free text gets the menu again.
	b.sendDevMenu(chatID)
}

func (b *QueueBot) handleStart(userID, chatID int64) {
	if _, known := b.state.Get(userID); !known {
		b.send(chatID, "Как тебя зовут?")
		return
	}
	b.sendSubjectsMenu(chatID)
}

// actionKind tags a decoded callback payload. Payloads are decoded
// once at the boundary and dispatched exhaustively.
type actionKind int

const (
	actUnknown actionKind = iota
	actMalformed
	actBackToMenu
	actShowQueue
	actJoin
	actPassed
	actDevMenu
	actDevShowDB
	actDevUpdateRating
	actDevRemoveStart
	actDevRemoveSubject
	actDevRemoveConfirm
	actDevForgetStart
	actDevForgetConfirm
	actDevAddStart
	actDevAddSubject
	actDevAddUser
	actDevAddPosition
	actDevCleanOrphans
	actDevBanStart
	actDevBanConfirm
	actDevUnbanStart
	actDevUnbanConfirm
	actDevShowBanList
	actDevBackToUser
)

type action struct {
	kind    actionKind
	subject string
	userID  int64
	pos     int
}

// decodeCallback turns a raw callback payload into a tagged action.
// The add-flow prefixes are matched before the shorter remove-flow
// prefix they contain.
func decodeCallback(data string) action {
	switch data {
	case "back_to_menu":
		return action{kind: actBackToMenu}
	case "dev_menu":
		return action{kind: actDevMenu}
	case "dev_show_db":
		return action{kind: actDevShowDB}
	case "dev_update_rating":
		return action{kind: actDevUpdateRating}
	case "dev_remove_user_start":
		return action{kind: actDevRemoveStart}
	case "dev_forget_user_start":
		return action{kind: actDevForgetStart}
	case "dev_add_user_start":
		return action{kind: actDevAddStart}
	case "dev_clean_unknown":
		return action{kind: actDevCleanOrphans}
	case "dev_ban_user_start":
		return action{kind: actDevBanStart}
	case "dev_unban_user_start":
		return action{kind: actDevUnbanStart}
	case "dev_show_ban_list":
		return action{kind: actDevShowBanList}
	case "dev_back_to_user_menu":
		return action{kind: actDevBackToUser}
	}

	subjectAction := func(kind actionKind, prefix string) action {
		return action{kind: kind, subject: strings.TrimPrefix(data, prefix)}
	}
	idAction := func(kind actionKind, prefix string) action {
		id, err := strconv.ParseInt(strings.TrimPrefix(data, prefix), 10, 64)
		if err != nil {
			return action{kind: actMalformed}
		}
		return action{kind: kind, userID: id}
	}

	switch {
	case strings.HasPrefix(data, "show_queue_"):
		return subjectAction(actShowQueue, "show_queue_")
	case strings.HasPrefix(data, "join_"):
		return subjectAction(actJoin, "join_")
	case strings.HasPrefix(data, "passed_"):
		return subjectAction(actPassed, "passed_")
	case strings.HasPrefix(data, "dev_select_subject_add_"):
		return subjectAction(actDevAddSubject, "dev_select_subject_add_")
	case strings.HasPrefix(data, "dev_select_user_add_"):
		return idAction(actDevAddUser, "dev_select_user_add_")
	case strings.HasPrefix(data, "dev_select_position_add_"):
		pos, err := strconv.Atoi(strings.TrimPrefix(data, "dev_select_position_add_"))
		if err != nil {
			return action{kind: actMalformed}
		}
		return action{kind: actDevAddPosition, pos: pos}
	case strings.HasPrefix(data, "dev_select_subject_"):
		return subjectAction(actDevRemoveSubject, "dev_select_subject_")
	case strings.HasPrefix(data, "dev_confirm_remove_user_"):
		return idAction(actDevRemoveConfirm, "dev_confirm_remove_user_")
	case strings.HasPrefix(data, "dev_confirm_forget_user_"):
		return idAction(actDevForgetConfirm, "dev_confirm_forget_user_")
	case strings.HasPrefix(data, "dev_select_ban_user_"):
		return idAction(actDevBanConfirm, "dev_select_ban_user_")
	case strings.HasPrefix(data, "dev_confirm_unban_user_"):
		return idAction(actDevUnbanConfirm, "dev_confirm_unban_user_")
	}
	return action{kind: actUnknown}
}

func (b *QueueBot) handleCallback(q *tgbotapi.CallbackQuery) {
	if q.Message == nil || q.Message.Chat == nil {
		b.ack(q)
		return
	}
	act := decodeCallback(q.Data)
	operatorID := q.From.ID
	chatID := q.Message.Chat.ID
	msgID := q.Message.MessageID

	switch act.kind {
	case actBackToMenu:
		b.ack(q)
		b.editSubjectsMenu(chatID, msgID)
		return
	case actShowQueue:
		b.ack(q)
		b.showQueue(operatorID, chatID, msgID, act.subject)
		return
	case actJoin:
		b.joinQueue(q, act.subject)
		return
	case actPassed:
		b.leaveQueue(q, act.subject)
		return
	case actUnknown:
		b.ack(q)
		b.log.Warn("unknown callback payload", "data", q.Data, "user_id", operatorID)
		return
	}

	// Everything below is operator territory.
	if !b.sessions.IsElevated(operatorID) {
		b.alert(q, "Эта команда доступна только в режиме разработчика.")
		return
	}
	b.ack(q)

	if act.kind == actMalformed {
		b.log.Warn("malformed callback payload", "data", q.Data, "user_id", operatorID)
		b.sessions.Clear(operatorID)
		b.edit(chatID, msgID, "Ошибка: некорректные данные запроса.")
		b.sendDevMenu(chatID)
		return
	}

	switch act.kind {
	case actDevBackToUser:
		b.sessions.Demote(operatorID)
		b.editSubjectsMenu(chatID, msgID)
	case actDevMenu:
		b.sessions.Clear(operatorID)
		b.editDevMenu(chatID, msgID)
	case actDevShowDB:
		b.sessions.Clear(operatorID)
		b.showDatabase(chatID, msgID)
	case actDevShowBanList:
		b.sessions.Clear(operatorID)
		b.showBanList(chatID, msgID)
	case actDevCleanOrphans:
		b.sessions.Clear(operatorID)
		removed := b.state.CleanOrphans()
		if removed > 0 {
			b.edit(chatID, msgID, fmt.Sprintf("Очистка завершена. Удалено %d неизвестных пользователей из всех очередей.", removed))
		} else {
			b.edit(chatID, msgID, "Очистка завершена. Неизвестных пользователей не найдено.")
		}
		b.sendDevMenu(chatID)
	case actDevUpdateRating:
		b.sessions.Clear(operatorID)
		b.updateRating(operatorID, chatID, msgID)
	case actDevRemoveStart:
		b.startRemoveFlow(operatorID, chatID, msgID)
	case actDevRemoveSubject:
		b.selectRemoveSubject(operatorID, chatID, msgID, act.subject)
	case actDevRemoveConfirm:
		b.confirmRemove(operatorID, chatID, msgID, act.userID)
	case actDevForgetStart:
		b.startForgetFlow(operatorID, chatID, msgID)
	case actDevForgetConfirm:
		b.confirmForget(operatorID, chatID, msgID, act.userID)
	case actDevAddStart:
		b.startAddFlow(operatorID, chatID, msgID)
	case actDevAddSubject:
		b.selectAddSubject(operatorID, chatID, msgID, act.subject)
	case actDevAddUser:
		b.selectAddUser(operatorID, chatID, msgID, act.userID)
	case actDevAddPosition:
		b.selectAddPosition(operatorID, chatID, msgID, act.pos)
	case actDevBanStart:
		b.startBanFlow(operatorID, chatID, msgID)
	case actDevBanConfirm:
		b.confirmBan(operatorID, chatID, msgID, act.userID)
	case actDevUnbanStart:
		b.startUnbanFlow(operatorID, chatID, msgID)
	case actDevUnbanConfirm:
		b.confirmUnban(operatorID, chatID, msgID, act.userID)
	}
}

// --- user side ---

func (b *QueueBot) showQueue(userID, chatID int64, msgID int, subject string) {
	queue, ok := b.state.Queue(subject)
	if !ok {
		b.edit(chatID, msgID, "Неизвестный предмет.")
		return
	}
	inQueue := b.state.InQueue(userID, subject)
	b.editWithMarkup(chatID, msgID, queueText(subject, queue), queueKeyboard(subject, inQueue))
}

func (b *QueueBot) joinQueue(q *tgbotapi.CallbackQuery, subject string) {
	userID := q.From.ID
	chatID := q.Message.Chat.ID
	msgID := q.Message.MessageID

	if b.state.IsBanned(userID) {
		b.alert(q, "Вы заблокированы и не можете записываться в очередь.")
		return
	}
	b.ack(q)
	if _, known := b.state.Get(userID); !known {
		b.edit(chatID, msgID, "Произошла ошибка. Пожалуйста, начните с /start.")
		return
	}
	// Joining while already queued must not change the position.
	if !b.state.InQueue(userID, subject) {
		if !b.state.AddToQueue(userID, subject, nil) {
			b.edit(chatID, msgID, "Не удалось записаться в очередь.")
			return
		}
	}
	b.showQueue(userID, chatID, msgID, subject)
}

func (b *QueueBot) leaveQueue(q *tgbotapi.CallbackQuery, subject string) {
	userID := q.From.ID
	chatID := q.Message.Chat.ID
	msgID := q.Message.MessageID

	if b.state.IsBanned(userID) {
		b.alert(q, "Вы заблокированы.")
		return
	}
	b.ack(q)
	if !b.state.RemoveFromQueue(userID, subject) {
		b.log.Info("passed pressed while not in queue", "user_id", userID, "subject", subject)
	}
	b.editSubjectsMenu(chatID, msgID)
}

// --- operator flows ---

const staleSessionText = "Ошибка состояния. Пожалуйста, начните снова."

func (b *QueueBot) stale(operatorID, chatID int64, msgID int) {
	b.log.Warn("stale wizard event", "user_id", operatorID)
	b.sessions.Clear(operatorID)
	b.edit(chatID, msgID, staleSessionText)
	b.sendDevMenu(chatID)
}

func (b *QueueBot) startRemoveFlow(operatorID, chatID int64, msgID int) {
	b.sessions.Begin(operatorID, StepRemoveSubject)
	b.editWithMarkup(chatID, msgID,
		"Выберите предмет, из очереди которого нужно удалить пользователя:",
		subjectListKeyboard(b.state.Subjects(), "dev_select_subject_", "dev_menu"))
}

func (b *QueueBot) selectRemoveSubject(operatorID, chatID int64, msgID int, subject string) {
	if _, ok := b.sessions.Expect(operatorID, StepRemoveSubject); !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	queue, ok := b.state.Queue(subject)
	if !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	if len(queue) == 0 {
		b.edit(chatID, msgID, fmt.Sprintf("Очередь по '%s' пуста.", subject))
		b.sessions.Begin(operatorID, StepRemoveSubject)
		b.sendWithMarkup(chatID,
			"Выберите предмет, из очереди которого нужно удалить пользователя:",
			subjectListKeyboard(b.state.Subjects(), "dev_select_subject_", "dev_menu"))
		return
	}
	b.sessions.Update(operatorID, Session{Step: StepRemoveUser, Subject: subject})

	var rows [][]tgbotapi.InlineKeyboardButton
	for _, name := range queue {
		id, found := b.idForName(name)
		if !found {
			b.log.Warn("queue entry has no registry record", "name", name, "subject", subject)
			continue
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(name, fmt.Sprintf("dev_confirm_remove_user_%d", id))))
	}
	rows = append(rows, backRow("dev_remove_user_start"))
	b.editWithMarkup(chatID, msgID,
		fmt.Sprintf("Выберите пользователя для удаления из очереди '%s':", subject),
		tgbotapi.NewInlineKeyboardMarkup(rows...))
}

func (b *QueueBot) confirmRemove(operatorID, chatID int64, msgID int, targetID int64) {
	sess, ok := b.sessions.Expect(operatorID, StepRemoveUser)
	if !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	name, known := b.state.NameOf(targetID)
	if !known {
		b.edit(chatID, msgID, fmt.Sprintf("Пользователь с ID %d не найден в базе данных.", targetID))
		b.sessions.Clear(operatorID)
		b.sendDevMenu(chatID)
		return
	}
	if b.state.RemoveFromQueue(targetID, sess.Subject) {
		b.edit(chatID, msgID, fmt.Sprintf("Пользователь '%s' успешно удален из очереди '%s'.", name, sess.Subject))
	} else {
		b.edit(chatID, msgID, fmt.Sprintf("Не удалось удалить '%s' из очереди '%s'. Возможно, пользователь уже был удален.", name, sess.Subject))
	}
	b.sessions.Clear(operatorID)
	b.sendDevMenu(chatID)
}

func (b *QueueBot) startForgetFlow(operatorID, chatID int64, msgID int) {
	b.sessions.Begin(operatorID, StepForgetUser)
	users := b.state.Users()
	if len(users) == 0 {
		b.sessions.Clear(operatorID)
		b.edit(chatID, msgID, "Нет зарегистрированных пользователей для удаления.")
		b.sendDevMenu(chatID)
		return
	}
	b.editWithMarkup(chatID, msgID,
		"Выберите пользователя, которого нужно 'забыть' (удалить из базы данных):",
		userListKeyboard(users, "dev_confirm_forget_user_", "dev_menu"))
}

func (b *QueueBot) confirmForget(operatorID, chatID int64, msgID int, targetID int64) {
	if _, ok := b.sessions.Expect(operatorID, StepForgetUser); !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	name, known := b.state.NameOf(targetID)
	if !known {
		b.edit(chatID, msgID, fmt.Sprintf("Пользователь с ID %d не найден в базе данных.", targetID))
		b.sessions.Clear(operatorID)
		b.sendDevMenu(chatID)
		return
	}
	b.state.Forget(targetID)
	b.state.PurgeName(name)
	b.edit(chatID, msgID, fmt.Sprintf("Пользователь '%s' (ID %d) успешно 'забыт' (удалён из базы данных).", name, targetID))
	b.sessions.Clear(operatorID)
	b.sendDevMenu(chatID)
}

func (b *QueueBot) startAddFlow(operatorID, chatID int64, msgID int) {
	b.sessions.Begin(operatorID, StepAddSubject)
	b.editWithMarkup(chatID, msgID,
		"Выберите предмет, в очередь которого нужно добавить пользователя:",
		subjectListKeyboard(b.state.Subjects(), "dev_select_subject_add_", "dev_menu"))
}

func (b *QueueBot) selectAddSubject(operatorID, chatID int64, msgID int, subject string) {
	if _, ok := b.sessions.Expect(operatorID, StepAddSubject); !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	if _, ok := b.state.Queue(subject); !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	users := b.state.Users()
	if len(users) == 0 {
		b.sessions.Clear(operatorID)
		b.edit(chatID, msgID, "Нет зарегистрированных пользователей для добавления.")
		b.sendDevMenu(chatID)
		return
	}
	b.sessions.Update(operatorID, Session{Step: StepAddUser, Subject: subject})
	b.editWithMarkup(chatID, msgID,
		fmt.Sprintf("Выберите пользователя для добавления в очередь '%s':", subject),
		userListKeyboard(users, "dev_select_user_add_", "dev_add_user_start"))
}

func (b *QueueBot) selectAddUser(operatorID, chatID int64, msgID int, targetID int64) {
	sess, ok := b.sessions.Expect(operatorID, StepAddUser)
	if !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	name, known := b.state.NameOf(targetID)
	if !known {
		// Re-prompt the same step with a fresh user list.
		b.editWithMarkup(chatID, msgID,
			fmt.Sprintf("Пользователь с ID %d не найден в базе данных. Выберите пользователя для добавления в очередь '%s':", targetID, sess.Subject),
			userListKeyboard(b.state.Users(), "dev_select_user_add_", "dev_add_user_start"))
		return
	}
	b.sessions.Update(operatorID, Session{Step: StepAddPosition, Subject: sess.Subject, Target: targetID})
	queue, _ := b.state.Queue(sess.Subject)
	b.editWithMarkup(chatID, msgID,
		fmt.Sprintf("Выбран пользователь '%s' для добавления в очередь '%s'.\nТекущая длина очереди: %d.\nВыберите позицию (1 - в начало, %d - в конец):",
			name, sess.Subject, len(queue), len(queue)+1),
		positionKeyboard(len(queue)))
}

func (b *QueueBot) selectAddPosition(operatorID, chatID int64, msgID int, position int) {
	sess, ok := b.sessions.Expect(operatorID, StepAddPosition)
	if !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	queue, _ := b.state.Queue(sess.Subject)
	if position < 1 || position > len(queue)+1 {
		// Out of range re-prompts the position step, it does not abort
		// the flow.
		b.editWithMarkup(chatID, msgID,
			fmt.Sprintf("Недопустимая позиция. Выберите от 1 до %d.", len(queue)+1),
			positionKeyboard(len(queue)))
		return
	}
	name, _ := b.state.NameOf(sess.Target)
	index := position - 1
	if b.state.AddToQueue(sess.Target, sess.Subject, &index) {
		b.edit(chatID, msgID, fmt.Sprintf("Пользователь '%s' успешно добавлен в очередь '%s' на позицию %d.", name, sess.Subject, position))
	} else {
		b.edit(chatID, msgID, fmt.Sprintf("Не удалось добавить пользователя '%s' в очередь '%s'.", name, sess.Subject))
	}
	b.sessions.Clear(operatorID)
	b.sendDevMenu(chatID)
}

func (b *QueueBot) startBanFlow(operatorID, chatID int64, msgID int) {
	b.sessions.Begin(operatorID, StepBanUser)
	users := b.state.Users()
	if len(users) == 0 {
		b.sessions.Clear(operatorID)
		b.edit(chatID, msgID, "Нет зарегистрированных пользователей для бана.")
		b.sendDevMenu(chatID)
		return
	}
	var candidates []Entry
	for _, u := range users {
		if !u.Banned {
			candidates = append(candidates, u)
		}
	}
	b.editWithMarkup(chatID, msgID, "Выберите пользователя для бана:",
		userListKeyboard(candidates, "dev_select_ban_user_", "dev_menu"))
}

func (b *QueueBot) confirmBan(operatorID, chatID int64, msgID int, targetID int64) {
	if _, ok := b.sessions.Expect(operatorID, StepBanUser); !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	name, known := b.state.NameOf(targetID)
	if !known {
		b.edit(chatID, msgID, "Пользователь не найден в базе данных.")
		b.sessions.Clear(operatorID)
		b.sendDevMenu(chatID)
		return
	}
	if b.state.Ban(targetID) {
		b.edit(chatID, msgID, fmt.Sprintf("✅ Пользователь '%s' (ID: %d) успешно забанен.", name, targetID))
		b.notify(targetID, "🚫 Вы заблокированы и больше не можете использовать бота.")
	} else {
		b.edit(chatID, msgID, "❌ Не удалось забанить пользователя. Возможно, он уже забанен.")
	}
	b.sessions.Clear(operatorID)
	b.sendDevMenu(chatID)
}

func (b *QueueBot) startUnbanFlow(operatorID, chatID int64, msgID int) {
	b.sessions.Begin(operatorID, StepUnbanUser)
	banned := b.state.AllBanned()
	if len(banned) == 0 {
		b.sessions.Clear(operatorID)
		b.edit(chatID, msgID, "Список забаненных пользователей пуст.")
		b.sendDevMenu(chatID)
		return
	}
	b.editWithMarkup(chatID, msgID, "Выберите пользователя для разбана:",
		userListKeyboard(banned, "dev_confirm_unban_user_", "dev_menu"))
}

func (b *QueueBot) confirmUnban(operatorID, chatID int64, msgID int, targetID int64) {
	if _, ok := b.sessions.Expect(operatorID, StepUnbanUser); !ok {
		b.stale(operatorID, chatID, msgID)
		return
	}
	if b.state.Unban(targetID) {
		b.edit(chatID, msgID, fmt.Sprintf("✅ Пользователь %d успешно разбанен.", targetID))
		b.notify(targetID, "✅ Вы разбанены и можете снова использовать бота.")
	} else {
		b.edit(chatID, msgID, "❌ Не удалось разбанить пользователя.")
	}
	b.sessions.Clear(operatorID)
	b.sendDevMenu(chatID)
}

func (b *QueueBot) updateRating(operatorID, chatID int64, msgID int) {
	b.edit(chatID, msgID, "⏳ Обновляю рейтинг...")
	scores, err := b.rating.Update(context.Background())
	if err != nil {
		b.log.Error("rating update failed", "err", err)
		b.sendWithMarkup(chatID, "❌ Ошибка при обновлении рейтинга",
			tgbotapi.NewInlineKeyboardMarkup(backRow("dev_menu")))
		return
	}
	messages := b.rating.TopMessages(scores)
	for i, text := range messages {
		msg := tgbotapi.NewMessage(operatorID, text)
		msg.ParseMode = tgbotapi.ModeHTML
		if i == len(messages)-1 {
			msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(backRow("dev_menu"))
		}
		if _, err := b.api.Send(msg); err != nil {
			b.log.Error("send rating chunk failed", "err", err)
		}
	}
}

// --- read-only operator views ---

func (b *QueueBot) showDatabase(chatID int64, msgID int) {
	var sb strings.Builder
	sb.WriteString("Содержимое базы данных:\n\n<b>Пользователи:</b>\n")
	users := b.state.Users()
	if len(users) == 0 {
		sb.WriteString("  Нет зарегистрированных пользователей.\n")
	}
	for _, u := range users {
		status := "✅"
		if u.Banned {
			status = "🚫 ЗАБАНЕН"
		}
		fmt.Fprintf(&sb, "  %s ID: %d, Имя: %s\n", status, u.ID, u.Name)
	}
	sb.WriteString("\n<b>Очереди:</b>\n")
	for _, subject := range b.state.Subjects() {
		queue, _ := b.state.Queue(subject)
		fmt.Fprintf(&sb, "  <u>%s</u>:\n", subject)
		if len(queue) == 0 {
			sb.WriteString("    Очередь пуста\n")
		}
		for i, name := range queue {
			fmt.Fprintf(&sb, "    %d. %s\n", i+1, name)
		}
		sb.WriteString("\n")
	}
	b.editHTML(chatID, msgID, sb.String(), tgbotapi.NewInlineKeyboardMarkup(backRow("dev_menu")))
}

func (b *QueueBot) showBanList(chatID int64, msgID int) {
	var sb strings.Builder
	sb.WriteString("📋 <b>Список забаненных пользователей:</b>\n\n")
	banned := b.state.AllBanned()
	if len(banned) == 0 {
		sb.WriteString("Забаненные пользователи отсутствуют.")
	}
	for _, u := range banned {
		fmt.Fprintf(&sb, "🚫 %s (ID: <code>%d</code>)\n", u.Name, u.ID)
	}
	b.editHTML(chatID, msgID, sb.String(), tgbotapi.NewInlineKeyboardMarkup(backRow("dev_menu")))
}

// --- rendering ---

func queueText(subject string, queue []string) string {
	if len(queue) == 0 {
		return fmt.Sprintf("Очередь по '%s':\nОчередь пуста", subject)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Очередь по '%s':\n", subject)
	for i, name := range queue {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, name)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func queueKeyboard(subject string, inQueue bool) tgbotapi.InlineKeyboardMarkup {
	var actionBtn tgbotapi.InlineKeyboardButton
	if inQueue {
		actionBtn = tgbotapi.NewInlineKeyboardButtonData("Сдал", "passed_"+subject)
	} else {
		actionBtn = tgbotapi.NewInlineKeyboardButtonData("Записаться", "join_"+subject)
	}
	return tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
		actionBtn,
		tgbotapi.NewInlineKeyboardButtonData("← Назад", "back_to_menu"),
	))
}

func subjectsKeyboard(subjects []string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, subject := range subjects {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(subject, "show_queue_"+subject)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func subjectListKeyboard(subjects []string, prefix, backData string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, subject := range subjects {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(subject, prefix+subject)))
	}
	rows = append(rows, backRow(backData))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func userListKeyboard(users []Entry, prefix, backData string) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for _, u := range users {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("%s (ID: %d)", u.Name, u.ID),
				fmt.Sprintf("%s%d", prefix, u.ID))))
	}
	rows = append(rows, backRow(backData))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// positionKeyboard offers 1..queueLen+1; the last slot appends.
func positionKeyboard(queueLen int) tgbotapi.InlineKeyboardMarkup {
	var rows [][]tgbotapi.InlineKeyboardButton
	for pos := 1; pos <= queueLen+1; pos++ {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData(
				fmt.Sprintf("Позиция %d", pos),
				fmt.Sprintf("dev_select_position_add_%d", pos))))
	}
	rows = append(rows, backRow("dev_add_user_start"))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

func devMenuKeyboard() tgbotapi.InlineKeyboardMarkup {
	row := func(label, data string) []tgbotapi.InlineKeyboardButton {
		return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(label, data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(
		row("База данных", "dev_show_db"),
		row("📊 Обновить рейтинг", "dev_update_rating"),
		row("Убрать из очереди", "dev_remove_user_start"),
		row("Забыть пользователя", "dev_forget_user_start"),
		row("Добавить в очередь", "dev_add_user_start"),
		row("Очистить очереди от неизвестных", "dev_clean_unknown"),
		row("🚫 Забанить", "dev_ban_user_start"),
		row("✅ Разбанить", "dev_unban_user_start"),
		row("Банлист", "dev_show_ban_list"),
		row("← Назад", "dev_back_to_user_menu"),
	)
}

func backRow(data string) []tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("← Назад", data))
}

func (b *QueueBot) sendSubjectsMenu(chatID int64) {
	b.sendWithMarkup(chatID, "Выбери предмет:", subjectsKeyboard(b.state.Subjects()))
}

func (b *QueueBot) editSubjectsMenu(chatID int64, msgID int) {
	b.editWithMarkup(chatID, msgID, "Выбери предмет:", subjectsKeyboard(b.state.Subjects()))
}

func (b *QueueBot) sendDevMenu(chatID int64) {
	b.sendWithMarkup(chatID, "Меню разработчика:", devMenuKeyboard())
}

func (b *QueueBot) editDevMenu(chatID int64, msgID int) {
	b.editWithMarkup(chatID, msgID, "Меню разработчика:", devMenuKeyboard())
}

// idForName resolves a queue display name back to a registry id. With
// duplicate names the first record in registry order wins; this is the
// documented ambiguity of name-keyed queues.
func (b *QueueBot) idForName(name string) (int64, bool) {
	for _, u := range b.state.Users() {
		if u.Name == name {
			return u.ID, true
		}
	}
	return 0, false
}

// --- transport helpers; failures are logged, never surfaced ---

func (b *QueueBot) send(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error("send failed", "chat_id", chatID, "err", err)
	}
}

func (b *QueueBot) sendWithMarkup(chatID int64, text string, markup tgbotapi.InlineKeyboardMarkup) {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = markup
	if _, err := b.api.Send(msg); err != nil {
		b.log.Error("send failed", "chat_id", chatID, "err", err)
	}
}

func (b *QueueBot) edit(chatID int64, msgID int, text string) {
	if _, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, msgID, text)); err != nil {
		b.log.Error("edit failed", "chat_id", chatID, "err", err)
	}
}

func (b *QueueBot) editWithMarkup(chatID int64, msgID int, text string, markup tgbotapi.InlineKeyboardMarkup) {
	if _, err := b.api.Send(tgbotapi.NewEditMessageTextAndMarkup(chatID, msgID, text, markup)); err != nil {
		b.log.Error("edit failed", "chat_id", chatID, "err", err)
	}
}

func (b *QueueBot) editHTML(chatID int64, msgID int, text string, markup tgbotapi.InlineKeyboardMarkup) {
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, msgID, text, markup)
	edit.ParseMode = tgbotapi.ModeHTML
	if _, err := b.api.Send(edit); err != nil {
		b.log.Error("edit failed", "chat_id", chatID, "err", err)
	}
}

// notify sends a direct message to a user; failure never affects the
// operation that triggered it.
func (b *QueueBot) notify(userID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(userID, text)); err != nil {
		b.log.Warn("notify failed", "user_id", userID, "err", err)
	}
}

func (b *QueueBot) ack(q *tgbotapi.CallbackQuery) {
	if _, err := b.api.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		b.log.Warn("callback ack failed", "err", err)
	}
}

func (b *QueueBot) alert(q *tgbotapi.CallbackQuery, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallbackWithAlert(q.ID, text)); err != nil {
		b.log.Warn("callback alert failed", "err", err)
	}
}
