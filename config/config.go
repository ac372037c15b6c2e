package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full bot configuration: secrets from the environment,
// deployment settings (subject list, file paths, rating source) from a
// YAML file.
type Config struct {
	BotToken   string `env:"BOT_TOKEN,required,notEmpty"`
	AdminCode  string `env:"ADMIN_CODE,required,notEmpty"`
	ConfigFile string `env:"CONFIG_FILE" envDefault:"config.yaml"`

	Subjects   []string
	DataFile   string
	RatingFile string

	Rating RatingSource
}

// RatingSource points at the spreadsheet in a public Yandex.Disk
// folder that the rating refresh reads.
type RatingSource struct {
	FolderURL string
	FileName  string
	Sheet     string
	Subject   string
	StartRow  int
	Timeout   time.Duration
}

type fileConfig struct {
	Subjects   []string `yaml:"subjects"`
	DataFile   string   `yaml:"data_file"`
	RatingFile string   `yaml:"rating_file"`
	Rating     struct {
		FolderURL      string `yaml:"folder_url"`
		FileName       string `yaml:"file_name"`
		Sheet          string `yaml:"sheet"`
		Subject        string `yaml:"subject"`
		StartRow       int    `yaml:"start_row"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"rating"`
}

// Load reads the environment and the YAML file the environment points
// at. The subject list is required: it is the fixed, closed set of
// queues the bot serves.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	raw, err := os.ReadFile(cfg.ConfigFile)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", cfg.ConfigFile, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", cfg.ConfigFile, err)
	}

	if len(fc.Subjects) == 0 {
		return nil, fmt.Errorf("config file %s: subjects list is empty", cfg.ConfigFile)
	}
	cfg.Subjects = fc.Subjects

	cfg.DataFile = fc.DataFile
	if cfg.DataFile == "" {
		cfg.DataFile = "queue_data.db"
	}
	cfg.RatingFile = fc.RatingFile
	if cfg.RatingFile == "" {
		cfg.RatingFile = "rating_cache.db"
	}

	cfg.Rating = RatingSource{
		FolderURL: fc.Rating.FolderURL,
		FileName:  fc.Rating.FileName,
		Sheet:     fc.Rating.Sheet,
		Subject:   fc.Rating.Subject,
		StartRow:  fc.Rating.StartRow,
		Timeout:   time.Duration(fc.Rating.TimeoutSeconds) * time.Second,
	}
	if cfg.Rating.Subject == "" {
		cfg.Rating.Subject = "ЯП"
	}
	if cfg.Rating.StartRow == 0 {
		cfg.Rating.StartRow = 35
	}
	if cfg.Rating.Timeout == 0 {
		cfg.Rating.Timeout = 30 * time.Second
	}
	return cfg, nil
}
