package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Instruments []string       `yaml:"instruments"`
	Trading     TradingConfig  `yaml:"trading"`
	Schedule    ScheduleConfig `yaml:"schedule"`
	AI          AIConfig       `yaml:"ai"`
	Broker      BrokerConfig   `yaml:"broker"`
	News        NewsConfig     `yaml:"news"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Web         WebConfig      `yaml:"web"`
	Database    DatabaseConfig `yaml:"database"`
	Logging     LoggingConfig  `yaml:"logging"`
}

type TradingConfig struct {
	Timezone              string  `yaml:"timezone"`
	Volume                float64 `yaml:"volume"`
	Stage2CutoffHour      int     `yaml:"stage2_cutoff_hour"`
	Stage3CutoffHour      int     `yaml:"stage3_cutoff_hour"`
	StageTimeoutSeconds   int     `yaml:"stage_timeout_seconds"`
	MaxConsecutiveLosses  int     `yaml:"max_consecutive_losses"`
	DispatchConcurrency   int     `yaml:"dispatch_concurrency"`
	BiasTimeframe         string  `yaml:"bias_timeframe"`
	ManipulationTimeframe string  `yaml:"manipulation_timeframe"`
	EntryTimeframe        string  `yaml:"entry_timeframe"`
	CandleCount           int     `yaml:"candle_count"`
}

type ScheduleConfig struct {
	Stage1    string `yaml:"stage1"`
	Stage2    string `yaml:"stage2"`
	Stage3    string `yaml:"stage3"`
	HoldClose string `yaml:"hold_close"`
	Reconcile string `yaml:"reconcile"`
	EndOfDay  string `yaml:"end_of_day"`
	Cutoff    string `yaml:"cutoff"`
}

type AIConfig struct {
	BaseURL                  string   `yaml:"base_url"`
	APIKeys                  []string `yaml:"api_keys"`
	NarrativeModel           string   `yaml:"narrative_model"`
	ExtractionModel          string   `yaml:"extraction_model"`
	ExtractionMode           string   `yaml:"extraction_mode"` // ai or parser
	NarrativeTimeoutSeconds  int      `yaml:"narrative_timeout_seconds"`
	ExtractionTimeoutSeconds int      `yaml:"extraction_timeout_seconds"`
	MaxAttempts              int      `yaml:"max_attempts"`
	RequestsPerMinute        int      `yaml:"requests_per_minute"`
	Temperature              float32  `yaml:"temperature"`
}

type BrokerConfig struct {
	Provider string        `yaml:"provider"` // mt5 or tinkoff
	MT5      MT5Config     `yaml:"mt5"`
	Tinkoff  TinkoffConfig `yaml:"tinkoff"`
}

type MT5Config struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Magic          int    `yaml:"magic"`
}

type TinkoffConfig struct {
	Token     string `yaml:"token"`
	Sandbox   bool   `yaml:"sandbox"`
	AccountID string `yaml:"account_id"`
}

type NewsConfig struct {
	Enabled bool     `yaml:"enabled"`
	URL     string   `yaml:"url"`
	Impacts []string `yaml:"impacts"`
}

type TelegramConfig struct {
	Enabled         bool    `yaml:"enabled"`
	BotToken        string  `yaml:"bot_token"`
	ChatIDs         []int64 `yaml:"chat_ids"`
	CommandsEnabled bool    `yaml:"commands_enabled"`
}

type WebConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads an optional .env next to the working directory, expands ${VAR}
// references in the YAML file and validates the result.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	for i, inst := range cfg.Instruments {
		cfg.Instruments[i] = strings.ToUpper(strings.TrimSpace(inst))
	}
	if cfg.Trading.Timezone == "" {
		cfg.Trading.Timezone = "UTC"
	}
	if cfg.Trading.Volume == 0 {
		cfg.Trading.Volume = 0.01
	}
	if cfg.Trading.Stage2CutoffHour == 0 {
		cfg.Trading.Stage2CutoffHour = 10
	}
	if cfg.Trading.Stage3CutoffHour == 0 {
		cfg.Trading.Stage3CutoffHour = 13
	}
	if cfg.Trading.StageTimeoutSeconds == 0 {
		cfg.Trading.StageTimeoutSeconds = 600
	}
	if cfg.Trading.MaxConsecutiveLosses == 0 {
		cfg.Trading.MaxConsecutiveLosses = 3
	}
	if cfg.Trading.DispatchConcurrency == 0 {
		cfg.Trading.DispatchConcurrency = 4
	}
	if cfg.Trading.BiasTimeframe == "" {
		cfg.Trading.BiasTimeframe = "H1"
	}
	if cfg.Trading.ManipulationTimeframe == "" {
		cfg.Trading.ManipulationTimeframe = "M15"
	}
	if cfg.Trading.EntryTimeframe == "" {
		cfg.Trading.EntryTimeframe = "M5"
	}
	if cfg.Trading.CandleCount == 0 {
		cfg.Trading.CandleCount = 50
	}

	if cfg.Schedule.Stage1 == "" {
		cfg.Schedule.Stage1 = "0 5 * * 1-5"
	}
	if cfg.Schedule.Stage2 == "" {
		cfg.Schedule.Stage2 = "*/15 6-9 * * 1-5"
	}
	if cfg.Schedule.Stage3 == "" {
		cfg.Schedule.Stage3 = "*/5 7-12 * * 1-5"
	}
	if cfg.Schedule.HoldClose == "" {
		cfg.Schedule.HoldClose = "*/30 7-14 * * 1-5"
	}
	if cfg.Schedule.Reconcile == "" {
		cfg.Schedule.Reconcile = "*/10 * * * 1-5"
	}
	if cfg.Schedule.EndOfDay == "" {
		cfg.Schedule.EndOfDay = "0 15 * * 1-5"
	}
	if cfg.Schedule.Cutoff == "" {
		cfg.Schedule.Cutoff = fmt.Sprintf("0 %d,%d * * 1-5", cfg.Trading.Stage2CutoffHour, cfg.Trading.Stage3CutoffHour)
	}

	if cfg.AI.BaseURL == "" {
		cfg.AI.BaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	}
	if cfg.AI.NarrativeModel == "" {
		cfg.AI.NarrativeModel = "gemini-2.5-pro"
	}
	if cfg.AI.ExtractionModel == "" {
		cfg.AI.ExtractionModel = "gemini-2.0-flash"
	}
	if cfg.AI.ExtractionMode == "" {
		cfg.AI.ExtractionMode = "ai"
	}
	if cfg.AI.NarrativeTimeoutSeconds == 0 {
		cfg.AI.NarrativeTimeoutSeconds = 180
	}
	if cfg.AI.ExtractionTimeoutSeconds == 0 {
		cfg.AI.ExtractionTimeoutSeconds = 30
	}
	if cfg.AI.MaxAttempts == 0 {
		cfg.AI.MaxAttempts = 3
	}
	if cfg.AI.RequestsPerMinute == 0 {
		cfg.AI.RequestsPerMinute = 10
	}

	if cfg.Broker.Provider == "" {
		cfg.Broker.Provider = "mt5"
	}
	if cfg.Broker.MT5.TimeoutSeconds == 0 {
		cfg.Broker.MT5.TimeoutSeconds = 30
	}
	if cfg.Broker.MT5.Magic == 0 {
		cfg.Broker.MT5.Magic = 23400
	}

	if cfg.News.URL == "" {
		cfg.News.URL = "https://nfs.faireconomy.media/ff_calendar_thisweek.json"
	}
	if len(cfg.News.Impacts) == 0 {
		cfg.News.Impacts = []string{"High", "Medium"}
	}

	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/po3-trader.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("instruments is required")
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		if inst == "" {
			return fmt.Errorf("instruments contains an empty entry")
		}
		if seen[inst] {
			return fmt.Errorf("instrument %s listed twice", inst)
		}
		seen[inst] = true
	}
	if _, err := time.LoadLocation(c.Trading.Timezone); err != nil {
		return fmt.Errorf("invalid trading.timezone %q: %w", c.Trading.Timezone, err)
	}
	if c.Trading.Volume <= 0 {
		return fmt.Errorf("trading.volume must be positive")
	}
	if c.Trading.Stage2CutoffHour < 0 || c.Trading.Stage2CutoffHour > 23 {
		return fmt.Errorf("trading.stage2_cutoff_hour out of range: %d", c.Trading.Stage2CutoffHour)
	}
	if c.Trading.Stage3CutoffHour < 0 || c.Trading.Stage3CutoffHour > 23 {
		return fmt.Errorf("trading.stage3_cutoff_hour out of range: %d", c.Trading.Stage3CutoffHour)
	}

	specs := map[string]string{
		"schedule.stage1":     c.Schedule.Stage1,
		"schedule.stage2":     c.Schedule.Stage2,
		"schedule.stage3":     c.Schedule.Stage3,
		"schedule.hold_close": c.Schedule.HoldClose,
		"schedule.reconcile":  c.Schedule.Reconcile,
		"schedule.end_of_day": c.Schedule.EndOfDay,
		"schedule.cutoff":     c.Schedule.Cutoff,
	}
	for name, spec := range specs {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, spec, err)
		}
	}

	if len(c.AI.APIKeys) == 0 {
		return fmt.Errorf("ai.api_keys is required")
	}
	for _, k := range c.AI.APIKeys {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("ai.api_keys contains an empty key")
		}
	}
	switch c.AI.ExtractionMode {
	case "ai", "parser":
	default:
		return fmt.Errorf("ai.extraction_mode must be ai or parser, got %q", c.AI.ExtractionMode)
	}

	switch c.Broker.Provider {
	case "mt5":
		if c.Broker.MT5.BaseURL == "" {
			return fmt.Errorf("broker.mt5.base_url is required")
		}
		if c.Broker.MT5.APIKey == "" {
			return fmt.Errorf("broker.mt5.api_key is required")
		}
	case "tinkoff":
		if c.Broker.Tinkoff.Token == "" {
			return fmt.Errorf("broker.tinkoff.token is required")
		}
	default:
		return fmt.Errorf("unknown broker.provider %q", c.Broker.Provider)
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if len(c.Telegram.ChatIDs) == 0 {
			return fmt.Errorf("telegram.chat_ids is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Trading.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) IsSandbox() bool {
	return c.Broker.Provider == "tinkoff" && c.Broker.Tinkoff.Sandbox
}

func (c *Config) StageTimeout() time.Duration {
	return time.Duration(c.Trading.StageTimeoutSeconds) * time.Second
}

func (c *Config) NarrativeTimeout() time.Duration {
	return time.Duration(c.AI.NarrativeTimeoutSeconds) * time.Second
}

func (c *Config) ExtractionTimeout() time.Duration {
	return time.Duration(c.AI.ExtractionTimeoutSeconds) * time.Second
}

func (c *Config) MT5Timeout() time.Duration {
	return time.Duration(c.Broker.MT5.TimeoutSeconds) * time.Second
}

// HasInstrument reports whether id is configured, case-insensitively.
func (c *Config) HasInstrument(id string) bool {
	id = strings.ToUpper(strings.TrimSpace(id))
	for _, inst := range c.Instruments {
		if inst == id {
			return true
		}
	}
	return false
}
