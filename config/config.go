// Package config loads service configuration from an optional JSON file
// with environment variable overrides. Invalid configuration is fatal at
// startup; nothing else in the service validates settings again.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"wyckoff-signal-bot/internal/market"
)

// BinanceConfig holds exchange endpoint configuration
type BinanceConfig struct {
	BaseURL string `json:"base_url"`
	WSURL   string `json:"ws_url"`
}

// SignalConfig holds the signal pipeline configuration
type SignalConfig struct {
	Symbols    []string `json:"symbols"`
	Timeframes []string `json:"timeframes"`

	WindowSize   int `json:"window_size"`
	MinCandles   int `json:"min_candles"`
	HistoryLimit int `json:"history_limit"`
	Workers      int `json:"workers"`

	MinConfidence         float64 `json:"min_confidence"`
	CooldownSeconds       int     `json:"cooldown_seconds"`
	ConflictWindowSeconds int     `json:"conflict_window_seconds"`
	PreventConflicts      bool    `json:"prevent_conflicts"`

	EnableWyckoff bool `json:"enable_wyckoff"`
	EnableElliott bool `json:"enable_elliott"`
	EnableRSI     bool `json:"enable_rsi"`
	EnableMACD    bool `json:"enable_macd"`

	ATRPeriod     int     `json:"atr_period"`
	StopATRMult   float64 `json:"stop_atr_mult"`
	TargetATRMult float64 `json:"target_atr_mult"`

	RSISoloConfidence     float64 `json:"rsi_solo_confidence"`
	MACDSoloConfidence    float64 `json:"macd_solo_confidence"`
	WyckoffSoloConfidence float64 `json:"wyckoff_solo_confidence"`
	ElliottSoloConfidence float64 `json:"elliott_solo_confidence"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	Enabled  bool   `json:"enabled"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL string `json:"url"`
}

// TelegramConfig holds Telegram notifier configuration
type TelegramConfig struct {
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
	Enabled  bool   `json:"enabled"`
}

// DiscordConfig holds Discord webhook configuration
type DiscordConfig struct {
	WebhookURL string `json:"webhook_url"`
	Enabled    bool   `json:"enabled"`
}

// NotificationConfig groups the notifier configurations
type NotificationConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

// APIConfig holds the status API configuration
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `json:"level"`
	JSONFormat bool   `json:"json_format"`
}

// Config is the top level configuration container
type Config struct {
	Binance       BinanceConfig      `json:"binance"`
	Signals       SignalConfig       `json:"signals"`
	Database      DatabaseConfig     `json:"database"`
	Redis         RedisConfig        `json:"redis"`
	Notifications NotificationConfig `json:"notifications"`
	API           APIConfig          `json:"api"`
	Logging       LoggingConfig      `json:"logging"`
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Binance: BinanceConfig{
			BaseURL: "https://fapi.binance.com",
			WSURL:   "wss://fstream.binance.com",
		},
		Signals: SignalConfig{
			Symbols:               []string{"BTCUSDT", "ETHUSDT", "BNBUSDT"},
			Timeframes:            []string{"15m", "1h", "4h"},
			WindowSize:            500,
			MinCandles:            100,
			HistoryLimit:          500,
			Workers:               4,
			MinConfidence:         0.55,
			CooldownSeconds:       300,
			ConflictWindowSeconds: 3600,
			PreventConflicts:      true,
			EnableWyckoff:         true,
			EnableElliott:         true,
			EnableRSI:             true,
			EnableMACD:            true,
			ATRPeriod:             14,
			StopATRMult:           2.0,
			TargetATRMult:         3.0,
			RSISoloConfidence:     0.80,
			MACDSoloConfidence:    0.75,
			WyckoffSoloConfidence: 0.75,
			ElliottSoloConfidence: 0.75,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "signals",
			SSLMode:  "disable",
			Enabled:  true,
		},
		API: APIConfig{
			Enabled: true,
			Listen:  ":8080",
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			JSONFormat: true,
		},
	}
}

// Load reads config.json if present, then applies environment overrides
// and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = "config.json"
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Binance.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", c.Binance.BaseURL)
	c.Binance.WSURL = getEnvOrDefault("BINANCE_WS_URL", c.Binance.WSURL)

	if v := os.Getenv("SYMBOLS"); v != "" {
		c.Signals.Symbols = splitCSV(v)
	}
	if v := os.Getenv("TIMEFRAMES"); v != "" {
		c.Signals.Timeframes = splitCSV(v)
	}
	c.Signals.WindowSize = getEnvIntOrDefault("WINDOW_SIZE", c.Signals.WindowSize)
	c.Signals.MinCandles = getEnvIntOrDefault("MIN_CANDLES", c.Signals.MinCandles)
	c.Signals.HistoryLimit = getEnvIntOrDefault("HISTORY_LIMIT", c.Signals.HistoryLimit)
	c.Signals.Workers = getEnvIntOrDefault("WORKERS", c.Signals.Workers)
	c.Signals.MinConfidence = getEnvFloatOrDefault("MIN_CONFIDENCE", c.Signals.MinConfidence)
	c.Signals.CooldownSeconds = getEnvIntOrDefault("SIGNAL_COOLDOWN", c.Signals.CooldownSeconds)
	c.Signals.ConflictWindowSeconds = getEnvIntOrDefault("CONFLICT_WINDOW", c.Signals.ConflictWindowSeconds)
	c.Signals.PreventConflicts = getEnvBoolOrDefault("PREVENT_CONFLICTS", c.Signals.PreventConflicts)
	c.Signals.EnableWyckoff = getEnvBoolOrDefault("ENABLE_WYCKOFF", c.Signals.EnableWyckoff)
	c.Signals.EnableElliott = getEnvBoolOrDefault("ENABLE_ELLIOTT", c.Signals.EnableElliott)
	c.Signals.EnableRSI = getEnvBoolOrDefault("ENABLE_RSI", c.Signals.EnableRSI)
	c.Signals.EnableMACD = getEnvBoolOrDefault("ENABLE_MACD", c.Signals.EnableMACD)

	c.Database.Host = getEnvOrDefault("DB_HOST", c.Database.Host)
	c.Database.Port = getEnvIntOrDefault("DB_PORT", c.Database.Port)
	c.Database.User = getEnvOrDefault("DB_USER", c.Database.User)
	c.Database.Password = getEnvOrDefault("DB_PASSWORD", c.Database.Password)
	c.Database.Database = getEnvOrDefault("DB_NAME", c.Database.Database)
	c.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", c.Database.SSLMode)
	c.Database.Enabled = getEnvBoolOrDefault("DB_ENABLED", c.Database.Enabled)

	c.Redis.URL = getEnvOrDefault("REDIS_URL", c.Redis.URL)

	c.Notifications.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", c.Notifications.Telegram.BotToken)
	c.Notifications.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", c.Notifications.Telegram.ChatID)
	c.Notifications.Telegram.Enabled = getEnvBoolOrDefault("TELEGRAM_ENABLED", c.Notifications.Telegram.Enabled)
	c.Notifications.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", c.Notifications.Discord.WebhookURL)
	c.Notifications.Discord.Enabled = getEnvBoolOrDefault("DISCORD_ENABLED", c.Notifications.Discord.Enabled)

	c.API.Enabled = getEnvBoolOrDefault("API_ENABLED", c.API.Enabled)
	c.API.Listen = getEnvOrDefault("API_LISTEN", c.API.Listen)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.JSONFormat = getEnvBoolOrDefault("LOG_JSON", c.Logging.JSONFormat)
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	var errs []string

	if len(c.Signals.Symbols) == 0 {
		errs = append(errs, "at least one symbol is required")
	}
	if len(c.Signals.Timeframes) == 0 {
		errs = append(errs, "at least one timeframe is required")
	}
	for _, tf := range c.Signals.Timeframes {
		if !market.ValidTimeframe(tf) {
			errs = append(errs, fmt.Sprintf("unsupported timeframe %q", tf))
		}
	}
	if n := len(c.Signals.Symbols) * len(c.Signals.Timeframes); n > 200 {
		errs = append(errs, fmt.Sprintf("%d streams exceed the combined-stream limit of 200", n))
	}
	if c.Signals.MinConfidence < 0 || c.Signals.MinConfidence > 1 {
		errs = append(errs, "min_confidence must be between 0.0 and 1.0")
	}
	if c.Signals.MinCandles < 1 {
		errs = append(errs, "min_candles must be at least 1")
	}
	if c.Signals.WindowSize < c.Signals.MinCandles {
		errs = append(errs, "window_size must not be smaller than min_candles")
	}
	if c.Signals.HistoryLimit < 1 || c.Signals.HistoryLimit > 1500 {
		errs = append(errs, "history_limit must be between 1 and 1500")
	}
	if c.Signals.CooldownSeconds < 0 || c.Signals.ConflictWindowSeconds < 0 {
		errs = append(errs, "cooldown and conflict windows must not be negative")
	}
	if c.Signals.StopATRMult <= 0 || c.Signals.TargetATRMult <= 0 {
		errs = append(errs, "ATR multipliers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloatOrDefault(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBoolOrDefault(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.EqualFold(v, "true") || v == "1"
	}
	return def
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
