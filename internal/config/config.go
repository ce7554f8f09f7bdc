package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/marketsentinel/internal/dispatch"
	"github.com/rewired-gh/marketsentinel/internal/feed"
	"github.com/rewired-gh/marketsentinel/internal/logger"
	"github.com/rewired-gh/marketsentinel/internal/monitor"
)

// Config represents the complete application configuration
type Config struct {
	Feed     FeedConfig     `mapstructure:"feed"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Rules    RulesConfig    `mapstructure:"rules"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Feed types.
const (
	FeedWebSocket = "websocket"
	FeedPoll      = "poll"
	FeedNone      = "none"
)

// FeedConfig holds market data source configuration
type FeedConfig struct {
	Type             string          `mapstructure:"type"`
	URL              string          `mapstructure:"url"`
	SubscribeMessage string          `mapstructure:"subscribe_message"`
	PollInterval     time.Duration   `mapstructure:"poll_interval"`
	Timeout          time.Duration   `mapstructure:"timeout"`
	Reconnect        ReconnectConfig `mapstructure:"reconnect"`
}

// ReconnectConfig bounds feed reconnection. After MaxAttempts consecutive
// failures the feed is reported down and retried every DownDelay; 0 never
// reports it down.
type ReconnectConfig struct {
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	DownDelay    time.Duration `mapstructure:"down_delay"`
}

// MonitorConfig holds instrument tracking configuration
type MonitorConfig struct {
	Workers            int           `mapstructure:"workers"`
	ShardQueueSize     int           `mapstructure:"shard_queue_size"`
	WindowSize         int           `mapstructure:"window_size"`
	RecomputeEvery     int           `mapstructure:"recompute_every"` // 0 = window_size
	StalenessTolerance time.Duration `mapstructure:"staleness_tolerance"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	SweepInterval      time.Duration `mapstructure:"sweep_interval"`
}

// RulesConfig locates the alert rule file
type RulesConfig struct {
	File  string `mapstructure:"file"`
	Watch bool   `mapstructure:"watch"`
}

// DispatchConfig holds notification delivery configuration
type DispatchConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	RateLimit      float64       `mapstructure:"rate_limit"` // per second, 0 = unlimited
	RateBurst      int           `mapstructure:"rate_burst"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	Enabled  bool   `mapstructure:"enabled"`
}

// WebhookConfig holds webhook notification configuration
type WebhookConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	DBPath    string `mapstructure:"db_path"`
	MaxAlerts int    `mapstructure:"max_alerts"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	// MARKET_SENTINEL_DISPATCH_RATE_LIMIT overrides dispatch.rate_limit
	v.SetEnvPrefix("MARKET_SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Feed defaults
	v.SetDefault("feed.type", FeedWebSocket)
	v.SetDefault("feed.url", "")
	v.SetDefault("feed.subscribe_message", "")
	v.SetDefault("feed.poll_interval", "5s")
	v.SetDefault("feed.timeout", "10s")
	v.SetDefault("feed.reconnect.initial_delay", "500ms")
	v.SetDefault("feed.reconnect.max_delay", "30s")
	v.SetDefault("feed.reconnect.max_attempts", 10)
	v.SetDefault("feed.reconnect.down_delay", "5m")

	// Monitor defaults
	v.SetDefault("monitor.workers", 4)
	v.SetDefault("monitor.shard_queue_size", 1024)
	v.SetDefault("monitor.window_size", 100)
	v.SetDefault("monitor.recompute_every", 0)
	v.SetDefault("monitor.staleness_tolerance", "5s")
	v.SetDefault("monitor.idle_timeout", "30m")
	v.SetDefault("monitor.sweep_interval", "1m")

	// Rules defaults
	v.SetDefault("rules.file", "configs/rules.yaml")
	v.SetDefault("rules.watch", true)

	// Dispatch defaults
	v.SetDefault("dispatch.workers", 2)
	v.SetDefault("dispatch.queue_size", 256)
	v.SetDefault("dispatch.max_attempts", 5)
	v.SetDefault("dispatch.initial_backoff", "500ms")
	v.SetDefault("dispatch.max_backoff", "30s")
	v.SetDefault("dispatch.rate_limit", 5.0)
	v.SetDefault("dispatch.rate_burst", 10)
	v.SetDefault("dispatch.shutdown_grace", "10s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")

	v.SetDefault("webhook.enabled", false)
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/market-sentinel.db")
	v.SetDefault("storage.max_alerts", 10000)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9464")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Feed config
	switch c.Feed.Type {
	case FeedWebSocket, FeedPoll:
		if c.Feed.URL == "" {
			return fmt.Errorf("feed.url is required for feed type %s", c.Feed.Type)
		}
	case FeedNone:
	default:
		return fmt.Errorf("feed.type must be one of: websocket, poll, none")
	}
	if c.Feed.Type == FeedPoll && c.Feed.PollInterval < 100*time.Millisecond {
		return fmt.Errorf("feed.poll_interval must be at least 100ms")
	}
	if c.Feed.Timeout <= 0 {
		return fmt.Errorf("feed.timeout must be positive")
	}
	if c.Feed.Reconnect.InitialDelay <= 0 {
		return fmt.Errorf("feed.reconnect.initial_delay must be positive")
	}
	if c.Feed.Reconnect.MaxDelay < c.Feed.Reconnect.InitialDelay {
		return fmt.Errorf("feed.reconnect.max_delay must not be less than initial_delay")
	}
	if c.Feed.Reconnect.MaxAttempts < 0 {
		return fmt.Errorf("feed.reconnect.max_attempts must not be negative")
	}
	if c.Feed.Reconnect.DownDelay < 0 {
		return fmt.Errorf("feed.reconnect.down_delay must not be negative")
	}

	// Validate Monitor config
	if c.Monitor.Workers < 1 {
		return fmt.Errorf("monitor.workers must be at least 1")
	}
	if c.Monitor.ShardQueueSize < 1 {
		return fmt.Errorf("monitor.shard_queue_size must be at least 1")
	}
	if c.Monitor.WindowSize < 2 {
		return fmt.Errorf("monitor.window_size must be at least 2")
	}
	if c.Monitor.RecomputeEvery < 0 {
		return fmt.Errorf("monitor.recompute_every must not be negative")
	}
	if c.Monitor.StalenessTolerance < 0 {
		return fmt.Errorf("monitor.staleness_tolerance must not be negative")
	}
	if c.Monitor.IdleTimeout < time.Second {
		return fmt.Errorf("monitor.idle_timeout must be at least 1 second")
	}
	if c.Monitor.SweepInterval < time.Second {
		return fmt.Errorf("monitor.sweep_interval must be at least 1 second")
	}

	if c.Rules.File == "" {
		return fmt.Errorf("rules.file is required")
	}

	// Validate Dispatch config
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1")
	}
	if c.Dispatch.QueueSize < c.Dispatch.Workers {
		return fmt.Errorf("dispatch.queue_size must be at least dispatch.workers")
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1")
	}
	if c.Dispatch.InitialBackoff <= 0 || c.Dispatch.MaxBackoff < c.Dispatch.InitialBackoff {
		return fmt.Errorf("dispatch backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	if c.Dispatch.RateLimit < 0 {
		return fmt.Errorf("dispatch.rate_limit must not be negative")
	}
	if c.Dispatch.RateLimit > 0 && c.Dispatch.RateBurst < 1 {
		return fmt.Errorf("dispatch.rate_burst must be at least 1 when rate_limit is set")
	}
	if c.Dispatch.ShutdownGrace < 0 {
		return fmt.Errorf("dispatch.shutdown_grace must not be negative")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Webhook.Enabled {
		if c.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required when webhook is enabled")
		}
		if c.Webhook.Timeout <= 0 {
			return fmt.Errorf("webhook.timeout must be positive")
		}
	}

	// Validate Storage config
	if c.Storage.Enabled {
		if c.Storage.DBPath == "" {
			return fmt.Errorf("storage.db_path is required when storage is enabled")
		}
		if c.Storage.MaxAlerts < 1 {
			return fmt.Errorf("storage.max_alerts must be at least 1")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	if c.Logging.File != "" && c.Logging.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be at least 1")
	}

	return nil
}

// CoreConfig converts the monitor section into the core's configuration
func (c *Config) CoreConfig() monitor.Config {
	mc := monitor.DefaultConfig()
	mc.Workers = c.Monitor.Workers
	mc.ShardQueueSize = c.Monitor.ShardQueueSize
	mc.WindowSize = c.Monitor.WindowSize
	mc.RecomputeEvery = c.Monitor.RecomputeEvery
	mc.StalenessTolerance = c.Monitor.StalenessTolerance
	mc.IdleTimeout = c.Monitor.IdleTimeout
	mc.SweepInterval = c.Monitor.SweepInterval
	return mc
}

// DispatcherConfig converts the dispatch section into the dispatcher's configuration
func (c *Config) DispatcherConfig() dispatch.Config {
	return dispatch.Config{
		Workers:        c.Dispatch.Workers,
		QueueSize:      c.Dispatch.QueueSize,
		MaxAttempts:    c.Dispatch.MaxAttempts,
		InitialBackoff: c.Dispatch.InitialBackoff,
		MaxBackoff:     c.Dispatch.MaxBackoff,
		RateLimit:      c.Dispatch.RateLimit,
		RateBurst:      c.Dispatch.RateBurst,
		ShutdownGrace:  c.Dispatch.ShutdownGrace,
	}
}

// ReconnectPolicy converts the feed reconnect section into a supervisor policy
func (c *Config) ReconnectPolicy() feed.ReconnectPolicy {
	p := feed.DefaultReconnectPolicy()
	p.InitialDelay = c.Feed.Reconnect.InitialDelay
	p.MaxDelay = c.Feed.Reconnect.MaxDelay
	p.MaxAttempts = c.Feed.Reconnect.MaxAttempts
	p.DownDelay = c.Feed.Reconnect.DownDelay
	return p
}

// LoggerOptions converts the logging section into logger options
func (c *Config) LoggerOptions() logger.Options {
	return logger.Options{
		Level:      c.Logging.Level,
		Format:     c.Logging.Format,
		File:       c.Logging.File,
		MaxSizeMB:  c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAgeDays: c.Logging.MaxAgeDays,
	}
}
