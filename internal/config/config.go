// Package config defines the top-level configuration for the crypto monitor
// and provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by CRYPTOMON_* environment variables.
type Config struct {
	Feed     FeedConfig     `toml:"feed"`
	Spike    SpikeConfig    `toml:"spike"`
	Writer   WriterConfig   `toml:"writer"`
	Export   ExportConfig   `toml:"export"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Display  DisplayConfig  `toml:"display"`
	LogLevel string         `toml:"log_level"`
}

// FeedConfig holds websocket feed parameters.
type FeedConfig struct {
	WsURL string `toml:"ws_url"`
	// Symbols is the fixed instrument set, lowercase exchange form
	// (e.g. "btcusdt"). Immutable during a run.
	Symbols []string `toml:"symbols"`
	// Depth is the number of book levels tracked per side.
	Depth int `toml:"depth"`
	// SubscribeTimeout bounds how long the controller waits for a first
	// message from every subscribed symbol before declaring Streaming anyway.
	SubscribeTimeout duration `toml:"subscribe_timeout"`
	ReconnectMin     duration `toml:"reconnect_min_backoff"`
	ReconnectMax     duration `toml:"reconnect_max_backoff"`
}

// SpikeConfig holds spike detection parameters.
type SpikeConfig struct {
	// Threshold is the trade-to-trade price change fraction that triggers a
	// spike event, e.g. 0.005 for 0.5%.
	Threshold float64 `toml:"threshold"`
}

// WriterConfig holds batched persistence parameters.
type WriterConfig struct {
	BatchSize     int      `toml:"batch_size"`
	FlushInterval duration `toml:"flush_interval"`
	QueueSize     int      `toml:"queue_size"`
	MaxRetries    int      `toml:"max_retries"`
}

// ExportConfig holds trade-history export parameters.
type ExportConfig struct {
	Dir string `toml:"dir"`
	// TradeCountThreshold is the per-instrument trade count that triggers a
	// CSV export of the in-memory history.
	TradeCountThreshold int `toml:"trade_count_threshold"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. The cache layer is optional;
// when Enabled is false the monitor runs without the live book mirror and the
// spike signal bus.
type RedisConfig struct {
	Enabled    bool   `toml:"enabled"`
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters for export uploads.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials for spike alerts.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// DisplayConfig holds presentation-facing settings.
type DisplayConfig struct {
	// Timezone is the IANA name used for exported/display timestamps.
	Timezone string `toml:"timezone"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Feed: FeedConfig{
			WsURL:            "wss://stream.binance.us:9443/stream",
			Symbols:          []string{"btcusdt", "ethusdt", "xrpusdt", "ltcusdt", "dogeusdt"},
			Depth:            5,
			SubscribeTimeout: duration{10 * time.Second},
			ReconnectMin:     duration{2 * time.Second},
			ReconnectMax:     duration{60 * time.Second},
		},
		Spike: SpikeConfig{
			Threshold: 0.005,
		},
		Writer: WriterConfig{
			BatchSize:     100,
			FlushInterval: duration{5 * time.Second},
			QueueSize:     4096,
			MaxRetries:    3,
		},
		Export: ExportConfig{
			Dir:                 "exports",
			TradeCountThreshold: 500,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "cryptomon",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:    false,
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Enabled:        false,
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "cryptomon-exports",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"spike"},
		},
		Display: DisplayConfig{
			Timezone: "America/New_York",
		},
		LogLevel: "info",
	}
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns
// a combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Feed.WsURL == "" {
		errs = append(errs, "feed: ws_url must be set")
	}
	if len(c.Feed.Symbols) == 0 {
		errs = append(errs, "feed: at least one symbol must be configured")
	}
	for _, s := range c.Feed.Symbols {
		if strings.TrimSpace(s) == "" {
			errs = append(errs, "feed: empty symbol in symbols list")
			break
		}
	}
	if c.Feed.Depth <= 0 {
		errs = append(errs, "feed: depth must be positive")
	}
	if c.Feed.ReconnectMin.Duration <= 0 || c.Feed.ReconnectMax.Duration < c.Feed.ReconnectMin.Duration {
		errs = append(errs, "feed: reconnect backoff bounds must satisfy 0 < min <= max")
	}

	if c.Spike.Threshold <= 0 {
		errs = append(errs, "spike: threshold must be positive")
	}

	if c.Writer.BatchSize <= 0 {
		errs = append(errs, "writer: batch_size must be positive")
	}
	if c.Writer.FlushInterval.Duration <= 0 {
		errs = append(errs, "writer: flush_interval must be positive")
	}
	if c.Writer.QueueSize < c.Writer.BatchSize {
		errs = append(errs, "writer: queue_size must be at least batch_size")
	}

	if c.Export.TradeCountThreshold <= 0 {
		errs = append(errs, "export: trade_count_threshold must be positive")
	}

	if c.Postgres.DSN == "" && (c.Postgres.Host == "" || c.Postgres.Database == "" || c.Postgres.User == "") {
		errs = append(errs, "postgres: either dsn or host/database/user must be set")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, "redis: addr is required when redis is enabled")
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket is required when s3 is enabled")
		}
		if c.S3.AccessKey == "" || c.S3.SecretKey == "" {
			errs = append(errs, "s3: access_key and secret_key are required when s3 is enabled")
		}
	}

	if c.Display.Timezone == "" {
		errs = append(errs, "display: timezone must be set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
