package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies CRYPTOMON_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// A missing file falls back to defaults so the binary runs with env
	// overrides alone.
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, err
			}
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known CRYPTOMON_* environment variables and
// overwrites the corresponding Config fields when a variable is set. This lets
// operators inject secrets at deploy time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Feed ──
	setStr(&cfg.Feed.WsURL, "CRYPTOMON_FEED_WS_URL")
	setStringSlice(&cfg.Feed.Symbols, "CRYPTOMON_FEED_SYMBOLS")
	setInt(&cfg.Feed.Depth, "CRYPTOMON_FEED_DEPTH")
	setDuration(&cfg.Feed.SubscribeTimeout, "CRYPTOMON_FEED_SUBSCRIBE_TIMEOUT")
	setDuration(&cfg.Feed.ReconnectMin, "CRYPTOMON_FEED_RECONNECT_MIN_BACKOFF")
	setDuration(&cfg.Feed.ReconnectMax, "CRYPTOMON_FEED_RECONNECT_MAX_BACKOFF")

	// ── Spike ──
	setFloat64(&cfg.Spike.Threshold, "CRYPTOMON_SPIKE_THRESHOLD")

	// ── Writer ──
	setInt(&cfg.Writer.BatchSize, "CRYPTOMON_WRITER_BATCH_SIZE")
	setDuration(&cfg.Writer.FlushInterval, "CRYPTOMON_WRITER_FLUSH_INTERVAL")
	setInt(&cfg.Writer.QueueSize, "CRYPTOMON_WRITER_QUEUE_SIZE")
	setInt(&cfg.Writer.MaxRetries, "CRYPTOMON_WRITER_MAX_RETRIES")

	// ── Export ──
	setStr(&cfg.Export.Dir, "CRYPTOMON_EXPORT_DIR")
	setInt(&cfg.Export.TradeCountThreshold, "CRYPTOMON_EXPORT_TRADE_COUNT_THRESHOLD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "CRYPTOMON_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "CRYPTOMON_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "CRYPTOMON_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "CRYPTOMON_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "CRYPTOMON_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "CRYPTOMON_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "CRYPTOMON_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "CRYPTOMON_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "CRYPTOMON_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "CRYPTOMON_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "CRYPTOMON_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "CRYPTOMON_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "CRYPTOMON_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "CRYPTOMON_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "CRYPTOMON_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "CRYPTOMON_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "CRYPTOMON_REDIS_TLS_ENABLED")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "CRYPTOMON_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "CRYPTOMON_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "CRYPTOMON_S3_REGION")
	setStr(&cfg.S3.Bucket, "CRYPTOMON_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "CRYPTOMON_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "CRYPTOMON_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "CRYPTOMON_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "CRYPTOMON_S3_FORCE_PATH_STYLE")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "CRYPTOMON_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "CRYPTOMON_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "CRYPTOMON_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "CRYPTOMON_NOTIFY_EVENTS")

	// ── Display / top-level ──
	setStr(&cfg.Display.Timezone, "CRYPTOMON_DISPLAY_TIMEZONE")
	setStr(&cfg.LogLevel, "CRYPTOMON_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
