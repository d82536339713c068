package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/cryptomon/internal/blob/s3"
	"github.com/alanyoungcy/cryptomon/internal/cache/redis"
	"github.com/alanyoungcy/cryptomon/internal/config"
	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/notify"
	"github.com/alanyoungcy/cryptomon/internal/store/postgres"
	"github.com/alanyoungcy/cryptomon/internal/timeutil"
)

// bookMirrorTTL caps how long a mirrored snapshot outlives the feed. A stale
// mirror expiring beats dashboards reading a book from a dead monitor.
const bookMirrorTTL = 5 * time.Minute

// Dependencies bundles the backend implementations the monitor needs. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	RecordStore domain.RecordStore
	BookCache   domain.BookCache // nil when redis is disabled
	SignalBus   domain.SignalBus // nil when redis is disabled
	BlobWriter  domain.BlobWriter // nil when s3 is disabled
	Notifier    *notify.Notifier
	Converter   *timeutil.Converter
}

// Wire constructs the concrete backend implementations from the given
// configuration and returns them together with a cleanup function that
// releases connections on shutdown.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Display timezone ---
	conv, err := timeutil.NewConverter(cfg.Display.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: timezone: %w", err)
	}
	deps.Converter = conv

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	deps.RecordStore = postgres.NewRecordStore(pgClient.Pool())

	// --- Redis (optional live mirror and spike signal bus) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.BookCache = redis.NewBookCache(redisClient, bookMirrorTTL)
		deps.SignalBus = redis.NewSignalBus(redisClient)
	}

	// --- S3 blob storage (optional export archive) ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
