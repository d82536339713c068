// Package app provides the top-level application lifecycle for the crypto
// monitor. It wires the backends (store, cache, blob storage, notifications),
// assembles the in-memory state, writer, exporter, and feed controller, and
// runs the monitor until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/cryptomon/internal/config"
	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/export"
	"github.com/alanyoungcy/cryptomon/internal/feed"
	"github.com/alanyoungcy/cryptomon/internal/service"
	"github.com/alanyoungcy/cryptomon/internal/state"
	"github.com/alanyoungcy/cryptomon/internal/writer"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the monitor,
// and blocks until the context is cancelled. On return the monitor has
// performed its final flush.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting monitor",
		slog.Any("symbols", a.cfg.Feed.Symbols),
		slog.Int("depth", a.cfg.Feed.Depth),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	monitor := a.assemble(deps)

	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("app: start monitor: %w", err)
	}

	// Block on shutdown or on the monitor's goroutines dying on their own.
	waitErr := make(chan error, 1)
	go func() { waitErr <- monitor.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-waitErr:
	}

	// Stop with a fresh context so the final flush is not already cancelled.
	if err := monitor.Stop(context.Background()); err != nil {
		return fmt.Errorf("app: stop monitor: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return fmt.Errorf("app: monitor failed: %w", runErr)
	}
	return nil
}

// assemble builds the in-memory state, writer, exporter, controller, and
// service from wired dependencies.
func (a *App) assemble(deps *Dependencies) *service.MonitorService {
	instruments := make([]domain.Instrument, 0, len(a.cfg.Feed.Symbols))
	for _, s := range a.cfg.Feed.Symbols {
		instruments = append(instruments, domain.Instrument(strings.ToUpper(strings.TrimSpace(s))))
	}

	books := state.NewOrderBooks(instruments, a.cfg.Feed.Depth, a.logger)
	trades := state.NewTradeTracker(instruments, a.cfg.Spike.Threshold, a.cfg.Export.TradeCountThreshold)

	w := writer.NewBatchWriter(
		deps.RecordStore,
		a.cfg.Writer.BatchSize,
		a.cfg.Writer.QueueSize,
		a.cfg.Writer.MaxRetries,
		a.cfg.Writer.FlushInterval.Duration,
		a.logger,
	)

	exporter := export.NewExporter(a.cfg.Export.Dir, deps.Converter, deps.RecordStore, deps.BlobWriter, a.logger)

	controller := feed.NewController(
		feed.Options{
			WsURL:            a.cfg.Feed.WsURL,
			Symbols:          a.cfg.Feed.Symbols,
			Depth:            a.cfg.Feed.Depth,
			SubscribeTimeout: a.cfg.Feed.SubscribeTimeout.Duration,
			ReconnectMin:     a.cfg.Feed.ReconnectMin.Duration,
			ReconnectMax:     a.cfg.Feed.ReconnectMax.Duration,
		},
		books,
		trades,
		w,
		exporter,
		deps.BookCache,
		deps.SignalBus,
		deps.Notifier,
		a.logger,
	)

	return service.NewMonitorService(controller, w, books, trades, exporter, a.logger)
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
