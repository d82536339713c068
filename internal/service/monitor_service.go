// Package service exposes the control surface of the monitor: lifecycle
// (start/stop), read access to the in-memory market state, on-demand trade
// exports, and runtime counters.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/export"
	"github.com/alanyoungcy/cryptomon/internal/feed"
	"github.com/alanyoungcy/cryptomon/internal/state"
	"github.com/alanyoungcy/cryptomon/internal/writer"
)

// Stats is a point-in-time view of the monitor's runtime counters.
type Stats struct {
	FeedState        string
	Reconnects       uint64
	DecodeErrors     uint64
	Spikes           uint64
	CrossedBooks     uint64
	RecordsCommitted uint64
	RecordsDropped   uint64
}

// MonitorService owns the feed controller and batch writer lifecycles and
// fronts the in-memory state for callers outside the ingestion path.
type MonitorService struct {
	controller *feed.Controller
	writer     *writer.BatchWriter
	books      *state.OrderBooks
	trades     *state.TradeTracker
	exporter   *export.Exporter
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	started bool
}

// NewMonitorService creates the service around already-wired components.
func NewMonitorService(
	controller *feed.Controller,
	w *writer.BatchWriter,
	books *state.OrderBooks,
	trades *state.TradeTracker,
	exporter *export.Exporter,
	logger *slog.Logger,
) *MonitorService {
	return &MonitorService{
		controller: controller,
		writer:     w,
		books:      books,
		trades:     trades,
		exporter:   exporter,
		logger:     logger.With(slog.String("component", "monitor_service")),
	}
}

// Start launches the writer and the feed controller in the background. It is
// an error to start an already-running or previously-stopped service.
func (s *MonitorService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("monitor_service: already started")
	}
	s.started = true

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.writer.Run(gCtx) })
	g.Go(func() error { return s.controller.Run(gCtx) })

	go func() {
		err := g.Wait()
		s.mu.Lock()
		s.runErr = err
		s.mu.Unlock()
		close(s.done)
	}()

	s.logger.InfoContext(ctx, "monitor started")
	return nil
}

// Stop cancels the background goroutines and waits for them to finish. The
// writer performs its final flush before returning, so records accepted
// before Stop are committed when the store is reachable.
func (s *MonitorService) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return fmt.Errorf("monitor_service: not started")
	}
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("monitor_service: stop: %w", ctx.Err())
	}

	s.mu.Lock()
	err := s.runErr
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("monitor stopped with error", slog.String("error", err.Error()))
	}
	s.logger.Info("monitor stopped",
		slog.Uint64("records_committed", s.writer.Committed()),
		slog.Uint64("records_dropped", s.writer.Dropped()),
	)
	return nil
}

// Wait blocks until the background goroutines exit and returns their error.
func (s *MonitorService) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	if done == nil {
		return fmt.Errorf("monitor_service: not started")
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Snapshot returns a copy of the current order book for the instrument. It
// returns domain.ErrNotFound before the first snapshot arrives.
func (s *MonitorService) Snapshot(instrument domain.Instrument) (domain.OrderBookSnapshot, error) {
	return s.books.Snapshot(instrument)
}

// LastTrade returns the most recent trade for the instrument, or
// domain.ErrNotFound before the first trade.
func (s *MonitorService) LastTrade(instrument domain.Instrument) (domain.Trade, error) {
	return s.trades.LastTrade(instrument)
}

// ExportTrades writes every persisted trade row for the instrument to a fresh
// CSV file and returns its path. Safe to call while ingestion is running.
func (s *MonitorService) ExportTrades(ctx context.Context, instrument domain.Instrument) (string, error) {
	path, err := s.exporter.ExportTrades(ctx, instrument)
	if err != nil {
		return "", fmt.Errorf("monitor_service: export trades: %w", err)
	}
	return path, nil
}

// Stats returns current runtime counters.
func (s *MonitorService) Stats() Stats {
	return Stats{
		FeedState:        s.controller.State().String(),
		Reconnects:       s.controller.Reconnects(),
		DecodeErrors:     s.controller.DecodeErrors(),
		Spikes:           s.controller.Spikes(),
		CrossedBooks:     s.books.CrossedCount(),
		RecordsCommitted: s.writer.Committed(),
		RecordsDropped:   s.writer.Dropped(),
	}
}
