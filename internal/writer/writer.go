// Package writer decouples ingestion rate from storage latency: records are
// enqueued on a bounded queue and flushed to the durable store in atomic
// batches, triggered by batch size or by time since the oldest unflushed
// record.
package writer

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// finalFlushTimeout bounds the last flush performed during shutdown.
const finalFlushTimeout = 10 * time.Second

// BatchWriter owns the pending-record queue and the only write handle to the
// durable store. A single background goroutine drains the queue, preserving
// per-instrument FIFO order within and across batches.
type BatchWriter struct {
	store         domain.RecordStore
	queue         chan domain.PersistenceRecord
	batchSize     int
	flushInterval time.Duration
	maxRetries    int
	logger        *slog.Logger

	committed atomic.Uint64
	dropped   atomic.Uint64
}

// NewBatchWriter creates a BatchWriter with a bounded queue of queueSize
// records. A flush happens when batchSize records are pending or when
// flushInterval has elapsed since the oldest pending record was enqueued,
// whichever comes first. A failing batch is retried on subsequent flush ticks
// up to maxRetries times, then dropped with a surfaced counter: forward
// progress is preferred over an indefinite stall.
func NewBatchWriter(store domain.RecordStore, batchSize, queueSize, maxRetries int, flushInterval time.Duration, logger *slog.Logger) *BatchWriter {
	return &BatchWriter{
		store:         store,
		queue:         make(chan domain.PersistenceRecord, queueSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		maxRetries:    maxRetries,
		logger:        logger.With(slog.String("component", "batch_writer")),
	}
}

// Enqueue adds a record to the pending queue. When the queue is full it
// blocks until space frees up or ctx is cancelled; records are never silently
// dropped on the ingestion side.
func (w *BatchWriter) Enqueue(ctx context.Context, rec domain.PersistenceRecord) error {
	select {
	case w.queue <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue until ctx is cancelled, then performs a final flush of
// everything still pending and returns ctx.Err(). Cancellation is observed
// only at flush-loop boundaries, so an in-progress batch commits or fully
// aborts, never partially applies.
func (w *BatchWriter) Run(ctx context.Context) error {
	var (
		pending  []domain.PersistenceRecord
		attempts int
	)

	timer := time.NewTimer(w.flushInterval)
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.flushInterval)
	}

	for {
		select {
		case <-ctx.Done():
			pending = w.drain(pending)
			w.finalFlush(pending, attempts)
			return ctx.Err()

		case rec := <-w.queue:
			if len(pending) == 0 {
				rearm()
			}
			pending = append(pending, rec)
			// After a failed flush, retry only on timer ticks: the size
			// trigger would otherwise burn through the retry budget once
			// per enqueued record.
			if attempts == 0 && len(pending) >= w.batchSize {
				pending, attempts = w.flush(ctx, pending, attempts)
			}

		case <-timer.C:
			if len(pending) > 0 {
				pending, attempts = w.flush(ctx, pending, attempts)
			}
			rearm()
		}
	}
}

// Committed returns the total number of records successfully committed.
func (w *BatchWriter) Committed() uint64 {
	return w.committed.Load()
}

// Dropped returns the number of records dropped after exhausting retries.
func (w *BatchWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// flush writes the pending batch in one atomic store transaction. On failure
// the batch is kept for the next tick until maxRetries attempts have failed,
// then dropped and counted.
func (w *BatchWriter) flush(ctx context.Context, pending []domain.PersistenceRecord, attempts int) ([]domain.PersistenceRecord, int) {
	err := w.store.InsertBatch(ctx, pending)
	if err == nil {
		w.committed.Add(uint64(len(pending)))
		w.logger.Info("records committed", slog.Int("count", len(pending)))
		return nil, 0
	}

	attempts++
	if attempts > w.maxRetries {
		w.dropped.Add(uint64(len(pending)))
		w.logger.Error("batch dropped after retries exhausted",
			slog.Int("count", len(pending)),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return nil, 0
	}

	w.logger.Warn("batch flush failed, will retry",
		slog.Int("count", len(pending)),
		slog.Int("attempt", attempts),
		slog.String("error", err.Error()),
	)
	return pending, attempts
}

// drain moves everything still buffered in the queue into pending without
// blocking. Producers are stopping by the time this runs.
func (w *BatchWriter) drain(pending []domain.PersistenceRecord) []domain.PersistenceRecord {
	for {
		select {
		case rec := <-w.queue:
			pending = append(pending, rec)
		default:
			return pending
		}
	}
}

// finalFlush commits the remaining records with a fresh bounded context so
// shutdown does not race the cancelled run context. Records that still fail
// here are lost: durability is at-least-once up to the last successful commit.
func (w *BatchWriter) finalFlush(pending []domain.PersistenceRecord, attempts int) {
	if len(pending) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
	defer cancel()

	for ; attempts <= w.maxRetries; attempts++ {
		if err := w.store.InsertBatch(ctx, pending); err != nil {
			w.logger.Warn("final flush attempt failed",
				slog.Int("count", len(pending)),
				slog.String("error", err.Error()),
			)
			continue
		}
		w.committed.Add(uint64(len(pending)))
		w.logger.Info("records committed", slog.Int("count", len(pending)))
		return
	}

	w.dropped.Add(uint64(len(pending)))
	w.logger.Error("final flush abandoned, records lost",
		slog.Int("count", len(pending)),
	)
}
