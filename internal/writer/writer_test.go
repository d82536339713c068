package writer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// fakeStore records committed batches and can be told to fail a number of
// InsertBatch calls.
type fakeStore struct {
	mu       sync.Mutex
	batches  [][]domain.PersistenceRecord
	failures int
	attempts int
}

func (s *fakeStore) InsertBatch(ctx context.Context, recs []domain.PersistenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failures > 0 {
		s.failures--
		return errors.New("store unavailable")
	}
	batch := append([]domain.PersistenceRecord(nil), recs...)
	s.batches = append(s.batches, batch)
	return nil
}

func (s *fakeStore) StreamTrades(ctx context.Context, instrument domain.Instrument, fn func(domain.PersistenceRecord) error) error {
	return nil
}

func (s *fakeStore) insertAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeStore) committed() []domain.PersistenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []domain.PersistenceRecord
	for _, b := range s.batches {
		all = append(all, b...)
	}
	return all
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func record(id int64) domain.PersistenceRecord {
	return domain.PersistenceRecord{
		Timestamp:  time.Now().UTC(),
		Instrument: "BTCUSDT",
		OrderLevel: domain.OrderLevelLast,
		Price:      decimal.NewFromInt(id),
		Amount:     decimal.NewFromInt(1),
		Total:      decimal.NewFromInt(id),
		Traded:     true,
	}
}

func newTestWriter(store domain.RecordStore, batchSize, maxRetries int, flushInterval time.Duration) *BatchWriter {
	return NewBatchWriter(store, batchSize, 1024, maxRetries, flushInterval, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestFlushOnBatchSize(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store, 3, 0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Enqueue(ctx, record(int64(i))))
	}

	waitFor(t, func() bool { return w.Committed() == 3 })
	assert.Equal(t, 1, store.batchCount())

	cancel()
	<-done
}

func TestFlushOnInterval(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store, 100, 0, 30*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	require.NoError(t, w.Enqueue(ctx, record(1)))

	// A single record far below the batch size still flushes on time.
	waitFor(t, func() bool { return w.Committed() == 1 })

	cancel()
	<-done
}

func TestFailedBatchRetriesThenCommits(t *testing.T) {
	store := &fakeStore{failures: 2}
	w := newTestWriter(store, 2, 3, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	require.NoError(t, w.Enqueue(ctx, record(1)))
	require.NoError(t, w.Enqueue(ctx, record(2)))

	waitFor(t, func() bool { return w.Committed() == 2 })

	// Retries resubmit the whole batch; nothing partial ever lands.
	assert.Equal(t, 1, store.batchCount())
	assert.Equal(t, uint64(0), w.Dropped())

	cancel()
	<-done
}

func TestFailedBatchRetriesOnlyOnTimerTick(t *testing.T) {
	store := &fakeStore{failures: 1}
	w := newTestWriter(store, 2, 3, 250*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	// The size trigger fires the first attempt, which fails.
	require.NoError(t, w.Enqueue(ctx, record(1)))
	require.NoError(t, w.Enqueue(ctx, record(2)))
	waitFor(t, func() bool { return store.insertAttempts() == 1 })

	// More records keep arriving while the batch is in its retry window.
	// The size trigger must not resubmit; only the timer tick may, or the
	// retry budget drains once per record.
	for i := 3; i <= 6; i++ {
		require.NoError(t, w.Enqueue(ctx, record(int64(i))))
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, store.insertAttempts())

	// The timer tick retries and commits everything accumulated so far.
	waitFor(t, func() bool { return w.Committed() == 6 })
	assert.Equal(t, 2, store.insertAttempts())
	assert.Equal(t, 1, store.batchCount())
	assert.Equal(t, uint64(0), w.Dropped())

	cancel()
	<-done
}

func TestBatchDroppedAfterRetriesExhausted(t *testing.T) {
	store := &fakeStore{failures: 100}
	w := newTestWriter(store, 2, 2, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	require.NoError(t, w.Enqueue(ctx, record(1)))
	require.NoError(t, w.Enqueue(ctx, record(2)))

	waitFor(t, func() bool { return w.Dropped() == 2 })
	assert.Equal(t, uint64(0), w.Committed())

	cancel()
	<-done
}

func TestFinalFlushOnShutdown(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store, 100, 0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Enqueue(ctx, record(int64(i))))
	}

	// Neither trigger has fired yet; cancellation must flush the remainder.
	cancel()
	<-done

	assert.Equal(t, uint64(5), w.Committed())
}

func TestRecordsCommittedInFIFOOrder(t *testing.T) {
	store := &fakeStore{}
	w := newTestWriter(store, 4, 0, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); _ = w.Run(ctx) }()

	const n = 12
	for i := 0; i < n; i++ {
		require.NoError(t, w.Enqueue(ctx, record(int64(i))))
	}

	waitFor(t, func() bool { return w.Committed() == n })
	cancel()
	<-done

	all := store.committed()
	require.Len(t, all, n)
	for i, rec := range all {
		assert.True(t, rec.Price.Equal(decimal.NewFromInt(int64(i))),
			"record %d out of order: got price %s", i, rec.Price)
	}
}

func TestEnqueueBlocksUntilCancelled(t *testing.T) {
	store := &fakeStore{}
	// Queue of size 1 and no running drain goroutine.
	w := NewBatchWriter(store, 1, 1, 0, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, w.Enqueue(context.Background(), record(1)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := w.Enqueue(ctx, record(2))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
