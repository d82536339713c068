package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/export"
	"github.com/alanyoungcy/cryptomon/internal/state"
	"github.com/alanyoungcy/cryptomon/internal/timeutil"
	"github.com/alanyoungcy/cryptomon/internal/writer"
)

// memStore collects committed records in order.
type memStore struct {
	mu   sync.Mutex
	recs []domain.PersistenceRecord
}

func (s *memStore) InsertBatch(ctx context.Context, records []domain.PersistenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs = append(s.recs, records...)
	return nil
}

func (s *memStore) StreamTrades(ctx context.Context, instrument domain.Instrument, fn func(domain.PersistenceRecord) error) error {
	return nil
}

func (s *memStore) committed() []domain.PersistenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.PersistenceRecord(nil), s.recs...)
}

// memBus records published spike payloads.
type memBus struct {
	mu        sync.Mutex
	published [][]byte
	appended  [][]byte
}

func (b *memBus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
	return nil
}

func (b *memBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appended = append(b.appended, payload)
	return nil
}

// memCache records mirrored snapshots.
type memCache struct {
	mu    sync.Mutex
	snaps []domain.OrderBookSnapshot
}

func (c *memCache) SetSnapshot(ctx context.Context, snap domain.OrderBookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
	return nil
}

func (c *memCache) GetSnapshot(ctx context.Context, instrument domain.Instrument) (domain.OrderBookSnapshot, error) {
	return domain.OrderBookSnapshot{}, domain.ErrNotFound
}

type testRig struct {
	controller *Controller
	store      *memStore
	bus        *memBus
	cache      *memCache
	books      *state.OrderBooks
	trades     *state.TradeTracker
	cancel     context.CancelFunc
	writerDone chan struct{}
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	instruments := []domain.Instrument{"BTCUSDT", "ETHUSDT"}

	store := &memStore{}
	bus := &memBus{}
	cache := &memCache{}
	books := state.NewOrderBooks(instruments, 5, logger)
	trades := state.NewTradeTracker(instruments, 0.005, 500)

	w := writer.NewBatchWriter(store, 1, 128, 0, time.Hour, logger)

	conv, err := timeutil.NewConverter("UTC")
	require.NoError(t, err)
	exporter := export.NewExporter(t.TempDir(), conv, store, nil, logger)

	controller := NewController(
		Options{
			Symbols:          []string{"btcusdt", "ethusdt"},
			Depth:            5,
			SubscribeTimeout: time.Second,
			ReconnectMin:     time.Millisecond,
			ReconnectMax:     time.Second,
		},
		books, trades, w, exporter, cache, bus, nil, logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	writerDone := make(chan struct{})
	go func() { defer close(writerDone); _ = w.Run(ctx) }()

	rig := &testRig{
		controller: controller,
		store:      store,
		bus:        bus,
		cache:      cache,
		books:      books,
		trades:     trades,
		cancel:     cancel,
		writerDone: writerDone,
	}
	t.Cleanup(func() {
		cancel()
		<-writerDone
	})
	return rig
}

func waitForRecords(t *testing.T, store *memStore, n int) []domain.PersistenceRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if recs := store.committed(); len(recs) >= n {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d records, got %d", n, len(store.committed()))
	return nil
}

func testTrade(price string, id int64) domain.Trade {
	return domain.Trade{
		Instrument: "BTCUSDT",
		Price:      decimal.RequireFromString(price),
		Amount:     decimal.RequireFromString("0.5"),
		Timestamp:  time.Now().UTC(),
		TradeID:    id,
	}
}

func testSnapshot() domain.OrderBookSnapshot {
	levels := func(prices ...string) []domain.BookLevel {
		out := make([]domain.BookLevel, 0, len(prices))
		for _, p := range prices {
			out = append(out, domain.NewBookLevel(
				decimal.RequireFromString(p),
				decimal.RequireFromString("1"),
			))
		}
		return out
	}
	return domain.OrderBookSnapshot{
		Instrument: "BTCUSDT",
		Asks:       levels("65001", "65002"),
		Bids:       levels("65000", "64999"),
		Timestamp:  time.Now().UTC(),
	}
}

func TestHandleTradePersistsLastRecord(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.controller.handleTrade(ctx, testTrade("65000", 1))

	recs := waitForRecords(t, rig.store, 1)
	rec := recs[0]
	assert.Equal(t, domain.OrderLevelLast, rec.OrderLevel)
	assert.Equal(t, "Y", rec.TradedFlag())
	assert.True(t, rec.Price.Equal(decimal.RequireFromString("65000")))
	assert.True(t, rec.Total.Equal(decimal.RequireFromString("32500")))

	last, err := rig.trades.LastTrade("BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), last.TradeID)
}

func TestHandleBookFanOut(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.controller.handleTrade(ctx, testTrade("65000.5", 1))
	rig.controller.handleBook(ctx, testSnapshot())

	// One trade record plus five snapshot records (2 asks, Last, 2 bids).
	recs := waitForRecords(t, rig.store, 6)
	snapRecs := recs[1:]

	wantLevels := []string{"Ask1", "Ask2", "Last", "Bid1", "Bid2"}
	gotLevels := make([]string, len(snapRecs))
	for i, r := range snapRecs {
		gotLevels[i] = r.OrderLevel
	}
	assert.Equal(t, wantLevels, gotLevels)

	last := snapRecs[2]
	assert.True(t, last.Price.Equal(decimal.RequireFromString("65000.5")))
	assert.True(t, last.Amount.Equal(decimal.NewFromInt(1)))
	assert.True(t, last.Total.Equal(last.Price))
	assert.Equal(t, "Y", last.TradedFlag(), "a trade happened since the previous snapshot")

	// In-memory state was replaced and the cache mirrored.
	snap, err := rig.books.Snapshot("BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, snap.Asks, 2)
	assert.Len(t, rig.cache.snaps, 1)
}

func TestSecondSnapshotWithoutTradeClearsFlag(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.controller.handleTrade(ctx, testTrade("65000", 1))
	rig.controller.handleBook(ctx, testSnapshot())
	rig.controller.handleBook(ctx, testSnapshot())

	recs := waitForRecords(t, rig.store, 11)

	firstLast := recs[3]
	secondLast := recs[8]
	require.Equal(t, domain.OrderLevelLast, firstLast.OrderLevel)
	require.Equal(t, domain.OrderLevelLast, secondLast.OrderLevel)
	assert.Equal(t, "Y", firstLast.TradedFlag())
	assert.Equal(t, "N", secondLast.TradedFlag())
}

func TestSnapshotBeforeAnyTradeOmitsLastRow(t *testing.T) {
	rig := newTestRig(t)

	rig.controller.handleBook(context.Background(), testSnapshot())

	recs := waitForRecords(t, rig.store, 4)
	for _, r := range recs {
		assert.NotEqual(t, domain.OrderLevelLast, r.OrderLevel)
	}
}

func TestSpikePublishedToBus(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	rig.controller.handleTrade(ctx, testTrade("100", 1))
	rig.controller.handleTrade(ctx, testTrade("101", 2))

	assert.Equal(t, uint64(1), rig.controller.Spikes())

	rig.bus.mu.Lock()
	defer rig.bus.mu.Unlock()
	require.Len(t, rig.bus.published, 1)
	require.Len(t, rig.bus.appended, 1)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rig.bus.published[0], &payload))
	assert.Equal(t, "BTCUSDT", payload["instrument"])
	assert.Equal(t, "100", payload["old_price"])
	assert.Equal(t, "101", payload["new_price"])
	assert.InDelta(t, 0.01, payload["pct_change"].(float64), 1e-9)
}

func TestUntrackedInstrumentDropped(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	tr := testTrade("100", 1)
	tr.Instrument = "DOGEUSDT"
	rig.controller.handleTrade(ctx, tr)

	snap := testSnapshot()
	snap.Instrument = "DOGEUSDT"
	rig.controller.handleBook(ctx, snap)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rig.store.committed())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "subscribed", StateSubscribed.String())
	assert.Equal(t, "streaming", StateStreaming.String())
	assert.Equal(t, "stopped", StateStopped.String())
}
