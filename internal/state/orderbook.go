// Package state owns the per-instrument in-memory market state: the latest
// order book snapshot and the trade/spike tracker. Each instrument is guarded
// by its own lock so unrelated instruments never contend; the instrument set
// is fixed at construction and the maps are never mutated afterwards.
package state

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// OrderBooks holds the current top-N levels for every tracked instrument.
// Only the latest snapshot is kept in memory; history lives in the durable
// store.
type OrderBooks struct {
	depth   int
	books   map[domain.Instrument]*bookEntry
	crossed atomic.Uint64
	logger  *slog.Logger
}

type bookEntry struct {
	mu   sync.RWMutex
	snap domain.OrderBookSnapshot
	seen bool
}

// NewOrderBooks creates the book state for a fixed instrument set.
func NewOrderBooks(instruments []domain.Instrument, depth int, logger *slog.Logger) *OrderBooks {
	books := make(map[domain.Instrument]*bookEntry, len(instruments))
	for _, in := range instruments {
		books[in] = &bookEntry{}
	}
	return &OrderBooks{
		depth:  depth,
		books:  books,
		logger: logger.With(slog.String("component", "orderbook_state")),
	}
}

// ApplySnapshot replaces the instrument's current levels wholesale. The swap
// happens under the instrument's write lock, so a concurrent reader sees
// either the old snapshot or the new one, never a mix. Crossed books are
// counted and logged as anomalies but still applied: discarding real market
// data is worse than recording an anomaly.
func (b *OrderBooks) ApplySnapshot(snap domain.OrderBookSnapshot) error {
	entry, ok := b.books[snap.Instrument]
	if !ok {
		return domain.ErrNotFound
	}

	if len(snap.Asks) > b.depth {
		snap.Asks = snap.Asks[:b.depth]
	}
	if len(snap.Bids) > b.depth {
		snap.Bids = snap.Bids[:b.depth]
	}

	if snap.Crossed() {
		b.crossed.Add(1)
		b.logger.Warn("crossed book applied",
			slog.String("instrument", string(snap.Instrument)),
			slog.String("best_ask", snap.Asks[0].Price.String()),
			slog.String("best_bid", snap.Bids[0].Price.String()),
		)
	}

	entry.mu.Lock()
	entry.snap = snap
	entry.seen = true
	entry.mu.Unlock()
	return nil
}

// Snapshot returns a copy of the instrument's latest snapshot. It returns
// domain.ErrNotFound for an unknown instrument or one that has not received
// its first snapshot yet.
func (b *OrderBooks) Snapshot(instrument domain.Instrument) (domain.OrderBookSnapshot, error) {
	entry, ok := b.books[instrument]
	if !ok {
		return domain.OrderBookSnapshot{}, domain.ErrNotFound
	}

	entry.mu.RLock()
	defer entry.mu.RUnlock()

	if !entry.seen {
		return domain.OrderBookSnapshot{}, domain.ErrNotFound
	}

	snap := entry.snap
	snap.Asks = append([]domain.BookLevel(nil), entry.snap.Asks...)
	snap.Bids = append([]domain.BookLevel(nil), entry.snap.Bids...)
	return snap, nil
}

// CrossedCount returns the number of crossed-book anomalies observed.
func (b *OrderBooks) CrossedCount() uint64 {
	return b.crossed.Load()
}
