package state

import (
	"math"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// TradeTracker holds per-instrument trade state: the last trade price, the
// counter driving periodic history exports, the traded-since-last-snapshot
// flag, and a bounded in-memory trade history. Concurrent calls for the same
// instrument serialize on the instrument's lock; different instruments never
// block each other.
type TradeTracker struct {
	spikeThreshold  float64
	exportThreshold int
	entries         map[domain.Instrument]*tradeEntry
}

type tradeEntry struct {
	mu          sync.Mutex
	lastPrice   decimal.Decimal
	seen        bool
	exportCount int
	traded      bool
	history     []domain.Trade
	total       uint64
}

// NewTradeTracker creates the trade state for a fixed instrument set.
// spikeThreshold is the trade-to-trade change fraction that flags a spike
// (e.g. 0.005); exportThreshold is the trade count that arms ExportDue and
// also bounds the in-memory history.
func NewTradeTracker(instruments []domain.Instrument, spikeThreshold float64, exportThreshold int) *TradeTracker {
	entries := make(map[domain.Instrument]*tradeEntry, len(instruments))
	for _, in := range instruments {
		entries[in] = &tradeEntry{}
	}
	return &TradeTracker{
		spikeThreshold:  spikeThreshold,
		exportThreshold: exportThreshold,
		entries:         entries,
	}
}

// ApplyTrade records a trade and returns a SpikeEvent when the price moved by
// at least the spike threshold relative to the previous trade. The first
// trade for an instrument establishes the baseline and can never be a spike.
// The stored last price and counters are updated regardless of the outcome.
func (t *TradeTracker) ApplyTrade(trade domain.Trade) (*domain.SpikeEvent, error) {
	entry, ok := t.entries[trade.Instrument]
	if !ok {
		return nil, domain.ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	var spike *domain.SpikeEvent
	if entry.seen && entry.lastPrice.Sign() > 0 {
		pct := trade.Price.Sub(entry.lastPrice).Div(entry.lastPrice).InexactFloat64()
		if math.Abs(pct) >= t.spikeThreshold {
			spike = &domain.SpikeEvent{
				Instrument: trade.Instrument,
				OldPrice:   entry.lastPrice,
				NewPrice:   trade.Price,
				PctChange:  pct,
				Timestamp:  trade.Timestamp,
			}
		}
	}

	entry.lastPrice = trade.Price
	entry.seen = true
	entry.exportCount++
	entry.traded = true
	entry.total++

	entry.history = append(entry.history, trade)
	if len(entry.history) > t.exportThreshold {
		entry.history = entry.history[1:]
	}

	return spike, nil
}

// LastTrade returns the most recent trade for the instrument, or
// domain.ErrNotFound before the first trade.
func (t *TradeTracker) LastTrade(instrument domain.Instrument) (domain.Trade, error) {
	entry, ok := t.entries[instrument]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.history) == 0 {
		return domain.Trade{}, domain.ErrNotFound
	}
	return entry.history[len(entry.history)-1], nil
}

// LastPrice returns the last trade price for the instrument. The second
// return is false before the first trade.
func (t *TradeTracker) LastPrice(instrument domain.Instrument) (decimal.Decimal, bool) {
	entry, ok := t.entries[instrument]
	if !ok {
		return decimal.Decimal{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.lastPrice, entry.seen
}

// ExportDue reports whether the instrument accumulated exportThreshold trades
// since the last export. The check and the counter reset are one atomic step
// under the instrument lock: 2N trades produce exactly two true results.
func (t *TradeTracker) ExportDue(instrument domain.Instrument) bool {
	entry, ok := t.entries[instrument]
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.exportCount >= t.exportThreshold {
		entry.exportCount = 0
		return true
	}
	return false
}

// ConsumeTradedFlag returns whether a trade occurred for the instrument since
// the previous call and resets the flag. Snapshot persistence uses it to tag
// the "Last" record 'Y' or 'N' for the current processing tick.
func (t *TradeTracker) ConsumeTradedFlag(instrument domain.Instrument) bool {
	entry, ok := t.entries[instrument]
	if !ok {
		return false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	traded := entry.traded
	entry.traded = false
	return traded
}

// DrainHistory returns the buffered trade history for the instrument and
// clears the buffer. Used by the CSV exporter.
func (t *TradeTracker) DrainHistory(instrument domain.Instrument) []domain.Trade {
	entry, ok := t.entries[instrument]
	if !ok {
		return nil
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if len(entry.history) == 0 {
		return nil
	}
	drained := entry.history
	entry.history = nil
	return drained
}

// TradeCount returns the total number of trades seen for the instrument.
func (t *TradeTracker) TradeCount(instrument domain.Instrument) uint64 {
	entry, ok := t.entries[instrument]
	if !ok {
		return 0
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.total
}
