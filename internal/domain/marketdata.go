// Package domain holds the core market-data types shared by every component:
// book levels, snapshots, trades, spike events, and persistence records. All
// mutable state lives behind the state/store packages; these types are plain
// values.
package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Instrument identifies a tracked trading pair, e.g. "BTCUSDT". The set of
// instruments is fixed at startup and never changes during a run.
type Instrument string

// BookLevel is a single price level of an order book side. Total is derived
// and always equals Price * Amount.
type BookLevel struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
	Total  decimal.Decimal
}

// NewBookLevel builds a BookLevel with its Total derived from price and amount.
func NewBookLevel(price, amount decimal.Decimal) BookLevel {
	return BookLevel{
		Price:  price,
		Amount: amount,
		Total:  price.Mul(amount),
	}
}

// OrderBookSnapshot is a full replacement view of an instrument's top-N
// levels at a point in time. Asks are ordered by ascending price, bids by
// descending price. A snapshot replaces the previous one wholesale; levels
// are never patched individually.
type OrderBookSnapshot struct {
	Instrument Instrument
	Asks       []BookLevel
	Bids       []BookLevel
	Timestamp  time.Time
}

// Crossed reports whether the book is crossed (best ask below best bid).
// Crossed books are recorded as anomalies, not rejected.
func (s OrderBookSnapshot) Crossed() bool {
	if len(s.Asks) == 0 || len(s.Bids) == 0 {
		return false
	}
	return s.Asks[0].Price.LessThan(s.Bids[0].Price)
}

// Trade is a single trade execution. Immutable once decoded.
type Trade struct {
	Instrument Instrument
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Timestamp  time.Time
	TradeID    int64
}

// SpikeEvent signals a trade-to-trade price change whose magnitude met the
// configured threshold. It is a derived side-channel notification; it is not
// persisted.
type SpikeEvent struct {
	Instrument Instrument
	OldPrice   decimal.Decimal
	NewPrice   decimal.Decimal
	PctChange  float64
	Timestamp  time.Time
}

// Order levels for persistence records.
const (
	OrderLevelLast = "Last"
)

// AskLevel returns the persisted order_level label for the i-th ask (1-based).
func AskLevel(i int) string { return fmt.Sprintf("Ask%d", i) }

// BidLevel returns the persisted order_level label for the i-th bid (1-based).
func BidLevel(i int) string { return fmt.Sprintf("Bid%d", i) }

// PersistenceRecord is the durable unit written for both book levels and
// trades. One snapshot fans out into up to 2N+1 records (N asks, the "Last"
// trade row, N bids). Append-only.
type PersistenceRecord struct {
	Timestamp  time.Time
	Instrument Instrument
	OrderLevel string // "Ask1".."AskN", "Bid1".."BidN", or "Last"
	Price      decimal.Decimal
	Amount     decimal.Decimal
	Total      decimal.Decimal
	Traded     bool // persisted as 'Y'/'N'
}

// TradedFlag returns the persisted 'Y'/'N' representation of Traded.
func (r PersistenceRecord) TradedFlag() string {
	if r.Traded {
		return "Y"
	}
	return "N"
}
