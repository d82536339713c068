// Package feed owns the websocket ingestion loop: connection lifecycle,
// subscription, decode, and routing of decoded events into the in-memory
// state, the batch writer, and the spike side channels.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/export"
	"github.com/alanyoungcy/cryptomon/internal/notify"
	"github.com/alanyoungcy/cryptomon/internal/platform/binance"
	"github.com/alanyoungcy/cryptomon/internal/state"
	"github.com/alanyoungcy/cryptomon/internal/writer"
)

// State is the connection lifecycle state of the controller.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateStopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// spikeChannel is the Pub/Sub channel for spike events; spikeStream is the
// capped replay log.
const (
	spikeChannel = "spikes"
	spikeStream  = "spikes:log"
)

// decimalOne is the fixed amount persisted on snapshot "Last" rows.
var decimalOne = decimal.NewFromInt(1)

// Options configures a Controller.
type Options struct {
	WsURL            string
	Symbols          []string
	Depth            int
	SubscribeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// Controller runs the feed ingestion loop. A single goroutine owns the
// connection and all event routing; in-memory state survives reconnects, so
// spike baselines and export counters carry across connection drops.
type Controller struct {
	opts     Options
	books    *state.OrderBooks
	trades   *state.TradeTracker
	writer   *writer.BatchWriter
	exporter *export.Exporter
	cache    domain.BookCache  // optional
	bus      domain.SignalBus  // optional
	notifier *notify.Notifier  // optional
	logger   *slog.Logger

	state        atomic.Int32
	decodeErrors atomic.Uint64
	reconnects   atomic.Uint64
	spikes       atomic.Uint64
}

// NewController wires the ingestion loop to its downstream consumers. cache,
// bus, and notifier may be nil when the corresponding backends are disabled.
func NewController(
	opts Options,
	books *state.OrderBooks,
	trades *state.TradeTracker,
	w *writer.BatchWriter,
	exporter *export.Exporter,
	cache domain.BookCache,
	bus domain.SignalBus,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		opts:     opts,
		books:    books,
		trades:   trades,
		writer:   w,
		exporter: exporter,
		cache:    cache,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "feed_controller")),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// DecodeErrors returns the number of malformed wire messages dropped.
func (c *Controller) DecodeErrors() uint64 {
	return c.decodeErrors.Load()
}

// Reconnects returns the number of reconnect attempts performed.
func (c *Controller) Reconnects() uint64 {
	return c.reconnects.Load()
}

// Spikes returns the number of spike events detected.
func (c *Controller) Spikes() uint64 {
	return c.spikes.Load()
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
}

// Run connects, subscribes, and routes events until ctx is cancelled. On
// connection loss it reconnects with exponential backoff, preserving all
// in-memory state across connections. Returns ctx.Err() on shutdown.
func (c *Controller) Run(ctx context.Context) error {
	defer c.setState(StateStopped)

	backoff := c.opts.ReconnectMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streamed, err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.setState(StateDisconnected)
		c.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		c.reconnects.Add(1)
		if streamed {
			backoff = c.opts.ReconnectMin
		} else {
			backoff *= 2
			if backoff > c.opts.ReconnectMax {
				backoff = c.opts.ReconnectMax
			}
		}
	}
}

// runConnection dials one connection and drives its read loop until failure
// or cancellation. The returned bool reports whether the connection reached
// the streaming state, which resets the reconnect backoff.
func (c *Controller) runConnection(ctx context.Context) (bool, error) {
	c.setState(StateConnecting)

	client := binance.NewWSClient(c.opts.WsURL)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		return false, err
	}

	streams := binance.StreamNames(c.opts.Symbols, c.opts.Depth)
	if err := client.Subscribe(ctx, streams); err != nil {
		return false, err
	}
	c.setState(StateSubscribed)
	c.logger.Info("subscribed", slog.Int("streams", len(streams)))

	// Close the connection when ctx is cancelled so the blocking read
	// unblocks promptly.
	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	// Track the first message per instrument. The feed is streaming once
	// every instrument has produced one, or when the subscribe timeout
	// elapses regardless of traffic.
	watch := newSubWatch(c.opts.Symbols)
	timeout := time.AfterFunc(c.opts.SubscribeTimeout, func() {
		if silent, ok := watch.timeout(); ok {
			// The connection may already be tearing down when the timer
			// fires; only a live subscribed feed moves to streaming.
			if c.state.CompareAndSwap(int32(StateSubscribed), int32(StateStreaming)) {
				c.logger.Warn("streaming degraded, symbols silent past subscribe timeout",
					slog.Any("symbols", silent),
				)
			}
		}
	})
	defer timeout.Stop()

	for {
		raw, err := client.Read()
		if err != nil {
			if ctx.Err() != nil {
				return watch.streaming(), ctx.Err()
			}
			return watch.streaming(), fmt.Errorf("feed: %w: %v", domain.ErrWSDisconnect, err)
		}

		ev, err := binance.Decode(raw, c.opts.Depth)
		if err != nil {
			c.decodeErrors.Add(1)
			var de *binance.DecodeError
			if errors.As(err, &de) {
				c.logger.Debug("malformed message dropped", slog.String("reason", de.Reason))
			} else {
				c.logger.Debug("malformed message dropped", slog.String("error", err.Error()))
			}
			continue
		}

		if watch.observe(ev.Instrument()) {
			c.setState(StateStreaming)
			c.logger.Info("streaming", slog.Int("instruments", len(c.opts.Symbols)))
		}

		c.route(ctx, ev)
	}
}

// subWatch tracks which instruments have produced their first message after
// a subscribe. It is touched by the read loop and by the subscribe-timeout
// timer goroutine.
type subWatch struct {
	mu       sync.Mutex
	awaiting map[domain.Instrument]bool
	done     bool
}

func newSubWatch(symbols []string) *subWatch {
	awaiting := make(map[domain.Instrument]bool, len(symbols))
	for _, s := range symbols {
		awaiting[domain.Instrument(strings.ToUpper(s))] = true
	}
	return &subWatch{awaiting: awaiting}
}

// observe records a message from the instrument. It returns true exactly
// once, when the last awaited instrument is heard from.
func (w *subWatch) observe(in domain.Instrument) bool {
	if in == "" {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.awaiting, in)
	if w.done || len(w.awaiting) > 0 {
		return false
	}
	w.done = true
	return true
}

// timeout marks the watch done and returns the symbols still silent. ok is
// false when streaming was already reached.
func (w *subWatch) timeout() ([]string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return nil, false
	}
	w.done = true
	silent := make([]string, 0, len(w.awaiting))
	for in := range w.awaiting {
		silent = append(silent, string(in))
	}
	return silent, true
}

// streaming reports whether the connection reached the streaming state.
func (w *subWatch) streaming() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// route dispatches one decoded event. Routing errors are logged, never fatal
// to the connection.
func (c *Controller) route(ctx context.Context, ev binance.Event) {
	switch e := ev.(type) {
	case binance.TradeEvent:
		c.handleTrade(ctx, e.Trade)
	case binance.BookEvent:
		c.handleBook(ctx, e.Snapshot)
	case binance.AckEvent:
		c.logger.Debug("subscription acknowledged")
	}
}

// handleTrade applies a trade to the tracker, fans out spike notifications,
// persists the trade as a "Last" record, and triggers the periodic history
// export when due.
func (c *Controller) handleTrade(ctx context.Context, trade domain.Trade) {
	spike, err := c.trades.ApplyTrade(trade)
	if err != nil {
		c.logger.Debug("trade for untracked instrument dropped",
			slog.String("instrument", string(trade.Instrument)),
		)
		return
	}

	if spike != nil {
		c.publishSpike(ctx, *spike)
	}

	rec := domain.PersistenceRecord{
		Timestamp:  trade.Timestamp,
		Instrument: trade.Instrument,
		OrderLevel: domain.OrderLevelLast,
		Price:      trade.Price,
		Amount:     trade.Amount,
		Total:      trade.Price.Mul(trade.Amount),
		Traded:     true,
	}
	if err := c.writer.Enqueue(ctx, rec); err != nil {
		c.logger.Error("enqueue trade record failed",
			slog.String("instrument", string(trade.Instrument)),
			slog.String("error", err.Error()),
		)
		return
	}

	if c.trades.ExportDue(trade.Instrument) {
		history := c.trades.DrainHistory(trade.Instrument)
		// File and object-store I/O must not stall the read loop.
		go func() {
			if _, err := c.exporter.ExportHistory(ctx, trade.Instrument, history); err != nil {
				c.logger.Error("trade history export failed",
					slog.String("instrument", string(trade.Instrument)),
					slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// handleBook replaces the in-memory snapshot, mirrors it to the cache, and
// fans the snapshot out into persistence records: asks top down, the "Last"
// trade row, then bids.
func (c *Controller) handleBook(ctx context.Context, snap domain.OrderBookSnapshot) {
	if err := c.books.ApplySnapshot(snap); err != nil {
		c.logger.Debug("snapshot for untracked instrument dropped",
			slog.String("instrument", string(snap.Instrument)),
		)
		return
	}

	if c.cache != nil {
		if err := c.cache.SetSnapshot(ctx, snap); err != nil {
			c.logger.Warn("book cache mirror failed",
				slog.String("instrument", string(snap.Instrument)),
				slog.String("error", err.Error()),
			)
		}
	}

	recs := c.fanOut(snap)
	for _, rec := range recs {
		if err := c.writer.Enqueue(ctx, rec); err != nil {
			c.logger.Error("enqueue snapshot record failed",
				slog.String("instrument", string(snap.Instrument)),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// fanOut converts a snapshot into its persistence records. The "Last" row is
// included only once a trade has established a last price; its amount is a
// fixed 1 so its total equals the price, and its traded flag reports whether
// a trade occurred since the previous snapshot.
func (c *Controller) fanOut(snap domain.OrderBookSnapshot) []domain.PersistenceRecord {
	recs := make([]domain.PersistenceRecord, 0, len(snap.Asks)+len(snap.Bids)+1)

	for i, lvl := range snap.Asks {
		recs = append(recs, domain.PersistenceRecord{
			Timestamp:  snap.Timestamp,
			Instrument: snap.Instrument,
			OrderLevel: domain.AskLevel(i + 1),
			Price:      lvl.Price,
			Amount:     lvl.Amount,
			Total:      lvl.Total,
		})
	}

	if lastPrice, ok := c.trades.LastPrice(snap.Instrument); ok {
		recs = append(recs, domain.PersistenceRecord{
			Timestamp:  snap.Timestamp,
			Instrument: snap.Instrument,
			OrderLevel: domain.OrderLevelLast,
			Price:      lastPrice,
			Amount:     decimalOne,
			Total:      lastPrice,
			Traded:     c.trades.ConsumeTradedFlag(snap.Instrument),
		})
	}

	for i, lvl := range snap.Bids {
		recs = append(recs, domain.PersistenceRecord{
			Timestamp:  snap.Timestamp,
			Instrument: snap.Instrument,
			OrderLevel: domain.BidLevel(i + 1),
			Price:      lvl.Price,
			Amount:     lvl.Amount,
			Total:      lvl.Total,
		})
	}

	return recs
}

// publishSpike logs the spike and fans it out to the signal bus and the
// notifier. Side-channel failures are logged, never propagated into the read
// loop.
func (c *Controller) publishSpike(ctx context.Context, spike domain.SpikeEvent) {
	c.spikes.Add(1)
	c.logger.Warn("price spike detected",
		slog.String("instrument", string(spike.Instrument)),
		slog.String("old_price", spike.OldPrice.String()),
		slog.String("new_price", spike.NewPrice.String()),
		slog.Float64("pct_change", spike.PctChange*100),
	)

	if c.bus != nil {
		payload, err := json.Marshal(map[string]any{
			"instrument": string(spike.Instrument),
			"old_price":  spike.OldPrice.String(),
			"new_price":  spike.NewPrice.String(),
			"pct_change": spike.PctChange,
			"timestamp":  spike.Timestamp,
		})
		if err == nil {
			if err := c.bus.Publish(ctx, spikeChannel, payload); err != nil {
				c.logger.Warn("spike publish failed", slog.String("error", err.Error()))
			}
			if err := c.bus.StreamAppend(ctx, spikeStream, payload); err != nil {
				c.logger.Warn("spike stream append failed", slog.String("error", err.Error()))
			}
		}
	}

	if c.notifier != nil {
		if err := c.notifier.SpikeAlert(ctx, spike); err != nil {
			c.logger.Warn("spike notification failed", slog.String("error", err.Error()))
		}
	}
}
