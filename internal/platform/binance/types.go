// Package binance speaks the Binance.US combined websocket stream protocol:
// wire payload DTOs, the event decoder, and the websocket client.
package binance

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/timeutil"
)

// DecodeError reports a malformed wire message. Decoding failures are
// expected, recoverable occurrences: callers count and drop them.
type DecodeError struct {
	Raw    []byte
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("binance: decode: %s", e.Reason)
}

func decodeErrf(raw []byte, format string, args ...any) *DecodeError {
	return &DecodeError{Raw: raw, Reason: fmt.Sprintf(format, args...)}
}

// Event is a decoded domain event from the wire.
type Event interface {
	Instrument() domain.Instrument
}

// TradeEvent wraps a decoded trade execution.
type TradeEvent struct {
	Trade domain.Trade
}

func (e TradeEvent) Instrument() domain.Instrument { return e.Trade.Instrument }

// BookEvent wraps a decoded order book snapshot.
type BookEvent struct {
	Snapshot domain.OrderBookSnapshot
}

func (e BookEvent) Instrument() domain.Instrument { return e.Snapshot.Instrument }

// AckEvent is a subscription acknowledgement from the stream endpoint. It
// carries no market data and is ignored by routing.
type AckEvent struct{}

func (AckEvent) Instrument() domain.Instrument { return "" }

// --------------------------------------------------------------------------
// Wire DTOs
// --------------------------------------------------------------------------

// envelope is the combined-stream wrapper: {"stream":"btcusdt@trade","data":{...}}.
type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeMessage is a trade stream payload.
type tradeMessage struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

// depthMessage covers both the partial-depth snapshot shape
// ({"lastUpdateId":..,"bids":[..],"asks":[..]}) and the diff shape
// ({"e":"depthUpdate","s":..,"b":[..],"a":[..]}).
type depthMessage struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	DiffBids  [][]string `json:"b"`
	DiffAsks  [][]string `json:"a"`
}

// ackMessage is the response to a SUBSCRIBE/UNSUBSCRIBE command.
type ackMessage struct {
	Result json.RawMessage `json:"result"`
	ID     *int64          `json:"id"`
}

// --------------------------------------------------------------------------
// Decoder
// --------------------------------------------------------------------------

// Decode parses a single raw wire message into a typed domain event. depth
// bounds the number of book levels kept per side. Malformed input yields a
// *DecodeError carrying the raw payload and reason; Decode never panics on
// bad input.
func Decode(raw []byte, depth int) (Event, error) {
	var shape map[string]json.RawMessage
	if err := json.Unmarshal(raw, &shape); err != nil {
		return nil, decodeErrf(raw, "invalid json: %v", err)
	}

	// Subscription command acks have an "id" field and no market payload.
	if _, ok := shape["id"]; ok {
		var ack ackMessage
		if err := json.Unmarshal(raw, &ack); err == nil && ack.ID != nil {
			return AckEvent{}, nil
		}
	}

	// Unwrap the combined-stream envelope; the stream name carries the
	// symbol for payloads that omit it (partial depth snapshots).
	payload := raw
	streamSymbol := ""
	if _, ok := shape["stream"]; ok {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, decodeErrf(raw, "invalid stream envelope: %v", err)
		}
		if len(env.Data) == 0 {
			return nil, decodeErrf(raw, "stream envelope without data")
		}
		if i := strings.IndexByte(env.Stream, '@'); i > 0 {
			streamSymbol = strings.ToUpper(env.Stream[:i])
		}
		payload = env.Data
		if err := json.Unmarshal(payload, &shape); err != nil {
			return nil, decodeErrf(raw, "invalid stream data: %v", err)
		}
	}

	eventType := ""
	if etRaw, ok := shape["e"]; ok {
		_ = json.Unmarshal(etRaw, &eventType)
	}

	switch {
	case eventType == "trade":
		return decodeTrade(raw, payload, streamSymbol)
	case eventType == "depthUpdate":
		return decodeDepth(raw, payload, streamSymbol, depth, true)
	default:
		// Partial depth snapshots carry no event type, just bids and asks.
		_, hasBids := shape["bids"]
		_, hasAsks := shape["asks"]
		if hasBids && hasAsks {
			return decodeDepth(raw, payload, streamSymbol, depth, false)
		}
	}

	return nil, decodeErrf(raw, "unrecognized message shape")
}

func decodeTrade(raw, payload []byte, streamSymbol string) (Event, error) {
	var msg tradeMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, decodeErrf(raw, "invalid trade payload: %v", err)
	}

	symbol := strings.ToUpper(msg.Symbol)
	if symbol == "" {
		symbol = streamSymbol
	}
	if symbol == "" {
		return nil, decodeErrf(raw, "trade without symbol")
	}
	if msg.Price == "" {
		return nil, decodeErrf(raw, "trade %s missing price", symbol)
	}
	if msg.Quantity == "" {
		return nil, decodeErrf(raw, "trade %s missing quantity", symbol)
	}

	price, err := parsePositiveDecimal(msg.Price)
	if err != nil {
		return nil, decodeErrf(raw, "trade %s price: %v", symbol, err)
	}
	amount, err := parseNonNegativeDecimal(msg.Quantity)
	if err != nil {
		return nil, decodeErrf(raw, "trade %s quantity: %v", symbol, err)
	}

	ts := time.Now().UTC()
	if msg.TradeTime > 0 {
		ts = timeutil.FromMillis(msg.TradeTime)
	}

	return TradeEvent{Trade: domain.Trade{
		Instrument: domain.Instrument(symbol),
		Price:      price,
		Amount:     amount,
		Timestamp:  ts,
		TradeID:    msg.TradeID,
	}}, nil
}

func decodeDepth(raw, payload []byte, streamSymbol string, depth int, diff bool) (Event, error) {
	var msg depthMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, decodeErrf(raw, "invalid depth payload: %v", err)
	}

	symbol := strings.ToUpper(msg.Symbol)
	if symbol == "" {
		symbol = streamSymbol
	}
	if symbol == "" {
		return nil, decodeErrf(raw, "depth update without symbol")
	}

	bids, asks := msg.Bids, msg.Asks
	if diff {
		bids, asks = msg.DiffBids, msg.DiffAsks
	}
	if bids == nil && asks == nil {
		return nil, decodeErrf(raw, "depth %s without bids or asks", symbol)
	}

	askLevels, err := parseLevels(asks, depth)
	if err != nil {
		return nil, decodeErrf(raw, "depth %s asks: %v", symbol, err)
	}
	bidLevels, err := parseLevels(bids, depth)
	if err != nil {
		return nil, decodeErrf(raw, "depth %s bids: %v", symbol, err)
	}

	// Partial depth snapshots carry no event time; stamp receive time.
	ts := time.Now().UTC()
	if msg.EventTime > 0 {
		ts = timeutil.FromMillis(msg.EventTime)
	}

	return BookEvent{Snapshot: domain.OrderBookSnapshot{
		Instrument: domain.Instrument(symbol),
		Asks:       askLevels,
		Bids:       bidLevels,
		Timestamp:  ts,
	}}, nil
}

// parseLevels converts up to depth [price, amount] string pairs into book
// levels, deriving each Total.
func parseLevels(raw [][]string, depth int) ([]domain.BookLevel, error) {
	if len(raw) > depth {
		raw = raw[:depth]
	}
	levels := make([]domain.BookLevel, 0, len(raw))
	for i, pair := range raw {
		if len(pair) < 2 {
			return nil, fmt.Errorf("level %d: want [price, amount], got %d fields", i+1, len(pair))
		}
		price, err := parsePositiveDecimal(pair[0])
		if err != nil {
			return nil, fmt.Errorf("level %d price: %w", i+1, err)
		}
		amount, err := parseNonNegativeDecimal(pair[1])
		if err != nil {
			return nil, fmt.Errorf("level %d amount: %w", i+1, err)
		}
		levels = append(levels, domain.NewBookLevel(price, amount))
	}
	return levels, nil
}

func parsePositiveDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.Sign() <= 0 {
		return decimal.Decimal{}, fmt.Errorf("%q is not positive", s)
	}
	return d, nil
}

func parseNonNegativeDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if d.Sign() < 0 {
		return decimal.Decimal{}, fmt.Errorf("%q is negative", s)
	}
	return d, nil
}

// StreamNames builds the subscription stream list for the instrument set:
// one @trade and one @depthN stream per symbol.
func StreamNames(symbols []string, depth int) []string {
	streams := make([]string, 0, 2*len(symbols))
	for _, s := range symbols {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		streams = append(streams, s+"@trade", fmt.Sprintf("%s@depth%d", s, depth))
	}
	return streams
}
