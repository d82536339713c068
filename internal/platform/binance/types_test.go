package binance

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestDecodeTradeEnvelope(t *testing.T) {
	raw := []byte(`{
		"stream": "btcusdt@trade",
		"data": {
			"e": "trade",
			"s": "BTCUSDT",
			"t": 12345,
			"p": "65000.10",
			"q": "0.250",
			"T": 1700000000123
		}
	}`)

	ev, err := Decode(raw, 5)
	require.NoError(t, err)

	trade, ok := ev.(TradeEvent)
	require.True(t, ok, "expected TradeEvent, got %T", ev)

	assert.Equal(t, "BTCUSDT", string(trade.Trade.Instrument))
	assert.Equal(t, int64(12345), trade.Trade.TradeID)
	assert.True(t, trade.Trade.Price.Equal(mustDecimal(t, "65000.10")))
	assert.True(t, trade.Trade.Amount.Equal(mustDecimal(t, "0.250")))
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), trade.Trade.Timestamp)
}

func TestDecodeBareTrade(t *testing.T) {
	raw := []byte(`{"e":"trade","s":"ETHUSDT","t":7,"p":"3000","q":"1.5","T":1700000000000}`)

	ev, err := Decode(raw, 5)
	require.NoError(t, err)

	trade, ok := ev.(TradeEvent)
	require.True(t, ok)
	assert.Equal(t, "ETHUSDT", string(trade.Trade.Instrument))
}

func TestDecodeTradeZeroQuantity(t *testing.T) {
	// Self-trade prevention fills report quantity "0"; they still update the
	// last price and must not be dropped as malformed.
	raw := []byte(`{"e":"trade","s":"BTCUSDT","t":9,"p":"65000","q":"0.00000000","T":1700000000000}`)

	ev, err := Decode(raw, 5)
	require.NoError(t, err)

	trade, ok := ev.(TradeEvent)
	require.True(t, ok)
	assert.True(t, trade.Trade.Amount.IsZero())
	assert.True(t, trade.Trade.Price.Equal(mustDecimal(t, "65000")))
}

func TestDecodePartialDepthSnapshot(t *testing.T) {
	// Partial depth payloads carry no event type and no symbol; both come
	// from the stream name.
	raw := []byte(`{
		"stream": "btcusdt@depth5",
		"data": {
			"lastUpdateId": 99,
			"bids": [["64999.00", "1.0"], ["64998.50", "2.0"]],
			"asks": [["65001.00", "0.5"], ["65002.00", "3.0"]]
		}
	}`)

	ev, err := Decode(raw, 5)
	require.NoError(t, err)

	book, ok := ev.(BookEvent)
	require.True(t, ok, "expected BookEvent, got %T", ev)

	assert.Equal(t, "BTCUSDT", string(book.Snapshot.Instrument))
	require.Len(t, book.Snapshot.Asks, 2)
	require.Len(t, book.Snapshot.Bids, 2)
	assert.True(t, book.Snapshot.Asks[0].Price.Equal(mustDecimal(t, "65001.00")))
	assert.True(t, book.Snapshot.Asks[0].Total.Equal(mustDecimal(t, "32500.50")))
	assert.False(t, book.Snapshot.Timestamp.IsZero())
}

func TestDecodeDepthUpdate(t *testing.T) {
	raw := []byte(`{
		"e": "depthUpdate",
		"E": 1700000000500,
		"s": "XRPUSDT",
		"b": [["0.60", "100"]],
		"a": [["0.61", "200"]]
	}`)

	ev, err := Decode(raw, 5)
	require.NoError(t, err)

	book, ok := ev.(BookEvent)
	require.True(t, ok)
	assert.Equal(t, "XRPUSDT", string(book.Snapshot.Instrument))
	assert.Equal(t, time.UnixMilli(1700000000500).UTC(), book.Snapshot.Timestamp)
}

func TestDecodeDepthTruncatesToConfiguredLevels(t *testing.T) {
	raw := []byte(`{
		"e": "depthUpdate",
		"E": 1,
		"s": "BTCUSDT",
		"b": [["5","1"],["4","1"],["3","1"]],
		"a": [["6","1"],["7","1"],["8","1"]]
	}`)

	ev, err := Decode(raw, 2)
	require.NoError(t, err)

	book := ev.(BookEvent)
	assert.Len(t, book.Snapshot.Asks, 2)
	assert.Len(t, book.Snapshot.Bids, 2)
}

func TestDecodeSubscribeAck(t *testing.T) {
	raw := []byte(`{"result":null,"id":1}`)

	ev, err := Decode(raw, 5)
	require.NoError(t, err)

	_, ok := ev.(AckEvent)
	assert.True(t, ok, "expected AckEvent, got %T", ev)
}

func TestDecodeMalformedInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{not json`},
		{"trade missing price", `{"e":"trade","s":"BTCUSDT","q":"1","T":1}`},
		{"trade missing quantity", `{"e":"trade","s":"BTCUSDT","p":"100","T":1}`},
		{"trade negative price", `{"e":"trade","s":"BTCUSDT","p":"-1","q":"1","T":1}`},
		{"trade negative quantity", `{"e":"trade","s":"BTCUSDT","p":"100","q":"-1","T":1}`},
		{"trade unparseable price", `{"e":"trade","s":"BTCUSDT","p":"abc","q":"1","T":1}`},
		{"depth malformed level", `{"e":"depthUpdate","s":"BTCUSDT","b":[["1"]],"a":[]}`},
		{"unknown shape", `{"hello":"world"}`},
		{"envelope without data", `{"stream":"btcusdt@trade"}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Decode([]byte(tc.raw), 5)
			require.Error(t, err)
			assert.Nil(t, ev)

			var de *DecodeError
			require.True(t, errors.As(err, &de), "want *DecodeError, got %T", err)
			assert.NotEmpty(t, de.Reason)
			assert.Equal(t, []byte(tc.raw), de.Raw)
		})
	}
}

func TestStreamNames(t *testing.T) {
	streams := StreamNames([]string{"btcusdt", " ETHUSDT ", ""}, 5)
	assert.Equal(t, []string{
		"btcusdt@trade", "btcusdt@depth5",
		"ethusdt@trade", "ethusdt@depth5",
	}, streams)
}
