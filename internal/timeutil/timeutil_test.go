package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMillis(t *testing.T) {
	ts := FromMillis(1700000000123)
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())
}

func TestRoundTripPreservesInstant(t *testing.T) {
	conv, err := NewConverter("America/New_York")
	require.NoError(t, err)

	orig := FromMillis(1700000000123)
	display := conv.ToDisplay(orig)
	back := conv.ToUTC(display)

	assert.True(t, orig.Equal(display), "conversion must not move the instant")
	assert.Equal(t, orig, back)
}

func TestFormatDisplayUsesZoneOffset(t *testing.T) {
	conv, err := NewConverter("America/New_York")
	require.NoError(t, err)

	// 2023-11-14 22:13:20 UTC is 17:13:20 in New York (EST, UTC-5).
	ts := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	assert.Equal(t, "2023-11-14 17:13:20", conv.FormatDisplay(ts))
}

func TestNewConverterRejectsUnknownZone(t *testing.T) {
	_, err := NewConverter("Not/AZone")
	assert.Error(t, err)
}
