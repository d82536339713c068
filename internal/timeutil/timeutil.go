// Package timeutil converts between the feed's UTC epoch timestamps and the
// operator-facing display timezone. Conversions are lossless: the instant is
// preserved and a UTC->display->UTC round trip is the identity.
package timeutil

import (
	"fmt"
	"time"
)

// DisplayFormat is the timestamp layout used in exported files and log lines.
const DisplayFormat = "2006-01-02 15:04:05"

// Converter maps between UTC and a fixed display timezone.
type Converter struct {
	loc *time.Location
}

// NewConverter loads the given IANA timezone name (e.g. "America/New_York").
func NewConverter(tz string) (*Converter, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("timeutil: load location %q: %w", tz, err)
	}
	return &Converter{loc: loc}, nil
}

// FromMillis converts a feed epoch timestamp in milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// ToDisplay converts any time to the display timezone. The instant is
// unchanged, only the zone differs.
func (c *Converter) ToDisplay(t time.Time) time.Time {
	return t.In(c.loc)
}

// ToUTC converts a display-zone time back to UTC. ToUTC(ToDisplay(t)) == t
// for every t.
func (c *Converter) ToUTC(t time.Time) time.Time {
	return t.UTC()
}

// FormatDisplay renders t in the display timezone using DisplayFormat.
func (c *Converter) FormatDisplay(t time.Time) string {
	return t.In(c.loc).Format(DisplayFormat)
}
