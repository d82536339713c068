package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// BookCache implements domain.BookCache by mirroring the latest snapshot per
// instrument as a JSON value under book:{symbol}. External dashboards read
// this mirror without touching the monitor process.
type BookCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewBookCache creates a BookCache backed by the given Client. A zero ttl
// keeps snapshots until overwritten.
func NewBookCache(c *Client, ttl time.Duration) *BookCache {
	return &BookCache{rdb: c.Underlying(), ttl: ttl}
}

func bookKey(instrument domain.Instrument) string {
	return "book:" + string(instrument)
}

// cachedLevel is the JSON shape of one book level.
type cachedLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Total  decimal.Decimal `json:"total"`
}

// cachedSnapshot is the JSON shape of a mirrored snapshot.
type cachedSnapshot struct {
	Instrument string        `json:"instrument"`
	Asks       []cachedLevel `json:"asks"`
	Bids       []cachedLevel `json:"bids"`
	Timestamp  time.Time     `json:"timestamp"`
}

// SetSnapshot replaces the mirrored snapshot for the instrument. The value is
// written in a single SET, so readers always see a complete book.
func (bc *BookCache) SetSnapshot(ctx context.Context, snap domain.OrderBookSnapshot) error {
	cached := cachedSnapshot{
		Instrument: string(snap.Instrument),
		Asks:       toCachedLevels(snap.Asks),
		Bids:       toCachedLevels(snap.Bids),
		Timestamp:  snap.Timestamp,
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.Instrument, err)
	}

	if err := bc.rdb.Set(ctx, bookKey(snap.Instrument), data, bc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Instrument, err)
	}
	return nil
}

// GetSnapshot reads the mirrored snapshot back. It returns domain.ErrNotFound
// when no snapshot has been mirrored for the instrument.
func (bc *BookCache) GetSnapshot(ctx context.Context, instrument domain.Instrument) (domain.OrderBookSnapshot, error) {
	data, err := bc.rdb.Get(ctx, bookKey(instrument)).Bytes()
	if err == redis.Nil {
		return domain.OrderBookSnapshot{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", instrument, err)
	}

	var cached cachedSnapshot
	if err := json.Unmarshal(data, &cached); err != nil {
		return domain.OrderBookSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", instrument, err)
	}

	return domain.OrderBookSnapshot{
		Instrument: domain.Instrument(cached.Instrument),
		Asks:       fromCachedLevels(cached.Asks),
		Bids:       fromCachedLevels(cached.Bids),
		Timestamp:  cached.Timestamp,
	}, nil
}

func toCachedLevels(levels []domain.BookLevel) []cachedLevel {
	out := make([]cachedLevel, len(levels))
	for i, l := range levels {
		out[i] = cachedLevel{Price: l.Price, Amount: l.Amount, Total: l.Total}
	}
	return out
}

func fromCachedLevels(levels []cachedLevel) []domain.BookLevel {
	out := make([]domain.BookLevel, len(levels))
	for i, l := range levels {
		out[i] = domain.BookLevel{Price: l.Price, Amount: l.Amount, Total: l.Total}
	}
	return out
}

// Compile-time interface check.
var _ domain.BookCache = (*BookCache)(nil)
