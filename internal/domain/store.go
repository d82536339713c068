package domain

import "context"

// RecordStore persists order book records. InsertBatch must be atomic: either
// every record in the batch becomes visible or none does, so a crash mid-flush
// never leaves partial rows.
type RecordStore interface {
	InsertBatch(ctx context.Context, records []PersistenceRecord) error
	// StreamTrades visits every persisted "Last" row for the instrument in
	// timestamp order. It must not block concurrent InsertBatch calls.
	StreamTrades(ctx context.Context, instrument Instrument, fn func(PersistenceRecord) error) error
}

// BookCache mirrors the latest order book snapshot per instrument for
// external readers (dashboards, other processes).
type BookCache interface {
	SetSnapshot(ctx context.Context, snap OrderBookSnapshot) error
	GetSnapshot(ctx context.Context, instrument Instrument) (OrderBookSnapshot, error)
}

// SignalBus publishes side-channel events (spikes) for external consumers.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// BlobWriter uploads exported files to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
}
