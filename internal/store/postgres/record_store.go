package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/cryptomon/internal/domain"
)

// timestampLayout is the normalized UTC text representation stored in the
// timestamp column. Lexicographic order equals chronological order.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// RecordStore implements domain.RecordStore using PostgreSQL.
type RecordStore struct {
	pool *pgxpool.Pool
}

// NewRecordStore creates a RecordStore backed by the given connection pool.
func NewRecordStore(pool *pgxpool.Pool) *RecordStore {
	return &RecordStore{pool: pool}
}

const insertRecordSQL = `
	INSERT INTO order_book_records
		(timestamp, symbol, order_level, price, amount, total, traded_flag)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`

// InsertBatch writes all records inside a single transaction: either the
// whole batch commits or none of it does, so a crash mid-flush leaves the
// store in the pre-flush state with no partial rows.
func (s *RecordStore) InsertBatch(ctx context.Context, records []domain.PersistenceRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin record batch: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertRecordSQL,
			r.Timestamp.UTC().Format(timestampLayout),
			string(r.Instrument),
			r.OrderLevel,
			r.Price.InexactFloat64(),
			r.Amount.InexactFloat64(),
			r.Total.InexactFloat64(),
			r.TradedFlag(),
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range records {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("postgres: insert record batch item %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("postgres: close record batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit record batch: %w", err)
	}
	return nil
}

// StreamTrades visits every persisted "Last" row for the instrument in
// timestamp order. It runs on its own pool connection, so concurrent
// InsertBatch transactions proceed undisturbed.
func (s *RecordStore) StreamTrades(ctx context.Context, instrument domain.Instrument, fn func(domain.PersistenceRecord) error) error {
	const query = `
		SELECT timestamp, symbol, order_level, price, amount, total, traded_flag
		FROM order_book_records
		WHERE symbol = $1 AND order_level = $2
		ORDER BY timestamp ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, string(instrument), domain.OrderLevelLast)
	if err != nil {
		return fmt.Errorf("postgres: stream trades %s: %w", instrument, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ts, symbol, level, flag string
			price, amount, total    float64
		)
		if err := rows.Scan(&ts, &symbol, &level, &price, &amount, &total, &flag); err != nil {
			return fmt.Errorf("postgres: scan trade row %s: %w", instrument, err)
		}

		rec := domain.PersistenceRecord{
			Instrument: domain.Instrument(symbol),
			OrderLevel: level,
			Price:      decimal.NewFromFloat(price),
			Amount:     decimal.NewFromFloat(amount),
			Total:      decimal.NewFromFloat(total),
			Traded:     flag == "Y",
		}
		if t, err := time.Parse(timestampLayout, ts); err == nil {
			rec.Timestamp = t
		}

		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: stream trades %s: %w", instrument, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.RecordStore = (*RecordStore)(nil)
