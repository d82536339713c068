// Package export writes trade data to CSV files: the rolling in-memory trade
// history when it fills up, and full query-backed exports from the durable
// store. Files are optionally archived to object storage.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/alanyoungcy/cryptomon/internal/domain"
	"github.com/alanyoungcy/cryptomon/internal/timeutil"
)

// Exporter owns the export directory. blob may be nil, in which case exports
// stay local only.
type Exporter struct {
	dir    string
	conv   *timeutil.Converter
	store  domain.RecordStore
	blob   domain.BlobWriter
	logger *slog.Logger
}

// NewExporter creates an Exporter rooted at dir. The directory is created on
// first use.
func NewExporter(dir string, conv *timeutil.Converter, store domain.RecordStore, blob domain.BlobWriter, logger *slog.Logger) *Exporter {
	return &Exporter{
		dir:    dir,
		conv:   conv,
		store:  store,
		blob:   blob,
		logger: logger.With(slog.String("component", "exporter")),
	}
}

// ExportHistory appends the drained in-memory trade history for an instrument
// to its rolling trade_history_<SYMBOL>.csv file and returns the file path.
func (e *Exporter) ExportHistory(ctx context.Context, instrument domain.Instrument, trades []domain.Trade) (string, error) {
	if len(trades) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create dir: %w", err)
	}

	path := filepath.Join(e.dir, fmt.Sprintf("trade_history_%s.csv", instrument))

	_, statErr := os.Stat(path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("export: open %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if writeHeader {
		if err := w.Write([]string{"Time", "Symbol", "Price", "Amount"}); err != nil {
			return "", fmt.Errorf("export: write header: %w", err)
		}
	}
	for _, t := range trades {
		row := []string{
			e.conv.FormatDisplay(t.Timestamp),
			string(t.Instrument),
			t.Price.String(),
			t.Amount.String(),
		}
		if err := w.Write(row); err != nil {
			return "", fmt.Errorf("export: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("export: flush %s: %w", path, err)
	}

	e.logger.Info("trade history exported",
		slog.String("instrument", string(instrument)),
		slog.Int("trades", len(trades)),
		slog.String("path", path),
	)

	e.archive(ctx, instrument, path)
	return path, nil
}

// ExportTrades queries every persisted trade ("Last") row for the instrument
// from the durable store and streams it to a fresh CSV file, returning the
// file path. The read runs concurrently with ongoing enqueue/flush activity.
func (e *Exporter) ExportTrades(ctx context.Context, instrument domain.Instrument) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("export: create dir: %w", err)
	}

	path := filepath.Join(e.dir, fmt.Sprintf("trades_%s_%s.csv", instrument, uuid.NewString()))

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("export: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"Time", "Symbol", "OrderLevel", "Price", "Amount", "Total", "Traded"}); err != nil {
		return "", fmt.Errorf("export: write header: %w", err)
	}

	rows := 0
	err = e.store.StreamTrades(ctx, instrument, func(rec domain.PersistenceRecord) error {
		rows++
		return w.Write([]string{
			e.conv.FormatDisplay(rec.Timestamp),
			string(rec.Instrument),
			rec.OrderLevel,
			rec.Price.String(),
			rec.Amount.String(),
			rec.Total.String(),
			rec.TradedFlag(),
		})
	})
	if err != nil {
		return "", fmt.Errorf("export: stream trades %s: %w", instrument, err)
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("export: flush %s: %w", path, err)
	}

	e.logger.Info("trades exported",
		slog.String("instrument", string(instrument)),
		slog.Int("rows", rows),
		slog.String("path", path),
	)

	e.archive(ctx, instrument, path)
	return path, nil
}

// archive uploads the file to object storage when a blob writer is
// configured. Upload failures are logged, not propagated: the local file is
// the primary artifact.
func (e *Exporter) archive(ctx context.Context, instrument domain.Instrument, path string) {
	if e.blob == nil {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Error("archive read failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	key := fmt.Sprintf("exports/%s/%s", strings.ToLower(string(instrument)), filepath.Base(path))
	if err := e.blob.Put(ctx, key, data, "text/csv"); err != nil {
		e.logger.Error("archive upload failed",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		return
	}

	e.logger.Info("export archived",
		slog.String("key", key),
		slog.Int("bytes", len(data)),
	)
}
