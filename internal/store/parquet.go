package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"brokerd/internal/domain"
)

// Compile-time interface check.
var _ FillArchive = (*ParquetStore)(nil)

// ParquetStore implements FillArchive using one Parquet file per provider and
// UTC day.
type ParquetStore struct {
	DataDir string
}

// NewParquetStore creates a new ParquetStore rooted at the given data directory.
func NewParquetStore(dataDir string) *ParquetStore {
	return &ParquetStore{DataDir: dataDir}
}

// FillRow is the Parquet schema for archived fills.
type FillRow struct {
	FillID        string  `parquet:"fill_id"`
	ClientOrderID string  `parquet:"client_order_id"`
	OrderID       string  `parquet:"order_id"`
	Symbol        string  `parquet:"symbol"`
	Qty           float64 `parquet:"qty"`
	Price         float64 `parquet:"price"`
	Timestamp     int64   `parquet:"timestamp,timestamp(millisecond)"` // Unix ms
}

// WriteFills writes fills to Parquet files organized by provider and date:
//
//	<DataDir>/fills/<provider>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) WriteFills(_ context.Context, provider string, fills []domain.FillRecord) error {
	if len(fills) == 0 {
		return nil
	}

	groups := make(map[string][]FillRow)
	for _, f := range fills {
		date := f.Timestamp.UTC().Format("2006-01-02")
		groups[date] = append(groups[date], FillRow{
			FillID:        f.FillID,
			ClientOrderID: f.ClientOrderID,
			OrderID:       f.OrderID,
			Symbol:        strings.ToUpper(f.Symbol),
			Qty:           f.Qty,
			Price:         f.Price,
			Timestamp:     f.Timestamp.UnixMilli(),
		})
	}

	for date, rows := range groups {
		day, _ := time.Parse("2006-01-02", date)
		path := s.fillPath(provider, day)

		existing, err := readFillFile(path)
		if err != nil {
			return fmt.Errorf("reading fills for %s/%s: %w", provider, date, err)
		}
		if err := writeFillFile(path, mergeFillRows(existing, rows)); err != nil {
			return fmt.Errorf("writing fills for %s/%s: %w", provider, date, err)
		}
	}
	return nil
}

// ReadFills reads the fills archived for provider within [start, end]. A fill
// archived on several days is reported once, at its earliest timestamp.
func (s *ParquetStore) ReadFills(_ context.Context, provider string, start, end time.Time) ([]domain.FillRecord, error) {
	first := make(map[string]FillRow)
	su := start.UTC()
	startDay := time.Date(su.Year(), su.Month(), su.Day(), 0, 0, 0, 0, time.UTC)
	for d := startDay; !d.After(end); d = d.AddDate(0, 0, 1) {
		rows, err := readFillFile(s.fillPath(provider, d))
		if err != nil {
			return nil, fmt.Errorf("reading fills for %s/%s: %w", provider, d.Format("2006-01-02"), err)
		}
		for _, r := range rows {
			ts := time.UnixMilli(r.Timestamp)
			if ts.Before(start) || ts.After(end) {
				continue
			}
			if prev, ok := first[r.FillID]; !ok || r.Timestamp < prev.Timestamp {
				first[r.FillID] = r
			}
		}
	}

	out := make([]domain.FillRecord, 0, len(first))
	for _, r := range first {
		out = append(out, domain.FillRecord{
			FillID:        r.FillID,
			ClientOrderID: r.ClientOrderID,
			OrderID:       r.OrderID,
			Symbol:        r.Symbol,
			Qty:           r.Qty,
			Price:         r.Price,
			Timestamp:     time.UnixMilli(r.Timestamp).UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].FillID < out[j].FillID
	})
	return out, nil
}

// fillPath returns the filesystem path for a fill Parquet file.
// Layout: <dataDir>/fills/<provider>/<YYYY-MM-DD>.parquet
func (s *ParquetStore) fillPath(provider string, t time.Time) string {
	return filepath.Join(s.DataDir, "fills", strings.ToLower(provider), t.Format("2006-01-02")+".parquet")
}

// readFillFile returns the rows of one day file; a missing file has none.
func readFillFile(path string) ([]FillRow, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	return parquet.ReadFile[FillRow](path)
}

// writeFillFile replaces a day file through a temporary sibling so readers
// never see a partial file.
func writeFillFile(path string, rows []FillRow) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := parquet.WriteFile(tmp, rows); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// mergeFillRows deduplicates fills by id, preferring incoming rows over
// existing ones. Results are sorted by timestamp.
func mergeFillRows(existing, incoming []FillRow) []FillRow {
	seen := make(map[string]FillRow, len(existing)+len(incoming))
	for _, r := range existing {
		seen[r.FillID] = r
	}
	for _, r := range incoming {
		seen[r.FillID] = r
	}

	merged := make([]FillRow, 0, len(seen))
	for _, r := range seen {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return merged[i].FillID < merged[j].FillID
	})
	return merged
}
