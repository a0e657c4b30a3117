package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"brokerd/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	ts := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	got := ps.fillPath("ETrade", ts)

	want := filepath.Join("/data", "fills", "etrade", "2024-06-15.parquet")
	if got != want {
		t.Errorf("fillPath mismatch:\n  got  %s\n  want %s", got, want)
	}
}

func TestParquetStoreWriteReadFills(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	day1 := time.Date(2024, 1, 2, 15, 30, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	fills := []domain.FillRecord{
		{FillID: "1", ClientOrderID: "c1", OrderID: "1", Symbol: "aapl", Qty: 10, Price: 185.5, Timestamp: day1},
		{FillID: "2", ClientOrderID: "c2", OrderID: "2", Symbol: "MSFT", Qty: 3, Price: 370, Timestamp: day1.Add(time.Minute)},
	}
	if err := ps.WriteFills(ctx, "etrade", fills); err != nil {
		t.Fatalf("WriteFills: %v", err)
	}

	// Re-archiving fill 2 with an updated qty replaces it; fill 1 seen again
	// on the next day is reported once, at its first timestamp.
	again := []domain.FillRecord{
		{FillID: "2", ClientOrderID: "c2", OrderID: "2", Symbol: "MSFT", Qty: 5, Price: 371, Timestamp: day1.Add(time.Minute)},
		{FillID: "1", ClientOrderID: "c1", OrderID: "1", Symbol: "AAPL", Qty: 10, Price: 185.5, Timestamp: day2},
	}
	if err := ps.WriteFills(ctx, "etrade", again); err != nil {
		t.Fatalf("WriteFills (again): %v", err)
	}

	got, err := ps.ReadFills(ctx, "etrade", day1.Add(-time.Hour), day2.Add(time.Hour))
	if err != nil {
		t.Fatalf("ReadFills: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2: %+v", len(got), got)
	}
	if got[0].FillID != "1" || got[0].Symbol != "AAPL" || !got[0].Timestamp.Equal(day1) {
		t.Errorf("got[0] = %+v", got[0])
	}
	if got[1].FillID != "2" || got[1].Qty != 5 || got[1].Price != 371 {
		t.Errorf("got[1] = %+v", got[1])
	}

	// Other providers are kept apart.
	other, err := ps.ReadFills(ctx, "alpaca", day1.Add(-time.Hour), day2)
	if err != nil || len(other) != 0 {
		t.Errorf("ReadFills(alpaca) = %v, %v", other, err)
	}
}

func TestParquetStoreEmptyWrite(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	if err := ps.WriteFills(context.Background(), "etrade", nil); err != nil {
		t.Errorf("WriteFills(nil): %v", err)
	}
}

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "audit", "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteConnectionEvents(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.LogConnectionEvent(ctx, "connected", map[string]any{
		"provider":       "etrade",
		"host":           "https://api.etrade.com",
		"account_id_key": "abc",
	}); err != nil {
		t.Fatalf("LogConnectionEvent: %v", err)
	}
	if err := s.LogConnectionEvent(ctx, "disconnected", map[string]any{
		"provider": "etrade",
		"reason":   "token_expired",
	}); err != nil {
		t.Fatalf("LogConnectionEvent: %v", err)
	}

	events, err := s.ConnectionEvents(ctx, 10)
	if err != nil {
		t.Fatalf("ConnectionEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Event != "disconnected" || events[0].Details["reason"] != "token_expired" {
		t.Errorf("newest event = %+v", events[0])
	}
	if events[1].Provider != "etrade" || events[1].Details["account_id_key"] != "abc" {
		t.Errorf("oldest event = %+v", events[1])
	}
	if events[1].CreatedAt.IsZero() {
		t.Error("CreatedAt not set")
	}

	limited, _ := s.ConnectionEvents(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("limit ignored: %d events", len(limited))
	}
}

type customStatus string

func TestSQLiteOrderEvents(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	if err := s.LogOrderEvent(ctx, "submitted", "cid-1", "", map[string]any{"symbol": "AAPL", "qty": 5.0}); err != nil {
		t.Fatalf("LogOrderEvent: %v", err)
	}
	if err := s.LogOrderEvent(ctx, "placed", "cid-1", "42", map[string]any{"status": customStatus("Submitted")}); err != nil {
		t.Fatalf("LogOrderEvent: %v", err)
	}
	if err := s.LogOrderEvent(ctx, "submitted", "cid-2", "", nil); err != nil {
		t.Fatalf("LogOrderEvent: %v", err)
	}

	events, err := s.OrderEvents(ctx, "cid-1", 0)
	if err != nil {
		t.Fatalf("OrderEvents: %v", err)
	}
	if len(events) != 2 || events[0].Event != "submitted" || events[1].OrderID != "42" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Details["qty"] != 5.0 {
		t.Errorf("qty detail = %v", events[0].Details["qty"])
	}
	if events[1].Details["status"] != "Submitted" {
		t.Errorf("status detail = %v", events[1].Details["status"])
	}

	all, _ := s.OrderEvents(ctx, "", 10)
	if len(all) != 3 || all[0].ClientOrderID != "cid-2" {
		t.Errorf("all events = %+v", all)
	}
}

func TestParquetStoreCorruptFile(t *testing.T) {
	s := NewParquetStore(t.TempDir())
	day := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	path := s.fillPath("sim", day)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("not parquet"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.ReadFills(context.Background(), "sim", day, day.Add(time.Hour)); err == nil {
		t.Error("ReadFills should fail on a corrupt day file")
	}
	fill := domain.FillRecord{FillID: "f1", Symbol: "AAPL", Qty: 1, Price: 1, Timestamp: day.Add(time.Minute)}
	if err := s.WriteFills(context.Background(), "sim", []domain.FillRecord{fill}); err == nil {
		t.Error("WriteFills should not overwrite a corrupt day file")
	}
}
