package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ AuditStore = (*SQLiteStore)(nil)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS connection_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event      TEXT    NOT NULL,
		provider   TEXT    NOT NULL DEFAULT '',
		details    TEXT    NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS order_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event           TEXT    NOT NULL,
		client_order_id TEXT    NOT NULL DEFAULT '',
		order_id        TEXT    NOT NULL DEFAULT '',
		details         TEXT    NOT NULL DEFAULT '{}',
		created_at      INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_order_events_client ON order_events(client_order_id)`,
}

// SQLiteStore implements AuditStore backed by a SQLite database. Details
// maps are stored as protobuf Struct JSON.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// audit tables, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("creating audit db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps a ":memory:" database alive across calls.
	db.SetMaxOpenConns(1)

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrating audit db: %w", err)
		}
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// LogConnectionEvent appends a connection event.
func (s *SQLiteStore) LogConnectionEvent(ctx context.Context, event string, details map[string]any) error {
	encoded, err := encodeDetails(details)
	if err != nil {
		return err
	}
	provider, _ := details["provider"].(string)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO connection_events (event, provider, details, created_at) VALUES (?, ?, ?, ?)`,
		event, provider, encoded, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// LogOrderEvent appends an order event.
func (s *SQLiteStore) LogOrderEvent(ctx context.Context, event, clientOrderID, orderID string, details map[string]any) error {
	encoded, err := encodeDetails(details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO order_events (event, client_order_id, order_id, details, created_at) VALUES (?, ?, ?, ?, ?)`,
		event, clientOrderID, orderID, encoded, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("inserting order event: %w", err)
	}
	return nil
}

// ConnectionEvents returns the most recent connection events, newest first.
func (s *SQLiteStore) ConnectionEvents(ctx context.Context, limit int) ([]ConnectionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, event, provider, details, created_at FROM connection_events ORDER BY id DESC LIMIT ?`,
		normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var out []ConnectionEvent
	for rows.Next() {
		var (
			e       ConnectionEvent
			details string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.Provider, &details, &created); err != nil {
			return nil, err
		}
		if e.Details, err = decodeDetails(details); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// OrderEvents returns order events for one client order id in recorded
// order, or the latest events across all orders when clientOrderID is empty.
func (s *SQLiteStore) OrderEvents(ctx context.Context, clientOrderID string, limit int) ([]OrderEvent, error) {
	query := `SELECT id, event, client_order_id, order_id, details, created_at FROM order_events ORDER BY id DESC LIMIT ?`
	args := []any{normLimit(limit)}
	if clientOrderID != "" {
		query = `SELECT id, event, client_order_id, order_id, details, created_at FROM order_events WHERE client_order_id = ? ORDER BY id ASC LIMIT ?`
		args = []any{clientOrderID, normLimit(limit)}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEvent
	for rows.Next() {
		var (
			e       OrderEvent
			details string
			created int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &e.ClientOrderID, &e.OrderID, &details, &created); err != nil {
			return nil, err
		}
		if e.Details, err = decodeDetails(details); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func normLimit(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}

// encodeDetails renders details as protobuf Struct JSON. Values Struct cannot
// hold directly are stored as their fmt string.
func encodeDetails(details map[string]any) (string, error) {
	fields := make(map[string]*structpb.Value, len(details))
	for k, v := range details {
		val, err := structpb.NewValue(v)
		if err != nil {
			val = structpb.NewStringValue(fmt.Sprint(v))
		}
		fields[k] = val
	}
	b, err := protojson.Marshal(&structpb.Struct{Fields: fields})
	if err != nil {
		return "", fmt.Errorf("encoding details: %w", err)
	}
	return string(b), nil
}

func decodeDetails(raw string) (map[string]any, error) {
	var st structpb.Struct
	if err := protojson.Unmarshal([]byte(raw), &st); err != nil {
		return nil, fmt.Errorf("decoding details: %w", err)
	}
	return st.AsMap(), nil
}
