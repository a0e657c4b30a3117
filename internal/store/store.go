// Package store persists the daemon's audit trail and fill history: an audit
// log of connection and order lifecycle events in SQLite, and an archive of
// fills in Parquet files.
package store

import (
	"context"
	"time"

	"brokerd/internal/domain"
)

// ConnectionEvent is one audited connection lifecycle event.
type ConnectionEvent struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Provider  string         `json:"provider"`
	Details   map[string]any `json:"details"`
	CreatedAt time.Time      `json:"created_at"`
}

// OrderEvent is one audited order lifecycle event.
type OrderEvent struct {
	ID            int64          `json:"id"`
	Event         string         `json:"event"`
	ClientOrderID string         `json:"client_order_id"`
	OrderID       string         `json:"order_id,omitempty"`
	Details       map[string]any `json:"details"`
	CreatedAt     time.Time      `json:"created_at"`
}

// AuditStore records connection and order lifecycle events.
type AuditStore interface {
	// LogConnectionEvent appends a connection event. details["provider"] is
	// stored in its own column when present.
	LogConnectionEvent(ctx context.Context, event string, details map[string]any) error

	// LogOrderEvent appends an order event.
	LogOrderEvent(ctx context.Context, event, clientOrderID, orderID string, details map[string]any) error

	// ConnectionEvents returns the most recent connection events, newest
	// first, up to limit.
	ConnectionEvents(ctx context.Context, limit int) ([]ConnectionEvent, error)

	// OrderEvents returns the events for clientOrderID in the order they were
	// recorded. An empty clientOrderID returns the most recent events of all
	// orders, newest first, up to limit.
	OrderEvents(ctx context.Context, clientOrderID string, limit int) ([]OrderEvent, error)
}

// FillArchive keeps a durable history of fills per provider.
type FillArchive interface {
	// WriteFills merges fills into the archive. Re-writing a fill with the
	// same id replaces it.
	WriteFills(ctx context.Context, provider string, fills []domain.FillRecord) error

	// ReadFills returns the archived fills within [start, end], oldest first.
	ReadFills(ctx context.Context, provider string, start, end time.Time) ([]domain.FillRecord, error)
}
