// Package broker defines the Provider contract every brokerage adapter
// implements, the typed error taxonomy they report failures with, and the
// registry the daemon resolves a configured provider name through.
package broker

import (
	"context"
	"log/slog"

	"brokerd/internal/domain"
)

// Provider abstracts one brokerage session: lifecycle, capability flags and
// trading operations. Implementations assume one in-flight caller at a time.
type Provider interface {
	// Name returns the provider identifier (e.g. "etrade", "alpaca").
	Name() string

	// Capabilities returns the fixed optional-feature flags. The value never
	// changes for the life of the provider.
	Capabilities() domain.Capabilities

	// Start establishes a session. On failure no resources are left open.
	Start(ctx context.Context) error

	// Stop tears the session down. Calling it more than once, or before
	// Start succeeded, is a no-op.
	Stop(ctx context.Context) error

	// EnsureConnected fails fast with a DISCONNECTED error when there is no
	// live session. It never reconnects.
	EnsureConnected() error

	// Status returns a snapshot of the connection state without side effects.
	Status() domain.ConnectionStatus

	Quote(ctx context.Context, symbols []string) ([]domain.Quote, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	Balance(ctx context.Context) (*domain.Balance, error)
	PnL(ctx context.Context) (*domain.PnLSummary, error)

	// PlaceOrder submits req tagged with clientOrderID.
	PlaceOrder(ctx context.Context, req domain.OrderRequest, clientOrderID string) (*domain.OrderResult, error)

	// CancelOrder cancels by broker order id, or by client order id when
	// orderID is empty. An unmatched client order id is not an error.
	CancelOrder(ctx context.Context, clientOrderID, orderID string) (*domain.CancelResult, error)

	Trades(ctx context.Context) ([]domain.TradeRecord, error)
	Fills(ctx context.Context) ([]domain.FillRecord, error)
}

// AuditLogger records connection lifecycle events durably.
type AuditLogger interface {
	LogConnectionEvent(ctx context.Context, event string, details map[string]any) error
}

// EventSink receives lifecycle events. Publish must not block for long.
type EventSink interface {
	Publish(ctx context.Context, evt domain.Event)
}

// Deps are the collaborators injected into every provider. Any field may be
// nil except Log, which defaults to slog.Default().
type Deps struct {
	Log    *slog.Logger
	Audit  AuditLogger
	Events EventSink
}

// Notifier fans a connection event out to the log, the audit logger and the
// event sink.
type Notifier struct {
	provider string
	log      *slog.Logger
	audit    AuditLogger
	events   EventSink
}

// NewNotifier creates a Notifier for the named provider.
func NewNotifier(provider string, deps Deps) *Notifier {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{
		provider: provider,
		log:      log,
		audit:    deps.Audit,
		events:   deps.Events,
	}
}

// Connection reports a connection lifecycle event. Audit failures are logged
// and otherwise ignored.
func (n *Notifier) Connection(ctx context.Context, event string, details map[string]any) {
	d := make(map[string]any, len(details)+1)
	for k, v := range details {
		d[k] = v
	}
	d["provider"] = n.provider

	n.log.Info("connection event", "event", event, "details", d)
	if n.audit != nil {
		if err := n.audit.LogConnectionEvent(ctx, event, d); err != nil {
			n.log.Warn("auditing connection event", "event", event, "error", err)
		}
	}
	if n.events != nil {
		n.events.Publish(ctx, domain.NewEvent(domain.EventTopicConnection, event, d))
	}
}
