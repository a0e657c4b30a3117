// Package engine is the daemon core. It owns the configured provider, tags
// orders with client order ids, audits the order lifecycle, publishes order
// events and archives fills.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"brokerd/internal/broker"
	"brokerd/internal/domain"
	"brokerd/internal/store"
)

// clientOrderIDLen is the longest client order id every provider accepts.
const clientOrderIDLen = 20

// Options are the optional collaborators of an Engine. Nil fields disable
// the matching feature.
type Options struct {
	Audit  store.AuditStore
	Fills  store.FillArchive
	Events broker.EventSink
	Log    *slog.Logger
}

// Engine wraps one provider and adds the bookkeeping the API layer relies on.
type Engine struct {
	provider broker.Provider
	audit    store.AuditStore
	fills    store.FillArchive
	events   broker.EventSink
	log      *slog.Logger
	newID    func() string

	// retryBase is the first Start retry delay; zero means one second.
	retryBase time.Duration
}

// NewEngine creates a new Engine for p.
func NewEngine(p broker.Provider, opts Options) *Engine {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		provider: p,
		audit:    opts.Audit,
		fills:    opts.Fills,
		events:   opts.Events,
		log:      log.With("provider", p.Name()),
		newID:    NewClientOrderID,
	}
}

// NewClientOrderID returns a random alphanumeric client order id.
func NewClientOrderID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:clientOrderIDLen]
}

// Provider returns the wrapped provider.
func (e *Engine) Provider() broker.Provider { return e.provider }

// Stop stops the provider.
func (e *Engine) Stop(ctx context.Context) error {
	return e.provider.Stop(ctx)
}

func (e *Engine) Status() domain.ConnectionStatus {
	return e.provider.Status()
}

func (e *Engine) Capabilities() domain.Capabilities {
	return e.provider.Capabilities()
}

func (e *Engine) Quote(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	return e.provider.Quote(ctx, symbols)
}

func (e *Engine) Positions(ctx context.Context) ([]domain.Position, error) {
	return e.provider.Positions(ctx)
}

func (e *Engine) Balance(ctx context.Context) (*domain.Balance, error) {
	return e.provider.Balance(ctx)
}

func (e *Engine) PnL(ctx context.Context) (*domain.PnLSummary, error) {
	return e.provider.PnL(ctx)
}

func (e *Engine) Trades(ctx context.Context) ([]domain.TradeRecord, error) {
	return e.provider.Trades(ctx)
}

// PlaceOrder submits req. An empty clientOrderID is replaced by a generated
// one, which is returned in the result.
func (e *Engine) PlaceOrder(ctx context.Context, req domain.OrderRequest, clientOrderID string) (*domain.OrderResult, error) {
	cid := strings.TrimSpace(clientOrderID)
	if cid == "" {
		cid = e.newID()
	}
	req.Symbol = domain.NormalizeSymbol(req.Symbol)

	details := orderDetails(req)
	e.orderEvent(ctx, "submitted", cid, "", details)

	res, err := e.provider.PlaceOrder(ctx, req, cid)
	if err != nil {
		details["error"] = err.Error()
		details["code"] = string(broker.CodeOf(err))
		e.orderEvent(ctx, "rejected", cid, "", details)
		return nil, err
	}
	if res.ClientOrderID == "" {
		res.ClientOrderID = cid
	}

	details["status"] = string(res.Status)
	e.orderEvent(ctx, "placed", cid, res.OrderID, details)
	return res, nil
}

// CancelOrder cancels by broker order id or client order id and audits the
// outcome.
func (e *Engine) CancelOrder(ctx context.Context, clientOrderID, orderID string) (*domain.CancelResult, error) {
	res, err := e.provider.CancelOrder(ctx, clientOrderID, orderID)
	if err != nil {
		e.orderEvent(ctx, "cancel_failed", clientOrderID, orderID, map[string]any{
			"error": err.Error(),
			"code":  string(broker.CodeOf(err)),
		})
		return nil, err
	}

	event := "cancelled"
	if !res.Cancelled {
		event = "cancel_not_confirmed"
	}
	oid := res.OrderID
	if oid == "" {
		oid = orderID
	}
	e.orderEvent(ctx, event, clientOrderID, oid, map[string]any{"cancelled": res.Cancelled})
	return res, nil
}

// Fills returns the provider's current fills and, when an archive is
// configured, merges them into it. Archive failures are logged only.
func (e *Engine) Fills(ctx context.Context) ([]domain.FillRecord, error) {
	fills, err := e.provider.Fills(ctx)
	if err != nil {
		return nil, err
	}
	if e.fills != nil && len(fills) > 0 {
		if err := e.fills.WriteFills(ctx, e.provider.Name(), fills); err != nil {
			e.log.Warn("archiving fills", "count", len(fills), "error", err)
		}
	}
	return fills, nil
}

// ArchivedFills reads archived fills within [start, end].
func (e *Engine) ArchivedFills(ctx context.Context, start, end time.Time) ([]domain.FillRecord, error) {
	if e.fills == nil {
		return nil, broker.NewError(broker.CodeInvalidArgs, "fill archive is disabled").
			WithSuggestion("Set storage.archive_fills to true.")
	}
	fills, err := e.fills.ReadFills(ctx, e.provider.Name(), start, end)
	if err != nil {
		return nil, fmt.Errorf("reading fill archive: %w", err)
	}
	return fills, nil
}

// OrderHistory returns the audited events of one order, or of all orders
// when clientOrderID is empty.
func (e *Engine) OrderHistory(ctx context.Context, clientOrderID string, limit int) ([]store.OrderEvent, error) {
	if e.audit == nil {
		return nil, nil
	}
	return e.audit.OrderEvents(ctx, clientOrderID, limit)
}

// ConnectionHistory returns the most recent audited connection events.
func (e *Engine) ConnectionHistory(ctx context.Context, limit int) ([]store.ConnectionEvent, error) {
	if e.audit == nil {
		return nil, nil
	}
	return e.audit.ConnectionEvents(ctx, limit)
}

func (e *Engine) orderEvent(ctx context.Context, event, clientOrderID, orderID string, details map[string]any) {
	e.log.Info("order event", "event", event, "client_order_id", clientOrderID, "order_id", orderID)
	if e.audit != nil {
		if err := e.audit.LogOrderEvent(ctx, event, clientOrderID, orderID, details); err != nil {
			e.log.Warn("auditing order event", "event", event, "error", err)
		}
	}
	if e.events != nil {
		payload := make(map[string]any, len(details)+3)
		for k, v := range details {
			payload[k] = v
		}
		payload["provider"] = e.provider.Name()
		payload["client_order_id"] = clientOrderID
		if orderID != "" {
			payload["order_id"] = orderID
		}
		e.events.Publish(ctx, domain.NewEvent(domain.EventTopicOrder, event, payload))
	}
}

func orderDetails(req domain.OrderRequest) map[string]any {
	d := map[string]any{
		"symbol": req.Symbol,
		"side":   string(req.Side),
		"qty":    req.Qty,
		"type":   string(req.Type()),
		"tif":    string(req.TIF),
	}
	if req.Limit != nil {
		d["limit"] = *req.Limit
	}
	if req.Stop != nil {
		d["stop"] = *req.Stop
	}
	return d
}
