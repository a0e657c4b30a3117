package engine

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"brokerd/internal/broker"
	"brokerd/internal/config"
	"brokerd/internal/domain"
	"brokerd/internal/events"
	"brokerd/internal/store"
	"brokerd/internal/util"
)

func newTestEngine(t *testing.T) (*Engine, *broker.SimulatorBroker, *store.SQLiteStore, *events.Bus) {
	t.Helper()
	audit, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { audit.Close() })

	bus := events.NewBus(50, util.Discard())
	sim := broker.NewSimulatorBroker(broker.Deps{Log: util.Discard(), Audit: audit, Events: bus})
	e := NewEngine(sim, Options{
		Audit:  audit,
		Fills:  store.NewParquetStore(t.TempDir()),
		Events: bus,
		Log:    util.Discard(),
	})
	if err := e.Start(context.Background(), 1); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return e, sim, audit, bus
}

func TestNewClientOrderID(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{20}$`)
	a, b := NewClientOrderID(), NewClientOrderID()
	if !re.MatchString(a) {
		t.Errorf("NewClientOrderID() = %q, want 20 hex chars", a)
	}
	if a == b {
		t.Errorf("two ids are equal: %q", a)
	}
}

func TestPlaceOrderAuditsAndPublishes(t *testing.T) {
	e, sim, audit, bus := newTestEngine(t)
	ctx := context.Background()
	sim.SetPrice("AAPL", 190)

	_, orders := bus.Subscribe(10, domain.EventTopicOrder)

	res, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: " aapl ", Side: domain.OrderSideBuy, Qty: 2, TIF: domain.TimeInForceDay}, "")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if len(res.ClientOrderID) != clientOrderIDLen {
		t.Errorf("generated client order id = %q", res.ClientOrderID)
	}
	if res.Status != domain.OrderStatusFilled {
		t.Errorf("status = %q, want Filled", res.Status)
	}

	history, err := e.OrderHistory(ctx, res.ClientOrderID, 0)
	if err != nil {
		t.Fatalf("OrderHistory: %v", err)
	}
	if len(history) != 2 || history[0].Event != "submitted" || history[1].Event != "placed" {
		t.Fatalf("history = %+v", history)
	}
	if history[1].OrderID != res.OrderID || history[1].Details["status"] != "Filled" {
		t.Errorf("placed event = %+v", history[1])
	}
	if history[0].Details["symbol"] != "AAPL" || history[0].Details["type"] != "MARKET" {
		t.Errorf("submitted details = %+v", history[0].Details)
	}

	if got := len(orders); got != 2 {
		t.Fatalf("published %d order events, want 2", got)
	}
	<-orders
	placed := <-orders
	if placed.Name() != "placed" || placed.Payload["provider"] != "simulator" || placed.Payload["order_id"] != res.OrderID {
		t.Errorf("placed event payload = %+v", placed.Payload)
	}

	// The provider's own connection event was audited at Start.
	conns, _ := audit.ConnectionEvents(ctx, 10)
	if len(conns) != 1 || conns[0].Event != "connected" || conns[0].Provider != "simulator" {
		t.Errorf("connection events = %+v", conns)
	}
}

func TestPlaceOrderKeepsCallerID(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	limit := 100.0
	res, err := e.PlaceOrder(context.Background(), domain.OrderRequest{Symbol: "MSFT", Side: domain.OrderSideBuy, Qty: 1, Limit: &limit}, " mine1 ")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.ClientOrderID != "mine1" {
		t.Errorf("ClientOrderID = %q, want mine1", res.ClientOrderID)
	}
}

func TestPlaceOrderRejectedIsAudited(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy}, "bad1")
	if broker.CodeOf(err) != broker.CodeInvalidArgs {
		t.Fatalf("err = %v, want INVALID_ARGS", err)
	}
	history, _ := e.OrderHistory(ctx, "bad1", 0)
	if len(history) != 2 || history[1].Event != "rejected" || history[1].Details["code"] != "INVALID_ARGS" {
		t.Errorf("history = %+v", history)
	}
}

func TestCancelOrderAudited(t *testing.T) {
	e, _, _, _ := newTestEngine(t)
	ctx := context.Background()
	limit := 1.0

	res, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 1, Limit: &limit}, "c1")
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	cancel, err := e.CancelOrder(ctx, "c1", "")
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !cancel.Cancelled || cancel.OrderID != res.OrderID {
		t.Errorf("cancel = %+v", cancel)
	}

	if _, err := e.CancelOrder(ctx, "", ""); broker.CodeOf(err) != broker.CodeInvalidArgs {
		t.Errorf("cancel without ids: %v", err)
	}

	history, _ := e.OrderHistory(ctx, "c1", 0)
	if last := history[len(history)-1]; last.Event != "cancelled" || last.OrderID != res.OrderID {
		t.Errorf("last event = %+v", last)
	}
}

func TestFillsAreArchived(t *testing.T) {
	e, sim, _, _ := newTestEngine(t)
	ctx := context.Background()
	sim.SetPrice("AAPL", 190)

	if _, err := e.PlaceOrder(ctx, domain.OrderRequest{Symbol: "AAPL", Side: domain.OrderSideBuy, Qty: 3}, "f1"); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	fills, err := e.Fills(ctx)
	if err != nil || len(fills) != 1 {
		t.Fatalf("Fills = %v, %v", fills, err)
	}

	now := time.Now().UTC()
	archived, err := e.ArchivedFills(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("ArchivedFills: %v", err)
	}
	if len(archived) != 1 || archived[0].ClientOrderID != "f1" || archived[0].Qty != 3 {
		t.Errorf("archived = %+v", archived)
	}
}

func TestArchivedFillsDisabled(t *testing.T) {
	sim := broker.NewSimulatorBroker(broker.Deps{Log: util.Discard()})
	e := NewEngine(sim, Options{Log: util.Discard()})
	_, err := e.ArchivedFills(context.Background(), time.Now(), time.Now())
	if broker.CodeOf(err) != broker.CodeInvalidArgs {
		t.Errorf("err = %v, want INVALID_ARGS", err)
	}
	if h, err := e.OrderHistory(context.Background(), "", 10); h != nil || err != nil {
		t.Errorf("OrderHistory without audit = %v, %v", h, err)
	}
}

// flakyProvider fails Start a fixed number of times.
type flakyProvider struct {
	*broker.SimulatorBroker
	failures int
	err      error
	calls    int
}

func (p *flakyProvider) Start(ctx context.Context) error {
	p.calls++
	if p.calls <= p.failures {
		return p.err
	}
	return p.SimulatorBroker.Start(ctx)
}

func TestStartRetriesTransientErrors(t *testing.T) {
	p := &flakyProvider{
		SimulatorBroker: broker.NewSimulatorBroker(broker.Deps{Log: util.Discard()}),
		failures:        2,
		err:             broker.NewError(broker.CodeTimeout, "slow"),
	}
	e := NewEngine(p, Options{Log: util.Discard()})
	e.retryBase = time.Millisecond

	if err := e.Start(context.Background(), 3); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.calls != 3 {
		t.Errorf("Start calls = %d, want 3", p.calls)
	}
}

func TestStartGivesUpOnAuthFailure(t *testing.T) {
	authErr := broker.NewError(broker.CodeDisconnected, "token expired").WithDetail("auth_expired", true)
	p := &flakyProvider{
		SimulatorBroker: broker.NewSimulatorBroker(broker.Deps{Log: util.Discard()}),
		failures:        5,
		err:             authErr,
	}
	e := NewEngine(p, Options{Log: util.Discard()})
	e.retryBase = time.Millisecond

	err := e.Start(context.Background(), 5)
	if !errors.Is(err, authErr) {
		t.Fatalf("err = %v, want the auth error", err)
	}
	if p.calls != 1 {
		t.Errorf("Start calls = %d, want 1", p.calls)
	}
}

func TestStartExhaustsAttempts(t *testing.T) {
	p := &flakyProvider{
		SimulatorBroker: broker.NewSimulatorBroker(broker.Deps{Log: util.Discard()}),
		failures:        10,
		err:             errors.New("connection refused"),
	}
	e := NewEngine(p, Options{Log: util.Discard()})
	e.retryBase = time.Millisecond

	if err := e.Start(context.Background(), 2); err == nil {
		t.Fatal("Start succeeded, want error")
	}
	if p.calls != 2 {
		t.Errorf("Start calls = %d, want 2", p.calls)
	}
}

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()
	want := []string{"alpaca", "etrade", "simulator"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	cfg := config.Default()
	p, err := r.New("etrade", cfg, broker.Deps{Log: util.Discard()})
	if err != nil || p.Name() != "etrade" {
		t.Errorf("New(etrade) = %v, %v", p, err)
	}

	cfg.Runtime.PaperMode = true
	if got := ProviderName(cfg); got != "simulator" {
		t.Errorf("ProviderName in paper mode = %q", got)
	}
}
