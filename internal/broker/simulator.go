package broker

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"brokerd/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*SimulatorBroker)(nil)

const simulatorStartingCash = 100_000.0

// SimulatorBroker implements the Provider interface for paper trading and
// tests. It tracks positions and orders in memory without making external
// API calls. Market orders fill immediately at the last set price; limit
// orders fill when the limit crosses it.
type SimulatorBroker struct {
	mu          sync.Mutex
	connected   bool
	connectedAt time.Time
	prices      map[string]float64
	positions   map[string]*domain.Position
	orders      []*simOrder
	cash        float64
	realized    float64
	nextID      int
	notify      *Notifier
}

type simOrder struct {
	id       string
	clientID string
	req      domain.OrderRequest
	status   domain.OrderStatus
	filled   float64
	price    float64
	filledAt time.Time
}

// NewSimulatorBroker creates a SimulatorBroker with empty position and
// order books and the default starting cash.
func NewSimulatorBroker(deps Deps) *SimulatorBroker {
	return &SimulatorBroker{
		prices:    make(map[string]float64),
		positions: make(map[string]*domain.Position),
		cash:      simulatorStartingCash,
		nextID:    1,
		notify:    NewNotifier("simulator", deps),
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// Capabilities reports the simulator's feature flags.
func (b *SimulatorBroker) Capabilities() domain.Capabilities {
	return domain.Capabilities{CancelAll: false}
}

// SetPrice sets the last trade price used for quotes and fills.
func (b *SimulatorBroker) SetPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[domain.NormalizeSymbol(symbol)] = price
}

// Start marks the simulator connected.
func (b *SimulatorBroker) Start(ctx context.Context) error {
	b.mu.Lock()
	already := b.connected
	b.connected = true
	b.connectedAt = time.Now().UTC()
	b.mu.Unlock()

	if !already {
		b.notify.Connection(ctx, "connected", map[string]any{"host": "simulator"})
	}
	return nil
}

// Stop marks the simulator disconnected. It is idempotent.
func (b *SimulatorBroker) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// EnsureConnected fails when Start has not been called.
func (b *SimulatorBroker) EnsureConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connected {
		return nil
	}
	return NewError(CodeDisconnected, "simulator is not started").
		WithSuggestion("Start the daemon before issuing requests.")
}

// Status returns the simulated connection state.
func (b *SimulatorBroker) Status() domain.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := domain.ConnectionStatus{
		Connected: b.connected,
		Host:      "simulator",
		AccountID: "SIM",
	}
	if b.connected {
		at := b.connectedAt
		st.ConnectedAt = &at
	}
	return st
}

// Quote returns the last set price for each known symbol.
func (b *SimulatorBroker) Quote(_ context.Context, symbols []string) ([]domain.Quote, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	var out []domain.Quote
	for _, sym := range domain.UniqueSymbols(symbols) {
		px, ok := b.prices[sym]
		if !ok {
			continue
		}
		last := px
		out = append(out, domain.Quote{Symbol: sym, Bid: &last, Ask: &last, Last: &last, Timestamp: now, Currency: "USD"})
	}
	return out, nil
}

// Positions returns all simulated positions sorted by symbol.
func (b *SimulatorBroker) Positions(_ context.Context) ([]domain.Position, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positionsLocked(), nil
}

func (b *SimulatorBroker) positionsLocked() []domain.Position {
	positions := make([]domain.Position, 0, len(b.positions))
	for _, p := range b.positions {
		pos := *p
		if px, ok := b.prices[pos.Symbol]; ok {
			price := px
			value := px * pos.Qty
			pnl := (px - pos.AvgCost) * pos.Qty
			pos.MarketPrice, pos.MarketValue, pos.UnrealizedPnL = &price, &value, &pnl
		}
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions
}

// Balance computes equity, cash and buying power from simulated state.
func (b *SimulatorBroker) Balance(_ context.Context) (*domain.Balance, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	nlv := b.cash
	for _, p := range b.positionsLocked() {
		if p.MarketValue != nil {
			nlv += *p.MarketValue
		} else {
			nlv += p.AvgCost * p.Qty
		}
	}
	cash := b.cash
	return &domain.Balance{AccountID: "SIM", NetLiquidation: &nlv, Cash: &cash, BuyingPower: &cash}, nil
}

// PnL sums realised P&L from closed quantity and unrealised P&L from open
// positions.
func (b *SimulatorBroker) PnL(_ context.Context) (*domain.PnLSummary, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var unrealized float64
	for _, p := range b.positionsLocked() {
		if p.UnrealizedPnL != nil {
			unrealized += *p.UnrealizedPnL
		}
	}
	return &domain.PnLSummary{Realized: b.realized, Unrealized: unrealized, Total: b.realized + unrealized}, nil
}

// PlaceOrder records the order and fills it when the price allows.
func (b *SimulatorBroker) PlaceOrder(_ context.Context, req domain.OrderRequest, clientOrderID string) (*domain.OrderResult, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	if req.Qty <= 0 || domain.NormalizeSymbol(req.Symbol) == "" {
		return nil, NewError(CodeInvalidArgs, "order requires a symbol and positive qty")
	}
	req.Symbol = domain.NormalizeSymbol(req.Symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	o := &simOrder{
		id:       strconv.Itoa(b.nextID),
		clientID: clientOrderID,
		req:      req,
		status:   domain.OrderStatusSubmitted,
	}
	b.nextID++
	b.orders = append(b.orders, o)

	if px, ok := b.prices[req.Symbol]; ok && crosses(req, px) {
		b.fillLocked(o, px)
	}
	return &domain.OrderResult{OrderID: o.id, ClientOrderID: clientOrderID, Status: o.status}, nil
}

func crosses(req domain.OrderRequest, px float64) bool {
	if req.Stop != nil {
		return false
	}
	if req.Limit == nil {
		return true
	}
	if req.Side == domain.OrderSideSell {
		return px >= *req.Limit
	}
	return px <= *req.Limit
}

func (b *SimulatorBroker) fillLocked(o *simOrder, px float64) {
	o.status = domain.OrderStatusFilled
	o.filled = o.req.Qty
	o.price = px
	o.filledAt = time.Now().UTC()

	pos := b.positions[o.req.Symbol]
	if pos == nil {
		pos = &domain.Position{Symbol: o.req.Symbol, Currency: "USD"}
		b.positions[o.req.Symbol] = pos
	}

	signed := o.req.Qty
	if o.req.Side == domain.OrderSideSell {
		signed = -signed
	}
	b.cash -= signed * px

	switch {
	case pos.Qty == 0 || math.Signbit(pos.Qty) == math.Signbit(signed):
		total := pos.Qty + signed
		pos.AvgCost = (pos.AvgCost*math.Abs(pos.Qty) + px*math.Abs(signed)) / math.Abs(total)
		pos.Qty = total
	default:
		closed := math.Min(math.Abs(signed), math.Abs(pos.Qty))
		if pos.Qty > 0 {
			b.realized += (px - pos.AvgCost) * closed
		} else {
			b.realized += (pos.AvgCost - px) * closed
		}
		pos.Qty += signed
		if math.Abs(signed) > closed {
			pos.AvgCost = px
		}
	}
	if pos.Qty == 0 {
		delete(b.positions, o.req.Symbol)
	}
}

// CancelOrder marks the specified order as cancelled if it is still working.
func (b *SimulatorBroker) CancelOrder(_ context.Context, clientOrderID, orderID string) (*domain.CancelResult, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	if clientOrderID == "" && orderID == "" {
		return nil, NewError(CodeInvalidArgs, "cancel_order requires client_order_id or order_id")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, o := range b.orders {
		if (orderID != "" && o.id == orderID) || (orderID == "" && o.clientID == clientOrderID) {
			if o.status.IsTerminal() {
				return &domain.CancelResult{Cancelled: false, OrderID: o.id}, nil
			}
			o.status = domain.OrderStatusCancelled
			return &domain.CancelResult{Cancelled: true, OrderID: o.id}, nil
		}
	}
	return &domain.CancelResult{Cancelled: false}, nil
}

// Trades lists every order placed in this session.
func (b *SimulatorBroker) Trades(_ context.Context) ([]domain.TradeRecord, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.TradeRecord, 0, len(b.orders))
	for _, o := range b.orders {
		out = append(out, domain.TradeRecord{
			OrderID:       o.id,
			ClientOrderID: o.clientID,
			Symbol:        o.req.Symbol,
			Status:        o.status,
			Action:        strings.ToUpper(string(o.req.Side)),
			Qty:           o.req.Qty,
			Filled:        o.filled,
			Remaining:     math.Max(o.req.Qty-o.filled, 0),
			AvgFillPrice:  o.price,
		})
	}
	return out, nil
}

// Fills lists filled orders.
func (b *SimulatorBroker) Fills(_ context.Context) ([]domain.FillRecord, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []domain.FillRecord
	for _, o := range b.orders {
		if o.status != domain.OrderStatusFilled {
			continue
		}
		out = append(out, domain.FillRecord{
			FillID:        o.id,
			ClientOrderID: o.clientID,
			OrderID:       o.id,
			Symbol:        o.req.Symbol,
			Qty:           o.filled,
			Price:         o.price,
			Timestamp:     o.filledAt,
		})
	}
	return out, nil
}
