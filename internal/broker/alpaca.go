package broker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"brokerd/internal/config"
	"brokerd/internal/domain"
	"brokerd/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaBroker)(nil)

const (
	alpacaAuthSuggestion = "Verify APCA_API_KEY_ID and APCA_API_SECRET_KEY."
	alpacaMinRequestGap  = 300 * time.Millisecond
	alpacaOrderLimit     = 500
)

// alpacaTrading is the subset of *alpaca.Client the provider uses.
type alpacaTrading interface {
	GetAccount() (*alpaca.Account, error)
	GetPositions() ([]alpaca.Position, error)
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrders(req alpaca.GetOrdersRequest) ([]alpaca.Order, error)
}

// alpacaData is the subset of *marketdata.Client the provider uses.
type alpacaData interface {
	GetLatestQuotes(symbols []string, req marketdata.GetLatestQuoteRequest) (map[string]marketdata.Quote, error)
}

// AlpacaBroker implements the Provider interface using the Alpaca brokerage
// SDK. Alpaca authenticates every request with static API keys, so there is
// no renewal task: Start verifies the keys with an account lookup.
type AlpacaBroker struct {
	cfg     config.Alpaca
	limiter *util.RateLimiter
	notify  *Notifier

	newClients func(cfg config.Alpaca) (alpacaTrading, alpacaData)

	mu          sync.Mutex
	trading     alpacaTrading
	data        alpacaData
	accountID   string
	connectedAt *time.Time
	lastError   string
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoints.
func NewAlpacaBroker(cfg config.Alpaca, deps Deps) *AlpacaBroker {
	return &AlpacaBroker{
		cfg:        cfg,
		limiter:    util.NewRateLimiter(alpacaMinRequestGap),
		notify:     NewNotifier("alpaca", deps),
		newClients: newAlpacaClients,
	}
}

func newAlpacaClients(cfg config.Alpaca) (alpacaTrading, alpacaData) {
	trading := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
		BaseURL:   cfg.BaseURL,
	})
	opts := marketdata.ClientOpts{
		APIKey:    cfg.APIKey,
		APISecret: cfg.APISecret,
	}
	if cfg.DataURL != "" {
		opts.BaseURL = cfg.DataURL
	}
	return trading, marketdata.NewClient(opts)
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// Capabilities reports that no optional features are wired for Alpaca.
func (b *AlpacaBroker) Capabilities() domain.Capabilities {
	return domain.Capabilities{}
}

// Start verifies the API keys by fetching the account.
func (b *AlpacaBroker) Start(ctx context.Context) error {
	if strings.TrimSpace(b.cfg.APIKey) == "" || strings.TrimSpace(b.cfg.APISecret) == "" {
		return NewError(CodeInvalidArgs, "Alpaca api_key and api_secret are required").
			WithSuggestion("Set alpaca.api_key and alpaca.api_secret in config or APCA_* env.")
	}

	trading, data := b.newClients(b.cfg)
	if err := b.limiter.Wait(ctx); err != nil {
		return TransportError("account", err)
	}
	acct, err := trading.GetAccount()
	if err != nil {
		mapped := b.mapError("account", err)
		b.setLastError(mapped.Message)
		return mapped
	}

	now := time.Now().UTC()
	b.mu.Lock()
	b.trading, b.data = trading, data
	b.accountID = acct.AccountNumber
	b.connectedAt = &now
	b.lastError = ""
	b.mu.Unlock()

	b.notify.Connection(ctx, "connected", map[string]any{
		"host":       b.cfg.BaseURL,
		"account_id": acct.AccountNumber,
	})
	return nil
}

// Stop drops the clients. It is idempotent.
func (b *AlpacaBroker) Stop(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trading, b.data = nil, nil
	b.connectedAt = nil
	return nil
}

// EnsureConnected fails fast when Start has not succeeded.
func (b *AlpacaBroker) EnsureConnected() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.trading != nil {
		return nil
	}
	return NewError(CodeDisconnected, "daemon is not connected to Alpaca").
		WithDetail("host", b.cfg.BaseURL).
		WithDetail("last_error", b.lastError).
		WithSuggestion(alpacaAuthSuggestion)
}

// Status returns the connection snapshot.
func (b *AlpacaBroker) Status() domain.ConnectionStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return domain.ConnectionStatus{
		Connected:   b.trading != nil,
		Host:        b.cfg.BaseURL,
		Port:        443,
		AccountID:   b.accountID,
		ConnectedAt: b.connectedAt,
		LastError:   b.lastError,
	}
}

func (b *AlpacaBroker) clients() (alpacaTrading, alpacaData, error) {
	if err := b.EnsureConnected(); err != nil {
		return nil, nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.trading, b.data, nil
}

// call gates fn through the rate limiter and maps its error.
func (b *AlpacaBroker) call(ctx context.Context, operation string, fn func() error) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return TransportError(operation, err)
	}
	if err := fn(); err != nil {
		mapped := b.mapError(operation, err)
		b.setLastError(mapped.Message)
		return mapped
	}
	return nil
}

func (b *AlpacaBroker) mapError(operation string, err error) *Error {
	var apiErr *alpaca.APIError
	if errors.As(err, &apiErr) {
		return HTTPError(operation, "", apiErr.StatusCode, []byte(apiErr.Message), operation == "quote", alpacaAuthSuggestion).Wrap(err)
	}
	return TransportError(operation, err)
}

func (b *AlpacaBroker) setLastError(msg string) {
	b.mu.Lock()
	b.lastError = msg
	b.mu.Unlock()
}

// Quote returns the latest bid/ask for each symbol in request order.
func (b *AlpacaBroker) Quote(ctx context.Context, symbols []string) ([]domain.Quote, error) {
	_, data, err := b.clients()
	if err != nil {
		return nil, err
	}
	wanted := domain.UniqueSymbols(symbols)
	if len(wanted) == 0 {
		return nil, nil
	}

	var latest map[string]marketdata.Quote
	err = b.call(ctx, "quote", func() error {
		var qerr error
		latest, qerr = data.GetLatestQuotes(wanted, marketdata.GetLatestQuoteRequest{})
		return qerr
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Quote, 0, len(wanted))
	for _, sym := range wanted {
		q, ok := latest[sym]
		if !ok {
			continue
		}
		bid, ask := q.BidPrice, q.AskPrice
		out = append(out, domain.Quote{
			Symbol:    sym,
			Bid:       &bid,
			Ask:       &ask,
			Timestamp: q.Timestamp,
			Currency:  "USD",
		})
	}
	return out, nil
}

// Positions returns all current positions from the Alpaca account.
func (b *AlpacaBroker) Positions(ctx context.Context) ([]domain.Position, error) {
	trading, _, err := b.clients()
	if err != nil {
		return nil, err
	}
	var rows []alpaca.Position
	err = b.call(ctx, "positions", func() error {
		var perr error
		rows, perr = trading.GetPositions()
		return perr
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.Position, 0, len(rows))
	for _, p := range rows {
		out = append(out, domain.Position{
			Symbol:        strings.ToUpper(p.Symbol),
			Qty:           p.Qty.InexactFloat64(),
			AvgCost:       p.AvgEntryPrice.InexactFloat64(),
			MarketPrice:   decimalPtr(p.CurrentPrice),
			MarketValue:   decimalPtr(p.MarketValue),
			UnrealizedPnL: decimalPtr(p.UnrealizedPL),
			Currency:      "USD",
		})
	}
	return out, nil
}

// Balance returns the current account balances.
func (b *AlpacaBroker) Balance(ctx context.Context) (*domain.Balance, error) {
	trading, _, err := b.clients()
	if err != nil {
		return nil, err
	}
	var acct *alpaca.Account
	err = b.call(ctx, "balance", func() error {
		var aerr error
		acct, aerr = trading.GetAccount()
		return aerr
	})
	if err != nil {
		return nil, err
	}

	return &domain.Balance{
		AccountID:      acct.AccountNumber,
		NetLiquidation: decimalPtr(&acct.Equity),
		Cash:           decimalPtr(&acct.Cash),
		BuyingPower:    decimalPtr(&acct.BuyingPower),
		MarginUsed:     decimalPtr(&acct.InitialMargin),
	}, nil
}

// PnL sums unrealised P&L over open positions.
func (b *AlpacaBroker) PnL(ctx context.Context) (*domain.PnLSummary, error) {
	positions, err := b.Positions(ctx)
	if err != nil {
		return nil, err
	}
	var unrealized float64
	for _, p := range positions {
		if p.UnrealizedPnL != nil {
			unrealized += *p.UnrealizedPnL
		}
	}
	return &domain.PnLSummary{Unrealized: unrealized, Total: unrealized}, nil
}

// PlaceOrder submits an order in a single call; Alpaca has no preview step.
func (b *AlpacaBroker) PlaceOrder(ctx context.Context, req domain.OrderRequest, clientOrderID string) (*domain.OrderResult, error) {
	trading, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Qty).Abs()
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        domain.NormalizeSymbol(req.Symbol),
		Qty:           &qty,
		Side:          alpaca.Side(strings.ToLower(string(req.Side))),
		Type:          alpacaOrderType(req.Type()),
		TimeInForce:   alpacaTimeInForce(req.TIF),
		ClientOrderID: clientOrderID,
	}
	if req.Limit != nil {
		lp := decimal.NewFromFloat(*req.Limit)
		placeReq.LimitPrice = &lp
	}
	if req.Stop != nil {
		sp := decimal.NewFromFloat(*req.Stop)
		placeReq.StopPrice = &sp
	}

	var order *alpaca.Order
	err = b.call(ctx, "order_place", func() error {
		var perr error
		order, perr = trading.PlaceOrder(placeReq)
		return perr
	})
	if err != nil {
		return nil, err
	}
	return &domain.OrderResult{
		OrderID:       order.ID,
		ClientOrderID: clientOrderID,
		Status:        normalizeAlpacaStatus(order.Status),
	}, nil
}

// CancelOrder cancels by order id, or looks the order up by client id among
// open orders.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, clientOrderID, orderID string) (*domain.CancelResult, error) {
	trading, _, err := b.clients()
	if err != nil {
		return nil, err
	}

	if orderID == "" {
		if strings.TrimSpace(clientOrderID) == "" {
			return nil, NewError(CodeInvalidArgs, "cancel_order requires client_order_id or order_id")
		}
		orders, err := b.listOrders(ctx, trading, "open")
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			if o.ClientOrderID == strings.TrimSpace(clientOrderID) {
				orderID = o.ID
				break
			}
		}
		if orderID == "" {
			return &domain.CancelResult{Cancelled: false}, nil
		}
	}

	if err := b.call(ctx, "cancel_order", func() error { return trading.CancelOrder(orderID) }); err != nil {
		return nil, err
	}
	return &domain.CancelResult{Cancelled: true, OrderID: orderID}, nil
}

func (b *AlpacaBroker) listOrders(ctx context.Context, trading alpacaTrading, status string) ([]alpaca.Order, error) {
	var orders []alpaca.Order
	err := b.call(ctx, "orders_list", func() error {
		var oerr error
		orders, oerr = trading.GetOrders(alpaca.GetOrdersRequest{Status: status, Limit: alpacaOrderLimit})
		return oerr
	})
	return orders, err
}

// Trades lists recent orders.
func (b *AlpacaBroker) Trades(ctx context.Context) ([]domain.TradeRecord, error) {
	trading, _, err := b.clients()
	if err != nil {
		return nil, err
	}
	orders, err := b.listOrders(ctx, trading, "all")
	if err != nil {
		return nil, err
	}

	out := make([]domain.TradeRecord, 0, len(orders))
	for _, o := range orders {
		qty := decimalValue(o.Qty)
		filled := o.FilledQty.InexactFloat64()
		remaining := qty - filled
		if remaining < 0 {
			remaining = 0
		}
		out = append(out, domain.TradeRecord{
			OrderID:       o.ID,
			ClientOrderID: o.ClientOrderID,
			Symbol:        strings.ToUpper(o.Symbol),
			Status:        normalizeAlpacaStatus(o.Status),
			Action:        strings.ToUpper(string(o.Side)),
			Qty:           qty,
			Filled:        filled,
			Remaining:     remaining,
			AvgFillPrice:  decimalValue(o.FilledAvgPrice),
		})
	}
	return out, nil
}

// Fills lists orders that are filled or partially filled.
func (b *AlpacaBroker) Fills(ctx context.Context) ([]domain.FillRecord, error) {
	trading, _, err := b.clients()
	if err != nil {
		return nil, err
	}
	orders, err := b.listOrders(ctx, trading, "all")
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []domain.FillRecord
	for _, o := range orders {
		status := normalizeAlpacaStatus(o.Status)
		filled := o.FilledQty.InexactFloat64()
		if status != domain.OrderStatusFilled && filled <= 0 {
			continue
		}
		qty := filled
		if qty <= 0 {
			qty = decimalValue(o.Qty)
		}
		ts := now
		if o.FilledAt != nil {
			ts = *o.FilledAt
		}
		out = append(out, domain.FillRecord{
			FillID:        o.ID,
			ClientOrderID: o.ClientOrderID,
			OrderID:       o.ID,
			Symbol:        strings.ToUpper(o.Symbol),
			Qty:           qty,
			Price:         decimalValue(o.FilledAvgPrice),
			Timestamp:     ts,
		})
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Mapping helpers
// ---------------------------------------------------------------------------

var alpacaStatuses = map[string]domain.OrderStatus{
	"new":                  domain.OrderStatusSubmitted,
	"accepted":             domain.OrderStatusAcknowledged,
	"pending_new":          domain.OrderStatusPendingSubmit,
	"accepted_for_bidding": domain.OrderStatusAcknowledged,
	"partially_filled":     domain.OrderStatusSubmitted,
	"filled":               domain.OrderStatusFilled,
	"done_for_day":         domain.OrderStatusInactive,
	"canceled":             domain.OrderStatusCancelled,
	"expired":              domain.OrderStatusInactive,
	"replaced":             domain.OrderStatusCancelled,
	"pending_cancel":       domain.OrderStatusPendingSubmit,
	"pending_replace":      domain.OrderStatusPendingSubmit,
	"rejected":             domain.OrderStatusRejected,
	"suspended":            domain.OrderStatusInactive,
	"stopped":              domain.OrderStatusSubmitted,
}

func normalizeAlpacaStatus(raw string) domain.OrderStatus {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return domain.OrderStatusPendingSubmit
	}
	if st, ok := alpacaStatuses[s]; ok {
		return st
	}
	return domain.OrderStatus(strings.TrimSpace(raw))
}

func alpacaOrderType(t domain.OrderType) alpaca.OrderType {
	switch t {
	case domain.OrderTypeLimit:
		return alpaca.Limit
	case domain.OrderTypeStop:
		return alpaca.Stop
	case domain.OrderTypeStopLimit:
		return alpaca.StopLimit
	default:
		return alpaca.Market
	}
}

func alpacaTimeInForce(tif domain.TimeInForce) alpaca.TimeInForce {
	switch strings.ToUpper(string(tif)) {
	case "GTC":
		return alpaca.GTC
	case "IOC":
		return alpaca.IOC
	default:
		return alpaca.Day
	}
}

func decimalPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func decimalValue(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
