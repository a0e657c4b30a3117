// Package brokerd is a Go client for the brokerd HTTP API.
package brokerd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"brokerd/internal/domain"
)

// Client provides a Go SDK for interacting with the brokerd API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a new brokerd API client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// WithToken sets the bearer token sent with every request and returns c.
func (c *Client) WithToken(token string) *Client {
	c.token = token
	return c
}

// APIError is a failed request as reported by the daemon.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
}

func (e *APIError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Suggestion)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Status is the daemon's provider and connection state.
type Status struct {
	Provider   string                  `json:"provider"`
	Connection domain.ConnectionStatus `json:"connection"`
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

// Status retrieves the provider connection status.
func (c *Client) Status(ctx context.Context) (*Status, error) {
	var out Status
	return &out, c.do(ctx, http.MethodGet, "/api/v1/status", nil, nil, &out)
}

// Capabilities retrieves the provider's feature flags.
func (c *Client) Capabilities(ctx context.Context) (*domain.Capabilities, error) {
	var out domain.Capabilities
	return &out, c.do(ctx, http.MethodGet, "/api/v1/capabilities", nil, nil, &out)
}

// Quote retrieves quotes for symbols.
func (c *Client) Quote(ctx context.Context, symbols ...string) ([]domain.Quote, error) {
	var out []domain.Quote
	q := url.Values{"symbols": {strings.Join(symbols, ",")}}
	err := c.do(ctx, http.MethodGet, "/api/v1/quote", q, nil, &out)
	return out, err
}

// Positions retrieves current positions.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	var out []domain.Position
	err := c.do(ctx, http.MethodGet, "/api/v1/positions", nil, nil, &out)
	return out, err
}

// Balance retrieves account balances.
func (c *Client) Balance(ctx context.Context) (*domain.Balance, error) {
	var out domain.Balance
	return &out, c.do(ctx, http.MethodGet, "/api/v1/balance", nil, nil, &out)
}

// PnL retrieves the profit and loss summary.
func (c *Client) PnL(ctx context.Context) (*domain.PnLSummary, error) {
	var out domain.PnLSummary
	return &out, c.do(ctx, http.MethodGet, "/api/v1/pnl", nil, nil, &out)
}

// Orders lists orders. status may be empty, "open", "closed" or a canonical
// status name.
func (c *Client) Orders(ctx context.Context, status, symbol string) ([]domain.TradeRecord, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var out []domain.TradeRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/orders", q, nil, &out)
	return out, err
}

// PlaceOrder submits a new order. An empty clientOrderID lets the daemon
// generate one.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest, clientOrderID string) (*domain.OrderResult, error) {
	body := struct {
		domain.OrderRequest
		ClientOrderID string `json:"client_order_id,omitempty"`
	}{req, clientOrderID}
	var out domain.OrderResult
	return &out, c.do(ctx, http.MethodPost, "/api/v1/orders", nil, body, &out)
}

// CancelOrder cancels by broker order id, or by client order id when
// orderID is empty.
func (c *Client) CancelOrder(ctx context.Context, clientOrderID, orderID string) (*domain.CancelResult, error) {
	q := url.Values{}
	if clientOrderID != "" {
		q.Set("client_order_id", clientOrderID)
	}
	if orderID != "" {
		q.Set("order_id", orderID)
	}
	var out domain.CancelResult
	return &out, c.do(ctx, http.MethodDelete, "/api/v1/orders", q, nil, &out)
}

// OrderEvents retrieves the audit trail of one order.
func (c *Client) OrderEvents(ctx context.Context, clientOrderID string) ([]OrderEvent, error) {
	var out []OrderEvent
	err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(clientOrderID)+"/events", nil, nil, &out)
	return out, err
}

// Fills retrieves the provider's current fills.
func (c *Client) Fills(ctx context.Context) ([]domain.FillRecord, error) {
	var out []domain.FillRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/fills", nil, nil, &out)
	return out, err
}

// ArchivedFills retrieves archived fills between start and end.
func (c *Client) ArchivedFills(ctx context.Context, start, end time.Time) ([]domain.FillRecord, error) {
	q := url.Values{
		"archived": {"true"},
		"start":    {start.UTC().Format(time.RFC3339)},
		"end":      {end.UTC().Format(time.RFC3339)},
	}
	var out []domain.FillRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/fills", q, nil, &out)
	return out, err
}

// StreamEvents subscribes to the daemon's lifecycle event stream and calls
// fn for each event until ctx is done, the server closes the stream, or fn
// returns an error. Empty topics selects every topic; replay asks for that
// many recent events first.
func (c *Client) StreamEvents(ctx context.Context, topics []string, replay int, fn func(domain.Event) error) error {
	q := url.Values{}
	if len(topics) > 0 {
		q.Set("topic", strings.Join(topics, ","))
	}
	if replay > 0 {
		q.Set("replay", fmt.Sprint(replay))
	}
	u := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws/events"
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.Dial(ctx, u, opts)
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Code: "HTTP_" + fmt.Sprint(resp.StatusCode), Message: "event stream refused"}
		}
		return fmt.Errorf("dialing event stream: %w", err)
	}
	defer conn.CloseNow()

	for {
		var evt domain.Event
		if err := wsjson.Read(ctx, conn, &evt); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return fmt.Errorf("reading event stream: %w", err)
		}
		if err := fn(evt); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var env struct {
			Error APIError `json:"error"`
		}
		if json.Unmarshal(data, &env) != nil || env.Error.Code == "" {
			env.Error = APIError{Code: "HTTP_" + fmt.Sprint(resp.StatusCode), Message: strings.TrimSpace(string(data))}
		}
		env.Error.StatusCode = resp.StatusCode
		return &env.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}
