// Package domain holds the canonical value types shared by every brokerage
// provider. Providers translate their own payloads into these types; nothing
// here talks to the network.
package domain

import (
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// TimeInForce controls how long an order stays working.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// OrderType is derived from which prices an OrderRequest carries.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// OrderRequest is a caller's intent to trade. Limit and Stop are optional;
// a nil price means "not set".
type OrderRequest struct {
	Symbol string      `json:"symbol"`
	Side   OrderSide   `json:"side"`
	Qty    float64     `json:"qty"`
	Limit  *float64    `json:"limit,omitempty"`
	Stop   *float64    `json:"stop,omitempty"`
	TIF    TimeInForce `json:"tif,omitempty"`
}

// Type derives the order type from the presence of limit and stop prices.
func (r OrderRequest) Type() OrderType {
	switch {
	case r.Limit != nil && r.Stop != nil:
		return OrderTypeStopLimit
	case r.Limit != nil:
		return OrderTypeLimit
	case r.Stop != nil:
		return OrderTypeStop
	default:
		return OrderTypeMarket
	}
}

// OrderStatus is the canonical order status. Providers map their own
// vocabulary onto the seven known values; an unrecognised non-empty status
// is carried through verbatim and reports Known() == false.
type OrderStatus string

const (
	OrderStatusPendingSubmit OrderStatus = "PendingSubmit"
	OrderStatusSubmitted     OrderStatus = "Submitted"
	OrderStatusAcknowledged  OrderStatus = "Acknowledged"
	OrderStatusFilled        OrderStatus = "Filled"
	OrderStatusCancelled     OrderStatus = "Cancelled"
	OrderStatusRejected      OrderStatus = "Rejected"
	OrderStatusInactive      OrderStatus = "Inactive"
)

// Known reports whether s is one of the seven canonical statuses.
func (s OrderStatus) Known() bool {
	switch s {
	case OrderStatusPendingSubmit, OrderStatusSubmitted, OrderStatusAcknowledged,
		OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusInactive:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are expected.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusInactive:
		return true
	}
	return false
}

// OrderResult is returned by a successful order placement.
type OrderResult struct {
	OrderID       string      `json:"order_id,omitempty"`
	ClientOrderID string      `json:"client_order_id"`
	Status        OrderStatus `json:"status"`
}

// CancelResult is returned by a cancel request. Cancelled is false when no
// matching order could be found.
type CancelResult struct {
	Cancelled bool   `json:"cancelled"`
	OrderID   string `json:"order_id,omitempty"`
}

// TradeRecord is one row of the provider's order listing.
type TradeRecord struct {
	OrderID       string      `json:"order_id,omitempty"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	Action        string      `json:"action,omitempty"`
	Qty           float64     `json:"qty"`
	Filled        float64     `json:"filled"`
	Remaining     float64     `json:"remaining"`
	AvgFillPrice  float64     `json:"avg_fill_price"`
}

// FillRecord is an executed (fully or partially) order.
type FillRecord struct {
	FillID        string    `json:"fill_id"`
	ClientOrderID string    `json:"client_order_id"`
	OrderID       string    `json:"order_id,omitempty"`
	Symbol        string    `json:"symbol"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Timestamp     time.Time `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Market and portfolio read models
// ---------------------------------------------------------------------------

// Quote is a point-in-time quote for one symbol. Nil prices were absent in
// the provider payload.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	Last      *float64  `json:"last,omitempty"`
	Volume    *float64  `json:"volume,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Exchange  string    `json:"exchange,omitempty"`
	Currency  string    `json:"currency"`
}

// Position is a holding in one symbol.
type Position struct {
	Symbol        string   `json:"symbol"`
	Qty           float64  `json:"qty"`
	AvgCost       float64  `json:"avg_cost"`
	MarketPrice   *float64 `json:"market_price,omitempty"`
	MarketValue   *float64 `json:"market_value,omitempty"`
	UnrealizedPnL *float64 `json:"unrealized_pnl,omitempty"`
	Currency      string   `json:"currency"`
}

// Balance is an account-level cash and margin snapshot.
type Balance struct {
	AccountID       string   `json:"account_id"`
	NetLiquidation  *float64 `json:"net_liquidation,omitempty"`
	Cash            *float64 `json:"cash,omitempty"`
	BuyingPower     *float64 `json:"buying_power,omitempty"`
	MarginUsed      *float64 `json:"margin_used,omitempty"`
	MarginAvailable *float64 `json:"margin_available,omitempty"`
}

// PnLSummary aggregates realised and unrealised profit and loss.
type PnLSummary struct {
	Realized   float64 `json:"realized"`
	Unrealized float64 `json:"unrealized"`
	Total      float64 `json:"total"`
}

// ---------------------------------------------------------------------------
// Connection and events
// ---------------------------------------------------------------------------

// ConnectionStatus is a point-in-time health snapshot of a provider.
type ConnectionStatus struct {
	Connected   bool       `json:"connected"`
	Host        string     `json:"host"`
	Port        int        `json:"port"`
	ClientID    int        `json:"client_id"`
	AccountID   string     `json:"account_id,omitempty"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Capabilities is a fixed set of optional feature flags.
type Capabilities struct {
	History       bool `json:"history"`
	OptionChain   bool `json:"option_chain"`
	Exposure      bool `json:"exposure"`
	BracketOrders bool `json:"bracket_orders"`
	Streaming     bool `json:"streaming"`
	CancelAll     bool `json:"cancel_all"`
}

// EventTopic groups lifecycle notifications.
type EventTopic string

const (
	EventTopicConnection EventTopic = "connection"
	EventTopicOrder      EventTopic = "order"
)

// Event is a lifecycle notification. Ownership transfers to the receiver.
type Event struct {
	Topic     EventTopic     `json:"topic"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewEvent builds an event whose payload carries name under "event" merged
// with details.
func NewEvent(topic EventTopic, name string, details map[string]any) Event {
	payload := make(map[string]any, len(details)+1)
	for k, v := range details {
		payload[k] = v
	}
	payload["event"] = name
	return Event{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}
}

// Name returns the "event" entry of the payload, if any.
func (e Event) Name() string {
	s, _ := e.Payload["event"].(string)
	return s
}

// NormalizeSymbol upper-cases and trims a ticker.
func NormalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// UniqueSymbols normalizes symbols, drops blanks and duplicates, and keeps
// first-seen order.
func UniqueSymbols(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		sym := NormalizeSymbol(s)
		if sym == "" || seen[sym] {
			continue
		}
		seen[sym] = true
		out = append(out, sym)
	}
	return out
}
