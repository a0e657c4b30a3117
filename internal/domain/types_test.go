package domain

import "testing"

func TestTypesExist(t *testing.T) {
	// Verify OrderRequest can be instantiated with zero values.
	req := OrderRequest{}
	if req.Symbol != "" {
		t.Error("expected empty Symbol for zero-value OrderRequest")
	}
	if req.Limit != nil || req.Stop != nil {
		t.Error("expected nil prices for zero-value OrderRequest")
	}

	// Verify enum constants are defined correctly.
	if OrderSideBuy != "buy" {
		t.Errorf("OrderSideBuy = %q, want %q", OrderSideBuy, "buy")
	}
	if TimeInForceDay != "DAY" {
		t.Errorf("TimeInForceDay = %q, want %q", TimeInForceDay, "DAY")
	}

	pos := Position{Symbol: "AAPL", Qty: 100, Currency: "USD"}
	if pos.MarketValue != nil {
		t.Error("expected nil MarketValue for unset Position field")
	}
}

func TestOrderRequestType(t *testing.T) {
	price := 10.0
	tests := []struct {
		name string
		req  OrderRequest
		want OrderType
	}{
		{"market", OrderRequest{}, OrderTypeMarket},
		{"limit", OrderRequest{Limit: &price}, OrderTypeLimit},
		{"stop", OrderRequest{Stop: &price}, OrderTypeStop},
		{"stop limit", OrderRequest{Limit: &price, Stop: &price}, OrderTypeStopLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.req.Type(); got != tt.want {
				t.Errorf("Type() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	for _, s := range []OrderStatus{OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusInactive} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderStatusPendingSubmit, OrderStatusSubmitted, OrderStatusAcknowledged} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
	if OrderStatus("PARTIAL").Known() {
		t.Error("PARTIAL should not be a known status")
	}
}

func TestNewEvent(t *testing.T) {
	details := map[string]any{"host": "api.example.com"}
	e := NewEvent(EventTopicConnection, "connected", details)

	if e.Name() != "connected" {
		t.Errorf("Name() = %q, want %q", e.Name(), "connected")
	}
	if e.Payload["host"] != "api.example.com" {
		t.Errorf("payload host = %v", e.Payload["host"])
	}
	if _, ok := details["event"]; ok {
		t.Error("NewEvent must not mutate the details map")
	}
}

func TestUniqueSymbols(t *testing.T) {
	got := UniqueSymbols([]string{" aapl", "MSFT", "", "AAPL", "  ", "msft", "ibm"})
	want := []string{"AAPL", "MSFT", "IBM"}
	if len(got) != len(want) {
		t.Fatalf("UniqueSymbols() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("UniqueSymbols()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
