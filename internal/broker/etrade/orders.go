package etrade

import (
	"context"
	"math"
	"net/http"
	"strings"
	"time"

	"brokerd/internal/broker"
	"brokerd/internal/domain"
)

var orderTerms = map[domain.TimeInForce]string{
	domain.TimeInForceDay: "GOOD_FOR_DAY",
	domain.TimeInForceGTC: "GOOD_UNTIL_CANCEL",
	domain.TimeInForceIOC: "IMMEDIATE_OR_CANCEL",
}

func orderTerm(tif domain.TimeInForce) string {
	if term, ok := orderTerms[domain.TimeInForce(strings.ToUpper(string(tif)))]; ok {
		return term
	}
	return "GOOD_FOR_DAY"
}

// orderBody builds the inner order request shared by preview and place.
func orderBody(req domain.OrderRequest, clientOrderID string) map[string]any {
	item := map[string]any{
		"allOrNone": "false",
		"priceType": string(req.Type()),
		"orderTerm": orderTerm(req.TIF),
		"Instrument": []any{map[string]any{
			"Product": map[string]any{
				"securityType": "EQ",
				"symbol":       domain.NormalizeSymbol(req.Symbol),
			},
			"orderAction":  strings.ToUpper(string(req.Side)),
			"quantityType": "QUANTITY",
			"quantity":     math.Abs(req.Qty),
		}},
	}
	if req.Limit != nil {
		item["limitPrice"] = *req.Limit
	}
	if req.Stop != nil {
		item["stopPrice"] = *req.Stop
	}
	return map[string]any{
		"orderType":     "EQ",
		"clientOrderId": clientOrderID,
		"Order":         []any{item},
	}
}

// PlaceOrder previews the order, then places it with the returned preview
// id. Without a preview id nothing is placed.
func (p *Provider) PlaceOrder(ctx context.Context, req domain.OrderRequest, clientOrderID string) (*domain.OrderResult, error) {
	if domain.NormalizeSymbol(req.Symbol) == "" || req.Qty == 0 {
		return nil, broker.NewError(broker.CodeInvalidArgs, "order requires a symbol and non-zero qty")
	}
	account, err := p.requireAccount(ctx)
	if err != nil {
		return nil, err
	}
	ordersPath := "/v1/accounts/" + account + "/orders"

	body := orderBody(req, clientOrderID)
	preview, err := p.requestJSON(ctx, http.MethodPost, ordersPath+"/preview", nil,
		map[string]any{"PreviewOrderRequest": body}, "order_preview", true)
	if err != nil {
		return nil, err
	}
	previewID := extractPreviewID(preview)
	if previewID == "" {
		return nil, broker.NewError(broker.CodeRejected, "order preview failed: previewId missing in response").
			WithDetail("operation", "order_preview")
	}

	place := make(map[string]any, len(body)+1)
	for k, v := range body {
		place[k] = v
	}
	place["previewIds"] = []any{map[string]any{"previewId": numberOrString(previewID)}}

	placed, err := p.requestJSON(ctx, http.MethodPost, ordersPath+"/place", nil,
		map[string]any{"PlaceOrderRequest": place}, "order_place", true)
	if err != nil {
		return nil, err
	}

	return &domain.OrderResult{
		OrderID:       extractOrderID(placed),
		ClientOrderID: clientOrderID,
		Status:        normalizeStatus(extractPlaceStatus(placed)),
	}, nil
}

// CancelOrder cancels by order id, or by the first order in the listing with
// a matching client order id.
func (p *Provider) CancelOrder(ctx context.Context, clientOrderID, orderID string) (*domain.CancelResult, error) {
	orderID = strings.TrimSpace(orderID)
	clientOrderID = strings.TrimSpace(clientOrderID)
	if orderID == "" && clientOrderID == "" {
		return nil, broker.NewError(broker.CodeInvalidArgs, "cancel_order requires client_order_id or order_id")
	}
	account, err := p.requireAccount(ctx)
	if err != nil {
		return nil, err
	}

	if orderID == "" {
		rows, err := p.listOrders(ctx, account)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if row.ClientOrderID == clientOrderID && row.OrderID != "" {
				orderID = row.OrderID
				break
			}
		}
		if orderID == "" {
			return &domain.CancelResult{Cancelled: false}, nil
		}
	}

	resp, err := p.requestJSON(ctx, http.MethodPut, "/v1/accounts/"+account+"/orders/cancel", nil,
		map[string]any{"CancelOrderRequest": map[string]any{"orderId": numberOrString(orderID)}},
		"cancel_order", true)
	if err != nil {
		return nil, err
	}
	return &domain.CancelResult{
		Cancelled: extractCancelled(resp, !p.cfg.StrictCancelStatus),
		OrderID:   orderID,
	}, nil
}

func (p *Provider) listOrders(ctx context.Context, account string) ([]orderRow, error) {
	payload, err := p.requestJSON(ctx, http.MethodGet, "/v1/accounts/"+account+"/orders", nil, nil, "orders_list", true)
	if err != nil {
		return nil, err
	}
	raw := orderRows(payload)
	rows := make([]orderRow, 0, len(raw))
	for _, r := range raw {
		rows = append(rows, parseOrderRow(r))
	}
	return rows, nil
}

// Trades lists the account's orders.
func (p *Provider) Trades(ctx context.Context) ([]domain.TradeRecord, error) {
	account, err := p.requireAccount(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := p.listOrders(ctx, account)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TradeRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.TradeRecord{
			OrderID:       r.OrderID,
			ClientOrderID: r.ClientOrderID,
			Symbol:        r.Symbol,
			Status:        r.Status,
			Action:        r.Action,
			Qty:           r.Qty,
			Filled:        r.Filled,
			Remaining:     r.Remaining,
			AvgFillPrice:  r.AvgFillPrice,
		})
	}
	return out, nil
}

// Fills derives one fill per order that is filled or partially filled. The
// listing carries no execution times, so fills are stamped with the time of
// the call.
func (p *Provider) Fills(ctx context.Context) ([]domain.FillRecord, error) {
	account, err := p.requireAccount(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := p.listOrders(ctx, account)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var out []domain.FillRecord
	for _, r := range rows {
		if r.Status != domain.OrderStatusFilled && r.Filled <= 0 {
			continue
		}
		qty := r.Filled
		if qty <= 0 {
			qty = r.Qty
		}
		out = append(out, domain.FillRecord{
			FillID:        r.OrderID,
			ClientOrderID: r.ClientOrderID,
			OrderID:       r.OrderID,
			Symbol:        r.Symbol,
			Qty:           qty,
			Price:         r.AvgFillPrice,
			Timestamp:     now,
		})
	}
	return out, nil
}
