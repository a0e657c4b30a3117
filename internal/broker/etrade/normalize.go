package etrade

import (
	"encoding/json"
	"strconv"
	"strings"

	"brokerd/internal/domain"
)

// E*Trade returns any repeated element either as a single object or as a
// list, depending on how many there are. Every accessor below coerces to a
// list first and drops entries that are not objects.

func asList(v any) []any {
	switch x := v.(type) {
	case nil:
		return nil
	case []any:
		return x
	default:
		return []any{x}
	}
}

func objects(v any) []map[string]any {
	var out []map[string]any
	for _, item := range asList(v) {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// obj returns m[key] when it is an object, otherwise an empty map.
func obj(m map[string]any, key string) map[string]any {
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return map[string]any{}
}

func first(rows []map[string]any) map[string]any {
	if len(rows) == 0 {
		return map[string]any{}
	}
	return rows[0]
}

// floatOf parses numbers and numeric strings. Missing or non-numeric values
// report false; zero is a present value.
func floatOf(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// firstFloat returns the first candidate that parses as a number.
func firstFloat(candidates ...any) (float64, bool) {
	for _, c := range candidates {
		if f, ok := floatOf(c); ok {
			return f, true
		}
	}
	return 0, false
}

func floatOr(def float64, candidates ...any) float64 {
	if f, ok := firstFloat(candidates...); ok {
		return f
	}
	return def
}

func floatPtr(candidates ...any) *float64 {
	if f, ok := firstFloat(candidates...); ok {
		return &f
	}
	return nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case json.Number:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return ""
}

// firstString returns the first candidate with non-blank text, trimmed.
func firstString(candidates ...any) string {
	for _, c := range candidates {
		if s := strings.TrimSpace(stringOf(c)); s != "" {
			return s
		}
	}
	return ""
}

// numberOrString sends numeric ids back as JSON numbers, the form E*Trade
// returned them in.
func numberOrString(s string) any {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(s)
	}
	return s
}

// ---------------------------------------------------------------------------
// Status vocabulary
// ---------------------------------------------------------------------------

var statusTable = map[string]domain.OrderStatus{
	"OPEN":           domain.OrderStatusSubmitted,
	"WORKING":        domain.OrderStatusSubmitted,
	"ACKNOWLEDGED":   domain.OrderStatusAcknowledged,
	"PENDING":        domain.OrderStatusPendingSubmit,
	"PENDING_SUBMIT": domain.OrderStatusPendingSubmit,
	"PENDING CANCEL": domain.OrderStatusPendingSubmit,
	"PENDING_CANCEL": domain.OrderStatusPendingSubmit,
	"EXECUTED":       domain.OrderStatusFilled,
	"FILLED":         domain.OrderStatusFilled,
	"CANCELED":       domain.OrderStatusCancelled,
	"CANCELLED":      domain.OrderStatusCancelled,
	"REJECTED":       domain.OrderStatusRejected,
	"INACTIVE":       domain.OrderStatusInactive,
}

// normalizeStatus maps E*Trade status vocabulary onto the canonical enum,
// ignoring case. An empty status is PendingSubmit; an unrecognized one is
// returned unchanged.
func normalizeStatus(raw string) domain.OrderStatus {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if key == "" {
		return domain.OrderStatusPendingSubmit
	}
	if st, ok := statusTable[key]; ok {
		return st
	}
	return domain.OrderStatus(strings.TrimSpace(raw))
}

// ---------------------------------------------------------------------------
// Response envelopes
// ---------------------------------------------------------------------------

func quoteRows(payload map[string]any) []map[string]any {
	return objects(obj(payload, "QuoteResponse")["QuoteData"])
}

func accountRows(payload map[string]any) []map[string]any {
	return objects(obj(obj(payload, "AccountListResponse"), "Accounts")["Account"])
}

func positionRows(payload map[string]any) []map[string]any {
	var rows []map[string]any
	for _, portfolio := range objects(obj(payload, "PortfolioResponse")["AccountPortfolio"]) {
		rows = append(rows, objects(portfolio["Position"])...)
	}
	return rows
}

func orderRows(payload map[string]any) []map[string]any {
	return objects(obj(payload, "OrdersResponse")["Order"])
}

// extractID finds an id inside payload[envelope]: first in the list field
// (objects keyed by one of keys, then bare scalars), then at the top level
// of the envelope under keys.
func extractID(payload map[string]any, envelope, listField string, keys ...string) string {
	resp, ok := payload[envelope].(map[string]any)
	if !ok {
		return ""
	}
	items := asList(resp[listField])
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			for _, k := range keys {
				if id := firstString(m[k]); id != "" {
					return id
				}
			}
		}
	}
	for _, item := range items {
		if _, isObj := item.(map[string]any); isObj {
			continue
		}
		if id := firstString(item); id != "" {
			return id
		}
	}
	for _, k := range keys {
		if id := firstString(resp[k]); id != "" {
			return id
		}
	}
	return ""
}

func extractPreviewID(payload map[string]any) string {
	return extractID(payload, "PreviewOrderResponse", "PreviewIds", "previewId", "PreviewId")
}

func extractOrderID(payload map[string]any) string {
	return extractID(payload, "PlaceOrderResponse", "OrderIds", "orderId", "OrderId")
}

// extractPlaceStatus returns the raw status of a place response, defaulting
// to Submitted.
func extractPlaceStatus(payload map[string]any) string {
	resp := obj(payload, "PlaceOrderResponse")
	if s := firstString(resp["orderStatus"], resp["OrderStatus"], resp["status"], resp["Status"]); s != "" {
		return s
	}
	return string(domain.OrderStatusSubmitted)
}

// extractCancelled reads the cancel outcome. Recognized success or failure
// words decide it; anything else yields def.
func extractCancelled(payload map[string]any, def bool) bool {
	resp, ok := payload["CancelOrderResponse"].(map[string]any)
	if !ok {
		return def
	}
	for _, k := range []string{"cancelStatus", "CancelStatus", "status", "Status"} {
		v, present := resp[k]
		if !present || v == nil {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(stringOf(v))) {
		case "success", "ok", "cancelled", "canceled":
			return true
		case "failed", "error":
			return false
		}
	}
	return def
}

// orderRow is one entry of the orders listing, flattened.
type orderRow struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        domain.OrderStatus
	Action        string
	Qty           float64
	Filled        float64
	Remaining     float64
	AvgFillPrice  float64
}

func parseOrderRow(order map[string]any) orderRow {
	details := objects(order["OrderDetail"])
	detail := first(details)
	instrument := first(objects(detail["Instrument"]))
	product := obj(instrument, "Product")

	qty := floatOr(0, instrument["quantity"], instrument["orderedQuantity"], detail["orderedQuantity"], order["orderedQuantity"])
	filled := floatOr(0, instrument["filledQuantity"], detail["filledQuantity"], order["filledQuantity"])
	remaining := qty - filled
	if remaining < 0 {
		remaining = 0
	}

	return orderRow{
		OrderID:       firstString(order["orderId"], detail["orderId"]),
		ClientOrderID: firstString(order["clientOrderId"], detail["clientOrderId"]),
		Symbol:        strings.ToUpper(firstString(product["symbol"], detail["symbol"], order["symbol"])),
		Status:        rowStatus(order, details),
		Action:        firstString(instrument["orderAction"], detail["orderAction"]),
		Qty:           qty,
		Filled:        filled,
		Remaining:     remaining,
		AvgFillPrice: floatOr(0,
			instrument["averageExecutionPrice"],
			detail["averageExecutionPrice"],
			detail["executedPrice"],
			order["averageExecutionPrice"],
		),
	}
}

// rowStatus picks the order's status from the order and its details. A
// terminal status anywhere in the row wins over a working one so a filled
// or cancelled order never reads as open.
func rowStatus(order map[string]any, details []map[string]any) domain.OrderStatus {
	candidates := []string{stringOf(order["status"])}
	for _, d := range details {
		candidates = append(candidates, stringOf(d["status"]))
	}

	var chosen domain.OrderStatus
	for _, raw := range candidates {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		st := normalizeStatus(raw)
		if st.IsTerminal() {
			return st
		}
		if chosen == "" {
			chosen = st
		}
	}
	if chosen == "" {
		return domain.OrderStatusPendingSubmit
	}
	return chosen
}

func chunk(values []string, size int) [][]string {
	var out [][]string
	for len(values) > size {
		out = append(out, values[:size])
		values = values[size:]
	}
	if len(values) > 0 {
		out = append(out, values)
	}
	return out
}
