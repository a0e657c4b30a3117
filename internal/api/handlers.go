package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"brokerd/internal/broker"
	"brokerd/internal/domain"
)

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Provider   string                  `json:"provider"`
	Connection domain.ConnectionStatus `json:"connection"`
}

// PlaceOrderRequest is the body of POST /api/v1/orders.
type PlaceOrderRequest struct {
	domain.OrderRequest
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// ErrorBody is the error envelope of every failed request.
type ErrorBody struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	Suggestion string         `json:"suggestion,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, StatusResponse{
		Provider:   s.engine.Provider().Name(),
		Connection: s.engine.Status(),
	})
}

func (s *Server) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.engine.Capabilities())
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	var symbols []string
	for _, v := range r.URL.Query()["symbols"] {
		symbols = append(symbols, strings.Split(v, ",")...)
	}
	if len(domain.UniqueSymbols(symbols)) == 0 {
		writeError(w, broker.NewError(broker.CodeInvalidArgs, "symbols query parameter is required"))
		return
	}
	quotes, err := s.engine.Quote(r.Context(), symbols)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(quotes))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.engine.Positions(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(positions))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	bal, err := s.engine.Balance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, bal)
}

func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	pnl, err := s.engine.PnL(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, pnl)
}

// handleOrders lists orders, optionally filtered by ?status= and ?symbol=.
func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	trades, err := s.engine.Trades(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := strings.TrimSpace(r.URL.Query().Get("status"))
	symbol := domain.NormalizeSymbol(r.URL.Query().Get("symbol"))

	out := make([]domain.TradeRecord, 0, len(trades))
	for _, t := range trades {
		if status != "" && !matchStatus(t.Status, status) {
			continue
		}
		if symbol != "" && t.Symbol != symbol {
			continue
		}
		out = append(out, t)
	}
	writeJSON(w, out)
}

// matchStatus matches a status filter. "open" selects every non-terminal
// status.
func matchStatus(st domain.OrderStatus, filter string) bool {
	switch strings.ToLower(filter) {
	case "open":
		return !st.IsTerminal()
	case "closed":
		return st.IsTerminal()
	}
	return strings.EqualFold(string(st), filter)
}

func (s *Server) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, broker.NewError(broker.CodeInvalidArgs, "invalid order body: %v", err))
		return
	}
	if err := validateOrder(&req.OrderRequest); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.engine.PlaceOrder(r.Context(), req.OrderRequest, req.ClientOrderID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func validateOrder(req *domain.OrderRequest) error {
	req.Side = domain.OrderSide(strings.ToLower(strings.TrimSpace(string(req.Side))))
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return broker.NewError(broker.CodeInvalidArgs, "side must be buy or sell, got %q", req.Side)
	}
	req.TIF = domain.TimeInForce(strings.ToUpper(strings.TrimSpace(string(req.TIF))))
	switch req.TIF {
	case "":
		req.TIF = domain.TimeInForceDay
	case domain.TimeInForceDay, domain.TimeInForceGTC, domain.TimeInForceIOC:
	default:
		return broker.NewError(broker.CodeInvalidArgs, "tif must be DAY, GTC or IOC, got %q", req.TIF)
	}
	if req.Qty <= 0 {
		return broker.NewError(broker.CodeInvalidArgs, "qty must be positive")
	}
	if domain.NormalizeSymbol(req.Symbol) == "" {
		return broker.NewError(broker.CodeInvalidArgs, "symbol is required")
	}
	return nil
}

// handleCancelOrder cancels by ?order_id= or ?client_order_id=.
func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.engine.CancelOrder(r.Context(),
		strings.TrimSpace(q.Get("client_order_id")),
		strings.TrimSpace(q.Get("order_id")))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func (s *Server) handleOrderEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.OrderHistory(r.Context(), chi.URLParam(r, "client_order_id"), queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(events))
}

func (s *Server) handleConnectionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.engine.ConnectionHistory(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(events))
}

// handleFills returns current fills from the provider, or with
// ?archived=true the archived fills between ?start= and ?end=.
func (s *Server) handleFills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if archived, _ := strconv.ParseBool(q.Get("archived")); !archived {
		fills, err := s.engine.Fills(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, nonNil(fills))
		return
	}

	end := s.now().UTC()
	start := end.AddDate(0, 0, -7)
	var err error
	if v := q.Get("start"); v != "" {
		if start, err = parseTime(v, false); err != nil {
			writeError(w, broker.NewError(broker.CodeInvalidArgs, "invalid start: %v", err))
			return
		}
	}
	if v := q.Get("end"); v != "" {
		if end, err = parseTime(v, true); err != nil {
			writeError(w, broker.NewError(broker.CodeInvalidArgs, "invalid end: %v", err))
			return
		}
	}
	fills, err := s.engine.ArchivedFills(r.Context(), start, end)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, nonNil(fills))
}

// parseTime accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Millisecond)
	}
	return t, nil
}

// handleEvents returns the most recent lifecycle events held in memory.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, nonNil(s.bus.Recent(queryInt(r, "limit", 0))))
}

func queryInt(r *http.Request, key string, def int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return def
	}
	return n
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

// writeError writes err as an ErrorBody with the HTTP status of its code.
func writeError(w http.ResponseWriter, err error) {
	body := ErrorBody{Code: "INTERNAL", Message: err.Error()}
	status := http.StatusInternalServerError

	var be *broker.Error
	if errors.As(err, &be) {
		body = ErrorBody{
			Code:       string(be.Code),
			Message:    be.Message,
			Details:    be.Details,
			Suggestion: be.Suggestion,
		}
		status = httpStatus(be.Code)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]ErrorBody{"error": body})
}

// codeUnauthorized is reported by the API itself, never by a provider.
const codeUnauthorized broker.ErrorCode = "UNAUTHORIZED"

func httpStatus(code broker.ErrorCode) int {
	switch code {
	case codeUnauthorized:
		return http.StatusUnauthorized
	case broker.CodeInvalidArgs, broker.CodeInvalidSymbol:
		return http.StatusBadRequest
	case broker.CodeRejected:
		return http.StatusUnprocessableEntity
	case broker.CodeRateLimited:
		return http.StatusTooManyRequests
	case broker.CodeTimeout:
		return http.StatusGatewayTimeout
	case broker.CodeDisconnected:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
