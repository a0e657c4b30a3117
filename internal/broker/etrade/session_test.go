package etrade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"brokerd/internal/broker"
	"brokerd/internal/config"
	"brokerd/internal/domain"
	"brokerd/internal/util"
)

// ---------------------------------------------------------------------------
// Fake E*Trade server
// ---------------------------------------------------------------------------

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	Body   []byte
	At     time.Time
}

type fakeServer struct {
	mu       sync.Mutex
	requests []recordedRequest
	routes   map[string]http.HandlerFunc
	srv      *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{routes: make(map[string]http.HandlerFunc)}
	f.handle("GET /oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "Access Token has been renewed")
	})
	f.handle("GET /v1/accounts/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"AccountListResponse": map[string]any{
				"Accounts": map[string]any{
					"Account": []any{
						map[string]any{"accountIdKey": "  "},
						map[string]any{"accountIdKey": "acct-1"},
					},
				},
			},
		})
	})
	f.srv = httptest.NewServer(f)
	t.Cleanup(f.srv.Close)
	return f
}

// handle registers h for "METHOD /path". A trailing "*" matches any suffix.
func (f *fakeServer) handle(route string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[route] = h
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Body:   body,
		At:     time.Now(),
	})
	h, ok := f.routes[key]
	if !ok {
		for route, candidate := range f.routes {
			if strings.HasSuffix(route, "*") && strings.HasPrefix(key, strings.TrimSuffix(route, "*")) {
				h, ok = candidate, true
				break
			}
		}
	}
	f.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusNotFound)
		writeJSON(w, map[string]any{"Error": map[string]any{"message": "no route " + key}})
		return
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	h(w, r)
}

func (f *fakeServer) calls() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeServer) count(method, path string) int {
	n := 0
	for _, r := range f.calls() {
		if r.Method == method && r.Path == path {
			n++
		}
	}
	return n
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func decodeBody(t *testing.T, body []byte) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decoding request body %q: %v", body, err)
	}
	return m
}

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (a *memAudit) LogConnectionEvent(_ context.Context, event string, _ map[string]any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return nil
}

type memSink struct {
	mu     sync.Mutex
	events []domain.Event
}

func (s *memSink) Publish(_ context.Context, evt domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
}

func (s *memSink) names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Name())
	}
	return out
}

type harness struct {
	server *fakeServer
	p      *Provider
	audit  *memAudit
	sink   *memSink
	cfg    config.ETrade
}

func newHarness(t *testing.T, mutate func(*config.ETrade)) *harness {
	t.Helper()
	h := &harness{server: newFakeServer(t), audit: &memAudit{}, sink: &memSink{}}
	h.cfg = config.ETrade{
		ConsumerKey:    "ck",
		ConsumerSecret: "cs",
		BaseURL:        h.server.srv.URL,
		TokenPath:      filepath.Join(t.TempDir(), "tokens.json"),
		RenewInterval:  time.Hour,
		MinRequestGap:  time.Millisecond,
	}
	if mutate != nil {
		mutate(&h.cfg)
	}
	if h.cfg.TokenPath != "" {
		if err := NewTokenStore(h.cfg.TokenPath).Save("tok", "sec"); err != nil {
			t.Fatalf("saving tokens: %v", err)
		}
	}
	h.p = New(h.cfg, config.Runtime{RequestTimeoutSeconds: 5}, broker.Deps{
		Log:    util.Discard(),
		Audit:  h.audit,
		Events: h.sink,
	})
	t.Cleanup(func() { _ = h.p.Stop(context.Background()) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func errCode(err error) broker.ErrorCode {
	return broker.CodeOf(err)
}

// ---------------------------------------------------------------------------
// Session lifecycle
// ---------------------------------------------------------------------------

func TestStartRequiresConsumerCredentials(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.ConsumerSecret = " " })
	if err := h.p.Start(context.Background()); errCode(err) != broker.CodeInvalidArgs {
		t.Fatalf("Start: code = %q, want INVALID_ARGS", errCode(err))
	}
	if n := len(h.server.calls()); n != 0 {
		t.Errorf("made %d requests, want 0", n)
	}
}

func TestStartMissingTokens(t *testing.T) {
	h := newHarness(t, nil)
	h.p.tokens = NewTokenStore(filepath.Join(t.TempDir(), "absent.json"))

	err := h.p.Start(context.Background())
	var be *broker.Error
	if !errors.As(err, &be) || be.Code != broker.CodeDisconnected {
		t.Fatalf("Start error = %v, want DISCONNECTED", err)
	}
	if !strings.Contains(be.Message, "absent.json") {
		t.Errorf("message %q does not name the token path", be.Message)
	}
	if !strings.Contains(be.Suggestion, "auth-etrade") {
		t.Errorf("suggestion = %q", be.Suggestion)
	}
	if n := len(h.server.calls()); n != 0 {
		t.Errorf("made %d requests, want 0", n)
	}
	if h.p.Status().Connected {
		t.Error("connected after failed Start")
	}
}

func TestStartConfiguredAccountSkipsDiscovery(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.AccountIDKey = "configured" })
	h.start(t)

	calls := h.server.calls()
	if len(calls) != 1 || calls[0].Path != "/oauth/renew_access_token" {
		t.Fatalf("calls = %+v, want only the renewal", calls)
	}
	st := h.p.Status()
	if !st.Connected || st.AccountID != "configured" || st.Port != 443 || st.ConnectedAt == nil {
		t.Errorf("status = %+v", st)
	}
	if st.Host != h.server.srv.URL {
		t.Errorf("host = %q, want %q", st.Host, h.server.srv.URL)
	}
	if got := h.sink.names(); len(got) != 1 || got[0] != "connected" {
		t.Errorf("events = %v, want [connected]", got)
	}
	if len(h.audit.events) != 1 {
		t.Errorf("audit events = %v", h.audit.events)
	}
}

func TestStartDiscoversAccount(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)

	if got := h.p.Status().AccountID; got != "acct-1" {
		t.Errorf("AccountID = %q, want acct-1", got)
	}
	if n := h.server.count(http.MethodGet, "/v1/accounts/list"); n != 1 {
		t.Errorf("accounts list calls = %d, want 1", n)
	}
}

func TestStartAccountDiscoveryFailureTearsDown(t *testing.T) {
	h := newHarness(t, nil)
	h.server.handle("GET /v1/accounts/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"AccountListResponse": map[string]any{"Accounts": map[string]any{"Account": "junk"}}})
	})

	err := h.p.Start(context.Background())
	if errCode(err) != broker.CodeRejected {
		t.Fatalf("Start: code = %q, want REJECTED", errCode(err))
	}
	h.p.mu.Lock()
	client := h.p.client
	h.p.mu.Unlock()
	if client != nil {
		t.Error("HTTP client left open after failed Start")
	}
	if h.p.Status().Connected {
		t.Error("connected after failed Start")
	}
}

func TestStartExpiredToken(t *testing.T) {
	h := newHarness(t, nil)
	h.server.handle("GET /oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "oauth_problem=token_rejected")
	})

	err := h.p.Start(context.Background())
	var be *broker.Error
	if !errors.As(err, &be) || be.Code != broker.CodeDisconnected {
		t.Fatalf("Start error = %v, want DISCONNECTED", err)
	}
	if expired, _ := be.Details["auth_expired"].(bool); !expired {
		t.Errorf("details = %v, want auth_expired", be.Details)
	}
	if be.Retryable() {
		t.Error("expired auth should not be retryable")
	}
	if n := h.server.count(http.MethodGet, "/v1/accounts/list"); n != 0 {
		t.Errorf("discovery ran after failed renewal")
	}
	st := h.p.Status()
	if st.Connected || !strings.Contains(st.LastError, "re-authentication required") {
		t.Errorf("status = %+v", st)
	}
}

func TestRenewLoopStopsOnAuthFailure(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) {
		c.AccountIDKey = "acct"
		c.RenewInterval = 10 * time.Millisecond
	})

	var mu sync.Mutex
	renewals := 0
	h.server.handle("GET /oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		renewals++
		n := renewals
		mu.Unlock()
		if n >= 3 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, "renewed")
	})
	h.start(t)

	waitFor(t, "disconnected event", func() bool {
		names := h.sink.names()
		return len(names) == 2 && names[1] == "disconnected"
	})

	if err := h.p.EnsureConnected(); errCode(err) != broker.CodeDisconnected {
		t.Fatalf("EnsureConnected after expiry: %v", err)
	}
	h.sink.mu.Lock()
	reason := h.sink.events[1].Payload["reason"]
	h.sink.mu.Unlock()
	if reason != "token_expired" {
		t.Errorf("reason = %v, want token_expired", reason)
	}

	mu.Lock()
	before := renewals
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	after := renewals
	mu.Unlock()
	if after != before {
		t.Errorf("renewals continued after auth failure: %d -> %d", before, after)
	}

	if err := h.p.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestRenewLoopKeepsGoingOnServerError(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) {
		c.AccountIDKey = "acct"
		c.RenewInterval = 10 * time.Millisecond
	})

	var mu sync.Mutex
	renewals := 0
	h.server.handle("GET /oauth/renew_access_token", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		renewals++
		n := renewals
		mu.Unlock()
		if n == 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "renewed")
	})
	h.start(t)

	waitFor(t, "renewals after a failure", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return renewals >= 4
	})
	if err := h.p.EnsureConnected(); err != nil {
		t.Errorf("EnsureConnected after transient renewal failure: %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.p.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	h.start(t)
	for i := 0; i < 2; i++ {
		if err := h.p.Stop(ctx); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}

	st := h.p.Status()
	if st.Connected || st.ConnectedAt != nil || st.AccountID != "" {
		t.Errorf("status after Stop = %+v", st)
	}
	if _, err := h.p.Positions(ctx); errCode(err) != broker.CodeDisconnected {
		t.Errorf("Positions after Stop: code = %q, want DISCONNECTED", errCode(err))
	}

	// A second Start rediscovers the account.
	h.start(t)
	if n := h.server.count(http.MethodGet, "/v1/accounts/list"); n != 2 {
		t.Errorf("accounts list calls = %d, want 2", n)
	}
}

func TestStartWhenConnectedIsNoop(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.AccountIDKey = "acct" })
	h.start(t)
	h.start(t)
	if n := h.server.count(http.MethodGet, "/oauth/renew_access_token"); n != 1 {
		t.Errorf("renewals = %d, want 1", n)
	}
}

// ---------------------------------------------------------------------------
// Transport behavior
// ---------------------------------------------------------------------------

func TestRequestsHonorMinimumGap(t *testing.T) {
	const gap = 60 * time.Millisecond
	h := newHarness(t, func(c *config.ETrade) {
		c.AccountIDKey = "acct"
		c.MinRequestGap = gap
	})
	h.server.handle("GET /v1/accounts/acct/portfolio", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{})
	})
	h.start(t)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := h.p.Positions(ctx); err != nil {
			t.Fatalf("Positions: %v", err)
		}
	}

	calls := h.server.calls()
	if len(calls) != 3 {
		t.Fatalf("calls = %d, want 3", len(calls))
	}
	for i := 1; i < len(calls); i++ {
		if d := calls[i].At.Sub(calls[i-1].At); d < gap-15*time.Millisecond {
			t.Errorf("gap between call %d and %d = %v, want >= %v", i-1, i, d, gap)
		}
	}
}

func TestHTTPErrorsRecordLastError(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.AccountIDKey = "acct" })
	h.start(t)

	h.server.handle("GET /v1/accounts/acct/portfolio", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})
	_, err := h.p.Positions(context.Background())
	if errCode(err) != broker.CodeRateLimited {
		t.Fatalf("429: code = %q, want RATE_LIMITED", errCode(err))
	}
	if st := h.p.Status(); !strings.Contains(st.LastError, "HTTP 429") {
		t.Errorf("LastError = %q", st.LastError)
	}

	h.server.handle("GET /v1/accounts/acct/portfolio", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"Error": map[string]any{"code": 100, "message": "bad account"}})
	})
	_, err = h.p.Positions(context.Background())
	var be *broker.Error
	if !errors.As(err, &be) || be.Code != broker.CodeRejected {
		t.Fatalf("400: err = %v, want REJECTED", err)
	}
	if be.Details["path"] != "/v1/accounts/acct/portfolio" || be.StatusCode() != 400 {
		t.Errorf("details = %v", be.Details)
	}
	if !strings.Contains(be.Message, "bad account") {
		t.Errorf("message = %q", be.Message)
	}
}

func TestNonJSONResponseIsRejected(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.AccountIDKey = "acct" })
	h.start(t)
	h.server.handle("GET /v1/accounts/acct/portfolio", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>maintenance</html>")
	})

	_, err := h.p.Positions(context.Background())
	if errCode(err) != broker.CodeRejected {
		t.Fatalf("code = %q, want REJECTED", errCode(err))
	}
	if !strings.Contains(h.p.Status().LastError, "non-JSON") {
		t.Errorf("LastError = %q", h.p.Status().LastError)
	}
}

func TestTrailingContentAfterJSONIsRejected(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.AccountIDKey = "acct" })
	h.start(t)
	h.server.handle("GET /v1/market/quote/AAPL", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"QuoteResponse":{"QuoteData":[{"Product":{"symbol":"AAPL"},"All":{"lastTrade":10}}]}}<html>oops`)
	})

	quotes, err := h.p.Quote(context.Background(), []string{"AAPL"})
	if errCode(err) != broker.CodeRejected {
		t.Fatalf("Quote = %v, %v; want REJECTED", quotes, err)
	}
	if !strings.Contains(h.p.Status().LastError, "non-JSON") {
		t.Errorf("LastError = %q", h.p.Status().LastError)
	}
}

func TestZeroMinRequestGapUsesDefault(t *testing.T) {
	p := New(config.ETrade{}, config.Runtime{}, broker.Deps{Log: util.Discard()})
	if got := p.limiter.MinGap(); got != defaultMinRequestGap {
		t.Errorf("MinGap = %v, want %v", got, defaultMinRequestGap)
	}
	if p.cfg.RenewInterval != defaultRenewInterval {
		t.Errorf("RenewInterval = %v, want %v", p.cfg.RenewInterval, defaultRenewInterval)
	}
}

func TestUnreachableHostIsDisconnected(t *testing.T) {
	h := newHarness(t, func(c *config.ETrade) { c.AccountIDKey = "acct" })
	h.server.srv.Close()

	err := h.p.Start(context.Background())
	if errCode(err) != broker.CodeDisconnected {
		t.Fatalf("code = %q, want DISCONNECTED", errCode(err))
	}
	if h.p.Status().Connected {
		t.Error("connected with an unreachable host")
	}
}
