// Package etrade implements broker.Provider against the E*Trade REST API.
// Requests are signed with OAuth1 using an access token pair that
// `broker-cli auth-etrade` writes to disk; the session renews the token
// periodically for as long as it is connected.
package etrade

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dghubble/oauth1"

	"brokerd/internal/broker"
	"brokerd/internal/config"
	"brokerd/internal/domain"
	"brokerd/internal/util"
)

// Compile-time interface check.
var _ broker.Provider = (*Provider)(nil)

const (
	defaultRenewInterval = 90 * time.Minute
	defaultMinRequestGap = 200 * time.Millisecond
)

type sessionState int

const (
	stateDisconnected sessionState = iota
	stateConnecting
	stateConnected
)

// Provider is an E*Trade brokerage session.
type Provider struct {
	cfg     config.ETrade
	timeout time.Duration
	apiBase string
	oauth   *oauth1.Config
	tokens  *TokenStore
	limiter *util.RateLimiter
	notify  *broker.Notifier
	log     *slog.Logger

	// transport is the base round tripper under the OAuth1 signer.
	transport func() *http.Transport

	mu           sync.Mutex
	state        sessionState
	client       *http.Client
	base         *http.Transport
	creds        Credentials
	tokenValid   bool
	accountIDKey string
	connectedAt  *time.Time
	lastError    string
	renewCancel  context.CancelFunc
	renewDone    chan struct{}
}

// New creates a disconnected Provider. Call Start to connect.
func New(cfg config.ETrade, rt config.Runtime, deps broker.Deps) *Provider {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = defaultRenewInterval
	}
	if cfg.MinRequestGap <= 0 {
		cfg.MinRequestGap = defaultMinRequestGap
	}
	timeout := rt.RequestTimeout()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Provider{
		cfg:          cfg,
		timeout:      timeout,
		apiBase:      APIBase(cfg),
		oauth:        oauthConfig(cfg, timeout),
		tokens:       NewTokenStore(cfg.TokenPath),
		limiter:      util.NewRateLimiter(cfg.MinRequestGap),
		notify:       broker.NewNotifier("etrade", deps),
		log:          log.With("provider", "etrade"),
		transport:    defaultTransport,
		accountIDKey: strings.TrimSpace(cfg.AccountIDKey),
	}
}

func defaultTransport() *http.Transport {
	return http.DefaultTransport.(*http.Transport).Clone()
}

// Name returns "etrade".
func (p *Provider) Name() string {
	return "etrade"
}

// Capabilities reports that none of the optional features are available.
func (p *Provider) Capabilities() domain.Capabilities {
	return domain.Capabilities{}
}

// Start loads the saved token pair, renews it once to prove it is live,
// resolves the account and starts the renewal loop. On any failure the
// HTTP client is released and the provider stays disconnected.
func (p *Provider) Start(ctx context.Context) error {
	if err := validateConsumer(p.cfg); err != nil {
		return err
	}
	if p.EnsureConnected() == nil {
		return nil
	}
	// Drop any leftovers of a session the renewal loop gave up on.
	_ = p.Stop(ctx)

	creds, ok := p.tokens.Load()
	if !ok {
		return broker.NewError(broker.CodeDisconnected, "missing E*Trade OAuth tokens at %s", p.tokens.Path()).
			WithSuggestion(authSuggestion)
	}

	p.mu.Lock()
	p.state = stateConnecting
	p.creds = creds
	p.tokenValid = true
	p.client, p.base = p.buildClient(creds)
	p.mu.Unlock()

	if err := p.renew(ctx, true); err != nil {
		p.abort()
		return err
	}
	if err := p.discoverAccount(ctx); err != nil {
		p.abort()
		return err
	}

	now := time.Now().UTC()
	renewCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.mu.Lock()
	p.state = stateConnected
	p.connectedAt = &now
	p.lastError = ""
	p.renewCancel, p.renewDone = cancel, done
	account := p.accountIDKey
	p.mu.Unlock()

	go p.renewLoop(renewCtx, done)

	p.notify.Connection(ctx, "connected", map[string]any{
		"host":           p.apiBase,
		"account_id_key": account,
	})
	return nil
}

func (p *Provider) buildClient(creds Credentials) (*http.Client, *http.Transport) {
	base := p.transport()
	ctx := context.WithValue(context.Background(), oauth1.HTTPClient, &http.Client{Transport: base})
	client := p.oauth.Client(ctx, oauth1.NewToken(creds.Token, creds.Secret))
	client.Timeout = p.timeout
	return client, base
}

// abort undoes a failed Start.
func (p *Provider) abort() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeClientLocked()
	p.tokenValid = false
	p.state = stateDisconnected
}

func (p *Provider) closeClientLocked() {
	if p.base != nil {
		p.base.CloseIdleConnections()
	}
	p.client, p.base = nil, nil
}

// Stop ends the renewal loop and releases the HTTP client. It is safe to call
// repeatedly and before Start.
func (p *Provider) Stop(_ context.Context) error {
	p.mu.Lock()
	cancel, done := p.renewCancel, p.renewDone
	p.renewCancel, p.renewDone = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeClientLocked()
	p.state = stateDisconnected
	p.connectedAt = nil
	p.tokenValid = false
	p.accountIDKey = strings.TrimSpace(p.cfg.AccountIDKey)
	return nil
}

func (p *Provider) connectedLocked() bool {
	return p.state == stateConnected &&
		p.client != nil &&
		p.tokenValid &&
		p.creds.Token != "" &&
		p.creds.Secret != ""
}

// EnsureConnected fails with DISCONNECTED unless the session is fully up.
func (p *Provider) EnsureConnected() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connectedLocked() {
		return nil
	}
	return broker.NewError(broker.CodeDisconnected, "daemon is not connected to E*Trade").
		WithDetail("host", p.apiBase).
		WithDetail("last_error", p.lastError).
		WithSuggestion(authSuggestion)
}

// Status returns a snapshot of the session.
func (p *Provider) Status() domain.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.ConnectionStatus{
		Connected:   p.connectedLocked(),
		Host:        p.apiBase,
		Port:        443,
		AccountID:   p.accountIDKey,
		ConnectedAt: p.connectedAt,
		LastError:   p.lastError,
	}
}

// renew calls the token renewal endpoint. A 401 or 403 invalidates the
// session token and is reported as an expired-auth DISCONNECTED error.
func (p *Provider) renew(ctx context.Context, initial bool) error {
	_, err := p.request(ctx, http.MethodGet, "/oauth/renew_access_token", nil, nil, "renew_access_token", false)
	if err == nil {
		p.mu.Lock()
		p.tokenValid = true
		p.mu.Unlock()
		return nil
	}

	var be *broker.Error
	if !errors.As(err, &be) || !be.AuthFailure() {
		return err
	}
	msg := "E*Trade access token is expired or revoked"
	if initial {
		msg = "saved E*Trade access token is expired; re-authentication required"
	}
	p.mu.Lock()
	p.tokenValid = false
	p.lastError = msg
	p.mu.Unlock()
	return broker.NewError(broker.CodeDisconnected, "%s", msg).
		WithDetail("auth_expired", true).
		WithDetail("status_code", be.StatusCode()).
		WithSuggestion(authSuggestion).
		Wrap(err)
}

func (p *Provider) renewLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.RenewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		err := p.renew(ctx, false)
		if err == nil {
			p.log.Debug("renewed access token")
			continue
		}
		if ctx.Err() != nil {
			return
		}

		var be *broker.Error
		if errors.As(err, &be) {
			p.setLastError(be.Message)
			if be.AuthFailure() {
				p.mu.Lock()
				p.state = stateDisconnected
				p.mu.Unlock()
				p.log.Warn("access token expired, stopping renewal", "error", err)
				p.notify.Connection(context.Background(), "disconnected", map[string]any{"reason": "token_expired"})
				return
			}
		}
		p.log.Warn("renewing access token", "error", err)
	}
}

// discoverAccount resolves the account id key unless one is already set.
func (p *Provider) discoverAccount(ctx context.Context) error {
	p.mu.Lock()
	known := p.accountIDKey
	p.mu.Unlock()
	if known != "" {
		return nil
	}

	payload, err := p.requestJSON(ctx, http.MethodGet, "/v1/accounts/list", nil, nil, "accounts_list", false)
	if err != nil {
		return err
	}
	for _, row := range accountRows(payload) {
		if key := firstString(row["accountIdKey"]); key != "" {
			p.mu.Lock()
			p.accountIDKey = key
			p.mu.Unlock()
			return nil
		}
	}
	return broker.NewError(broker.CodeRejected, "unable to discover E*Trade accountIdKey from /v1/accounts/list").
		WithSuggestion("Verify your account has brokerage access and API permissions.")
}

// requireAccount checks the session and returns the account id key.
func (p *Provider) requireAccount(ctx context.Context) (string, error) {
	if err := p.EnsureConnected(); err != nil {
		return "", err
	}
	if err := p.discoverAccount(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.accountIDKey == "" {
		return "", broker.NewError(broker.CodeRejected, "E*Trade accountIdKey is unavailable")
	}
	return p.accountIDKey, nil
}

func (p *Provider) setLastError(msg string) {
	p.mu.Lock()
	p.lastError = msg
	p.mu.Unlock()
}
