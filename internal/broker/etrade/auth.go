package etrade

import (
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dghubble/oauth1"

	"brokerd/internal/broker"
	"brokerd/internal/config"
)

const (
	sandboxBase    = "https://apisb.etrade.com"
	productionBase = "https://api.etrade.com"
	authorizeBase  = "https://us.etrade.com/e/t/etws/authorize"

	authSuggestion = "Run `broker-cli auth-etrade` to create fresh E*Trade tokens."
)

// APIBase returns the REST host for cfg: the explicit base URL when set,
// otherwise the sandbox or production host.
func APIBase(cfg config.ETrade) string {
	if cfg.BaseURL != "" {
		return strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.Sandbox {
		return sandboxBase
	}
	return productionBase
}

// AuthorizeURL returns the page where the account holder approves
// requestToken and receives a verifier code.
func AuthorizeURL(consumerKey, requestToken string) string {
	q := url.Values{"key": {consumerKey}, "token": {requestToken}}
	return authorizeBase + "?" + q.Encode()
}

func validateConsumer(cfg config.ETrade) error {
	if strings.TrimSpace(cfg.ConsumerKey) != "" && strings.TrimSpace(cfg.ConsumerSecret) != "" {
		return nil
	}
	return broker.NewError(broker.CodeInvalidArgs, "E*Trade consumer_key and consumer_secret are required").
		WithSuggestion("Set etrade.consumer_key and etrade.consumer_secret in config or env.")
}

func oauthConfig(cfg config.ETrade, timeout time.Duration) *oauth1.Config {
	base := APIBase(cfg)
	return &oauth1.Config{
		ConsumerKey:    cfg.ConsumerKey,
		ConsumerSecret: cfg.ConsumerSecret,
		CallbackURL:    "oob",
		Endpoint: oauth1.Endpoint{
			RequestTokenURL: base + "/oauth/request_token",
			AuthorizeURL:    authorizeBase,
			AccessTokenURL:  base + "/oauth/access_token",
		},
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Authenticator runs the three-legged OAuth1 flow that produces the access
// token pair a Provider loads at start.
type Authenticator struct {
	consumerKey string
	oauth       *oauth1.Config
}

// NewAuthenticator validates the consumer credentials and returns an
// Authenticator for the configured host.
func NewAuthenticator(cfg config.ETrade, timeout time.Duration) (*Authenticator, error) {
	if err := validateConsumer(cfg); err != nil {
		return nil, err
	}
	return &Authenticator{
		consumerKey: cfg.ConsumerKey,
		oauth:       oauthConfig(cfg, timeout),
	}, nil
}

// RequestToken obtains a temporary request token pair.
func (a *Authenticator) RequestToken() (Credentials, error) {
	token, secret, err := a.oauth.RequestToken()
	if err != nil {
		return Credentials{}, oauthError("request_token", err, "Verify E*Trade consumer credentials and retry.")
	}
	return checkPair("request_token", token, secret, "Verify E*Trade consumer credentials and retry.")
}

// AuthorizeURL returns the approval page for requestToken.
func (a *Authenticator) AuthorizeURL(requestToken string) string {
	return AuthorizeURL(a.consumerKey, requestToken)
}

// AccessToken exchanges an approved request token and its verifier for an
// access token pair.
func (a *Authenticator) AccessToken(request Credentials, verifier string) (Credentials, error) {
	token, secret, err := a.oauth.AccessToken(request.Token, request.Secret, strings.TrimSpace(verifier))
	if err != nil {
		return Credentials{}, oauthError("access_token", err, "Ensure the verifier code is valid and not expired.")
	}
	return checkPair("access_token", token, secret, "Ensure the verifier code is valid and retry auth.")
}

func checkPair(operation, token, secret, suggestion string) (Credentials, error) {
	token, secret = strings.TrimSpace(token), strings.TrimSpace(secret)
	if token == "" || secret == "" {
		return Credentials{}, broker.NewError(broker.CodeRejected, "%s failed: missing oauth token in response", operation).
			WithSuggestion(suggestion)
	}
	return Credentials{Token: token, Secret: secret, SavedAt: time.Now().UTC()}, nil
}

// oauthError maps token-endpoint failures: network problems go through the
// transport mapping, anything else means the endpoint refused us.
func oauthError(operation string, err error, suggestion string) error {
	var ne net.Error
	var ue *url.Error
	if errors.As(err, &ne) || errors.As(err, &ue) {
		return broker.TransportError(operation, err)
	}
	return broker.NewError(broker.CodeRejected, "%s failed: %v", operation, err).
		WithDetail("operation", operation).
		WithSuggestion(suggestion).
		Wrap(err)
}
