package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the broker daemon.
type Config struct {
	Provider string  `yaml:"provider"`
	ETrade   ETrade  `yaml:"etrade"`
	Alpaca   Alpaca  `yaml:"alpaca"`
	Runtime  Runtime `yaml:"runtime"`
	Server   Server  `yaml:"server"`
	Storage  Storage `yaml:"storage"`
	Logging  Logging `yaml:"logging"`
}

// ETrade holds OAuth consumer credentials and session tuning for the
// E*Trade REST provider.
type ETrade struct {
	ConsumerKey    string `yaml:"consumer_key"`
	ConsumerSecret string `yaml:"consumer_secret"`
	Sandbox        bool   `yaml:"sandbox"`
	TokenPath      string `yaml:"token_path"`
	AccountIDKey   string `yaml:"account_id_key"`
	// BaseURL overrides the sandbox/production API host when set.
	BaseURL       string        `yaml:"base_url"`
	RenewInterval time.Duration `yaml:"renew_interval"`
	MinRequestGap time.Duration `yaml:"min_request_gap"`
	// StrictCancelStatus treats an unrecognised cancel status as a failure
	// instead of a success.
	StrictCancelStatus bool `yaml:"strict_cancel_status"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Runtime holds daemon-wide request settings.
type Runtime struct {
	RequestTimeoutSeconds int  `yaml:"request_timeout_seconds"`
	StartAttempts         int  `yaml:"start_attempts"`
	PaperMode             bool `yaml:"paper_mode"`
}

// RequestTimeout returns the per-request HTTP timeout.
func (r Runtime) RequestTimeout() time.Duration {
	return time.Duration(r.RequestTimeoutSeconds) * time.Second
}

// Server holds network listener configuration.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	GRPCPort int    `yaml:"grpc_port"`
	// AuthSecret, when set, requires HS256 bearer tokens on the trading API.
	AuthSecret string `yaml:"auth_secret"`
}

// Addr returns the HTTP listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GRPCAddr returns the gRPC listen address, or "" when gRPC is disabled
// (grpc_port 0).
func (s Server) GRPCAddr() string {
	if s.GRPCPort <= 0 {
		return ""
	}
	return fmt.Sprintf("%s:%d", s.Host, s.GRPCPort)
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir      string `yaml:"data_dir"`
	AuditDB      string `yaml:"audit_db"`
	ArchiveFills bool   `yaml:"archive_fills"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Provider: "etrade",
		ETrade: ETrade{
			TokenPath:     "~/.config/broker/etrade_tokens.json",
			RenewInterval: 90 * time.Minute,
			MinRequestGap: 200 * time.Millisecond,
		},
		Alpaca: Alpaca{
			BaseURL: "https://paper-api.alpaca.markets",
		},
		Runtime: Runtime{
			RequestTimeoutSeconds: 20,
			StartAttempts:         3,
		},
		Server: Server{
			Host:     "127.0.0.1",
			Port:     8765,
			GRPCPort: 8766,
		},
		Storage: Storage{
			DataDir: "data",
			AuditDB: "data/audit.db",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML configuration file at the given path over the
// defaults, then applies environment variable overrides. A missing file is
// not an error; the defaults plus environment are used.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields every provider relies on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Provider) == "" {
		errs = append(errs, errors.New("provider is required"))
	}
	if c.Runtime.RequestTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("runtime.request_timeout_seconds must be positive"))
	}
	if c.ETrade.RenewInterval <= 0 {
		errs = append(errs, errors.New("etrade.renew_interval must be positive"))
	}
	if c.ETrade.MinRequestGap < 0 {
		errs = append(errs, errors.New("etrade.min_request_gap must not be negative"))
	}
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be positive"))
	}
	return errors.Join(errs...)
}

// ExpandPath resolves a leading "~" against the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BROKER_PROVIDER"); v != "" {
		cfg.Provider = v
	}

	if v := os.Getenv("BROKER_ETRADE_CONSUMER_KEY"); v != "" {
		cfg.ETrade.ConsumerKey = v
	}
	if v := os.Getenv("BROKER_ETRADE_CONSUMER_SECRET"); v != "" {
		cfg.ETrade.ConsumerSecret = v
	}
	if v := os.Getenv("BROKER_ETRADE_TOKEN_PATH"); v != "" {
		cfg.ETrade.TokenPath = v
	}
	if v := os.Getenv("BROKER_ETRADE_ACCOUNT_ID_KEY"); v != "" {
		cfg.ETrade.AccountIDKey = v
	}
	if v := os.Getenv("BROKER_ETRADE_SANDBOX"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BROKER_ETRADE_SANDBOX: %w", err)
		}
		cfg.ETrade.Sandbox = b
	}

	if v := os.Getenv("BROKER_RUNTIME_REQUEST_TIMEOUT_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BROKER_RUNTIME_REQUEST_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Runtime.RequestTimeoutSeconds = n
	}

	if v := os.Getenv("BROKER_SERVER_AUTH_SECRET"); v != "" {
		cfg.Server.AuthSecret = v
	}
	if v := os.Getenv("BROKER_SERVER_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BROKER_SERVER_PORT: %w", err)
		}
		cfg.Server.Port = n
	}

	if v := os.Getenv("BROKER_LOGGING_AUDIT_DB"); v != "" {
		cfg.Storage.AuditDB = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
	if v := os.Getenv("APCA_API_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	return nil
}
