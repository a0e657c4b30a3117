package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"BROKER_PROVIDER", "BROKER_ETRADE_CONSUMER_KEY", "BROKER_ETRADE_CONSUMER_SECRET",
		"BROKER_ETRADE_TOKEN_PATH", "BROKER_ETRADE_ACCOUNT_ID_KEY", "BROKER_ETRADE_SANDBOX",
		"BROKER_RUNTIME_REQUEST_TIMEOUT_SECONDS", "BROKER_SERVER_PORT", "BROKER_SERVER_AUTH_SECRET", "BROKER_LOGGING_AUDIT_DB",
		"DATA_DIR", "LOG_LEVEL", "APCA_API_KEY_ID", "APCA_API_SECRET_KEY", "APCA_API_BASE_URL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "brokerd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
provider: etrade
etrade:
  consumer_key: "ck"
  consumer_secret: "cs"
  sandbox: true
  token_path: "/tmp/broker/tokens.json"
  account_id_key: "acct-1"
  renew_interval: 45m
  min_request_gap: 250ms
  strict_cancel_status: true
alpaca:
  api_key: "test-key"
  api_secret: "test-secret"
runtime:
  request_timeout_seconds: 45
server:
  host: "0.0.0.0"
  port: 9000
  grpc_port: 9001
storage:
  data_dir: "/tmp/broker/data"
  audit_db: "/tmp/broker/audit.db"
  archive_fills: true
logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	// -- ETrade --
	if cfg.ETrade.ConsumerKey != "ck" || cfg.ETrade.ConsumerSecret != "cs" {
		t.Errorf("ETrade consumer = %q/%q", cfg.ETrade.ConsumerKey, cfg.ETrade.ConsumerSecret)
	}
	if !cfg.ETrade.Sandbox {
		t.Error("ETrade.Sandbox = false, want true")
	}
	if cfg.ETrade.AccountIDKey != "acct-1" {
		t.Errorf("ETrade.AccountIDKey = %q, want %q", cfg.ETrade.AccountIDKey, "acct-1")
	}
	if cfg.ETrade.RenewInterval != 45*time.Minute {
		t.Errorf("ETrade.RenewInterval = %v, want 45m", cfg.ETrade.RenewInterval)
	}
	if cfg.ETrade.MinRequestGap != 250*time.Millisecond {
		t.Errorf("ETrade.MinRequestGap = %v, want 250ms", cfg.ETrade.MinRequestGap)
	}
	if !cfg.ETrade.StrictCancelStatus {
		t.Error("ETrade.StrictCancelStatus = false, want true")
	}

	// -- Runtime / Server --
	if cfg.Runtime.RequestTimeout() != 45*time.Second {
		t.Errorf("Runtime.RequestTimeout() = %v, want 45s", cfg.Runtime.RequestTimeout())
	}
	if cfg.Server.Addr() != "0.0.0.0:9000" {
		t.Errorf("Server.Addr() = %q", cfg.Server.Addr())
	}
	if cfg.Server.GRPCAddr() != "0.0.0.0:9001" {
		t.Errorf("Server.GRPCAddr() = %q", cfg.Server.GRPCAddr())
	}

	// -- Storage / Logging --
	if cfg.Storage.AuditDB != "/tmp/broker/audit.db" {
		t.Errorf("Storage.AuditDB = %q", cfg.Storage.AuditDB)
	}
	if !cfg.Storage.ArchiveFills {
		t.Error("Storage.ArchiveFills = false, want true")
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Provider != "etrade" {
		t.Errorf("Provider = %q, want etrade", cfg.Provider)
	}
	if cfg.ETrade.RenewInterval != 90*time.Minute {
		t.Errorf("RenewInterval = %v, want 90m", cfg.ETrade.RenewInterval)
	}
	if cfg.ETrade.MinRequestGap != 200*time.Millisecond {
		t.Errorf("MinRequestGap = %v, want 200ms", cfg.ETrade.MinRequestGap)
	}
	if cfg.Server.Port != 8765 {
		t.Errorf("Server.Port = %d, want 8765", cfg.Server.Port)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
etrade:
  consumer_key: "yaml-key"
  consumer_secret: "yaml-secret"
server:
  port: 4002
`)

	t.Setenv("BROKER_ETRADE_CONSUMER_KEY", "env-key")
	t.Setenv("BROKER_SERVER_PORT", "4010")
	t.Setenv("BROKER_ETRADE_SANDBOX", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.ETrade.ConsumerKey != "env-key" {
		t.Errorf("ETrade.ConsumerKey = %q, want %q (env override)", cfg.ETrade.ConsumerKey, "env-key")
	}
	// consumer_secret should remain from YAML since no env override was set.
	if cfg.ETrade.ConsumerSecret != "yaml-secret" {
		t.Errorf("ETrade.ConsumerSecret = %q, want %q (from YAML)", cfg.ETrade.ConsumerSecret, "yaml-secret")
	}
	if cfg.Server.Port != 4010 {
		t.Errorf("Server.Port = %d, want 4010 (env override)", cfg.Server.Port)
	}
	if !cfg.ETrade.Sandbox {
		t.Error("ETrade.Sandbox = false, want true (env override)")
	}
}

func TestLoadBadEnvValue(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_SERVER_PORT", "not-a-port")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail on a non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Provider = ""
	cfg.Runtime.RequestTimeoutSeconds = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	if !strings.Contains(err.Error(), "provider") || !strings.Contains(err.Error(), "request_timeout_seconds") {
		t.Errorf("Validate() = %v, want both problems reported", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := ExpandPath("~/x.json"); got != filepath.Join(home, "x.json") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got := ExpandPath("/abs/x.json"); got != "/abs/x.json" {
		t.Errorf("ExpandPath = %q", got)
	}
}

func TestGRPCDisabled(t *testing.T) {
	s := Server{Host: "127.0.0.1", Port: 8765}
	if got := s.GRPCAddr(); got != "" {
		t.Errorf("GRPCAddr() with port 0 = %q, want empty", got)
	}
}

func TestLoadAuthSecretFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BROKER_SERVER_AUTH_SECRET", "s3cret")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Server.AuthSecret != "s3cret" {
		t.Errorf("Server.AuthSecret = %q", cfg.Server.AuthSecret)
	}
}
