package main

import (
	"testing"

	"brokerd/internal/config"
)

func TestNewClientUsesEnvURL(t *testing.T) {
	t.Setenv("BROKERD_URL", "http://example.test:9000")
	cfg := config.Default()
	cfg.Server.AuthSecret = "s3cret"

	if _, err := newClient(cfg); err != nil {
		t.Fatalf("newClient: %v", err)
	}
}

func TestOptNum(t *testing.T) {
	v := 1.25
	if got := optNum(&v); got != "1.25" {
		t.Errorf("optNum(1.25) = %q", got)
	}
	if got := optNum(nil); got != "-" {
		t.Errorf("optNum(nil) = %q", got)
	}
}
