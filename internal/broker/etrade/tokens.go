package etrade

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"brokerd/internal/config"
)

// Credentials is an OAuth token pair.
type Credentials struct {
	Token   string
	Secret  string
	SavedAt time.Time
}

type tokenFile struct {
	OAuthToken       string `json:"oauth_token"`
	OAuthTokenSecret string `json:"oauth_token_secret"`
	SavedAt          string `json:"saved_at,omitempty"`
}

// TokenStore persists the access token pair as a small JSON file readable
// only by the owner.
type TokenStore struct {
	path string
}

// NewTokenStore creates a TokenStore at path; a leading "~" is expanded.
func NewTokenStore(path string) *TokenStore {
	return &TokenStore{path: config.ExpandPath(path)}
}

// Path returns the expanded file path.
func (s *TokenStore) Path() string {
	return s.path
}

// Load reads the token pair. A missing, unreadable or malformed file, or one
// with either field blank, reports false.
func (s *TokenStore) Load() (Credentials, bool) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Credentials{}, false
	}
	var f tokenFile
	if err := json.Unmarshal(data, &f); err != nil {
		return Credentials{}, false
	}
	creds := Credentials{
		Token:  strings.TrimSpace(f.OAuthToken),
		Secret: strings.TrimSpace(f.OAuthTokenSecret),
	}
	if creds.Token == "" || creds.Secret == "" {
		return Credentials{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, f.SavedAt); err == nil {
		creds.SavedAt = ts
	}
	return creds, true
}

// Save writes the token pair with mode 0600, creating parent directories.
func (s *TokenStore) Save(token, secret string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	data, err := json.MarshalIndent(tokenFile{
		OAuthToken:       token,
		OAuthTokenSecret: secret,
		SavedAt:          time.Now().UTC().Format(time.RFC3339Nano),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding tokens: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing tokens to %s: %w", s.path, err)
	}
	// WriteFile keeps the mode of an existing file.
	_ = os.Chmod(s.path, 0o600)
	return nil
}
