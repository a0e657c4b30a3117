package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"brokerd/internal/broker"
)

// SignToken issues an HS256 bearer token for subject that expires after ttl.
func SignToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.authSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			// Browsers cannot set headers on WebSocket upgrades.
			token = r.URL.Query().Get("access_token")
		}
		if token == "" {
			writeError(w, unauthorized("missing bearer token"))
			return
		}
		parsed, err := jwt.Parse(token, func(*jwt.Token) (any, error) {
			return s.authSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !parsed.Valid {
			writeError(w, unauthorized("invalid bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func unauthorized(msg string) *broker.Error {
	return broker.NewError(codeUnauthorized, "%s", msg).
		WithSuggestion("Pass a token signed with server.auth_secret in the Authorization header.")
}
