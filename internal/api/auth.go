package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

type contextKey string

const clientIDKey contextKey = "client_id"

// AuthService guards mutating operator routes with a single shared API key
type AuthService struct {
	apiKey string
}

// NewAuthService creates an authentication service. When apiKey is empty a
// random development key is generated and logged once.
func NewAuthService(apiKey string, logger *zap.Logger) *AuthService {
	if apiKey == "" {
		apiKey = "resilience_dev_key_" + generateRandomString(32)
		logger.Warn("no server.api_key configured, generated a development key",
			zap.String("api_key", apiKey))
	}
	return &AuthService{apiKey: apiKey}
}

// ValidateAPIKey reports whether key matches the configured key
func (a *AuthService) ValidateAPIKey(key string) bool {
	if key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) == 1
}

// AuthMiddleware accepts "Authorization: Bearer <key>" or "X-API-Key: <key>"
func (a *AuthService) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, http.StatusUnauthorized, "invalid Authorization header format")
				return
			}
			key = parts[1]
		}

		if !a.ValidateAPIKey(key) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		ctx := context.WithValue(r.Context(), clientIDKey, "key:"+fingerprint(key))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// fingerprint keeps raw keys out of rate limiter and cache keys
func fingerprint(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[len(key)-8:]
}

func generateRandomString(length int) string {
	bytes := make([]byte, length/2)
	if _, err := rand.Read(bytes); err != nil {
		panic(err)
	}
	return hex.EncodeToString(bytes)
}
