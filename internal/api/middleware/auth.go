package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/traceline-io/traceline/internal/storage"
)

// clientKey is the context key for the authenticated client identifier.
type clientKey struct{}

// publicEndpoints holds paths that bypass authentication and rate limiting,
// typically health probes. Registered once during route setup.
var (
	publicEndpointsMu sync.RWMutex
	publicEndpoints   = make(map[string]struct{})
)

// RegisterPublicEndpoint marks a path as exempt from authentication.
func RegisterPublicEndpoint(path string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[path] = struct{}{}
}

// IsPublicEndpoint reports whether a path bypasses authentication.
func IsPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	_, ok := publicEndpoints[path]

	return ok
}

// GetClientID extracts the authenticated client identifier from the request
// context. Returns empty string for unauthenticated requests.
func GetClientID(ctx context.Context) string {
	if clientID, ok := ctx.Value(clientKey{}).(string); ok {
		return clientID
	}

	return ""
}

// Authenticate creates a middleware that validates API keys against the key
// store. Keys are accepted from the X-API-Key header or an Authorization
// Bearer token. Public endpoints pass through untouched.
func Authenticate(keys storage.KeyStore, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			rawKey := r.Header.Get("X-API-Key")
			if rawKey == "" {
				rawKey = r.Header.Get("Authorization")
			}

			key, err := storage.ParseAPIKey(rawKey)
			if err != nil || !keys.Authenticate(key) {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("Rejected unauthenticated request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				writeAuthProblem(w, r, logger, correlationID)

				return
			}

			// The masked key identifies the client for rate limiting and
			// logging without ever exposing the credential.
			ctx := context.WithValue(r.Context(), clientKey{}, storage.MaskKey(key))

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeAuthProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, correlationID string) {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"`
	}{
		Type:          fmt.Sprintf("https://traceline.io/problems/%d", http.StatusUnauthorized),
		Title:         "Unauthorized",
		Status:        http.StatusUnauthorized,
		Detail:        "A valid API key is required",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode auth error response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
