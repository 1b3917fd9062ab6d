package middleware

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/traceline-io/traceline/internal/config"
)

const (
	burstCapacityMultiplier = 2
	defaultGlobalRPS        = 100
	defaultClientRPS        = 25
	defaultUnAuthRPS        = 5
	defaultCleanupInterval  = 5 * time.Minute
	defaultIdleTimeout      = time.Hour
	defaultMaxClients       = 10000
)

type (
	// RateLimiter decides whether a request should be admitted.
	//
	// The in-memory implementation suits single-node deployments; the
	// interface leaves room for a distributed backend later.
	RateLimiter interface {
		// Allow checks if a request should be allowed. clientID is empty
		// for unauthenticated requests.
		Allow(clientID string) bool
	}

	// RateLimitConfig holds rate limiter tuning. Limits are requests per
	// second; burst fields of 0 are computed as 2 x rate.
	RateLimitConfig struct {
		GlobalRPS int
		ClientRPS int
		UnAuthRPS int

		GlobalBurst int
		ClientBurst int
		UnAuthBurst int

		CleanupInterval time.Duration
		IdleTimeout     time.Duration
		MaxClients      int
	}

	// InMemoryRateLimiter implements RateLimiter with token buckets:
	// a global bucket over all traffic, one bucket per authenticated
	// client, and a shared bucket for unauthenticated requests.
	InMemoryRateLimiter struct {
		global          *rate.Limiter
		perClient       map[string]*clientLimiter
		unauthenticated *rate.Limiter
		mu              sync.RWMutex
		done            chan struct{}
		closeOnce       sync.Once

		clientRPS       int
		clientBurst     int
		cleanupInterval time.Duration
		idleTimeout     time.Duration
		maxClients      int
	}

	clientLimiter struct {
		limiter    *rate.Limiter
		lastAccess time.Time
	}
)

// LoadRateLimitConfig loads rate limiter settings from environment
// variables with fallback to defaults.
func LoadRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalRPS: config.GetEnvInt("TRACELINE_GLOBAL_RPS", defaultGlobalRPS),
		ClientRPS: config.GetEnvInt("TRACELINE_CLIENT_RPS", defaultClientRPS),
		UnAuthRPS: config.GetEnvInt("TRACELINE_UNAUTH_RPS", defaultUnAuthRPS),

		GlobalBurst: config.GetEnvInt("TRACELINE_GLOBAL_BURST", 0),
		ClientBurst: config.GetEnvInt("TRACELINE_CLIENT_BURST", 0),
		UnAuthBurst: config.GetEnvInt("TRACELINE_UNAUTH_BURST", 0),

		CleanupInterval: config.GetEnvDuration("TRACELINE_RATE_LIMIT_CLEANUP_INTERVAL", defaultCleanupInterval),
		IdleTimeout:     config.GetEnvDuration("TRACELINE_RATE_LIMIT_IDLE_TIMEOUT", defaultIdleTimeout),
		MaxClients:      config.GetEnvInt("TRACELINE_RATE_LIMIT_MAX_CLIENTS", defaultMaxClients),
	}
}

// NewInMemoryRateLimiter creates an in-memory rate limiter and starts its
// cleanup goroutine. Callers must Close it.
func NewInMemoryRateLimiter(cfg *RateLimitConfig) *InMemoryRateLimiter {
	rl := &InMemoryRateLimiter{
		global:          rate.NewLimiter(rate.Limit(cfg.GlobalRPS), computeBurstCapacity(cfg.GlobalRPS, cfg.GlobalBurst)),
		perClient:       make(map[string]*clientLimiter),
		unauthenticated: rate.NewLimiter(rate.Limit(cfg.UnAuthRPS), computeBurstCapacity(cfg.UnAuthRPS, cfg.UnAuthBurst)),
		done:            make(chan struct{}),
		clientRPS:       cfg.ClientRPS,
		clientBurst:     computeBurstCapacity(cfg.ClientRPS, cfg.ClientBurst),
		cleanupInterval: cfg.CleanupInterval,
		idleTimeout:     cfg.IdleTimeout,
		maxClients:      cfg.MaxClients,
	}

	go rl.cleanupLoop()

	return rl
}

// Allow checks the global bucket first, then the tier matching the client.
func (rl *InMemoryRateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}

	if clientID == "" {
		return rl.unauthenticated.Allow()
	}

	return rl.clientAllow(clientID)
}

func (rl *InMemoryRateLimiter) clientAllow(clientID string) bool {
	rl.mu.RLock()
	client, ok := rl.perClient[clientID]
	rl.mu.RUnlock()

	if !ok {
		rl.mu.Lock()
		client, ok = rl.perClient[clientID]

		if !ok {
			// At capacity new clients share the unauthenticated bucket
			// rather than growing the map without bound.
			if len(rl.perClient) >= rl.maxClients {
				rl.mu.Unlock()

				return rl.unauthenticated.Allow()
			}

			client = &clientLimiter{
				limiter: rate.NewLimiter(rate.Limit(rl.clientRPS), rl.clientBurst),
			}
			rl.perClient[clientID] = client
		}
		rl.mu.Unlock()
	}

	rl.mu.Lock()
	client.lastAccess = time.Now()
	rl.mu.Unlock()

	return client.limiter.Allow()
}

// Close stops the cleanup goroutine.
func (rl *InMemoryRateLimiter) Close() error {
	rl.closeOnce.Do(func() {
		close(rl.done)
	})

	return nil
}

func (rl *InMemoryRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
			rl.cleanup()
		}
	}
}

// cleanup evicts client buckets idle longer than the idle timeout.
func (rl *InMemoryRateLimiter) cleanup() {
	cutoff := time.Now().Add(-rl.idleTimeout)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for clientID, client := range rl.perClient {
		if client.lastAccess.Before(cutoff) {
			delete(rl.perClient, clientID)
		}
	}
}

func computeBurstCapacity(rps, override int) int {
	if override > 0 {
		return override
	}

	return rps * burstCapacityMultiplier
}

// RateLimit creates a middleware that rejects requests over the configured
// rate with 429 responses. Public endpoints bypass rate limiting.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			clientID := GetClientID(r.Context())

			if !limiter.Allow(clientID) {
				correlationID := GetCorrelationID(r.Context())

				logger.Warn("Rate limited request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("client_id", clientID),
					slog.String("correlation_id", correlationID),
				)

				writeRateLimitProblem(w, r, logger, correlationID)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitProblem(w http.ResponseWriter, r *http.Request, logger *slog.Logger, correlationID string) {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"`
	}{
		Type:          fmt.Sprintf("https://traceline.io/problems/%d", http.StatusTooManyRequests),
		Title:         "Too Many Requests",
		Status:        http.StatusTooManyRequests,
		Detail:        "Request rate limit exceeded, retry later",
		Instance:      r.URL.Path,
		CorrelationID: correlationID,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Retry-After", "1")
	w.WriteHeader(http.StatusTooManyRequests)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode rate limit response",
			slog.Any("error", err),
			slog.String("correlation_id", correlationID),
		)
	}
}
