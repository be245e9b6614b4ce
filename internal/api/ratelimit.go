package api

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const clientIdleTTL = time.Hour

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	rate  rate.Limit
	burst int

	clients map[string]*clientBucket
	mutex   sync.Mutex

	now func() time.Time
}

type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing requestsPerSecond with the given
// burst per client. A zero rate disables limiting.
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = int(math.Ceil(requestsPerSecond))
	}
	return &RateLimiter{
		rate:    rate.Limit(requestsPerSecond),
		burst:   burst,
		clients: make(map[string]*clientBucket),
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all
func (rl *RateLimiter) Enabled() bool {
	return rl.rate > 0
}

// Allow consumes one token for clientID
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.Enabled() {
		return true
	}
	return rl.bucket(clientID).limiter.AllowN(rl.now(), 1)
}

func (rl *RateLimiter) bucket(clientID string) *clientBucket {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	b, ok := rl.clients[clientID]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.clients[clientID] = b
	}
	b.lastSeen = now
	return b
}

// Remaining returns the whole tokens left for clientID
func (rl *RateLimiter) Remaining(clientID string) int {
	rl.mutex.Lock()
	b, ok := rl.clients[clientID]
	rl.mutex.Unlock()
	if !ok {
		return rl.burst
	}
	tokens := b.limiter.TokensAt(rl.now())
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

// RateLimitMiddleware rejects clients that exhausted their bucket with 429
func (rl *RateLimiter) RateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		clientID := getClientID(r)
		allowed := rl.Allow(clientID)

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%g", float64(rl.rate)))
		w.Header().Set("X-RateLimit-Burst", fmt.Sprintf("%d", rl.burst))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", rl.Remaining(clientID)))

		if !allowed {
			retryAfter := int(math.Ceil(1 / float64(rl.rate)))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// getClientID extracts a client identifier from the request
func getClientID(r *http.Request) string {
	if id, ok := r.Context().Value(clientIDKey).(string); ok {
		return id
	}

	clientIP := r.Header.Get("X-Forwarded-For")
	if clientIP != "" {
		// first hop is the original client
		clientIP = strings.TrimSpace(strings.Split(clientIP, ",")[0])
	}
	if clientIP == "" {
		clientIP = r.Header.Get("X-Real-IP")
	}
	if clientIP == "" {
		clientIP = r.RemoteAddr
	}

	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	return clientIP
}

// CleanupExpiredClients drops buckets idle for more than an hour and returns
// how many were removed
func (rl *RateLimiter) CleanupExpiredClients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := rl.now()
	removed := 0
	for clientID, b := range rl.clients {
		if now.Sub(b.lastSeen) > clientIdleTTL {
			delete(rl.clients, clientID)
			removed++
		}
	}
	return removed
}

// Clients returns the number of tracked buckets
func (rl *RateLimiter) Clients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.clients)
}
