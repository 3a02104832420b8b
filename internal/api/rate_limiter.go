package api

import (
	"context"
	"net"
	"net/http"
	"sync"

	"github.com/canvas-market/internal/logging"
	"golang.org/x/time/rate"
)

// RequestLimiter answers whether a caller may make another request inside
// the current window. Backed by redis so the limit holds across replicas.
type RequestLimiter interface {
	AllowRequest(ctx context.Context, key string, limit int) (bool, error)
}

// RateLimiter throttles requests per client IP. The shared redis window is
// authoritative; when redis is unreachable a per-process token bucket takes
// over so an outage degrades to local limiting instead of an open gate.
type RateLimiter struct {
	shared    RequestLimiter
	perMinute int
	burst     int

	mu       sync.Mutex
	fallback map[string]*rate.Limiter
}

// NewRateLimiter creates a rate limiter
func NewRateLimiter(shared RequestLimiter, perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		shared:    shared,
		perMinute: perMinute,
		burst:     burst,
		fallback:  make(map[string]*rate.Limiter),
	}
}

// Allow reports whether the client may proceed
func (l *RateLimiter) Allow(ctx context.Context, clientIP string) bool {
	if l.shared != nil {
		allowed, err := l.shared.AllowRequest(ctx, clientIP, l.perMinute)
		if err == nil {
			return allowed
		}
		logging.WithError(err).Warn("Shared rate limit store unavailable, falling back to local limiting")
	}
	return l.localLimiter(clientIP).Allow()
}

func (l *RateLimiter) localLimiter(clientIP string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	limiter, ok := l.fallback[clientIP]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst)
		l.fallback[clientIP] = limiter
	}
	return limiter
}

// RateLimitMiddleware enforces the per-IP limit on every request
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(r.Context(), clientIP(r)) {
				respondError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "rate limit exceeded", map[string]interface{}{
					"retryAfter": 60,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
