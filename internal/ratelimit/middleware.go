package ratelimit

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

// KeyFunc extracts the caller identity the limit applies to.
type KeyFunc func(r *http.Request) string

// Middleware wraps an HTTP handler with rate limiting.
type Middleware struct {
	limiter *Limiter
	key     KeyFunc
	logger  *zap.Logger
}

// NewMiddleware creates a rate limiting middleware. A nil limiter passes
// every request through.
func NewMiddleware(limiter *Limiter, key KeyFunc, logger *zap.Logger) *Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Middleware{limiter: limiter, key: key, logger: logger}
}

// Wrap applies the limit to next.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := m.key(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		ok, remaining := m.limiter.Allow(id)
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", m.limiter.Capacity()))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(remaining)))
		if !ok {
			wait := m.limiter.RetryAfter(id)
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			m.logger.Info("rate limit exceeded", zap.String("user_id", id), zap.String("path", r.URL.Path))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "rate_limited",
				"message": "rate limit exceeded, retry later",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
