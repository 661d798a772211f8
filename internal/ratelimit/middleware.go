package ratelimit

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"
)

// KeyFunc extracts the rate limit key from a request. An empty key skips
// rate limiting for the request.
type KeyFunc func(r *http.Request) string

// DeniedFunc writes the response for a limited request. Retry-After is
// already set.
type DeniedFunc func(w http.ResponseWriter, r *http.Request)

// Middleware enforces limiter on every request through it. Limiter errors
// fail open.
func Middleware(limiter Limiter, keyFunc KeyFunc, retryAfter time.Duration, denied DeniedFunc, logger *slog.Logger) func(http.Handler) http.Handler {
	retrySeconds := strconv.Itoa(int(math.Max(1, math.Ceil(retryAfter.Seconds()))))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}
			key := keyFunc(r)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			ok, err := limiter.Allow(r.Context(), key)
			if err != nil {
				logger.Warn("ratelimit: limiter error, allowing request", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !ok {
				w.Header().Set("Retry-After", retrySeconds)
				denied(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// IPKeyFunc keys by the client IP in RemoteAddr. X-Forwarded-For is not
// trusted; deploy behind a proxy that rewrites RemoteAddr instead.
func IPKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "ip:" + r.RemoteAddr
	}
	return "ip:" + host
}
