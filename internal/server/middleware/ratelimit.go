package middleware

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/httprate"

	"github.com/tollcounter/tollcounter/internal/model"
	"github.com/tollcounter/tollcounter/internal/ratelimit"
)

// RateLimit returns a middleware that admits requests through the given
// fixed-window limiter, keyed by client identity. Rejections are 429 with a
// Retry-After header and a human-readable hint; the rejection itself is the
// back-pressure signal, nothing is retried internally.
func RateLimit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !l.Admit(key) {
				retry := l.RetryAfter(key)
				seconds := int(retry.Round(time.Second).Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(model.ErrorResponse{
					Error: model.ErrorDetail{
						Code:    http.StatusTooManyRequests,
						Reason:  model.ReasonRateLimited,
						Message: fmt.Sprintf("Rate limit exceeded. Retry in %ds.", seconds),
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// FloodLimit returns the outermost sliding-window per-IP backstop applied to
// the whole router. It is a coarse safety net against floods, separate from
// the per-policy fixed-window limiters.
func FloodLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// ClientKey derives the rate-limit bucket for a request: the left-most entry
// of X-Forwarded-For when a trusted proxy set one, else the transport peer
// address, else a shared "unknown" bucket. Unidentifiable clients sharing
// one bucket is accepted; it only makes the limit stricter for them.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "unknown"
}
