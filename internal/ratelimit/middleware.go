package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/al-bashkir/accessgate/internal/logsanitize"
)

// KeyFunc derives the client key (normally the client IP) from a request.
type KeyFunc func(r *http.Request) string

// RejectFunc is notified of every rejected request.
type RejectFunc func(bucket string)

// Middleware enforces the limiter on every request passing through it.
// It always sets the RateLimit-* headers; a rejected request gets 429 with
// the bucket's message and never reaches next.
func (l *Limiter) Middleware(key KeyFunc, onReject RejectFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := key(r)
			d := l.Check(client)
			now := l.now()

			resetSecs := int(math.Ceil(d.RetryAfter(now).Seconds()))
			w.Header().Set("RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("RateLimit-Reset", strconv.Itoa(resetSecs))

			if !d.Allowed {
				slog.Warn("rate limit exceeded", // #nosec G706 -- values sanitized via logsanitize
					"bucket", l.name,
					"ip", logsanitize.Sanitize(client),
					"path", logsanitize.Sanitize(r.URL.Path),
				)
				if onReject != nil {
					onReject(l.name)
				}
				if resetSecs < 1 {
					resetSecs = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(resetSecs))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": l.message})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
