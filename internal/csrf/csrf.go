// Package csrf binds anti-forgery tokens to sessions and rejects
// state-changing requests that do not present the session's token.
package csrf

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"

	"github.com/al-bashkir/accessgate/internal/logsanitize"
	"github.com/al-bashkir/accessgate/internal/session"
)

const (
	// FieldName is the body and query parameter carrying the token.
	FieldName = "_csrf"

	tokenBytes   = 32
	maxBodyBytes = 1 << 20
)

// Header names checked, in order, after the body and query.
var headerNames = []string{"CSRF-Token", "X-CSRF-Token"}

// ErrMismatch is returned when the presented token does not match the session.
var ErrMismatch = errors.New("invalid CSRF token")

// ErrBodyTooLarge is returned when a form or JSON body exceeds 1 MiB.
var ErrBodyTooLarge = errors.New("request body too large")

// SessionIDFunc extracts the session ID a request claims (normally from its cookie).
type SessionIDFunc func(r *http.Request) string

// Guard issues and verifies session-bound tokens.
type Guard struct {
	store    session.Store
	onReject func()
}

// NewGuard creates a guard over store. onReject, if non-nil, is called for
// every rejected request.
func NewGuard(store session.Store, onReject func()) *Guard {
	return &Guard{store: store, onReject: onReject}
}

// Issue generates a fresh token and makes it the session's only valid token.
func (g *Guard) Issue(sessionID string) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}
	_, err = g.store.Mutate(sessionID, func(s *session.Session) error {
		s.CSRFToken = token
		return nil
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Verify reports whether presented is the session's current token.
// An empty token on either side never verifies.
func (g *Guard) Verify(sess session.Session, presented string) bool {
	if sess.CSRFToken == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sess.CSRFToken), []byte(presented)) == 1
}

// MiddlewareOption adjusts a single Middleware instance.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	allowMissingSession bool
}

// AllowMissingSession lets requests without a live session through. Only
// use it for routes that have no effect without one, such as logout.
func AllowMissingSession() MiddlewareOption {
	return func(c *middlewareConfig) { c.allowMissingSession = true }
}

// Middleware rejects the request with 403 unless it carries the token of the
// session identified by sessionID. Requests without a live session are
// rejected too, since there is nothing to bind the token to.
func (g *Guard) Middleware(sessionID SessionIDFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, ok := g.store.Get(sessionID(r))
			if !ok {
				if cfg.allowMissingSession {
					next.ServeHTTP(w, r)
					return
				}
				g.reject(w, r, "no session")
				return
			}

			presented, err := TokenFromRequest(r)
			if errors.Is(err, ErrBodyTooLarge) {
				g.reject(w, r, "body too large")
				return
			}
			if err != nil {
				g.reject(w, r, "unreadable body")
				return
			}
			if !g.Verify(sess, presented) {
				g.reject(w, r, "token mismatch")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (g *Guard) reject(w http.ResponseWriter, r *http.Request, reason string) {
	slog.Warn("CSRF check failed", // #nosec G706 -- values sanitized via logsanitize
		"reason", reason,
		"method", r.Method,
		"path", logsanitize.Sanitize(r.URL.Path),
		"remote_addr", logsanitize.Sanitize(r.RemoteAddr),
	)
	if g.onReject != nil {
		g.onReject()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": ErrMismatch.Error()})
}

// TokenFromRequest returns the first token present in: body field _csrf
// (form or JSON), query _csrf, CSRF-Token header, X-CSRF-Token header.
// The body is restored so later handlers can read it again.
func TokenFromRequest(r *http.Request) (string, error) {
	token, err := tokenFromBody(r)
	if err != nil {
		return "", err
	}
	if token != "" {
		return token, nil
	}
	if token := r.URL.Query().Get(FieldName); token != "" {
		return token, nil
	}
	for _, name := range headerNames {
		if token := r.Header.Get(name); token != "" {
			return token, nil
		}
	}
	return "", nil
}

func tokenFromBody(r *http.Request) (string, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "application/x-www-form-urlencoded" && mediaType != "application/json" {
		return "", nil
	}

	// One byte past the limit tells an oversized body from one that fits.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	_ = r.Body.Close()
	if err != nil {
		return "", err
	}
	if len(body) > maxBodyBytes {
		r.Body = http.NoBody
		return "", ErrBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	switch mediaType {
	case "application/json":
		var fields map[string]any
		if json.Unmarshal(body, &fields) != nil {
			return "", nil
		}
		token, _ := fields[FieldName].(string)
		return token, nil
	default:
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return "", nil
		}
		return values.Get(FieldName), nil
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
