// Package gate decides who may see protected content and drives the session
// state machine: anonymous, authenticated, and authenticated with a timed
// elevation window.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/al-bashkir/accessgate/internal/crawler"
	"github.com/al-bashkir/accessgate/internal/identity"
	"github.com/al-bashkir/accessgate/internal/logsanitize"
	"github.com/al-bashkir/accessgate/internal/session"
)

var (
	// ErrValidation is returned for malformed login input. Nothing is mutated.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized is returned when an action needs an authenticated session.
	ErrUnauthorized = errors.New("not authenticated")

	// ErrUpstream is returned when the identity provider fails.
	ErrUpstream = errors.New("identity provider failed")

	// ErrNotConfigured is returned when the identity provider lacks configuration.
	ErrNotConfigured = errors.New("identity provider not configured")
)

// DefaultElevationWindow is how long a grant-access call keeps a session elevated.
const DefaultElevationWindow = 30 * time.Minute

// Options select gate behavior.
type Options struct {
	// PersistSessions selects the bbolt store over the in-memory one when the
	// daemon opens the store for this gate.
	PersistSessions bool

	// AllowCrawlerBypass lets crawler user agents see content without logging in.
	AllowCrawlerBypass bool

	ElevationWindow time.Duration
	CrawlerWindow   time.Duration
}

// Decision is the outcome of Admit for protected content.
type Decision struct {
	Allow   bool
	Crawler bool // allowed through the crawler bypass

	// Session is the session content is served for. For the crawler bypass
	// it is an ephemeral value that was never stored.
	Session *session.Session
}

// AccessStatus describes a session's elevation window.
type AccessStatus struct {
	HasAccess        bool
	RemainingSeconds int64
	Expiry           time.Time // zero when never elevated
}

// Gate applies the access rules over a session store.
type Gate struct {
	store     session.Store
	opts      Options
	usernames *identity.UsernameValidator
	now       func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a gate over store.
func New(store session.Store, opts Options, options ...Option) *Gate {
	if opts.ElevationWindow <= 0 {
		opts.ElevationWindow = DefaultElevationWindow
	}
	if opts.CrawlerWindow <= 0 {
		opts.CrawlerWindow = crawler.Window
	}
	g := &Gate{
		store:     store,
		opts:      opts,
		usernames: identity.NewUsernameValidator(),
		now:       time.Now,
	}
	for _, o := range options {
		o(g)
	}
	return g
}

// Options returns the effective options.
func (g *Gate) Options() Options { return g.opts }

// Admit decides whether protected content may be served. sess may be nil.
// An authenticated session is always checked first; the crawler candidate is
// only considered for anonymous requests.
func (g *Gate) Admit(sess *session.Session, userAgent string) Decision {
	now := g.now()
	if sess.State(now) != session.Anonymous {
		return Decision{Allow: true, Session: sess}
	}

	if g.opts.AllowCrawlerBypass {
		if candidate, ok := crawler.Candidate(userAgent, now); ok {
			candidate.AccessExpiry = now.Add(g.opts.CrawlerWindow)
			slog.Info("crawler bypass granted", // #nosec G706 -- values sanitized via logsanitize
				"user_agent", logsanitize.Sanitize(userAgent),
			)
			return Decision{Allow: true, Crawler: true, Session: &candidate}
		}
	}

	return Decision{Allow: false, Session: sess}
}

// LoginOAuth attaches an identity-provider principal to the session.
// A context that is already done (the caller gave up, or the provider
// exchange ran out its timeout) leaves the session untouched.
func (g *Gate) LoginOAuth(ctx context.Context, sessionID string, p session.Principal) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	p.Provider = session.ProviderOAuth
	return g.login(sessionID, p)
}

// LoginWith resolves a principal from src and logs it in. The provider call
// happens before the store is touched, so a failure leaves the session as it was.
func (g *Gate) LoginWith(ctx context.Context, sessionID string, src identity.Source) (session.Session, error) {
	p, err := src.Principal(ctx)
	if err != nil {
		// A connector without an access token is an unlinked account.
		if errors.Is(err, identity.ErrNotConfigured) || errors.Is(err, identity.ErrNoToken) {
			return session.Session{}, fmt.Errorf("%w: %w", ErrNotConfigured, err)
		}
		return session.Session{}, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	return g.LoginOAuth(ctx, sessionID, p)
}

// LoginSelfAsserted validates raw and logs the resulting principal in.
func (g *Gate) LoginSelfAsserted(sessionID, rawUsername string) (session.Session, error) {
	p, err := g.usernames.Principal(rawUsername)
	if err != nil {
		return session.Session{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return g.login(sessionID, p)
}

// login sets the principal on an existing session, or creates a session
// already carrying it. A previous elevation window does not carry over.
func (g *Gate) login(sessionID string, p session.Principal) (session.Session, error) {
	set := func(s *session.Session) error {
		principal := p
		s.Principal = &principal
		s.AccessExpiry = time.Time{}
		return nil
	}

	if sessionID != "" {
		sess, err := g.store.Mutate(sessionID, set)
		if err == nil {
			return sess, nil
		}
		if !errors.Is(err, session.ErrNotFound) {
			return session.Session{}, fmt.Errorf("updating session: %w", err)
		}
	}

	sess, err := g.store.Create(set)
	if err != nil {
		return session.Session{}, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// GrantElevation starts an elevation window of ElevationWindow from now.
// Sessions without a principal get ErrUnauthorized and no expiry.
func (g *Gate) GrantElevation(sessionID string) (session.Session, error) {
	if sessionID == "" {
		return session.Session{}, ErrUnauthorized
	}
	sess, err := g.store.Mutate(sessionID, func(s *session.Session) error {
		if s.Principal == nil {
			return ErrUnauthorized
		}
		s.AccessExpiry = g.now().Add(g.opts.ElevationWindow)
		return nil
	})
	if errors.Is(err, session.ErrNotFound) {
		return session.Session{}, ErrUnauthorized
	}
	return sess, err
}

// Status reports the elevation window of sess. Expiry is checked lazily
// against the clock; nothing runs when a window lapses.
func (g *Gate) Status(sess *session.Session) (AccessStatus, error) {
	if !sess.Authenticated() {
		return AccessStatus{}, ErrUnauthorized
	}

	now := g.now()
	status := AccessStatus{Expiry: sess.AccessExpiry}
	if sess.State(now) == session.Elevated {
		status.HasAccess = true
		status.RemainingSeconds = int64(math.Floor(sess.AccessExpiry.Sub(now).Seconds()))
	}
	return status, nil
}

// Logout destroys the session. It is idempotent.
func (g *Gate) Logout(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	return g.store.Destroy(sessionID)
}

// Resolve loads the session the client claims, or nil when it does not exist.
func (g *Gate) Resolve(sessionID string) *session.Session {
	if sessionID == "" {
		return nil
	}
	sess, ok := g.store.Get(sessionID)
	if !ok {
		return nil
	}
	return &sess
}

// EnsureSession returns the claimed session, creating an anonymous one when
// it is missing.
func (g *Gate) EnsureSession(sessionID string) (session.Session, bool, error) {
	if sess := g.Resolve(sessionID); sess != nil {
		return *sess, false, nil
	}
	sess, err := g.store.Create(nil)
	if err != nil {
		return session.Session{}, false, fmt.Errorf("creating session: %w", err)
	}
	return sess, true, nil
}
