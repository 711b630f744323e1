package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session does not exist or has expired.
	ErrNotFound = errors.New("session not found")

	// ErrInvariant is returned when a mutation would leave an anonymous
	// session with an access window.
	ErrInvariant = errors.New("session: elevation requires a principal")
)

// DefaultTTL is the absolute session lifetime.
const DefaultTTL = 7 * 24 * time.Hour

// Store owns sessions. Implementations must be safe for concurrent use and
// serialize Mutate calls on the same ID; last writer wins across requests.
type Store interface {
	// Create stores a new session. init, if non-nil, populates it before the
	// first write; an init error aborts creation.
	Create(init func(*Session) error) (Session, error)

	// Get returns a copy of the session. It reports false for missing or
	// expired sessions.
	Get(id string) (Session, bool)

	// Mutate applies fn to a copy of the session and commits it only when fn
	// returns nil and the result is valid.
	Mutate(id string, fn func(*Session) error) (Session, error)

	// Destroy removes the session. Destroying a missing session is not an error.
	Destroy(id string) error

	// Close stops background work and releases resources.
	Close() error
}

// Option configures a store.
type Option func(*lifetime)

// WithAnonymousTTL expires sessions without a principal d after their last
// write, never later than the absolute TTL. Zero keeps the absolute TTL only.
func WithAnonymousTTL(d time.Duration) Option {
	return func(l *lifetime) { l.anonTTL = d }
}

// lifetime decides when a stored session expires.
type lifetime struct {
	ttl     time.Duration
	anonTTL time.Duration
}

func newLifetime(ttl time.Duration, opts []Option) lifetime {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l := lifetime{ttl: ttl}
	for _, o := range opts {
		o(&l)
	}
	return l
}

// expiresAt returns when sess stops being served.
func (l lifetime) expiresAt(sess Session) time.Time {
	end := sess.ExpiresAt(l.ttl)
	if sess.Principal == nil && l.anonTTL > 0 {
		if idle := sess.LastTouchedAt.Add(l.anonTTL); idle.Before(end) {
			return idle
		}
	}
	return end
}

func (l lifetime) expired(sess Session, now time.Time) bool {
	return !now.Before(l.expiresAt(sess))
}

// Clock returns the current time. Stores accept one so tests can move time.
type Clock func() time.Time

func newSession(now time.Time) (Session, error) {
	id, err := NewID()
	if err != nil {
		return Session{}, err
	}
	return Session{
		ID:            id,
		CreatedAt:     now,
		LastTouchedAt: now,
	}, nil
}
