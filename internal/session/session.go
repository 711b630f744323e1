// Package session holds gateway session state and the stores that own it.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Provider identifies how a principal was authenticated.
type Provider string

const (
	// ProviderOAuth is a principal returned by an OAuth/OIDC identity provider.
	ProviderOAuth Provider = "oauth"

	// ProviderSelfAsserted is a principal that claimed a username without verification.
	ProviderSelfAsserted Provider = "self-asserted"

	// ProviderBot is the synthetic crawler principal. It is never stored.
	ProviderBot Provider = "bot"
)

// Principal is the identity attached to an authenticated session.
type Principal struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"displayName"`
	Provider    Provider `json:"provider"`
	AvatarURL   string   `json:"avatarUrl,omitempty"`
}

// State is the authorization state of a session at a point in time.
type State int

const (
	// Anonymous sessions carry no principal.
	Anonymous State = iota

	// Authenticated sessions carry a principal and may view content.
	Authenticated

	// Elevated sessions are authenticated and inside an access window.
	Elevated
)

func (s State) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Elevated:
		return "authenticated_elevated"
	default:
		return "anonymous"
	}
}

// Session is the unit of authentication state.
// Values handed out by a Store are copies; mutate through Store.Mutate.
type Session struct {
	// ID is the opaque handle the client presents in its cookie (64 hex chars)
	ID string `json:"id"`

	// Principal is nil for anonymous sessions
	Principal *Principal `json:"principal,omitempty"`

	// AccessExpiry ends the elevated-access window; zero means never elevated
	AccessExpiry time.Time `json:"accessExpiry,omitempty"`

	// CSRFToken is the single active token for state-changing requests
	CSRFToken string `json:"csrfToken,omitempty"`

	CreatedAt     time.Time `json:"createdAt"`
	LastTouchedAt time.Time `json:"lastTouchedAt"`
}

// State reports the session's authorization state at now.
// Elevation lapses lazily: no timer runs, the timestamp is compared here.
func (s *Session) State(now time.Time) State {
	if s == nil || s.Principal == nil {
		return Anonymous
	}
	if !s.AccessExpiry.IsZero() && now.Before(s.AccessExpiry) {
		return Elevated
	}
	return Authenticated
}

// Authenticated reports whether the session carries a principal.
func (s *Session) Authenticated() bool {
	return s != nil && s.Principal != nil
}

// ExpiresAt is the absolute end of the session's lifetime.
func (s *Session) ExpiresAt(ttl time.Duration) time.Time {
	return s.CreatedAt.Add(ttl)
}

// clone returns a deep copy so stores never share memory with callers.
func (s Session) clone() Session {
	if s.Principal != nil {
		p := *s.Principal
		s.Principal = &p
	}
	return s
}

// validate enforces that elevation requires authentication.
func (s *Session) validate() error {
	if s.Principal == nil && !s.AccessExpiry.IsZero() {
		return ErrInvariant
	}
	return nil
}

// NewID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
