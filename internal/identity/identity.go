// Package identity resolves principals from external identity providers and
// from self-asserted usernames.
package identity

import (
	"context"
	"errors"

	"github.com/al-bashkir/accessgate/internal/session"
)

var (
	// ErrNotConfigured is returned when a provider lacks the settings it needs.
	ErrNotConfigured = errors.New("identity provider not configured")

	// ErrNoToken is returned when the connector has no access token to hand out.
	ErrNoToken = errors.New("no access token available")

	// ErrInvalidUsername is returned for a self-asserted username that fails validation.
	ErrInvalidUsername = errors.New("invalid username")
)

// Source produces the principal of whoever is behind the current credentials.
type Source interface {
	Principal(ctx context.Context) (session.Principal, error)
}
