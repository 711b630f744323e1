package identity

import (
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/al-bashkir/accessgate/internal/session"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// usernameInput is validated with struct tags; "username" is registered below.
type usernameInput struct {
	Username string `validate:"required,min=3,max=20,username"`
}

// UsernameValidator turns raw self-asserted usernames into principals.
// Usernames are not verified against anything; whoever types a name gets it.
type UsernameValidator struct {
	validate *validator.Validate
}

// NewUsernameValidator creates a validator with the username rule registered.
func NewUsernameValidator() *UsernameValidator {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return &UsernameValidator{validate: v}
}

// Principal validates raw and returns a fresh self-asserted principal.
// The name is trimmed, must be 3-20 characters of [A-Za-z0-9_-], and is
// HTML-escaped before it is stored.
func (u *UsernameValidator) Principal(raw string) (session.Principal, error) {
	in := usernameInput{Username: strings.TrimSpace(raw)}
	if err := u.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return session.Principal{}, fmt.Errorf("%w: failed %q rule", ErrInvalidUsername, verrs[0].Tag())
		}
		return session.Principal{}, fmt.Errorf("%w: %v", ErrInvalidUsername, err)
	}

	return session.Principal{
		ID:          uuid.NewString(),
		DisplayName: html.EscapeString(in.Username),
		Provider:    session.ProviderSelfAsserted,
	}, nil
}
