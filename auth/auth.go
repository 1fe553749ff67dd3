// Package auth defines the bearer-token verification contract consumed by
// the relay. The relay treats tokens as opaque: it hands the raw string to an
// Authenticator and acts on the identity or failure that comes back. Token
// issuance is someone else's problem.
package auth

import (
	"context"
	"errors"
)

// ErrUnauthorized indicates authentication failed or no valid credentials
// were supplied. Verifier implementations wrap their detail behind it so
// callers can branch on the class without parsing messages.
var ErrUnauthorized = errors.New("unauthorized")

// UserInfo represents an authenticated principal.
// Implementations should be lightweight and safe for concurrent use.
type UserInfo interface {
	// UserID returns the unique identifier for the user.
	UserID() string
	// Username returns the display identity attached to relayed messages.
	Username() string
	// Claims unmarshals the user's claims into the provided struct reference.
	Claims(ref any) error
}

// Authenticator validates bearer tokens and returns associated user info.
// It must return an error wrapping ErrUnauthorized for invalid credentials.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}
