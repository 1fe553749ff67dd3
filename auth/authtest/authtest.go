// Package authtest provides trivial Authenticator implementations for tests
// and development environments where a real token issuer is not running.
package authtest

import (
	"context"
	"fmt"

	"github.com/chatrelay/chatrelay/auth"
)

// Static maps literal token strings to usernames. Any token not in the map
// fails authentication.
type Static struct {
	Tokens map[string]string // token -> username
}

// NewStatic creates a Static authenticator from token->username pairs.
func NewStatic(tokens map[string]string) *Static {
	return &Static{Tokens: tokens}
}

// CheckAuthentication implements auth.Authenticator.
func (s *Static) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	username, ok := s.Tokens[tok]
	if !ok {
		return nil, fmt.Errorf("%w: unknown token", auth.ErrUnauthorized)
	}
	return &staticUser{username: username}, nil
}

type staticUser struct {
	username string
}

func (u *staticUser) UserID() string   { return u.username }
func (u *staticUser) Username() string { return u.username }
func (u *staticUser) Claims(ref any) error {
	return fmt.Errorf("static user has no claims")
}

var _ auth.Authenticator = (*Static)(nil)
