package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatrelay/chatrelay/auth"
)

// HMACConfig controls validation of shared-secret HS256 tokens. This is the
// mode the companion login endpoint issues tokens for.
type HMACConfig struct {
	Secret []byte
	// Issuer is enforced when non-empty.
	Issuer string
	Leeway time.Duration
}

type hmacAuthenticator struct {
	cfg HMACConfig
}

// NewHMAC constructs an authenticator that validates HS256 tokens signed
// with a shared secret.
func NewHMAC(cfg HMACConfig) (auth.Authenticator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("secret is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}
	return &hmacAuthenticator{cfg: cfg}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}

	parsed, err := jwt.NewParser(opts...).Parse(tok, func(t *jwt.Token) (any, error) {
		return a.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrUnauthorized)
	}
	sub, username := identityFromClaims(claims)
	if username == "" {
		return nil, fmt.Errorf("%w: token carries no identity", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, username: username, claims: claims}, nil
}

var _ auth.Authenticator = (*hmacAuthenticator)(nil)
