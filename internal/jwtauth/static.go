package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chatrelay/chatrelay/auth"
)

type staticAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewStatic constructs an authenticator that validates JWT access tokens
// against a statically configured issuer and JWKS URI (no discovery). The
// JWKS is fetched and refreshed in the background by keyfunc.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &staticAuthenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if !algAllowed(t.Method.Alg(), cfg.AllowedAlgs) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf.Keyfunc(t)
	}}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *staticAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", auth.ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", auth.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", auth.ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", auth.ErrUnauthorized)
	}
	sub, username := identityFromClaims(claims)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", auth.ErrUnauthorized)
	}
	return &userInfo{sub: sub, username: username, claims: claims}, nil
}

var _ auth.Authenticator = (*staticAuthenticator)(nil)
