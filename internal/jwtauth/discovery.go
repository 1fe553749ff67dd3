package jwtauth

import (
	"context"
	"errors"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chatrelay/chatrelay/auth"
)

type discoveryAuthenticator struct {
	cfg     *Config
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery constructs an authenticator by resolving the issuer's
// OIDC discovery document and validating tokens against its advertised JWKS.
func NewFromDiscovery(ctx context.Context, cfg *Config) (auth.Authenticator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = DefaultConfig().AllowedAlgs
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = DefaultConfig().Leeway
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}

	// Auto-refreshing JWKS
	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &discoveryAuthenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		if !algAllowed(t.Method.Alg(), cfg.AllowedAlgs) {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return kf.Keyfunc(t)
	}}, nil
}

// CheckAuthentication implements auth.Authenticator.
func (a *discoveryAuthenticator) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
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

var _ auth.Authenticator = (*discoveryAuthenticator)(nil)
