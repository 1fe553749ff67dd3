// Package jwtauth implements the auth.Authenticator contract for JWT bearer
// tokens in three modes: a shared HMAC secret (the classic single-server
// deployment), a static JWKS endpoint, and full OIDC discovery for deployments
// that delegate identity to a provider such as Keycloak.
package jwtauth

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config controls validation behavior shared by the JWKS and discovery modes.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the accepted audiences. Empty means the
	// audience claim is not enforced.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

// DefaultConfig returns a Config with safe algorithm and leeway defaults.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs: []string{"RS256"},
		Leeway:      60 * time.Second,
	}
}

// userInfo is the concrete auth.UserInfo carrier for validated tokens.
type userInfo struct {
	sub      string
	username string
	claims   map[string]any
}

func (u *userInfo) UserID() string   { return u.sub }
func (u *userInfo) Username() string { return u.username }

func (u *userInfo) Claims(ref any) error {
	raw, err := json.Marshal(u.claims)
	if err != nil {
		return fmt.Errorf("marshal claims: %w", err)
	}
	if err := json.Unmarshal(raw, ref); err != nil {
		return fmt.Errorf("unmarshal claims: %w", err)
	}
	return nil
}

// identityFromClaims extracts the stable subject and the display username
// from token claims. The original issuer puts the display name in a
// "username" claim; OIDC providers use "preferred_username"; either falls
// back to the other or to sub.
func identityFromClaims(claims map[string]any) (sub, username string) {
	sub, _ = claims["sub"].(string)
	if v, ok := claims["username"].(string); ok && v != "" {
		username = v
	} else if v, ok := claims["preferred_username"].(string); ok && v != "" {
		username = v
	}
	if username == "" {
		username = sub
	}
	if sub == "" {
		sub = username
	}
	return sub, username
}

func audIntersects(aud any, wants []string) bool {
	if len(wants) == 0 {
		return true
	}
	wantSet := map[string]struct{}{}
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, ok2 := wantSet[s]; ok2 {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, ok := wantSet[s]; ok {
				return true
			}
		}
	}
	return false
}

func algAllowed(alg string, allowed []string) bool {
	for _, a := range allowed {
		if alg == a {
			return true
		}
	}
	return false
}
