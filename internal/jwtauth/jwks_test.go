package jwtauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/chatrelay/chatrelay/auth"
)

type mockIssuer struct {
	srv      *httptest.Server
	issuer   string
	jwksPath string
}

func newMockIssuer(t *testing.T, keysJSON []byte) *mockIssuer {
	t.Helper()
	m := &mockIssuer{jwksPath: "/keys"}
	handler := http.NewServeMux()
	handler.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   m.issuer,
			"jwks_uri":                 m.issuer + m.jwksPath,
			"authorization_endpoint":   m.issuer + "/oauth2/auth",
			"token_endpoint":           m.issuer + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	handler.HandleFunc(m.jwksPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keysJSON)
	})
	m.srv = httptest.NewServer(handler)
	m.issuer = m.srv.URL
	t.Cleanup(m.srv.Close)
	return m
}

func (m *mockIssuer) jwksURI() string { return m.issuer + m.jwksPath }

func genRSA(t *testing.T) (*rsa.PrivateKey, string, []byte) {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	kid := "test-key"
	jwk := jose.JSONWebKey{Key: &pk.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig"}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{jwk}}
	b, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}
	return pk, kid, b
}

func signRS256(t *testing.T, pk *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(pk)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func jwksConfig(issuer, aud string) *Config {
	cfg := DefaultConfig()
	cfg.Issuer = issuer
	cfg.ExpectedAudiences = []string{aud}
	return cfg
}

func baseClaims(issuer, aud string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":                issuer,
		"sub":                "user-123",
		"preferred_username": "alice",
		"aud":                aud,
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
	}
}

// verifierModes builds one authenticator per JWKS-backed mode against the
// same mock issuer, so every case below runs identically through both.
func verifierModes(t *testing.T, m *mockIssuer, aud string) map[string]auth.Authenticator {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	static, err := NewStatic(ctx, jwksConfig(m.issuer, aud), m.jwksURI())
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	discovered, err := NewFromDiscovery(ctx, jwksConfig(m.issuer, aud))
	if err != nil {
		t.Fatalf("NewFromDiscovery: %v", err)
	}
	return map[string]auth.Authenticator{
		"static":    static,
		"discovery": discovered,
	}
}

func TestJWKSModesHappyPath(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockIssuer(t, jwks)
	aud := "chatrelay"

	for name, a := range verifierModes(t, m, aud) {
		t.Run(name, func(t *testing.T) {
			tok := signRS256(t, pk, kid, baseClaims(m.issuer, aud))
			ui, err := a.CheckAuthentication(context.Background(), tok)
			if err != nil {
				t.Fatalf("CheckAuthentication: %v", err)
			}
			if ui.UserID() != "user-123" {
				t.Fatalf("want sub user-123, got %s", ui.UserID())
			}
			if ui.Username() != "alice" {
				t.Fatalf("want username alice, got %s", ui.Username())
			}
		})
	}
}

func TestJWKSModesAudienceMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockIssuer(t, jwks)

	for name, a := range verifierModes(t, m, "chatrelay") {
		t.Run(name, func(t *testing.T) {
			claims := baseClaims(m.issuer, "some-other-service")
			tok := signRS256(t, pk, kid, claims)
			if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized for audience mismatch, got %v", err)
			}
		})
	}
}

func TestJWKSModesDisallowedAlg(t *testing.T) {
	_, _, jwks := genRSA(t)
	m := newMockIssuer(t, jwks)
	aud := "chatrelay"

	// HS256 token against RS256-only verifiers: rejected before any key
	// lookup can happen.
	hsTok := jwt.NewWithClaims(jwt.SigningMethodHS256, baseClaims(m.issuer, aud))
	signed, err := hsTok.SignedString([]byte("shared-secret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	for name, a := range verifierModes(t, m, aud) {
		t.Run(name, func(t *testing.T) {
			if _, err := a.CheckAuthentication(context.Background(), signed); !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized for disallowed alg, got %v", err)
			}
		})
	}
}

func TestJWKSModesIssuerMismatch(t *testing.T) {
	pk, kid, jwks := genRSA(t)
	m := newMockIssuer(t, jwks)
	aud := "chatrelay"

	for name, a := range verifierModes(t, m, aud) {
		t.Run(name, func(t *testing.T) {
			claims := baseClaims("https://evil.example.com", aud)
			tok := signRS256(t, pk, kid, claims)
			if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized for issuer mismatch, got %v", err)
			}
		})
	}
}

func TestJWKSModesUnknownKeyID(t *testing.T) {
	_, _, jwks := genRSA(t)
	m := newMockIssuer(t, jwks)
	aud := "chatrelay"

	// Token signed by a key the JWKS has never published.
	rogue, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen rogue key: %v", err)
	}
	tok := signRS256(t, rogue, "rogue-key", baseClaims(m.issuer, aud))

	for name, a := range verifierModes(t, m, aud) {
		t.Run(name, func(t *testing.T) {
			if _, err := a.CheckAuthentication(context.Background(), tok); !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("want ErrUnauthorized for unknown kid, got %v", err)
			}
		})
	}
}

func TestDiscoveryMissingJWKSURI(t *testing.T) {
	var issuer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/oauth2/auth",
			"token_endpoint":         issuer + "/oauth2/token",
		})
	}))
	defer srv.Close()
	issuer = srv.URL

	cfg := jwksConfig(issuer, "chatrelay")
	if _, err := NewFromDiscovery(context.Background(), cfg); err == nil {
		t.Fatal("expected error for discovery document without jwks_uri")
	}
}
