package jwtauth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/chatrelay/chatrelay/auth"
)

var testSecret = []byte("my_super_secret_key")

func signHMAC(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestHMAC_ValidToken(t *testing.T) {
	a, err := NewHMAC(HMACConfig{Secret: testSecret})
	if err != nil {
		t.Fatalf("NewHMAC: %v", err)
	}

	tok := signHMAC(t, testSecret, jwt.MapClaims{
		"username": "alice",
		"iat":      time.Now().Unix(),
		"exp":      time.Now().Add(24 * time.Hour).Unix(),
	})

	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.Username() != "alice" {
		t.Fatalf("expected username alice, got %q", ui.Username())
	}
	if ui.UserID() == "" {
		t.Fatal("expected non-empty user id")
	}
}

func TestHMAC_PreferredUsernameFallback(t *testing.T) {
	a, _ := NewHMAC(HMACConfig{Secret: testSecret})
	tok := signHMAC(t, testSecret, jwt.MapClaims{
		"sub":                "user-1",
		"preferred_username": "bob",
		"exp":                time.Now().Add(time.Hour).Unix(),
	})

	ui, err := a.CheckAuthentication(context.Background(), tok)
	if err != nil {
		t.Fatalf("CheckAuthentication: %v", err)
	}
	if ui.Username() != "bob" {
		t.Fatalf("expected username bob, got %q", ui.Username())
	}
	if ui.UserID() != "user-1" {
		t.Fatalf("expected user id user-1, got %q", ui.UserID())
	}
}

func TestHMAC_Failures(t *testing.T) {
	a, _ := NewHMAC(HMACConfig{Secret: testSecret})

	cases := []struct {
		name string
		tok  string
	}{
		{"EmptyToken", ""},
		{"Garbage", "not-a-jwt"},
		{"WrongSecret", signHMAC(t, []byte("other-secret"), jwt.MapClaims{
			"username": "alice",
			"exp":      time.Now().Add(time.Hour).Unix(),
		})},
		{"Expired", signHMAC(t, testSecret, jwt.MapClaims{
			"username": "alice",
			"exp":      time.Now().Add(-time.Hour).Unix(),
		})},
		{"MissingExpiry", signHMAC(t, testSecret, jwt.MapClaims{
			"username": "alice",
		})},
		{"NoIdentity", signHMAC(t, testSecret, jwt.MapClaims{
			"exp": time.Now().Add(time.Hour).Unix(),
		})},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := a.CheckAuthentication(context.Background(), tc.tok)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, auth.ErrUnauthorized) {
				t.Fatalf("expected ErrUnauthorized, got %v", err)
			}
		})
	}
}

func TestHMAC_IssuerEnforced(t *testing.T) {
	a, _ := NewHMAC(HMACConfig{Secret: testSecret, Issuer: "chatrelay"})

	good := signHMAC(t, testSecret, jwt.MapClaims{
		"username": "alice",
		"iss":      "chatrelay",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.CheckAuthentication(context.Background(), good); err != nil {
		t.Fatalf("expected valid token, got %v", err)
	}

	bad := signHMAC(t, testSecret, jwt.MapClaims{
		"username": "alice",
		"iss":      "someone-else",
		"exp":      time.Now().Add(time.Hour).Unix(),
	})
	if _, err := a.CheckAuthentication(context.Background(), bad); !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestHMAC_RequiresSecret(t *testing.T) {
	if _, err := NewHMAC(HMACConfig{}); err == nil {
		t.Fatal("expected error for missing secret")
	}
}
