package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/domlens/domlens/hub/config"
)

const testSecret = "test-secret-at-least-32-chars-long!!"

func TestService_GenerateAndValidate(t *testing.T) {
	svc := NewService(testSecret, time.Hour)

	token, err := svc.GenerateToken("u-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}

	identity, err := svc.ValidateToken(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if identity.UserID != "u-1" {
		t.Errorf("expected user id u-1, got %q", identity.UserID)
	}
	if identity.Username != "alice" {
		t.Errorf("expected username alice, got %q", identity.Username)
	}
}

func TestService_RejectsExpiredToken(t *testing.T) {
	svc := NewService(testSecret, -time.Minute)
	token, err := svc.GenerateToken("u-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestService_RejectsWrongSecret(t *testing.T) {
	issuer := NewService(testSecret, time.Hour)
	verifier := NewService("another-secret-also-32-chars-long!!!", time.Hour)

	token, err := issuer.GenerateToken("u-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := verifier.ValidateToken(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
}

func TestService_RejectsGarbage(t *testing.T) {
	svc := NewService(testSecret, time.Hour)
	for _, tok := range []string{"", "not.a.jwt", "aaaa.bbbb.cccc"} {
		if _, err := svc.ValidateToken(context.Background(), tok); err == nil {
			t.Errorf("expected error for token %q", tok)
		}
	}
}

func TestNewProvider_Selection(t *testing.T) {
	p, err := NewProvider(config.AuthConfig{})
	if err != nil {
		t.Fatalf("empty provider config failed: %v", err)
	}
	if p != nil {
		t.Error("expected nil provider for open access")
	}

	p, err = NewProvider(config.AuthConfig{
		Provider:    "builtin",
		TokenSecret: testSecret,
		TokenExpiry: config.Duration{Duration: time.Hour},
	})
	if err != nil {
		t.Fatalf("builtin provider failed: %v", err)
	}
	if p == nil || p.Name() != "builtin" {
		t.Errorf("expected builtin provider, got %v", p)
	}

	if _, err := NewProvider(config.AuthConfig{Provider: "saml"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
