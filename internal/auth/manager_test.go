package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestIssueAndValidateToken(t *testing.T) {
	m, err := NewManager("secret")
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	token, err := m.IssueToken("user-42", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	subject, err := m.ValidateToken(token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if subject != "user-42" {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	m, _ := NewManager("secret")
	other, _ := NewManager("other")
	token, _ := m.IssueToken("user-42", time.Hour)

	if _, err := other.ValidateToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch, got %v", err)
	}
	if _, err := m.ValidateToken(strings.Replace(token, ".", "", 1)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected malformed token error, got %v", err)
	}
}

func TestValidateTokenExpired(t *testing.T) {
	m, _ := NewManager("secret")
	base := time.Now()
	m.now = func() time.Time { return base }
	token, _ := m.IssueToken("user-42", time.Minute)

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := m.ValidateToken(token); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestNewManagerRequiresSecret(t *testing.T) {
	if _, err := NewManager("  "); err == nil {
		t.Fatalf("expected error for blank secret")
	}
	m, _ := NewManager("secret")
	if _, err := m.IssueToken("", 0); err == nil {
		t.Fatalf("expected error for blank subject")
	}
}
