package auth

import (
	"testing"
	"time"
)

func TestHashAndVerifyPassword(t *testing.T) {
	digest, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword(digest, "correct horse battery staple") {
		t.Fatal("expected matching password to verify")
	}
	if VerifyPassword(digest, "wrong password") {
		t.Fatal("expected mismatched password to fail")
	}
}

func TestConnectionTokenRoundTrip(t *testing.T) {
	m := NewConnectionTokenManager("test-secret", time.Minute)
	tok, err := m.Issue("alice")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := m.Verify(tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "alice" {
		t.Fatalf("got user %q, want alice", claims.UserID)
	}
}

func TestConnectionTokenExpired(t *testing.T) {
	m := NewConnectionTokenManager("test-secret", time.Millisecond)
	tok, err := m.Issue("bob")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := m.Verify(tok); err == nil {
		t.Fatal("expected expired token to fail verification")
	}
}

func TestConnectionTokenWrongSecret(t *testing.T) {
	m1 := NewConnectionTokenManager("secret-one", time.Minute)
	m2 := NewConnectionTokenManager("secret-two", time.Minute)
	tok, _ := m1.Issue("carol")
	if _, err := m2.Verify(tok); err == nil {
		t.Fatal("expected token signed with a different secret to fail")
	}
}
