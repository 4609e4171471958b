package auth

import (
	"errors"
	"testing"
	"time"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	tok, err := NewServiceToken("job-board", RelayScope+" other", "secret", time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	claims, err := ParseService(tok, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Service != "job-board" {
		t.Fatalf("service = %q", claims.Service)
	}
}

func TestParseServiceRejectsWrongSecret(t *testing.T) {
	tok, _ := NewServiceToken("job-board", RelayScope, "secret", time.Minute)
	if _, err := ParseService(tok, "other"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseServiceRequiresScope(t *testing.T) {
	tok, _ := NewServiceToken("job-board", "bookings:read", "secret", time.Minute)
	if _, err := ParseService(tok, "secret"); !errors.Is(err, ErrMissingScope) {
		t.Fatalf("err = %v, want ErrMissingScope", err)
	}
}

func TestParseRejectsExpired(t *testing.T) {
	tok, _ := NewServiceToken("job-board", RelayScope, "secret", -time.Minute)
	if _, err := Parse(tok, "secret"); err == nil {
		t.Fatal("expected expiry error")
	}
}
