package jwt

import (
	"testing"
	"time"
)

func TestGenerateAndParse(t *testing.T) {
	token, err := GenerateToken("alice", false, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Owner != "alice" {
		t.Fatalf("expected owner alice, got %q", claims.Owner)
	}
	if !claims.Allows("alice") {
		t.Fatal("expected token to allow its own owner")
	}
	if claims.Allows("bob") {
		t.Fatal("expected token to reject other owners")
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("alice", false, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "other"); err == nil {
		t.Fatal("expected signature error")
	}
}

func TestParseRejectsExpired(t *testing.T) {
	token, err := GenerateToken("alice", false, "secret", -time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := Parse(token, "secret"); err == nil {
		t.Fatal("expected expiry error")
	}
}

func TestAdminAllowsEveryOwner(t *testing.T) {
	token, err := GenerateToken("", true, "secret", time.Minute)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := Parse(token, "secret")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !claims.Allows("anyone") {
		t.Fatal("expected admin token to allow any owner")
	}
}
