package auth

import (
	"strings"
	"testing"
	"time"
)

var secret = []byte("test-secret")

func validClaims() Claims {
	return Claims{
		Sub:   "usr_1",
		Name:  "Dana",
		Email: "dana@example.com",
		JTI:   "jti-1",
		Exp:   time.Now().Add(time.Hour).Unix(),
	}
}

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueToken(secret, validClaims())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	claims, err := ParseToken(secret, token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.Sub != "usr_1" || claims.Name != "Dana" || claims.Email != "dana@example.com" {
		t.Fatalf("claims round-trip mismatch: %+v", claims)
	}
}

func TestParseTokenWrongSecret(t *testing.T) {
	token, err := IssueToken(secret, validClaims())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken([]byte("other-secret"), token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseTokenExpired(t *testing.T) {
	claims := validClaims()
	claims.Exp = time.Now().Add(-time.Minute).Unix()
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken(secret, token); err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseTokenTampered(t *testing.T) {
	token, err := IssueToken(secret, validClaims())
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "x." + parts[1]
	if _, err := ParseToken(secret, tampered); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for tampered payload, got %v", err)
	}
}

func TestParseTokenMalformed(t *testing.T) {
	for _, raw := range []string{"", "a", "a.b.c", "!!!.###"} {
		if _, err := ParseToken(secret, raw); err != ErrInvalidToken {
			t.Fatalf("ParseToken(%q) = %v, want ErrInvalidToken", raw, err)
		}
	}
}

func TestParseTokenMissingRequiredClaims(t *testing.T) {
	claims := validClaims()
	claims.Sub = ""
	token, err := IssueToken(secret, claims)
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}

	if _, err := ParseToken(secret, token); err != ErrInvalidToken {
		t.Fatalf("expected ErrInvalidToken for empty sub, got %v", err)
	}
}

func TestHashTokenStable(t *testing.T) {
	if HashToken("abc") != HashToken("abc") {
		t.Fatal("HashToken not deterministic")
	}
	if HashToken("abc") == HashToken("abd") {
		t.Fatal("HashToken collision on different inputs")
	}
}
