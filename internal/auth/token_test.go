package auth

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndVerify_Success(t *testing.T) {
	t.Parallel()

	svc := NewTokenService("super-secret", time.Hour)

	tok, err := svc.Issue("user-123", PurposeSession)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	got, err := svc.Verify(tok, PurposeSession)
	if err != nil {
		t.Fatalf("Verify error: %v", err)
	}
	if got != "user-123" {
		t.Fatalf("userID mismatch: got %q want %q", got, "user-123")
	}
}

func TestVerify_Expired(t *testing.T) {
	t.Parallel()

	issuedAt := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	issuer := NewTokenService("secret", 0).WithClock(func() time.Time { return issuedAt })

	tok, err := issuer.Issue("u1", PurposeVerify)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	almost := issuer.WithClock(func() time.Time { return issuedAt.Add(DefaultTokenTTL - time.Minute) })
	if _, err := almost.Verify(tok, PurposeVerify); err != nil {
		t.Fatalf("expected token valid before expiry, got %v", err)
	}

	later := issuer.WithClock(func() time.Time { return issuedAt.Add(DefaultTokenTTL + time.Minute) })
	if _, err := later.Verify(tok, PurposeVerify); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestVerify_WrongSecret(t *testing.T) {
	t.Parallel()

	tok, err := NewTokenService("right-secret", time.Hour).Issue("u2", PurposeSession)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if _, err := NewTokenService("wrong-secret", time.Hour).Verify(tok, PurposeSession); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for bad signature, got %v", err)
	}
}

func TestVerify_Tampered(t *testing.T) {
	t.Parallel()

	svc := NewTokenService("k", time.Hour)
	tok, err := svc.Issue("u3", PurposeSession)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	parts := strings.Split(tok, ".")
	if len(parts) != 3 {
		t.Fatalf("unexpected token shape: %q", tok)
	}
	forged := `{"sub":"attacker","purpose":"session","exp":4102444800}`
	parts[1] = base64.RawURLEncoding.EncodeToString([]byte(forged))
	tampered := strings.Join(parts, ".")
	if _, err := svc.Verify(tampered, PurposeSession); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	t.Parallel()

	svc := NewTokenService("k", time.Hour)
	for _, raw := range []string{"", "not.a.jwt", "abc"} {
		if _, err := svc.Verify(raw, PurposeSession); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken for %q, got %v", raw, err)
		}
	}
}

func TestVerify_PurposeMismatch(t *testing.T) {
	t.Parallel()

	svc := NewTokenService("k", time.Hour)
	verifyTok, err := svc.Issue("u4", PurposeVerify)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}

	if _, err := svc.Verify(verifyTok, PurposeSession); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("verification token must not work as a session token, got %v", err)
	}

	sessionTok, err := svc.Issue("u4", PurposeSession)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	if _, err := svc.Verify(sessionTok, PurposeVerify); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("session token must not verify an email, got %v", err)
	}
}

func TestVerify_RejectsNonHMAC(t *testing.T) {
	t.Parallel()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u5",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Purpose: PurposeSession,
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	if _, err := NewTokenService("k", time.Hour).Verify(tok, PurposeSession); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for alg=none, got %v", err)
	}
}

func TestIssue_RequiresSubject(t *testing.T) {
	t.Parallel()

	if _, err := NewTokenService("k", time.Hour).Issue("  ", PurposeSession); err == nil {
		t.Fatalf("expected error for empty subject")
	}
}
