package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func newTestIssuer(t *testing.T, secret string, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(secret),
		Issuer:        DefaultIssuer,
		Audience:      DefaultAudience,
		TokenTTL:      30 * time.Minute,
		Clock:         clock,
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}

func TestTokenIssuerIssuesSignedTokens(t *testing.T) {
	issuer := newTestIssuer(t, "super-secret", nil)

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "deckhand")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "deckhand" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != DefaultAudience {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsBlankSubject(t *testing.T) {
	issuer := newTestIssuer(t, "super-secret", nil)
	if _, _, err := issuer.IssueToken(context.Background(), "  "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := newTestIssuer(t, "another-secret", nil)

	tokenString, _, err := issuer.IssueToken(context.Background(), "quartermaster")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}
	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "quartermaster" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error for malformed token, got %v", err)
	}
	if _, err := issuer.ValidateToken(""); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}

	other := newTestIssuer(t, "different-secret", nil)
	if _, err := other.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature mismatch to be invalid, got %v", err)
	}
}

func TestTokenIssuerReportsExpiredTokens(t *testing.T) {
	issuedAt := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, "secret", func() time.Time { return now })

	tokenString, _, err := issuer.IssueToken(context.Background(), "cabin-boy")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = issuedAt.Add(time.Hour)
	_, err = issuer.ValidateToken(tokenString)
	if !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
	if !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected jwt expiry cause to be preserved, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	cases := []struct {
		name     string
		config   TokenIssuerConfig
		expected error
	}{
		{"missing secret", TokenIssuerConfig{Issuer: "i", Audience: "a", TokenTTL: time.Minute}, ErrMissingSigningSecret},
		{"missing issuer", TokenIssuerConfig{SigningSecret: []byte("s"), Audience: "a", TokenTTL: time.Minute}, ErrMissingIssuer},
		{"blank audience", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: " ", TokenTTL: time.Minute}, ErrMissingAudience},
		{"zero ttl", TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: "i", Audience: "a"}, ErrInvalidTTL},
	}
	for _, testCase := range cases {
		if _, err := NewTokenIssuer(testCase.config); !errors.Is(err, testCase.expected) {
			t.Fatalf("%s: expected %v, got %v", testCase.name, testCase.expected, err)
		}
	}
}
