package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	now := time.Date(2025, 9, 1, 9, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "vault-api",
		TokenTTL:      30 * time.Minute,
		Clock:         func() time.Time { return now },
	})

	tokenString, expiresAt, err := issuer.IssueSessionToken(context.Background(), SessionSubject{
		SessionID: "session-9",
		UserID:    "user-123",
		Email:     "user@example.com",
		Role:      "member",
	})
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	claims := &SessionClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}

	if claims.Subject != "user-123" || claims.UserID != "user-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "vault-api" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if claims.ID != "session-9" || claims.UserRole != "member" {
		t.Fatalf("unexpected claims %+v", claims)
	}
}

func TestTokenIssuerDefaultsTTL(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("secret"), Issuer: "vault-api"})
	if issuer.TTL() != defaultTokenTTL {
		t.Fatalf("expected default ttl, got %s", issuer.TTL())
	}
}

func TestTokenIssuerRejectsMissingSecret(t *testing.T) {
	issuer := NewTokenIssuer(TokenIssuerConfig{Issuer: "vault-api", TokenTTL: time.Minute})
	_, _, err := issuer.IssueSessionToken(context.Background(), SessionSubject{SessionID: "s", UserID: "u"})
	if err == nil {
		t.Fatalf("expected error for missing secret")
	}
}
