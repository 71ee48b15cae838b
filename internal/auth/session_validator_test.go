package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionIssuer        = "vault-api"
	testSessionCookieName    = "vault_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
	testSessionID            = "session-1"
)

func newTestValidator(t *testing.T, now func() time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		CookieName:    testSessionCookieName,
		Clock:         now,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func newTestIssuer(now func() time.Time) *TokenIssuer {
	return NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Issuer:        testSessionIssuer,
		TokenTTL:      time.Hour,
		Clock:         now,
	})
}

func TestIssuedSessionTokenValidates(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clockNow }
	validator := newTestValidator(t, now)

	signed, expiresAt, err := newTestIssuer(now).IssueSessionToken(context.Background(), SessionSubject{
		SessionID: testSessionID,
		UserID:    testSessionUserID,
		Email:     testSessionUserEmail,
		Role:      "member",
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if !expiresAt.Equal(clockNow.Add(time.Hour)) {
		t.Fatalf("unexpected expiry %s", expiresAt)
	}

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.SessionID() != testSessionID || claims.UserRole != "member" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	signed, _, err := newTestIssuer(func() time.Time { return clockNow.Add(-2 * time.Hour) }).
		IssueSessionToken(context.Background(), SessionSubject{SessionID: testSessionID, UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	validator := newTestValidator(t, func() time.Time { return clockNow })
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuerAndAlgorithm(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, func() time.Time { return clockNow })

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        testSessionID,
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})
	signed, err := foreign.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for foreign issuer, got %v", err)
	}

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, SessionClaims{UserID: testSessionUserID})
	noneToken, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("failed to build none token: %v", err)
	}
	if _, err := validator.ValidateToken(noneToken); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token for none algorithm, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clockNow }
	validator := newTestValidator(t, now)
	signed, _, err := newTestIssuer(now).IssueSessionToken(context.Background(), SessionSubject{SessionID: testSessionID, UserID: testSessionUserID})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/api/me", http.NoBody)
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
	request.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
	if claims.Subject != testSessionUserID {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
}

func TestTokenIssuerRequiresSessionAndSubject(t *testing.T) {
	issuer := newTestIssuer(time.Now)
	if _, _, err := issuer.IssueSessionToken(context.Background(), SessionSubject{SessionID: "s"}); err == nil {
		t.Fatalf("expected missing subject error")
	}
	if _, _, err := issuer.IssueSessionToken(context.Background(), SessionSubject{UserID: "u"}); err == nil {
		t.Fatalf("expected missing session error")
	}
	empty := NewTokenIssuer(TokenIssuerConfig{})
	if _, _, err := empty.IssueSessionToken(context.Background(), SessionSubject{SessionID: "s", UserID: "u"}); err == nil {
		t.Fatalf("expected missing secret error")
	}
}

func TestSessionValidatorRejectsUnknownRole(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clockNow }
	signed, _, err := newTestIssuer(now).IssueSessionToken(context.Background(), SessionSubject{
		SessionID: testSessionID,
		UserID:    testSessionUserID,
		Role:      "owner",
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	if _, err := newTestValidator(t, now).ValidateToken(signed); !errors.Is(err, ErrUnknownSessionRole) {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}
