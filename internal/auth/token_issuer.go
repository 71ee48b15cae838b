package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 7 * 24 * time.Hour
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
	errMissingSessionID     = errors.New("session id must be provided")
)

// TokenIssuerConfig configures the session JWT issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// SessionSubject describes the user a session token is issued for.
type SessionSubject struct {
	SessionID   string
	UserID      string
	Email       string
	DisplayName string
	Role        string
}

// TokenIssuer signs session JWTs that SessionValidator accepts.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) *TokenIssuer {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		config: TokenIssuerConfig{
			SigningSecret: cfg.SigningSecret,
			Issuer:        cfg.Issuer,
			TokenTTL:      ttl,
			Clock:         clock,
		},
		clock: clock,
	}
}

// TTL returns the configured session lifetime.
func (i *TokenIssuer) TTL() time.Duration {
	return i.config.TokenTTL
}

// IssueSessionToken produces a signed JWT and its expiry for subject.
func (i *TokenIssuer) IssueSessionToken(_ context.Context, subject SessionSubject) (string, time.Time, error) {
	if len(i.config.SigningSecret) == 0 {
		return "", time.Time{}, errMissingSigningSecret
	}
	if subject.UserID == "" {
		return "", time.Time{}, errMissingSubjectClaim
	}
	if subject.SessionID == "" {
		return "", time.Time{}, errMissingSessionID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.config.TokenTTL).UTC()

	claims := SessionClaims{
		UserID:          subject.UserID,
		UserEmail:       subject.Email,
		UserDisplayName: subject.DisplayName,
		UserRole:        subject.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        subject.SessionID,
			Subject:   subject.UserID,
			Issuer:    i.config.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}
