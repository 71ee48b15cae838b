package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionIssuer     = errors.New("session validator: issuer required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
	ErrUnknownSessionRole       = errors.New("session validator: unknown role")
)

// sessionRoles are the role claims a session may carry. Empty is accepted; the profile is
// authoritative.
var sessionRoles = map[string]struct{}{"": {}, "admin": {}, "member": {}}

// SessionClaims is the JWT payload bound to the vault session cookie. The jti is the id of
// the server-side session row, so revoking the row invalidates the cookie.
type SessionClaims struct {
	UserID          string `json:"user_id"`
	UserEmail       string `json:"user_email"`
	UserDisplayName string `json:"user_display_name"`
	UserRole        string `json:"user_role"`
	jwt.RegisteredClaims
}

// SessionID returns the session identifier carried in the jti claim.
func (c SessionClaims) SessionID() string {
	return c.ID
}

func (c SessionClaims) check() error {
	if strings.TrimSpace(c.Subject) == "" || strings.TrimSpace(c.UserID) == "" || strings.TrimSpace(c.ID) == "" {
		return ErrMissingSessionSubject
	}
	if c.Subject != c.UserID {
		return fmt.Errorf("%w: subject and user id differ", ErrInvalidSessionToken)
	}
	if _, ok := sessionRoles[c.UserRole]; !ok {
		return ErrUnknownSessionRole
	}
	return nil
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator reads the session cookie and verifies its HS256 signature, issuer and expiry.
type SessionValidator struct {
	parser     *jwt.Parser
	secret     []byte
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingSessionIssuer
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		parser: jwt.NewParser(
			jwt.WithTimeFunc(clock),
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
		),
		secret:     append([]byte(nil), cfg.SigningSecret...),
		cookieName: cookieName,
	}, nil
}

// CookieName returns the cookie name configured for session lookups.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

func (v *SessionValidator) key(t *jwt.Token) (interface{}, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidSessionToken, t.Method.Alg())
	}
	return v.secret, nil
}

// ValidateToken verifies tokenString and returns its claims.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	parsed, err := v.parser.ParseWithClaims(token, &claims, v.key)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	case !parsed.Valid:
		return SessionClaims{}, ErrInvalidSessionToken
	}
	if err := claims.check(); err != nil {
		return SessionClaims{}, err
	}
	return claims, nil
}

// ValidateRequest validates the session cookie carried by r.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
