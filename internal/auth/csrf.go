package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/securecookie"
)

const (
	DefaultCSRFCookieName = "csrf-token"
	DefaultCSRFHeaderName = "X-CSRF-Token"
	csrfTokenBytes        = 32
)

var (
	ErrMissingCSRFHashKey = errors.New("csrf: hash key required")
	ErrMissingCSRFToken   = errors.New("csrf: token missing")
	ErrInvalidCSRFToken   = errors.New("csrf: token mismatch")
)

// CSRFConfig configures double-submit CSRF protection.
type CSRFConfig struct {
	HashKey           []byte
	CookieName        string
	HeaderName        string
	SessionCookieName string
	Secure            bool
	MaxAge            time.Duration
}

type csrfCookie struct {
	Token   string
	Binding string
}

// CSRF issues tokens in a signed cookie bound to a session and verifies the header copy.
type CSRF struct {
	codec             *securecookie.SecureCookie
	cookieName        string
	headerName        string
	sessionCookieName string
	secure            bool
	maxAge            time.Duration
}

// NewCSRF constructs a CSRF guard.
func NewCSRF(cfg CSRFConfig) (*CSRF, error) {
	if len(cfg.HashKey) == 0 {
		return nil, ErrMissingCSRFHashKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		cookieName = DefaultCSRFCookieName
	}
	headerName := strings.TrimSpace(cfg.HeaderName)
	if headerName == "" {
		headerName = DefaultCSRFHeaderName
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = defaultTokenTTL
	}
	codec := securecookie.New(cfg.HashKey, nil)
	codec.MaxAge(int(maxAge.Seconds()))
	return &CSRF{
		codec:             codec,
		cookieName:        cookieName,
		headerName:        headerName,
		sessionCookieName: strings.TrimSpace(cfg.SessionCookieName),
		secure:            cfg.Secure,
		maxAge:            maxAge,
	}, nil
}

// HeaderName returns the request header carrying the token.
func (c *CSRF) HeaderName() string {
	return c.headerName
}

// Issue generates a token bound to the session cookie value, stores it in the signed cookie and
// returns it for the client to echo in the header.
func (c *CSRF) Issue(w http.ResponseWriter, sessionToken string) (string, error) {
	raw := make([]byte, csrfTokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	token := hex.EncodeToString(raw)
	encoded, err := c.codec.Encode(c.cookieName, csrfCookie{Token: token, Binding: binding(sessionToken)})
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    encoded,
		Path:     "/",
		MaxAge:   int(c.maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
	return token, nil
}

// Verify checks that the header token matches the signed cookie token and that the cookie was
// issued for the session cookie presented with the request.
func (c *CSRF) Verify(r *http.Request) error {
	headerToken := strings.TrimSpace(r.Header.Get(c.headerName))
	if headerToken == "" {
		return ErrMissingCSRFToken
	}
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie.Value == "" {
		return ErrMissingCSRFToken
	}
	var stored csrfCookie
	if err := c.codec.Decode(c.cookieName, cookie.Value, &stored); err != nil {
		return ErrInvalidCSRFToken
	}
	if c.sessionCookieName != "" {
		sessionToken := ""
		if sessionCookie, err := r.Cookie(c.sessionCookieName); err == nil {
			sessionToken = sessionCookie.Value
		}
		if subtle.ConstantTimeCompare([]byte(stored.Binding), []byte(binding(sessionToken))) != 1 {
			return ErrInvalidCSRFToken
		}
	}
	if subtle.ConstantTimeCompare([]byte(stored.Token), []byte(headerToken)) != 1 {
		return ErrInvalidCSRFToken
	}
	return nil
}

func binding(sessionToken string) string {
	if sessionToken == "" {
		return ""
	}
	digest := sha256.Sum256([]byte(sessionToken))
	return hex.EncodeToString(digest[:])
}

// Clear expires the CSRF cookie.
func (c *CSRF) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	})
}
