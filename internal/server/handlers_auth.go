package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/identity"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,max=128"`
}

type otpRequest struct {
	Channel     identity.Channel `json:"channel" validate:"required,oneof=email sms magic_link"`
	Destination string           `json:"destination" validate:"required,max=320"`
}

type verifyOTPRequest struct {
	Channel     identity.Channel `json:"channel" validate:"required,oneof=email sms"`
	Destination string           `json:"destination" validate:"required,max=320"`
	Code        string           `json:"code" validate:"required,len=6,numeric"`
}

type inviteSignUpRequest struct {
	InviteCode string `json:"inviteCode" validate:"required,max=32"`
}

type sessionResponse struct {
	User      users.User `json:"user"`
	CSRFToken string     `json:"csrfToken"`
	ExpiresAt time.Time  `json:"expiresAt"`
}

type csrfResponse struct {
	CSRFToken string `json:"csrfToken"`
}

func (h *httpHandler) handleSignUp(c *gin.Context) error {
	var input identity.SignUpInput
	if err := h.bindJSON(c, &input); err != nil {
		return err
	}
	user, err := h.identity.SignUp(c.Request.Context(), input)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusCreated, user, signUpMessage(user))
	return nil
}

func (h *httpHandler) handleSignUpWithInvite(c *gin.Context) error {
	var input identity.SignUpInput
	var invite inviteSignUpRequest
	if err := h.bindJSON(c, &input, &invite); err != nil {
		return err
	}
	user, err := h.identity.SignUpWithInvite(c.Request.Context(), input)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusCreated, user, signUpMessage(user))
	return nil
}

func signUpMessage(user users.User) string {
	if user.Status == users.StatusApproved {
		return "Account created"
	}
	return "Account created and awaiting approval"
}

func (h *httpHandler) handleLogin(c *gin.Context) error {
	var request loginRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	issued, err := h.identity.SignInWithPassword(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		return err
	}
	return h.startSession(c, issued)
}

func (h *httpHandler) handleRequestOTP(c *gin.Context) error {
	var request otpRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	if err := h.identity.SignInWithOTP(c.Request.Context(), request.Channel, request.Destination); err != nil {
		return err
	}
	respondOK(c, http.StatusOK, nil, "If the account exists a sign-in code has been sent")
	return nil
}

func (h *httpHandler) handleVerifyOTP(c *gin.Context) error {
	var request verifyOTPRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	issued, err := h.identity.VerifyOTP(c.Request.Context(), request.Channel, request.Destination, request.Code)
	if err != nil {
		return err
	}
	return h.startSession(c, issued)
}

func (h *httpHandler) handleCallback(c *gin.Context) error {
	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		return apperrors.ValidationFields("Validation failed", map[string][]string{"code": {"is required"}})
	}
	issued, err := h.identity.ExchangeCodeForSession(c.Request.Context(), code)
	if err != nil {
		return err
	}
	return h.startSession(c, issued)
}

// handleIssueCSRF issues a CSRF token bound to the presented session cookie.
func (h *httpHandler) handleIssueCSRF(c *gin.Context) error {
	if _, err := h.identity.GetSession(c.Request); err != nil {
		return sessionFailure(err)
	}
	cookie, err := c.Request.Cookie(h.identity.CookieName())
	if err != nil {
		return errUnauthorized
	}
	token, err := h.csrf.Issue(c.Writer, cookie.Value)
	if err != nil {
		return apperrors.Internal(err)
	}
	respondOK(c, http.StatusOK, csrfResponse{CSRFToken: token}, "")
	return nil
}

func (h *httpHandler) handleLogout(c *gin.Context, _ users.Actor) error {
	session, ok := sessionFrom(c)
	if !ok {
		return errUnauthorized
	}
	if err := h.identity.SignOut(c.Request.Context(), session); err != nil {
		return err
	}
	h.clearSessionCookie(c)
	h.csrf.Clear(c.Writer)
	respondOK(c, http.StatusOK, nil, "Signed out")
	return nil
}

func (h *httpHandler) handleMe(c *gin.Context, actor users.Actor) error {
	profile, err := h.users.Profile(c.Request.Context(), actor.ID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, profile, "")
	return nil
}

func (h *httpHandler) startSession(c *gin.Context, issued identity.Issued) error {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.identity.CookieName(),
		Value:    issued.Token,
		Path:     "/",
		Expires:  issued.ExpiresAt,
		MaxAge:   int(issued.ExpiresAt.Sub(h.now()).Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	token, err := h.csrf.Issue(c.Writer, issued.Token)
	if err != nil {
		return apperrors.Internal(err)
	}
	respondOK(c, http.StatusOK, sessionResponse{User: issued.User, CSRFToken: token, ExpiresAt: issued.ExpiresAt}, "Signed in")
	return nil
}

func (h *httpHandler) clearSessionCookie(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.identity.CookieName(),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
