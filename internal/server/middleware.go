package server

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/identity"
	"github.com/MarcoPoloResearchLab/vault/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	requestIDContextKey = "vault_request_id"
	startedAtContextKey = "vault_started_at"
	actorContextKey     = "vault_actor"
	sessionContextKey   = "vault_session"
)

var (
	errCSRF          = apperrors.Authentication("Invalid CSRF token").WithStatus(http.StatusForbidden)
	errUnauthorized  = apperrors.Authentication("Authentication required")
	errNotApproved   = apperrors.Authorization("Account pending approval")
	errAdminRequired = apperrors.Authorization("Admin access required")
)

// actorHandler is a request handler running behind authentication.
type actorHandler func(c *gin.Context, actor users.Actor) error

// publicHandler is a request handler reachable without a session.
type publicHandler func(c *gin.Context) error

// identifierFunc derives the rate limit key of a request.
type identifierFunc func(c *gin.Context) string

// withRequestContext assigns the request id and start time and attaches request metadata to
// the request context for the activity log.
func (h *httpHandler) withRequestContext(c *gin.Context) {
	requestID := uuid.Must(uuid.NewV7()).String()
	c.Set(requestIDContextKey, requestID)
	c.Set(startedAtContextKey, time.Now())
	c.Header(headerRequestID, requestID)
	c.Request = c.Request.WithContext(activity.WithRequestMeta(c.Request.Context(), activity.RequestMeta{
		IPAddress: ratelimit.ClientIP(c.Request),
		UserAgent: c.Request.UserAgent(),
		RequestID: requestID,
	}))
	c.Next()
}

// withAuth runs handler behind the full pipeline: rate limit, CSRF, session, approval,
// request logging and the error boundary.
func (h *httpHandler) withAuth(handler actorHandler) gin.HandlerFunc {
	return h.authenticated(false, handler)
}

// withAdminAuth is withAuth plus an admin role check after authentication.
func (h *httpHandler) withAdminAuth(handler actorHandler) gin.HandlerFunc {
	return h.authenticated(true, handler)
}

func (h *httpHandler) authenticated(adminOnly bool, handler actorHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var actor users.Actor
		timed := newTimedWriter(c)
		c.Writer = timed
		defer timed.stamp()
		defer h.recoverPanic(c, &actor)

		clientIP := ratelimit.ClientIP(c.Request)
		if err := h.checkRateLimit(c, h.apiLimiter, "api:"+clientIP); err != nil {
			h.respondError(c, actor, err)
			return
		}
		if mutating(c.Request.Method) {
			if err := h.csrf.Verify(c.Request); err != nil {
				h.respondError(c, actor, apperrors.Wrap(apperrors.KindAuthentication, errCSRF.Message, err).WithStatus(http.StatusForbidden))
				return
			}
		}
		session, err := h.identity.GetSession(c.Request)
		if err != nil {
			h.respondError(c, actor, sessionFailure(err))
			return
		}
		profile, err := h.users.Profile(c.Request.Context(), session.UserID)
		if err != nil {
			if apperrors.KindOf(err) == apperrors.KindNotFound {
				err = errUnauthorized
			}
			h.respondError(c, actor, err)
			return
		}
		actor = profile.Actor()
		if !actor.Active() {
			h.respondError(c, actor, errNotApproved)
			return
		}
		if adminOnly && !actor.IsAdmin() {
			h.respondError(c, actor, errAdminRequired)
			return
		}
		c.Set(actorContextKey, actor)
		c.Set(sessionContextKey, session)

		h.logger.Info("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("user_id", actor.ID),
			zap.String("role", string(actor.Role)),
			zap.String("ip", clientIP),
			zap.String("user_agent", c.Request.UserAgent()),
			zap.String("request_id", requestIDFrom(c)))

		if err := handler(c, actor); err != nil {
			h.respondError(c, actor, err)
		}

		h.logger.Info("api response",
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", elapsedFrom(c)),
			zap.String("request_id", requestIDFrom(c)),
			zap.String("user_id", actor.ID))
	}
}

// sessionFailure keeps store outages as they are and reports every other session problem
// as a missing session.
func sessionFailure(err error) error {
	if apperrors.IsOperational(err) && apperrors.KindOf(err) != apperrors.KindAuthentication {
		return err
	}
	return errUnauthorized
}

// public runs handler behind the error boundary only.
func (h *httpHandler) public(handler publicHandler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var actor users.Actor
		defer h.recoverPanic(c, &actor)
		if err := handler(c); err != nil {
			h.respondError(c, actor, err)
		}
	}
}

// withRateLimit throttles a route independently of the authenticated limiter. Limiter
// failures are logged and the request continues.
func (h *httpHandler) withRateLimit(limiter ratelimit.Limiter, identify identifierFunc) gin.HandlerFunc {
	if identify == nil {
		identify = func(c *gin.Context) string {
			return "rate_limit:" + ratelimit.ClientIP(c.Request) + ":" + c.FullPath()
		}
	}
	return func(c *gin.Context) {
		if err := h.checkRateLimit(c, limiter, identify(c)); err != nil {
			h.respondError(c, users.Actor{}, err)
			return
		}
		c.Next()
	}
}

func (h *httpHandler) checkRateLimit(c *gin.Context, limiter ratelimit.Limiter, identifier string) error {
	if limiter == nil {
		return nil
	}
	result, err := limiter.Limit(c.Request.Context(), identifier)
	if err != nil {
		h.logger.Warn("rate limiter unavailable",
			zap.String("identifier", identifier),
			zap.String("request_id", requestIDFrom(c)),
			zap.Error(err))
		return nil
	}
	c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset.Unix(), 10))
	if result.Allowed {
		return nil
	}
	retryAfter := result.RetryAfter(h.now())
	c.Header("Retry-After", strconv.Itoa(retryAfter))
	return apperrors.RateLimited("Too many requests").WithContext("retry_after", retryAfter)
}

func (h *httpHandler) recoverPanic(c *gin.Context, actor *users.Actor) {
	recovered := recover()
	if recovered == nil {
		return
	}
	h.respondError(c, *actor, apperrors.Internal(fmt.Errorf("panic: %v", recovered)))
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

func requestIDFrom(c *gin.Context) string {
	return c.GetString(requestIDContextKey)
}

func elapsedFrom(c *gin.Context) time.Duration {
	startedAt, ok := c.Get(startedAtContextKey)
	if !ok {
		return 0
	}
	return time.Since(startedAt.(time.Time))
}

func sessionFrom(c *gin.Context) (identity.Session, bool) {
	value, ok := c.Get(sessionContextKey)
	if !ok {
		return identity.Session{}, false
	}
	session, ok := value.(identity.Session)
	return session, ok
}

// timedWriter stamps X-Response-Time before the first byte of the response is written.
type timedWriter struct {
	gin.ResponseWriter
	context *gin.Context
	once    sync.Once
}

func newTimedWriter(c *gin.Context) *timedWriter {
	return &timedWriter{ResponseWriter: c.Writer, context: c}
}

func (w *timedWriter) stamp() {
	w.once.Do(func() {
		if w.ResponseWriter.Written() {
			return
		}
		elapsed := elapsedFrom(w.context)
		w.ResponseWriter.Header().Set(headerResponseTime, fmt.Sprintf("%dms", elapsed.Milliseconds()))
	})
}

func (w *timedWriter) WriteHeaderNow() {
	w.stamp()
	w.ResponseWriter.WriteHeaderNow()
}

func (w *timedWriter) Write(data []byte) (int, error) {
	w.stamp()
	return w.ResponseWriter.Write(data)
}

func (w *timedWriter) WriteString(s string) (int, error) {
	w.stamp()
	return w.ResponseWriter.WriteString(s)
}

func (w *timedWriter) Flush() {
	w.stamp()
	w.ResponseWriter.Flush()
}
