package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	headerRequestID    = "X-Request-ID"
	headerErrorCode    = "X-Error-Code"
	headerResponseTime = "X-Response-Time"
	internalMessage    = "Internal server error"
)

// envelope is the uniform response body.
type envelope struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
	Message string    `json:"message,omitempty"`
	Meta    *pageMeta `json:"meta,omitempty"`
}

type pageMeta struct {
	Total   int64 `json:"total"`
	Offset  int   `json:"offset"`
	Limit   int   `json:"limit"`
	HasMore bool  `json:"hasMore"`
}

type validationDetails struct {
	Errors map[string][]string `json:"errors"`
}

func respondOK(c *gin.Context, status int, data any, message string) {
	c.JSON(status, envelope{Success: true, Data: data, Message: message})
}

func respondPage(c *gin.Context, data any, page query.Page) {
	c.JSON(http.StatusOK, envelope{
		Success: true,
		Data:    data,
		Meta: &pageMeta{
			Total:   page.Total,
			Offset:  page.Offset,
			Limit:   page.Limit,
			HasMore: page.HasMore,
		},
	})
}

// respondError is the single boundary where errors become responses. Operational errors keep
// their message; anything else is hidden outside development.
func (h *httpHandler) respondError(c *gin.Context, actor users.Actor, err error) {
	appErr := apperrors.As(err)
	requestID := requestIDFrom(c)
	fields := []zap.Field{
		zap.String("request_id", requestID),
		zap.String("code", appErr.Code),
		zap.Int("status", appErr.Status),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Duration("duration", elapsedFrom(c)),
		zap.Error(err),
	}
	if actor.ID != "" {
		fields = append(fields, zap.String("user_id", actor.ID))
	}
	for key, value := range appErr.Context {
		fields = append(fields, zap.Any(key, value))
	}
	if appErr.Operational {
		h.logger.Warn("request failed", fields...)
	} else {
		h.logger.Error("request failed", fields...)
	}

	message := appErr.Message
	if !appErr.Operational {
		message = internalMessage
		if h.development {
			message = err.Error()
		}
	}
	body := envelope{Success: false, Error: message}
	if len(appErr.Fields) > 0 {
		body.Data = validationDetails{Errors: appErr.Fields}
	}
	if c.Writer.Written() {
		return
	}
	c.Header(headerRequestID, requestID)
	c.Header(headerErrorCode, appErr.Code)
	c.AbortWithStatusJSON(appErr.Status, body)
}
