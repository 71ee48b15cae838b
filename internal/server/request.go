package server

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/gin-gonic/gin"
)

const maxJSONBody = 10 << 20

var errInvalidBody = apperrors.ValidationFields("Invalid request body", map[string][]string{"body": {"must be valid JSON"}})

// bindJSON decodes the request body into every target and validates each one. Field messages
// from all targets are merged into a single validation error.
func (h *httpHandler) bindJSON(c *gin.Context, targets ...any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxJSONBody))
	if err != nil {
		return errInvalidBody
	}
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	fields := make(map[string][]string)
	for _, target := range targets {
		if err := json.Unmarshal(body, target); err != nil {
			return errInvalidBody
		}
		if err := h.validator.Struct(target); err != nil {
			appErr := apperrors.As(err)
			if len(appErr.Fields) == 0 {
				return err
			}
			for path, messages := range appErr.Fields {
				fields[path] = append(fields[path], messages...)
			}
		}
	}
	if len(fields) > 0 {
		return apperrors.ValidationFields("Validation failed", fields)
	}
	return nil
}

// bindQuery decodes query parameters into target and validates it.
func (h *httpHandler) bindQuery(c *gin.Context, target any) error {
	if err := c.ShouldBindQuery(target); err != nil {
		return apperrors.Validation("Invalid query parameters")
	}
	return h.validator.Struct(target)
}

// pathID returns the :id route parameter when it is a well formed identifier.
func pathID(c *gin.Context, resource string) (string, error) {
	value := strings.TrimSpace(c.Param("id"))
	if !ids.Valid(value) {
		return "", apperrors.NotFound(resource)
	}
	return value, nil
}
