package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/metrics"
	"github.com/MarcoPoloResearchLab/vault/internal/retry"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	healthHealthy   = "healthy"
	healthDegraded  = "degraded"
	healthUnhealthy = "unhealthy"

	checkOK          = "ok"
	checkFailed      = "failed"
	checkUnavailable = "not_configured"

	healthProbeTimeout = 3 * time.Second
)

var (
	healthProbePolicy   = retry.Policy{Attempts: 2, Delay: 100 * time.Millisecond, Backoff: 2}
	errDatabaseDisabled = errors.New("database handle not configured")
)

type healthResponse struct {
	Status        string                   `json:"status"`
	Checks        map[string]string        `json:"checks"`
	Performance   map[string]metrics.Stats `json:"performance"`
	UptimeSeconds int64                    `json:"uptimeSeconds"`
	Timestamp     time.Time                `json:"timestamp"`
}

// handleHealth probes the database, cache and object store. A database failure is unhealthy;
// any other failure is degraded.
func (h *httpHandler) handleHealth(c *gin.Context) error {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	checks := map[string]string{}
	status := healthHealthy

	if err := h.probe(ctx, "health.database", h.pingDatabase); err != nil {
		checks["database"] = checkFailed
		status = healthUnhealthy
	} else {
		checks["database"] = checkOK
	}

	checks["cache"] = checkUnavailable
	if h.cache != nil {
		if err := h.probe(ctx, "health.cache", h.cache.Ping); err != nil {
			checks["cache"] = checkFailed
			status = degrade(status)
		} else {
			checks["cache"] = checkOK
		}
	}

	checks["storage"] = checkUnavailable
	if h.storage != nil {
		if err := h.probe(ctx, "health.storage", h.storage.Ping); err != nil {
			checks["storage"] = checkFailed
			status = degrade(status)
		} else {
			checks["storage"] = checkOK
		}
	}

	now := h.now()
	code := http.StatusOK
	if status == healthUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, envelope{
		Success: status != healthUnhealthy,
		Data: healthResponse{
			Status:        status,
			Checks:        checks,
			Performance:   h.monitor.All(),
			UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
			Timestamp:     now.UTC(),
		},
	})
	return nil
}

func (h *httpHandler) probe(ctx context.Context, operation string, fn func(context.Context) error) error {
	err := retry.Do(ctx, healthProbePolicy, h.logger, operation, fn)
	if err != nil {
		h.logger.Warn("health probe failed", zap.String("operation", operation), zap.Error(err))
	}
	return err
}

func (h *httpHandler) pingDatabase(ctx context.Context) error {
	if h.db == nil {
		return errDatabaseDisabled
	}
	sqlDB, err := h.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func degrade(status string) string {
	if status == healthHealthy {
		return healthDegraded
	}
	return status
}
