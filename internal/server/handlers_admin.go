package server

import (
	"net/http"
	"runtime"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/invites"
	"github.com/MarcoPoloResearchLab/vault/internal/logging"
	"github.com/MarcoPoloResearchLab/vault/internal/metrics"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zapcore"
)

const (
	defaultAdminListLimit = 50
	maximumAdminListLimit = 100
	defaultLogEntryLimit  = 50
	maximumLogEntryLimit  = 1000
)

type userRequest struct {
	UserID string `json:"userId" validate:"required,uuid"`
}

type bulkUserRequest struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,max=100,dive,uuid"`
}

type roleRequest struct {
	UserID string     `json:"userId" validate:"required,uuid"`
	Role   users.Role `json:"role" validate:"required,oneof=admin member"`
}

type pageQuery struct {
	Limit  int `form:"limit" validate:"omitempty,min=0"`
	Offset int `form:"offset" validate:"omitempty,min=0"`
}

type activityQuery struct {
	UserID string `form:"user_id" validate:"omitempty,uuid"`
	Limit  int    `form:"limit" validate:"omitempty,min=1,max=200"`
}

type metricsQuery struct {
	Level int `form:"level" validate:"omitempty,min=0,max=3"`
	Limit int `form:"limit" validate:"omitempty,min=1,max=1000"`
}

type processStats struct {
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heapAllocMb"`
	SysMB         float64 `json:"sysMb"`
	GCCycles      uint32  `json:"gcCycles"`
	UptimeSeconds int64   `json:"uptimeSeconds"`
	GoVersion     string  `json:"goVersion"`
}

type metricsResponse struct {
	Logs        []logging.Entry          `json:"logs"`
	Performance map[string]metrics.Stats `json:"performance"`
	Process     processStats             `json:"process"`
	Timestamp   time.Time                `json:"timestamp"`
}

func (h *httpHandler) handleListUsers(c *gin.Context, _ users.Actor) error {
	var filter users.ListFilter
	if err := h.bindQuery(c, &filter); err != nil {
		return err
	}
	limit, offset := listWindow(filter.Limit, filter.Offset)
	filter.Limit, filter.Offset = limit, offset
	result, total, err := h.users.List(c.Request.Context(), filter)
	if err != nil {
		return err
	}
	respondPage(c, result, query.NewPage(total, offset, limit))
	return nil
}

func (h *httpHandler) handleApproveUser(c *gin.Context, actor users.Actor) error {
	var request userRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	user, err := h.users.Approve(c.Request.Context(), actor, request.UserID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, user, "User approved")
	return nil
}

func (h *httpHandler) handleBulkApproveUsers(c *gin.Context, actor users.Actor) error {
	var request bulkUserRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	approved, err := h.users.BulkApprove(c.Request.Context(), actor, request.UserIDs)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, approved, "Users approved")
	return nil
}

func (h *httpHandler) handleSetRole(c *gin.Context, actor users.Actor) error {
	var request roleRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	user, err := h.users.SetRole(c.Request.Context(), actor, request.UserID, request.Role)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, user, "Role updated")
	return nil
}

func (h *httpHandler) handleSuspendUser(c *gin.Context, actor users.Actor) error {
	var request userRequest
	if err := h.bindJSON(c, &request); err != nil {
		return err
	}
	user, err := h.users.Suspend(c.Request.Context(), actor, request.UserID)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusOK, user, "User suspended")
	return nil
}

func (h *httpHandler) handleListInvites(c *gin.Context, actor users.Actor) error {
	var page pageQuery
	if err := h.bindQuery(c, &page); err != nil {
		return err
	}
	limit, offset := listWindow(page.Limit, page.Offset)
	codes, total, err := h.invites.List(c.Request.Context(), actor, limit, offset)
	if err != nil {
		return err
	}
	respondPage(c, codes, query.NewPage(total, offset, limit))
	return nil
}

func (h *httpHandler) handleGenerateInvite(c *gin.Context, actor users.Actor) error {
	var input invites.GenerateInput
	if err := h.bindJSON(c, &input); err != nil {
		return err
	}
	code, err := h.invites.Generate(c.Request.Context(), actor, input)
	if err != nil {
		return err
	}
	respondOK(c, http.StatusCreated, code, "Invite code generated")
	return nil
}

func (h *httpHandler) handleActivity(c *gin.Context, _ users.Actor) error {
	var request activityQuery
	if err := h.bindQuery(c, &request); err != nil {
		return err
	}
	logs, err := h.activity.Recent(c.Request.Context(), request.UserID, request.Limit)
	if err != nil {
		return err
	}
	if logs == nil {
		logs = []activity.Log{}
	}
	respondOK(c, http.StatusOK, logs, "")
	return nil
}

// handleMetrics reports captured log entries, per operation timings and process stats.
// Level 0 is debug and 3 is error.
func (h *httpHandler) handleMetrics(c *gin.Context, _ users.Actor) error {
	var request metricsQuery
	if err := h.bindQuery(c, &request); err != nil {
		return err
	}
	limit := request.Limit
	if limit == 0 {
		limit = defaultLogEntryLimit
	}
	if limit > maximumLogEntryLimit {
		limit = maximumLogEntryLimit
	}
	entries := []logging.Entry{}
	if h.logStore != nil {
		entries = h.logStore.Entries(zapcore.Level(request.Level-1), limit)
	}

	var memory runtime.MemStats
	runtime.ReadMemStats(&memory)
	now := h.now()
	respondOK(c, http.StatusOK, metricsResponse{
		Logs:        entries,
		Performance: h.monitor.All(),
		Process: processStats{
			Goroutines:    runtime.NumGoroutine(),
			HeapAllocMB:   float64(memory.HeapAlloc) / (1 << 20),
			SysMB:         float64(memory.Sys) / (1 << 20),
			GCCycles:      memory.NumGC,
			UptimeSeconds: int64(now.Sub(h.startedAt).Seconds()),
			GoVersion:     runtime.Version(),
		},
		Timestamp: now.UTC(),
	}, "")
	return nil
}

// listWindow applies the admin list defaults: out of range limits fall back to the default.
func listWindow(limit, offset int) (int, int) {
	if limit <= 0 || limit > maximumAdminListLimit {
		limit = defaultAdminListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
