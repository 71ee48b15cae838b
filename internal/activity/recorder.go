package activity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/logging"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("activity: database handle is required")

type requestMetaKey struct{}

// RequestMeta carries caller metadata recorded with every entry.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// WithRequestMeta attaches request metadata to ctx.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, requestMetaKey{}, meta)
}

// RequestMetaFrom returns the metadata attached to ctx, if any.
func RequestMetaFrom(ctx context.Context) RequestMeta {
	meta, _ := ctx.Value(requestMetaKey{}).(RequestMeta)
	return meta
}

// Entry describes one action to record.
type Entry struct {
	UserID       string
	Action       Action
	ResourceType string
	ResourceID   string
	Details      map[string]any
}

// Config wires a Recorder.
type Config struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Recorder appends entries to the activity log. Failures are logged and never returned.
type Recorder struct {
	db     *gorm.DB
	ids    ids.Provider
	clock  func() time.Time
	logger *zap.Logger
}

// NewRecorder constructs a Recorder.
func NewRecorder(cfg Config) (*Recorder, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	provider := cfg.IDProvider
	if provider == nil {
		provider = ids.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{db: cfg.Database, ids: provider, clock: clock, logger: logger}, nil
}

// Record appends entry using db, which may be a transaction. A nil db uses the recorder's handle.
func (r *Recorder) Record(ctx context.Context, db *gorm.DB, entry Entry) {
	if r == nil {
		return
	}
	if db == nil {
		db = r.db
	}
	meta := RequestMetaFrom(ctx)

	logging.Audit(r.logger, string(entry.Action),
		zap.String("user_id", entry.UserID),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.String("request_id", meta.RequestID),
		zap.Any("details", entry.Details))

	id, err := r.ids.NewID()
	if err != nil {
		r.logger.Warn("activity id generation failed", zap.Error(err))
		return
	}
	details := ""
	if len(entry.Details) > 0 {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			r.logger.Warn("activity details encode failed", zap.Error(err))
		} else {
			details = string(encoded)
		}
	}
	record := Log{
		ID:           id,
		UserID:       entry.UserID,
		Action:       string(entry.Action),
		ResourceType: entry.ResourceType,
		ResourceID:   entry.ResourceID,
		Details:      details,
		IPAddress:    meta.IPAddress,
		UserAgent:    meta.UserAgent,
		RequestID:    meta.RequestID,
		CreatedAt:    r.clock().UTC(),
	}
	if err := db.WithContext(ctx).Create(&record).Error; err != nil {
		r.logger.Warn("activity insert failed",
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

// Recent lists the newest entries, optionally filtered by user.
func (r *Recorder) Recent(ctx context.Context, userID string, limit int) ([]Log, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var logs []Log
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}
