// Package invites issues and redeems the codes that gate account creation.
package invites

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opGenerate = "invites.generate"
	opRedeem   = "invites.redeem"
	opList     = "invites.list"

	MaxUsesLimit     = 100
	MaxExpiryDays    = 365
	codeGroupSize    = 4
	codeGroupCount   = 3
	codeAlphabet     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	defaultListLimit = 50
	maximumListLimit = 100
)

var (
	errMissingDatabase   = errors.New("invites: database connection required")
	errMissingIDProvider = errors.New("invites: id provider required")

	// ErrNotRedeemable is returned when a code is unknown, expired or exhausted.
	ErrNotRedeemable = apperrors.Validation("Invalid, expired or exhausted invite code").WithCode("INVITE_CODE_INVALID")
)

// InviteCode is a gated-signup capability.
type InviteCode struct {
	ID          string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	Code        string     `gorm:"column:code;size:32;not null;uniqueIndex" json:"code"`
	CreatedBy   string     `gorm:"column:created_by;size:36;not null;index" json:"created_by"`
	MaxUses     int        `gorm:"column:max_uses;not null" json:"max_uses"`
	CurrentUses int        `gorm:"column:current_uses;not null;default:0" json:"current_uses"`
	ExpiresAt   *time.Time `gorm:"column:expires_at" json:"expires_at,omitempty"`
	UsedBy      *string    `gorm:"column:used_by;size:36" json:"used_by,omitempty"`
	UsedAt      *time.Time `gorm:"column:used_at" json:"used_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName exposes the invite code table.
func (InviteCode) TableName() string {
	return "invite_codes"
}

// Redeemable reports whether the code can still be used at now.
func (c InviteCode) Redeemable(now time.Time) bool {
	if c.CurrentUses >= c.MaxUses {
		return false
	}
	return c.ExpiresAt == nil || c.ExpiresAt.After(now)
}

// ServiceConfig describes the invite service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	IDProvider ids.Provider
	Activity   *activity.Recorder
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages invite codes.
type Service struct {
	db       *gorm.DB
	ids      ids.Provider
	activity *activity.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the invite service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		ids:      cfg.IDProvider,
		activity: cfg.Activity,
		now:      clock,
		logger:   logger,
	}, nil
}

// GenerateInput describes a new invite code.
type GenerateInput struct {
	MaxUses       int `json:"maxUses" validate:"omitempty,min=1,max=100"`
	ExpiresInDays int `json:"expiresInDays" validate:"omitempty,min=1,max=365"`
}

// Generate issues a new code. Zero values default to a single use and no expiry.
func (s *Service) Generate(ctx context.Context, actor users.Actor, input GenerateInput) (InviteCode, error) {
	if !actor.IsAdmin() {
		return InviteCode{}, apperrors.Authorization("Admin access required")
	}
	maxUses := input.MaxUses
	if maxUses == 0 {
		maxUses = 1
	}
	if maxUses < 1 || maxUses > MaxUsesLimit {
		return InviteCode{}, apperrors.ValidationFields("Validation failed", map[string][]string{"maxUses": {"must be between 1 and 100"}})
	}
	if input.ExpiresInDays < 0 || input.ExpiresInDays > MaxExpiryDays {
		return InviteCode{}, apperrors.ValidationFields("Validation failed", map[string][]string{"expiresInDays": {"must be between 1 and 365"}})
	}

	id, err := s.ids.NewID()
	if err != nil {
		return InviteCode{}, apperrors.Internal(apperrors.NewServiceError(opGenerate, "id_failed", err))
	}
	now := s.now().UTC()
	invite := InviteCode{
		ID:        id,
		Code:      NewCode(),
		CreatedBy: actor.ID,
		MaxUses:   maxUses,
		CreatedAt: now,
	}
	if input.ExpiresInDays > 0 {
		expiresAt := now.Add(time.Duration(input.ExpiresInDays) * 24 * time.Hour)
		invite.ExpiresAt = &expiresAt
	}
	if err := s.db.WithContext(ctx).Create(&invite).Error; err != nil {
		s.logError(opGenerate, "insert_failed", err)
		return InviteCode{}, apperrors.Translate(err, "Invite code")
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionInviteCodeGenerated,
		ResourceType: "invite_code",
		ResourceID:   invite.ID,
		Details:      map[string]any{"max_uses": invite.MaxUses, "expires_at": invite.ExpiresAt},
	})
	return invite, nil
}

// Redeem consumes one use of code for userID inside tx. The increment is a single guarded
// UPDATE so concurrent redemptions can never push current_uses past max_uses.
func (s *Service) Redeem(ctx context.Context, tx *gorm.DB, code, userID string) (InviteCode, error) {
	if tx == nil {
		tx = s.db
	}
	normalized := NormalizeCode(code)
	if normalized == "" {
		return InviteCode{}, ErrNotRedeemable
	}
	now := s.now().UTC()

	var invite InviteCode
	if err := tx.WithContext(ctx).Where("code = ?", normalized).Take(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return InviteCode{}, ErrNotRedeemable
		}
		s.logError(opRedeem, "select_failed", err)
		return InviteCode{}, apperrors.Translate(err, "Invite code")
	}
	if !invite.Redeemable(now) {
		return InviteCode{}, ErrNotRedeemable
	}

	result := tx.WithContext(ctx).Model(&InviteCode{}).
		Where("id = ? AND current_uses < max_uses AND (expires_at IS NULL OR expires_at > ?)", invite.ID, now).
		Updates(map[string]any{
			"current_uses": gorm.Expr("current_uses + 1"),
			"used_by":      userID,
			"used_at":      now,
		})
	if result.Error != nil {
		s.logError(opRedeem, "update_failed", result.Error, zap.String("invite_id", invite.ID))
		return InviteCode{}, apperrors.Database("Failed to redeem invite code", apperrors.NewServiceError(opRedeem, "update_failed", result.Error))
	}
	if result.RowsAffected == 0 {
		return InviteCode{}, ErrNotRedeemable
	}
	invite.CurrentUses++
	invite.UsedBy = &userID
	invite.UsedAt = &now
	return invite, nil
}

// List returns invite codes newest first.
func (s *Service) List(ctx context.Context, actor users.Actor, limit, offset int) ([]InviteCode, int64, error) {
	if !actor.IsAdmin() {
		return nil, 0, apperrors.Authorization("Admin access required")
	}
	if limit <= 0 || limit > maximumListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(&InviteCode{}).Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return nil, 0, apperrors.Translate(err, "Invite code")
	}
	var codes []InviteCode
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Offset(offset).Find(&codes).Error; err != nil {
		s.logError(opList, "select_failed", err)
		return nil, 0, apperrors.Translate(err, "Invite code")
	}
	return codes, total, nil
}

// NewCode returns a fresh XXXX-XXXX-XXXX code drawn from random UUID bytes.
func NewCode() string {
	random := uuid.New()
	var builder strings.Builder
	for index := 0; index < codeGroupSize*codeGroupCount; index++ {
		if index > 0 && index%codeGroupSize == 0 {
			builder.WriteByte('-')
		}
		builder.WriteByte(codeAlphabet[int(random[index])%len(codeAlphabet)])
	}
	return builder.String()
}

// NormalizeCode uppercases and trims a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("invite service failure", allFields...)
}
