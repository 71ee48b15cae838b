package users

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opApprove     = "users.approve"
	opBulkApprove = "users.bulk_approve"
	opSuspend     = "users.suspend"
	opSetRole     = "users.set_role"
	opList        = "users.list"

	profileTTL     = 60 * time.Second
	maxBulkApprove = 100
)

var errMissingDatabase = errors.New("users: database connection required")

// ServiceConfig describes the dependencies required for profile management.
type ServiceConfig struct {
	Database *gorm.DB
	Cache    *cache.Manager
	Activity *activity.Recorder
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service loads profiles and applies admin membership changes.
type Service struct {
	db       *gorm.DB
	cache    *cache.Manager
	activity *activity.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the profile service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
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
		cache:    cfg.Cache,
		activity: cfg.Activity,
		now:      clock,
		logger:   logger,
	}, nil
}

// UserTag is the cache tag covering everything cached on behalf of userID.
func UserTag(userID string) string {
	return "user:" + userID
}

func profileKey(userID string) string {
	return "profile:" + userID
}

// Profile loads the profile for userID, served from cache when possible.
func (s *Service) Profile(ctx context.Context, userID string) (User, error) {
	if userID == "" {
		return User{}, apperrors.NotFound("User")
	}
	var user User
	if s.cache != nil && s.cache.Get(ctx, profileKey(userID), &user) {
		return user, nil
	}
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error; err != nil {
		return User{}, apperrors.Translate(err, "User")
	}
	if s.cache != nil {
		s.cache.Set(ctx, profileKey(userID), user, profileTTL, UserTag(userID))
	}
	return user, nil
}

// Approve moves a pending or suspended user to approved.
func (s *Service) Approve(ctx context.Context, actor Actor, userID string) (User, error) {
	if !actor.IsAdmin() {
		return User{}, apperrors.Authorization("Admin access required")
	}
	user, err := s.load(ctx, userID)
	if err != nil {
		return User{}, err
	}
	if user.Status == StatusApproved {
		return User{}, apperrors.Validation("User is already approved")
	}
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ? AND status <> ?", userID, StatusApproved).
		Updates(map[string]any{"status": StatusApproved, "updated_at": s.now().UTC()})
	if result.Error != nil {
		s.logError(opApprove, "update_failed", result.Error, zap.String("user_id", userID))
		return User{}, apperrors.Database("Failed to approve user", apperrors.NewServiceError(opApprove, "update_failed", result.Error))
	}
	if result.RowsAffected == 0 {
		return User{}, apperrors.Validation("User is already approved")
	}
	s.invalidate(ctx, userID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionUserApproved,
		ResourceType: "user",
		ResourceID:   userID,
		Details:      map[string]any{"approved_user_email": user.Email},
	})
	return s.load(ctx, userID)
}

// BulkApprove approves every listed user that is not yet approved and returns those updated.
func (s *Service) BulkApprove(ctx context.Context, actor Actor, userIDs []string) ([]User, error) {
	if !actor.IsAdmin() {
		return nil, apperrors.Authorization("Admin access required")
	}
	if len(userIDs) == 0 || len(userIDs) > maxBulkApprove {
		return nil, apperrors.Validation("Between 1 and 100 user ids are required")
	}

	var pending []User
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id IN ? AND status <> ?", userIDs, StatusApproved).Find(&pending).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}
		ids := make([]string, 0, len(pending))
		for _, user := range pending {
			ids = append(ids, user.ID)
		}
		return tx.Model(&User{}).
			Where("id IN ? AND status <> ?", ids, StatusApproved).
			Updates(map[string]any{"status": StatusApproved, "updated_at": s.now().UTC()}).Error
	})
	if err != nil {
		s.logError(opBulkApprove, "update_failed", err, zap.Int("requested", len(userIDs)))
		return nil, apperrors.Database("Failed to approve users", apperrors.NewServiceError(opBulkApprove, "update_failed", err))
	}

	approvedIDs := make([]string, 0, len(pending))
	for index := range pending {
		pending[index].Status = StatusApproved
		approvedIDs = append(approvedIDs, pending[index].ID)
		s.invalidate(ctx, pending[index].ID)
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionUserApproved,
		ResourceType: "user",
		Details:      map[string]any{"approved_user_ids": approvedIDs, "requested": len(userIDs)},
	})
	return pending, nil
}

// Suspend blocks a user from authenticated operations.
func (s *Service) Suspend(ctx context.Context, actor Actor, userID string) (User, error) {
	if !actor.IsAdmin() {
		return User{}, apperrors.Authorization("Admin access required")
	}
	if actor.ID == userID {
		return User{}, apperrors.Validation("You cannot suspend yourself")
	}
	if _, err := s.load(ctx, userID); err != nil {
		return User{}, err
	}
	err := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"status": StatusSuspended, "updated_at": s.now().UTC()}).Error
	if err != nil {
		s.logError(opSuspend, "update_failed", err, zap.String("user_id", userID))
		return User{}, apperrors.Database("Failed to suspend user", apperrors.NewServiceError(opSuspend, "update_failed", err))
	}
	s.invalidate(ctx, userID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionUserSuspended,
		ResourceType: "user",
		ResourceID:   userID,
	})
	return s.load(ctx, userID)
}

// SetRole changes another user's role.
func (s *Service) SetRole(ctx context.Context, actor Actor, userID string, role Role) (User, error) {
	if !actor.IsAdmin() {
		return User{}, apperrors.Authorization("Admin access required")
	}
	if !role.Valid() {
		return User{}, apperrors.ValidationFields("Validation failed", map[string][]string{"role": {"must be one of: admin, member"}})
	}
	if actor.ID == userID {
		return User{}, apperrors.Validation("You cannot change your own role")
	}
	previous, err := s.load(ctx, userID)
	if err != nil {
		return User{}, err
	}
	err = s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]any{"role": role, "updated_at": s.now().UTC()}).Error
	if err != nil {
		s.logError(opSetRole, "update_failed", err, zap.String("user_id", userID))
		return User{}, apperrors.Database("Failed to update user role", apperrors.NewServiceError(opSetRole, "update_failed", err))
	}
	s.invalidate(ctx, userID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionUserRoleUpdated,
		ResourceType: "user",
		ResourceID:   userID,
		Details:      map[string]any{"old_role": previous.Role, "new_role": role},
	})
	return s.load(ctx, userID)
}

// ListFilter narrows List.
type ListFilter struct {
	Status Status `form:"status" validate:"omitempty,oneof=pending approved suspended"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// List returns users newest first and the total matching count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]User, int64, error) {
	if filter.Limit <= 0 || filter.Limit > 100 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	query := s.db.WithContext(ctx).Model(&User{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		s.logError(opList, "count_failed", err)
		return nil, 0, apperrors.Database("Failed to list users", apperrors.NewServiceError(opList, "count_failed", err))
	}
	var result []User
	if err := query.Order("created_at DESC").Limit(filter.Limit).Offset(filter.Offset).Find(&result).Error; err != nil {
		s.logError(opList, "select_failed", err)
		return nil, 0, apperrors.Database("Failed to list users", apperrors.NewServiceError(opList, "select_failed", err))
	}
	return result, total, nil
}

// Admins lists the ids of every admin.
func (s *Service) Admins(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&User{}).Where("role = ?", RoleAdmin).Pluck("id", &ids).Error
	return ids, err
}

func (s *Service) load(ctx context.Context, userID string) (User, error) {
	var user User
	if err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&user).Error; err != nil {
		return User{}, apperrors.Translate(err, "User")
	}
	return user, nil
}

func (s *Service) invalidate(ctx context.Context, userID string) {
	if s.cache != nil {
		s.cache.InvalidateByTag(ctx, UserTag(userID))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("users service failure", allFields...)
}
