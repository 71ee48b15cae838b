// Package spaces owns the namespaces items live in and the write policy guarding them.
package spaces

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/MarcoPoloResearchLab/vault/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreate         = "spaces.create"
	opEnsurePersonal = "spaces.ensure_personal"
	opAccessible     = "spaces.accessible"
	opCreateCategory = "spaces.create_category"
	opListCategories = "spaces.list_categories"

	// PersonalSpaceName names the space created for every new user.
	PersonalSpaceName = "My Vault"

	// Tag covers every cached accessible-space list.
	Tag = "spaces"
)

var (
	errMissingDatabase   = errors.New("spaces: database connection required")
	errMissingIDProvider = errors.New("spaces: id provider required")
)

// ServiceConfig describes the space service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Queries    *query.Executor
	IDProvider ids.Provider
	Activity   *activity.Recorder
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service manages spaces and categories.
type Service struct {
	db       *gorm.DB
	queries  *query.Executor
	ids      ids.Provider
	activity *activity.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the space service.
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
		queries:  cfg.Queries,
		ids:      cfg.IDProvider,
		activity: cfg.Activity,
		now:      clock,
		logger:   logger,
	}, nil
}

// Get loads a non-deleted space.
func (s *Service) Get(ctx context.Context, spaceID string) (Space, error) {
	return s.GetTx(ctx, s.db, spaceID)
}

// GetTx loads a non-deleted space through db, which may be a transaction.
func (s *Service) GetTx(ctx context.Context, db *gorm.DB, spaceID string) (Space, error) {
	var space Space
	if strings.TrimSpace(spaceID) == "" {
		return Space{}, apperrors.NotFound("Space")
	}
	err := db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", spaceID).Take(&space).Error
	if err != nil {
		return Space{}, apperrors.Translate(err, "Space")
	}
	return space, nil
}

// Accessible lists the spaces actor can read: owned personal spaces plus public common
// spaces (all common spaces for admins). Results are cached per user.
func (s *Service) Accessible(ctx context.Context, actor users.Actor) ([]Space, error) {
	key := "spaces:" + actor.ID
	if actor.IsAdmin() {
		key += ":admin"
	}
	tags := []string{users.UserTag(actor.ID), Tag}
	return query.ExecuteWithCache(ctx, s.queries, key, query.AccessibleSpaceTTL, tags, func(ctx context.Context) ([]Space, error) {
		builder := s.db.WithContext(ctx).Where("deleted_at IS NULL")
		if actor.IsAdmin() {
			builder = builder.Where("((type = ? AND owner_id = ?) OR type = ?)", TypePersonal, actor.ID, TypeCommon)
		} else {
			builder = builder.Where("((type = ? AND owner_id = ?) OR (type = ? AND is_public = ?))", TypePersonal, actor.ID, TypeCommon, true)
		}
		var result []Space
		if err := builder.Order("type DESC, name ASC").Find(&result).Error; err != nil {
			s.logError(opAccessible, "select_failed", err, zap.String("user_id", actor.ID))
			return nil, apperrors.Database("Failed to load spaces", apperrors.NewServiceError(opAccessible, "select_failed", err))
		}
		return result, nil
	})
}

// AccessibleIDs returns the ids of Accessible.
func (s *Service) AccessibleIDs(ctx context.Context, actor users.Actor) ([]string, error) {
	accessible, err := s.Accessible(ctx, actor)
	if err != nil {
		return nil, err
	}
	result := make([]string, 0, len(accessible))
	for _, space := range accessible {
		result = append(result, space.ID)
	}
	return result, nil
}

// CreateInput describes a new space.
type CreateInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=1000"`
	Type        Type   `json:"type" validate:"required,oneof=personal common"`
	IsPublic    *bool  `json:"isPublic"`
}

// Create adds a space. Personal spaces are owned by the actor; common spaces need an admin.
func (s *Service) Create(ctx context.Context, actor users.Actor, input CreateInput) (Space, error) {
	if !actor.Active() {
		return Space{}, apperrors.Authorization("Account is not approved")
	}
	if !input.Type.Valid() {
		return Space{}, apperrors.ValidationFields("Validation failed", map[string][]string{"type": {"must be one of: personal, common"}})
	}
	if input.Type == TypeCommon && !actor.IsAdmin() {
		return Space{}, apperrors.Authorization("Only admins can create common spaces")
	}
	name := validation.SanitizeString(input.Name, validation.MaxTitleLength)
	if name == "" {
		return Space{}, apperrors.ValidationFields("Validation failed", map[string][]string{"name": {"is required"}})
	}
	space, err := s.newSpace(name, input.Type)
	if err != nil {
		return Space{}, err
	}
	space.Description = validation.SanitizeString(input.Description, validation.DefaultMaxLength)
	if input.Type == TypePersonal {
		owner := actor.ID
		space.OwnerID = &owner
	} else {
		space.IsPublic = true
	}
	if input.IsPublic != nil {
		space.IsPublic = *input.IsPublic
	}
	if err := s.db.WithContext(ctx).Create(&space).Error; err != nil {
		s.logError(opCreate, "insert_failed", err)
		return Space{}, apperrors.Translate(err, "Space")
	}
	if input.Type == TypeCommon {
		s.queries.Invalidate(ctx, Tag)
	} else {
		s.queries.Invalidate(ctx, users.UserTag(actor.ID))
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionSpaceCreated,
		ResourceType: "space",
		ResourceID:   space.ID,
		Details:      map[string]any{"name": space.Name, "type": space.Type},
	})
	return space, nil
}

// EnsurePersonal returns userID's personal space, creating it through db when missing.
func (s *Service) EnsurePersonal(ctx context.Context, db *gorm.DB, userID string) (Space, error) {
	if db == nil {
		db = s.db
	}
	var existing Space
	err := db.WithContext(ctx).
		Where("type = ? AND owner_id = ? AND deleted_at IS NULL", TypePersonal, userID).
		Order("created_at ASC").
		Take(&existing).Error
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opEnsurePersonal, "select_failed", err, zap.String("user_id", userID))
		return Space{}, apperrors.Translate(err, "Space")
	}
	space, err := s.newSpace(PersonalSpaceName, TypePersonal)
	if err != nil {
		return Space{}, err
	}
	owner := userID
	space.OwnerID = &owner
	if err := db.WithContext(ctx).Create(&space).Error; err != nil {
		s.logError(opEnsurePersonal, "insert_failed", err, zap.String("user_id", userID))
		return Space{}, apperrors.Translate(err, "Space")
	}
	return space, nil
}

// CategoryInput describes a new category.
type CategoryInput struct {
	Name    string `json:"name" validate:"required,max=100"`
	Icon    string `json:"icon" validate:"max=50"`
	Color   string `json:"color" validate:"omitempty,hexcolor"`
	SpaceID string `json:"spaceId" validate:"required"`
}

// CreateCategory adds a category to a space the actor can write to directly.
func (s *Service) CreateCategory(ctx context.Context, actor users.Actor, input CategoryInput) (Category, error) {
	space, err := s.Get(ctx, input.SpaceID)
	if err != nil {
		return Category{}, err
	}
	if Decide(actor, space) != Direct {
		return Category{}, apperrors.Authorization("You cannot add categories to this space")
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Category{}, apperrors.Internal(apperrors.NewServiceError(opCreateCategory, "id_failed", err))
	}
	category := Category{
		ID:        id,
		Name:      validation.SanitizeString(input.Name, 100),
		Icon:      validation.SanitizeString(input.Icon, 50),
		Color:     strings.TrimSpace(input.Color),
		SpaceID:   space.ID,
		CreatedBy: actor.ID,
		CreatedAt: s.now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&category).Error; err != nil {
		s.logError(opCreateCategory, "insert_failed", err)
		return Category{}, apperrors.Translate(err, "Category")
	}
	return category, nil
}

// Categories lists the categories of a readable space.
func (s *Service) Categories(ctx context.Context, actor users.Actor, spaceID string) ([]Category, error) {
	space, err := s.Get(ctx, spaceID)
	if err != nil {
		return nil, err
	}
	if !Readable(actor, space) {
		return nil, apperrors.NotFound("Space")
	}
	var result []Category
	err = s.db.WithContext(ctx).
		Where("space_id = ? AND deleted_at IS NULL", spaceID).
		Order("name ASC").
		Find(&result).Error
	if err != nil {
		s.logError(opListCategories, "select_failed", err)
		return nil, apperrors.Translate(err, "Category")
	}
	return result, nil
}

// CategoriesByID loads the listed categories keyed by id. Unknown ids are skipped.
func (s *Service) CategoriesByID(ctx context.Context, categoryIDs []string) (map[string]Category, error) {
	result := make(map[string]Category, len(categoryIDs))
	if len(categoryIDs) == 0 {
		return result, nil
	}
	var found []Category
	if err := s.db.WithContext(ctx).Where("id IN ?", categoryIDs).Find(&found).Error; err != nil {
		s.logError(opListCategories, "select_failed", err)
		return nil, apperrors.Translate(err, "Category")
	}
	for _, category := range found {
		result[category.ID] = category
	}
	return result, nil
}

func (s *Service) newSpace(name string, spaceType Type) (Space, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return Space{}, apperrors.Internal(apperrors.NewServiceError(opCreate, "id_failed", err))
	}
	now := s.now().UTC()
	return Space{
		ID:        id,
		Name:      name,
		Type:      spaceType,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("spaces service failure", allFields...)
}
