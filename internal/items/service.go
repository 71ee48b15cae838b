// Package items stores vault items and their revision history.
package items

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/cache"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/MarcoPoloResearchLab/vault/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew = "items.service.new"
	opInsert     = "items.insert"
	opApply      = "items.apply"
	opList       = "items.list"
	opSearch     = "items.search"
	opDelete     = "items.delete"
	opRevisions  = "items.revisions"
	opRevert     = "items.revert"
	opExport     = "items.export"

	TagItems  = "items"
	TagSearch = "search"

	defaultPageSize = 20
	maxPageSize     = 100
	maxExcerpt      = 500
)

var (
	errMissingDatabase   = errors.New("items: database connection required")
	errMissingSpaces     = errors.New("items: space service required")
	errMissingIDProvider = errors.New("items: id provider required")
)

// SpaceTag is the cache tag covering cached reads of one space.
func SpaceTag(spaceID string) string {
	return "space:" + spaceID
}

// ServiceConfig describes the item service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Spaces     *spaces.Service
	Queries    *query.Executor
	IDProvider ids.Provider
	Activity   *activity.Recorder
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service reads and writes items. Writes here are direct; moderated writes are routed elsewhere.
type Service struct {
	db       *gorm.DB
	spaces   *spaces.Service
	queries  *query.Executor
	ids      ids.Provider
	activity *activity.Recorder
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the item service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Spaces == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_spaces", errMissingSpaces)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
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
		spaces:   cfg.Spaces,
		queries:  cfg.Queries,
		ids:      cfg.IDProvider,
		activity: cfg.Activity,
		now:      clock,
		logger:   logger,
	}, nil
}

// Fields are the writable values of a new item.
type Fields struct {
	Title        string   `json:"title" validate:"required,max=200"`
	Content      string   `json:"content"`
	URL          string   `json:"url" validate:"omitempty,url,max=2048"`
	Excerpt      string   `json:"excerpt" validate:"max=500"`
	HTMLSnapshot string   `json:"htmlSnapshot"`
	Type         Type     `json:"type" validate:"omitempty,oneof=bookmark note file snippet"`
	Tags         []string `json:"tags" validate:"max=20,dive,max=50"`
	CategoryID   *string  `json:"categoryId" validate:"omitempty,uuid"`
	IsFavorite   bool     `json:"isFavorite"`
}

// Sanitized returns a copy with free text trimmed and capped, tags normalized and HTML cleaned.
func (f Fields) Sanitized() Fields {
	result := f
	result.Title = validation.SanitizeString(f.Title, validation.MaxTitleLength)
	result.Content = strings.TrimSpace(f.Content)
	result.URL = validation.SanitizeString(f.URL, 2048)
	result.Excerpt = validation.SanitizeString(f.Excerpt, maxExcerpt)
	result.Tags = validation.SanitizeTags(f.Tags)
	if f.HTMLSnapshot != "" {
		result.HTMLSnapshot = validation.SanitizeHTML(f.HTMLSnapshot)
	}
	if result.Type == "" {
		result.Type = TypeBookmark
	}
	if result.CategoryID != nil && strings.TrimSpace(*result.CategoryID) == "" {
		result.CategoryID = nil
	}
	return result
}

// Patch is a partial update; nil fields are left untouched.
type Patch struct {
	Title      *string   `json:"title" validate:"omitempty,min=1,max=200"`
	Content    *string   `json:"content"`
	URL        *string   `json:"url" validate:"omitempty,url,max=2048"`
	Excerpt    *string   `json:"excerpt" validate:"omitempty,max=500"`
	Tags       *[]string `json:"tags" validate:"omitempty,max=20,dive,max=50"`
	CategoryID *string   `json:"categoryId" validate:"omitempty,uuid"`
	IsFavorite *bool     `json:"isFavorite"`
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.URL == nil && p.Excerpt == nil &&
		p.Tags == nil && p.CategoryID == nil && p.IsFavorite == nil
}

func (p Patch) applyTo(item *Item) {
	if p.Title != nil {
		item.Title = validation.SanitizeString(*p.Title, validation.MaxTitleLength)
	}
	if p.Content != nil {
		item.Content = strings.TrimSpace(*p.Content)
	}
	if p.URL != nil {
		item.URL = validation.SanitizeString(*p.URL, 2048)
	}
	if p.Excerpt != nil {
		item.Excerpt = validation.SanitizeString(*p.Excerpt, maxExcerpt)
	}
	if p.Tags != nil {
		item.Tags = validation.SanitizeTags(*p.Tags)
	}
	if p.CategoryID != nil {
		if strings.TrimSpace(*p.CategoryID) == "" {
			item.CategoryID = nil
		} else {
			categoryID := *p.CategoryID
			item.CategoryID = &categoryID
		}
	}
	if p.IsFavorite != nil {
		item.IsFavorite = *p.IsFavorite
	}
}

// Insert creates an item and its first revision through tx. The caller owns the transaction
// and the write-policy decision.
func (s *Service) Insert(ctx context.Context, tx *gorm.DB, authorID, spaceID string, fields Fields) (Item, Revision, error) {
	fields = fields.Sanitized()
	if fields.Title == "" {
		return Item{}, Revision{}, apperrors.ValidationFields("Validation failed", map[string][]string{"title": {"is required"}})
	}
	itemID, err := s.ids.NewID()
	if err != nil {
		return Item{}, Revision{}, apperrors.Internal(apperrors.NewServiceError(opInsert, "id_failed", err))
	}
	now := s.now().UTC()
	item := Item{
		ID:           itemID,
		Title:        fields.Title,
		Content:      fields.Content,
		URL:          fields.URL,
		HTMLSnapshot: fields.HTMLSnapshot,
		Excerpt:      fields.Excerpt,
		Type:         fields.Type,
		Tags:         StringList(fields.Tags),
		CategoryID:   fields.CategoryID,
		SpaceID:      spaceID,
		CreatedBy:    authorID,
		IsFavorite:   fields.IsFavorite,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	item.RefreshSearchText()
	if err := tx.WithContext(ctx).Create(&item).Error; err != nil {
		s.logError(opInsert, "insert_failed", err, zap.String("space_id", spaceID))
		return Item{}, Revision{}, apperrors.Translate(err, "Item")
	}
	revision, err := s.appendRevision(ctx, tx, item, authorID, AllFields)
	if err != nil {
		return Item{}, Revision{}, err
	}
	return item, revision, nil
}

// Apply updates an item through tx and appends a revision carrying the delta of revisioned
// fields. The caller owns the transaction and the write-policy decision.
func (s *Service) Apply(ctx context.Context, tx *gorm.DB, authorID, itemID string, patch Patch) (Item, Revision, error) {
	current, err := s.load(ctx, tx, itemID)
	if err != nil {
		return Item{}, Revision{}, err
	}
	updated := current
	patch.applyTo(&updated)
	if updated.Title == "" {
		return Item{}, Revision{}, apperrors.ValidationFields("Validation failed", map[string][]string{"title": {"is required"}})
	}
	updated.UpdatedAt = s.now().UTC()
	updated.RefreshSearchText()

	err = tx.WithContext(ctx).Model(&Item{}).Where("id = ? AND deleted_at IS NULL", itemID).Updates(map[string]any{
		"title":       updated.Title,
		"content":     updated.Content,
		"url":         updated.URL,
		"excerpt":     updated.Excerpt,
		"tags":        updated.Tags,
		"category_id": updated.CategoryID,
		"is_favorite": updated.IsFavorite,
		"search_text": updated.SearchText,
		"updated_at":  updated.UpdatedAt,
	}).Error
	if err != nil {
		s.logError(opApply, "update_failed", err, zap.String("item_id", itemID))
		return Item{}, Revision{}, apperrors.Translate(err, "Item")
	}
	changed := Delta(current.Title, current.Content, current.Tags, updated.Title, updated.Content, updated.Tags)
	revision, err := s.appendRevision(ctx, tx, updated, authorID, changed)
	if err != nil {
		return Item{}, Revision{}, err
	}
	return updated, revision, nil
}

// Create writes a new item directly. The actor must have direct write access to the space.
func (s *Service) Create(ctx context.Context, actor users.Actor, spaceID string, fields Fields) (Item, error) {
	space, err := s.spaces.Get(ctx, spaceID)
	if err != nil {
		return Item{}, err
	}
	if spaces.Decide(actor, space) != spaces.Direct {
		return Item{}, apperrors.Authorization("Access denied")
	}
	var item Item
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		created, _, err := s.Insert(ctx, tx, actor.ID, space.ID, fields)
		item = created
		return err
	})
	if err != nil {
		return Item{}, err
	}
	s.InvalidateSpace(ctx, space.ID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionItemCreated,
		ResourceType: "item",
		ResourceID:   item.ID,
		Details:      map[string]any{"title": item.Title, "type": item.Type, "space_id": item.SpaceID},
	})
	return item, nil
}

// Update changes an item directly. The actor must have direct write access to its space.
func (s *Service) Update(ctx context.Context, actor users.Actor, itemID string, patch Patch) (Item, error) {
	if patch.Empty() {
		return Item{}, apperrors.Validation("No changes supplied")
	}
	current, space, err := s.loadWritable(ctx, actor, itemID)
	if err != nil {
		return Item{}, err
	}
	var item Item
	var revision Revision
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		item, revision, err = s.Apply(ctx, tx, actor.ID, current.ID, patch)
		return err
	})
	if err != nil {
		return Item{}, err
	}
	s.InvalidateSpace(ctx, space.ID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionItemUpdated,
		ResourceType: "item",
		ResourceID:   item.ID,
		Details:      map[string]any{"changed_fields": []string(revision.ChangedFields)},
	})
	return item, nil
}

// Get loads an item the actor can read.
func (s *Service) Get(ctx context.Context, actor users.Actor, itemID string) (Item, error) {
	item, err := s.load(ctx, s.db, itemID)
	if err != nil {
		return Item{}, err
	}
	space, err := s.spaces.Get(ctx, item.SpaceID)
	if err != nil {
		return Item{}, apperrors.NotFound("Item")
	}
	if !spaces.Readable(actor, space) && spaces.Decide(actor, space) != spaces.Direct {
		return Item{}, apperrors.NotFound("Item")
	}
	return item, nil
}

// Writable loads an item and its space, failing unless actor may write to it directly.
func (s *Service) Writable(ctx context.Context, actor users.Actor, itemID string) (Item, spaces.Space, spaces.Decision, error) {
	item, err := s.Get(ctx, actor, itemID)
	if err != nil {
		return Item{}, spaces.Space{}, spaces.Denied, err
	}
	space, err := s.spaces.Get(ctx, item.SpaceID)
	if err != nil {
		return Item{}, spaces.Space{}, spaces.Denied, err
	}
	return item, space, spaces.Decide(actor, space), nil
}

// ListFilter narrows List.
type ListFilter struct {
	SpaceID    string `form:"space_id" json:"spaceId"`
	CategoryID string `form:"category_id" json:"categoryId"`
	Type       Type   `form:"type" json:"type"`
	Limit      int    `form:"limit" json:"limit"`
	Offset     int    `form:"offset" json:"offset"`
}

// Result is a page of items.
type Result struct {
	Items []Item     `json:"items"`
	Page  query.Page `json:"page"`
}

// List returns items in the spaces the actor can read, newest first. Results are cached.
func (s *Service) List(ctx context.Context, actor users.Actor, filter ListFilter) (Result, error) {
	filter.Limit, filter.Offset = query.Normalize(filter.Limit, filter.Offset, defaultPageSize, maxPageSize)
	spaceIDs, err := s.scopedSpaces(ctx, actor, filter.SpaceID)
	if err != nil {
		return Result{}, err
	}
	key := cache.GenerateKey("items", map[string]any{
		"userId":     actor.ID,
		"spaceId":    filter.SpaceID,
		"categoryId": filter.CategoryID,
		"type":       filter.Type,
		"limit":      filter.Limit,
		"offset":     filter.Offset,
	})
	tags := []string{users.UserTag(actor.ID), TagItems}
	return query.ExecuteWithCache(ctx, s.queries, key, query.ItemListTTL, tags, func(ctx context.Context) (Result, error) {
		if len(spaceIDs) == 0 {
			return Result{Items: []Item{}, Page: query.NewPage(0, filter.Offset, filter.Limit)}, nil
		}
		filters := map[string]any{
			"space_id":    spaceIDs,
			"category_id": filter.CategoryID,
			"type":        string(filter.Type),
		}
		base := query.Apply(s.db.WithContext(ctx).Model(&Item{}).Where("deleted_at IS NULL"), query.Options{Filters: filters})
		var total int64
		if err := base.Count(&total).Error; err != nil {
			s.logError(opList, "count_failed", err)
			return Result{}, apperrors.Database("Failed to list items", apperrors.NewServiceError(opList, "count_failed", err))
		}
		page := query.Apply(s.db.WithContext(ctx).Where("deleted_at IS NULL"), query.Options{
			Filters: filters,
			OrderBy: "created_at",
			Desc:    true,
			Limit:   filter.Limit,
			Offset:  filter.Offset,
		})
		found := make([]Item, 0, filter.Limit)
		if err := page.Find(&found).Error; err != nil {
			s.logError(opList, "select_failed", err)
			return Result{}, apperrors.Database("Failed to list items", apperrors.NewServiceError(opList, "select_failed", err))
		}
		return Result{Items: found, Page: query.NewPage(total, filter.Offset, filter.Limit)}, nil
	})
}

// SearchParams narrows Search.
type SearchParams struct {
	Query      string     `form:"q" json:"query" validate:"max=500"`
	Type       Type       `form:"type" json:"type" validate:"omitempty,oneof=bookmark note file snippet"`
	SpaceID    string     `form:"space_id" json:"spaceId" validate:"omitempty,uuid"`
	CategoryID string     `form:"category_id" json:"categoryId" validate:"omitempty,uuid"`
	Tags       []string   `form:"tags" json:"tags" validate:"max=20"`
	DateFrom   *time.Time `form:"date_from" json:"dateFrom"`
	DateTo     *time.Time `form:"date_to" json:"dateTo"`
	Favorite   *bool      `form:"favorite" json:"isFavorite"`
	SortBy     string     `form:"sort_by" json:"sortBy" validate:"omitempty,oneof=created_at updated_at title relevance"`
	SortOrder  string     `form:"sort_order" json:"sortOrder" validate:"omitempty,oneof=asc desc"`
	Limit      int        `form:"limit" json:"limit" validate:"omitempty,min=1,max=100"`
	Offset     int        `form:"offset" json:"offset" validate:"min=0"`
}

// Search matches query terms against the precomputed search text of items in the actor's
// readable spaces. Results are cached briefly.
func (s *Service) Search(ctx context.Context, actor users.Actor, params SearchParams) (Result, error) {
	params.Limit, params.Offset = query.Normalize(params.Limit, params.Offset, defaultPageSize, maxPageSize)
	params.Tags = validation.SanitizeTags(params.Tags)
	if params.SortBy == "" {
		params.SortBy = "created_at"
	}
	if params.SortOrder == "" {
		params.SortOrder = "desc"
	}
	spaceIDs, err := s.scopedSpaces(ctx, actor, params.SpaceID)
	if err != nil {
		return Result{}, err
	}
	key := cache.GenerateKey("search", map[string]any{
		"userId":     actor.ID,
		"query":      params.Query,
		"type":       params.Type,
		"spaceId":    params.SpaceID,
		"categoryId": params.CategoryID,
		"tags":       params.Tags,
		"dateFrom":   params.DateFrom,
		"dateTo":     params.DateTo,
		"isFavorite": params.Favorite,
		"sortBy":     params.SortBy,
		"sortOrder":  params.SortOrder,
		"limit":      params.Limit,
		"offset":     params.Offset,
	})
	tags := []string{users.UserTag(actor.ID), TagSearch, TagItems}
	return query.ExecuteWithCache(ctx, s.queries, key, query.SearchTTL, tags, func(ctx context.Context) (Result, error) {
		if len(spaceIDs) == 0 {
			return Result{Items: []Item{}, Page: query.NewPage(0, params.Offset, params.Limit)}, nil
		}
		scope := func(db *gorm.DB) *gorm.DB {
			db = query.Apply(db.Where("deleted_at IS NULL"), query.Options{Filters: map[string]any{
				"space_id":    spaceIDs,
				"type":        string(params.Type),
				"category_id": params.CategoryID,
			}})
			for _, term := range strings.Fields(strings.ToLower(params.Query)) {
				db = db.Where(`search_text LIKE ? ESCAPE '\'`, "%"+escapeLike(term)+"%")
			}
			if len(params.Tags) > 0 {
				clauses := make([]string, 0, len(params.Tags))
				values := make([]any, 0, len(params.Tags))
				for _, tag := range params.Tags {
					clauses = append(clauses, `tags LIKE ? ESCAPE '\'`)
					values = append(values, `%"`+escapeLike(tag)+`"%`)
				}
				db = db.Where("("+strings.Join(clauses, " OR ")+")", values...)
			}
			if params.DateFrom != nil {
				db = db.Where("created_at >= ?", params.DateFrom.UTC())
			}
			if params.DateTo != nil {
				db = db.Where("created_at <= ?", params.DateTo.UTC())
			}
			if params.Favorite != nil {
				db = db.Where("is_favorite = ?", *params.Favorite)
			}
			return db
		}

		var total int64
		if err := scope(s.db.WithContext(ctx).Model(&Item{})).Count(&total).Error; err != nil {
			s.logError(opSearch, "count_failed", err)
			return Result{}, apperrors.Database("Search failed", apperrors.NewServiceError(opSearch, "count_failed", err))
		}
		orderBy := params.SortBy
		if orderBy == "relevance" {
			orderBy = "updated_at"
		}
		found := make([]Item, 0, params.Limit)
		err := query.Apply(scope(s.db.WithContext(ctx)), query.Options{
			OrderBy: orderBy,
			Desc:    params.SortOrder != "asc",
			Limit:   params.Limit,
			Offset:  params.Offset,
		}).Find(&found).Error
		if err != nil {
			s.logError(opSearch, "select_failed", err)
			return Result{}, apperrors.Database("Search failed", apperrors.NewServiceError(opSearch, "select_failed", err))
		}
		return Result{Items: found, Page: query.NewPage(total, params.Offset, params.Limit)}, nil
	})
}

// Delete soft-deletes an item the actor can write to directly.
func (s *Service) Delete(ctx context.Context, actor users.Actor, itemID string) (Item, error) {
	item, space, err := s.loadWritable(ctx, actor, itemID)
	if err != nil {
		return Item{}, err
	}
	now := s.now().UTC()
	result := s.db.WithContext(ctx).Model(&Item{}).
		Where("id = ? AND deleted_at IS NULL", item.ID).
		Updates(map[string]any{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		s.logError(opDelete, "update_failed", result.Error, zap.String("item_id", itemID))
		return Item{}, apperrors.Translate(result.Error, "Item")
	}
	if result.RowsAffected == 0 {
		return Item{}, apperrors.NotFound("Item")
	}
	item.DeletedAt = &now
	s.InvalidateSpace(ctx, space.ID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionItemDeleted,
		ResourceType: "item",
		ResourceID:   item.ID,
		Details:      map[string]any{"title": item.Title},
	})
	return item, nil
}

// ListRevisions returns an item's revisions newest first.
func (s *Service) ListRevisions(ctx context.Context, actor users.Actor, itemID string) ([]Revision, error) {
	if _, err := s.Get(ctx, actor, itemID); err != nil {
		return nil, err
	}
	var revisions []Revision
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Order("seq DESC").Find(&revisions).Error; err != nil {
		s.logError(opRevisions, "select_failed", err, zap.String("item_id", itemID))
		return nil, apperrors.Database("Failed to load revisions", apperrors.NewServiceError(opRevisions, "select_failed", err))
	}
	return revisions, nil
}

// Revert copies a past revision's values onto the live item as a new revision. History is
// never rewritten.
func (s *Service) Revert(ctx context.Context, actor users.Actor, itemID, revisionID string) (Item, Revision, error) {
	item, space, err := s.loadWritable(ctx, actor, itemID)
	if err != nil {
		return Item{}, Revision{}, err
	}
	var target Revision
	if err := s.db.WithContext(ctx).Where("id = ? AND item_id = ?", revisionID, item.ID).Take(&target).Error; err != nil {
		return Item{}, Revision{}, apperrors.Translate(err, "Revision")
	}
	title := target.Title
	content := target.Content
	tags := []string(target.Tags)
	patch := Patch{Title: &title, Content: &content, Tags: &tags}

	var reverted Item
	var revision Revision
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		reverted, revision, err = s.Apply(ctx, tx, actor.ID, item.ID, patch)
		return err
	})
	if err != nil {
		return Item{}, Revision{}, err
	}
	s.InvalidateSpace(ctx, space.ID)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionItemReverted,
		ResourceType: "item",
		ResourceID:   item.ID,
		Details: map[string]any{
			"reverted_to":    target.ID,
			"changed_fields": []string(revision.ChangedFields),
		},
	})
	return reverted, revision, nil
}

// ExportFilter narrows ExportRows.
type ExportFilter struct {
	SpaceIDs []string
	DateFrom *time.Time
	DateTo   *time.Time
}

// ExportRows returns every readable item matching filter, newest first.
func (s *Service) ExportRows(ctx context.Context, actor users.Actor, filter ExportFilter) ([]Item, error) {
	accessible, err := s.spaces.AccessibleIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	scope := accessible
	if len(filter.SpaceIDs) > 0 {
		scope = intersect(accessible, filter.SpaceIDs)
	}
	if len(scope) == 0 {
		return nil, apperrors.New(apperrors.KindNotFound, "No accessible spaces found")
	}
	db := s.db.WithContext(ctx).Where("deleted_at IS NULL AND space_id IN ?", scope)
	if filter.DateFrom != nil {
		db = db.Where("created_at >= ?", filter.DateFrom.UTC())
	}
	if filter.DateTo != nil {
		db = db.Where("created_at <= ?", filter.DateTo.UTC())
	}
	var rows []Item
	if err := db.Order("created_at DESC").Find(&rows).Error; err != nil {
		s.logError(opExport, "select_failed", err)
		return nil, apperrors.Database("Failed to export items", apperrors.NewServiceError(opExport, "select_failed", err))
	}
	return rows, nil
}

// InvalidateSpace drops cached reads that may include items from spaceID.
func (s *Service) InvalidateSpace(ctx context.Context, spaceID string) {
	s.queries.Invalidate(ctx, TagItems, TagSearch, SpaceTag(spaceID))
}

func (s *Service) loadWritable(ctx context.Context, actor users.Actor, itemID string) (Item, spaces.Space, error) {
	item, space, decision, err := s.Writable(ctx, actor, itemID)
	if err != nil {
		return Item{}, spaces.Space{}, err
	}
	if decision != spaces.Direct {
		return Item{}, spaces.Space{}, apperrors.Authorization("Access denied")
	}
	return item, space, nil
}

func (s *Service) load(ctx context.Context, db *gorm.DB, itemID string) (Item, error) {
	var item Item
	if strings.TrimSpace(itemID) == "" {
		return Item{}, apperrors.NotFound("Item")
	}
	if err := db.WithContext(ctx).Where("id = ? AND deleted_at IS NULL", itemID).Take(&item).Error; err != nil {
		return Item{}, apperrors.Translate(err, "Item")
	}
	return item, nil
}

func (s *Service) appendRevision(ctx context.Context, tx *gorm.DB, item Item, authorID string, changed []string) (Revision, error) {
	var latest int64
	err := tx.WithContext(ctx).Model(&Revision{}).
		Where("item_id = ?", item.ID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&latest).Error
	if err != nil {
		s.logError(opApply, "sequence_failed", err, zap.String("item_id", item.ID))
		return Revision{}, apperrors.Database("Failed to record revision", apperrors.NewServiceError(opApply, "sequence_failed", err))
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Revision{}, apperrors.Internal(apperrors.NewServiceError(opApply, "id_failed", err))
	}
	tags := item.Tags
	if tags == nil {
		tags = StringList{}
	}
	revision := Revision{
		ID:            id,
		ItemID:        item.ID,
		Seq:           latest + 1,
		Title:         item.Title,
		Content:       item.Content,
		Tags:          tags,
		ChangedFields: StringList(changed),
		CreatedBy:     authorID,
		CreatedAt:     s.now().UTC(),
	}
	if err := tx.WithContext(ctx).Create(&revision).Error; err != nil {
		s.logError(opApply, "revision_insert_failed", err, zap.String("item_id", item.ID))
		return Revision{}, apperrors.Translate(err, "Revision")
	}
	return revision, nil
}

// scopedSpaces returns the readable space ids, narrowed to spaceID when given.
func (s *Service) scopedSpaces(ctx context.Context, actor users.Actor, spaceID string) ([]string, error) {
	accessible, err := s.spaces.AccessibleIDs(ctx, actor)
	if err != nil {
		return nil, err
	}
	if spaceID == "" {
		return accessible, nil
	}
	for _, id := range accessible {
		if id == spaceID {
			return []string{spaceID}, nil
		}
	}
	return nil, apperrors.NotFound("Space")
}

func intersect(left, right []string) []string {
	allowed := make(map[string]struct{}, len(left))
	for _, value := range left {
		allowed[value] = struct{}{}
	}
	result := make([]string, 0, len(right))
	for _, value := range right {
		if _, ok := allowed[value]; ok {
			result = append(result, value)
		}
	}
	return result
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`).Replace(value)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("items service failure", allFields...)
}
