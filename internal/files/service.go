// Package files manages uploaded attachments and their objects in storage.
package files

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/retry"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/storage"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/MarcoPoloResearchLab/vault/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew    = "files.service.new"
	opUpload        = "files.upload"
	opCompensate    = "files.compensate"
	opList          = "files.list"
	opBulkDelete    = "files.bulk_delete"
	opDeleteForItem = "files.delete_for_item"

	maxBulkDelete = 100
)

var (
	errMissingDatabase   = errors.New("files: database connection required")
	errMissingStore      = errors.New("files: object store required")
	errMissingItems      = errors.New("files: item service required")
	errMissingSpaces     = errors.New("files: space service required")
	errMissingIDProvider = errors.New("files: id provider required")
)

// Kind groups MIME types for listing.
type Kind string

const (
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
)

var documentTypes = []string{
	"application/pdf",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"text/plain",
}

// Attachment records an object uploaded to storage.
type Attachment struct {
	ID               string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	ItemID           *string   `gorm:"column:item_id;size:36;index" json:"item_id,omitempty"`
	SpaceID          *string   `gorm:"column:space_id;size:36" json:"space_id,omitempty"`
	Filename         string    `gorm:"column:filename;size:255;not null" json:"filename"`
	OriginalFilename string    `gorm:"column:original_filename;size:255;not null" json:"original_filename"`
	MimeType         string    `gorm:"column:mime_type;size:128;not null" json:"mime_type"`
	FileSize         int64     `gorm:"column:file_size;not null" json:"file_size"`
	StoragePath      string    `gorm:"column:storage_path;size:512;not null;uniqueIndex" json:"storage_path"`
	UploadedBy       string    `gorm:"column:uploaded_by;size:36;not null;index" json:"uploaded_by"`
	CreatedAt        time.Time `gorm:"column:created_at;not null" json:"created_at"`
	PublicURL        string    `gorm:"-" json:"public_url"`
}

// TableName exposes the table backing attachments.
func (Attachment) TableName() string {
	return "attachments"
}

// ServiceConfig describes the attachment service dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Store      storage.ObjectStore
	Items      *items.Service
	Spaces     *spaces.Service
	IDProvider ids.Provider
	Activity   *activity.Recorder
	Retry      retry.Policy
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service uploads, lists and deletes attachments.
type Service struct {
	db       *gorm.DB
	store    storage.ObjectStore
	items    *items.Service
	spaces   *spaces.Service
	ids      ids.Provider
	activity *activity.Recorder
	retry    retry.Policy
	now      func() time.Time
	logger   *zap.Logger
}

// NewService constructs the attachment service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.Store == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Items == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_items", errMissingItems)
	}
	if cfg.Spaces == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_spaces", errMissingSpaces)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.NewServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	policy := cfg.Retry
	if policy.Attempts <= 0 {
		policy = retry.DefaultPolicy
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
		store:    cfg.Store,
		items:    cfg.Items,
		spaces:   cfg.Spaces,
		ids:      cfg.IDProvider,
		activity: cfg.Activity,
		retry:    policy,
		now:      clock,
		logger:   logger,
	}, nil
}

// UploadInput is one file received from a client.
type UploadInput struct {
	Name         string
	DeclaredType string
	Data         []byte
	ItemID       string
	SpaceID      string
}

// Upload validates a file, stores it and records the attachment. When the record cannot be
// written the stored object is removed again and the record error is returned.
func (s *Service) Upload(ctx context.Context, actor users.Actor, input UploadInput) (Attachment, error) {
	if len(input.Data) == 0 {
		return Attachment{}, apperrors.Validation("No file provided")
	}
	mimeType := validation.DetectMIME(input.DeclaredType, input.Data)
	if ok, limit := validation.ValidateFileSize(int64(len(input.Data)), mimeType); !ok {
		return Attachment{}, apperrors.Validation(fmt.Sprintf("File too large. Maximum size for %s is %dMB", mimeType, limit/(1024*1024)))
	}
	if !validation.IsAllowedUploadType(mimeType) {
		return Attachment{}, apperrors.Validation("File type not allowed: " + mimeType)
	}
	if !validation.ValidateFileContent(input.Data, mimeType) {
		return Attachment{}, apperrors.Validation("File content does not match declared type")
	}
	if !validation.ScanForViruses(input.Data) {
		return Attachment{}, apperrors.Validation("File failed security scan")
	}
	if err := s.checkTargets(ctx, actor, input); err != nil {
		return Attachment{}, err
	}

	now := s.now().UTC()
	original := validation.SanitizeFileName(input.Name)
	if original == "" {
		original = "file"
	}
	stored, err := validation.GenerateSecureFileName(original, actor.ID, now)
	if err != nil {
		s.logError(opUpload, "name_generation_failed", err)
		return Attachment{}, apperrors.Internal(apperrors.NewServiceError(opUpload, "name_generation_failed", err))
	}
	id, err := s.ids.NewID()
	if err != nil {
		s.logError(opUpload, "id_generation_failed", err)
		return Attachment{}, apperrors.Internal(apperrors.NewServiceError(opUpload, "id_generation_failed", err))
	}
	attachment := Attachment{
		ID:               id,
		ItemID:           optional(input.ItemID),
		SpaceID:          optional(input.SpaceID),
		Filename:         stored,
		OriginalFilename: original,
		MimeType:         mimeType,
		FileSize:         int64(len(input.Data)),
		StoragePath:      "uploads/" + actor.ID + "/" + stored,
		UploadedBy:       actor.ID,
		CreatedAt:        now,
	}

	if err := s.store.Upload(ctx, attachment.StoragePath, input.Data, mimeType); err != nil {
		s.logError(opUpload, "store_failed", err, zap.String("path", attachment.StoragePath))
		return Attachment{}, apperrors.ExternalService("Object storage", apperrors.NewServiceError(opUpload, "store_failed", err))
	}
	if err := s.db.WithContext(ctx).Create(&attachment).Error; err != nil {
		s.logError(opUpload, "insert_failed", err, zap.String("path", attachment.StoragePath))
		s.compensate(ctx, attachment.StoragePath)
		return Attachment{}, apperrors.Database("Failed to create attachment record", apperrors.NewServiceError(opUpload, "insert_failed", err))
	}

	attachment.PublicURL = s.store.PublicURL(attachment.StoragePath)
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionFileUploaded,
		ResourceType: "file",
		ResourceID:   attachment.ID,
		Details: map[string]any{
			"original_filename": attachment.OriginalFilename,
			"secure_filename":   attachment.Filename,
			"file_size":         attachment.FileSize,
			"file_type":         attachment.MimeType,
			"item_id":           input.ItemID,
			"space_id":          input.SpaceID,
		},
	})
	return attachment, nil
}

func (s *Service) checkTargets(ctx context.Context, actor users.Actor, input UploadInput) error {
	if input.SpaceID != "" {
		space, err := s.spaces.Get(ctx, input.SpaceID)
		if err != nil {
			return err
		}
		if space.Type == spaces.TypePersonal && !space.OwnedBy(actor.ID) {
			return apperrors.Authorization("Access denied to this space")
		}
		if !spaces.Readable(actor, space) && spaces.Decide(actor, space) != spaces.Direct {
			return apperrors.Authorization("Access denied to this space")
		}
	}
	if input.ItemID != "" {
		_, _, decision, err := s.items.Writable(ctx, actor, input.ItemID)
		if err != nil {
			return err
		}
		if decision != spaces.Direct {
			return apperrors.Authorization("You cannot attach files to this item")
		}
	}
	return nil
}

// compensate removes an object whose record was never written. It runs detached from the
// request so a cancelled client does not leave the object behind.
func (s *Service) compensate(ctx context.Context, path string) {
	cleanup := context.WithoutCancel(ctx)
	err := retry.Do(cleanup, s.retry, s.logger, opCompensate, func(ctx context.Context) error {
		return s.store.Remove(ctx, path)
	})
	if err != nil {
		s.logError(opCompensate, "remove_failed", err, zap.String("path", path))
	}
}

// ListFilter narrows List.
type ListFilter struct {
	Search    string `form:"search"`
	Kind      Kind   `form:"type"`
	SortBy    string `form:"sort_by"`
	SortOrder string `form:"sort_order"`
}

var sortColumns = map[string]string{
	"created_at":        "created_at",
	"original_filename": "original_filename",
	"file_size":         "file_size",
	"mime_type":         "mime_type",
}

// List returns the actor's own uploads.
func (s *Service) List(ctx context.Context, actor users.Actor, filter ListFilter) ([]Attachment, error) {
	builder := s.db.WithContext(ctx).Where("uploaded_by = ?", actor.ID)
	if search := strings.TrimSpace(filter.Search); search != "" {
		builder = builder.Where("LOWER(original_filename) LIKE ? ESCAPE '\\'", "%"+escapeLike(strings.ToLower(search))+"%")
	}
	switch filter.Kind {
	case KindImage, KindVideo, KindAudio:
		builder = builder.Where("mime_type LIKE ?", string(filter.Kind)+"/%")
	case KindDocument:
		builder = builder.Where("mime_type IN ?", documentTypes)
	case "":
	default:
		return nil, apperrors.ValidationFields("Validation failed", map[string][]string{"type": {"must be one of: image, video, audio, document"}})
	}
	column, ok := sortColumns[filter.SortBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(filter.SortOrder, "asc") {
		direction = "ASC"
	}
	var result []Attachment
	if err := builder.Order(column + " " + direction).Find(&result).Error; err != nil {
		s.logError(opList, "select_failed", err, zap.String("user_id", actor.ID))
		return nil, apperrors.Database("Failed to fetch files", apperrors.NewServiceError(opList, "select_failed", err))
	}
	for index := range result {
		result[index].PublicURL = s.store.PublicURL(result[index].StoragePath)
	}
	return result, nil
}

// BulkDelete removes the listed attachments uploaded by actor and returns how many were deleted.
func (s *Service) BulkDelete(ctx context.Context, actor users.Actor, attachmentIDs []string) (int, error) {
	if len(attachmentIDs) == 0 || len(attachmentIDs) > maxBulkDelete {
		return 0, apperrors.Validation("Between 1 and 100 file ids are required")
	}
	var owned []Attachment
	if err := s.db.WithContext(ctx).Where("id IN ? AND uploaded_by = ?", attachmentIDs, actor.ID).Find(&owned).Error; err != nil {
		s.logError(opBulkDelete, "select_failed", err, zap.String("user_id", actor.ID))
		return 0, apperrors.Database("Failed to fetch files", apperrors.NewServiceError(opBulkDelete, "select_failed", err))
	}
	if len(owned) == 0 {
		return 0, apperrors.NotFound("Files")
	}
	if err := s.remove(ctx, opBulkDelete, owned); err != nil {
		return 0, err
	}
	s.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionFilesDeleted,
		ResourceType: "file",
		Details:      map[string]any{"deleted_count": len(owned), "file_ids": attachmentIDs},
	})
	return len(owned), nil
}

// DeleteForItem removes every attachment bound to itemID.
func (s *Service) DeleteForItem(ctx context.Context, itemID string) error {
	var bound []Attachment
	if err := s.db.WithContext(ctx).Where("item_id = ?", itemID).Find(&bound).Error; err != nil {
		s.logError(opDeleteForItem, "select_failed", err, zap.String("item_id", itemID))
		return apperrors.Database("Failed to fetch attachments", apperrors.NewServiceError(opDeleteForItem, "select_failed", err))
	}
	if len(bound) == 0 {
		return nil
	}
	return s.remove(ctx, opDeleteForItem, bound)
}

// ForItems returns the attachments bound to any of itemIDs.
func (s *Service) ForItems(ctx context.Context, itemIDs []string) ([]Attachment, error) {
	if len(itemIDs) == 0 {
		return nil, nil
	}
	var result []Attachment
	if err := s.db.WithContext(ctx).Where("item_id IN ?", itemIDs).Order("created_at ASC").Find(&result).Error; err != nil {
		return nil, apperrors.Database("Failed to fetch attachments", err)
	}
	for index := range result {
		result[index].PublicURL = s.store.PublicURL(result[index].StoragePath)
	}
	return result, nil
}

func (s *Service) remove(ctx context.Context, operation string, attachments []Attachment) error {
	paths := make([]string, 0, len(attachments))
	recordIDs := make([]string, 0, len(attachments))
	for _, attachment := range attachments {
		paths = append(paths, attachment.StoragePath)
		recordIDs = append(recordIDs, attachment.ID)
	}
	err := retry.Do(ctx, s.retry, s.logger, operation, func(ctx context.Context) error {
		return s.store.Remove(ctx, paths...)
	})
	if err != nil {
		s.logError(operation, "storage_remove_failed", err, zap.Int("count", len(paths)))
		return apperrors.ExternalService("Object storage", apperrors.NewServiceError(operation, "storage_remove_failed", err))
	}
	if err := s.db.WithContext(ctx).Where("id IN ?", recordIDs).Delete(&Attachment{}).Error; err != nil {
		s.logError(operation, "delete_failed", err, zap.Int("count", len(recordIDs)))
		return apperrors.Database("Failed to delete file records", apperrors.NewServiceError(operation, "delete_failed", err))
	}
	return nil
}

func optional(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("files service failure", allFields...)
}
