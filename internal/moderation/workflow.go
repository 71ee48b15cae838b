// Package moderation routes writes through the space write policy and runs the edit-request
// review lifecycle for shared spaces.
package moderation

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/activity"
	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"github.com/MarcoPoloResearchLab/vault/internal/ids"
	"github.com/MarcoPoloResearchLab/vault/internal/items"
	"github.com/MarcoPoloResearchLab/vault/internal/query"
	"github.com/MarcoPoloResearchLab/vault/internal/spaces"
	"github.com/MarcoPoloResearchLab/vault/internal/users"
	"github.com/MarcoPoloResearchLab/vault/internal/validation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opWorkflowNew = "moderation.workflow.new"
	opSubmit      = "moderation.submit"
	opApprove     = "moderation.approve"
	opReject      = "moderation.reject"
	opList        = "moderation.list"

	defaultPageSize = 20
	maxPageSize     = 100
	maxReasonLength = 1000
	maxNoteLength   = 1000
)

var (
	errMissingDatabase   = errors.New("moderation: database connection required")
	errMissingItems      = errors.New("moderation: item service required")
	errMissingSpaces     = errors.New("moderation: space service required")
	errMissingIDProvider = errors.New("moderation: id provider required")

	// ErrNotPending is returned when a review targets a request that already left pending.
	ErrNotPending = apperrors.Validation("Edit request is no longer pending").WithCode("EDIT_REQUEST_NOT_PENDING")
	// ErrNothingToReview is returned when a moderated update only touches personal fields.
	ErrNothingToReview = apperrors.ValidationFields("Validation failed", map[string][]string{"isFavorite": {"cannot be changed on shared items"}})
)

// Config describes the workflow dependencies.
type Config struct {
	Database   *gorm.DB
	Items      *items.Service
	Spaces     *spaces.Service
	IDProvider ids.Provider
	Activity   *activity.Recorder
	Notifier   Notifier
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Workflow owns edit requests and decides whether writes go direct or through review.
type Workflow struct {
	db       *gorm.DB
	items    *items.Service
	spaces   *spaces.Service
	ids      ids.Provider
	activity *activity.Recorder
	notifier Notifier
	now      func() time.Time
	logger   *zap.Logger
}

// NewWorkflow constructs the moderation workflow.
func NewWorkflow(cfg Config) (*Workflow, error) {
	if cfg.Database == nil {
		return nil, apperrors.NewServiceError(opWorkflowNew, "missing_database", errMissingDatabase)
	}
	if cfg.Items == nil {
		return nil, apperrors.NewServiceError(opWorkflowNew, "missing_items", errMissingItems)
	}
	if cfg.Spaces == nil {
		return nil, apperrors.NewServiceError(opWorkflowNew, "missing_spaces", errMissingSpaces)
	}
	if cfg.IDProvider == nil {
		return nil, apperrors.NewServiceError(opWorkflowNew, "missing_id_provider", errMissingIDProvider)
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = noopNotifier{}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Workflow{
		db:       cfg.Database,
		items:    cfg.Items,
		spaces:   cfg.Spaces,
		ids:      cfg.IDProvider,
		activity: cfg.Activity,
		notifier: notifier,
		now:      clock,
		logger:   logger,
	}, nil
}

// CreateItem writes a new item directly when the actor may, otherwise queues an edit request.
func (w *Workflow) CreateItem(ctx context.Context, actor users.Actor, spaceID string, fields items.Fields, reason string) (Outcome, error) {
	space, err := w.spaces.Get(ctx, spaceID)
	if err != nil {
		return Outcome{}, err
	}
	switch spaces.Decide(actor, space) {
	case spaces.Direct:
		item, err := w.items.Create(ctx, actor, space.ID, fields)
		if err != nil {
			return Outcome{}, err
		}
		w.notifier.Notify(actor.ID, Event{Type: EventItemChanged, ItemID: item.ID, SpaceID: space.ID, ActorID: actor.ID, Timestamp: w.now().UTC()})
		return Outcome{Item: &item}, nil
	case spaces.Moderated:
		request, err := w.Submit(ctx, actor, Proposal{SpaceID: space.ID, Fields: fields, Reason: defaultReason(reason, ReasonNewItem)})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Request: &request}, nil
	default:
		return Outcome{}, apperrors.Authorization("Access denied")
	}
}

// UpdateItem changes an item directly when the actor may, otherwise queues an edit request
// targeting it. Queued proposals carry the full resulting field values.
func (w *Workflow) UpdateItem(ctx context.Context, actor users.Actor, itemID string, patch items.Patch, reason string) (Outcome, error) {
	if patch.Empty() {
		return Outcome{}, apperrors.Validation("No changes supplied")
	}
	current, space, decision, err := w.items.Writable(ctx, actor, itemID)
	if err != nil {
		return Outcome{}, err
	}
	switch decision {
	case spaces.Direct:
		item, err := w.items.Update(ctx, actor, current.ID, patch)
		if err != nil {
			return Outcome{}, err
		}
		w.notifier.Notify(actor.ID, Event{Type: EventItemChanged, ItemID: item.ID, SpaceID: space.ID, ActorID: actor.ID, Timestamp: w.now().UTC()})
		return Outcome{Item: &item}, nil
	case spaces.Moderated:
		names := proposedNames(patch)
		if len(names) == 0 {
			return Outcome{}, ErrNothingToReview
		}
		itemRef := current.ID
		request, err := w.Submit(ctx, actor, Proposal{
			SpaceID:  space.ID,
			ItemID:   &itemRef,
			Fields:   proposedFields(current, patch),
			Proposed: names,
			Reason:   defaultReason(reason, ReasonUpdate),
		})
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Request: &request}, nil
	default:
		return Outcome{}, apperrors.Authorization("Access denied")
	}
}

// SnapshotInput is a captured web page.
type SnapshotInput struct {
	URL        string   `json:"url" validate:"required,url,max=2048"`
	HTML       string   `json:"html" validate:"required"`
	Title      string   `json:"title" validate:"max=200"`
	Excerpt    string   `json:"excerpt" validate:"max=500"`
	SpaceID    string   `json:"spaceId" validate:"required,uuid"`
	CategoryID *string  `json:"categoryId" validate:"omitempty,uuid"`
	Tags       []string `json:"tags" validate:"max=20,dive,max=50"`
}

// Capture stores a sanitized web snapshot as a bookmark, routed like any other create.
func (w *Workflow) Capture(ctx context.Context, actor users.Actor, input SnapshotInput) (Outcome, error) {
	metadata := validation.ExtractMetadata(input.HTML, input.URL)
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = metadata.Title
	}
	excerpt := strings.TrimSpace(input.Excerpt)
	if excerpt == "" {
		excerpt = metadata.Excerpt
	}
	fields := items.Fields{
		Title:        title,
		Content:      excerpt,
		URL:          input.URL,
		Excerpt:      excerpt,
		HTMLSnapshot: validation.SanitizeHTML(input.HTML),
		Type:         items.TypeBookmark,
		Tags:         input.Tags,
		CategoryID:   input.CategoryID,
	}
	return w.CreateItem(ctx, actor, input.SpaceID, fields, ReasonCapture)
}

// Submit persists a pending edit request. No item is created or changed.
func (w *Workflow) Submit(ctx context.Context, actor users.Actor, proposal Proposal) (EditRequest, error) {
	fields := proposal.Fields.Sanitized()
	if fields.Title == "" {
		return EditRequest{}, apperrors.ValidationFields("Validation failed", map[string][]string{"title": {"is required"}})
	}
	id, err := w.ids.NewID()
	if err != nil {
		return EditRequest{}, apperrors.Internal(apperrors.NewServiceError(opSubmit, "id_failed", err))
	}
	request := EditRequest{
		ID:           id,
		ItemID:       proposal.ItemID,
		SpaceID:      proposal.SpaceID,
		RequestedBy:  actor.ID,
		Title:        fields.Title,
		Content:      fields.Content,
		URL:          fields.URL,
		Excerpt:      fields.Excerpt,
		HTMLSnapshot: fields.HTMLSnapshot,
		Type:         fields.Type,
		Tags:         items.StringList(fields.Tags),
		CategoryID:   fields.CategoryID,
		Proposed:     items.StringList(proposal.Proposed),
		Reason:       defaultReason(validation.SanitizeString(proposal.Reason, maxReasonLength), ReasonNewItem),
		Status:       StatusPending,
		CreatedAt:    w.now().UTC(),
	}
	if err := w.db.WithContext(ctx).Create(&request).Error; err != nil {
		w.logError(opSubmit, "insert_failed", err, zap.String("space_id", proposal.SpaceID))
		return EditRequest{}, apperrors.Database("Failed to create edit request", apperrors.NewServiceError(opSubmit, "insert_failed", err))
	}
	w.activity.Record(ctx, nil, activity.Entry{
		UserID:       actor.ID,
		Action:       activity.ActionEditRequestCreated,
		ResourceType: "edit_request",
		ResourceID:   request.ID,
		Details:      map[string]any{"title": request.Title, "space_id": request.SpaceID, "item_id": request.ItemID},
	})
	w.notifier.Notify(AdminChannel, Event{
		Type:      EventRequestCreated,
		RequestID: request.ID,
		SpaceID:   request.SpaceID,
		Status:    request.Status,
		ActorID:   actor.ID,
		Timestamp: request.CreatedAt,
	})
	return request, nil
}

// Approve marks a pending request approved and materializes it in one transaction. The status
// guard on the UPDATE makes a concurrent second review fail with ErrNotPending.
func (w *Workflow) Approve(ctx context.Context, reviewer users.Actor, requestID, note string) (EditRequest, items.Item, error) {
	if !reviewer.IsAdmin() {
		return EditRequest{}, items.Item{}, apperrors.Authorization("Admin access required")
	}
	var request EditRequest
	var item items.Item
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := w.transition(ctx, tx, reviewer, requestID, StatusApproved, note)
		if err != nil {
			return err
		}
		request = loaded
		space, err := w.spaces.GetTx(ctx, tx, request.SpaceID)
		if err != nil {
			return err
		}
		if request.ItemID == nil {
			item, _, err = w.items.Insert(ctx, tx, request.RequestedBy, space.ID, request.fields())
		} else {
			item, _, err = w.items.Apply(ctx, tx, request.RequestedBy, *request.ItemID, request.patch())
		}
		if err != nil {
			return err
		}
		request.ItemResultID = &item.ID
		return tx.Model(&EditRequest{}).Where("id = ?", request.ID).Update("item_result_id", item.ID).Error
	})
	if err != nil {
		if apperrors.IsOperational(err) {
			return EditRequest{}, items.Item{}, err
		}
		w.logError(opApprove, "transaction_failed", err, zap.String("request_id", requestID))
		return EditRequest{}, items.Item{}, apperrors.Database("Failed to approve edit request", apperrors.NewServiceError(opApprove, "transaction_failed", err))
	}

	w.items.InvalidateSpace(ctx, request.SpaceID)
	w.activity.Record(ctx, nil, activity.Entry{
		UserID:       reviewer.ID,
		Action:       activity.ActionEditRequestApproved,
		ResourceType: "edit_request",
		ResourceID:   request.ID,
		Details:      map[string]any{"item_id": item.ID, "requested_by": request.RequestedBy},
	})
	w.publishReview(request, reviewer)
	w.notifier.Notify(request.RequestedBy, Event{Type: EventItemChanged, ItemID: item.ID, SpaceID: request.SpaceID, ActorID: reviewer.ID, Timestamp: w.now().UTC()})
	return request, item, nil
}

// Reject marks a pending request rejected. Items are never touched.
func (w *Workflow) Reject(ctx context.Context, reviewer users.Actor, requestID, note string) (EditRequest, error) {
	if !reviewer.IsAdmin() {
		return EditRequest{}, apperrors.Authorization("Admin access required")
	}
	var request EditRequest
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		loaded, err := w.transition(ctx, tx, reviewer, requestID, StatusRejected, note)
		request = loaded
		return err
	})
	if err != nil {
		if apperrors.IsOperational(err) {
			return EditRequest{}, err
		}
		w.logError(opReject, "transaction_failed", err, zap.String("request_id", requestID))
		return EditRequest{}, apperrors.Database("Failed to reject edit request", apperrors.NewServiceError(opReject, "transaction_failed", err))
	}
	w.activity.Record(ctx, nil, activity.Entry{
		UserID:       reviewer.ID,
		Action:       activity.ActionEditRequestRejected,
		ResourceType: "edit_request",
		ResourceID:   request.ID,
		Details:      map[string]any{"requested_by": request.RequestedBy, "note": request.ReviewNote},
	})
	w.publishReview(request, reviewer)
	return request, nil
}

// transition moves a pending request to status through a status-guarded update.
func (w *Workflow) transition(ctx context.Context, tx *gorm.DB, reviewer users.Actor, requestID string, status Status, note string) (EditRequest, error) {
	var request EditRequest
	if err := tx.WithContext(ctx).Where("id = ?", requestID).Take(&request).Error; err != nil {
		return EditRequest{}, apperrors.Translate(err, "Edit request")
	}
	if request.Status != StatusPending {
		return EditRequest{}, ErrNotPending
	}
	now := w.now().UTC()
	reviewerID := reviewer.ID
	note = validation.SanitizeString(note, maxNoteLength)
	result := tx.WithContext(ctx).Model(&EditRequest{}).
		Where("id = ? AND status = ?", requestID, StatusPending).
		Updates(map[string]any{
			"status":      status,
			"reviewed_by": reviewerID,
			"reviewed_at": now,
			"review_note": note,
		})
	if result.Error != nil {
		return EditRequest{}, result.Error
	}
	if result.RowsAffected == 0 {
		return EditRequest{}, ErrNotPending
	}
	request.Status = status
	request.ReviewedBy = &reviewerID
	request.ReviewedAt = &now
	request.ReviewNote = note
	return request, nil
}

// Get loads a request visible to actor: admins see all, members see their own.
func (w *Workflow) Get(ctx context.Context, actor users.Actor, requestID string) (EditRequest, error) {
	var request EditRequest
	if err := w.db.WithContext(ctx).Where("id = ?", requestID).Take(&request).Error; err != nil {
		return EditRequest{}, apperrors.Translate(err, "Edit request")
	}
	if !actor.IsAdmin() && request.RequestedBy != actor.ID {
		return EditRequest{}, apperrors.NotFound("Edit request")
	}
	return request, nil
}

// ListFilter narrows List and ListMine.
type ListFilter struct {
	Status Status `form:"status" validate:"omitempty,oneof=pending approved rejected"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

// List returns requests for review, oldest pending first. Admin only.
func (w *Workflow) List(ctx context.Context, reviewer users.Actor, filter ListFilter) ([]EditRequest, query.Page, error) {
	if !reviewer.IsAdmin() {
		return nil, query.Page{}, apperrors.Authorization("Admin access required")
	}
	return w.list(ctx, "", filter, false)
}

// ListMine returns the actor's own requests, newest first.
func (w *Workflow) ListMine(ctx context.Context, actor users.Actor, filter ListFilter) ([]EditRequest, query.Page, error) {
	return w.list(ctx, actor.ID, filter, true)
}

func (w *Workflow) list(ctx context.Context, requesterID string, filter ListFilter, newestFirst bool) ([]EditRequest, query.Page, error) {
	limit, offset := query.Normalize(filter.Limit, filter.Offset, defaultPageSize, maxPageSize)
	filters := map[string]any{
		"status":       string(filter.Status),
		"requested_by": requesterID,
	}
	var total int64
	if err := query.Apply(w.db.WithContext(ctx).Model(&EditRequest{}), query.Options{Filters: filters}).Count(&total).Error; err != nil {
		w.logError(opList, "count_failed", err)
		return nil, query.Page{}, apperrors.Database("Failed to list edit requests", apperrors.NewServiceError(opList, "count_failed", err))
	}
	requests := make([]EditRequest, 0, limit)
	err := query.Apply(w.db.WithContext(ctx), query.Options{
		Filters: filters,
		OrderBy: "created_at",
		Desc:    newestFirst,
		Limit:   limit,
		Offset:  offset,
	}).Find(&requests).Error
	if err != nil {
		w.logError(opList, "select_failed", err)
		return nil, query.Page{}, apperrors.Database("Failed to list edit requests", apperrors.NewServiceError(opList, "select_failed", err))
	}
	return requests, query.NewPage(total, offset, limit), nil
}

func (w *Workflow) publishReview(request EditRequest, reviewer users.Actor) {
	event := Event{
		Type:      EventRequestReviewed,
		RequestID: request.ID,
		SpaceID:   request.SpaceID,
		Status:    request.Status,
		ActorID:   reviewer.ID,
		Timestamp: w.now().UTC(),
	}
	if request.ItemResultID != nil {
		event.ItemID = *request.ItemResultID
	}
	w.notifier.Notify(request.RequestedBy, event)
	w.notifier.Notify(AdminChannel, event)
}

func proposedFields(current items.Item, patch items.Patch) items.Fields {
	fields := items.Fields{
		Title:      current.Title,
		Content:    current.Content,
		URL:        current.URL,
		Excerpt:    current.Excerpt,
		Type:       current.Type,
		Tags:       []string(current.Tags),
		CategoryID: current.CategoryID,
	}
	if patch.Title != nil {
		fields.Title = *patch.Title
	}
	if patch.Content != nil {
		fields.Content = *patch.Content
	}
	if patch.URL != nil {
		fields.URL = *patch.URL
	}
	if patch.Excerpt != nil {
		fields.Excerpt = *patch.Excerpt
	}
	if patch.Tags != nil {
		fields.Tags = *patch.Tags
	}
	if patch.CategoryID != nil {
		categoryID := *patch.CategoryID
		fields.CategoryID = &categoryID
	}
	return fields
}

func defaultReason(reason, fallback string) string {
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		return trimmed
	}
	return fallback
}

func (w *Workflow) logError(operation, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	w.logger.Error("moderation workflow failure", allFields...)
}
