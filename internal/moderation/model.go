package moderation

import (
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/items"
)

// Status is the lifecycle state of an edit request. Approved and rejected are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Default reasons recorded when the requester gives none.
const (
	ReasonNewItem = "New item submission"
	ReasonCapture = "Web content capture"
	ReasonUpdate  = "Item update"
)

// EditRequest is a proposed item creation or mutation awaiting admin review.
type EditRequest struct {
	ID           string           `gorm:"column:id;primaryKey;size:36" json:"id"`
	ItemID       *string          `gorm:"column:item_id;size:36;index" json:"item_id"`
	SpaceID      string           `gorm:"column:space_id;size:36;not null;index" json:"space_id"`
	RequestedBy  string           `gorm:"column:requested_by;size:36;not null;index" json:"requested_by"`
	Title        string           `gorm:"column:title;size:200;not null" json:"title"`
	Content      string           `gorm:"column:content;type:text" json:"content,omitempty"`
	URL          string           `gorm:"column:url;size:2048" json:"url,omitempty"`
	Excerpt      string           `gorm:"column:excerpt;size:1000" json:"excerpt,omitempty"`
	HTMLSnapshot string           `gorm:"column:html_snapshot;type:text" json:"html_snapshot,omitempty"`
	Type         items.Type       `gorm:"column:type;size:16;not null" json:"type"`
	Tags         items.StringList `gorm:"column:tags;not null" json:"tags"`
	CategoryID   *string          `gorm:"column:category_id;size:36" json:"category_id,omitempty"`
	Proposed     items.StringList `gorm:"column:proposed_fields;not null;default:'[]'" json:"proposed_fields"`
	Reason       string           `gorm:"column:reason;size:1000;not null" json:"reason"`
	Status       Status           `gorm:"column:status;size:16;not null;index" json:"status"`
	ReviewedBy   *string          `gorm:"column:reviewed_by;size:36" json:"reviewed_by"`
	ReviewedAt   *time.Time       `gorm:"column:reviewed_at" json:"reviewed_at"`
	ReviewNote   string           `gorm:"column:review_note;size:1000" json:"review_note,omitempty"`
	ItemResultID *string          `gorm:"column:item_result_id;size:36" json:"item_result_id,omitempty"`
	CreatedAt    time.Time        `gorm:"column:created_at;not null;index" json:"created_at"`
}

// TableName exposes the edit request table.
func (EditRequest) TableName() string {
	return "edit_requests"
}

func (r EditRequest) fields() items.Fields {
	return items.Fields{
		Title:        r.Title,
		Content:      r.Content,
		URL:          r.URL,
		Excerpt:      r.Excerpt,
		HTMLSnapshot: r.HTMLSnapshot,
		Type:         r.Type,
		Tags:         []string(r.Tags),
		CategoryID:   r.CategoryID,
	}
}

// Names of the item fields an update proposal can carry.
const (
	proposedTitle    = "title"
	proposedContent  = "content"
	proposedURL      = "url"
	proposedExcerpt  = "excerpt"
	proposedTags     = "tags"
	proposedCategory = "category_id"
)

// ReviewableFields lists every field an update proposal may carry.
var ReviewableFields = []string{proposedTitle, proposedContent, proposedURL, proposedExcerpt, proposedTags, proposedCategory}

// patch rebuilds the requester's update from the proposed field names only.
func (r EditRequest) patch() items.Patch {
	var patch items.Patch
	for _, field := range r.Proposed {
		switch field {
		case proposedTitle:
			title := r.Title
			patch.Title = &title
		case proposedContent:
			content := r.Content
			patch.Content = &content
		case proposedURL:
			url := r.URL
			patch.URL = &url
		case proposedExcerpt:
			excerpt := r.Excerpt
			patch.Excerpt = &excerpt
		case proposedTags:
			tags := []string(r.Tags)
			patch.Tags = &tags
		case proposedCategory:
			categoryID := ""
			if r.CategoryID != nil {
				categoryID = *r.CategoryID
			}
			patch.CategoryID = &categoryID
		}
	}
	return patch
}

// proposedNames lists the reviewable fields patch supplies. Favorites are personal and never
// go through review.
func proposedNames(patch items.Patch) []string {
	names := make([]string, 0, 6)
	if patch.Title != nil {
		names = append(names, proposedTitle)
	}
	if patch.Content != nil {
		names = append(names, proposedContent)
	}
	if patch.URL != nil {
		names = append(names, proposedURL)
	}
	if patch.Excerpt != nil {
		names = append(names, proposedExcerpt)
	}
	if patch.Tags != nil {
		names = append(names, proposedTags)
	}
	if patch.CategoryID != nil {
		names = append(names, proposedCategory)
	}
	return names
}

// Proposal is a write routed into moderation.
type Proposal struct {
	SpaceID string
	ItemID  *string
	Fields  items.Fields
	// Proposed names the fields an update changes; empty for new items.
	Proposed []string
	Reason   string
}

// Outcome reports how a write was routed: either an item was written directly or an edit
// request was queued.
type Outcome struct {
	Item    *items.Item  `json:"item,omitempty"`
	Request *EditRequest `json:"editRequest,omitempty"`
}

// Moderated reports whether the write was queued for review.
func (o Outcome) Moderated() bool {
	return o.Request != nil
}

// Event types published to the realtime channel.
const (
	EventRequestCreated  = "edit-request-created"
	EventRequestReviewed = "edit-request-reviewed"
	EventItemChanged     = "item-changed"

	// AdminChannel receives events every admin should see.
	AdminChannel = "admins"
)

// Event describes a moderation change for realtime subscribers.
type Event struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId,omitempty"`
	ItemID    string    `json:"itemId,omitempty"`
	SpaceID   string    `json:"spaceId,omitempty"`
	Status    Status    `json:"status,omitempty"`
	ActorID   string    `json:"actorId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers moderation events to a channel: AdminChannel or a user id.
type Notifier interface {
	Notify(channel string, event Event)
}

type noopNotifier struct{}

func (noopNotifier) Notify(string, Event) {}
