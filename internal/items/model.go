package items

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Type classifies a saved item.
type Type string

const (
	TypeBookmark Type = "bookmark"
	TypeNote     Type = "note"
	TypeFile     Type = "file"
	TypeSnippet  Type = "snippet"
)

// Valid reports whether t is a known item type.
func (t Type) Valid() bool {
	switch t {
	case TypeBookmark, TypeNote, TypeFile, TypeSnippet:
		return true
	}
	return false
}

// Revisioned field names.
const (
	FieldTitle   = "title"
	FieldContent = "content"
	FieldTags    = "tags"
)

// AllFields is the changed-field set recorded for a new item.
var AllFields = []string{FieldTitle, FieldContent, FieldTags}

// StringList is an ordered list of strings stored as a JSON text column.
type StringList []string

// GormDataType stores the list as text on every dialect.
func (StringList) GormDataType() string {
	return "text"
}

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	encoded, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	var raw []byte
	switch typed := value.(type) {
	case nil:
		*l = StringList{}
		return nil
	case string:
		raw = []byte(typed)
	case []byte:
		raw = typed
	default:
		return fmt.Errorf("items: cannot scan %T into StringList", value)
	}
	if len(raw) == 0 {
		*l = StringList{}
		return nil
	}
	var decoded []string
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}
	*l = decoded
	return nil
}

// Equal reports whether both lists hold the same values in the same order.
func (l StringList) Equal(other StringList) bool {
	if len(l) != len(other) {
		return false
	}
	for index := range l {
		if l[index] != other[index] {
			return false
		}
	}
	return true
}

// Item is a saved unit of content.
type Item struct {
	ID           string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	Title        string     `gorm:"column:title;size:200;not null" json:"title"`
	Content      string     `gorm:"column:content;type:text" json:"content,omitempty"`
	URL          string     `gorm:"column:url;size:2048" json:"url,omitempty"`
	HTMLSnapshot string     `gorm:"column:html_snapshot;type:text" json:"html_snapshot,omitempty"`
	Excerpt      string     `gorm:"column:excerpt;size:1000" json:"excerpt,omitempty"`
	Type         Type       `gorm:"column:type;size:16;not null;index" json:"type"`
	Tags         StringList `gorm:"column:tags;not null" json:"tags"`
	CategoryID   *string    `gorm:"column:category_id;size:36;index" json:"category_id,omitempty"`
	SpaceID      string     `gorm:"column:space_id;size:36;not null;index" json:"space_id"`
	CreatedBy    string     `gorm:"column:created_by;size:36;not null;index" json:"created_by"`
	IsFavorite   bool       `gorm:"column:is_favorite;not null;default:false" json:"is_favorite"`
	SearchText   string     `gorm:"column:search_text;type:text" json:"-"`
	DeletedAt    *time.Time `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
	CreatedAt    time.Time  `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the items table.
func (Item) TableName() string {
	return "items"
}

// RefreshSearchText recomputes the lowercase text matched by search.
func (i *Item) RefreshSearchText() {
	parts := []string{i.Title, i.Content, i.Excerpt, i.URL, strings.Join(i.Tags, " ")}
	i.SearchText = strings.ToLower(strings.Join(parts, " "))
}

// Revision is an immutable snapshot of an item's revisioned fields.
type Revision struct {
	ID            string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	ItemID        string     `gorm:"column:item_id;size:36;not null;uniqueIndex:idx_revisions_item_seq,priority:1" json:"item_id"`
	Seq           int64      `gorm:"column:seq;not null;uniqueIndex:idx_revisions_item_seq,priority:2" json:"seq"`
	Title         string     `gorm:"column:title;size:200;not null" json:"title"`
	Content       string     `gorm:"column:content;type:text" json:"content,omitempty"`
	Tags          StringList `gorm:"column:tags;not null" json:"tags"`
	ChangedFields StringList `gorm:"column:changed_fields;not null" json:"changed_fields"`
	CreatedBy     string     `gorm:"column:created_by;size:36;not null" json:"created_by"`
	CreatedAt     time.Time  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName exposes the revisions table.
func (Revision) TableName() string {
	return "revisions"
}

// Delta lists the revisioned fields whose values differ between the two snapshots.
func Delta(previousTitle, previousContent string, previousTags StringList, title, content string, tags StringList) []string {
	changed := make([]string, 0, len(AllFields))
	if previousTitle != title {
		changed = append(changed, FieldTitle)
	}
	if previousContent != content {
		changed = append(changed, FieldContent)
	}
	if !previousTags.Equal(tags) {
		changed = append(changed, FieldTags)
	}
	return changed
}
