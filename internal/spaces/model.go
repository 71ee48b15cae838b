package spaces

import (
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/users"
)

// Type distinguishes personal spaces from shared ones.
type Type string

const (
	TypePersonal Type = "personal"
	TypeCommon   Type = "common"
)

// Valid reports whether t is a known space type.
func (t Type) Valid() bool {
	return t == TypePersonal || t == TypeCommon
}

// Space is a namespace owning items.
type Space struct {
	ID          string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name        string     `gorm:"column:name;size:200;not null" json:"name"`
	Description string     `gorm:"column:description;size:1000" json:"description,omitempty"`
	Type        Type       `gorm:"column:type;size:16;not null;index" json:"type"`
	OwnerID     *string    `gorm:"column:owner_id;size:36;index" json:"owner_id,omitempty"`
	IsPublic    bool       `gorm:"column:is_public;not null;default:false" json:"is_public"`
	DeletedAt   *time.Time `gorm:"column:deleted_at;index" json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt   time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the spaces table.
func (Space) TableName() string {
	return "spaces"
}

// OwnedBy reports whether userID owns the personal space.
func (s Space) OwnedBy(userID string) bool {
	return s.Type == TypePersonal && s.OwnerID != nil && *s.OwnerID == userID
}

// Category groups items inside a space.
type Category struct {
	ID        string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	Name      string     `gorm:"column:name;size:100;not null" json:"name"`
	Icon      string     `gorm:"column:icon;size:50" json:"icon,omitempty"`
	Color     string     `gorm:"column:color;size:20" json:"color,omitempty"`
	SpaceID   string     `gorm:"column:space_id;size:36;not null;index" json:"space_id"`
	CreatedBy string     `gorm:"column:created_by;size:36;not null" json:"created_by"`
	DeletedAt *time.Time `gorm:"column:deleted_at" json:"deleted_at,omitempty"`
	CreatedAt time.Time  `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName exposes the categories table.
func (Category) TableName() string {
	return "categories"
}

// Decision is the outcome of the write policy for an actor and a space.
type Decision int

const (
	// Denied means the actor may not write to the space at all.
	Denied Decision = iota
	// Direct means the write mutates items immediately.
	Direct
	// Moderated means the write becomes a pending edit request.
	Moderated
)

func (d Decision) String() string {
	switch d {
	case Direct:
		return "direct"
	case Moderated:
		return "moderated"
	default:
		return "denied"
	}
}

// Decide applies the write policy: admins and personal-space owners write directly,
// other active members write to common spaces through moderation.
func Decide(actor users.Actor, space Space) Decision {
	if !actor.Active() || space.DeletedAt != nil {
		return Denied
	}
	if actor.IsAdmin() {
		return Direct
	}
	switch space.Type {
	case TypePersonal:
		if space.OwnedBy(actor.ID) {
			return Direct
		}
		return Denied
	case TypeCommon:
		return Moderated
	default:
		return Denied
	}
}

// Readable reports whether actor may read items in space.
func Readable(actor users.Actor, space Space) bool {
	if space.DeletedAt != nil {
		return false
	}
	switch space.Type {
	case TypePersonal:
		return space.OwnedBy(actor.ID)
	case TypeCommon:
		return space.IsPublic || actor.IsAdmin()
	default:
		return false
	}
}
