package users

import (
	"strings"
	"time"
)

// Role is a user's membership role.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleMember
}

// Status is a user's membership state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusSuspended Status = "suspended"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusSuspended
}

// User is a vault member profile.
type User struct {
	ID               string     `gorm:"column:id;primaryKey;size:36" json:"id"`
	Email            string     `gorm:"column:email;size:320;not null;uniqueIndex" json:"email"`
	DisplayName      string     `gorm:"column:display_name;size:200" json:"display_name"`
	Phone            *string    `gorm:"column:phone;size:32;uniqueIndex" json:"phone,omitempty"`
	PasswordHash     string     `gorm:"column:password_hash;size:100" json:"-"`
	Role             Role       `gorm:"column:role;size:16;not null" json:"role"`
	Status           Status     `gorm:"column:status;size:16;not null;index" json:"status"`
	InvitedBy        *string    `gorm:"column:invited_by;size:36" json:"invited_by,omitempty"`
	InviteCode       *string    `gorm:"column:invite_code;size:64" json:"invite_code,omitempty"`
	EmailConfirmedAt *time.Time `gorm:"column:email_confirmed_at" json:"email_confirmed_at,omitempty"`
	CreatedAt        time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName exposes the table backing user profiles.
func (User) TableName() string {
	return "users"
}

// Actor returns the request actor view of u.
func (u User) Actor() Actor {
	return Actor{
		ID:          u.ID,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        u.Role,
		Status:      u.Status,
	}
}

// Actor is the authenticated caller handed to request handlers.
type Actor struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
	Status      Status `json:"status"`
}

// IsAdmin reports whether the actor holds the admin role.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin
}

// Active reports whether the actor may perform authenticated operations.
func (a Actor) Active() bool {
	return a.Status == StatusApproved || a.IsAdmin()
}

// NormalizeEmail lowercases and trims an email address.
func NormalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
