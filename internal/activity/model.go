package activity

import "time"

// Action tags recorded in the activity log.
type Action string

const (
	ActionUserRegistered      Action = "user_registered"
	ActionUserLogin           Action = "user_login"
	ActionUserLogout          Action = "user_logout"
	ActionUserApproved        Action = "user_approved"
	ActionUserSuspended       Action = "user_suspended"
	ActionUserRoleUpdated     Action = "user_role_updated"
	ActionSpaceCreated        Action = "space_created"
	ActionItemCreated         Action = "item_created"
	ActionItemUpdated         Action = "item_updated"
	ActionItemDeleted         Action = "item_deleted"
	ActionItemReverted        Action = "item_reverted"
	ActionFileUploaded        Action = "file_uploaded"
	ActionFilesDeleted        Action = "files_deleted"
	ActionEditRequestCreated  Action = "edit_request_created"
	ActionEditRequestApproved Action = "edit_request_approved"
	ActionEditRequestRejected Action = "edit_request_rejected"
	ActionInviteCodeGenerated Action = "invite_code_generated"
	ActionInviteCodeUsed      Action = "invite_code_used"
	ActionDataExported        Action = "data_exported"
)

// Log is an append-only audit record.
type Log struct {
	ID           string    `gorm:"column:id;primaryKey;size:36" json:"id"`
	UserID       string    `gorm:"column:user_id;size:36;index" json:"user_id"`
	Action       string    `gorm:"column:action;size:64;not null;index" json:"action"`
	ResourceType string    `gorm:"column:resource_type;size:64" json:"resource_type"`
	ResourceID   string    `gorm:"column:resource_id;size:36" json:"resource_id"`
	Details      string    `gorm:"column:details;type:text" json:"details"`
	IPAddress    string    `gorm:"column:ip_address;size:64" json:"ip_address"`
	UserAgent    string    `gorm:"column:user_agent;size:512" json:"user_agent"`
	RequestID    string    `gorm:"column:request_id;size:64" json:"request_id"`
	CreatedAt    time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
}

// TableName exposes the table backing the activity log.
func (Log) TableName() string {
	return "activity_log"
}
