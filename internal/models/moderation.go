package models

import "time"

// Role is the role of an acting user
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
)

// Actor is whoever performs an operation
type Actor struct {
	ID          string `json:"id"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	Role        Role   `json:"role"`
	Anonymous   bool   `json:"anonymous"`
}

// IsModerator reports whether the actor may perform moderation transitions
func (a Actor) IsModerator() bool {
	return !a.Anonymous && a.Role == RoleModerator
}

// IsAuthorOf reports whether the actor wrote the comment
func (a Actor) IsAuthorOf(c *Comment) bool {
	return c != nil && !a.Anonymous && a.ID != "" && c.Author.IsUser() && c.Author.UserID == a.ID
}

// ActionKind is the kind of a moderation audit record
type ActionKind string

const (
	ActionApprove         ActionKind = "approve"
	ActionReject          ActionKind = "reject"
	ActionDelete          ActionKind = "delete"
	ActionIgnore          ActionKind = "ignore"
	ActionDisableComments ActionKind = "disableComments"
	ActionEnableComments  ActionKind = "enableComments"
	ActionBan             ActionKind = "ban"
	ActionUnban           ActionKind = "unban"
	ActionWarn            ActionKind = "warn"
)

// TargetType is what a moderation action was applied to
type TargetType string

const (
	TargetComment TargetType = "comment"
	TargetPost    TargetType = "post"
	TargetUser    TargetType = "user"
)

// ModerationAction is an append-only audit record
type ModerationAction struct {
	ID          string     `json:"id" db:"id"`
	ModeratorID string     `json:"moderator_id" db:"moderator_id"`
	Action      ActionKind `json:"action" db:"action"`
	TargetType  TargetType `json:"target_type" db:"target_type"`
	TargetID    string     `json:"target_id" db:"target_id"`
	Reason      string     `json:"reason" db:"reason"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}
