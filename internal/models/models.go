// file: internal/models/models.go
package models

import (
	"strings"
	"time"
)

// ===============================
// CORE ENTITIES
// ===============================

// User is the projection of an account needed for mentions and moderation
type User struct {
	ID           string    `json:"id" db:"id"`
	Handle       string    `json:"handle" db:"handle" validate:"required,min=1,max=50"`
	DisplayName  string    `json:"display_name" db:"display_name" validate:"max=100"`
	Role         Role      `json:"role" db:"role"`
	Banned       bool      `json:"banned" db:"banned"`
	LastActiveAt time.Time `json:"last_active_at" db:"last_active_at"`
}

// Candidate returns the mention projection of the user
func (u *User) Candidate() MentionCandidate {
	return MentionCandidate{Handle: u.Handle, DisplayName: u.DisplayName}
}

// HasHandlePrefix reports whether the handle starts with prefix, ignoring case
func (u *User) HasHandlePrefix(prefix string) bool {
	return strings.HasPrefix(strings.ToLower(u.Handle), strings.ToLower(prefix))
}

// PostSettings holds the per-post flags that gate comment submission
type PostSettings struct {
	PostID           string `json:"post_id" db:"post_id"`
	CommentsDisabled bool   `json:"comments_disabled" db:"comments_disabled"`
	PreModeration    bool   `json:"pre_moderation" db:"pre_moderation"`
}
