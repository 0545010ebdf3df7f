// file: internal/services/types.go
package services

import (
	"livecomments/internal/models"
	"livecomments/internal/moderation"
)

// ===============================
// COMMENT REQUESTS
// ===============================

// SubmitCommentRequest represents a new comment
type SubmitCommentRequest struct {
	PostID    string  `json:"post_id" validate:"required,max=128"`
	Body      string  `json:"body" validate:"notblank,max=500"`
	ReplyTo   *string `json:"reply_to,omitempty" validate:"omitempty,max=128"`
	Anonymous bool    `json:"anonymous"`
}

// EditCommentRequest represents an author edit
type EditCommentRequest struct {
	CommentID string `json:"comment_id" validate:"required"`
	Body      string `json:"body" validate:"notblank,max=500"`
}

// ListCommentsRequest selects a page of a post's comments
type ListCommentsRequest struct {
	PostID string `json:"post_id" validate:"required"`
	Limit  int    `json:"limit" validate:"min=0"`
	Offset int    `json:"offset" validate:"min=0"`
}

// CommentPage is a page of comments visible to the caller
type CommentPage struct {
	PostID   string            `json:"post_id"`
	Comments []*models.Comment `json:"comments"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
	HasMore  bool              `json:"has_more"`
}

// ReportCommentRequest represents a user flag
type ReportCommentRequest struct {
	CommentID string `json:"comment_id" validate:"required"`
	Reason    string `json:"reason" validate:"max=500"`
}

// ===============================
// MODERATION REQUESTS
// ===============================

// ModerateRequest requests a transition on one comment
type ModerateRequest struct {
	CommentID string `json:"comment_id" validate:"required"`
	Action    string `json:"action" validate:"required,oneof=approve reject delete ignore"`
	Reason    string `json:"reason" validate:"max=500"`
	// ExpectStatus is the status the moderator acted on. When set, the
	// transition only applies if the comment still has it.
	ExpectStatus *models.Status `json:"expect_status,omitempty" validate:"omitempty,oneof=pending approved rejected"`
}

// ModerationResult describes an applied transition
type ModerationResult struct {
	CommentID       string            `json:"comment_id"`
	PostID          string            `json:"post_id"`
	Action          moderation.Action `json:"action"`
	From            models.Status     `json:"from"`
	To              models.Status     `json:"to"`
	ResolvedReports int               `json:"resolved_reports"`
	// Comment is nil once the comment has been deleted
	Comment *models.Comment `json:"comment,omitempty"`
}

// SetCommentsDisabledRequest toggles the post flag that gates submission
type SetCommentsDisabledRequest struct {
	PostID   string `json:"post_id" validate:"required"`
	Disabled bool   `json:"disabled"`
	Reason   string `json:"reason" validate:"max=500"`
}

// User moderation actions
const (
	UserActionBan   = "ban"
	UserActionUnban = "unban"
	UserActionWarn  = "warn"
)

// ModerateUserRequest requests a ban, unban or warning
type ModerateUserRequest struct {
	UserID string `json:"user_id" validate:"required"`
	Action string `json:"action" validate:"required,oneof=ban unban warn"`
	Reason string `json:"reason" validate:"max=500"`
}

// ===============================
// MENTIONS
// ===============================

// MentionSuggestionRequest asks for candidates for the token under the caret
type MentionSuggestionRequest struct {
	Text  string `json:"text" validate:"max=2000"`
	Caret int    `json:"caret" validate:"min=0"`
}
