// file: internal/repositories/interfaces.go
package repositories

import (
	"context"
	"errors"

	"livecomments/internal/models"
)

var (
	ErrCommentNotFound = errors.New("comment not found")
	ErrUserNotFound    = errors.New("user not found")
	ErrDuplicateReport = errors.New("comment already reported by this actor")
	// ErrStatusConflict is returned by a conditional update whose expected
	// status no longer matches the stored one.
	ErrStatusConflict = errors.New("comment status changed concurrently")
)

// ===============================
// COLLABORATOR INTERFACES
// ===============================

// CommentStore persists comments and their reports
type CommentStore interface {
	Create(ctx context.Context, comment *models.Comment) error
	GetByID(ctx context.Context, id string) (*models.Comment, error)
	// Update applies patch and returns the stored comment
	Update(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error)
	// Delete hard-deletes the comment and its reports
	Delete(ctx context.Context, id string) error
	// ListByPost returns comments oldest first
	ListByPost(ctx context.Context, postID string, filter models.ListFilter) ([]*models.Comment, error)

	// Report adds an open report and returns the comment's open report count
	Report(ctx context.Context, report *models.Report) (int, error)
	// ResolveReports resolves every open report on the comment at once and
	// returns how many were resolved
	ResolveReports(ctx context.Context, commentID string) (int, error)
	// ListReported returns comments with open reports, oldest report first
	ListReported(ctx context.Context, page models.Page) ([]*models.ReportedComment, error)
}

// UserSearch finds mention candidates. An empty prefix returns recently
// active users.
type UserSearch interface {
	Search(ctx context.Context, prefix string, limit int) ([]models.MentionCandidate, error)
}

// UserRepository stores the user projection used for mentions and bans
type UserRepository interface {
	UserSearch
	GetByID(ctx context.Context, id string) (*models.User, error)
	// Touch upserts the user and records activity
	Touch(ctx context.Context, user *models.User) error
	SetBanned(ctx context.Context, id string, banned bool) error
}

// PostFlags holds per-post comment settings
type PostFlags interface {
	GetCommentsDisabled(ctx context.Context, postID string) (bool, error)
	SetCommentsDisabled(ctx context.Context, postID string, disabled bool) error
	RequiresPreModeration(ctx context.Context, postID string) (bool, error)
}

// AuditSink records moderation actions. Records are append-only.
type AuditSink interface {
	Record(ctx context.Context, action *models.ModerationAction) error
	// Recent returns the newest records first
	Recent(ctx context.Context, limit int) ([]*models.ModerationAction, error)
}
