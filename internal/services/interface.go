// file: internal/services/interface.go
package services

import (
	"context"

	"livecomments/internal/annotate"
	"livecomments/internal/mentions"
	"livecomments/internal/models"
)

// ===============================
// COMMENT SERVICE INTERFACE
// ===============================

// CommentService is the comment and moderation pipeline exposed to the
// transport layer. Every mutation publishes on the post's topic.
type CommentService interface {
	// Comments
	SubmitComment(ctx context.Context, actor models.Actor, req *SubmitCommentRequest) (*models.Comment, error)
	EditComment(ctx context.Context, actor models.Actor, req *EditCommentRequest) (*models.Comment, error)
	GetComment(ctx context.Context, actor models.Actor, commentID string) (*models.Comment, error)
	ListComments(ctx context.Context, actor models.Actor, req *ListCommentsRequest) (*CommentPage, error)
	ReportComment(ctx context.Context, actor models.Actor, req *ReportCommentRequest) (*models.Comment, error)

	// Moderation
	Moderate(ctx context.Context, actor models.Actor, req *ModerateRequest) (*ModerationResult, error)
	ReportedQueue(ctx context.Context, actor models.Actor, page models.Page) ([]*models.ReportedComment, error)
	SetCommentsDisabled(ctx context.Context, actor models.Actor, req *SetCommentsDisabledRequest) (*models.ModerationAction, error)
	ModerateUser(ctx context.Context, actor models.Actor, req *ModerateUserRequest) (*models.ModerationAction, error)
	ActivityLog(ctx context.Context, actor models.Actor, limit int) ([]*models.ModerationAction, error)

	// Compose helpers
	SuggestMentions(ctx context.Context, req *MentionSuggestionRequest) (mentions.Result, error)
	Annotate(text string) []annotate.Segment
}
