// ===============================
// FILE: internal/services/comment_service.go
// ===============================

package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"

	"livecomments/internal/annotate"
	"livecomments/internal/cache"
	"livecomments/internal/events"
	"livecomments/internal/mentions"
	"livecomments/internal/models"
	"livecomments/internal/moderation"
	"livecomments/internal/repositories"
	"livecomments/internal/validation"
)

// commentService implements CommentService
type commentService struct {
	comments  repositories.CommentStore
	users     repositories.UserRepository
	posts     repositories.PostFlags
	audit     repositories.AuditSink
	publisher events.Publisher
	cache     cache.Cache
	suggester *mentions.Suggester
	locks     *keyedMutex
	logger    *zap.Logger
	config    *CommentServiceConfig
	now       func() time.Time
}

// CommentServiceConfig holds comment service configuration
type CommentServiceConfig struct {
	SubmitRateLimit  int           `json:"submit_rate_limit"`
	SubmitRateWindow time.Duration `json:"submit_rate_window"`
	DefaultPageSize  int           `json:"default_page_size"`
	MaxPageSize      int           `json:"max_page_size"`
	ActivityLogLimit int           `json:"activity_log_limit"`
}

// DefaultCommentConfig returns default comment service configuration
func DefaultCommentConfig() *CommentServiceConfig {
	return &CommentServiceConfig{
		SubmitRateLimit:  10,
		SubmitRateWindow: time.Minute,
		DefaultPageSize:  50,
		MaxPageSize:      200,
		ActivityLogLimit: 100,
	}
}

// NewCommentService creates the comment pipeline. A nil cache disables the
// submission rate limit.
func NewCommentService(
	repos *repositories.Collection,
	publisher events.Publisher,
	c cache.Cache,
	suggester *mentions.Suggester,
	logger *zap.Logger,
	config *CommentServiceConfig,
) CommentService {
	if config == nil {
		config = DefaultCommentConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if suggester == nil {
		suggester = mentions.NewSuggester(repos.Users, nil, logger)
	}

	return &commentService{
		comments:  repos.Comments,
		users:     repos.Users,
		posts:     repos.Posts,
		audit:     repos.Audit,
		publisher: publisher,
		cache:     c,
		suggester: suggester,
		locks:     newKeyedMutex(),
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// ===============================
// COMMENTS
// ===============================

// SubmitComment validates and stores a new comment, then publishes it
func (s *commentService) SubmitComment(ctx context.Context, actor models.Actor, req *SubmitCommentRequest) (*models.Comment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !actor.Anonymous && actor.ID == "" {
		return nil, NewUnauthorizedError("an identity is required to comment")
	}

	author := models.Author{Anonymous: true}
	if !actor.Anonymous && !req.Anonymous {
		author = models.Author{UserID: actor.ID, Handle: actor.Handle, DisplayName: actor.DisplayName}
	}

	if !actor.Anonymous {
		if err := s.checkNotBanned(ctx, actor); err != nil {
			return nil, err
		}
	}

	if err := s.checkSubmitRateLimit(ctx, actor); err != nil {
		return nil, err
	}

	disabled, err := s.posts.GetCommentsDisabled(ctx, req.PostID)
	if err != nil {
		return nil, s.translateStoreError("read post flags", err)
	}
	if disabled {
		return nil, NewAuthorizationError("comments are disabled for this post", "post", "submit")
	}

	if req.ReplyTo != nil {
		if err := s.validateReplyTo(ctx, actor, author, req); err != nil {
			return nil, err
		}
	}

	preModeration, err := s.posts.RequiresPreModeration(ctx, req.PostID)
	if err != nil {
		return nil, s.translateStoreError("read post flags", err)
	}

	now := s.now()
	comment := &models.Comment{
		ID:        newID(),
		PostID:    req.PostID,
		Author:    author,
		Body:      req.Body,
		ReplyTo:   req.ReplyTo,
		Status:    moderation.InitialStatus(preModeration),
		Mentions:  mentions.Extract(req.Body),
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.comments.Create(ctx, comment); err != nil {
		return nil, s.translateStoreError("create comment", err)
	}

	if author.IsUser() {
		if err := s.users.Touch(ctx, &models.User{
			ID:           actor.ID,
			Handle:       actor.Handle,
			DisplayName:  actor.DisplayName,
			Role:         actor.Role,
			LastActiveAt: now,
		}); err != nil {
			s.logger.Warn("Failed to record user activity",
				zap.String("user_id", actor.ID),
				zap.Error(err))
		}
	}

	s.publish(ctx, events.NewCommentCreatedEvent(comment))

	s.logger.Info("Comment submitted",
		zap.String("comment_id", comment.ID),
		zap.String("post_id", comment.PostID),
		zap.String("status", string(comment.Status)),
		zap.Bool("anonymous", author.Anonymous),
	)
	return comment, nil
}

// EditComment replaces the body of the actor's own comment
func (s *commentService) EditComment(ctx context.Context, actor models.Actor, req *EditCommentRequest) (*models.Comment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(req.CommentID)
	defer unlock()

	comment, err := s.comments.GetByID(ctx, req.CommentID)
	if err != nil {
		return nil, s.translateStoreError("get comment", err)
	}
	if !actor.IsAuthorOf(comment) {
		return nil, NewAuthorizationError("only the author can edit a comment", "comment", "edit")
	}
	if comment.Body == req.Body {
		return comment, nil
	}

	body := req.Body
	mentioned := mentions.Extract(body)
	if mentioned == nil {
		mentioned = []string{}
	}
	changes := models.CommentChanges{Body: &body, Mentions: &mentioned}
	current := comment.Status
	updated, err := s.comments.Update(ctx, comment.ID, models.CommentPatch{
		Changes:      changes,
		ExpectStatus: &current,
	})
	if err != nil {
		return nil, s.translateStoreError("edit comment", err)
	}

	s.publish(ctx, events.NewCommentUpdatedEvent(updated.PostID, updated.ID, changes))
	return updated, nil
}

// ListComments returns the page of a post's comments the actor may see.
// Moderators see every status; authors additionally see their own hidden
// comments.
func (s *commentService) ListComments(ctx context.Context, actor models.Actor, req *ListCommentsRequest) (*CommentPage, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	page := models.Page{Limit: req.Limit, Offset: req.Offset}.Normalize(s.config.DefaultPageSize, s.config.MaxPageSize)

	filter := models.ListFilter{Limit: page.Limit + 1, Offset: page.Offset}
	if !actor.IsModerator() {
		filter.Statuses = []models.Status{models.StatusApproved}
		if !actor.Anonymous {
			filter.AuthorID = actor.ID
		}
	}

	comments, err := s.comments.ListByPost(ctx, req.PostID, filter)
	if err != nil {
		return nil, s.translateStoreError("list comments", err)
	}

	hasMore := len(comments) > page.Limit
	if hasMore {
		comments = comments[:page.Limit]
	}
	if comments == nil {
		comments = []*models.Comment{}
	}

	return &CommentPage{
		PostID:   req.PostID,
		Comments: comments,
		Limit:    page.Limit,
		Offset:   page.Offset,
		HasMore:  hasMore,
	}, nil
}

// GetComment returns one comment if the actor may see it. Hidden comments
// are reported as not found.
func (s *commentService) GetComment(ctx context.Context, actor models.Actor, commentID string) (*models.Comment, error) {
	comment, err := s.comments.GetByID(ctx, commentID)
	if err != nil {
		return nil, s.translateStoreError("get comment", err)
	}
	if !VisibleTo(actor, comment) {
		return nil, EntityNotFoundError("comment", commentID)
	}
	return comment, nil
}

// VisibleTo reports whether actor may see the comment. Moderators see every
// comment; authors also see their own pending and rejected comments.
func VisibleTo(actor models.Actor, comment *models.Comment) bool {
	return actor.IsModerator() || comment.Status == models.StatusApproved || actor.IsAuthorOf(comment)
}

// ReportComment files the actor's report and publishes the new report count
func (s *commentService) ReportComment(ctx context.Context, actor models.Actor, req *ReportCommentRequest) (*models.Comment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if actor.ID == "" {
		return nil, NewUnauthorizedError("an identity is required to report")
	}

	unlock := s.locks.Lock(req.CommentID)
	defer unlock()

	comment, err := s.comments.GetByID(ctx, req.CommentID)
	if err != nil {
		return nil, s.translateStoreError("get comment", err)
	}

	count, err := s.comments.Report(ctx, &models.Report{
		CommentID:  comment.ID,
		ReporterID: actor.ID,
		Reason:     req.Reason,
		CreatedAt:  s.now(),
	})
	if err != nil {
		return nil, s.translateStoreError("report comment", err)
	}
	comment.ReportCount = count

	s.publish(ctx, events.NewCommentUpdatedEvent(comment.PostID, comment.ID, models.CommentChanges{ReportCount: &count}))

	s.logger.Info("Comment reported",
		zap.String("comment_id", comment.ID),
		zap.String("reporter_id", actor.ID),
		zap.Int("open_reports", count),
	)
	return comment, nil
}

// ===============================
// MODERATION
// ===============================

// Moderate applies a moderation action to one comment. Transitions on the
// same comment are serialized. A request carrying ExpectStatus that finds the
// comment already moved on returns a conflict and publishes nothing.
func (s *commentService) Moderate(ctx context.Context, actor models.Actor, req *ModerateRequest) (*ModerationResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	action, err := moderation.ParseAction(req.Action)
	if err != nil {
		return nil, NewValidationError(err.Error(), err)
	}

	unlock := s.locks.Lock(req.CommentID)
	defer unlock()

	comment, err := s.comments.GetByID(ctx, req.CommentID)
	if err != nil {
		return nil, s.translateStoreError("get comment", err)
	}

	if err := moderation.Authorize(actor, comment, action); err != nil {
		s.logger.Warn("Moderation attempt rejected",
			zap.String("comment_id", comment.ID),
			zap.String("actor_id", actor.ID),
			zap.String("action", string(action)),
		)
		return nil, NewAuthorizationError(err.Error(), "comment", string(action))
	}
	if req.ExpectStatus != nil && *req.ExpectStatus != comment.Status {
		return nil, NewConflictError(
			fmt.Sprintf("comment is %s, expected %s", comment.Status, *req.ExpectStatus),
			"STATUS_CONFLICT",
		)
	}

	outcome, err := moderation.Apply(comment.Status, action, actor.IsModerator())
	if err != nil {
		return nil, NewConflictError(err.Error(), "INVALID_TRANSITION")
	}

	result := &ModerationResult{
		CommentID: comment.ID,
		PostID:    comment.PostID,
		Action:    action,
		From:      outcome.From,
		To:        outcome.To,
	}

	var event events.CommentEvent
	switch {
	case action == moderation.ActionDelete:
		if err := s.comments.Delete(ctx, comment.ID); err != nil {
			return nil, s.translateStoreError("delete comment", err)
		}
		result.ResolvedReports = comment.ReportCount
		event = events.NewCommentDeletedEvent(comment.PostID, comment.ID)

	default:
		changes := models.CommentChanges{}
		updated := comment
		if outcome.StatusChanged() {
			to, from := outcome.To, outcome.From
			updated, err = s.comments.Update(ctx, comment.ID, models.CommentPatch{
				Changes:      models.CommentChanges{Status: &to},
				ExpectStatus: &from,
			})
			if err != nil {
				return nil, s.translateStoreError("update comment status", err)
			}
			changes.Status = &to
		}

		if outcome.ResolvesReports {
			resolved, err := s.comments.ResolveReports(ctx, comment.ID)
			if err != nil {
				return nil, s.translateStoreError("resolve reports", err)
			}
			result.ResolvedReports = resolved
			if comment.ReportCount > 0 || resolved > 0 {
				zero := 0
				changes.ReportCount = &zero
				updated.ReportCount = 0
			}
		}
		result.Comment = updated

		if !changes.IsEmpty() {
			event = events.NewCommentUpdatedEvent(comment.PostID, comment.ID, changes)
		}
	}

	if event.Kind != "" {
		s.publish(ctx, event)
	}
	if outcome.Audited {
		s.record(ctx, actor, action.Kind(), models.TargetComment, comment.ID, req.Reason)
	}

	s.logger.Info("Comment moderated",
		zap.String("comment_id", comment.ID),
		zap.String("post_id", comment.PostID),
		zap.String("action", string(action)),
		zap.String("from", string(outcome.From)),
		zap.String("to", string(outcome.To)),
		zap.String("actor_id", actor.ID),
	)
	return result, nil
}

// ReportedQueue lists comments with open reports, oldest report first
func (s *commentService) ReportedQueue(ctx context.Context, actor models.Actor, page models.Page) ([]*models.ReportedComment, error) {
	if !actor.IsModerator() {
		return nil, NewAuthorizationError("moderator role required", "moderation_queue", "list")
	}

	page = page.Normalize(s.config.DefaultPageSize, s.config.MaxPageSize)
	queue, err := s.comments.ListReported(ctx, page)
	if err != nil {
		return nil, s.translateStoreError("list reported comments", err)
	}
	if queue == nil {
		queue = []*models.ReportedComment{}
	}
	return queue, nil
}

// SetCommentsDisabled toggles submission on a post. Existing comments are
// unaffected and nothing is published.
func (s *commentService) SetCommentsDisabled(ctx context.Context, actor models.Actor, req *SetCommentsDisabledRequest) (*models.ModerationAction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !actor.IsModerator() {
		return nil, NewAuthorizationError("moderator role required", "post", "set_comments_disabled")
	}

	if err := s.posts.SetCommentsDisabled(ctx, req.PostID, req.Disabled); err != nil {
		return nil, s.translateStoreError("set comments disabled", err)
	}

	kind := models.ActionEnableComments
	if req.Disabled {
		kind = models.ActionDisableComments
	}
	return s.record(ctx, actor, kind, models.TargetPost, req.PostID, req.Reason), nil
}

// ModerateUser bans, unbans or warns a user
func (s *commentService) ModerateUser(ctx context.Context, actor models.Actor, req *ModerateUserRequest) (*models.ModerationAction, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !actor.IsModerator() {
		return nil, NewAuthorizationError("moderator role required", "user", req.Action)
	}
	if req.UserID == actor.ID && req.Action != UserActionWarn {
		return nil, NewValidationError("moderators cannot change their own ban state", nil)
	}

	var kind models.ActionKind
	switch req.Action {
	case UserActionBan:
		kind = models.ActionBan
		if err := s.users.SetBanned(ctx, req.UserID, true); err != nil {
			return nil, s.translateStoreError("ban user", err)
		}
	case UserActionUnban:
		kind = models.ActionUnban
		if err := s.users.SetBanned(ctx, req.UserID, false); err != nil {
			return nil, s.translateStoreError("unban user", err)
		}
	default:
		kind = models.ActionWarn
	}

	return s.record(ctx, actor, kind, models.TargetUser, req.UserID, req.Reason), nil
}

// ActivityLog returns the newest moderation actions first
func (s *commentService) ActivityLog(ctx context.Context, actor models.Actor, limit int) ([]*models.ModerationAction, error) {
	if !actor.IsModerator() {
		return nil, NewAuthorizationError("moderator role required", "activity_log", "list")
	}
	if limit <= 0 || limit > s.config.ActivityLogLimit {
		limit = s.config.ActivityLogLimit
	}

	actions, err := s.audit.Recent(ctx, limit)
	if err != nil {
		return nil, s.translateStoreError("read activity log", err)
	}
	if actions == nil {
		actions = []*models.ModerationAction{}
	}
	return actions, nil
}

// ===============================
// COMPOSE HELPERS
// ===============================

// SuggestMentions returns candidates for the mention token under the caret.
// Search failures yield an empty candidate list.
func (s *commentService) SuggestMentions(ctx context.Context, req *MentionSuggestionRequest) (mentions.Result, error) {
	if err := validateRequest(req); err != nil {
		return mentions.Result{}, err
	}
	if !mentions.ValidCaret(req.Text, req.Caret) {
		return mentions.Result{}, NewValidationError(mentions.ErrInvalidCaret.Error(), mentions.ErrInvalidCaret)
	}
	if tok, ok := mentions.DetectToken(req.Text, req.Caret); ok && !tok.WellFormed() {
		return mentions.Result{}, NewValidationError(fmt.Sprintf("malformed mention token %q", tok.Text), nil)
	}

	return s.suggester.Suggest(ctx, req.Text, req.Caret)
}

// Annotate splits text into text and media segments
func (s *commentService) Annotate(text string) []annotate.Segment {
	return annotate.Annotate(text).Segments()
}

// ===============================
// HELPER METHODS
// ===============================

func validateRequest(req interface{}) error {
	err := validation.ValidateStruct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validation.Errors
	if errors.As(err, &fieldErrs) {
		fields := make([]FieldError, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, FieldError{Field: fe.Field, Message: fe.Message(), Code: fe.Tag})
		}
		return NewDetailedValidationError(fieldErrs.Error(), fields, err)
	}
	return NewValidationError("invalid request", err)
}

func (s *commentService) checkNotBanned(ctx context.Context, actor models.Actor) error {
	user, err := s.users.GetByID(ctx, actor.ID)
	if errors.Is(err, repositories.ErrUserNotFound) {
		return nil
	}
	if err != nil {
		return s.translateStoreError("get user", err)
	}
	if user.Banned {
		return NewAuthorizationError("banned users cannot comment", "comment", "submit")
	}
	return nil
}

func (s *commentService) validateReplyTo(ctx context.Context, actor models.Actor, author models.Author, req *SubmitCommentRequest) error {
	parent, err := s.comments.GetByID(ctx, *req.ReplyTo)
	if errors.Is(err, repositories.ErrCommentNotFound) {
		return NewValidationError("reply target does not exist", err)
	}
	if err != nil {
		return s.translateStoreError("get reply target", err)
	}
	if parent.PostID != req.PostID {
		return NewValidationError("reply target belongs to another post", nil)
	}
	if author.IsUser() && actor.IsAuthorOf(parent) {
		return NewValidationError("cannot reply to your own comment", nil)
	}
	return nil
}

// checkSubmitRateLimit counts submissions per actor in a fixed window. Cache
// failures do not block submission.
func (s *commentService) checkSubmitRateLimit(ctx context.Context, actor models.Actor) error {
	if s.cache == nil || s.config.SubmitRateLimit <= 0 || actor.ID == "" {
		return nil
	}

	key := "ratelimit:submit:" + actor.ID
	count, err := s.cache.Increment(ctx, key, 1)
	if err != nil {
		s.logger.Warn("Rate limit check failed", zap.String("actor_id", actor.ID), zap.Error(err))
		return nil
	}
	if count == 1 {
		if err := s.cache.SetTTL(ctx, key, s.config.SubmitRateWindow); err != nil {
			s.logger.Warn("Failed to set rate limit window", zap.String("key", key), zap.Error(err))
		}
	}

	if count > int64(s.config.SubmitRateLimit) {
		return NewRateLimitError("too many comments, slow down", map[string]interface{}{
			"limit":       s.config.SubmitRateLimit,
			"window":      s.config.SubmitRateWindow.String(),
			"retry_after": strconv.Itoa(int(s.config.SubmitRateWindow.Seconds())),
		})
	}
	return nil
}

// record appends an audit entry. The state change has already happened, so
// a failure is logged rather than returned.
func (s *commentService) record(ctx context.Context, actor models.Actor, kind models.ActionKind, target models.TargetType, targetID, reason string) *models.ModerationAction {
	action := &models.ModerationAction{
		ID:          newID(),
		ModeratorID: actor.ID,
		Action:      kind,
		TargetType:  target,
		TargetID:    targetID,
		Reason:      reason,
		CreatedAt:   s.now(),
	}
	if err := s.audit.Record(ctx, action); err != nil {
		s.logger.Error("Failed to record moderation action",
			zap.String("action", string(kind)),
			zap.String("target_id", targetID),
			zap.Error(err))
	}
	return action
}

// publish delivers an event. Delivery problems never fail the mutation.
func (s *commentService) publish(ctx context.Context, event events.CommentEvent) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn("Failed to publish comment event",
			zap.String("kind", string(event.Kind)),
			zap.String("post_id", event.PostID),
			zap.String("comment_id", event.CommentID),
			zap.Error(err))
	}
}

// translateStoreError maps repository errors onto the service taxonomy
func (s *commentService) translateStoreError(op string, err error) error {
	switch {
	case errors.Is(err, repositories.ErrCommentNotFound):
		return NewNotFoundError("comment not found")
	case errors.Is(err, repositories.ErrUserNotFound):
		return NewNotFoundError("user not found")
	case errors.Is(err, repositories.ErrDuplicateReport):
		return NewConflictError("comment already reported", "DUPLICATE_REPORT")
	case errors.Is(err, repositories.ErrStatusConflict):
		return NewConflictError("comment was changed concurrently", "STATUS_CONFLICT")
	}

	s.logger.Error("Store operation failed", zap.String("operation", op), zap.Error(err))
	return NewCollaboratorError(fmt.Sprintf("failed to %s", op), err)
}

func newID() string {
	return uuid.Must(uuid.NewV4()).String()
}
