// ===============================
// FILE: internal/handlers/api/v1/comments/comments_controller.go
// ===============================

package comments

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"livecomments/internal/contextutils"
	"livecomments/internal/models"
	"livecomments/internal/response"
	"livecomments/internal/services"
)

const maxBodyBytes = 64 << 10

// CommentController exposes the comment pipeline over JSON
type CommentController struct {
	service         services.CommentService
	logger          *zap.Logger
	responseBuilder *response.Builder
}

// NewCommentController creates a comment controller
func NewCommentController(
	service services.CommentService,
	logger *zap.Logger,
	responseBuilder *response.Builder,
) *CommentController {
	if logger == nil {
		logger = zap.NewNop()
	}
	if responseBuilder == nil {
		responseBuilder = response.NewBuilder(nil, logger)
	}
	return &CommentController{
		service:         service,
		logger:          logger,
		responseBuilder: responseBuilder,
	}
}

// ===============================
// COMMENTS
// ===============================

// ListComments handles GET /api/v1/posts/{postID}/comments
func (c *CommentController) ListComments(w http.ResponseWriter, r *http.Request) {
	page, err := response.ParsePage(r.URL.Query(), nil)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}

	result, err := c.service.ListComments(r.Context(), viewer(r), &services.ListCommentsRequest{
		PostID: mux.Vars(r)["postID"],
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}

	c.responseBuilder.WritePage(w, r, result.Comments, &response.PaginationMeta{
		Limit:   result.Limit,
		Offset:  result.Offset,
		HasMore: result.HasMore,
	})
}

// SubmitComment handles POST /api/v1/posts/{postID}/comments
func (c *CommentController) SubmitComment(w http.ResponseWriter, r *http.Request) {
	var req services.SubmitCommentRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.PostID = mux.Vars(r)["postID"]

	comment, err := c.service.SubmitComment(r.Context(), actor(r), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteCreated(w, r, comment)
}

// GetComment handles GET /api/v1/comments/{commentID}
func (c *CommentController) GetComment(w http.ResponseWriter, r *http.Request) {
	comment, err := c.service.GetComment(r.Context(), viewer(r), mux.Vars(r)["commentID"])
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, comment)
}

// EditComment handles PATCH /api/v1/comments/{commentID}
func (c *CommentController) EditComment(w http.ResponseWriter, r *http.Request) {
	var req services.EditCommentRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.CommentID = mux.Vars(r)["commentID"]

	comment, err := c.service.EditComment(r.Context(), actor(r), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, comment)
}

// ReportComment handles POST /api/v1/comments/{commentID}/reports
func (c *CommentController) ReportComment(w http.ResponseWriter, r *http.Request) {
	var req services.ReportCommentRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.CommentID = mux.Vars(r)["commentID"]

	comment, err := c.service.ReportComment(r.Context(), actor(r), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteCreated(w, r, map[string]interface{}{
		"comment_id":   comment.ID,
		"report_count": comment.ReportCount,
	})
}

// ===============================
// MODERATION
// ===============================

// ModerateComment handles POST /api/v1/comments/{commentID}/moderation
func (c *CommentController) ModerateComment(w http.ResponseWriter, r *http.Request) {
	var req services.ModerateRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.CommentID = mux.Vars(r)["commentID"]

	result, err := c.service.Moderate(r.Context(), actor(r), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, result)
}

// SetCommentsDisabled handles PUT /api/v1/posts/{postID}/comments-disabled
func (c *CommentController) SetCommentsDisabled(w http.ResponseWriter, r *http.Request) {
	var req services.SetCommentsDisabledRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.PostID = mux.Vars(r)["postID"]

	action, err := c.service.SetCommentsDisabled(r.Context(), actor(r), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, action)
}

// ReportedQueue handles GET /api/v1/moderation/reported
func (c *CommentController) ReportedQueue(w http.ResponseWriter, r *http.Request) {
	page, err := response.ParsePage(r.URL.Query(), nil)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}

	queue, err := c.service.ReportedQueue(r.Context(), actor(r), page)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, queue)
}

// ActivityLog handles GET /api/v1/moderation/actions
func (c *CommentController) ActivityLog(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			c.responseBuilder.WriteError(w, r, services.NewValidationError("invalid limit parameter: "+s, err))
			return
		}
		limit = n
	}

	actions, err := c.service.ActivityLog(r.Context(), actor(r), limit)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, actions)
}

// ModerateUser handles POST /api/v1/users/{userID}/moderation
func (c *CommentController) ModerateUser(w http.ResponseWriter, r *http.Request) {
	var req services.ModerateUserRequest
	if !c.decode(w, r, &req) {
		return
	}
	req.UserID = mux.Vars(r)["userID"]

	action, err := c.service.ModerateUser(r.Context(), actor(r), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, action)
}

// ===============================
// COMPOSE HELPERS
// ===============================

// SuggestMentions handles POST /api/v1/mentions/suggestions
func (c *CommentController) SuggestMentions(w http.ResponseWriter, r *http.Request) {
	var req services.MentionSuggestionRequest
	if !c.decode(w, r, &req) {
		return
	}

	result, err := c.service.SuggestMentions(r.Context(), &req)
	if err != nil {
		c.responseBuilder.WriteError(w, r, err)
		return
	}
	c.responseBuilder.WriteSuccess(w, r, result)
}

// Annotate handles POST /api/v1/annotate
func (c *CommentController) Annotate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if !c.decode(w, r, &req) {
		return
	}
	c.responseBuilder.WriteSuccess(w, r, map[string]interface{}{
		"segments": c.service.Annotate(req.Text),
	})
}

// ===============================
// HELPER METHODS
// ===============================

// decode reads a JSON body into dst, writing a validation error on failure
func (c *CommentController) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(dst)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) {
		err = errors.New("request body is empty")
	}

	contextutils.Logger(r.Context(), c.logger).Debug("Failed to decode request body", zap.Error(err))
	c.responseBuilder.WriteError(w, r, services.NewValidationError("Invalid request body format", err))
	return false
}

// actor returns the resolved identity, or the zero actor which the service
// rejects where an identity is needed
func actor(r *http.Request) models.Actor {
	a, _ := contextutils.GetActor(r.Context())
	return a
}

// viewer returns the resolved identity, or an anonymous reader
func viewer(r *http.Request) models.Actor {
	if a, ok := contextutils.GetActor(r.Context()); ok {
		return a
	}
	return models.Actor{Anonymous: true}
}
