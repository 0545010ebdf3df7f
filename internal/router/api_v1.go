// ===============================
// FILE: internal/router/api_v1.go
// ===============================

package router

import (
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"livecomments/internal/handlers/api/v1/comments"
	"livecomments/internal/middleware"
	"livecomments/internal/response"
	"livecomments/internal/services"
	"livecomments/internal/utils/appinfo"
)

// route describes one API v1 endpoint
type route struct {
	method  string
	path    string
	handler http.HandlerFunc
	// authenticated routes reject requests without a resolved actor
	authenticated bool
}

// AddAPIv1Routes registers the comment API on api, which is mounted at /api/v1
func AddAPIv1Routes(
	api *mux.Router,
	commentService services.CommentService,
	auth *middleware.Authenticator,
	responseBuilder *response.Builder,
	logger *zap.Logger,
) {
	commentController := comments.NewCommentController(commentService, logger, responseBuilder)

	routes := []route{
		// Comments
		{http.MethodGet, "/posts/{postID}/comments", commentController.ListComments, false},
		{http.MethodPost, "/posts/{postID}/comments", commentController.SubmitComment, true},
		{http.MethodGet, "/comments/{commentID}", commentController.GetComment, false},
		{http.MethodPatch, "/comments/{commentID}", commentController.EditComment, true},
		{http.MethodPost, "/comments/{commentID}/reports", commentController.ReportComment, true},

		// Moderation. Role checks happen in the service.
		{http.MethodPost, "/comments/{commentID}/moderation", commentController.ModerateComment, true},
		{http.MethodPut, "/posts/{postID}/comments-disabled", commentController.SetCommentsDisabled, true},
		{http.MethodGet, "/moderation/reported", commentController.ReportedQueue, true},
		{http.MethodGet, "/moderation/actions", commentController.ActivityLog, true},
		{http.MethodPost, "/users/{userID}/moderation", commentController.ModerateUser, true},

		// Compose helpers
		{http.MethodPost, "/mentions/suggestions", commentController.SuggestMentions, false},
		{http.MethodPost, "/annotate", commentController.Annotate, false},

		{http.MethodGet, "/info", infoHandler(responseBuilder), false},
	}

	for _, rt := range routes {
		var handler http.Handler = rt.handler
		if rt.authenticated {
			handler = auth.RequireActor(handler)
		}
		api.Handle(rt.path, handler).Methods(rt.method)
	}

	logger.Info("API v1 routes added",
		zap.Int("endpoints", len(routes)),
		zap.String("base_path", "/api/v1"),
	)
}

func infoHandler(responseBuilder *response.Builder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		responseBuilder.WriteSuccess(w, r, map[string]interface{}{
			"build": appinfo.Get(),
			"authentication": map[string]interface{}{
				"bearer":    "HS256 JWT with sub, handle, name and role claims",
				"anonymous": middleware.HeaderAnonymousID + " header",
				"websocket": "access_token or anonymous_id query parameter",
			},
			"live_updates": map[string]interface{}{
				"endpoint":      "GET /ws",
				"client_frames": []string{"subscribe", "unsubscribe", "ping"},
				"server_frames": []string{"subscribed", "new", "update", "delete", "error", "pong"},
			},
		})
	}
}
