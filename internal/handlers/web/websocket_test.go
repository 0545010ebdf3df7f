package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"livecomments/internal/cache"
	"livecomments/internal/contextutils"
	"livecomments/internal/events"
	"livecomments/internal/models"
	"livecomments/internal/repositories"
	"livecomments/internal/services"
)

var (
	alice     = models.Actor{ID: "u-alice", Handle: "alice", Role: models.RoleUser}
	moderator = models.Actor{ID: "u-mod", Handle: "mod", Role: models.RoleModerator}
)

// frame is the union of every server frame
type frame struct {
	Type      string                 `json:"type"`
	PostID    string                 `json:"post_id"`
	CommentID string                 `json:"comment_id"`
	Comment   *models.Comment        `json:"comment"`
	Changes   *models.CommentChanges `json:"changes"`
	Comments  []*models.Comment      `json:"comments"`
	Code      string                 `json:"code"`
}

type harness struct {
	bus     *events.Bus
	svc     services.CommentService
	handler *SessionHandler
	server  *httptest.Server
}

func newHarness(t *testing.T, preModeration bool, config *SessionConfig) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	bus := events.NewBus(nil, logger, nil)
	c := cache.NewMemoryCache(&cache.Config{TTL: time.Minute}, nil)
	repos := repositories.NewMemoryCollection(&repositories.RepositoryConfig{PreModeration: preModeration})
	svc := services.NewCommentService(repos, bus, c, nil, logger, nil)
	handler := NewSessionHandler(bus, svc, config, logger, nil)

	// the moderator header stands in for the authenticator
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Test-Moderator") != "" {
			r = r.WithContext(contextutils.WithActor(r.Context(), moderator))
		}
		handler.ServeHTTP(w, r)
	}))

	t.Cleanup(func() {
		handler.Close()
		server.Close()
		_ = bus.Close(context.Background())
		c.Close()
	})
	return &harness{bus: bus, svc: svc, handler: handler, server: server}
}

func (h *harness) dial(t *testing.T, asModerator bool) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if asModerator {
		header.Set("X-Test-Moderator", "1")
	}
	url := "ws" + strings.TrimPrefix(h.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// expectSilence asserts nothing was queued ahead of the reply to a ping
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, map[string]string{"type": FramePing})
	assert.Equal(t, FramePong, read(t, conn).Type)
}

// backlogLen counts events held back until a snapshot is sent
func (h *harness) backlogLen() int {
	h.handler.mu.Lock()
	defer h.handler.mu.Unlock()
	n := 0
	for _, s := range h.handler.sessions {
		s.mu.Lock()
		n += len(s.backlog)
		s.mu.Unlock()
	}
	return n
}

// listingHook runs before and after the listing read of a snapshot
type listingHook struct {
	CommentReader
	before, after func()
}

func (l *listingHook) ListComments(ctx context.Context, actor models.Actor, req *services.ListCommentsRequest) (*services.CommentPage, error) {
	if l.before != nil {
		l.before()
	}
	page, err := l.CommentReader.ListComments(ctx, actor, req)
	if l.after != nil {
		l.after()
	}
	return page, err
}

func (h *harness) submit(t *testing.T, actor models.Actor, postID, body string) *models.Comment {
	t.Helper()
	c, err := h.svc.SubmitComment(context.Background(), actor, &services.SubmitCommentRequest{PostID: postID, Body: body})
	require.NoError(t, err)
	return c
}

func TestSession_SnapshotAndDeltas(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()
	existing := h.submit(t, alice, "p1", "already here")

	conn := h.dial(t, false)
	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})

	subscribed := read(t, conn)
	require.Equal(t, FrameSubscribed, subscribed.Type)
	assert.Equal(t, "p1", subscribed.PostID)
	require.Len(t, subscribed.Comments, 1)
	assert.Equal(t, existing.ID, subscribed.Comments[0].ID)

	created := h.submit(t, alice, "p1", "fresh")
	f := read(t, conn)
	assert.Equal(t, FrameNew, f.Type)
	assert.Equal(t, created.ID, f.CommentID)
	require.NotNil(t, f.Comment)
	assert.Equal(t, "fresh", f.Comment.Body)

	_, err := h.svc.Moderate(ctx, moderator, &services.ModerateRequest{CommentID: created.ID, Action: "reject"})
	require.NoError(t, err)
	f = read(t, conn)
	assert.Equal(t, FrameUpdate, f.Type)
	require.NotNil(t, f.Changes)
	require.NotNil(t, f.Changes.Status)
	assert.Equal(t, models.StatusRejected, *f.Changes.Status)

	_, err = h.svc.Moderate(ctx, moderator, &services.ModerateRequest{CommentID: existing.ID, Action: "delete"})
	require.NoError(t, err)
	f = read(t, conn)
	assert.Equal(t, FrameDelete, f.Type)
	assert.Equal(t, existing.ID, f.CommentID)

	h.submit(t, alice, "p2", "other post")
	expectSilence(t, conn)
}

func TestSession_PendingBecomesVisibleOnApprove(t *testing.T) {
	h := newHarness(t, true, nil)

	viewer := h.dial(t, false)
	mod := h.dial(t, true)
	for _, conn := range []*websocket.Conn{viewer, mod} {
		send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})
		require.Equal(t, FrameSubscribed, read(t, conn).Type)
	}

	pending := h.submit(t, alice, "p1", "needs review")
	f := read(t, mod)
	assert.Equal(t, FrameNew, f.Type, "moderators see pending comments")
	expectSilence(t, viewer)

	_, err := h.svc.Moderate(context.Background(), moderator, &services.ModerateRequest{CommentID: pending.ID, Action: "approve"})
	require.NoError(t, err)

	f = read(t, viewer)
	assert.Equal(t, FrameNew, f.Type, "approval reveals the comment as new")
	require.NotNil(t, f.Comment)
	assert.Equal(t, models.StatusApproved, f.Comment.Status)

	f = read(t, mod)
	assert.Equal(t, FrameUpdate, f.Type)
}

func TestSession_ApprovalOfCommentMissingFromSnapshot(t *testing.T) {
	h := newHarness(t, true, nil)
	earlier := h.submit(t, alice, "p1", "queued before the viewer arrived")

	viewer := h.dial(t, false)
	send(t, viewer, map[string]string{"type": FrameSubscribe, "post_id": "p1"})
	subscribed := read(t, viewer)
	require.Equal(t, FrameSubscribed, subscribed.Type)
	assert.Empty(t, subscribed.Comments)

	_, err := h.svc.Moderate(context.Background(), moderator, &services.ModerateRequest{CommentID: earlier.ID, Action: "approve"})
	require.NoError(t, err)

	f := read(t, viewer)
	assert.Equal(t, FrameNew, f.Type)
	assert.Equal(t, earlier.ID, f.CommentID)
	require.NotNil(t, f.Comment)
	assert.Equal(t, "queued before the viewer arrived", f.Comment.Body)
}

func TestSession_SwitchingPostsReleasesPrevious(t *testing.T) {
	h := newHarness(t, false, nil)
	conn := h.dial(t, false)

	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})
	require.Equal(t, FrameSubscribed, read(t, conn).Type)
	assert.Equal(t, 1, h.bus.SubscriberCount(events.TopicForPost("p1")))

	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p2"})
	require.Equal(t, FrameSubscribed, read(t, conn).Type)
	assert.Equal(t, 0, h.bus.SubscriberCount(events.TopicForPost("p1")))
	assert.Equal(t, 1, h.bus.SubscriberCount(events.TopicForPost("p2")))

	h.submit(t, alice, "p1", "not for you")
	expectSilence(t, conn)

	send(t, conn, map[string]string{"type": FrameUnsubscribe})
	expectSilence(t, conn)
	assert.Equal(t, 0, h.bus.SubscriberCount(events.TopicForPost("p2")))
}

func TestSession_DisconnectReleasesSubscription(t *testing.T) {
	h := newHarness(t, false, nil)
	conn := h.dial(t, false)

	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})
	require.Equal(t, FrameSubscribed, read(t, conn).Type)
	require.Equal(t, 1, h.handler.ActiveSessions())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return h.bus.SubscriberCount(events.TopicForPost("p1")) == 0 && h.handler.ActiveSessions() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSession_BadFrames(t *testing.T) {
	h := newHarness(t, false, nil)
	conn := h.dial(t, false)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	f := read(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "BAD_FRAME", f.Code)

	send(t, conn, map[string]string{"type": "dance"})
	assert.Equal(t, "BAD_FRAME", read(t, conn).Code)

	send(t, conn, map[string]string{"type": FrameSubscribe})
	assert.Equal(t, services.ErrorTypeValidation, read(t, conn).Code)

	expectSilence(t, conn)
}

func TestSession_RateLimitsFrames(t *testing.T) {
	config := DefaultSessionConfig()
	config.FrameRate = 0.001
	config.FrameBurst = 2
	h := newHarness(t, false, config)
	conn := h.dial(t, false)

	for i := 0; i < 3; i++ {
		send(t, conn, map[string]string{"type": FramePing})
	}
	assert.Equal(t, FramePong, read(t, conn).Type)
	assert.Equal(t, FramePong, read(t, conn).Type)
	f := read(t, conn)
	assert.Equal(t, FrameError, f.Type)
	assert.Equal(t, "RATE_LIMITED", f.Code)
}

func TestSessionHandler_CloseEndsSessions(t *testing.T) {
	h := newHarness(t, false, nil)
	conn := h.dial(t, false)
	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})
	require.Equal(t, FrameSubscribed, read(t, conn).Type)

	h.handler.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.Eventually(t, func() bool {
		return h.bus.SubscriberCount(events.TopicForPost("p1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	handler := NewSessionHandler(nil, nil, &SessionConfig{AllowedOrigins: []string{"https://app.example"}}, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, handler.checkOrigin(r), "non-browser clients send no origin")

	r.Header.Set("Origin", "https://app.example")
	assert.True(t, handler.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, handler.checkOrigin(r))
}

func TestSession_ChangesDuringSnapshotAreReplayed(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()
	edited := h.submit(t, alice, "p1", "old body")
	rejected := h.submit(t, alice, "p1", "soon hidden")

	var once sync.Once
	h.handler.comments = &listingHook{CommentReader: h.svc, after: func() {
		once.Do(func() {
			_, err := h.svc.EditComment(ctx, alice, &services.EditCommentRequest{CommentID: edited.ID, Body: "new body"})
			assert.NoError(t, err)
			_, err = h.svc.Moderate(ctx, moderator, &services.ModerateRequest{CommentID: rejected.ID, Action: "reject"})
			assert.NoError(t, err)
			assert.Eventually(t, func() bool { return h.backlogLen() == 2 }, 2*time.Second, 5*time.Millisecond)
		})
	}}

	conn := h.dial(t, false)
	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})

	subscribed := read(t, conn)
	require.Equal(t, FrameSubscribed, subscribed.Type)
	require.Len(t, subscribed.Comments, 2, "the listing predates both changes")

	f := read(t, conn)
	assert.Equal(t, FrameUpdate, f.Type)
	assert.Equal(t, edited.ID, f.CommentID)
	require.NotNil(t, f.Changes)
	require.NotNil(t, f.Changes.Body)
	assert.Equal(t, "new body", *f.Changes.Body)

	f = read(t, conn)
	assert.Equal(t, FrameUpdate, f.Type)
	assert.Equal(t, rejected.ID, f.CommentID)
	require.NotNil(t, f.Changes)
	require.NotNil(t, f.Changes.Status)
	assert.Equal(t, models.StatusRejected, *f.Changes.Status)

	assert.Zero(t, h.backlogLen())
	expectSilence(t, conn)
}

func TestSession_ReplaySkipsChangesTheListingHas(t *testing.T) {
	h := newHarness(t, false, nil)
	ctx := context.Background()
	c := h.submit(t, alice, "p1", "old body")

	// The change lands before the listing is read, so the snapshot has it
	// and its event must not be forwarded again.
	var once sync.Once
	h.handler.comments = &listingHook{CommentReader: h.svc, before: func() {
		once.Do(func() {
			_, err := h.svc.EditComment(ctx, alice, &services.EditCommentRequest{CommentID: c.ID, Body: "new body"})
			assert.NoError(t, err)
			assert.Eventually(t, func() bool { return h.backlogLen() == 1 }, 2*time.Second, 5*time.Millisecond)
		})
	}}

	conn := h.dial(t, false)
	send(t, conn, map[string]string{"type": FrameSubscribe, "post_id": "p1"})

	subscribed := read(t, conn)
	require.Equal(t, FrameSubscribed, subscribed.Type)
	require.Len(t, subscribed.Comments, 1)
	assert.Equal(t, "new body", subscribed.Comments[0].Body)

	expectSilence(t, conn)
}
