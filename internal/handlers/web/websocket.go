// file: internal/handlers/web/websocket.go
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/time/rate"

	"livecomments/internal/contextutils"
	"livecomments/internal/events"
	"livecomments/internal/models"
	"livecomments/internal/services"
)

// ===============================
// CONFIGURATION
// ===============================

// SessionConfig holds configuration for websocket sessions
type SessionConfig struct {
	ReadBufferSize  int
	WriteBufferSize int
	// SendQueueSize bounds the frames waiting to be written. A session that
	// falls further behind is closed.
	SendQueueSize  int
	MaxMessageSize int64
	PongWait       time.Duration
	WriteWait      time.Duration
	// FrameRate and FrameBurst throttle inbound client frames
	FrameRate  float64
	FrameBurst int
	// SnapshotSize is the page size of the listing sent on subscribe
	SnapshotSize   int
	AllowedOrigins []string
}

// DefaultSessionConfig returns default configuration
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendQueueSize:   256,
		MaxMessageSize:  4096,
		PongWait:        60 * time.Second,
		WriteWait:       10 * time.Second,
		FrameRate:       5,
		FrameBurst:      10,
		SnapshotSize:    200,
	}
}

// ===============================
// FRAMES
// ===============================

// Client frame types
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePing        = "ping"
)

// Server frame types
const (
	FrameNew        = "new"
	FrameUpdate     = "update"
	FrameDelete     = "delete"
	FrameSubscribed = "subscribed"
	FrameError      = "error"
	FramePong       = "pong"
)

type clientFrame struct {
	Type   string `json:"type"`
	PostID string `json:"post_id,omitempty"`
}

type deltaFrame struct {
	Type      string                 `json:"type"`
	PostID    string                 `json:"post_id"`
	CommentID string                 `json:"comment_id"`
	Comment   *models.Comment        `json:"comment,omitempty"`
	Changes   *models.CommentChanges `json:"changes,omitempty"`
}

type subscribedFrame struct {
	Type     string            `json:"type"`
	PostID   string            `json:"post_id"`
	Comments []*models.Comment `json:"comments"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type pongFrame struct {
	Type string `json:"type"`
}

var errSlowConsumer = errors.New("session send queue is full")

// ===============================
// SESSION HANDLER
// ===============================

// Subscriber registers topic handlers. Implemented by *events.Bus.
type Subscriber interface {
	Subscribe(topicKey, subscriberID string, handler events.Handler) (*events.Subscription, error)
}

// CommentReader reads comments as a given actor sees them. Implemented by
// services.CommentService.
type CommentReader interface {
	ListComments(ctx context.Context, actor models.Actor, req *services.ListCommentsRequest) (*services.CommentPage, error)
	GetComment(ctx context.Context, actor models.Actor, commentID string) (*models.Comment, error)
}

// SessionHandler upgrades viewers to websocket sessions that follow one post
// at a time
type SessionHandler struct {
	bus      Subscriber
	comments CommentReader
	config   *SessionConfig
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool

	active  prometheus.Gauge
	dropped prometheus.Counter
}

// NewSessionHandler creates a session handler. Collectors are registered with
// reg when it is not nil.
func NewSessionHandler(
	bus Subscriber,
	comments CommentReader,
	config *SessionConfig,
	logger *zap.Logger,
	reg prometheus.Registerer,
) *SessionHandler {
	if config == nil {
		config = DefaultSessionConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &SessionHandler{
		bus:      bus,
		comments: comments,
		config:   config,
		logger:   logger,
		sessions: make(map[string]*session),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "livecomments_ws_sessions",
			Help: "Open websocket sessions",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "livecomments_ws_slow_sessions_total",
			Help: "Sessions closed because their send queue filled up",
		}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.ReadBufferSize,
		WriteBufferSize: config.WriteBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	if reg != nil {
		reg.MustRegister(h.active, h.dropped)
	}
	return h
}

func (h *SessionHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.config.AllowedOrigins) == 0 || slices.Contains(h.config.AllowedOrigins, "*") {
		return true
	}
	return slices.Contains(h.config.AllowedOrigins, origin)
}

// ServeHTTP handles GET /ws
func (h *SessionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, ok := contextutils.GetActor(r.Context())
	if !ok {
		actor = models.Actor{Anonymous: true}
	}
	logger := contextutils.Logger(r.Context(), h.logger)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the error response
		logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	s := newSession(h, conn, actor, cancel, logger)
	if !h.track(s) {
		cancel()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(h.config.WriteWait))
		conn.Close()
		return
	}
	defer h.untrack(s)

	s.logger.Info("WebSocket session opened")
	s.run(ctx)
	s.logger.Info("WebSocket session closed")
}

// ActiveSessions returns the number of open sessions
func (h *SessionHandler) ActiveSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close ends every open session and refuses new ones. Hijacked connections
// are not covered by http.Server.Shutdown.
func (h *SessionHandler) Close() {
	h.mu.Lock()
	h.closed = true
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.cancel()
	}
}

func (h *SessionHandler) track(s *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.sessions[s.id] = s
	h.active.Inc()
	return true
}

func (h *SessionHandler) untrack(s *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; ok {
		delete(h.sessions, s.id)
		h.active.Dec()
	}
}

// ===============================
// SESSION
// ===============================

// session owns one connection and at most one post subscription
type session struct {
	id      string
	actor   models.Actor
	conn    *websocket.Conn
	handler *SessionHandler
	logger  *zap.Logger
	limiter *rate.Limiter
	send    chan []byte
	cancel  context.CancelFunc

	// mu guards the active subscription, its view and whether the snapshot
	// has been sent
	mu     sync.Mutex
	sub    *events.Subscription
	view   *events.View
	seeded bool
	// backlog holds events delivered before the snapshot went out. They are
	// replayed on top of it.
	backlog []backlogEntry
}

type backlogEntry struct {
	event   events.CommentEvent
	fetched *models.Comment
}

func newSession(h *SessionHandler, conn *websocket.Conn, actor models.Actor, cancel context.CancelFunc, logger *zap.Logger) *session {
	id := "ws_" + uuid.Must(uuid.NewV4()).String()

	limit := rate.Limit(h.config.FrameRate)
	if h.config.FrameRate <= 0 {
		limit = rate.Inf
	}
	burst := h.config.FrameBurst
	if burst <= 0 {
		burst = 1
	}
	queue := h.config.SendQueueSize
	if queue <= 0 {
		queue = 1
	}

	return &session{
		id:      id,
		actor:   actor,
		conn:    conn,
		handler: h,
		logger:  logger.With(zap.String("session_id", id)),
		limiter: rate.NewLimiter(limit, burst),
		send:    make(chan []byte, queue),
		cancel:  cancel,
	}
}

// run serves the session until the client leaves or ctx is cancelled. The
// subscription is released on every exit path.
func (s *session) run(ctx context.Context) {
	defer s.cancel()
	defer s.release()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.writePump(ctx)
	}()

	s.readPump(ctx)
	s.cancel()
	wg.Wait()
}

func (s *session) readPump(ctx context.Context) {
	cfg := s.handler.config
	s.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read failed", zap.Error(err))
			}
			return
		}
		if ctx.Err() != nil {
			return
		}

		if !s.limiter.Allow() {
			s.sendError("RATE_LIMITED", "too many frames")
			continue
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("BAD_FRAME", "frame is not valid JSON")
			continue
		}
		s.handle(ctx, frame)
	}
}

func (s *session) writePump(ctx context.Context) {
	cfg := s.handler.config
	ticker := time.NewTicker(cfg.PongWait * 9 / 10)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(cfg.WriteWait))
			return

		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) handle(ctx context.Context, frame clientFrame) {
	switch frame.Type {
	case FrameSubscribe:
		if frame.PostID == "" {
			s.sendError(services.ErrorTypeValidation, "post_id is required")
			return
		}
		s.subscribe(ctx, frame.PostID)
	case FrameUnsubscribe:
		s.release()
	case FramePing:
		s.enqueue(pongFrame{Type: FramePong})
	default:
		s.sendError("BAD_FRAME", "unknown frame type")
	}
}

// ===============================
// SUBSCRIPTION
// ===============================

// subscribe moves the session to postID. The bus subscription is taken
// before the listing is read so no event falls between the two; events that
// arrive first are held back and replayed after the snapshot.
func (s *session) subscribe(ctx context.Context, postID string) {
	s.release()

	view := events.NewView(postID)
	s.mu.Lock()
	s.view = view
	s.mu.Unlock()

	sub, err := s.handler.bus.Subscribe(events.TopicForPost(postID), s.id, s.deliver(view))
	if err != nil {
		s.clear(view)
		s.logger.Warn("Subscribe failed", zap.String("post_id", postID), zap.Error(err))
		s.sendError(services.ErrorTypeCollaborator, "live updates are unavailable")
		return
	}

	s.mu.Lock()
	current := s.view == view
	if current {
		s.sub = sub
	}
	s.mu.Unlock()
	if !current {
		sub.Close()
		return
	}
	go s.watch(ctx, sub)

	page, err := s.handler.comments.ListComments(ctx, s.actor, &services.ListCommentsRequest{
		PostID: postID,
		Limit:  s.handler.config.SnapshotSize,
	})
	if err != nil {
		s.release()
		serviceErr := services.GetServiceError(err)
		message := serviceErr.Message
		if serviceErr.Type == services.ErrorTypeInternal || serviceErr.Type == services.ErrorTypeCollaborator {
			s.logger.Warn("Snapshot listing failed", zap.String("post_id", postID), zap.Error(err))
			message = "comments are unavailable"
		}
		s.sendError(serviceErr.Type, message)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view != view {
		return
	}
	view.Seed(page.Comments)
	s.seeded = true
	backlog := s.backlog
	s.backlog = nil
	if s.enqueueLocked(subscribedFrame{
		Type:     FrameSubscribed,
		PostID:   postID,
		Comments: s.visible(view.Comments()),
	}) != nil {
		return
	}

	// The listing may predate any of these. Events it already reflects
	// leave the view unchanged and are not forwarded.
	for _, entry := range backlog {
		frame, ok := s.project(view, entry.event, entry.fetched)
		if !ok {
			continue
		}
		if s.enqueueLocked(frame) != nil {
			return
		}
	}

	s.logger.Debug("Subscribed to post",
		zap.String("post_id", postID),
		zap.Int("comments", view.Len()),
		zap.Int("replayed", len(backlog)),
	)
}

// watch reports a subscription the bus ended on its own
func (s *session) watch(ctx context.Context, sub *events.Subscription) {
	select {
	case <-ctx.Done():
	case <-sub.Done():
		s.mu.Lock()
		current := s.sub == sub
		s.mu.Unlock()
		if current {
			s.release()
			s.sendError(services.ErrorTypeCollaborator, "subscription ended")
		}
	}
}

// release drops the active subscription if any
func (s *session) release() {
	s.mu.Lock()
	sub := s.sub
	s.sub, s.view, s.seeded, s.backlog = nil, nil, false, nil
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
}

func (s *session) clear(view *events.View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == view {
		s.view, s.seeded, s.backlog = nil, false, nil
	}
}

// deliver returns the bus handler for one view. It runs on the bus's
// delivery goroutine for this subscriber.
func (s *session) deliver(view *events.View) events.Handler {
	return func(ctx context.Context, event events.CommentEvent) error {
		var fetched *models.Comment
		if becomesApproved(event) {
			if _, known := view.Get(event.CommentID); !known {
				c, err := s.handler.comments.GetComment(ctx, s.actor, event.CommentID)
				if err == nil {
					fetched = c
				} else if !services.IsNotFoundError(err) {
					s.logger.Warn("Failed to fetch newly visible comment",
						zap.String("comment_id", event.CommentID),
						zap.Error(err),
					)
				}
			}
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.view != view {
			return nil
		}

		if !s.seeded {
			if len(s.backlog) >= cap(s.send) {
				return s.overflowLocked()
			}
			s.backlog = append(s.backlog, backlogEntry{event: event, fetched: fetched})
			return nil
		}

		frame, ok := s.project(view, event, fetched)
		if !ok {
			return nil
		}
		return s.enqueueLocked(frame)
	}
}

// project applies event to the view and returns the frame the viewer should
// see. Comments the actor may not see are tracked but never forwarded; one
// that becomes visible is sent as new.
func (s *session) project(view *events.View, event events.CommentEvent, fetched *models.Comment) (deltaFrame, bool) {
	frame := deltaFrame{PostID: event.PostID, CommentID: event.CommentID}

	switch event.Kind {
	case events.KindNew:
		if !view.Apply(event) || !services.VisibleTo(s.actor, event.Comment) {
			return frame, false
		}
		frame.Type, frame.Comment = FrameNew, event.Comment

	case events.KindUpdate:
		before, known := view.Get(event.CommentID)
		if !known {
			if fetched == nil || !view.Insert(fetched) || !services.VisibleTo(s.actor, fetched) {
				return frame, false
			}
			frame.Type, frame.Comment = FrameNew, fetched
			return frame, true
		}
		if !view.Apply(event) {
			return frame, false
		}
		after, _ := view.Get(event.CommentID)
		switch {
		case services.VisibleTo(s.actor, before):
			frame.Type, frame.Changes = FrameUpdate, event.Changes
		case services.VisibleTo(s.actor, after):
			frame.Type, frame.Comment = FrameNew, after
		default:
			return frame, false
		}

	case events.KindDelete:
		before, known := view.Get(event.CommentID)
		if !view.Apply(event) || !known || !services.VisibleTo(s.actor, before) {
			return frame, false
		}
		frame.Type = FrameDelete

	default:
		return frame, false
	}
	return frame, true
}

func (s *session) visible(comments []*models.Comment) []*models.Comment {
	out := make([]*models.Comment, 0, len(comments))
	for _, c := range comments {
		if services.VisibleTo(s.actor, c) {
			out = append(out, c)
		}
	}
	return out
}

func becomesApproved(event events.CommentEvent) bool {
	return event.Kind == events.KindUpdate &&
		event.Changes != nil &&
		event.Changes.Status != nil &&
		*event.Changes.Status == models.StatusApproved
}

// ===============================
// OUTBOUND QUEUE
// ===============================

func (s *session) enqueue(frame interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.enqueueLocked(frame)
}

// enqueueLocked queues a frame without blocking. A full queue closes the
// session.
func (s *session) enqueueLocked(frame interface{}) error {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error("Failed to encode frame", zap.Error(err))
		return nil
	}

	select {
	case s.send <- data:
		return nil
	default:
		return s.overflowLocked()
	}
}

func (s *session) overflowLocked() error {
	s.logger.Warn("Closing slow websocket session", zap.Int("queue_size", cap(s.send)))
	s.handler.dropped.Inc()
	s.cancel()
	return errSlowConsumer
}

func (s *session) sendError(code, message string) {
	s.enqueue(errorFrame{Type: FrameError, Code: code, Message: message})
}
