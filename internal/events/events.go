package events

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"

	"livecomments/internal/models"
)

// ===============================
// EVENT TYPES
// ===============================

// EventKind discriminates comment lifecycle events
type EventKind string

const (
	KindNew    EventKind = "new"
	KindUpdate EventKind = "update"
	KindDelete EventKind = "delete"
)

// CommentEvent is a comment lifecycle event published on a post topic.
// New carries the full comment, Update the changed fields, Delete only the ID.
type CommentEvent struct {
	EventID   string                 `json:"event_id"`
	Kind      EventKind              `json:"kind"`
	PostID    string                 `json:"post_id"`
	CommentID string                 `json:"comment_id"`
	Comment   *models.Comment        `json:"comment,omitempty"`
	Changes   *models.CommentChanges `json:"changes,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Topic returns the topic key the event belongs to
func (e CommentEvent) Topic() string {
	return TopicForPost(e.PostID)
}

// Validate checks that the event carries the payload its kind requires
func (e CommentEvent) Validate() error {
	if e.PostID == "" || e.CommentID == "" {
		return fmt.Errorf("event requires post and comment IDs")
	}
	switch e.Kind {
	case KindNew:
		if e.Comment == nil {
			return fmt.Errorf("new event requires a comment payload")
		}
	case KindUpdate:
		if e.Changes == nil || e.Changes.IsEmpty() {
			return fmt.Errorf("update event requires changed fields")
		}
	case KindDelete:
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}

// TopicForPost returns the topic key of a post
func TopicForPost(postID string) string {
	return "post:" + postID
}

// Handler consumes events delivered to one subscriber. A returned error or a
// panic marks the subscriber as dead.
type Handler func(ctx context.Context, event CommentEvent) error

// Publisher publishes comment events. Implemented by Bus and RedisBroker.
type Publisher interface {
	Publish(ctx context.Context, event CommentEvent) error
}

// ===============================
// EVENT FACTORIES
// ===============================

// NewCommentCreatedEvent creates a new event carrying a snapshot of the comment
func NewCommentCreatedEvent(comment *models.Comment) CommentEvent {
	return CommentEvent{
		EventID:   GenerateEventID(),
		Kind:      KindNew,
		PostID:    comment.PostID,
		CommentID: comment.ID,
		Comment:   comment.Clone(),
		Timestamp: time.Now().UTC(),
	}
}

// NewCommentUpdatedEvent creates an update event
func NewCommentUpdatedEvent(postID, commentID string, changes models.CommentChanges) CommentEvent {
	return CommentEvent{
		EventID:   GenerateEventID(),
		Kind:      KindUpdate,
		PostID:    postID,
		CommentID: commentID,
		Changes:   &changes,
		Timestamp: time.Now().UTC(),
	}
}

// NewCommentDeletedEvent creates a delete event
func NewCommentDeletedEvent(postID, commentID string) CommentEvent {
	return CommentEvent{
		EventID:   GenerateEventID(),
		Kind:      KindDelete,
		PostID:    postID,
		CommentID: commentID,
		Timestamp: time.Now().UTC(),
	}
}

// GenerateEventID generates a unique event ID
func GenerateEventID() string {
	if id, err := uuid.NewV4(); err == nil {
		return "evt_" + id.String()
	}
	return fmt.Sprintf("evt_%d", time.Now().UnixNano())
}
