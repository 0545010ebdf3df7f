package events

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"

	"livecomments/internal/models"
)

// View is a viewer-side projection of a post's comments built by applying
// events as idempotent patches. Deleted IDs are remembered so that a repeated
// delete, or an update or new arriving after the delete, changes nothing.
type View struct {
	mu       sync.RWMutex
	postID   string
	comments map[string]*models.Comment
	deleted  map[string]struct{}
}

// NewView creates an empty view of a post
func NewView(postID string) *View {
	return &View{
		postID:   postID,
		comments: make(map[string]*models.Comment),
		deleted:  make(map[string]struct{}),
	}
}

// Seed loads an initial listing into the view. Comments already known from
// events are kept, so a listing read after subscribing cannot roll back a
// newer patch.
func (v *View) Seed(comments []*models.Comment) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, c := range comments {
		if _, gone := v.deleted[c.ID]; gone {
			continue
		}
		if _, known := v.comments[c.ID]; known {
			continue
		}
		v.comments[c.ID] = c.Clone()
	}
}

// Insert adds a comment fetched outside the event stream, unless it was
// deleted or is already known
func (v *View) Insert(comment *models.Comment) bool {
	if comment == nil || comment.PostID != v.postID {
		return false
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, gone := v.deleted[comment.ID]; gone {
		return false
	}
	if _, known := v.comments[comment.ID]; known {
		return false
	}
	v.comments[comment.ID] = comment.Clone()
	return true
}

// Apply patches the view and reports whether it changed
func (v *View) Apply(event CommentEvent) bool {
	if event.PostID != v.postID {
		return false
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if _, gone := v.deleted[event.CommentID]; gone {
		return false
	}

	switch event.Kind {
	case KindNew:
		if event.Comment == nil {
			return false
		}
		if _, exists := v.comments[event.CommentID]; exists {
			return false
		}
		v.comments[event.CommentID] = event.Comment.Clone()
		return true

	case KindUpdate:
		current, exists := v.comments[event.CommentID]
		if !exists || event.Changes == nil {
			return false
		}
		before := *current
		event.Changes.ApplyTo(current)
		return before.Body != current.Body ||
			before.Status != current.Status ||
			before.LikeCount != current.LikeCount ||
			before.ReportCount != current.ReportCount ||
			!slices.Equal(before.Mentions, current.Mentions)

	case KindDelete:
		delete(v.comments, event.CommentID)
		v.deleted[event.CommentID] = struct{}{}
		return true
	}

	return false
}

// Get returns a copy of one comment
func (v *View) Get(commentID string) (*models.Comment, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	c, ok := v.comments[commentID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Comments returns the visible comments oldest first
func (v *View) Comments() []*models.Comment {
	v.mu.RLock()
	out := make([]*models.Comment, 0, len(v.comments))
	for _, c := range v.comments {
		out = append(out, c.Clone())
	}
	v.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Comment) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Len returns the number of visible comments
func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.comments)
}
