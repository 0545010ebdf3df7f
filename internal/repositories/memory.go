package repositories

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"livecomments/internal/models"

	"golang.org/x/exp/slices"
)

// ===============================
// IN-MEMORY COMMENT STORE
// ===============================

type memoryCommentStore struct {
	mu       sync.RWMutex
	comments map[string]*models.Comment
	reports  map[string][]*models.Report
	now      func() time.Time
}

// NewMemoryCommentStore returns a process-local CommentStore
func NewMemoryCommentStore() CommentStore {
	return &memoryCommentStore{
		comments: make(map[string]*models.Comment),
		reports:  make(map[string][]*models.Report),
		now:      time.Now,
	}
}

func (s *memoryCommentStore) Create(ctx context.Context, comment *models.Comment) error {
	if comment.ID == "" {
		return fmt.Errorf("comment ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.comments[comment.ID]; exists {
		return fmt.Errorf("comment %s already exists", comment.ID)
	}
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = s.now()
	}
	comment.UpdatedAt = comment.CreatedAt
	s.comments[comment.ID] = comment.Clone()
	return nil
}

func (s *memoryCommentStore) GetByID(ctx context.Context, id string) (*models.Comment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, ErrCommentNotFound
	}
	return c.Clone(), nil
}

func (s *memoryCommentStore) Update(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[id]
	if !ok {
		return nil, ErrCommentNotFound
	}
	if patch.ExpectStatus != nil && *patch.ExpectStatus != c.Status {
		return nil, ErrStatusConflict
	}

	patch.Changes.ApplyTo(c)
	c.UpdatedAt = s.now()
	return c.Clone(), nil
}

func (s *memoryCommentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.comments[id]; !ok {
		return ErrCommentNotFound
	}
	delete(s.comments, id)
	delete(s.reports, id)
	return nil
}

func (s *memoryCommentStore) ListByPost(ctx context.Context, postID string, filter models.ListFilter) ([]*models.Comment, error) {
	s.mu.RLock()
	var out []*models.Comment
	for _, c := range s.comments {
		if c.PostID != postID || !matchesFilter(c, filter) {
			continue
		}
		out = append(out, c.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.Comment) int {
		if n := a.CreatedAt.Compare(b.CreatedAt); n != 0 {
			return n
		}
		return strings.Compare(a.ID, b.ID)
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func matchesFilter(c *models.Comment, filter models.ListFilter) bool {
	if len(filter.Statuses) == 0 || slices.Contains(filter.Statuses, c.Status) {
		return true
	}
	return filter.AuthorID != "" && c.Author.IsUser() && c.Author.UserID == filter.AuthorID
}

func (s *memoryCommentStore) Report(ctx context.Context, report *models.Report) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[report.CommentID]
	if !ok {
		return 0, ErrCommentNotFound
	}

	open := 0
	for _, r := range s.reports[report.CommentID] {
		if r.Resolved {
			continue
		}
		if r.ReporterID == report.ReporterID {
			return 0, ErrDuplicateReport
		}
		open++
	}

	stored := *report
	stored.Resolved = false
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = s.now()
	}
	s.reports[report.CommentID] = append(s.reports[report.CommentID], &stored)

	open++
	c.ReportCount = open
	return open, nil
}

func (s *memoryCommentStore) ResolveReports(ctx context.Context, commentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.comments[commentID]
	if !ok {
		return 0, ErrCommentNotFound
	}

	resolved := 0
	for _, r := range s.reports[commentID] {
		if !r.Resolved {
			r.Resolved = true
			resolved++
		}
	}
	c.ReportCount = 0
	return resolved, nil
}

func (s *memoryCommentStore) ListReported(ctx context.Context, page models.Page) ([]*models.ReportedComment, error) {
	s.mu.RLock()
	var out []*models.ReportedComment
	for id, reports := range s.reports {
		entry := &models.ReportedComment{}
		for _, r := range reports {
			if r.Resolved {
				continue
			}
			if entry.OpenReports == 0 || r.CreatedAt.Before(entry.FirstReported) {
				entry.FirstReported = r.CreatedAt
			}
			entry.OpenReports++
			if r.Reason != "" {
				entry.Reasons = append(entry.Reasons, r.Reason)
			}
		}
		if entry.OpenReports == 0 {
			continue
		}
		entry.Comment = s.comments[id].Clone()
		out = append(out, entry)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b *models.ReportedComment) int {
		if n := a.FirstReported.Compare(b.FirstReported); n != 0 {
			return n
		}
		return strings.Compare(a.Comment.ID, b.Comment.ID)
	})
	return paginate(out, page.Offset, page.Limit), nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// ===============================
// IN-MEMORY USERS
// ===============================

type memoryUserRepository struct {
	mu    sync.RWMutex
	users map[string]*models.User
}

// NewMemoryUserRepository returns a process-local UserRepository
func NewMemoryUserRepository(seed ...*models.User) UserRepository {
	r := &memoryUserRepository{users: make(map[string]*models.User)}
	for _, u := range seed {
		cp := *u
		r.users[u.ID] = &cp
	}
	return r
}

func (r *memoryUserRepository) Search(ctx context.Context, prefix string, limit int) ([]models.MentionCandidate, error) {
	r.mu.RLock()
	var matches []*models.User
	for _, u := range r.users {
		if u.Banned || u.Handle == "" || !u.HasHandlePrefix(prefix) {
			continue
		}
		cp := *u
		matches = append(matches, &cp)
	}
	r.mu.RUnlock()

	if prefix == "" {
		slices.SortFunc(matches, func(a, b *models.User) int {
			if n := b.LastActiveAt.Compare(a.LastActiveAt); n != 0 {
				return n
			}
			return strings.Compare(a.Handle, b.Handle)
		})
	} else {
		slices.SortFunc(matches, func(a, b *models.User) int {
			return strings.Compare(strings.ToLower(a.Handle), strings.ToLower(b.Handle))
		})
	}

	matches = paginate(matches, 0, limit)
	out := make([]models.MentionCandidate, 0, len(matches))
	for _, u := range matches {
		out = append(out, u.Candidate())
	}
	return out, nil
}

func (r *memoryUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepository) Touch(ctx context.Context, user *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.users[user.ID]
	if !ok {
		cp := *user
		if cp.LastActiveAt.IsZero() {
			cp.LastActiveAt = time.Now()
		}
		r.users[user.ID] = &cp
		return nil
	}

	if user.Handle != "" {
		existing.Handle = user.Handle
	}
	if user.DisplayName != "" {
		existing.DisplayName = user.DisplayName
	}
	if user.Role != "" {
		existing.Role = user.Role
	}
	existing.LastActiveAt = user.LastActiveAt
	if existing.LastActiveAt.IsZero() {
		existing.LastActiveAt = time.Now()
	}
	return nil
}

func (r *memoryUserRepository) SetBanned(ctx context.Context, id string, banned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		u = &models.User{ID: id, Role: models.RoleUser}
		r.users[id] = u
	}
	u.Banned = banned
	return nil
}

// ===============================
// IN-MEMORY POST FLAGS
// ===============================

// MemoryPostFlags is a process-local PostFlags
type MemoryPostFlags struct {
	mu            sync.RWMutex
	posts         map[string]*models.PostSettings
	preModeration bool
}

// NewMemoryPostFlags creates post flags; preModeration is the default for
// posts without explicit settings
func NewMemoryPostFlags(preModeration bool) *MemoryPostFlags {
	return &MemoryPostFlags{
		posts:         make(map[string]*models.PostSettings),
		preModeration: preModeration,
	}
}

// Configure replaces the settings of a post
func (f *MemoryPostFlags) Configure(settings models.PostSettings) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := settings
	f.posts[settings.PostID] = &cp
}

func (f *MemoryPostFlags) GetCommentsDisabled(ctx context.Context, postID string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if p, ok := f.posts[postID]; ok {
		return p.CommentsDisabled, nil
	}
	return false, nil
}

func (f *MemoryPostFlags) SetCommentsDisabled(ctx context.Context, postID string, disabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.posts[postID]
	if !ok {
		p = &models.PostSettings{PostID: postID, PreModeration: f.preModeration}
		f.posts[postID] = p
	}
	p.CommentsDisabled = disabled
	return nil
}

func (f *MemoryPostFlags) RequiresPreModeration(ctx context.Context, postID string) (bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if p, ok := f.posts[postID]; ok {
		return p.PreModeration, nil
	}
	return f.preModeration, nil
}

// ===============================
// IN-MEMORY AUDIT SINK
// ===============================

type memoryAuditSink struct {
	mu      sync.RWMutex
	actions []*models.ModerationAction
}

// NewMemoryAuditSink returns a process-local AuditSink
func NewMemoryAuditSink() AuditSink {
	return &memoryAuditSink{}
}

func (a *memoryAuditSink) Record(ctx context.Context, action *models.ModerationAction) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cp := *action
	a.actions = append(a.actions, &cp)
	return nil
}

func (a *memoryAuditSink) Recent(ctx context.Context, limit int) ([]*models.ModerationAction, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := len(a.actions)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*models.ModerationAction, 0, n)
	for i := len(a.actions) - 1; i >= 0 && len(out) < n; i-- {
		cp := *a.actions[i]
		out = append(out, &cp)
	}
	return out, nil
}
