package models

import (
	"time"
	"unicode/utf8"
)

// MaxCommentLength is the maximum comment body length in code points.
const MaxCommentLength = 500

// Status is the moderation status of a comment
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusDeleted:
		return true
	}
	return false
}

// Author identifies who wrote a comment. Exactly one of UserID or Anonymous is set.
type Author struct {
	UserID      string `json:"user_id,omitempty" db:"author_id"`
	Handle      string `json:"handle,omitempty" db:"author_handle"`
	DisplayName string `json:"display_name,omitempty" db:"author_display_name"`
	Anonymous   bool   `json:"anonymous" db:"anonymous"`
}

// IsUser reports whether the author is an identified user
func (a Author) IsUser() bool {
	return !a.Anonymous && a.UserID != ""
}

// Comment represents a comment on a post
type Comment struct {
	ID          string    `json:"id" db:"id"`
	PostID      string    `json:"post_id" db:"post_id"`
	Author      Author    `json:"author"`
	Body        string    `json:"body" db:"body" validate:"required,max=500"`
	ReplyTo     *string   `json:"reply_to,omitempty" db:"reply_to"`
	Status      Status    `json:"status" db:"status"`
	LikeCount   int       `json:"like_count" db:"like_count"`
	ReportCount int       `json:"report_count" db:"report_count"`
	Mentions    []string  `json:"mentions,omitempty"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// BodyLength returns the body length in code points
func (c *Comment) BodyLength() int {
	return utf8.RuneCountInString(c.Body)
}

// Clone returns a deep copy of the comment
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ReplyTo != nil {
		replyTo := *c.ReplyTo
		cp.ReplyTo = &replyTo
	}
	if c.Mentions != nil {
		cp.Mentions = append([]string(nil), c.Mentions...)
	}
	return &cp
}

// CommentChanges carries the fields changed by an update. Nil fields are unchanged.
type CommentChanges struct {
	Body        *string `json:"body,omitempty"`
	Status      *Status `json:"status,omitempty"`
	LikeCount   *int    `json:"like_count,omitempty"`
	ReportCount *int    `json:"report_count,omitempty"`
	// Mentions, when set, replaces the whole list. An empty list clears it.
	Mentions *[]string `json:"mentions,omitempty"`
}

// IsEmpty reports whether no field is set
func (c CommentChanges) IsEmpty() bool {
	return c.Body == nil && c.Status == nil && c.LikeCount == nil && c.ReportCount == nil && c.Mentions == nil
}

// ApplyTo patches the given comment in place
func (c CommentChanges) ApplyTo(comment *Comment) {
	if c.Body != nil {
		comment.Body = *c.Body
	}
	if c.Status != nil {
		comment.Status = *c.Status
	}
	if c.LikeCount != nil {
		comment.LikeCount = *c.LikeCount
	}
	if c.ReportCount != nil {
		comment.ReportCount = *c.ReportCount
	}
	if c.Mentions != nil {
		comment.Mentions = nil
		if len(*c.Mentions) > 0 {
			comment.Mentions = append([]string(nil), (*c.Mentions)...)
		}
	}
}

// CommentPatch is a store update. ExpectStatus, when set, makes the update
// conditional on the stored status.
type CommentPatch struct {
	Changes      CommentChanges
	ExpectStatus *Status
}

// ListFilter selects comments of a post
type ListFilter struct {
	Statuses []Status `json:"statuses,omitempty"`
	// AuthorID additionally includes this author's comments regardless of status.
	AuthorID string `json:"author_id,omitempty"`
	Limit    int    `json:"limit"`
	Offset   int    `json:"offset"`
}

// Report is a user flag attached to a comment
type Report struct {
	CommentID  string    `json:"comment_id" db:"comment_id"`
	ReporterID string    `json:"reporter_id" db:"reporter_id"`
	Reason     string    `json:"reason" db:"reason" validate:"max=500"`
	Resolved   bool      `json:"resolved" db:"resolved"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// ReportedComment is an entry in the moderation queue
type ReportedComment struct {
	Comment       *Comment  `json:"comment"`
	OpenReports   int       `json:"open_reports"`
	FirstReported time.Time `json:"first_reported"`
	Reasons       []string  `json:"reasons,omitempty"`
}

// MentionCandidate is a user suggested for an @mention
type MentionCandidate struct {
	Handle      string `json:"handle"`
	DisplayName string `json:"display_name"`
}

// Page is a simple offset page request
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// Normalize applies default and maximum limits
func (p Page) Normalize(def, max int) Page {
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
