package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecomments/internal/models"
)

func testComment(id string, created time.Time) *models.Comment {
	return &models.Comment{
		ID:        id,
		PostID:    "p1",
		Author:    models.Author{UserID: "u1", Handle: "alice"},
		Body:      "hello " + id,
		Status:    models.StatusApproved,
		CreatedAt: created,
	}
}

func TestView_ApplyNewUpdateDelete(t *testing.T) {
	view := NewView("p1")
	now := time.Now()

	assert.True(t, view.Apply(NewCommentCreatedEvent(testComment("c1", now))))
	assert.False(t, view.Apply(NewCommentCreatedEvent(testComment("c1", now))), "duplicate new is a no-op")

	rejected := models.StatusRejected
	assert.True(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Status: &rejected})))
	assert.False(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Status: &rejected})), "same update twice changes nothing")

	c, ok := view.Get("c1")
	require.True(t, ok)
	assert.Equal(t, models.StatusRejected, c.Status)

	assert.True(t, view.Apply(NewCommentDeletedEvent("p1", "c1")))
	assert.Equal(t, 0, view.Len())
}

func TestView_DeleteIsIdempotent(t *testing.T) {
	view := NewView("p1")
	view.Seed([]*models.Comment{testComment("c1", time.Now())})

	view.Apply(NewCommentDeletedEvent("p1", "c1"))
	before := view.Comments()

	view.Apply(NewCommentDeletedEvent("p1", "c1"))
	assert.Equal(t, before, view.Comments())
	assert.Equal(t, 0, view.Len())
}

func TestView_UpdateAfterDeleteIsNoop(t *testing.T) {
	view := NewView("p1")
	view.Seed([]*models.Comment{testComment("c1", time.Now())})
	view.Apply(NewCommentDeletedEvent("p1", "c1"))

	body := "edited"
	assert.False(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Body: &body})))
	assert.False(t, view.Apply(NewCommentCreatedEvent(testComment("c1", time.Now()))), "late new after delete is ignored")

	_, ok := view.Get("c1")
	assert.False(t, ok)
}

func TestView_IgnoresOtherPosts(t *testing.T) {
	view := NewView("p1")
	other := testComment("c9", time.Now())
	other.PostID = "p2"

	assert.False(t, view.Apply(NewCommentCreatedEvent(other)))
	assert.Equal(t, 0, view.Len())
}

func TestView_CommentsOrderedByCreation(t *testing.T) {
	view := NewView("p1")
	base := time.Now()

	view.Apply(NewCommentCreatedEvent(testComment("c3", base.Add(2*time.Second))))
	view.Apply(NewCommentCreatedEvent(testComment("c1", base)))
	view.Apply(NewCommentCreatedEvent(testComment("c2", base.Add(time.Second))))

	comments := view.Comments()
	require.Len(t, comments, 3)
	assert.Equal(t, "c1", comments[0].ID)
	assert.Equal(t, "c2", comments[1].ID)
	assert.Equal(t, "c3", comments[2].ID)
}

func TestView_SnapshotsAreCopies(t *testing.T) {
	view := NewView("p1")
	original := testComment("c1", time.Now())
	view.Apply(NewCommentCreatedEvent(original))

	original.Body = "mutated by publisher"
	c, ok := view.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "hello c1", c.Body)
}

func TestView_SeedKeepsEventState(t *testing.T) {
	view := NewView("p1")
	c1 := testComment("c1", time.Now())
	require.True(t, view.Apply(NewCommentCreatedEvent(c1)))

	rejected := models.StatusRejected
	require.True(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Status: &rejected})))

	view.Seed([]*models.Comment{c1, testComment("c2", time.Now())})
	got, ok := view.Get("c1")
	require.True(t, ok)
	assert.Equal(t, models.StatusRejected, got.Status, "stale listing does not roll back")
	assert.Equal(t, 2, view.Len())
}

func TestView_Insert(t *testing.T) {
	view := NewView("p1")
	assert.True(t, view.Insert(testComment("c1", time.Now())))
	assert.False(t, view.Insert(testComment("c1", time.Now())))

	view.Apply(NewCommentDeletedEvent("p1", "c2"))
	assert.False(t, view.Insert(testComment("c2", time.Now())), "deleted comments stay gone")
	assert.Equal(t, 1, view.Len())
}

func TestView_MentionsUpdate(t *testing.T) {
	view := NewView("p1")
	view.Seed([]*models.Comment{testComment("c1", time.Now())})

	mentioned := []string{"bob"}
	assert.True(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Mentions: &mentioned})))
	assert.False(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Mentions: &mentioned})))

	c, ok := view.Get("c1")
	require.True(t, ok)
	assert.Equal(t, []string{"bob"}, c.Mentions)

	cleared := []string{}
	assert.True(t, view.Apply(NewCommentUpdatedEvent("p1", "c1", models.CommentChanges{Mentions: &cleared})))
	c, _ = view.Get("c1")
	assert.Empty(t, c.Mentions)
}
