package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"livecomments/internal/config"
	"livecomments/internal/database"
	"livecomments/internal/models"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDatabase(t *testing.T) *database.Manager {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := database.NewManager(context.Background(), &config.DatabaseConfig{
		URL:              url,
		MaxOpenConns:     5,
		MaxIdleConns:     1,
		ConnMaxLifetime:  time.Minute,
		ConnectTimeout:   5 * time.Second,
		MaxRetryAttempts: 1,
		RetryBackoff:     100 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate("../../migrations"))
	return db
}

func uniqueID(t *testing.T) string {
	t.Helper()
	id, err := uuid.NewV4()
	require.NoError(t, err)
	return id.String()
}

func TestPostgresCommentStore(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()
	store := NewPostgresCommentStore(db, nil)

	postID := uniqueID(t)
	c := &models.Comment{
		ID:       uniqueID(t),
		PostID:   postID,
		Author:   models.Author{UserID: "u1", Handle: "alice"},
		Body:     "hello @bob",
		Status:   models.StatusApproved,
		Mentions: []string{"bob"},
	}
	require.NoError(t, store.Create(ctx, c))

	got, err := store.GetByID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Body, got.Body)
	assert.Equal(t, []string{"bob"}, got.Mentions)
	assert.Equal(t, "u1", got.Author.UserID)

	rejected, approved := models.StatusRejected, models.StatusApproved
	_, err = store.Update(ctx, c.ID, models.CommentPatch{
		Changes:      models.CommentChanges{Status: &rejected},
		ExpectStatus: &approved,
	})
	require.NoError(t, err)
	_, err = store.Update(ctx, c.ID, models.CommentPatch{
		Changes:      models.CommentChanges{Status: &rejected},
		ExpectStatus: &approved,
	})
	assert.ErrorIs(t, err, ErrStatusConflict)

	n, err := store.Report(ctx, &models.Report{CommentID: c.ID, ReporterID: "r1", Reason: "spam"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = store.Report(ctx, &models.Report{CommentID: c.ID, ReporterID: "r1"})
	assert.ErrorIs(t, err, ErrDuplicateReport)

	resolved, err := store.ResolveReports(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	list, err := store.ListByPost(ctx, postID, models.ListFilter{Statuses: []models.Status{models.StatusApproved}, AuthorID: "u1"})
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, store.Delete(ctx, c.ID))
	assert.ErrorIs(t, store.Delete(ctx, c.ID), ErrCommentNotFound)
}

func TestPostgresUsersFlagsAudit(t *testing.T) {
	db := newTestDatabase(t)
	ctx := context.Background()

	users := NewPostgresUserRepository(db, nil)
	id := uniqueID(t)
	handle := "pg_" + id[:8]
	require.NoError(t, users.Touch(ctx, &models.User{ID: id, Handle: handle, DisplayName: "PG"}))

	found, err := users.Search(ctx, handle, 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, handle, found[0].Handle)

	require.NoError(t, users.SetBanned(ctx, id, true))
	found, err = users.Search(ctx, handle, 5)
	require.NoError(t, err)
	assert.Empty(t, found)

	flags := NewPostgresPostFlags(db, false)
	postID := uniqueID(t)
	require.NoError(t, flags.SetCommentsDisabled(ctx, postID, true))
	disabled, err := flags.GetCommentsDisabled(ctx, postID)
	require.NoError(t, err)
	assert.True(t, disabled)

	audit := NewPostgresAuditSink(db)
	action := &models.ModerationAction{
		ID:          uniqueID(t),
		ModeratorID: "m1",
		Action:      models.ActionDisableComments,
		TargetType:  models.TargetPost,
		TargetID:    postID,
		CreatedAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, audit.Record(ctx, action))
	recent, err := audit.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, action.ID, recent[0].ID)
}
