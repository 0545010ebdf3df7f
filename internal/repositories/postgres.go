package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"livecomments/internal/database"
	"livecomments/internal/models"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const commentColumns = `
	c.id, c.post_id, c.author_id, c.author_handle, c.author_display_name, c.anonymous,
	c.body, c.reply_to, c.status, c.like_count, c.report_count, c.mentions,
	c.created_at, c.updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanComment(row rowScanner, extra ...interface{}) (*models.Comment, error) {
	var (
		c        models.Comment
		authorID sql.NullString
		replyTo  sql.NullString
		mentions []string
	)
	dest := []interface{}{
		&c.ID, &c.PostID, &authorID, &c.Author.Handle, &c.Author.DisplayName, &c.Author.Anonymous,
		&c.Body, &replyTo, &c.Status, &c.LikeCount, &c.ReportCount, pq.Array(&mentions),
		&c.CreatedAt, &c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	c.Author.UserID = authorID.String
	if replyTo.Valid {
		c.ReplyTo = &replyTo.String
	}
	if len(mentions) > 0 {
		c.Mentions = mentions
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// ===============================
// POSTGRES COMMENT STORE
// ===============================

type postgresCommentStore struct {
	db     *database.Manager
	logger *zap.Logger
}

// NewPostgresCommentStore returns a CommentStore backed by Postgres
func NewPostgresCommentStore(db *database.Manager, logger *zap.Logger) CommentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postgresCommentStore{db: db, logger: logger}
}

func (r *postgresCommentStore) Create(ctx context.Context, comment *models.Comment) error {
	if comment.CreatedAt.IsZero() {
		comment.CreatedAt = time.Now()
	}
	comment.UpdatedAt = comment.CreatedAt

	var replyTo sql.NullString
	if comment.ReplyTo != nil {
		replyTo = nullString(*comment.ReplyTo)
	}
	mentions := comment.Mentions
	if mentions == nil {
		mentions = []string{}
	}

	query := `
		INSERT INTO comments (
			id, post_id, author_id, author_handle, author_display_name, anonymous,
			body, reply_to, status, like_count, report_count, mentions, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)`

	_, err := r.db.ExecContext(ctx, query,
		comment.ID, comment.PostID, nullString(comment.Author.UserID),
		comment.Author.Handle, comment.Author.DisplayName, comment.Author.Anonymous,
		comment.Body, replyTo, comment.Status, comment.LikeCount, comment.ReportCount,
		pq.Array(mentions), comment.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create comment: %w", err)
	}
	return nil
}

func (r *postgresCommentStore) GetByID(ctx context.Context, id string) (*models.Comment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments c WHERE c.id = $1`, id)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCommentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get comment: %w", err)
	}
	return c, nil
}

func (r *postgresCommentStore) Update(ctx context.Context, id string, patch models.CommentPatch) (*models.Comment, error) {
	ch := patch.Changes

	var (
		body, status, expect   sql.NullString
		likeCount, reportCount sql.NullInt64
		mentions               pq.StringArray
	)
	if ch.Body != nil {
		body = sql.NullString{String: *ch.Body, Valid: true}
	}
	if ch.Status != nil {
		status = sql.NullString{String: string(*ch.Status), Valid: true}
	}
	if ch.LikeCount != nil {
		likeCount = sql.NullInt64{Int64: int64(*ch.LikeCount), Valid: true}
	}
	if ch.ReportCount != nil {
		reportCount = sql.NullInt64{Int64: int64(*ch.ReportCount), Valid: true}
	}
	if ch.Mentions != nil {
		mentions = pq.StringArray{}
		mentions = append(mentions, (*ch.Mentions)...)
	}
	if patch.ExpectStatus != nil {
		expect = sql.NullString{String: string(*patch.ExpectStatus), Valid: true}
	}

	query := `
		UPDATE comments c SET
			body = COALESCE($2, c.body),
			status = COALESCE($3, c.status),
			like_count = COALESCE($4, c.like_count),
			report_count = COALESCE($5, c.report_count),
			mentions = COALESCE($7::text[], c.mentions),
			updated_at = now()
		WHERE c.id = $1 AND ($6::text IS NULL OR c.status = $6::text)
		RETURNING ` + commentColumns

	row := r.db.QueryRowContext(ctx, query, id, body, status, likeCount, reportCount, expect, mentions)
	c, err := scanComment(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrStatusConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update comment: %w", err)
	}
	return c, nil
}

func (r *postgresCommentStore) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete comment: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrCommentNotFound
	}
	return nil
}

func (r *postgresCommentStore) ListByPost(ctx context.Context, postID string, filter models.ListFilter) ([]*models.Comment, error) {
	statuses := make([]string, 0, len(filter.Statuses))
	for _, s := range filter.Statuses {
		statuses = append(statuses, string(s))
	}
	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}

	query := `
		SELECT ` + commentColumns + `
		FROM comments c
		WHERE c.post_id = $1
		  AND (cardinality($2::text[]) = 0
		       OR c.status = ANY($2::text[])
		       OR ($3 <> '' AND c.author_id = $3))
		ORDER BY c.created_at, c.id
		LIMIT $4 OFFSET $5`

	rows, err := r.db.QueryContext(ctx, query, postID, pq.Array(statuses), filter.AuthorID, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	out := []*models.Comment{}
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *postgresCommentStore) Report(ctx context.Context, report *models.Report) (int, error) {
	var open int
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM comments WHERE id = $1 FOR UPDATE`, report.CommentID,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrCommentNotFound
		}
		if err != nil {
			return err
		}

		createdAt := report.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO comment_reports (comment_id, reporter_id, reason, created_at)
			VALUES ($1, $2, $3, $4)`,
			report.CommentID, report.ReporterID, report.Reason, createdAt,
		)
		if isUniqueViolation(err) {
			return ErrDuplicateReport
		}
		if err != nil {
			return err
		}

		return tx.QueryRowContext(ctx, `
			UPDATE comments SET report_count = (
				SELECT count(*) FROM comment_reports WHERE comment_id = $1 AND NOT resolved
			) WHERE id = $1
			RETURNING report_count`, report.CommentID,
		).Scan(&open)
	})
	if err != nil {
		if errors.Is(err, ErrCommentNotFound) || errors.Is(err, ErrDuplicateReport) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to report comment: %w", err)
	}
	return open, nil
}

func (r *postgresCommentStore) ResolveReports(ctx context.Context, commentID string) (int, error) {
	var resolved int64
	err := r.db.WithTransaction(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE comments SET report_count = 0 WHERE id = $1`, commentID)
		if err != nil {
			return err
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrCommentNotFound
		}

		result, err = tx.ExecContext(ctx,
			`UPDATE comment_reports SET resolved = true WHERE comment_id = $1 AND NOT resolved`, commentID)
		if err != nil {
			return err
		}
		resolved, _ = result.RowsAffected()
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCommentNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("failed to resolve reports: %w", err)
	}
	return int(resolved), nil
}

func (r *postgresCommentStore) ListReported(ctx context.Context, page models.Page) ([]*models.ReportedComment, error) {
	var limit sql.NullInt64
	if page.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(page.Limit), Valid: true}
	}

	query := `
		SELECT ` + commentColumns + `, r.open_reports, r.first_reported, r.reasons
		FROM comments c
		JOIN (
			SELECT comment_id,
			       count(*) AS open_reports,
			       min(created_at) AS first_reported,
			       array_remove(array_agg(reason ORDER BY created_at), '') AS reasons
			FROM comment_reports
			WHERE NOT resolved
			GROUP BY comment_id
		) r ON r.comment_id = c.id
		ORDER BY r.first_reported, c.id
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list reported comments: %w", err)
	}
	defer rows.Close()

	out := []*models.ReportedComment{}
	for rows.Next() {
		var entry models.ReportedComment
		var reasons []string
		c, err := scanComment(rows, &entry.OpenReports, &entry.FirstReported, pq.Array(&reasons))
		if err != nil {
			return nil, fmt.Errorf("failed to scan reported comment: %w", err)
		}
		entry.Comment = c
		if len(reasons) > 0 {
			entry.Reasons = reasons
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}

// ===============================
// POSTGRES USERS
// ===============================

type postgresUserRepository struct {
	db     *database.Manager
	logger *zap.Logger
}

// NewPostgresUserRepository returns a UserRepository backed by Postgres
func NewPostgresUserRepository(db *database.Manager, logger *zap.Logger) UserRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &postgresUserRepository{db: db, logger: logger}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (r *postgresUserRepository) Search(ctx context.Context, prefix string, limit int) ([]models.MentionCandidate, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if prefix == "" {
		rows, err = r.db.QueryContext(ctx, `
			SELECT handle, display_name FROM users
			WHERE NOT banned AND handle <> ''
			ORDER BY last_active_at DESC, handle
			LIMIT $1`, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, `
			SELECT handle, display_name FROM users
			WHERE NOT banned AND lower(handle) LIKE $1 ESCAPE '\'
			ORDER BY lower(handle)
			LIMIT $2`, likeEscaper.Replace(strings.ToLower(prefix))+"%", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	out := []models.MentionCandidate{}
	for rows.Next() {
		var c models.MentionCandidate
		if err := rows.Scan(&c.Handle, &c.DisplayName); err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *postgresUserRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, handle, display_name, role, banned, last_active_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Handle, &u.DisplayName, &u.Role, &u.Banned, &u.LastActiveAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &u, nil
}

func (r *postgresUserRepository) Touch(ctx context.Context, user *models.User) error {
	lastActive := user.LastActiveAt
	if lastActive.IsZero() {
		lastActive = time.Now()
	}
	role := user.Role
	if role == "" {
		role = models.RoleUser
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, handle, display_name, role, last_active_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			handle = COALESCE(NULLIF(EXCLUDED.handle, ''), users.handle),
			display_name = COALESCE(NULLIF(EXCLUDED.display_name, ''), users.display_name),
			role = EXCLUDED.role,
			last_active_at = EXCLUDED.last_active_at`,
		user.ID, user.Handle, user.DisplayName, role, lastActive,
	)
	if err != nil {
		return fmt.Errorf("failed to touch user: %w", err)
	}
	return nil
}

func (r *postgresUserRepository) SetBanned(ctx context.Context, id string, banned bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, banned) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET banned = EXCLUDED.banned`,
		id, banned,
	)
	if err != nil {
		return fmt.Errorf("failed to set ban: %w", err)
	}
	return nil
}

// ===============================
// POSTGRES POST FLAGS
// ===============================

type postgresPostFlags struct {
	db            *database.Manager
	preModeration bool
}

// NewPostgresPostFlags returns PostFlags backed by Postgres; preModeration is
// the default for posts without a settings row
func NewPostgresPostFlags(db *database.Manager, preModeration bool) PostFlags {
	return &postgresPostFlags{db: db, preModeration: preModeration}
}

func (f *postgresPostFlags) settings(ctx context.Context, postID string) (*models.PostSettings, error) {
	s := models.PostSettings{PostID: postID, PreModeration: f.preModeration}
	err := f.db.QueryRowContext(ctx, `
		SELECT comments_disabled, pre_moderation FROM post_settings WHERE post_id = $1`, postID,
	).Scan(&s.CommentsDisabled, &s.PreModeration)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read post settings: %w", err)
	}
	return &s, nil
}

func (f *postgresPostFlags) GetCommentsDisabled(ctx context.Context, postID string) (bool, error) {
	s, err := f.settings(ctx, postID)
	if err != nil {
		return false, err
	}
	return s.CommentsDisabled, nil
}

func (f *postgresPostFlags) SetCommentsDisabled(ctx context.Context, postID string, disabled bool) error {
	_, err := f.db.ExecContext(ctx, `
		INSERT INTO post_settings (post_id, comments_disabled, pre_moderation)
		VALUES ($1, $2, $3)
		ON CONFLICT (post_id) DO UPDATE SET comments_disabled = EXCLUDED.comments_disabled`,
		postID, disabled, f.preModeration,
	)
	if err != nil {
		return fmt.Errorf("failed to set comments disabled: %w", err)
	}
	return nil
}

func (f *postgresPostFlags) RequiresPreModeration(ctx context.Context, postID string) (bool, error) {
	s, err := f.settings(ctx, postID)
	if err != nil {
		return false, err
	}
	return s.PreModeration, nil
}

// ===============================
// POSTGRES AUDIT SINK
// ===============================

type postgresAuditSink struct {
	db *database.Manager
}

// NewPostgresAuditSink returns an AuditSink backed by Postgres
func NewPostgresAuditSink(db *database.Manager) AuditSink {
	return &postgresAuditSink{db: db}
}

func (a *postgresAuditSink) Record(ctx context.Context, action *models.ModerationAction) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO moderation_actions (id, moderator_id, action, target_type, target_id, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		action.ID, action.ModeratorID, action.Action, action.TargetType,
		action.TargetID, action.Reason, action.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record moderation action: %w", err)
	}
	return nil
}

func (a *postgresAuditSink) Recent(ctx context.Context, limit int) ([]*models.ModerationAction, error) {
	var l sql.NullInt64
	if limit > 0 {
		l = sql.NullInt64{Int64: int64(limit), Valid: true}
	}

	rows, err := a.db.QueryContext(ctx, `
		SELECT id, moderator_id, action, target_type, target_id, reason, created_at
		FROM moderation_actions
		ORDER BY created_at DESC, id DESC
		LIMIT $1`, l)
	if err != nil {
		return nil, fmt.Errorf("failed to list moderation actions: %w", err)
	}
	defer rows.Close()

	out := []*models.ModerationAction{}
	for rows.Next() {
		var m models.ModerationAction
		if err := rows.Scan(&m.ID, &m.ModeratorID, &m.Action, &m.TargetType, &m.TargetID, &m.Reason, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan moderation action: %w", err)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
