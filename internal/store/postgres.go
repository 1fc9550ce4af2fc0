package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-pipeline/internal/models"
)

// Postgres wraps pgxpool for the application's database.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a pooled connection to Postgres.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Postgres) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("postgres")
	if err != nil {
		return err
	}
	for i, sql := range scripts {
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

// GetPost fetches the processing columns of a post.
func (s *Postgres) GetPost(ctx context.Context, postID string) (models.Post, error) {
	var (
		p                 models.Post
		status            string
		media, thumb, hls pgtype.Text
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, processing_status, media_url, thumbnail_url, hls_manifest_url, updated_at
		FROM publications WHERE id = $1
	`, postID).Scan(&p.ID, &status, &media, &thumb, &hls, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Post{}, fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	p.ProcessingStatus = models.ProcessingStatus(status)
	p.MediaURL = textPtr(media)
	p.ThumbnailURL = textPtr(thumb)
	p.HLSManifestURL = textPtr(hls)
	return p, nil
}

// SetStatus moves a post to status when its current state allows it.
func (s *Postgres) SetStatus(ctx context.Context, postID string, status models.ProcessingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE publications SET processing_status = $2, updated_at = NOW()
		WHERE id = $1 AND processing_status = ANY($3)
	`, postID, string(status), statusStrings(models.AllowedFrom(status)))
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	return s.explainNoop(ctx, postID, status)
}

func (s *Postgres) explainNoop(ctx context.Context, postID string, target models.ProcessingStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT processing_status FROM publications WHERE id = $1`, postID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if models.ProcessingStatus(current) == target {
		return nil
	}
	return transitionError(postID, models.ProcessingStatus(current), target)
}

// SetMediaURLs writes the public media locations without touching status.
// A completed post keeps a non-null manifest and thumbnail.
func (s *Postgres) SetMediaURLs(ctx context.Context, postID string, urls models.MediaURLs) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE publications
		SET media_url = $2, thumbnail_url = $3, hls_manifest_url = $4, updated_at = NOW()
		WHERE id = $1
		  AND (processing_status <> 'completed' OR ($3::text IS NOT NULL AND $4::text IS NOT NULL))
	`, postID, emptyToNil(urls.MediaURL), emptyToNil(urls.ThumbnailURL), emptyToNil(urls.HLSManifestURL))
	if err != nil {
		return fmt.Errorf("update media urls: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM publications WHERE id = $1)`, postID).Scan(&exists); err != nil {
		return fmt.Errorf("read post: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	return fmt.Errorf("%w: %s", ErrIncompleteMedia, postID)
}

// MarkCompleted publishes the URLs, completes the post and queues its notification.
func (s *Postgres) MarkCompleted(ctx context.Context, postID string, urls models.MediaURLs) error {
	if !urls.Complete() {
		return fmt.Errorf("%w: %s", ErrIncompleteMedia, postID)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var current string
	err = tx.QueryRow(ctx, `SELECT processing_status FROM publications WHERE id = $1 FOR UPDATE`, postID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return fmt.Errorf("lock post: %w", err)
	}
	switch models.ProcessingStatus(current) {
	case models.StatusCompleted:
		return tx.Commit(ctx)
	case models.StatusProcessing:
	default:
		return transitionError(postID, models.ProcessingStatus(current), models.StatusCompleted)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE publications
		SET media_url = $2, thumbnail_url = $3, hls_manifest_url = $4, processing_status = $5, updated_at = NOW()
		WHERE id = $1
	`, postID, urls.MediaURL, urls.ThumbnailURL, urls.HLSManifestURL, string(models.StatusCompleted)); err != nil {
		return fmt.Errorf("complete post: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO media_notifications (post_id, created_at) VALUES ($1, NOW())
		ON CONFLICT (post_id) DO NOTHING
	`, postID); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// PendingNotifications lists undelivered notifications created before olderThan.
func (s *Postgres) PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]Notification, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT post_id, created_at, attempts, last_error
		FROM media_notifications
		WHERE delivered_at IS NULL AND created_at <= $1
		ORDER BY created_at
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var lastErr pgtype.Text
		if err := rows.Scan(&n.PostID, &n.CreatedAt, &n.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.LastError = textPtr(lastErr)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Postgres) MarkNotified(ctx context.Context, postID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_notifications SET delivered_at = NOW(), attempts = attempts + 1, last_error = NULL
		WHERE post_id = $1
	`, postID)
	return err
}

func (s *Postgres) RecordNotifyFailure(ctx context.Context, postID string, msg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE media_notifications SET attempts = attempts + 1, last_error = $2
		WHERE post_id = $1
	`, postID, msg)
	return err
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_audit (job_id, post_id, owner_id, event, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, e.JobID, e.PostID, e.OwnerID, e.Event, e.Detail)
	return err
}

// AuditTrail returns the most recent audit rows for a post, newest first.
func (s *Postgres) AuditTrail(ctx context.Context, postID string, limit int) ([]models.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, post_id, owner_id, event, detail, recorded_at
		FROM job_audit WHERE post_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2
	`, postID, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		if err := rows.Scan(&e.JobID, &e.PostID, &e.OwnerID, &e.Event, &e.Detail, &e.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
