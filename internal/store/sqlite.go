package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"media-pipeline/internal/models"
)

// SQLite is a single-file store for local development and tests.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (and creates) the database at path.
func NewSQLite(path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

func (s *SQLite) RunMigrations(ctx context.Context) error {
	scripts, err := migrationScripts("sqlite")
	if err != nil {
		return err
	}
	for i, script := range scripts {
		if _, err := s.db.ExecContext(ctx, script); err != nil {
			return fmt.Errorf("exec migration %d: %w", i+1, err)
		}
	}
	return nil
}

// InsertPost seeds a post row. The application owns posts; this exists for local runs and tests.
func (s *SQLite) InsertPost(ctx context.Context, postID string, status models.ProcessingStatus) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publications (id, processing_status, updated_at) VALUES (?, ?, ?)
	`, postID, string(status), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert post: %w", err)
	}
	return nil
}

func (s *SQLite) GetPost(ctx context.Context, postID string) (models.Post, error) {
	var (
		p                 models.Post
		status            string
		media, thumb, hls sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, processing_status, media_url, thumbnail_url, hls_manifest_url, updated_at
		FROM publications WHERE id = ?
	`, postID).Scan(&p.ID, &status, &media, &thumb, &hls, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Post{}, fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return models.Post{}, fmt.Errorf("scan post: %w", err)
	}
	p.ProcessingStatus = models.ProcessingStatus(status)
	p.MediaURL = nullPtr(media)
	p.ThumbnailURL = nullPtr(thumb)
	p.HLSManifestURL = nullPtr(hls)
	return p, nil
}

func (s *SQLite) SetStatus(ctx context.Context, postID string, status models.ProcessingStatus) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}
	from := statusStrings(models.AllowedFrom(status))
	args := []any{string(status), time.Now().UTC(), postID}
	for _, f := range from {
		args = append(args, f)
	}
	if len(from) > 0 {
		res, err := s.db.ExecContext(ctx, `
			UPDATE publications SET processing_status = ?, updated_at = ?
			WHERE id = ? AND processing_status IN (`+placeholders(len(from))+`)
		`, args...)
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
	}

	var current string
	err := s.db.QueryRowContext(ctx, `SELECT processing_status FROM publications WHERE id = ?`, postID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if models.ProcessingStatus(current) == status {
		return nil
	}
	return transitionError(postID, models.ProcessingStatus(current), status)
}

func (s *SQLite) SetMediaURLs(ctx context.Context, postID string, urls models.MediaURLs) error {
	thumb, hls := emptyToNil(urls.ThumbnailURL), emptyToNil(urls.HLSManifestURL)
	res, err := s.db.ExecContext(ctx, `
		UPDATE publications
		SET media_url = ?, thumbnail_url = ?, hls_manifest_url = ?, updated_at = ?
		WHERE id = ?
		  AND (processing_status <> 'completed' OR (? IS NOT NULL AND ? IS NOT NULL))
	`, emptyToNil(urls.MediaURL), thumb, hls, time.Now().UTC(), postID, thumb, hls)
	if err != nil {
		return fmt.Errorf("update media urls: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM publications WHERE id = ?`, postID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return fmt.Errorf("read post: %w", err)
	}
	return fmt.Errorf("%w: %s", ErrIncompleteMedia, postID)
}

func (s *SQLite) MarkCompleted(ctx context.Context, postID string, urls models.MediaURLs) error {
	if !urls.Complete() {
		return fmt.Errorf("%w: %s", ErrIncompleteMedia, postID)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // safe no-op on commit

	var current string
	err = tx.QueryRowContext(ctx, `SELECT processing_status FROM publications WHERE id = ?`, postID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPostNotFound, postID)
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	switch models.ProcessingStatus(current) {
	case models.StatusCompleted:
		return tx.Commit()
	case models.StatusProcessing:
	default:
		return transitionError(postID, models.ProcessingStatus(current), models.StatusCompleted)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE publications
		SET media_url = ?, thumbnail_url = ?, hls_manifest_url = ?, processing_status = ?, updated_at = ?
		WHERE id = ?
	`, urls.MediaURL, urls.ThumbnailURL, urls.HLSManifestURL, string(models.StatusCompleted), now, postID); err != nil {
		return fmt.Errorf("complete post: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO media_notifications (post_id, created_at) VALUES (?, ?)
		ON CONFLICT (post_id) DO NOTHING
	`, postID, now); err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]Notification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT post_id, created_at, attempts, last_error
		FROM media_notifications
		WHERE delivered_at IS NULL AND created_at <= ?
		ORDER BY created_at
		LIMIT ?
	`, olderThan.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		var n Notification
		var lastErr sql.NullString
		if err := rows.Scan(&n.PostID, &n.CreatedAt, &n.Attempts, &lastErr); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.LastError = nullPtr(lastErr)
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *SQLite) MarkNotified(ctx context.Context, postID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_notifications SET delivered_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE post_id = ?
	`, time.Now().UTC(), postID)
	return err
}

func (s *SQLite) RecordNotifyFailure(ctx context.Context, postID string, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media_notifications SET attempts = attempts + 1, last_error = ?
		WHERE post_id = ?
	`, msg, postID)
	return err
}

func (s *SQLite) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	recorded := e.Recorded
	if recorded.IsZero() {
		recorded = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_audit (job_id, post_id, owner_id, event, detail, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.JobID, e.PostID, e.OwnerID, e.Event, e.Detail, recorded.UTC())
	return err
}

func (s *SQLite) AuditTrail(ctx context.Context, postID string, limit int) ([]models.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, post_id, owner_id, event, detail, recorded_at
		FROM job_audit WHERE post_id = ?
		ORDER BY recorded_at DESC, id DESC
		LIMIT ?
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

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func nullPtr(v sql.NullString) *string {
	if v.Valid {
		return &v.String
	}
	return nil
}

var (
	_ Store = (*SQLite)(nil)
	_ Store = (*Postgres)(nil)
)
