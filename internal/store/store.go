package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
)

//go:embed migrations
var migrationFiles embed.FS

var (
	// ErrPostNotFound means no post row matched the id.
	ErrPostNotFound = errors.New("post not found")
	// ErrInvalidTransition means the post is in a state that cannot move to the requested one.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrIncompleteMedia means a completed post would lose its manifest or thumbnail URL.
	ErrIncompleteMedia = errors.New("completed post requires manifest and thumbnail urls")
)

// Notification is a pending cache-invalidation callback recorded alongside a completed post.
type Notification struct {
	PostID    string    `json:"post_id"`
	CreatedAt time.Time `json:"created_at"`
	Attempts  int       `json:"attempts"`
	LastError *string   `json:"last_error,omitempty"`
}

// Store persists post processing state. Status writes are idempotent:
// re-applying the current status is not an error.
type Store interface {
	GetPost(ctx context.Context, postID string) (models.Post, error)
	SetStatus(ctx context.Context, postID string, status models.ProcessingStatus) error
	SetMediaURLs(ctx context.Context, postID string, urls models.MediaURLs) error
	// MarkCompleted writes the media URLs, moves the post to completed and
	// records a pending notification in one transaction.
	MarkCompleted(ctx context.Context, postID string, urls models.MediaURLs) error
	PendingNotifications(ctx context.Context, olderThan time.Time, limit int) ([]Notification, error)
	MarkNotified(ctx context.Context, postID string) error
	RecordNotifyFailure(ctx context.Context, postID string, msg string) error
	AppendAudit(ctx context.Context, entry models.AuditEntry) error
	AuditTrail(ctx context.Context, postID string, limit int) ([]models.AuditEntry, error)
	RunMigrations(ctx context.Context) error
	Close()
}

// Open connects the store selected by DATABASE_DRIVER.
func Open(ctx context.Context, cfg config.Config) (Store, error) {
	switch strings.ToLower(cfg.DatabaseDriver) {
	case "", "postgres", "postgresql":
		return NewPostgres(ctx, cfg.PostgresDSN)
	case "sqlite", "sqlite3":
		return NewSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}
}

func transitionError(postID string, from, to models.ProcessingStatus) error {
	return fmt.Errorf("%w: post %s is %s, cannot move to %s", ErrInvalidTransition, postID, from, to)
}

func statusStrings(in []models.ProcessingStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// migrationScripts returns the dialect's SQL files in name order.
func migrationScripts(dialect string) ([]string, error) {
	dir := "migrations/" + dialect
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var scripts []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile(dir + "/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if sql := strings.TrimSpace(string(content)); sql != "" {
			scripts = append(scripts, sql)
		}
	}
	return scripts, nil
}
