package models

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// VideoJob is the durable unit of work handed from the queue to a worker.
// Attempt is owned by the queue and incremented on every delivery.
type VideoJob struct {
	ID          string     `json:"id"`
	PostID      string     `json:"post_id"`
	SourceURL   string     `json:"source_url"`
	OwnerID     string     `json:"owner_id"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"max_attempts"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	LastError   string     `json:"last_error,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Validate checks the fields a producer must supply.
func (j VideoJob) Validate() error {
	if strings.TrimSpace(j.PostID) == "" {
		return errors.New("post_id is required")
	}
	if j.SourceURL == "" {
		return errors.New("source_url is required")
	}
	u, err := url.Parse(j.SourceURL)
	if err != nil {
		return fmt.Errorf("source_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("source_url must be an absolute http(s) url, got %q", j.SourceURL)
	}
	return nil
}

// AuditEntry is a single job lifecycle event persisted for operators.
type AuditEntry struct {
	JobID    string    `json:"job_id"`
	PostID   string    `json:"post_id"`
	OwnerID  string    `json:"owner_id,omitempty"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Audit events.
const (
	AuditStarted        = "started"
	AuditCompleted      = "completed"
	AuditRetryScheduled = "retry_scheduled"
	AuditDeadLetter     = "dead_letter"
	AuditSkipped        = "skipped"
)
