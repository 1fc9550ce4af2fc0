package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"media-pipeline/internal/models"
)

// Disabled stands in for the queue when no broker is configured. Producers
// get a synthetic handle and nothing is ever delivered.
type Disabled struct {
	log *slog.Logger
}

// NewDisabled returns a queue that accepts and drops every job.
func NewDisabled(log *slog.Logger) *Disabled {
	if log == nil {
		log = slog.Default()
	}
	return &Disabled{log: log}
}

func (d *Disabled) Enqueue(_ context.Context, job models.VideoJob) (Handle, error) {
	id := job.ID
	if id == "" {
		id = "disabled-" + uuid.NewString()
	}
	d.log.Warn("queue disabled, dropping video job", "post_id", job.PostID, "job_id", id)
	return Handle{ID: id, Disabled: true}, nil
}

func (d *Disabled) Dequeue(context.Context) (*models.VideoJob, error) { return nil, nil }

func (d *Disabled) Complete(context.Context, models.VideoJob) error { return nil }

func (d *Disabled) Fail(context.Context, models.VideoJob, error) (Outcome, error) {
	return Outcome{}, nil
}

func (d *Disabled) Maintain(context.Context, time.Time) ([]Reclaimed, error) { return nil, nil }

func (d *Disabled) Depth(context.Context) (int64, error) { return 0, nil }

func (d *Disabled) DeadJobs(context.Context, int64) ([]models.VideoJob, error) { return nil, nil }

func (d *Disabled) Replay(_ context.Context, jobID string) error {
	return ErrJobNotFound
}

func (d *Disabled) Close() error { return nil }

var (
	_ Queue = (*Disabled)(nil)
	_ Queue = (*RedisQueue)(nil)
)
