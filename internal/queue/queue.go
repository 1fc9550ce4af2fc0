package queue

import (
	"context"
	"errors"
	"time"

	"media-pipeline/internal/models"
)

var (
	// ErrJobNotFound is returned when a job id has no record in the queue.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrLeaseLost is returned by Complete when the delivery was already
	// reclaimed or redelivered. The queue state is left untouched.
	ErrLeaseLost = errors.New("queue: delivery no longer holds its lease")
)

// Handle identifies an enqueued job.
type Handle struct {
	ID       string `json:"id"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Outcome reports what the queue did with a failed delivery.
type Outcome struct {
	Retried      bool
	DeadLettered bool
	Delay        time.Duration
}

// Reclaimed is a delivery whose lease ran out before its worker reported back.
type Reclaimed struct {
	Job     models.VideoJob
	Outcome Outcome
}

// Queue is the durable at-least-once channel between producers and workers.
// A job is delivered to one worker at a time, and never concurrently with
// another job for the same post.
type Queue interface {
	Enqueue(ctx context.Context, job models.VideoJob) (Handle, error)
	// Dequeue leases the next runnable job. It returns nil when nothing is ready.
	Dequeue(ctx context.Context) (*models.VideoJob, error)
	// Complete removes a successfully processed job. It returns ErrLeaseLost
	// when this delivery no longer owns the job.
	Complete(ctx context.Context, job models.VideoJob) error
	// Fail reschedules the job with backoff or moves it to the dead set.
	Fail(ctx context.Context, job models.VideoJob, cause error) (Outcome, error)
	// Maintain promotes due retries and reclaims expired leases. Reclaimed
	// deliveries are returned so the caller can settle their posts.
	Maintain(ctx context.Context, now time.Time) ([]Reclaimed, error)
	Depth(ctx context.Context) (int64, error)
	DeadJobs(ctx context.Context, limit int64) ([]models.VideoJob, error)
	Replay(ctx context.Context, jobID string) error
	Close() error
}

// RetryPolicy bounds redelivery of failing jobs.
type RetryPolicy struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	RetryContent bool
}

// Backoff returns the wait before the next attempt after the given failed attempt:
// base, 2*base, 4*base, ... capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return p.BaseDelay
	}
	wait := p.BaseDelay
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.MaxDelay > 0 && wait >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return wait
}

// ShouldRetry decides whether a job that failed on attempt should be redelivered.
func (p RetryPolicy) ShouldRetry(attempt int, cause error) bool {
	if attempt >= p.maxAttempts() {
		return false
	}
	return models.Retryable(cause, p.RetryContent)
}

func (p RetryPolicy) maxAttempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}
