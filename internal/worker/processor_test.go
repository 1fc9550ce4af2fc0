package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/transcode"
)

type processorFixture struct {
	*handlerFixture
	cfg       config.Config
	queue     *queue.RedisQueue
	processor *Processor
}

func newProcessorFixture(t *testing.T, limit int, opts ...func(*config.Config)) *processorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := config.Config{
		QueueName:            "videos",
		WorkerConcurrency:    2,
		RateLimitMax:         limit,
		RateLimitWindow:      time.Hour,
		MaxAttempts:          3,
		BackoffInitial:       10 * time.Millisecond,
		BackoffMax:           40 * time.Millisecond,
		RetryContentFailures: true,
		JobTimeout:           5 * time.Second,
		LeaseGrace:           time.Second,
		WorkerPollInterval:   5 * time.Millisecond,
		ScheduledBatchSize:   10,
		NotifySweepInterval:  time.Hour,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	hf := newHandlerFixture(t)
	q := queue.NewRedisQueue(client, cfg)
	limiter := ratelimit.NewWindow(client, cfg.RateLimitMax, cfg.RateLimitWindow)
	p := NewProcessorWithID(cfg, q, limiter, hf.handler, hf.store, hf.notifier, nil, nil, "test-worker")
	return &processorFixture{handlerFixture: hf, cfg: cfg, queue: q, processor: p}
}

// runUntil runs the processor until cond holds or the deadline passes.
func (f *processorFixture) runUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.processor.Run(ctx) }()

	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func (f *processorFixture) enqueue(t *testing.T, postID string) queue.Handle {
	t.Helper()
	h, err := f.queue.Enqueue(context.Background(), models.VideoJob{PostID: postID, SourceURL: "https://uploads.example.com/" + postID + ".mp4"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return h
}

func TestProcessorRetriesUntilSuccess(t *testing.T) {
	f := newProcessorFixture(t, 100)
	f.seed(t, "p1", models.StatusPending)
	f.engine.failures = []error{errors.New("transient 1"), errors.New("transient 2")}
	f.enqueue(t, "p1")

	f.runUntil(t, 5*time.Second, func() bool {
		p, err := f.store.GetPost(context.Background(), "p1")
		return err == nil && p.ProcessingStatus == models.StatusCompleted
	})

	if f.engine.Calls() != 3 {
		t.Fatalf("engine calls = %d, want 3", f.engine.Calls())
	}
	if d, _ := f.queue.Depth(context.Background()); d != 0 {
		t.Fatalf("queue depth = %d", d)
	}
	dead, _ := f.queue.DeadJobs(context.Background(), 10)
	if len(dead) != 0 {
		t.Fatalf("unexpected dead jobs %+v", dead)
	}
	trail, _ := f.store.AuditTrail(context.Background(), "p1", 10)
	if len(trail) == 0 || trail[0].Event != models.AuditCompleted {
		t.Fatalf("unexpected audit trail %+v", trail)
	}
}

func TestProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	f := newProcessorFixture(t, 100)
	f.seed(t, "p1", models.StatusPending)
	f.engine.failures = []error{errors.New("bad 1"), errors.New("bad 2"), errors.New("bad 3"), errors.New("bad 4")}
	h := f.enqueue(t, "p1")

	f.runUntil(t, 5*time.Second, func() bool {
		dead, err := f.queue.DeadJobs(context.Background(), 10)
		return err == nil && len(dead) == 1
	})

	if f.engine.Calls() != 3 {
		t.Fatalf("engine calls = %d, want exactly 3", f.engine.Calls())
	}
	if got := f.status(t, "p1"); got != models.StatusFailed {
		t.Fatalf("status = %s", got)
	}
	dead, _ := f.queue.DeadJobs(context.Background(), 10)
	if dead[0].ID != h.ID || dead[0].Attempt != 3 || dead[0].LastError == "" {
		t.Fatalf("unexpected dead job %+v", dead[0])
	}
	if f.notifier.Count() != 0 {
		t.Fatalf("failed jobs must not notify")
	}
}

func TestProcessorMissingPostDeadLettersImmediately(t *testing.T) {
	f := newProcessorFixture(t, 100)
	f.enqueue(t, "ghost")

	f.runUntil(t, 5*time.Second, func() bool {
		dead, err := f.queue.DeadJobs(context.Background(), 10)
		return err == nil && len(dead) == 1
	})
	dead, _ := f.queue.DeadJobs(context.Background(), 10)
	if dead[0].Attempt != 1 {
		t.Fatalf("missing post should fail on first attempt, got %d", dead[0].Attempt)
	}
}

func TestProcessorHonorsStartWindow(t *testing.T) {
	f := newProcessorFixture(t, 2)
	for _, id := range []string{"a", "b", "c"} {
		f.seed(t, id, models.StatusPending)
		f.enqueue(t, id)
	}

	start := time.Now()
	f.runUntil(t, 5*time.Second, func() bool {
		return f.engine.Calls() >= 2 && time.Since(start) > 200*time.Millisecond
	})

	if f.engine.Calls() != 2 {
		t.Fatalf("only two starts fit the window, got %d", f.engine.Calls())
	}
	if d, _ := f.queue.Depth(context.Background()); d != 1 {
		t.Fatalf("third job should still be waiting, depth = %d", d)
	}
}

func TestProcessorTimesOutLongJobs(t *testing.T) {
	f := newProcessorFixture(t, 100, func(c *config.Config) {
		c.JobTimeout = 100 * time.Millisecond
		c.BackoffInitial = time.Hour
		c.BackoffMax = time.Hour
	})
	f.seed(t, "p1", models.StatusPending)
	f.handler.engine = engineFunc(func(ctx context.Context, req transcode.Request) (transcode.Output, error) {
		if err := os.MkdirAll(req.WorkingDir, 0o755); err != nil {
			return transcode.Output{}, err
		}
		<-ctx.Done()
		return transcode.Output{}, ctx.Err()
	})
	h := f.enqueue(t, "p1")

	f.runUntil(t, 5*time.Second, func() bool {
		trail, err := f.store.AuditTrail(context.Background(), "p1", 10)
		return err == nil && len(trail) > 0 && trail[0].Event == models.AuditRetryScheduled
	})

	if got := f.status(t, "p1"); got != models.StatusFailed {
		t.Fatalf("status = %s", got)
	}
	job, err := f.queue.Get(context.Background(), h.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if !strings.Contains(job.LastError, "job exceeded") {
		t.Fatalf("expected timeout cause, got %q", job.LastError)
	}
	trail, _ := f.store.AuditTrail(context.Background(), "p1", 1)
	if !strings.Contains(trail[0].Detail, "job exceeded") {
		t.Fatalf("unexpected audit detail %q", trail[0].Detail)
	}
	assertNoWorkDirs(t, f.workRoot)
}

func TestProcessorSettlesPostOfCrashedDelivery(t *testing.T) {
	ctx := context.Background()
	f := newProcessorFixture(t, 100, func(c *config.Config) {
		c.JobTimeout = 50 * time.Millisecond
		c.LeaseGrace = 50 * time.Millisecond
	})
	f.seed(t, "p1", models.StatusPending)

	job := models.VideoJob{PostID: "p1", SourceURL: "https://uploads.example.com/p1.mp4", OwnerID: "u1", MaxAttempts: 1}
	h, err := f.queue.Enqueue(ctx, job)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// a worker takes the job, starts it and disappears
	if leased, _ := f.queue.Dequeue(ctx); leased == nil {
		t.Fatalf("expected delivery")
	}
	if err := f.store.SetStatus(ctx, "p1", models.StatusProcessing); err != nil {
		t.Fatalf("processing: %v", err)
	}

	f.runUntil(t, 5*time.Second, func() bool {
		p, err := f.store.GetPost(ctx, "p1")
		return err == nil && p.ProcessingStatus == models.StatusFailed
	})

	dead, _ := f.queue.DeadJobs(ctx, 10)
	if len(dead) != 1 || dead[0].ID != h.ID {
		t.Fatalf("expected the crashed job in the dead set, got %+v", dead)
	}
	trail, _ := f.store.AuditTrail(ctx, "p1", 10)
	if len(trail) == 0 || trail[0].Event != models.AuditDeadLetter || trail[0].OwnerID != "u1" {
		t.Fatalf("unexpected audit trail %+v", trail)
	}
	if f.engine.Calls() != 0 {
		t.Fatalf("engine must not run for the crashed delivery")
	}
}

func TestDisabledRunnerIdlesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDisabled(nil).Run(ctx) }()

	select {
	case <-done:
		t.Fatalf("disabled runner returned before shutdown")
	case <-time.After(20 * time.Millisecond):
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("disabled runner returned %v", err)
	}
}

func TestNewWithoutBrokerIsDisabled(t *testing.T) {
	r, closeFn, err := New(context.Background(), config.Config{RedisHost: ""}, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer closeFn()
	if _, ok := r.(*Disabled); !ok {
		t.Fatalf("expected *Disabled, got %T", r)
	}
}
