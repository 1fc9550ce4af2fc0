package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"media-pipeline/internal/config"
	"media-pipeline/internal/events"
	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// outcomeTimeout bounds the queue and audit writes after a job returns.
// They run on a fresh context so shutdown does not lose the result.
const outcomeTimeout = 10 * time.Second

// Runner is a long-running consumer.
type Runner interface {
	Run(ctx context.Context) error
}

// startLimiter admits job starts across every worker sharing the queue.
type startLimiter interface {
	Reserve(ctx context.Context, key string) (token string, allowed bool, retryAfter time.Duration, err error)
	Release(ctx context.Context, key, token string) error
}

// Processor pulls video jobs from the queue with C concurrent slots.
type Processor struct {
	cfg      config.Config
	queue    queue.Queue
	limiter  startLimiter
	handler  JobHandler
	store    store.Store
	notifier notify.Notifier
	events   events.Publisher
	log      *slog.Logger
	workerID string
}

// NewProcessor wires the worker loop. limiter may be nil to disable start limiting.
func NewProcessor(cfg config.Config, q queue.Queue, limiter startLimiter, h JobHandler, st store.Store, n notify.Notifier, ev events.Publisher, log *slog.Logger) *Processor {
	return NewProcessorWithID(cfg, q, limiter, h, st, n, ev, log, "")
}

// NewProcessorWithID creates a processor that tags its logs and audit rows with workerID.
func NewProcessorWithID(cfg config.Config, q queue.Queue, limiter startLimiter, h JobHandler, st store.Store, n notify.Notifier, ev events.Publisher, log *slog.Logger, workerID string) *Processor {
	if n == nil {
		n = notify.Noop{}
	}
	if ev == nil {
		ev = events.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if workerID != "" {
		log = log.With("worker_id", workerID)
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		limiter:  limiter,
		handler:  h,
		store:    st,
		notifier: n,
		events:   ev,
		log:      log,
		workerID: workerID,
	}
}

// Run starts the slots and the maintenance loop until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	slots := p.cfg.WorkerConcurrency
	if slots <= 0 {
		slots = 1
	}
	p.log.Info("worker started",
		"concurrency", slots,
		"rate_limit", fmt.Sprintf("%d/%s", p.cfg.RateLimitMax, p.cfg.RateLimitWindow),
		"max_attempts", p.cfg.MaxAttempts,
		"job_timeout", p.cfg.JobTimeout,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.maintain(gctx) })
	for i := 0; i < slots; i++ {
		slot := i
		g.Go(func() error { return p.slot(gctx, slot) })
	}
	return g.Wait()
}

func (p *Processor) slot(ctx context.Context, id int) error {
	log := p.log.With("slot", id)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := p.admit(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("rate limiter unavailable", "err", err)
			if err := p.sleep(ctx, p.pollInterval()); err != nil {
				return err
			}
			continue
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil || job == nil {
			p.refund(token)
			if err != nil && ctx.Err() == nil {
				log.Warn("dequeue failed", "err", err)
			}
			if err := p.sleep(ctx, p.pollInterval()); err != nil {
				return err
			}
			continue
		}

		p.process(ctx, *job)
	}
}

// admit blocks until the start window has room.
func (p *Processor) admit(ctx context.Context) (string, error) {
	if p.limiter == nil {
		return "", nil
	}
	for {
		token, ok, retryAfter, err := p.limiter.Reserve(ctx, p.limiterKey())
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		telemetry.RateLimitWaits.Inc()
		if err := p.sleep(ctx, retryAfter); err != nil {
			return "", err
		}
	}
}

func (p *Processor) refund(token string) {
	if p.limiter == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.limiter.Release(ctx, p.limiterKey(), token); err != nil {
		p.log.Debug("release start token", "err", err)
	}
}

func (p *Processor) limiterKey() string {
	return p.cfg.QueueName + ":starts"
}

func (p *Processor) process(ctx context.Context, job models.VideoJob) {
	log := p.log.With("job_id", job.ID, "post_id", job.PostID, "attempt", job.Attempt)
	telemetry.JobsStarted.Inc()
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.record(job, models.AuditStarted, events.JobStarted, p.workerID)
	log.Info("job started")

	jobCtx := ctx
	cancel := func() {}
	if p.cfg.JobTimeout > 0 {
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
	}
	start := time.Now()
	res, err := p.handler.Handle(jobCtx, job)
	cancel()
	telemetry.JobDuration.Observe(time.Since(start).Seconds())

	bg, done := context.WithTimeout(context.Background(), outcomeTimeout)
	defer done()

	if err == nil {
		if cerr := p.queue.Complete(bg, job); errors.Is(cerr, queue.ErrLeaseLost) {
			log.Warn("job finished after its lease was reclaimed", "took", time.Since(start))
		} else if cerr != nil {
			// the lease will expire and the redelivery will see a completed post
			log.Error("acknowledge job", "err", cerr)
		}
		if res == ResultSkipped {
			telemetry.JobsSkipped.Inc()
			p.record(job, models.AuditSkipped, events.JobSkipped, "post already completed")
		} else {
			telemetry.JobsCompleted.Inc()
			p.record(job, models.AuditCompleted, events.JobCompleted, "")
		}
		log.Info("job finished", "result", res.String(), "took", time.Since(start))
		return
	}

	if errors.Is(err, context.DeadlineExceeded) && jobCtx.Err() != nil && ctx.Err() == nil {
		err = fmt.Errorf("job exceeded %s: %w", p.cfg.JobTimeout, err)
	}
	out, ferr := p.queue.Fail(bg, job, err)
	if ferr != nil {
		log.Error("record failure", "err", ferr, "cause", err)
		return
	}
	if !out.Retried && !out.DeadLettered {
		log.Warn("job failed after its lease was reclaimed", "err", err)
		return
	}
	p.recordFailure(log, job, out, err)
}

func (p *Processor) recordFailure(log *slog.Logger, job models.VideoJob, out queue.Outcome, cause error) {
	kind := string(models.KindOf(cause))
	if out.Retried {
		telemetry.JobsRetried.WithLabelValues(kind).Inc()
		p.record(job, models.AuditRetryScheduled, events.JobRetrying, fmt.Sprintf("retry in %s: %v", out.Delay, cause))
		log.Warn("job failed, retry scheduled", "err", cause, "kind", kind, "delay", out.Delay)
		return
	}
	telemetry.JobsDeadLettered.WithLabelValues(kind).Inc()
	p.record(job, models.AuditDeadLetter, events.JobDeadLettered, cause.Error())
	log.Error("job failed permanently", "err", cause, "kind", kind)
}

// settleReclaimed handles a delivery whose worker never reported back. The
// post is moved out of processing so readers do not see a job that no longer runs.
func (p *Processor) settleReclaimed(r queue.Reclaimed) {
	job := r.Job
	log := p.log.With("job_id", job.ID, "post_id", job.PostID, "attempt", job.Attempt)

	if p.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
		post, err := p.store.GetPost(ctx, job.PostID)
		switch {
		case err != nil:
			log.Warn("load post of reclaimed job", "err", err)
		case post.ProcessingStatus == models.StatusProcessing:
			if err := p.store.SetStatus(ctx, job.PostID, models.StatusFailed); err != nil {
				telemetry.StatusWriteErrors.Inc()
				log.Error("could not mark post failed", "err", err, "cause", queue.ErrLeaseExpired)
			}
		}
		cancel()
	}
	p.recordFailure(log, job, r.Outcome, queue.ErrLeaseExpired)
}

// record writes the audit row and lifecycle event. Both are best-effort.
func (p *Processor) record(job models.VideoJob, auditEvent, eventType, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), outcomeTimeout)
	defer cancel()
	if p.store != nil {
		err := p.store.AppendAudit(ctx, models.AuditEntry{JobID: job.ID, PostID: job.PostID, OwnerID: job.OwnerID, Event: auditEvent, Detail: detail})
		if err != nil {
			p.log.Debug("append audit", "job_id", job.ID, "err", err)
		}
	}
	ev := events.Event{Type: eventType, JobID: job.ID, PostID: job.PostID, OwnerID: job.OwnerID, Attempt: job.Attempt, Detail: detail}
	if err := p.events.Publish(ctx, ev); err != nil {
		p.log.Debug("publish event", "job_id", job.ID, "err", err)
	}
}

// maintain promotes due retries, reclaims expired leases, refreshes the depth
// gauge and sweeps undelivered notifications.
func (p *Processor) maintain(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	sweepEvery := p.cfg.NotifySweepInterval
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			reclaimed, err := p.queue.Maintain(ctx, now)
			if err != nil && ctx.Err() == nil {
				p.log.Warn("queue maintenance failed", "err", err)
			}
			for _, r := range reclaimed {
				p.settleReclaimed(r)
			}
			if depth, err := p.queue.Depth(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(depth))
			}
		case <-sweep.C:
			if p.store == nil {
				continue
			}
			n, err := SweepNotifications(ctx, p.log, p.store, p.notifier, p.cfg.NotifySweepAge)
			if err != nil && ctx.Err() == nil {
				p.log.Warn("notification sweep failed", "err", err)
			} else if n > 0 {
				p.log.Info("redelivered notifications", "count", n)
			}
		}
	}
}

func (p *Processor) pollInterval() time.Duration {
	if p.cfg.WorkerPollInterval > 0 {
		return p.cfg.WorkerPollInterval
	}
	return time.Second
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
