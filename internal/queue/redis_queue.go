package queue

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
)

// ErrLeaseExpired is recorded when a delivery was not acknowledged before its lease ran out.
var ErrLeaseExpired = errors.New("queue: lease expired before the job reported an outcome")

const maxErrorLen = 1024

// NewClient builds a redis client from the queue connection settings.
func NewClient(cfg config.Config) *redis.Client {
	opts := &redis.Options{
		Addr:     cfg.RedisAddr(),
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	if cfg.RedisTLS {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return redis.NewClient(opts)
}

// PolicyFromConfig derives the retry policy from configuration.
func PolicyFromConfig(cfg config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  cfg.MaxAttempts,
		BaseDelay:    cfg.BackoffInitial,
		MaxDelay:     cfg.BackoffMax,
		RetryContent: cfg.RetryContentFailures,
	}
}

// RedisQueue coordinates ready, in-flight, scheduled and dead jobs in Redis.
type RedisQueue struct {
	client    *redis.Client
	prefix    string
	lease     time.Duration
	policy    RetryPolicy
	batchSize int64
}

// NewRedisQueue builds a queue on top of client using the configured name, lease and retry policy.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "video-transcode"
	}
	lease := cfg.LeaseTimeout()
	if lease <= 0 {
		lease = 30 * time.Second
	}
	batch := int64(cfg.ScheduledBatchSize)
	if batch <= 0 {
		batch = 100
	}
	return &RedisQueue{
		client:    client,
		prefix:    name + ":",
		lease:     lease,
		policy:    PolicyFromConfig(cfg),
		batchSize: batch,
	}
}

func (q *RedisQueue) readyKey() string     { return q.prefix + "ready" }
func (q *RedisQueue) inflightKey() string  { return q.prefix + "inflight" }
func (q *RedisQueue) scheduledKey() string { return q.prefix + "scheduled" }
func (q *RedisQueue) deadKey() string      { return q.prefix + "dead" }
func (q *RedisQueue) jobPrefix() string    { return q.prefix + "job:" }
func (q *RedisQueue) activePrefix() string { return q.prefix + "active:" }

func (q *RedisQueue) jobKey(id string) string        { return q.jobPrefix() + id }
func (q *RedisQueue) activeKey(postID string) string { return q.activePrefix() + postID }

// Enqueue stores the job record and appends it to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, job models.VideoJob) (Handle, error) {
	if err := job.Validate(); err != nil {
		return Handle{}, fmt.Errorf("invalid job: %w", err)
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.policy.maxAttempts()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), map[string]any{
		"post_id":      job.PostID,
		"source_url":   job.SourceURL,
		"owner_id":     job.OwnerID,
		"attempt":      0,
		"max_attempts": job.MaxAttempts,
		"enqueued_at":  job.EnqueuedAt.UnixMilli(),
	})
	pipe.RPush(ctx, q.readyKey(), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return Handle{}, fmt.Errorf("enqueue job: %w", err)
	}
	return Handle{ID: job.ID}, nil
}

// Dequeue pops the first ready job whose post is not already being processed,
// increments its attempt counter and leases it until the visibility deadline.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.VideoJob, error) {
	deadline := time.Now().Add(q.lease).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.inflightKey()},
		deadline, q.lease.Milliseconds(), q.jobPrefix(), q.activePrefix(),
	).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Get loads a job record by id.
func (q *RedisQueue) Get(ctx context.Context, id string) (models.VideoJob, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return models.VideoJob{}, fmt.Errorf("load job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.VideoJob{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	job := models.VideoJob{
		ID:        id,
		PostID:    fields["post_id"],
		SourceURL: fields["source_url"],
		OwnerID:   fields["owner_id"],
		LastError: fields["last_error"],
	}
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	job.MaxAttempts, _ = strconv.Atoi(fields["max_attempts"])
	if ms, err := strconv.ParseInt(fields["enqueued_at"], 10, 64); err == nil {
		job.EnqueuedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(fields["failed_at"], 10, 64); err == nil {
		at := time.UnixMilli(ms).UTC()
		job.FailedAt = &at
	}
	return job, nil
}

// Complete removes the job and releases its post. A delivery whose lease
// was reclaimed gets ErrLeaseLost and changes nothing.
func (q *RedisQueue) Complete(ctx context.Context, job models.VideoJob) error {
	held, err := q.release(ctx, job, "done", 0, "")
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if !held {
		return fmt.Errorf("%w: %s attempt %d", ErrLeaseLost, job.ID, job.Attempt)
	}
	return nil
}

// Fail either schedules the next attempt after backoff or buries the job in the dead set.
func (q *RedisQueue) Fail(ctx context.Context, job models.VideoJob, cause error) (Outcome, error) {
	policy := q.policy
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}

	if policy.ShouldRetry(job.Attempt, cause) {
		delay := policy.Backoff(job.Attempt)
		runAt := time.Now().Add(delay)
		held, err := q.release(ctx, job, "retry", runAt.UnixMilli(), msg)
		if err != nil {
			return Outcome{}, fmt.Errorf("schedule retry for %s: %w", job.ID, err)
		}
		if !held {
			// lease already reclaimed; the reclaimer owns the outcome
			return Outcome{}, nil
		}
		return Outcome{Retried: true, Delay: delay}, nil
	}

	held, err := q.release(ctx, job, "dead", time.Now().UnixMilli(), msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("dead-letter %s: %w", job.ID, err)
	}
	if !held {
		return Outcome{}, nil
	}
	return Outcome{DeadLettered: true}, nil
}

func (q *RedisQueue) release(ctx context.Context, job models.VideoJob, mode string, score int64, msg string) (bool, error) {
	res, err := releaseScript.Run(ctx, q.client,
		[]string{q.inflightKey(), q.scheduledKey(), q.deadKey(), q.jobKey(job.ID), q.activeKey(job.PostID), q.readyKey()},
		job.ID, mode, score, msg, job.Attempt,
	).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Maintain promotes due retries into the ready list and reclaims expired leases.
func (q *RedisQueue) Maintain(ctx context.Context, now time.Time) ([]Reclaimed, error) {
	if _, err := q.PromoteScheduled(ctx, now); err != nil {
		return nil, err
	}
	return q.RequeueExpired(ctx, now)
}

// PromoteScheduled moves due scheduled jobs into the ready list. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.scheduledKey(), q.readyKey()},
		now.UnixMilli(), q.batchSize,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("promote scheduled: %w", err)
	}
	return n, nil
}

// RequeueExpired treats deliveries whose lease ran out as failed attempts.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) ([]Reclaimed, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: q.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}
	reclaimed := make([]Reclaimed, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			_ = q.client.ZRem(ctx, q.inflightKey(), id).Err()
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		out, err := q.Fail(ctx, job, ErrLeaseExpired)
		if err != nil {
			return reclaimed, err
		}
		if !out.Retried && !out.DeadLettered {
			// settled by its worker between the scan and the release
			continue
		}
		job.LastError = ErrLeaseExpired.Error()
		reclaimed = append(reclaimed, Reclaimed{Job: job, Outcome: out})
	}
	return reclaimed, nil
}

// Depth returns the number of jobs waiting in the ready list.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey()).Result()
}

// DeadJobs reads up to limit dead-lettered jobs for inspection.
func (q *RedisQueue) DeadJobs(ctx context.Context, limit int64) ([]models.VideoJob, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dead set: %w", err)
	}
	jobs := make([]models.VideoJob, 0, len(ids))
	for _, id := range ids {
		job, err := q.Get(ctx, id)
		if errors.Is(err, ErrJobNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Replay moves a dead job back to the ready list with a fresh attempt budget.
func (q *RedisQueue) Replay(ctx context.Context, jobID string) error {
	n, err := replayScript.Run(ctx, q.client,
		[]string{q.deadKey(), q.jobKey(jobID), q.readyKey()},
		jobID,
	).Int()
	if err != nil {
		return fmt.Errorf("replay %s: %w", jobID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	return nil
}

// Close releases the redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// KEYS: ready, inflight. ARGV: lease deadline ms, lease ttl ms, job key prefix, active key prefix.
var dequeueScript = redis.NewScript(`
local n = redis.call('LLEN', KEYS[1])
for i=1,n do
  local id = redis.call('LPOP', KEYS[1])
  if not id then return nil end
  local post = redis.call('HGET', ARGV[3] .. id, 'post_id')
  if post then
    local lock = ARGV[4] .. post
    local holder = redis.call('GET', lock)
    if (not holder) or string.sub(holder, 1, #id + 1) == id .. ':' then
      local attempt = redis.call('HINCRBY', ARGV[3] .. id, 'attempt', 1)
      redis.call('SET', lock, id .. ':' .. attempt, 'PX', ARGV[2])
      redis.call('ZADD', KEYS[2], ARGV[1], id)
      return id
    end
    redis.call('RPUSH', KEYS[1], id)
  end
end
return nil
`)

// KEYS: inflight, scheduled, dead, job, active, ready. ARGV: id, mode, score, last error, attempt.
// Only the delivery that still holds the lease (same attempt, still in flight) may release it.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[4], 'attempt') ~= ARGV[5] then
  return 0
end
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if ARGV[2] == 'done' then
  redis.call('DEL', KEYS[4])
  redis.call('ZREM', KEYS[2], ARGV[1])
  redis.call('LREM', KEYS[6], 0, ARGV[1])
elseif ARGV[2] == 'retry' then
  redis.call('HSET', KEYS[4], 'last_error', ARGV[4])
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
else
  redis.call('HSET', KEYS[4], 'last_error', ARGV[4], 'failed_at', ARGV[3])
  redis.call('LREM', KEYS[3], 0, ARGV[1])
  redis.call('RPUSH', KEYS[3], ARGV[1])
end
if redis.call('GET', KEYS[5]) == ARGV[1] .. ':' .. ARGV[5] then
  redis.call('DEL', KEYS[5])
end
return 1
`)

// KEYS: scheduled, ready. ARGV: now ms, batch size.
var promoteScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// KEYS: dead, job, ready. ARGV: id.
var replayScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 0, ARGV[1])
if removed == 0 or redis.call('EXISTS', KEYS[2]) == 0 then
  return 0
end
redis.call('HSET', KEYS[2], 'attempt', 0)
redis.call('HDEL', KEYS[2], 'last_error', 'failed_at')
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)
