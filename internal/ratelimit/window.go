package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window limits events to max per rolling window, shared across every
// process that points at the same Redis key. Each admitted event is a
// member of a sorted set scored by its start time.
type Window struct {
	client *redis.Client
	max    int
	window time.Duration
	now    func() time.Time
}

// NewWindow constructs a limiter admitting max events per window.
func NewWindow(client *redis.Client, max int, window time.Duration) *Window {
	return &Window{client: client, max: max, window: window, now: time.Now}
}

// Reserve admits one event for key if the window has room. When it does not,
// retryAfter is how long until the oldest event leaves the window.
func (w *Window) Reserve(ctx context.Context, key string) (token string, allowed bool, retryAfter time.Duration, err error) {
	if w.max <= 0 || w.window <= 0 {
		return "", true, 0, nil
	}
	token = uuid.NewString()
	res, err := windowScript.Run(ctx, w.client, []string{key},
		w.now().UnixMilli(), w.window.Milliseconds(), w.max, token,
	).Result()
	if err != nil {
		return "", false, 0, fmt.Errorf("rate limit %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return "", false, 0, fmt.Errorf("rate limit %s: unexpected reply %v", key, res)
	}
	if n, _ := arr[0].(int64); n == 1 {
		return token, true, 0, nil
	}
	wait, _ := arr[1].(int64)
	if wait < 1 {
		wait = 1
	}
	return "", false, time.Duration(wait) * time.Millisecond, nil
}

// Release gives back an admitted event that never started.
func (w *Window) Release(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}
	return w.client.ZRem(ctx, key, token).Err()
}

var windowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < max then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return {1, 0}
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
return {0, wait}
`)
