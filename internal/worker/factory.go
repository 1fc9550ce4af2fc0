package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"media-pipeline/internal/config"
	"media-pipeline/internal/events"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/ratelimit"
	"media-pipeline/internal/storage"
	"media-pipeline/internal/store"
	"media-pipeline/internal/transcode"
)

// New builds the worker and its collaborators from configuration. Without a
// queue broker it returns a Disabled runner instead of failing. The returned
// func releases every connection it opened.
func New(ctx context.Context, cfg config.Config, log *slog.Logger) (Runner, func(), error) {
	if !cfg.QueueEnabled() {
		return NewDisabled(log), func() {}, nil
	}

	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (Runner, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	st, err := store.Open(ctx, cfg)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		return fail(fmt.Errorf("migrations: %w", err))
	}

	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		return fail(fmt.Errorf("storage: %w", err))
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		np, err := events.Connect(cfg.NATSURL, cfg.EventsSubject)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, np.Close)
		publisher = np
	}

	client := queue.NewClient(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fail(fmt.Errorf("connect redis %s: %w", cfg.RedisAddr(), err))
	}
	q := queue.NewRedisQueue(client, cfg)
	closers = append(closers, func() { _ = q.Close() })

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		return fail(fmt.Errorf("work dir: %w", err))
	}

	notifier := notify.NewWebhook(cfg.WebhookBaseURL, cfg.WebhookTimeout)
	handler := NewVideoHandler(transcode.NewFFmpeg(cfg, log), uploader, st, notifier, cfg.WorkDir, log)
	limiter := ratelimit.NewWindow(client, cfg.RateLimitMax, cfg.RateLimitWindow)

	return NewProcessorWithID(cfg, q, limiter, handler, st, notifier, publisher, log, workerID()), closeAll, nil
}

func workerID() string {
	if id := os.Getenv("WORKER_ID"); id != "" {
		return id
	}
	if host, _ := os.Hostname(); host != "" {
		return fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}
