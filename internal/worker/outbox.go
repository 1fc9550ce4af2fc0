package worker

import (
	"context"
	"log/slog"
	"time"

	"media-pipeline/internal/notify"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

const sweepBatch = 50

// deliver sends the cache notification for a completed post and records the
// outcome in the outbox. Errors are logged and swallowed.
func deliver(ctx context.Context, log *slog.Logger, st store.Store, n notify.Notifier, postID string) bool {
	if err := n.Notify(ctx, postID); err != nil {
		telemetry.NotifyFailures.Inc()
		log.Warn("cache invalidation failed", "post_id", postID, "err", err)
		if rerr := st.RecordNotifyFailure(ctx, postID, err.Error()); rerr != nil {
			log.Warn("record notify failure", "post_id", postID, "err", rerr)
		}
		return false
	}
	if err := st.MarkNotified(ctx, postID); err != nil {
		log.Warn("mark notified", "post_id", postID, "err", err)
	}
	return true
}

// SweepNotifications redelivers notifications still pending after age.
// It returns how many were delivered.
func SweepNotifications(ctx context.Context, log *slog.Logger, st store.Store, n notify.Notifier, age time.Duration) (int, error) {
	pending, err := st.PendingNotifications(ctx, time.Now().Add(-age), sweepBatch)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if deliver(ctx, log, st, n, p.PostID) {
			delivered++
		}
	}
	return delivered, nil
}
