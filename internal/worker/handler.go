package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"media-pipeline/internal/models"
	"media-pipeline/internal/notify"
	"media-pipeline/internal/storage"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
	"media-pipeline/internal/transcode"
)

// statusWriteTimeout bounds the failed-status write, which runs on a fresh
// context so a cancelled job still leaves the post in a truthful state.
const statusWriteTimeout = 10 * time.Second

// Result says what a successful Handle call did.
type Result int

const (
	ResultCompleted Result = iota
	// ResultSkipped means the post was already completed and nothing ran.
	ResultSkipped
)

func (r Result) String() string {
	if r == ResultSkipped {
		return "skipped"
	}
	return "completed"
}

// JobHandler runs one delivery of a video job.
type JobHandler interface {
	Handle(ctx context.Context, job models.VideoJob) (Result, error)
}

// VideoHandler transcodes, publishes and records one post's media.
type VideoHandler struct {
	engine   transcode.Engine
	uploader storage.Uploader
	store    store.Store
	notifier notify.Notifier
	workRoot string
	log      *slog.Logger
}

// NewVideoHandler wires the collaborators of a job run.
func NewVideoHandler(engine transcode.Engine, uploader storage.Uploader, st store.Store, notifier notify.Notifier, workRoot string, log *slog.Logger) *VideoHandler {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &VideoHandler{
		engine:   engine,
		uploader: uploader,
		store:    st,
		notifier: notifier,
		workRoot: workRoot,
		log:      log,
	}
}

// Handle moves the post to processing, transcodes into a private working
// directory, publishes the result and completes the post. Any failure marks
// the post failed before the original error is returned. The working
// directory is always removed. The cache notification only follows success
// and never fails the job.
func (h *VideoHandler) Handle(ctx context.Context, job models.VideoJob) (Result, error) {
	log := h.log.With("job_id", job.ID, "post_id", job.PostID, "attempt", job.Attempt)

	post, err := h.store.GetPost(ctx, job.PostID)
	if err != nil {
		return 0, classifyStoreError("load post", err)
	}
	if post.ProcessingStatus == models.StatusCompleted {
		log.Info("post already completed, skipping")
		return ResultSkipped, nil
	}

	if err := h.store.SetStatus(ctx, job.PostID, models.StatusProcessing); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// lost a race with a completing attempt
			if p, gerr := h.store.GetPost(ctx, job.PostID); gerr == nil && p.ProcessingStatus == models.StatusCompleted {
				log.Info("post completed concurrently, skipping")
				return ResultSkipped, nil
			}
		}
		err = classifyStoreError("set processing", err)
		h.markFailed(log, job, err)
		return 0, err
	}

	workDir := filepath.Join(h.workRoot, fmt.Sprintf("%s-%d", job.ID, job.Attempt))
	cleaned := false
	cleanup := func() {
		if !cleaned {
			cleaned = true
			removeWorkingDirectory(log, workDir)
		}
	}
	defer cleanup()

	urls, err := h.run(ctx, job, workDir)
	if err != nil {
		h.markFailed(log, job, err)
		return 0, err
	}

	// clean up before notifying
	cleanup()
	deliver(ctx, log, h.store, h.notifier, job.PostID)
	log.Info("video published", "manifest_url", urls.HLSManifestURL)
	return ResultCompleted, nil
}

func (h *VideoHandler) run(ctx context.Context, job models.VideoJob, workDir string) (models.MediaURLs, error) {
	out, err := h.engine.Process(ctx, transcode.Request{JobID: job.ID, SourceURL: job.SourceURL, WorkingDir: workDir})
	if err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindEngine, "transcode", err)
	}

	urls, err := h.uploader.Upload(ctx, out, job.ID)
	if err != nil {
		return models.MediaURLs{}, models.NewJobError(models.KindUpload, "upload", err)
	}

	if err := h.store.MarkCompleted(ctx, job.PostID, urls); err != nil {
		return models.MediaURLs{}, classifyStoreError("mark completed", err)
	}
	return urls, nil
}

func (h *VideoHandler) markFailed(log *slog.Logger, job models.VideoJob, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), statusWriteTimeout)
	defer cancel()
	if err := h.store.SetStatus(ctx, job.PostID, models.StatusFailed); err != nil {
		telemetry.StatusWriteErrors.Inc()
		log.Error("could not mark post failed", "err", err, "cause", cause)
		return
	}
	log.Warn("post marked failed", "err", cause, "kind", models.KindOf(cause))
}

func classifyStoreError(op string, err error) error {
	if errors.Is(err, store.ErrPostNotFound) {
		return models.NewJobError(models.KindNotFound, op, err)
	}
	return models.NewJobError(models.KindInfrastructure, op, err)
}
