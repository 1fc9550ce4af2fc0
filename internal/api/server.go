package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httplog/v2"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
	"media-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the producer API.
type Server struct {
	cfg   config.Config
	store store.Store
	queue queue.Queue
	log   *slog.Logger
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, q queue.Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:   cfg,
		store: st,
		queue: q,
		log:   log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(httplog.RequestLogger(httplog.NewLogger("media-api", httplog.Options{
		JSON:            s.cfg.LogFormat != "text",
		LogLevel:        slog.LevelInfo,
		Concise:         true,
		QuietDownRoutes: []string{"/healthz", "/metrics"},
		QuietDownPeriod: 10 * time.Second,
	})))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleEnqueue)
	r.Get("/posts/{id}", s.handleGetPost)
	r.Get("/queue", s.handleQueue)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{id}/retry", s.handleReplay)
	return r
}

type enqueueRequest struct {
	PostID    string `json:"post_id"`
	SourceURL string `json:"source_url"`
	OwnerID   string `json:"owner_id"`
}

type enqueueResponse struct {
	JobID    string `json:"job_id"`
	PostID   string `json:"post_id"`
	Disabled bool   `json:"disabled,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	job := models.VideoJob{PostID: req.PostID, SourceURL: req.SourceURL, OwnerID: req.OwnerID}
	if err := job.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.store != nil {
		post, err := s.store.GetPost(r.Context(), job.PostID)
		switch {
		case errors.Is(err, store.ErrPostNotFound):
			writeError(w, http.StatusNotFound, "post not found")
			return
		case err != nil:
			s.log.Error("load post", "post_id", job.PostID, "err", err)
			writeError(w, http.StatusInternalServerError, "store unavailable")
			return
		case post.ProcessingStatus == models.StatusCompleted:
			writeError(w, http.StatusConflict, "post media already processed")
			return
		}
	}

	h, err := s.queue.Enqueue(r.Context(), job)
	if err != nil {
		s.log.Error("enqueue", "post_id", job.PostID, "err", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	if !h.Disabled {
		telemetry.JobsEnqueued.Inc()
	}
	s.log.Info("video job enqueued", "job_id", h.ID, "post_id", job.PostID, "disabled", h.Disabled)
	writeJSON(w, http.StatusAccepted, enqueueResponse{JobID: h.ID, PostID: job.PostID, Disabled: h.Disabled})
}

type postResponse struct {
	Post  models.Post         `json:"post"`
	Audit []models.AuditEntry `json:"audit"`
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not configured")
		return
	}
	id := chi.URLParam(r, "id")
	post, err := s.store.GetPost(r.Context(), id)
	if errors.Is(err, store.ErrPostNotFound) {
		writeError(w, http.StatusNotFound, "post not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	trail, err := s.store.AuditTrail(r.Context(), id, 20)
	if err != nil {
		s.log.Warn("audit trail", "post_id", id, "err", err)
	}
	if trail == nil {
		trail = []models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, postResponse{Post: post, Audit: trail})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read queue depth")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"depth": depth, "enabled": s.cfg.QueueEnabled()})
}

// handleDLQ returns dead-lettered jobs with their last error.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	items, err := s.queue.DeadJobs(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	if items == nil {
		items = []models.VideoJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.queue.Replay(r.Context(), id)
	if errors.Is(err, queue.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not in dead set")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "replay failed")
		return
	}
	s.log.Info("dead job replayed", "job_id", id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requeued", "job_id": id})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
