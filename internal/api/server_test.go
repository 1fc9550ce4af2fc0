package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"media-pipeline/internal/config"
	"media-pipeline/internal/models"
	"media-pipeline/internal/queue"
	"media-pipeline/internal/store"
)

type fixture struct {
	srv   *httptest.Server
	store *store.SQLite
	queue *queue.RedisQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	cfg := config.Config{
		RedisHost:      "127.0.0.1",
		QueueName:      "api-test",
		MaxAttempts:    3,
		BackoffInitial: time.Second,
		JobTimeout:     time.Minute,
	}
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: mr.Addr()}), cfg)

	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(context.Background()); err != nil {
		t.Fatalf("migrations: %v", err)
	}

	srv := httptest.NewServer(New(cfg, st, q, nil).Router())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, store: st, queue: q}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestEnqueueJob(t *testing.T) {
	f := newFixture(t)
	if err := f.store.InsertPost(context.Background(), "p1", models.StatusPending); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp := postJSON(t, f.srv.URL+"/jobs", enqueueRequest{PostID: "p1", SourceURL: "https://uploads.example.com/p1.mp4", OwnerID: "u1"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var out enqueueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.JobID == "" || out.PostID != "p1" || out.Disabled {
		t.Fatalf("unexpected response %+v", out)
	}
	if d, _ := f.queue.Depth(context.Background()); d != 1 {
		t.Fatalf("depth = %d", d)
	}
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t)
	_ = f.store.InsertPost(context.Background(), "done", models.StatusProcessing)
	_ = f.store.MarkCompleted(context.Background(), "done", models.MediaURLs{MediaURL: "m", ThumbnailURL: "t", HLSManifestURL: "h"})

	tests := []struct {
		name string
		body enqueueRequest
		want int
	}{
		{"missing url", enqueueRequest{PostID: "p1"}, http.StatusBadRequest},
		{"unknown post", enqueueRequest{PostID: "ghost", SourceURL: "https://x.example/v.mp4"}, http.StatusNotFound},
		{"already completed", enqueueRequest{PostID: "done", SourceURL: "https://x.example/v.mp4"}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, f.srv.URL+"/jobs", tt.body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestDeadLetterListAndReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	h, _ := f.queue.Enqueue(ctx, models.VideoJob{PostID: "p1", SourceURL: "https://uploads.example.com/p1.mp4"})
	job, _ := f.queue.Dequeue(ctx)
	if _, err := f.queue.Fail(ctx, *job, models.NewJobError(models.KindNotFound, "status", errors.New("gone"))); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp, err := http.Get(f.srv.URL + "/dlq")
	if err != nil {
		t.Fatalf("get dlq: %v", err)
	}
	var listed struct {
		Items []models.VideoJob `json:"items"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()
	if len(listed.Items) != 1 || listed.Items[0].ID != h.ID {
		t.Fatalf("unexpected dlq %+v", listed)
	}

	resp = postJSON(t, f.srv.URL+"/dlq/"+h.ID+"/retry", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("replay status = %d", resp.StatusCode)
	}
	resp = postJSON(t, f.srv.URL+"/dlq/"+h.ID+"/retry", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second replay status = %d", resp.StatusCode)
	}
}

func TestGetPost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_ = f.store.InsertPost(ctx, "p1", models.StatusPending)
	_ = f.store.AppendAudit(ctx, models.AuditEntry{JobID: "j1", PostID: "p1", Event: models.AuditStarted})

	resp, err := http.Get(f.srv.URL + "/posts/p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var out postResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Post.ProcessingStatus != models.StatusPending || len(out.Audit) != 1 {
		t.Fatalf("unexpected response %+v", out)
	}

	missing, _ := http.Get(f.srv.URL + "/posts/ghost")
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", missing.StatusCode)
	}
}

func TestDisabledQueueEnqueue(t *testing.T) {
	srv := httptest.NewServer(New(config.Config{}, nil, queue.NewDisabled(nil), nil).Router())
	defer srv.Close()

	resp := postJSON(t, srv.URL+"/jobs", enqueueRequest{PostID: "p1", SourceURL: "https://uploads.example.com/p1.mp4"})
	defer resp.Body.Close()
	var out enqueueResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusAccepted || !out.Disabled {
		t.Fatalf("disabled enqueue: status=%d body=%+v", resp.StatusCode, out)
	}
}
