package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestWebhookPostsVideoID(t *testing.T) {
	var gotPath, gotType string
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL+"/", time.Second)
	if err := n.Notify(context.Background(), "post-9"); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if gotPath != "/api/webhook/video-processed" || gotType != "application/json" || got.VideoID != "post-9" {
		t.Fatalf("unexpected request path=%s type=%s body=%+v", gotPath, gotType, got)
	}
}

func TestWebhookNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := NewWebhook(srv.URL, time.Second).Notify(context.Background(), "p"); err == nil {
		t.Fatalf("expected error for 500")
	}
}

func TestWebhookUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	if err := NewWebhook(url, 200*time.Millisecond).Notify(context.Background(), "p"); err == nil {
		t.Fatalf("expected network error")
	}
}

func TestEmptyBaseURLIsNoop(t *testing.T) {
	n := NewWebhook("  ", time.Second)
	if _, ok := n.(Noop); !ok {
		t.Fatalf("expected Noop, got %T", n)
	}
	if err := n.Notify(context.Background(), "p"); err != nil {
		t.Fatalf("noop returned %v", err)
	}
}
