package models

import (
	"errors"
	"fmt"
	"testing"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to ProcessingStatus
		want     bool
	}{
		{StatusPending, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusProcessing, StatusFailed, true},
		{StatusFailed, StatusProcessing, true},
		{StatusProcessing, StatusProcessing, true},
		{StatusCompleted, StatusCompleted, true},
		{StatusCompleted, StatusProcessing, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusPending, false},
		{StatusProcessing, StatusPending, false},
		{StatusPending, StatusCompleted, false},
		{StatusFailed, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s->%s", tt.from, tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestVideoJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     VideoJob
		wantErr bool
	}{
		{"ok", VideoJob{PostID: "p1", SourceURL: "https://example/src.mp4"}, false},
		{"missing post", VideoJob{SourceURL: "https://example/src.mp4"}, true},
		{"missing url", VideoJob{PostID: "p1"}, true},
		{"relative url", VideoJob{PostID: "p1", SourceURL: "/uploads/src.mp4"}, true},
		{"ftp url", VideoJob{PostID: "p1", SourceURL: "ftp://example/src.mp4"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	base := errors.New("boom")
	if !Retryable(base, false) {
		t.Fatalf("untagged errors are infrastructure and must retry")
	}
	if !Retryable(NewJobError(KindEngine, "transcode", base), false) {
		t.Fatalf("engine errors must retry")
	}
	if Retryable(NewJobError(KindNotFound, "set status", base), true) {
		t.Fatalf("missing posts must not retry")
	}
	content := NewJobError(KindContent, "probe", base)
	if !Retryable(content, true) || Retryable(content, false) {
		t.Fatalf("content retry must follow the flag")
	}
}

func TestNewJobErrorKeepsOriginalKind(t *testing.T) {
	inner := NewJobError(KindContent, "probe", errors.New("bad stream"))
	outer := NewJobError(KindEngine, "transcode", fmt.Errorf("wrapped: %w", inner))
	if KindOf(outer) != KindContent {
		t.Fatalf("expected content kind to survive, got %s", KindOf(outer))
	}
	if NewJobError(KindEngine, "x", nil) != nil {
		t.Fatalf("nil error must stay nil")
	}
}
