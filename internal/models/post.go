package models

import "time"

// ProcessingStatus is the media state of a post.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// allowedFrom lists, per target status, the states a post may move out of.
// Completed is terminal; failed re-enters at processing on retry.
var allowedFrom = map[ProcessingStatus][]ProcessingStatus{
	StatusProcessing: {StatusPending, StatusFailed},
	StatusCompleted:  {StatusProcessing},
	StatusFailed:     {StatusPending, StatusProcessing},
}

// AllowedFrom returns the statuses from which a post may transition to target.
func AllowedFrom(target ProcessingStatus) []ProcessingStatus {
	return append([]ProcessingStatus(nil), allowedFrom[target]...)
}

// CanTransition reports whether from -> to is a legal move. Re-applying the
// current status is allowed so updates stay idempotent.
func CanTransition(from, to ProcessingStatus) bool {
	if from == to {
		return to.Valid()
	}
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

// Post is the subset of the application's post row this pipeline reads and writes.
type Post struct {
	ID               string           `json:"id"`
	ProcessingStatus ProcessingStatus `json:"processing_status"`
	MediaURL         *string          `json:"media_url,omitempty"`
	ThumbnailURL     *string          `json:"thumbnail_url,omitempty"`
	HLSManifestURL   *string          `json:"hls_manifest_url,omitempty"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// MediaURLs are the public locations written when a post completes.
type MediaURLs struct {
	MediaURL       string `json:"media_url"`
	ThumbnailURL   string `json:"thumbnail_url"`
	HLSManifestURL string `json:"hls_manifest_url"`
}

// Complete reports whether the URLs a completed post requires are all set.
func (u MediaURLs) Complete() bool {
	return u.HLSManifestURL != "" && u.ThumbnailURL != "" && u.MediaURL != ""
}
