// Package notify tells the application that a post's media changed so it can drop cached copies.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const webhookPath = "/api/webhook/video-processed"

// Notifier signals that a post finished processing.
type Notifier interface {
	Notify(ctx context.Context, postID string) error
}

// Webhook posts {"videoId": postID} to the application.
type Webhook struct {
	endpoint string
	client   *http.Client
}

// NewWebhook returns a webhook notifier, or Noop when baseURL is empty.
func NewWebhook(baseURL string, timeout time.Duration) Notifier {
	if strings.TrimSpace(baseURL) == "" {
		return Noop{}
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Webhook{
		endpoint: strings.TrimRight(baseURL, "/") + webhookPath,
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	VideoID string `json:"videoId"`
}

func (w *Webhook) Notify(ctx context.Context, postID string) error {
	body, err := json.Marshal(payload{VideoID: postID})
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: status %d", resp.StatusCode)
	}
	return nil
}

// Noop is used when no webhook is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string) error { return nil }
