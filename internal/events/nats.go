// Package events publishes job lifecycle events for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// Event types.
const (
	JobStarted      = "started"
	JobCompleted    = "completed"
	JobRetrying     = "retrying"
	JobDeadLettered = "dead_lettered"
	JobSkipped      = "skipped"
)

// Event is one lifecycle transition of a video job.
type Event struct {
	Type    string    `json:"type"`
	JobID   string    `json:"job_id"`
	PostID  string    `json:"post_id"`
	OwnerID string    `json:"owner_id,omitempty"`
	Attempt int       `json:"attempt"`
	Detail  string    `json:"detail,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher emits lifecycle events. Publishing is fire-and-forget.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close()
}

type conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher sends events to {subject}.{type}.
type NATSPublisher struct {
	nc      conn
	closeFn func()
	subject string
}

// Connect dials NATS with reconnects enabled.
func Connect(url, subject string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("media-pipeline"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &NATSPublisher{nc: nc, closeFn: func() { _ = nc.Drain() }, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.nc.Publish(p.subject+"."+ev.Type, b)
}

func (p *NATSPublisher) Close() {
	if p.closeFn != nil {
		p.closeFn()
	}
}

// Noop drops every event.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close()                               {}
