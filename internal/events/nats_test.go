package events

import (
	"context"
	"encoding/json"
	"testing"
)

type recordingConn struct {
	subjects []string
	bodies   [][]byte
}

func (r *recordingConn) Publish(subject string, data []byte) error {
	r.subjects = append(r.subjects, subject)
	r.bodies = append(r.bodies, data)
	return nil
}

func TestNATSPublisherSubjectAndBody(t *testing.T) {
	rc := &recordingConn{}
	p := &NATSPublisher{nc: rc, subject: "media.lifecycle"}

	if err := p.Publish(context.Background(), Event{Type: JobCompleted, JobID: "j1", PostID: "p1", OwnerID: "u1", Attempt: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(rc.subjects) != 1 || rc.subjects[0] != "media.lifecycle.completed" {
		t.Fatalf("subjects = %v", rc.subjects)
	}
	var ev Event
	if err := json.Unmarshal(rc.bodies[0], &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if ev.PostID != "p1" || ev.OwnerID != "u1" || ev.Attempt != 2 || ev.At.IsZero() {
		t.Fatalf("unexpected event %+v", ev)
	}
}
