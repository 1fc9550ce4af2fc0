package models

import (
	"errors"
	"fmt"
)

// ErrorKind tags a job failure with where it came from.
type ErrorKind string

const (
	KindEngine         ErrorKind = "engine"
	KindUpload         ErrorKind = "upload"
	KindInfrastructure ErrorKind = "infrastructure"
	KindContent        ErrorKind = "content"
	KindNotFound       ErrorKind = "not_found"
)

// JobError wraps a failure raised while running a job.
type JobError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *JobError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Kind, e.Op, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// NewJobError tags err with kind. Errors that already carry a kind keep it.
func NewJobError(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	var je *JobError
	if errors.As(err, &je) {
		return err
	}
	return &JobError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err, defaulting to infrastructure for untagged errors.
func KindOf(err error) ErrorKind {
	var je *JobError
	if errors.As(err, &je) {
		return je.Kind
	}
	return KindInfrastructure
}

// Retryable decides whether the queue should redeliver after err.
// Missing posts never retry; content failures retry only when retryContent is set.
func Retryable(err error, retryContent bool) bool {
	switch KindOf(err) {
	case KindNotFound:
		return false
	case KindContent:
		return retryContent
	default:
		return true
	}
}
