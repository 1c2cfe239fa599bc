// Package pipeline defines the error taxonomy shared by the validator,
// adapters, engine and orchestrator. Every error a worker can surface maps to
// exactly one of these types so results and exit codes stay unambiguous.
package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError reports a corrupt or unsupported input. It originates in
// the integrity validator and is never retried.
type ValidationError struct {
	FileID string
	Status string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s (%s)", e.Reason, e.Status)
}

// AdapterError reports a failure of an external extraction or conversion
// service. Transient failures are retried once with backoff before being
// demoted to a recorded per-file failure.
type AdapterError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s: %v", e.Op, e.Err)
}

func (e *AdapterError) Unwrap() error { return e.Err }

// TimeoutError reports a per-file or per-job deadline hit. It aborts the
// affected unit only.
type TimeoutError struct {
	Scope string // "file" or "job"
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Scope, e.Limit)
}

// StateConflictError reports an invalid review workflow transition. The
// workflow state is left unchanged; the caller surfaces the error.
type StateConflictError struct {
	Entity string
	From   string
	Action string
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("invalid transition: cannot %s %s in state %q", e.Action, e.Entity, e.From)
}

// PersistenceError reports an unavailable job store or sequencer store. It is
// fatal for the whole job; numbers are never allocated speculatively on top
// of a failed store.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrNotFound is the shared sentinel for missing batches, files and jobs.
var ErrNotFound = errors.New("not found")

// IsTransient reports whether err is an adapter failure worth retrying.
func IsTransient(err error) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Transient
}

// IsFatal reports whether err must abort the whole job.
func IsFatal(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
