package coursejobs

import (
	"errors"
	"fmt"
)

// User-facing errors returned by RequestCancellation. API layers branch on
// these with errors.Is, so the values and messages are stable.
var (
	ErrNotFound        = errors.New("coursejobs: job not found")
	ErrAlreadyTerminal = errors.New("coursejobs: job already completed")
	ErrForbidden       = errors.New("coursejobs: no permission to cancel this job")
)

// Enqueue-time errors, surfaced synchronously.
var (
	ErrDuplicateJob   = errors.New("coursejobs: job with this id already exists")
	ErrUnknownJobType = errors.New("coursejobs: unknown job type")
	ErrNoHandler      = errors.New("coursejobs: no handler registered for job type")
	ErrHandlerExists  = errors.New("coursejobs: handler already registered for job type")
)

// ErrInvalidTransition indicates a status-machine violation (double
// completion, activating a non-pending job). It points at a bug in the
// worker engine and is logged as a severe internal error, never shown to
// end users.
var ErrInvalidTransition = errors.New("coursejobs: invalid status transition")

// ValidationError reports a payload that does not match its JobType's
// schema. The job is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("coursejobs: invalid payload: %s: %s", e.Field, e.Reason)
}

// CancelledError is the distinguished signal a handler returns after
// observing a cancellation request. The worker converts it into a terminal
// failed/cancelled record; it never leaks past the worker boundary.
type CancelledError struct {
	JobID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("coursejobs: job %s cancelled by user request", e.JobID)
}

// IsCancelled reports whether err is (or wraps) a *CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
