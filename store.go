package coursejobs

import (
	"context"
	"time"
)

// StatusStore is the durable, queryable record of job lifecycle,
// independent of any queue backend's internal state. Implementations must
// make every transition a conditional update against the current status so
// concurrent claim/cancel races cannot produce lost updates, and must keep
// CancellationRequested cheap enough to call every few seconds from many
// workers.
type StatusStore interface {
	// Migrate creates the job status table.
	Migrate(ctx context.Context) error

	// CreateRecord inserts a pending row. ErrDuplicateJob if the id exists.
	CreateRecord(ctx context.Context, rec *StatusRecord) error

	// MarkActive transitions pending -> active, stamps the claim lease,
	// increments the attempt counter and returns the fresh record.
	// ErrInvalidTransition if the job is not currently pending;
	// ErrNotFound if it does not exist.
	MarkActive(ctx context.Context, jobID, workerID string, lease time.Duration) (*StatusRecord, error)

	// MarkCompleted transitions active -> completed.
	// ErrInvalidTransition if the job is not active.
	MarkCompleted(ctx context.Context, jobID string, result []byte) error

	// MarkFailed transitions active -> failed (or pending -> failed for a
	// job cancelled before it ever ran). ErrInvalidTransition if the job
	// is already terminal.
	MarkFailed(ctx context.Context, jobID, errMsg string, cancelled bool, cancelledBy string) error

	// ScheduleRetry transitions active -> pending for another attempt,
	// recording the error and the time the job becomes due again.
	ScheduleRetry(ctx context.Context, jobID, errMsg string, runAt time.Time) error

	// RequestCancellation flips the cancellation flag. Error taxonomy:
	// ErrNotFound, ErrAlreadyTerminal, ErrForbidden. Idempotent on a
	// pending/active job that is already flagged. Returns the record as it
	// stands after the call.
	RequestCancellation(ctx context.Context, jobID, requestedBy string, requesterIsAdmin bool) (*StatusRecord, error)

	// CancellationRequested is the cheap read workers poll mid-execution.
	CancellationRequested(ctx context.Context, jobID string) (bool, error)

	// GetRecord returns the record for jobID, or ErrNotFound.
	GetRecord(ctx context.Context, jobID string) (*StatusRecord, error)

	// ListByStatus returns up to limit records in the given status.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*StatusRecord, error)

	// NextDue leases the next due pending job and returns its id, or ""
	// when nothing is due. Used by the DB-polling queue backend.
	NextDue(ctx context.Context, workerID string, lease time.Duration) (string, error)

	// ReleaseStaleClaims returns leaked active jobs (worker died without
	// reporting) to pending so another worker can claim them.
	ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error)

	// OverduePending returns pending jobs, oldest first, that became due
	// more than olderThan ago and are not leased by any poller. On a
	// broker-backed queue such a row has lost its delivery (worker crash,
	// failed push); the sweeper re-pushes it.
	OverduePending(ctx context.Context, olderThan time.Duration, limit int) ([]*StatusRecord, error)

	// ClearPending discards all pending records. Test isolation only.
	ClearPending(ctx context.Context) (int64, error)

	// PurgeTerminal deletes terminal records of type t finished before
	// cutoff, returning the number removed.
	PurgeTerminal(ctx context.Context, t JobType, cutoff time.Time) (int64, error)
}

// Queue is the at-least-once delivery mechanism handing pending job ids to
// workers. It has no durable knowledge of job state; duplicate deliveries
// are deduplicated by the store's MarkActive conditional update. It cannot
// stop an in-flight handler.
type Queue interface {
	// Push makes jobID deliverable, after delay if delay > 0.
	Push(ctx context.Context, jobID string, priority int, delay time.Duration) error

	// Claim blocks up to timeout for the next deliverable job id.
	// Returns "" when the wait times out empty.
	Claim(ctx context.Context, timeout time.Duration) (string, error)

	// Ack signals that the delivered id has been fully handled.
	Ack(ctx context.Context, jobID string) error

	// Obliterate discards everything queued or delayed. Test isolation
	// only; never expose to ordinary callers.
	Obliterate(ctx context.Context) error
}

// CancellationResult is returned to API callers from RequestCancellation.
type CancellationResult struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	CancelledBy string `json:"cancelledBy,omitempty"`
}
