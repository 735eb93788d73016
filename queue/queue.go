// Package queue provides delivery backends for the job engine: a
// DB-polling queue that rides on the status store, and a Redis queue for
// deployments that want blocking claims and cross-process fan-out.
//
// Backends deliver job ids at least once; the status store's conditional
// MarkActive deduplicates. No backend can stop a handler that is already
// running.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/courseforge/coursejobs"
)

// DBQueue delivers jobs by polling the status store for due pending
// records. Push and Ack are no-ops: the pending record itself is the
// queue entry, and its run_at column carries enqueue delays and retry
// backoff.
type DBQueue struct {
	store        coursejobs.StatusStore
	workerID     string
	pollInterval time.Duration
	lease        time.Duration
}

// DBQueueOption configures a DBQueue.
type DBQueueOption func(*DBQueue)

// WithPollInterval sets how often the store is polled while a Claim waits.
func WithPollInterval(d time.Duration) DBQueueOption {
	return func(q *DBQueue) { q.pollInterval = d }
}

// WithDeliveryLease sets how long a polled id is hidden from other
// pollers before the worker's MarkActive takes over.
func WithDeliveryLease(d time.Duration) DBQueueOption {
	return func(q *DBQueue) { q.lease = d }
}

// NewDBQueue creates a store-polling queue.
func NewDBQueue(store coursejobs.StatusStore, opts ...DBQueueOption) *DBQueue {
	q := &DBQueue{
		store:        store,
		workerID:     uuid.New().String(),
		pollInterval: 100 * time.Millisecond,
		lease:        30 * time.Second,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Push is a no-op; the pending status record is already the queue entry.
func (q *DBQueue) Push(ctx context.Context, jobID string, priority int, delay time.Duration) error {
	return nil
}

// Claim polls for the next due pending job until one shows up or timeout
// elapses. Returns "" on an empty timeout.
func (q *DBQueue) Claim(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		id, err := q.store.NextDue(ctx, q.workerID, q.lease)
		if err != nil {
			return "", err
		}
		if id != "" {
			return id, nil
		}
		if time.Now().After(deadline) {
			return "", nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// Ack is a no-op; the worker's terminal status write removes the record
// from the due set.
func (q *DBQueue) Ack(ctx context.Context, jobID string) error {
	return nil
}

// Obliterate is a no-op here; the service discards pending records
// through the store.
func (q *DBQueue) Obliterate(ctx context.Context) error {
	return nil
}
