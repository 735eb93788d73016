package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/courseforge/coursejobs"
	"github.com/courseforge/coursejobs/storage"
)

func newGormStore(t *testing.T) *storage.GormStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newRecord(id string) *coursejobs.StatusRecord {
	return &coursejobs.StatusRecord{
		ID:          id,
		Type:        coursejobs.TypeTest,
		OrgID:       "org-1",
		UserID:      "user-1",
		Status:      coursejobs.StatusPending,
		Payload:     []byte(`{}`),
		Priority:    coursejobs.PriorityNormal,
		MaxAttempts: 3,
	}
}

func createRecord(t *testing.T, store *storage.GormStore, id string) *coursejobs.StatusRecord {
	t.Helper()
	rec := newRecord(id)
	require.NoError(t, store.CreateRecord(context.Background(), rec))
	return rec
}

func TestGormStore_CreateDuplicate(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()

	createRecord(t, store, "job-1")
	err := store.CreateRecord(ctx, newRecord("job-1"))
	assert.ErrorIs(t, err, coursejobs.ErrDuplicateJob)
}

func TestGormStore_MarkActive(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	rec, err := store.MarkActive(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusActive, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, "worker-a", rec.ClaimedBy)
	assert.NotNil(t, rec.ClaimedUntil)
	assert.NotNil(t, rec.StartedAt)

	// A second claim of the same delivery loses.
	_, err = store.MarkActive(ctx, "job-1", "worker-b", time.Minute)
	assert.ErrorIs(t, err, coursejobs.ErrInvalidTransition)

	_, err = store.MarkActive(ctx, "missing", "worker-a", time.Minute)
	assert.ErrorIs(t, err, coursejobs.ErrNotFound)
}

func TestGormStore_CompleteLifecycle(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	_, err := store.MarkActive(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "job-1", []byte(`{"ok":true}`)))

	rec, err := store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusCompleted, rec.Status)
	assert.JSONEq(t, `{"ok":true}`, string(rec.Result))
	assert.NotNil(t, rec.CompletedAt)
	assert.Empty(t, rec.ClaimedBy)
}

func TestGormStore_TerminalNeverRegresses(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	_, err := store.MarkActive(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "job-1", nil))

	assert.ErrorIs(t, store.MarkCompleted(ctx, "job-1", nil), coursejobs.ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkFailed(ctx, "job-1", "late failure", false, ""), coursejobs.ErrInvalidTransition)
	assert.ErrorIs(t, store.ScheduleRetry(ctx, "job-1", "late retry", time.Now()), coursejobs.ErrInvalidTransition)
	_, err = store.MarkActive(ctx, "job-1", "worker-b", time.Minute)
	assert.ErrorIs(t, err, coursejobs.ErrInvalidTransition)

	rec, err := store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusCompleted, rec.Status)
}

func TestGormStore_MarkCompletedRequiresActive(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	// Still pending: completion is a status machine violation.
	assert.ErrorIs(t, store.MarkCompleted(ctx, "job-1", nil), coursejobs.ErrInvalidTransition)
	assert.ErrorIs(t, store.MarkCompleted(ctx, "missing", nil), coursejobs.ErrNotFound)
}

func TestGormStore_ScheduleRetry(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	_, err := store.MarkActive(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)

	runAt := time.Now().Add(5 * time.Second)
	require.NoError(t, store.ScheduleRetry(ctx, "job-1", "attempt failed", runAt))

	rec, err := store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusPending, rec.Status)
	assert.Equal(t, 1, rec.Attempt)
	assert.Equal(t, "attempt failed", rec.ErrorMessage)
	require.NotNil(t, rec.RunAt)
	assert.WithinDuration(t, runAt, *rec.RunAt, time.Second)
	assert.Empty(t, rec.ClaimedBy)

	// Retry claim bumps the attempt again.
	rec, err = store.MarkActive(ctx, "job-1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.Attempt)
}

func TestGormStore_MarkFailedCancelled(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	_, err := store.MarkActive(ctx, "job-1", "worker-a", time.Minute)
	require.NoError(t, err)
	_, err = store.RequestCancellation(ctx, "job-1", "user-1", false)
	require.NoError(t, err)

	// The worker's cancelled-failure write must keep the identity and
	// timestamp stamped by the cancellation request.
	require.NoError(t, store.MarkFailed(ctx, "job-1", "cancelled by user request", true, "worker-fallback"))

	rec, err := store.GetRecord(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusFailed, rec.Status)
	assert.True(t, rec.Cancelled)
	assert.Equal(t, "user-1", rec.CancelledBy)
	assert.NotNil(t, rec.CancelledAt)
	assert.Equal(t, "cancelled by user request", rec.ErrorMessage)
}

func TestGormStore_RequestCancellation(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()

	t.Run("owner", func(t *testing.T) {
		createRecord(t, store, "job-owner")
		rec, err := store.RequestCancellation(ctx, "job-owner", "user-1", false)
		require.NoError(t, err)
		assert.True(t, rec.Cancelled)
		assert.Equal(t, "user-1", rec.CancelledBy)
		assert.NotNil(t, rec.CancelledAt)

		// The status itself does not change; only the flag is raised.
		got, err := store.GetRecord(ctx, "job-owner")
		require.NoError(t, err)
		assert.Equal(t, coursejobs.StatusPending, got.Status)
		assert.True(t, got.Cancelled)
	})

	t.Run("non-owner", func(t *testing.T) {
		createRecord(t, store, "job-other")
		_, err := store.RequestCancellation(ctx, "job-other", "intruder", false)
		assert.ErrorIs(t, err, coursejobs.ErrForbidden)

		got, err := store.GetRecord(ctx, "job-other")
		require.NoError(t, err)
		assert.False(t, got.Cancelled)
	})

	t.Run("admin", func(t *testing.T) {
		createRecord(t, store, "job-admin")
		rec, err := store.RequestCancellation(ctx, "job-admin", "admin-9", true)
		require.NoError(t, err)
		assert.Equal(t, "admin-9", rec.CancelledBy)
	})

	t.Run("terminal", func(t *testing.T) {
		createRecord(t, store, "job-done")
		_, err := store.MarkActive(ctx, "job-done", "worker-a", time.Minute)
		require.NoError(t, err)
		require.NoError(t, store.MarkCompleted(ctx, "job-done", nil))

		_, err = store.RequestCancellation(ctx, "job-done", "user-1", false)
		assert.ErrorIs(t, err, coursejobs.ErrAlreadyTerminal)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := store.RequestCancellation(ctx, "missing", "user-1", false)
		assert.ErrorIs(t, err, coursejobs.ErrNotFound)
	})

	t.Run("idempotent", func(t *testing.T) {
		createRecord(t, store, "job-twice")
		_, err := store.RequestCancellation(ctx, "job-twice", "user-1", false)
		require.NoError(t, err)

		rec, err := store.RequestCancellation(ctx, "job-twice", "user-1", false)
		require.NoError(t, err)
		assert.True(t, rec.Cancelled)
		assert.Equal(t, "user-1", rec.CancelledBy)
	})
}

func TestGormStore_CancellationRequested(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-1")

	flagged, err := store.CancellationRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.False(t, flagged)

	_, err = store.RequestCancellation(ctx, "job-1", "user-1", false)
	require.NoError(t, err)

	flagged, err = store.CancellationRequested(ctx, "job-1")
	require.NoError(t, err)
	assert.True(t, flagged)

	_, err = store.CancellationRequested(ctx, "missing")
	assert.ErrorIs(t, err, coursejobs.ErrNotFound)
}

func TestGormStore_NextDueOrdering(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()

	low := newRecord("job-low")
	low.Priority = coursejobs.PriorityLow
	require.NoError(t, store.CreateRecord(ctx, low))
	time.Sleep(5 * time.Millisecond)

	high := newRecord("job-high")
	high.Priority = coursejobs.PriorityHigh
	require.NoError(t, store.CreateRecord(ctx, high))

	id, err := store.NextDue(ctx, "poller", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-high", id)

	id, err = store.NextDue(ctx, "poller", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "job-low", id)

	// Everything due is leased now.
	id, err = store.NextDue(ctx, "poller", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestGormStore_NextDueRespectsRunAt(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()

	rec := newRecord("job-later")
	runAt := time.Now().Add(time.Hour)
	rec.RunAt = &runAt
	require.NoError(t, store.CreateRecord(ctx, rec))

	id, err := store.NextDue(ctx, "poller", time.Minute)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestGormStore_ReleaseStaleClaims(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-stuck")
	createRecord(t, store, "job-live")

	// An expired lease far in the past marks a crashed worker.
	_, err := store.MarkActive(ctx, "job-stuck", "worker-dead", -2*time.Hour)
	require.NoError(t, err)
	_, err = store.MarkActive(ctx, "job-live", "worker-ok", time.Hour)
	require.NoError(t, err)

	released, err := store.ReleaseStaleClaims(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	stuck, err := store.GetRecord(ctx, "job-stuck")
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusPending, stuck.Status)
	assert.Empty(t, stuck.ClaimedBy)

	live, err := store.GetRecord(ctx, "job-live")
	require.NoError(t, err)
	assert.Equal(t, coursejobs.StatusActive, live.Status)

	// The released row shows up as overdue so the sweeper can restore its
	// queue delivery.
	time.Sleep(20 * time.Millisecond)
	overdue, err := store.OverduePending(ctx, 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, "job-stuck", overdue[0].ID)
}

func TestGormStore_OverduePending(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()

	createRecord(t, store, "job-old")
	createRecord(t, store, "job-active")
	_, err := store.MarkActive(ctx, "job-active", "worker-a", time.Minute)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	notDue := newRecord("job-later")
	notDue.RunAt = &future
	require.NoError(t, store.CreateRecord(ctx, notDue))

	time.Sleep(20 * time.Millisecond)

	recs, err := store.OverduePending(ctx, 10*time.Millisecond, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "job-old", recs[0].ID)

	// A fresh poller lease hides the row from redelivery.
	id, err := store.NextDue(ctx, "poller", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "job-old", id)

	recs, err = store.OverduePending(ctx, 10*time.Millisecond, 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestGormStore_ClearPending(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-pending")
	createRecord(t, store, "job-active")

	_, err := store.MarkActive(ctx, "job-active", "worker-a", time.Minute)
	require.NoError(t, err)

	n, err := store.ClearPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetRecord(ctx, "job-pending")
	assert.ErrorIs(t, err, coursejobs.ErrNotFound)

	_, err = store.GetRecord(ctx, "job-active")
	assert.NoError(t, err)
}

func TestGormStore_PurgeTerminal(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-old")
	createRecord(t, store, "job-pending")

	_, err := store.MarkActive(ctx, "job-old", "worker-a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, "job-old", nil))

	// Cutoff in the past keeps the fresh record.
	n, err := store.PurgeTerminal(ctx, coursejobs.TypeTest, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Cutoff in the future sweeps it; pending records are never touched.
	n, err = store.PurgeTerminal(ctx, coursejobs.TypeTest, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetRecord(ctx, "job-old")
	assert.ErrorIs(t, err, coursejobs.ErrNotFound)
	_, err = store.GetRecord(ctx, "job-pending")
	assert.NoError(t, err)
}

func TestGormStore_ListByStatus(t *testing.T) {
	store := newGormStore(t)
	ctx := context.Background()
	createRecord(t, store, "job-a")
	createRecord(t, store, "job-b")

	_, err := store.MarkActive(ctx, "job-b", "worker-a", time.Minute)
	require.NoError(t, err)

	pending, err := store.ListByStatus(ctx, coursejobs.StatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "job-a", pending[0].ID)

	active, err := store.ListByStatus(ctx, coursejobs.StatusActive, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "job-b", active[0].ID)
}
