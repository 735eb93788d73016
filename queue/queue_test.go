package queue_test

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
	"github.com/courseforge/coursejobs/queue"
	"github.com/courseforge/coursejobs/storage"
)

func newStore(t *testing.T) *storage.GormStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "jobs.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	store := storage.NewGormStore(db)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func pending(t *testing.T, store *storage.GormStore, id string, priority int, runAt *time.Time) {
	t.Helper()
	require.NoError(t, store.CreateRecord(context.Background(), &coursejobs.StatusRecord{
		ID:          id,
		Type:        coursejobs.TypeTest,
		OrgID:       "org-1",
		UserID:      "user-1",
		Status:      coursejobs.StatusPending,
		Payload:     []byte(`{}`),
		Priority:    priority,
		MaxAttempts: 3,
		RunAt:       runAt,
	}))
}

func TestDBQueue_ClaimDelivers(t *testing.T) {
	store := newStore(t)
	q := queue.NewDBQueue(store, queue.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	pending(t, store, "job-1", coursejobs.PriorityNormal, nil)

	id, err := q.Claim(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)
}

func TestDBQueue_ClaimEmptyTimeout(t *testing.T) {
	store := newStore(t)
	q := queue.NewDBQueue(store, queue.WithPollInterval(10*time.Millisecond))

	id, err := q.Claim(context.Background(), 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestDBQueue_PriorityOrder(t *testing.T) {
	store := newStore(t)
	q := queue.NewDBQueue(store, queue.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	pending(t, store, "job-low", coursejobs.PriorityLow, nil)
	pending(t, store, "job-high", coursejobs.PriorityHigh, nil)

	id, err := q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-high", id)

	id, err = q.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-low", id)
}

func TestDBQueue_DelayedNotDue(t *testing.T) {
	store := newStore(t)
	q := queue.NewDBQueue(store, queue.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	soon := time.Now().Add(150 * time.Millisecond)
	pending(t, store, "job-later", coursejobs.PriorityNormal, &soon)

	id, err := q.Claim(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)

	id, err = q.Claim(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-later", id)
}

func TestDBQueue_LeaseHidesFromOtherPollers(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := queue.NewDBQueue(store, queue.WithPollInterval(10*time.Millisecond), queue.WithDeliveryLease(time.Minute))
	second := queue.NewDBQueue(store, queue.WithPollInterval(10*time.Millisecond))

	pending(t, store, "job-1", coursejobs.PriorityNormal, nil)

	id, err := first.Claim(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	id, err = second.Claim(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestDBQueue_PushAndAckAreNoOps(t *testing.T) {
	store := newStore(t)
	q := queue.NewDBQueue(store)
	ctx := context.Background()

	assert.NoError(t, q.Push(ctx, "job-1", coursejobs.PriorityNormal, 0))
	assert.NoError(t, q.Ack(ctx, "job-1"))
	assert.NoError(t, q.Obliterate(ctx))
}
