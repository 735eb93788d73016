package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/courseforge/coursejobs"
)

// PGXStore implements coursejobs.StatusStore on PostgreSQL with pgx,
// bypassing gorm for deployments that want raw SQL and
// FOR UPDATE SKIP LOCKED claiming.
type PGXStore struct {
	pool *pgxpool.Pool
}

// NewPGXPool connects a pgx pool.
func NewPGXPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewPGXStore creates a pgx-backed status store.
func NewPGXStore(pool *pgxpool.Pool) *PGXStore {
	return &PGXStore{pool: pool}
}

// Migrate creates the job status table.
func (s *PGXStore) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS job_status_records (
	id            TEXT PRIMARY KEY,
	type          TEXT NOT NULL,
	org_id        TEXT NOT NULL DEFAULT '',
	course_id     TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	locale        TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	cancelled     BOOLEAN NOT NULL DEFAULT FALSE,
	cancelled_at  TIMESTAMPTZ,
	cancelled_by  TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	payload       BYTEA,
	result        BYTEA,
	priority      INT NOT NULL DEFAULT 1,
	attempt       INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL DEFAULT 3,
	run_at        TIMESTAMPTZ,
	claimed_by    TEXT NOT NULL DEFAULT '',
	claimed_until TIMESTAMPTZ,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jsr_status ON job_status_records (status);
CREATE INDEX IF NOT EXISTS idx_jsr_due ON job_status_records (status, run_at, claimed_until);
CREATE INDEX IF NOT EXISTS idx_jsr_type ON job_status_records (type);
`
	_, err := s.pool.Exec(ctx, q)
	return err
}

const recordColumns = `
id, type, org_id, course_id, user_id, locale,
status, cancelled, cancelled_at, cancelled_by, error_message,
payload, result, priority, attempt, max_attempts,
run_at, claimed_by, claimed_until, started_at, completed_at,
created_at, updated_at`

func scanRecord(row pgx.Row) (*coursejobs.StatusRecord, error) {
	var rec coursejobs.StatusRecord
	err := row.Scan(
		&rec.ID, &rec.Type, &rec.OrgID, &rec.CourseID, &rec.UserID, &rec.Locale,
		&rec.Status, &rec.Cancelled, &rec.CancelledAt, &rec.CancelledBy, &rec.ErrorMessage,
		&rec.Payload, &rec.Result, &rec.Priority, &rec.Attempt, &rec.MaxAttempts,
		&rec.RunAt, &rec.ClaimedBy, &rec.ClaimedUntil, &rec.StartedAt, &rec.CompletedAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateRecord inserts a pending row.
func (s *PGXStore) CreateRecord(ctx context.Context, rec *coursejobs.StatusRecord) error {
	if rec.Status == "" {
		rec.Status = coursejobs.StatusPending
	}
	const q = `
INSERT INTO job_status_records
	(id, type, org_id, course_id, user_id, locale, status, payload, priority, max_attempts, run_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11);`

	_, err := s.pool.Exec(ctx, q,
		rec.ID, rec.Type, rec.OrgID, rec.CourseID, rec.UserID, rec.Locale,
		rec.Status, rec.Payload, rec.Priority, rec.MaxAttempts, rec.RunAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return coursejobs.ErrDuplicateJob
	}
	return err
}

func (s *PGXStore) classifyMiss(ctx context.Context, jobID string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM job_status_records WHERE id = $1)`, jobID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return coursejobs.ErrNotFound
	}
	return coursejobs.ErrInvalidTransition
}

// MarkActive transitions pending -> active and returns the fresh record.
func (s *PGXStore) MarkActive(ctx context.Context, jobID, workerID string, lease time.Duration) (*coursejobs.StatusRecord, error) {
	q := `
UPDATE job_status_records
SET status = 'active', claimed_by = $2, claimed_until = $3,
    started_at = now(), attempt = attempt + 1, updated_at = now()
WHERE id = $1 AND status = 'pending'
RETURNING ` + recordColumns + `;`

	rec, err := scanRecord(s.pool.QueryRow(ctx, q, jobID, workerID, time.Now().Add(lease)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.classifyMiss(ctx, jobID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// MarkCompleted transitions active -> completed.
func (s *PGXStore) MarkCompleted(ctx context.Context, jobID string, result []byte) error {
	const q = `
UPDATE job_status_records
SET status = 'completed', result = $2, completed_at = now(),
    claimed_by = '', claimed_until = NULL, updated_at = now()
WHERE id = $1 AND status = 'active';`

	tag, err := s.pool.Exec(ctx, q, jobID, result)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID)
	}
	return nil
}

// MarkFailed transitions a non-terminal job to failed, preserving any
// canceller identity already on the record.
func (s *PGXStore) MarkFailed(ctx context.Context, jobID, errMsg string, cancelled bool, cancelledBy string) error {
	const q = `
UPDATE job_status_records
SET status = 'failed', error_message = $2, completed_at = now(),
    cancelled = cancelled OR $3,
    cancelled_at = CASE WHEN $3 THEN COALESCE(cancelled_at, now()) ELSE cancelled_at END,
    cancelled_by = CASE WHEN $3 AND cancelled_by = '' THEN $4 ELSE cancelled_by END,
    claimed_by = '', claimed_until = NULL, updated_at = now()
WHERE id = $1 AND status IN ('pending', 'active');`

	tag, err := s.pool.Exec(ctx, q, jobID, errMsg, cancelled, cancelledBy)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID)
	}
	return nil
}

// ScheduleRetry transitions active -> pending for another attempt.
func (s *PGXStore) ScheduleRetry(ctx context.Context, jobID, errMsg string, runAt time.Time) error {
	const q = `
UPDATE job_status_records
SET status = 'pending', error_message = $2, run_at = $3,
    claimed_by = '', claimed_until = NULL, updated_at = now()
WHERE id = $1 AND status = 'active';`

	tag, err := s.pool.Exec(ctx, q, jobID, errMsg, runAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.classifyMiss(ctx, jobID)
	}
	return nil
}

// RequestCancellation flips the cancellation flag under a row lock so a
// racing completion resolves to ErrAlreadyTerminal, never to a mutated
// terminal record.
func (s *PGXStore) RequestCancellation(ctx context.Context, jobID, requestedBy string, requesterIsAdmin bool) (*coursejobs.StatusRecord, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM job_status_records WHERE id = $1 FOR UPDATE`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coursejobs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if rec.Status.Terminal() {
		return nil, coursejobs.ErrAlreadyTerminal
	}
	if !requesterIsAdmin && !rec.OwnedBy(requestedBy) {
		return nil, coursejobs.ErrForbidden
	}
	if rec.Cancelled {
		// Idempotent no-op success.
		return rec, tx.Commit(ctx)
	}

	now := time.Now()
	if _, err := tx.Exec(ctx, `
UPDATE job_status_records
SET cancelled = TRUE, cancelled_at = $2, cancelled_by = $3, updated_at = now()
WHERE id = $1;`, jobID, now, requestedBy); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	rec.Cancelled = true
	rec.CancelledAt = &now
	rec.CancelledBy = requestedBy
	return rec, nil
}

// CancellationRequested reads only the cancellation flag.
func (s *PGXStore) CancellationRequested(ctx context.Context, jobID string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx,
		`SELECT cancelled FROM job_status_records WHERE id = $1`, jobID).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, coursejobs.ErrNotFound
	}
	return cancelled, err
}

// GetRecord returns the record for jobID.
func (s *PGXStore) GetRecord(ctx context.Context, jobID string) (*coursejobs.StatusRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM job_status_records WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, coursejobs.ErrNotFound
	}
	return rec, err
}

// ListByStatus returns up to limit records in the given status, newest
// first.
func (s *PGXStore) ListByStatus(ctx context.Context, status coursejobs.Status, limit int) ([]*coursejobs.StatusRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM job_status_records
		 WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*coursejobs.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// NextDue leases the next due pending job using SKIP LOCKED so concurrent
// pollers never contend on the same row.
func (s *PGXStore) NextDue(ctx context.Context, workerID string, lease time.Duration) (string, error) {
	const q = `
UPDATE job_status_records
SET claimed_by = $1, claimed_until = $2, updated_at = now()
WHERE id = (
	SELECT id FROM job_status_records
	WHERE status = 'pending'
	  AND (run_at IS NULL OR run_at <= now())
	  AND (claimed_until IS NULL OR claimed_until < now())
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE SKIP LOCKED
)
RETURNING id;`

	var id string
	err := s.pool.QueryRow(ctx, q, workerID, time.Now().Add(lease)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

// ReleaseStaleClaims returns leaked active jobs to pending.
func (s *PGXStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	const q = `
UPDATE job_status_records
SET status = 'pending', claimed_by = '', claimed_until = NULL, updated_at = now()
WHERE status = 'active' AND claimed_until < $1;`

	tag, err := s.pool.Exec(ctx, q, time.Now().Add(-olderThan))
	return tag.RowsAffected(), err
}

// OverduePending lists pending jobs whose due time passed more than
// olderThan ago and that no poller currently leases.
func (s *PGXStore) OverduePending(ctx context.Context, olderThan time.Duration, limit int) ([]*coursejobs.StatusRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+` FROM job_status_records
		 WHERE status = 'pending'
		   AND COALESCE(run_at, created_at) < $1
		   AND (claimed_until IS NULL OR claimed_until < now())
		 ORDER BY created_at ASC LIMIT $2`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*coursejobs.StatusRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// ClearPending discards all pending records.
func (s *PGXStore) ClearPending(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM job_status_records WHERE status = 'pending'`)
	return tag.RowsAffected(), err
}

// PurgeTerminal deletes terminal records of type t finished before cutoff.
func (s *PGXStore) PurgeTerminal(ctx context.Context, t coursejobs.JobType, cutoff time.Time) (int64, error) {
	const q = `
DELETE FROM job_status_records
WHERE type = $1 AND status IN ('completed', 'failed') AND completed_at < $2;`

	tag, err := s.pool.Exec(ctx, q, t, cutoff)
	return tag.RowsAffected(), err
}
