// Package storage provides StatusStore implementations: a gorm-backed
// store usable with sqlite or any other gorm dialect, and a raw pgx store
// for PostgreSQL deployments.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/courseforge/coursejobs"
)

// GormStore implements coursejobs.StatusStore on a gorm DB. Every status
// transition is a conditional UPDATE against the expected current status,
// so concurrent claim/cancel/complete races resolve to exactly one winner.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a gorm-backed status store.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// Migrate creates the job status table.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&coursejobs.StatusRecord{})
}

// CreateRecord inserts a pending row.
func (s *GormStore) CreateRecord(ctx context.Context, rec *coursejobs.StatusRecord) error {
	if rec.Status == "" {
		rec.Status = coursejobs.StatusPending
	}
	err := s.db.WithContext(ctx).Create(rec).Error
	if err != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
		return coursejobs.ErrDuplicateJob
	}
	if err != nil && isUniqueViolation(err) {
		return coursejobs.ErrDuplicateJob
	}
	return err
}

// isUniqueViolation covers drivers that don't map to gorm.ErrDuplicatedKey
// (the sqlite driver reports its own constraint error).
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}

// MarkActive transitions pending -> active and returns the fresh record.
func (s *GormStore) MarkActive(ctx context.Context, jobID, workerID string, lease time.Duration) (*coursejobs.StatusRecord, error) {
	var rec coursejobs.StatusRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		until := now.Add(lease)

		res := tx.Model(&coursejobs.StatusRecord{}).
			Where("id = ? AND status = ?", jobID, coursejobs.StatusPending).
			Updates(map[string]any{
				"status":        coursejobs.StatusActive,
				"claimed_by":    workerID,
				"claimed_until": until,
				"started_at":    now,
				"attempt":       gorm.Expr("attempt + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.classifyMiss(tx, jobID)
		}
		return tx.First(&rec, "id = ?", jobID).Error
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// classifyMiss turns a zero-row conditional update into the right error.
func (s *GormStore) classifyMiss(tx *gorm.DB, jobID string) error {
	var count int64
	if err := tx.Model(&coursejobs.StatusRecord{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return coursejobs.ErrNotFound
	}
	return coursejobs.ErrInvalidTransition
}

// MarkCompleted transitions active -> completed.
func (s *GormStore) MarkCompleted(ctx context.Context, jobID string, result []byte) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&coursejobs.StatusRecord{}).
			Where("id = ? AND status = ?", jobID, coursejobs.StatusActive).
			Updates(map[string]any{
				"status":        coursejobs.StatusCompleted,
				"result":        result,
				"completed_at":  time.Now(),
				"claimed_by":    "",
				"claimed_until": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.classifyMiss(tx, jobID)
		}
		return nil
	})
}

// MarkFailed transitions a non-terminal job to failed. For a cancelled
// outcome the canceller identity already on the record wins over the
// argument, and the original cancellation timestamp is preserved.
func (s *GormStore) MarkFailed(ctx context.Context, jobID, errMsg string, cancelled bool, cancelledBy string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"status":        coursejobs.StatusFailed,
			"error_message": errMsg,
			"completed_at":  time.Now(),
			"claimed_by":    "",
			"claimed_until": nil,
		}
		if cancelled {
			updates["cancelled"] = true
			updates["cancelled_at"] = gorm.Expr("COALESCE(cancelled_at, ?)", time.Now())
			if cancelledBy != "" {
				updates["cancelled_by"] = gorm.Expr("CASE WHEN cancelled_by = '' THEN ? ELSE cancelled_by END", cancelledBy)
			}
		}

		res := tx.Model(&coursejobs.StatusRecord{}).
			Where("id = ? AND status IN ?", jobID, []coursejobs.Status{coursejobs.StatusPending, coursejobs.StatusActive}).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.classifyMiss(tx, jobID)
		}
		return nil
	})
}

// ScheduleRetry transitions active -> pending for another attempt.
func (s *GormStore) ScheduleRetry(ctx context.Context, jobID, errMsg string, runAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&coursejobs.StatusRecord{}).
			Where("id = ? AND status = ?", jobID, coursejobs.StatusActive).
			Updates(map[string]any{
				"status":        coursejobs.StatusPending,
				"error_message": errMsg,
				"run_at":        runAt,
				"claimed_by":    "",
				"claimed_until": nil,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return s.classifyMiss(tx, jobID)
		}
		return nil
	})
}

// RequestCancellation flips the cancellation flag after ownership and
// state checks. The conditional update runs against the current status so
// a completion racing the request loses cleanly: the caller gets
// ErrAlreadyTerminal and the completed record is never mutated.
func (s *GormStore) RequestCancellation(ctx context.Context, jobID, requestedBy string, requesterIsAdmin bool) (*coursejobs.StatusRecord, error) {
	var rec coursejobs.StatusRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&rec, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return coursejobs.ErrNotFound
			}
			return err
		}
		if rec.Status.Terminal() {
			return coursejobs.ErrAlreadyTerminal
		}
		if !requesterIsAdmin && !rec.OwnedBy(requestedBy) {
			return coursejobs.ErrForbidden
		}
		if rec.Cancelled {
			// Idempotent: a second request on a flagged job is a no-op
			// success.
			return nil
		}

		now := time.Now()
		res := tx.Model(&coursejobs.StatusRecord{}).
			Where("id = ? AND status IN ?", jobID, []coursejobs.Status{coursejobs.StatusPending, coursejobs.StatusActive}).
			Updates(map[string]any{
				"cancelled":    true,
				"cancelled_at": now,
				"cancelled_by": requestedBy,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// The job reached a terminal state between our read and the
			// update.
			return coursejobs.ErrAlreadyTerminal
		}
		rec.Cancelled = true
		rec.CancelledAt = &now
		rec.CancelledBy = requestedBy
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// CancellationRequested reads only the cancellation flag.
func (s *GormStore) CancellationRequested(ctx context.Context, jobID string) (bool, error) {
	var rec coursejobs.StatusRecord
	err := s.db.WithContext(ctx).
		Select("cancelled").
		First(&rec, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, coursejobs.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return rec.Cancelled, nil
}

// GetRecord returns the record for jobID.
func (s *GormStore) GetRecord(ctx context.Context, jobID string) (*coursejobs.StatusRecord, error) {
	var rec coursejobs.StatusRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, coursejobs.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListByStatus returns up to limit records in the given status, newest
// first.
func (s *GormStore) ListByStatus(ctx context.Context, status coursejobs.Status, limit int) ([]*coursejobs.StatusRecord, error) {
	var recs []*coursejobs.StatusRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at DESC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// NextDue leases the next due pending job inside a transaction and
// returns its id. The lease only blocks other pollers; the job stays
// pending until the worker's MarkActive.
func (s *GormStore) NextDue(ctx context.Context, workerID string, lease time.Duration) (string, error) {
	var rec coursejobs.StatusRecord
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.
			Where("status = ?", coursejobs.StatusPending).
			Where("(run_at IS NULL OR run_at <= ?)", now).
			Where("(claimed_until IS NULL OR claimed_until < ?)", now).
			Order("priority DESC, created_at ASC").
			First(&rec)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		until := now.Add(lease)
		return tx.Model(&coursejobs.StatusRecord{}).
			Where("id = ?", rec.ID).
			Updates(map[string]any{"claimed_by": workerID, "claimed_until": until}).Error
	})
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// ReleaseStaleClaims returns leaked active jobs to pending.
func (s *GormStore) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res := s.db.WithContext(ctx).
		Model(&coursejobs.StatusRecord{}).
		Where("status = ?", coursejobs.StatusActive).
		Where("claimed_until < ?", cutoff).
		Updates(map[string]any{
			"status":        coursejobs.StatusPending,
			"claimed_by":    "",
			"claimed_until": nil,
		})
	return res.RowsAffected, res.Error
}

// OverduePending lists pending jobs whose due time passed more than
// olderThan ago and that no poller currently leases.
func (s *GormStore) OverduePending(ctx context.Context, olderThan time.Duration, limit int) ([]*coursejobs.StatusRecord, error) {
	now := time.Now()
	var recs []*coursejobs.StatusRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", coursejobs.StatusPending).
		Where("COALESCE(run_at, created_at) < ?", now.Add(-olderThan)).
		Where("(claimed_until IS NULL OR claimed_until < ?)", now).
		Order("created_at ASC").
		Limit(limit).
		Find(&recs).Error
	return recs, err
}

// ClearPending discards all pending records.
func (s *GormStore) ClearPending(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("status = ?", coursejobs.StatusPending).
		Delete(&coursejobs.StatusRecord{})
	return res.RowsAffected, res.Error
}

// PurgeTerminal deletes terminal records of type t finished before cutoff.
func (s *GormStore) PurgeTerminal(ctx context.Context, t coursejobs.JobType, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("type = ?", t).
		Where("status IN ?", []coursejobs.Status{coursejobs.StatusCompleted, coursejobs.StatusFailed}).
		Where("completed_at < ?", cutoff).
		Delete(&coursejobs.StatusRecord{})
	return res.RowsAffected, res.Error
}
