package coursejobs

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// claimLoop pulls deliverable job ids from the queue and feeds the
// executor goroutines.
func (s *Service) claimLoop(ctx context.Context) {
	defer s.claimWG.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		jobID, err := s.queue.Claim(ctx, s.claimTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		if jobID == "" {
			continue
		}
		select {
		case s.jobCh <- jobID:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Service) executeLoop(ctx context.Context) {
	defer s.wg.Done()
	for jobID := range s.jobCh {
		s.processJob(ctx, jobID)
		if err := s.queue.Ack(context.WithoutCancel(ctx), jobID); err != nil {
			s.logger.Error("ack failed", "job_id", jobID, "error", err)
		}
	}
}

// processJob runs one delivery end to end: claim the record, execute the
// handler with a bound cancellation check, record the terminal state or
// schedule a retry. Status writes use a context detached from the handler
// timeout so an expired attempt can still be recorded.
func (s *Service) processJob(ctx context.Context, jobID string) {
	start := time.Now()

	rec, err := s.store.MarkActive(ctx, jobID, s.workerID, s.claimLease)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			// Duplicate delivery of a job someone else claimed or
			// finished. At-least-once queues do this; drop it.
			s.logger.Debug("skipping duplicate delivery", "job_id", jobID)
			return
		}
		s.logger.Error("activate failed", "job_id", jobID, "error", err)
		return
	}

	log := s.logger.With("job_id", rec.ID, "type", rec.Type, "attempt", rec.Attempt)
	log.Info("job started")
	s.fireStart(ctx, rec)

	// A cancellation requested while the job was still pending must stop
	// it before any productive work happens.
	if rec.Cancelled {
		s.finishCancelled(ctx, rec)
		return
	}

	handler, ok := s.handler(rec.Type)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrNoHandler, rec.Type)
		log.Error("job failed", "error", err)
		s.markFailedTerminal(ctx, rec, err)
		return
	}

	opts, _ := s.options(rec.Type)
	result, err := s.runHandler(ctx, rec, handler, opts.Timeout)

	switch {
	case err == nil:
		// Detached from the handler/shutdown context so a completion that
		// raced a hard Stop is still recorded.
		if serr := s.store.MarkCompleted(context.WithoutCancel(ctx), rec.ID, result); serr != nil {
			log.Error("completion write failed", "error", serr)
			return
		}
		log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
		s.fireComplete(ctx, rec)

	case IsCancelled(err):
		s.finishCancelled(ctx, rec)

	default:
		s.handleError(ctx, rec, opts, err)
	}
}

// runHandler executes the handler with the per-type timeout and a
// cancellation check bound to this job id, recovering panics into errors.
func (s *Service) runHandler(ctx context.Context, rec *StatusRecord, handler HandlerFunc, timeout time.Duration) (result []byte, err error) {
	hctx := withJobID(ctx, rec.ID)
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, timeout)
		defer cancel()
	}

	check := CancelCheck(func(ctx context.Context) (bool, error) {
		return s.store.CancellationRequested(ctx, rec.ID)
	})

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handler(hctx, rec.Payload, check)
}

// finishCancelled records the terminal failed/cancelled=true outcome. The
// canceller identity already stored on the record is preserved.
func (s *Service) finishCancelled(ctx context.Context, rec *StatusRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := s.store.MarkFailed(ctx, rec.ID, "cancelled by user request", true, rec.CancelledBy); err != nil {
		s.logger.Error("cancellation write failed", "job_id", rec.ID, "error", err)
		return
	}
	s.logger.Info("job cancelled", "job_id", rec.ID, "type", rec.Type, "cancelled_by", rec.CancelledBy)
	s.fireFail(ctx, rec, &CancelledError{JobID: rec.ID})
}

// handleError decides between retry and terminal failure. A job whose
// cancellation flag was raised is never retried, whatever its remaining
// attempts.
func (s *Service) handleError(ctx context.Context, rec *StatusRecord, opts Options, err error) {
	ctx = context.WithoutCancel(ctx)

	if flagged, cerr := s.store.CancellationRequested(ctx, rec.ID); cerr == nil && flagged {
		s.finishCancelled(ctx, rec)
		return
	}

	msg := SanitizeErrorMessage(err.Error())
	log := s.logger.With("job_id", rec.ID, "type", rec.Type, "attempt", rec.Attempt)

	if rec.Attempt < rec.MaxAttempts {
		delay := opts.Backoff.Next(rec.Attempt)
		runAt := time.Now().Add(delay)
		if serr := s.store.ScheduleRetry(ctx, rec.ID, msg, runAt); serr != nil {
			log.Error("retry scheduling failed", "error", serr)
			return
		}
		if qerr := s.queue.Push(ctx, rec.ID, rec.Priority, delay); qerr != nil {
			// The pending record keeps its run_at; a polling backend
			// recovers it directly, and the sweeper re-pushes it to a
			// broker-backed one once it turns up overdue.
			log.Error("retry push failed", "error", qerr)
		}
		log.Warn("job retrying", "error", msg, "retry_in", delay)
		s.fireRetry(ctx, rec, rec.Attempt, err)
		return
	}

	log.Error("job failed", "error", msg)
	s.markFailedTerminal(ctx, rec, err)
}

func (s *Service) markFailedTerminal(ctx context.Context, rec *StatusRecord, err error) {
	ctx = context.WithoutCancel(ctx)
	if serr := s.store.MarkFailed(ctx, rec.ID, SanitizeErrorMessage(err.Error()), false, ""); serr != nil {
		s.logger.Error("failure write failed", "job_id", rec.ID, "error", serr)
		return
	}
	s.fireFail(ctx, rec, err)
}
