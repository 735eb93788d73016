package coursejobs

import "context"

// Lifecycle hooks, fired synchronously from the worker (and, for OnCancel,
// from the cancellation coordinator). Hook panics are not recovered;
// observers must be cheap and non-blocking. Register before Start.

// OnStart registers fn to run when a worker claims a job.
func (s *Service) OnStart(fn func(context.Context, *StatusRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStart = append(s.onStart, fn)
}

// OnComplete registers fn to run when a job completes successfully.
func (s *Service) OnComplete(fn func(context.Context, *StatusRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = append(s.onComplete, fn)
}

// OnFail registers fn to run when a job fails terminally (including
// cancellation; check the record's Cancelled flag to tell them apart).
func (s *Service) OnFail(fn func(context.Context, *StatusRecord, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFail = append(s.onFail, fn)
}

// OnRetry registers fn to run when a failed attempt is scheduled for retry.
func (s *Service) OnRetry(fn func(ctx context.Context, rec *StatusRecord, attempt int, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRetry = append(s.onRetry, fn)
}

// OnCancel registers fn to run when a cancellation request is accepted.
func (s *Service) OnCancel(fn func(context.Context, *StatusRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCancel = append(s.onCancel, fn)
}

func (s *Service) fireStart(ctx context.Context, rec *StatusRecord) {
	s.mu.RLock()
	hooks := s.onStart
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, rec)
	}
}

func (s *Service) fireComplete(ctx context.Context, rec *StatusRecord) {
	s.mu.RLock()
	hooks := s.onComplete
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, rec)
	}
}

func (s *Service) fireFail(ctx context.Context, rec *StatusRecord, err error) {
	s.mu.RLock()
	hooks := s.onFail
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, rec, err)
	}
}

func (s *Service) fireRetry(ctx context.Context, rec *StatusRecord, attempt int, err error) {
	s.mu.RLock()
	hooks := s.onRetry
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, rec, attempt, err)
	}
}

func (s *Service) fireCancel(ctx context.Context, rec *StatusRecord) {
	s.mu.RLock()
	hooks := s.onCancel
	s.mu.RUnlock()
	for _, fn := range hooks {
		fn(ctx, rec)
	}
}
