package coursejobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// Service wires the status store, a queue backend and the registered
// handlers into the job lifecycle engine. Construct one explicitly with New
// and inject it where needed; there are no package-level singletons, so
// tests can run isolated instances side by side.
type Service struct {
	store  StatusStore
	queue  Queue
	logger *slog.Logger

	workerID      string
	claimTimeout  time.Duration
	claimLease    time.Duration
	sweepInterval time.Duration

	typeOptions map[JobType]Options

	mu       sync.RWMutex
	handlers map[JobType]HandlerFunc

	onStart    []func(context.Context, *StatusRecord)
	onComplete []func(context.Context, *StatusRecord)
	onFail     []func(context.Context, *StatusRecord, error)
	onRetry    []func(context.Context, *StatusRecord, int, error)
	onCancel   []func(context.Context, *StatusRecord)

	runMu       sync.Mutex
	running     bool
	claimCancel context.CancelFunc
	execCancel  context.CancelFunc
	jobCh       chan string
	wg          sync.WaitGroup
	claimWG     sync.WaitGroup
	sweeper     *cron.Cron
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the slog logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithWorkerID overrides the generated worker identity used for claim
// leases and log attribution.
func WithWorkerID(id string) ServiceOption {
	return func(s *Service) { s.workerID = id }
}

// WithClaimTimeout sets how long a single Claim call blocks on the queue.
func WithClaimTimeout(d time.Duration) ServiceOption {
	return func(s *Service) { s.claimTimeout = d }
}

// WithClaimLease sets the lease stamped on active jobs; leases older than
// this are considered leaked and returned to pending by the sweeper.
func WithClaimLease(d time.Duration) ServiceOption {
	return func(s *Service) { s.claimLease = d }
}

// WithSweepInterval sets the cadence of the retention/stale-claim sweeper.
// Zero disables it.
func WithSweepInterval(d time.Duration) ServiceOption {
	return func(s *Service) { s.sweepInterval = d }
}

// WithTypeOptions replaces the catalog's default policy for one JobType on
// this service instance: retry counts, backoff, timeout, retention. The
// catalog stays the source of payload schemas; only the policy is
// overridden.
func WithTypeOptions(t JobType, opts Options) ServiceOption {
	return func(s *Service) { s.typeOptions[t] = opts }
}

// New creates a Service over the given store and queue backend.
func New(store StatusStore, q Queue, opts ...ServiceOption) *Service {
	s := &Service{
		store:         store,
		queue:         q,
		logger:        slog.Default(),
		workerID:      uuid.New().String(),
		claimTimeout:  2 * time.Second,
		claimLease:    5 * time.Minute,
		sweepInterval: 10 * time.Minute,
		typeOptions:   make(map[JobType]Options),
		handlers:      make(map[JobType]HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "coursejobs")
	return s
}

func (s *Service) registerHandler(t JobType, fn HandlerFunc) error {
	if !KnownType(t) {
		return ErrUnknownJobType
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrHandlerExists, t)
	}
	s.handlers[t] = fn
	return nil
}

func (s *Service) handler(t JobType) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[t]
	return fn, ok
}

// options returns the effective policy for t: the instance override when
// one was installed, the catalog default otherwise.
func (s *Service) options(t JobType) (Options, error) {
	if !KnownType(t) {
		return Options{}, ErrUnknownJobType
	}
	if opts, ok := s.typeOptions[t]; ok {
		return opts, nil
	}
	return DefaultOptions(t)
}

// Enqueue validates the payload against t's schema, creates the pending
// status record and pushes the job id to the queue. The id is returned
// synchronously; execution happens later on a worker.
func (s *Service) Enqueue(ctx context.Context, t JobType, p Payload, opts ...Option) (string, error) {
	defaults, err := s.options(t)
	if err != nil {
		return "", err
	}
	if p == nil {
		return "", &ValidationError{Field: "payload", Reason: "required"}
	}
	if p.Kind() != t {
		return "", &ValidationError{Field: "payload", Reason: fmt.Sprintf("payload is for %s, not %s", p.Kind(), t)}
	}
	if err := p.Validate(); err != nil {
		return "", err
	}

	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("coursejobs: marshal payload: %w", err)
	}
	if len(raw) > MaxPayloadSize {
		return "", &ValidationError{Field: "payload", Reason: "exceeds size limit"}
	}

	var eo enqueueOptions
	for _, opt := range opts {
		opt.apply(&eo)
	}

	id := eo.jobID
	if id == "" {
		id = uuid.New().String()
	}
	priority := defaults.Priority
	if eo.priority != nil {
		priority = *eo.priority
	}

	owner := p.Owner()
	rec := &StatusRecord{
		ID:          id,
		Type:        t,
		OrgID:       owner.OrgID,
		CourseID:    owner.CourseID,
		UserID:      owner.UserID,
		Locale:      owner.Locale,
		Status:      StatusPending,
		Payload:     raw,
		Priority:    priority,
		MaxAttempts: ClampAttempts(defaults.MaxAttempts),
	}
	if eo.delay > 0 {
		runAt := time.Now().Add(eo.delay)
		rec.RunAt = &runAt
	}

	if err := s.store.CreateRecord(ctx, rec); err != nil {
		return "", err
	}
	if err := s.queue.Push(ctx, id, priority, eo.delay); err != nil {
		// The pending record stays; a DB-polling backend will still pick
		// it up, and the caller can re-push otherwise.
		return "", fmt.Errorf("coursejobs: push %s: %w", id, err)
	}

	s.logger.Info("job enqueued", "job_id", id, "type", t, "org_id", owner.OrgID, "priority", priority)
	return id, nil
}

// GetStatus returns the status record for jobID.
func (s *Service) GetStatus(ctx context.Context, jobID string) (*StatusRecord, error) {
	return s.store.GetRecord(ctx, jobID)
}

// RequestCancellation is the cancellation coordinator. It flips the
// cancellation flag on the record after the store's atomic ownership and
// state checks; it does not (and cannot) reach into the queue or a running
// handler. Workers observe the flag cooperatively.
func (s *Service) RequestCancellation(ctx context.Context, jobID, requestedBy string, requesterIsAdmin bool) (CancellationResult, error) {
	if jobID == "" {
		return CancellationResult{Message: "job id required"}, &ValidationError{Field: "jobId", Reason: "required"}
	}
	if requestedBy == "" {
		return CancellationResult{Message: "requester identity required"}, &ValidationError{Field: "requestedBy", Reason: "required"}
	}

	rec, err := s.store.RequestCancellation(ctx, jobID, requestedBy, requesterIsAdmin)
	switch {
	case errors.Is(err, ErrNotFound):
		return CancellationResult{Message: "job not found"}, err
	case errors.Is(err, ErrAlreadyTerminal):
		return CancellationResult{Message: "job already completed"}, err
	case errors.Is(err, ErrForbidden):
		s.logger.Warn("cancellation denied", "job_id", jobID, "requested_by", requestedBy)
		return CancellationResult{Message: "no permission to cancel this job"}, err
	case err != nil:
		return CancellationResult{Message: "cancellation failed"}, err
	}

	s.logger.Info("cancellation requested", "job_id", jobID, "requested_by", requestedBy, "admin", requesterIsAdmin)
	s.fireCancel(ctx, rec)
	return CancellationResult{
		Success:     true,
		Message:     "cancellation requested",
		CancelledBy: rec.CancelledBy,
	}, nil
}

// Obliterate discards all queued and delayed work: every queued delivery
// and every pending record. Administrative/test-isolation operation; do
// not expose it to ordinary callers.
func (s *Service) Obliterate(ctx context.Context) error {
	if err := s.queue.Obliterate(ctx); err != nil {
		return err
	}
	n, err := s.store.ClearPending(ctx)
	if err != nil {
		return err
	}
	s.logger.Warn("queue obliterated", "pending_records_discarded", n)
	return nil
}

// Start launches the claim loop, concurrency executor goroutines and the
// retention sweeper. It returns immediately; processing continues until
// Stop or ctx is cancelled.
func (s *Service) Start(ctx context.Context, concurrency int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return errors.New("coursejobs: service already started")
	}

	concurrency = ClampConcurrency(concurrency)
	claimCtx, claimCancel := context.WithCancel(ctx)
	execCtx, execCancel := context.WithCancel(ctx)
	s.claimCancel = claimCancel
	s.execCancel = execCancel
	s.jobCh = make(chan string, concurrency)

	for i := 0; i < concurrency; i++ {
		s.wg.Add(1)
		go s.executeLoop(execCtx)
	}
	s.claimWG.Add(1)
	go s.claimLoop(claimCtx)

	if s.sweepInterval > 0 {
		s.sweeper = cron.New()
		if _, err := s.sweeper.AddFunc(fmt.Sprintf("@every %s", s.sweepInterval), func() { s.sweep(execCtx) }); err != nil {
			claimCancel()
			execCancel()
			return fmt.Errorf("coursejobs: schedule sweeper: %w", err)
		}
		s.sweeper.Start()
	}

	s.running = true
	s.logger.Info("service started", "worker_id", s.workerID, "concurrency", concurrency)
	return nil
}

// Stop stops pulling new jobs. With graceful=true it waits for in-flight
// handlers to finish naturally (they keep observing cancellation checks);
// otherwise the shared context is cancelled and handlers are expected to
// return at their next suspension point.
func (s *Service) Stop(graceful bool) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}

	if s.sweeper != nil {
		s.sweeper.Stop()
		s.sweeper = nil
	}

	if !graceful {
		s.execCancel()
	}

	// Stop claiming and wait for the claim loop, so nothing writes to
	// jobCh after it is closed.
	s.claimCancel()
	s.claimWG.Wait()
	close(s.jobCh)
	s.wg.Wait()
	s.execCancel()

	s.running = false
	s.logger.Info("service stopped", "worker_id", s.workerID, "graceful", graceful)
}

// redeliverBatchSize bounds how many lost deliveries one sweep restores.
const redeliverBatchSize = 100

// sweep releases leaked claims, re-pushes pending jobs whose delivery was
// lost, and purges terminal records past their type's retention.
func (s *Service) sweep(ctx context.Context) {
	released, err := s.store.ReleaseStaleClaims(ctx, s.claimLease)
	if err != nil {
		s.logger.Error("stale claim release failed", "error", err)
	} else if released > 0 {
		s.logger.Warn("released stale claims", "count", released)
	}

	// A broker-backed queue holds no delivery for a row released above, or
	// for one whose retry push failed. Re-pushing an overdue pending row is
	// always safe: MarkActive admits exactly one delivery.
	overdue, err := s.store.OverduePending(ctx, s.claimLease, redeliverBatchSize)
	if err != nil {
		s.logger.Error("overdue pending scan failed", "error", err)
	}
	for _, rec := range overdue {
		if err := s.queue.Push(ctx, rec.ID, rec.Priority, 0); err != nil {
			s.logger.Error("redeliver failed", "job_id", rec.ID, "error", err)
			continue
		}
		s.logger.Warn("job redelivered", "job_id", rec.ID, "type", rec.Type)
	}

	now := time.Now()
	for _, t := range KnownTypes() {
		opts, err := s.options(t)
		if err != nil || opts.RetainFor <= 0 {
			continue
		}
		purged, err := s.store.PurgeTerminal(ctx, t, now.Add(-opts.RetainFor))
		if err != nil {
			s.logger.Error("retention purge failed", "type", t, "error", err)
			continue
		}
		if purged > 0 {
			s.logger.Info("purged terminal records", "type", t, "count", purged)
		}
	}
}
