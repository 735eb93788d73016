package coursejobs

import "time"

// Priorities. The queue backends map these onto delivery lanes.
const (
	PriorityLow    = 0
	PriorityNormal = 1
	PriorityHigh   = 2
)

// Options is the per-JobType policy: how often to retry, how long to wait
// between attempts, how long a single attempt may run and how long terminal
// records are retained. Configured once per type in the catalog; only
// priority and delay may be overridden per enqueue.
type Options struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int

	// Backoff governs the delay before each retry.
	Backoff Backoff

	// Priority selects the delivery lane.
	Priority int

	// Timeout bounds a single handler attempt. Exceeding it is an ordinary
	// handler error subject to the retry policy, distinct from cancellation.
	Timeout time.Duration

	// RetainFor bounds how long terminal records are kept before the
	// retention sweeper purges them. Zero keeps them forever.
	RetainFor time.Duration
}

// Option overrides enqueue-time knobs.
type Option interface {
	apply(*enqueueOptions)
}

type enqueueOptions struct {
	jobID    string
	priority *int
	delay    time.Duration
}

type optionFunc func(*enqueueOptions)

func (f optionFunc) apply(o *enqueueOptions) { f(o) }

// WithJobID pins the job id instead of generating one. Enqueueing the same
// id twice fails with ErrDuplicateJob.
func WithJobID(id string) Option {
	return optionFunc(func(o *enqueueOptions) { o.jobID = id })
}

// WithPriority overrides the type's default priority for this job.
func WithPriority(p int) Option {
	return optionFunc(func(o *enqueueOptions) {
		p = clampPriority(p)
		o.priority = &p
	})
}

// WithDelay schedules the job to become due after d.
func WithDelay(d time.Duration) Option {
	return optionFunc(func(o *enqueueOptions) { o.delay = d })
}

func clampPriority(p int) int {
	if p < PriorityLow {
		return PriorityLow
	}
	if p > PriorityHigh {
		return PriorityHigh
	}
	return p
}
