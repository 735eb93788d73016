package coursejobs

import (
	"math"
	"math/rand"
	"time"
)

// BackoffKind selects the retry delay curve.
type BackoffKind string

const (
	// BackoffFixed waits the same delay before every retry.
	BackoffFixed BackoffKind = "fixed"
	// BackoffExponential doubles the base delay per attempt.
	BackoffExponential BackoffKind = "exponential"
)

// maxBackoffCeiling caps every strategy regardless of configuration.
const maxBackoffCeiling = 15 * time.Minute

// Backoff describes the delay before retry attempts of a JobType.
type Backoff struct {
	Kind     BackoffKind
	Delay    time.Duration
	MaxDelay time.Duration

	// Jitter randomizes exponential delays into [d/2, d] so simultaneous
	// failures don't retry in lockstep.
	Jitter bool
}

// Next returns the delay before retry attempt n (1-indexed: attempt 1 is
// the first retry after the initial failure).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var d time.Duration
	switch b.Kind {
	case BackoffExponential:
		d = time.Duration(float64(b.Delay) * math.Pow(2, float64(attempt-1)))
	default:
		d = b.Delay
	}

	limit := b.MaxDelay
	if limit <= 0 || limit > maxBackoffCeiling {
		limit = maxBackoffCeiling
	}
	if d > limit || d < 0 { // overflow guard
		d = limit
	}

	if b.Jitter && b.Kind == BackoffExponential && d > 0 {
		half := d / 2
		d = half + time.Duration(rand.Float64()*float64(half))
	}
	return d
}
