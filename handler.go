package coursejobs

import (
	"context"
	"encoding/json"
	"fmt"
)

// CancelCheck reports whether cancellation has been requested for the job
// it is bound to. The worker hands one to every handler invocation;
// handlers call it between bounded units of work. The check is a cheap
// store read, safe to call every few seconds.
type CancelCheck func(ctx context.Context) (bool, error)

// Err polls the check and returns a *CancelledError when cancellation has
// been requested, nil otherwise. Store read errors are swallowed: a
// transiently unreadable flag must not fail productive work, the next
// check (or the worker's own post-error check) will see it.
func (c CancelCheck) Err(ctx context.Context) error {
	cancelled, err := c(ctx)
	if err != nil || !cancelled {
		return nil
	}
	return &CancelledError{JobID: JobIDFromContext(ctx)}
}

// HandlerFunc is the type-erased handler the worker invokes: raw payload
// bytes in, serialized result (may be nil) and error out. Typed handlers
// are wrapped into this shape at registration time.
type HandlerFunc func(ctx context.Context, payload []byte, cancelled CancelCheck) ([]byte, error)

// RegisterHandler binds a typed handler to a JobType. The generic wrapper
// decodes the stored payload into T before calling fn and JSON-encodes a
// non-nil result, so the dispatch site is compile-time typed. Exactly one
// handler per type; ErrHandlerExists on a second registration,
// ErrUnknownJobType for a type missing from the catalog.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterHandler[T Payload](s *Service, t JobType, fn func(ctx context.Context, payload T, cancelled CancelCheck) (any, error)) error {
	return s.registerHandler(t, func(ctx context.Context, raw []byte, cancelled CancelCheck) ([]byte, error) {
		p, err := DecodePayload(t, raw)
		if err != nil {
			return nil, err
		}
		typed, ok := p.(T)
		if !ok {
			return nil, fmt.Errorf("coursejobs: payload for %s decoded as %T, handler expects %T", t, p, typed)
		}
		res, err := fn(ctx, typed, cancelled)
		if err != nil || res == nil {
			return nil, err
		}
		out, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("coursejobs: marshal result for %s: %w", t, err)
		}
		return out, nil
	})
}

type jobIDContextKey struct{}

func withJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDContextKey{}, jobID)
}

// JobIDFromContext returns the id of the job a handler is running for, or
// "" outside a handler. Useful for logging and progress tracking.
func JobIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(jobIDContextKey{}).(string); ok {
		return id
	}
	return ""
}
