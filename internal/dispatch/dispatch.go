// Package dispatch implements the primary-to-fallback escalation wrapper
// (spec.md §4.4), collapsed from the teacher's priority-list failover loop
// (internal/app/proxy.go's ChatCompletion) down to exactly two targets:
// primary and fallback. The breaker-consultation split (primary path only,
// per spec.md §4.2's resolved policy) stays the caller's responsibility --
// dispatch.WithFallback only invokes the two operations and unifies their
// error semantics; it never touches a circuitbreaker.Breaker itself, since
// a fallback failure must not be mistaken for a primary failure by a
// breaker keyed on the primary alone.
package dispatch

import (
	"context"
	"fmt"

	gateway "github.com/circuitgw/gateway/internal"
)

// Op is a unit of work dispatch can invoke: the retrying primary call, or
// the bare fallback call.
type Op func(ctx context.Context) (*gateway.ChatResponse, error)

// WithFallback invokes primary; if it returns any error (an exception or a
// structured error, in spec terms), it invokes fallback and returns its
// result unconditionally -- even if fallback itself errors. Primary's error
// is not attached to the result; it is the caller's job to log/trace it
// before calling WithFallback, since this wrapper only concerns itself with
// dispatch, not observability (spec.md §4.4).
//
// If both fail, the returned error wraps gateway.ErrFallbackFailed so the
// server layer can map it to 503 per spec.md §7.
func WithFallback(ctx context.Context, primary, fallback Op) (*gateway.ChatResponse, error) {
	resp, err := primary(ctx)
	if err == nil {
		return resp, nil
	}

	resp, fbErr := fallback(ctx)
	if fbErr == nil {
		return resp, nil
	}
	return nil, fmt.Errorf("%w: primary and fallback both failed: %w", gateway.ErrFallbackFailed, fbErr)
}
