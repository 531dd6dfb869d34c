// Package retry implements the bounded-retry engine with soft-error
// promotion (spec.md §4.3). It promotes github.com/sethvargo/go-retry from
// a transitive dependency (pulled in by goose) to a direct one: retry.Do
// drives the attempt loop, a custom Backoff reproduces spec.md's exact
// jittered-exponential delay formula, and retry.RetryableError marks the
// soft-error / transport-exception cases uniformly -- the same Ok | SoftErr
// | HardErr unification Design Notes §9 calls for, collapsed onto Go's
// native (value, error) idiom: only a Retryable error causes another
// attempt; any other error or a nil error ends the loop immediately.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"

	sdkretry "github.com/sethvargo/go-retry"

	gateway "github.com/circuitgw/gateway/internal"
)

// Config mirrors spec.md §3's RetryConfig: MaxRetries is the number of
// *extra* attempts after the initial one.
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// softError marks an error as retryable: an upstream-returned structured
// error whose code indicates a transient condition, or a transport failure.
// Wrapped with sdkretry.RetryableError so retry.Do knows to continue.
type softError struct {
	code string
	err  error
}

func (e *softError) Error() string { return e.err.Error() }
func (e *softError) Unwrap() error { return e.err }

// softCodes is the set of upstream error codes promoted to retryable,
// per spec.md §4.3 and the glossary's "Soft error" entry.
var softCodes = map[string]bool{
	"timeout":      true,
	"server_error": true,
	"rate_limit":   true,
}

// IsSoftError reports whether err carries one of the soft codes (as opposed
// to a transport failure, which is retryable but not "soft" in spec terms).
func IsSoftError(err error) bool {
	var se *softError
	if !errors.As(err, &se) {
		return false
	}
	return softCodes[se.code]
}

// Retryable wraps err as a soft error with the given code if the code is in
// the soft set, and as a transport (hard) failure otherwise -- both are
// retryable; the distinction survives only for observability. A nil err
// returns nil for Do to treat as success.
func Retryable(code string, err error) error {
	if err == nil {
		return nil
	}
	return &softError{code: code, err: err}
}

// Transport wraps a transport-level error (connection refused, DNS failure,
// context deadline) as retryable. Spec.md: "Any raised exception is also a
// failure" for retry purposes.
func Transport(err error) error {
	if err == nil {
		return nil
	}
	return &softError{code: "transport_error", err: err}
}

// backoff implements sdkretry.Backoff reproducing spec.md §4.3's exact
// formula: delay before attempt k (k>=2) is
// min(base*2^(k-2), max) + U(0, 0.05) seconds. Next() is called once per
// retry (i.e. the first call corresponds to k=2).
type backoff struct {
	base, max time.Duration
	attempt   int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) Next() (time.Duration, bool) {
	b.attempt++
	// b.attempt == 1 on the first call, corresponding to k=2: base*2^0.
	exp := b.base << (b.attempt - 1)
	d := exp
	if d > b.max {
		d = b.max
	}
	jitter := time.Duration(rand.Float64() * float64(50*time.Millisecond))
	return d + jitter, false
}

// Do runs op, retrying per cfg when op returns a retryable error (one
// produced by Retryable or Transport). Any other error, or a nil error,
// ends the loop immediately -- "successful results (including errors with
// codes not in the soft set) are returned immediately" (spec.md §4.3).
//
// Retries are not cancelled mid-delay unless ctx is cancelled by the caller;
// sdkretry.Do honors ctx during the sleep between attempts.
func Do(ctx context.Context, cfg Config, op func(ctx context.Context) (*gateway.ChatResponse, error)) (*gateway.ChatResponse, error) {
	b := sdkretry.WithMaxRetries(uint64(cfg.MaxRetries), newBackoff(cfg.BaseDelay, cfg.MaxDelay))

	var result *gateway.ChatResponse
	err := sdkretry.Do(ctx, b, func(ctx context.Context) error {
		resp, opErr := op(ctx)
		if opErr == nil {
			result = resp
			return nil
		}
		var se *softError
		if errors.As(opErr, &se) {
			return sdkretry.RetryableError(opErr)
		}
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
