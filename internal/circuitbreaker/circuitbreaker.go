// Package circuitbreaker implements the three-state breaker over the primary
// upstream provider. It keeps the teacher's struct layout, mutex discipline,
// and Registry double-checked-locking pattern, but replaces the teacher's
// sliding-window weighted error-rate detector with the consecutive-failure
// threshold + fixed-cooldown machine spec.md §4.2 and
// original_source/circuit/reliability/circuit_breaker.py describe.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/circuitgw/gateway/internal/clock"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects all requests.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

// String returns a human-readable state name, matching the breaker_state
// value the response envelope reports.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int           // consecutive failures to trip (default 5)
	Cooldown         time.Duration // time in Open before a probe is allowed (default 30s)
}

// DefaultConfig returns spec.md §4.2's defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, Cooldown: 30 * time.Second}
}

// Breaker is a per-provider circuit breaker state machine.
type Breaker struct {
	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	probing             bool // true when a half-open probe is in flight
	lastUsed            time.Time

	threshold int
	cooldown  time.Duration
	clk       clock.Clock
}

// NewBreaker creates a breaker with the given config, using clk as the time
// source (clock.System in production, a clock.Fake in tests).
func NewBreaker(cfg Config, clk clock.Clock) *Breaker {
	if clk == nil {
		clk = clock.System
	}
	return &Breaker{
		state:     StateClosed,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		clk:       clk,
		lastUsed:  clk.Now(),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	s := b.state
	b.mu.Unlock()
	return s
}

// AllowRequest implements spec.md §4.2's allow_request(): Closed -> true;
// Open -> if now-opened_at >= cooldown, transition to HalfOpen and allow
// exactly one probe, else false; HalfOpen -> allow iff no probe in flight.
//
// The breaker guards its own state with a mutex, satisfying the invariant
// that at most one in-flight request exists in HalfOpen without requiring
// external mutual exclusion from the caller.
func (b *Breaker) AllowRequest() bool {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Sub(b.openedAt) >= b.cooldown {
			b.state = StateHalfOpen
			b.probing = true
			return true
		}
		return false
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			return true
		}
		return false
	}
	return false
}

// RecordSuccess applies the success transitions: Closed->Closed (reset
// failure count) and HalfOpen->Closed (reset, clear in-flight).
func (b *Breaker) RecordSuccess() {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now
	b.consecutiveFailures = 0

	if b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
	}
}

// RecordFailure applies the failure transitions: Closed->Closed if failures
// < threshold, else ->Open (records opened_at); HalfOpen->Open (immediate
// re-trip).
func (b *Breaker) RecordFailure() {
	now := b.clk.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastUsed = now

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.probing = false
		b.consecutiveFailures = b.threshold
	}
}

// LastUsed returns the time of last activity, for stale eviction.
func (b *Breaker) LastUsed() time.Time {
	b.mu.Lock()
	t := b.lastUsed
	b.mu.Unlock()
	return t
}
