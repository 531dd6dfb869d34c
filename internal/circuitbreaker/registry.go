package circuitbreaker

import (
	"sync"
	"time"

	"github.com/circuitgw/gateway/internal/clock"
)

// Registry manages per-provider Breaker instances. The gateway has exactly
// two upstream targets (primary, fallback) but the registry keeps the
// teacher's name-keyed shape since the breaker is consulted by provider name
// and only the primary's breaker is ever read (per spec.md §4.2 and Design
// Notes' resolved open question: fallback outcomes never touch the breaker).
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	config   Config
	clk      clock.Clock
}

// NewRegistry creates a new circuit breaker registry with the given config.
func NewRegistry(cfg Config, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.System
	}
	return &Registry{breakers: make(map[string]*Breaker), config: cfg, clk: clk}
}

// Get returns the breaker for providerID, or nil if none exists.
func (r *Registry) Get(providerID string) *Breaker {
	r.mu.RLock()
	b := r.breakers[providerID]
	r.mu.RUnlock()
	return b
}

// GetOrCreate returns the breaker for providerID, creating one if needed.
func (r *Registry) GetOrCreate(providerID string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[providerID]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[providerID]; ok {
		return b
	}
	b = NewBreaker(r.config, r.clk)
	r.breakers[providerID] = b
	return b
}

// EvictStale removes breakers not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.RLock()
	var stale []string
	for k, b := range r.breakers {
		if b.LastUsed().Before(cutoff) {
			stale = append(stale, k)
		}
	}
	r.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, k := range stale {
		if b, ok := r.breakers[k]; ok && b.LastUsed().Before(cutoff) {
			delete(r.breakers, k)
			evicted++
		}
	}
	return evicted
}
