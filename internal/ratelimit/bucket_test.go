package ratelimit

import (
	"testing"
	"time"

	"github.com/circuitgw/gateway/internal/clock"
)

// TestBucketBurst implements spec.md §8's "Bucket burst" seed scenario:
// capacity=20, refill=5/s. 20 back-to-back allow("a") calls all return true;
// the 21st returns false; after sleeping 1.0s, allow("a") returns true again.
func TestBucketBurst(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	reg := NewRegistry(20, 5, fake)

	for i := 0; i < 20; i++ {
		if !reg.Allow("a") {
			t.Fatalf("call %d: expected allow, got deny", i+1)
		}
	}
	if reg.Allow("a") {
		t.Fatal("21st call: expected deny, got allow")
	}

	fake.Advance(1 * time.Second)
	if !reg.Allow("a") {
		t.Fatal("after 1s refill: expected allow, got deny")
	}
}

func TestBucketPerClientIsolation(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	reg := NewRegistry(1, 1, fake)

	if !reg.Allow("a") {
		t.Fatal("client a: first call should be allowed")
	}
	if !reg.Allow("b") {
		t.Fatal("client b: first call should be allowed regardless of a's state")
	}
	if reg.Allow("a") {
		t.Fatal("client a: second call should be denied (bucket empty)")
	}
}

func TestEvictStale(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	reg := NewRegistry(5, 1, fake)
	reg.Allow("a")

	fake.Advance(2 * time.Hour)
	reg.Allow("b")

	evicted := reg.EvictStale(fake.Now().Add(-1 * time.Hour))
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
}
