package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	gateway "github.com/circuitgw/gateway/internal"
)

// TestRetryWithJitter implements spec.md §8's "Retry with jitter" seed
// scenario: max_retries=2, base=0.1s, max=0.5s. The operation fails twice
// (soft "server_error") then succeeds on the third attempt. Total wall time
// is bounded: attempt 2's delay is base*2^0=0.1s plus up to 0.05s jitter,
// attempt 3's delay is base*2^1=0.2s plus up to 0.05s jitter, so wall time
// falls in [0.3s, 0.4s] plus negligible operation overhead.
func TestRetryWithJitter(t *testing.T) {
	attempts := 0
	start := time.Now()

	resp, err := Do(context.Background(), Config{MaxRetries: 2, BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond},
		func(ctx context.Context) (*gateway.ChatResponse, error) {
			attempts++
			if attempts < 3 {
				return nil, Retryable("server_error", errors.New("upstream 500"))
			}
			return &gateway.ChatResponse{ID: "ok"}, nil
		})

	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if resp == nil || resp.ID != "ok" {
		t.Fatalf("expected response ID %q, got %+v", "ok", resp)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if elapsed < 300*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("expected wall time in [0.3s, 0.5s], got %v", elapsed)
	}
}

func TestRetryExhausted(t *testing.T) {
	attempts := 0
	_, err := Do(context.Background(), Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		func(ctx context.Context) (*gateway.ChatResponse, error) {
			attempts++
			return nil, Retryable("timeout", errors.New("deadline exceeded"))
		})

	if err == nil {
		t.Fatal("expected retry exhaustion error")
	}
	if attempts != 3 {
		t.Fatalf("expected 1 initial attempt + 2 retries = 3, got %d", attempts)
	}
}

// TestNonSoftErrorNotRetried verifies that an error not produced by
// Retryable/Transport ends the loop on the first attempt -- "successful
// results (including errors with codes not in the soft set) are returned
// immediately" (spec.md §4.3).
func TestNonSoftErrorNotRetried(t *testing.T) {
	attempts := 0
	wantErr := errors.New("bad request")

	_, err := Do(context.Background(), Config{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		func(ctx context.Context) (*gateway.ChatResponse, error) {
			attempts++
			return nil, wantErr
		})

	if !errors.Is(err, wantErr) {
		t.Fatalf("expected the original non-retryable error, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", attempts)
	}
}

func TestIsSoftErrorDistinguishesTransport(t *testing.T) {
	soft := Retryable("timeout", errors.New("x"))
	if !IsSoftError(soft) {
		t.Fatal("expected timeout code to be classified soft")
	}
	transport := Transport(errors.New("dial tcp: connection refused"))
	if IsSoftError(transport) {
		t.Fatal("expected a transport error not to be classified soft")
	}
}
