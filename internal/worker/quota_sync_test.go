package worker

import (
	"context"
	"testing"
	"time"

	"github.com/circuitgw/gateway/internal/clock"
	"github.com/circuitgw/gateway/internal/quota"
)

func TestQuotaSweepWorker_StopsOnCancel(t *testing.T) {
	t.Parallel()
	tracker := quota.NewTracker()
	w := NewQuotaSweepWorker(tracker, clock.System)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestQuotaSweepWorker_Name(t *testing.T) {
	t.Parallel()
	w := NewQuotaSweepWorker(quota.NewTracker(), clock.System)
	if w.Name() != "quota_sweep" {
		t.Errorf("Name() = %q, want quota_sweep", w.Name())
	}
}
