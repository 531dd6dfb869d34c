package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/circuitgw/gateway/internal/clock"
	"github.com/circuitgw/gateway/internal/quota"
)

const quotaSweepInterval = 10 * time.Minute

// QuotaSweepWorker periodically evicts stale per-day entries from the
// quota tracker's in-memory cache. Unlike the teacher's QuotaSyncWorker --
// which periodically re-read cumulative spend from the DB because its
// tracker had no other way to learn about out-of-band usage -- this
// gateway's Tracker is kept authoritative by quota.Settle on every request;
// the only drift left to correct here is yesterday's entries lingering in
// memory once a client's date key rolls over.
type QuotaSweepWorker struct {
	tracker *quota.Tracker
	clock   clock.Clock
}

// NewQuotaSweepWorker creates a QuotaSweepWorker for tracker.
func NewQuotaSweepWorker(tracker *quota.Tracker, clk clock.Clock) *QuotaSweepWorker {
	return &QuotaSweepWorker{tracker: tracker, clock: clk}
}

// Name returns the worker identifier.
func (w *QuotaSweepWorker) Name() string { return "quota_sweep" }

// Run evicts stale tracker entries on a fixed interval until ctx is cancelled.
func (w *QuotaSweepWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(quotaSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			today := quota.Today(w.clock.Now())
			if n := w.tracker.EvictStale(today); n > 0 {
				slog.Info("quota tracker swept", "evicted", n)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
