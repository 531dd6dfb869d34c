package quota

import (
	"context"
	"time"

	"github.com/circuitgw/gateway/internal/storage"
)

// Today returns the UTC calendar date string the ledger keys on.
func Today(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

// Settle runs the authoritative post-dispatch quota check (spec.md §4.6):
// it reads today's settled spend from store, and if spent+cost does not
// exceed dailyLimit it accrues cost and returns true. If it exceeds the
// limit, the cost is NOT accrued -- "the pipeline returns quota-exceeded
// and does NOT accrue the cost. Accrual occurs only on allowed settlement."
//
// A dailyLimit <= 0 means unlimited: cost is always accrued (for
// observability) and Settle always returns true.
func Settle(ctx context.Context, store storage.QuotaStore, tracker *Tracker, clientHash string, now time.Time, dailyLimit, cost float64) (bool, error) {
	date := Today(now)
	spent, err := store.SpentToday(ctx, clientHash, date)
	if err != nil {
		return false, err
	}

	if dailyLimit > 0 && spent+cost > dailyLimit {
		tracker.Sync(clientHash, date, spent)
		return false, nil
	}

	if cost > 0 {
		if err := store.Accrue(ctx, clientHash, date, cost); err != nil {
			return false, err
		}
		spent += cost
	}
	tracker.Sync(clientHash, date, spent)
	return true, nil
}
