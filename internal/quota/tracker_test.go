package quota

import "testing"

func TestTrackerPrecheckUnlimited(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()
	if !tracker.Precheck("client-a", "2026-07-31", 0, 1000.0) {
		t.Fatal("expected dailyLimit <= 0 to always allow")
	}
}

func TestTrackerPrecheckNoCachedEntry(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()
	if !tracker.Precheck("client-new", "2026-07-31", 5.0, 4.0) {
		t.Fatal("expected 4.0 <= 5.0 to allow with no cached entry")
	}
	if tracker.Precheck("client-new", "2026-07-31", 5.0, 6.0) {
		t.Fatal("expected 6.0 > 5.0 to deny with no cached entry")
	}
}

func TestTrackerEvictStaleDropsOtherDates(t *testing.T) {
	t.Parallel()
	tracker := NewTracker()
	tracker.Sync("client-a", "2026-07-30", 2.0)
	tracker.Sync("client-b", "2026-07-31", 5.0)
	tracker.Sync("client-c", "2026-07-30", 1.0)

	evicted := tracker.EvictStale("2026-07-31")
	if evicted != 2 {
		t.Fatalf("evicted = %d, want 2", evicted)
	}
	if !tracker.Precheck("client-b", "2026-07-31", 10.0, 4.0) {
		t.Fatal("today's entry should survive eviction and still be 5.0 consumed")
	}
	if tracker.Precheck("client-a", "2026-07-30", 10.0, 9.0) != true {
		t.Fatal("evicted entry should behave as absent (no cached consumed total)")
	}
}
