package telemetry

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsIncAndSnapshot(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.Inc("total_requests", 1, "client-a")
	m.Inc("total_requests", 1, "client-a")
	m.Inc("total_requests", 1, "")

	snap := m.Snapshot("")
	if snap.Global["total_requests"] != 3 {
		t.Fatalf("expected global total_requests=3, got %v", snap.Global["total_requests"])
	}
	if snap.PerClient["client-a"].Counters["total_requests"] != 2 {
		t.Fatalf("expected client-a total_requests=2, got %v", snap.PerClient["client-a"].Counters["total_requests"])
	}
}

// TestObserveLatencyBuckets implements spec.md §4.8: find the smallest
// upper bound >= sample and increment that bucket; the open last bucket
// catches overflow.
func TestObserveLatencyBuckets(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.ObserveLatency(3, "")   // falls in the 5ms bucket
	m.ObserveLatency(5, "")   // exactly at the 5ms boundary, upper-inclusive
	m.ObserveLatency(30, "")  // falls in the 50ms bucket
	m.ObserveLatency(1000, "") // falls in the open +Inf bucket

	if m.buckets[5] != 2 {
		t.Fatalf("expected 2 samples in the 5ms bucket, got %d", m.buckets[5])
	}
	if m.buckets[50] != 1 {
		t.Fatalf("expected 1 sample in the 50ms bucket, got %d", m.buckets[50])
	}
}

func TestSnapshotAvgLatency(t *testing.T) {
	t.Parallel()
	m := NewMetrics()

	m.Inc("total_requests", 1, "client-a")
	m.ObserveLatency(10, "client-a")
	m.Inc("total_requests", 1, "client-a")
	m.ObserveLatency(30, "client-a")

	snap := m.Snapshot("client-a")
	if snap.Global["avg_latency_ms"] != 20 {
		t.Fatalf("expected avg_latency_ms=20, got %v", snap.Global["avg_latency_ms"])
	}
}

func TestTextExportFormat(t *testing.T) {
	t.Parallel()
	m := NewMetrics()
	m.Inc("total_requests", 5, "")
	m.ObserveLatency(7, "")

	out := m.TextExport()
	if !strings.Contains(out, "circuit_total_requests 5") {
		t.Fatalf("expected a counter line in text export, got:\n%s", out)
	}
	if !strings.Contains(out, `circuit_request_latency_ms_bucket{le="+Inf"}`) {
		t.Fatalf("expected a cumulative +Inf bucket line, got:\n%s", out)
	}
}

func TestNewPromMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewPedanticRegistry()
	m := NewPromMetrics(reg)

	m.RequestsTotal.WithLabelValues("POST", "/v1/chat/completions", "200").Inc()
	m.ActiveRequests.Set(5)
	m.RequestDuration.WithLabelValues("POST", "/v1/chat/completions").Observe(0.123)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	want := []string{
		"circuitgw_requests_total",
		"circuitgw_active_requests",
		"circuitgw_request_duration_seconds",
	}
	for _, name := range want {
		if !names[name] {
			t.Errorf("missing metric %q in gathered families", name)
		}
	}
}
