// Package telemetry provides observability primitives for the gateway:
// Metrics is the spec-defined counter/histogram surface (C9) exposed as a
// JSON snapshot and a line-oriented text export, grounded on
// original_source/circuit/observability/metrics.py; PromMetrics is a
// parallel Prometheus client_golang registry feeding /metrics/prometheus,
// kept from the teacher's internal/telemetry/metrics.go so the gateway
// still exercises the real ecosystem metrics library alongside the
// spec-exact custom surface.
package telemetry

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
)

// latencyBucketsMs are the fixed histogram boundaries spec.md §4.8 names:
// upper-inclusive, the last bucket open (catches overflow).
var latencyBucketsMs = []float64{5, 10, 25, 50, 100, math.Inf(1)}

// ClientSnapshot is one client's counters plus its derived average latency.
type ClientSnapshot struct {
	Counters      map[string]float64 `json:"counters"`
	AvgLatencyMs  float64            `json:"avg_latency_ms"`
}

// Snapshot is the JSON view Metrics.Snapshot returns: global counters (with
// derived avg_latency_ms) and, for the unfiltered case, the per-client map.
type Snapshot struct {
	Global     map[string]float64         `json:"global"`
	PerClient  map[string]ClientSnapshot  `json:"per_client,omitempty"`
}

type clientCounters struct {
	counters map[string]float64
}

// Metrics is a mutex-guarded counter/histogram registry partitioned by an
// optional client key, matching original_source's Metrics class: global
// counters, per-client counters, and one shared latency histogram.
type Metrics struct {
	mu          sync.Mutex
	global      map[string]float64
	perClient   map[string]*clientCounters
	buckets     map[float64]int64 // keyed by upper bound; math.Inf(1) is the open bucket
}

// NewMetrics creates an empty Metrics registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		global:    make(map[string]float64),
		perClient: make(map[string]*clientCounters),
		buckets:   make(map[float64]int64, len(latencyBucketsMs)),
	}
	for _, b := range latencyBucketsMs {
		m.buckets[b] = 0
	}
	return m
}

// Inc increments counter key by value globally, and additionally under
// client if client is non-empty.
func (m *Metrics) Inc(key string, value float64, client string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global[key] += value
	if client != "" {
		m.clientFor(client).counters[key] += value
	}
}

// ObserveLatency records one latency sample into the histogram (the
// smallest bucket upper bound >= sample is incremented) and updates the
// running total/max latency counters used to derive avg_latency_ms.
func (m *Metrics) ObserveLatency(latencyMs float64, client string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range latencyBucketsMs {
		if latencyMs <= b {
			m.buckets[b]++
			break
		}
	}

	m.global["total_latency_ms"] += latencyMs
	if latencyMs > m.global["max_latency_ms"] {
		m.global["max_latency_ms"] = latencyMs
	}
	if client != "" {
		cc := m.clientFor(client)
		cc.counters["total_latency_ms"] += latencyMs
		if latencyMs > cc.counters["max_latency_ms"] {
			cc.counters["max_latency_ms"] = latencyMs
		}
	}
}

// clientFor returns (creating if needed) the per-client counter bucket.
// Callers must hold m.mu.
func (m *Metrics) clientFor(client string) *clientCounters {
	cc, ok := m.perClient[client]
	if !ok {
		cc = &clientCounters{counters: make(map[string]float64)}
		m.perClient[client] = cc
	}
	return cc
}

// Snapshot returns a structured view. If client is non-empty, only that
// client's counters are included (plus its derived avg_latency_ms);
// otherwise the global view plus the full per-client map is returned.
func (m *Metrics) Snapshot(client string) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	if client != "" {
		cc, ok := m.perClient[client]
		counters := map[string]float64{}
		if ok {
			for k, v := range cc.counters {
				counters[k] = v
			}
		}
		return Snapshot{Global: withAvgLatency(counters)}
	}

	global := map[string]float64{}
	for k, v := range m.global {
		global[k] = v
	}
	perClient := make(map[string]ClientSnapshot, len(m.perClient))
	for name, cc := range m.perClient {
		counters := map[string]float64{}
		for k, v := range cc.counters {
			counters[k] = v
		}
		perClient[name] = ClientSnapshot{
			Counters:     counters,
			AvgLatencyMs: avgLatency(counters),
		}
	}
	return Snapshot{Global: withAvgLatency(global), PerClient: perClient}
}

func avgLatency(counters map[string]float64) float64 {
	total, ok := counters["total_requests"]
	if !ok || total == 0 {
		return 0
	}
	return counters["total_latency_ms"] / total
}

func withAvgLatency(counters map[string]float64) map[string]float64 {
	counters["avg_latency_ms"] = avgLatency(counters)
	return counters
}

// TextExport renders the line-oriented `name{labels} value` format spec.md
// §4.8 describes, with cumulative histogram buckets, grounded on
// original_source's Metrics.prometheus().
func (m *Metrics) TextExport() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder
	for _, key := range sortedKeys(m.global) {
		fmt.Fprintf(&b, "# TYPE circuit_%s counter\n", key)
		fmt.Fprintf(&b, "circuit_%s %v\n", key, m.global[key])
	}

	for _, client := range sortedClientKeys(m.perClient) {
		cc := m.perClient[client]
		for _, key := range sortedKeys(cc.counters) {
			fmt.Fprintf(&b, "circuit_%s{client=%q} %v\n", key, client, cc.counters[key])
		}
	}

	b.WriteString("# TYPE circuit_request_latency_ms histogram\n")
	var cumulative int64
	for _, bound := range latencyBucketsMs {
		cumulative += m.buckets[bound]
		label := "+Inf"
		if !math.IsInf(bound, 1) {
			label = fmt.Sprintf("%v", bound)
		}
		fmt.Fprintf(&b, "circuit_request_latency_ms_bucket{le=%q} %d\n", label, cumulative)
	}
	return b.String()
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedClientKeys(m map[string]*clientCounters) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
