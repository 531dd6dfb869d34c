package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gateway "github.com/circuitgw/gateway/internal"
	"github.com/circuitgw/gateway/internal/circuitbreaker"
	"github.com/circuitgw/gateway/internal/clock"
	"github.com/circuitgw/gateway/internal/cost"
	"github.com/circuitgw/gateway/internal/pipeline"
	"github.com/circuitgw/gateway/internal/quota"
	"github.com/circuitgw/gateway/internal/retry"
	"github.com/circuitgw/gateway/internal/telemetry"
	"github.com/circuitgw/gateway/internal/testutil"
	"github.com/circuitgw/gateway/internal/tokencount"
)

type alwaysAllowLimiter struct{}

func (alwaysAllowLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

func newTestServer(t *testing.T, primary, fallback gateway.Provider) (http.Handler, *testutil.FakeStore) {
	t.Helper()
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	store := testutil.NewFakeStore()
	metrics := telemetry.NewMetrics()
	p := pipeline.New(pipeline.Deps{
		Auth:        testutil.FakeAuth{Hash: "client-a"},
		RateLimiter: alwaysAllowLimiter{},
		Quota:       quota.NewTracker(),
		Store:       store,
		Prices:      cost.DefaultTable(),
		Counter:     tokencount.NewCounter(),
		Breaker:     circuitbreaker.NewBreaker(circuitbreaker.DefaultConfig(), clk),
		Primary:     primary,
		Fallback:    fallback,
		Metrics:     metrics,
		RetryConfig: retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Clock:       clk,
	})
	h := New(Deps{Pipeline: p, Metrics: metrics})
	return h, store
}

func TestHandleChatCompletionSuccess(t *testing.T) {
	t.Parallel()

	primary := &testutil.FakeProvider{ProviderName: "primary"}
	h, _ := newTestServer(t, primary, &testutil.FakeProvider{ProviderName: "fallback"})

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var wire chatResponseWire
	if err := json.Unmarshal(rec.Body.Bytes(), &wire); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var env struct {
		Circuit pipeline.Envelope `json:"circuit"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if env.Circuit.ClientKeyHash != "client-a" {
		t.Errorf("circuit.client_key_hash = %q", env.Circuit.ClientKeyHash)
	}
}

func TestHandleChatCompletionUpstreamErrorMapsStatus(t *testing.T) {
	t.Parallel()

	failing := &testutil.FakeProvider{
		ProviderName: "primary",
		ChatFn: func(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
			return nil, gateway.ErrProviderError
		},
	}
	h, _ := newTestServer(t, failing, failing)

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503; body = %s", rec.Code, rec.Body.String())
	}

	var decoded struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	if decoded.Error.Code != gateway.Code(gateway.ErrFallbackFailed) {
		t.Errorf("error.code = %q, want %q", decoded.Error.Code, gateway.Code(gateway.ErrFallbackFailed))
	}
}

func TestHandleChatCompletionInvalidBody(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, &testutil.FakeProvider{ProviderName: "primary"}, &testutil.FakeProvider{ProviderName: "fallback"})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHandleChatCompletionStream(t *testing.T) {
	t.Parallel()

	primary := &testutil.FakeProvider{
		ProviderName: "primary",
		StreamFn: func(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
			return testutil.FakeStreamChan(
				gateway.StreamChunk{Data: []byte(`{"choices":[{"delta":{"content":"hi"}}]}`)},
			), nil
		},
	}
	h, store := newTestServer(t, primary, &testutil.FakeProvider{ProviderName: "fallback"})

	body := `{"model":"gpt-4o-mini","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "data: [DONE]") {
		t.Errorf("body missing SSE done sentinel: %s", rec.Body.String())
	}
	if len(store.Audits()) != 1 {
		t.Fatalf("got %d audit rows, want 1", len(store.Audits()))
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, &testutil.FakeProvider{ProviderName: "primary"}, &testutil.FakeProvider{ProviderName: "fallback"})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.String() != `{"status":"ok"}` {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	h, _ := newTestServer(t, &testutil.FakeProvider{ProviderName: "primary"}, &testutil.FakeProvider{ProviderName: "fallback"})

	body := `{"model":"gpt-4o-mini","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	h.ServeHTTP(httptest.NewRecorder(), req)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap telemetry.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Global["total_requests"] == 0 {
		t.Errorf("expected total_requests > 0, got %v", snap.Global)
	}
}
