// Package pipeline composes every reliability collaborator into the single
// request flow spec.md §4.9 and original_source/circuit/main.py describe:
// auth, rate limiting, a pre-dispatch quota check, retrying primary dispatch
// with fallback escalation, and post-hoc settlement (tokens, cost, quota,
// audit, metrics). Unlike main.py -- which builds reliability/retry.py and
// reliability/fallback.py but never wires them into the live route -- this
// pipeline composes retry and fallback together, per spec.md §4.3/§4.4.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/circuitgw/gateway/internal"
	"github.com/circuitgw/gateway/internal/circuitbreaker"
	"github.com/circuitgw/gateway/internal/clock"
	"github.com/circuitgw/gateway/internal/cost"
	"github.com/circuitgw/gateway/internal/dispatch"
	"github.com/circuitgw/gateway/internal/quota"
	"github.com/circuitgw/gateway/internal/ratelimit"
	"github.com/circuitgw/gateway/internal/retry"
	"github.com/circuitgw/gateway/internal/storage"
	"github.com/circuitgw/gateway/internal/stream"
	"github.com/circuitgw/gateway/internal/telemetry"
	"github.com/circuitgw/gateway/internal/tokencount"
)

// RateLimiter is the admission-gate contract the pipeline needs: the
// in-process ratelimit.Registry and the shared-store ratelimit.SQLiteShared
// both satisfy it via the adapters below (RegistryLimiter, SharedLimiter),
// selected at wiring time by whether spec.md §6's REDIS_URL is configured.
type RateLimiter interface {
	Allow(ctx context.Context, clientHash string) (bool, error)
}

// RegistryLimiter adapts the in-process ratelimit.Registry to RateLimiter.
type RegistryLimiter struct {
	Registry *ratelimit.Registry
}

// Allow admits clientHash against the in-process token bucket.
func (a RegistryLimiter) Allow(_ context.Context, clientHash string) (bool, error) {
	return a.Registry.Allow(clientHash), nil
}

// SharedLimiter adapts a ratelimit.SharedAllower (the cross-instance
// variant) to RateLimiter, fixing the bucket's capacity/refill rate and
// sourcing "now" from a clock.Clock so it stays deterministic in tests.
type SharedLimiter struct {
	Allower      ratelimit.SharedAllower
	Capacity     int64
	RefillPerSec float64
	Clock        clock.Clock
}

// Allow admits clientHash against the shared store.
func (a SharedLimiter) Allow(ctx context.Context, clientHash string) (bool, error) {
	clk := a.Clock
	if clk == nil {
		clk = clock.System
	}
	return a.Allower.AllowShared(ctx, clientHash, a.Capacity, a.RefillPerSec, clk.Now())
}

// Envelope is the gateway-metadata wrapper spec.md §4.9 step 5 names,
// attached to every successful buffered response.
type Envelope struct {
	RequestID     string  `json:"request_id"`
	ClientKeyHash string  `json:"client_key_hash"`
	CostUSD       float64 `json:"cost_usd"`
	BreakerState  string  `json:"breaker_state"`
}

// Response is a successful buffered completion plus its envelope.
type Response struct {
	Chat     *gateway.ChatResponse
	Envelope Envelope
}

// Deps bundles every collaborator the pipeline dispatches through.
type Deps struct {
	Auth            gateway.Authenticator
	RateLimiter     RateLimiter
	Quota           *quota.Tracker
	Store           storage.Store
	Prices          *cost.Table
	Counter         *tokencount.Counter
	Breaker         *circuitbreaker.Breaker // guards the primary provider only
	Primary         gateway.Provider
	Fallback        gateway.Provider
	Metrics         *telemetry.Metrics
	Prom            *telemetry.PromMetrics
	RetryConfig     retry.Config
	DailyLimit      float64
	MaxOutputTokens int
	Clock           clock.Clock
}

// Pipeline executes the composed request flow over a fixed set of Deps.
type Pipeline struct {
	deps Deps
}

// New constructs a Pipeline over deps.
func New(deps Deps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = clock.System
	}
	return &Pipeline{deps: deps}
}

func (p *Pipeline) now() time.Time { return p.deps.Clock.Now() }

// Authenticate runs step 1: resolve client identity from the inbound
// request, per spec.md §4.9.
func (p *Pipeline) Authenticate(ctx context.Context, r *http.Request) (*gateway.ClientIdentity, error) {
	id, err := p.deps.Auth.Authenticate(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", gateway.ErrAuthentication, err)
	}
	return id, nil
}

// Admit runs steps 2-3: the rate-limiter admission gate and the pre-dispatch
// (upper-bound) quota check. Returns nil when the request is admitted,
// ErrRateLimited or ErrQuotaExceeded when it is not, or the rate limiter's
// own error. The upper-bound cost is used only for the precheck and is not
// returned; the settled cost is computed separately after dispatch.
func (p *Pipeline) Admit(ctx context.Context, clientHash, model string, req *gateway.ChatRequest) error {
	allowed, err := p.deps.RateLimiter.Allow(ctx, clientHash)
	if err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	if !allowed {
		return gateway.ErrRateLimited
	}

	maxTokens := p.deps.MaxOutputTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}
	upperBound := p.deps.Prices.EstimateUpperBound(model, maxTokens)

	date := quota.Today(p.now())
	if !p.deps.Quota.Precheck(clientHash, date, p.deps.DailyLimit, upperBound) {
		return gateway.ErrQuotaExceeded
	}
	return nil
}

// Dispatch runs step 4: retry-wrapped primary dispatch, escalating to
// fallback on any primary failure. The breaker is consulted for the primary
// leg only -- a fallback failure is never attributed to the primary breaker.
// Returns whether the fallback leg answered the request.
func (p *Pipeline) Dispatch(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, string, bool, error) {
	primaryOp := func(ctx context.Context) (*gateway.ChatResponse, error) {
		if !p.deps.Breaker.AllowRequest() {
			return nil, retry.Transport(gateway.ErrServiceUnavailable)
		}
		resp, err := p.deps.Primary.ChatCompletion(ctx, req)
		if err != nil {
			p.deps.Breaker.RecordFailure()
			return nil, retry.Transport(err)
		}
		p.deps.Breaker.RecordSuccess()
		return resp, nil
	}

	usedFallback := false
	fallbackOp := func(ctx context.Context) (*gateway.ChatResponse, error) {
		usedFallback = true
		return p.deps.Fallback.ChatCompletion(ctx, req)
	}

	resp, err := dispatch.WithFallback(ctx,
		func(ctx context.Context) (*gateway.ChatResponse, error) {
			return retry.Do(ctx, p.deps.RetryConfig, primaryOp)
		},
		fallbackOp,
	)
	if err != nil {
		return nil, "", false, err
	}

	name := p.deps.Primary.Name()
	if usedFallback {
		name = p.deps.Fallback.Name()
	}
	return resp, name, usedFallback, nil
}

// Execute runs the full buffered-request pipeline (spec.md §4.9's numbered
// steps 1-5) and returns the client-facing envelope on success.
func (p *Pipeline) Execute(ctx context.Context, r *http.Request, requestID string, req *gateway.ChatRequest) (*Response, error) {
	start := p.now()

	identity, err := p.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}

	if err := p.Admit(ctx, identity.Hash, req.Model, req); err != nil {
		p.auditReject(ctx, requestID, req.Model, err)
		return nil, err
	}

	resp, providerName, usedFallback, err := p.Dispatch(ctx, req)
	if err != nil {
		p.writeAudit(ctx, requestID, providerName, req.Model, 503, nil, nil, 0, start)
		p.deps.Metrics.Inc("requests_failed", 1, identity.Hash)
		p.recordBreakerGauge()
		return nil, fmt.Errorf("%w: %w", gateway.ErrFallbackFailed, err)
	}
	if usedFallback {
		p.deps.Metrics.Inc("fallback_hits", 1, identity.Hash)
	}

	promptTokens, completionTokens, costUSD := p.settle(req, resp)

	ok, err := quota.Settle(ctx, p.deps.Store, p.deps.Quota, identity.Hash, p.now(), p.deps.DailyLimit, costUSD)
	if err != nil {
		return nil, fmt.Errorf("quota settle: %w", err)
	}

	status := 200
	if !ok {
		status = 429
	}
	p.writeAudit(ctx, requestID, providerName, req.Model, status, &promptTokens, &completionTokens, costUSD, start)
	p.observe(identity.Hash, start)
	p.recordBreakerGauge()

	if !ok {
		return nil, gateway.ErrQuotaExceeded
	}

	return &Response{
		Chat: resp,
		Envelope: Envelope{
			RequestID:     requestID,
			ClientKeyHash: identity.Hash,
			CostUSD:       costUSD,
			BreakerState:  p.deps.Breaker.State().String(),
		},
	}, nil
}

// StreamHandle is everything the server's SSE writer needs to forward a
// streaming response and settle it afterward: the chosen provider's raw
// chunk channel and the stream.Session tracking this one request.
type StreamHandle struct {
	Chunks  <-chan gateway.StreamChunk
	Session *stream.Session
}

// ExecuteStream runs steps 1-3 of spec.md §4.9 identically to Execute
// (authenticate, admit), then opens the primary provider's stream directly
// -- no retries on a stream already in flight, per spec.md §4.7 step 1;
// the breaker is still consulted, and a breaker that denies the request (or
// a primary open-call failure) escalates to the fallback's stream instead. Settling
// the stream (steps 4-5) is the caller's job via the returned Session, once
// it has finished forwarding chunks to the client.
func (p *Pipeline) ExecuteStream(ctx context.Context, r *http.Request, requestID string, req *gateway.ChatRequest) (*StreamHandle, *gateway.ClientIdentity, error) {
	identity, err := p.Authenticate(ctx, r)
	if err != nil {
		return nil, nil, err
	}

	if err := p.Admit(ctx, identity.Hash, req.Model, req); err != nil {
		p.auditReject(ctx, requestID, req.Model, err)
		return nil, identity, err
	}

	providerName := p.deps.Primary.Name()
	var chunks <-chan gateway.StreamChunk
	if p.deps.Breaker.AllowRequest() {
		chunks, err = p.deps.Primary.ChatCompletionStream(ctx, req)
		if err != nil {
			p.deps.Breaker.RecordFailure()
		}
	} else {
		err = gateway.ErrServiceUnavailable
	}

	if err != nil {
		providerName = p.deps.Fallback.Name()
		chunks, err = p.deps.Fallback.ChatCompletionStream(ctx, req)
		if err != nil {
			p.writeAudit(ctx, requestID, providerName, req.Model, 503, nil, nil, 0, p.now())
			return nil, identity, fmt.Errorf("%w: primary and fallback both failed: %w", gateway.ErrFallbackFailed, err)
		}
		p.deps.Metrics.Inc("fallback_hits", 1, identity.Hash)
	}

	// stream.Session always records its outcome against the breaker it's
	// given; a fallback stream's outcome must never be attributed to the
	// primary's breaker, so it gets a throwaway breaker instead of the
	// shared one.
	breaker := p.deps.Breaker
	if providerName == p.deps.Fallback.Name() {
		breaker = circuitbreaker.NewBreaker(circuitbreaker.DefaultConfig(), p.deps.Clock)
	}

	session := stream.New(requestID, identity.Hash, providerName, req.Model, stream.Deps{
		Store:      p.deps.Store,
		Quota:      p.deps.Quota,
		Prices:     p.deps.Prices,
		Counter:    p.deps.Counter,
		Breaker:    breaker,
		DailyLimit: p.deps.DailyLimit,
		Clock:      p.deps.Clock,
	})
	session.RecordPrompt(req.Messages)

	return &StreamHandle{Chunks: chunks, Session: session}, identity, nil
}

// settle computes prompt/completion tokens and cost for a completed
// response, preferring the upstream-reported usage over the local estimate
// (spec.md §4.9 step 5).
func (p *Pipeline) settle(req *gateway.ChatRequest, resp *gateway.ChatResponse) (promptTokens, completionTokens int, costUSD float64) {
	if resp.Usage != nil {
		promptTokens, completionTokens = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	} else {
		promptTokens = p.deps.Counter.EstimateRequest(req.Model, req.Messages)
		var generated string
		if len(resp.Choices) > 0 {
			generated = resp.Choices[0].Message.Content
		}
		completionTokens = p.deps.Counter.CountText(req.Model, generated)
	}
	costUSD = p.deps.Prices.EstimateUSD(req.Model, &promptTokens, &completionTokens)
	return promptTokens, completionTokens, costUSD
}

func (p *Pipeline) auditReject(ctx context.Context, requestID, model string, err error) {
	status := gateway.HTTPStatus(err)
	p.writeAudit(ctx, requestID, "", model, status, nil, nil, 0, p.now())
}

func (p *Pipeline) writeAudit(ctx context.Context, requestID, provider, model string, status int, promptTokens, completionTokens *int, costUSD float64, start time.Time) {
	latency := p.now().Sub(start).Milliseconds()
	row := storage.AuditRow{
		RequestID:    requestID,
		Timestamp:    start,
		Provider:     provider,
		Model:        model,
		StatusCode:   status,
		LatencyMs:    latency,
		TokensInput:  promptTokens,
		TokensOutput: completionTokens,
		CostUSD:      costUSD,
	}
	if err := p.deps.Store.InsertAudit(ctx, row); err != nil && !errors.Is(err, context.Canceled) {
		p.deps.Metrics.Inc("audit_write_errors", 1, "")
	}
}

func (p *Pipeline) observe(clientHash string, start time.Time) {
	latency := float64(p.now().Sub(start).Milliseconds())
	p.deps.Metrics.Inc("total_requests", 1, clientHash)
	p.deps.Metrics.ObserveLatency(latency, clientHash)
}

// recordBreakerGauge mirrors the primary breaker's state into the
// Prometheus gauge, if Prom metrics are wired.
func (p *Pipeline) recordBreakerGauge() {
	if p.deps.Prom == nil {
		return
	}
	p.deps.Prom.CircuitBreakerState.WithLabelValues(p.deps.Primary.Name()).Set(float64(p.deps.Breaker.State()))
}
