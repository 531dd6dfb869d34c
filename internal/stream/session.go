// Package stream implements the streaming settlement state machine
// (spec.md §4.7), the hardest part of the pipeline: a live object that
// accumulates a response's generated text chunk by chunk and, at exactly
// one terminal call, computes tokens/cost, runs the post-hoc quota check,
// writes the audit row, and updates the breaker.
//
// Grounded on original_source/circuit/stream_settlement.py's StreamSession
// (record_prompt/record_chunk/finalize_success/finalize_failure), with the
// SSE delta-extraction lifted from the teacher's internal/provider/sseutil
// (tidwall/gjson field extraction) and its naive char/4 token estimate
// replaced by the same tokencount.Counter the buffered path uses.
// Completion tokens are counted the same way on both paths. The prompt side
// is counted here with CountText over the concatenated message contents, so
// it leaves out the role text and the per-message and priming overhead that
// EstimateRequest adds on the buffered path.
package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	gateway "github.com/circuitgw/gateway/internal"
	"github.com/circuitgw/gateway/internal/circuitbreaker"
	"github.com/circuitgw/gateway/internal/clock"
	"github.com/circuitgw/gateway/internal/cost"
	"github.com/circuitgw/gateway/internal/quota"
	"github.com/circuitgw/gateway/internal/storage"
	"github.com/circuitgw/gateway/internal/tokencount"
)

// Deps bundles the services a Session needs to settle, so constructing one
// doesn't require a dozen positional parameters.
type Deps struct {
	Store      storage.Store
	Quota      *quota.Tracker
	Prices     *cost.Table
	Counter    *tokencount.Counter
	Breaker    *circuitbreaker.Breaker
	DailyLimit float64
	Clock      clock.Clock
}

// Result is the settlement outcome returned to the server layer for the
// final gateway-metadata envelope.
type Result struct {
	CostUSD          float64
	PromptTokens     int
	CompletionTokens int
	QuotaOK          bool
	BreakerState     circuitbreaker.State
	StatusCode       int
}

// Session is a live streaming response: one per request. It is safe for
// RecordChunk to be called from the same goroutine that reads upstream
// frames while Finalize* is only ever called once at the end of that same
// loop, but the mutex is kept so a misbehaving caller gets a clear error
// instead of silent data races.
type Session struct {
	mu sync.Mutex

	requestID  string
	clientHash string
	provider   string
	model      string
	deps       Deps

	startedAt  time.Time
	promptText string
	generated  []byte
	finalized  bool
}

// New starts a session. It does not touch the breaker; the caller takes
// the probe (AllowRequest) before constructing a Session, per spec.md
// §4.7 step 1.
func New(requestID, clientHash, provider, model string, deps Deps) *Session {
	clk := deps.Clock
	if clk == nil {
		clk = clock.System
	}
	return &Session{
		requestID:  requestID,
		clientHash: clientHash,
		provider:   provider,
		model:      model,
		deps:       deps,
		startedAt:  clk.Now(),
	}
}

// RecordPrompt records the inbound messages for post-hoc prompt token
// counting (spec.md §4.7 step 2).
func (s *Session) RecordPrompt(messages []gateway.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range messages {
		s.promptText += m.Content
	}
}

// RecordChunk normalizes one upstream delta per spec.md §4.7 step 3: an SSE
// "data: {...}" line has its choices[0].delta.content field extracted and
// appended to the accumulated output; "data: [DONE]" and non-JSON lines
// contribute no content. The raw chunk is never mutated -- the caller
// forwards it to the client verbatim regardless of what RecordChunk does
// with it.
func (s *Session) RecordChunk(raw []byte) {
	content := gjson.GetBytes(raw, "choices.0.delta.content")
	if !content.Exists() || content.Type != gjson.String {
		return
	}
	s.mu.Lock()
	s.generated = append(s.generated, content.Str...)
	s.mu.Unlock()
}

// FinalizeSuccess implements spec.md §4.7 step 4: clean termination.
// Computes tokens and cost, runs the authoritative post-hoc quota check,
// accrues on success, writes a 200 (or 429, if the post-hoc check now
// rejects -- the client has already received the bytes) audit row, and
// records breaker success.
func (s *Session) FinalizeSuccess(ctx context.Context) (Result, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("stream session %s: finalize called twice", s.requestID)
	}
	s.finalized = true
	promptText, generated := s.promptText, string(s.generated)
	s.mu.Unlock()

	promptTokens := s.deps.Counter.CountText(s.model, promptText)
	completionTokens := s.deps.Counter.CountText(s.model, generated)
	costUSD := s.deps.Prices.EstimateUSD(s.model, &promptTokens, &completionTokens)

	now := s.clockNow()
	ok, err := quota.Settle(ctx, s.deps.Store, s.deps.Quota, s.clientHash, now, s.deps.DailyLimit, costUSD)
	if err != nil {
		return Result{}, fmt.Errorf("stream session %s: quota settle: %w", s.requestID, err)
	}

	status := 200
	if !ok {
		status = 429
	}

	if err := s.writeAudit(ctx, status, promptTokens, completionTokens, costUSD); err != nil {
		return Result{}, err
	}

	s.deps.Breaker.RecordSuccess()

	return Result{
		CostUSD:          costUSD,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		QuotaOK:          ok,
		BreakerState:     s.deps.Breaker.State(),
		StatusCode:       status,
	}, nil
}

// FinalizeFailure implements spec.md §4.7 step 5: mid-stream failure.
// Tokens reflect partial accumulation (the implementation's documented
// choice: a client that disconnects mid-stream after useful output still
// gets that output reflected in the audit trail, rather than a null that
// hides how much was actually generated). Accrual of the partial cost is
// applied, also a documented choice: partial generation still consumed
// upstream compute and should count against the client's budget.
func (s *Session) FinalizeFailure(ctx context.Context, statusCode int) (Result, error) {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("stream session %s: finalize called twice", s.requestID)
	}
	s.finalized = true
	promptText, generated := s.promptText, string(s.generated)
	s.mu.Unlock()

	promptTokens := s.deps.Counter.CountText(s.model, promptText)
	completionTokens := s.deps.Counter.CountText(s.model, generated)
	costUSD := s.deps.Prices.EstimateUSD(s.model, &promptTokens, &completionTokens)

	if costUSD > 0 {
		now := s.clockNow()
		if err := s.deps.Store.Accrue(ctx, s.clientHash, quota.Today(now), costUSD); err != nil {
			return Result{}, fmt.Errorf("stream session %s: accrue partial cost: %w", s.requestID, err)
		}
	}

	if err := s.writeAudit(ctx, statusCode, promptTokens, completionTokens, costUSD); err != nil {
		return Result{}, err
	}

	s.deps.Breaker.RecordFailure()

	return Result{
		CostUSD:          costUSD,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		BreakerState:     s.deps.Breaker.State(),
		StatusCode:       statusCode,
	}, nil
}

func (s *Session) clockNow() time.Time {
	clk := s.deps.Clock
	if clk == nil {
		clk = clock.System
	}
	return clk.Now()
}

func (s *Session) writeAudit(ctx context.Context, statusCode, promptTokens, completionTokens int, costUSD float64) error {
	latency := s.clockNow().Sub(s.startedAt).Milliseconds()
	return s.deps.Store.InsertAudit(ctx, storage.AuditRow{
		RequestID:    s.requestID,
		Timestamp:    s.startedAt,
		Provider:     s.provider,
		Model:        s.model,
		StatusCode:   statusCode,
		LatencyMs:    latency,
		TokensInput:  &promptTokens,
		TokensOutput: &completionTokens,
		CostUSD:      costUSD,
	})
}
