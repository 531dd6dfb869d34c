// Package mock implements deterministic gateway.Provider adapters used when
// PROVIDER=MOCK (spec.md §6's default), so the gateway is runnable and
// testable end-to-end without a real upstream API key. Primary echoes the
// last user message back with an artificial latency floor; Fallback answers
// faster and never fails, so fallback behavior is exercisable without a
// live secondary upstream either.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	gateway "github.com/circuitgw/gateway/internal"
)

// Primary is a mock chat-completion provider that echoes the last user
// message. It sleeps briefly before responding to give retry/timeout paths
// something non-instantaneous to race against.
type Primary struct {
	// Latency is the artificial per-call delay. Defaults to 10ms if zero.
	Latency time.Duration
}

// Name identifies this provider instance in the registry and in audit rows.
func (p *Primary) Name() string { return "mock-primary" }

func (p *Primary) latency() time.Duration {
	if p.Latency > 0 {
		return p.Latency
	}
	return 10 * time.Millisecond
}

// ChatCompletion returns a canned response echoing the last user message.
func (p *Primary) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	select {
	case <-time.After(p.latency()):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	model := req.Model
	if model == "" {
		model = "gpt-4o"
	}

	return &gateway.ChatResponse{
		ID:      "chatcmpl-" + uuid.Must(uuid.NewV7()).String()[:12],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: fmt.Sprintf("Mock response to: %s", lastUserContent(req))},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

// ChatCompletionStream streams a fixed three-chunk response followed by Done.
func (p *Primary) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	ch := make(chan gateway.StreamChunk, 4)
	go func() {
		defer close(ch)
		words := []string{"Mock ", "stream ", "response"}
		for _, w := range words {
			data, _ := json.Marshal(map[string]any{
				"choices": []map[string]any{{"delta": map[string]string{"content": w}}},
			})
			select {
			case ch <- gateway.StreamChunk{Data: data}:
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
			select {
			case <-time.After(p.latency() / 3):
			case <-ctx.Done():
				ch <- gateway.StreamChunk{Err: ctx.Err()}
				return
			}
		}
		ch <- gateway.StreamChunk{Done: true, Usage: &gateway.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}
	}()
	return ch, nil
}

// Fallback is a mock chat-completion provider that always succeeds quickly,
// standing in for a reliable secondary upstream.
type Fallback struct{}

// Name identifies this provider instance in the registry and in audit rows.
func (f *Fallback) Name() string { return "mock-fallback" }

// ChatCompletion returns a canned response, never failing.
func (f *Fallback) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	select {
	case <-time.After(5 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	model := req.Model
	if model == "" {
		model = "fallback-model"
	}

	return &gateway.ChatResponse{
		ID:      "chatcmpl-" + uuid.Must(uuid.NewV7()).String()[:12],
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []gateway.Choice{{
			Index:        0,
			Message:      gateway.Message{Role: "assistant", Content: fmt.Sprintf("Fallback response to: %s", lastUserContent(req))},
			FinishReason: "stop",
		}},
		Usage: &gateway.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	}, nil
}

// ChatCompletionStream streams a single chunk followed by Done.
func (f *Fallback) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	ch := make(chan gateway.StreamChunk, 2)
	go func() {
		defer close(ch)
		data, _ := json.Marshal(map[string]any{
			"choices": []map[string]any{{"delta": map[string]string{"content": "Fallback response"}}},
		})
		select {
		case ch <- gateway.StreamChunk{Data: data}:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
		ch <- gateway.StreamChunk{Done: true, Usage: &gateway.Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2}}
	}()
	return ch, nil
}

// lastUserContent scans messages in reverse for the most recent user turn.
func lastUserContent(req *gateway.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}
