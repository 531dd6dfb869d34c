package mock

import (
	"context"
	"strings"
	"testing"
	"time"

	gateway "github.com/circuitgw/gateway/internal"
)

func TestPrimaryChatCompletionEchoesUserMessage(t *testing.T) {
	t.Parallel()

	p := &Primary{Latency: time.Millisecond}
	resp, err := p.ChatCompletion(context.Background(), &gateway.ChatRequest{
		Model:    "gpt-4o",
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if !strings.Contains(resp.Choices[0].Message.Content, "ping") {
		t.Errorf("content = %q, want it to contain %q", resp.Choices[0].Message.Content, "ping")
	}
	if resp.Usage == nil || resp.Usage.TotalTokens == 0 {
		t.Error("expected non-zero usage")
	}
}

func TestPrimaryChatCompletionContextCancel(t *testing.T) {
	t.Parallel()

	p := &Primary{Latency: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.ChatCompletion(ctx, &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected context error")
	}
}

func TestPrimaryChatCompletionStream(t *testing.T) {
	t.Parallel()

	p := &Primary{Latency: time.Millisecond}
	ch, err := p.ChatCompletionStream(context.Background(), &gateway.ChatRequest{Messages: []gateway.Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatalf("ChatCompletionStream: %v", err)
	}

	var gotDone bool
	var count int
	for c := range ch {
		count++
		if c.Done {
			gotDone = true
			if c.Usage == nil {
				t.Error("final chunk should carry usage")
			}
		}
	}
	if !gotDone {
		t.Error("expected a Done chunk")
	}
	if count < 2 {
		t.Errorf("got %d chunks, want at least 2", count)
	}
}

func TestFallbackChatCompletionNeverFails(t *testing.T) {
	t.Parallel()

	f := &Fallback{}
	resp, err := f.ChatCompletion(context.Background(), &gateway.ChatRequest{
		Messages: []gateway.Message{{Role: "user", Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if !strings.Contains(resp.Choices[0].Message.Content, "ping") {
		t.Errorf("content = %q, want it to contain %q", resp.Choices[0].Message.Content, "ping")
	}
}

func TestFallbackName(t *testing.T) {
	t.Parallel()

	if (&Fallback{}).Name() != "mock-fallback" {
		t.Errorf("Name() = %q, want mock-fallback", (&Fallback{}).Name())
	}
	if (&Primary{}).Name() != "mock-primary" {
		t.Errorf("Name() = %q, want mock-primary", (&Primary{}).Name())
	}
}

func TestLastUserContentIgnoresTrailingAssistantMessage(t *testing.T) {
	t.Parallel()

	req := &gateway.ChatRequest{Messages: []gateway.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "reply"},
	}}
	if got := lastUserContent(req); got != "first" {
		t.Errorf("lastUserContent() = %q, want %q", got, "first")
	}
}
