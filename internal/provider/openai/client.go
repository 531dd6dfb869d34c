// Package openai implements the gateway.Provider adapter for an
// OpenAI-wire-compatible chat-completion API. Both the primary and fallback
// upstream configured in spec.md §4.4 are instances of this same adapter,
// pointed at different base URLs/keys -- the gateway dispatches between two
// upstreams of one wire format, not between vendor-specific translations.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"

	gateway "github.com/circuitgw/gateway/internal"
	"github.com/circuitgw/gateway/internal/provider"
	"github.com/circuitgw/gateway/internal/provider/sseutil"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Client is an OpenAI-wire-compatible provider adapter.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	http    *http.Client
	// totalTimeout bounds a single non-streaming ChatCompletion call end to
	// end (spec.md §5's total leg). It is never applied to
	// ChatCompletionStream: a streaming response can legitimately run far
	// longer than one request's connect/read budget, and cutting it off at
	// the same deadline would truncate in-flight SSE generations.
	totalTimeout time.Duration
}

// New creates a Client with a tuned http.Client. If baseURL is empty, it
// defaults to api.openai.com. name identifies this instance in the
// provider registry (e.g. "primary", "fallback") and is what
// gateway.Provider.Name() returns. upstreamTimeout is spec.md §5's
// configured total upstream deadline; the connect/read legs are derived
// from it in the reference 0.5s/1.0s/1.5s ratio and applied to the
// transport, while the total leg is enforced per-call in ChatCompletion.
func New(name, apiKey, baseURL string, resolver *dnscache.Resolver, upstreamTimeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeouts := provider.TimeoutsFromTotal(upstreamTimeout)
	return &Client{
		name:         name,
		apiKey:       apiKey,
		baseURL:      baseURL,
		http:         &http.Client{Transport: provider.NewTransport(resolver, true, timeouts)},
		totalTimeout: upstreamTimeout,
	}
}

// Name returns the provider identifier this Client was registered under.
func (c *Client) Name() string { return c.name }

// ChatCompletion sends a non-streaming chat completion request, bounded by
// the client's total upstream timeout (spec.md §5) if one is configured.
func (c *Client) ChatCompletion(ctx context.Context, req *gateway.ChatRequest) (*gateway.ChatResponse, error) {
	if c.totalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.totalTimeout)
		defer cancel()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, provider.ParseAPIError(c.name, resp)
	}

	var out gateway.ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", c.name, err)
	}
	return &out, nil
}

// ChatCompletionStream sends a streaming chat completion request. The raw
// SSE data payloads are forwarded as-is in StreamChunk.Data (no JSON
// parsing on the hot path beyond usage extraction). The channel is closed
// after sending a Done sentinel or an error chunk.
func (c *Client) ChatCompletionStream(ctx context.Context, req *gateway.ChatRequest) (<-chan gateway.StreamChunk, error) {
	outReq := *req
	outReq.Stream = true
	if outReq.StreamOptions == nil {
		outReq.StreamOptions = &gateway.StreamOptions{IncludeUsage: true}
	}

	body, err := json.Marshal(&outReq)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", c.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", c.name, err)
	}
	c.setHeaders(httpReq)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: do request: %w", c.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, provider.ParseAPIError(c.name, resp)
	}

	ch := make(chan gateway.StreamChunk, 8)
	go c.readSSEStream(ctx, resp, ch)
	return ch, nil
}

// readSSEStream reads SSE lines from the response body and sends them as
// StreamChunks. It closes ch when done.
func (c *Client) readSSEStream(ctx context.Context, resp *http.Response, ch chan<- gateway.StreamChunk) {
	defer close(ch)
	defer resp.Body.Close()

	scanner := sseutil.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		_, data, ok := sseutil.ParseSSELine(line)
		if !ok {
			continue
		}
		if data == "[DONE]" {
			ch <- gateway.StreamChunk{Done: true}
			return
		}

		chunk := gateway.StreamChunk{Data: []byte(data)}
		if u := gjson.GetBytes(chunk.Data, "usage"); u.Exists() && u.Type == gjson.JSON {
			var usage gateway.Usage
			if json.Unmarshal([]byte(u.Raw), &usage) == nil && usage.TotalTokens > 0 {
				chunk.Usage = &usage
			}
		}

		select {
		case ch <- chunk:
		case <-ctx.Done():
			ch <- gateway.StreamChunk{Err: ctx.Err()}
			return
		}
	}
	if err := scanner.Err(); err != nil {
		ch <- gateway.StreamChunk{Err: fmt.Errorf("%s: read stream: %w", c.name, err)}
	}
}

// setHeaders applies common headers (auth + content-type) to an outbound request.
func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Authorization", "Bearer "+c.apiKey)
	r.Header.Set("Content-Type", "application/json")
}
