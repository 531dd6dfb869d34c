// Package gateway defines the domain types and interfaces shared across the
// reliability gateway. This package has no project imports -- it is the
// dependency root, exactly as the teacher's internal package is structured.
package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
)

// --- Provider ---

// Provider is the capability variant every upstream adapter implements.
// It re-architects the source's loose structural protocol (see Design Notes)
// into an explicit two-method interface: one call returns a value, the other
// a lazy sequence of chunks. A provider that cannot stream still implements
// ChatCompletionStream by wrapping ChatCompletion in a single-chunk channel.
type Provider interface {
	// Name returns the provider identifier (e.g. "openai").
	Name() string
	// ChatCompletion sends a non-streaming chat completion request.
	ChatCompletion(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	// ChatCompletionStream sends a streaming chat completion request.
	ChatCompletionStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// ChatRequest is the subset of the public chat-completion wire format this
// gateway recognizes. Unknown fields are ignored by the caller (server layer)
// before this struct is populated.
type ChatRequest struct {
	Model       string          `json:"model"`
	Messages    []Message       `json:"messages"`
	Stream      bool            `json:"stream,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	N           int             `json:"n,omitempty"`
	MaxTokens   *int            `json:"max_tokens,omitempty"`
	Stop        json.RawMessage `json:"stop,omitempty"`
	User        string          `json:"user,omitempty"`

	// StreamOptions is set internally to request usage on the final chunk;
	// never populated from the inbound request body.
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

// StreamOptions controls streaming behavior forwarded to the upstream.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse is the subset of the upstream response this gateway inspects
// and re-serializes; upstream fields outside this subset are dropped (Extra
// is excluded from JSON and nothing fills it).
type ChatResponse struct {
	ID      string          `json:"id"`
	Object  string          `json:"object"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []Choice        `json:"choices"`
	Usage   *Usage          `json:"usage,omitempty"`
	Extra   json.RawMessage `json:"-"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage is upstream token accounting, when the upstream supplies it directly.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StreamChunk is a single normalized unit from a streaming upstream call, per
// Design Notes' explicit ChunkKind boundary: the session only ever sees
// {raw frame, extracted text}, never the three source encodings directly.
type StreamChunk struct {
	Data  []byte // raw SSE data payload, forwarded to the client verbatim
	Usage *Usage // non-nil on the upstream's final usage-bearing chunk
	Done  bool
	Err   error
}

// --- Identity ---

// ClientIdentity is the resolved caller context attached to the request
// context by the auth collaborator: a stable hash of the bearer credential,
// never the raw credential itself.
type ClientIdentity struct {
	Hash string // sha256(key)[:12] hex, per spec
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation,
// mutated in place by the auth middleware rather than re-wrapped.
type requestMeta struct {
	RequestID string
	Identity  *ClientIdentity
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated client identity from ctx.
func IdentityFromContext(ctx context.Context) *ClientIdentity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores id in the existing requestMeta if present,
// avoiding a second context.WithValue allocation; falls back to creating one.
func ContextWithIdentity(ctx context.Context, id *ClientIdentity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Shared helpers ---

// HashKey returns the hex-encoded SHA-256 hash of a raw bearer credential,
// truncated to the 12-hex-char prefix the spec uses as the client identity.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])[:12]
}

// Authenticator validates a request's credential and resolves a client identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*ClientIdentity, error)
}
