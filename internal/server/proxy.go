package server

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	gateway "github.com/circuitgw/gateway/internal"
	"github.com/circuitgw/gateway/internal/stream"
)

// bodyPool reuses buffers for request body reads, avoiding per-request
// allocations from json.NewDecoder (which cannot be pooled/reset).
var bodyPool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// maxRequestBody is the maximum allowed request body size (4 MB).
const maxRequestBody = 4 << 20

// decodeRequestBody reads the request body via bodyPool, unmarshals JSON into
// v, and returns false (writing a 400) on error. Parse errors are logged
// server-side; clients receive a static message to avoid leaking internals.
//
// Uses concrete any parameter instead of generics: Go's generic shape
// dictionary adds +1 alloc/op from interface boxing on every call.
func decodeRequestBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	buf := bodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	if _, err := buf.ReadFrom(r.Body); err != nil {
		bodyPool.Put(buf)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid_request_error"))
		return false
	}
	if err := json.Unmarshal(buf.Bytes(), v); err != nil {
		bodyPool.Put(buf)
		slog.LogAttrs(r.Context(), slog.LevelWarn, "request decode error",
			slog.String("error", err.Error()),
		)
		writeJSON(w, http.StatusBadRequest, errorResponse("invalid request body", "invalid_request_error"))
		return false
	}
	bodyPool.Put(buf)
	return true
}

// chatResponseWire is the upstream response object with the gateway-metadata
// envelope spec.md names added as a top-level `circuit` field, rather than
// wrapping the completion in a second envelope layer.
type chatResponseWire struct {
	*gateway.ChatResponse
	Circuit any `json:"circuit"`
}

func (s *server) handleChatCompletion(w http.ResponseWriter, r *http.Request) {
	var req gateway.ChatRequest
	if !decodeRequestBody(w, r, &req) {
		return
	}
	requestID := gateway.RequestIDFromContext(r.Context())

	if req.Stream {
		handle, _, err := s.deps.Pipeline.ExecuteStream(r.Context(), r, requestID, &req)
		if err != nil {
			writeJSON(w, gateway.HTTPStatus(err), errorResponse(err.Error(), gateway.Code(err)))
			return
		}
		s.streamChatCompletion(w, r, handle.Chunks, handle.Session)
		return
	}

	resp, err := s.deps.Pipeline.Execute(r.Context(), r, requestID, &req)
	if err != nil {
		writeJSON(w, gateway.HTTPStatus(err), errorResponse(err.Error(), gateway.Code(err)))
		return
	}
	writeJSON(w, http.StatusOK, chatResponseWire{ChatResponse: resp.Chat, Circuit: resp.Envelope})
}

// streamChatCompletion drives the SSE loop for a streaming chat completion:
// a lazy keep-alive ticker is allocated only after the first chunk, so fast
// streams never pay for a ticker they don't need.
func (s *server) streamChatCompletion(w http.ResponseWriter, r *http.Request, chunks <-chan gateway.StreamChunk, session *stream.Session) {
	writeSSEHeaders(w)
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("ResponseWriter does not implement http.Flusher")
		return
	}
	flusher.Flush()

	var keepAlive *time.Ticker
	defer func() {
		if keepAlive != nil {
			keepAlive.Stop()
		}
	}()

	for {
		if keepAlive == nil {
			select {
			case chunk, chOpen := <-chunks:
				if !s.processStreamChunk(w, flusher, r, session, chunk, chOpen) {
					return
				}
				keepAlive = time.NewTicker(15 * time.Second)
			case <-r.Context().Done():
				return
			}
			continue
		}

		select {
		case chunk, chOpen := <-chunks:
			if !s.processStreamChunk(w, flusher, r, session, chunk, chOpen) {
				return
			}
		case <-keepAlive.C:
			writeSSEKeepAlive(w)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// processStreamChunk handles a single chunk from the provider stream channel.
// Returns false once the stream has ended (successfully or in error), having
// already driven the session's one required terminal Finalize call.
func (s *server) processStreamChunk(w http.ResponseWriter, flusher http.Flusher, r *http.Request, session *stream.Session, chunk gateway.StreamChunk, chOpen bool) bool {
	if !chOpen {
		writeSSEDone(w)
		flusher.Flush()
		if _, err := session.FinalizeSuccess(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "stream settlement failed", slog.String("error", err.Error()))
		}
		return false
	}
	if chunk.Err != nil {
		slog.LogAttrs(r.Context(), slog.LevelError, "stream error", slog.String("error", chunk.Err.Error()))
		writeSSEError(w, "upstream stream error")
		writeSSEDone(w)
		flusher.Flush()
		if _, err := session.FinalizeFailure(r.Context(), http.StatusBadGateway); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "stream settlement failed", slog.String("error", err.Error()))
		}
		return false
	}

	session.RecordChunk(chunk.Data)
	if chunk.Done {
		writeSSEDone(w)
		flusher.Flush()
		if _, err := session.FinalizeSuccess(r.Context()); err != nil {
			slog.LogAttrs(r.Context(), slog.LevelError, "stream settlement failed", slog.String("error", err.Error()))
		}
		return false
	}
	writeSSEData(w, chunk.Data)
	flusher.Flush()
	return true
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

// errorResponse builds the client-facing error envelope. code is spec.md
// §6/§7's error.code discriminator (e.g. "rate_limited", "quota_exceeded");
// request-validation failures that never reached a sentinel pass
// "invalid_request_error".
func errorResponse(msg, code string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = "invalid_request_error"
	e.Error.Code = code
	return e
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call. Saves 1 alloc/req.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
