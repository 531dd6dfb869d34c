// Package server implements the HTTP transport layer for the gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"go.opentelemetry.io/otel/trace"

	"github.com/circuitgw/gateway/internal/pipeline"
	"github.com/circuitgw/gateway/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic; used as
// a best-effort store ping folded into /health rather than a separate route.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Pipeline    *pipeline.Pipeline
	Metrics     *telemetry.Metrics   // spec-exact JSON/text surface, nil disables /metrics
	Prom        *telemetry.PromMetrics
	PromHandler http.Handler // promhttp.HandlerFor(registry, ...), nil disables /metrics/prometheus
	Tracer      trace.Tracer // nil = no distributed tracing
	ReadyCheck  ReadyChecker // nil = /health never pings the store
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Prom != nil {
		r.Use(metricsMiddleware(deps.Prom))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/health", s.handleHealth)
	if deps.Metrics != nil {
		r.Get("/metrics", s.handleMetrics)
	}
	if deps.PromHandler != nil {
		r.Handle("/metrics/prometheus", deps.PromHandler)
	}
	r.Post("/v1/chat/completions", s.handleChatCompletion)

	return r
}

type server struct {
	deps Deps
}
