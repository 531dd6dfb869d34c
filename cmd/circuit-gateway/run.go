package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/dnscache"

	gateway "github.com/circuitgw/gateway/internal"
	"github.com/circuitgw/gateway/internal/auth"
	"github.com/circuitgw/gateway/internal/circuitbreaker"
	"github.com/circuitgw/gateway/internal/clock"
	"github.com/circuitgw/gateway/internal/config"
	"github.com/circuitgw/gateway/internal/cost"
	"github.com/circuitgw/gateway/internal/pipeline"
	"github.com/circuitgw/gateway/internal/provider"
	"github.com/circuitgw/gateway/internal/provider/mock"
	"github.com/circuitgw/gateway/internal/provider/openai"
	"github.com/circuitgw/gateway/internal/quota"
	"github.com/circuitgw/gateway/internal/ratelimit"
	"github.com/circuitgw/gateway/internal/retry"
	"github.com/circuitgw/gateway/internal/server"
	"github.com/circuitgw/gateway/internal/storage/sqlite"
	"github.com/circuitgw/gateway/internal/telemetry"
	"github.com/circuitgw/gateway/internal/tokencount"
	"github.com/circuitgw/gateway/internal/worker"
	"go.opentelemetry.io/otel/trace"
)

func run(tuningPath string) error {
	cfg, err := config.Load(tuningPath)
	if err != nil {
		return err
	}

	slog.Info("starting circuit-gateway", "version", version, "addr", cfg.Tuning.ServerAddr, "provider", cfg.Provider)

	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()
	slog.Info("database opened", "path", cfg.DBPath)

	if len(cfg.APIKeys) == 0 {
		slog.Warn("no client API keys configured, all requests will be rejected")
	}

	primary, fallback, err := buildProviders(cfg.Provider, cfg.Tuning.UpstreamTimeout)
	if err != nil {
		return err
	}
	slog.Info("providers wired", "primary", primary.Name(), "fallback", fallback.Name())

	clk := clock.System

	prices, err := loadPriceTable(cfg.Tuning.PriceTablePath)
	if err != nil {
		return err
	}

	// Audit recorder: buffers settled-request rows off the hot path, batch
	// flushing to the DB so a slow write never blocks a response.
	auditRecorder := worker.NewAuditRecorder(store)
	auditStore := newAsyncAuditStore(store, auditRecorder)

	breaker := circuitbreaker.NewBreaker(circuitbreaker.Config{
		FailureThreshold: cfg.Tuning.BreakerFailureThreshold,
		Cooldown:         cfg.Tuning.BreakerCooldown,
	}, clk)

	rateLimiter, err := buildRateLimiter(cfg, store, clk)
	if err != nil {
		return err
	}

	quotaTracker := quota.NewTracker()
	quotaSweep := worker.NewQuotaSweepWorker(quotaTracker, clk)

	runner := worker.NewRunner(auditRecorder, quotaSweep)

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promRegistry.MustRegister(collectors.NewGoCollector())
	promMetrics := telemetry.NewPromMetrics(promRegistry)
	promHandler := promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{})
	metrics := telemetry.NewMetrics()

	var tracer trace.Tracer
	var tracingShutdown func(context.Context) error
	if sampleRate := tracingSampleRate(); sampleRate > 0 {
		ctx := context.Background()
		shutdown, err := telemetry.SetupTracing(ctx, sampleRate)
		if err != nil {
			slog.Warn("tracing setup failed, continuing without tracing", "error", err)
		} else {
			tracingShutdown = shutdown
			tracer = telemetry.Tracer("circuit-gateway/server")
			slog.Info("opentelemetry tracing enabled", "sample_rate", sampleRate)
		}
	}

	p := pipeline.New(pipeline.Deps{
		Auth:            auth.NewStaticKeyAuth(cfg.APIKeys),
		RateLimiter:     rateLimiter,
		Quota:           quotaTracker,
		Store:           auditStore,
		Prices:          prices,
		Counter:         tokencount.NewCounter(),
		Breaker:         breaker,
		Primary:         primary,
		Fallback:        fallback,
		Metrics:         metrics,
		Prom:            promMetrics,
		RetryConfig:     retry.Config{MaxRetries: cfg.Tuning.RetryMaxRetries, BaseDelay: cfg.Tuning.RetryBaseDelay, MaxDelay: cfg.Tuning.RetryMaxDelay},
		DailyLimit:      cfg.DailyUSDLimit,
		MaxOutputTokens: cfg.MaxOutputTokens,
		Clock:           clk,
	})

	handler := server.New(server.Deps{
		Pipeline:    p,
		Metrics:     metrics,
		Prom:        promMetrics,
		PromHandler: promHandler,
		Tracer:      tracer,
		ReadyCheck:  store.Ping,
	})

	srv := &http.Server{
		Addr:              cfg.Tuning.ServerAddr,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.Tuning.UpstreamTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	go func() {
		workerDone <- runner.Run(workerCtx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("circuit-gateway ready", "addr", cfg.Tuning.ServerAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig)
	case err := <-errCh:
		workerCancel()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		workerCancel()
		return err
	}

	// Cancel workers after HTTP shutdown so in-flight requests' audit rows
	// are enqueued before the recorder starts its final drain.
	workerCancel()
	if err := <-workerDone; err != nil {
		slog.Error("worker shutdown error", "error", err)
	}

	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			slog.Error("tracing shutdown error", "error", err)
		}
	}

	slog.Info("circuit-gateway stopped")
	return nil
}

// buildProviders constructs the primary and fallback gateway.Provider pair,
// registering both in a provider.Registry and resolving them back out by
// name rather than handing the constructed values straight through -- this
// is the one place in the binary that knows the concrete adapter types;
// everything downstream (pipeline.Deps) only ever sees gateway.Provider,
// looked up through the registry the way a deployment with more than two
// named upstreams would. PROVIDER=MOCK (the default) wires the
// deterministic in-memory pair so the gateway is runnable without any
// upstream credentials; any other value wires two instances of the
// OpenAI-wire-compatible client, pointed at the primary and fallback
// upstreams named by OPENAI_*/OPENAI_FALLBACK_* env vars -- names outside
// spec.md's fixed env list (which covers client-facing config only), so
// they're read directly here rather than through Config.
func buildProviders(name string, upstreamTimeout time.Duration) (primary, fallback gateway.Provider, err error) {
	registry := provider.NewRegistry()

	if strings.EqualFold(name, "MOCK") {
		registry.Register("primary", &mock.Primary{})
		registry.Register("fallback", &mock.Fallback{})
		return mustGet(registry, "primary"), mustGet(registry, "fallback"), nil
	}

	resolver := &dnscache.Resolver{}
	go func() {
		t := time.NewTicker(5 * time.Minute)
		defer t.Stop()
		for range t.C {
			resolver.Refresh(true)
		}
	}()

	primaryKey := os.Getenv("OPENAI_API_KEY")
	if primaryKey == "" {
		return nil, nil, fmt.Errorf("PROVIDER=%s requires OPENAI_API_KEY", name)
	}
	registry.Register("primary", openai.New("primary", primaryKey, os.Getenv("OPENAI_BASE_URL"), resolver, upstreamTimeout))

	fallbackKey := os.Getenv("OPENAI_FALLBACK_API_KEY")
	if fallbackKey == "" {
		fallbackKey = primaryKey
	}
	registry.Register("fallback", openai.New("fallback", fallbackKey, os.Getenv("OPENAI_FALLBACK_BASE_URL"), resolver, upstreamTimeout))

	slog.Info("providers registered", "names", registry.List())
	return mustGet(registry, "primary"), mustGet(registry, "fallback"), nil
}

// mustGet looks up a name this function just registered itself; an error
// here would mean Register/Get disagree about their own map, so it panics
// rather than threading an impossible error back through buildProviders.
func mustGet(registry *provider.Registry, name string) gateway.Provider {
	p, err := registry.Get(name)
	if err != nil {
		panic(err)
	}
	return p
}

// buildRateLimiter selects the in-process or shared-store admission gate:
// REDIS_URL's presence selects the shared variant (spec.md §6), backed here
// by the same SQLite store the audit ledger uses rather than a Redis client
// -- see DESIGN.md for the substitution rationale.
func buildRateLimiter(cfg *config.Config, store *sqlite.Store, clk clock.Clock) (pipeline.RateLimiter, error) {
	capacity := cfg.RequestsPerMin
	if capacity <= 0 {
		capacity = 60
	}
	refill := cfg.Tuning.RateLimitRefillPerSec
	if refill <= 0 {
		refill = float64(capacity) / 60
	}

	if cfg.RedisURL == "" {
		slog.Info("rate limiter: in-process", "capacity", capacity, "refill_per_sec", refill)
		return pipeline.RegistryLimiter{Registry: ratelimit.NewRegistry(capacity, refill, clk)}, nil
	}

	slog.Info("rate limiter: shared store", "capacity", capacity, "refill_per_sec", refill)
	return pipeline.SharedLimiter{
		Allower:      ratelimit.NewSQLiteShared(store.WriteDB()),
		Capacity:     capacity,
		RefillPerSec: refill,
		Clock:        clk,
	}, nil
}

// loadPriceTable loads the configured price table, falling back to the
// built-in default set when no path is configured.
func loadPriceTable(path string) (*cost.Table, error) {
	if path == "" {
		return cost.DefaultTable(), nil
	}
	table, err := cost.LoadTable(path)
	if err != nil {
		return nil, fmt.Errorf("load price table: %w", err)
	}
	return table, nil
}

// tracingSampleRate reads the optional OTEL_SAMPLE_RATE env var; tracing is
// disabled (the zero value) unless explicitly requested, matching spec.md's
// framing of distributed tracing as ambient, not spec-required, plumbing.
func tracingSampleRate() float64 {
	v := os.Getenv("OTEL_SAMPLE_RATE")
	if v == "" {
		return 0
	}
	var rate float64
	if _, err := fmt.Sscanf(v, "%f", &rate); err != nil {
		return 0
	}
	return rate
}
