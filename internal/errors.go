package gateway

import "errors"

// Sentinel errors for the gateway domain, trimmed to the codes the external
// interface actually names. Mapped to HTTP status once, at the pipeline
// boundary, via errors.Is -- the same pattern the teacher uses for its own
// (larger) sentinel table.
var (
	ErrAuthentication     = errors.New("authentication_error")
	ErrRateLimited        = errors.New("rate_limited")
	ErrQuotaExceeded      = errors.New("quota_exceeded")
	ErrTimeout            = errors.New("timeout")
	ErrServerError        = errors.New("server_error")
	ErrUpstreamRateLimit  = errors.New("rate_limit")
	ErrFallbackFailed     = errors.New("fallback_failed")
	ErrRetryExhausted     = errors.New("retry_exhausted")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrProviderError      = errors.New("provider_error")
)

// Code returns the error-envelope code for a sentinel (or a wrapped one).
// Falls back to "server_error" for anything unrecognized.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "authentication_error"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrUpstreamRateLimit):
		return "rate_limit"
	case errors.Is(err, ErrFallbackFailed):
		return "fallback_failed"
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrServiceUnavailable):
		return "service_unavailable"
	case errors.Is(err, ErrProviderError):
		return "provider_error"
	default:
		return "server_error"
	}
}

// HTTPStatus maps a sentinel error to the HTTP status spec.md §6 names.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrAuthentication):
		return 401
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrQuotaExceeded):
		return 429
	case errors.Is(err, ErrFallbackFailed), errors.Is(err, ErrServiceUnavailable):
		return 503
	case errors.Is(err, ErrProviderError), errors.Is(err, ErrTimeout), errors.Is(err, ErrServerError), errors.Is(err, ErrUpstreamRateLimit):
		return 502
	default:
		return 500
	}
}
