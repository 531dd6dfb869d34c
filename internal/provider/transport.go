// Package provider implements the provider registry and shared HTTP
// transport setup for chat-completion upstream adapters.
package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/rs/dnscache"
)

// Timeouts is the layered upstream timeout discipline spec.md §5 names:
// a per-connect dial deadline, a per-read (time-to-response-headers)
// deadline, and a total request deadline, in the reference ratio
// 0.5s/1.0s/1.5s (1:2:3) scaled off whatever total UpstreamTimeout is
// configured.
type Timeouts struct {
	Connect time.Duration
	Read    time.Duration // time to first response header byte
	Total   time.Duration // whole request, including body transfer
}

// TimeoutsFromTotal derives the 1:2:3 connect/read/total split from a single
// configured upstream timeout. A non-positive total disables all three
// (zero Duration means "no deadline" throughout net/http and context).
func TimeoutsFromTotal(total time.Duration) Timeouts {
	if total <= 0 {
		return Timeouts{}
	}
	return Timeouts{
		Connect: total / 3,
		Read:    2 * total / 3,
		Total:   total,
	}
}

// NewTransport returns a tuned *http.Transport with connection pooling,
// optional DNS caching, and the connect/read legs of timeouts applied at the
// dialer and transport level. The total leg is the caller's responsibility
// (context.WithTimeout around the request), since *http.Transport has no
// concept of "time to full response body" for a streaming call. Set
// forceHTTP2 to true for remote HTTPS APIs, false for local HTTP/1.1 servers.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool, timeouts Timeouts) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       200,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     forceHTTP2,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeouts.Read,
	}
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeouts.Connect}
		if resolver == nil {
			return d.DialContext(ctx, network, addr)
		}
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil {
			return nil, err
		}
		return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
	}
	t.DialContext = dial
	return t
}
