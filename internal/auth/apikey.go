// Package auth implements bearer-token authentication against the static
// allowlist configured via CIRCUIT_API_KEYS (spec.md §6). There is no
// key-management store: keys are provisioned out of band and the gateway
// only ever checks set membership.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	gateway "github.com/circuitgw/gateway/internal"
)

// StaticKeyAuth authenticates requests by comparing the bearer credential's
// hash against a fixed set of accepted hashes, loaded once at startup.
type StaticKeyAuth struct {
	hashes map[string]struct{}
}

// NewStaticKeyAuth builds a StaticKeyAuth from the raw configured keys,
// hashing each with the same HashKey used to derive the ClientIdentity.
func NewStaticKeyAuth(rawKeys []string) *StaticKeyAuth {
	hashes := make(map[string]struct{}, len(rawKeys))
	for _, k := range rawKeys {
		hashes[gateway.HashKey(k)] = struct{}{}
	}
	return &StaticKeyAuth{hashes: hashes}
}

// Authenticate extracts a Bearer token from the Authorization header and
// checks it against the allowlist. The comparison runs in constant time so
// a near-miss credential can't be distinguished from a wildly wrong one by
// timing.
func (a *StaticKeyAuth) Authenticate(_ context.Context, r *http.Request) (*gateway.ClientIdentity, error) {
	header := r.Header.Get("Authorization")
	raw := strings.TrimPrefix(header, "Bearer ")
	if raw == "" || raw == header {
		return nil, gateway.ErrAuthentication
	}

	hash := gateway.HashKey(raw)
	for known := range a.hashes {
		if subtle.ConstantTimeCompare([]byte(known), []byte(hash)) == 1 {
			return &gateway.ClientIdentity{Hash: hash}, nil
		}
	}
	return nil, gateway.ErrAuthentication
}
