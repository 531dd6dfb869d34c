package testutil

import (
	"context"
	"net/http"

	gateway "github.com/circuitgw/gateway/internal"
)

// FakeAuth always authenticates successfully with a fixed client identity.
type FakeAuth struct {
	Hash string
}

// Authenticate returns a test identity. If Hash is unset, "test-client" is used.
func (f FakeAuth) Authenticate(_ context.Context, _ *http.Request) (*gateway.ClientIdentity, error) {
	hash := f.Hash
	if hash == "" {
		hash = "test-client"
	}
	return &gateway.ClientIdentity{Hash: hash}, nil
}

// RejectAuth always rejects authentication.
type RejectAuth struct{}

// Authenticate always returns ErrAuthentication.
func (RejectAuth) Authenticate(context.Context, *http.Request) (*gateway.ClientIdentity, error) {
	return nil, gateway.ErrAuthentication
}
