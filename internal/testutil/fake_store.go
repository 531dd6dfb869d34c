package testutil

import (
	"context"
	"sync"

	"github.com/circuitgw/gateway/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu     sync.Mutex
	audits []storage.AuditRow
	spend  map[string]float64 // clientHash|date -> accumulated USD
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{spend: make(map[string]float64)}
}

// Audits returns a copy of every audit row recorded so far.
func (s *FakeStore) Audits() []storage.AuditRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]storage.AuditRow, len(s.audits))
	copy(out, s.audits)
	return out
}

// InsertAudit appends row to the in-memory ledger.
func (s *FakeStore) InsertAudit(_ context.Context, row storage.AuditRow) error {
	s.mu.Lock()
	s.audits = append(s.audits, row)
	s.mu.Unlock()
	return nil
}

// Accrue adds usd to the (clientHash, date) row.
func (s *FakeStore) Accrue(_ context.Context, clientHash, date string, usd float64) error {
	s.mu.Lock()
	s.spend[clientHash+"|"+date] += usd
	s.mu.Unlock()
	return nil
}

// SpentToday returns the accumulated spend for (clientHash, date).
func (s *FakeStore) SpentToday(_ context.Context, clientHash, date string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spend[clientHash+"|"+date], nil
}

// Ping always succeeds.
func (s *FakeStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *FakeStore) Close() error { return nil }
