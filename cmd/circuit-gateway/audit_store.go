package main

import (
	"context"

	"github.com/circuitgw/gateway/internal/storage"
	"github.com/circuitgw/gateway/internal/worker"
)

// asyncAuditStore implements storage.Store by delegating InsertAudit to an
// AuditRecorder's buffered channel instead of writing the DB inline, so the
// audit/metrics failures SPEC_FULL.md's ambient-recorder requirement names
// never block the user-visible response. Quota reads/writes and Ping/Close
// still go straight to the underlying store -- only the audit write path
// needs to leave the request's hot path.
type asyncAuditStore struct {
	storage.Store
	recorder *worker.AuditRecorder
}

// newAsyncAuditStore wraps store so pipeline writes enqueue onto recorder
// instead of hitting the DB synchronously.
func newAsyncAuditStore(store storage.Store, recorder *worker.AuditRecorder) *asyncAuditStore {
	return &asyncAuditStore{Store: store, recorder: recorder}
}

// InsertAudit enqueues row for the AuditRecorder's background flush loop.
// It never returns an error: the row is either enqueued or dropped with a
// logged warning on back-pressure, matching AuditRecorder.Record's contract.
func (a *asyncAuditStore) InsertAudit(_ context.Context, row storage.AuditRow) error {
	a.recorder.Record(row)
	return nil
}
