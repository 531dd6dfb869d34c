// Package storage defines persistence interfaces for the gateway: the
// write-once audit ledger and the daily spend-quota ledger spec.md §6's
// persisted state layout names.
package storage

import (
	"context"
	"time"
)

// AuditRow is one settled request, written exactly once (spec.md §3's
// AuditRow type).
type AuditRow struct {
	RequestID    string
	Timestamp    time.Time
	Provider     string
	Model        string
	StatusCode   int
	LatencyMs    int64
	TokensInput  *int
	TokensOutput *int
	CostUSD      float64
}

// AuditStore manages the write-once request audit ledger.
type AuditStore interface {
	InsertAudit(ctx context.Context, row AuditRow) error
}

// QuotaStore manages the per-client, per-day spend ledger.
type QuotaStore interface {
	// Accrue adds usd to the (clientHash, date) row, creating it if absent.
	Accrue(ctx context.Context, clientHash, date string, usd float64) error
	// SpentToday returns the accumulated spend for (clientHash, date), 0 if
	// no row exists yet.
	SpentToday(ctx context.Context, clientHash, date string) (float64, error)
}

// Store combines all storage interfaces the gateway needs.
type Store interface {
	AuditStore
	QuotaStore
	Ping(ctx context.Context) error
	Close() error
}
