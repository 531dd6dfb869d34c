package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SharedAllower is the atomic store operation the shared-store variant
// needs: read-refill-compare-write as a single round trip to the lock
// holder, exactly the linearizability guarantee spec.md §4.1 asks of a
// server-side script. No example repo in the pack imports a KV client
// (go-redis or otherwise); this repo backs the contract with the same
// modernc.org/sqlite store the audit ledger already uses, via a single
// BEGIN IMMEDIATE transaction. See DESIGN.md for the substitution rationale.
type SharedAllower interface {
	AllowShared(ctx context.Context, clientHash string, capacity int64, refillPerSec float64, now time.Time) (bool, error)
}

// SQLiteShared implements SharedAllower against a *sql.DB holding the
// rate_limit_buckets table (see storage/sqlite/migrations).
type SQLiteShared struct {
	db *sql.DB
}

// NewSQLiteShared returns a SharedAllower backed by db.
func NewSQLiteShared(db *sql.DB) *SQLiteShared {
	return &SQLiteShared{db: db}
}

// bucketTTL matches spec.md §4.1: "the stored record expires after 24 hours
// of inactivity" -- rows whose last refill is older than this are treated
// as absent and reinitialized to full, same as the in-process eviction policy.
const bucketTTL = 24 * time.Hour

// AllowShared performs the atomic read-refill-compare-write against the
// shared store inside one BEGIN IMMEDIATE transaction: SQLite's IMMEDIATE
// lock is acquired before any read, so no other writer can interleave a
// refill between this transaction's read and write, giving the same
// single-round-trip atomicity a Lua script gives Redis.
//
// A dedicated connection (not sql.Tx) is used so the raw "BEGIN IMMEDIATE"
// statement acquires the write lock up front; sql.Tx's BeginTx always
// defers locking to the first write, which would let two admission checks
// interleave their reads.
func (s *SQLiteShared) AllowShared(ctx context.Context, clientHash string, capacity int64, refillPerSec float64, now time.Time) (bool, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("ratelimit: conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return false, fmt.Errorf("ratelimit: begin immediate: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	var tokens float64
	var lastRefill int64
	row := conn.QueryRowContext(ctx,
		`SELECT tokens, last_refill_unix FROM rate_limit_buckets WHERE client_hash = ?`, clientHash)
	err = row.Scan(&tokens, &lastRefill)

	nowUnix := now.Unix()
	switch {
	case err == sql.ErrNoRows:
		tokens = float64(capacity)
		lastRefill = nowUnix
	case err != nil:
		return false, fmt.Errorf("ratelimit: read bucket: %w", err)
	case now.Sub(time.Unix(lastRefill, 0)) >= bucketTTL:
		// Expired per the 24h inactivity TTL: reinitialize to full.
		tokens = float64(capacity)
		lastRefill = nowUnix
	default:
		elapsed := float64(nowUnix - lastRefill)
		if elapsed > 0 {
			tokens = min(float64(capacity), tokens+elapsed*refillPerSec)
			lastRefill = nowUnix
		}
	}

	allowed := tokens >= 1
	if allowed {
		tokens--
	}

	_, err = conn.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (client_hash, tokens, last_refill_unix)
		VALUES (?, ?, ?)
		ON CONFLICT(client_hash) DO UPDATE SET
			tokens = excluded.tokens,
			last_refill_unix = excluded.last_refill_unix`,
		clientHash, tokens, lastRefill)
	if err != nil {
		return false, fmt.Errorf("ratelimit: write bucket: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return false, fmt.Errorf("ratelimit: commit: %w", err)
	}
	committed = true
	return allowed, nil
}
