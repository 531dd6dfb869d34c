package sqlite

import (
	"context"
	"database/sql"
	"errors"
)

// Accrue adds usd to the (clientHash, date) row, ported from
// original_source/circuit/storage/sqlite.py's add_spend upsert. Accrual is
// additive, not a set, so concurrent settlements for the same client/day
// never clobber each other.
func (s *Store) Accrue(ctx context.Context, clientHash, date string, usd float64) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO quota_usage (client_key_hash, date, usd_spent)
		VALUES (?, ?, ?)
		ON CONFLICT(client_key_hash, date) DO UPDATE SET usd_spent = usd_spent + excluded.usd_spent`,
		clientHash, date, usd)
	return err
}

// SpentToday returns the accumulated spend for (clientHash, date), matching
// original_source's get_daily_spend: 0 when no row exists yet.
func (s *Store) SpentToday(ctx context.Context, clientHash, date string) (float64, error) {
	var spent float64
	err := s.read.QueryRowContext(ctx,
		`SELECT usd_spent FROM quota_usage WHERE client_key_hash = ? AND date = ?`,
		clientHash, date,
	).Scan(&spent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return spent, nil
}
