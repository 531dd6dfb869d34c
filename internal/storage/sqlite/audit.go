package sqlite

import (
	"context"

	"github.com/circuitgw/gateway/internal/storage"
)

// InsertAudit writes one audit row. request_id is the primary key, so a
// duplicate insert (which should never happen -- rows are write-once) fails
// loudly instead of silently overwriting.
func (s *Store) InsertAudit(ctx context.Context, row storage.AuditRow) error {
	_, err := s.write.ExecContext(ctx, `
		INSERT INTO requests
			(request_id, timestamp, provider, model, status_code, latency_ms, tokens_input, tokens_output, cost_usd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.RequestID, row.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"),
		row.Provider, row.Model, row.StatusCode, row.LatencyMs,
		row.TokensInput, row.TokensOutput, row.CostUSD,
	)
	return err
}
