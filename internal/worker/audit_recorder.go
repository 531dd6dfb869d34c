package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/circuitgw/gateway/internal/storage"
)

const (
	auditChanSize   = 1000
	auditBatchSize  = 100
	auditFlushEvery = 5 * time.Second
	auditDrainTime  = 30 * time.Second
)

// AuditRecorder buffers settled-request audit rows and flushes them to the
// store off the request's hot path. Rows are dropped if the channel is
// full (back-pressure on a slow DB beats blocking a response).
type AuditRecorder struct {
	ch    chan storage.AuditRow
	store storage.AuditStore
}

// NewAuditRecorder creates an AuditRecorder backed by store.
func NewAuditRecorder(store storage.AuditStore) *AuditRecorder {
	return &AuditRecorder{
		ch:    make(chan storage.AuditRow, auditChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *AuditRecorder) Name() string { return "audit_recorder" }

// Record enqueues an audit row. It never blocks; drops on a full channel.
func (u *AuditRecorder) Record(row storage.AuditRow) {
	select {
	case u.ch <- row:
	default:
		slog.Warn("audit row dropped, channel full")
	}
}

// Run processes rows until ctx is cancelled, then drains whatever remains.
func (u *AuditRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(auditFlushEvery)
	defer ticker.Stop()

	buf := make([]storage.AuditRow, 0, auditBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= auditBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *AuditRecorder) drain(buf []storage.AuditRow) {
	ctx, cancel := context.WithTimeout(context.Background(), auditDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= auditBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

// flush writes each buffered row via the store's single-row InsertAudit:
// the audit table has no batch-insert contract, unlike the teacher's
// analytics usage table.
func (u *AuditRecorder) flush(ctx context.Context, buf []storage.AuditRow) {
	batch := make([]storage.AuditRow, len(buf))
	copy(batch, buf)

	for _, row := range batch {
		if err := u.store.InsertAudit(ctx, row); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "audit row insert failed",
				slog.String("request_id", row.RequestID),
				slog.String("error", err.Error()),
			)
		}
	}
}
