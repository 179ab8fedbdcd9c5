package pgstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/driftbox/authcore"
)

// AuditLog implements [authcore.AuditSink] with an append-only event
// table. Emit runs on the engine's audit dispatcher goroutine, so a slow
// insert never blocks a login; insert failures are logged and dropped.
type AuditLog struct {
	pool *pgxpool.Pool
}

// NewAuditLog returns an audit sink backed by the given pool.
func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

// Emit implements [authcore.AuditSink].
func (l *AuditLog) Emit(ctx context.Context, event authcore.AuditEvent) {
	const query = `
		INSERT INTO audit_events
			(occurred_at, event_type, account_id, session_id, device_id,
			 source_addr, success, error_text, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	var metadata []byte
	if len(event.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(event.Metadata)
		if err != nil {
			log.Print("pgstore: audit metadata marshal failed")
			metadata = nil
		}
	}

	_, err := l.pool.Exec(ctx, query,
		event.Timestamp.UTC(), event.EventType,
		event.AccountID, event.SessionID, event.DeviceID,
		event.SourceAddr, event.Success, event.Error, metadata)
	if err != nil {
		log.Print("pgstore: audit insert failed")
	}
}

// Purge deletes audit rows older than the retention cutoff and returns
// how many were removed. Meant for a periodic maintenance job.
func (l *AuditLog) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	const query = `DELETE FROM audit_events WHERE occurred_at < $1`

	tag, err := l.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", authcore.ErrStoreUnavailable, err)
	}
	return tag.RowsAffected(), nil
}
