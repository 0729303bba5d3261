package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"ssocore.org/internal/audit"
)

// AuditSink appends entries to audit_log. The table rejects updates and
// deletes through rules installed by the schema.
type AuditSink struct {
	db *sql.DB
}

var _ audit.Sink = (*AuditSink)(nil)

func (s *AuditSink) Write(ctx context.Context, e audit.Entry) error {
	meta := []byte("{}")
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = b
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor, action, target, outcome, severity, ip, user_agent, request_id, metadata)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.OccurredAt.UTC(), e.Actor, e.Action, e.Target, string(e.Outcome), string(e.Severity),
		e.IP, e.UserAgent, e.RequestID, meta)
	return mapErr("insert audit entry", err)
}

// ListByActor returns the most recent entries for actor, newest first.
func (s *AuditSink) ListByActor(ctx context.Context, actor string, since time.Time, limit int) ([]audit.Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, actor, action, target, outcome, severity, ip, user_agent, request_id, metadata
		from audit_log
		where actor = $1 and occurred_at >= $2
		order by occurred_at desc
		limit $3
	`, actor, since.UTC(), limit)
	if err != nil {
		return nil, mapErr("list audit", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var (
			e                 audit.Entry
			outcome, severity string
			meta              []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.Action, &e.Target, &outcome, &severity,
			&e.IP, &e.UserAgent, &e.RequestID, &meta); err != nil {
			return nil, mapErr("scan audit", err)
		}
		e.Outcome = audit.Outcome(outcome)
		e.Severity = audit.Severity(severity)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
