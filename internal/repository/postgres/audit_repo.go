package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/audit"
)

// WriteBatch пишет пачку событий через COPY: один round-trip на весь батч.
func (db *DB) WriteBatch(ctx context.Context, events []audit.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	columns := []string{"id", "instance_id", "actor", "kind", "payload", "timestamp"}
	source := pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
		e := events[i]
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload of %s: %w", e.ID, err)
		}
		return []any{e.ID, e.InstanceID, e.Actor, string(e.Kind), payload, e.Timestamp}, nil
	})

	if _, err := db.pool.CopyFrom(ctx, pgx.Identifier{"audit_events"}, columns, source); err != nil {
		return fmt.Errorf("postgres: failed to write audit batch: %w", err)
	}
	return nil
}

// ListEvents: пустой instanceID — все события, limit <= 0 — без ограничения.
func (db *DB) ListEvents(ctx context.Context, instanceID string, limit int) ([]audit.AuditEvent, error) {
	query := `
		SELECT id, instance_id, actor, kind, payload, timestamp
		FROM audit_events
		WHERE $1 = '' OR instance_id = $1
		ORDER BY timestamp
		LIMIT NULLIF($2, 0)`

	if limit < 0 {
		limit = 0
	}
	rows, err := db.pool.Query(ctx, query, instanceID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit events: %w", err)
	}
	defer rows.Close()

	out := make([]audit.AuditEvent, 0)
	for rows.Next() {
		var e audit.AuditEvent
		var payload []byte
		if err := rows.Scan(&e.ID, &e.InstanceID, &e.Actor, &e.Kind, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan audit event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("postgres: decode audit payload: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
