package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

const toolCallColumns = `id, instance_id, owner_id, org_id, tool_id, arguments, safety_tier, status, reason,
	requested_at, deadline, resolved_at, resolved_by`

func (db *DB) CreateToolCall(ctx context.Context, c *domain.ToolCall) error {
	args := c.Arguments
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO tool_calls (` + toolCallColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	_, err := db.pool.Exec(ctx, query,
		c.ID, c.InstanceID, c.OwnerID, c.OrgID, c.ToolID, []byte(args), c.SafetyTier, c.Status, c.Reason,
		c.RequestedAt, c.Deadline, c.ResolvedAt, c.ResolvedBy)
	if err != nil {
		return fmt.Errorf("postgres: failed to create tool call: %w", err)
	}
	return nil
}

func (db *DB) GetToolCall(ctx context.Context, id string) (*domain.ToolCall, error) {
	query := `SELECT ` + toolCallColumns + ` FROM tool_calls WHERE id = $1`

	c, err := scanToolCall(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrToolCallNotFound, id)
		}
		return nil, fmt.Errorf("postgres: get tool call: %w", err)
	}
	return c, nil
}

// TransitionToolCall выполняет атомарный переход статуса.
// Условие status = from в WHERE гарантирует, что из двух конкурирующих решений
// (человек и таймаут, два оператора) пройдет ровно одно.
func (db *DB) TransitionToolCall(ctx context.Context, id string, from, to domain.ToolCallStatus, actor, reason string, at time.Time) (*domain.ToolCall, error) {
	check := domain.ToolCall{Status: from}
	if err := check.CanTransitionTo(to); err != nil {
		return nil, err
	}

	query := `
		UPDATE tool_calls
		SET status = $3,
		    reason = CASE WHEN $4 <> '' THEN $4 ELSE reason END,
		    resolved_at = CASE WHEN $2 = 'pending_approval' THEN $5 ELSE resolved_at END,
		    resolved_by = CASE WHEN $2 = 'pending_approval' THEN $6 ELSE resolved_by END
		WHERE id = $1 AND status = $2
		RETURNING ` + toolCallColumns

	c, err := scanToolCall(db.pool.QueryRow(ctx, query, id, string(from), string(to), reason, at, actor))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Либо вызова нет, либо его уже перевел кто-то другой
			if _, getErr := db.GetToolCall(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrAlreadyProcessed
		}
		return nil, fmt.Errorf("postgres: transition tool call: %w", err)
	}
	return c, nil
}

// ListToolCalls: пустой status — все вызовы.
func (db *DB) ListToolCalls(ctx context.Context, status domain.ToolCallStatus) ([]*domain.ToolCall, error) {
	query := `SELECT ` + toolCallColumns + ` FROM tool_calls WHERE $1 = '' OR status = $1 ORDER BY requested_at`

	rows, err := db.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query tool calls: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ToolCall, 0)
	for rows.Next() {
		c, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan tool call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (db *DB) ListInstanceToolCalls(ctx context.Context, instanceID string) ([]*domain.ToolCall, error) {
	query := `SELECT ` + toolCallColumns + ` FROM tool_calls WHERE instance_id = $1 ORDER BY requested_at`

	rows, err := db.pool.Query(ctx, query, instanceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query instance tool calls: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.ToolCall, 0)
	for rows.Next() {
		c, err := scanToolCall(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan tool call: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanToolCall(row pgx.Row) (*domain.ToolCall, error) {
	var c domain.ToolCall
	var args []byte
	err := row.Scan(
		&c.ID, &c.InstanceID, &c.OwnerID, &c.OrgID, &c.ToolID, &args, &c.SafetyTier, &c.Status, &c.Reason,
		&c.RequestedAt, &c.Deadline, &c.ResolvedAt, &c.ResolvedBy,
	)
	if err != nil {
		return nil, err
	}
	c.Arguments = json.RawMessage(args)
	return &c, nil
}
