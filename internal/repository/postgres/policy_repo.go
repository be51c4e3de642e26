package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

const policyColumns = `id, scope, subject_id, allowed_tools, allowed_models, max_steps, max_children, max_depth,
	max_concurrent_instances, approval_timeout_ms, wall_clock_timeout_ms, updated_by, updated_at`

// GetAllPolicies выполняет "холодную загрузку" всех политик при старте.
func (db *DB) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+policyColumns+` FROM policies`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	var results []domain.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		results = append(results, *p)
	}
	return results, rows.Err()
}

func (db *DB) GetPolicy(ctx context.Context, scope domain.Scope, subjectID string) (*domain.Policy, error) {
	query := `SELECT ` + policyColumns + ` FROM policies WHERE scope = $1 AND subject_id = $2`

	p, err := scanPolicy(db.pool.QueryRow(ctx, query, scope, subjectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrPolicyNotFound
		}
		return nil, fmt.Errorf("postgres: get policy: %w", err)
	}
	return p, nil
}

// UpsertPolicy: одна политика на (scope, subject).
func (db *DB) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	query := `
		INSERT INTO policies (` + policyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (scope, subject_id) DO UPDATE SET
			allowed_tools = EXCLUDED.allowed_tools,
			allowed_models = EXCLUDED.allowed_models,
			max_steps = EXCLUDED.max_steps,
			max_children = EXCLUDED.max_children,
			max_depth = EXCLUDED.max_depth,
			max_concurrent_instances = EXCLUDED.max_concurrent_instances,
			approval_timeout_ms = EXCLUDED.approval_timeout_ms,
			wall_clock_timeout_ms = EXCLUDED.wall_clock_timeout_ms,
			updated_by = EXCLUDED.updated_by,
			updated_at = NOW()`

	_, err := db.pool.Exec(ctx, query,
		p.ID, p.Scope, p.SubjectID, nonNil(p.AllowedTools), nonNil(p.AllowedModels),
		p.MaxSteps, p.MaxChildren, p.MaxDepth, p.MaxConcurrentInstances,
		p.ApprovalTimeout.Milliseconds(), p.WallClockTimeout.Milliseconds(), p.UpdatedBy)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert policy: %w", err)
	}
	return nil
}

func scanPolicy(row pgx.Row) (*domain.Policy, error) {
	var p domain.Policy
	var approvalMs, wallClockMs int64
	err := row.Scan(
		&p.ID, &p.Scope, &p.SubjectID, &p.AllowedTools, &p.AllowedModels, &p.MaxSteps, &p.MaxChildren, &p.MaxDepth,
		&p.MaxConcurrentInstances, &approvalMs, &wallClockMs, &p.UpdatedBy, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ApprovalTimeout = time.Duration(approvalMs) * time.Millisecond
	p.WallClockTimeout = time.Duration(wallClockMs) * time.Millisecond
	return &p, nil
}
