package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

const uniqueViolation = "23505"

const templateColumns = `id, version, name, scope, owner_id, org_id, allowed_tools, allowed_models,
	execution_mode, max_steps, allowed_spawn_templates, system_prompt, strict_mode, retired, created_at`

// CreateTemplate сохраняет новую неизменяемую версию. Версия должна быть новее последней;
// гонку двух публикаций одной версии ловит первичный ключ (id, version).
func (db *DB) CreateTemplate(ctx context.Context, t *domain.AgentTemplate) error {
	query := `
		INSERT INTO agent_templates (` + templateColumns + `)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE, $14
		WHERE NOT EXISTS (SELECT 1 FROM agent_templates WHERE id = $1 AND version >= $2)`

	ct, err := db.pool.Exec(ctx, query,
		t.ID, t.Version, t.Name, t.Scope, t.OwnerID, t.OrgID, t.AllowedTools, t.AllowedModels,
		t.ExecutionMode, t.MaxSteps, nonNil(t.AllowedSpawnTemplates), t.SystemPrompt, t.StrictMode, t.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s v%d", domain.ErrVersionConflict, t.ID, t.Version)
		}
		return fmt.Errorf("postgres: failed to create template: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s v%d is not newer", domain.ErrVersionConflict, t.ID, t.Version)
	}
	return nil
}

// GetTemplate: version 0 — последняя версия.
func (db *DB) GetTemplate(ctx context.Context, id string, version int) (*domain.AgentTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM agent_templates WHERE id = $1`
	args := []any{id}
	if version > 0 {
		query += ` AND version = $2`
		args = append(args, version)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	t, err := scanTemplate(db.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s v%d", domain.ErrTemplateNotFound, id, version)
		}
		return nil, fmt.Errorf("postgres: get template: %w", err)
	}
	return t, nil
}

// RetireTemplate делает мягкое удаление, все версии помечаются retired.
func (db *DB) RetireTemplate(ctx context.Context, id string) error {
	ct, err := db.pool.Exec(ctx, `UPDATE agent_templates SET retired = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to retire template: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", domain.ErrTemplateNotFound, id)
	}
	return nil
}

// ListTemplates: последние версии всех шаблонов.
func (db *DB) ListTemplates(ctx context.Context) ([]*domain.AgentTemplate, error) {
	query := `
		SELECT DISTINCT ON (id) ` + templateColumns + `
		FROM agent_templates
		ORDER BY id, version DESC`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query templates: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.AgentTemplate, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (*domain.AgentTemplate, error) {
	var t domain.AgentTemplate
	err := row.Scan(
		&t.ID, &t.Version, &t.Name, &t.Scope, &t.OwnerID, &t.OrgID, &t.AllowedTools, &t.AllowedModels,
		&t.ExecutionMode, &t.MaxSteps, &t.AllowedSpawnTemplates, &t.SystemPrompt, &t.StrictMode, &t.Retired, &t.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nonNil: пустой массив вместо NULL для NOT NULL колонок.
func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
