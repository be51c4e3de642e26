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

const instanceColumns = `id, template_id, template_version, owner_id, org_id, parent_instance_id, root_instance_id,
	depth, model, effective_permissions, state, step_count, spawned_count, transcript, result, error,
	created_at, updated_at, deadline`

// terminalStates: для фильтров "активных" инстансов в SQL.
var terminalStates = []string{
	string(domain.StateCompleted), string(domain.StateFailed),
	string(domain.StateTimeout), string(domain.StateCancelled),
}

func (db *DB) CreateInstance(ctx context.Context, inst *domain.AgentInstance) error {
	perms, transcript, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO agent_instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err = db.pool.Exec(ctx, query,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.OwnerID, inst.OrgID,
		nullable(inst.ParentInstanceID), inst.RootInstanceID, inst.Depth, inst.Model,
		perms, inst.State, inst.StepCount, inst.SpawnedCount, transcript, inst.Result, inst.Error,
		inst.CreatedAt, inst.UpdatedAt, inst.Deadline)
	if err != nil {
		return fmt.Errorf("postgres: failed to create instance: %w", err)
	}
	return nil
}

// SaveInstance перезаписывает изменяемую часть. Терминальная запись больше не меняется.
func (db *DB) SaveInstance(ctx context.Context, inst *domain.AgentInstance) error {
	_, transcript, err := encodeInstance(inst)
	if err != nil {
		return err
	}

	query := `
		UPDATE agent_instances
		SET state = $2, step_count = $3, spawned_count = $4, transcript = $5,
		    result = $6, error = $7, updated_at = $8
		WHERE id = $1 AND state <> ALL($9)`

	ct, err := db.pool.Exec(ctx, query,
		inst.ID, inst.State, inst.StepCount, inst.SpawnedCount, transcript,
		inst.Result, inst.Error, inst.UpdatedAt, terminalStates)
	if err != nil {
		return fmt.Errorf("postgres: failed to save instance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		// Отличаем "нет такого" от "уже терминальный"
		if _, err := db.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
		return fmt.Errorf("postgres: instance %s is terminal", inst.ID)
	}
	return nil
}

func (db *DB) GetInstance(ctx context.Context, id string) (*domain.AgentInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM agent_instances WHERE id = $1`

	inst, err := scanInstance(db.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", domain.ErrInstanceNotFound, id)
		}
		return nil, fmt.Errorf("postgres: get instance: %w", err)
	}
	return inst, nil
}

func (db *DB) ListInstancesByState(ctx context.Context, states ...domain.InstanceState) ([]*domain.AgentInstance, error) {
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	query := `SELECT ` + instanceColumns + ` FROM agent_instances WHERE state = ANY($1) ORDER BY created_at`
	return db.queryInstances(ctx, query, names)
}

func (db *DB) ListChildren(ctx context.Context, parentID string) ([]*domain.AgentInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM agent_instances WHERE parent_instance_id = $1 ORDER BY created_at`
	return db.queryInstances(ctx, query, parentID)
}

// CountActive: нетерминальные инстансы владельца, организации и платформы одним запросом.
func (db *DB) CountActive(ctx context.Context, ownerID, orgID string) (domain.ActiveCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE owner_id = $1),
			COUNT(*) FILTER (WHERE $2 <> '' AND org_id = $2),
			COUNT(*)
		FROM agent_instances
		WHERE state <> ALL($3)`

	var c domain.ActiveCounts
	if err := db.pool.QueryRow(ctx, query, ownerID, orgID, terminalStates).Scan(&c.Owner, &c.Org, &c.Total); err != nil {
		return c, fmt.Errorf("postgres: count active instances: %w", err)
	}
	return c, nil
}

// ClaimInstance берет аренду инстанса для реплики. Удается, если аренды нет,
// она уже своя или истекла. Время сравнивается по часам базы.
func (db *DB) ClaimInstance(ctx context.Context, id, replicaID string, ttl time.Duration) (bool, error) {
	query := `
		UPDATE agent_instances
		SET runner_id = $2, lease_until = NOW() + make_interval(secs => $3)
		WHERE id = $1 AND state <> ALL($4)
		  AND (runner_id IS NULL OR runner_id = $2 OR lease_until IS NULL OR lease_until < NOW())`

	ct, err := db.pool.Exec(ctx, query, id, replicaID, ttl.Seconds(), terminalStates)
	if err != nil {
		return false, fmt.Errorf("postgres: claim instance: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// RenewLeases продлевает аренды реплики. Перехваченные другой репликой не трогает.
func (db *DB) RenewLeases(ctx context.Context, replicaID string, ids []string, ttl time.Duration) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE agent_instances
		SET lease_until = NOW() + make_interval(secs => $3)
		WHERE runner_id = $1 AND id = ANY($2)`

	if _, err := db.pool.Exec(ctx, query, replicaID, ids, ttl.Seconds()); err != nil {
		return fmt.Errorf("postgres: renew leases: %w", err)
	}
	return nil
}

func (db *DB) ReleaseLeases(ctx context.Context, replicaID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE agent_instances
		SET runner_id = NULL, lease_until = NULL
		WHERE runner_id = $1 AND id = ANY($2)`

	if _, err := db.pool.Exec(ctx, query, replicaID, ids); err != nil {
		return fmt.Errorf("postgres: release leases: %w", err)
	}
	return nil
}

func (db *DB) queryInstances(ctx context.Context, query string, args ...any) ([]*domain.AgentInstance, error) {
	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query instances: %w", err)
	}
	defer rows.Close()

	out := make([]*domain.AgentInstance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan instance: %w", err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row pgx.Row) (*domain.AgentInstance, error) {
	var (
		inst              domain.AgentInstance
		parent            *string
		perms, transcript []byte
	)
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.OwnerID, &inst.OrgID, &parent, &inst.RootInstanceID,
		&inst.Depth, &inst.Model, &perms, &inst.State, &inst.StepCount, &inst.SpawnedCount, &transcript, &inst.Result, &inst.Error,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.Deadline,
	)
	if err != nil {
		return nil, err
	}
	if parent != nil {
		inst.ParentInstanceID = *parent
	}
	if err := json.Unmarshal(perms, &inst.EffectivePermissions); err != nil {
		return nil, fmt.Errorf("decode permissions: %w", err)
	}
	if err := json.Unmarshal(transcript, &inst.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return &inst, nil
}

func encodeInstance(inst *domain.AgentInstance) (perms, transcript []byte, err error) {
	perms, err = json.Marshal(inst.EffectivePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode permissions: %w", err)
	}
	msgs := inst.Transcript
	if msgs == nil {
		msgs = []domain.Message{}
	}
	transcript, err = json.Marshal(msgs)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: encode transcript: %w", err)
	}
	return perms, transcript, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
