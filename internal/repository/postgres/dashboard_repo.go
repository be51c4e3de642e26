package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

// GetDashboard собирает статистику двумя агрегатами вместо выборки строк.
func (db *DB) GetDashboard(ctx context.Context) (*domain.Dashboard, error) {
	d := &domain.Dashboard{}
	d.Instances.ByState = make(map[domain.InstanceState]int)

	rows, err := db.pool.Query(ctx, `SELECT state, COUNT(*) FROM agent_instances GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("postgres: dashboard instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state domain.InstanceState
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("postgres: dashboard instances: %w", err)
		}
		d.Instances.ByState[state] = n
		if !state.IsTerminal() {
			d.Instances.Active += n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending_approval'),
			COUNT(*) FILTER (WHERE safety_tier = 'dangerous')
		FROM tool_calls`
	if err := db.pool.QueryRow(ctx, query).Scan(&d.Risks.PendingApprovals, &d.Risks.DangerousCalls); err != nil {
		return nil, fmt.Errorf("postgres: dashboard risks: %w", err)
	}
	return d, nil
}
