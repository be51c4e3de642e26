package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

func (db *DB) CreateUser(ctx context.Context, u *domain.User) error {
	query := `
		INSERT INTO users (id, username, password_hash, org_id, admin_of_orgs, platform_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		u.ID, u.Username, u.PasswordHash, u.OrgID, nonNil(u.AdminOfOrgs), u.PlatformAdmin, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create user: %w", err)
	}
	return nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*domain.User, error) {
	return db.getUser(ctx, "username", username)
}

func (db *DB) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	return db.getUser(ctx, "id", id)
}

// getUser: column — только литерал из этого файла.
func (db *DB) getUser(ctx context.Context, column, value string) (*domain.User, error) {
	query := `
		SELECT id, username, password_hash, org_id, admin_of_orgs, platform_admin, created_at
		FROM users WHERE ` + column + ` = $1`

	var u domain.User
	err := db.pool.QueryRow(ctx, query, value).Scan(
		&u.ID, &u.Username, &u.PasswordHash, &u.OrgID, &u.AdminOfOrgs, &u.PlatformAdmin, &u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("user %s not found", value)
		}
		return nil, fmt.Errorf("postgres: get user: %w", err)
	}
	return &u, nil
}

// SetStrictOwner включает/выключает строгий режим владельца.
func (db *DB) SetStrictOwner(ctx context.Context, ownerID string, on bool) error {
	var err error
	if on {
		_, err = db.pool.Exec(ctx, `INSERT INTO strict_owners (owner_id) VALUES ($1) ON CONFLICT DO NOTHING`, ownerID)
	} else {
		_, err = db.pool.Exec(ctx, `DELETE FROM strict_owners WHERE owner_id = $1`, ownerID)
	}
	if err != nil {
		return fmt.Errorf("postgres: set strict owner: %w", err)
	}
	return nil
}

func (db *DB) GetStrictOwners(ctx context.Context) ([]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT owner_id FROM strict_owners ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query strict owners: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan strict owners: %w", err)
	}
	return ids, nil
}
