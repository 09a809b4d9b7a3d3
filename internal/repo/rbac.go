package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string, now string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actors(id, created_at) VALUES (?,?)`, actorID, now)
	return err
}

func (r Repo) GrantRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role) VALUES (?,?)`, actorID, role)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, role string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role=?`, actorID, role)
	return err
}

func (r Repo) ActorRoles(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := r.on(tx).QueryContext(ctx, `SELECT role FROM actor_roles WHERE actor_id=? ORDER BY role`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
