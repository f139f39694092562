package repo

import (
	"context"
	"database/sql"
)

func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id) VALUES (?)`, actorID)
	return err
}

func (r Repo) EnsureOrg(ctx context.Context, tx *sql.Tx, orgID, name string) error {
	if name == "" {
		name = orgID
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO orgs(id, name) VALUES (?,?)`, orgID, name)
	return err
}

func (r Repo) AssignOrgRole(ctx context.Context, tx *sql.Tx, orgID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO org_roles(actor_id, org_id, role_id) VALUES (?,?,?)`, actorID, orgID, roleID)
	return err
}

func (r Repo) InsertRole(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO roles(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) InsertPermission(ctx context.Context, tx *sql.Tx, id, desc string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permissions(id, description) VALUES (?,?)`, id, desc)
	return err
}

func (r Repo) AddRolePermission(ctx context.Context, tx *sql.Tx, roleID, permID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_permissions(role_id, permission_id) VALUES (?,?)`, roleID, permID)
	return err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, project_id, role_id) VALUES (?,?,?)`, actorID, projectID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND project_id=? AND role_id=?`, actorID, projectID, roleID)
	return err
}

func (r Repo) RoleExists(ctx context.Context, tx *sql.Tx, roleID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM roles WHERE id = ?`, roleID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// AllowGateRole grants a role authority over a gate. An existing deny row
// flips back to allowed.
func (r Repo) AllowGateRole(ctx context.Context, tx *sql.Tx, projectID, gate, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_authorities(project_id, gate, role_id, allowed) VALUES (?,?,?,1)
		ON CONFLICT(project_id, gate, role_id) DO UPDATE SET allowed=1`, projectID, gate, roleID)
	return err
}

// DenyGateRole records an explicit deny, which wins over any allow the
// actor holds through another role.
func (r Repo) DenyGateRole(ctx context.Context, tx *sql.Tx, projectID, gate, roleID string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO gate_authorities(project_id, gate, role_id, allowed) VALUES (?,?,?,0)
		ON CONFLICT(project_id, gate, role_id) DO UPDATE SET allowed=0`, projectID, gate, roleID)
	return err
}
