package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// ForbiddenGateError indicates missing authority over an approval gate.
type ForbiddenGateError struct {
	Gate string
}

func (e ForbiddenGateError) Error() string {
	return fmt.Sprintf("gate authority required for %s", e.Gate)
}

// PermApproveGates is the fallback permission for gates no authority row
// restricts.
const PermApproveGates = "gates.approve"

// Service provides RBAC helpers backed by SQL.
type Service struct {
	DB *sql.DB
}

func (s Service) EnsureActor(ctx context.Context, tx *sql.Tx, actorID string) error {
	if actorID == "" {
		return errors.New("actor_id required")
	}
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actors(id) VALUES (?)`, actorID)
	return err
}

func (s Service) ActorHasPermission(ctx context.Context, tx *sql.Tx, projectID, actorID, perm string) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND rp.permission_id=? LIMIT 1`,
		projectID, actorID, perm)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s Service) ActorRoles(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=?`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var r string
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s Service) ActorPermissions(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT rp.permission_id
FROM actor_roles ar
JOIN role_permissions rp ON rp.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=?`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

// GateDecision is how the authority rows bear on one actor and gate.
type GateDecision int

const (
	GateDenied  GateDecision = iota // an explicit deny covers the actor
	GateAllowed                     // an explicit allow covers the actor
	GateClosed                      // allow rows exist, none cover the actor
	GateOpen                        // no allow rows; permission decides
)

// GateAuthorityDecision resolves the authority rows for one actor. An
// explicit deny on any of the actor's roles wins. Otherwise an allow row
// grants access. A gate with allow rows for other roles only is closed to
// everyone else; a gate with no allow rows at all is open, and the
// gates.approve permission decides.
func (s Service) GateAuthorityDecision(ctx context.Context, tx *sql.Tx, projectID, actorID, gate string) (GateDecision, error) {
	denied, err := s.gateAuthorityMatch(ctx, tx, projectID, actorID, gate, 0)
	if err != nil {
		return GateDenied, err
	}
	if denied {
		return GateDenied, nil
	}
	allowed, err := s.gateAuthorityMatch(ctx, tx, projectID, actorID, gate, 1)
	if err != nil {
		return GateDenied, err
	}
	if allowed {
		return GateAllowed, nil
	}
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM gate_authorities WHERE project_id=? AND gate=? AND allowed=1 LIMIT 1`,
		projectID, gate)
	var n int
	err = row.Scan(&n)
	if err == nil {
		return GateClosed, nil
	}
	if err != sql.ErrNoRows {
		return GateDenied, err
	}
	return GateOpen, nil
}

// ActorCanApproveGate reduces GateAuthorityDecision to a yes or no, using
// the stored gates.approve permission at the open layer.
func (s Service) ActorCanApproveGate(ctx context.Context, tx *sql.Tx, projectID, actorID, gate string) (bool, error) {
	decision, err := s.GateAuthorityDecision(ctx, tx, projectID, actorID, gate)
	if err != nil {
		return false, err
	}
	switch decision {
	case GateAllowed:
		return true, nil
	case GateOpen:
		return s.ActorHasPermission(ctx, tx, projectID, actorID, PermApproveGates)
	default:
		return false, nil
	}
}

func (s Service) gateAuthorityMatch(ctx context.Context, tx *sql.Tx, projectID, actorID, gate string, allowed int) (bool, error) {
	row := tx.QueryRowContext(ctx, `
SELECT 1 FROM actor_roles ar
JOIN gate_authorities ga ON ga.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND ga.project_id=? AND ga.gate=? AND ga.allowed=? LIMIT 1`,
		projectID, actorID, projectID, gate, allowed)
	var n int
	err := row.Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ActorGateNames lists gates the actor holds an explicit allow for.
func (s Service) ActorGateNames(ctx context.Context, tx *sql.Tx, projectID, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `
SELECT DISTINCT ga.gate
FROM actor_roles ar
JOIN gate_authorities ga ON ga.role_id=ar.role_id
WHERE ar.project_id=? AND ar.actor_id=? AND ga.project_id=? AND ga.allowed=1
ORDER BY ga.gate`,
		projectID, actorID, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var gates []string
	for rows.Next() {
		var g string
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}
