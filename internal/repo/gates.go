package repo

import (
	"context"
	"database/sql"

	"phaseline/internal/domain"
)

const gateColumns = `id, project_id, name, approved, approver, approved_at, rationale, created_at, updated_at`

func scanGate(row rowScanner) (domain.ApprovalGate, error) {
	var g domain.ApprovalGate
	var approved int
	var approver, approvedAt, rationale sql.NullString
	err := row.Scan(&g.ID, &g.ProjectID, &g.Name, &approved, &approver, &approvedAt, &rationale, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return domain.ApprovalGate{}, ErrNotFound
	}
	if err != nil {
		return domain.ApprovalGate{}, err
	}
	g.Approved = approved == 1
	g.Approver = nullableStringPtr(approver)
	g.ApprovedAt = nullableStringPtr(approvedAt)
	g.Rationale = nullableStringPtr(rationale)
	return g, nil
}

func (r Repo) GetGate(ctx context.Context, projectID, name string) (domain.ApprovalGate, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE project_id = ? AND name = ?`,
		projectID, name,
	)
	return scanGate(row)
}

func (r Repo) GetGateTx(ctx context.Context, tx *sql.Tx, projectID, name string) (domain.ApprovalGate, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE project_id = ? AND name = ?`,
		projectID, name,
	)
	return scanGate(row)
}

func (r Repo) ListGates(ctx context.Context, projectID string) ([]domain.ApprovalGate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+gateColumns+` FROM approval_gates WHERE project_id = ? ORDER BY name ASC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ApprovalGate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r Repo) InsertGateTx(ctx context.Context, tx *sql.Tx, g domain.ApprovalGate) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_gates(id, project_id, name, approved, approver, approved_at, rationale, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?)`,
		g.ID, g.ProjectID, g.Name, boolToInt(g.Approved), nullable(g.Approver), nullable(g.ApprovedAt), nullable(g.Rationale), g.CreatedAt, g.UpdatedAt,
	)
	return err
}

func (r Repo) UpdateGateTx(ctx context.Context, tx *sql.Tx, g domain.ApprovalGate) error {
	res, err := tx.ExecContext(ctx, `UPDATE approval_gates SET approved=?, approver=?, approved_at=?, rationale=?, updated_at=?
		WHERE project_id = ? AND name = ?`,
		boolToInt(g.Approved), nullable(g.Approver), nullable(g.ApprovedAt), nullable(g.Rationale), g.UpdatedAt, g.ProjectID, g.Name,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
