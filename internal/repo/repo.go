package repo

import (
	"context"
	"database/sql"
	"errors"

	"phaseline/internal/domain"
)

// ErrNotFound marks lookups that matched no row.
var ErrNotFound = errors.New("not found")

type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

const projectColumns = `id, slug, name, current_phase, stack_approved, dependencies_approved,
	stack_base, stack_mobile, stack_backend, stack_data, stack_architecture,
	legacy_template_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var phase string
	var stackApproved, depsApproved int
	var base, mobile, backend, data, arch, legacy sql.NullString
	err := row.Scan(
		&p.ID, &p.Slug, &p.Name, &phase, &stackApproved, &depsApproved,
		&base, &mobile, &backend, &data, &arch,
		&legacy, &p.CreatedAt, &p.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return domain.Project{}, ErrNotFound
	}
	if err != nil {
		return domain.Project{}, err
	}
	p.CurrentPhase = domain.Phase(phase)
	p.StackApproved = stackApproved == 1
	p.DependenciesApproved = depsApproved == 1
	if base.Valid {
		p.Stack = &domain.StackComposition{
			Base:         base.String,
			Mobile:       mobile.String,
			Backend:      backend.String,
			Data:         data.String,
			Architecture: arch.String,
		}
	}
	p.LegacyTemplateID = nullableStringPtr(legacy)
	return p, nil
}

func (r Repo) CreateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	var base, mobile, backend, data, arch any
	if p.Stack != nil {
		base, mobile, backend, data, arch = p.Stack.Base, p.Stack.Mobile, p.Stack.Backend, p.Stack.Data, p.Stack.Architecture
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(
		id, slug, name, current_phase, stack_approved, dependencies_approved,
		stack_base, stack_mobile, stack_backend, stack_data, stack_architecture,
		legacy_template_id, created_at, updated_at)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Slug, p.Name, string(p.CurrentPhase), boolToInt(p.StackApproved), boolToInt(p.DependenciesApproved),
		base, mobile, backend, data, arch,
		nullable(p.LegacyTemplateID), p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// UpdateProjectTx rewrites the mutable project columns. PhasesCompleted is
// managed through the phase_completions table, not here.
func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	var base, mobile, backend, data, arch any
	if p.Stack != nil {
		base, mobile, backend, data, arch = p.Stack.Base, p.Stack.Mobile, p.Stack.Backend, p.Stack.Data, p.Stack.Architecture
	}
	res, err := tx.ExecContext(ctx, `UPDATE projects SET
		name=?, current_phase=?, stack_approved=?, dependencies_approved=?,
		stack_base=?, stack_mobile=?, stack_backend=?, stack_data=?, stack_architecture=?,
		legacy_template_id=?, updated_at=?
		WHERE id=?`,
		p.Name, string(p.CurrentPhase), boolToInt(p.StackApproved), boolToInt(p.DependenciesApproved),
		base, mobile, backend, data, arch,
		nullable(p.LegacyTemplateID), p.UpdatedAt, p.ID,
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

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return domain.Project{}, err
	}
	completed, err := r.ListCompletions(ctx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	p.PhasesCompleted = completed
	return p, nil
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err != nil {
		return domain.Project{}, err
	}
	completed, err := r.listCompletions(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	p.PhasesCompleted = completed
	return p, nil
}

func (r Repo) GetProjectBySlug(ctx context.Context, slug string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE slug = ?`, slug)
	p, err := scanProject(row)
	if err != nil {
		return domain.Project{}, err
	}
	completed, err := r.ListCompletions(ctx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	p.PhasesCompleted = completed
	return p, nil
}

// ResolveProject accepts a project id or slug.
func (r Repo) ResolveProject(ctx context.Context, ref string) (domain.Project, error) {
	p, err := r.GetProject(ctx, ref)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.Project{}, err
	}
	return r.GetProjectBySlug(ctx, ref)
}

// SingleProject returns the only project in the workspace. Zero projects is
// ErrNotFound; more than one asks the caller to disambiguate.
func (r Repo) SingleProject(ctx context.Context) (domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM projects LIMIT 2`)
	if err != nil {
		return domain.Project{}, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return domain.Project{}, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return domain.Project{}, err
	}
	switch len(ids) {
	case 0:
		return domain.Project{}, ErrNotFound
	case 1:
		return r.GetProject(ctx, ids[0])
	default:
		return domain.Project{}, errors.New("multiple projects exist; specify --project")
	}
}

func (r Repo) ListProjects(ctx context.Context, limit int, cursorCreated, cursorID string) ([]domain.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects`
	args := []any{}
	if cursorCreated != "" && cursorID != "" {
		query += ` WHERE (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, cursorCreated, cursorCreated, cursorID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		completed, err := r.ListCompletions(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].PhasesCompleted = completed
	}
	return out, nil
}

// --- phase completions ---

func (r Repo) ListCompletions(ctx context.Context, projectID string) ([]domain.Phase, error) {
	return r.listCompletions(ctx, nil, projectID)
}

func (r Repo) ListCompletionsTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Phase, error) {
	return r.listCompletions(ctx, tx, projectID)
}

func (r Repo) listCompletions(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Phase, error) {
	query := `SELECT phase FROM phase_completions WHERE project_id = ? ORDER BY seq ASC`
	var rows *sql.Rows
	var err error
	if tx != nil {
		rows, err = tx.QueryContext(ctx, query, projectID)
	} else {
		rows, err = r.DB.QueryContext(ctx, query, projectID)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Phase
	for rows.Next() {
		var phase string
		if err := rows.Scan(&phase); err != nil {
			return nil, err
		}
		out = append(out, domain.Phase(phase))
	}
	return out, rows.Err()
}

func (r Repo) AppendCompletionTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, completedAt string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_completions(project_id, seq, phase, completed_at)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ? FROM phase_completions WHERE project_id = ?`,
		projectID, string(phase), completedAt, projectID,
	)
	return err
}

// PopCompletionTx removes and returns the most recently completed phase.
func (r Repo) PopCompletionTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Phase, error) {
	var seq int
	var phase string
	err := tx.QueryRowContext(ctx,
		`SELECT seq, phase FROM phase_completions WHERE project_id = ? ORDER BY seq DESC LIMIT 1`,
		projectID,
	).Scan(&seq, &phase)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM phase_completions WHERE project_id = ? AND seq = ?`, projectID, seq); err != nil {
		return "", err
	}
	return domain.Phase(phase), nil
}

// --- phase history ---

const historyColumns = `id, project_id, phase, status, message, started_at, completed_at`

func scanHistory(row rowScanner) (domain.PhaseHistoryEntry, error) {
	var h domain.PhaseHistoryEntry
	var phase, status string
	var message, completedAt sql.NullString
	err := row.Scan(&h.ID, &h.ProjectID, &phase, &status, &message, &h.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return domain.PhaseHistoryEntry{}, ErrNotFound
	}
	if err != nil {
		return domain.PhaseHistoryEntry{}, err
	}
	h.Phase = domain.Phase(phase)
	h.Status = domain.HistoryStatus(status)
	h.Message = nullableStringPtr(message)
	h.CompletedAt = nullableStringPtr(completedAt)
	return h, nil
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.PhaseHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO phase_history(id, project_id, phase, status, message, started_at, completed_at)
		VALUES(?,?,?,?,?,?,?)`,
		h.ID, h.ProjectID, string(h.Phase), string(h.Status), nullable(h.Message), h.StartedAt, nullable(h.CompletedAt),
	)
	return err
}

// GetOpenHistoryTx returns the single in_progress entry for (project, phase).
func (r Repo) GetOpenHistoryTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase) (domain.PhaseHistoryEntry, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+historyColumns+` FROM phase_history
		WHERE project_id = ? AND phase = ? AND status = 'in_progress'`,
		projectID, string(phase),
	)
	return scanHistory(row)
}

func (r Repo) CloseHistoryTx(ctx context.Context, tx *sql.Tx, id string, status domain.HistoryStatus, message *string, completedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE phase_history SET status=?, message=?, completed_at=? WHERE id=?`,
		string(status), nullable(message), completedAt, id,
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

func (r Repo) ListHistory(ctx context.Context, projectID string, limit int, cursorStarted, cursorID string) ([]domain.PhaseHistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM phase_history WHERE project_id = ?`
	args := []any{projectID}
	if cursorStarted != "" && cursorID != "" {
		query += ` AND (started_at < ? OR (started_at = ? AND id < ?))`
		args = append(args, cursorStarted, cursorStarted, cursorID)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.PhaseHistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// --- artifacts ---

const artifactColumns = `id, project_id, phase, filename, version, content, created_at`

func scanArtifact(row rowScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var phase string
	err := row.Scan(&a.ID, &a.ProjectID, &phase, &a.Filename, &a.Version, &a.Content, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return domain.Artifact{}, ErrNotFound
	}
	if err != nil {
		return domain.Artifact{}, err
	}
	a.Phase = domain.Phase(phase)
	return a, nil
}

// SaveArtifactTx inserts a new version of the artifact, one above the
// current maximum for (project, filename).
func (r Repo) SaveArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) (domain.Artifact, error) {
	var maxVersion sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM artifacts WHERE project_id = ? AND filename = ?`,
		a.ProjectID, a.Filename,
	).Scan(&maxVersion)
	if err != nil {
		return domain.Artifact{}, err
	}
	a.Version = 1
	if maxVersion.Valid {
		a.Version = int(maxVersion.Int64) + 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(id, project_id, phase, filename, version, content, created_at)
		VALUES(?,?,?,?,?,?,?)`,
		a.ID, a.ProjectID, string(a.Phase), a.Filename, a.Version, a.Content, a.CreatedAt,
	)
	if err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// GetArtifact returns the latest version for a filename.
func (r Repo) GetArtifact(ctx context.Context, projectID, filename string) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE project_id = ? AND filename = ? ORDER BY version DESC LIMIT 1`,
		projectID, filename,
	)
	return scanArtifact(row)
}

func (r Repo) GetArtifactVersion(ctx context.Context, projectID, filename string, version int) (domain.Artifact, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE project_id = ? AND filename = ? AND version = ?`,
		projectID, filename, version,
	)
	return scanArtifact(row)
}

// ListArtifacts returns the latest version of every filename, optionally
// narrowed to one phase.
func (r Repo) ListArtifacts(ctx context.Context, projectID string, phase string) ([]domain.Artifact, error) {
	query := `SELECT a.id, a.project_id, a.phase, a.filename, a.version, a.content, a.created_at
		FROM artifacts a
		JOIN (SELECT filename, MAX(version) AS v FROM artifacts WHERE project_id = ? GROUP BY filename) latest
		ON a.filename = latest.filename AND a.version = latest.v
		WHERE a.project_id = ?`
	args := []any{projectID, projectID}
	if phase != "" {
		query += ` AND a.phase = ?`
		args = append(args, phase)
	}
	query += ` ORDER BY a.filename ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r Repo) ListArtifactVersions(ctx context.Context, projectID, filename string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactColumns+` FROM artifacts
		WHERE project_id = ? AND filename = ? ORDER BY version ASC`,
		projectID, filename,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- accumulated warnings ---

func (r Repo) AppendWarningsTx(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, messages []string, createdAt string) error {
	for _, m := range messages {
		_, err := tx.ExecContext(ctx, `INSERT INTO project_warnings(project_id, seq, phase, message, created_at)
			SELECT ?, COALESCE(MAX(seq), 0) + 1, ?, ?, ? FROM project_warnings WHERE project_id = ?`,
			projectID, string(phase), m, createdAt, projectID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListWarnings(ctx context.Context, projectID string) ([]domain.ProjectWarning, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id, seq, phase, message, created_at
		FROM project_warnings WHERE project_id = ? ORDER BY seq ASC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ProjectWarning
	for rows.Next() {
		var w domain.ProjectWarning
		var phase string
		if err := rows.Scan(&w.ProjectID, &w.Seq, &phase, &w.Message, &w.CreatedAt); err != nil {
			return nil, err
		}
		w.Phase = domain.Phase(phase)
		out = append(out, w)
	}
	return out, rows.Err()
}

// --- leases ---

func (r Repo) GetLease(ctx context.Context, projectID string) (domain.Lease, error) {
	var l domain.Lease
	err := r.DB.QueryRowContext(ctx, `SELECT project_id, holder, expires_at FROM leases WHERE project_id = ?`, projectID).
		Scan(&l.ProjectID, &l.Holder, &l.ExpiresAt)
	if err == sql.ErrNoRows {
		return domain.Lease{}, ErrNotFound
	}
	if err != nil {
		return domain.Lease{}, err
	}
	return l, nil
}

func (r Repo) UpsertLease(ctx context.Context, l domain.Lease) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO leases(project_id, holder, expires_at) VALUES(?,?,?)
		ON CONFLICT(project_id) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at`,
		l.ProjectID, l.Holder, l.ExpiresAt,
	)
	return err
}

func (r Repo) DeleteLease(ctx context.Context, projectID, holder string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM leases WHERE project_id = ? AND holder = ?`, projectID, holder)
	return err
}

// --- events ---

const eventColumns = `id, ts, type, project_id, entity_kind, entity_id, actor_id, payload_json`

func scanEvent(row rowScanner) (domain.Event, error) {
	var e domain.Event
	var projectID, entityID sql.NullString
	err := row.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entityID, &e.ActorID, &e.PayloadJSON)
	if err == sql.ErrNoRows {
		return domain.Event{}, ErrNotFound
	}
	if err != nil {
		return domain.Event{}, err
	}
	e.ProjectID = nullableStringPtr(projectID)
	e.EntityID = nullableStringPtr(entityID)
	return e, nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, "", "", "", "")
}

// LatestEventsFrom pages newest-first below cursorID (0 means from the top).
func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursorID int64, projectID, eventType, entityKind, entityID string) ([]domain.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	args := []any{}
	if cursorID > 0 {
		query += ` AND id < ?`
		args = append(args, cursorID)
	}
	if projectID != "" {
		query += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, eventType)
	}
	if entityKind != "" {
		query += ` AND entity_kind = ?`
		args = append(args, entityKind)
	}
	if entityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsAfter pages oldest-first above afterID. The webhook dispatcher uses
// it to drain in delivery order.
func (r Repo) EventsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.DB.QueryRowContext(ctx, `SELECT MAX(id) FROM events`).Scan(&id); err != nil {
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return id.Int64, nil
}

// --- project config ---

func (r Repo) UpsertProjectConfig(ctx context.Context, tx *sql.Tx, projectID, configYAML, updatedAt string) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO project_configs(project_id, config_yaml, updated_at) VALUES(?,?,?)
		ON CONFLICT(project_id) DO UPDATE SET config_yaml=excluded.config_yaml, updated_at=excluded.updated_at`,
		projectID, configYAML, updatedAt,
	)
	return err
}

func (r Repo) GetProjectConfig(ctx context.Context, projectID string) (string, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT config_yaml FROM project_configs WHERE project_id = ?`, projectID).Scan(&raw)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return raw, nil
}

// --- helpers ---

func nullable(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableStringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
