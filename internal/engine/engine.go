package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/agent"
	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine/auth"
	"phaseline/internal/events"
	"phaseline/internal/metrics"
	"phaseline/internal/repo"
	"phaseline/internal/stacks"
	"phaseline/internal/validation"
)

// Failures the surfaces map onto their own status codes.
var (
	ErrRollbackAtFloor = errors.New("cannot roll back: no completed phases")
	ErrTerminalPhase   = errors.New("project is in its terminal phase")
	ErrLeaseHeld       = errors.New("lease already held")
	ErrPhaseConflict   = errors.New("project phase changed concurrently; retry")
	ErrStackAttached   = errors.New("stack composition already attached; pass reapprove to replace it")
)

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Auth     auth.Service
	Config   *config.Config
	Agents   agent.Runner
	Migrator *stacks.Migrator
	Checker  *validation.Checker
	Metrics  metrics.Sink
	Log      *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:       db,
		Repo:     repo.New(db),
		Events:   events.Writer{DB: db},
		Auth:     auth.Service{DB: db},
		Config:   cfg,
		Migrator: stacks.NewMigrator(cfg, nil),
		Checker:  validation.MustChecker(cfg),
		Metrics:  metrics.Nop{},
		Log:      zap.NewNop(),
		Now:      time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// --- projects ---

type InitProjectOptions struct {
	ID      string
	Slug    string
	Name    string
	ActorID string
}

// InitProject creates a project at the ANALYSIS floor with its workflow
// configuration pinned alongside it.
func (e Engine) InitProject(ctx context.Context, opts InitProjectOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.Slug == "" {
		return domain.Project{}, errors.New("slug is required")
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := opts.Name
	if name == "" {
		name = opts.Slug
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:           id,
		Slug:         opts.Slug,
		Name:         name,
		CurrentPhase: domain.PhaseAnalysis,
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	pinned, err := e.Config.PinnedYAML(p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.CreateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, pinned, nowStr); err != nil {
		return domain.Project{}, fmt.Errorf("insert project config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectCreated, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"slug": p.Slug, "phase": p.CurrentPhase,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// --- transitions ---

type AdvanceOptions struct {
	ProjectID string
	ActorID   string
}

// TransitionResult reports an advance attempt. Outcome keeps authorization
// (gate_pending) apart from content failures (validation_failed) and
// infrastructure failures (agent_failed); only advanced moves the phase.
type TransitionResult struct {
	Outcome    domain.TransitionOutcome `json:"outcome"`
	Project    domain.Project           `json:"project"`
	Validation *validation.Result       `json:"validation,omitempty"`
	GateName   string                   `json:"gate,omitempty"`
	Message    string                   `json:"message,omitempty"`
}

// Advance runs the current phase's agent, validates the artifact set, then
// moves the project one phase forward when no gate stands in the way. The
// project lease serializes concurrent advances; all persistent effects of a
// successful transition commit in one transaction.
func (e Engine) Advance(ctx context.Context, opts AdvanceOptions) (TransitionResult, error) {
	if e.Config == nil {
		return TransitionResult{}, errors.New("config not loaded")
	}
	p, err := e.Repo.GetProject(ctx, opts.ProjectID)
	if err != nil {
		return TransitionResult{}, err
	}
	next, ok := p.CurrentPhase.Next()
	if !ok {
		return TransitionResult{}, ErrTerminalPhase
	}
	if err := e.acquireLease(ctx, p.ID, opts.ActorID); err != nil {
		return TransitionResult{}, err
	}
	defer e.releaseLease(ctx, p.ID, opts.ActorID)

	history, err := e.openHistory(ctx, p.ID, p.CurrentPhase)
	if err != nil {
		return TransitionResult{}, err
	}

	var outputs []agent.Output
	if role, bound := e.Config.AgentRoleFor(p.CurrentPhase); bound {
		if e.Agents == nil {
			return TransitionResult{}, fmt.Errorf("phase %s needs agent %s but no runner is configured", p.CurrentPhase, role)
		}
		contextArtifacts, err := e.artifactMap(ctx, p.ID, "")
		if err != nil {
			return TransitionResult{}, err
		}
		runCtx, cancel := context.WithTimeout(ctx, e.Config.AgentTimeout())
		started := e.now()
		outputs, err = e.Agents.Run(runCtx, p.CurrentPhase, p, contextArtifacts)
		cancel()
		e.Metrics.AgentObserved(role, e.now().Sub(started), err != nil)
		if err != nil {
			return e.failAgentRun(ctx, p, history, role, err, opts.ActorID)
		}
	}

	// Validation sees this phase's stored artifacts overlaid with the
	// fresh agent outputs.
	artifacts, err := e.artifactMap(ctx, p.ID, string(p.CurrentPhase))
	if err != nil {
		return TransitionResult{}, err
	}
	for _, out := range outputs {
		artifacts[out.Filename] = out.Content
	}
	prior, err := e.warningMessages(ctx, p.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	result := e.Checker.Check(p.CurrentPhase, artifacts, prior)
	e.Metrics.ValidationObserved(p.CurrentPhase, len(result.Errors), len(result.Warnings))

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	cur, err := e.Repo.GetProjectTx(ctx, tx, p.ID)
	if err != nil {
		return TransitionResult{}, err
	}
	if cur.CurrentPhase != p.CurrentPhase {
		return TransitionResult{}, ErrPhaseConflict
	}
	p = cur

	nowStr := e.now().UTC().Format(time.RFC3339)
	for _, out := range outputs {
		saved, err := e.Repo.SaveArtifactTx(ctx, tx, domain.Artifact{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Phase:     p.CurrentPhase,
			Filename:  out.Filename,
			Content:   out.Content,
			CreatedAt: nowStr,
		})
		if err != nil {
			return TransitionResult{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypeArtifactSaved, p.ID, "artifact", saved.ID, opts.ActorID, events.EventPayload{
			"filename": saved.Filename, "version": saved.Version, "phase": p.CurrentPhase,
		}); err != nil {
			return TransitionResult{}, err
		}
	}
	if len(result.Warnings) > 0 {
		if err := e.Repo.AppendWarningsTx(ctx, tx, p.ID, p.CurrentPhase, result.Warnings, nowStr); err != nil {
			return TransitionResult{}, err
		}
	}

	if !result.Passed {
		msg := result.Summary()
		if err := e.Repo.CloseHistoryTx(ctx, tx, history.ID, domain.HistoryFailed, &msg, nowStr); err != nil {
			return TransitionResult{}, err
		}
		if err := e.Events.Append(ctx, tx, events.TypePhaseValidationFailed, p.ID, "phase", string(p.CurrentPhase), opts.ActorID, events.EventPayload{
			"phase": p.CurrentPhase, "errors": result.Errors, "warnings": result.Warnings,
		}); err != nil {
			return TransitionResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return TransitionResult{}, err
		}
		e.Metrics.TransitionObserved(p.CurrentPhase, domain.OutcomeValidationFailed)
		return TransitionResult{Outcome: domain.OutcomeValidationFailed, Project: p, Validation: &result, Message: msg}, nil
	}

	if gateName, bound := e.Config.GateForTarget(next); bound {
		approved, err := e.gateApproved(ctx, tx, p.ID, gateName)
		if err != nil {
			return TransitionResult{}, err
		}
		if !approved {
			// The phase's work passed; its history entry stays open while
			// approval is awaited.
			if err := e.Events.Append(ctx, tx, events.TypePhaseGatePending, p.ID, "gate", gateName, opts.ActorID, events.EventPayload{
				"phase": p.CurrentPhase, "target": next, "gate": gateName,
			}); err != nil {
				return TransitionResult{}, err
			}
			if err := tx.Commit(); err != nil {
				return TransitionResult{}, err
			}
			e.Metrics.TransitionObserved(p.CurrentPhase, domain.OutcomeGatePending)
			return TransitionResult{Outcome: domain.OutcomeGatePending, Project: p, Validation: &result, GateName: gateName}, nil
		}
	}

	if err := e.Repo.CloseHistoryTx(ctx, tx, history.ID, domain.HistoryCompleted, nil, nowStr); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Repo.AppendCompletionTx(ctx, tx, p.ID, p.CurrentPhase, nowStr); err != nil {
		return TransitionResult{}, err
	}
	from := p.CurrentPhase
	p.CurrentPhase = next
	p.UpdatedAt = nowStr
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseAdvanced, p.ID, "phase", string(next), opts.ActorID, events.EventPayload{
		"from": from, "to": next,
	}); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	p.PhasesCompleted = append(p.PhasesCompleted, from)
	e.Metrics.TransitionObserved(from, domain.OutcomeAdvanced)
	e.Log.Info("phase advanced",
		zap.String("project_id", p.ID),
		zap.String("from", string(from)),
		zap.String("to", string(next)))
	return TransitionResult{Outcome: domain.OutcomeAdvanced, Project: p, Validation: &result}, nil
}

func (e Engine) failAgentRun(ctx context.Context, p domain.Project, history domain.PhaseHistoryEntry, role domain.AgentRole, runErr error, actorID string) (TransitionResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return TransitionResult{}, err
	}
	defer tx.Rollback()

	msg := runErr.Error()
	nowStr := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.CloseHistoryTx(ctx, tx, history.ID, domain.HistoryFailed, &msg, nowStr); err != nil {
		return TransitionResult{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseAgentFailed, p.ID, "phase", string(p.CurrentPhase), actorID, events.EventPayload{
		"phase": p.CurrentPhase, "role": role, "error": msg,
	}); err != nil {
		return TransitionResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return TransitionResult{}, err
	}
	e.Metrics.TransitionObserved(p.CurrentPhase, domain.OutcomeAgentFailed)
	e.Log.Warn("agent run failed",
		zap.String("project_id", p.ID),
		zap.String("phase", string(p.CurrentPhase)),
		zap.Error(runErr))
	return TransitionResult{Outcome: domain.OutcomeAgentFailed, Project: p, Message: msg}, nil
}

// Rollback reverts the last successful advance. ANALYSIS is the floor of
// the workflow; a rejected rollback mutates nothing. The project lease
// keeps a rollback from racing an in-flight advance.
func (e Engine) Rollback(ctx context.Context, projectID, actorID string) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if err := e.acquireLease(ctx, projectID, actorID); err != nil {
		return domain.Project{}, err
	}
	defer e.releaseLease(ctx, projectID, actorID)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if len(p.PhasesCompleted) == 0 {
		return domain.Project{}, ErrRollbackAtFloor
	}
	phase, err := e.Repo.PopCompletionTx(ctx, tx, p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	from := p.CurrentPhase
	p.CurrentPhase = phase
	p.PhasesCompleted = p.PhasesCompleted[:len(p.PhasesCompleted)-1]
	nowStr := e.now().UTC().Format(time.RFC3339)
	p.UpdatedAt = nowStr
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypePhaseRolledBack, p.ID, "phase", string(phase), actorID, events.EventPayload{
		"from": from, "to": phase,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// ValidateCurrentPhase runs the current phase's validators against stored
// artifacts. Nothing is persisted, so callers can preview what an advance
// would find.
func (e Engine) ValidateCurrentPhase(ctx context.Context, projectID string) (domain.Project, validation.Result, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, validation.Result{}, err
	}
	artifacts, err := e.artifactMap(ctx, p.ID, string(p.CurrentPhase))
	if err != nil {
		return domain.Project{}, validation.Result{}, err
	}
	prior, err := e.warningMessages(ctx, p.ID)
	if err != nil {
		return domain.Project{}, validation.Result{}, err
	}
	return p, e.Checker.Check(p.CurrentPhase, artifacts, prior), nil
}

// RecordPhaseHistory appends to phase history idempotently: an open
// in_progress entry for (project, phase) is reused rather than duplicated,
// and a closing status resolves the open entry when one exists. Both the
// normal transition path and the legacy importer go through here.
func (e Engine) RecordPhaseHistory(ctx context.Context, tx *sql.Tx, projectID string, phase domain.Phase, status domain.HistoryStatus, message *string) (domain.PhaseHistoryEntry, error) {
	nowStr := e.now().UTC().Format(time.RFC3339)
	open, err := e.Repo.GetOpenHistoryTx(ctx, tx, projectID, phase)
	switch {
	case err == nil:
		if status == domain.HistoryInProgress {
			return open, nil
		}
		if err := e.Repo.CloseHistoryTx(ctx, tx, open.ID, status, message, nowStr); err != nil {
			return domain.PhaseHistoryEntry{}, err
		}
		open.Status = status
		open.Message = message
		open.CompletedAt = &nowStr
		return open, nil
	case errors.Is(err, repo.ErrNotFound):
		h := domain.PhaseHistoryEntry{
			ID:        uuid.New().String(),
			ProjectID: projectID,
			Phase:     phase,
			Status:    status,
			Message:   message,
			StartedAt: nowStr,
		}
		if status != domain.HistoryInProgress {
			h.CompletedAt = &nowStr
		}
		if err := e.Repo.InsertHistoryTx(ctx, tx, h); err != nil {
			return domain.PhaseHistoryEntry{}, err
		}
		return h, nil
	default:
		return domain.PhaseHistoryEntry{}, err
	}
}

func (e Engine) openHistory(ctx context.Context, projectID string, phase domain.Phase) (domain.PhaseHistoryEntry, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PhaseHistoryEntry{}, err
	}
	defer tx.Rollback()
	h, err := e.RecordPhaseHistory(ctx, tx, projectID, phase, domain.HistoryInProgress, nil)
	if err != nil {
		return domain.PhaseHistoryEntry{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PhaseHistoryEntry{}, err
	}
	return h, nil
}

func (e Engine) gateApproved(ctx context.Context, tx *sql.Tx, projectID, gateName string) (bool, error) {
	g, err := e.Repo.GetGateTx(ctx, tx, projectID, gateName)
	if errors.Is(err, repo.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return g.Approved, nil
}

// --- gates ---

type ApproveGateOptions struct {
	ProjectID string
	Gate      string
	Approver  string
	Rationale string
}

// ApproveGate satisfies a named gate. Idempotent: re-approving refreshes
// the audit fields on the existing record instead of creating another one.
func (e Engine) ApproveGate(ctx context.Context, opts ApproveGateOptions) (domain.ApprovalGate, error) {
	if e.Config == nil {
		return domain.ApprovalGate{}, errors.New("config not loaded")
	}
	if !knownGate(e.Config.GateNames(), opts.Gate) {
		return domain.ApprovalGate{}, fmt.Errorf("unknown gate %q", opts.Gate)
	}
	if opts.Approver == "" {
		return domain.ApprovalGate{}, errors.New("approver is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ApprovalGate{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.ApprovalGate{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	g, err := e.Repo.GetGateTx(ctx, tx, p.ID, opts.Gate)
	created := false
	if errors.Is(err, repo.ErrNotFound) {
		created = true
		g = domain.ApprovalGate{
			ID:        gateID(p.ID, opts.Gate),
			ProjectID: p.ID,
			Name:      opts.Gate,
			CreatedAt: nowStr,
		}
	} else if err != nil {
		return domain.ApprovalGate{}, err
	}
	g.Approved = true
	g.Approver = &opts.Approver
	g.ApprovedAt = &nowStr
	g.Rationale = optionalString(opts.Rationale)
	g.UpdatedAt = nowStr
	if created {
		err = e.Repo.InsertGateTx(ctx, tx, g)
	} else {
		err = e.Repo.UpdateGateTx(ctx, tx, g)
	}
	if err != nil {
		return domain.ApprovalGate{}, err
	}
	if applyGateMirror(&p, opts.Gate) {
		p.UpdatedAt = nowStr
		if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
			return domain.ApprovalGate{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeGateApproved, p.ID, "gate", g.ID, opts.Approver, events.EventPayload{
		"gate": g.Name, "rationale": opts.Rationale,
	}); err != nil {
		return domain.ApprovalGate{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ApprovalGate{}, err
	}
	e.Metrics.GateApproved(g.Name)
	return g, nil
}

// ProjectGates lists stored gate records. Configured gates nobody has
// approved yet simply have no record; they appear on first approval.
func (e Engine) ProjectGates(ctx context.Context, projectID string) ([]domain.ApprovalGate, error) {
	if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return e.Repo.ListGates(ctx, projectID)
}

// --- stack composition ---

type SetCompositionOptions struct {
	ProjectID   string
	Composition domain.StackComposition
	Reapprove   bool
	ActorID     string
}

// SetComposition attaches the stack composition and writes the stack
// descriptor artifact in the same transaction. An attached composition only
// changes when Reapprove is set, and the replacement withdraws any prior
// stack approval so the gate is examined again.
func (e Engine) SetComposition(ctx context.Context, opts SetCompositionOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	comp := opts.Composition
	if comp.Mobile == "" {
		comp.Mobile = domain.MobileNone
	}
	if comp.Base == "" || comp.Backend == "" || comp.Data == "" || comp.Architecture == "" {
		return domain.Project{}, errors.New("composition requires base, backend, data and architecture")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Project{}, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	if p.Stack != nil {
		if !opts.Reapprove {
			return domain.Project{}, ErrStackAttached
		}
		p.StackApproved = false
		g, err := e.Repo.GetGateTx(ctx, tx, p.ID, domain.GateStack)
		if err == nil && g.Approved {
			// Withdraw the approval entirely: stale approver or rationale on
			// an unapproved gate would read as audit data for the new stack.
			g.Approved = false
			g.Approver = nil
			g.ApprovedAt = nil
			g.Rationale = nil
			g.UpdatedAt = nowStr
			if err := e.Repo.UpdateGateTx(ctx, tx, g); err != nil {
				return domain.Project{}, err
			}
		} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, err
		}
	}
	p.Stack = &comp
	p.UpdatedAt = nowStr
	if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, err
	}
	saved, err := e.Repo.SaveArtifactTx(ctx, tx, domain.Artifact{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Phase:     domain.PhaseStackSelection,
		Filename:  e.Config.StackFile(),
		Content:   stackFileJSON(comp),
		CreatedAt: nowStr,
	})
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeStackSelected, p.ID, "artifact", saved.ID, opts.ActorID, events.EventPayload{
		"base": comp.Base, "mobile": comp.Mobile, "backend": comp.Backend,
		"data": comp.Data, "architecture": comp.Architecture, "version": saved.Version,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// --- artifacts ---

type SaveArtifactOptions struct {
	ProjectID string
	Phase     string
	Filename  string
	Content   string
	ActorID   string
}

// SaveArtifact stores a new version of the named file. Phase defaults to
// the project's current phase.
func (e Engine) SaveArtifact(ctx context.Context, opts SaveArtifactOptions) (domain.Artifact, error) {
	if opts.Filename == "" {
		return domain.Artifact{}, errors.New("filename is required")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Artifact{}, err
	}
	phase := p.CurrentPhase
	if opts.Phase != "" {
		parsed, ok := domain.ParsePhase(opts.Phase)
		if !ok {
			return domain.Artifact{}, fmt.Errorf("unknown phase %q", opts.Phase)
		}
		phase = parsed
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	saved, err := e.Repo.SaveArtifactTx(ctx, tx, domain.Artifact{
		ID:        uuid.New().String(),
		ProjectID: p.ID,
		Phase:     phase,
		Filename:  opts.Filename,
		Content:   opts.Content,
		CreatedAt: nowStr,
	})
	if err != nil {
		return domain.Artifact{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeArtifactSaved, p.ID, "artifact", saved.ID, opts.ActorID, events.EventPayload{
		"filename": saved.Filename, "version": saved.Version, "phase": phase,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return saved, nil
}

// --- legacy import ---

type ImportOptions struct {
	ID              string
	Slug            string
	Name            string
	TemplateID      string
	CompletedPhases []string
	ActorID         string
}

// ImportLegacyProject brings a project from the flat-template era into the
// workflow. A known template id migrates to a composition; unknown ids
// import cleanly with the id preserved for later migration. Completed
// phases replay through the history recorder, and gates protecting
// transitions the project already made arrive approved.
func (e Engine) ImportLegacyProject(ctx context.Context, opts ImportOptions) (domain.Project, error) {
	if e.Config == nil {
		return domain.Project{}, errors.New("config not loaded")
	}
	if opts.Slug == "" {
		return domain.Project{}, errors.New("slug is required")
	}
	completed := make([]domain.Phase, 0, len(opts.CompletedPhases))
	for _, raw := range opts.CompletedPhases {
		phase, ok := domain.ParsePhase(raw)
		if !ok {
			return domain.Project{}, fmt.Errorf("unknown phase %q", raw)
		}
		completed = append(completed, phase)
	}
	order := domain.Phases()
	for i, phase := range completed {
		if i >= len(order) || phase != order[i] {
			return domain.Project{}, fmt.Errorf("completed phases must be a prefix of the workflow, got %s at position %d", phase, i)
		}
	}
	current := domain.PhaseAnalysis
	if len(completed) > 0 {
		next, ok := completed[len(completed)-1].Next()
		if !ok {
			return domain.Project{}, fmt.Errorf("%s cannot be a completed phase", completed[len(completed)-1])
		}
		current = next
	}

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	name := opts.Name
	if name == "" {
		name = opts.Slug
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:           id,
		Slug:         opts.Slug,
		Name:         name,
		CurrentPhase: current,
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}
	var reason string
	if opts.TemplateID != "" {
		p.LegacyTemplateID = &opts.TemplateID
		if comp := e.Migrator.MigrateTemplateID(opts.TemplateID); comp != nil {
			p.Stack = comp
			reason = e.Migrator.MigrationReason(opts.TemplateID)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()

	pinned, err := e.Config.PinnedYAML(p.ID)
	if err != nil {
		return domain.Project{}, err
	}
	if err := e.Repo.CreateProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Repo.UpsertProjectConfig(ctx, tx, p.ID, pinned, nowStr); err != nil {
		return domain.Project{}, err
	}
	for _, phase := range completed {
		if _, err := e.RecordPhaseHistory(ctx, tx, p.ID, phase, domain.HistoryCompleted, nil); err != nil {
			return domain.Project{}, err
		}
		if err := e.Repo.AppendCompletionTx(ctx, tx, p.ID, phase, nowStr); err != nil {
			return domain.Project{}, err
		}
	}
	rationale := importRationale(opts.TemplateID, reason)
	mirrorChanged := false
	for _, phase := range completed {
		next, ok := phase.Next()
		if !ok {
			continue
		}
		gateName, bound := e.Config.GateForTarget(next)
		if !bound {
			continue
		}
		g := domain.ApprovalGate{
			ID:         gateID(p.ID, gateName),
			ProjectID:  p.ID,
			Name:       gateName,
			Approved:   true,
			Approver:   optionalString(opts.ActorID),
			ApprovedAt: &nowStr,
			Rationale:  &rationale,
			CreatedAt:  nowStr,
			UpdatedAt:  nowStr,
		}
		if err := e.Repo.InsertGateTx(ctx, tx, g); err != nil {
			return domain.Project{}, err
		}
		if applyGateMirror(&p, gateName) {
			mirrorChanged = true
		}
	}
	if mirrorChanged {
		if err := e.Repo.UpdateProjectTx(ctx, tx, p); err != nil {
			return domain.Project{}, err
		}
	}
	if p.Stack != nil {
		if _, err := e.Repo.SaveArtifactTx(ctx, tx, domain.Artifact{
			ID:        uuid.New().String(),
			ProjectID: p.ID,
			Phase:     domain.PhaseStackSelection,
			Filename:  e.Config.StackFile(),
			Content:   stackFileJSON(*p.Stack),
			CreatedAt: nowStr,
		}); err != nil {
			return domain.Project{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeProjectImported, p.ID, "project", p.ID, opts.ActorID, events.EventPayload{
		"template_id": opts.TemplateID,
		"migrated":    p.Stack != nil,
		"phases":      completed,
	}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	p.PhasesCompleted = completed
	return p, nil
}

func importRationale(templateID, reason string) string {
	if templateID == "" {
		return "legacy import"
	}
	if reason == "" {
		return fmt.Sprintf("legacy import from template %s", templateID)
	}
	return fmt.Sprintf("legacy import from template %s: %s", templateID, reason)
}

// --- rbac ---

type RoleGrant struct {
	ProjectID string
	ActorID   string
	RoleID    string
	GrantedBy string
}

func (e Engine) GrantRole(ctx context.Context, g RoleGrant) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, g.ProjectID); err != nil {
		return err
	}
	if err := e.ensureRole(ctx, tx, g.RoleID); err != nil {
		return err
	}
	if err := e.Repo.EnsureActor(ctx, tx, g.ActorID); err != nil {
		return err
	}
	if err := e.Repo.AssignRole(ctx, tx, g.ProjectID, g.ActorID, g.RoleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRoleGranted, g.ProjectID, "actor", g.ActorID, g.GrantedBy, events.EventPayload{
		"role": g.RoleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) RevokeRole(ctx context.Context, g RoleGrant) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, g.ProjectID); err != nil {
		return err
	}
	if err := e.Repo.RevokeRole(ctx, tx, g.ProjectID, g.ActorID, g.RoleID); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeRoleRevoked, g.ProjectID, "actor", g.ActorID, g.GrantedBy, events.EventPayload{
		"role": g.RoleID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

type GateAuthority struct {
	ProjectID string
	Gate      string
	RoleID    string
	Allow     bool
	ActorID   string
}

// SetGateAuthority grants or denies a role authority over a gate. Denies
// win over allows when an actor holds both through different roles.
func (e Engine) SetGateAuthority(ctx context.Context, ga GateAuthority) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	if !knownGate(e.Config.GateNames(), ga.Gate) {
		return fmt.Errorf("unknown gate %q", ga.Gate)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetProjectTx(ctx, tx, ga.ProjectID); err != nil {
		return err
	}
	if err := e.ensureRole(ctx, tx, ga.RoleID); err != nil {
		return err
	}
	if ga.Allow {
		err = e.Repo.AllowGateRole(ctx, tx, ga.ProjectID, ga.Gate, ga.RoleID)
	} else {
		err = e.Repo.DenyGateRole(ctx, tx, ga.ProjectID, ga.Gate, ga.RoleID)
	}
	if err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.TypeGateAuthorityChanged, ga.ProjectID, "gate", ga.Gate, ga.ActorID, events.EventPayload{
		"role": ga.RoleID, "allowed": ga.Allow,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ensureRole materializes a config-declared role with its permission set
// before first use. Role ids the config does not declare must already
// exist, seeded through bootstrap.
func (e Engine) ensureRole(ctx context.Context, tx *sql.Tx, roleID string) error {
	if roleID == "" {
		return errors.New("role is required")
	}
	var def config.RBACRole
	declared := false
	if e.Config != nil {
		def, declared = e.Config.RBAC.Roles[roleID]
	}
	if declared {
		if err := e.Repo.InsertRole(ctx, tx, roleID, def.Description); err != nil {
			return err
		}
		for _, perm := range def.Permissions {
			if err := e.Repo.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := e.Repo.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
		return nil
	}
	exists, err := e.Repo.RoleExists(ctx, tx, roleID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("unknown role %q", roleID)
	}
	return nil
}

// WhoAmIResult describes an actor's standing on one project.
type WhoAmIResult struct {
	ActorID     string   `json:"actor_id"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Gates       []string `json:"gates"`
}

func (e Engine) WhoAmI(ctx context.Context, projectID, actorID string) (WhoAmIResult, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return WhoAmIResult{}, err
	}
	defer tx.Rollback()
	roles, err := e.Auth.ActorRoles(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	perms, err := e.Auth.ActorPermissions(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	gates, err := e.Auth.ActorGateNames(ctx, tx, projectID, actorID)
	if err != nil {
		return WhoAmIResult{}, err
	}
	return WhoAmIResult{ActorID: actorID, Roles: roles, Permissions: perms, Gates: gates}, nil
}

// --- leases ---

func (e Engine) acquireLease(ctx context.Context, projectID, actorID string) error {
	now := e.now().UTC()
	existing, err := e.Repo.GetLease(ctx, projectID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	if err == nil && existing.Holder != actorID {
		exp, _ := time.Parse(time.RFC3339, existing.ExpiresAt)
		if now.Before(exp) {
			return ErrLeaseHeld
		}
	}
	expires := now.Add(time.Duration(e.Config.LeaseTTLSeconds()) * time.Second)
	return e.Repo.UpsertLease(ctx, domain.Lease{
		ProjectID: projectID,
		Holder:    actorID,
		ExpiresAt: expires.Format(time.RFC3339),
	})
}

func (e Engine) releaseLease(ctx context.Context, projectID, actorID string) {
	if err := e.Repo.DeleteLease(ctx, projectID, actorID); err != nil {
		e.Log.Warn("release lease", zap.String("project_id", projectID), zap.Error(err))
	}
}

// --- helpers ---

// artifactMap loads latest artifact versions as filename -> content,
// narrowed to one phase when phase is non-empty.
func (e Engine) artifactMap(ctx context.Context, projectID, phase string) (map[string]string, error) {
	list, err := e.Repo.ListArtifacts(ctx, projectID, phase)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(list))
	for _, a := range list {
		out[a.Filename] = a.Content
	}
	return out, nil
}

func (e Engine) warningMessages(ctx context.Context, projectID string) ([]string, error) {
	ws, err := e.Repo.ListWarnings(ctx, projectID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Message)
	}
	return out, nil
}

// stackFileJSON renders the composition as the stack descriptor file; the
// data slot is stored under the legacy database key.
func stackFileJSON(c domain.StackComposition) string {
	b, _ := json.Marshal(map[string]string{
		"base":         c.Base,
		"mobile":       c.Mobile,
		"backend":      c.Backend,
		"database":     c.Data,
		"architecture": c.Architecture,
	})
	return string(b)
}

func gateID(projectID, gate string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(projectID+"|gate|"+gate)).String()
}

func applyGateMirror(p *domain.Project, gate string) bool {
	switch gate {
	case domain.GateStack:
		if !p.StackApproved {
			p.StackApproved = true
			return true
		}
	case domain.GateDependencies:
		if !p.DependenciesApproved {
			p.DependenciesApproved = true
			return true
		}
	}
	return false
}

func knownGate(names []string, gate string) bool {
	for _, n := range names {
		if n == gate {
			return true
		}
	}
	return false
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
