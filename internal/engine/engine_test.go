package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"phaseline/internal/agent"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/metrics"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
)

// stubRunner produces every required artifact for the phase with a
// frontmatter block, so validation passes clean.
type stubRunner struct {
	cfg *config.Config
}

func (s stubRunner) Run(_ context.Context, phase domain.Phase, _ domain.Project, _ map[string]string) ([]agent.Output, error) {
	var outs []agent.Output
	for _, f := range s.cfg.RequiredArtifacts(phase) {
		outs = append(outs, agent.Output{
			Filename: f,
			Content:  fmt.Sprintf("---\nphase: %s\n---\n# %s\n", phase, f),
		})
	}
	return outs, nil
}

// emptyRunner produces nothing, so required-artifact checks fail.
type emptyRunner struct{}

func (emptyRunner) Run(context.Context, domain.Phase, domain.Project, map[string]string) ([]agent.Output, error) {
	return nil, nil
}

// failingRunner simulates an unreachable agent backend.
type failingRunner struct{}

func (failingRunner) Run(context.Context, domain.Phase, domain.Project, map[string]string) ([]agent.Output, error) {
	return nil, errors.New("model endpoint unreachable")
}

// markerRunner leaves unresolved clarification markers in its outputs.
type markerRunner struct {
	cfg *config.Config
}

func (m markerRunner) Run(_ context.Context, phase domain.Phase, _ domain.Project, _ map[string]string) ([]agent.Output, error) {
	var outs []agent.Output
	for _, f := range m.cfg.RequiredArtifacts(phase) {
		outs = append(outs, agent.Output{
			Filename: f,
			Content:  fmt.Sprintf("---\nphase: %s\n---\nScope: [NEEDS CLARIFICATION]\n", phase),
		})
	}
	return outs, nil
}

// partialMarkerRunner writes only the first required artifact and leaves a
// clarification marker in it, so each attempt fails the presence check while
// still raising the same warning.
type partialMarkerRunner struct {
	cfg *config.Config
}

func (p partialMarkerRunner) Run(_ context.Context, phase domain.Phase, _ domain.Project, _ map[string]string) ([]agent.Output, error) {
	req := p.cfg.RequiredArtifacts(phase)
	if len(req) == 0 {
		return nil, nil
	}
	return []agent.Output{{
		Filename: req[0],
		Content:  fmt.Sprintf("---\nphase: %s\n---\nScope: [NEEDS CLARIFICATION]\n", phase),
	}}, nil
}

type testEnv struct {
	Engine  engine.Engine
	Metrics *metrics.Memory
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("proj-1")
	eng := engine.New(conn, cfg)
	mem := metrics.NewMemory()
	eng.Metrics = mem
	eng.Agents = stubRunner{cfg: cfg}
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	if _, err := eng.InitProject(ctx, engine.InitProjectOptions{ID: "proj-1", Slug: "test", ActorID: "tester"}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	return testEnv{Engine: eng, Metrics: mem, Ctx: ctx}
}

func advance(t *testing.T, env testEnv) engine.TransitionResult {
	t.Helper()
	res, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", ActorID: "tester"})
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	return res
}

func attachStack(t *testing.T, env testEnv) {
	t.Helper()
	_, err := env.Engine.SetComposition(env.Ctx, engine.SetCompositionOptions{
		ProjectID: "proj-1",
		Composition: domain.StackComposition{
			Base:         "nextjs_app_router",
			Backend:      "supabase",
			Data:         "neon_postgres",
			Architecture: "serverless",
		},
		ActorID: "tester",
	})
	if err != nil {
		t.Fatalf("set composition: %v", err)
	}
}

func approveGate(t *testing.T, env testEnv, name string) {
	t.Helper()
	if _, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveGateOptions{
		ProjectID: "proj-1", Gate: name, Approver: "tester",
	}); err != nil {
		t.Fatalf("approve %s: %v", name, err)
	}
}

func TestAdvanceRunsFullWorkflow(t *testing.T) {
	env := newTestEnv(t)

	res := advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced || res.Project.CurrentPhase != domain.PhaseStackSelection {
		t.Fatalf("after analysis: outcome=%s phase=%s", res.Outcome, res.Project.CurrentPhase)
	}

	// No composition attached, so the stack descriptor is missing.
	res = advance(t, env)
	if res.Outcome != domain.OutcomeValidationFailed {
		t.Fatalf("expected validation_failed, got %s", res.Outcome)
	}
	if res.Validation == nil || len(res.Validation.Errors) == 0 {
		t.Fatalf("expected validation errors")
	}

	attachStack(t, env)
	res = advance(t, env)
	if res.Outcome != domain.OutcomeGatePending || res.GateName != domain.GateStack {
		t.Fatalf("expected gate_pending on stack, got %s/%s", res.Outcome, res.GateName)
	}
	if res.Project.CurrentPhase != domain.PhaseStackSelection {
		t.Fatalf("gate_pending must not move the phase")
	}

	approveGate(t, env, domain.GateStack)
	res = advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced || res.Project.CurrentPhase != domain.PhaseSpec {
		t.Fatalf("after stack approval: outcome=%s phase=%s", res.Outcome, res.Project.CurrentPhase)
	}
	if !res.Project.StackApproved {
		t.Fatalf("expected stack approval mirrored on project")
	}

	res = advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced || res.Project.CurrentPhase != domain.PhaseDependencies {
		t.Fatalf("after spec: outcome=%s phase=%s", res.Outcome, res.Project.CurrentPhase)
	}

	res = advance(t, env)
	if res.Outcome != domain.OutcomeGatePending || res.GateName != domain.GateDependencies {
		t.Fatalf("expected gate_pending on dependencies, got %s/%s", res.Outcome, res.GateName)
	}
	approveGate(t, env, domain.GateDependencies)
	res = advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced || res.Project.CurrentPhase != domain.PhaseSolutioning {
		t.Fatalf("after dependencies approval: outcome=%s phase=%s", res.Outcome, res.Project.CurrentPhase)
	}

	res = advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced || res.Project.CurrentPhase != domain.PhaseDone {
		t.Fatalf("after solutioning: outcome=%s phase=%s", res.Outcome, res.Project.CurrentPhase)
	}
	if len(res.Project.PhasesCompleted) != 5 {
		t.Fatalf("expected 5 completed phases, got %v", res.Project.PhasesCompleted)
	}

	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", ActorID: "tester"})
	if !errors.Is(err, engine.ErrTerminalPhase) {
		t.Fatalf("expected terminal phase error, got %v", err)
	}

	if got := env.Metrics.Transitions(domain.PhaseAnalysis, domain.OutcomeAdvanced); got != 1 {
		t.Fatalf("expected 1 recorded analysis advance, got %d", got)
	}
	if got := env.Metrics.GateApprovals(domain.GateStack); got != 1 {
		t.Fatalf("expected 1 stack approval, got %d", got)
	}
}

func TestAdvanceValidationFailureKeepsPhase(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Agents = emptyRunner{}

	res := advance(t, env)
	if res.Outcome != domain.OutcomeValidationFailed {
		t.Fatalf("expected validation_failed, got %s", res.Outcome)
	}
	found := false
	for _, msg := range res.Validation.Errors {
		if strings.Contains(msg, "missing required artifact") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected missing-artifact error, got %v", res.Validation.Errors)
	}

	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentPhase != domain.PhaseAnalysis {
		t.Fatalf("failed validation must not move the phase, got %s", p.CurrentPhase)
	}

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, "proj-1", 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Status != domain.HistoryFailed {
		t.Fatalf("expected one failed history entry, got %+v", entries)
	}
	if entries[0].Message == nil || !strings.Contains(*entries[0].Message, "missing required artifact") {
		t.Fatalf("expected failure message on history entry")
	}
}

func TestAdvanceAgentFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Agents = failingRunner{}

	res := advance(t, env)
	if res.Outcome != domain.OutcomeAgentFailed {
		t.Fatalf("expected agent_failed, got %s", res.Outcome)
	}
	if !strings.Contains(res.Message, "unreachable") {
		t.Fatalf("expected runner error in message, got %q", res.Message)
	}
	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentPhase != domain.PhaseAnalysis {
		t.Fatalf("agent failure must not move the phase")
	}
	runs, fails := env.Metrics.AgentRuns(domain.RoleAnalyst)
	if runs != 1 || fails != 1 {
		t.Fatalf("expected 1 failed analyst run, got %d/%d", runs, fails)
	}
}

func TestWarningsAccumulateWithoutBlocking(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Agents = markerRunner{cfg: env.Engine.Config}

	res := advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced {
		t.Fatalf("warnings must not block, got %s", res.Outcome)
	}
	if len(res.Validation.Warnings) == 0 {
		t.Fatalf("expected clarification warnings")
	}
	warnings, err := env.Engine.Repo.ListWarnings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != len(res.Validation.Warnings) {
		t.Fatalf("expected %d persisted warnings, got %d", len(res.Validation.Warnings), len(warnings))
	}

	// Later validations see the accumulated total.
	_, result, err := env.Engine.ValidateCurrentPhase(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.TotalWarnings < len(warnings) {
		t.Fatalf("expected accumulated warnings in total, got %d", result.TotalWarnings)
	}
}

func TestFailedRetriesStackDuplicateWarnings(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Agents = partialMarkerRunner{cfg: env.Engine.Config}

	first := advance(t, env)
	if first.Outcome != domain.OutcomeValidationFailed {
		t.Fatalf("expected validation_failed, got %s", first.Outcome)
	}
	if len(first.Validation.Warnings) != 1 || first.Validation.TotalWarnings != 1 {
		t.Fatalf("expected one marker warning on first attempt, got %+v", first.Validation)
	}

	second := advance(t, env)
	if second.Outcome != domain.OutcomeValidationFailed {
		t.Fatalf("expected second validation_failed, got %s", second.Outcome)
	}
	if second.Validation.TotalWarnings != 2 {
		t.Fatalf("retry must grow the accumulated total, got %d", second.Validation.TotalWarnings)
	}

	warnings, err := env.Engine.Repo.ListWarnings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 2 {
		t.Fatalf("expected two persisted warning rows, got %d", len(warnings))
	}
	if warnings[0].Message != warnings[1].Message {
		t.Fatalf("identical warnings must append without deduplication, got %q vs %q", warnings[0].Message, warnings[1].Message)
	}

	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentPhase != domain.PhaseAnalysis {
		t.Fatalf("failed retries must not move the phase, got %s", p.CurrentPhase)
	}
}

func TestRollbackStepsBackOnePhase(t *testing.T) {
	env := newTestEnv(t)

	res := advance(t, env)
	if res.Project.CurrentPhase != domain.PhaseStackSelection {
		t.Fatalf("setup advance failed")
	}
	p, err := env.Engine.Rollback(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if p.CurrentPhase != domain.PhaseAnalysis || len(p.PhasesCompleted) != 0 {
		t.Fatalf("expected return to floor, got %s %v", p.CurrentPhase, p.PhasesCompleted)
	}

	_, err = env.Engine.Rollback(env.Ctx, "proj-1", "tester")
	if !errors.Is(err, engine.ErrRollbackAtFloor) {
		t.Fatalf("expected floor error, got %v", err)
	}
}

func TestRollbackLeaseConflict(t *testing.T) {
	env := newTestEnv(t)

	res := advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced {
		t.Fatalf("setup advance failed: %s", res.Outcome)
	}
	err := env.Engine.Repo.UpsertLease(env.Ctx, domain.Lease{
		ProjectID: "proj-1",
		Holder:    "other",
		ExpiresAt: "2024-01-01T01:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Rollback(env.Ctx, "proj-1", "tester")
	if !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected lease conflict, got %v", err)
	}

	p, err := env.Engine.Repo.GetProject(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentPhase != domain.PhaseStackSelection {
		t.Fatalf("blocked rollback must not move the phase, got %s", p.CurrentPhase)
	}
}

func TestGateApprovalIdempotent(t *testing.T) {
	env := newTestEnv(t)

	g1, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveGateOptions{
		ProjectID: "proj-1", Gate: domain.GateStack, Approver: "alice", Rationale: "first",
	})
	if err != nil {
		t.Fatal(err)
	}
	g2, err := env.Engine.ApproveGate(env.Ctx, engine.ApproveGateOptions{
		ProjectID: "proj-1", Gate: domain.GateStack, Approver: "bob", Rationale: "second",
	})
	if err != nil {
		t.Fatal(err)
	}
	if g1.ID != g2.ID {
		t.Fatalf("re-approval must reuse the gate record")
	}
	if g2.Approver == nil || *g2.Approver != "bob" || g2.Rationale == nil || *g2.Rationale != "second" {
		t.Fatalf("re-approval must refresh audit fields, got %+v", g2)
	}

	gates, err := env.Engine.ProjectGates(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(gates) != 1 {
		t.Fatalf("expected a single gate row, got %d", len(gates))
	}

	_, err = env.Engine.ApproveGate(env.Ctx, engine.ApproveGateOptions{
		ProjectID: "proj-1", Gate: "nonsense", Approver: "alice",
	})
	if err == nil || !strings.Contains(err.Error(), "unknown gate") {
		t.Fatalf("expected unknown gate error, got %v", err)
	}
}

func TestSetCompositionReplaceRequiresReapprove(t *testing.T) {
	env := newTestEnv(t)
	attachStack(t, env)

	_, err := env.Engine.SetComposition(env.Ctx, engine.SetCompositionOptions{
		ProjectID:   "proj-1",
		Composition: domain.StackComposition{Base: "sveltekit", Backend: "serverless_functions", Data: "planetscale_mysql", Architecture: "edge"},
		ActorID:     "tester",
	})
	if !errors.Is(err, engine.ErrStackAttached) {
		t.Fatalf("expected attached-stack error, got %v", err)
	}

	approveGate(t, env, domain.GateStack)
	p, err := env.Engine.SetComposition(env.Ctx, engine.SetCompositionOptions{
		ProjectID:   "proj-1",
		Composition: domain.StackComposition{Base: "sveltekit", Backend: "serverless_functions", Data: "planetscale_mysql", Architecture: "edge"},
		Reapprove:   true,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("reapprove replace: %v", err)
	}
	if p.StackApproved {
		t.Fatalf("replacement must withdraw the stack approval")
	}
	if p.Stack == nil || p.Stack.Base != "sveltekit" || p.Stack.Mobile != domain.MobileNone {
		t.Fatalf("unexpected composition %+v", p.Stack)
	}

	g, err := env.Engine.Repo.GetGate(env.Ctx, "proj-1", domain.GateStack)
	if err != nil {
		t.Fatal(err)
	}
	if g.Approved {
		t.Fatalf("gate record must be withdrawn too")
	}
	if g.Approver != nil || g.ApprovedAt != nil || g.Rationale != nil {
		t.Fatalf("withdrawn gate must not keep prior audit fields, got %+v", g)
	}

	a, err := env.Engine.Repo.GetArtifact(env.Ctx, "proj-1", env.Engine.Config.StackFile())
	if err != nil {
		t.Fatal(err)
	}
	if a.Version != 2 {
		t.Fatalf("expected second stack descriptor version, got %d", a.Version)
	}
}

func TestAdvanceLeaseConflict(t *testing.T) {
	env := newTestEnv(t)
	err := env.Engine.Repo.UpsertLease(env.Ctx, domain.Lease{
		ProjectID: "proj-1",
		Holder:    "other",
		ExpiresAt: "2024-01-01T01:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.Advance(env.Ctx, engine.AdvanceOptions{ProjectID: "proj-1", ActorID: "tester"})
	if !errors.Is(err, engine.ErrLeaseHeld) {
		t.Fatalf("expected lease conflict, got %v", err)
	}

	// An expired lease no longer blocks.
	err = env.Engine.Repo.UpsertLease(env.Ctx, domain.Lease{
		ProjectID: "proj-1",
		Holder:    "other",
		ExpiresAt: "2023-12-31T23:00:00Z",
	})
	if err != nil {
		t.Fatal(err)
	}
	res := advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced {
		t.Fatalf("expected advance after expiry, got %s", res.Outcome)
	}
}

func TestPhaseHistoryReusedAcrossGatePending(t *testing.T) {
	env := newTestEnv(t)
	advance(t, env)
	attachStack(t, env)

	res := advance(t, env)
	if res.Outcome != domain.OutcomeGatePending {
		t.Fatalf("setup: expected gate_pending, got %s", res.Outcome)
	}
	approveGate(t, env, domain.GateStack)
	res = advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced {
		t.Fatalf("expected advance after approval, got %s", res.Outcome)
	}

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, "proj-1", 20, "", "")
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for _, h := range entries {
		if h.Phase == domain.PhaseStackSelection {
			count++
			if h.Status != domain.HistoryCompleted {
				t.Fatalf("expected completed stack entry, got %s", h.Status)
			}
		}
	}
	if count != 1 {
		t.Fatalf("gate wait must reuse the open history entry, got %d entries", count)
	}
}

func TestValidateCurrentPhasePersistsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Agents = emptyRunner{}

	_, result, err := env.Engine.ValidateCurrentPhase(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.Passed || len(result.Errors) == 0 {
		t.Fatalf("expected failing preview, got %+v", result)
	}

	warnings, err := env.Engine.Repo.ListWarnings(env.Ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Fatalf("preview must not persist warnings")
	}
	entries, err := env.Engine.Repo.ListHistory(env.Ctx, "proj-1", 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("preview must not open history entries")
	}
}

func TestImportLegacyProjectWithTemplate(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.ImportLegacyProject(env.Ctx, engine.ImportOptions{
		ID:              "legacy-1",
		Slug:            "legacy",
		TemplateID:      "nextjs_fullstack_expo",
		CompletedPhases: []string{"ANALYSIS", "STACK_SELECTION"},
		ActorID:         "importer",
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if p.CurrentPhase != domain.PhaseSpec {
		t.Fatalf("expected SPEC after two completed phases, got %s", p.CurrentPhase)
	}
	if p.Stack == nil || p.Stack.Base != "nextjs_app_router" {
		t.Fatalf("expected migrated composition, got %+v", p.Stack)
	}
	if p.LegacyTemplateID == nil || *p.LegacyTemplateID != "nextjs_fullstack_expo" {
		t.Fatalf("template id must be preserved")
	}
	if !p.StackApproved {
		t.Fatalf("crossing the stack gate on import must arrive approved")
	}

	g, err := env.Engine.Repo.GetGate(env.Ctx, "legacy-1", domain.GateStack)
	if err != nil {
		t.Fatal(err)
	}
	if !g.Approved || g.Rationale == nil || !strings.Contains(*g.Rationale, "nextjs_fullstack_expo") {
		t.Fatalf("expected import rationale on gate, got %+v", g)
	}

	entries, err := env.Engine.Repo.ListHistory(env.Ctx, "legacy-1", 10, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected replayed history, got %d entries", len(entries))
	}
	for _, h := range entries {
		if h.Status != domain.HistoryCompleted {
			t.Fatalf("imported history must be completed, got %s", h.Status)
		}
	}

	a, err := env.Engine.Repo.GetArtifact(env.Ctx, "legacy-1", env.Engine.Config.StackFile())
	if err != nil {
		t.Fatalf("expected stack descriptor artifact: %v", err)
	}
	if a.Phase != domain.PhaseStackSelection {
		t.Fatalf("descriptor filed under %s", a.Phase)
	}
}

func TestImportLegacyProjectUnknownTemplate(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.Engine.ImportLegacyProject(env.Ctx, engine.ImportOptions{
		Slug:       "legacy",
		TemplateID: "angular_monolith",
		ActorID:    "importer",
	})
	if err != nil {
		t.Fatalf("unknown template must import cleanly: %v", err)
	}
	if p.Stack != nil {
		t.Fatalf("unknown template must not invent a composition")
	}
	if p.LegacyTemplateID == nil || *p.LegacyTemplateID != "angular_monolith" {
		t.Fatalf("template id must be preserved for later migration")
	}
	if p.CurrentPhase != domain.PhaseAnalysis {
		t.Fatalf("no completed phases means the floor, got %s", p.CurrentPhase)
	}
}

func TestImportLegacyProjectRejectsBadPhases(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.ImportLegacyProject(env.Ctx, engine.ImportOptions{
		Slug:            "legacy",
		CompletedPhases: []string{"STACK_SELECTION"},
		ActorID:         "importer",
	})
	if err == nil || !strings.Contains(err.Error(), "prefix") {
		t.Fatalf("expected prefix error, got %v", err)
	}

	_, err = env.Engine.ImportLegacyProject(env.Ctx, engine.ImportOptions{
		Slug:            "legacy",
		CompletedPhases: []string{"ANALYSIS", "BUILD"},
		ActorID:         "importer",
	})
	if err == nil || !strings.Contains(err.Error(), "unknown phase") {
		t.Fatalf("expected unknown phase error, got %v", err)
	}

	_, err = env.Engine.ImportLegacyProject(env.Ctx, engine.ImportOptions{
		Slug:            "legacy",
		CompletedPhases: []string{"ANALYSIS", "STACK_SELECTION", "SPEC", "DEPENDENCIES", "SOLUTIONING", "DONE"},
		ActorID:         "importer",
	})
	if err == nil || !strings.Contains(err.Error(), "cannot be a completed phase") {
		t.Fatalf("expected terminal phase rejection, got %v", err)
	}
}

func TestSaveArtifactVersionsAndEvents(t *testing.T) {
	env := newTestEnv(t)

	first, err := env.Engine.SaveArtifact(env.Ctx, engine.SaveArtifactOptions{
		ProjectID: "proj-1", Filename: "project-brief.md", Content: "draft one", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if first.Version != 1 || first.Phase != domain.PhaseAnalysis {
		t.Fatalf("unexpected first version %+v", first)
	}
	second, err := env.Engine.SaveArtifact(env.Ctx, engine.SaveArtifactOptions{
		ProjectID: "proj-1", Filename: "project-brief.md", Content: "draft two", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.Version != 2 {
		t.Fatalf("expected version bump, got %d", second.Version)
	}

	old, err := env.Engine.Repo.GetArtifactVersion(env.Ctx, "proj-1", "project-brief.md", 1)
	if err != nil {
		t.Fatal(err)
	}
	if old.Content != "draft one" {
		t.Fatalf("old version must stay readable, got %q", old.Content)
	}

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type='artifact.saved'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 2 {
		t.Fatalf("expected 2 artifact events, got %d", count)
	}
}

func TestRollbackKeepsGateApproval(t *testing.T) {
	env := newTestEnv(t)
	advance(t, env)
	attachStack(t, env)
	advance(t, env)
	approveGate(t, env, domain.GateStack)
	res := advance(t, env)
	if res.Project.CurrentPhase != domain.PhaseSpec {
		t.Fatalf("setup: expected SPEC, got %s", res.Project.CurrentPhase)
	}

	p, err := env.Engine.Rollback(env.Ctx, "proj-1", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentPhase != domain.PhaseStackSelection {
		t.Fatalf("expected STACK_SELECTION, got %s", p.CurrentPhase)
	}
	// The approval survives, so re-advancing needs no second sign-off.
	res = advance(t, env)
	if res.Outcome != domain.OutcomeAdvanced || res.Project.CurrentPhase != domain.PhaseSpec {
		t.Fatalf("expected straight re-advance, got %s/%s", res.Outcome, res.Project.CurrentPhase)
	}
}

func TestUnknownProjectErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Advance(env.Ctx, engine.AdvanceOptions{ProjectID: "ghost", ActorID: "tester"})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGrantRoleMaterializesDeclaredPermissions(t *testing.T) {
	env := newTestEnv(t)

	err := env.Engine.GrantRole(env.Ctx, engine.RoleGrant{
		ProjectID: "proj-1", ActorID: "alice", RoleID: "owner", GrantedBy: "tester",
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	who, err := env.Engine.WhoAmI(env.Ctx, "proj-1", "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(who.Roles) != 1 || who.Roles[0] != "owner" {
		t.Fatalf("expected owner role, got %v", who.Roles)
	}
	if len(who.Permissions) == 0 {
		t.Fatalf("declared role must carry its permission set, got none")
	}

	err = env.Engine.GrantRole(env.Ctx, engine.RoleGrant{
		ProjectID: "proj-1", ActorID: "bob", RoleID: "ghostwriter", GrantedBy: "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "unknown role") {
		t.Fatalf("expected unknown role error, got %v", err)
	}
}
