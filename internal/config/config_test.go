package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

func TestDefaultWorkflowShape(t *testing.T) {
	cfg := config.Default("proj-1")

	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id not seeded, got %q", cfg.Project.ID)
	}
	if got := cfg.RequiredArtifacts(domain.PhaseAnalysis); len(got) != 2 || got[0] != "project-brief.md" || got[1] != "constitution.md" {
		t.Fatalf("unexpected analysis artifacts %v", got)
	}

	gate, ok := cfg.GateForTarget(domain.PhaseSpec)
	if !ok || gate != "stack" {
		t.Fatalf("expected stack gate before SPEC, got %q/%v", gate, ok)
	}
	gate, ok = cfg.GateForTarget(domain.PhaseSolutioning)
	if !ok || gate != "dependencies" {
		t.Fatalf("expected dependencies gate before SOLUTIONING, got %q/%v", gate, ok)
	}
	if _, ok := cfg.GateForTarget(domain.PhaseStackSelection); ok {
		t.Fatalf("no gate guards STACK_SELECTION")
	}

	role, ok := cfg.AgentRoleFor(domain.PhaseAnalysis)
	if !ok || role != domain.RoleAnalyst {
		t.Fatalf("expected analyst on ANALYSIS, got %q/%v", role, ok)
	}
	if _, ok := cfg.AgentRoleFor(domain.PhaseStackSelection); ok {
		t.Fatalf("STACK_SELECTION runs no agent")
	}
	if _, ok := cfg.AgentRoleFor(domain.PhaseDone); ok {
		t.Fatalf("DONE runs no agent")
	}

	if cfg.Marker() != "[NEEDS CLARIFICATION]" {
		t.Fatalf("unexpected marker %q", cfg.Marker())
	}
	if cfg.StackFile() != "stack.json" {
		t.Fatalf("unexpected stack file %q", cfg.StackFile())
	}
	if keys := cfg.StackRequiredKeys(); len(keys) != 2 || keys[0] != "backend" || keys[1] != "database" {
		t.Fatalf("unexpected stack keys %v", keys)
	}
	if cfg.LeaseTTLSeconds() != 120 {
		t.Fatalf("unexpected lease ttl %d", cfg.LeaseTTLSeconds())
	}
	if len(cfg.LegacyMappings()) != 2 {
		t.Fatalf("expected two seeded legacy mappings, got %d", len(cfg.LegacyMappings()))
	}
	if _, ok := cfg.RBAC.Roles["owner"]; !ok {
		t.Fatalf("default rbac must declare owner")
	}
}

func TestFromYAMLRejectsBadWorkflow(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "unknown phase",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - phase: BUILD
`,
			wantErr: "unknown phase",
		},
		{
			name: "duplicate phase",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS}
    - {phase: ANALYSIS}
`,
			wantErr: "declared twice",
		},
		{
			name: "agent on terminal phase",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: DONE, agent: analyst}
`,
			wantErr: "cannot bind an agent",
		},
		{
			name: "gate targets initial phase",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS}
  gates:
    - {name: entry, target_phase: ANALYSIS}
`,
			wantErr: "cannot target the initial phase",
		},
		{
			name: "gate targets undeclared phase",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS}
  gates:
    - {name: stack, target_phase: SPEC}
`,
			wantErr: "undeclared phase",
		},
		{
			name: "two gates on one phase",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS}
    - {phase: STACK_SELECTION}
  gates:
    - {name: first, target_phase: STACK_SELECTION}
    - {name: second, target_phase: STACK_SELECTION}
`,
			wantErr: "two gates",
		},
		{
			name: "duplicate legacy template",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS}
legacy:
  mappings:
    - {template_id: t1, base: a, mobile: none, backend: b, data: c, architecture: d, reason: r}
    - {template_id: t1, base: a, mobile: none, backend: b, data: c, architecture: d, reason: r}
`,
			wantErr: "mapped twice",
		},
		{
			name: "rbac without owner",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS}
rbac:
  roles:
    contributor:
      permissions: [projects.read]
`,
			wantErr: "must include owner",
		},
		{
			name: "unknown agent role",
			yaml: `
project: {id: p1}
workflow:
  phases:
    - {phase: ANALYSIS, agent: wizard}
`,
			wantErr: "invalid config",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestGenerateDefaultRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := config.Path(dir)
	if path != filepath.Join(dir, "phaseline.yml") {
		t.Fatalf("unexpected config path %q", path)
	}

	if err := config.GenerateDefault(path, "proj-1"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load generated: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("generated config carries %q", cfg.Project.ID)
	}

	if err := config.GenerateDefault(path, "proj-2"); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected overwrite refusal, got %v", err)
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg, err := config.LoadOptional(filepath.Join(t.TempDir(), "phaseline.yml"))
	if err != nil || cfg != nil {
		t.Fatalf("missing file must yield nil, nil; got %v, %v", cfg, err)
	}

	// A present but broken file still fails.
	dir := t.TempDir()
	path := config.Path(dir)
	if err := os.WriteFile(path, []byte("workflow: {phases: []}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.LoadOptional(path); err == nil {
		t.Fatalf("expected validation failure for empty phases")
	}
}

func TestPinnedYAMLCarriesCustomizations(t *testing.T) {
	cfg := config.Default("proj-1")
	cfg.Defaults.LeaseTTLSeconds = 300
	cfg.Agent.Provider = "script"

	raw, err := cfg.PinnedYAML("proj-2")
	if err != nil {
		t.Fatalf("pin: %v", err)
	}
	pinned, err := config.FromYAML([]byte(raw))
	if err != nil {
		t.Fatalf("reload pinned: %v", err)
	}
	if pinned.Project.ID != "proj-2" {
		t.Fatalf("expected swapped project id, got %q", pinned.Project.ID)
	}
	if pinned.LeaseTTLSeconds() != 300 {
		t.Fatalf("expected customized lease ttl, got %d", pinned.LeaseTTLSeconds())
	}
	if pinned.AgentProvider() != "script" {
		t.Fatalf("expected customized provider, got %q", pinned.AgentProvider())
	}
	if got := pinned.RequiredArtifacts(domain.PhaseAnalysis); len(got) != 2 {
		t.Fatalf("workflow must survive the round trip, got %v", got)
	}
	// The source config keeps its own identity.
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("pinning must not mutate the source, got %q", cfg.Project.ID)
	}
}
