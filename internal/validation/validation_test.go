package validation_test

import (
	"strings"
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/validation"
)

func newChecker(t *testing.T) *validation.Checker {
	t.Helper()
	c, err := validation.NewChecker(config.Default("proj-1"))
	if err != nil {
		t.Fatalf("new checker: %v", err)
	}
	return c
}

func countContaining(msgs []string, sub string) int {
	n := 0
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			n++
		}
	}
	return n
}

func TestMissingArtifactsBlock(t *testing.T) {
	c := newChecker(t)
	res := c.Check(domain.PhaseAnalysis, map[string]string{}, nil)
	if res.Passed || res.CanProceed {
		t.Fatalf("missing artifacts must block, got %+v", res)
	}
	if got := countContaining(res.Errors, "missing required artifact"); got != 2 {
		t.Fatalf("expected 2 presence errors, got %v", res.Errors)
	}
}

func TestWarningsDoNotBlock(t *testing.T) {
	c := newChecker(t)
	artifacts := map[string]string{
		"project-brief.md": "Goal: [NEEDS CLARIFICATION]\nScope: [NEEDS CLARIFICATION] and [NEEDS CLARIFICATION]",
		"constitution.md":  "---\ntitle: constitution\n---\nAll clear.\n",
	}
	res := c.Check(domain.PhaseAnalysis, artifacts, nil)
	if !res.Passed {
		t.Fatalf("warnings must not block, errors=%v", res.Errors)
	}
	if got := countContaining(res.Warnings, "missing frontmatter block"); got != 1 {
		t.Fatalf("expected 1 frontmatter warning, got %v", res.Warnings)
	}
	// Two markers on one line count twice.
	if got := countContaining(res.Warnings, "unresolved clarification"); got != 3 {
		t.Fatalf("expected 3 marker warnings, got %v", res.Warnings)
	}
}

func TestStackDescriptorChecks(t *testing.T) {
	c := newChecker(t)

	res := c.Check(domain.PhaseStackSelection, map[string]string{"stack.json": "{not json"}, nil)
	if res.Passed || countContaining(res.Errors, "invalid JSON") != 1 {
		t.Fatalf("expected invalid JSON error, got %+v", res)
	}

	res = c.Check(domain.PhaseStackSelection, map[string]string{"stack.json": `{"backend": 42, "database": "pg"}`}, nil)
	if res.Passed {
		t.Fatalf("non-string slot values must fail the schema, got %+v", res)
	}

	res = c.Check(domain.PhaseStackSelection, map[string]string{"stack.json": `{"base": "nextjs"}`}, nil)
	if !res.Passed {
		t.Fatalf("missing keys are warnings, got errors %v", res.Errors)
	}
	if countContaining(res.Warnings, "Incomplete stack definition") != 2 {
		t.Fatalf("expected warnings for backend and database, got %v", res.Warnings)
	}

	full := `{"base": "nextjs", "mobile": "none", "backend": "supabase", "database": "postgres", "architecture": "serverless"}`
	res = c.Check(domain.PhaseStackSelection, map[string]string{"stack.json": full}, nil)
	if !res.Passed || len(res.Warnings) != 0 {
		t.Fatalf("complete descriptor must be clean, got %+v", res)
	}
}

func TestDonePhaseHasNoValidators(t *testing.T) {
	c := newChecker(t)
	res := c.Check(domain.PhaseDone, map[string]string{}, nil)
	if !res.Passed || len(res.Errors) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("DONE must validate clean, got %+v", res)
	}
}

func TestAccumulatedWarningsCarry(t *testing.T) {
	c := newChecker(t)
	artifacts := map[string]string{
		"project-brief.md": "---\nok: true\n---\nbody",
		"constitution.md":  "no frontmatter here",
	}
	res := c.Check(domain.PhaseAnalysis, artifacts, []string{"earlier warning"})
	if !res.Passed {
		t.Fatalf("unexpected errors %v", res.Errors)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected 1 new warning, got %v", res.Warnings)
	}
	if res.TotalWarnings != 2 || len(res.AccumulatedWarnings) != 2 {
		t.Fatalf("expected prior plus new, got total=%d acc=%v", res.TotalWarnings, res.AccumulatedWarnings)
	}
	if res.AccumulatedWarnings[0] != "earlier warning" {
		t.Fatalf("prior warnings must come first")
	}
}

func TestCleanArtifactsProduceNoFindings(t *testing.T) {
	c := newChecker(t)
	artifacts := map[string]string{
		"project-brief.md": "---\ntitle: Test\n---\nValid",
		"constitution.md":  "---\ntitle: C\n---\nValid",
	}
	res := c.Check(domain.PhaseAnalysis, artifacts, nil)
	if !res.Passed || !res.CanProceed {
		t.Fatalf("clean artifacts must pass, got %+v", res)
	}
	if len(res.Errors) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("expected no findings, got errors=%v warnings=%v", res.Errors, res.Warnings)
	}
}

func TestMissingArtifactErrorNamesFile(t *testing.T) {
	c := newChecker(t)
	artifacts := map[string]string{
		"project-brief.md": "---\ntitle: Test\n---\nValid",
	}
	res := c.Check(domain.PhaseAnalysis, artifacts, nil)
	if res.Passed {
		t.Fatal("missing constitution.md must block")
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "constitution.md") {
		t.Fatalf("expected one error naming constitution.md, got %v", res.Errors)
	}
	if len(res.Warnings) != 0 {
		t.Fatalf("unexpected warnings %v", res.Warnings)
	}
}

func TestFindingsAreDeterministic(t *testing.T) {
	c := newChecker(t)
	// Both files raise frontmatter and marker warnings; map iteration order
	// must not leak into the result.
	artifacts := map[string]string{
		"project-brief.md": "alpha [NEEDS CLARIFICATION]",
		"constitution.md":  "beta [NEEDS CLARIFICATION]",
	}
	first := c.Check(domain.PhaseAnalysis, artifacts, nil)
	if len(first.Warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %v", first.Warnings)
	}
	for i := 0; i < 5; i++ {
		next := c.Check(domain.PhaseAnalysis, artifacts, nil)
		if strings.Join(next.Errors, "|") != strings.Join(first.Errors, "|") {
			t.Fatalf("errors diverged on run %d: %v vs %v", i, next.Errors, first.Errors)
		}
		if strings.Join(next.Warnings, "|") != strings.Join(first.Warnings, "|") {
			t.Fatalf("warnings diverged on run %d: %v vs %v", i, next.Warnings, first.Warnings)
		}
	}
}
