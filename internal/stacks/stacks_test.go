package stacks_test

import (
	"testing"

	"phaseline/internal/config"
	"phaseline/internal/stacks"
)

func newMigrator() *stacks.Migrator {
	return stacks.NewMigrator(config.Default("proj-1"), nil)
}

func TestMigrateKnownTemplate(t *testing.T) {
	m := newMigrator()

	comp := m.MigrateTemplateID("nextjs_fullstack_expo")
	if comp == nil {
		t.Fatal("expected a composition for a seeded template")
	}
	if comp.Base != "nextjs_app_router" || comp.Mobile != "expo_integration" {
		t.Fatalf("wrong composition %+v", comp)
	}
	if comp.Backend != "integrated" || comp.Data != "neon_postgres" || comp.Architecture != "monolith" {
		t.Fatalf("wrong composition %+v", comp)
	}
	if !m.IsLegacyTemplate("nextjs_fullstack_expo") {
		t.Fatal("seeded template not recognized as legacy")
	}
	if m.MigrationReason("nextjs_fullstack_expo") == "" {
		t.Fatal("seeded mapping carries no reason")
	}
}

func TestMigrateUnknownTemplate(t *testing.T) {
	m := newMigrator()

	if comp := m.MigrateTemplateID("rails_monolith"); comp != nil {
		t.Fatalf("unknown template must map to nil, got %+v", comp)
	}
	if m.IsLegacyTemplate("rails_monolith") {
		t.Fatal("unknown template reported as legacy")
	}
	if m.MigrationReason("rails_monolith") != "" {
		t.Fatal("unknown template has a reason")
	}
}

func TestMigrateMultipleKeepsFailedEntries(t *testing.T) {
	m := newMigrator()

	out := m.MigrateMultiple([]string{"sveltekit_serverless", "rails_monolith"})
	if len(out) != 2 {
		t.Fatalf("expected both ids in result, got %d", len(out))
	}
	if out["sveltekit_serverless"] == nil {
		t.Fatal("known id dropped")
	}
	if out["sveltekit_serverless"].Base != "sveltekit" {
		t.Fatalf("wrong composition %+v", out["sveltekit_serverless"])
	}
	if comp, ok := out["rails_monolith"]; !ok || comp != nil {
		t.Fatalf("unknown id must keep a nil entry, got %v/%v", comp, ok)
	}
}

func TestTemplateIDsSorted(t *testing.T) {
	m := newMigrator()

	ids := m.TemplateIDs()
	if len(ids) != 2 || ids[0] != "nextjs_fullstack_expo" || ids[1] != "sveltekit_serverless" {
		t.Fatalf("unexpected template ids %v", ids)
	}

	lm, ok := m.Mapping("sveltekit_serverless")
	if !ok || lm.Composition.Data != "planetscale_mysql" {
		t.Fatalf("unexpected mapping %+v/%v", lm, ok)
	}
	if _, ok := m.Mapping("rails_monolith"); ok {
		t.Fatal("unknown id returned a mapping")
	}
}
