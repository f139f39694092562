package stacks

import (
	"sort"

	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Migrator maps legacy single-file template ids onto modular stack
// compositions.
type Migrator struct {
	mappings map[string]domain.LegacyMapping
	log      *zap.Logger
}

func NewMigrator(cfg *config.Config, log *zap.Logger) *Migrator {
	if log == nil {
		log = zap.NewNop()
	}
	m := &Migrator{mappings: make(map[string]domain.LegacyMapping), log: log}
	for _, lm := range cfg.LegacyMappings() {
		m.mappings[lm.TemplateID] = lm
	}
	return m
}

// MigrateTemplateID resolves a legacy template id to its composition.
// Unknown ids return nil.
func (m *Migrator) MigrateTemplateID(templateID string) *domain.StackComposition {
	lm, ok := m.mappings[templateID]
	if !ok {
		m.log.Warn("unknown legacy template", zap.String("template_id", templateID))
		return nil
	}
	comp := lm.Composition
	return &comp
}

func (m *Migrator) IsLegacyTemplate(templateID string) bool {
	_, ok := m.mappings[templateID]
	return ok
}

// MigrationReason explains the mapping, empty for unknown ids.
func (m *Migrator) MigrationReason(templateID string) string {
	return m.mappings[templateID].Reason
}

// MigrateMultiple resolves a batch of ids. Ids with no mapping keep a nil
// entry so callers can report exactly which inputs failed to map.
func (m *Migrator) MigrateMultiple(templateIDs []string) map[string]*domain.StackComposition {
	out := make(map[string]*domain.StackComposition, len(templateIDs))
	for _, id := range templateIDs {
		out[id] = m.MigrateTemplateID(id)
	}
	return out
}

// TemplateIDs lists known legacy ids in sorted order.
func (m *Migrator) TemplateIDs() []string {
	ids := make([]string, 0, len(m.mappings))
	for id := range m.mappings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Mapping returns the full mapping row for display surfaces.
func (m *Migrator) Mapping(templateID string) (domain.LegacyMapping, bool) {
	lm, ok := m.mappings[templateID]
	return lm, ok
}
