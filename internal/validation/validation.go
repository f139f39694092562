package validation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Severity classes findings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one validator observation about an artifact set.
type Finding struct {
	Severity Severity `json:"severity" enum:"error,warning"`
	Message  string   `json:"message"`
}

// Result reports one validation pass over a phase's artifacts. Warnings
// never block; Passed and CanProceed are both false only when at least one
// error was found.
type Result struct {
	Phase               domain.Phase `json:"phase"`
	Passed              bool         `json:"passed"`
	CanProceed          bool         `json:"can_proceed"`
	Errors              []string     `json:"errors"`
	Warnings            []string     `json:"warnings"`
	AccumulatedWarnings []string     `json:"accumulated_warnings"`
	TotalWarnings       int          `json:"total_warnings"`
}

// Summary flattens errors for history messages.
func (r Result) Summary() string {
	return strings.Join(r.Errors, "; ")
}

type validator func(phase domain.Phase, artifacts map[string]string) []Finding

// Checker runs the per-phase validator chain.
type Checker struct {
	marker       string
	stackFile    string
	requiredKeys []string
	required     func(domain.Phase) []string
	stackSchema  *gojsonschema.Schema
}

// The stack descriptor is a flat object of string slots. Key completeness
// is checked separately and only warns.
const stackSchemaJSON = `{
	"type": "object",
	"additionalProperties": {"type": "string"}
}`

func NewChecker(cfg *config.Config) (*Checker, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(stackSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("compile stack schema: %w", err)
	}
	return &Checker{
		marker:       cfg.Marker(),
		stackFile:    cfg.StackFile(),
		requiredKeys: cfg.StackRequiredKeys(),
		required:     cfg.RequiredArtifacts,
		stackSchema:  schema,
	}, nil
}

// MustChecker is NewChecker for callers wiring the fixed built-in schema,
// where a compile failure is a programming error.
func MustChecker(cfg *config.Config) *Checker {
	c, err := NewChecker(cfg)
	if err != nil {
		panic("validation: " + err.Error())
	}
	return c
}

// Check runs the phase's validators over the artifact map. prior is the
// project's accumulated-warnings sequence; the new warnings are appended to
// it without deduplication.
func (c *Checker) Check(phase domain.Phase, artifacts map[string]string, prior []string) Result {
	var errs, warns []string
	for _, v := range c.validatorsFor(phase) {
		for _, f := range v(phase, artifacts) {
			switch f.Severity {
			case SeverityError:
				errs = append(errs, f.Message)
			case SeverityWarning:
				warns = append(warns, f.Message)
			}
		}
	}
	acc := make([]string, 0, len(prior)+len(warns))
	acc = append(acc, prior...)
	acc = append(acc, warns...)
	passed := len(errs) == 0
	return Result{
		Phase:               phase,
		Passed:              passed,
		CanProceed:          passed,
		Errors:              errs,
		Warnings:            warns,
		AccumulatedWarnings: acc,
		TotalWarnings:       len(acc),
	}
}

// validatorsFor is the closed dispatch table. Every content phase runs the
// presence, frontmatter and marker checks; the stack phase adds the
// structured-data check. DONE produces nothing to validate.
func (c *Checker) validatorsFor(phase domain.Phase) []validator {
	base := []validator{c.checkPresence, c.checkFrontmatter, c.checkMarkers}
	switch phase {
	case domain.PhaseStackSelection:
		return append(base, c.checkStack)
	case domain.PhaseAnalysis, domain.PhaseSpec, domain.PhaseDependencies, domain.PhaseSolutioning:
		return base
	case domain.PhaseDone:
		return nil
	}
	return nil
}

func (c *Checker) checkPresence(phase domain.Phase, artifacts map[string]string) []Finding {
	var out []Finding
	for _, f := range c.required(phase) {
		if _, ok := artifacts[f]; !ok {
			out = append(out, Finding{Severity: SeverityError, Message: fmt.Sprintf("missing required artifact: %s", f)})
		}
	}
	return out
}

func (c *Checker) checkFrontmatter(phase domain.Phase, artifacts map[string]string) []Finding {
	var out []Finding
	for _, f := range c.orderedFilenames(phase, artifacts) {
		if !strings.HasSuffix(f, ".md") {
			continue
		}
		if !hasFrontmatter(artifacts[f]) {
			out = append(out, Finding{Severity: SeverityWarning, Message: fmt.Sprintf("%s: missing frontmatter block", f)})
		}
	}
	return out
}

func (c *Checker) checkMarkers(phase domain.Phase, artifacts map[string]string) []Finding {
	var out []Finding
	for _, f := range c.orderedFilenames(phase, artifacts) {
		for i, line := range strings.Split(artifacts[f], "\n") {
			for n := strings.Count(line, c.marker); n > 0; n-- {
				out = append(out, Finding{Severity: SeverityWarning, Message: fmt.Sprintf("%s:%d: unresolved clarification", f, i+1)})
			}
		}
	}
	return out
}

func (c *Checker) checkStack(phase domain.Phase, artifacts map[string]string) []Finding {
	content, ok := artifacts[c.stackFile]
	if !ok {
		return nil
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return []Finding{{Severity: SeverityError, Message: fmt.Sprintf("%s: invalid JSON: %v", c.stackFile, err)}}
	}
	var out []Finding
	res, err := c.stackSchema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		out = append(out, Finding{Severity: SeverityError, Message: fmt.Sprintf("%s: schema check failed: %v", c.stackFile, err)})
	} else if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, re := range res.Errors() {
			msgs = append(msgs, re.String())
		}
		sort.Strings(msgs)
		for _, m := range msgs {
			out = append(out, Finding{Severity: SeverityError, Message: fmt.Sprintf("%s: %s", c.stackFile, m)})
		}
	}
	for _, key := range c.requiredKeys {
		if _, ok := raw[key]; !ok {
			out = append(out, Finding{Severity: SeverityWarning, Message: fmt.Sprintf("Incomplete stack definition: missing %q in %s", key, c.stackFile)})
		}
	}
	return out
}

// orderedFilenames walks declared required files first, then any extras in
// sorted order, so findings come out identical for identical input.
func (c *Checker) orderedFilenames(phase domain.Phase, artifacts map[string]string) []string {
	required := c.required(phase)
	seen := make(map[string]bool, len(required))
	var out []string
	for _, f := range required {
		if _, ok := artifacts[f]; ok {
			out = append(out, f)
			seen[f] = true
		}
	}
	var extras []string
	for f := range artifacts {
		if !seen[f] {
			extras = append(extras, f)
		}
	}
	sort.Strings(extras)
	return append(out, extras...)
}

func hasFrontmatter(content string) bool {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return false
	}
	for _, l := range lines[1:] {
		if strings.TrimSpace(l) == "---" {
			return true
		}
	}
	return false
}
