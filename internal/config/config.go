package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"phaseline/internal/domain"
)

// FileName is the workspace configuration file name.
const FileName = "phaseline.yml"

const (
	defaultMarker         = "[NEEDS CLARIFICATION]"
	defaultStackFile      = "stack.json"
	defaultAgentTimeout   = 120
	defaultLeaseTTL       = 120
	defaultAgentProvider  = "gemini"
	defaultAgentModel     = "gemini-1.5-flash"
	defaultAgentAPIKeyEnv = "GEMINI_API_KEY"
)

var validate = validator.New()

// PhaseConfig declares one workflow phase: the agent role that produces its
// artifacts (empty for phases with no agent) and the filenames validation
// requires.
type PhaseConfig struct {
	Phase     string   `yaml:"phase" validate:"required"`
	Agent     string   `yaml:"agent,omitempty" validate:"omitempty,oneof=analyst pm architect devops"`
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// GateConfig binds an approval gate to the phase it blocks entry into.
type GateConfig struct {
	Name        string `yaml:"name" validate:"required"`
	TargetPhase string `yaml:"target_phase" validate:"required"`
}

// LegacyMappingConfig is one row of the legacy template table.
type LegacyMappingConfig struct {
	TemplateID   string `yaml:"template_id" validate:"required"`
	Base         string `yaml:"base" validate:"required"`
	Mobile       string `yaml:"mobile" validate:"required"`
	Backend      string `yaml:"backend" validate:"required"`
	Data         string `yaml:"data" validate:"required"`
	Architecture string `yaml:"architecture" validate:"required"`
	Reason       string `yaml:"reason" validate:"required"`
}

// WebhookConfig is one event push target.
type WebhookConfig struct {
	URL    string   `yaml:"url" validate:"required,url"`
	Secret string   `yaml:"secret,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

// RBACRole declares a role's permission set, seeded into the database by
// rbac bootstrap. Roles left out of config can still be created bare.
type RBACRole struct {
	Description string   `yaml:"description,omitempty"`
	Permissions []string `yaml:"permissions,omitempty"`
}

// AgentConfig selects and bounds the agent runner.
type AgentConfig struct {
	Provider       string `yaml:"provider,omitempty" validate:"omitempty,oneof=gemini script"`
	Model          string `yaml:"model,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty" validate:"omitempty,min=1"`
	APIKeyEnv      string `yaml:"api_key_env,omitempty"`
}

// ValidationConfig tunes the inline validators.
type ValidationConfig struct {
	ClarificationMarker string   `yaml:"clarification_marker,omitempty"`
	StackFile           string   `yaml:"stack_file,omitempty"`
	StackRequiredKeys   []string `yaml:"stack_required_keys,omitempty"`
}

// Config is the full workspace configuration, loaded once and treated as
// immutable for the process lifetime.
type Config struct {
	Project struct {
		ID   string `yaml:"id" validate:"required"`
		Slug string `yaml:"slug,omitempty"`
	} `yaml:"project"`
	Workflow struct {
		Phases []PhaseConfig `yaml:"phases" validate:"required,min=1,dive"`
		Gates  []GateConfig  `yaml:"gates,omitempty" validate:"dive"`
	} `yaml:"workflow"`
	Validation ValidationConfig `yaml:"validation"`
	Agent      AgentConfig      `yaml:"agent"`
	Legacy     struct {
		Mappings []LegacyMappingConfig `yaml:"mappings,omitempty" validate:"dive"`
	} `yaml:"legacy"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles,omitempty"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty" validate:"dive"`
	Defaults struct {
		LeaseTTLSeconds int `yaml:"lease_ttl_seconds,omitempty" validate:"omitempty,min=1"`
	} `yaml:"defaults"`
}

// Path returns the configuration file location for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, FileName)
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return FromYAML(data)
}

// LoadOptional is Load, except a missing file yields (nil, nil).
func LoadOptional(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	return Load(path)
}

// FromYAML parses and validates raw configuration bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the seed configuration for a fresh workspace.
func Default(projectID string) *Config {
	cfg, err := FromYAML([]byte(DefaultYAML(projectID)))
	if err != nil {
		panic("config: default template invalid: " + err.Error())
	}
	return cfg
}

// DefaultYAML returns the seed configuration text, for writing to disk or
// embedding in a project record.
func DefaultYAML(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// PinnedYAML renders this configuration for embedding in a project record,
// with the project id swapped in. Projects pin the workflow that was active
// when they were created, not whatever the workspace file says later.
func (c *Config) PinnedYAML(projectID string) (string, error) {
	pinned := *c
	pinned.Project.ID = projectID
	b, err := yaml.Marshal(&pinned)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(b), nil
}

// GenerateDefault writes the seed configuration file. It refuses to
// overwrite an existing one.
func GenerateDefault(path, projectID string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}
	return os.WriteFile(path, []byte(DefaultYAML(projectID)), 0o644)
}

// Validate checks field constraints, then the referential rules the tag
// validator cannot express. Malformed configuration fails here, at load,
// never at first use.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seenPhases := map[domain.Phase]bool{}
	for _, pc := range c.Workflow.Phases {
		phase, ok := domain.ParsePhase(pc.Phase)
		if !ok {
			return fmt.Errorf("invalid config: unknown phase %q", pc.Phase)
		}
		if seenPhases[phase] {
			return fmt.Errorf("invalid config: phase %q declared twice", pc.Phase)
		}
		seenPhases[phase] = true
		if phase == domain.PhaseDone && pc.Agent != "" {
			return fmt.Errorf("invalid config: terminal phase %q cannot bind an agent", pc.Phase)
		}
	}
	seenGates := map[string]bool{}
	seenTargets := map[domain.Phase]bool{}
	for _, gc := range c.Workflow.Gates {
		target, ok := domain.ParsePhase(gc.TargetPhase)
		if !ok {
			return fmt.Errorf("invalid config: gate %q targets unknown phase %q", gc.Name, gc.TargetPhase)
		}
		if !seenPhases[target] {
			return fmt.Errorf("invalid config: gate %q targets undeclared phase %q", gc.Name, gc.TargetPhase)
		}
		if target == domain.PhaseAnalysis {
			return fmt.Errorf("invalid config: gate %q cannot target the initial phase", gc.Name)
		}
		if seenGates[gc.Name] {
			return fmt.Errorf("invalid config: gate %q declared twice", gc.Name)
		}
		if seenTargets[target] {
			return fmt.Errorf("invalid config: phase %q has two gates", gc.TargetPhase)
		}
		seenGates[gc.Name] = true
		seenTargets[target] = true
	}
	seenTemplates := map[string]bool{}
	for _, m := range c.Legacy.Mappings {
		if seenTemplates[m.TemplateID] {
			return fmt.Errorf("invalid config: legacy template %q mapped twice", m.TemplateID)
		}
		seenTemplates[m.TemplateID] = true
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("invalid config: rbac.roles must include owner when declared")
		}
		for roleID, role := range c.RBAC.Roles {
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("invalid config: role %q lists an empty permission", roleID)
				}
			}
		}
	}
	return nil
}

// AgentRoleFor returns the agent role bound to a phase. ok is false for
// phases that run no agent (STACK_SELECTION, DONE in the default workflow).
func (c *Config) AgentRoleFor(phase domain.Phase) (domain.AgentRole, bool) {
	for _, pc := range c.Workflow.Phases {
		if domain.Phase(pc.Phase) == phase && pc.Agent != "" {
			return domain.AgentRole(pc.Agent), true
		}
	}
	return "", false
}

// RequiredArtifacts returns the filenames validation requires for a phase.
func (c *Config) RequiredArtifacts(phase domain.Phase) []string {
	for _, pc := range c.Workflow.Phases {
		if domain.Phase(pc.Phase) == phase {
			out := make([]string, len(pc.Artifacts))
			copy(out, pc.Artifacts)
			return out
		}
	}
	return nil
}

// GateForTarget returns the gate name guarding entry into target, if any.
func (c *Config) GateForTarget(target domain.Phase) (string, bool) {
	for _, gc := range c.Workflow.Gates {
		if domain.Phase(gc.TargetPhase) == target {
			return gc.Name, true
		}
	}
	return "", false
}

// GateNames returns every configured gate name in declaration order.
func (c *Config) GateNames() []string {
	out := make([]string, 0, len(c.Workflow.Gates))
	for _, gc := range c.Workflow.Gates {
		out = append(out, gc.Name)
	}
	return out
}

// LegacyMappings returns the mapping table in domain form.
func (c *Config) LegacyMappings() []domain.LegacyMapping {
	out := make([]domain.LegacyMapping, 0, len(c.Legacy.Mappings))
	for _, m := range c.Legacy.Mappings {
		out = append(out, domain.LegacyMapping{
			TemplateID: m.TemplateID,
			Composition: domain.StackComposition{
				Base:         m.Base,
				Mobile:       m.Mobile,
				Backend:      m.Backend,
				Data:         m.Data,
				Architecture: m.Architecture,
			},
			Reason: m.Reason,
		})
	}
	return out
}

// Marker returns the unresolved-clarification token validators scan for.
func (c *Config) Marker() string {
	if c.Validation.ClarificationMarker != "" {
		return c.Validation.ClarificationMarker
	}
	return defaultMarker
}

// StackFile returns the structured stack descriptor filename.
func (c *Config) StackFile() string {
	if c.Validation.StackFile != "" {
		return c.Validation.StackFile
	}
	return defaultStackFile
}

// StackRequiredKeys returns the keys the stack descriptor must carry before
// validation stops flagging it incomplete.
func (c *Config) StackRequiredKeys() []string {
	if len(c.Validation.StackRequiredKeys) > 0 {
		out := make([]string, len(c.Validation.StackRequiredKeys))
		copy(out, c.Validation.StackRequiredKeys)
		return out
	}
	return []string{"backend", "database"}
}

// AgentTimeout bounds a single agent invocation.
func (c *Config) AgentTimeout() time.Duration {
	secs := c.Agent.TimeoutSeconds
	if secs <= 0 {
		secs = defaultAgentTimeout
	}
	return time.Duration(secs) * time.Second
}

// AgentProvider returns the configured runner implementation.
func (c *Config) AgentProvider() string {
	if c.Agent.Provider != "" {
		return c.Agent.Provider
	}
	return defaultAgentProvider
}

// AgentModel returns the model identifier for the gemini provider.
func (c *Config) AgentModel() string {
	if c.Agent.Model != "" {
		return c.Agent.Model
	}
	return defaultAgentModel
}

// AgentAPIKeyEnv names the environment variable holding the model API key.
func (c *Config) AgentAPIKeyEnv() string {
	if c.Agent.APIKeyEnv != "" {
		return c.Agent.APIKeyEnv
	}
	return defaultAgentAPIKeyEnv
}

// LeaseTTLSeconds bounds how long a transition may hold the project lease.
func (c *Config) LeaseTTLSeconds() int {
	if c.Defaults.LeaseTTLSeconds > 0 {
		return c.Defaults.LeaseTTLSeconds
	}
	return defaultLeaseTTL
}

const defaultTemplate = `# Phaseline workspace configuration.
project:
  id: %s

workflow:
  phases:
    - phase: ANALYSIS
      agent: analyst
      artifacts:
        - project-brief.md
        - constitution.md
    - phase: STACK_SELECTION
      artifacts:
        - stack.json
    - phase: SPEC
      agent: pm
      artifacts:
        - spec.md
    - phase: DEPENDENCIES
      agent: devops
      artifacts:
        - dependencies.md
    - phase: SOLUTIONING
      agent: architect
      artifacts:
        - solution-architecture.md
    - phase: DONE
  gates:
    - name: stack
      target_phase: SPEC
    - name: dependencies
      target_phase: SOLUTIONING

validation:
  clarification_marker: "[NEEDS CLARIFICATION]"
  stack_file: stack.json
  stack_required_keys:
    - backend
    - database

agent:
  provider: gemini
  model: gemini-1.5-flash
  timeout_seconds: 120
  api_key_env: GEMINI_API_KEY

legacy:
  mappings:
    - template_id: nextjs_fullstack_expo
      base: nextjs_app_router
      mobile: expo_integration
      backend: integrated
      data: neon_postgres
      architecture: monolith
      reason: "Next.js fullstack + Expo template split into app-router base with Expo, integrated backend, and Neon Postgres layers"
    - template_id: sveltekit_serverless
      base: sveltekit
      mobile: none
      backend: serverless_functions
      data: planetscale_mysql
      architecture: edge
      reason: "SvelteKit serverless template maps to an edge architecture with function backend and PlanetScale data layer"

rbac:
  roles:
    owner:
      description: "Full control of the project"
      permissions:
        - projects.read
        - projects.write
        - phases.advance
        - artifacts.read
        - artifacts.write
        - gates.read
        - gates.approve
        - events.read
        - rbac.manage
    contributor:
      description: "Advances phases and writes artifacts"
      permissions:
        - projects.read
        - phases.advance
        - artifacts.read
        - artifacts.write
        - gates.read
        - events.read
    approver:
      description: "Reviews stack and dependency gates"
      permissions:
        - projects.read
        - artifacts.read
        - gates.read
        - gates.approve

defaults:
  lease_ttl_seconds: 120
`
