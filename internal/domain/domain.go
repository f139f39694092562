package domain

// Phase is one stage of the fixed project workflow.
type Phase string

const (
	PhaseAnalysis       Phase = "ANALYSIS"
	PhaseStackSelection Phase = "STACK_SELECTION"
	PhaseSpec           Phase = "SPEC"
	PhaseDependencies   Phase = "DEPENDENCIES"
	PhaseSolutioning    Phase = "SOLUTIONING"
	PhaseDone           Phase = "DONE"
)

// phaseOrder is the canonical sequence. Transitions only ever move one step
// along it, forward on advance and backward on rollback.
var phaseOrder = []Phase{
	PhaseAnalysis,
	PhaseStackSelection,
	PhaseSpec,
	PhaseDependencies,
	PhaseSolutioning,
	PhaseDone,
}

// Phases returns every phase in canonical order.
func Phases() []Phase {
	out := make([]Phase, len(phaseOrder))
	copy(out, phaseOrder)
	return out
}

// ParsePhase maps a stored string onto a Phase. ok is false for anything
// outside the six known phases.
func ParsePhase(s string) (Phase, bool) {
	p := Phase(s)
	return p, p.Valid()
}

func (p Phase) Valid() bool {
	return p.Ordinal() >= 0
}

// Ordinal returns the phase's position in canonical order, or -1 for an
// unknown phase.
func (p Phase) Ordinal() int {
	for i, candidate := range phaseOrder {
		if candidate == p {
			return i
		}
	}
	return -1
}

// Next returns the immediate successor. ok is false at DONE and for unknown
// phases.
func (p Phase) Next() (Phase, bool) {
	i := p.Ordinal()
	if i < 0 || i+1 >= len(phaseOrder) {
		return "", false
	}
	return phaseOrder[i+1], true
}

// Prev returns the immediate predecessor. ok is false at ANALYSIS and for
// unknown phases.
func (p Phase) Prev() (Phase, bool) {
	i := p.Ordinal()
	if i <= 0 {
		return "", false
	}
	return phaseOrder[i-1], true
}

// Before reports whether p is strictly earlier than other in canonical order.
func (p Phase) Before(other Phase) bool {
	pi, oi := p.Ordinal(), other.Ordinal()
	return pi >= 0 && oi >= 0 && pi < oi
}

// Terminal reports whether the workflow ends at p.
func (p Phase) Terminal() bool {
	return p == PhaseDone
}

// AgentRole names the automated agent family bound to a phase.
type AgentRole string

const (
	RoleAnalyst   AgentRole = "analyst"
	RolePM        AgentRole = "pm"
	RoleArchitect AgentRole = "architect"
	RoleDevOps    AgentRole = "devops"
)

// HistoryStatus is the lifecycle state of a phase attempt.
type HistoryStatus string

const (
	HistoryInProgress HistoryStatus = "in_progress"
	HistoryCompleted  HistoryStatus = "completed"
	HistoryFailed     HistoryStatus = "failed"
)

// TransitionOutcome classifies the result of an advance attempt. Validation
// outcome and authorization outcome stay separate: gate_pending means the
// phase's work passed but a required approval is missing.
type TransitionOutcome string

const (
	OutcomeAdvanced         TransitionOutcome = "advanced"
	OutcomeValidationFailed TransitionOutcome = "validation_failed"
	OutcomeGatePending      TransitionOutcome = "gate_pending"
	OutcomeAgentFailed      TransitionOutcome = "agent_failed"
)

// Well-known gate names. Gate bindings are configuration, but these two ship
// in the default workflow and the importer depends on "stack".
const (
	GateStack        = "stack"
	GateDependencies = "dependencies"
)

// MobileNone is the sentinel for a composition with no mobile addon.
const MobileNone = "none"

// Project is the aggregate root. It is mutated only through the engine's
// transition operations.
type Project struct {
	ID                   string            `json:"id"`
	Slug                 string            `json:"slug"`
	Name                 string            `json:"name"`
	CurrentPhase         Phase             `json:"current_phase" enum:"ANALYSIS,STACK_SELECTION,SPEC,DEPENDENCIES,SOLUTIONING,DONE"`
	PhasesCompleted      []Phase           `json:"phases_completed"`
	StackApproved        bool              `json:"stack_approved"`
	DependenciesApproved bool              `json:"dependencies_approved"`
	Stack                *StackComposition `json:"stack,omitempty"`
	LegacyTemplateID     *string           `json:"legacy_template_id,omitempty"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
	UpdatedAt            string            `json:"updated_at" format:"date-time"`
}

// PhaseHistoryEntry records one attempt at a phase. At most one in_progress
// entry exists per (project, phase); failed entries stay behind for audit.
type PhaseHistoryEntry struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Phase       Phase         `json:"phase" enum:"ANALYSIS,STACK_SELECTION,SPEC,DEPENDENCIES,SOLUTIONING,DONE"`
	Status      HistoryStatus `json:"status" enum:"in_progress,completed,failed"`
	Message     *string       `json:"message,omitempty"`
	StartedAt   string        `json:"started_at" format:"date-time"`
	CompletedAt *string       `json:"completed_at,omitempty" format:"date-time"`
}

// Artifact is a named content blob produced during a phase. Overwrites bump
// the version instead of replacing content.
type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Phase     Phase  `json:"phase"`
	Filename  string `json:"filename"`
	Version   int    `json:"version"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ApprovalGate is a per-project human checkpoint. Rows are created lazily on
// first read and never deleted.
type ApprovalGate struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"project_id"`
	Name       string  `json:"name"`
	Approved   bool    `json:"approved"`
	Approver   *string `json:"approver,omitempty"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`
	Rationale  *string `json:"rationale,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

// StackComposition is the five-layer description of a project's technology
// stack. Every slot is populated; Mobile uses MobileNone when absent.
type StackComposition struct {
	Base         string `json:"base"`
	Mobile       string `json:"mobile"`
	Backend      string `json:"backend"`
	Data         string `json:"data"`
	Architecture string `json:"architecture"`
}

// LegacyMapping ties a deprecated flat template id to its compositional
// equivalent and a human-readable migration reason.
type LegacyMapping struct {
	TemplateID  string           `json:"template_id"`
	Composition StackComposition `json:"composition"`
	Reason      string           `json:"reason"`
}

// ProjectWarning is one accumulated validation warning. The sequence is
// append-only across the project's lifetime.
type ProjectWarning struct {
	ProjectID string `json:"project_id"`
	Seq       int    `json:"seq"`
	Phase     Phase  `json:"phase"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is an append-only audit record written in the same transaction as
// the state change it describes.
type Event struct {
	ID          int64   `json:"id"`
	TS          string  `json:"ts" format:"date-time"`
	Type        string  `json:"type"`
	ProjectID   *string `json:"project_id,omitempty"`
	EntityKind  string  `json:"entity_kind"`
	EntityID    *string `json:"entity_id,omitempty"`
	ActorID     string  `json:"actor_id"`
	PayloadJSON string  `json:"payload_json"`
}

// Lease is the per-project advisory lock serializing transitions.
type Lease struct {
	ProjectID string `json:"project_id"`
	Holder    string `json:"holder"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

// APIKey identifies a server client. Only the sha256 hash is stored.
type APIKey struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ActorID   string  `json:"actor_id"`
	OrgID     *string `json:"org_id,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}
