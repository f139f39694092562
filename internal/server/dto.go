package server

import (
	"encoding/json"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/validation"
)

// Request payloads

type CreateProjectRequest struct {
	ID   *string `json:"id,omitempty"`
	Slug string  `json:"slug"`
	Name *string `json:"name,omitempty"`
}

type ImportProjectRequest struct {
	ID              *string  `json:"id,omitempty"`
	Slug            string   `json:"slug"`
	Name            *string  `json:"name,omitempty"`
	TemplateID      *string  `json:"template_id,omitempty"`
	CompletedPhases []string `json:"completed_phases,omitempty"`
}

type SaveArtifactRequest struct {
	Phase   *string `json:"phase,omitempty" enum:"ANALYSIS,STACK_SELECTION,SPEC,DEPENDENCIES,SOLUTIONING,DONE"`
	Content string  `json:"content"`
}

type ApproveGateRequest struct {
	Rationale *string `json:"rationale,omitempty"`
}

type SetStackRequest struct {
	Base         string `json:"base"`
	Mobile       string `json:"mobile,omitempty"`
	Backend      string `json:"backend"`
	Data         string `json:"data"`
	Architecture string `json:"architecture"`
	Reapprove    bool   `json:"reapprove,omitempty"`
}

type MigrateTemplatesRequest struct {
	TemplateIDs []string `json:"template_ids"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id"`
}

type GateAuthorityRequest struct {
	Gate   string `json:"gate"`
	RoleID string `json:"role_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
}

// Response payloads

type StackResponse struct {
	Base         string `json:"base"`
	Mobile       string `json:"mobile"`
	Backend      string `json:"backend"`
	Data         string `json:"data"`
	Architecture string `json:"architecture"`
}

type ProjectResponse struct {
	ID                   string         `json:"id"`
	Slug                 string         `json:"slug"`
	Name                 string         `json:"name"`
	CurrentPhase         string         `json:"current_phase" enum:"ANALYSIS,STACK_SELECTION,SPEC,DEPENDENCIES,SOLUTIONING,DONE"`
	PhasesCompleted      []string       `json:"phases_completed"`
	StackApproved        bool           `json:"stack_approved"`
	DependenciesApproved bool           `json:"dependencies_approved"`
	Stack                *StackResponse `json:"stack,omitempty"`
	LegacyTemplateID     *string        `json:"legacy_template_id,omitempty"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
}

type ValidationResponse struct {
	Phase               string   `json:"phase"`
	Passed              bool     `json:"passed"`
	CanProceed          bool     `json:"can_proceed"`
	Errors              []string `json:"errors"`
	Warnings            []string `json:"warnings"`
	AccumulatedWarnings []string `json:"accumulated_warnings"`
	TotalWarnings       int      `json:"total_warnings"`
}

type TransitionResponse struct {
	Outcome    string              `json:"outcome" enum:"advanced,validation_failed,gate_pending,agent_failed"`
	Project    ProjectResponse     `json:"project"`
	Validation *ValidationResponse `json:"validation,omitempty"`
	Gate       string              `json:"gate,omitempty"`
	Message    string              `json:"message,omitempty"`
}

type HistoryEntryResponse struct {
	ID          string  `json:"id"`
	Phase       string  `json:"phase"`
	Status      string  `json:"status" enum:"in_progress,completed,failed"`
	Message     *string `json:"message,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type ArtifactResponse struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase"`
	Filename  string `json:"filename"`
	Version   int    `json:"version"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type GateResponse struct {
	Name       string  `json:"name"`
	Approved   bool    `json:"approved"`
	Approver   *string `json:"approver,omitempty"`
	ApprovedAt *string `json:"approved_at,omitempty" format:"date-time"`
	Rationale  *string `json:"rationale,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type WarningResponse struct {
	Seq       int    `json:"seq"`
	Phase     string `json:"phase"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type TemplateMappingResponse struct {
	TemplateID string        `json:"template_id"`
	Stack      StackResponse `json:"stack"`
	Reason     string        `json:"reason"`
}

type MigrateTemplatesResponse struct {
	Results map[string]*StackResponse `json:"results"`
}

type WhoAmIResponse struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Gates       []string `json:"gates"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ActorID   string `json:"actor_id"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	Project     ProjectResponse       `json:"project"`
	NextPhase   string                `json:"next_phase,omitempty"`
	PendingGate string                `json:"pending_gate,omitempty"`
	OpenHistory *HistoryEntryResponse `json:"open_history,omitempty"`
	Warnings    int                   `json:"warnings"`
}

type PhaseConfigResponse struct {
	Phase     string   `json:"phase"`
	Agent     string   `json:"agent,omitempty"`
	Artifacts []string `json:"artifacts,omitempty"`
}

type GateConfigResponse struct {
	Name        string `json:"name"`
	TargetPhase string `json:"target_phase"`
}

type ProjectConfigResponse struct {
	Project struct {
		ID   string `json:"id"`
		Slug string `json:"slug,omitempty"`
	} `json:"project"`
	Phases     []PhaseConfigResponse `json:"phases"`
	Gates      []GateConfigResponse  `json:"gates"`
	Validation struct {
		ClarificationMarker string   `json:"clarification_marker"`
		StackFile           string   `json:"stack_file"`
		StackRequiredKeys   []string `json:"stack_required_keys"`
	} `json:"validation"`
}

type paginatedProjects struct {
	Items      []ProjectResponse `json:"items"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

type paginatedHistory struct {
	Items      []HistoryEntryResponse `json:"items"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func stackResponse(s domain.StackComposition) StackResponse {
	return StackResponse(s)
}

func projectResponse(p domain.Project) ProjectResponse {
	res := ProjectResponse{
		ID:                   p.ID,
		Slug:                 p.Slug,
		Name:                 p.Name,
		CurrentPhase:         string(p.CurrentPhase),
		PhasesCompleted:      phaseStrings(p.PhasesCompleted),
		StackApproved:        p.StackApproved,
		DependenciesApproved: p.DependenciesApproved,
		LegacyTemplateID:     p.LegacyTemplateID,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
	if p.Stack != nil {
		sr := stackResponse(*p.Stack)
		res.Stack = &sr
	}
	return res
}

func validationResponse(v validation.Result) ValidationResponse {
	return ValidationResponse{
		Phase:               string(v.Phase),
		Passed:              v.Passed,
		CanProceed:          v.CanProceed,
		Errors:              nonNilSlice(v.Errors),
		Warnings:            nonNilSlice(v.Warnings),
		AccumulatedWarnings: nonNilSlice(v.AccumulatedWarnings),
		TotalWarnings:       v.TotalWarnings,
	}
}

func transitionResponse(t engine.TransitionResult) TransitionResponse {
	res := TransitionResponse{
		Outcome: string(t.Outcome),
		Project: projectResponse(t.Project),
		Gate:    t.GateName,
		Message: t.Message,
	}
	if t.Validation != nil {
		vr := validationResponse(*t.Validation)
		res.Validation = &vr
	}
	return res
}

func historyResponse(h domain.PhaseHistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:          h.ID,
		Phase:       string(h.Phase),
		Status:      string(h.Status),
		Message:     h.Message,
		StartedAt:   h.StartedAt,
		CompletedAt: h.CompletedAt,
	}
}

func artifactResponse(a domain.Artifact, withContent bool) ArtifactResponse {
	res := ArtifactResponse{
		ID:        a.ID,
		ProjectID: a.ProjectID,
		Phase:     string(a.Phase),
		Filename:  a.Filename,
		Version:   a.Version,
		CreatedAt: a.CreatedAt,
	}
	if withContent {
		res.Content = a.Content
	}
	return res
}

func gateResponse(g domain.ApprovalGate) GateResponse {
	return GateResponse{
		Name:       g.Name,
		Approved:   g.Approved,
		Approver:   g.Approver,
		ApprovedAt: g.ApprovedAt,
		Rationale:  g.Rationale,
		CreatedAt:  g.CreatedAt,
		UpdatedAt:  g.UpdatedAt,
	}
}

func warningResponse(w domain.ProjectWarning) WarningResponse {
	return WarningResponse{
		Seq:       w.Seq,
		Phase:     string(w.Phase),
		Message:   w.Message,
		CreatedAt: w.CreatedAt,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  stringOrEmpty(e.ProjectID),
		EntityKind: e.EntityKind,
		EntityID:   stringOrEmpty(e.EntityID),
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.PayloadJSON),
	}
}

func configResponse(cfg *config.Config) ProjectConfigResponse {
	res := ProjectConfigResponse{
		Phases: []PhaseConfigResponse{},
		Gates:  []GateConfigResponse{},
	}
	res.Project.ID = cfg.Project.ID
	res.Project.Slug = cfg.Project.Slug
	for _, pc := range cfg.Workflow.Phases {
		res.Phases = append(res.Phases, PhaseConfigResponse{
			Phase:     pc.Phase,
			Agent:     pc.Agent,
			Artifacts: pc.Artifacts,
		})
	}
	for _, gc := range cfg.Workflow.Gates {
		res.Gates = append(res.Gates, GateConfigResponse{
			Name:        gc.Name,
			TargetPhase: gc.TargetPhase,
		})
	}
	res.Validation.ClarificationMarker = cfg.Marker()
	res.Validation.StackFile = cfg.StackFile()
	res.Validation.StackRequiredKeys = cfg.StackRequiredKeys()
	return res
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return map[string]any{}
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return map[string]any{}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func phaseStrings(phases []domain.Phase) []string {
	out := make([]string, 0, len(phases))
	for _, p := range phases {
		out = append(out, string(p))
	}
	return out
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
