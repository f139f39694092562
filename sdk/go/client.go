package phaselinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Phaseline HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Stack is the five-slot technology composition.
type Stack struct {
	Base         string `json:"base"`
	Mobile       string `json:"mobile,omitempty"`
	Backend      string `json:"backend"`
	Data         string `json:"data"`
	Architecture string `json:"architecture"`
}

// Project represents the API project model.
type Project struct {
	ID                   string   `json:"id"`
	Slug                 string   `json:"slug"`
	Name                 string   `json:"name"`
	CurrentPhase         string   `json:"current_phase"`
	PhasesCompleted      []string `json:"phases_completed"`
	StackApproved        bool     `json:"stack_approved"`
	DependenciesApproved bool     `json:"dependencies_approved"`
	Stack                *Stack   `json:"stack,omitempty"`
	LegacyTemplateID     string   `json:"legacy_template_id,omitempty"`
	CreatedAt            string   `json:"created_at"`
	UpdatedAt            string   `json:"updated_at"`
}

// ValidationResult reports one phase check.
type ValidationResult struct {
	Phase               string   `json:"phase"`
	Passed              bool     `json:"passed"`
	CanProceed          bool     `json:"can_proceed"`
	Errors              []string `json:"errors"`
	Warnings            []string `json:"warnings"`
	AccumulatedWarnings []string `json:"accumulated_warnings"`
	TotalWarnings       int      `json:"total_warnings"`
}

// Transition is the result of an advance attempt. Outcome is one of
// advanced, validation_failed, gate_pending, agent_failed.
type Transition struct {
	Outcome    string            `json:"outcome"`
	Project    Project           `json:"project"`
	Validation *ValidationResult `json:"validation,omitempty"`
	Gate       string            `json:"gate,omitempty"`
	Message    string            `json:"message,omitempty"`
}

// Artifact is a versioned phase document.
type Artifact struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Phase     string `json:"phase"`
	Filename  string `json:"filename"`
	Version   int    `json:"version"`
	Content   string `json:"content,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Gate is a human approval checkpoint.
type Gate struct {
	Name       string `json:"name"`
	Approved   bool   `json:"approved"`
	Approver   string `json:"approver,omitempty"`
	ApprovedAt string `json:"approved_at,omitempty"`
	Rationale  string `json:"rationale,omitempty"`
}

// HistoryEntry records one attempt at a phase.
type HistoryEntry struct {
	ID          string `json:"id"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Status is the project scoreboard.
type Status struct {
	Project     Project       `json:"project"`
	NextPhase   string        `json:"next_phase,omitempty"`
	PendingGate string        `json:"pending_gate,omitempty"`
	OpenHistory *HistoryEntry `json:"open_history,omitempty"`
	Warnings    int           `json:"warnings"`
}

// Identity reports the caller's roles, permissions, and gate authorities.
type Identity struct {
	ActorID     string   `json:"actor_id"`
	Source      string   `json:"source,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Gates       []string `json:"gates"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// CreateProject creates a project at the ANALYSIS floor and points the
// client at it.
func (c *Client) CreateProject(ctx context.Context, slug, name string) (Project, error) {
	body := map[string]any{"slug": slug}
	if name != "" {
		body["name"] = name
	}
	var resp Project
	if err := c.do(ctx, http.MethodPost, "v1/projects", body, &resp); err != nil {
		return resp, err
	}
	if c.ProjectID == "" {
		c.ProjectID = resp.ID
	}
	return resp, nil
}

// Project fetches the client's project.
func (c *Client) Project(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, c.projectPath(""), nil, &resp)
	return resp, err
}

// Status fetches the combined status view.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, c.projectPath("status"), nil, &resp)
	return resp, err
}

// Advance runs the current phase and reports the outcome. A non-advanced
// outcome is not an error; inspect Transition.Outcome.
func (c *Client) Advance(ctx context.Context) (Transition, error) {
	var resp Transition
	err := c.do(ctx, http.MethodPost, c.projectPath("advance"), nil, &resp)
	return resp, err
}

// Rollback steps the project back one completed phase.
func (c *Client) Rollback(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, c.projectPath("rollback"), nil, &resp)
	return resp, err
}

// Validate checks the current phase without advancing.
func (c *Client) Validate(ctx context.Context) (ValidationResult, error) {
	var resp ValidationResult
	err := c.do(ctx, http.MethodPost, c.projectPath("validate"), nil, &resp)
	return resp, err
}

// PutArtifact stores a new version of the named file. An empty phase files
// it under the project's current phase.
func (c *Client) PutArtifact(ctx context.Context, filename, phase, content string) (Artifact, error) {
	body := map[string]any{"content": content}
	if phase != "" {
		body["phase"] = phase
	}
	var resp Artifact
	endpoint := c.projectPath("artifacts/" + url.PathEscape(filename))
	err := c.do(ctx, http.MethodPut, endpoint, body, &resp)
	return resp, err
}

// Artifact fetches the latest version, or a specific one when version > 0.
func (c *Client) Artifact(ctx context.Context, filename string, version int) (Artifact, error) {
	endpoint := c.projectPath("artifacts/" + url.PathEscape(filename))
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp Artifact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Artifacts lists latest artifact versions, optionally filtered by phase.
// The server returns the list bare, not in a paginated envelope.
func (c *Client) Artifacts(ctx context.Context, phase string) ([]Artifact, error) {
	endpoint := c.projectPath("artifacts")
	if phase != "" {
		endpoint = fmt.Sprintf("%s?phase=%s", endpoint, url.QueryEscape(phase))
	}
	var resp []Artifact
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// History returns phase history entries, newest first.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEntry, error) {
	endpoint := c.projectPath("history")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []HistoryEntry `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Gates lists the project's approval gates as a bare array.
func (c *Client) Gates(ctx context.Context) ([]Gate, error) {
	var resp []Gate
	err := c.do(ctx, http.MethodGet, c.projectPath("gates"), nil, &resp)
	return resp, err
}

// ApproveGate approves a named gate.
func (c *Client) ApproveGate(ctx context.Context, name, rationale string) (Gate, error) {
	body := map[string]any{}
	if rationale != "" {
		body["rationale"] = rationale
	}
	var resp Gate
	endpoint := c.projectPath(fmt.Sprintf("gates/%s/approve", url.PathEscape(name)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// SetStack attaches or, with reapprove, replaces the stack composition.
func (c *Client) SetStack(ctx context.Context, stack Stack, reapprove bool) (Project, error) {
	body := map[string]any{
		"base":         stack.Base,
		"backend":      stack.Backend,
		"data":         stack.Data,
		"architecture": stack.Architecture,
	}
	if stack.Mobile != "" {
		body["mobile"] = stack.Mobile
	}
	if reapprove {
		body["reapprove"] = true
	}
	var resp Project
	err := c.do(ctx, http.MethodPut, c.projectPath("stack"), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := c.projectPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// WhoAmI returns the caller's effective roles and permissions.
func (c *Client) WhoAmI(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, c.projectPath("me/permissions"), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	if p == "" {
		return fmt.Sprintf("v1/projects/%s", project)
	}
	return fmt.Sprintf("v1/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
