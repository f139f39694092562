package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"

	"phaseline/internal/agent"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/migrate"
)

const testJWTSecret = "server-test-secret"

var allScopes = []string{
	"projects.read", "projects.write", "phases.advance",
	"artifacts.read", "artifacts.write",
	"gates.read", "gates.approve", "events.read", "rbac.manage",
}

// stubRunner produces every required artifact for the phase, with a
// frontmatter block so validation stays warning-free.
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

type testServer struct {
	URL    string
	client *http.Client
	token  string
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.token}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("phaseline")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Agents = stubRunner{cfg: cfg}
	if _, err := e.InitProject(context.Background(), engine.InitProjectOptions{
		ID:      cfg.Project.ID,
		Slug:    "phaseline",
		ActorID: "tester",
	}); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	token, err := signDevToken(testJWTSecret, "tester", nil, allScopes)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		token:  token,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type transitionBody struct {
	Outcome string `json:"outcome"`
	Gate    string `json:"gate"`
	Message string `json:"message"`
	Project struct {
		CurrentPhase  string `json:"current_phase"`
		StackApproved bool   `json:"stack_approved"`
	} `json:"project"`
}

func TestAdvanceThroughStackGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/projects/phaseline"

	res, data := doJSON(t, client, http.MethodPost, base+"/advance", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first advance status %d: %s", res.StatusCode, string(data))
	}
	var tr transitionBody
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transition: %v", err)
	}
	if tr.Outcome != "advanced" || tr.Project.CurrentPhase != "STACK_SELECTION" {
		t.Fatalf("expected advanced to STACK_SELECTION, got %s / %s", tr.Outcome, tr.Project.CurrentPhase)
	}

	// No composition attached yet, so the stack phase cannot validate.
	res, data = doJSON(t, client, http.MethodPost, base+"/advance", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second advance status %d: %s", res.StatusCode, string(data))
	}
	tr = transitionBody{}
	_ = json.Unmarshal(data, &tr)
	if tr.Outcome != "validation_failed" {
		t.Fatalf("expected validation_failed, got %s: %s", tr.Outcome, string(data))
	}

	res, data = doJSON(t, client, http.MethodPut, base+"/stack", map[string]any{
		"base":         "nextjs",
		"backend":      "supabase",
		"data":         "postgres",
		"architecture": "serverless",
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set stack status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("third advance status %d: %s", res.StatusCode, string(data))
	}
	tr = transitionBody{}
	_ = json.Unmarshal(data, &tr)
	if tr.Outcome != "gate_pending" || tr.Gate != "stack" {
		t.Fatalf("expected gate_pending on stack, got %s / %s: %s", tr.Outcome, tr.Gate, string(data))
	}
	if tr.Project.CurrentPhase != "STACK_SELECTION" {
		t.Fatalf("gate_pending must not move the phase, got %s", tr.Project.CurrentPhase)
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/gates/stack/approve", map[string]any{
		"rationale": "stack reviewed",
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve gate status %d: %s", res.StatusCode, string(data))
	}
	var gate struct {
		Approved bool `json:"approved"`
	}
	_ = json.Unmarshal(data, &gate)
	if !gate.Approved {
		t.Fatalf("expected gate approved: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, base+"/advance", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("fourth advance status %d: %s", res.StatusCode, string(data))
	}
	tr = transitionBody{}
	_ = json.Unmarshal(data, &tr)
	if tr.Outcome != "advanced" || tr.Project.CurrentPhase != "SPEC" {
		t.Fatalf("expected advanced to SPEC, got %s / %s", tr.Outcome, tr.Project.CurrentPhase)
	}
	if !tr.Project.StackApproved {
		t.Fatalf("expected stack_approved after gate approval: %s", string(data))
	}
}

func TestRollbackAtFloorConflicts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/rollback", nil, srv.auth())
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 at the rollback floor, got %d: %s", res.StatusCode, string(data))
	}
}

func TestArtifactVersioning(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	base := srv.URL + "/v1/projects/phaseline/artifacts/project-brief.md"

	res, data := doJSON(t, client, http.MethodPut, base, map[string]any{
		"content": "first draft",
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first put status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPut, base, map[string]any{
		"content": "second draft",
	}, srv.auth())
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("second put status %d: %s", res.StatusCode, string(data))
	}
	var saved struct {
		Version int `json:"version"`
	}
	_ = json.Unmarshal(data, &saved)
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"?version=1", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get v1 status %d: %s", res.StatusCode, string(data))
	}
	var fetched struct {
		Version int    `json:"version"`
		Content string `json:"content"`
	}
	_ = json.Unmarshal(data, &fetched)
	if fetched.Version != 1 || fetched.Content != "first draft" {
		t.Fatalf("expected first draft at v1, got %+v", fetched)
	}

	res, data = doJSON(t, client, http.MethodGet, base+"/versions", nil, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("versions status %d: %s", res.StatusCode, string(data))
	}
	var versions []struct {
		Version int `json:"version"`
	}
	_ = json.Unmarshal(data, &versions)
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d: %s", len(versions), string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/phaseline", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must not require auth, got %d: %s", res.StatusCode, string(data))
	}
}

func TestScopedTokenLacksAdvance(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	readToken, err := signDevToken(testJWTSecret, "reader", nil, []string{"projects.read"})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	headers := map[string]string{"Authorization": "Bearer " + readToken}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/projects/phaseline", nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("read with scope status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/projects/phaseline/advance", nil, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without phases.advance, got %d: %s", res.StatusCode, string(data))
	}
}
