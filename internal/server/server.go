package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/engine/auth"
	"phaseline/internal/metrics"
	"phaseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Metrics  *metrics.PromSink
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"forbidden_gate"`
	Message string         `json:"message" example:"gate authority required for stack"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"gate\":\"stack\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Phaseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Phaseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerArtifacts(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerGates(group, cfg.Engine)
	registerStacks(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRBAC(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Auth.EnableDevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	startWebhookDispatcher(cfg.Engine, cfg.Log)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ge auth.ForbiddenGateError
	if errors.As(err, &ge) {
		return newAPIError(http.StatusForbidden, "forbidden_gate", err.Error(), map[string]any{"gate": ge.Gate})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrLeaseHeld):
		return newAPIError(http.StatusConflict, "lease_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrPhaseConflict),
		errors.Is(err, engine.ErrTerminalPhase),
		errors.Is(err, engine.ErrRollbackAtFloor),
		errors.Is(err, engine.ErrStackAttached):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
}

// requirePermission accepts either a token-carried scope or a stored role
// permission on the project.
func requirePermission(ctx context.Context, e engine.Engine, projectID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, principal.ActorID, perm)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ForbiddenError{Permission: perm}
	}
	return nil
}

func requireGlobalPermission(ctx context.Context, e engine.Engine, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if hasPermission(principal.Permissions, perm) {
		return nil
	}
	if e.Config == nil {
		return auth.ForbiddenError{Permission: perm}
	}
	return requirePermission(ctx, e, e.Config.Project.ID, perm)
}

// requireGateAuthority resolves whether the caller may approve the gate.
// Token scopes only count at the open layer, so an explicit deny row or a
// closed gate still blocks a scoped token.
func requireGateAuthority(ctx context.Context, e engine.Engine, projectID, gate string) (string, error) {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return "", authErr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()
	decision, err := e.Auth.GateAuthorityDecision(ctx, tx, projectID, principal.ActorID, gate)
	if err != nil {
		return "", err
	}
	switch decision {
	case auth.GateAllowed:
		return principal.ActorID, nil
	case auth.GateOpen:
		if hasPermission(principal.Permissions, auth.PermApproveGates) {
			return principal.ActorID, nil
		}
		ok, err := e.Auth.ActorHasPermission(ctx, tx, projectID, principal.ActorID, auth.PermApproveGates)
		if err != nil {
			return "", err
		}
		if ok {
			return principal.ActorID, nil
		}
	}
	return "", auth.ForbiddenGateError{Gate: gate}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Phaseline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Slug == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "slug is required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "projects.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, engine.InitProjectOptions{
			ID:      stringOrEmpty(input.Body.ID),
			Slug:    input.Body.Slug,
			Name:    stringOrEmpty(input.Body.Name),
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "import-project",
		Method:        http.MethodPost,
		Path:          "/projects/import",
		Summary:       "Import a legacy project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ImportProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Slug == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "slug is required", nil)
		}
		if err := requireGlobalPermission(ctx, e, "projects.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ImportLegacyProject(ctx, engine.ImportOptions{
			ID:              stringOrEmpty(input.Body.ID),
			Slug:            input.Body.Slug,
			Name:            stringOrEmpty(input.Body.Name),
			TemplateID:      stringOrEmpty(input.Body.TemplateID),
			CompletedPhases: input.Body.CompletedPhases,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		if err := requireGlobalPermission(ctx, e, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListProjects(ctx, limit+1, cursorCreated, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProjects{Items: []ProjectResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, p := range items {
			resp.Items = append(resp.Items, projectResponse(p))
		}
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project}",
		Summary:     "Get project by id or slug",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-status",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		resp := StatusResponse{Project: projectResponse(p)}
		if next, ok := p.CurrentPhase.Next(); ok {
			resp.NextPhase = string(next)
			if e.Config != nil {
				if gateName, bound := e.Config.GateForTarget(next); bound {
					g, err := e.Repo.GetGate(ctx, p.ID, gateName)
					if errors.Is(err, repo.ErrNotFound) || (err == nil && !g.Approved) {
						resp.PendingGate = gateName
					} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
						return nil, handleError(err)
					}
				}
			}
		}
		history, err := e.Repo.ListHistory(ctx, p.ID, 1, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		if len(history) > 0 && history[0].Status == domain.HistoryInProgress {
			h := historyResponse(history[0])
			resp.OpenHistory = &h
		}
		warnings, err := e.Repo.ListWarnings(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp.Warnings = len(warnings)
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/config",
		Summary:     "Get the project's pinned workflow configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		raw, err := e.Repo.GetProjectConfig(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cfg, err := config.FromYAML([]byte(raw))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "advance-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/advance",
		Summary:     "Run the current phase and advance when it passes",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "phases.advance"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Advance(ctx, engine.AdvanceOptions{ProjectID: p.ID, ActorID: actorID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-phase",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/rollback",
		Summary:     "Roll back to the previous phase",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "phases.advance"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.Rollback(ctx, p.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-validation",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/validate",
		Summary:     "Validate the current phase without advancing",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body ValidationResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "artifacts.read"); err != nil {
			return nil, handleError(err)
		}
		_, result, err := e.ValidateCurrentPhase(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidationResponse `json:"body"`
		}{Body: validationResponse(result)}, nil
	})
}

func registerArtifacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "put-artifact",
		Method:        http.MethodPut,
		Path:          "/projects/{project}/artifacts/{filename}",
		Summary:       "Store a new artifact version",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project  string              `path:"project"`
		Filename string              `path:"filename"`
		Body     SaveArtifactRequest `json:"body"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "artifacts.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		saved, err := e.SaveArtifact(ctx, engine.SaveArtifactOptions{
			ProjectID: p.ID,
			Phase:     stringOrEmpty(input.Body.Phase),
			Filename:  input.Filename,
			Content:   input.Body.Content,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(saved, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-artifacts",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/artifacts",
		Summary:     "List latest artifact versions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Phase   string `query:"phase" enum:",ANALYSIS,STACK_SELECTION,SPEC,DEPENDENCIES,SOLUTIONING,DONE"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "artifacts.read"); err != nil {
			return nil, handleError(err)
		}
		if input.Phase != "" {
			if _, ok := domain.ParsePhase(input.Phase); !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown phase %q", input.Phase), nil)
			}
		}
		items, err := e.Repo.ListArtifacts(ctx, p.ID, input.Phase)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ArtifactResponse, 0, len(items))
		for _, a := range items {
			out = append(out, artifactResponse(a, false))
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-artifact",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/artifacts/{filename}",
		Summary:     "Get an artifact (latest or a specific version)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project  string `path:"project"`
		Filename string `path:"filename"`
		Version  int    `query:"version"`
	}) (*struct {
		Body ArtifactResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "artifacts.read"); err != nil {
			return nil, handleError(err)
		}
		var a domain.Artifact
		if input.Version > 0 {
			a, err = e.Repo.GetArtifactVersion(ctx, p.ID, input.Filename, input.Version)
		} else {
			a, err = e.Repo.GetArtifact(ctx, p.ID, input.Filename)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArtifactResponse `json:"body"`
		}{Body: artifactResponse(a, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "artifact-versions",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/artifacts/{filename}/versions",
		Summary:     "List all versions of an artifact",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project  string `path:"project"`
		Filename string `path:"filename"`
	}) (*struct {
		Body []ArtifactResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "artifacts.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListArtifactVersions(ctx, p.ID, input.Filename)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ArtifactResponse, 0, len(items))
		for _, a := range items {
			out = append(out, artifactResponse(a, false))
		}
		return &struct {
			Body []ArtifactResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "phase-history",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/history",
		Summary:     "List phase history entries",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedHistory `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		cursorStarted, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListHistory(ctx, p.ID, limit+1, cursorStarted, cursorID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedHistory{Items: []HistoryEntryResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].StartedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, h := range items {
			resp.Items = append(resp.Items, historyResponse(h))
		}
		return &struct {
			Body paginatedHistory `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-warnings",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/warnings",
		Summary:     "List accumulated validation warnings",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body []WarningResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWarnings(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]WarningResponse, 0, len(items))
		for _, w := range items {
			out = append(out, warningResponse(w))
		}
		return &struct {
			Body []WarningResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerGates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-gates",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/gates",
		Summary:     "List approval gates",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body []GateResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "gates.read"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ProjectGates(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]GateResponse, 0, len(items))
		for _, g := range items {
			out = append(out, gateResponse(g))
		}
		return &struct {
			Body []GateResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-gate",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/gates/{gate}/approve",
		Summary:     "Approve a gate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string             `path:"project"`
		Gate    string             `path:"gate"`
		Body    ApproveGateRequest `json:"body"`
	}) (*struct {
		Body GateResponse `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		actorID, err := requireGateAuthority(ctx, e, p.ID, input.Gate)
		if err != nil {
			return nil, handleError(err)
		}
		g, err := e.ApproveGate(ctx, engine.ApproveGateOptions{
			ProjectID: p.ID,
			Gate:      input.Gate,
			Approver:  actorID,
			Rationale: stringOrEmpty(input.Body.Rationale),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GateResponse `json:"body"`
		}{Body: gateResponse(g)}, nil
	})
}

func registerStacks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-stack",
		Method:      http.MethodPut,
		Path:        "/projects/{project}/stack",
		Summary:     "Attach or replace the stack composition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string          `path:"project"`
		Body    SetStackRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "artifacts.write"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		updated, err := e.SetComposition(ctx, engine.SetCompositionOptions{
			ProjectID: p.ID,
			Composition: domain.StackComposition{
				Base:         input.Body.Base,
				Mobile:       input.Body.Mobile,
				Backend:      input.Body.Backend,
				Data:         input.Body.Data,
				Architecture: input.Body.Architecture,
			},
			Reapprove: input.Body.Reapprove,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(updated)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stack-templates",
		Method:      http.MethodGet,
		Path:        "/stacks/templates",
		Summary:     "List known legacy template mappings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TemplateMappingResponse `json:"body"`
	}, error) {
		if err := requireGlobalPermission(ctx, e, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		out := []TemplateMappingResponse{}
		for _, id := range e.Migrator.TemplateIDs() {
			m, ok := e.Migrator.Mapping(id)
			if !ok {
				continue
			}
			out = append(out, TemplateMappingResponse{
				TemplateID: m.TemplateID,
				Stack:      stackResponse(m.Composition),
				Reason:     m.Reason,
			})
		}
		return &struct {
			Body []TemplateMappingResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "migrate-templates",
		Method:      http.MethodPost,
		Path:        "/stacks/migrate",
		Summary:     "Map legacy template ids to stack compositions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body MigrateTemplatesRequest `json:"body"`
	}) (*struct {
		Body MigrateTemplatesResponse `json:"body"`
	}, error) {
		if err := requireGlobalPermission(ctx, e, "projects.read"); err != nil {
			return nil, handleError(err)
		}
		results := e.Migrator.MigrateMultiple(input.Body.TemplateIDs)
		resp := MigrateTemplatesResponse{Results: map[string]*StackResponse{}}
		for id, comp := range results {
			if comp == nil {
				resp.Results[id] = nil
				continue
			}
			sr := stackResponse(*comp)
			resp.Results[id] = &sr
		}
		return &struct {
			Body MigrateTemplatesResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project    string `path:"project"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:",project,phase,artifact,gate,actor"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "events.read"); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, p.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerRBAC(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/projects/{project}/me/permissions",
		Summary:     "Current actor standing on a project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Project string `path:"project"`
	}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		who, err := e.WhoAmI(ctx, p.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     who.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(who.Roles),
			Permissions: nonNilSlice(who.Permissions),
			Gates:       nonNilSlice(who.Gates),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/rbac/roles/grant",
		Summary:     "Grant a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string            `path:"project"`
		Body    RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, engine.RoleGrant{
			ProjectID: p.ID,
			ActorID:   input.Body.ActorID,
			RoleID:    input.Body.RoleID,
			GrantedBy: actorID,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/rbac/roles/revoke",
		Summary:     "Revoke a role",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string            `path:"project"`
		Body    RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, engine.RoleGrant{
			ProjectID: p.ID,
			ActorID:   input.Body.ActorID,
			RoleID:    input.Body.RoleID,
			GrantedBy: actorID,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allow-gate-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/rbac/gates/allow",
		Summary:     "Grant a role authority over a gate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string               `path:"project"`
		Body    GateAuthorityRequest `json:"body"`
	}) (*struct{}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetGateAuthority(ctx, engine.GateAuthority{
			ProjectID: p.ID,
			Gate:      input.Body.Gate,
			RoleID:    input.Body.RoleID,
			Allow:     true,
			ActorID:   actorID,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deny-gate-role",
		Method:      http.MethodPost,
		Path:        "/projects/{project}/rbac/gates/deny",
		Summary:     "Deny a role authority over a gate",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Project string               `path:"project"`
		Body    GateAuthorityRequest `json:"body"`
	}) (*struct{}, error) {
		p, err := e.Repo.ResolveProject(ctx, input.Project)
		if err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, p.ID, "rbac.manage"); err != nil {
			return nil, handleError(err)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetGateAuthority(ctx, engine.GateAuthority{
			ProjectID: p.ID,
			Gate:      input.Body.Gate,
			RoleID:    input.Body.RoleID,
			Allow:     false,
			ActorID:   actorID,
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		perms := principal.Permissions
		gates := []string{}
		if e.Config != nil {
			if who, err := e.WhoAmI(ctx, e.Config.Project.ID, principal.ActorID); err == nil {
				if len(roles) == 0 {
					roles = who.Roles
				}
				if len(perms) == 0 {
					perms = who.Permissions
				}
				gates = who.Gates
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
			Gates:       nonNilSlice(gates),
		}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create an API key for the current actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		rawKey, err := generateAPIKey()
		if err != nil {
			return nil, handleError(err)
		}
		key := domain.APIKey{
			ID:        uuid.New().String(),
			Name:      input.Body.Name,
			ActorID:   principal.ActorID,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Auth.EnsureActor(ctx, tx, principal.ActorID); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key, repo.HashAPIKey(rawKey)); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			Name:      key.Name,
			ActorID:   key.ActorID,
			Key:       rawKey,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List the current actor's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				Name:      k.Name,
				ActorID:   k.ActorID,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete one of the current actor's API keys",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		owned := false
		for _, k := range items {
			if k.ID == input.ID {
				owned = true
				break
			}
		}
		if !owned {
			return nil, newAPIError(http.StatusNotFound, "not_found", "api key not found", nil)
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Scopes)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// --- helpers ---

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func generateAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "pl_" + hex.EncodeToString(buf), nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
