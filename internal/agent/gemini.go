package agent

import (
	"context"
	"embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// Each run fans out one generation per required artifact.
const maxParallelGenerations = 3

// Gemini produces phase artifacts through the Gemini API, one generation
// per required file.
type Gemini struct {
	client   *genai.Client
	model    string
	marker   string
	prompts  *template.Template
	required func(domain.Phase) []string
	roleFor  func(domain.Phase) (domain.AgentRole, bool)
	log      *zap.Logger
}

func NewGemini(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Gemini, error) {
	if log == nil {
		log = zap.NewNop()
	}
	apiKey := os.Getenv(cfg.AgentAPIKeyEnv())
	if apiKey == "" {
		return nil, fmt.Errorf("agent api key env %s is not set", cfg.AgentAPIKeyEnv())
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	prompts, err := template.ParseFS(promptFS, "prompts/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompt templates: %w", err)
	}
	return &Gemini{
		client:   client,
		model:    cfg.AgentModel(),
		marker:   cfg.Marker(),
		prompts:  prompts,
		required: cfg.RequiredArtifacts,
		roleFor:  cfg.AgentRoleFor,
		log:      log,
	}, nil
}

func (g *Gemini) Close() error {
	return g.client.Close()
}

func (g *Gemini) Run(ctx context.Context, phase domain.Phase, project domain.Project, contextArtifacts map[string]string) ([]Output, error) {
	role, ok := g.roleFor(phase)
	if !ok {
		return nil, &RunError{Role: role, Err: fmt.Errorf("no agent bound to phase %s", phase)}
	}
	files := g.required(phase)
	outs := make([]Output, len(files))
	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(maxParallelGenerations)
	for i, f := range files {
		grp.Go(func() error {
			content, err := g.generate(gctx, role, phase, f, project, contextArtifacts)
			if err != nil {
				return fmt.Errorf("%s: %w", f, err)
			}
			outs[i] = Output{Filename: f, Content: content}
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return nil, &RunError{Role: role, Err: err}
	}
	g.log.Debug("agent run finished",
		zap.String("phase", string(phase)),
		zap.String("role", string(role)),
		zap.Int("artifacts", len(outs)))
	return outs, nil
}

type promptData struct {
	ProjectName string
	Slug        string
	Phase       string
	Filename    string
	Marker      string
	JSON        bool
	Context     map[string]string
}

func (g *Gemini) generate(ctx context.Context, role domain.AgentRole, phase domain.Phase, filename string, project domain.Project, contextArtifacts map[string]string) (string, error) {
	tmpl := g.prompts.Lookup(string(role) + ".tmpl")
	if tmpl == nil {
		return "", fmt.Errorf("no prompt template for role %s", role)
	}
	wantJSON := strings.HasSuffix(filename, ".json")
	var prompt strings.Builder
	err := tmpl.Execute(&prompt, promptData{
		ProjectName: project.Name,
		Slug:        project.Slug,
		Phase:       string(phase),
		Filename:    filename,
		Marker:      g.marker,
		JSON:        wantJSON,
		Context:     contextArtifacts,
	})
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	model := g.client.GenerativeModel(g.model)
	model.SetTemperature(0.1)
	if wantJSON {
		model.ResponseMIMEType = "application/json"
	}
	resp, err := model.GenerateContent(ctx, genai.Text(prompt.String()))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	text, err := extractText(resp)
	if err != nil {
		return "", err
	}
	if wantJSON {
		text = cleanJSONBlock(text)
	}
	return text, nil
}

func extractText(resp *genai.GenerateContentResponse) (string, error) {
	if len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}
	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// cleanJSONBlock strips markdown code fences the model sometimes wraps
// JSON output in.
func cleanJSONBlock(text string) string {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
