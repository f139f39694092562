package agent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Output is one file produced by an agent run. The engine assigns ids,
// versions and timestamps when it persists them as artifacts.
type Output struct {
	Filename string
	Content  string
}

// Runner produces the artifacts for one phase. Implementations must honor
// ctx cancellation; the engine bounds every run with the configured
// timeout.
type Runner interface {
	Run(ctx context.Context, phase domain.Phase, project domain.Project, contextArtifacts map[string]string) ([]Output, error)
}

// RunError wraps an agent failure with the role that failed. The engine
// records it in phase history and leaves the project where it was.
type RunError struct {
	Role domain.AgentRole
	Err  error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("agent %s: %v", e.Role, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// New builds the configured runner. The script provider reads artifacts
// the operator prepared in the workspace directory instead of calling a
// model.
func New(ctx context.Context, cfg *config.Config, workspace string, log *zap.Logger) (Runner, error) {
	switch cfg.AgentProvider() {
	case "script":
		return NewScript(workspace, cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown agent provider %q", cfg.AgentProvider())
	}
}
