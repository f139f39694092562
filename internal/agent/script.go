package agent

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"phaseline/internal/config"
	"phaseline/internal/domain"
)

// Script reads the phase's required files from a directory the operator
// prepared by hand. Missing files are simply omitted so validation can
// report them; only read failures are agent errors.
type Script struct {
	Dir      string
	required func(domain.Phase) []string
	roleFor  func(domain.Phase) (domain.AgentRole, bool)
}

func NewScript(dir string, cfg *config.Config) *Script {
	return &Script{
		Dir:      dir,
		required: cfg.RequiredArtifacts,
		roleFor:  cfg.AgentRoleFor,
	}
}

func (s *Script) Run(ctx context.Context, phase domain.Phase, project domain.Project, contextArtifacts map[string]string) ([]Output, error) {
	var outs []Output
	for _, f := range s.required(phase) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := os.ReadFile(filepath.Join(s.Dir, f))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			role, _ := s.roleFor(phase)
			return nil, &RunError{Role: role, Err: err}
		}
		outs = append(outs, Output{Filename: f, Content: string(b)})
	}
	return outs, nil
}
