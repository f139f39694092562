package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/repo"
)

// ResolveProjectAndConfig picks the working project and loads its pinned
// configuration. An explicit ref matches by id first, then slug; with no
// ref the single existing project is used. Config resolution prefers the
// project's stored copy, then the workspace file, then built-in defaults,
// and seeds the stored copy when it is missing so later runs see the same
// workflow.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectRef string, r repo.Repo) (domain.Project, *config.Config, error) {
	var p domain.Project
	var err error
	if projectRef != "" {
		p, err = r.ResolveProject(ctx, projectRef)
	} else {
		p, err = r.SingleProject(ctx)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Project{}, nil, fmt.Errorf("no project found; run pl project init or pass --project")
		}
		return domain.Project{}, nil, err
	}

	raw, err := r.GetProjectConfig(ctx, p.ID)
	switch {
	case err == nil:
		cfg, err := config.FromYAML([]byte(raw))
		if err != nil {
			return domain.Project{}, nil, fmt.Errorf("project config for %s: %w", p.Slug, err)
		}
		return p, cfg, nil
	case errors.Is(err, repo.ErrNotFound):
		seed := config.DefaultYAML(p.ID)
		if data, readErr := os.ReadFile(config.Path(workspace)); readErr == nil {
			seed = string(data)
		}
		cfg, err := config.FromYAML([]byte(seed))
		if err != nil {
			return domain.Project{}, nil, err
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := r.UpsertProjectConfig(ctx, nil, p.ID, seed, now); err != nil {
			return domain.Project{}, nil, fmt.Errorf("seed project config: %w", err)
		}
		return p, cfg, nil
	default:
		return domain.Project{}, nil, err
	}
}

// defaultOrg is the workspace-wide org every bootstrapped actor belongs to.
const defaultOrg = "default-org"

// BootstrapRole creates a role and assigns it to an actor on a project,
// bypassing RBAC checks. It is how the first owner gets seeded on a fresh
// database. When the config declares the role, its permission set is
// materialized too; otherwise the role is created bare. The actor also
// receives the same role at org scope in the default org, so workspace-wide
// standing survives project deletion.
func BootstrapRole(ctx context.Context, r repo.Repo, cfg *config.Config, projectID, actorID, roleID string) error {
	if actorID == "" || roleID == "" {
		return fmt.Errorf("actor and role are required")
	}
	if _, err := r.GetProject(ctx, projectID); err != nil {
		return err
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var def config.RBACRole
	ok := false
	if cfg != nil {
		def, ok = cfg.RBAC.Roles[roleID]
	}
	if ok {
		if err := r.InsertRole(ctx, tx, roleID, def.Description); err != nil {
			return err
		}
		for _, perm := range def.Permissions {
			if err := r.InsertPermission(ctx, tx, perm, ""); err != nil {
				return err
			}
			if err := r.AddRolePermission(ctx, tx, roleID, perm); err != nil {
				return err
			}
		}
	} else if err := r.InsertRole(ctx, tx, roleID, ""); err != nil {
		return err
	}
	if err := r.EnsureOrg(ctx, tx, defaultOrg, "Default Org"); err != nil {
		return err
	}
	if err := r.EnsureActor(ctx, tx, actorID); err != nil {
		return err
	}
	if err := r.AssignRole(ctx, tx, projectID, actorID, roleID); err != nil {
		return err
	}
	if err := r.AssignOrgRole(ctx, tx, defaultOrg, actorID, roleID); err != nil {
		return err
	}
	return tx.Commit()
}
