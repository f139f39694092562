package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"phaseline/internal/agent"
	"phaseline/internal/app"
	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
	"phaseline/internal/logging"
	"phaseline/internal/metrics"
	"phaseline/internal/migrate"
	"phaseline/internal/repo"
	"phaseline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Phaseline CLI",
	Long: `Phaseline walks a project through its delivery phases with validation and
approval gates between them.
Core concepts:
- Workspace: the .phaseline directory holding the database; each project's
  configuration is pinned in the DB when the project is created.
- Project: one tracked effort moving ANALYSIS -> STACK_SELECTION -> SPEC ->
  DEPENDENCIES -> SOLUTIONING -> DONE, one phase at a time, no skipping.
- Phases: each content phase produces artifacts, by hand or through its
  agent role (analyst, pm, devops, architect).
- Artifacts: versioned documents (project-brief.md, stack.json, spec.md,
  ...); every save is a new version, nothing is overwritten.
- Validation: advancing runs the phase's validators; errors block the
  transition, warnings accumulate on the project record.
- Gates: the stack and dependencies approvals sit in front of SPEC and
  SOLUTIONING; 'pl gate approve' unblocks a gate_pending project.
- Stack composition: the modular base/mobile/backend/data/architecture
  choice replacing old flat templates ('pl stack migrate' maps legacy ids).
- Rollback: 'pl rollback' steps back exactly one completed phase.
- Event log: every change lands in the diary, view with 'pl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		_ = godotenv.Load(filepath.Join(workspace, ".env"))
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PHASELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("project", "", "project id or slug (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("project", rootCmd.PersistentFlags().Lookup("project"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(artifactCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(gateCmd())
	rootCmd.AddCommand(stackCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(rbacCmd())
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectUseCmd())
	prj.AddCommand(projectImportCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "init <slug>",
		Short: "Create a project at the ANALYSIS floor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := strings.TrimSpace(args[0])
			if slug == "" {
				return fmt.Errorf("slug is required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(slug))
			p, err := e.InitProject(cmd.Context(), engine.InitProjectOptions{
				ID:      id,
				Slug:    slug,
				Name:    name,
				ActorID: viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (random UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the slug)")
	return cmd
}

func projectListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListProjects(ctx, 200, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Slug", "Phase", "Stack", "Created"})
				for _, p := range items {
					stack := ""
					if p.Stack != nil {
						stack = p.Stack.Base
					}
					tw.AppendRow(table.Row{p.ID, p.Slug, p.CurrentPhase, stack, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id-or-slug>",
		Short: "Set current project for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := strings.TrimSpace(args[0])
			if ref == "" {
				return fmt.Errorf("project reference is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "PHASELINE_PROJECT", ref); err != nil {
				return err
			}
			fmt.Printf("Set PHASELINE_PROJECT=%s in %s/.env\n", ref, workspace)
			return nil
		},
	}
	return cmd
}

func projectImportCmd() *cobra.Command {
	var id, name, templateID string
	var completed []string
	cmd := &cobra.Command{
		Use:   "import <slug>",
		Short: "Import a legacy project with completed phases",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			slug := strings.TrimSpace(args[0])
			if slug == "" {
				return fmt.Errorf("slug is required")
			}
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn, config.Default(slug))
			p, err := e.ImportLegacyProject(cmd.Context(), engine.ImportOptions{
				ID:              id,
				Slug:            slug,
				Name:            name,
				TemplateID:      templateID,
				CompletedPhases: completed,
				ActorID:         viper.GetString("actor-id"),
			})
			if err != nil {
				return err
			}
			return printJSONOrTable(p)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (random UUID if omitted)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&templateID, "template", "", "legacy flat template id to migrate")
	cmd.Flags().StringArrayVar(&completed, "completed", []string{}, "completed phase in workflow order (repeatable)")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show project status",
		Long:  "The scoreboard for your project: current phase, what comes next, gate standing, and warning totals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				var nextPhase, pendingGate string
				if next, ok := p.CurrentPhase.Next(); ok {
					nextPhase = string(next)
					if gateName, bound := e.Config.GateForTarget(next); bound {
						g, err := e.Repo.GetGate(ctx, p.ID, gateName)
						if errors.Is(err, repo.ErrNotFound) || (err == nil && !g.Approved) {
							pendingGate = gateName
						} else if err != nil && !errors.Is(err, repo.ErrNotFound) {
							return err
						}
					}
				}
				warnings, err := e.Repo.ListWarnings(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"project":      p,
						"next_phase":   nextPhase,
						"pending_gate": pendingGate,
						"warnings":     len(warnings),
					})
				}
				fmt.Printf("Project: %s (%s)\n", p.Slug, p.CurrentPhase)
				fmt.Printf("Completed: %s\n", joinPhases(p.PhasesCompleted))
				if nextPhase == "" {
					fmt.Println("Next: none (terminal phase)")
				} else if pendingGate != "" {
					fmt.Printf("Next: %s (gate %q unapproved)\n", nextPhase, pendingGate)
				} else {
					fmt.Printf("Next: %s\n", nextPhase)
				}
				fmt.Printf("Warnings: %d\n", len(warnings))
				return nil
			})
		},
	}
	return cmd
}

func advanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance",
		Short: "Run the current phase and advance when it passes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				if role, ok := e.Config.AgentRoleFor(p.CurrentPhase); ok {
					runner, err := agent.New(ctx, e.Config, viper.GetString("workspace"), logging.Nop())
					if err != nil {
						return fmt.Errorf("phase %s needs agent %s: %w", p.CurrentPhase, role, err)
					}
					e.Agents = runner
				}
				res, err := e.Advance(ctx, engine.AdvanceOptions{
					ProjectID: p.ID,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				switch res.Outcome {
				case domain.OutcomeAdvanced:
					fmt.Printf("Advanced %s to %s\n", res.Project.Slug, res.Project.CurrentPhase)
				case domain.OutcomeValidationFailed:
					fmt.Printf("Validation failed in %s:\n", res.Project.CurrentPhase)
					if res.Validation != nil {
						for _, msg := range res.Validation.Errors {
							fmt.Printf("  error: %s\n", msg)
						}
						for _, msg := range res.Validation.Warnings {
							fmt.Printf("  warning: %s\n", msg)
						}
					}
				case domain.OutcomeGatePending:
					fmt.Printf("Phase %s passed; gate %q awaits approval (pl gate approve %s)\n",
						res.Project.CurrentPhase, res.GateName, res.GateName)
				case domain.OutcomeAgentFailed:
					fmt.Printf("Agent run failed: %s\n", res.Message)
				}
				return nil
			})
		},
	}
	return cmd
}

func rollbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back to the previous phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				updated, err := e.Rollback(ctx, p.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(updated)
				}
				fmt.Printf("Rolled %s back to %s\n", updated.Slug, updated.CurrentPhase)
				return nil
			})
		},
	}
	return cmd
}

func validateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the current phase without advancing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				_, result, err := e.ValidateCurrentPhase(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(result)
				}
				for _, msg := range result.Errors {
					fmt.Printf("error: %s\n", msg)
				}
				for _, msg := range result.Warnings {
					fmt.Printf("warning: %s\n", msg)
				}
				if !result.Passed {
					return fmt.Errorf("validation failed for %s (%d errors)", result.Phase, len(result.Errors))
				}
				fmt.Printf("Phase %s OK (%d warnings, %d accumulated)\n", result.Phase, len(result.Warnings), result.TotalWarnings)
				return nil
			})
		},
	}
	return cmd
}

func artifactCmd() *cobra.Command {
	art := &cobra.Command{
		Use:   "artifact",
		Short: "Manage phase artifacts",
		Long:  "Artifacts are the documents each phase produces. Saving an existing filename appends a new version; old versions stay readable with --version.",
	}
	art.AddCommand(artifactPutCmd())
	art.AddCommand(artifactGetCmd())
	art.AddCommand(artifactListCmd())
	return art
}

func artifactPutCmd() *cobra.Command {
	var phase, content, file string
	cmd := &cobra.Command{
		Use:   "put <filename>",
		Short: "Store a new artifact version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				content = string(data)
			}
			if content == "" {
				return fmt.Errorf("--content or --file required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				saved, err := e.SaveArtifact(ctx, engine.SaveArtifactOptions{
					ProjectID: p.ID,
					Phase:     phase,
					Filename:  filename,
					Content:   content,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(saved)
				}
				fmt.Printf("Saved %s v%d (%s)\n", saved.Filename, saved.Version, saved.Phase)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase to file under (defaults to the current phase)")
	cmd.Flags().StringVar(&content, "content", "", "artifact content")
	cmd.Flags().StringVar(&file, "file", "", "read content from a file")
	return cmd
}

func artifactGetCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "get <filename>",
		Short: "Print an artifact (latest or a specific version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filename := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				var a domain.Artifact
				if version > 0 {
					a, err = e.Repo.GetArtifactVersion(ctx, p.ID, filename, version)
				} else {
					a, err = e.Repo.GetArtifact(ctx, p.ID, filename)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(a)
				}
				fmt.Print(a.Content)
				if !strings.HasSuffix(a.Content, "\n") {
					fmt.Println()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "version to fetch (0 = latest)")
	return cmd
}

func artifactListCmd() *cobra.Command {
	var phase string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List latest artifact versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListArtifacts(ctx, p.ID, phase)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Filename", "Phase", "Version", "Created"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Filename, a.Phase, a.Version, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&phase, "phase", "", "phase filter")
	return cmd
}

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show phase history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.Repo.ListHistory(ctx, p.ID, 100, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Status", "Started", "Completed", "Message"})
				for _, h := range items {
					completed := ""
					if h.CompletedAt != nil {
						completed = *h.CompletedAt
					}
					message := ""
					if h.Message != nil {
						message = *h.Message
					}
					tw.AppendRow(table.Row{h.Phase, h.Status, h.StartedAt, completed, message})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func gateCmd() *cobra.Command {
	gate := &cobra.Command{
		Use:   "gate",
		Short: "Manage approval gates",
		Long:  "Gates are the human approvals between phases. A gate_pending advance waits until someone with authority runs 'pl gate approve'.",
	}
	gate.AddCommand(gateListCmd())
	gate.AddCommand(gateApproveCmd())
	return gate
}

func gateListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				items, err := e.ProjectGates(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Approved", "Approver", "At", "Rationale"})
				for _, g := range items {
					approver, at, rationale := "", "", ""
					if g.Approver != nil {
						approver = *g.Approver
					}
					if g.ApprovedAt != nil {
						at = *g.ApprovedAt
					}
					if g.Rationale != nil {
						rationale = *g.Rationale
					}
					tw.AppendRow(table.Row{g.Name, g.Approved, approver, at, rationale})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func gateApproveCmd() *cobra.Command {
	var rationale string
	cmd := &cobra.Command{
		Use:   "approve <name>",
		Short: "Approve a gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				g, err := e.ApproveGate(ctx, engine.ApproveGateOptions{
					ProjectID: p.ID,
					Gate:      name,
					Approver:  viper.GetString("actor-id"),
					Rationale: rationale,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(g)
				}
				fmt.Printf("Gate %q approved by %s\n", g.Name, viper.GetString("actor-id"))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&rationale, "rationale", "", "why the gate is approved")
	return cmd
}

func stackCmd() *cobra.Command {
	stack := &cobra.Command{
		Use:   "stack",
		Short: "Manage the stack composition",
		Long:  "The stack composition is the modular base/mobile/backend/data/architecture selection. Legacy flat template ids map onto compositions via 'pl stack migrate'.",
	}
	stack.AddCommand(stackSetCmd())
	stack.AddCommand(stackTemplatesCmd())
	stack.AddCommand(stackMigrateCmd())
	return stack
}

func stackSetCmd() *cobra.Command {
	var comp domain.StackComposition
	var reapprove bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Attach or replace the stack composition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				updated, err := e.SetComposition(ctx, engine.SetCompositionOptions{
					ProjectID:   p.ID,
					Composition: comp,
					Reapprove:   reapprove,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&comp.Base, "base", "", "base stack slot")
	cmd.Flags().StringVar(&comp.Mobile, "mobile", "", "mobile addon (defaults to none)")
	cmd.Flags().StringVar(&comp.Backend, "backend", "", "backend slot")
	cmd.Flags().StringVar(&comp.Data, "data", "", "data slot")
	cmd.Flags().StringVar(&comp.Architecture, "architecture", "", "architecture slot")
	cmd.Flags().BoolVar(&reapprove, "reapprove", false, "replace an attached composition and withdraw the stack approval")
	_ = cmd.MarkFlagRequired("base")
	_ = cmd.MarkFlagRequired("backend")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("architecture")
	return cmd
}

func stackTemplatesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List known legacy template mappings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if viper.GetBool("json") {
					out := []domain.LegacyMapping{}
					for _, id := range e.Migrator.TemplateIDs() {
						if m, ok := e.Migrator.Mapping(id); ok {
							out = append(out, m)
						}
					}
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Template", "Base", "Backend", "Data", "Architecture", "Reason"})
				for _, id := range e.Migrator.TemplateIDs() {
					m, ok := e.Migrator.Mapping(id)
					if !ok {
						continue
					}
					c := m.Composition
					tw.AppendRow(table.Row{m.TemplateID, c.Base, c.Backend, c.Data, c.Architecture, m.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func stackMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate <template-id>...",
		Short: "Map legacy template ids to compositions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				results := e.Migrator.MigrateMultiple(args)
				if viper.GetBool("json") {
					return printJSON(results)
				}
				for _, id := range args {
					comp := results[id]
					if comp == nil {
						fmt.Printf("%s: no mapping\n", id)
						continue
					}
					fmt.Printf("%s: base=%s backend=%s data=%s architecture=%s\n",
						id, comp.Base, comp.Backend, comp.Data, comp.Architecture)
				}
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: transitions, gate approvals, artifact saves, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				events, err := e.Repo.LatestEventsFrom(ctx, n, 0, p.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor"})
				for _, evt := range events {
					entity := evt.EntityKind
					if evt.EntityID != nil {
						entity += "/" + *evt.EntityID
					}
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, entity, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var debug, allowLegacy, devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.New(conn)
			p, cfg, err := app.ResolveProjectAndConfig(cmd.Context(), workspace, viper.GetString("project"), r)
			if err != nil {
				return err
			}
			logger, err := logging.New(debug)
			if err != nil {
				return err
			}
			defer logger.Sync()
			e := engine.New(conn, cfg)
			e.Log = logger.Named("engine")
			if runner, err := agent.New(cmd.Context(), cfg, workspace, logger.Named("agent")); err != nil {
				logger.Warn("agent runner unavailable; advancing agent phases will fail", zap.Error(err))
			} else {
				e.Agents = runner
			}
			prom := metrics.NewProm()
			e.Metrics = prom
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("PHASELINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowLegacy,
				EnableDevLogin:         devLogin,
				Logger:                 logger.Named("auth"),
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PHASELINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Metrics:  prom,
				Log:      logger.Named("server"),
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Phaseline API for project %s on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				p.Slug, addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
	cmd.Flags().BoolVar(&allowLegacy, "allow-legacy-actor", false, "accept the X-Actor-Id header without credentials")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the unauthenticated /auth/dev/login token endpoint")
	return cmd
}

func rbacCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rbac",
		Short: "RBAC management",
	}
	cmd.AddCommand(rbacWhoamiCmd())
	cmd.AddCommand(rbacGrantCmd())
	cmd.AddCommand(rbacRevokeCmd())
	cmd.AddCommand(rbacAllowGateCmd())
	cmd.AddCommand(rbacDenyGateCmd())
	cmd.AddCommand(rbacBootstrapCmd())
	return cmd
}

func rbacWhoamiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show current actor roles, permissions and gate authorities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				who, err := e.WhoAmI(ctx, p.ID, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(who)
			})
		},
	}
	return cmd
}

func rbacGrantCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "grant-role",
		Short: "Grant role to actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				return e.GrantRole(ctx, engine.RoleGrant{
					ProjectID: p.ID,
					ActorID:   target,
					RoleID:    role,
					GrantedBy: viper.GetString("actor-id"),
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacRevokeCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "revoke-role",
		Short: "Revoke role from actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				return e.RevokeRole(ctx, engine.RoleGrant{
					ProjectID: p.ID,
					ActorID:   target,
					RoleID:    role,
					GrantedBy: viper.GetString("actor-id"),
				})
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func rbacAllowGateCmd() *cobra.Command {
	var role, gate string
	cmd := &cobra.Command{
		Use:   "allow-gate",
		Short: "Allow role to approve a gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || gate == "" {
				return fmt.Errorf("--role and --gate required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				return e.SetGateAuthority(ctx, engine.GateAuthority{
					ProjectID: p.ID,
					Gate:      gate,
					RoleID:    role,
					Allow:     true,
					ActorID:   viper.GetString("actor-id"),
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&gate, "gate", "", "gate name")
	return cmd
}

func rbacDenyGateCmd() *cobra.Command {
	var role, gate string
	cmd := &cobra.Command{
		Use:   "deny-gate",
		Short: "Remove role gate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			if role == "" || gate == "" {
				return fmt.Errorf("--role and --gate required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				return e.SetGateAuthority(ctx, engine.GateAuthority{
					ProjectID: p.ID,
					Gate:      gate,
					RoleID:    role,
					Allow:     false,
					ActorID:   viper.GetString("actor-id"),
				})
			})
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role id")
	cmd.Flags().StringVar(&gate, "gate", "", "gate name")
	return cmd
}

func rbacBootstrapCmd() *cobra.Command {
	var target, role string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Bootstrap an actor role without RBAC checks (dev only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if target == "" || role == "" {
				return fmt.Errorf("--actor and --role required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := resolveTarget(ctx, e)
				if err != nil {
					return err
				}
				if err := app.BootstrapRole(ctx, e.Repo, e.Config, p.ID, target, role); err != nil {
					return err
				}
				fmt.Printf("Bootstrapped %s as %s on %s\n", target, role, p.Slug)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&target, "actor", "", "actor id")
	cmd.Flags().StringVar(&role, "role", "", "role id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "The rulebook: phases and their agents, required artifacts, gate bindings, validation settings, and legacy template mappings. Projects pin a copy in the DB at creation.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default phaseline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			if projectID == "" {
				return fmt.Errorf("--project-id required")
			}
			path := config.Path(viper.GetString("workspace"))
			if err := config.GenerateDefault(path, projectID); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "", "project id to seed into the file")
	return cmd
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the workspace phaseline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.Path(viper.GetString("workspace")))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Printf("config OK (project %s, %d phases, %d gates)\n",
				cfg.Project.ID, len(cfg.Workflow.Phases), len(cfg.Workflow.Gates))
			return nil
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.New(conn)
	_, cfg, err := app.ResolveProjectAndConfig(ctx, workspace, viper.GetString("project"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func resolveTarget(ctx context.Context, e engine.Engine) (domain.Project, error) {
	ref := strings.TrimSpace(viper.GetString("project"))
	if ref == "" {
		ref = e.Config.Project.ID
	}
	return e.Repo.ResolveProject(ctx, ref)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func joinPhases(phases []domain.Phase) string {
	if len(phases) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(phases))
	for _, p := range phases {
		parts = append(parts, string(p))
	}
	return strings.Join(parts, " -> ")
}

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
