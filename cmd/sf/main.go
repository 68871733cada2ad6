package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"specforge/internal/app"
	"specforge/internal/config"
	"specforge/internal/db"
	"specforge/internal/domain"
	"specforge/internal/engine"
	"specforge/internal/manager"
	"specforge/internal/repo"
	"specforge/internal/server"
	specforgesdk "specforge/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "sf",
	Short: "SpecForge CLI",
	Long: `SpecForge drives features through a six-phase workflow:
requirements -> design -> tasks -> implementation -> verification -> review.

Each phase generates a YAML spec document under the project's
.specforge/specs directory. By default a human approves every phase before
the next one runs; --auto approves them automatically.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("SPECFORGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user", "local-user", "user recorded on approvals")
	rootCmd.PersistentFlags().String("server", "", "server URL for remote commands")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(advanceCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(runningCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(specsCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(verifyCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default specforge.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Repo:     a.Repo,
					Specs:    a.Specs,
					Bus:      a.Bus,
					Engine:   a.Engine,
					Manager:  a.Manager,
					BasePath: basePath,
					Log:      a.Log,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, ctx := errgroup.WithContext(cmd.Context())
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				fmt.Printf("Serving SpecForge API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func startCmd() *cobra.Command {
	var auto bool
	var featureID string
	cmd := &cobra.Command{
		Use:   "start <project> <description>",
		Short: "Start a workflow for a new feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				ctx := cmd.Context()
				p, err := a.Repo.RegisterProject(ctx, args[0], "")
				if err != nil {
					return err
				}
				id := featureID
				if id == "" {
					id, err = a.Repo.GenerateFeatureID(ctx)
					if err != nil {
						return err
					}
				} else if !domain.ValidateFeatureID(id) {
					return fmt.Errorf("invalid feature id %q", id)
				}
				f, err := a.Repo.CreateFeature(ctx, id, p.ID, args[1])
				if err != nil {
					return err
				}
				fmt.Println("feature:", f.FeatureID)
				if _, err := a.Manager.Start(engine.RunOptions{
					FeatureID:   f.FeatureID,
					Project:     p.Name,
					Description: f.Description,
					AutoApprove: auto,
				}); err != nil {
					return err
				}
				// The run owns its own context; the CLI blocks until the run
				// finishes or the user interrupts.
				if err := a.Manager.Wait(ctx, f.FeatureID); err != nil {
					if errors.Is(err, context.Canceled) {
						_ = a.Manager.Cancel(f.FeatureID)
						return a.Manager.Wait(context.Background(), f.FeatureID)
					}
					return err
				}
				st, err := a.Manager.Status(context.Background(), f.FeatureID, 10)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().BoolVar(&auto, "auto", false, "auto-approve every phase")
	cmd.Flags().StringVar(&featureID, "feature-id", "", "explicit feature id (FEAT-YYYYMMDD-NNN)")
	return cmd
}

func statusCmd() *cobra.Command {
	var logLimit int
	cmd := &cobra.Command{
		Use:   "status <feature-id>",
		Short: "Show workflow status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				st, err := a.Manager.Status(cmd.Context(), args[0], logLimit)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
	cmd.Flags().IntVar(&logLimit, "logs", 10, "recent log lines to include")
	return cmd
}

func advanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <feature-id>",
		Short: "Run the next phase after approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				if _, err := a.Manager.Advance(cmd.Context(), args[0]); err != nil {
					return err
				}
				if err := a.Manager.Wait(cmd.Context(), args[0]); err != nil {
					return err
				}
				st, err := a.Manager.Status(context.Background(), args[0], 10)
				if err != nil {
					return err
				}
				return printStatus(st)
			})
		},
	}
}

func approveCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "approve <feature-id> <phase>",
		Short: "Approve a phase spec",
		Args:  cobra.ExactArgs(2),
		RunE:  reviewRunE(&comment, true),
	}
	cmd.Flags().StringVar(&comment, "comment", "", "approval comment")
	return cmd
}

func rejectCmd() *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "reject <feature-id> <phase>",
		Short: "Reject a phase spec",
		Args:  cobra.ExactArgs(2),
		RunE:  reviewRunE(&comment, false),
	}
	cmd.Flags().StringVar(&comment, "comment", "", "rejection comment")
	return cmd
}

func reviewRunE(comment *string, approve bool) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app.App) error {
			phase, err := domain.ParsePhase(args[1])
			if err != nil {
				return err
			}
			spec, err := a.Engine.ReviewPhase(cmd.Context(), args[0], phase, approve, *comment, viper.GetString("user"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(spec)
			}
			fmt.Printf("%s %s: %s (%d approvals)\n", spec.FeatureID, spec.Phase, spec.Status, len(spec.Approvals))
			return nil
		})
	}
}

func cancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <feature-id>",
		Short: "Cancel a running workflow on the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			if err := c.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("cancelling", args[0])
			return nil
		},
	}
}

func runningCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "running",
		Short: "List running workflows on the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := sdkClient()
			if err != nil {
				return err
			}
			runs, err := c.ListRunning(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(runs)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Feature", "Run", "Project", "Started"})
			for _, r := range runs {
				tw.AppendRow(table.Row{r.FeatureID, r.RunID, r.Project, r.StartedAt})
			}
			tw.Render()
			return nil
		},
	}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				items, err := a.Repo.ListProjects(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Path", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.Name, p.Path, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})
	registerCmd := &cobra.Command{
		Use:   "register <name> [path]",
		Short: "Register a project",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				path := ""
				if len(args) > 1 {
					path = args[1]
				}
				p, err := a.Repo.RegisterProject(cmd.Context(), args[0], path)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("registered %s (#%d)\n", p.Name, p.ID)
				return nil
			})
		},
	}
	prj.AddCommand(registerCmd)
	prj.AddCommand(&cobra.Command{
		Use:   "features <name>",
		Short: "List a project's features",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				p, err := a.Repo.GetProject(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				features, err := a.Repo.ListFeaturesByProject(cmd.Context(), p.ID)
				if err != nil {
					return err
				}
				return printFeatures(features)
			})
		},
	})
	return prj
}

func specsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "specs <project> <feature-id>",
		Short: "Show phase specs for a feature",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				specs, err := a.Specs.ListAll(args[0], args[1])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(specs)
				}
				for _, phase := range domain.Phases() {
					spec, ok := specs[phase]
					if !ok {
						continue
					}
					fmt.Printf("== %s [%s] (%d approvals)\n", phase, spec.Status, len(spec.Approvals))
				}
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	var limit int
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <feature-id>",
		Short: "Show workflow logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if follow {
				c, err := sdkClient()
				if err != nil {
					return err
				}
				return c.StreamEvents(cmd.Context(), args[0], func(evt specforgesdk.Event) {
					fmt.Printf("%s [%s] %s\n", evt.Timestamp, evt.Level, evt.Message)
				})
			}
			return withApp(func(a *app.App) error {
				logs, err := a.Repo.ListLogs(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(logs)
				}
				for i := len(logs) - 1; i >= 0; i-- {
					l := logs[i]
					fmt.Printf("%s [%s] %s\n", l.Timestamp, l.Level, l.Message)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max log lines")
	cmd.Flags().BoolVar(&follow, "follow", false, "stream live events from the server")
	return cmd
}

func searchCmd() *cobra.Command {
	var limit int
	var project, status, phase string
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search features by id or description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app.App) error {
				filter := repo.FeatureFilter{Query: args[0], Project: project, Limit: limit}
				if status != "" {
					st, err := domain.ParseStatus(status)
					if err != nil {
						return err
					}
					filter.Status = st
				}
				if phase != "" {
					p, err := domain.ParsePhase(phase)
					if err != nil {
						return err
					}
					filter.Phase = p
				}
				features, err := a.Repo.SearchFeatures(cmd.Context(), filter)
				if err != nil {
					return err
				}
				return printFeatures(features)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	cmd.Flags().StringVar(&project, "project", "", "restrict to one project")
	cmd.Flags().StringVar(&status, "status", "", "filter by feature status")
	cmd.Flags().StringVar(&phase, "phase", "", "filter by current phase")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify workspace configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			fmt.Printf("config:   ok (%s)\n", config.Path(workspace))
			a, err := app.FromConfig(cfg)
			if err != nil {
				return fmt.Errorf("wiring: %w", err)
			}
			defer a.Close()
			fmt.Printf("database: ok (%s)\n", db.Path(workspace))
			projects, err := a.Repo.ListProjects(cmd.Context())
			if err != nil {
				return fmt.Errorf("registry: %w", err)
			}
			fmt.Printf("registry: ok (%d projects)\n", len(projects))
			fmt.Printf("executor: %s\n", cfg.Executor.Provider)
			return nil
		},
	}
}

func withApp(fn func(*app.App) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func sdkClient() (*specforgesdk.Client, error) {
	addr := viper.GetString("server")
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	if addr == "" {
		addr = "http://" + cfg.Server.Addr
	}
	c := specforgesdk.New(addr)
	if cfg.Server.BasePath != "" {
		c.BasePath = cfg.Server.BasePath
	}
	return c, nil
}

func printStatus(st manager.Status) error {
	if viper.GetBool("json") {
		return printJSON(st)
	}
	fmt.Printf("feature:  %s\nstatus:   %s\nphase:    %s\nprogress: %.0f%%\n",
		st.Feature.FeatureID, st.Feature.Status, st.Feature.CurrentPhase, st.Progress*100)
	for i := len(st.Logs) - 1; i >= 0; i-- {
		l := st.Logs[i]
		fmt.Printf("  %s [%s] %s\n", l.Timestamp, l.Level, l.Message)
	}
	return nil
}

func printFeatures(features []domain.Feature) error {
	if viper.GetBool("json") {
		return printJSON(features)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Feature", "Status", "Phase", "Description"})
	for _, f := range features {
		tw.AppendRow(table.Row{f.FeatureID, f.Status, f.CurrentPhase, f.Description})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
