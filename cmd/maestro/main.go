package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"maestro/internal/archive"
	"maestro/internal/config"
	"maestro/internal/metrics"
	"maestro/internal/orchestrator"
	"maestro/internal/server"
	maestrosdk "maestro/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "maestro",
	Short: "Maestro CLI",
	Long: `Maestro sequences a fleet of specialized agents through phased workflows.
Core concepts:
- Workflow: one project driven phase by phase (research -> content -> development -> refinement by default); launch with 'maestro workflow launch'.
- Agents: registered workers with a phase affiliation and a tool list; health-checked continuously, unreachable agents have their open tasks rerouted.
- Tasks: per-phase work handed to each agent; agents report results back through 'maestro task complete'.
- Deployments: proposals are approved only when their dependency graph is cycle-free; approval computes the deploy order and fires automation.
- Journal: the durable history of everything that happened, view with 'maestro log tail'.

'maestro serve' runs the orchestrator and its HTTP API, 'maestro workflow run'
drives a single workflow in-process; every other command talks to a running
server (--server).`,
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
	viper.SetEnvPrefix("MAESTRO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("server", "http://localhost:8000", "maestro server URL")
	rootCmd.PersistentFlags().String("api-key", "", "API key for server auth")
	rootCmd.PersistentFlags().String("token", "", "bearer token for server auth")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("api-key", rootCmd.PersistentFlags().Lookup("api-key"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(pauseCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(deployCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			logger, err := cfg.Logging.Build()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var journal *archive.Journal
			if cfg.Archive.Path != "" {
				path := cfg.Archive.Path
				if !filepath.IsAbs(path) {
					path = filepath.Join(workspace, path)
				}
				journal, err = archive.Open(path)
				if err != nil {
					return err
				}
				defer journal.Close()
			}
			var collector *metrics.Collector
			if cfg.Orchestrator.MetricsEnabled {
				collector = metrics.NewCollector(logger)
			}
			orch := orchestrator.New(orchestrator.Options{
				Config:  *cfg,
				Journal: journal,
				Metrics: collector,
				Logger:  logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := orch.Start(ctx); err != nil {
				return err
			}

			handler, err := server.New(server.Config{
				Orchestrator: orch,
				BasePath:     cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:      cfg.Server.JWTSecret,
					APIKeys:        cfg.Server.APIKeys,
					AllowAnonymous: cfg.Server.AllowAnonymous,
					Logger:         logger,
				},
			})
			if err != nil {
				return err
			}
			forwarder := server.StartForwarder(journal, cfg.Webhooks, logger)

			listen := addr
			if listen == "" {
				listen = cfg.Server.Addr()
			}
			srv := &http.Server{Addr: listen, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Maestro API on http://%s%s (Swagger UI at /docs)\n", listen, cfg.Server.BasePath)
			serveErr := srv.ListenAndServe()
			if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				fmt.Fprintln(os.Stderr, "server stopped:", serveErr)
			}

			forwarder.Stop()
			switch orch.Status() {
			case orchestrator.StatusRunning, orchestrator.StatusPaused, orchestrator.StatusCompleted:
				if err := orch.Stop(context.Background()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage maestro.yml",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default maestro.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate maestro.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the orchestration snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Orchestrator: %s\n", st.Status)
				if st.CurrentProject != "" {
					fmt.Printf("Current project: %s\n", st.CurrentProject)
				}
				fmt.Printf("Active workflows: %d\n", st.RunningWorkflows)
				fmt.Println("Agents:")
				for id, health := range st.AgentStates {
					fmt.Printf("  %s: %s\n", id, health)
				}
				return nil
			})
		},
	}
	return cmd
}

func pauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause workflow intake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				if err := c.Pause(ctx); err != nil {
					return err
				}
				fmt.Println("orchestrator paused")
				return nil
			})
		},
	}
	return cmd
}

func resumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				if err := c.Resume(ctx); err != nil {
					return err
				}
				fmt.Println("orchestrator running")
				return nil
			})
		},
	}
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
		Long:  "Workflows carry one project through the configured phases. Each phase dispatches tasks to its agents; the workflow advances when the phase work lands, and finishes after the last phase.",
	}
	wf.AddCommand(workflowRunCmd())
	wf.AddCommand(workflowLaunchCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowTasksCmd())
	wf.AddCommand(workflowAdvanceCmd())
	wf.AddCommand(workflowPauseCmd())
	wf.AddCommand(workflowResumeCmd())
	wf.AddCommand(workflowStopCmd())
	wf.AddCommand(workflowCyclesCmd())
	wf.AddCommand(workflowResolveCmd())
	return wf
}

func workflowRunCmd() *cobra.Command {
	var topic, dataJSON string
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one workflow to completion in-process",
		Long:  "Runs a whole workflow without a server: an embedded orchestrator with the built-in sequential engine drives the topic through every configured phase, then prints the run summary. Useful for trying out a config before serving it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseJSONObject(dataJSON)
			if err != nil {
				return err
			}
			if data == nil {
				data = map[string]any{}
			}
			data["topic"] = topic

			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			// embedded runs always use the in-process integrations
			cfg.Integrations.GraphEngine.URL = ""
			cfg.Integrations.Automation.URL = ""
			logger, err := cfg.Logging.Build()
			if err != nil {
				return err
			}
			defer logger.Sync()

			var journal *archive.Journal
			if cfg.Archive.Path != "" {
				path := cfg.Archive.Path
				if !filepath.IsAbs(path) {
					path = filepath.Join(workspace, path)
				}
				if journal, err = archive.Open(path); err != nil {
					return err
				}
				defer journal.Close()
			}
			var collector *metrics.Collector
			if cfg.Orchestrator.MetricsEnabled {
				collector = metrics.NewCollector(logger)
			}
			orch := orchestrator.New(orchestrator.Options{
				Config:  *cfg,
				Journal: journal,
				Metrics: collector,
				Logger:  logger,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := orch.Start(ctx); err != nil {
				return err
			}
			started := time.Now()
			projectID, err := orch.LaunchFullWorkflow(ctx, data)
			if err != nil {
				_ = orch.Stop(context.Background())
				return err
			}
			fmt.Printf("workflow %s launched, driving %d phases\n", projectID, len(cfg.Phases))

			if runErr := waitForWorkflow(ctx, orch, projectID, wait); runErr != nil {
				_ = orch.Stop(context.Background())
				return runErr
			}
			if err := orch.Finish(ctx); err != nil {
				return err
			}
			report := orch.GetOrchestrationStatus()
			if err := orch.Stop(context.Background()); err != nil {
				return err
			}

			if viper.GetBool("json") {
				return printJSON(report)
			}
			fmt.Printf("workflow %s completed in %s\n", projectID, time.Since(started).Round(10*time.Millisecond))
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Agent", "Phase", "Health"})
			for _, a := range orch.Registry().All() {
				tw.AppendRow(table.Row{a.ID, a.Phase, a.Health})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "workflow topic")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "extra project data JSON")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Minute, "how long to wait for completion")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

// waitForWorkflow polls until the workflow leaves the active set. The
// coordinator drops completed projects, so a lookup miss means done.
func waitForWorkflow(ctx context.Context, orch *orchestrator.Orchestrator, projectID string, wait time.Duration) error {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("workflow %s still running after %s", projectID, wait)
		case <-ticker.C:
		}
		project, err := orch.Coordinator().Get(projectID)
		if err != nil {
			return nil
		}
		if project.Status.Terminal() {
			return fmt.Errorf("workflow %s ended %s", projectID, project.Status)
		}
	}
}

func workflowLaunchCmd() *cobra.Command {
	var topic, dataJSON string
	cmd := &cobra.Command{
		Use:   "launch",
		Short: "Launch a full workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseJSONObject(dataJSON)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				id, err := c.LaunchWorkflow(ctx, topic, data)
				if err != nil {
					return err
				}
				wf, err := c.Workflow(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	cmd.Flags().StringVar(&topic, "topic", "", "workflow topic")
	cmd.Flags().StringVar(&dataJSON, "data-json", "", "extra project data JSON")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}

func workflowListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List active workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				items, err := c.Workflows(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Phase", "Created"})
				for _, wf := range items {
					tw.AppendRow(table.Row{wf.ID, wf.Status, wf.CurrentPhase, wf.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				wf, err := c.Workflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func workflowTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks <project-id>",
		Short: "List a workflow's tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				tasks, err := c.WorkflowTasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Kind", "State"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.AgentID, t.Kind, t.State})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func workflowAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <project-id>",
		Short: "Advance a workflow to its next phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				adv, err := c.AdvanceWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				if adv.Completed && !viper.GetBool("json") {
					fmt.Printf("workflow %s completed\n", args[0])
					return nil
				}
				return printJSONOrTable(adv)
			})
		},
		Args: cobra.ExactArgs(1),
	}
	return cmd
}

func workflowPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <project-id>",
		Short: "Pause one workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				wf, err := c.PauseWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func workflowResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Resume a paused workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				wf, err := c.ResumeWorkflow(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(wf)
			})
		},
	}
	return cmd
}

func workflowStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <project-id>",
		Short: "Cancel a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				return c.StopWorkflow(ctx, args[0])
			})
		},
	}
	return cmd
}

func workflowCyclesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles <project-id>",
		Short: "Check a workflow's recorded dependencies for cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				check, err := c.CheckWorkflowCycles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	return cmd
}

func workflowResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <project-id>",
		Short: "Break recorded dependency cycles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				res, err := c.ResolveWorkflowCycles(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage the agent fleet",
		Long:  "Agents belong to exactly one phase and advertise the tools they bring. The registry health-checks them on an interval; tasks held by an unreachable agent are rerouted to a reachable peer in the same phase.",
	}
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentDeregisterCmd())
	agent.AddCommand(agentSweepCmd())
	return agent
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				agents, err := c.Agents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Phase", "Health", "Tools"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Phase, a.Health, strings.Join(a.Tools, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var id, phase, endpoint string
	var tools []string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				a, err := c.RegisterAgent(ctx, id, phase, tools, endpoint)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id")
	cmd.Flags().StringVar(&phase, "phase", "", "phase affiliation")
	cmd.Flags().StringArrayVar(&tools, "tool", []string{}, "tool capability (repeatable)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "agent health endpoint URL")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func agentDeregisterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deregister <id>",
		Short: "Remove an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				return c.DeregisterAgent(ctx, args[0])
			})
		},
	}
	return cmd
}

func agentSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force a fleet health sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				report, err := c.SweepAgents(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Inspect and settle tasks",
	}
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskFailCmd())
	return task
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				t, err := c.Task(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var resultJSON string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Record a task result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := parseJSONObject(resultJSON)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				t, err := c.CompleteTask(ctx, args[0], result)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&resultJSON, "result-json", "", "agent result JSON")
	return cmd
}

func taskFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <task-id>",
		Short: "Record a task failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				t, err := c.FailTask(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	return cmd
}

func deployCmd() *cobra.Command {
	deploy := &cobra.Command{
		Use:   "deploy",
		Short: "Manage deployment approvals",
		Long:  "Deployment proposals name components and the dependency edges between them. Approval runs cycle detection; a cyclic graph is rejected with the offending cycles, an acyclic one gets a deployment id and a dependency-respecting deploy order.",
	}
	deploy.AddCommand(deployApproveCmd())
	deploy.AddCommand(deployCheckCmd())
	deploy.AddCommand(deployListCmd())
	return deploy
}

func deployApproveCmd() *cobra.Command {
	var id, project string
	var components, edges []string
	cmd := &cobra.Command{
		Use:   "approve",
		Short: "Submit a proposal for approval",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEdges(edges)
			if err != nil {
				return err
			}
			proposal := maestrosdk.Proposal{
				ID:         id,
				ProjectID:  project,
				Components: components,
				Edges:      parsed,
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				outcome, err := c.ApproveDeployment(ctx, proposal)
				if err != nil {
					return err
				}
				return printJSONOrTable(outcome)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "proposal id")
	cmd.Flags().StringVar(&project, "project", "", "project id")
	cmd.Flags().StringArrayVar(&components, "component", []string{}, "component name (repeatable)")
	cmd.Flags().StringArrayVar(&edges, "edge", []string{}, "dependency edge component:depends_on (repeatable)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func deployCheckCmd() *cobra.Command {
	var components, edges []string
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run cycle detection without approving",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseEdges(edges)
			if err != nil {
				return err
			}
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				check, err := c.CheckProposal(ctx, components, parsed)
				if err != nil {
					return err
				}
				return printJSONOrTable(check)
			})
		},
	}
	cmd.Flags().StringArrayVar(&components, "component", []string{}, "component name (repeatable)")
	cmd.Flags().StringArrayVar(&edges, "edge", []string{}, "dependency edge component:depends_on (repeatable)")
	return cmd
}

func deployListCmd() *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approved deployments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				items, err := c.Deployments(ctx, project)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "filter by project id")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event journal",
		Long:  "The diary of everything that happened: launches, dispatches, approvals, reroutes, and more.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, project string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail journal events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd.Context(), func(ctx context.Context, c *maestrosdk.Client) error {
				events, err := c.EventsFiltered(ctx, project, evtType, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Project", "Agent"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.ProjectID, e.AgentID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&project, "project", "", "project id filter")
	return cmd
}

// --- helpers ---

func withClient(ctx context.Context, fn func(context.Context, *maestrosdk.Client) error) error {
	client := maestrosdk.New(viper.GetString("server"))
	client.APIKey = viper.GetString("api-key")
	client.BearerToken = viper.GetString("token")
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return fn(ctx, client)
}

func parseJSONObject(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	return out, nil
}

func parseEdges(raw []string) ([]maestrosdk.Edge, error) {
	var out []maestrosdk.Edge
	for _, s := range raw {
		component, dependsOn, ok := strings.Cut(s, ":")
		if !ok || component == "" || dependsOn == "" {
			return nil, fmt.Errorf("invalid edge %q, want component:depends_on", s)
		}
		out = append(out, maestrosdk.Edge{Component: component, DependsOn: dependsOn})
	}
	return out, nil
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
