package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/orchestrator"
)

var (
	runSprint        string
	runMaxAgents     int
	runCleanupPolicy string
	runBaseBranch    string
	runModel         string
	runNoWatch       bool
	runQuiet         bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Work the backlog with parallel agents",
	Long: `Spawn up to agents.max worker processes against the backlog.

Scope is the --sprint flag, else the active sprint, else the whole backlog.
Only the lowest dependency tier that still has unfinished tasks is offered.
Each worker claims tasks until none are left, so a run ends on its own once
the backlog is drained.

Ctrl-C, SIGTERM or 'crew stop' from another terminal stop the run: agents
are terminated, their tasks go back to the backlog and worktrees are handled
according to --cleanup:
  auto                remove every worktree
  retain-on-failure   keep worktrees of failed and blocked tasks (default)
  manual              never remove worktrees`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runSprint, "sprint", "", "Sprint to work (default: active sprint)")
	runCmd.Flags().IntVarP(&runMaxAgents, "max-agents", "n", 0, "Maximum concurrent agents (overrides agents.max)")
	runCmd.Flags().StringVar(&runCleanupPolicy, "cleanup", "", "Worktree cleanup policy: auto, manual or retain-on-failure")
	runCmd.Flags().StringVar(&runBaseBranch, "base-branch", "", "Integration branch (overrides git.base_branch)")
	runCmd.Flags().StringVar(&runModel, "model", "", "Model passed to workers (overrides agents.model)")
	runCmd.Flags().BoolVar(&runNoWatch, "no-stop-file", false, "Ignore the .crew/signals/stop file")
	runCmd.Flags().BoolVarP(&runQuiet, "quiet", "q", false, "Only print the summary")
}

func runRun(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	applyRunFlags(cmd, cfg)

	policy, err := cfg.CleanupPolicy()
	if err != nil {
		return err
	}
	apiKey, err := config.GetAPIKey(cfg)
	if err != nil && !errors.Is(err, config.ErrNoAPIKey) {
		return err
	}

	store, err := backlog.OpenProject(config.ResolvePath(root, cfg.Backlog.Path))
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	defer store.Close()

	logger := orchestrator.NewDebugLoggerForProject(root)
	defer logger.Close()

	emitter := orchestrator.NewEventEmitter(256)
	orch := orchestrator.New(orchestrator.Config{
		ProjectRoot:       root,
		SprintID:          runSprint,
		MaxAgents:         cfg.Agents.Max,
		BaseBranch:        cfg.Git.BaseBranch,
		Remote:            cfg.Git.Remote,
		Model:             cfg.Agents.Model,
		Provider:          cfg.Agents.Provider,
		APIKey:            apiKey,
		Cleanup:           policy,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		PollInterval:      cfg.Orchestrator.PollInterval,
		WorktreeDir:       cfg.Worktrees.Dir,
		WatchSignals:      !runNoWatch,
	}, store, orchestrator.PoolConfig{
		WorkerCommand:   cfg.Agents.WorkerCommand,
		StaleThreshold:  cfg.Agents.StaleThreshold,
		MonitorInterval: cfg.Agents.MonitorInterval,
		KillGrace:       cfg.Agents.KillGrace,
		Logger:          logger,
	},
		orchestrator.WithLogger(logger),
		orchestrator.WithEventEmitter(emitter),
	)

	rendered := make(chan struct{})
	go func() {
		defer close(rendered)
		for e := range emitter.Events() {
			if !runQuiet {
				renderEvent(os.Stderr, e)
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	go stopOnSignal(ctx, sigCh, orch)

	summary, runErr := orch.Start(ctx)
	emitter.Close()
	<-rendered

	if runErr != nil {
		return runErr
	}
	if summary.TasksAvailable == 0 {
		fmt.Printf("No available tasks in %s.\n", summary.Scope)
		return nil
	}
	fmt.Println(orchestrator.FormatSummary(*summary))
	return nil
}

func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("max-agents") {
		cfg.Agents.Max = runMaxAgents
	}
	if flags.Changed("cleanup") {
		cfg.Worktrees.Cleanup = runCleanupPolicy
	}
	if flags.Changed("base-branch") {
		cfg.Git.BaseBranch = runBaseBranch
	}
	if flags.Changed("model") {
		cfg.Agents.Model = runModel
	}
}

// stopOnSignal turns SIGINT and SIGTERM into Stop. The run context is left
// alone so in-flight backlog bookkeeping can finish.
func stopOnSignal(ctx context.Context, sigCh <-chan os.Signal, orch *orchestrator.Orchestrator) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			color.New(color.FgYellow).Fprintf(os.Stderr, "\n⚠ %s received, stopping agents...\n", sig)
			if err := orch.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "stop: %v\n", err)
			}
		}
	}
}
