package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/config"
	iexec "github.com/ShayCichocki/crew/internal/exec"
	"github.com/ShayCichocki/crew/internal/forge"
	"github.com/ShayCichocki/crew/internal/ratelimit"
)

var (
	workerAgentID     string
	workerProjectRoot string
	workerSprint      string
	workerBaseBranch  string
	workerRemote      string
	workerModel       string
	workerProvider    string
	workerCleanup     string
	workerHeartbeat   time.Duration
)

// workerCmd is what AgentPool spawns. Protocol messages go to stdout, human
// lines to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one agent (spawned by 'crew run')",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	f := workerCmd.Flags()
	f.StringVar(&workerAgentID, "agent-id", "", "Agent identifier assigned by the pool")
	f.StringVar(&workerProjectRoot, "project-root", "", "Project root")
	f.StringVar(&workerSprint, "sprint", "", "Sprint scope")
	f.StringVar(&workerBaseBranch, "base-branch", "", "Integration branch")
	f.StringVar(&workerRemote, "remote", "", "Remote to fetch from and push to")
	f.StringVar(&workerModel, "model", "", "Model passed to the AI runner")
	f.StringVar(&workerProvider, "provider", "", "AI provider")
	f.StringVar(&workerCleanup, "cleanup", "", "Worktree cleanup policy")
	f.DurationVar(&workerHeartbeat, "heartbeat-interval", 0, "Heartbeat period")
	_ = workerCmd.MarkFlagRequired("agent-id")
}

func runWorker(cmd *cobra.Command, args []string) error {
	root := workerProjectRoot
	if root == "" {
		var err error
		if root, err = projectRoot(); err != nil {
			return err
		}
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	applyWorkerFlags(cmd, cfg)

	policy, err := cfg.CleanupPolicy()
	if err != nil {
		return err
	}
	// A missing key is not fatal: the runner CLI may carry its own login.
	apiKey, _ := config.GetAPIKey(cfg)

	store, err := backlog.OpenProject(config.ResolvePath(root, cfg.Backlog.Path))
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	defer store.Close()

	worktrees, err := agent.NewWorktreeManager(config.ResolvePath(root, cfg.Worktrees.Dir), root, cfg.Git.BaseBranch)
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	command, err := runnerCommand(cfg.Runner.Command, cfg.Agents.Model)
	if err != nil {
		return err
	}
	runner, err := agent.NewCLIRunner(command, providerEnv(cfg.Agents.Provider, apiKey)...)
	if err != nil {
		return err
	}

	limiter := ratelimit.New(ratelimit.Options{
		Path:         ratelimit.DefaultPath(root),
		ProjectRoot:  root,
		LowThreshold: cfg.RateLimit.LowThreshold,
		FallbackWait: cfg.RateLimit.FallbackWait,
		Out:          os.Stderr,
	})
	client := forge.NewClient(iexec.NewRunner(), limiter, root)

	w := agent.NewWorker(agent.WorkerConfig{
		AgentID:           workerAgentID,
		Scope:             backlog.Scope{SprintID: workerSprint},
		BaseBranch:        cfg.Git.BaseBranch,
		Remote:            cfg.Git.Remote,
		Cleanup:           policy,
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
	}, store, worktrees, runner, client, agent.NewEmitter(os.Stdout, workerAgentID), os.Stderr)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return w.Run(ctx)
}

func applyWorkerFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("base-branch") {
		cfg.Git.BaseBranch = workerBaseBranch
	}
	if flags.Changed("remote") {
		cfg.Git.Remote = workerRemote
	}
	if flags.Changed("model") {
		cfg.Agents.Model = workerModel
	}
	if flags.Changed("provider") {
		cfg.Agents.Provider = workerProvider
	}
	if flags.Changed("cleanup") {
		cfg.Worktrees.Cleanup = workerCleanup
	}
	if flags.Changed("heartbeat-interval") {
		cfg.Agents.HeartbeatInterval = workerHeartbeat
	}
}

// runnerCommand appends --model to the runner command unless the command
// already chooses one.
func runnerCommand(command, model string) (string, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return "", fmt.Errorf("parse runner.command: %w", err)
	}
	if model == "" {
		return command, nil
	}
	for _, a := range argv {
		if a == "--model" || strings.HasPrefix(a, "--model=") {
			return command, nil
		}
	}
	return shellquote.Join(append(argv, "--model", model)...), nil
}

// providerEnv maps the crew credential onto the variable the provider's CLI reads.
func providerEnv(provider, apiKey string) []string {
	if apiKey == "" {
		return nil
	}
	switch strings.ToLower(provider) {
	case "claude", "anthropic":
		return []string{"ANTHROPIC_API_KEY=" + apiKey}
	case "openai", "codex":
		return []string{"OPENAI_API_KEY=" + apiKey}
	default:
		return nil
	}
}
