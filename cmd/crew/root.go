package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/git"
)

var projectFlag string

var rootCmd = &cobra.Command{
	Use:   "crew",
	Short: "Parallel agents for a task backlog",
	Long: `crew pulls tasks from a project backlog and hands them to a pool of
worker processes. Every worker claims one task at a time, runs an AI agent
in an isolated git worktree, checks the branch against the integration base,
pushes it and opens a pull request.

State lives in .crew/ at the repository root:
  backlog/tasks.db     SQLite backlog shared by all processes
  worktrees/           one worktree per task
  logs/                orchestrator debug log
  signals/stop         created by 'crew stop' to end a run
  ratelimit.json       GitHub quota snapshot`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "C", "", "Project root (default: repository containing the working directory)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(ratelimitCmd)
	rootCmd.AddCommand(versionCmd)
}

// projectRoot resolves --project, falling back to the git repository that
// contains the working directory, then the working directory itself.
func projectRoot() (string, error) {
	if projectFlag != "" {
		abs, err := filepath.Abs(projectFlag)
		if err != nil {
			return "", fmt.Errorf("resolve project path: %w", err)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	if root, err := git.FindRepoRoot(cwd); err == nil {
		return root, nil
	}
	return cwd, nil
}

// loadConfig loads and validates configuration as seen from the project root.
func loadConfig(root string) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("get working directory: %w", err)
	}
	// .crew.yaml is searched from the working directory; -C moves the search.
	if root != cwd && projectFlag != "" {
		if err := os.Chdir(root); err != nil {
			return nil, fmt.Errorf("enter project root: %w", err)
		}
		defer os.Chdir(cwd)
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
