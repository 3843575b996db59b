package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/filelock"
	"github.com/ShayCichocki/crew/internal/orchestrator"
	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	cleanupForce          bool
	cleanupVerbose        bool
	cleanupDryRun         bool
	cleanupIncludeBlocked bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees",
	Long: `Clean up git worktrees left behind by crashed or stopped runs.

A worktree is orphaned when its task is not IN_PROGRESS in the backlog.
Worktrees of BLOCKED tasks are kept for manual conflict resolution unless
--include-blocked is given.

This command:
  - Lists all crew worktrees
  - Identifies orphaned worktrees
  - Removes them and any untracked directory under the worktree root
  - Runs git worktree prune

Examples:
  crew cleanup                    # Interactive cleanup with confirmation
  crew cleanup --force            # Skip confirmation prompt
  crew cleanup --dry-run          # Show what would be removed
  crew cleanup -v                 # Verbose output showing each removal`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVarP(&cleanupVerbose, "verbose", "v", false, "Show each worktree as it's removed")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVar(&cleanupIncludeBlocked, "include-blocked", false, "Also remove worktrees of BLOCKED tasks")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	wtManager, err := agent.NewWorktreeManager(config.ResolvePath(root, cfg.Worktrees.Dir), root, cfg.Git.BaseBranch)
	if err != nil {
		return fmt.Errorf("create worktree manager: %w", err)
	}

	if runActive(root) {
		color.New(color.FgYellow).Println("⚠ a crew run is active; worktrees of in-progress tasks are kept")
	}

	activeTasks, err := activeTaskIDs(cmd.Context(), root, cfg)
	if err != nil {
		// Without the backlog every worktree would look orphaned.
		return fmt.Errorf("query active tasks: %w", err)
	}

	orphans, err := wtManager.ListOrphans(activeTasks)
	if err != nil {
		return fmt.Errorf("list orphaned worktrees: %w", err)
	}

	if len(orphans) == 0 {
		fmt.Println("No orphaned worktrees found.")
		if !cleanupDryRun {
			if err := wtManager.Prune(); err != nil {
				return fmt.Errorf("prune worktrees: %w", err)
			}
		}
		return nil
	}

	fmt.Printf("Found %d orphaned worktree(s):\n", len(orphans))
	for _, wt := range orphans {
		fmt.Printf("  - %s (branch: %s)\n", wt.Path, wt.BranchName)
	}
	fmt.Println()

	if cleanupDryRun {
		fmt.Println("Dry run mode - no worktrees were removed.")
		return nil
	}

	if !cleanupForce && !confirm("Remove these worktrees? [y/N] ") {
		fmt.Println("Worktree cleanup cancelled.")
		return nil
	}

	var verboseCallback func(path string)
	if cleanupVerbose {
		verboseCallback = func(path string) {
			fmt.Printf("Removed: %s\n", path)
		}
	}

	removed, err := wtManager.CleanupOrphans(activeTasks, verboseCallback)
	if err != nil {
		return fmt.Errorf("cleanup orphaned worktrees: %w", err)
	}

	color.New(color.FgGreen).Printf("✓ removed %d orphaned worktree(s)\n", removed)
	return nil
}

// activeTaskIDs returns tasks whose worktrees must survive cleanup.
func activeTaskIDs(ctx context.Context, root string, cfg *config.Config) ([]string, error) {
	path := config.ResolvePath(root, cfg.Backlog.Path)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	store, err := backlog.OpenProject(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	statuses := []models.TaskStatus{models.TaskStatusInProgress}
	if !cleanupIncludeBlocked {
		statuses = append(statuses, models.TaskStatusBlocked)
	}
	tasks, err := store.ListTasks(ctx, backlog.Scope{}, statuses...)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids, nil
}

// runActive reports whether another process holds the orchestrator lock.
func runActive(root string) bool {
	lock := filelock.New(orchestrator.LockPath(root))
	if err := lock.TryLock(); err != nil {
		return errors.Is(err, filelock.ErrLocked)
	}
	lock.Unlock()
	return false
}

func confirm(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}
