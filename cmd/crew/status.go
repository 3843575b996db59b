package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/ratelimit"
	"github.com/ShayCichocki/crew/pkg/models"
)

var statusSprint string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show backlog, worktree and rate limit state",
	Long: `Display the state of the project as crew sees it.

Shows:
  - Whether a run is active
  - Task counts per status in the current scope
  - Worktrees under the worktree root
  - The cached GitHub rate limit`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusSprint, "sprint", "", "Sprint to report on (default: active sprint)")
}

func runStatus(cmd *cobra.Command, args []string) error {
	root, err := projectRoot()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if runActive(root) {
		color.New(color.FgGreen).Fprintln(out, "● run active")
	} else {
		fmt.Fprintln(out, "○ no run active")
	}
	fmt.Fprintln(out)

	store, err := backlog.OpenProject(config.ResolvePath(root, cfg.Backlog.Path))
	if err != nil {
		return fmt.Errorf("open backlog: %w", err)
	}
	defer store.Close()

	scope := backlog.Scope{SprintID: statusSprint}
	if scope.Unscoped() {
		sprint, err := store.ActiveSprint(cmd.Context())
		if err != nil {
			return fmt.Errorf("active sprint: %w", err)
		}
		if sprint != nil {
			scope.SprintID = sprint.ID
		}
	}
	counts, err := store.StatusCounts(cmd.Context(), scope)
	if err != nil {
		return err
	}
	available, err := store.ListAvailableTasks(cmd.Context(), scope)
	if err != nil {
		return err
	}
	printCounts(out, scope, counts, len(available))

	fmt.Fprintln(out)
	if wt, err := agent.NewWorktreeManager(config.ResolvePath(root, cfg.Worktrees.Dir), root, cfg.Git.BaseBranch); err == nil {
		printWorktrees(out, wt)
	}

	fmt.Fprintln(out)
	limiter := ratelimit.New(ratelimit.Options{Path: ratelimit.DefaultPath(root), ProjectRoot: root})
	printRateLimit(out, limiter.State(), time.Now())
	return nil
}

func printCounts(w io.Writer, scope backlog.Scope, counts map[models.TaskStatus]int, available int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	fmt.Fprintf(w, "Tasks in %s: %s\n", scope, humanize.Comma(int64(total)))
	for _, s := range []models.TaskStatus{
		models.TaskStatusBacklog,
		models.TaskStatusInProgress,
		models.TaskStatusDone,
		models.TaskStatusBlocked,
	} {
		line := fmt.Sprintf("  %-12s %5d", s, counts[s])
		switch {
		case s == models.TaskStatusBlocked && counts[s] > 0:
			color.New(color.FgYellow).Fprintln(w, line)
		case s == models.TaskStatusDone && counts[s] > 0:
			color.New(color.FgGreen).Fprintln(w, line)
		default:
			fmt.Fprintln(w, line)
		}
	}
	fmt.Fprintf(w, "  %d available in the current tier\n", available)
}

func printWorktrees(w io.Writer, wt *agent.WorktreeManager) {
	list, err := wt.List()
	if err != nil {
		fmt.Fprintf(w, "Worktrees: %v\n", err)
		return
	}
	var tasks []*agent.Worktree
	for _, t := range list {
		if t.TaskID != "" {
			tasks = append(tasks, t)
		}
	}
	fmt.Fprintf(w, "Worktrees: %d\n", len(tasks))
	for _, t := range tasks {
		age := ""
		if !t.CreatedAt.IsZero() {
			age = " (" + humanize.Time(t.CreatedAt) + ")"
		}
		fmt.Fprintf(w, "  %s  %s%s\n", t.BranchName, t.Path, age)
	}
}

func printRateLimit(w io.Writer, s ratelimit.State, now time.Time) {
	fmt.Fprintf(w, "GitHub rate limit: %s / %s remaining", humanize.Comma(int64(s.Remaining)), humanize.Comma(int64(s.Limit)))
	var notes []string
	if !s.Reset.IsZero() && s.Reset.After(now) {
		notes = append(notes, "resets "+humanize.RelTime(s.Reset, now, "ago", "from now"))
	}
	if s.UpdatedAt.IsZero() {
		notes = append(notes, "never refreshed")
	} else {
		notes = append(notes, "updated "+humanize.RelTime(s.UpdatedAt, now, "ago", "from now"))
	}
	fmt.Fprintf(w, " (%s)\n", strings.Join(notes, ", "))
	if s.Remaining <= 0 && s.Reset.After(now) {
		color.New(color.FgRed).Fprintln(w, "✗ quota exhausted; pull requests wait for the reset")
	}
}
