package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	tasksAddID          string
	tasksAddDescription string
	tasksAddPriority    int
	tasksAddTier        int
	tasksAddSprint      string

	tasksListStatus string
	tasksListSprint string
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage the project backlog",
}

var tasksAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Add a task to the backlog",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTasksAdd,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasksList,
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <file.yaml|->",
	Short: "Import sprints and tasks from YAML",
	Long: `Upsert sprints and tasks from a YAML file ("-" reads stdin).

  sprints:
    - id: s1
      name: First sprint
      active: true
  tasks:
    - id: T-1
      title: Add login form
      description: ...
      priority: 1
      tier: 0
      sprint: s1

Existing tasks keep their status unless the file sets one.`,
	Args: cobra.ExactArgs(1),
	RunE: runTasksImport,
}

func init() {
	tasksAddCmd.Flags().StringVar(&tasksAddID, "id", "", "Task id (default: generated)")
	tasksAddCmd.Flags().StringVarP(&tasksAddDescription, "description", "d", "", "Task description given to the agent")
	tasksAddCmd.Flags().IntVarP(&tasksAddPriority, "priority", "p", 3, "Priority within the tier, 1 is highest")
	tasksAddCmd.Flags().IntVar(&tasksAddTier, "tier", 0, "Dependency tier; lower tiers finish first")
	tasksAddCmd.Flags().StringVar(&tasksAddSprint, "sprint", "", "Sprint id")

	tasksListCmd.Flags().StringVarP(&tasksListStatus, "status", "s", "", "Filter by status (comma separated)")
	tasksListCmd.Flags().StringVar(&tasksListSprint, "sprint", "", "Filter by sprint")

	tasksCmd.AddCommand(tasksAddCmd, tasksListCmd, tasksImportCmd)
}

func openBacklog() (*backlog.DB, error) {
	root, err := projectRoot()
	if err != nil {
		return nil, err
	}
	cfg, err := loadConfig(root)
	if err != nil {
		return nil, err
	}
	store, err := backlog.OpenProject(config.ResolvePath(root, cfg.Backlog.Path))
	if err != nil {
		return nil, fmt.Errorf("open backlog: %w", err)
	}
	return store, nil
}

func newTaskID() string {
	return "T-" + uuid.New().String()[:8]
}

func runTasksAdd(cmd *cobra.Command, args []string) error {
	store, err := openBacklog()
	if err != nil {
		return err
	}
	defer store.Close()

	id := tasksAddID
	if id == "" {
		id = newTaskID()
	}
	task := &models.Task{
		ID:          id,
		Title:       strings.Join(args, " "),
		Description: tasksAddDescription,
		Priority:    tasksAddPriority,
		Tier:        tasksAddTier,
		SprintID:    tasksAddSprint,
	}
	if err := store.CreateTask(cmd.Context(), task); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Added %s: %s\n", task.ID, task.Title)
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	statuses, err := parseStatuses(tasksListStatus)
	if err != nil {
		return err
	}

	store, err := openBacklog()
	if err != nil {
		return err
	}
	defer store.Close()

	tasks, err := store.ListTasks(cmd.Context(), backlog.Scope{SprintID: tasksListSprint}, statuses...)
	if err != nil {
		return err
	}
	printTasks(cmd.OutOrStdout(), tasks)
	return nil
}

func parseStatuses(s string) ([]models.TaskStatus, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var statuses []models.TaskStatus
	for _, part := range strings.Split(s, ",") {
		st := models.TaskStatus(strings.ToUpper(strings.TrimSpace(part)))
		if !st.Valid() {
			return nil, fmt.Errorf("unknown status %q", part)
		}
		statuses = append(statuses, st)
	}
	return statuses, nil
}

func printTasks(w io.Writer, tasks []models.Task) {
	if len(tasks) == 0 {
		fmt.Fprintln(w, "No tasks.")
		return
	}
	for _, t := range tasks {
		assignee := ""
		if t.Assignee != "" && t.Status == models.TaskStatusInProgress {
			assignee = "  @" + t.Assignee
		}
		fmt.Fprintf(w, "%-12s %-11s t%d p%d  %s%s\n", t.ID, t.Status, t.Tier, t.Priority, t.Title, assignee)
	}
}

func runTasksImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open task file: %w", err)
		}
		defer f.Close()
		r = f
	}

	store, err := openBacklog()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.Import(cmd.Context(), r)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Imported %d sprint(s) and %d task(s).\n", res.Sprints, res.Tasks)
	return nil
}
