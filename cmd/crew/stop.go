package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/orchestrator"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Ask a running 'crew run' to stop",
	Long: `Signal the orchestrator running in this project to stop.

The run terminates its agents, returns their in-flight tasks to the backlog
and applies the worktree cleanup policy before exiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}
		if err := orchestrator.SendStop(root); err != nil {
			return fmt.Errorf("send stop signal: %w", err)
		}
		color.New(color.FgYellow).Printf("⚠ stop requested (%s)\n", orchestrator.StopSignalPath(root))
		return nil
	},
}
