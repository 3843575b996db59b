package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/crew/internal/exec"
	"github.com/ShayCichocki/crew/internal/forge"
	"github.com/ShayCichocki/crew/internal/ratelimit"
)

var ratelimitCmd = &cobra.Command{
	Use:   "ratelimit",
	Short: "Inspect the cached GitHub rate limit",
	Long: `Every crew process shares one rate limit snapshot in .crew/ratelimit.json.
Workers update it from the headers of each GitHub response and wait for the
reset when it reaches zero.`,
}

var ratelimitShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the cached quota",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}
		limiter := ratelimit.New(ratelimit.Options{Path: ratelimit.DefaultPath(root), ProjectRoot: root})
		printRateLimit(cmd.OutOrStdout(), limiter.State(), time.Now())
		return nil
	},
}

var ratelimitRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Query GitHub for the current quota and update the cache",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(root)
		if err != nil {
			return err
		}
		limiter := ratelimit.New(ratelimit.Options{
			Path:         ratelimit.DefaultPath(root),
			ProjectRoot:  root,
			LowThreshold: cfg.RateLimit.LowThreshold,
			FallbackWait: cfg.RateLimit.FallbackWait,
			Out:          cmd.ErrOrStderr(),
		})
		client := forge.NewClient(exec.NewRunner(), limiter, root)
		if err := client.Available(cmd.Context()); err != nil {
			return err
		}
		if err := client.RefreshRateLimit(cmd.Context()); err != nil {
			return fmt.Errorf("refresh rate limit: %w", err)
		}
		color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "✓ rate limit refreshed")
		printRateLimit(cmd.OutOrStdout(), limiter.State(), time.Now())
		return nil
	},
}

func init() {
	ratelimitCmd.AddCommand(ratelimitShowCmd, ratelimitRefreshCmd)
}
