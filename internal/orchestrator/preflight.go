package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"

	"github.com/ShayCichocki/crew/internal/git"
)

// preflight fails the run when git is missing and only warns when gh is.
func (o *Orchestrator) preflight(ctx context.Context) error {
	if _, err := o.exec.LookPath("git"); err != nil {
		color.New(color.FgRed).Fprintln(o.out, "✗ git not found on PATH, worktree isolation is impossible")
		o.logger.Log("pre-flight: git missing: %v", err)
		return ErrGitMissing
	}
	if !git.IsGitRepo(o.cfg.ProjectRoot) {
		return fmt.Errorf("%s is not a git repository", o.cfg.ProjectRoot)
	}
	if err := ensureStateDir(o.cfg.ProjectRoot); err != nil {
		return err
	}

	if err := o.forge.Available(ctx); err != nil {
		o.warn("%v; branches will be pushed but pull requests will not be opened", err)
	} else {
		color.New(color.FgGreen).Fprintln(o.out, "✓ gh authenticated")
	}
	o.logger.Log("pre-flight passed")
	return nil
}

// ensureStateDir creates .crew/ and keeps everything in it out of git.
func ensureStateDir(projectRoot string) error {
	dir := filepath.Join(projectRoot, ".crew")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); os.IsNotExist(err) {
		if err := os.WriteFile(ignore, []byte("*\n"), 0644); err != nil {
			return fmt.Errorf("write %s: %w", ignore, err)
		}
	}
	return nil
}
