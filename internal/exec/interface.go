// Package exec runs external CLIs (gh, the AI runner's pre-flight checks)
// behind an interface that tests can replace.
package exec

import (
	"context"
)

// CommandRunner runs external commands.
type CommandRunner interface {
	// Run executes a command and returns combined stdout/stderr output.
	// The working directory is set to workDir if non-empty.
	Run(ctx context.Context, workDir string, name string, args ...string) (output []byte, err error)

	// Output executes a command and returns stdout only. Stderr is folded into
	// the returned error when the command fails.
	Output(ctx context.Context, workDir string, name string, args ...string) (stdout []byte, err error)

	// LookPath reports where name would be found on PATH.
	LookPath(name string) (string, error)
}
