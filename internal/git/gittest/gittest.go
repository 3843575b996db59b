// Package gittest builds throwaway git repositories for tests.
package gittest

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// RequireGit skips the test when the git binary is not available.
func RequireGit(t testing.TB) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

// Run executes git in dir and fails the test on error.
func Run(t testing.TB, dir string, args ...string) string {
	t.Helper()
	out, err := Try(dir, args...)
	if err != nil {
		t.Fatalf("git %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// Try executes git in dir and returns output and error.
func Try(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=crew-test",
		"GIT_AUTHOR_EMAIL=crew-test@example.com",
		"GIT_COMMITTER_NAME=crew-test",
		"GIT_COMMITTER_EMAIL=crew-test@example.com",
		"GIT_TERMINAL_PROMPT=0",
		"GIT_EDITOR=true",
	)
	out, err := cmd.CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// NewRepo creates a repository on branch main with one commit and returns its path.
func NewRepo(t testing.TB) string {
	t.Helper()
	RequireGit(t)

	dir := t.TempDir()
	// Resolve symlinks so paths compare equal to git's output (macOS /private/var).
	if resolved, err := filepath.EvalSymlinks(dir); err == nil {
		dir = resolved
	}
	Run(t, dir, "init", "-q")
	Run(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Run(t, dir, "config", "user.name", "crew-test")
	Run(t, dir, "config", "user.email", "crew-test@example.com")
	Run(t, dir, "config", "commit.gpgsign", "false")
	WriteFile(t, dir, "README.md", "# test\n")
	Commit(t, dir, "initial commit")
	return dir
}

// WriteFile writes content to a path relative to dir, creating parents.
func WriteFile(t testing.TB, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

// Commit stages everything in dir and commits it.
func Commit(t testing.TB, dir, message string) {
	t.Helper()
	Run(t, dir, "add", "-A")
	Run(t, dir, "commit", "-q", "-m", message)
}
