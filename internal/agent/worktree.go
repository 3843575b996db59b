// Package agent is the worker side of crew: isolated worktrees, the
// line protocol spoken to the pool, the AI runner adapter and the task loop.
package agent

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ShayCichocki/crew/internal/filelock"
	"github.com/ShayCichocki/crew/internal/git"
	"github.com/ShayCichocki/crew/pkg/models"
)

const (
	// worktreePrefix names every worktree directory crew creates.
	worktreePrefix = "task-"
	// branchPrefix namespaces task branches.
	branchPrefix = "crew/"
	// lockFileName lives in the shared git directory so every worktree of
	// the repository contends on the same lock.
	lockFileName = "crew-worktree.lock"
)

// Worktree represents a git worktree managed by crew.
type Worktree struct {
	Path       string    // Absolute path to the worktree directory
	BranchName string    // Name of the branch checked out in it
	TaskID     string    // Sanitized task id, empty for worktrees crew does not manage
	CreatedAt  time.Time // When Create returned it
	Reused     bool      // True when a worktree from an earlier run was picked up
}

// WorktreeProvider defines the interface for worktree management.
type WorktreeProvider interface {
	// Create returns the worktree for task, creating it if needed.
	Create(task models.Task) (*Worktree, error)
	// PathFor returns where the worktree for taskID lives.
	PathFor(taskID string) string
	// Remove removes a worktree at the given path.
	Remove(path string, force bool) error
	// RemoveAll removes every worktree under the base directory.
	RemoveAll() ([]string, error)
	// Prune clears registrations of worktrees whose directories are gone.
	Prune() error
	// List returns all worktrees of the repository.
	List() ([]*Worktree, error)
	// SyncSubmodules re-syncs submodule pointers in the worktree at path.
	SyncSubmodules(path string) error
	// ListOrphans returns crew worktrees whose task is not in activeTasks.
	ListOrphans(activeTasks []string) ([]*Worktree, error)
	// CleanupOrphans removes orphaned worktrees and returns how many were removed.
	CleanupOrphans(activeTasks []string, verbose func(path string)) (int, error)
	// BaseDir returns the base directory where worktrees are created.
	BaseDir() string
	// RepoPath returns the path to the main git repository.
	RepoPath() string
}

// Verify WorktreeManager implements WorktreeProvider at compile time.
var _ WorktreeProvider = (*WorktreeManager)(nil)

// WorktreeManager handles git worktree operations for agent isolation.
//
// Every operation that touches the worktree registry runs under an
// in-process mutex and an exclusive flock in the shared git directory, so
// managers in different worker processes never run git worktree add/remove
// against the same repository at the same time.
type WorktreeManager struct {
	baseDir  string // Absolute directory for worktrees (e.g. <repo>/.crew/worktrees)
	repoPath string // Path to the main git repository
	baseRef  string // Ref new task branches start from
	git      git.Runner
	mu       sync.Mutex
	lock     *filelock.Lock
}

// NewWorktreeManager creates a new WorktreeManager.
// A relative baseDir is resolved against repoPath. baseRef is where new
// task branches start (empty means the main checkout's HEAD).
func NewWorktreeManager(baseDir, repoPath, baseRef string) (*WorktreeManager, error) {
	return NewWorktreeManagerWithRunner(baseDir, repoPath, baseRef, git.NewRunner(repoPath))
}

// NewWorktreeManagerWithRunner creates a new WorktreeManager with a custom git runner (for testing).
func NewWorktreeManagerWithRunner(baseDir, repoPath, baseRef string, runner git.Runner) (*WorktreeManager, error) {
	if baseDir == "" {
		baseDir = filepath.Join(".crew", "worktrees")
	}
	if !filepath.IsAbs(baseDir) {
		baseDir = filepath.Join(repoPath, baseDir)
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}
	// git reports worktree paths with symlinks resolved.
	if resolved, err := filepath.EvalSymlinks(baseDir); err == nil {
		baseDir = resolved
	}

	return &WorktreeManager{
		baseDir:  baseDir,
		repoPath: repoPath,
		baseRef:  baseRef,
		git:      runner,
		lock:     filelock.New(filepath.Join(commonGitDir(runner, repoPath), lockFileName)),
	}, nil
}

// commonGitDir returns the git directory shared by all worktrees.
func commonGitDir(runner git.Runner, repoPath string) string {
	dir, err := runner.Run("rev-parse", "--git-common-dir")
	if err != nil || dir == "" {
		return filepath.Join(repoPath, ".git")
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(runner.Dir(), dir)
	}
	return dir
}

// withLock runs fn holding both the process mutex and the repository flock.
func (m *WorktreeManager) withLock(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.lock.Lock(); err != nil {
		return fmt.Errorf("acquire worktree lock: %w", err)
	}
	defer func() {
		if err := m.lock.Unlock(); err != nil {
			log.Printf("[worktree] release lock: %v", err)
		}
	}()
	return fn()
}

// SanitizeTaskID maps a task id onto characters safe in paths and branch names.
func SanitizeTaskID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// BranchFor returns the branch crew uses for taskID.
func BranchFor(taskID string) string {
	return branchPrefix + worktreePrefix + SanitizeTaskID(taskID)
}

// PathFor returns the worktree path for taskID. The name is deterministic so
// a rerun after a crash finds the previous attempt.
func (m *WorktreeManager) PathFor(taskID string) string {
	return filepath.Join(m.baseDir, worktreePrefix+SanitizeTaskID(taskID))
}

// Create returns the worktree for task. A worktree registered by an earlier
// run is reused as is. A leftover directory git no longer knows about is
// discarded and recreated. Submodules are initialized after creation.
func (m *WorktreeManager) Create(task models.Task) (*Worktree, error) {
	if SanitizeTaskID(task.ID) == "" {
		return nil, fmt.Errorf("task id %q has no usable characters", task.ID)
	}
	wt := &Worktree{
		Path:       m.PathFor(task.ID),
		BranchName: BranchFor(task.ID),
		TaskID:     SanitizeTaskID(task.ID),
	}

	err := m.withLock(func() error {
		registered, err := m.listUnlocked()
		if err != nil {
			return err
		}
		for _, existing := range registered {
			if existing.Path != wt.Path {
				continue
			}
			if _, statErr := os.Stat(wt.Path); statErr == nil {
				wt.Reused = true
				if existing.BranchName != "" {
					wt.BranchName = existing.BranchName
				}
				return nil
			}
			// Registered but deleted from disk.
			if err := m.git.WorktreePruneExpireNow(); err != nil {
				return fmt.Errorf("prune stale registration: %w", err)
			}
			break
		}

		if _, statErr := os.Stat(wt.Path); statErr == nil {
			log.Printf("[worktree] discarding unregistered leftover %s", wt.Path)
			if err := os.RemoveAll(wt.Path); err != nil {
				return fmt.Errorf("remove leftover worktree directory: %w", err)
			}
		}

		exists, err := m.git.BranchExists(wt.BranchName)
		if err != nil {
			return fmt.Errorf("check branch %s: %w", wt.BranchName, err)
		}
		if exists {
			// Keep commits from the earlier attempt.
			if err := m.git.WorktreeAdd(wt.Path, wt.BranchName); err != nil {
				return fmt.Errorf("create worktree: %w", err)
			}
			return nil
		}
		if err := m.git.WorktreeAddNewBranch(wt.Path, wt.BranchName, m.baseRef); err != nil {
			return fmt.Errorf("create worktree: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	wt.CreatedAt = time.Now()

	if err := m.initSubmodules(wt.Path); err != nil {
		return wt, err
	}
	return wt, nil
}

// detectSubmodules is swapped out in tests.
var detectSubmodules = git.HasSubmodules

// hasSubmodules falls back to looking for .gitmodules when go-git cannot
// open the repository (for example with extensions.worktreeConfig set).
func hasSubmodules(path string) bool {
	has, err := detectSubmodules(path)
	if err == nil {
		return has
	}
	log.Printf("[worktree] submodule detection in %s failed, checking .gitmodules: %v", path, err)
	_, statErr := os.Stat(filepath.Join(path, ".gitmodules"))
	return statErr == nil
}

func (m *WorktreeManager) initSubmodules(path string) error {
	if !hasSubmodules(path) {
		return nil
	}
	if err := git.NewRunner(path).SubmoduleUpdate(); err != nil {
		return fmt.Errorf("initialize submodules in %s: %w", path, err)
	}
	return nil
}

// SyncSubmodules re-syncs submodule pointers after history in path was rewritten.
func (m *WorktreeManager) SyncSubmodules(path string) error {
	if !hasSubmodules(path) {
		return nil
	}
	if err := git.NewRunner(path).SubmoduleSync(); err != nil {
		return fmt.Errorf("sync submodules in %s: %w", path, err)
	}
	return nil
}

// Remove removes a worktree at the given path.
// If force is true, removes the worktree even if there are uncommitted changes.
func (m *WorktreeManager) Remove(path string, force bool) error {
	return m.withLock(func() error {
		if err := m.git.WorktreeRemoveOptionalForce(path, force); err != nil {
			return fmt.Errorf("remove worktree: %w", err)
		}
		return nil
	})
}

// RemoveAll force-removes every worktree under the base directory, including
// directories git no longer tracks, then prunes the registry.
func (m *WorktreeManager) RemoveAll() ([]string, error) {
	var removed []string
	err := m.withLock(func() error {
		worktrees, err := m.listUnlocked()
		if err != nil {
			return err
		}
		for _, wt := range worktrees {
			if !m.underBaseDir(wt.Path) {
				continue
			}
			if m.removeUnlocked(wt.Path) {
				removed = append(removed, wt.Path)
			}
		}

		entries, err := os.ReadDir(m.baseDir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("read worktree base directory: %w", err)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			path := filepath.Join(m.baseDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				log.Printf("[worktree] remove %s: %v", path, err)
				continue
			}
			removed = append(removed, path)
		}

		if err := m.git.WorktreePruneExpireNow(); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
		return nil
	})
	return removed, err
}

// removeUnlocked unlocks and force-removes one worktree, falling back to
// deleting the directory. Reports whether anything was removed.
func (m *WorktreeManager) removeUnlocked(path string) bool {
	_ = m.git.WorktreeUnlock(path) // may not be locked
	if err := m.git.WorktreeRemove(path); err != nil {
		if err := os.RemoveAll(path); err != nil {
			log.Printf("[worktree] remove %s: %v", path, err)
			return false
		}
	}
	return true
}

func (m *WorktreeManager) underBaseDir(path string) bool {
	rel, err := filepath.Rel(m.baseDir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..")
}

// List returns all worktrees of the repository.
func (m *WorktreeManager) List() ([]*Worktree, error) {
	var worktrees []*Worktree
	err := m.withLock(func() error {
		var err error
		worktrees, err = m.listUnlocked()
		return err
	})
	return worktrees, err
}

func (m *WorktreeManager) listUnlocked() ([]*Worktree, error) {
	output, err := m.git.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}
	return parseWorktreeList(output)
}

// parseWorktreeList parses the output of 'git worktree list --porcelain'.
func parseWorktreeList(output string) ([]*Worktree, error) {
	var worktrees []*Worktree
	var current *Worktree

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			if current != nil {
				worktrees = append(worktrees, current)
				current = nil
			}
			continue
		}

		if strings.HasPrefix(line, "worktree ") {
			current = &Worktree{
				Path: strings.TrimPrefix(line, "worktree "),
			}
		} else if strings.HasPrefix(line, "branch ") && current != nil {
			// Format: branch refs/heads/<name>
			current.BranchName = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
			current.TaskID = taskIDFromBranch(current.BranchName)
		}
	}

	// Don't forget the last worktree if output doesn't end with blank line
	if current != nil {
		worktrees = append(worktrees, current)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("parse worktree list: %w", err)
	}
	return worktrees, nil
}

// taskIDFromBranch returns the sanitized task id of a crew branch, or "".
func taskIDFromBranch(branch string) string {
	if !strings.HasPrefix(branch, branchPrefix+worktreePrefix) {
		return ""
	}
	return strings.TrimPrefix(branch, branchPrefix+worktreePrefix)
}

// Prune removes references to worktrees that no longer exist on disk.
// Directories still on disk are left for inspection.
func (m *WorktreeManager) Prune() error {
	return m.withLock(func() error {
		if err := m.git.WorktreePruneExpireNow(); err != nil {
			return fmt.Errorf("prune worktrees: %w", err)
		}
		return nil
	})
}

// ListOrphans returns crew worktrees whose task is not among activeTasks.
// The main checkout and worktrees on non-crew branches are never orphans.
func (m *WorktreeManager) ListOrphans(activeTasks []string) ([]*Worktree, error) {
	var orphans []*Worktree
	err := m.withLock(func() error {
		var err error
		orphans, err = m.orphansUnlocked(activeTasks)
		return err
	})
	return orphans, err
}

func (m *WorktreeManager) orphansUnlocked(activeTasks []string) ([]*Worktree, error) {
	worktrees, err := m.listUnlocked()
	if err != nil {
		return nil, err
	}

	activeSet := make(map[string]bool, len(activeTasks))
	for _, id := range activeTasks {
		activeSet[SanitizeTaskID(id)] = true
	}

	var orphans []*Worktree
	for _, wt := range worktrees {
		if wt.TaskID == "" || wt.Path == m.repoPath {
			continue
		}
		if activeSet[wt.TaskID] {
			continue
		}
		orphans = append(orphans, wt)
	}
	return orphans, nil
}

// CleanupOrphans removes orphaned worktrees plus any directory under the
// base directory git does not track, then prunes. verbose is called for
// each removed path.
func (m *WorktreeManager) CleanupOrphans(activeTasks []string, verbose func(path string)) (int, error) {
	removed := 0
	err := m.withLock(func() error {
		orphans, err := m.orphansUnlocked(activeTasks)
		if err != nil {
			return err
		}
		for _, wt := range orphans {
			if !m.removeUnlocked(wt.Path) {
				continue
			}
			if verbose != nil {
				verbose(wt.Path)
			}
			removed++
		}

		n, err := m.removeUntrackedUnlocked(verbose)
		removed += n
		if err != nil {
			return err
		}

		// Final prune to clean up any dangling references
		_ = m.git.WorktreePruneExpireNow()
		return nil
	})
	return removed, err
}

// removeUntrackedUnlocked deletes directories in the base dir that are not registered worktrees.
func (m *WorktreeManager) removeUntrackedUnlocked(verbose func(path string)) (int, error) {
	if err := m.git.WorktreePruneExpireNow(); err != nil {
		return 0, fmt.Errorf("prune worktrees: %w", err)
	}
	worktrees, err := m.listUnlocked()
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(worktrees))
	for _, wt := range worktrees {
		known[wt.Path] = true
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("read worktree base directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.baseDir, entry.Name())
		if known[path] {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			continue
		}
		if verbose != nil {
			verbose(path)
		}
		removed++
	}
	return removed, nil
}

// BaseDir returns the base directory where worktrees are created.
func (m *WorktreeManager) BaseDir() string {
	return m.baseDir
}

// RepoPath returns the path to the main git repository.
func (m *WorktreeManager) RepoPath() string {
	return m.repoPath
}
