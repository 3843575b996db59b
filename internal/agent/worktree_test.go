package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ShayCichocki/crew/internal/git/gittest"
	"github.com/ShayCichocki/crew/pkg/models"
)

func newTestManager(t *testing.T) (*WorktreeManager, string) {
	t.Helper()
	repo := gittest.NewRepo(t)
	m, err := NewWorktreeManager("", repo, "main")
	if err != nil {
		t.Fatalf("NewWorktreeManager() error = %v", err)
	}
	return m, repo
}

func TestSanitizeTaskID(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"T-1", "T-1"},
		{"PROJ/42", "PROJ-42"},
		{"fix: login bug", "fix--login-bug"},
		{"../escape", "escape"},
		{"///", ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			if got := SanitizeTaskID(tt.id); got != tt.want {
				t.Errorf("SanitizeTaskID(%q) = %q, want %q", tt.id, got, tt.want)
			}
		})
	}
}

func TestBranchFor(t *testing.T) {
	if got := BranchFor("PROJ/42"); got != "crew/task-PROJ-42" {
		t.Errorf("BranchFor() = %q, want %q", got, "crew/task-PROJ-42")
	}
	if got := taskIDFromBranch("crew/task-PROJ-42"); got != "PROJ-42" {
		t.Errorf("taskIDFromBranch() = %q, want %q", got, "PROJ-42")
	}
	if got := taskIDFromBranch("feature/x"); got != "" {
		t.Errorf("taskIDFromBranch(non-crew) = %q, want empty", got)
	}
}

func TestParseWorktreeList(t *testing.T) {
	output := `worktree /home/user/project
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /home/user/project/.crew/worktrees/task-T-1
HEAD 2222222222222222222222222222222222222222
branch refs/heads/crew/task-T-1

worktree /tmp/detached
HEAD 3333333333333333333333333333333333333333
detached
`
	worktrees, err := parseWorktreeList(output)
	if err != nil {
		t.Fatalf("parseWorktreeList() error = %v", err)
	}
	if len(worktrees) != 3 {
		t.Fatalf("expected 3 worktrees, got %d", len(worktrees))
	}
	if worktrees[0].BranchName != "main" || worktrees[0].TaskID != "" {
		t.Errorf("worktrees[0] = %+v, want main without task", worktrees[0])
	}
	if worktrees[1].TaskID != "T-1" {
		t.Errorf("worktrees[1].TaskID = %q, want %q", worktrees[1].TaskID, "T-1")
	}
	if worktrees[2].BranchName != "" {
		t.Errorf("detached worktree BranchName = %q, want empty", worktrees[2].BranchName)
	}
}

func TestParseWorktreeListEmpty(t *testing.T) {
	worktrees, err := parseWorktreeList("")
	if err != nil {
		t.Fatalf("parseWorktreeList() error = %v", err)
	}
	if len(worktrees) != 0 {
		t.Errorf("expected no worktrees, got %d", len(worktrees))
	}
}

func TestWorktreeManager_CreateAndReuse(t *testing.T) {
	m, _ := newTestManager(t)
	task := models.Task{ID: "T-1", Title: "one"}

	wt, err := m.Create(task)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if wt.Path != m.PathFor("T-1") {
		t.Errorf("Path = %q, want %q", wt.Path, m.PathFor("T-1"))
	}
	if wt.BranchName != "crew/task-T-1" {
		t.Errorf("BranchName = %q, want crew/task-T-1", wt.BranchName)
	}
	if wt.Reused {
		t.Error("first Create() reported reuse")
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "README.md")); err != nil {
		t.Errorf("worktree missing checkout: %v", err)
	}

	// Work left behind by a crashed attempt is picked up again.
	gittest.WriteFile(t, wt.Path, "progress.txt", "half done\n")
	again, err := m.Create(task)
	if err != nil {
		t.Fatalf("second Create() error = %v", err)
	}
	if !again.Reused || again.Path != wt.Path {
		t.Errorf("second Create() = %+v, want reuse of %s", again, wt.Path)
	}
	if _, err := os.Stat(filepath.Join(again.Path, "progress.txt")); err != nil {
		t.Error("reused worktree lost its files")
	}

	list, err := m.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 2 {
		t.Errorf("List() returned %d worktrees, want main + task", len(list))
	}
}

func TestWorktreeManager_DiscardsUnregisteredLeftover(t *testing.T) {
	m, _ := newTestManager(t)
	leftover := m.PathFor("T-2")
	gittest.WriteFile(t, leftover, "junk.txt", "stale\n")

	wt, err := m.Create(models.Task{ID: "T-2"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if wt.Reused {
		t.Error("unregistered directory must not be reused")
	}
	if _, err := os.Stat(filepath.Join(wt.Path, "junk.txt")); !os.IsNotExist(err) {
		t.Error("leftover file survived recreation")
	}
}

func TestWorktreeManager_RecreatesFromExistingBranch(t *testing.T) {
	m, _ := newTestManager(t)
	wt, err := m.Create(models.Task{ID: "T-3"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	gittest.WriteFile(t, wt.Path, "work.txt", "done\n")
	gittest.Commit(t, wt.Path, "task work")

	if err := m.Remove(wt.Path, true); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	again, err := m.Create(models.Task{ID: "T-3"})
	if err != nil {
		t.Fatalf("Create() after remove error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(again.Path, "work.txt")); err != nil {
		t.Error("commits on the task branch were not kept")
	}
}

// Separate managers stand in for separate worker processes: only the
// repository flock keeps their git worktree calls apart.
func TestWorktreeManager_ConcurrentCreateDisjointPaths(t *testing.T) {
	repo := gittest.NewRepo(t)
	const agents = 6

	var wg sync.WaitGroup
	paths := make([]string, agents)
	errs := make([]error, agents)
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m, err := NewWorktreeManager("", repo, "main")
			if err != nil {
				errs[i] = err
				return
			}
			wt, err := m.Create(models.Task{ID: fmt.Sprintf("T-%d", i)})
			if err != nil {
				errs[i] = err
				return
			}
			paths[i] = wt.Path
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < agents; i++ {
		if errs[i] != nil {
			t.Fatalf("agent %d Create() error = %v", i, errs[i])
		}
		if seen[paths[i]] {
			t.Errorf("path %s handed to two agents", paths[i])
		}
		seen[paths[i]] = true
	}
}

func TestWorktreeManager_RemoveAllAndPrune(t *testing.T) {
	m, _ := newTestManager(t)
	a, err := m.Create(models.Task{ID: "A"})
	if err != nil {
		t.Fatalf("Create(A) error = %v", err)
	}
	b, err := m.Create(models.Task{ID: "B"})
	if err != nil {
		t.Fatalf("Create(B) error = %v", err)
	}

	// Prune keeps directories that still exist.
	if err := m.Prune(); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if _, err := os.Stat(a.Path); err != nil {
		t.Errorf("Prune() removed %s", a.Path)
	}

	removed, err := m.RemoveAll()
	if err != nil {
		t.Fatalf("RemoveAll() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("RemoveAll() removed %v, want 2 paths", removed)
	}
	for _, p := range []string{a.Path, b.Path} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("%s still exists after RemoveAll()", p)
		}
	}
	list, err := m.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("registry still has %d worktrees, want only main", len(list))
	}
}

func TestWorktreeManager_CleanupOrphans(t *testing.T) {
	m, _ := newTestManager(t)
	if _, err := m.Create(models.Task{ID: "active"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	orphan, err := m.Create(models.Task{ID: "gone"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	stray := filepath.Join(m.BaseDir(), "not-a-worktree")
	if err := os.MkdirAll(stray, 0755); err != nil {
		t.Fatal(err)
	}

	orphans, err := m.ListOrphans([]string{"active"})
	if err != nil {
		t.Fatalf("ListOrphans() error = %v", err)
	}
	if len(orphans) != 1 || orphans[0].Path != orphan.Path {
		t.Fatalf("ListOrphans() = %v, want only %s", orphans, orphan.Path)
	}

	var verbose []string
	n, err := m.CleanupOrphans([]string{"active"}, func(p string) { verbose = append(verbose, p) })
	if err != nil {
		t.Fatalf("CleanupOrphans() error = %v", err)
	}
	if n != 2 || len(verbose) != 2 {
		t.Errorf("CleanupOrphans() removed %d (%v), want orphan and stray dir", n, verbose)
	}
	if _, err := os.Stat(m.PathFor("active")); err != nil {
		t.Error("active worktree was removed")
	}
}

func TestHasSubmodules_FallsBackToGitmodules(t *testing.T) {
	orig := detectSubmodules
	t.Cleanup(func() { detectSubmodules = orig })
	detectSubmodules = func(string) (bool, error) {
		return false, errors.New("unsupported repository extension")
	}

	dir := t.TempDir()
	if hasSubmodules(dir) {
		t.Error("hasSubmodules() = true without .gitmodules")
	}
	if err := os.WriteFile(filepath.Join(dir, ".gitmodules"), []byte("[submodule \"lib\"]\n\tpath = lib\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if !hasSubmodules(dir) {
		t.Error("hasSubmodules() = false with .gitmodules present")
	}
}
