package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/crew/internal/backlog/backlogtest"
	"github.com/ShayCichocki/crew/internal/forge"
	"github.com/ShayCichocki/crew/internal/git/gittest"
	"github.com/ShayCichocki/crew/pkg/models"
)

type funcRunner func(ctx context.Context, req Request) (*Result, error)

func (f funcRunner) Run(ctx context.Context, req Request) (*Result, error) {
	return f(ctx, req)
}

// editRunner writes one file into the worktree and succeeds.
func editRunner(rel, content string) funcRunner {
	return func(_ context.Context, req Request) (*Result, error) {
		if err := os.WriteFile(req.WorkDir+"/"+rel, []byte(content), 0644); err != nil {
			return nil, err
		}
		req.OnTool("Editing " + rel)
		return &Result{Success: true, Output: "edited " + rel}, nil
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) messages() []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var msgs []Message
	for _, line := range strings.Split(b.buf.String(), "\n") {
		if d := DecodeLine(line); d.IsMessage() {
			msgs = append(msgs, *d.Message)
		}
	}
	return msgs
}

func typesOf(msgs []Message, skip MessageType) []MessageType {
	var types []MessageType
	for _, m := range msgs {
		if m.Type != skip && m.Type != MsgStatus {
			types = append(types, m.Type)
		}
	}
	return types
}

type fakeForge struct {
	availErr error
	prs      []forge.PullRequest
}

func (f *fakeForge) Available(context.Context) error { return f.availErr }

func (f *fakeForge) CreatePullRequest(_ context.Context, pr forge.PullRequest) (string, error) {
	f.prs = append(f.prs, pr)
	return "https://example.com/pr/1", nil
}

type workerFixture struct {
	repo      string
	backlog   *backlogtest.Memory
	worktrees *WorktreeManager
	stdout    *lockedBuffer
	stderr    *lockedBuffer
}

func newWorkerFixture(t *testing.T, tasks ...models.Task) *workerFixture {
	t.Helper()
	repo := gittest.NewRepo(t)
	m, err := NewWorktreeManager(t.TempDir(), repo, "main")
	require.NoError(t, err)
	return &workerFixture{
		repo:      repo,
		backlog:   backlogtest.NewMemory(tasks...),
		worktrees: m,
		stdout:    &lockedBuffer{},
		stderr:    &lockedBuffer{},
	}
}

func (f *workerFixture) worker(cfg WorkerConfig, runner Runner, pr PullRequester) *Worker {
	if cfg.AgentID == "" {
		cfg.AgentID = "agent-1"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	return NewWorker(cfg, f.backlog, f.worktrees, runner, pr, NewEmitter(f.stdout, cfg.AgentID), f.stderr)
}

func TestWorker_CompletesAllTasks(t *testing.T) {
	f := newWorkerFixture(t,
		models.Task{ID: "T-1", Title: "first", Priority: 1},
		models.Task{ID: "T-2", Title: "second", Priority: 2},
	)
	w := f.worker(WorkerConfig{}, editRunner("out.txt", "done\n"), nil)

	require.NoError(t, w.Run(context.Background()))

	for _, id := range []string{"T-1", "T-2"} {
		task := f.backlog.Task(id)
		assert.Equal(t, models.TaskStatusDone, task.Status, id)
		assert.Equal(t, "agent-1", task.Assignee)
		require.NotEmpty(t, f.backlog.Comments(id))

		count := gittest.Run(t, f.repo, "rev-list", "--count", "main.."+BranchFor(id))
		assert.Equal(t, "1", count, "one commit on %s", BranchFor(id))

		_, err := os.Stat(f.worktrees.PathFor(id))
		assert.True(t, os.IsNotExist(err), "worktree for %s removed on success", id)
	}

	assert.Equal(t, []MessageType{
		MsgTaskAssigned, MsgTaskCompleted,
		MsgTaskAssigned, MsgTaskCompleted,
	}, typesOf(f.stdout.messages(), MsgHeartbeat))
	assert.Contains(t, f.stderr.buf.String(), "✓ task T-1 completed")
}

func TestWorker_StatusFromToolCalls(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	w := f.worker(WorkerConfig{}, editRunner("a.go", "package a\n"), nil)
	require.NoError(t, w.Run(context.Background()))

	var statuses []string
	for _, m := range f.stdout.messages() {
		if m.Type == MsgStatus {
			statuses = append(statuses, m.Message)
			assert.Equal(t, "T-1", m.TaskID)
		}
	}
	assert.Contains(t, statuses, "Editing a.go")
}

func TestWorker_RunnerFailureReturnsTaskToBacklog(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"}, models.Task{ID: "T-2", Title: "y"})
	runner := funcRunner(func(context.Context, Request) (*Result, error) {
		return &Result{Success: false, ExitCode: 2, Error: "model refused"}, nil
	})
	w := f.worker(WorkerConfig{}, runner, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTaskFailed))

	task := f.backlog.Task("T-1")
	assert.Equal(t, models.TaskStatusBacklog, task.Status)
	assert.Empty(t, task.Assignee)
	comments := f.backlog.Comments("T-1")
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "model refused")

	assert.Equal(t, models.TaskStatusBacklog, f.backlog.Task("T-2").Status, "worker stops after a failure")

	_, statErr := os.Stat(f.worktrees.PathFor("T-1"))
	assert.NoError(t, statErr, "worktree retained on failure")

	types := typesOf(f.stdout.messages(), MsgHeartbeat)
	assert.Equal(t, []MessageType{MsgTaskAssigned, MsgTaskFailed}, types)
}

func TestWorker_FailureRemovesWorktreeWhenPolicySaysSo(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	runner := funcRunner(func(context.Context, Request) (*Result, error) {
		return nil, errors.New("spawn failed")
	})
	w := f.worker(WorkerConfig{Cleanup: models.CleanupAuto}, runner, nil)

	require.Error(t, w.Run(context.Background()))
	_, err := os.Stat(f.worktrees.PathFor("T-1"))
	assert.True(t, os.IsNotExist(err))
}

func TestWorker_NoChangesIsFailure(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	runner := funcRunner(func(context.Context, Request) (*Result, error) {
		return &Result{Success: true}, nil
	})
	w := f.worker(WorkerConfig{}, runner, nil)

	err := w.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no changes")
	assert.Equal(t, models.TaskStatusBacklog, f.backlog.Task("T-1").Status)
}

func TestWorker_ConflictBlocksTask(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	runner := funcRunner(func(ctx context.Context, req Request) (*Result, error) {
		// The base branch moves on while the agent works on the same file.
		gittest.WriteFile(t, f.repo, "README.md", "# changed on main\n")
		gittest.Commit(t, f.repo, "main edit")
		return editRunner("README.md", "# changed by agent\n")(ctx, req)
	})
	w := f.worker(WorkerConfig{}, runner, nil)

	require.NoError(t, w.Run(context.Background()), "a blocked task does not stop the worker")

	assert.Equal(t, models.TaskStatusBlocked, f.backlog.Task("T-1").Status)
	comments := f.backlog.Comments("T-1")
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "README.md")

	_, err := os.Stat(f.worktrees.PathFor("T-1"))
	assert.NoError(t, err, "worktree kept for manual resolution")

	types := typesOf(f.stdout.messages(), MsgHeartbeat)
	assert.Equal(t, []MessageType{MsgTaskAssigned, MsgTaskBlocked}, types)
	assert.Contains(t, f.stderr.buf.String(), "README.md")
}

func TestWorker_OverlapThatRebasesCleanlyCompletes(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	original := strings.Join(lines, "\n") + "\n"
	gittest.WriteFile(t, f.repo, "big.txt", original)
	gittest.Commit(t, f.repo, "add big.txt")

	runner := funcRunner(func(ctx context.Context, req Request) (*Result, error) {
		gittest.WriteFile(t, f.repo, "big.txt", strings.Replace(original, "line 1\n", "line one\n", 1))
		gittest.Commit(t, f.repo, "main edits the top")
		return editRunner("big.txt", strings.Replace(original, "line 20\n", "line twenty\n", 1))(ctx, req)
	})
	w := f.worker(WorkerConfig{}, runner, nil)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, models.TaskStatusDone, f.backlog.Task("T-1").Status)
	assert.Contains(t, f.stderr.buf.String(), "big.txt")

	_, err := gittest.Try(f.repo, "merge-base", "--is-ancestor", "main", BranchFor("T-1"))
	assert.NoError(t, err, "task branch rebased onto main")

	types := typesOf(f.stdout.messages(), MsgHeartbeat)
	assert.Equal(t, []MessageType{MsgTaskAssigned, MsgTaskCompleted}, types)
}

func TestWorker_RebasesOntoAdvancedBase(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	runner := funcRunner(func(ctx context.Context, req Request) (*Result, error) {
		gittest.WriteFile(t, f.repo, "other.txt", "main\n")
		gittest.Commit(t, f.repo, "unrelated main edit")
		return editRunner("feature.txt", "agent\n")(ctx, req)
	})
	w := f.worker(WorkerConfig{}, runner, nil)

	require.NoError(t, w.Run(context.Background()))
	assert.Equal(t, models.TaskStatusDone, f.backlog.Task("T-1").Status)

	_, err := gittest.Try(f.repo, "merge-base", "--is-ancestor", "main", BranchFor("T-1"))
	assert.NoError(t, err, "task branch rebased onto main")
}

func TestWorker_PushesAndOpensPullRequest(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "Add feature", Description: "details"})
	bare := t.TempDir()
	gittest.Run(t, bare, "init", "-q", "--bare")
	gittest.Run(t, f.repo, "remote", "add", "origin", bare)
	gittest.Run(t, f.repo, "push", "-q", "origin", "main")

	pr := &fakeForge{}
	w := f.worker(WorkerConfig{Remote: "origin"}, editRunner("feature.txt", "x\n"), pr)
	require.NoError(t, w.Run(context.Background()))

	require.Len(t, pr.prs, 1)
	assert.Equal(t, "Add feature", pr.prs[0].Title)
	assert.Equal(t, BranchFor("T-1"), pr.prs[0].Head)
	assert.Equal(t, "main", pr.prs[0].Base)
	assert.Contains(t, pr.prs[0].Body, "details")

	gittest.Run(t, bare, "rev-parse", "--verify", "refs/heads/"+BranchFor("T-1"))

	comments := f.backlog.Comments("T-1")
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "https://example.com/pr/1")
}

func TestWorker_UnavailableForgeDegrades(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	bare := t.TempDir()
	gittest.Run(t, bare, "init", "-q", "--bare")
	gittest.Run(t, f.repo, "remote", "add", "origin", bare)
	gittest.Run(t, f.repo, "push", "-q", "origin", "main")

	pr := &fakeForge{availErr: forge.ErrUnavailable}
	w := f.worker(WorkerConfig{Remote: "origin"}, editRunner("feature.txt", "x\n"), pr)
	require.NoError(t, w.Run(context.Background()))

	assert.Empty(t, pr.prs)
	assert.Equal(t, models.TaskStatusDone, f.backlog.Task("T-1").Status)
	assert.Contains(t, f.stderr.buf.String(), "skipping pull request")
}

func TestWorker_NoTasks(t *testing.T) {
	f := newWorkerFixture(t)
	w := f.worker(WorkerConfig{}, editRunner("x", "x"), nil)
	require.NoError(t, w.Run(context.Background()))
	assert.Empty(t, typesOf(f.stdout.messages(), MsgHeartbeat))
}

func TestWorker_HeartbeatsCarryCurrentTask(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	runner := funcRunner(func(ctx context.Context, req Request) (*Result, error) {
		time.Sleep(100 * time.Millisecond)
		return editRunner("slow.txt", "x\n")(ctx, req)
	})
	w := f.worker(WorkerConfig{HeartbeatInterval: 10 * time.Millisecond}, runner, nil)
	require.NoError(t, w.Run(context.Background()))

	withTask := 0
	for _, m := range f.stdout.messages() {
		if m.Type == MsgHeartbeat {
			assert.Equal(t, "agent-1", m.AgentID)
			if m.TaskID == "T-1" {
				withTask++
			}
		}
	}
	assert.GreaterOrEqual(t, withTask, 2)
}

func TestWorker_CancelledContext(t *testing.T) {
	f := newWorkerFixture(t, models.Task{ID: "T-1", Title: "x"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := f.worker(WorkerConfig{}, editRunner("x", "x"), nil)
	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.TaskStatusBacklog, f.backlog.Task("T-1").Status, "nothing claimed")
}
