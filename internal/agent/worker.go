package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/internal/forge"
	"github.com/ShayCichocki/crew/internal/git"
	"github.com/ShayCichocki/crew/internal/merge"
	"github.com/ShayCichocki/crew/internal/ratelimit"
	"github.com/ShayCichocki/crew/pkg/models"
)

// ErrTaskFailed is returned by Worker.Run when a task failed. The task has
// already been returned to the backlog.
var ErrTaskFailed = errors.New("task failed")

// DefaultHeartbeatInterval is how often a worker reports liveness.
const DefaultHeartbeatInterval = 15 * time.Second

// bookkeepingTimeout bounds backlog updates made after the run was cancelled.
const bookkeepingTimeout = 10 * time.Second

// PullRequester opens pull requests. forge.Client implements it.
type PullRequester interface {
	Available(ctx context.Context) error
	CreatePullRequest(ctx context.Context, pr forge.PullRequest) (string, error)
}

// WorkerConfig holds the per-process settings passed by the pool.
type WorkerConfig struct {
	AgentID           string
	Scope             backlog.Scope
	BaseBranch        string
	Remote            string
	Cleanup           models.CleanupPolicy
	HeartbeatInterval time.Duration
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeBlocked
	outcomeFailed
)

// Worker claims tasks one at a time and drives each from claim to integration.
type Worker struct {
	cfg       WorkerConfig
	backlog   backlog.Backlog
	worktrees WorktreeProvider
	runner    Runner
	forge     PullRequester
	emitter   *Emitter
	out       io.Writer
	newGit    func(dir string) git.Runner

	mu          sync.Mutex
	currentTask string

	forgeOnce sync.Once
	forgeErr  error
}

// NewWorker creates a worker. forge may be nil, in which case branches are
// pushed but no pull requests are opened. out receives human-readable lines.
func NewWorker(cfg WorkerConfig, b backlog.Backlog, worktrees WorktreeProvider, runner Runner, pr PullRequester, emitter *Emitter, out io.Writer) *Worker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = models.DefaultCleanupPolicy
	}
	return &Worker{
		cfg:       cfg,
		backlog:   b,
		worktrees: worktrees,
		runner:    runner,
		forge:     pr,
		emitter:   emitter,
		out:       out,
		newGit:    func(dir string) git.Runner { return git.NewRunner(dir) },
	}
}

func (w *Worker) setCurrent(taskID string) {
	w.mu.Lock()
	w.currentTask = taskID
	w.mu.Unlock()
}

func (w *Worker) current() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentTask
}

// Run processes tasks until none are left (nil), a task fails
// (ErrTaskFailed) or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	hbCtx, stop := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(hbCtx)
	}()
	defer func() {
		stop()
		<-hbDone
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		task, err := w.backlog.ClaimTask(ctx, w.cfg.Scope, w.cfg.AgentID)
		if errors.Is(err, backlog.ErrNoTask) {
			log.Printf("[worker] %s: no claimable tasks in %s", w.cfg.AgentID, w.cfg.Scope)
			return nil
		}
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}

		w.setCurrent(task.ID)
		if err := w.emitter.Assigned(task.ID, task.Title); err != nil {
			log.Printf("[worker] emit assigned: %v", err)
		}
		result, reason := w.runTask(ctx, *task)
		w.setCurrent("")

		if result == outcomeFailed {
			return fmt.Errorf("%w: %s: %v", ErrTaskFailed, task.ID, reason)
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := w.emitter.Heartbeat(w.current()); err != nil {
			log.Printf("[worker] heartbeat: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runTask takes one claimed task through worktree, AI run, commit, conflict
// check, rebase, push and pull request.
func (w *Worker) runTask(ctx context.Context, task models.Task) (outcome, error) {
	wt, err := w.worktrees.Create(task)
	if err != nil {
		return w.fail(ctx, task, nil, fmt.Errorf("create worktree: %w", err))
	}
	if wt.Reused {
		w.status(task.ID, fmt.Sprintf("resuming previous attempt in %s", wt.Path))
	}

	res, err := w.runner.Run(ctx, Request{
		Prompt:  BuildPrompt(task, wt, w.cfg.BaseBranch),
		WorkDir: wt.Path,
		OnChunk: func(text string) { fmt.Fprintln(w.out, text) },
		OnTool:  func(action string) { w.status(task.ID, action) },
	})
	if err != nil {
		return w.fail(ctx, task, wt, fmt.Errorf("run AI: %w", err))
	}
	if !res.Success {
		return w.fail(ctx, task, wt, fmt.Errorf("AI run failed (exit %d): %s", res.ExitCode, res.Error))
	}

	g := w.newGit(wt.Path)
	if err := w.commit(g, task); err != nil {
		return w.fail(ctx, task, wt, err)
	}

	resolver := merge.NewConflictResolver(g, w.cfg.Remote)
	resolver.SetDebugLog(log.Printf)
	check, err := resolver.CheckForConflicts(ctx, w.cfg.BaseBranch)
	if err != nil {
		return w.fail(ctx, task, wt, fmt.Errorf("check for conflicts: %w", err))
	}
	if check.FetchError != nil {
		log.Printf("[worker] fetch %s failed, checked against local refs: %v", w.cfg.BaseBranch, check.FetchError)
	}
	// Overlapping files only mark a potential conflict. The task is blocked
	// when the rebase itself stops on unmerged files.
	if check.HasConflict || check.BaseAdvanced {
		if check.HasConflict {
			w.warn("%s also changed %s, attempting rebase", check.Target, strings.Join(check.ConflictingFiles, ", "))
		} else {
			fmt.Fprintln(w.out, merge.FormatDriftNotice(check))
		}
		rebase, err := resolver.AttemptRebase(ctx, w.cfg.BaseBranch)
		if err != nil {
			return w.fail(ctx, task, wt, fmt.Errorf("rebase: %w", err))
		}
		if !rebase.Success {
			if len(rebase.ConflictedFiles) > 0 {
				return w.block(ctx, task, wt, rebase.Target, rebase.ConflictedFiles)
			}
			return w.fail(ctx, task, wt, fmt.Errorf("rebase onto %s: %w", rebase.Target, rebase.Err))
		}
	}

	prURL, err := w.publish(ctx, task, wt, res.Output)
	if err != nil {
		return w.fail(ctx, task, wt, err)
	}
	return w.complete(ctx, task, wt, prURL)
}

// commit stages and commits whatever the runner left in the worktree. A run
// that changed nothing, on a branch with no earlier commits, is a failure.
func (w *Worker) commit(g git.Runner, task models.Task) error {
	changed, err := g.HasChanges()
	if err != nil {
		return fmt.Errorf("check worktree status: %w", err)
	}
	if changed {
		if err := g.Add("-A"); err != nil {
			return fmt.Errorf("stage changes: %w", err)
		}
		msg := fmt.Sprintf("%s\n\nTask: %s", task.Title, task.ID)
		if err := g.Commit(msg); err != nil {
			return fmt.Errorf("commit changes: %w", err)
		}
		return nil
	}

	ahead, err := g.RevListCount(w.cfg.BaseBranch, "HEAD")
	if err == nil && ahead == 0 {
		return errors.New("AI run produced no changes")
	}
	return nil
}

// publish pushes the branch and opens a pull request. Push failures and an
// unavailable gh degrade to a warning. An interrupted rate-limit wait is an error.
func (w *Worker) publish(ctx context.Context, task models.Task, wt *Worktree, summary string) (string, error) {
	if w.cfg.Remote == "" {
		return "", nil
	}
	g := w.newGit(wt.Path)
	if err := g.Push(w.cfg.Remote, wt.BranchName); err != nil {
		w.warn("push %s to %s failed, branch kept locally: %v", wt.BranchName, w.cfg.Remote, err)
		return "", nil
	}
	if w.forge == nil {
		return "", nil
	}

	w.forgeOnce.Do(func() { w.forgeErr = w.forge.Available(ctx) })
	if w.forgeErr != nil {
		w.warn("skipping pull request: %v", w.forgeErr)
		return "", nil
	}

	body := fmt.Sprintf("Task %s\n\n%s", task.ID, task.Description)
	if summary != "" {
		body += "\n\n## Summary\n\n" + summary
	}
	url, err := w.forge.CreatePullRequest(ctx, forge.PullRequest{
		Title: task.Title,
		Body:  strings.TrimSpace(body),
		Head:  wt.BranchName,
		Base:  w.cfg.BaseBranch,
		Dir:   wt.Path,
	})
	if err != nil {
		if errors.Is(err, ratelimit.ErrWaitInterrupted) || ctx.Err() != nil {
			return "", fmt.Errorf("open pull request: %w", err)
		}
		w.warn("pull request for %s not opened: %v", wt.BranchName, err)
		return "", nil
	}
	return url, nil
}

func (w *Worker) complete(ctx context.Context, task models.Task, wt *Worktree, prURL string) (outcome, error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err := w.backlog.UpdateTaskStatus(bctx, task.ID, models.TaskStatusDone); err != nil {
		log.Printf("[worker] mark %s done: %v", task.ID, err)
	}
	comment := fmt.Sprintf("Completed by agent %s on branch %s", w.cfg.AgentID, wt.BranchName)
	if prURL != "" {
		comment += "\nPull request: " + prURL
	}
	if err := w.backlog.AddTaskComment(bctx, task.ID, comment); err != nil {
		log.Printf("[worker] comment on %s: %v", task.ID, err)
	}
	if err := w.emitter.Completed(task.ID, comment); err != nil {
		log.Printf("[worker] emit completed: %v", err)
	}
	color.New(color.FgGreen).Fprintf(w.out, "✓ task %s completed\n", task.ID)

	if w.cfg.Cleanup.RemoveOnSuccess() {
		if err := w.worktrees.Remove(wt.Path, true); err != nil {
			log.Printf("[worker] release worktree %s: %v", wt.Path, err)
		}
	}
	return outcomeDone, nil
}

// block leaves the task for a human: BLOCKED status, the report as a
// comment, worktree kept.
func (w *Worker) block(ctx context.Context, task models.Task, wt *Worktree, target string, files []string) (outcome, error) {
	report := merge.ConflictReport{
		TaskID:       task.ID,
		Branch:       wt.BranchName,
		Target:       target,
		WorktreePath: wt.Path,
		Files:        files,
	}
	fmt.Fprintln(w.out, merge.FormatConflictReport(report))

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()
	if err := w.backlog.UpdateTaskStatus(bctx, task.ID, models.TaskStatusBlocked); err != nil {
		log.Printf("[worker] mark %s blocked: %v", task.ID, err)
	}
	if err := w.backlog.AddTaskComment(bctx, task.ID, report.CommentText()); err != nil {
		log.Printf("[worker] comment on %s: %v", task.ID, err)
	}
	if err := w.emitter.Blocked(task.ID, report.CommentText()); err != nil {
		log.Printf("[worker] emit blocked: %v", err)
	}
	return outcomeBlocked, nil
}

// fail returns the task to the backlog for a future run.
func (w *Worker) fail(ctx context.Context, task models.Task, wt *Worktree, reason error) (outcome, error) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	if err := w.backlog.UpdateTaskStatus(bctx, task.ID, models.TaskStatusBacklog); err != nil {
		log.Printf("[worker] return %s to backlog: %v", task.ID, err)
	}
	if err := w.backlog.AddTaskComment(bctx, task.ID, fmt.Sprintf("Agent %s failed: %v", w.cfg.AgentID, reason)); err != nil {
		log.Printf("[worker] comment on %s: %v", task.ID, err)
	}
	if err := w.emitter.Failed(task.ID, reason); err != nil {
		log.Printf("[worker] emit failed: %v", err)
	}
	color.New(color.FgRed).Fprintf(w.out, "✗ task %s failed: %v\n", task.ID, reason)

	if wt != nil && w.cfg.Cleanup.RemoveOnFailure() {
		if err := w.worktrees.Remove(wt.Path, true); err != nil {
			log.Printf("[worker] remove worktree %s: %v", wt.Path, err)
		}
	}
	return outcomeFailed, reason
}

func (w *Worker) status(taskID, text string) {
	if err := w.emitter.Status(taskID, text); err != nil {
		log.Printf("[worker] emit status: %v", err)
	}
}

func (w *Worker) warn(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(w.out, "⚠ "+format+"\n", args...)
}
