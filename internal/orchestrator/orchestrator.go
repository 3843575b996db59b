package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/backlog"
	iexec "github.com/ShayCichocki/crew/internal/exec"
	"github.com/ShayCichocki/crew/internal/filelock"
	"github.com/ShayCichocki/crew/internal/forge"
	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	// ErrAlreadyRunning is returned by Start when a run is in progress in
	// this process or another one on the same project.
	ErrAlreadyRunning = errors.New("orchestrator is already running")
	// ErrGitMissing aborts a run before any agent is spawned.
	ErrGitMissing = errors.New("git not found on PATH")
)

// DefaultPollInterval is the quiescence wait tick.
const DefaultPollInterval = 500 * time.Millisecond

// bookkeepingTimeout bounds backlog writes made while reacting to events.
const bookkeepingTimeout = 10 * time.Second

// LockPath is the file locked for the duration of a run.
func LockPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".crew", "orchestrator.lock")
}

// Config contains the settings for one orchestrator.
type Config struct {
	ProjectRoot string
	// SprintID pins the run to a sprint. Empty means the active sprint, or
	// the whole backlog when none is active.
	SprintID          string
	MaxAgents         int
	BaseBranch        string
	Remote            string
	Model             string
	Provider          string
	APIKey            string
	Cleanup           models.CleanupPolicy
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	// WorktreeDir is the worktree root, relative to ProjectRoot unless absolute.
	WorktreeDir string
	// WatchSignals enables the .crew/signals/stop watcher.
	WatchSignals bool
	// WorkerEnv holds extra KEY=VALUE entries for every worker.
	WorkerEnv []string
}

// ForgeChecker reports whether pull requests can be opened.
type ForgeChecker interface {
	Available(ctx context.Context) error
}

// Summary reports a run's progress. It is valid at any point during a run.
type Summary struct {
	Scope          string
	TasksAvailable int
	ActiveAgents   int
	AgentsSpawned  int
	TasksCompleted int
	// TasksFailed includes tasks returned to the backlog after their agent
	// crashed, went stale or was stopped.
	TasksFailed    int
	TasksBlocked   int
	TasksProcessed int
	StaleAgents    int
	Stopped        bool
}

// Orchestrator drives one run: scope resolution, pre-flight, spawning the
// pool, waiting for it to drain and cleaning up.
type Orchestrator struct {
	cfg       Config
	poolCfg   PoolConfig
	backlog   backlog.Backlog
	exec      iexec.CommandRunner
	forge     ForgeChecker
	worktrees agent.WorktreeProvider
	logger    *DebugLogger
	emitter   *EventEmitter
	out       io.Writer

	obsMu     sync.RWMutex
	observers []Observer

	mu       sync.Mutex
	running  bool
	stopped  bool
	stopCh   chan struct{}
	pool     *AgentPool
	scope    backlog.Scope
	tasks    int
	returned int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithExecRunner sets the command runner used for pre-flight lookups.
func WithExecRunner(r iexec.CommandRunner) Option {
	return func(o *Orchestrator) { o.exec = r }
}

// WithForgeChecker overrides the gh availability check.
func WithForgeChecker(f ForgeChecker) Option {
	return func(o *Orchestrator) { o.forge = f }
}

// WithWorktrees sets the worktree manager used for cleanup.
func WithWorktrees(w agent.WorktreeProvider) Option {
	return func(o *Orchestrator) { o.worktrees = w }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithEventEmitter attaches a channel-based event consumer.
func WithEventEmitter(e *EventEmitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithOutput sets where pre-flight and warning lines are printed.
func WithOutput(w io.Writer) Option {
	return func(o *Orchestrator) { o.out = w }
}

// New creates an Orchestrator. poolCfg is used for the pool each run creates.
func New(cfg Config, b backlog.Backlog, poolCfg PoolConfig, opts ...Option) *Orchestrator {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Cleanup == "" {
		cfg.Cleanup = models.DefaultCleanupPolicy
	}
	o := &Orchestrator{
		cfg:     cfg,
		poolCfg: poolCfg,
		backlog: b,
		out:     os.Stderr,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.exec == nil {
		o.exec = iexec.NewRunner()
	}
	if o.forge == nil {
		o.forge = forge.NewClient(o.exec, nil, cfg.ProjectRoot)
	}
	if o.poolCfg.Logger == nil {
		o.poolCfg.Logger = o.logger
	}
	return o
}

// Subscribe registers an observer for every run event.
func (o *Orchestrator) Subscribe(obs Observer) {
	o.obsMu.Lock()
	defer o.obsMu.Unlock()
	o.observers = append(o.observers, obs)
}

func (o *Orchestrator) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	o.obsMu.RLock()
	observers := append([]Observer(nil), o.observers...)
	o.obsMu.RUnlock()
	for _, obs := range observers {
		obs.OnEvent(e)
	}
	if o.emitter != nil {
		o.emitter.Emit(e)
	}
}

func (o *Orchestrator) warn(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	color.New(color.FgYellow).Fprintf(o.out, "⚠ %s\n", msg)
	o.logger.Log("warning: %s", msg)
	o.emit(Event{Type: EventWarning, Message: msg})
}

// Start runs until every agent has exited or Stop is called, and returns
// only after all worker processes are gone and cleanup has run.
func (o *Orchestrator) Start(ctx context.Context) (*Summary, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.running = true
	o.stopped = false
	o.stopCh = make(chan struct{})
	o.pool = nil
	o.tasks = 0
	o.returned = 0
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	lock := filelock.New(LockPath(o.cfg.ProjectRoot))
	if err := lock.TryLock(); err != nil {
		if errors.Is(err, filelock.ErrLocked) {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("acquire orchestrator lock: %w", err)
	}
	defer lock.Unlock()

	o.logger.Log("Start() project=%s", o.cfg.ProjectRoot)

	scope := o.resolveScope(ctx)
	tasks, err := o.backlog.ListAvailableTasks(ctx, scope)
	if err != nil {
		log.Printf("[orchestrator] list tasks in %s: %v", scope, err)
		o.logger.Log("backlog unavailable, continuing with no tasks: %v", err)
		tasks = nil
	}
	o.mu.Lock()
	o.scope = scope
	o.tasks = len(tasks)
	o.mu.Unlock()

	if len(tasks) == 0 {
		o.logger.Log("no available tasks in %s", scope)
		summary := o.Summary()
		return &summary, nil
	}

	if err := o.preflight(ctx); err != nil {
		o.emit(Event{Type: EventError, Error: err, Message: "pre-flight failed"})
		return nil, err
	}

	pool, err := NewAgentPool(o.poolCfg)
	if err != nil {
		o.emit(Event{Type: EventError, Error: err})
		return nil, err
	}
	pool.Subscribe(ObserverFunc(o.handlePoolEvent))
	o.mu.Lock()
	o.pool = pool
	o.mu.Unlock()

	if o.cfg.WatchSignals {
		watcher, err := NewSignalWatcher(o.cfg.ProjectRoot, func() {
			log.Printf("[orchestrator] stop signal file detected")
			o.Stop()
		})
		if err != nil {
			o.warn("stop-signal watcher unavailable: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	o.run(ctx, pool, scope, len(tasks))
	o.cleanup(pool)

	summary := o.Summary()
	o.logger.Log("run finished: %+v", summary)
	o.emit(Event{Type: EventStopped, Message: fmt.Sprintf("%d completed, %d failed, %d blocked",
		summary.TasksCompleted, summary.TasksFailed, summary.TasksBlocked)})
	return &summary, nil
}

// resolveScope picks the sprint flag, then the active sprint, then the
// whole backlog.
func (o *Orchestrator) resolveScope(ctx context.Context) backlog.Scope {
	if o.cfg.SprintID != "" {
		return backlog.Scope{SprintID: o.cfg.SprintID}
	}
	sprint, err := o.backlog.ActiveSprint(ctx)
	if err != nil {
		log.Printf("[orchestrator] active sprint lookup failed, using entire backlog: %v", err)
		return backlog.Scope{}
	}
	if sprint == nil {
		return backlog.Scope{}
	}
	return backlog.Scope{SprintID: sprint.ID}
}

// run spawns the agents and waits for the pool to drain.
func (o *Orchestrator) run(ctx context.Context, pool *AgentPool, scope backlog.Scope, taskCount int) {
	n := o.cfg.MaxAgents
	if taskCount < n {
		n = taskCount
	}
	o.emit(Event{Type: EventStarted, Message: fmt.Sprintf("%d task(s) in %s, %d agent(s)", taskCount, scope, n)})

	agentCfg := AgentConfig{
		ProjectRoot:       o.cfg.ProjectRoot,
		SprintID:          scope.SprintID,
		BaseBranch:        o.cfg.BaseBranch,
		Remote:            o.cfg.Remote,
		Model:             o.cfg.Model,
		Provider:          o.cfg.Provider,
		Cleanup:           o.cfg.Cleanup,
		HeartbeatInterval: o.cfg.HeartbeatInterval,
		APIKey:            o.cfg.APIKey,
		Env:               o.cfg.WorkerEnv,
	}
	for i := 0; i < n; i++ {
		if o.isStopped() || ctx.Err() != nil {
			break
		}
		if _, err := pool.Spawn(ctx, agentCfg); err != nil {
			log.Printf("[orchestrator] spawn agent %d/%d: %v", i+1, n, err)
			o.emit(Event{Type: EventError, Error: err, Message: "spawn failed"})
		}
	}

	o.waitForQuiescence(ctx, pool)
}

// waitForQuiescence polls until no agent is live, Stop is called or ctx ends.
func (o *Orchestrator) waitForQuiescence(ctx context.Context, pool *AgentPool) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if pool.ActiveCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			o.logger.Log("context done: %v", ctx.Err())
			o.Stop()
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// cleanup terminates the pool and applies the worktree policy.
func (o *Orchestrator) cleanup(pool *AgentPool) {
	pool.Shutdown()

	wt := o.worktrees
	if wt == nil && o.cfg.Cleanup != models.CleanupManual {
		m, err := agent.NewWorktreeManager(o.cfg.WorktreeDir, o.cfg.ProjectRoot, o.cfg.BaseBranch)
		if err != nil {
			log.Printf("[orchestrator] worktree cleanup skipped: %v", err)
			return
		}
		wt = m
	}

	switch o.cfg.Cleanup {
	case models.CleanupAuto:
		removed, err := wt.RemoveAll()
		if err != nil {
			log.Printf("[orchestrator] remove worktrees: %v", err)
		}
		o.logger.Log("cleanup: removed %d worktrees", len(removed))
		if err := wt.Prune(); err != nil {
			log.Printf("[orchestrator] prune worktrees: %v", err)
		}
	case models.CleanupRetainOnFailure:
		if err := wt.Prune(); err != nil {
			log.Printf("[orchestrator] prune worktrees: %v", err)
		}
	case models.CleanupManual:
	}
}

// handlePoolEvent forwards pool events and returns tasks held by agents
// that died without reporting an outcome.
func (o *Orchestrator) handlePoolEvent(e Event) {
	o.emit(e)

	if !e.Type.AgentTerminal() || e.Type == EventAgentCompleted || e.TaskID == "" {
		return
	}

	var reason string
	switch e.Type {
	case EventAgentStale:
		reason = fmt.Sprintf("Agent %s stopped sending heartbeats and was killed; task returned to backlog.", e.AgentID)
	case EventAgentStopped:
		reason = fmt.Sprintf("Run stopped while agent %s was working on this task; task returned to backlog.", e.AgentID)
	default:
		reason = fmt.Sprintf("Agent %s exited with status %d while working on this task; task returned to backlog.", e.AgentID, e.ExitCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()
	if err := o.backlog.UpdateTaskStatus(ctx, e.TaskID, models.TaskStatusBacklog); err != nil {
		log.Printf("[orchestrator] return task %s to backlog: %v", e.TaskID, err)
		return
	}
	if err := o.backlog.AddTaskComment(ctx, e.TaskID, reason); err != nil {
		log.Printf("[orchestrator] comment on task %s: %v", e.TaskID, err)
	}
	o.mu.Lock()
	o.returned++
	o.mu.Unlock()
	o.logger.Log("returned task %s: %s", e.TaskID, reason)
}

func (o *Orchestrator) isStopped() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

// Stop ends the current run. In-flight agents are killed by Start's
// cleanup. Calling Stop more than once, or when no run is active, is a no-op.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running || o.stopped {
		return nil
	}
	o.stopped = true
	close(o.stopCh)
	o.logger.Log("Stop() requested")
	return nil
}

// Summary returns the current counts.
func (o *Orchestrator) Summary() Summary {
	o.mu.Lock()
	pool := o.pool
	s := Summary{
		Scope:          o.scope.String(),
		TasksAvailable: o.tasks,
		Stopped:        o.stopped,
		TasksFailed:    o.returned,
	}
	o.mu.Unlock()

	if pool != nil {
		stats := pool.Stats()
		s.ActiveAgents = pool.ActiveCount()
		s.AgentsSpawned = stats.Spawned
		s.TasksCompleted = stats.TasksCompleted
		s.TasksFailed += stats.TasksFailed
		s.TasksBlocked = stats.TasksBlocked
		s.StaleAgents = stats.Stale
	}
	s.TasksProcessed = s.TasksCompleted + s.TasksFailed + s.TasksBlocked
	return s
}
