package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/ShayCichocki/crew/internal/agent"
	"github.com/ShayCichocki/crew/internal/config"
	"github.com/ShayCichocki/crew/internal/procgroup"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Pool defaults, overridable through PoolConfig.
const (
	DefaultStaleThreshold  = 5 * time.Minute
	DefaultMonitorInterval = 30 * time.Second
	DefaultKillGrace       = 3 * time.Second
)

// ErrPoolClosed is returned by Spawn after Shutdown.
var ErrPoolClosed = errors.New("agent pool is shut down")

// PoolConfig contains configuration options for the AgentPool.
type PoolConfig struct {
	// WorkerCommand is a shell-quoted command prefix used instead of this
	// executable. "worker" and its flags are appended to it.
	WorkerCommand   string
	StaleThreshold  time.Duration
	MonitorInterval time.Duration
	KillGrace       time.Duration
	// Killer terminates process groups. Defaults to procgroup.Default.
	Killer procgroup.Killer
	// Filter selects raw output lines forwarded as agent:output events.
	Filter *OutputFilter
	Logger *DebugLogger
	Now    func() time.Time
}

// AgentConfig is what a spawned worker needs to know.
type AgentConfig struct {
	ProjectRoot       string
	SprintID          string
	BaseBranch        string
	Remote            string
	Model             string
	Provider          string
	Cleanup           models.CleanupPolicy
	HeartbeatInterval time.Duration
	// APIKey is passed in the worker's environment as config.APIKeyEnv,
	// never in argv.
	APIKey string
	// Env holds extra KEY=VALUE entries for the worker's environment.
	Env []string
}

// PoolStats counts what the pool has seen since it was created.
type PoolStats struct {
	Spawned        int
	Completed      int
	Failed         int
	Stale          int
	Stopped        int
	TasksCompleted int
	TasksFailed    int
	TasksBlocked   int
}

type agentProc struct {
	record models.AgentRecord
	// stale and stopRequested record why the pool killed the process, so
	// the exit maps to the right terminal event.
	stale         bool
	stopRequested bool
	terminal      bool
	done          chan struct{}
}

// AgentPool owns the live worker processes and their liveness.
type AgentPool struct {
	cfg    PoolConfig
	prefix []string

	mu          sync.Mutex
	agents      map[string]*agentProc
	stats       PoolStats
	closed      bool
	monitorOnce sync.Once
	monitorStop chan struct{}

	obsMu     sync.RWMutex
	observers []Observer

	wg conc.WaitGroup
}

// NewAgentPool creates an AgentPool. The monitor starts with the first spawn.
func NewAgentPool(cfg PoolConfig) (*AgentPool, error) {
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = DefaultMonitorInterval
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = DefaultKillGrace
	}
	if cfg.Killer == nil {
		cfg.Killer = procgroup.Default
	}
	if cfg.Filter == nil {
		cfg.Filter = NewOutputFilter()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	var prefix []string
	if cfg.WorkerCommand != "" {
		words, err := shellquote.Split(cfg.WorkerCommand)
		if err != nil {
			return nil, fmt.Errorf("parse worker command: %w", err)
		}
		prefix = words
	}

	return &AgentPool{
		cfg:         cfg,
		prefix:      prefix,
		agents:      make(map[string]*agentProc),
		monitorStop: make(chan struct{}),
	}, nil
}

// Subscribe registers an observer for every event the pool emits.
func (p *AgentPool) Subscribe(o Observer) {
	p.obsMu.Lock()
	defer p.obsMu.Unlock()
	p.observers = append(p.observers, o)
}

func (p *AgentPool) emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.cfg.Now()
	}
	p.obsMu.RLock()
	observers := append([]Observer(nil), p.observers...)
	p.obsMu.RUnlock()
	for _, o := range observers {
		o.OnEvent(e)
	}
}

// workerArgv builds the worker command line. Credentials are excluded.
func (p *AgentPool) workerArgv(id string, cfg AgentConfig) ([]string, error) {
	argv := append([]string(nil), p.prefix...)
	if len(argv) == 0 {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		argv = []string{exe}
	}

	argv = append(argv, "worker", "--agent-id", id, "--project-root", cfg.ProjectRoot)
	if cfg.SprintID != "" {
		argv = append(argv, "--sprint", cfg.SprintID)
	}
	if cfg.BaseBranch != "" {
		argv = append(argv, "--base-branch", cfg.BaseBranch)
	}
	if cfg.Remote != "" {
		argv = append(argv, "--remote", cfg.Remote)
	}
	if cfg.Model != "" {
		argv = append(argv, "--model", cfg.Model)
	}
	if cfg.Provider != "" {
		argv = append(argv, "--provider", cfg.Provider)
	}
	if cfg.Cleanup != "" {
		argv = append(argv, "--cleanup", string(cfg.Cleanup))
	}
	if cfg.HeartbeatInterval > 0 {
		argv = append(argv, "--heartbeat-interval", cfg.HeartbeatInterval.String())
	}
	return argv, nil
}

func workerEnv(cfg AgentConfig) []string {
	env := os.Environ()
	if cfg.APIKey != "" {
		env = append(env, config.APIKeyEnv+"="+cfg.APIKey)
	}
	return append(env, cfg.Env...)
}

// Spawn launches a worker in its own process group and starts supervising it.
func (p *AgentPool) Spawn(ctx context.Context, cfg AgentConfig) (*models.AgentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	id := "agent-" + uuid.New().String()[:8]
	argv, err := p.workerArgv(id, cfg)
	if err != nil {
		return nil, err
	}

	now := p.cfg.Now()
	a := &agentProc{
		record: models.AgentRecord{
			ID:            id,
			Status:        models.AgentStatusIdle,
			StartedAt:     now,
			LastHeartbeat: now,
		},
		done: make(chan struct{}),
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cfg.ProjectRoot
	cmd.Env = workerEnv(cfg)
	stdout := &lineWriter{fn: func(line string) { p.handleStdout(a, line) }}
	stderr := &lineWriter{fn: func(line string) { p.handleRaw(a, line) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// Grandchildren holding the output pipes must not block Wait forever.
	cmd.WaitDelay = p.cfg.KillGrace
	procgroup.Configure(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}
	a.record.PID = cmd.Process.Pid

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.kill(a)
		_ = cmd.Wait()
		return nil, ErrPoolClosed
	}
	p.agents[id] = a
	p.stats.Spawned++
	rec := a.record
	p.monitorOnce.Do(func() { p.wg.Go(p.monitor) })
	p.wg.Go(func() { p.supervise(a, cmd, stdout, stderr) })
	p.mu.Unlock()

	p.cfg.Logger.Log("[pool] spawned %s pid=%d argv=%q", id, rec.PID, argv)
	p.emit(Event{Type: EventAgentSpawned, AgentID: id, Message: fmt.Sprintf("pid %d", rec.PID)})
	return &rec, nil
}

// supervise waits for the process and emits its terminal event. A panic is
// recovered so one agent cannot take down the orchestrator.
func (p *AgentPool) supervise(a *agentProc, cmd *exec.Cmd, outputs ...*lineWriter) {
	var pc panics.Catcher
	pc.Try(func() {
		err := cmd.Wait()
		for _, w := range outputs {
			w.Flush()
		}
		p.finish(a, exitCode(cmd, err), err)
	})
	if r := pc.Recovered(); r != nil {
		log.Printf("[pool] supervisor for %s panicked: %v", a.record.ID, r.Value)
		p.cfg.Logger.Log("[pool] supervisor for %s panicked:\n%s", a.record.ID, r.String())
		p.finish(a, -1, r.AsError())
	}
}

func exitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}

// finish records the exit and emits exactly one terminal event.
func (p *AgentPool) finish(a *agentProc, code int, waitErr error) {
	p.mu.Lock()
	if a.terminal {
		p.mu.Unlock()
		return
	}
	a.terminal = true

	ev := Event{AgentID: a.record.ID, TaskID: a.record.TaskID, ExitCode: code}
	switch {
	case a.stale:
		a.record.Status = models.AgentStatusFailed
		ev.Type = EventAgentStale
		ev.Message = fmt.Sprintf("no heartbeat for over %s", p.cfg.StaleThreshold)
		p.stats.Stale++
	case a.stopRequested:
		a.record.Status = models.AgentStatusFailed
		ev.Type = EventAgentStopped
		p.stats.Stopped++
	case code == 0:
		a.record.Status = models.AgentStatusCompleted
		ev.Type = EventAgentCompleted
		p.stats.Completed++
	default:
		a.record.Status = models.AgentStatusFailed
		ev.Type = EventAgentFailed
		ev.Error = fmt.Errorf("worker exited with status %d", code)
		if waitErr != nil && code < 0 {
			ev.Error = waitErr
		}
		p.stats.Failed++
	}
	delete(p.agents, a.record.ID)
	close(a.done)
	p.mu.Unlock()

	p.cfg.Logger.Log("[pool] %s %s exit=%d task=%q", a.record.ID, ev.Type, code, ev.TaskID)
	p.emit(ev)
}

// handleStdout decodes one protocol line. Anything that is not a protocol
// message is treated like stderr.
func (p *AgentPool) handleStdout(a *agentProc, line string) {
	d := agent.DecodeLine(line)
	if !d.IsMessage() {
		p.handleRaw(a, d.Raw)
		return
	}
	msg := d.Message

	p.mu.Lock()
	if a.terminal {
		p.mu.Unlock()
		return
	}
	// Every protocol message proves the worker is alive.
	a.record.LastHeartbeat = p.cfg.Now()

	ev := Event{AgentID: a.record.ID, TaskID: msg.TaskID}
	switch msg.Type {
	case agent.MsgHeartbeat:
		p.mu.Unlock()
		return
	case agent.MsgTaskAssigned:
		a.record.Status = models.AgentStatusWorking
		a.record.TaskID = msg.TaskID
		ev.Type = EventTaskAssigned
		ev.TaskTitle = msg.Title
	case agent.MsgTaskCompleted:
		a.record.Status = models.AgentStatusIdle
		a.record.TaskID = ""
		a.record.Completed++
		p.stats.TasksCompleted++
		ev.Type = EventTaskCompleted
		ev.Message = msg.Message
	case agent.MsgTaskFailed:
		a.record.Status = models.AgentStatusIdle
		a.record.TaskID = ""
		a.record.Failed++
		p.stats.TasksFailed++
		ev.Type = EventTaskFailed
		if msg.Error != "" {
			ev.Error = errors.New(msg.Error)
		}
	case agent.MsgTaskBlocked:
		a.record.Status = models.AgentStatusIdle
		a.record.TaskID = ""
		p.stats.TasksBlocked++
		ev.Type = EventTaskBlocked
		ev.Message = msg.Message
	case agent.MsgStatus:
		ev.Type = EventAgentOutput
		ev.Message = msg.Message
	}
	p.mu.Unlock()

	if ev.Type != EventAgentOutput {
		p.cfg.Logger.Log("[pool] %s %s task=%q", a.record.ID, ev.Type, ev.TaskID)
	}
	p.emit(ev)
}

func (p *AgentPool) handleRaw(a *agentProc, line string) {
	if !p.cfg.Filter.Keep(line) {
		return
	}
	p.mu.Lock()
	taskID := a.record.TaskID
	p.mu.Unlock()
	p.emit(Event{Type: EventAgentOutput, AgentID: a.record.ID, TaskID: taskID, Message: line})
}

// monitor checks heartbeats on a fixed interval until Shutdown.
func (p *AgentPool) monitor() {
	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.monitorStop:
			return
		case <-ticker.C:
			p.checkStale()
		}
	}
}

// checkStale kills every WORKING agent whose last heartbeat is older than
// the stale threshold.
func (p *AgentPool) checkStale() {
	now := p.cfg.Now()
	var stale []*agentProc
	var snapshots []models.AgentRecord

	p.mu.Lock()
	for _, a := range p.agents {
		if a.terminal || a.stale || a.stopRequested || a.record.Status != models.AgentStatusWorking {
			continue
		}
		if now.Sub(a.record.LastHeartbeat) > p.cfg.StaleThreshold {
			a.stale = true
			stale = append(stale, a)
			snapshots = append(snapshots, a.record)
		}
	}
	p.mu.Unlock()

	for i, a := range stale {
		rec := snapshots[i]
		log.Printf("[pool] agent %s stale (task %s), killing process group %d", rec.ID, rec.TaskID, rec.PID)
		p.cfg.Logger.Log("[pool] %s stale, last heartbeat %s", rec.ID, rec.LastHeartbeat.Format(time.RFC3339))
		p.kill(a)
	}
}

// kill terminates the agent's process group. Errors are logged only.
func (p *AgentPool) kill(a *agentProc) {
	if err := p.cfg.Killer.Terminate(a.record.PID, p.cfg.KillGrace); err != nil {
		log.Printf("[pool] kill agent %s (pid %d): %v", a.record.ID, a.record.PID, err)
	}
}

// StopAgent force-kills one agent. Unknown or already exited agents are a no-op.
func (p *AgentPool) StopAgent(id string) {
	p.mu.Lock()
	a, ok := p.agents[id]
	if !ok || a.terminal {
		p.mu.Unlock()
		return
	}
	if !a.stale {
		a.stopRequested = true
	}
	p.mu.Unlock()

	p.cfg.Logger.Log("[pool] stopping %s", id)
	p.kill(a)
}

// Shutdown kills every live agent and waits for all of them to exit. It is
// safe to call more than once.
func (p *AgentPool) Shutdown() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.monitorStop)
	}
	var live []*agentProc
	for _, a := range p.agents {
		if a.terminal {
			continue
		}
		if !a.stale {
			a.stopRequested = true
		}
		live = append(live, a)
	}
	p.mu.Unlock()

	if len(live) > 0 {
		p.cfg.Logger.Log("[pool] shutdown: killing %d agents", len(live))
	}
	var kills conc.WaitGroup
	for _, a := range live {
		a := a
		kills.Go(func() { p.kill(a) })
	}
	kills.Wait()
	p.wg.Wait()
}

// Agents returns a snapshot of the live agents ordered by start time.
func (p *AgentPool) Agents() []models.AgentRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	records := make([]models.AgentRecord, 0, len(p.agents))
	for _, a := range p.agents {
		records = append(records, a.record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return records
}

// ActiveCount returns the number of live agents.
func (p *AgentPool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.agents)
}

// Stats returns the pool counters.
func (p *AgentPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// lineWriter splits a byte stream into lines. exec.Cmd drives each one
// from a single goroutine.
type lineWriter struct {
	buf bytes.Buffer
	fn  func(line string)
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	for {
		i := bytes.IndexByte(w.buf.Bytes(), '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(w.buf.Next(i+1), "\r\n"))
		w.fn(line)
	}
	return len(b), nil
}

// Flush delivers a trailing line that had no newline.
func (w *lineWriter) Flush() {
	if w.buf.Len() > 0 {
		line := string(bytes.TrimRight(w.buf.Bytes(), "\r\n"))
		w.buf.Reset()
		w.fn(line)
	}
}
