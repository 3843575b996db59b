package orchestrator

import (
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventStarted indicates a run has passed pre-flight and is spawning agents.
	EventStarted EventType = "started"
	// EventAgentSpawned indicates a worker process was launched.
	EventAgentSpawned EventType = "agent:spawned"
	// EventAgentStale indicates an agent stopped heartbeating and was killed.
	EventAgentStale EventType = "agent:stale"
	// EventAgentCompleted indicates a worker exited with status zero.
	EventAgentCompleted EventType = "agent:completed"
	// EventAgentFailed indicates a worker exited with a non-zero status.
	EventAgentFailed EventType = "agent:failed"
	// EventAgentStopped indicates a worker was killed on request.
	EventAgentStopped EventType = "agent:stopped"
	// EventAgentOutput carries one filtered output or status line from a worker.
	EventAgentOutput EventType = "agent:output"
	// EventTaskAssigned indicates a worker claimed a task.
	EventTaskAssigned EventType = "task:assigned"
	// EventTaskCompleted indicates a task was integrated.
	EventTaskCompleted EventType = "task:completed"
	// EventTaskFailed indicates a task failed and went back to the backlog.
	EventTaskFailed EventType = "task:failed"
	// EventTaskBlocked indicates a task needs manual conflict resolution.
	EventTaskBlocked EventType = "task:blocked"
	// EventWarning reports a degraded but non-fatal condition.
	EventWarning EventType = "warning"
	// EventStopped indicates the run finished and cleanup is done.
	EventStopped EventType = "stopped"
	// EventError reports a run-level error.
	EventError EventType = "error"
)

// AgentTerminal reports whether t ends an agent's lifecycle. Each agent
// produces exactly one of these.
func (t EventType) AgentTerminal() bool {
	switch t {
	case EventAgentStale, EventAgentCompleted, EventAgentFailed, EventAgentStopped:
		return true
	default:
		return false
	}
}

// Event is one lifecycle notification.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// AgentID is the ID of the related agent, if applicable.
	AgentID string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// TaskTitle is set on task:assigned.
	TaskTitle string
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// ExitCode is the worker's exit status on agent terminal events.
	ExitCode int
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// Observer receives events synchronously on the goroutine that produced
// them. Implementations must not block for long.
type Observer interface {
	OnEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnEvent calls f.
func (f ObserverFunc) OnEvent(e Event) {
	f(e)
}
