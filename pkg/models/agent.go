package models

import "time"

// AgentStatus represents the lifecycle state of a worker process.
type AgentStatus string

const (
	// AgentStatusIdle indicates the agent is alive but has no task.
	AgentStatusIdle AgentStatus = "IDLE"
	// AgentStatusWorking indicates the agent is executing a task.
	AgentStatusWorking AgentStatus = "WORKING"
	// AgentStatusCompleted indicates the process exited successfully.
	AgentStatusCompleted AgentStatus = "COMPLETED"
	// AgentStatusFailed indicates the process failed, went stale or was killed.
	AgentStatusFailed AgentStatus = "FAILED"
)

// Valid returns true if the status is a known value.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusWorking, AgentStatusCompleted, AgentStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true once the agent can no longer change state.
func (s AgentStatus) Terminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed
}

// AgentRecord is the pool's view of one live worker process.
type AgentRecord struct {
	// ID is the opaque identifier generated at spawn.
	ID string `json:"id"`
	// PID is the OS process id (also the process group id).
	PID int `json:"pid,omitempty"`
	// Status is the current lifecycle state.
	Status AgentStatus `json:"status"`
	// TaskID is the task the agent is working on, empty when idle.
	TaskID string `json:"task_id,omitempty"`
	// Completed counts tasks the agent reported as completed.
	Completed int `json:"completed"`
	// Failed counts tasks the agent reported as failed.
	Failed int `json:"failed"`
	// LastHeartbeat is when the agent last reported liveness.
	LastHeartbeat time.Time `json:"last_heartbeat"`
	// StartedAt is when the process was launched.
	StartedAt time.Time `json:"started_at"`
}
