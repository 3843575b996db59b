package models

import "time"

// TaskStatus represents the current state of a task in the backlog.
type TaskStatus string

const (
	// TaskStatusBacklog indicates the task is available to be claimed.
	TaskStatusBacklog TaskStatus = "BACKLOG"
	// TaskStatusInProgress indicates an agent has claimed the task.
	TaskStatusInProgress TaskStatus = "IN_PROGRESS"
	// TaskStatusDone indicates the task was completed and integrated.
	TaskStatusDone TaskStatus = "DONE"
	// TaskStatusBlocked indicates the task needs manual attention (e.g. merge conflicts).
	TaskStatusBlocked TaskStatus = "BLOCKED"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusBacklog, TaskStatusInProgress, TaskStatusDone, TaskStatusBlocked:
		return true
	default:
		return false
	}
}

// Finished reports whether the task no longer needs work in the current tier.
func (s TaskStatus) Finished() bool {
	return s == TaskStatusDone
}

// Task represents a unit of work owned by the backlog service.
// The orchestration core never mutates task content, only its status.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id" yaml:"id"`
	// Title is the short description of the task.
	Title string `json:"title" yaml:"title"`
	// Description provides detailed information about the task.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// Priority orders tasks within a tier; 1 is the highest.
	Priority int `json:"priority" yaml:"priority"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status" yaml:"status,omitempty"`
	// Tier is the optional dependency tier. Lower tiers must finish first.
	Tier int `json:"tier,omitempty" yaml:"tier,omitempty"`
	// SprintID scopes the task to a sprint, empty for the unscoped backlog.
	SprintID string `json:"sprint_id,omitempty" yaml:"sprint,omitempty"`
	// Assignee is the ID of the agent that claimed the task.
	Assignee string `json:"assignee,omitempty" yaml:"-"`
	// UpdatedAt is when the task status last changed.
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// Sprint groups tasks into a unit of work.
type Sprint struct {
	ID     string `json:"id" yaml:"id"`
	Name   string `json:"name" yaml:"name"`
	Active bool   `json:"active" yaml:"active"`
}
