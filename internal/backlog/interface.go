// Package backlog is the task store the orchestrator and every worker share.
// Claims are conditional updates in SQLite, so two processes can never own
// the same task.
package backlog

import (
	"context"
	"errors"
	"io"

	"github.com/ShayCichocki/crew/pkg/models"
)

var (
	// ErrNoTask is returned by ClaimTask when nothing in scope is claimable.
	ErrNoTask = errors.New("no task available")
	// ErrNotFound is returned when a task or sprint id does not exist.
	ErrNotFound = errors.New("not found")
)

// Scope restricts queries to one sprint. The zero value is the whole backlog.
type Scope struct {
	SprintID string
}

// Unscoped reports whether the scope covers the entire backlog.
func (s Scope) Unscoped() bool {
	return s.SprintID == ""
}

func (s Scope) String() string {
	if s.Unscoped() {
		return "entire backlog"
	}
	return "sprint " + s.SprintID
}

// Backlog is what the orchestration core consumes.
type Backlog interface {
	// ListAvailableTasks returns claimable tasks in the lowest unfinished tier,
	// ordered by priority then id.
	ListAvailableTasks(ctx context.Context, scope Scope) ([]models.Task, error)
	// ClaimTask atomically moves one available task to IN_PROGRESS for agentID.
	ClaimTask(ctx context.Context, scope Scope, agentID string) (*models.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error
	AddTaskComment(ctx context.Context, id, text string) error
	// ActiveSprint returns the active sprint, or nil when none is active.
	ActiveSprint(ctx context.Context) (*models.Sprint, error)
}

// Store is the full backlog including the administrative operations the CLI uses.
type Store interface {
	io.Closer
	Backlog
	Migrate() error
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, scope Scope, statuses ...models.TaskStatus) ([]models.Task, error)
	Comments(ctx context.Context, taskID string) ([]Comment, error)
	StatusCounts(ctx context.Context, scope Scope) (map[models.TaskStatus]int, error)
	CreateSprint(ctx context.Context, s *models.Sprint) error
	ActivateSprint(ctx context.Context, id string) error
	Import(ctx context.Context, r io.Reader) (*ImportResult, error)
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Backlog = (*DB)(nil)
	_ Store   = (*DB)(nil)
)
