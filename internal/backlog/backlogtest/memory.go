// Package backlogtest provides an in-memory backlog for tests.
package backlogtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ShayCichocki/crew/internal/backlog"
	"github.com/ShayCichocki/crew/pkg/models"
)

// Memory implements backlog.Backlog in memory with the same tier and claim
// rules as the SQLite store.
type Memory struct {
	mu       sync.Mutex
	tasks    map[string]*models.Task
	comments map[string][]string
	sprint   *models.Sprint

	// ListErr, when set, is returned by ListAvailableTasks.
	ListErr error
}

// NewMemory returns a backlog holding tasks.
func NewMemory(tasks ...models.Task) *Memory {
	m := &Memory{tasks: make(map[string]*models.Task), comments: make(map[string][]string)}
	for _, t := range tasks {
		t := t
		if t.Status == "" {
			t.Status = models.TaskStatusBacklog
		}
		m.tasks[t.ID] = &t
	}
	return m
}

// SetActiveSprint sets the sprint ActiveSprint reports.
func (m *Memory) SetActiveSprint(s *models.Sprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sprint = s
}

func (m *Memory) available(scope backlog.Scope) []models.Task {
	tier, found := 0, false
	for _, t := range m.tasks {
		if !inScope(t, scope) || t.Status.Finished() {
			continue
		}
		if !found || t.Tier < tier {
			tier, found = t.Tier, true
		}
	}
	var out []models.Task
	for _, t := range m.tasks {
		if found && inScope(t, scope) && t.Tier == tier && t.Status == models.TaskStatusBacklog {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func inScope(t *models.Task, scope backlog.Scope) bool {
	return scope.Unscoped() || t.SprintID == scope.SprintID
}

func (m *Memory) ListAvailableTasks(_ context.Context, scope backlog.Scope) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	return m.available(scope), nil
}

func (m *Memory) ClaimTask(_ context.Context, scope backlog.Scope, agentID string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidates := m.available(scope)
	if len(candidates) == 0 {
		return nil, backlog.ErrNoTask
	}
	t := m.tasks[candidates[0].ID]
	t.Status = models.TaskStatusInProgress
	t.Assignee = agentID
	claimed := *t
	return &claimed, nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, id string, status models.TaskStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, backlog.ErrNotFound)
	}
	t.Status = status
	if status == models.TaskStatusBacklog {
		t.Assignee = ""
	}
	return nil
}

func (m *Memory) AddTaskComment(_ context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return fmt.Errorf("task %s: %w", id, backlog.ErrNotFound)
	}
	m.comments[id] = append(m.comments[id], text)
	return nil
}

func (m *Memory) ActiveSprint(context.Context) (*models.Sprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sprint, nil
}

// Task returns a copy of the task with id.
func (m *Memory) Task(id string) models.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok {
		return *t
	}
	return models.Task{}
}

// Comments returns the comments on task id.
func (m *Memory) Comments(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.comments[id]...)
}

var _ backlog.Backlog = (*Memory)(nil)
