package backlog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/crew/pkg/models"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenProject(filepath.Join(t.TempDir(), "backlog", "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func addTask(t *testing.T, db *DB, id string, tier, priority int, sprint string) {
	t.Helper()
	require.NoError(t, db.CreateTask(context.Background(), &models.Task{
		ID: id, Title: "task " + id, Tier: tier, Priority: priority, SprintID: sprint,
	}))
}

func ids(tasks []models.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestMigrate_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, db.Migrate())
	require.NoError(t, db.Migrate())
}

func TestListAvailableTasks_LowestUnfinishedTier(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addTask(t, db, "b", 0, 2, "")
	addTask(t, db, "a", 0, 2, "")
	addTask(t, db, "c", 0, 1, "")
	addTask(t, db, "d", 1, 1, "")

	tasks, err := db.ListAvailableTasks(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids(tasks), "priority then id within tier 0")

	// An in-progress task still holds back the next tier.
	require.NoError(t, db.UpdateTaskStatus(ctx, "a", models.TaskStatusDone))
	require.NoError(t, db.UpdateTaskStatus(ctx, "b", models.TaskStatusDone))
	require.NoError(t, db.UpdateTaskStatus(ctx, "c", models.TaskStatusInProgress))
	tasks, err = db.ListAvailableTasks(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, db.UpdateTaskStatus(ctx, "c", models.TaskStatusDone))
	tasks, err = db.ListAvailableTasks(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, []string{"d"}, ids(tasks))

	require.NoError(t, db.UpdateTaskStatus(ctx, "d", models.TaskStatusDone))
	tasks, err = db.ListAvailableTasks(ctx, Scope{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestListAvailableTasks_SprintScope(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addTask(t, db, "s1-a", 0, 1, "s1")
	addTask(t, db, "s2-a", 0, 1, "s2")
	addTask(t, db, "loose", 0, 1, "")

	tasks, err := db.ListAvailableTasks(ctx, Scope{SprintID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1-a"}, ids(tasks))

	tasks, err = db.ListAvailableTasks(ctx, Scope{})
	require.NoError(t, err)
	assert.Len(t, tasks, 3)
}

func TestClaimTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addTask(t, db, "T-1", 0, 1, "")
	addTask(t, db, "T-2", 0, 2, "")

	first, err := db.ClaimTask(ctx, Scope{}, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "T-1", first.ID)
	assert.Equal(t, models.TaskStatusInProgress, first.Status)
	assert.Equal(t, "agent-1", first.Assignee)

	second, err := db.ClaimTask(ctx, Scope{}, "agent-2")
	require.NoError(t, err)
	assert.Equal(t, "T-2", second.ID)

	_, err = db.ClaimTask(ctx, Scope{}, "agent-3")
	assert.ErrorIs(t, err, ErrNoTask)

	stored, err := db.GetTask(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", stored.Assignee)
}

func TestClaimTask_ConcurrentHandlesNeverShareTask(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	seed, err := OpenProject(path)
	require.NoError(t, err)
	defer seed.Close()
	for i := 0; i < 20; i++ {
		addTask(t, seed, fmt.Sprintf("T-%02d", i), 0, 1, "")
	}

	const workers = 5
	var (
		mu      sync.Mutex
		claimed = map[string]string{}
		wg      sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			// Separate handles behave like separate worker processes.
			db, err := Open(path)
			if err != nil {
				t.Errorf("open: %v", err)
				return
			}
			defer db.Close()
			for {
				task, err := db.ClaimTask(context.Background(), Scope{}, agent)
				if err != nil {
					return
				}
				mu.Lock()
				if prev, ok := claimed[task.ID]; ok {
					t.Errorf("task %s claimed by %s and %s", task.ID, prev, agent)
				}
				claimed[task.ID] = agent
				mu.Unlock()
			}
		}(fmt.Sprintf("agent-%d", w))
	}
	wg.Wait()
	assert.Len(t, claimed, 20)
}

func TestUpdateTaskStatus(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addTask(t, db, "T-1", 0, 1, "")

	_, err := db.ClaimTask(ctx, Scope{}, "agent-1")
	require.NoError(t, err)
	require.NoError(t, db.UpdateTaskStatus(ctx, "T-1", models.TaskStatusBacklog))

	task, err := db.GetTask(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBacklog, task.Status)
	assert.Empty(t, task.Assignee, "returning to backlog releases ownership")

	assert.ErrorIs(t, db.UpdateTaskStatus(ctx, "missing", models.TaskStatusDone), ErrNotFound)
	assert.Error(t, db.UpdateTaskStatus(ctx, "T-1", models.TaskStatus("NOPE")))

	_, err = db.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestComments(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addTask(t, db, "T-1", 0, 1, "")

	require.NoError(t, db.AddTaskComment(ctx, "T-1", "first"))
	require.NoError(t, db.AddTaskComment(ctx, "T-1", "second"))
	comments, err := db.Comments(ctx, "T-1")
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "first", comments[0].Body)
	assert.Equal(t, "second", comments[1].Body)

	assert.ErrorIs(t, db.AddTaskComment(ctx, "missing", "x"), ErrNotFound)
}

func TestActiveSprint(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	s, err := db.ActiveSprint(ctx)
	require.NoError(t, err)
	assert.Nil(t, s)

	require.NoError(t, db.CreateSprint(ctx, &models.Sprint{ID: "s1", Name: "One", Active: true}))
	require.NoError(t, db.CreateSprint(ctx, &models.Sprint{ID: "s2", Name: "Two"}))
	s, err = db.ActiveSprint(ctx)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, "s1", s.ID)

	require.NoError(t, db.ActivateSprint(ctx, "s2"))
	s, err = db.ActiveSprint(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s2", s.ID)

	assert.ErrorIs(t, db.ActivateSprint(ctx, "nope"), ErrNotFound)
}

func TestStatusCounts(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	addTask(t, db, "a", 0, 1, "")
	addTask(t, db, "b", 0, 1, "")
	addTask(t, db, "c", 0, 1, "")
	require.NoError(t, db.UpdateTaskStatus(ctx, "c", models.TaskStatusBlocked))

	counts, err := db.StatusCounts(ctx, Scope{})
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.TaskStatusBacklog])
	assert.Equal(t, 1, counts[models.TaskStatusBlocked])
	assert.Zero(t, counts[models.TaskStatusDone])
}

func TestImport(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	doc := `
sprints:
  - id: s1
    name: First sprint
    active: true
tasks:
  - id: T-1
    title: Add login endpoint
    priority: 1
    sprint: s1
  - id: T-2
    title: Write docs
    tier: 1
    sprint: s1
`
	res, err := db.Import(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sprints)
	assert.Equal(t, 2, res.Tasks)

	sprint, err := db.ActiveSprint(ctx)
	require.NoError(t, err)
	require.NotNil(t, sprint)
	assert.Equal(t, "First sprint", sprint.Name)

	t2, err := db.GetTask(ctx, "T-2")
	require.NoError(t, err)
	assert.Equal(t, defaultPriority, t2.Priority)
	assert.Equal(t, 1, t2.Tier)
	assert.Equal(t, models.TaskStatusBacklog, t2.Status)

	// Re-import keeps runtime status.
	require.NoError(t, db.UpdateTaskStatus(ctx, "T-1", models.TaskStatusDone))
	_, err = db.Import(ctx, strings.NewReader(doc))
	require.NoError(t, err)
	t1, err := db.GetTask(ctx, "T-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, t1.Status)
}

func TestImport_Rejects(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	_, err := db.Import(ctx, strings.NewReader("tasks:\n  - title: no id\n"))
	assert.Error(t, err)

	_, err = db.Import(ctx, strings.NewReader("tasks:\n  - id: X\n    title: t\n    colour: red\n"))
	assert.Error(t, err, "unknown fields are rejected")

	_, err = db.Import(ctx, strings.NewReader("tasks:\n  - id: X\n    title: t\n    status: SOMEDAY\n"))
	assert.Error(t, err)
}
