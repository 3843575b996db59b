package backlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ShayCichocki/crew/pkg/models"
)

// DefaultPath returns the project-local backlog database path.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".crew", "backlog", "tasks.db")
}

// Comment is a note attached to a task by an agent or the orchestrator.
type Comment struct {
	ID        int64
	TaskID    string
	Body      string
	CreatedAt time.Time
}

// DB is the SQLite backlog.
type DB struct {
	conn *sql.DB
	path string
	now  func() time.Time
}

// Open opens the backlog database at path, creating parent directories.
// Every connection gets WAL mode and a busy timeout so concurrent worker
// processes queue on the write lock instead of failing.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &DB{conn: conn, path: path, now: time.Now}, nil
}

// OpenProject opens and migrates the database at path.
func OpenProject(path string) (*DB, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Sprints},
		{2, migrationV2Tasks},
		{3, migrationV3Comments},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}
		// OR IGNORE: another process may have applied the same version concurrently.
		if _, err := tx.Exec("INSERT OR IGNORE INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}
	return nil
}

const migrationV1Sprints = `
CREATE TABLE IF NOT EXISTS sprints (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	active INTEGER NOT NULL DEFAULT 0
);
`

const migrationV2Tasks = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 3,
	status TEXT NOT NULL DEFAULT 'BACKLOG',
	tier INTEGER NOT NULL DEFAULT 0,
	sprint_id TEXT NOT NULL DEFAULT '',
	assignee TEXT NOT NULL DEFAULT '',
	updated_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_sprint ON tasks(sprint_id, tier);
`

const migrationV3Comments = `
CREATE TABLE IF NOT EXISTS task_comments (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_comments_task ON task_comments(task_id);
`

const taskColumns = "id, title, description, priority, status, tier, sprint_id, assignee, updated_at"

func scanTask(s interface{ Scan(...any) error }) (*models.Task, error) {
	var t models.Task
	var status string
	if err := s.Scan(&t.ID, &t.Title, &t.Description, &t.Priority, &status, &t.Tier, &t.SprintID, &t.Assignee, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	return &t, nil
}

func scopeClause(scope Scope) (string, []any) {
	if scope.Unscoped() {
		return "1=1", nil
	}
	return "sprint_id = ?", []any{scope.SprintID}
}

// CreateTask inserts a task. An empty status is stored as BACKLOG.
func (db *DB) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" || t.Title == "" {
		return errors.New("task id and title are required")
	}
	if t.Status == "" {
		t.Status = models.TaskStatusBacklog
	}
	if !t.Status.Valid() {
		return fmt.Errorf("invalid task status %q", t.Status)
	}
	t.UpdatedAt = db.now()
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO tasks ("+taskColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		t.ID, t.Title, t.Description, t.Priority, string(t.Status), t.Tier, t.SprintID, t.Assignee, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns one task by id.
func (db *DB) GetTask(ctx context.Context, id string) (*models.Task, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns tasks in scope, optionally filtered by status, ordered by
// tier, priority and id.
func (db *DB) ListTasks(ctx context.Context, scope Scope, statuses ...models.TaskStatus) ([]models.Task, error) {
	where, args := scopeClause(scope)
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, s := range statuses {
			placeholders[i] = "?"
			args = append(args, string(s))
		}
		where += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	return db.queryTasks(ctx, "SELECT "+taskColumns+" FROM tasks WHERE "+where+" ORDER BY tier, priority, id", args...)
}

func (db *DB) queryTasks(ctx context.Context, query string, args ...any) ([]models.Task, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// currentTier returns the lowest tier in scope that still has unfinished
// tasks. ok is false when every task in scope is DONE.
func (db *DB) currentTier(ctx context.Context, scope Scope) (tier int, ok bool, err error) {
	where, args := scopeClause(scope)
	args = append(args, string(models.TaskStatusDone))
	var minTier sql.NullInt64
	row := db.conn.QueryRowContext(ctx, "SELECT MIN(tier) FROM tasks WHERE "+where+" AND status != ?", args...)
	if err := row.Scan(&minTier); err != nil {
		return 0, false, fmt.Errorf("find current tier: %w", err)
	}
	if !minTier.Valid {
		return 0, false, nil
	}
	return int(minTier.Int64), true, nil
}

// ListAvailableTasks returns BACKLOG tasks in the lowest unfinished tier.
// Tasks in higher tiers wait until every task below them is DONE.
func (db *DB) ListAvailableTasks(ctx context.Context, scope Scope) ([]models.Task, error) {
	tier, ok, err := db.currentTier(ctx, scope)
	if err != nil || !ok {
		return nil, err
	}
	where, args := scopeClause(scope)
	args = append(args, string(models.TaskStatusBacklog), tier)
	return db.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE "+where+" AND status = ? AND tier = ? ORDER BY priority, id",
		args...)
}

// ClaimTask moves the first available task to IN_PROGRESS. The update is
// conditional on the task still being BACKLOG, so a task claimed by another
// process in the meantime is skipped.
func (db *DB) ClaimTask(ctx context.Context, scope Scope, agentID string) (*models.Task, error) {
	candidates, err := db.ListAvailableTasks(ctx, scope)
	if err != nil {
		return nil, err
	}
	for _, t := range candidates {
		now := db.now()
		res, err := db.conn.ExecContext(ctx,
			"UPDATE tasks SET status = ?, assignee = ?, updated_at = ? WHERE id = ? AND status = ?",
			string(models.TaskStatusInProgress), agentID, now, t.ID, string(models.TaskStatusBacklog))
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if n == 1 {
			t.Status = models.TaskStatusInProgress
			t.Assignee = agentID
			t.UpdatedAt = now
			return &t, nil
		}
	}
	return nil, ErrNoTask
}

// UpdateTaskStatus sets a task's status. Returning a task to BACKLOG clears its assignee.
func (db *DB) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid task status %q", status)
	}
	query := "UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?"
	if status == models.TaskStatusBacklog {
		query = "UPDATE tasks SET status = ?, updated_at = ?, assignee = '' WHERE id = ?"
	}
	res, err := db.conn.ExecContext(ctx, query, string(status), db.now(), id)
	if err != nil {
		return fmt.Errorf("update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// AddTaskComment appends a comment to a task.
func (db *DB) AddTaskComment(ctx context.Context, id, text string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO task_comments (task_id, body, created_at) VALUES (?, ?, ?)",
		id, text, db.now())
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY") {
			return fmt.Errorf("task %s: %w", id, ErrNotFound)
		}
		return fmt.Errorf("add comment to %s: %w", id, err)
	}
	return nil
}

// Comments returns a task's comments, oldest first.
func (db *DB) Comments(ctx context.Context, taskID string) ([]Comment, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT id, task_id, body, created_at FROM task_comments WHERE task_id = ? ORDER BY id", taskID)
	if err != nil {
		return nil, fmt.Errorf("query comments: %w", err)
	}
	defer rows.Close()

	var comments []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Body, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// StatusCounts returns the number of tasks per status in scope.
func (db *DB) StatusCounts(ctx context.Context, scope Scope) (map[models.TaskStatus]int, error) {
	where, args := scopeClause(scope)
	rows, err := db.conn.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks WHERE "+where+" GROUP BY status", args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// CreateSprint inserts a sprint. An active sprint deactivates all others.
func (db *DB) CreateSprint(ctx context.Context, s *models.Sprint) error {
	if s.ID == "" {
		return errors.New("sprint id is required")
	}
	if s.Name == "" {
		s.Name = s.ID
	}
	if _, err := db.conn.ExecContext(ctx, "INSERT INTO sprints (id, name, active) VALUES (?, ?, 0)", s.ID, s.Name); err != nil {
		return fmt.Errorf("insert sprint %s: %w", s.ID, err)
	}
	if s.Active {
		return db.ActivateSprint(ctx, s.ID)
	}
	return nil
}

// ActivateSprint makes id the only active sprint.
func (db *DB) ActivateSprint(ctx context.Context, id string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "UPDATE sprints SET active = 0 WHERE active = 1"); err != nil {
		return fmt.Errorf("deactivate sprints: %w", err)
	}
	res, err := tx.ExecContext(ctx, "UPDATE sprints SET active = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("activate sprint %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sprint %s: %w", id, ErrNotFound)
	}
	return tx.Commit()
}

// ActiveSprint returns the active sprint or nil.
func (db *DB) ActiveSprint(ctx context.Context) (*models.Sprint, error) {
	var s models.Sprint
	row := db.conn.QueryRowContext(ctx, "SELECT id, name, active FROM sprints WHERE active = 1 LIMIT 1")
	if err := row.Scan(&s.ID, &s.Name, &s.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get active sprint: %w", err)
	}
	return &s, nil
}
