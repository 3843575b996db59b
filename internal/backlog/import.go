package backlog

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/crew/pkg/models"
)

// File is the YAML layout accepted by Import.
//
//	sprints:
//	  - id: s1
//	    name: Sprint 1
//	    active: true
//	tasks:
//	  - id: T-1
//	    title: Add login endpoint
//	    priority: 1
//	    tier: 0
//	    sprint: s1
type File struct {
	Sprints []models.Sprint `yaml:"sprints"`
	Tasks   []models.Task   `yaml:"tasks"`
}

// ImportResult counts what Import wrote.
type ImportResult struct {
	Sprints int
	Tasks   int
}

// defaultPriority is used for imported tasks that leave priority unset.
const defaultPriority = 3

// Import upserts sprints and tasks from a YAML document in one transaction.
// Existing tasks keep their status and assignee unless the file sets a status.
func (db *DB) Import(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var f File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return &ImportResult{}, nil
		}
		return nil, fmt.Errorf("parse task file: %w", err)
	}

	for i, t := range f.Tasks {
		if t.ID == "" || t.Title == "" {
			return nil, fmt.Errorf("task %d: id and title are required", i+1)
		}
		if t.Status != "" && !t.Status.Valid() {
			return nil, fmt.Errorf("task %s: invalid status %q", t.ID, t.Status)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &ImportResult{}
	activeSprint := ""
	for _, s := range f.Sprints {
		if s.ID == "" {
			return nil, errors.New("sprint id is required")
		}
		name := s.Name
		if name == "" {
			name = s.ID
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO sprints (id, name, active) VALUES (?, ?, 0) ON CONFLICT(id) DO UPDATE SET name = excluded.name",
			s.ID, name); err != nil {
			return nil, fmt.Errorf("upsert sprint %s: %w", s.ID, err)
		}
		if s.Active {
			activeSprint = s.ID
		}
		result.Sprints++
	}
	if activeSprint != "" {
		if _, err := tx.ExecContext(ctx, "UPDATE sprints SET active = (id = ?)", activeSprint); err != nil {
			return nil, fmt.Errorf("activate sprint %s: %w", activeSprint, err)
		}
	}

	now := db.now()
	for _, t := range f.Tasks {
		if t.Priority == 0 {
			t.Priority = defaultPriority
		}
		status := t.Status
		if status == "" {
			status = models.TaskStatusBacklog
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
			ON CONFLICT(id) DO UPDATE SET
				title = excluded.title,
				description = excluded.description,
				priority = excluded.priority,
				tier = excluded.tier,
				sprint_id = excluded.sprint_id`,
			t.ID, t.Title, t.Description, t.Priority, string(status), t.Tier, t.SprintID, now)
		if err != nil {
			return nil, fmt.Errorf("upsert task %s: %w", t.ID, err)
		}
		if t.Status != "" {
			if _, err := tx.ExecContext(ctx, "UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?", string(t.Status), now, t.ID); err != nil {
				return nil, fmt.Errorf("set status of %s: %w", t.ID, err)
			}
		}
		result.Tasks++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit import: %w", err)
	}
	return result, nil
}
