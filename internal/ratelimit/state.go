package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	// DefaultLimit is GitHub's authenticated REST quota, assumed until a real response says otherwise.
	DefaultLimit = 5000
)

// DefaultPath returns the project-local state file shared by every crew process.
func DefaultPath(projectRoot string) string {
	return filepath.Join(projectRoot, ".crew", "ratelimit.json")
}

// State is the persisted quota snapshot.
type State struct {
	ProjectRoot string    `json:"project_root"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	Reset       time.Time `json:"reset"`
	Used        int       `json:"used"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func defaultState(projectRoot string) State {
	return State{
		ProjectRoot: projectRoot,
		Limit:       DefaultLimit,
		Remaining:   DefaultLimit,
	}
}

// loadState reads the snapshot at path. Any problem (missing file, bad JSON,
// a snapshot written for another project) yields the optimistic default.
func loadState(path, projectRoot string) (State, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultState(projectRoot), false
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return defaultState(projectRoot), false
	}
	if s.ProjectRoot != projectRoot || s.Limit <= 0 || s.Remaining < 0 {
		return defaultState(projectRoot), false
	}
	return s, true
}

// saveState writes the snapshot through a temp file and rename so readers
// in other processes never see a partial document.
func saveState(path string, s State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal rate limit state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
