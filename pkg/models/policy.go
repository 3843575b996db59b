package models

import "fmt"

// CleanupPolicy governs what happens to worktrees when agents finish.
type CleanupPolicy string

const (
	// CleanupAuto removes every worktree eagerly.
	CleanupAuto CleanupPolicy = "auto"
	// CleanupManual never touches worktrees.
	CleanupManual CleanupPolicy = "manual"
	// CleanupRetainOnFailure removes worktrees of successful tasks only.
	CleanupRetainOnFailure CleanupPolicy = "retain-on-failure"
)

// DefaultCleanupPolicy keeps failures around for postmortem.
const DefaultCleanupPolicy = CleanupRetainOnFailure

// Valid returns true if the policy is a known value.
func (p CleanupPolicy) Valid() bool {
	switch p {
	case CleanupAuto, CleanupManual, CleanupRetainOnFailure:
		return true
	default:
		return false
	}
}

// RemoveOnSuccess reports whether a worktree should be deleted after its task succeeded.
func (p CleanupPolicy) RemoveOnSuccess() bool {
	return p == CleanupAuto || p == CleanupRetainOnFailure
}

// RemoveOnFailure reports whether a worktree should be deleted after its task failed.
func (p CleanupPolicy) RemoveOnFailure() bool {
	return p == CleanupAuto
}

// ParseCleanupPolicy parses a policy name. Empty input yields the default.
func ParseCleanupPolicy(s string) (CleanupPolicy, error) {
	if s == "" {
		return DefaultCleanupPolicy, nil
	}
	p := CleanupPolicy(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown cleanup policy %q (want auto, manual or retain-on-failure)", s)
	}
	return p, nil
}
