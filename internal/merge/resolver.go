// Package merge keeps task branches mergeable while the base branch moves:
// a side-effect-free overlap check, an automatic rebase that always leaves
// the checkout clean, and the reports shown for each outcome.
package merge

import (
	"context"
	"fmt"
	"sort"

	"github.com/ShayCichocki/crew/internal/git"
)

// ConflictCheckResult describes how a task branch relates to its base.
type ConflictCheckResult struct {
	// Target is the ref compared against: <remote>/<base> when present, else <base>.
	Target    string
	MergeBase string
	// BaseAdvanced is true when Target has commits the task branch lacks.
	BaseAdvanced bool
	NewCommits   int
	// HasConflict is true when a file changed on both sides since MergeBase.
	HasConflict      bool
	ConflictingFiles []string
	// FetchError records a failed fetch. The check still ran on local refs.
	FetchError error
}

// RebaseResult is the outcome of AttemptRebase.
type RebaseResult struct {
	Success         bool
	Target          string
	ConflictedFiles []string
	// Err is the rebase failure, if any. The rebase has already been aborted.
	Err error
}

// ConflictResolver runs conflict checks and rebases in one checkout.
type ConflictResolver struct {
	git      git.Runner
	remote   string
	debugLog func(format string, args ...interface{})
}

// NewConflictResolver creates a resolver for the checkout runner operates in.
// remote may be empty for repositories without one.
func NewConflictResolver(runner git.Runner, remote string) *ConflictResolver {
	return &ConflictResolver{
		git:      runner,
		remote:   remote,
		debugLog: func(format string, args ...interface{}) {},
	}
}

// SetDebugLog sets the debug logging function.
func (r *ConflictResolver) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		r.debugLog = fn
	}
}

// resolveTarget prefers the remote-tracking ref so the check sees what the
// merge request will be compared against.
func (r *ConflictResolver) resolveTarget(base string) (string, error) {
	if r.remote != "" {
		remoteRef := r.remote + "/" + base
		if r.git.RefExists(remoteRef) {
			return remoteRef, nil
		}
	}
	if r.git.RefExists(base) {
		return base, nil
	}
	return "", fmt.Errorf("base ref %q not found", base)
}

// CheckForConflicts fetches base and reports whether HEAD and the base tip
// touched the same files since they diverged. Nothing is merged or rebased.
// A failed fetch is recorded in the result, not returned.
func (r *ConflictResolver) CheckForConflicts(ctx context.Context, base string) (*ConflictCheckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &ConflictCheckResult{}
	if r.remote != "" {
		if err := r.git.Fetch(r.remote, base); err != nil {
			r.debugLog("[merge] fetch %s %s failed, using local refs: %v", r.remote, base, err)
			result.FetchError = err
		}
	}

	target, err := r.resolveTarget(base)
	if err != nil {
		return nil, err
	}
	result.Target = target

	mergeBase, err := r.git.MergeBase("HEAD", target)
	if err != nil {
		return nil, fmt.Errorf("merge-base HEAD %s: %w", target, err)
	}
	result.MergeBase = mergeBase

	count, err := r.git.RevListCount(mergeBase, target)
	if err != nil {
		return nil, fmt.Errorf("count commits on %s: %w", target, err)
	}
	result.NewCommits = count
	if count == 0 {
		return result, nil
	}
	result.BaseAdvanced = true

	ours, err := r.git.ChangedFilesBetween(mergeBase, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("diff task branch: %w", err)
	}
	theirs, err := r.git.ChangedFilesBetween(mergeBase, target)
	if err != nil {
		return nil, fmt.Errorf("diff %s: %w", target, err)
	}

	result.ConflictingFiles = overlap(ours, theirs)
	result.HasConflict = len(result.ConflictingFiles) > 0
	r.debugLog("[merge] %s advanced %d commits, %d overlapping files", target, count, len(result.ConflictingFiles))
	return result, nil
}

// AttemptRebase rebases HEAD onto base. On failure it records the unmerged
// files and aborts, so the checkout is never left mid-rebase. On success
// submodule pointers are re-synced when the repository has submodules.
func (r *ConflictResolver) AttemptRebase(ctx context.Context, base string) (*RebaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	target, err := r.resolveTarget(base)
	if err != nil {
		return nil, err
	}
	result := &RebaseResult{Target: target}

	if rebaseErr := r.git.Rebase(target); rebaseErr != nil {
		result.Err = rebaseErr
		files, err := r.git.ConflictedFiles()
		if err != nil {
			r.debugLog("[merge] list conflicted files: %v", err)
		}
		sort.Strings(files)
		result.ConflictedFiles = files

		if r.git.RebaseInProgress() {
			if err := r.git.RebaseAbort(); err != nil {
				return result, fmt.Errorf("abort rebase onto %s: %w", target, err)
			}
		}
		r.debugLog("[merge] rebase onto %s failed with %d conflicted files, aborted", target, len(files))
		return result, nil
	}

	result.Success = true
	hasSubmodules, err := git.HasSubmodules(r.git.Dir())
	if err != nil {
		r.debugLog("[merge] submodule detection: %v", err)
	}
	if hasSubmodules {
		if err := r.git.SubmoduleSync(); err != nil {
			return result, fmt.Errorf("sync submodules after rebase: %w", err)
		}
	}
	return result, nil
}

// overlap returns the sorted, de-duplicated intersection of a and b.
func overlap(a, b []string) []string {
	inA := make(map[string]bool, len(a))
	for _, f := range a {
		inA[f] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, f := range b {
		if inA[f] && !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}
