// Package git provides an interface for git operations.
package git

// BranchOperations defines the interface for git branch operations.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
	// RefExists returns true if the ref resolves to a commit.
	RefExists(ref string) bool
}

// DiffOperations defines the interface for git diff and status operations.
type DiffOperations interface {
	// Status returns the output of git status --porcelain.
	Status() (string, error)
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ChangedFilesBetween returns files changed between two refs.
	ChangedFilesBetween(ref1, ref2 string) ([]string, error)
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
	// RevListCount returns the number of commits reachable from to but not from.
	RevListCount(from, to string) (int, error)
}

// CommitOperations defines the interface for git commit operations.
type CommitOperations interface {
	// Add stages the specified files for commit.
	Add(paths ...string) error
	// Commit creates a new commit with the given message.
	Commit(message string) error
}

// MergeOperations defines the interface for git merge and rebase operations.
type MergeOperations interface {
	// MergeBase returns the common ancestor of two refs.
	MergeBase(ref1, ref2 string) (string, error)
	// Rebase rebases the current branch onto the specified base.
	Rebase(base string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
	// RebaseInProgress returns true if a rebase is stopped in this checkout.
	RebaseInProgress() bool
}

// WorktreeOperations defines the interface for git worktree operations.
type WorktreeOperations interface {
	// WorktreeAdd creates a new worktree at the given path for an existing branch.
	WorktreeAdd(path, branch string) error
	// WorktreeAddNewBranch creates a new worktree with a new branch started at base.
	WorktreeAddNewBranch(path, branch, base string) error
	// WorktreeRemove force-removes the worktree at the given path.
	WorktreeRemove(path string) error
	// WorktreeRemoveOptionalForce removes the worktree, optionally with force.
	WorktreeRemoveOptionalForce(path string, force bool) error
	// WorktreeUnlock unlocks a locked worktree.
	WorktreeUnlock(path string) error
	// WorktreeListPorcelain returns the raw porcelain output for detailed parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes worktree registrations with --expire now.
	WorktreePruneExpireNow() error
}

// SubmoduleOperations defines the interface for git submodule operations.
type SubmoduleOperations interface {
	// SubmoduleUpdate initializes and checks out submodules recursively.
	SubmoduleUpdate() error
	// SubmoduleSync re-syncs submodule URLs and pointers after history rewrites.
	SubmoduleSync() error
}

// RemoteOperations defines the interface for git remote operations.
type RemoteOperations interface {
	// Fetch fetches a single ref from the remote.
	Fetch(remote, ref string) error
	// Push pushes the branch to the remote and sets upstream.
	Push(remote, branch string) error
}

// Runner defines the complete interface for git operations.
// This interface embeds all focused interfaces for full functionality.
// Consumers should prefer using focused interfaces when possible.
type Runner interface {
	BranchOperations
	DiffOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	SubmoduleOperations
	RemoteOperations
	// Dir returns the directory commands run in.
	Dir() string
	// Run executes an arbitrary git command with the given arguments.
	// Returns the command output and an error if the command fails.
	Run(args ...string) (string, error)
}
