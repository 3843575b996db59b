package git

import (
	"errors"
	"fmt"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
)

// ErrNotRepository is returned when no git repository contains the path.
var ErrNotRepository = errors.New("not in a git repository")

// openRepo opens the repository containing path, walking up parent directories.
func openRepo(path string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpenWithOptions(path, &gogit.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, ErrNotRepository
		}
		return nil, fmt.Errorf("open repository: %w", err)
	}
	return repo, nil
}

// FindRepoRoot returns the top-level working directory of the repository containing path.
func FindRepoRoot(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	repo, err := openRepo(abs)
	if err != nil {
		return "", err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return "", fmt.Errorf("open worktree: %w", err)
	}
	return wt.Filesystem.Root(), nil
}

// IsGitRepo checks if the given path is within a git repository.
func IsGitRepo(path string) bool {
	_, err := FindRepoRoot(path)
	return err == nil
}

// HasSubmodules reports whether the repository at path declares any submodules.
func HasSubmodules(path string) (bool, error) {
	repo, err := openRepo(path)
	if err != nil {
		return false, err
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("open worktree: %w", err)
	}
	subs, err := wt.Submodules()
	if err != nil {
		return false, fmt.Errorf("list submodules: %w", err)
	}
	return len(subs) > 0, nil
}

// HeadBranch returns the short name of the branch HEAD points at, or "" when detached.
func HeadBranch(path string) (string, error) {
	repo, err := openRepo(path)
	if err != nil {
		return "", err
	}
	head, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", nil
	}
	return head.Name().Short(), nil
}
