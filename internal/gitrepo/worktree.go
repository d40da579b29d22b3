package gitrepo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorktreeManager handles git worktree operations
type WorktreeManager struct {
	repo        *Repo
	worktreeDir string
}

// NewWorktreeManager creates a new WorktreeManager
func NewWorktreeManager(repo *Repo, worktreeDir string) *WorktreeManager {
	return &WorktreeManager{
		repo:        repo,
		worktreeDir: worktreeDir,
	}
}

// Path returns the worktree location used for a branch
func (m *WorktreeManager) Path(branch string) string {
	return filepath.Join(m.worktreeDir, strings.ReplaceAll(branch, "/", "-"))
}

// Create makes a fresh branch at base and checks it out in a new worktree.
// Leftovers from an earlier attempt on the same branch are removed first.
func (m *WorktreeManager) Create(ctx context.Context, branch, base string) (string, error) {
	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}

	if err := m.RemoveBranch(ctx, branch); err != nil {
		return "", fmt.Errorf("cleaning up existing branch: %w", err)
	}

	wtPath := m.Path(branch)
	if _, err := run(ctx, m.repo.dir, "worktree", "add", "-b", branch, wtPath, base); err != nil {
		return "", err
	}
	return wtPath, nil
}

// Checkout checks an existing branch out in its own worktree, reusing one
// that is already there.
func (m *WorktreeManager) Checkout(ctx context.Context, branch string) (string, error) {
	if path, ok, err := m.find(ctx, branch); err != nil {
		return "", err
	} else if ok {
		return path, nil
	}

	if err := os.MkdirAll(m.worktreeDir, 0755); err != nil {
		return "", fmt.Errorf("creating worktree dir: %w", err)
	}
	wtPath := m.Path(branch)
	if _, err := run(ctx, m.repo.dir, "worktree", "add", wtPath, branch); err != nil {
		return "", err
	}
	return wtPath, nil
}

// Remove removes a worktree; the branch is kept
func (m *WorktreeManager) Remove(ctx context.Context, wtPath string) error {
	if _, err := run(ctx, m.repo.dir, "worktree", "remove", "--force", wtPath); err != nil {
		return err
	}
	return nil
}

// RemoveBranch removes any worktree using branch, then deletes the branch
func (m *WorktreeManager) RemoveBranch(ctx context.Context, branch string) error {
	if err := m.Prune(ctx); err != nil {
		return err
	}
	if path, ok, err := m.find(ctx, branch); err != nil {
		return err
	} else if ok {
		if err := m.Remove(ctx, path); err != nil {
			return err
		}
	}
	return m.repo.DeleteBranch(ctx, branch)
}

// Prune drops worktree entries whose directories are gone
func (m *WorktreeManager) Prune(ctx context.Context) error {
	_, err := run(ctx, m.repo.dir, "worktree", "prune")
	return err
}

// List returns the worktree paths inside the managed directory
func (m *WorktreeManager) List(ctx context.Context) ([]string, error) {
	entries, err := m.entries(ctx)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.path, m.worktreeDir) {
			paths = append(paths, e.path)
		}
	}
	return paths, nil
}

type worktreeEntry struct {
	path   string
	branch string
}

func (m *WorktreeManager) find(ctx context.Context, branch string) (string, bool, error) {
	entries, err := m.entries(ctx)
	if err != nil {
		return "", false, err
	}
	for _, e := range entries {
		if e.branch == branch {
			return e.path, true, nil
		}
	}
	return "", false, nil
}

func (m *WorktreeManager) entries(ctx context.Context) ([]worktreeEntry, error) {
	out, err := run(ctx, m.repo.dir, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var entries []worktreeEntry
	var current *worktreeEntry
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			entries = append(entries, worktreeEntry{path: strings.TrimPrefix(line, "worktree ")})
			current = &entries[len(entries)-1]
		case strings.HasPrefix(line, "branch refs/heads/") && current != nil:
			current.branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	return entries, nil
}
