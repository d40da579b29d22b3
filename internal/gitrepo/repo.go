// Package gitrepo runs the git operations the orchestrator needs against a
// local repository. Everything shells out to the git binary.
package gitrepo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// Repo is a local git repository
type Repo struct {
	dir string
}

// Open returns a Repo rooted at dir
func Open(dir string) *Repo {
	return &Repo{dir: dir}
}

// Dir returns the repository root
func (r *Repo) Dir() string { return r.dir }

// MergeConflictError is returned when a merge stops on conflicting changes.
// The merge has already been aborted when this is returned.
type MergeConflictError struct {
	Commit string
	Output string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge conflict merging %s: %s", e.Commit, e.Output)
}

// command builds a git invocation in dir with untranslated output
func command(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	return cmd
}

// run executes git in dir and returns trimmed stdout+stderr
func run(ctx context.Context, dir string, args ...string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("repo root is required")
	}
	cmd := command(ctx, dir, args...)
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w: %s", strings.Join(args, " "), err, output)
	}
	return output, nil
}

// succeeds reports whether git exits 0. Non-exit errors are returned.
func succeeds(ctx context.Context, dir string, args ...string) (bool, error) {
	err := command(ctx, dir, args...).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("git %s: %w", strings.Join(args, " "), err)
}

// Head returns the commit HEAD points to
func (r *Repo) Head(ctx context.Context) (string, error) {
	return r.ResolveCommit(ctx, "HEAD")
}

// ResolveCommit resolves a ref to a full commit hash
func (r *Repo) ResolveCommit(ctx context.Context, ref string) (string, error) {
	return run(ctx, r.dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

// BranchExists reports whether a local branch exists
func (r *Repo) BranchExists(ctx context.Context, branch string) (bool, error) {
	if strings.TrimSpace(branch) == "" {
		return false, nil
	}
	return succeeds(ctx, r.dir, "show-ref", "--verify", "--quiet", "refs/heads/"+branch)
}

// CommitExists reports whether sha is a full object name of a commit.
// Refs and abbreviated names never count.
func (r *Repo) CommitExists(ctx context.Context, sha string) (bool, error) {
	if !domain.IsCommitID(sha) {
		return false, nil
	}
	return succeeds(ctx, r.dir, "cat-file", "-e", sha+"^{commit}")
}

// IsAncestor reports whether ancestor is reachable from descendant
func (r *Repo) IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	return succeeds(ctx, r.dir, "merge-base", "--is-ancestor", ancestor, descendant)
}

// CommitTime returns the committer timestamp of a commit
func (r *Repo) CommitTime(ctx context.Context, sha string) (time.Time, error) {
	out, err := run(ctx, r.dir, "show", "-s", "--format=%ct", sha)
	if err != nil {
		return time.Time{}, err
	}
	secs, err := strconv.ParseInt(out, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing commit time of %s: %w", sha, err)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// CreateBranch creates branch at base, failing if it already exists
func (r *Repo) CreateBranch(ctx context.Context, branch, base string) error {
	_, err := run(ctx, r.dir, "branch", branch, base)
	return err
}

// DeleteBranch force-deletes a local branch. A missing branch is not an error.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	exists, err := r.BranchExists(ctx, branch)
	if err != nil || !exists {
		return err
	}
	_, err = run(ctx, r.dir, "branch", "-D", branch)
	return err
}

// HasRemote reports whether a remote with the given name is configured
func (r *Repo) HasRemote(ctx context.Context, remote string) (bool, error) {
	if strings.TrimSpace(remote) == "" {
		return false, nil
	}
	return succeeds(ctx, r.dir, "remote", "get-url", remote)
}

// Push pushes a single branch and sets its upstream
func (r *Repo) Push(ctx context.Context, remote, branch string) error {
	_, err := run(ctx, r.dir, "push", "-u", remote, branch+":"+branch)
	return err
}

// MergeNoFF merges commit into the branch checked out in worktree, always
// creating a merge commit. On conflict the merge is aborted and the worktree
// left clean before a *MergeConflictError is returned.
func (r *Repo) MergeNoFF(ctx context.Context, worktree, commit, message string) error {
	out, err := run(ctx, worktree, "merge", "--no-ff", "--no-edit", "-m", message, commit)
	if err == nil {
		return nil
	}
	conflicted, checkErr := r.hasUnmergedPaths(ctx, worktree)
	if checkErr != nil {
		return errors.Join(err, checkErr)
	}
	if !conflicted && !isMergeConflict(out) {
		return err
	}

	if _, abortErr := run(ctx, worktree, "merge", "--abort"); abortErr != nil {
		if _, resetErr := run(ctx, worktree, "reset", "--hard", "HEAD"); resetErr != nil {
			return fmt.Errorf("merge conflict on %s and cleanup failed: %w", commit, resetErr)
		}
	}
	return &MergeConflictError{Commit: commit, Output: out}
}

// hasUnmergedPaths reports whether the index holds conflicted entries
func (r *Repo) hasUnmergedPaths(ctx context.Context, worktree string) (bool, error) {
	out, err := run(ctx, worktree, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

func isMergeConflict(output string) bool {
	s := strings.ToLower(output)
	return strings.Contains(s, "conflict") ||
		strings.Contains(s, "automatic merge failed")
}

// IsClean reports whether the worktree has no staged or unstaged changes
func (r *Repo) IsClean(ctx context.Context, worktree string) (bool, error) {
	out, err := run(ctx, worktree, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out == "", nil
}
