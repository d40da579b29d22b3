// Package integrate computes where each unit starts from and merges the
// finished units into the job's integration branch.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/gitrepo"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/scheduler"
)

// ErrConsistency marks ancestry data that the state machine should have
// guaranteed but did not. It is never retried.
var ErrConsistency = errors.New("state consistency error")

// Engine performs base-commit calculation, merging and publishing
type Engine struct {
	repo      *gitrepo.Repo
	worktrees *gitrepo.WorktreeManager
	remote    string
	logger    *logging.Logger
}

// New creates an Engine. remote may be empty to disable publishing.
func New(repo *gitrepo.Repo, worktrees *gitrepo.WorktreeManager, remote string, logger *logging.Logger) *Engine {
	return &Engine{repo: repo, worktrees: worktrees, remote: remote, logger: logger.With("integrate")}
}

// Result describes an integration run
type Result struct {
	// Merged lists the units merged by this run, in merge order
	Merged []string
	// Conflict is the unit whose merge conflicted, if any
	Conflict string
	// Tip is the integration branch head after the run
	Tip string
}

// BaseCommit returns the commit a unit's branch starts from. With several
// dependencies the one whose final commit is newest wins; ties go to the
// dependency declared first in the job.
func (e *Engine) BaseCommit(ctx context.Context, job *domain.JobState, unit *domain.UnitState) (string, error) {
	if len(unit.DependsOn) == 0 {
		if job.BaselineCommit == "" {
			return "", fmt.Errorf("%w: job %s has no baseline_commit", ErrConsistency, job.JobID)
		}
		return job.BaselineCommit, nil
	}

	deps := make([]string, len(unit.DependsOn))
	copy(deps, unit.DependsOn)
	sort.SliceStable(deps, func(i, j int) bool {
		return job.Units.Index(deps[i]) < job.Units.Index(deps[j])
	})

	finals := make([]string, len(deps))
	for i, id := range deps {
		dep := job.Unit(id)
		if dep == nil {
			return "", fmt.Errorf("%w: unit %s depends on unknown unit %s", ErrConsistency, unit.ID, id)
		}
		if dep.BranchInfo.Final() == "" {
			return "", fmt.Errorf("%w: dependency %s of %s has no final_commit", ErrConsistency, id, unit.ID)
		}
		finals[i] = dep.BranchInfo.Final()
	}
	if len(finals) == 1 {
		return finals[0], nil
	}

	best := finals[0]
	bestTime, err := e.repo.CommitTime(ctx, best)
	if err != nil {
		return "", err
	}
	for _, c := range finals[1:] {
		t, err := e.repo.CommitTime(ctx, c)
		if err != nil {
			return "", err
		}
		if t.After(bestTime) {
			best, bestTime = c, t
		}
	}
	return best, nil
}

// Integrate merges the final commit of every completed unit into the
// integration branch in dependency order. A conflict stops the run with
// the repository clean and Result.Conflict set. Commits that are already
// part of the integration branch are skipped, so a rerun after a crash is safe.
func (e *Engine) Integrate(ctx context.Context, job *domain.JobState) (*Result, error) {
	order, err := scheduler.TopologicalOrder(job, func(u *domain.UnitState) bool {
		return u.Status == domain.UnitCompleted
	})
	if err != nil {
		return nil, err
	}

	wt, err := e.worktrees.Checkout(ctx, job.IntegrationBranch)
	if err != nil {
		return nil, fmt.Errorf("checking out %s: %w", job.IntegrationBranch, err)
	}
	defer func() {
		if err := e.worktrees.Remove(context.WithoutCancel(ctx), wt); err != nil {
			e.logger.Warnf("integration_worktree_cleanup path=%s error=%v", wt, err)
		}
	}()

	result := &Result{}
	for _, id := range order {
		final := job.Unit(id).BranchInfo.Final()
		if final == "" {
			return nil, fmt.Errorf("%w: completed unit %s has no final_commit", ErrConsistency, id)
		}

		merged, err := e.repo.IsAncestor(ctx, final, job.IntegrationBranch)
		if err != nil {
			return nil, err
		}
		if merged {
			e.logger.Debugf("merge_skipped unit=%s commit=%s", id, final)
			continue
		}

		msg := fmt.Sprintf("Merge unit %s of %s", id, job.JobID)
		if err := e.repo.MergeNoFF(ctx, wt, final, msg); err != nil {
			var conflict *gitrepo.MergeConflictError
			if errors.As(err, &conflict) {
				e.logger.Warnf("merge_conflict unit=%s commit=%s", id, final)
				result.Conflict = id
				return result, nil
			}
			return nil, fmt.Errorf("merging %s: %w", id, err)
		}
		e.logger.Infof("merged unit=%s commit=%s", id, final)
		result.Merged = append(result.Merged, id)
	}

	tip, err := e.repo.ResolveCommit(ctx, job.IntegrationBranch)
	if err != nil {
		return nil, err
	}
	result.Tip = tip

	for _, id := range order {
		final := job.Unit(id).BranchInfo.Final()
		ok, err := e.repo.IsAncestor(ctx, final, tip)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s (%s) is not in %s", ErrConsistency, id, final, job.IntegrationBranch)
		}
	}
	return result, nil
}

// Publish pushes the integration branch, and only that branch, if the
// configured remote exists. It reports whether a push happened.
func (e *Engine) Publish(ctx context.Context, job *domain.JobState) (bool, error) {
	ok, err := e.repo.HasRemote(ctx, e.remote)
	if err != nil {
		return false, err
	}
	if !ok {
		e.logger.Infof("publish_skipped remote=%q", e.remote)
		return false, nil
	}
	if err := e.repo.Push(ctx, e.remote, job.IntegrationBranch); err != nil {
		return false, err
	}
	e.logger.Infof("published branch=%s remote=%s", job.IntegrationBranch, e.remote)
	return true, nil
}
