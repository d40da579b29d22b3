// Package recovery decides what happens to the rest of a job when a unit
// fails, undoes a job's branches on rollback, and repairs state left behind
// by a crashed orchestrator.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/executor"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/logging"
	"github.com/hochfrequenz/claude-epic-orchestrator/internal/scheduler"
)

// ReasonRolledBack is the failure reason of units halted by a rollback
const ReasonRolledBack = "job_rolled_back"

// Action is what the control loop does after a unit failure
type Action int

const (
	// Continue scheduling the units that do not depend on the failure
	Continue Action = iota
	// Halt scheduling, drain the outstanding workers, then roll back
	RollBack
)

// HandleFailure applies the failure policy for a unit that just failed or
// was blocked.
func HandleFailure(job *domain.JobState, unitID string, now time.Time) Action {
	u := job.Unit(unitID)
	if u != nil && u.Critical && u.Status == domain.UnitFailed && job.RollbackOnCriticalFailure {
		Halt(job, unitID, now)
		return RollBack
	}
	BlockDependents(job, unitID, now)
	return Continue
}

// BlockDependents blocks every non-terminal unit that depends on failedID
// directly or transitively. Each one records the dependency it was reached
// through. Returns the IDs that changed.
func BlockDependents(job *domain.JobState, failedID string, now time.Time) []string {
	var changed []string
	for _, d := range scheduler.TransitiveDependents(job, failedID) {
		u := job.Unit(d.ID)
		if u.Status.IsTerminal() || u.Status.Active() {
			continue
		}
		u.Status = domain.UnitBlocked
		u.BlockingDependency = d.Via
		u.CompletedAt = &now
		changed = append(changed, u.ID)
	}
	return changed
}

// Halt blocks every unit that has not started so nothing new is scheduled.
// Outstanding workers are left to finish.
func Halt(job *domain.JobState, failedID string, now time.Time) []string {
	var changed []string
	for _, u := range job.Units.All() {
		if u.Status != domain.UnitPending && u.Status != domain.UnitQueued {
			continue
		}
		u.Status = domain.UnitBlocked
		u.BlockingDependency = failedID
		u.FailureReason = ReasonRolledBack
		u.CompletedAt = &now
		changed = append(changed, u.ID)
	}
	return changed
}

// BranchRemover deletes a branch along with any worktree that has it checked out
type BranchRemover interface {
	RemoveBranch(ctx context.Context, branch string) error
}

// Controller performs repository-side rollback
type Controller struct {
	branches BranchRemover
	prefix   string
	logger   *logging.Logger
}

// NewController creates a Controller. prefix is the branch prefix units were created under.
func NewController(branches BranchRemover, prefix string, logger *logging.Logger) *Controller {
	return &Controller{branches: branches, prefix: prefix, logger: logger.With("recovery")}
}

// UnitBranches returns the branches created for units that were started
func (c *Controller) UnitBranches(job *domain.JobState) []string {
	var names []string
	for _, u := range job.Units.All() {
		if u.StartedAt == nil {
			continue
		}
		if u.BranchInfo != nil && u.BranchInfo.BranchName != "" {
			names = append(names, u.BranchInfo.BranchName)
			continue
		}
		names = append(names, executor.BranchName(c.prefix, job.JobID, u.ID))
	}
	return names
}

// Rollback deletes every unit branch created during the job and then the
// integration branch. It keeps going after a failed deletion and returns the
// branches that were deleted together with the joined errors.
func (c *Controller) Rollback(ctx context.Context, job *domain.JobState) ([]string, error) {
	var deleted []string
	var errs []error
	for _, b := range append(c.UnitBranches(job), job.IntegrationBranch) {
		if err := c.branches.RemoveBranch(ctx, b); err != nil {
			c.logger.Errorf("rollback_delete_failed branch=%s error=%v", b, err)
			errs = append(errs, fmt.Errorf("%s: %w", b, err))
			continue
		}
		c.logger.Infof("rollback_deleted branch=%s", b)
		deleted = append(deleted, b)
	}
	return deleted, errors.Join(errs...)
}

// MarkDeleted flags the branch info of units whose branch was deleted
func MarkDeleted(job *domain.JobState, deleted []string) {
	gone := make(map[string]bool, len(deleted))
	for _, b := range deleted {
		gone[b] = true
	}
	for _, u := range job.Units.All() {
		if u.BranchInfo != nil && gone[u.BranchInfo.BranchName] {
			u.BranchInfo.Deleted = true
		}
	}
}

// Repair is one change made by Reconcile. UnitID is empty for the job itself.
type Repair struct {
	UnitID string
	From   string
	To     string
}

// Reconcile repairs a job loaded after a crash. Units that were running or
// validating lost their worker: they go back to queued if their dependencies
// are all completed and to pending otherwise. A running job goes back to
// ready. Running it twice changes nothing the second time.
func Reconcile(job *domain.JobState) []Repair {
	var repairs []Repair
	for _, u := range job.Units.All() {
		if !u.Status.Active() {
			continue
		}
		to := domain.UnitQueued
		for _, dep := range u.DependsOn {
			if d := job.Unit(dep); d == nil || d.Status != domain.UnitCompleted {
				to = domain.UnitPending
				break
			}
		}
		repairs = append(repairs, Repair{UnitID: u.ID, From: string(u.Status), To: string(to)})
		u.Status = to
		// the started_at stays: the branch may exist and rollback must find it
		u.BranchInfo = nil
	}
	if job.Status == domain.JobRunning {
		repairs = append(repairs, Repair{From: string(job.Status), To: string(domain.JobReady)})
		job.Status = domain.JobReady
	}
	return repairs
}

// FinalStatus is the job status once every unit is terminal and no rollback
// happened.
func FinalStatus(job *domain.JobState) (domain.JobStatus, string) {
	var incomplete []string
	for _, u := range job.Units.All() {
		if u.Critical && u.Status != domain.UnitCompleted {
			incomplete = append(incomplete, u.ID)
		}
	}
	if len(incomplete) > 0 {
		return domain.JobPartialSuccess, "critical_unit_incomplete: " + strings.Join(incomplete, ", ")
	}
	return domain.JobCompleted, ""
}
