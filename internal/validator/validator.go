// Package validator checks a worker's completion report against the
// repository before any of its claims are trusted.
package validator

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// Repository is the ground truth a report is checked against
type Repository interface {
	BranchExists(ctx context.Context, branch string) (bool, error)
	CommitExists(ctx context.Context, commit string) (bool, error)
	IsAncestor(ctx context.Context, ancestor, descendant string) (bool, error)
}

// Validator checks completion reports
type Validator struct {
	repo Repository
}

// New creates a Validator
func New(repo Repository) *Validator {
	return &Validator{repo: repo}
}

func fail(format string, args ...any) domain.ValidationResult {
	return domain.ValidationResult{Passed: false, Error: fmt.Sprintf(format, args...)}
}

// Validate runs the checks in order and stops at the first failure.
// Unmet acceptance items are warnings, not failures.
func (v *Validator) Validate(ctx context.Context, unit *domain.UnitState, report *domain.CompletionReport) domain.ValidationResult {
	// 1. fields
	if report == nil {
		return fail("no completion report")
	}
	if report.UnitID != unit.ID {
		return fail("unit_id mismatch: report is for %q, expected %q", report.UnitID, unit.ID)
	}
	if report.BranchName == "" {
		return fail("branch_name is empty")
	}
	if report.BaseCommit == "" {
		return fail("base_commit is empty")
	}
	switch report.Status {
	case domain.UnitCompleted, domain.UnitFailed:
	case domain.UnitBlocked:
		if report.BlockingDependency == "" {
			return fail("blocked report has no blocking_dependency")
		}
		if !slices.Contains(unit.DependsOn, report.BlockingDependency) {
			return fail("blocking_dependency %q is not a dependency of %s", report.BlockingDependency, unit.ID)
		}
	default:
		return fail("invalid report status %q", report.Status)
	}

	// 2. claimed git state
	if report.Status == domain.UnitCompleted {
		final := report.Final()
		if final == "" {
			return fail("completed report has no final_commit")
		}
		if !domain.IsCommitID(final) {
			return fail("final_commit %q is not a full commit id", final)
		}
		if unit.BranchInfo != nil && unit.BranchInfo.BaseCommit != "" && report.BaseCommit != unit.BranchInfo.BaseCommit {
			return fail("base_commit %s does not match the assigned base %s", report.BaseCommit, unit.BranchInfo.BaseCommit)
		}
		ok, err := v.repo.BranchExists(ctx, report.BranchName)
		if err != nil {
			return fail("checking branch %s: %v", report.BranchName, err)
		}
		if !ok {
			return fail("branch %s does not exist", report.BranchName)
		}
		ok, err = v.repo.CommitExists(ctx, final)
		if err != nil {
			return fail("checking commit %s: %v", final, err)
		}
		if !ok {
			return fail("commit %s does not exist", final)
		}
		ok, err = v.repo.IsAncestor(ctx, final, report.BranchName)
		if err != nil {
			return fail("checking ancestry of %s: %v", final, err)
		}
		if !ok {
			return fail("commit %s is not reachable from branch %s", final, report.BranchName)
		}
		ok, err = v.repo.IsAncestor(ctx, report.BaseCommit, final)
		if err != nil {
			return fail("checking ancestry of %s: %v", report.BaseCommit, err)
		}
		if !ok {
			return fail("base_commit %s is not an ancestor of %s", report.BaseCommit, final)
		}
	}

	// 3. tests
	switch report.TestStatus {
	case domain.TestPassing, domain.TestSkipped:
	case domain.TestFailing:
		return fail("tests failing")
	default:
		return fail("invalid test_status %q", report.TestStatus)
	}

	// 4. acceptance items
	var warnings []string
	for i, item := range report.AcceptanceItems {
		if item.Description == "" || item.Met == nil {
			return fail("malformed acceptance item %d", i)
		}
		if !*item.Met {
			warnings = append(warnings, "acceptance item not met: "+item.Description)
		}
	}
	warnings = append(warnings, report.Warnings...)

	return domain.ValidationResult{Passed: true, Warnings: warnings}
}

// Decision is the unit transition that follows from a validated report
type Decision struct {
	Status             domain.UnitStatus
	BranchInfo         *domain.BranchInfo
	FailureReason      string
	BlockingDependency string
}

// Outcome turns a validation result into a unit transition. A failed
// validation never records branch info.
func Outcome(report *domain.CompletionReport, result domain.ValidationResult) Decision {
	if !result.Passed {
		return Decision{Status: domain.UnitFailed, FailureReason: "validation_failed: " + result.Error}
	}
	switch report.Status {
	case domain.UnitFailed:
		reason := report.FailureReason
		if reason == "" {
			reason = "worker_reported_failure"
		}
		return Decision{Status: domain.UnitFailed, FailureReason: reason}
	case domain.UnitBlocked:
		return Decision{
			Status:             domain.UnitBlocked,
			BlockingDependency: report.BlockingDependency,
			FailureReason:      report.FailureReason,
		}
	}
	final := report.Final()
	return Decision{
		Status: domain.UnitCompleted,
		BranchInfo: &domain.BranchInfo{
			BaseCommit:  report.BaseCommit,
			BranchName:  report.BranchName,
			FinalCommit: &final,
		},
	}
}

// Apply writes the decision into unit
func (d Decision) Apply(unit *domain.UnitState, now time.Time) {
	unit.Status = d.Status
	unit.FailureReason = d.FailureReason
	unit.BlockingDependency = d.BlockingDependency
	unit.BranchInfo = d.BranchInfo
	if d.Status.IsTerminal() {
		unit.CompletedAt = &now
	}
}
