package statestore

import (
	"fmt"
	"strings"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// ValidationError is a single schema violation
type ValidationError struct {
	FieldPath string
	Message   string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.FieldPath, e.Message)
}

// ValidationErrors collects every schema violation found in a job
type ValidationErrors struct {
	Errors []ValidationError
}

func (ve *ValidationErrors) Add(fieldPath, message string) {
	ve.Errors = append(ve.Errors, ValidationError{FieldPath: fieldPath, Message: message})
}

func (ve *ValidationErrors) HasErrors() bool {
	return len(ve.Errors) > 0
}

func (ve *ValidationErrors) Error() string {
	msgs := make([]string, 0, len(ve.Errors))
	for _, e := range ve.Errors {
		msgs = append(msgs, e.Error())
	}
	return "state schema violation: " + strings.Join(msgs, "; ")
}

// Validate checks a job against the state file schema
func Validate(job *domain.JobState) error {
	var ve ValidationErrors

	if job.JobID == "" {
		ve.Add("job_id", "required")
	}
	if job.IntegrationBranch == "" {
		ve.Add("integration_branch", "required")
	}
	if !job.Status.Valid() {
		ve.Add("status", fmt.Sprintf("unknown job status %q", job.Status))
	}
	if job.Status != domain.JobInitializing && job.BaselineCommit == "" {
		ve.Add("baseline_commit", "required once the job has left initializing")
	}
	if job.LastUpdated.IsZero() {
		ve.Add("last_updated", "required")
	}
	if job.PreviousStatus != "" && !job.PreviousStatus.Valid() {
		ve.Add("previous_status", fmt.Sprintf("unknown job status %q", job.PreviousStatus))
	}
	if (job.Status == domain.JobFailed || job.Status == domain.JobRolledBack) && job.FailureReason == "" {
		ve.Add("failure_reason", fmt.Sprintf("required when status is %s", job.Status))
	}
	if job.Status.IsTerminal() && job.CompletedAt == nil {
		ve.Add("completed_at", "required once the job is terminal")
	}
	if job.Units.Len() == 0 {
		ve.Add("units", "at least one unit is required")
	}

	for _, id := range job.Units.IDs() {
		u, _ := job.Units.Get(id)
		validateUnit(&ve, job, id, u)
	}

	if ve.HasErrors() {
		return &ve
	}
	return nil
}

func validateUnit(ve *ValidationErrors, job *domain.JobState, key string, u *domain.UnitState) {
	path := "units." + key

	if u == nil {
		ve.Add(path, "unit is null")
		return
	}
	if u.ID != key {
		ve.Add(path+".id", fmt.Sprintf("must equal its key, got %q", u.ID))
	}
	if !u.Status.Valid() {
		ve.Add(path+".status", fmt.Sprintf("unknown unit status %q", u.Status))
	}
	if u.PreviousStatus != "" && !u.PreviousStatus.Valid() {
		ve.Add(path+".previous_status", fmt.Sprintf("unknown unit status %q", u.PreviousStatus))
	}

	seen := make(map[string]bool, len(u.DependsOn))
	for _, dep := range u.DependsOn {
		switch {
		case dep == key:
			ve.Add(path+".depends_on", "unit depends on itself")
		case seen[dep]:
			ve.Add(path+".depends_on", fmt.Sprintf("duplicate dependency %q", dep))
		default:
			if _, ok := job.Units.Get(dep); !ok {
				ve.Add(path+".depends_on", fmt.Sprintf("unknown unit %q", dep))
			}
		}
		seen[dep] = true
	}

	if bi := u.BranchInfo; bi != nil {
		switch u.Status {
		case domain.UnitRunning, domain.UnitValidating, domain.UnitCompleted:
		default:
			if !bi.Deleted {
				ve.Add(path+".branch_info", fmt.Sprintf("not allowed while %s", u.Status))
			}
		}
		if bi.FinalCommit != nil && u.Status != domain.UnitCompleted {
			ve.Add(path+".branch_info.final_commit", "only allowed when completed")
		}
	}

	switch u.Status {
	case domain.UnitCompleted:
		if u.BranchInfo.Final() == "" {
			ve.Add(path+".branch_info.final_commit", "required when completed")
		}
		if u.BranchInfo != nil && (u.BranchInfo.BranchName == "" || u.BranchInfo.BaseCommit == "") {
			ve.Add(path+".branch_info", "branch_name and base_commit are required")
		}
	case domain.UnitFailed:
		if u.FailureReason == "" {
			ve.Add(path+".failure_reason", "required when failed")
		}
	case domain.UnitBlocked:
		if u.BlockingDependency == "" {
			ve.Add(path+".blocking_dependency", "required when blocked")
		} else if _, ok := job.Units.Get(u.BlockingDependency); !ok {
			ve.Add(path+".blocking_dependency", fmt.Sprintf("unknown unit %q", u.BlockingDependency))
		}
	}

	if u.Status.Active() && u.StartedAt == nil {
		ve.Add(path+".started_at", fmt.Sprintf("required while %s", u.Status))
	}
}
