package domain

import "time"

// UnitSpec is one node of the work graph as declared by the caller
type UnitSpec struct {
	ID        string
	DependsOn []string
	Critical  bool
}

// BranchInfo records the branch a unit's work landed on.
// FinalCommit is only set once the unit is completed.
type BranchInfo struct {
	BaseCommit  string  `json:"base_commit"`
	BranchName  string  `json:"branch_name"`
	FinalCommit *string `json:"final_commit"`
	Deleted     bool    `json:"deleted,omitempty"`
}

// Final returns the final commit or "" when none is recorded
func (b *BranchInfo) Final() string {
	if b == nil || b.FinalCommit == nil {
		return ""
	}
	return *b.FinalCommit
}

// UnitState is the persisted state of one unit
type UnitState struct {
	ID                 string      `json:"id"`
	DependsOn          []string    `json:"depends_on"`
	Critical           bool        `json:"critical"`
	Status             UnitStatus  `json:"status"`
	BranchInfo         *BranchInfo `json:"branch_info"`
	StartedAt          *time.Time  `json:"started_at"`
	CompletedAt        *time.Time  `json:"completed_at"`
	FailureReason      string      `json:"failure_reason,omitempty"`
	BlockingDependency string      `json:"blocking_dependency,omitempty"`
	PreviousStatus     UnitStatus  `json:"previous_status,omitempty"`
}

// JobState is the persisted state of one job and all of its units
type JobState struct {
	JobID                     string     `json:"job_id"`
	IntegrationBranch         string     `json:"integration_branch"`
	BaselineCommit            string     `json:"baseline_commit"`
	Status                    JobStatus  `json:"status"`
	RollbackOnCriticalFailure bool       `json:"rollback_on_critical_failure"`
	StartedAt                 *time.Time `json:"started_at"`
	CompletedAt               *time.Time `json:"completed_at"`
	LastUpdated               time.Time  `json:"last_updated"`
	FailureReason             string     `json:"failure_reason,omitempty"`
	PreviousStatus            JobStatus  `json:"previous_status,omitempty"`
	Units                     Units      `json:"units"`
}

// NewJob builds a job in the initializing state with every unit pending
func NewJob(jobID, integrationBranch string, rollback bool, specs []UnitSpec) (*JobState, error) {
	job := &JobState{
		JobID:                     jobID,
		IntegrationBranch:         integrationBranch,
		Status:                    JobInitializing,
		RollbackOnCriticalFailure: rollback,
	}
	for _, s := range specs {
		deps := make([]string, len(s.DependsOn))
		copy(deps, s.DependsOn)
		if err := job.Units.Add(&UnitState{
			ID:        s.ID,
			DependsOn: deps,
			Critical:  s.Critical,
			Status:    UnitPending,
		}); err != nil {
			return nil, err
		}
	}
	return job, nil
}

// Unit returns the unit with the given id, or nil
func (j *JobState) Unit(id string) *UnitState {
	u, _ := j.Units.Get(id)
	return u
}

// Specs returns the graph the job was created from, in declaration order
func (j *JobState) Specs() []UnitSpec {
	specs := make([]UnitSpec, 0, j.Units.Len())
	for _, u := range j.Units.All() {
		specs = append(specs, UnitSpec{ID: u.ID, DependsOn: u.DependsOn, Critical: u.Critical})
	}
	return specs
}

// Counts returns the number of units per status
func (j *JobState) Counts() map[UnitStatus]int {
	counts := make(map[UnitStatus]int)
	for _, u := range j.Units.All() {
		counts[u.Status]++
	}
	return counts
}

// AllUnitsTerminal reports whether every unit is completed, failed or blocked
func (j *JobState) AllUnitsTerminal() bool {
	for _, u := range j.Units.All() {
		if !u.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the job
func (j *JobState) Clone() *JobState {
	if j == nil {
		return nil
	}
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.Units = j.Units.clone()
	return &c
}

// Clone returns a deep copy of the unit
func (u *UnitState) Clone() *UnitState {
	if u == nil {
		return nil
	}
	c := *u
	if u.DependsOn != nil {
		c.DependsOn = make([]string, len(u.DependsOn))
		copy(c.DependsOn, u.DependsOn)
	}
	if u.BranchInfo != nil {
		bi := *u.BranchInfo
		if u.BranchInfo.FinalCommit != nil {
			fc := *u.BranchInfo.FinalCommit
			bi.FinalCommit = &fc
		}
		c.BranchInfo = &bi
	}
	c.StartedAt = cloneTime(u.StartedAt)
	c.CompletedAt = cloneTime(u.CompletedAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
