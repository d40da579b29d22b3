package domain

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobInitializing   JobStatus = "initializing"
	JobReady          JobStatus = "ready"
	JobRunning        JobStatus = "running"
	JobCompleted      JobStatus = "completed"
	JobFailed         JobStatus = "failed"
	JobRolledBack     JobStatus = "rolled_back"
	JobPartialSuccess JobStatus = "partial_success"
)

// UnitStatus represents the lifecycle state of a single unit of work
type UnitStatus string

const (
	UnitPending    UnitStatus = "pending"
	UnitQueued     UnitStatus = "queued"
	UnitRunning    UnitStatus = "running"
	UnitValidating UnitStatus = "validating"
	UnitCompleted  UnitStatus = "completed"
	UnitFailed     UnitStatus = "failed"
	UnitBlocked    UnitStatus = "blocked"
)

// TestStatus is the test outcome a worker reports
type TestStatus string

const (
	TestPassing TestStatus = "passing"
	TestFailing TestStatus = "failing"
	TestSkipped TestStatus = "skipped"
)

var jobStatuses = map[JobStatus]bool{
	JobInitializing:   true,
	JobReady:          true,
	JobRunning:        true,
	JobCompleted:      true,
	JobFailed:         true,
	JobRolledBack:     true,
	JobPartialSuccess: true,
}

var terminalJobStatuses = map[JobStatus]bool{
	JobCompleted:      true,
	JobFailed:         true,
	JobRolledBack:     true,
	JobPartialSuccess: true,
}

var unitStatuses = map[UnitStatus]bool{
	UnitPending:    true,
	UnitQueued:     true,
	UnitRunning:    true,
	UnitValidating: true,
	UnitCompleted:  true,
	UnitFailed:     true,
	UnitBlocked:    true,
}

var terminalUnitStatuses = map[UnitStatus]bool{
	UnitCompleted: true,
	UnitFailed:    true,
	UnitBlocked:   true,
}

// Valid reports whether s is a known job status
func (s JobStatus) Valid() bool { return jobStatuses[s] }

// IsTerminal reports whether no further transitions are allowed
func (s JobStatus) IsTerminal() bool { return terminalJobStatuses[s] }

// Valid reports whether s is a known unit status
func (s UnitStatus) Valid() bool { return unitStatuses[s] }

// IsTerminal reports whether s is completed, failed or blocked
func (s UnitStatus) IsTerminal() bool { return terminalUnitStatuses[s] }

// Active reports whether a worker occupies a slot for a unit in this status
func (s UnitStatus) Active() bool {
	return s == UnitRunning || s == UnitValidating
}

// Valid reports whether s is a known test status
func (s TestStatus) Valid() bool {
	switch s {
	case TestPassing, TestFailing, TestSkipped:
		return true
	}
	return false
}
