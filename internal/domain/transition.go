package domain

import "fmt"

// running → ready only happens during restart reconciliation.
var validJobTransitions = map[JobStatus]map[JobStatus]bool{
	JobInitializing: {
		JobReady:  true,
		JobFailed: true,
	},
	JobReady: {
		JobRunning: true,
		JobFailed:  true,
	},
	JobRunning: {
		JobCompleted:      true,
		JobFailed:         true,
		JobRolledBack:     true,
		JobPartialSuccess: true,
		JobReady:          true,
	},
}

// Backward edges out of running/validating/queued are restart repairs.
var validUnitTransitions = map[UnitStatus]map[UnitStatus]bool{
	UnitPending: {
		UnitQueued:  true,
		UnitBlocked: true,
	},
	UnitQueued: {
		UnitRunning: true,
		UnitFailed:  true,
		UnitBlocked: true,
		UnitPending: true,
	},
	UnitRunning: {
		UnitValidating: true,
		UnitFailed:     true,
		UnitQueued:     true,
		UnitPending:    true,
	},
	UnitValidating: {
		UnitCompleted: true,
		UnitFailed:    true,
		UnitBlocked:   true,
		UnitQueued:    true,
		UnitPending:   true,
	},
}

// ValidateJobTransition returns an error if from → to is not allowed
func ValidateJobTransition(from, to JobStatus) error {
	if from == to {
		return nil
	}
	if validJobTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("invalid job status transition: %q → %q", from, to)
}

// ValidateUnitTransition returns an error if from → to is not allowed
func ValidateUnitTransition(from, to UnitStatus) error {
	if from == to {
		return nil
	}
	if validUnitTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("invalid unit status transition: %q → %q", from, to)
}
