package domain

// AcceptanceItem is one acceptance criterion as judged by the worker
type AcceptanceItem struct {
	Description string `json:"description"`
	Met         *bool  `json:"met"`
}

// CompletionReport is what a worker hands back when it finishes a unit
type CompletionReport struct {
	UnitID             string           `json:"unit_id"`
	Status             UnitStatus       `json:"status"`
	BranchName         string           `json:"branch_name"`
	BaseCommit         string           `json:"base_commit"`
	FinalCommit        *string          `json:"final_commit"`
	FilesModified      []string         `json:"files_modified"`
	TestStatus         TestStatus       `json:"test_status"`
	AcceptanceItems    []AcceptanceItem `json:"acceptance_items"`
	FailureReason      string           `json:"failure_reason,omitempty"`
	BlockingDependency string           `json:"blocking_dependency,omitempty"`
	Warnings           []string         `json:"warnings,omitempty"`
}

// Final returns the reported final commit or ""
func (r *CompletionReport) Final() string {
	if r == nil || r.FinalCommit == nil {
		return ""
	}
	return *r.FinalCommit
}

// ValidationResult is the outcome of checking a report against the repository
type ValidationResult struct {
	Passed   bool
	Error    string
	Warnings []string
}

// IsCommitID reports whether s is a full SHA-1 or SHA-256 object name in
// lowercase hex. Abbreviations and symbolic refs like HEAD are rejected.
func IsCommitID(s string) bool {
	if len(s) != 40 && len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
