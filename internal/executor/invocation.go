package executor

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// orchestratorNamespace is a fixed UUID namespace for generating deterministic run IDs.
// The same unit of the same job always gets the same run ID, so a restarted
// invocation can be correlated with its earlier attempts.
var orchestratorNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// Invocation is everything a worker needs to work on one unit
type Invocation struct {
	RunID        string
	JobID        string
	UnitID       string
	BaseCommit   string
	BranchName   string
	WorktreePath string
	ReportPath   string
}

// RunID returns the deterministic run ID for a unit of a job
func RunID(jobID, unitID string) string {
	return uuid.NewSHA1(orchestratorNamespace, []byte(jobID+"/"+unitID)).String()
}

var unsafeRefChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func refComponent(s string) string {
	s = unsafeRefChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, ".-")
	if s == "" {
		return "unit"
	}
	return s
}

// IntegrationBranchName returns the default integration branch of a job
func IntegrationBranchName(prefix, jobID string) string {
	if prefix == "" {
		return refComponent(jobID)
	}
	return prefix + "/" + refComponent(jobID)
}

// BranchName returns the branch a unit's worker commits to
func BranchName(prefix, jobID, unitID string) string {
	return IntegrationBranchName(prefix, jobID) + "--" + refComponent(unitID)
}

// ReportPath returns where the worker for a unit writes its completion report
func ReportPath(stateDir, jobID, unitID string) string {
	return filepath.Join(stateDir, "reports", refComponent(jobID), refComponent(unitID)+".json")
}
