package executor

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

var requiredReportKeys = []string{
	"unit_id",
	"status",
	"branch_name",
	"base_commit",
	"final_commit",
	"files_modified",
	"test_status",
	"acceptance_items",
}

// ReportError means the worker finished but its report could not be used
type ReportError struct {
	Err error
}

func (e *ReportError) Error() string { return "invalid completion report: " + e.Err.Error() }

func (e *ReportError) Unwrap() error { return e.Err }

// DecodeReport parses a completion report. Every required key must be present;
// final_commit may be null, the list fields may not.
func DecodeReport(data []byte) (*domain.CompletionReport, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &ReportError{Err: fmt.Errorf("malformed JSON: %w", err)}
	}

	var missing []string
	for _, key := range requiredReportKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &ReportError{Err: fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))}
	}

	for _, key := range []string{"files_modified", "acceptance_items"} {
		if string(bytes.TrimSpace(raw[key])) == "null" {
			return nil, &ReportError{Err: fmt.Errorf("%s must be a list", key)}
		}
	}

	var report domain.CompletionReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, &ReportError{Err: err}
	}
	return &report, nil
}
