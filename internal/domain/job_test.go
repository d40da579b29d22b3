package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func testJob(t *testing.T) *JobState {
	t.Helper()
	job, err := NewJob("epic-7", "epic/epic-7", true, []UnitSpec{
		{ID: "zeta", Critical: true},
		{ID: "alpha", DependsOn: []string{"zeta"}},
		{ID: "mid", DependsOn: []string{"zeta", "alpha"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestNewJob_DuplicateID(t *testing.T) {
	_, err := NewJob("j", "b", false, []UnitSpec{{ID: "A"}, {ID: "A"}})
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestUnits_JSONKeepsDeclarationOrder(t *testing.T) {
	job := testJob(t)

	data, err := json.Marshal(job)
	if err != nil {
		t.Fatal(err)
	}

	s := string(data)
	z, a, m := strings.Index(s, `"zeta":`), strings.Index(s, `"alpha":`), strings.Index(s, `"mid":`)
	if !(z < a && a < m) {
		t.Errorf("units not in declaration order: %s", s)
	}

	var decoded JobState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	got := decoded.Units.IDs()
	want := []string{"zeta", "alpha", "mid"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("IDs()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if decoded.Unit("mid").DependsOn[1] != "alpha" {
		t.Errorf("depends_on not preserved: %v", decoded.Unit("mid").DependsOn)
	}
}

func TestUnits_UnmarshalRejectsDuplicateKeys(t *testing.T) {
	var us Units
	err := json.Unmarshal([]byte(`{"A":{"id":"A"},"A":{"id":"A"}}`), &us)
	if err == nil {
		t.Fatal("expected duplicate key error")
	}
}

func TestJobState_CloneIsDeep(t *testing.T) {
	job := testJob(t)
	now := time.Now().UTC()
	final := "abc123"
	job.Unit("zeta").StartedAt = &now
	job.Unit("zeta").BranchInfo = &BranchInfo{BaseCommit: "base", BranchName: "b", FinalCommit: &final}

	c := job.Clone()
	c.Unit("zeta").Status = UnitFailed
	*c.Unit("zeta").BranchInfo.FinalCommit = "changed"
	c.Unit("alpha").DependsOn[0] = "other"

	if job.Unit("zeta").Status != UnitPending {
		t.Error("clone shares unit state")
	}
	if job.Unit("zeta").BranchInfo.Final() != "abc123" {
		t.Error("clone shares final commit")
	}
	if job.Unit("alpha").DependsOn[0] != "zeta" {
		t.Error("clone shares depends_on")
	}
}

func TestJobState_AllUnitsTerminal(t *testing.T) {
	job := testJob(t)
	if job.AllUnitsTerminal() {
		t.Error("pending units are not terminal")
	}
	for _, u := range job.Units.All() {
		u.Status = UnitBlocked
	}
	job.Unit("zeta").Status = UnitCompleted
	if !job.AllUnitsTerminal() {
		t.Error("expected all terminal")
	}
	if got := job.Counts()[UnitBlocked]; got != 2 {
		t.Errorf("Counts()[blocked] = %d, want 2", got)
	}
}

func TestValidateUnitTransition(t *testing.T) {
	tests := []struct {
		from, to UnitStatus
		wantErr  bool
	}{
		{UnitPending, UnitQueued, false},
		{UnitPending, UnitBlocked, false},
		{UnitQueued, UnitRunning, false},
		{UnitRunning, UnitValidating, false},
		{UnitValidating, UnitCompleted, false},
		{UnitValidating, UnitFailed, false},
		{UnitRunning, UnitQueued, false},
		{UnitPending, UnitCompleted, true},
		{UnitCompleted, UnitFailed, true},
		{UnitFailed, UnitPending, true},
		{UnitBlocked, UnitQueued, true},
		{UnitCompleted, UnitCompleted, false},
	}

	for _, tt := range tests {
		err := ValidateUnitTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateUnitTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func TestValidateJobTransition(t *testing.T) {
	tests := []struct {
		from, to JobStatus
		wantErr  bool
	}{
		{JobInitializing, JobReady, false},
		{JobReady, JobRunning, false},
		{JobRunning, JobPartialSuccess, false},
		{JobRunning, JobReady, false},
		{JobCompleted, JobRunning, true},
		{JobInitializing, JobRunning, true},
		{JobRolledBack, JobReady, true},
	}

	for _, tt := range tests {
		err := ValidateJobTransition(tt.from, tt.to)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateJobTransition(%s, %s) error = %v, wantErr %v", tt.from, tt.to, err, tt.wantErr)
		}
	}
}

func TestIsCommitID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"0123456789abcdef0123456789abcdef01234567", true},
		{strings.Repeat("ab", 32), true},
		{"HEAD", false},
		{"main", false},
		{"epic/job--A", false},
		{"0123456", false},
		{"0123456789ABCDEF0123456789ABCDEF01234567", false},
		{"HEAD~1aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsCommitID(tt.in); got != tt.want {
			t.Errorf("IsCommitID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
