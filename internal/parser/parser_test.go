package parser

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParse_YAML(t *testing.T) {
	data := []byte(`job_id: billing-v2
integration_branch: epic/billing-v2
rollback_on_critical_failure: true
units:
  - id: schema
    critical: true
  - id: api
    depends_on: [schema]
  - id: docs
`)
	g, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if g.JobID != "billing-v2" || g.IntegrationBranch != "epic/billing-v2" || !g.RollbackOnCriticalFailure {
		t.Errorf("job fields = %+v", g)
	}

	specs := g.Specs()
	if len(specs) != 3 {
		t.Fatalf("len(Specs()) = %d, want 3", len(specs))
	}
	if specs[0].ID != "schema" || !specs[0].Critical {
		t.Errorf("specs[0] = %+v", specs[0])
	}
	if !reflect.DeepEqual(specs[1].DependsOn, []string{"schema"}) {
		t.Errorf("specs[1].DependsOn = %v", specs[1].DependsOn)
	}
}

func TestParse_Frontmatter(t *testing.T) {
	data := []byte("---\njob_id: j1\nunits:\n  - id: A\n---\n\n# Job one\n\nSome prose.\n")
	g, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if g.JobID != "j1" || len(g.Units) != 1 {
		t.Errorf("graph = %+v", g)
	}
}

func TestParse_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"missing job id", "units:\n  - id: A\n", "job_id is required"},
		{"no units", "job_id: j\n", "at least one unit"},
		{"unit without id", "job_id: j\nunits:\n  - critical: true\n", "units[0]: id is required"},
		{"unknown field", "job_id: j\nparallelism: 4\nunits:\n  - id: A\n", "parallelism"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParse_LeavesGraphChecksToResolver(t *testing.T) {
	// cycles and unknown dependencies parse fine; the resolver rejects them
	data := []byte("job_id: j\nunits:\n  - id: A\n    depends_on: [B]\n  - id: B\n    depends_on: [A]\n")
	if _, err := Parse(data); err != nil {
		t.Errorf("Parse() error = %v", err)
	}
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "README.md", "---\njob_id: payments\nrollback_on_critical_failure: false\n---\n# Payments\n")
	writeFile(t, dir, "01-ledger.md", "---\nid: ledger\ncritical: true\n---\n# Ledger tables\n")
	writeFile(t, dir, "02-api.md", "---\ndepends_on: [ledger]\n---\n# Payments API\n")
	writeFile(t, dir, "notes.md", "# Scratch notes without frontmatter\n")

	g, err := Load(dir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if g.JobID != "payments" {
		t.Errorf("JobID = %q", g.JobID)
	}
	want := []Unit{
		{ID: "ledger", Title: "Ledger tables", Critical: true},
		{ID: "02-api", Title: "Payments API", DependsOn: []string{"ledger"}},
	}
	if !reflect.DeepEqual(g.Units, want) {
		t.Errorf("Units = %+v, want %+v", g.Units, want)
	}
}

func TestLoadDir_NoJobFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.md", "---\nid: a\n---\n")
	if _, err := LoadDir(dir); err == nil {
		t.Error("LoadDir() without a job file should fail")
	}
}

func TestLoad_File(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "graph.yaml", "job_id: j\nunits:\n  - id: A\n")
	g, err := Load(filepath.Join(dir, "graph.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if g.Units[0].ID != "A" {
		t.Errorf("Units = %+v", g.Units)
	}

	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
