package scheduler

import (
	"errors"
	"strings"
	"testing"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

func buildJob(t *testing.T, specs ...domain.UnitSpec) *domain.JobState {
	t.Helper()
	job, err := domain.NewJob("epic-1", "epic/epic-1", false, specs)
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func ids(units []*domain.UnitState) []string {
	out := make([]string, len(units))
	for i, u := range units {
		out[i] = u.ID
	}
	return out
}

func TestScheduler_ReadyUnits(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "B", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "C", DependsOn: []string{"B"}},
		domain.UnitSpec{ID: "D"},
	)

	ready, blocks := New(job).ReadyUnits()

	if got := strings.Join(ids(ready), ","); got != "A,D" {
		t.Errorf("ready = %s, want A,D", got)
	}
	if len(blocks) != 0 {
		t.Errorf("blocks = %v, want none", blocks)
	}
}

func TestScheduler_ReadyUnits_WithCompleted(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "B", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "C", DependsOn: []string{"B"}},
	)
	job.Unit("A").Status = domain.UnitCompleted

	ready, _ := New(job).ReadyUnits()

	if got := strings.Join(ids(ready), ","); got != "B" {
		t.Errorf("ready = %s, want B", got)
	}
}

func TestScheduler_ReadyUnits_NeverReturnsIncompleteDependency(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "B"},
		domain.UnitSpec{ID: "C", DependsOn: []string{"A", "B"}},
	)
	statuses := []domain.UnitStatus{
		domain.UnitPending, domain.UnitQueued, domain.UnitRunning, domain.UnitValidating, domain.UnitCompleted,
	}

	for _, sa := range statuses {
		for _, sb := range statuses {
			job.Unit("A").Status = sa
			job.Unit("B").Status = sb
			ready, _ := New(job).ReadyUnits()
			for _, u := range ready {
				for _, dep := range u.DependsOn {
					if job.Unit(dep).Status != domain.UnitCompleted {
						t.Errorf("A=%s B=%s: %s ready with %s %s", sa, sb, u.ID, dep, job.Unit(dep).Status)
					}
				}
			}
		}
	}
}

func TestScheduler_ReadyUnits_BlocksOnFailedDependency(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A", Critical: true},
		domain.UnitSpec{ID: "B", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "C", DependsOn: []string{"B"}},
		domain.UnitSpec{ID: "D"},
	)
	job.Unit("A").Status = domain.UnitFailed

	ready, blocks := New(job).ReadyUnits()

	if got := strings.Join(ids(ready), ","); got != "D" {
		t.Errorf("ready = %s, want D", got)
	}
	if len(blocks) != 1 || blocks[0] != (Block{UnitID: "B", Dependency: "A"}) {
		t.Fatalf("blocks = %v, want [{B A}]", blocks)
	}

	// once B is blocked, C follows on the next tick
	job.Unit("B").Status = domain.UnitBlocked
	_, blocks = New(job).ReadyUnits()
	if len(blocks) != 1 || blocks[0] != (Block{UnitID: "C", Dependency: "B"}) {
		t.Errorf("blocks = %v, want [{C B}]", blocks)
	}
}

func TestScheduler_Prioritize(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "root1"},
		domain.UnitSpec{ID: "root2"},
		domain.UnitSpec{ID: "mid", DependsOn: []string{"root1"}},
		domain.UnitSpec{ID: "deep", DependsOn: []string{"mid", "root2"}},
		domain.UnitSpec{ID: "shallow", DependsOn: []string{"root2"}},
		domain.UnitSpec{ID: "crit", DependsOn: []string{"root2"}, Critical: true},
	)
	for _, id := range []string{"root1", "root2", "mid"} {
		job.Unit(id).Status = domain.UnitCompleted
	}

	ready, _ := New(job).ReadyUnits()

	// critical first, then deeper chains, then declaration order
	want := "crit,deep,shallow"
	if got := strings.Join(ids(ready), ","); got != want {
		t.Errorf("ready = %s, want %s", got, want)
	}
}

func TestScheduler_Depth(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "B", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "C", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "D", DependsOn: []string{"B", "C"}},
		domain.UnitSpec{ID: "E", DependsOn: []string{"D", "A"}},
	)
	s := New(job)

	tests := []struct {
		id   string
		want int
	}{
		{"A", 0},
		{"B", 1},
		{"D", 2},
		{"E", 3},
	}
	for _, tt := range tests {
		if got := s.Depth(tt.id); got != tt.want {
			t.Errorf("Depth(%s) = %d, want %d", tt.id, got, tt.want)
		}
	}
}

func TestScheduler_Queued(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "B", Critical: true},
		domain.UnitSpec{ID: "C"},
	)
	job.Unit("A").Status = domain.UnitQueued
	job.Unit("B").Status = domain.UnitQueued

	if got := strings.Join(ids(New(job).Queued()), ","); got != "B,A" {
		t.Errorf("queued = %s, want B,A", got)
	}
}

func TestValidateGraph(t *testing.T) {
	tests := []struct {
		name    string
		specs   []domain.UnitSpec
		want    string
		wantErr string
	}{
		{
			name:  "diamond",
			specs: []domain.UnitSpec{{ID: "D", DependsOn: []string{"B", "C"}}, {ID: "B", DependsOn: []string{"A"}}, {ID: "C", DependsOn: []string{"A"}}, {ID: "A"}},
			want:  "A,B,C,D",
		},
		{
			name:    "cycle",
			specs:   []domain.UnitSpec{{ID: "A", DependsOn: []string{"B"}}, {ID: "B", DependsOn: []string{"A"}}},
			wantErr: "A -> B -> A",
		},
		{
			name:    "unknown dependency",
			specs:   []domain.UnitSpec{{ID: "A", DependsOn: []string{"X"}}},
			wantErr: "unknown unit",
		},
		{
			name:    "self dependency",
			specs:   []domain.UnitSpec{{ID: "A", DependsOn: []string{"A"}}},
			wantErr: "depends on itself",
		},
		{
			name:    "duplicate",
			specs:   []domain.UnitSpec{{ID: "A"}, {ID: "A"}},
			wantErr: "duplicate",
		},
		{
			name:    "empty",
			wantErr: "no units",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order, err := ValidateGraph(tt.specs)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got := strings.Join(order, ","); got != tt.want {
				t.Errorf("order = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestValidateGraph_CycleIsSentinel(t *testing.T) {
	_, err := ValidateGraph([]domain.UnitSpec{
		{ID: "A", DependsOn: []string{"C"}},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D"},
	})
	if !errors.Is(err, ErrCycle) {
		t.Errorf("error = %v, want ErrCycle", err)
	}
}

func TestTopologicalOrder_CompletedOnly(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "D", DependsOn: []string{"B", "C"}},
		domain.UnitSpec{ID: "C", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "B", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "X"},
	)
	for _, id := range []string{"A", "B", "C", "D"} {
		job.Unit(id).Status = domain.UnitCompleted
	}
	job.Unit("X").Status = domain.UnitFailed

	order, err := TopologicalOrder(job, func(u *domain.UnitState) bool {
		return u.Status == domain.UnitCompleted
	})
	if err != nil {
		t.Fatal(err)
	}

	pos := make(map[string]int)
	for i, id := range order {
		pos[id] = i
	}
	if len(order) != 4 {
		t.Fatalf("order = %v, want 4 units", order)
	}
	if pos["A"] != 0 || pos["D"] != 3 {
		t.Errorf("order = %v, want A first and D last", order)
	}
	for _, u := range job.Units.All() {
		if _, ok := pos[u.ID]; !ok {
			continue
		}
		for _, dep := range u.DependsOn {
			if pos[dep] > pos[u.ID] {
				t.Errorf("%s placed before its dependency %s", u.ID, dep)
			}
		}
	}
}

func TestTransitiveDependents(t *testing.T) {
	job := buildJob(t,
		domain.UnitSpec{ID: "A"},
		domain.UnitSpec{ID: "B", DependsOn: []string{"A"}},
		domain.UnitSpec{ID: "C", DependsOn: []string{"B"}},
		domain.UnitSpec{ID: "D", DependsOn: []string{"A", "C"}},
		domain.UnitSpec{ID: "E"},
	)

	got := TransitiveDependents(job, "A")
	want := []Dependent{{ID: "B", Via: "A"}, {ID: "D", Via: "A"}, {ID: "C", Via: "B"}}
	if len(got) != len(want) {
		t.Fatalf("TransitiveDependents = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("TransitiveDependents[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
