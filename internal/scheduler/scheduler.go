package scheduler

import (
	"sort"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// Block records that a pending unit can never run because of a dependency
type Block struct {
	UnitID     string
	Dependency string
}

// Scheduler determines which units are ready to run.
// It is rebuilt every tick so depth memoization never outlives a state snapshot.
type Scheduler struct {
	job   *domain.JobState
	depth map[string]int
}

// New creates a Scheduler over a snapshot of the job
func New(job *domain.JobState) *Scheduler {
	return &Scheduler{
		job:   job,
		depth: make(map[string]int),
	}
}

// ReadyUnits returns every pending unit whose dependencies are all completed,
// highest priority first, plus the pending units that must become blocked
// because a dependency failed or is itself blocked.
func (s *Scheduler) ReadyUnits() ([]*domain.UnitState, []Block) {
	var ready []*domain.UnitState
	var blocks []Block

	for _, u := range s.job.Units.All() {
		if u.Status != domain.UnitPending {
			continue
		}
		if dep := s.blockingDependency(u); dep != "" {
			blocks = append(blocks, Block{UnitID: u.ID, Dependency: dep})
			continue
		}
		if s.dependenciesCompleted(u) {
			ready = append(ready, u)
		}
	}

	s.Prioritize(ready)
	return ready, blocks
}

// Prioritize sorts units critical first, then by longest dependency chain,
// then by declaration order.
func (s *Scheduler) Prioritize(units []*domain.UnitState) {
	sort.SliceStable(units, func(i, j int) bool {
		// 1. Critical units first
		if units[i].Critical != units[j].Critical {
			return units[i].Critical
		}

		// 2. Longer dependency chains first
		di, dj := s.Depth(units[i].ID), s.Depth(units[j].ID)
		if di != dj {
			return di > dj
		}

		// 3. Declaration order
		return s.job.Units.Index(units[i].ID) < s.job.Units.Index(units[j].ID)
	})
}

// Depth returns the length of the longest dependency chain from id down to a
// unit without dependencies. A unit without dependencies has depth 0.
func (s *Scheduler) Depth(id string) int {
	return s.depthOf(id, make(map[string]bool))
}

func (s *Scheduler) depthOf(id string, visiting map[string]bool) int {
	if d, ok := s.depth[id]; ok {
		return d
	}
	u := s.job.Unit(id)
	if u == nil || visiting[id] {
		return 0
	}
	visiting[id] = true

	d := 0
	for _, dep := range u.DependsOn {
		if dd := s.depthOf(dep, visiting) + 1; dd > d {
			d = dd
		}
	}

	visiting[id] = false
	s.depth[id] = d
	return d
}

func (s *Scheduler) dependenciesCompleted(u *domain.UnitState) bool {
	for _, dep := range u.DependsOn {
		d := s.job.Unit(dep)
		if d == nil || d.Status != domain.UnitCompleted {
			return false
		}
	}
	return true
}

// blockingDependency returns the first failed dependency, else the first
// blocked one, else "".
func (s *Scheduler) blockingDependency(u *domain.UnitState) string {
	blocked := ""
	for _, dep := range u.DependsOn {
		d := s.job.Unit(dep)
		if d == nil {
			continue
		}
		switch d.Status {
		case domain.UnitFailed:
			return dep
		case domain.UnitBlocked:
			if blocked == "" {
				blocked = dep
			}
		}
	}
	return blocked
}

// Queued returns the units waiting for a worker slot, highest priority first
func (s *Scheduler) Queued() []*domain.UnitState {
	var queued []*domain.UnitState
	for _, u := range s.job.Units.All() {
		if u.Status == domain.UnitQueued {
			queued = append(queued, u)
		}
	}
	s.Prioritize(queued)
	return queued
}
