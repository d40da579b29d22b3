package scheduler

import "github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"

// DefaultMaxConcurrent is the number of workers allowed to run at once
const DefaultMaxConcurrent = 3

// Limiter caps the number of units that occupy a worker slot.
// Running and validating units hold a slot.
type Limiter struct {
	max int
}

// NewLimiter returns a limiter allowing max concurrent workers.
// Values below 1 fall back to DefaultMaxConcurrent.
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = DefaultMaxConcurrent
	}
	return &Limiter{max: max}
}

// Max returns the configured limit
func (l *Limiter) Max() int { return l.max }

// Active counts the units holding a slot
func (l *Limiter) Active(job *domain.JobState) int {
	n := 0
	for _, u := range job.Units.All() {
		if u.Status.Active() {
			n++
		}
	}
	return n
}

// Available returns the number of free slots, never negative
func (l *Limiter) Available(job *domain.JobState) int {
	if free := l.max - l.Active(job); free > 0 {
		return free
	}
	return 0
}

// Spawnable returns how many of candidates may start now
func (l *Limiter) Spawnable(job *domain.JobState, candidates int) int {
	return min(l.Available(job), max(candidates, 0))
}
