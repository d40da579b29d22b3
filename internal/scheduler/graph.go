package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hochfrequenz/claude-epic-orchestrator/internal/domain"
)

// ErrCycle is wrapped by ValidateGraph when the dependency graph is not acyclic
var ErrCycle = errors.New("circular dependency detected")

// ValidateGraph checks a work graph before a job is created and returns the
// unit IDs in topological order.
func ValidateGraph(specs []domain.UnitSpec) ([]string, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("work graph has no units")
	}

	ids := make([]string, 0, len(specs))
	known := make(map[string]bool, len(specs))
	for _, s := range specs {
		if s.ID == "" {
			return nil, fmt.Errorf("unit with empty id")
		}
		if known[s.ID] {
			return nil, fmt.Errorf("duplicate unit id %q", s.ID)
		}
		known[s.ID] = true
		ids = append(ids, s.ID)
	}

	edges := make(map[string][]string, len(specs))
	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if dep == s.ID {
				return nil, fmt.Errorf("unit %q depends on itself", s.ID)
			}
			if !known[dep] {
				return nil, fmt.Errorf("unit %q depends on unknown unit %q", s.ID, dep)
			}
		}
		edges[s.ID] = s.DependsOn
	}

	return kahn(ids, edges)
}

// kahn sorts ids so that dependencies come first. Ties are broken by the
// position in ids, which keeps the order deterministic. Edges to nodes outside
// ids are ignored.
func kahn(ids []string, edges map[string][]string) ([]string, error) {
	pos := make(map[string]int, len(ids))
	for i, id := range ids {
		pos[id] = i
	}

	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		for _, dep := range edges[id] {
			if _, ok := pos[dep]; !ok {
				continue
			}
			inDegree[id]++
			forward[dep] = append(forward[dep], id)
		}
	}

	done := make(map[string]bool, len(ids))
	sorted := make([]string, 0, len(ids))
	for len(sorted) < len(ids) {
		next := ""
		for _, id := range ids {
			if !done[id] && inDegree[id] == 0 {
				next = id
				break
			}
		}
		if next == "" {
			path := findCyclePath(ids, edges, done)
			return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
		}
		done[next] = true
		sorted = append(sorted, next)
		for _, dependent := range forward[next] {
			inDegree[dependent]--
		}
	}
	return sorted, nil
}

// findCyclePath walks the nodes Kahn could not sort and returns one cycle,
// first node repeated at the end.
func findCyclePath(ids []string, edges map[string][]string, sorted map[string]bool) []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	remaining := make(map[string]bool)
	for _, id := range ids {
		if !sorted[id] {
			remaining[id] = true
		}
	}

	color := make(map[string]int)
	parent := make(map[string]string)
	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if !remaining[dep] {
				continue
			}
			if color[dep] == gray {
				cyclePath = []string{dep}
				for current := node; current != dep; current = parent[current] {
					cyclePath = append(cyclePath, current)
				}
				cyclePath = append(cyclePath, dep)
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if remaining[id] && color[id] == white && dfs(id) {
			return cyclePath
		}
	}
	return nil
}

// TopologicalOrder returns the IDs of units accepted by include with every
// dependency ahead of its dependents. Ties follow declaration order.
func TopologicalOrder(job *domain.JobState, include func(*domain.UnitState) bool) ([]string, error) {
	var ids []string
	edges := make(map[string][]string)
	for _, u := range job.Units.All() {
		if include != nil && !include(u) {
			continue
		}
		ids = append(ids, u.ID)
		edges[u.ID] = u.DependsOn
	}
	return kahn(ids, edges)
}

// Dependent is a unit reached from a failed unit through the dependency graph
type Dependent struct {
	ID string
	// Via is the dependency through which the unit was reached
	Via string
}

// TransitiveDependents returns every unit that depends on id directly or
// transitively, in breadth-first order.
func TransitiveDependents(job *domain.JobState, id string) []Dependent {
	reverse := make(map[string][]string)
	for _, u := range job.Units.All() {
		for _, dep := range u.DependsOn {
			reverse[dep] = append(reverse[dep], u.ID)
		}
	}

	visited := map[string]bool{id: true}
	queue := []string{id}
	var result []Dependent
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range reverse[current] {
			if visited[child] {
				continue
			}
			visited[child] = true
			result = append(result, Dependent{ID: child, Via: current})
			queue = append(queue, child)
		}
	}
	return result
}
