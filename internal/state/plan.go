package state

import (
	"fmt"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// ValidatePlan checks the structural rules of a plan: stage IDs are
// non-empty and unique, stage types are known, every dependency names a
// stage, the dependency graph is acyclic, and dependencies point at earlier
// stages so plan order is a topological order.
func ValidatePlan(stages []Stage) error {
	if len(stages) == 0 {
		return fmt.Errorf("%w: plan has no stages", errors.ErrPlanInvalid)
	}

	index := make(map[string]int, len(stages))
	for i, s := range stages {
		if s.ID == "" {
			return fmt.Errorf("%w: stage %d has an empty stage_id", errors.ErrPlanInvalid, i)
		}
		if s.ID == PlanScope {
			return fmt.Errorf("%w: stage_id %q is reserved", errors.ErrPlanInvalid, s.ID)
		}
		if _, dup := index[s.ID]; dup {
			return fmt.Errorf("%w: duplicate stage_id %q", errors.ErrPlanInvalid, s.ID)
		}
		if !s.Type.Valid() {
			return fmt.Errorf("%w: stage %q has unknown type %q", errors.ErrPlanInvalid, s.ID, s.Type)
		}
		if s.Status != "" && !s.Status.Valid() {
			return fmt.Errorf("%w: stage %q has unknown status %q", errors.ErrPlanInvalid, s.ID, s.Status)
		}
		if s.EstimatedRuntime < 0 {
			return fmt.Errorf("%w: stage %q has a negative estimated_runtime", errors.ErrPlanInvalid, s.ID)
		}
		index[s.ID] = i
	}

	for _, s := range stages {
		for _, dep := range s.Dependencies {
			if _, ok := index[dep]; !ok {
				return fmt.Errorf("%w: stage %q depends on %q", errors.ErrUnknownDependency, s.ID, dep)
			}
		}
	}

	if cycle := findCycle(stages, index); cycle != nil {
		return fmt.Errorf("%w: %v", errors.ErrDependencyCycle, cycle)
	}

	for i, s := range stages {
		for _, dep := range s.Dependencies {
			if index[dep] >= i {
				return fmt.Errorf("%w: stage %q depends on later stage %q", errors.ErrUnknownDependency, s.ID, dep)
			}
		}
	}
	return nil
}

// findCycle runs a three-colour DFS over dependency edges and returns the
// first cycle found as a path of stage IDs.
func findCycle(stages []Stage, index map[string]int) []string {
	const (
		white = iota
		grey
		black
	)
	colour := make([]int, len(stages))
	var path []string

	var visit func(i int) []string
	visit = func(i int) []string {
		colour[i] = grey
		path = append(path, stages[i].ID)
		for _, dep := range stages[i].Dependencies {
			j := index[dep]
			switch colour[j] {
			case grey:
				for k, id := range path {
					if id == dep {
						return append(append([]string{}, path[k:]...), dep)
					}
				}
			case white:
				if c := visit(j); c != nil {
					return c
				}
			}
		}
		path = path[:len(path)-1]
		colour[i] = black
		return nil
	}

	for i := range stages {
		if colour[i] == white {
			if c := visit(i); c != nil {
				return c
			}
		}
	}
	return nil
}

// NormalizePlan fills defaults on a freshly authored plan.
func NormalizePlan(stages []Stage) []Stage {
	out := make([]Stage, len(stages))
	for i, s := range stages {
		if s.Status == "" {
			s.Status = StatusNotStarted
		}
		s.Dependencies = append([]string(nil), s.Dependencies...)
		out[i] = s
	}
	return out
}

// Dependents returns, in plan order, every live stage that depends on id
// directly or transitively. id itself is not included.
func Dependents(stages []Stage, id string) []string {
	affected := map[string]bool{id: true}
	var out []string
	// Plan order is topological, so one forward pass reaches the closure.
	for _, s := range stages {
		if s.ID == id || s.Superseded {
			continue
		}
		for _, dep := range s.Dependencies {
			if affected[dep] {
				affected[s.ID] = true
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}

// HasStageType reports whether any live stage in the plan has type t.
func HasStageType(stages []Stage, t StageType) bool {
	for _, s := range stages {
		if s.Type == t && !s.Superseded {
			return true
		}
	}
	return false
}
