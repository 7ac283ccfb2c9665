package state

import "fmt"

// CeilingFunc returns the revision ceiling for a stage and review kind.
type CeilingFunc func(stageID string, kind ReviewKind) int

// CheckInvariants returns a description of every violated invariant. An
// empty result means the document is consistent.
func (d *Document) CheckInvariants(ceiling CeilingFunc, maxBacktracks int) []string {
	var violations []string

	for i := range d.Plan {
		s := &d.Plan[i]
		if s.Status.IsCompleted() && !d.DependenciesSatisfied(s) {
			violations = append(violations,
				fmt.Sprintf("stage %s is %s but a dependency is not completed", s.ID, s.Status))
		}
	}

	for _, t := range StageTypes() {
		flag, ok := FlagFor(t)
		if !ok || !d.Hierarchy.Get(flag) {
			continue
		}
		if !HasStageType(d.Plan, t) {
			violations = append(violations, fmt.Sprintf("%s is set but the plan has no %s stage", flag, t))
		}
	}

	if ceiling != nil {
		for _, k := range d.RevisionCounts.Keys() {
			if n, limit := d.RevisionCounts[k], ceiling(k.StageID, k.Kind); n > limit {
				violations = append(violations, fmt.Sprintf("revision count %s = %d exceeds ceiling %d", k, n, limit))
			}
		}
	}

	if maxBacktracks >= 0 && d.BacktrackCount > maxBacktracks {
		violations = append(violations,
			fmt.Sprintf("backtrack_count %d exceeds maximum %d", d.BacktrackCount, maxBacktracks))
	}

	if d.RuntimeBudgetRemaining < 0 {
		violations = append(violations, "runtime_budget_remaining is negative")
	}

	if d.AwaitingUserInput && len(d.PendingQuestions) == 0 {
		violations = append(violations, "awaiting user input with no pending questions")
	}

	return violations
}
