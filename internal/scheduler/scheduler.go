// Package scheduler implements stage selection.
//
// Select walks the plan in order and returns the first stage that is not
// superseded or terminal, has every dependency completed, passes the validation hierarchy
// gate, and fits the remaining runtime budget. A stage that would otherwise
// run but exceeds the budget is marked blocked with a reason. Selection
// depends only on the document, never on the clock.
package scheduler

import (
	"fmt"

	"github.com/Iron-Ham/paperrepro/internal/gate"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// SkipReason explains why a stage was passed over.
type SkipReason string

const (
	SkipSuperseded   SkipReason = "superseded"
	SkipTerminal     SkipReason = "terminal"
	SkipDependencies SkipReason = "dependencies_incomplete"
	SkipGate         SkipReason = "hierarchy_gate"
	SkipBudget       SkipReason = "over_budget"
)

// Skip records one stage passed over during selection.
type Skip struct {
	StageID string
	Reason  SkipReason
	Detail  string
}

// Selection is the result of one Select call.
type Selection struct {
	StageID string
	// Blocked lists the stages this call marked blocked.
	Blocked []string
	Skipped []Skip
}

// Found reports whether a stage was selected.
func (s Selection) Found() bool {
	return s.StageID != ""
}

// Scheduler selects the next runnable stage.
type Scheduler struct {
	logger *logging.Logger
}

// New creates a scheduler. A nil logger discards output.
func New(logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{logger: logger}
}

// Select returns the next runnable stage. Budget overruns are written to the
// document as blocked stages; nothing else is mutated.
func (s *Scheduler) Select(doc *state.Document) Selection {
	var sel Selection
	for i := range doc.Plan {
		st := &doc.Plan[i]
		if st.Superseded {
			sel.Skipped = append(sel.Skipped, Skip{StageID: st.ID, Reason: SkipSuperseded})
			continue
		}
		if st.Status.IsTerminal() {
			sel.Skipped = append(sel.Skipped, Skip{StageID: st.ID, Reason: SkipTerminal, Detail: string(st.Status)})
			continue
		}
		if !doc.DependenciesSatisfied(st) {
			sel.Skipped = append(sel.Skipped, Skip{StageID: st.ID, Reason: SkipDependencies})
			continue
		}
		if !gate.Allowed(st, doc.Plan, doc.Hierarchy) {
			flag, _ := gate.Required(st, doc.Plan)
			sel.Skipped = append(sel.Skipped, Skip{StageID: st.ID, Reason: SkipGate, Detail: flag})
			continue
		}
		if st.EstimatedRuntime > doc.RuntimeBudgetRemaining {
			reason := fmt.Sprintf("blocked: estimated runtime %g exceeds remaining budget %g",
				st.EstimatedRuntime, doc.RuntimeBudgetRemaining)
			st.Status = state.StatusBlocked
			st.Issues = append(st.Issues, reason)
			sel.Blocked = append(sel.Blocked, st.ID)
			sel.Skipped = append(sel.Skipped, Skip{StageID: st.ID, Reason: SkipBudget, Detail: reason})
			s.logger.Warn("stage blocked by runtime budget",
				"stage_id", st.ID,
				"estimated_runtime", st.EstimatedRuntime,
				"budget_remaining", doc.RuntimeBudgetRemaining,
			)
			continue
		}
		sel.StageID = st.ID
		break
	}

	if sel.Found() {
		s.logger.Debug("stage selected", "stage_id", sel.StageID, "skipped", len(sel.Skipped))
	} else {
		s.logger.Info("no runnable stage", "skipped", len(sel.Skipped))
	}
	return sel
}

// Peek is Select without side effects: it runs against a copy of doc.
func (s *Scheduler) Peek(doc *state.Document) Selection {
	return s.Select(doc.Clone())
}
