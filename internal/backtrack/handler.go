// Package backtrack unwinds a stage and everything built on top of it.
//
// A backtrack marks the target stage needs_rerun and every stage that
// transitively depends on it invalidated, including stages that already
// completed. Derived outputs and revision counters of the affected stages
// are dropped, and any hierarchy flag that no surviving stage still supports
// is cleared. The scheduler then re-selects the target.
package backtrack

import (
	"fmt"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/revision"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// DefaultMaxBacktracks is the per-run backtrack allowance.
const DefaultMaxBacktracks = 2

// Result describes what a backtrack changed.
type Result struct {
	Target       string
	Invalidated  []string
	ClearedFlags []string
	Count        int
}

// Affected returns the target followed by every invalidated stage.
func (r Result) Affected() []string {
	return append([]string{r.Target}, r.Invalidated...)
}

// Handler applies backtracks under a per-run limit.
type Handler struct {
	maxBacktracks int
	logger        *logging.Logger
}

// NewHandler creates a handler. A nil logger discards output.
func NewHandler(maxBacktracks int, logger *logging.Logger) *Handler {
	if maxBacktracks < 0 {
		maxBacktracks = 0
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Handler{maxBacktracks: maxBacktracks, logger: logger}
}

// MaxBacktracks returns the configured limit.
func (h *Handler) MaxBacktracks() int {
	return h.maxBacktracks
}

// Check validates the preconditions of a backtrack without changing doc.
// The target must be a live stage at or before the current stage. With no
// current stage, the last completed stage in plan order stands in for it.
func (h *Handler) Check(doc *state.Document, target string) error {
	ti := doc.StageIndex(target)
	if ti < 0 {
		return fmt.Errorf("%w: unknown stage %q", errors.ErrBacktrackTarget, target)
	}
	if doc.Plan[ti].Superseded {
		return fmt.Errorf("%w: stage %s was superseded by a replan", errors.ErrBacktrackTarget, target)
	}
	ai, anchor := backtrackAnchor(doc)
	if ai < 0 {
		return fmt.Errorf("%w: no stage has run yet", errors.ErrBacktrackTarget)
	}
	if ti > ai {
		return fmt.Errorf("%w: %s comes after %s", errors.ErrBacktrackTarget, target, anchor)
	}
	if doc.BacktrackCount >= h.maxBacktracks {
		return fmt.Errorf("%w: %d of %d used", errors.ErrBacktrackLimit, doc.BacktrackCount, h.maxBacktracks)
	}
	return nil
}

// backtrackAnchor returns the plan index and ID of the latest stage a
// backtrack may reach, or -1.
func backtrackAnchor(doc *state.Document) (int, string) {
	if doc.CurrentStageID != "" {
		if ci := doc.StageIndex(doc.CurrentStageID); ci >= 0 {
			return ci, "current stage " + doc.CurrentStageID
		}
	}
	for i := len(doc.Plan) - 1; i >= 0; i-- {
		s := &doc.Plan[i]
		if !s.Superseded && s.Status.IsCompleted() {
			return i, "last completed stage " + s.ID
		}
	}
	return -1, ""
}

// Backtrack invalidates target and its dependents. On a precondition
// failure doc is left unchanged.
func (h *Handler) Backtrack(doc *state.Document, target, reason string) (Result, error) {
	if err := h.Check(doc, target); err != nil {
		h.logger.Warn("backtrack rejected", "target", target, "reason", reason, "error", err)
		return Result{}, err
	}

	dependents := state.Dependents(doc.Plan, target)

	ts, _ := doc.Stage(target)
	ts.Status = state.StatusNeedsRerun
	ts.Issues = append(ts.Issues, fmt.Sprintf("backtrack requested: %s", reason))

	for _, id := range dependents {
		s, _ := doc.Stage(id)
		s.Status = state.StatusInvalidated
		s.Issues = append(s.Issues, fmt.Sprintf("invalidated by backtrack to %s: %s", target, reason))
	}

	res := Result{Target: target, Invalidated: dependents}
	for _, id := range res.Affected() {
		doc.ClearStageOutputs(id)
		revision.ResetStage(doc, id)
	}

	res.ClearedFlags = doc.RecomputeHierarchy()
	doc.BacktrackCount++
	res.Count = doc.BacktrackCount
	doc.BacktrackRequest = nil
	if err := doc.SetCurrentStage(target); err != nil {
		return res, err
	}

	h.logger.Info("backtrack applied",
		"target", target,
		"invalidated", dependents,
		"cleared_flags", res.ClearedFlags,
		"backtrack_count", res.Count,
	)
	return res, nil
}
