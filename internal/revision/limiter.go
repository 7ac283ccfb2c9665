// Package revision bounds every review loop in the workflow.
//
// Each (stage, review kind) pair carries a counter in the state document.
// A ceiling of N permits N recorded revisions: the call that finds the
// counter already at N returns Escalate and leaves the counter untouched, so
// a counter never exceeds its ceiling. Counters are only zeroed by a
// backtrack through ResetStage; a replan keeps them, even for stages it drops.
package revision

import (
	"fmt"

	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Outcome is the limiter's decision for one review result.
type Outcome string

const (
	Continue Outcome = "continue"
	Escalate Outcome = "escalate"
)

// DefaultCeilings are used for kinds missing from configuration.
var DefaultCeilings = map[state.ReviewKind]int{
	state.KindDesignReview:   3,
	state.KindCodeReview:     3,
	state.KindAnalysisReview: 2,
	state.KindReplan:         2,
	state.KindExecution:      2,
	state.KindPhysics:        2,
}

// Decision records the limiter's answer and the counter state behind it.
type Decision struct {
	StageID string
	Kind    state.ReviewKind
	Outcome Outcome
	Count   int
	Ceiling int
}

// Escalated reports whether the loop must stop and ask the user.
func (d Decision) Escalated() bool {
	return d.Outcome == Escalate
}

// Limiter holds the configured ceiling per review kind. It keeps no counters
// of its own; the document is the only owner of revision state.
type Limiter struct {
	ceilings map[state.ReviewKind]int
}

// NewLimiter creates a limiter. Kinds absent from ceilings fall back to
// DefaultCeilings; negative values are treated as zero.
func NewLimiter(ceilings map[state.ReviewKind]int) *Limiter {
	merged := make(map[state.ReviewKind]int, len(DefaultCeilings))
	for k, v := range DefaultCeilings {
		merged[k] = v
	}
	for k, v := range ceilings {
		if v < 0 {
			v = 0
		}
		merged[k] = v
	}
	return &Limiter{ceilings: merged}
}

// Ceiling returns the ceiling for (stageID, kind). A stage's own
// revision_limits entry overrides the configured value.
func (l *Limiter) Ceiling(doc *state.Document, stageID string, kind state.ReviewKind) int {
	if doc != nil {
		if s, err := doc.Stage(stageID); err == nil {
			return l.StageCeiling(s, kind)
		}
	}
	return l.ceilings[kind]
}

// StageCeiling returns the ceiling for kind on s, which need not be part of
// any document yet.
func (l *Limiter) StageCeiling(s *state.Stage, kind state.ReviewKind) int {
	if s != nil {
		if v, ok := s.RevisionLimits[kind]; ok && v >= 0 {
			return v
		}
	}
	return l.ceilings[kind]
}

// CeilingFunc binds the limiter to a document for invariant checks.
func (l *Limiter) CeilingFunc(doc *state.Document) state.CeilingFunc {
	return func(stageID string, kind state.ReviewKind) int {
		return l.Ceiling(doc, stageID, kind)
	}
}

// RecordAndCheck records one more revision for (stageID, kind), or returns
// Escalate when the ceiling has already been reached.
func (l *Limiter) RecordAndCheck(doc *state.Document, stageID string, kind state.ReviewKind) Decision {
	key := state.RevisionKey{StageID: stageID, Kind: kind}
	ceiling := l.Ceiling(doc, stageID, kind)
	count := doc.RevisionCounts[key]

	d := Decision{StageID: stageID, Kind: kind, Ceiling: ceiling}
	if count >= ceiling {
		d.Outcome = Escalate
		d.Count = count
		return d
	}
	count++
	doc.RevisionCounts[key] = count
	d.Outcome = Continue
	d.Count = count
	return d
}

// Question formats the escalation question for an exhausted loop.
func Question(d Decision) state.Question {
	subject, stageID := "the plan", ""
	if d.StageID != state.PlanScope && d.StageID != "" {
		subject, stageID = "stage "+d.StageID, d.StageID
	}
	return state.Question{
		StageID: stageID,
		Reason:  "revision_limit",
		Text: fmt.Sprintf(
			"%s has used %d of %d %s revisions without approval. "+
				"Reply with guidance to retry, 'accept' to continue with the current result, "+
				"'replan' to revise the plan, or 'backtrack <stage>' to redo earlier work.",
			subject, d.Count, d.Ceiling, kindLabel(d.Kind)),
	}
}

func kindLabel(k state.ReviewKind) string {
	switch k {
	case state.KindDesignReview:
		return "design review"
	case state.KindCodeReview:
		return "code review"
	case state.KindAnalysisReview:
		return "analysis review"
	case state.KindReplan:
		return "replanning"
	case state.KindExecution:
		return "execution retry"
	case state.KindPhysics:
		return "physics check"
	}
	return string(k)
}

// ResetStage zeroes every counter of a stage. Only a backtrack calls this.
func ResetStage(doc *state.Document, stageID string) {
	for key := range doc.RevisionCounts {
		if key.StageID == stageID {
			delete(doc.RevisionCounts, key)
		}
	}
}
