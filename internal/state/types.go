// Package state defines the StateDocument threaded through every workflow
// node, the Stage entity of a reproduction plan, and the invariants that
// hold between them.
package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Phase is the coarse position of a run in the workflow.
type Phase string

const (
	PhasePlanning Phase = "planning"
	PhaseDesign   Phase = "design"
	PhaseRunning  Phase = "running"
	PhaseAnalysis Phase = "analysis"
	PhaseDone     Phase = "done"
	PhasePaused   Phase = "paused"
)

// IsTerminal reports whether the run has finished.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone
}

// StageType classifies a stage within the validation hierarchy.
type StageType string

const (
	StageMaterialValidation StageType = "MATERIAL_VALIDATION"
	StageSingleStructure    StageType = "SINGLE_STRUCTURE"
	StageArraySystem        StageType = "ARRAY_SYSTEM"
	StageParameterSweep     StageType = "PARAMETER_SWEEP"
	StageComplexPhysics     StageType = "COMPLEX_PHYSICS"
)

// StageTypes returns every stage type in hierarchy order.
func StageTypes() []StageType {
	return []StageType{
		StageMaterialValidation,
		StageSingleStructure,
		StageArraySystem,
		StageParameterSweep,
		StageComplexPhysics,
	}
}

// Tier returns the position of t in the validation hierarchy, or -1.
func (t StageType) Tier() int {
	for i, st := range StageTypes() {
		if st == t {
			return i
		}
	}
	return -1
}

// Valid reports whether t is a known stage type.
func (t StageType) Valid() bool {
	return t.Tier() >= 0
}

// StageStatus is the lifecycle status of a stage.
type StageStatus string

const (
	StatusNotStarted       StageStatus = "not_started"
	StatusInProgress       StageStatus = "in_progress"
	StatusCompletedSuccess StageStatus = "completed_success"
	StatusCompletedPartial StageStatus = "completed_partial"
	StatusCompletedFailed  StageStatus = "completed_failed"
	StatusBlocked          StageStatus = "blocked"
	StatusNeedsRerun       StageStatus = "needs_rerun"
	StatusInvalidated      StageStatus = "invalidated"
)

// IsCompleted reports whether s is one of the completed_* statuses.
func (s StageStatus) IsCompleted() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedPartial || s == StatusCompletedFailed
}

// Satisfies reports whether a stage in status s satisfies its dependents.
func (s StageStatus) Satisfies() bool {
	return s == StatusCompletedSuccess || s == StatusCompletedPartial
}

// IsTerminal reports whether the scheduler must skip a stage in status s.
func (s StageStatus) IsTerminal() bool {
	return s.IsCompleted() || s == StatusBlocked
}

// Valid reports whether s is a known status.
func (s StageStatus) Valid() bool {
	switch s {
	case StatusNotStarted, StatusInProgress, StatusCompletedSuccess, StatusCompletedPartial,
		StatusCompletedFailed, StatusBlocked, StatusNeedsRerun, StatusInvalidated:
		return true
	}
	return false
}

// ReviewKind names a bounded review loop.
type ReviewKind string

const (
	KindDesignReview   ReviewKind = "design_review"
	KindCodeReview     ReviewKind = "code_review"
	KindAnalysisReview ReviewKind = "analysis_review"
	KindReplan         ReviewKind = "replan"
	KindExecution      ReviewKind = "execution"
	KindPhysics        ReviewKind = "physics"
)

// ReviewKinds returns every review kind.
func ReviewKinds() []ReviewKind {
	return []ReviewKind{KindDesignReview, KindCodeReview, KindAnalysisReview, KindReplan, KindExecution, KindPhysics}
}

// Stage is one unit of the reproduction plan.
type Stage struct {
	ID               string             `json:"stage_id" mapstructure:"stage_id" yaml:"stage_id"`
	Type             StageType          `json:"stage_type" mapstructure:"stage_type" yaml:"stage_type"`
	Description      string             `json:"description,omitempty" mapstructure:"description" yaml:"description,omitempty"`
	Dependencies     []string           `json:"dependencies,omitempty" mapstructure:"dependencies" yaml:"dependencies,omitempty"`
	Status           StageStatus        `json:"status" mapstructure:"status" yaml:"status,omitempty"`
	EstimatedRuntime float64            `json:"estimated_runtime" mapstructure:"estimated_runtime" yaml:"estimated_runtime"`
	RevisionLimits   map[ReviewKind]int `json:"revision_limits,omitempty" mapstructure:"revision_limits" yaml:"revision_limits,omitempty"`
	Issues           []string           `json:"issues,omitempty" mapstructure:"issues" yaml:"issues,omitempty"`
	Outputs          map[string]any     `json:"outputs,omitempty" mapstructure:"outputs" yaml:"outputs,omitempty"`
	// Superseded marks a stage a replan dropped. It stays in the plan for
	// audit, invalidated, and is never scheduled or gated on again.
	Superseded bool `json:"superseded,omitempty" mapstructure:"-" yaml:"superseded,omitempty"`
}

// DependsOn reports whether id is a direct dependency of the stage.
func (s *Stage) DependsOn(id string) bool {
	for _, dep := range s.Dependencies {
		if dep == id {
			return true
		}
	}
	return false
}

// Hierarchy holds the validation tier flags.
type Hierarchy struct {
	MaterialValidated        bool `json:"material_validated"`
	SingleStructureValidated bool `json:"single_structure_validated"`
	ArrayValidated           bool `json:"array_validated"`
	SweepValidated           bool `json:"sweep_validated"`
}

// Flag names used in logs and escalation questions.
const (
	FlagMaterial        = "material_validated"
	FlagSingleStructure = "single_structure_validated"
	FlagArray           = "array_validated"
	FlagSweep           = "sweep_validated"
)

// FlagFor returns the flag a stage of type t sets on completion. COMPLEX_PHYSICS
// sets none.
func FlagFor(t StageType) (string, bool) {
	switch t {
	case StageMaterialValidation:
		return FlagMaterial, true
	case StageSingleStructure:
		return FlagSingleStructure, true
	case StageArraySystem:
		return FlagArray, true
	case StageParameterSweep:
		return FlagSweep, true
	}
	return "", false
}

// Get returns the value of the named flag.
func (h Hierarchy) Get(flag string) bool {
	switch flag {
	case FlagMaterial:
		return h.MaterialValidated
	case FlagSingleStructure:
		return h.SingleStructureValidated
	case FlagArray:
		return h.ArrayValidated
	case FlagSweep:
		return h.SweepValidated
	}
	return false
}

func (h *Hierarchy) set(flag string, v bool) {
	switch flag {
	case FlagMaterial:
		h.MaterialValidated = v
	case FlagSingleStructure:
		h.SingleStructureValidated = v
	case FlagArray:
		h.ArrayValidated = v
	case FlagSweep:
		h.SweepValidated = v
	}
}

// PlanScope is the stage ID used for counters that belong to the plan as a
// whole, such as replanning.
const PlanScope = "_plan"

// RevisionKey identifies one revision counter.
type RevisionKey struct {
	StageID string
	Kind    ReviewKind
}

func (k RevisionKey) String() string {
	return k.StageID + "/" + string(k.Kind)
}

// RevisionCounts maps (stage, kind) to the number of recorded revisions.
// It serialises as a JSON object keyed by "stage/kind".
type RevisionCounts map[RevisionKey]int

// MarshalJSON encodes the counts with deterministic key order.
func (rc RevisionCounts) MarshalJSON() ([]byte, error) {
	flat := make(map[string]int, len(rc))
	for k, v := range rc {
		flat[k.String()] = v
	}
	return json.Marshal(flat)
}

// UnmarshalJSON decodes "stage/kind" keys.
func (rc *RevisionCounts) UnmarshalJSON(data []byte) error {
	var flat map[string]int
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	out := make(RevisionCounts, len(flat))
	for key, v := range flat {
		i := strings.LastIndex(key, "/")
		if i <= 0 || i == len(key)-1 {
			return fmt.Errorf("malformed revision key %q", key)
		}
		out[RevisionKey{StageID: key[:i], Kind: ReviewKind(key[i+1:])}] = v
	}
	*rc = out
	return nil
}

// Keys returns the keys sorted by stage then kind.
func (rc RevisionCounts) Keys() []RevisionKey {
	keys := make([]RevisionKey, 0, len(rc))
	for k := range rc {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StageID != keys[j].StageID {
			return keys[i].StageID < keys[j].StageID
		}
		return keys[i].Kind < keys[j].Kind
	})
	return keys
}

// Question is one pending question for the user.
type Question struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	StageID string `json:"stage_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Interaction is a permanent record of an answered question.
type Interaction struct {
	QuestionID string    `json:"question_id"`
	Question   string    `json:"question"`
	Response   string    `json:"response"`
	StageID    string    `json:"stage_id,omitempty"`
	AnsweredAt time.Time `json:"answered_at"`
}

// CheckpointRef is one entry of the append-only checkpoint log.
type CheckpointRef struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
	Path      string    `json:"path"`
}

// BacktrackRequest is written by the supervisor to request a backtrack.
type BacktrackRequest struct {
	Target string `json:"target" mapstructure:"target"`
	Reason string `json:"reason" mapstructure:"reason"`
}

// Escalation carries the questions prepared by the node that escalated.
type Escalation struct {
	Node      string     `json:"node"`
	StageID   string     `json:"stage_id,omitempty"`
	Reason    string     `json:"reason"`
	Questions []Question `json:"questions"`
}
