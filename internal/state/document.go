package state

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// Document is the single structured record threaded through every node.
//
// The engine owns its lifecycle: it is created at start, mutated only between
// node executions, and serialised at checkpoints. Collaborator-owned content
// lives in Payload and StageOutputs and is opaque to routing.
type Document struct {
	RunID      string `json:"run_id"`
	Phase      Phase  `json:"workflow_phase"`
	PausedFrom Phase  `json:"paused_from,omitempty"`

	Plan             []Stage   `json:"plan"`
	CurrentStageID   string    `json:"current_stage_id,omitempty"`
	CurrentStageType StageType `json:"current_stage_type,omitempty"`

	Hierarchy              Hierarchy      `json:"validation_hierarchy"`
	RevisionCounts         RevisionCounts `json:"revision_counts"`
	RuntimeBudgetRemaining float64        `json:"runtime_budget_remaining"`

	AwaitingUserInput bool              `json:"awaiting_user_input"`
	PendingQuestions  []Question        `json:"pending_questions,omitempty"`
	UserResponses     map[string]string `json:"user_responses,omitempty"`
	InteractionLog    []Interaction     `json:"interaction_log,omitempty"`
	Suspensions       int               `json:"suspensions"`

	BacktrackCount   int               `json:"backtrack_count"`
	BacktrackRequest *BacktrackRequest `json:"backtrack_request,omitempty"`

	Checkpoints []CheckpointRef `json:"checkpoints"`

	Payload      map[string]any            `json:"payload,omitempty"`
	StageOutputs map[string]map[string]any `json:"stage_outputs,omitempty"`
	Escalation   *Escalation               `json:"escalation,omitempty"`

	// ResumeNode is the node the engine re-enters when the document is loaded
	// outside a suspension (for example after a crash between nodes).
	ResumeNode   string            `json:"resume_node,omitempty"`
	LastVerdicts map[string]string `json:"last_verdicts,omitempty"`
	Steps        int               `json:"steps"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// New creates the document for a fresh run.
func New(runID string, runtimeBudget float64, now time.Time) *Document {
	return &Document{
		RunID:                  runID,
		Phase:                  PhasePlanning,
		RevisionCounts:         RevisionCounts{},
		RuntimeBudgetRemaining: runtimeBudget,
		UserResponses:          map[string]string{},
		Checkpoints:            []CheckpointRef{},
		Payload:                map[string]any{},
		StageOutputs:           map[string]map[string]any{},
		LastVerdicts:           map[string]string{},
		CreatedAt:              now,
		UpdatedAt:              now,
	}
}

// ensureMaps initialises maps left nil by decoding.
func (d *Document) ensureMaps() {
	if d.RevisionCounts == nil {
		d.RevisionCounts = RevisionCounts{}
	}
	if d.UserResponses == nil {
		d.UserResponses = map[string]string{}
	}
	if d.Payload == nil {
		d.Payload = map[string]any{}
	}
	if d.StageOutputs == nil {
		d.StageOutputs = map[string]map[string]any{}
	}
	if d.LastVerdicts == nil {
		d.LastVerdicts = map[string]string{}
	}
	if d.Checkpoints == nil {
		d.Checkpoints = []CheckpointRef{}
	}
}

// Marshal encodes the document as indented JSON.
func (d *Document) Marshal() ([]byte, error) {
	return json.MarshalIndent(d, "", "  ")
}

// Unmarshal decodes a document produced by Marshal.
func Unmarshal(data []byte) (*Document, error) {
	var d Document
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrCheckpointCorrupted, err)
	}
	d.ensureMaps()
	return &d, nil
}

// Clone returns a deep copy. Payload values are copied through their JSON
// form, which is also what a checkpoint round trip produces.
func (d *Document) Clone() *Document {
	data, err := json.Marshal(d)
	if err != nil {
		panic(fmt.Sprintf("state: document is not serialisable: %v", err))
	}
	out, err := Unmarshal(data)
	if err != nil {
		panic(fmt.Sprintf("state: document round trip failed: %v", err))
	}
	return out
}

// StageIndex returns the plan position of id, or -1.
func (d *Document) StageIndex(id string) int {
	for i := range d.Plan {
		if d.Plan[i].ID == id {
			return i
		}
	}
	return -1
}

// Stage returns a pointer to the stage with the given ID.
func (d *Document) Stage(id string) (*Stage, error) {
	i := d.StageIndex(id)
	if i < 0 {
		return nil, fmt.Errorf("%w: %s", errors.ErrStageNotFound, id)
	}
	return &d.Plan[i], nil
}

// CurrentStage returns the stage being worked on, or nil.
func (d *Document) CurrentStage() *Stage {
	if d.CurrentStageID == "" {
		return nil
	}
	s, err := d.Stage(d.CurrentStageID)
	if err != nil {
		return nil
	}
	return s
}

// SetCurrentStage records id as the current stage.
func (d *Document) SetCurrentStage(id string) error {
	s, err := d.Stage(id)
	if err != nil {
		return err
	}
	d.CurrentStageID = s.ID
	d.CurrentStageType = s.Type
	return nil
}

// DependenciesSatisfied reports whether every dependency of s is
// completed_success or completed_partial.
func (d *Document) DependenciesSatisfied(s *Stage) bool {
	for _, dep := range s.Dependencies {
		ds, err := d.Stage(dep)
		if err != nil || !ds.Status.Satisfies() {
			return false
		}
	}
	return true
}

// SetStageStatus transitions a stage. Reaching any completed_* status
// requires every dependency to be completed_success or completed_partial.
func (d *Document) SetStageStatus(id string, status StageStatus) error {
	if !status.Valid() {
		return errors.NewValidationError("unknown stage status").WithField("status").WithValue(string(status))
	}
	s, err := d.Stage(id)
	if err != nil {
		return err
	}
	if status.IsCompleted() && !d.DependenciesSatisfied(s) {
		return fmt.Errorf("%w: stage %s cannot become %s", errors.ErrDependencyUnsatisfied, id, status)
	}
	s.Status = status
	return nil
}

// AddIssue appends a free-text issue to a stage.
func (d *Document) AddIssue(id, issue string) {
	if s, err := d.Stage(id); err == nil {
		s.Issues = append(s.Issues, issue)
	}
}

// MarkValidated sets the hierarchy flag for a stage that reached
// completed_success or completed_partial.
func (d *Document) MarkValidated(id string) error {
	s, err := d.Stage(id)
	if err != nil {
		return err
	}
	if !s.Status.Satisfies() {
		return fmt.Errorf("stage %s is %s: hierarchy flags require a successful completion", id, s.Status)
	}
	if flag, ok := FlagFor(s.Type); ok {
		d.Hierarchy.set(flag, true)
	}
	return nil
}

// RecomputeHierarchy clears every flag that no surviving stage satisfies.
// Flags are never set here; only MarkValidated sets them.
func (d *Document) RecomputeHierarchy() []string {
	var cleared []string
	for _, t := range StageTypes() {
		flag, ok := FlagFor(t)
		if !ok || !d.Hierarchy.Get(flag) {
			continue
		}
		supported := false
		for i := range d.Plan {
			if d.Plan[i].Type == t && d.Plan[i].Status.Satisfies() {
				supported = true
				break
			}
		}
		if !supported {
			d.Hierarchy.set(flag, false)
			cleared = append(cleared, flag)
		}
	}
	return cleared
}

// RevisionCount returns the recorded revisions for (stageID, kind).
func (d *Document) RevisionCount(stageID string, kind ReviewKind) int {
	return d.RevisionCounts[RevisionKey{StageID: stageID, Kind: kind}]
}

// ConsumeBudget subtracts runtime from the remaining budget. The budget never
// increases and never drops below zero.
func (d *Document) ConsumeBudget(runtime float64) {
	if runtime <= 0 {
		return
	}
	d.RuntimeBudgetRemaining -= runtime
	if d.RuntimeBudgetRemaining < 0 {
		d.RuntimeBudgetRemaining = 0
	}
}

// Merge applies a collaborator patch to Payload key by key.
func (d *Document) Merge(patch map[string]any) {
	if len(patch) == 0 {
		return
	}
	d.ensureMaps()
	for k, v := range patch {
		d.Payload[k] = v
	}
}

// MergeStageOutputs records derived outputs for a stage.
func (d *Document) MergeStageOutputs(stageID string, patch map[string]any) {
	if len(patch) == 0 || stageID == "" {
		return
	}
	d.ensureMaps()
	out := d.StageOutputs[stageID]
	if out == nil {
		out = map[string]any{}
		d.StageOutputs[stageID] = out
	}
	for k, v := range patch {
		out[k] = v
	}
}

// ClearStageOutputs drops every derived output of a stage.
func (d *Document) ClearStageOutputs(stageID string) {
	delete(d.StageOutputs, stageID)
	if s, err := d.Stage(stageID); err == nil {
		s.Outputs = nil
	}
}

// AllTerminal reports whether every live stage is completed_* or blocked.
func (d *Document) AllTerminal() bool {
	for i := range d.Plan {
		if !d.Plan[i].Superseded && !d.Plan[i].Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Touch records a mutation time.
func (d *Document) Touch(now time.Time) {
	d.UpdatedAt = now
}
