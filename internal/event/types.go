package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a "category.action" identifier.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event types.
const (
	TypeNodeStarted        = "node.started"
	TypeNodeCompleted      = "node.completed"
	TypeStageStatusChanged = "stage.status_changed"
	TypeCheckpointSaved    = "checkpoint.saved"
	TypeBacktrackApplied   = "backtrack.applied"
	TypeRunSuspended       = "run.suspended"
	TypeRunResumed         = "run.resumed"
	TypeRunFinished        = "run.finished"
)

// baseEvent provides common fields for all events.
type baseEvent struct {
	eventType string
	timestamp time.Time
	RunID     string
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType, runID string) baseEvent {
	return baseEvent{eventType: eventType, timestamp: time.Now(), RunID: runID}
}

// NodeStartedEvent is emitted before a node executes.
type NodeStartedEvent struct {
	baseEvent
	Node    string
	StageID string
	Step    int
}

// NewNodeStartedEvent creates a NodeStartedEvent.
func NewNodeStartedEvent(runID, node, stageID string, step int) NodeStartedEvent {
	return NodeStartedEvent{baseEvent: newBaseEvent(TypeNodeStarted, runID), Node: node, StageID: stageID, Step: step}
}

// NodeCompletedEvent is emitted after a node returns its verdict.
type NodeCompletedEvent struct {
	baseEvent
	Node     string
	StageID  string
	Verdict  string
	Next     string
	Duration time.Duration
	Err      error
}

// NewNodeCompletedEvent creates a NodeCompletedEvent.
func NewNodeCompletedEvent(runID, node, stageID, verdict, next string, d time.Duration, err error) NodeCompletedEvent {
	return NodeCompletedEvent{
		baseEvent: newBaseEvent(TypeNodeCompleted, runID),
		Node:      node,
		StageID:   stageID,
		Verdict:   verdict,
		Next:      next,
		Duration:  d,
		Err:       err,
	}
}

// StageStatusChangedEvent is emitted when a stage changes status.
type StageStatusChangedEvent struct {
	baseEvent
	StageID string
	From    string
	To      string
	Reason  string
}

// NewStageStatusChangedEvent creates a StageStatusChangedEvent.
func NewStageStatusChangedEvent(runID, stageID, from, to, reason string) StageStatusChangedEvent {
	return StageStatusChangedEvent{
		baseEvent: newBaseEvent(TypeStageStatusChanged, runID),
		StageID:   stageID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// CheckpointSavedEvent is emitted after a snapshot is durable.
type CheckpointSavedEvent struct {
	baseEvent
	Name string
	Path string
}

// NewCheckpointSavedEvent creates a CheckpointSavedEvent.
func NewCheckpointSavedEvent(runID, name, path string) CheckpointSavedEvent {
	return CheckpointSavedEvent{baseEvent: newBaseEvent(TypeCheckpointSaved, runID), Name: name, Path: path}
}

// BacktrackAppliedEvent is emitted after a backtrack.
type BacktrackAppliedEvent struct {
	baseEvent
	Target      string
	Invalidated []string
	Reason      string
	Count       int
}

// NewBacktrackAppliedEvent creates a BacktrackAppliedEvent.
func NewBacktrackAppliedEvent(runID, target string, invalidated []string, reason string, count int) BacktrackAppliedEvent {
	return BacktrackAppliedEvent{
		baseEvent:   newBaseEvent(TypeBacktrackApplied, runID),
		Target:      target,
		Invalidated: invalidated,
		Reason:      reason,
		Count:       count,
	}
}

// RunSuspendedEvent is emitted when a run stops to wait for the user.
type RunSuspendedEvent struct {
	baseEvent
	Questions []string
}

// NewRunSuspendedEvent creates a RunSuspendedEvent.
func NewRunSuspendedEvent(runID string, questions []string) RunSuspendedEvent {
	return RunSuspendedEvent{baseEvent: newBaseEvent(TypeRunSuspended, runID), Questions: questions}
}

// RunResumedEvent is emitted when answers are accepted.
type RunResumedEvent struct {
	baseEvent
	Answers int
}

// NewRunResumedEvent creates a RunResumedEvent.
func NewRunResumedEvent(runID string, answers int) RunResumedEvent {
	return RunResumedEvent{baseEvent: newBaseEvent(TypeRunResumed, runID), Answers: answers}
}

// RunFinishedEvent is emitted when a run reaches END.
type RunFinishedEvent struct {
	baseEvent
	Steps int
}

// NewRunFinishedEvent creates a RunFinishedEvent.
func NewRunFinishedEvent(runID string, steps int) RunFinishedEvent {
	return RunFinishedEvent{baseEvent: newBaseEvent(TypeRunFinished, runID), Steps: steps}
}
