// Package errors provides centralized error definitions and error handling utilities
// for paperrepro. It defines the sentinel errors raised by the workflow core,
// domain and semantic error types with context wrapping, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures inside a subsystem:
//   - RunError: errors tied to a run (start, resume, locking, persistence)
//   - WorkflowError: errors raised at a workflow node boundary
//   - CollaboratorError: failures returned by a collaborator (planner, reviewer, ...)
//
// Semantic errors represent conditions callers branch on:
//   - NotFoundError: resource not found (missing run or checkpoint)
//   - ConflictError: resource exists in a state that forbids the operation
//   - PreconditionError: the operation is not legal in the current state
//   - ValidationError: invalid input or state
//   - TimeoutError: operation timed out
//
// # Usage
//
//	err := errors.NewNotFoundError("checkpoint", "run-1/latest")
//	if errors.Is(err, errors.ErrCheckpointNotFound) { ... }
//
//	var pre *errors.PreconditionError
//	if errors.As(err, &pre) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions so callers only import this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Run-related sentinel errors
var (
	// ErrRunNotFound indicates that no checkpoint exists for a run.
	ErrRunNotFound = New("run not found")
	// ErrRunConflict indicates that a non-terminal run already exists with the same ID.
	ErrRunConflict = New("run already exists")
	// ErrRunLocked indicates that another process is driving the run.
	ErrRunLocked = New("run is locked")
	// ErrRunFinished indicates that the run reached its terminal node.
	ErrRunFinished = New("run already finished")
)

// Checkpoint-related sentinel errors
var (
	// ErrCheckpointNotFound indicates that a named checkpoint does not exist.
	ErrCheckpointNotFound = New("checkpoint not found")
	// ErrCheckpointCorrupted indicates that a checkpoint could not be decoded.
	ErrCheckpointCorrupted = New("checkpoint data corrupted")
	// ErrCheckpointExists indicates an attempt to overwrite an immutable snapshot.
	ErrCheckpointExists = New("checkpoint already exists")
)

// Plan and workflow sentinel errors
var (
	// ErrPlanInvalid indicates that a plan failed structural validation.
	ErrPlanInvalid = New("plan is invalid")
	// ErrDependencyCycle indicates a circular dependency between stages.
	ErrDependencyCycle = New("dependency cycle detected")
	// ErrUnknownDependency indicates a dependency on a stage that is not earlier in the plan.
	ErrUnknownDependency = New("unknown dependency")
	// ErrStageNotFound indicates that a stage ID is not part of the plan.
	ErrStageNotFound = New("stage not found")
	// ErrDependencyUnsatisfied indicates a completion attempt before dependencies completed.
	ErrDependencyUnsatisfied = New("stage dependencies not satisfied")
	// ErrGateViolation indicates a stage was about to run without its validation tier.
	ErrGateViolation = New("validation hierarchy violated")
	// ErrRouteMissing indicates a (node, verdict) pair with no route.
	ErrRouteMissing = New("route missing")
	// ErrUnknownNode indicates a route or start point referring to an unregistered node.
	ErrUnknownNode = New("unknown node")
	// ErrStepLimit indicates a run exceeded its per-invocation step limit.
	ErrStepLimit = New("step limit exceeded")
	// ErrInvariantViolated indicates the state document broke a structural invariant.
	ErrInvariantViolated = New("state invariant violated")
)

// Backtrack sentinel errors
var (
	// ErrBacktrackTarget indicates a backtrack target after the current stage.
	ErrBacktrackTarget = New("backtrack target is not at or before the current stage")
	// ErrBacktrackLimit indicates the backtrack budget is exhausted.
	ErrBacktrackLimit = New("backtrack limit reached")
)

// Interrupt sentinel errors
var (
	// ErrNotAwaitingInput indicates responses were supplied while the run is not suspended.
	ErrNotAwaitingInput = New("run is not awaiting user input")
	// ErrMissingResponse indicates that at least one pending question has no response.
	ErrMissingResponse = New("missing response")
)

// Collaborator sentinel errors
var (
	// ErrUnknownRole indicates that no collaborator is registered for a role.
	ErrUnknownRole = New("no collaborator for role")
	// ErrInvalidVerdict indicates a collaborator returned a verdict the node cannot route.
	ErrInvalidVerdict = New("invalid verdict")
	// ErrScriptExhausted indicates a scripted collaborator ran out of responses.
	ErrScriptExhausted = New("script exhausted")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ReproError is the base interface for all paperrepro errors.
type ReproError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the message is safe to show to users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

func formatPrefix(kind string, parts []string) string {
	if len(parts) == 0 {
		return kind
	}
	return fmt.Sprintf("%s [%s]", kind, strings.Join(parts, ", "))
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// RunError represents errors tied to a single run.
//
// Example:
//
//	err := errors.NewRunError("failed to resume", errors.ErrCheckpointNotFound).WithRunID("run-1")
//	fmt.Println(err) // "run error [run=run-1]: failed to resume: checkpoint not found"
type RunError struct {
	baseError
	RunID      string
	Checkpoint string
}

// NewRunError creates a new RunError.
func NewRunError(message string, cause error) *RunError {
	return &RunError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithRunID adds a run ID to the error context.
func (e *RunError) WithRunID(id string) *RunError {
	e.RunID = id
	return e
}

// WithCheckpoint adds a checkpoint name to the error context.
func (e *RunError) WithCheckpoint(name string) *RunError {
	e.Checkpoint = name
	return e
}

// Error returns the formatted error message.
func (e *RunError) Error() string {
	var parts []string
	if e.RunID != "" {
		parts = append(parts, fmt.Sprintf("run=%s", e.RunID))
	}
	if e.Checkpoint != "" {
		parts = append(parts, fmt.Sprintf("checkpoint=%s", e.Checkpoint))
	}
	prefix := formatPrefix("run error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *RunError) Is(target error) bool {
	if _, ok := target.(*RunError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// WorkflowError represents an error raised at a workflow node boundary.
//
// Example:
//
//	err := errors.NewWorkflowError("route lookup failed", errors.ErrRouteMissing).
//		WithNode("DESIGN_REVIEW").WithVerdict("maybe")
type WorkflowError struct {
	baseError
	Node    string
	StageID string
	Verdict string
}

// NewWorkflowError creates a new WorkflowError.
func NewWorkflowError(message string, cause error) *WorkflowError {
	return &WorkflowError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithNode adds the node name to the error context.
func (e *WorkflowError) WithNode(node string) *WorkflowError {
	e.Node = node
	return e
}

// WithStage adds the stage ID to the error context.
func (e *WorkflowError) WithStage(stageID string) *WorkflowError {
	e.StageID = stageID
	return e
}

// WithVerdict adds the verdict to the error context.
func (e *WorkflowError) WithVerdict(verdict string) *WorkflowError {
	e.Verdict = verdict
	return e
}

// WithSeverity sets the error severity.
func (e *WorkflowError) WithSeverity(s Severity) *WorkflowError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *WorkflowError) Error() string {
	var parts []string
	if e.Node != "" {
		parts = append(parts, fmt.Sprintf("node=%s", e.Node))
	}
	if e.StageID != "" {
		parts = append(parts, fmt.Sprintf("stage=%s", e.StageID))
	}
	if e.Verdict != "" {
		parts = append(parts, fmt.Sprintf("verdict=%s", e.Verdict))
	}
	prefix := formatPrefix("workflow error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *WorkflowError) Is(target error) bool {
	if _, ok := target.(*WorkflowError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// CollaboratorError represents a failure returned by a collaborator.
// Collaborator failures are retryable from the caller's point of view: the
// workflow escalates them instead of retrying silently.
type CollaboratorError struct {
	baseError
	Role string
}

// NewCollaboratorError creates a new CollaboratorError.
func NewCollaboratorError(role, message string, cause error) *CollaboratorError {
	return &CollaboratorError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  true,
			userFacing: true,
		},
		Role: role,
	}
}

// Error returns the formatted error message.
func (e *CollaboratorError) Error() string {
	prefix := formatPrefix("collaborator error", []string{fmt.Sprintf("role=%s", e.Role)})
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *CollaboratorError) Is(target error) bool {
	if _, ok := target.(*CollaboratorError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("checkpoint", "run-1/latest")
//	fmt.Println(err) // "checkpoint 'run-1/latest' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ConflictError represents a resource that exists in a state forbidding the operation.
//
// Example:
//
//	err := errors.NewConflictError("run", "run-1", "run is still in phase design")
type ConflictError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewConflictError creates a new ConflictError.
func NewConflictError(resourceType, resourceID, reason string) *ConflictError {
	return &ConflictError{
		baseError: baseError{
			message:    reason,
			severity:   SeverityWarning,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *ConflictError) WithCause(cause error) *ConflictError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ConflictError) Error() string {
	base := fmt.Sprintf("%s '%s' conflict: %s", e.ResourceType, e.ResourceID, e.message)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *ConflictError) Is(target error) bool {
	if _, ok := target.(*ConflictError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// PreconditionError represents an operation attempted in a state that does not allow it.
//
// Example:
//
//	err := errors.NewPreconditionError("supply_user_response", "run is not suspended").
//		WithCause(errors.ErrNotAwaitingInput)
type PreconditionError struct {
	baseError
	Operation string
}

// NewPreconditionError creates a new PreconditionError.
func NewPreconditionError(operation, reason string) *PreconditionError {
	return &PreconditionError{
		baseError: baseError{
			message:    reason,
			severity:   SeverityWarning,
			userFacing: true,
		},
		Operation: operation,
	}
}

// WithCause adds a cause to the error.
func (e *PreconditionError) WithCause(cause error) *PreconditionError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *PreconditionError) Error() string {
	base := fmt.Sprintf("precondition failed for %s: %s", e.Operation, e.message)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *PreconditionError) Is(target error) bool {
	if _, ok := target.(*PreconditionError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("stage ID cannot be empty").WithField("plan[2].stage_id")
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}
	prefix := formatPrefix("validation error", parts)
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var reproErr ReproError
	if As(err, &reproErr) {
		return reproErr.IsRetryable()
	}

	return Is(err, ErrTimeout)
}

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var reproErr ReproError
	if As(err, &reproErr) {
		return reproErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement ReproError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var reproErr ReproError
	if As(err, &reproErr) {
		return reproErr.Severity()
	}
	return SeverityError
}

// IsNotFound reports whether err is a NotFoundError or wraps one of the
// not-found sentinels.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return As(err, &nf) || Is(err, ErrRunNotFound) || Is(err, ErrCheckpointNotFound)
}

// IsConflict reports whether err is a ConflictError or wraps ErrRunConflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return As(err, &ce) || Is(err, ErrRunConflict)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var pe *PreconditionError
	return As(err, &pe)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
