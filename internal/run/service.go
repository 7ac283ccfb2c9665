// Package run is the entry point for driving reproduction runs: starting a
// run, resuming it from a checkpoint, and feeding it the user's answers.
// Every call that executes the workflow holds the run's lock for its
// duration.
package run

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/state"
	"github.com/Iron-Ham/paperrepro/internal/workflow"
)

// CheckpointCreated is saved when a run starts, before any node executes.
const CheckpointCreated = "created"

// DefaultRuntimeBudget is used when neither the inputs nor the service set one.
const DefaultRuntimeBudget = 600

// Inputs seed a new run.
type Inputs struct {
	// Payload is merged into the document before planning, typically the
	// paper text and its reference figures.
	Payload map[string]any
	// RuntimeBudget overrides the service default when positive.
	RuntimeBudget float64
}

// Outcome is what a service call left behind.
type Outcome struct {
	RunID    string
	Result   workflow.Result
	Document *state.Document
}

// Finished reports whether the run reached END.
func (o *Outcome) Finished() bool {
	return o.Result.Status == workflow.StatusFinished
}

// Config wires a Service.
type Config struct {
	Engine        *workflow.Engine
	Store         *checkpoint.Store
	RunsDir       string
	RuntimeBudget float64
	Logger        *logging.Logger
	Now           func() time.Time
}

// Service drives runs through the workflow engine.
type Service struct {
	engine  *workflow.Engine
	store   *checkpoint.Store
	runsDir string
	budget  float64
	logger  *logging.Logger
	now     func() time.Time
}

// NewService creates a service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Engine == nil {
		return nil, errors.NewValidationError("engine is required").WithField("Engine")
	}
	if cfg.Store == nil {
		return nil, errors.NewValidationError("checkpoint store is required").WithField("Store")
	}
	if cfg.RunsDir == "" {
		return nil, errors.NewValidationError("runs directory is required").WithField("RunsDir")
	}
	s := &Service{
		engine:  cfg.Engine,
		store:   cfg.Store,
		runsDir: cfg.RunsDir,
		budget:  cfg.RuntimeBudget,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if s.budget <= 0 {
		s.budget = DefaultRuntimeBudget
	}
	if s.logger == nil {
		s.logger = logging.NopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// RunDir returns the local directory of a run.
func (s *Service) RunDir(runID string) string {
	return filepath.Join(s.runsDir, runID)
}

func (s *Service) lock(runID string) (*Lock, error) {
	if !checkpoint.ValidRunID(runID) {
		return nil, errors.NewValidationError("run id may only contain letters, digits, dots and dashes").
			WithField("run_id").WithValue(runID)
	}
	return AcquireLock(s.RunDir(runID), runID, s.logger)
}

// Start creates a run and executes it until it finishes or suspends. An
// empty runID gets a generated one. Starting over an unfinished run is a
// conflict; a finished run's ID may be reused and its history is kept.
func (s *Service) Start(ctx context.Context, runID string, in Inputs) (*Outcome, error) {
	if runID == "" {
		runID = uuid.NewString()
	}
	lock, err := s.lock(runID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	exists, err := s.store.Exists(ctx, runID)
	if err != nil {
		return nil, err
	}
	if exists {
		prev, err := s.store.Load(ctx, runID, checkpoint.Latest)
		if err != nil {
			return nil, err
		}
		if !prev.Phase.IsTerminal() {
			return nil, errors.NewConflictError("run", runID, "run exists in phase "+string(prev.Phase)).
				WithCause(errors.ErrRunConflict)
		}
		s.logger.Warn("restarting finished run", "run_id", runID)
	}

	budget := in.RuntimeBudget
	if budget <= 0 {
		budget = s.budget
	}
	doc := state.New(runID, budget, s.now())
	doc.Merge(in.Payload)
	if _, err := s.store.Save(ctx, doc, CheckpointCreated); err != nil {
		return nil, err
	}

	s.logger.WithRun(runID).Info("run started", "runtime_budget", budget)
	return s.execute(ctx, doc, workflow.NodePlan)
}

// Resume loads a checkpoint (by name, path, or "latest") and continues the
// run from the node its phase maps to. A suspended run stays suspended and
// reports its pending questions.
func (s *Service) Resume(ctx context.Context, runID, name string) (*Outcome, error) {
	lock, err := s.lock(runID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	doc, err := s.load(ctx, runID, name)
	if err != nil {
		return nil, err
	}
	start := workflow.ReEntry(doc)
	s.logger.WithRun(runID).Info("resuming run", "checkpoint", name, "phase", string(doc.Phase), "node", string(start))
	return s.execute(ctx, doc, start)
}

// SupplyUserResponse answers the pending questions of a suspended run and
// continues it.
func (s *Service) SupplyUserResponse(ctx context.Context, runID string, responses map[string]string) (*Outcome, error) {
	lock, err := s.lock(runID)
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	doc, err := s.load(ctx, runID, checkpoint.Latest)
	if err != nil {
		return nil, err
	}
	if !doc.AwaitingUserInput {
		cause := errors.ErrNotAwaitingInput
		if doc.Phase.IsTerminal() {
			cause = errors.Join(errors.ErrNotAwaitingInput, errors.ErrRunFinished)
		}
		return nil, errors.NewPreconditionError("supply_user_response", "run is in phase "+string(doc.Phase)).
			WithCause(cause)
	}

	res, err := s.engine.Resume(ctx, doc, responses)
	if err != nil {
		if errors.Is(err, errors.ErrMissingResponse) || errors.IsPrecondition(err) {
			return nil, err
		}
		s.saveOnFailure(ctx, doc, err)
		return nil, err
	}
	return &Outcome{RunID: runID, Result: res, Document: doc}, nil
}

// Status returns the latest snapshot of a run.
func (s *Service) Status(ctx context.Context, runID string) (*state.Document, error) {
	return s.load(ctx, runID, checkpoint.Latest)
}

// Checkpoints lists a run's snapshots, newest first.
func (s *Service) Checkpoints(ctx context.Context, runID string) ([]checkpoint.Entry, error) {
	entries, err := s.store.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.NewNotFoundError("run", runID).WithCause(errors.ErrRunNotFound)
	}
	return entries, nil
}

func (s *Service) load(ctx context.Context, runID, name string) (*state.Document, error) {
	doc, err := s.store.Load(ctx, runID, name)
	if err != nil {
		if errors.IsNotFound(err) && (name == "" || name == checkpoint.Latest) {
			return nil, errors.NewNotFoundError("run", runID).WithCause(errors.ErrRunNotFound)
		}
		return nil, err
	}
	if v := doc.CheckInvariants(s.engine.Limiter().CeilingFunc(doc), s.engine.MaxBacktracks()); len(v) > 0 {
		return nil, errors.NewRunError("checkpoint violates state invariants", errors.ErrInvariantViolated).
			WithRunID(runID).WithCheckpoint(name)
	}
	return doc, nil
}

func (s *Service) execute(ctx context.Context, doc *state.Document, start workflow.NodeID) (*Outcome, error) {
	res, err := s.engine.Run(ctx, doc, start)
	if err != nil {
		s.saveOnFailure(ctx, doc, err)
		return nil, err
	}
	return &Outcome{RunID: doc.RunID, Result: res, Document: doc}, nil
}

// saveOnFailure keeps the last consistent position of a run whose engine
// call stopped early. A document left by a critical failure, such as a
// broken invariant, is not saved.
func (s *Service) saveOnFailure(ctx context.Context, doc *state.Document, cause error) {
	log := s.logger.WithRun(doc.RunID)
	if errors.GetSeverity(cause) >= errors.SeverityCritical {
		log.Error("run failed; state not checkpointed", "error", cause)
		return
	}
	if ctx.Err() != nil {
		// The caller's context is gone; a short detached one still lets the
		// position be recorded.
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
	}
	if _, err := s.store.Save(ctx, doc, "interrupted"); err != nil {
		log.Error("failed to checkpoint interrupted run", "error", err, "cause", cause)
		return
	}
	log.Warn("run interrupted", "error", cause, "resume_node", doc.ResumeNode)
}
