package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/backtrack"
	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/event"
	"github.com/Iron-Ham/paperrepro/internal/interrupt"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/revision"
	"github.com/Iron-Ham/paperrepro/internal/scheduler"
	"github.com/Iron-Ham/paperrepro/internal/simulation"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// DefaultMaxSteps bounds the node executions of one Run call.
const DefaultMaxSteps = 500

// Escalation reasons recorded on the document.
const (
	ReasonError             = "error"
	ReasonRevisionLimit     = "revision_limit"
	ReasonStepLimit         = "step_limit"
	ReasonBacktrackRejected = "backtrack_rejected"
	ReasonSupervisor        = "supervisor"
)

// Checkpointer persists snapshots of the document.
type Checkpointer interface {
	Save(ctx context.Context, doc *state.Document, name string) (state.CheckpointRef, error)
}

// Config holds the engine's collaborators and limits. Collaborators, Runner,
// and Checkpoints are required; everything else has a default.
type Config struct {
	Collaborators collaborator.Collaborator
	Runner        simulation.Runner
	Checkpoints   Checkpointer

	Limiter    *revision.Limiter
	Backtracks *backtrack.Handler
	Scheduler  *scheduler.Scheduler
	Interrupts *interrupt.Controller
	Graph      *Graph
	Bus        *event.Bus
	Logger     *logging.Logger

	MaxSteps          int
	SimulationTimeout time.Duration
	Now               func() time.Time
}

// Validate reports missing required dependencies.
func (c Config) Validate() error {
	switch {
	case c.Collaborators == nil:
		return errors.NewValidationError("collaborators are required").WithField("Collaborators")
	case c.Runner == nil:
		return errors.NewValidationError("simulation runner is required").WithField("Runner")
	case c.Checkpoints == nil:
		return errors.NewValidationError("checkpoint store is required").WithField("Checkpoints")
	case c.MaxSteps < 0:
		return errors.NewValidationError("max steps must be non-negative").WithField("MaxSteps").WithValue(c.MaxSteps)
	}
	return nil
}

// Status is how a Run call ended.
type Status string

const (
	StatusFinished  Status = "finished"
	StatusSuspended Status = "suspended"
)

// Result describes the end of one Run call.
type Result struct {
	Status    Status
	Node      NodeID
	Steps     int
	Questions []state.Question
}

type handler func(ctx context.Context, doc *state.Document) (string, error)

// Engine executes the workflow graph one node at a time. An Engine holds no
// per-run state; the document carries everything, so one Engine can serve
// many runs sequentially.
type Engine struct {
	graph    *Graph
	handlers map[NodeID]handler

	collaborators collaborator.Collaborator
	runner        simulation.Runner
	store         Checkpointer
	limiter       *revision.Limiter
	backtracks    *backtrack.Handler
	scheduler     *scheduler.Scheduler
	interrupts    *interrupt.Controller
	bus           *event.Bus
	logger        *logging.Logger

	maxSteps   int
	simTimeout time.Duration
	now        func() time.Time
}

// New builds an engine and checks that every node of the graph has a
// handler.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		graph:         cfg.Graph,
		collaborators: cfg.Collaborators,
		runner:        cfg.Runner,
		store:         cfg.Checkpoints,
		limiter:       cfg.Limiter,
		backtracks:    cfg.Backtracks,
		scheduler:     cfg.Scheduler,
		interrupts:    cfg.Interrupts,
		bus:           cfg.Bus,
		logger:        cfg.Logger,
		maxSteps:      cfg.MaxSteps,
		simTimeout:    cfg.SimulationTimeout,
		now:           cfg.Now,
	}
	if e.logger == nil {
		e.logger = logging.NopLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.graph == nil {
		g, err := DefaultGraph()
		if err != nil {
			return nil, err
		}
		e.graph = g
	}
	if e.limiter == nil {
		e.limiter = revision.NewLimiter(nil)
	}
	if e.backtracks == nil {
		e.backtracks = backtrack.NewHandler(backtrack.DefaultMaxBacktracks, e.logger)
	}
	if e.scheduler == nil {
		e.scheduler = scheduler.New(e.logger)
	}
	if e.interrupts == nil {
		e.interrupts = interrupt.NewController(e.now)
	}
	if e.bus == nil {
		e.bus = event.NewBus(e.logger)
	}
	if e.maxSteps == 0 {
		e.maxSteps = DefaultMaxSteps
	}

	e.handlers = map[NodeID]handler{
		NodePlan:            e.plan,
		NodePlanReview:      e.planReview,
		NodeSelectStage:     e.selectStage,
		NodeDesign:          e.design,
		NodeDesignReview:    e.designReview,
		NodeGenerateCode:    e.generateCode,
		NodeCodeReview:      e.codeReview,
		NodeRunCode:         e.runCode,
		NodeExecutionCheck:  e.executionCheck,
		NodePhysicsCheck:    e.physicsCheck,
		NodeAnalyze:         e.analyze,
		NodeComparisonCheck: e.comparisonCheck,
		NodeSupervisor:      e.supervise,
		NodeHandleBacktrack: e.handleBacktrack,
		NodeGenerateReport:  e.generateReport,
	}
	for _, n := range e.graph.Nodes() {
		if n == NodeAskUser || n == NodeEnd {
			continue
		}
		if _, ok := e.handlers[n]; !ok {
			return nil, fmt.Errorf("%w: no handler for %s", errors.ErrUnknownNode, n)
		}
	}
	return e, nil
}

// Bus returns the event bus the engine publishes to.
func (e *Engine) Bus() *event.Bus {
	return e.bus
}

// Limiter returns the revision limiter.
func (e *Engine) Limiter() *revision.Limiter {
	return e.limiter
}

// MaxBacktracks returns the backtrack cap.
func (e *Engine) MaxBacktracks() int {
	return e.backtracks.MaxBacktracks()
}

// Run executes nodes starting at start until the run finishes or suspends.
// Node failures never escape: they become an escalation to the user. Run
// returns an error only when the document can no longer be trusted (an
// invariant breach), when a suspension could not be made durable, or when
// ctx is cancelled between nodes.
func (e *Engine) Run(ctx context.Context, doc *state.Document, start NodeID) (Result, error) {
	if !e.graph.Has(start) {
		return Result{}, errors.NewWorkflowError("cannot start", errors.ErrUnknownNode).WithNode(string(start))
	}
	if doc.AwaitingUserInput && start != NodeAskUser {
		return Result{}, errors.NewPreconditionError("run", "run is awaiting user input")
	}

	log := e.logger.WithRun(doc.RunID)
	log.Info("workflow run started", "start", string(start), "phase", string(doc.Phase))

	node := start
	steps := 0
	for {
		switch node {
		case NodeEnd:
			return e.finish(doc, steps), nil
		case NodeAskUser:
			return e.suspend(ctx, doc, steps)
		}

		if err := ctx.Err(); err != nil {
			doc.ResumeNode = string(node)
			log.Warn("workflow run cancelled", "node", string(node), "steps", steps)
			return Result{Node: node, Steps: steps}, errors.Wrap(err, "workflow cancelled between nodes")
		}

		if steps >= e.maxSteps {
			e.escalateStepLimit(doc, node)
			e.saveEscalation(ctx, doc)
			node = NodeAskUser
			continue
		}

		next, err := e.step(ctx, doc, node)
		if err != nil {
			return Result{Node: node, Steps: steps}, err
		}
		steps++
		node = next
	}
}

// Resume applies the user's answers to a suspended document and continues
// at the ASK_USER -> SUPERVISOR edge. Incomplete answers fail without
// touching the document.
func (e *Engine) Resume(ctx context.Context, doc *state.Document, responses map[string]string) (Result, error) {
	if err := e.interrupts.Resume(doc, responses); err != nil {
		return Result{}, err
	}
	next, err := e.graph.Next(NodeAskUser, VerdictResumed)
	if err != nil {
		return Result{}, err
	}
	doc.LastVerdicts[string(NodeAskUser)] = VerdictResumed
	doc.ResumeNode = string(next)
	e.logger.WithRun(doc.RunID).Info("run resumed", "answers", len(responses))
	e.bus.Publish(event.NewRunResumedEvent(doc.RunID, len(responses)))
	return e.Run(ctx, doc, next)
}

// step executes one node and returns the next one.
func (e *Engine) step(ctx context.Context, doc *state.Document, node NodeID) (NodeID, error) {
	stageID := doc.CurrentStageID
	log := e.logger.WithRun(doc.RunID).WithNode(string(node))
	if stageID != "" {
		log = log.WithStage(stageID)
	}

	e.bus.Publish(event.NewNodeStartedEvent(doc.RunID, string(node), stageID, doc.Steps))
	if p, ok := nodePhases[node]; ok {
		doc.Phase = p
	}

	started := e.now()
	verdict, nodeErr := e.execute(ctx, doc, node)
	if errors.Is(nodeErr, errors.ErrGateViolation) {
		// Running a stage past the gate would corrupt every later result.
		log.Error("validation hierarchy breached", "error", nodeErr)
		return "", nodeErr
	}
	if nodeErr != nil {
		log.Error("node failed", "error", nodeErr)
		verdict = VerdictError
		e.escalateError(doc, node, nodeErr)
	}

	next, err := e.graph.Next(node, verdict)
	if err != nil {
		// A handler produced a verdict the table does not declare.
		log.Error("unroutable verdict", "verdict", verdict, "error", err)
		nodeErr = err
		verdict = VerdictError
		e.escalateError(doc, node, err)
		next = NodeAskUser
	}

	doc.LastVerdicts[string(node)] = verdict
	doc.ResumeNode = string(next)
	doc.Steps++
	doc.Touch(e.now())

	if next == NodeAskUser && verdict != collaborator.VerdictAskUser {
		e.saveEscalation(ctx, doc)
	}

	elapsed := e.now().Sub(started)
	log.Debug("node completed", "verdict", verdict, "next", string(next), "duration", elapsed.String())
	e.bus.Publish(event.NewNodeCompletedEvent(doc.RunID, string(node), stageID, verdict, string(next), elapsed, nodeErr))

	if v := doc.CheckInvariants(e.limiter.CeilingFunc(doc), e.backtracks.MaxBacktracks()); len(v) > 0 {
		log.Error("state invariant violated", "violations", v)
		return "", errors.NewWorkflowError(strings.Join(v, "; "), errors.ErrInvariantViolated).
			WithNode(string(node)).WithStage(stageID).WithVerdict(verdict).WithSeverity(errors.SeverityCritical)
	}
	return next, nil
}

// execute runs a node handler and converts a panic into an error.
func (e *Engine) execute(ctx context.Context, doc *state.Document, node NodeID) (verdict string, err error) {
	h, ok := e.handlers[node]
	if !ok {
		return "", errors.NewWorkflowError("no handler", errors.ErrUnknownNode).WithNode(string(node))
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.NewWorkflowError(fmt.Sprintf("node panicked: %v", r), nil).WithNode(string(node))
		}
	}()
	return h(ctx, doc)
}

// suspend is the ASK_USER node.
func (e *Engine) suspend(ctx context.Context, doc *state.Document, steps int) (Result, error) {
	res := Result{Status: StatusSuspended, Node: NodeAskUser, Steps: steps}
	if doc.AwaitingUserInput {
		res.Questions = doc.PendingQuestions
		return res, nil
	}

	if err := e.interrupts.Suspend(doc, e.questionsFor(doc)); err != nil {
		return res, err
	}
	doc.ResumeNode = string(NodeAskUser)
	res.Questions = doc.PendingQuestions

	if _, err := e.checkpoint(ctx, doc, checkpoint.NameAwaitingInput); err != nil {
		return res, errors.NewRunError("failed to persist suspension", err).
			WithRunID(doc.RunID).WithCheckpoint(checkpoint.NameAwaitingInput)
	}

	texts := make([]string, len(res.Questions))
	for i, q := range res.Questions {
		texts[i] = q.Text
	}
	e.logger.WithRun(doc.RunID).Info("run suspended for user input", "questions", len(texts), "steps", steps)
	e.bus.Publish(event.NewRunSuspendedEvent(doc.RunID, texts))
	return res, nil
}

// questionsFor returns the escalation questions, or a generic one when the
// suspension has no recorded cause.
func (e *Engine) questionsFor(doc *state.Document) []state.Question {
	if doc.Escalation != nil && len(doc.Escalation.Questions) > 0 {
		return doc.Escalation.Questions
	}
	return []state.Question{{
		StageID: doc.CurrentStageID,
		Reason:  ReasonSupervisor,
		Text:    "The workflow is waiting for direction. Reply with guidance for the next step.",
	}}
}

func (e *Engine) finish(doc *state.Document, steps int) Result {
	doc.Phase = state.PhaseDone
	doc.ResumeNode = string(NodeEnd)
	doc.Touch(e.now())
	e.logger.WithRun(doc.RunID).Info("workflow finished", "steps", steps, "total_steps", doc.Steps)
	e.bus.Publish(event.NewRunFinishedEvent(doc.RunID, doc.Steps))
	return Result{Status: StatusFinished, Node: NodeEnd, Steps: steps}
}

// escalateError records a node failure as an escalation question.
func (e *Engine) escalateError(doc *state.Document, node NodeID, err error) {
	where := string(node)
	if doc.CurrentStageID != "" {
		where = fmt.Sprintf("%s for stage %s", node, doc.CurrentStageID)
	}
	// Only typed errors carry a message written for the user.
	detail := "an internal error (see the run log)"
	if errors.IsUserFacing(err) {
		detail = err.Error()
	}
	hint := ""
	if errors.IsRetryable(err) {
		hint = " The failure looks transient, so retrying as is may succeed."
	}
	doc.Escalation = &state.Escalation{
		Node:    string(node),
		StageID: doc.CurrentStageID,
		Reason:  ReasonError,
		Questions: []state.Question{{
			StageID: doc.CurrentStageID,
			Reason:  ReasonError,
			Text: fmt.Sprintf("%s failed: %s.%s Reply with guidance to retry the step, "+
				"'accept' to continue with the current result, or 'replan' to revise the plan.", where, detail, hint),
		}},
	}
}

func (e *Engine) escalateStepLimit(doc *state.Document, node NodeID) {
	err := fmt.Errorf("%w: %d steps before %s", errors.ErrStepLimit, e.maxSteps, node)
	e.logger.WithRun(doc.RunID).Warn("step limit reached", "node", string(node), "max_steps", e.maxSteps, "error", err)
	doc.ResumeNode = string(node)
	doc.Escalation = &state.Escalation{
		Node:    string(node),
		StageID: doc.CurrentStageID,
		Reason:  ReasonStepLimit,
		Questions: []state.Question{{
			StageID: doc.CurrentStageID,
			Reason:  ReasonStepLimit,
			Text: fmt.Sprintf("The workflow stopped (%v) without finishing. "+
				"Reply 'continue' to keep going, or give guidance to change course.", err),
		}},
	}
}

// saveEscalation checkpoints an escalation. The suspension that follows
// saves again and reports failures, so an error here is only logged.
func (e *Engine) saveEscalation(ctx context.Context, doc *state.Document) {
	if _, err := e.checkpoint(ctx, doc, checkpoint.NameEscalation); err != nil {
		e.logger.WithRun(doc.RunID).Warn("failed to save escalation checkpoint", "error", err)
	}
}

func (e *Engine) checkpoint(ctx context.Context, doc *state.Document, name string) (state.CheckpointRef, error) {
	ref, err := e.store.Save(ctx, doc, name)
	if err != nil {
		return ref, err
	}
	e.bus.Publish(event.NewCheckpointSavedEvent(doc.RunID, ref.Name, ref.Path))
	return ref, nil
}

// setStatus transitions a stage and publishes the change.
func (e *Engine) setStatus(doc *state.Document, id string, status state.StageStatus, reason string) error {
	s, err := doc.Stage(id)
	if err != nil {
		return err
	}
	from := s.Status
	if err := doc.SetStageStatus(id, status); err != nil {
		return err
	}
	if from != status {
		e.bus.Publish(event.NewStageStatusChangedEvent(doc.RunID, id, string(from), string(status), reason))
	}
	return nil
}

// statuses snapshots every stage status for publishChanges.
func statuses(doc *state.Document) map[string]state.StageStatus {
	out := make(map[string]state.StageStatus, len(doc.Plan))
	for _, s := range doc.Plan {
		out[s.ID] = s.Status
	}
	return out
}

// publishChanges emits status events for every stage that changed since
// before was taken.
func (e *Engine) publishChanges(doc *state.Document, before map[string]state.StageStatus, reason string) {
	for _, s := range doc.Plan {
		if from, ok := before[s.ID]; !ok || from != s.Status {
			e.bus.Publish(event.NewStageStatusChangedEvent(doc.RunID, s.ID, string(from), string(s.Status), reason))
		}
	}
}
