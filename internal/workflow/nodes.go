package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/event"
	"github.com/Iron-Ham/paperrepro/internal/gate"
	"github.com/Iron-Ham/paperrepro/internal/revision"
	"github.com/Iron-Ham/paperrepro/internal/scheduler"
	"github.com/Iron-Ham/paperrepro/internal/simulation"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Patch keys the engine reads. Everything else is merged as opaque content.
const (
	keyPlan          = "plan"
	keyCode          = "code"
	keyFilename      = "filename"
	keyStageOutcome  = "stage_outcome"
	keyBacktrack     = "backtrack"
	keyQuestions     = "questions"
	keySimulation    = "simulation"
	keyPlanIssues    = "plan_issues"
	keySuperseded    = "superseded_stages"
	keyUserResponses = "user_responses"
)

// invoke calls the node's collaborator with a private copy of the document
// and checks the verdict against the role's vocabulary.
func (e *Engine) invoke(ctx context.Context, doc *state.Document, node NodeID, extra map[string]any) (collaborator.Response, error) {
	role, ok := nodeRoles[node]
	if !ok {
		return collaborator.Response{}, errors.NewWorkflowError("node has no collaborator role", errors.ErrUnknownRole).WithNode(string(node))
	}
	if len(doc.UserResponses) > 0 {
		if extra == nil {
			extra = map[string]any{}
		}
		extra[keyUserResponses] = maps.Clone(doc.UserResponses)
	}
	resp, err := e.collaborators.Invoke(ctx, collaborator.Request{Role: role, State: doc.Clone(), Extra: extra})
	if err != nil {
		return resp, errors.NewCollaboratorError(string(role), "invocation failed", err)
	}
	if err := collaborator.CheckVerdict(role, resp.Verdict); err != nil {
		return resp, errors.NewCollaboratorError(string(role), "unusable response", err)
	}
	return resp, nil
}

// revise charges one revision to (stageID, kind). It returns verdict when
// the loop may continue and limit_reached, with an escalation recorded, when
// the ceiling is exhausted.
func (e *Engine) revise(doc *state.Document, node NodeID, stageID string, kind state.ReviewKind, verdict string) string {
	d := e.limiter.RecordAndCheck(doc, stageID, kind)
	log := e.logger.WithRun(doc.RunID).WithNode(string(node))
	if !d.Escalated() {
		log.Debug("revision recorded", "stage_id", stageID, "kind", string(kind), "count", d.Count, "ceiling", d.Ceiling)
		return verdict
	}
	log.Warn("revision limit reached", "stage_id", stageID, "kind", string(kind), "count", d.Count, "ceiling", d.Ceiling)
	q := revision.Question(d)
	doc.Escalation = &state.Escalation{
		Node:      string(node),
		StageID:   q.StageID,
		Reason:    ReasonRevisionLimit,
		Questions: []state.Question{q},
	}
	return VerdictLimitReached
}

func requireStage(doc *state.Document, node NodeID) (*state.Stage, error) {
	s := doc.CurrentStage()
	if s == nil {
		return nil, errors.NewWorkflowError("no current stage", errors.ErrStageNotFound).WithNode(string(node))
	}
	return s, nil
}

// stageExtra is the extra input shared by every stage-scoped node.
func stageExtra(doc *state.Document, s *state.Stage) map[string]any {
	extra := map[string]any{"stage": *s}
	if out := doc.StageOutputs[s.ID]; len(out) > 0 {
		extra["stage_outputs"] = maps.Clone(out)
	}
	return extra
}

func (e *Engine) plan(ctx context.Context, doc *state.Document) (string, error) {
	extra := map[string]any{}
	if issues, ok := doc.Payload[keyPlanIssues]; ok {
		extra[keyPlanIssues] = issues
	}
	if len(doc.Plan) > 0 {
		extra["current_plan"] = doc.Plan
	}
	resp, err := e.invoke(ctx, doc, NodePlan, extra)
	if err != nil {
		return "", err
	}

	raw, ok := resp.Patch[keyPlan]
	if !ok {
		return "", errors.NewCollaboratorError(string(collaborator.RolePlanner), "response has no plan", errors.ErrPlanInvalid)
	}
	var stages []state.Stage
	if err := collaborator.Decode(raw, &stages); err != nil {
		return "", errors.NewCollaboratorError(string(collaborator.RolePlanner), "plan could not be decoded", err)
	}
	stages = state.NormalizePlan(stages)
	if err := state.ValidatePlan(stages); err != nil {
		return "", err
	}

	rest := maps.Clone(resp.Patch)
	delete(rest, keyPlan)
	doc.Merge(rest)
	e.adoptPlan(doc, stages)
	return resp.Verdict, nil
}

// adoptPlan installs a freshly authored plan. Stages that keep their ID and
// type keep their progress; carried completions whose dependencies changed
// are reset. Stages the new plan leaves out stay at the end of the plan,
// invalidated and marked superseded. Revision counters are never touched, so
// a stage that returns in a later plan resumes its review budget.
func (e *Engine) adoptPlan(doc *state.Document, fresh []state.Stage) {
	before := statuses(doc)
	old := make(map[string]state.Stage, len(doc.Plan))
	for _, s := range doc.Plan {
		old[s.ID] = s
	}
	kept := make(map[string]bool, len(fresh))

	for i := range fresh {
		s := &fresh[i]
		s.Superseded = false
		kept[s.ID] = true
		prev, ok := old[s.ID]
		switch {
		case !ok:
			s.Status = state.StatusNotStarted
		case prev.Superseded:
			s.Status = state.StatusNotStarted
			s.Issues = append(slices.Clone(prev.Issues), s.Issues...)
			s.Issues = append(s.Issues, "restored by replan")
			doc.ClearStageOutputs(s.ID)
		case prev.Type != s.Type:
			s.Status = state.StatusNotStarted
			doc.ClearStageOutputs(s.ID)
		default:
			s.Status = prev.Status
			s.Issues = append(slices.Clone(prev.Issues), s.Issues...)
			if s.Outputs == nil {
				s.Outputs = prev.Outputs
			}
		}
		e.coverRecordedRevisions(doc, s)
	}

	var dropped []string
	for _, s := range doc.Plan {
		if kept[s.ID] {
			continue
		}
		if !s.Superseded {
			s.Superseded = true
			s.Status = state.StatusInvalidated
			s.Issues = append(slices.Clone(s.Issues), "superseded by replan")
			dropped = append(dropped, s.ID)
		}
		fresh = append(fresh, s)
	}

	doc.Plan = fresh
	for i := range doc.Plan {
		s := &doc.Plan[i]
		if s.Superseded {
			continue
		}
		switch {
		case s.Status == state.StatusInProgress, s.Status == state.StatusBlocked:
			s.Status = state.StatusNotStarted
		case s.Status.IsCompleted() && !doc.DependenciesSatisfied(s):
			s.Status = state.StatusNotStarted
			s.Issues = append(s.Issues, "reset by replan: dependencies changed")
		}
	}
	doc.CurrentStageID = ""
	doc.CurrentStageType = ""

	cleared := doc.RecomputeHierarchy()
	e.publishChanges(doc, before, "replan")
	e.logger.WithRun(doc.RunID).Info("plan adopted",
		"stages", len(kept),
		"superseded", dropped,
		"cleared_flags", cleared,
	)
}

// coverRecordedRevisions raises s's limit for every kind whose recorded
// count is already above the ceiling s would get, so a counter never
// exceeds its ceiling after a replan.
func (e *Engine) coverRecordedRevisions(doc *state.Document, s *state.Stage) {
	for _, kind := range state.ReviewKinds() {
		n := doc.RevisionCount(s.ID, kind)
		if n <= e.limiter.StageCeiling(s, kind) {
			continue
		}
		limits := make(map[state.ReviewKind]int, len(s.RevisionLimits)+1)
		maps.Copy(limits, s.RevisionLimits)
		limits[kind] = n
		s.RevisionLimits = limits
		s.Issues = append(s.Issues, fmt.Sprintf("%s limit raised to %d to cover recorded revisions", kind, n))
	}
}

func (e *Engine) planReview(ctx context.Context, doc *state.Document) (string, error) {
	diagnostics := gate.Diagnose(doc.Plan)
	resp, err := e.invoke(ctx, doc, NodePlanReview, map[string]any{keyPlanIssues: diagnostics})
	if err != nil {
		return "", err
	}
	doc.Merge(resp.Patch)

	verdict := resp.Verdict
	if verdict == collaborator.VerdictApprove && len(diagnostics) > 0 {
		e.logger.WithRun(doc.RunID).Warn("plan approved with structural problems; requesting revision",
			"problems", diagnostics)
		verdict = collaborator.VerdictNeedsRevision
	}
	if len(diagnostics) > 0 {
		doc.Payload[keyPlanIssues] = diagnostics
	} else {
		delete(doc.Payload, keyPlanIssues)
	}

	if verdict == collaborator.VerdictNeedsRevision {
		return e.revise(doc, NodePlanReview, state.PlanScope, state.KindReplan, verdict), nil
	}

	doc.Phase = state.PhaseDesign
	if _, err := e.checkpoint(ctx, doc, checkpoint.NamePlanApproved); err != nil {
		return "", err
	}
	return verdict, nil
}

func (e *Engine) selectStage(_ context.Context, doc *state.Document) (string, error) {
	before := statuses(doc)
	sel := e.scheduler.Select(doc)
	e.publishChanges(doc, before, "over budget")

	if !sel.Found() {
		e.blockStranded(doc, sel)
		doc.CurrentStageID = ""
		doc.CurrentStageType = ""
		return VerdictNone, nil
	}

	s, err := doc.Stage(sel.StageID)
	if err != nil {
		return "", err
	}
	if !gate.Allowed(s, doc.Plan, doc.Hierarchy) {
		flag, _ := gate.Required(s, doc.Plan)
		return "", errors.NewWorkflowError(fmt.Sprintf("stage %s selected without %s", s.ID, flag), errors.ErrGateViolation).
			WithNode(string(NodeSelectStage)).WithStage(s.ID).WithSeverity(errors.SeverityCritical)
	}
	if err := doc.SetCurrentStage(s.ID); err != nil {
		return "", err
	}
	if err := e.setStatus(doc, s.ID, state.StatusInProgress, "selected"); err != nil {
		return "", err
	}
	return VerdictSelected, nil
}

// blockStranded marks every stage the scheduler could not reach as blocked,
// so that the report sees a terminal status with a reason for each stage.
func (e *Engine) blockStranded(doc *state.Document, sel scheduler.Selection) {
	reasons := make(map[string]scheduler.Skip, len(sel.Skipped))
	for _, sk := range sel.Skipped {
		reasons[sk.StageID] = sk
	}
	for i := range doc.Plan {
		s := &doc.Plan[i]
		if s.Superseded || s.Status.IsTerminal() {
			continue
		}
		reason := "blocked: no runnable path"
		if sk, ok := reasons[s.ID]; ok {
			switch sk.Reason {
			case scheduler.SkipDependencies:
				reason = "blocked: dependencies did not complete successfully"
			case scheduler.SkipGate:
				reason = fmt.Sprintf("blocked: validation tier %s was never reached", sk.Detail)
			}
		}
		doc.AddIssue(s.ID, reason)
		if err := e.setStatus(doc, s.ID, state.StatusBlocked, reason); err != nil {
			e.logger.WithRun(doc.RunID).Warn("failed to block stage", "stage_id", s.ID, "error", err)
		}
	}
}

func (e *Engine) design(ctx context.Context, doc *state.Document) (string, error) {
	return e.produce(ctx, doc, NodeDesign)
}

func (e *Engine) designReview(ctx context.Context, doc *state.Document) (string, error) {
	return e.review(ctx, doc, NodeDesignReview, state.KindDesignReview)
}

func (e *Engine) generateCode(ctx context.Context, doc *state.Document) (string, error) {
	s, err := requireStage(doc, NodeGenerateCode)
	if err != nil {
		return "", err
	}
	resp, err := e.invoke(ctx, doc, NodeGenerateCode, stageExtra(doc, s))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(collaborator.String(resp.Patch, keyCode)) == "" {
		return "", errors.NewCollaboratorError(string(collaborator.RoleCodeGenerator), "response has no code", nil)
	}
	doc.MergeStageOutputs(s.ID, resp.Patch)
	return resp.Verdict, nil
}

func (e *Engine) codeReview(ctx context.Context, doc *state.Document) (string, error) {
	return e.review(ctx, doc, NodeCodeReview, state.KindCodeReview)
}

// produce runs a content node that always answers ok.
func (e *Engine) produce(ctx context.Context, doc *state.Document, node NodeID) (string, error) {
	s, err := requireStage(doc, node)
	if err != nil {
		return "", err
	}
	resp, err := e.invoke(ctx, doc, node, stageExtra(doc, s))
	if err != nil {
		return "", err
	}
	doc.MergeStageOutputs(s.ID, resp.Patch)
	return resp.Verdict, nil
}

// review runs an approve/needs_revision node charged to kind.
func (e *Engine) review(ctx context.Context, doc *state.Document, node NodeID, kind state.ReviewKind) (string, error) {
	s, err := requireStage(doc, node)
	if err != nil {
		return "", err
	}
	resp, err := e.invoke(ctx, doc, node, stageExtra(doc, s))
	if err != nil {
		return "", err
	}
	doc.MergeStageOutputs(s.ID, resp.Patch)
	if resp.Verdict == collaborator.VerdictNeedsRevision {
		return e.revise(doc, node, s.ID, kind, resp.Verdict), nil
	}
	return resp.Verdict, nil
}

func (e *Engine) runCode(ctx context.Context, doc *state.Document) (string, error) {
	s, err := requireStage(doc, NodeRunCode)
	if err != nil {
		return "", err
	}
	outputs := doc.StageOutputs[s.ID]
	code := collaborator.String(outputs, keyCode)
	if strings.TrimSpace(code) == "" {
		return "", errors.NewWorkflowError("no generated code to run", nil).WithNode(string(NodeRunCode)).WithStage(s.ID)
	}

	res, err := e.runner.Run(ctx, simulation.Program{
		StageID:  s.ID,
		Code:     code,
		Filename: collaborator.String(outputs, keyFilename),
	}, e.simTimeout)
	if err != nil {
		return "", errors.Wrapf(err, "simulation for stage %s", s.ID)
	}

	doc.MergeStageOutputs(s.ID, map[string]any{keySimulation: map[string]any{
		"stdout":           res.Stdout,
		"stderr":           res.Stderr,
		"exit_code":        res.ExitCode,
		"timed_out":        res.TimedOut,
		"produced_files":   append([]string{}, res.ProducedFiles...),
		"duration_seconds": res.Duration.Seconds(),
	}})

	verdict := simulation.Verdict(res)
	e.logger.WithRun(doc.RunID).WithStage(s.ID).Info("simulation finished",
		"verdict", verdict, "exit_code", res.ExitCode, "timed_out", res.TimedOut, "files", len(res.ProducedFiles))
	if verdict == simulation.VerdictFail {
		issue := fmt.Sprintf("simulation failed with exit code %d", res.ExitCode)
		if res.TimedOut {
			issue = "simulation timed out"
		}
		doc.AddIssue(s.ID, issue)
		return e.revise(doc, NodeRunCode, s.ID, state.KindExecution, collaborator.VerdictFail), nil
	}
	return collaborator.VerdictPass, nil
}

func (e *Engine) executionCheck(ctx context.Context, doc *state.Document) (string, error) {
	s, err := requireStage(doc, NodeExecutionCheck)
	if err != nil {
		return "", err
	}
	resp, err := e.invoke(ctx, doc, NodeExecutionCheck, stageExtra(doc, s))
	if err != nil {
		return "", err
	}
	doc.MergeStageOutputs(s.ID, resp.Patch)
	if resp.Verdict == collaborator.VerdictFail {
		return e.revise(doc, NodeExecutionCheck, s.ID, state.KindExecution, resp.Verdict), nil
	}
	return resp.Verdict, nil
}

func (e *Engine) physicsCheck(ctx context.Context, doc *state.Document) (string, error) {
	s, err := requireStage(doc, NodePhysicsCheck)
	if err != nil {
		return "", err
	}
	resp, err := e.invoke(ctx, doc, NodePhysicsCheck, stageExtra(doc, s))
	if err != nil {
		return "", err
	}
	doc.MergeStageOutputs(s.ID, resp.Patch)
	switch resp.Verdict {
	case collaborator.VerdictFail:
		return e.revise(doc, NodePhysicsCheck, s.ID, state.KindPhysics, resp.Verdict), nil
	case collaborator.VerdictDesignFlaw:
		return e.revise(doc, NodePhysicsCheck, s.ID, state.KindDesignReview, resp.Verdict), nil
	}
	return resp.Verdict, nil
}

func (e *Engine) analyze(ctx context.Context, doc *state.Document) (string, error) {
	return e.produce(ctx, doc, NodeAnalyze)
}

func (e *Engine) comparisonCheck(ctx context.Context, doc *state.Document) (string, error) {
	return e.review(ctx, doc, NodeComparisonCheck, state.KindAnalysisReview)
}

// supervise interprets the stage result or the user's answers and chooses
// the next action. Retries requested while acting on user answers are not
// charged, so each answer buys exactly one more attempt.
func (e *Engine) supervise(ctx context.Context, doc *state.Document) (string, error) {
	fromUser := doc.Escalation != nil
	extra := map[string]any{
		"runtime_budget_remaining": doc.RuntimeBudgetRemaining,
		"backtracks_remaining":     e.backtracks.MaxBacktracks() - doc.BacktrackCount,
	}
	if doc.Escalation != nil {
		extra["escalation"] = *doc.Escalation
	}
	if s := doc.CurrentStage(); s != nil {
		extra["stage"] = *s
	}
	if next := e.scheduler.Peek(doc); next.Found() {
		extra["next_stage"] = next.StageID
	}

	resp, err := e.invoke(ctx, doc, NodeSupervisor, extra)
	if err != nil {
		return "", err
	}
	doc.Escalation = nil

	rest := maps.Clone(resp.Patch)
	for _, k := range []string{keyStageOutcome, keyBacktrack, keyQuestions} {
		delete(rest, k)
	}
	doc.Merge(rest)

	log := e.logger.WithRun(doc.RunID).WithNode(string(NodeSupervisor))
	verdict := resp.Verdict
	log.Info("supervisor decision", "verdict", verdict, "from_user", fromUser)

	switch verdict {
	case collaborator.VerdictOKContinue:
		if len(doc.Plan) == 0 {
			log.Warn("continue requested without a plan; replanning")
			return e.chargeUnlessUser(doc, fromUser, state.PlanScope, state.KindReplan, collaborator.VerdictReplan), nil
		}
		if err := e.completeStage(ctx, doc, collaborator.String(resp.Patch, keyStageOutcome)); err != nil {
			return "", err
		}

	case collaborator.VerdictReplan:
		return e.chargeUnlessUser(doc, fromUser, state.PlanScope, state.KindReplan, verdict), nil

	case collaborator.VerdictBacktrack:
		var req state.BacktrackRequest
		if err := collaborator.Decode(resp.Patch[keyBacktrack], &req); err != nil || req.Target == "" {
			return "", errors.NewCollaboratorError(string(collaborator.RoleSupervisor), "backtrack without a target stage", err)
		}
		doc.BacktrackRequest = &req

	case collaborator.VerdictRetryDesign, collaborator.VerdictRetryCode, collaborator.VerdictRetryAnalysis:
		s, err := requireStage(doc, NodeSupervisor)
		if err != nil {
			return "", err
		}
		kind := map[string]state.ReviewKind{
			collaborator.VerdictRetryDesign:   state.KindDesignReview,
			collaborator.VerdictRetryCode:     state.KindCodeReview,
			collaborator.VerdictRetryAnalysis: state.KindAnalysisReview,
		}[verdict]
		if err := e.setStatus(doc, s.ID, state.StatusInProgress, verdict); err != nil {
			return "", err
		}
		return e.chargeUnlessUser(doc, fromUser, s.ID, kind, verdict), nil

	case collaborator.VerdictAskUser:
		texts := collaborator.StringSlice(resp.Patch, keyQuestions)
		if len(texts) == 0 {
			texts = []string{"The supervisor needs direction. How should the reproduction proceed?"}
		}
		questions := make([]state.Question, len(texts))
		for i, t := range texts {
			questions[i] = state.Question{Text: t, StageID: doc.CurrentStageID, Reason: ReasonSupervisor}
		}
		doc.Escalation = &state.Escalation{
			Node:      string(NodeSupervisor),
			StageID:   doc.CurrentStageID,
			Reason:    ReasonSupervisor,
			Questions: questions,
		}
	}
	return verdict, nil
}

func (e *Engine) chargeUnlessUser(doc *state.Document, fromUser bool, stageID string, kind state.ReviewKind, verdict string) string {
	if fromUser {
		return verdict
	}
	return e.revise(doc, NodeSupervisor, stageID, kind, verdict)
}

// completeStage applies the supervisor's outcome to the current stage. A
// stage that is already terminal is left alone so a repeated decision does
// not charge the budget twice.
func (e *Engine) completeStage(ctx context.Context, doc *state.Document, outcome string) error {
	s := doc.CurrentStage()
	if s == nil || s.Status.IsTerminal() {
		return nil
	}
	status := state.StageStatus(outcome)
	if outcome == "" {
		status = state.StatusCompletedSuccess
	}
	if !status.IsCompleted() {
		return errors.NewCollaboratorError(string(collaborator.RoleSupervisor),
			fmt.Sprintf("stage_outcome %q is not a completed status", outcome), errors.ErrInvalidInput)
	}

	if err := e.setStatus(doc, s.ID, status, "supervisor"); err != nil {
		return err
	}
	if status.Satisfies() {
		if err := doc.MarkValidated(s.ID); err != nil {
			return err
		}
	}
	doc.ConsumeBudget(s.EstimatedRuntime)
	e.logger.WithRun(doc.RunID).WithStage(s.ID).Info("stage completed",
		"status", string(status),
		"budget_remaining", doc.RuntimeBudgetRemaining,
	)
	_, err := e.checkpoint(ctx, doc, checkpoint.StageComplete(s.ID))
	return err
}

func (e *Engine) handleBacktrack(ctx context.Context, doc *state.Document) (string, error) {
	req := doc.BacktrackRequest
	doc.BacktrackRequest = nil
	if req == nil {
		req = &state.BacktrackRequest{}
	}

	before := statuses(doc)
	res, err := e.backtracks.Backtrack(doc, req.Target, req.Reason)
	if err != nil {
		doc.Escalation = &state.Escalation{
			Node:    string(NodeHandleBacktrack),
			StageID: doc.CurrentStageID,
			Reason:  ReasonBacktrackRejected,
			Questions: []state.Question{{
				StageID: doc.CurrentStageID,
				Reason:  ReasonBacktrackRejected,
				Text: fmt.Sprintf("Backtrack to %q was rejected: %v. Reply with guidance to continue, "+
					"'replan' to revise the plan, or 'accept' to keep the current results.", req.Target, err),
			}},
		}
		return VerdictRejected, nil
	}

	reason := "backtrack to " + res.Target
	e.publishChanges(doc, before, reason)
	e.bus.Publish(event.NewBacktrackAppliedEvent(doc.RunID, res.Target, res.Invalidated, req.Reason, res.Count))
	if _, err := e.checkpoint(ctx, doc, checkpoint.Backtrack(res.Count)); err != nil {
		return "", err
	}
	return collaborator.VerdictOK, nil
}

func (e *Engine) generateReport(ctx context.Context, doc *state.Document) (string, error) {
	var summary, superseded []map[string]any
	for _, s := range doc.Plan {
		entry := map[string]any{
			"stage_id":   s.ID,
			"stage_type": string(s.Type),
			"status":     string(s.Status),
			"issues":     s.Issues,
		}
		if s.Superseded {
			superseded = append(superseded, entry)
			continue
		}
		summary = append(summary, entry)
	}
	extra := map[string]any{"stages": summary}
	if len(superseded) > 0 {
		extra[keySuperseded] = superseded
	}
	resp, err := e.invoke(ctx, doc, NodeGenerateReport, extra)
	if err != nil {
		return "", err
	}
	doc.Merge(resp.Patch)
	doc.Phase = state.PhaseDone
	if _, err := e.checkpoint(ctx, doc, checkpoint.NameFinalReport); err != nil {
		return "", err
	}
	return resp.Verdict, nil
}
