package workflow

import (
	"maps"

	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Engine-level verdicts. Every node except ASK_USER and END may produce
// VerdictError and VerdictLimitReached.
const (
	VerdictError        = "error"
	VerdictLimitReached = "limit_reached"
	VerdictSelected     = "selected"
	VerdictNone         = "none"
	VerdictRejected     = "rejected"
	VerdictResumed      = "resumed"
)

// nodeVerdicts declares the verdicts each node returns on its own.
var nodeVerdicts = map[NodeID][]string{
	NodePlan:            {collaborator.VerdictOK},
	NodePlanReview:      {collaborator.VerdictApprove, collaborator.VerdictNeedsRevision},
	NodeSelectStage:     {VerdictSelected, VerdictNone},
	NodeDesign:          {collaborator.VerdictOK},
	NodeDesignReview:    {collaborator.VerdictApprove, collaborator.VerdictNeedsRevision},
	NodeGenerateCode:    {collaborator.VerdictOK},
	NodeCodeReview:      {collaborator.VerdictApprove, collaborator.VerdictNeedsRevision},
	NodeRunCode:         {collaborator.VerdictPass, collaborator.VerdictFail},
	NodeExecutionCheck:  {collaborator.VerdictPass, collaborator.VerdictFail},
	NodePhysicsCheck:    {collaborator.VerdictPass, collaborator.VerdictFail, collaborator.VerdictDesignFlaw},
	NodeAnalyze:         {collaborator.VerdictOK},
	NodeComparisonCheck: {collaborator.VerdictApprove, collaborator.VerdictNeedsRevision},
	NodeSupervisor: {
		collaborator.VerdictOKContinue, collaborator.VerdictReplan, collaborator.VerdictBacktrack,
		collaborator.VerdictRetryDesign, collaborator.VerdictRetryCode, collaborator.VerdictRetryAnalysis,
		collaborator.VerdictAskUser, collaborator.VerdictAllComplete,
	},
	NodeHandleBacktrack: {collaborator.VerdictOK, VerdictRejected},
	NodeAskUser:         {VerdictResumed},
	NodeGenerateReport:  {collaborator.VerdictOK},
	NodeEnd:             {},
}

// routes is the verdict-driven transition table.
var routes = map[Edge]NodeID{
	{NodePlan, collaborator.VerdictOK}: NodePlanReview,

	{NodePlanReview, collaborator.VerdictApprove}:       NodeSelectStage,
	{NodePlanReview, collaborator.VerdictNeedsRevision}: NodePlan,

	{NodeSelectStage, VerdictSelected}: NodeDesign,
	{NodeSelectStage, VerdictNone}:     NodeGenerateReport,

	{NodeDesign, collaborator.VerdictOK}: NodeDesignReview,

	{NodeDesignReview, collaborator.VerdictApprove}:       NodeGenerateCode,
	{NodeDesignReview, collaborator.VerdictNeedsRevision}: NodeDesign,

	{NodeGenerateCode, collaborator.VerdictOK}: NodeCodeReview,

	{NodeCodeReview, collaborator.VerdictApprove}:       NodeRunCode,
	{NodeCodeReview, collaborator.VerdictNeedsRevision}: NodeGenerateCode,

	{NodeRunCode, collaborator.VerdictPass}: NodeExecutionCheck,
	{NodeRunCode, collaborator.VerdictFail}: NodeGenerateCode,

	{NodeExecutionCheck, collaborator.VerdictPass}: NodePhysicsCheck,
	{NodeExecutionCheck, collaborator.VerdictFail}: NodeGenerateCode,

	{NodePhysicsCheck, collaborator.VerdictPass}:       NodeAnalyze,
	{NodePhysicsCheck, collaborator.VerdictFail}:       NodeGenerateCode,
	{NodePhysicsCheck, collaborator.VerdictDesignFlaw}: NodeDesign,

	{NodeAnalyze, collaborator.VerdictOK}: NodeComparisonCheck,

	{NodeComparisonCheck, collaborator.VerdictApprove}:       NodeSupervisor,
	{NodeComparisonCheck, collaborator.VerdictNeedsRevision}: NodeAnalyze,

	{NodeSupervisor, collaborator.VerdictOKContinue}:    NodeSelectStage,
	{NodeSupervisor, collaborator.VerdictReplan}:        NodePlan,
	{NodeSupervisor, collaborator.VerdictBacktrack}:     NodeHandleBacktrack,
	{NodeSupervisor, collaborator.VerdictRetryDesign}:   NodeDesign,
	{NodeSupervisor, collaborator.VerdictRetryCode}:     NodeGenerateCode,
	{NodeSupervisor, collaborator.VerdictRetryAnalysis}: NodeAnalyze,
	{NodeSupervisor, collaborator.VerdictAskUser}:       NodeAskUser,
	{NodeSupervisor, collaborator.VerdictAllComplete}:   NodeGenerateReport,

	{NodeHandleBacktrack, collaborator.VerdictOK}: NodeSelectStage,
	{NodeHandleBacktrack, VerdictRejected}:        NodeAskUser,

	{NodeAskUser, VerdictResumed}: NodeSupervisor,

	{NodeGenerateReport, collaborator.VerdictOK}: NodeEnd,
}

// nodeRoles binds content nodes to the collaborator role they invoke.
var nodeRoles = map[NodeID]collaborator.Role{
	NodePlan:            collaborator.RolePlanner,
	NodePlanReview:      collaborator.RolePlanReviewer,
	NodeDesign:          collaborator.RoleDesigner,
	NodeDesignReview:    collaborator.RoleDesignReviewer,
	NodeGenerateCode:    collaborator.RoleCodeGenerator,
	NodeCodeReview:      collaborator.RoleCodeReviewer,
	NodeExecutionCheck:  collaborator.RoleExecutionValidator,
	NodePhysicsCheck:    collaborator.RolePhysicsValidator,
	NodeAnalyze:         collaborator.RoleAnalyzer,
	NodeComparisonCheck: collaborator.RoleComparisonValidator,
	NodeSupervisor:      collaborator.RoleSupervisor,
	NodeGenerateReport:  collaborator.RoleReportWriter,
}

// nodePhases is the workflow phase recorded while a node runs.
var nodePhases = map[NodeID]state.Phase{
	NodePlan:            state.PhasePlanning,
	NodePlanReview:      state.PhasePlanning,
	NodeSelectStage:     state.PhaseDesign,
	NodeDesign:          state.PhaseDesign,
	NodeDesignReview:    state.PhaseDesign,
	NodeGenerateCode:    state.PhaseDesign,
	NodeCodeReview:      state.PhaseDesign,
	NodeRunCode:         state.PhaseRunning,
	NodeExecutionCheck:  state.PhaseRunning,
	NodePhysicsCheck:    state.PhaseRunning,
	NodeAnalyze:         state.PhaseAnalysis,
	NodeComparisonCheck: state.PhaseAnalysis,
	NodeSupervisor:      state.PhaseAnalysis,
	NodeHandleBacktrack: state.PhaseDesign,
	NodeGenerateReport:  state.PhaseAnalysis,
}

// escalates reports whether n may produce error and limit_reached.
func escalates(n NodeID) bool {
	return n != NodeAskUser && n != NodeEnd
}

// DefaultVerdicts returns the declared verdicts of every node, including the
// escalation verdicts.
func DefaultVerdicts() map[NodeID][]string {
	out := make(map[NodeID][]string, len(nodeVerdicts))
	for n, vs := range nodeVerdicts {
		vs = append([]string(nil), vs...)
		if escalates(n) {
			vs = append(vs, VerdictError, VerdictLimitReached)
		}
		out[n] = vs
	}
	return out
}

// DefaultRoutes returns the routing table. error and limit_reached route to
// ASK_USER from every node that can produce them.
func DefaultRoutes() map[Edge]NodeID {
	out := maps.Clone(routes)
	for n := range nodeVerdicts {
		if escalates(n) {
			out[Edge{n, VerdictError}] = NodeAskUser
			out[Edge{n, VerdictLimitReached}] = NodeAskUser
		}
	}
	return out
}

// DefaultGraph builds the standard pipeline graph.
func DefaultGraph() (*Graph, error) {
	return NewGraph(DefaultVerdicts(), DefaultRoutes())
}

// ReEntry maps a loaded document to the node a resumed run starts at.
// Stages already completed are never re-run: a design-phase document whose
// current stage is finished re-enters at SELECT_STAGE.
func ReEntry(doc *state.Document) NodeID {
	if doc.AwaitingUserInput {
		return NodeAskUser
	}
	cur := doc.CurrentStage()
	stageOpen := cur != nil && !cur.Status.IsTerminal()

	switch doc.Phase {
	case state.PhasePlanning:
		return NodePlan
	case state.PhaseDesign:
		if !stageOpen {
			return NodeSelectStage
		}
		return NodeDesign
	case state.PhaseRunning:
		if !stageOpen {
			return NodeSelectStage
		}
		return NodeRunCode
	case state.PhaseAnalysis:
		if !stageOpen {
			return NodeSelectStage
		}
		return NodeAnalyze
	case state.PhaseDone:
		return NodeEnd
	case state.PhasePaused:
		// Paused without pending questions: the suspension never completed.
		return NodeSupervisor
	}
	return NodePlan
}
