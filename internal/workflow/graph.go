package workflow

import (
	"fmt"
	"slices"
	"sort"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

// NodeID names a node of the workflow graph.
type NodeID string

const (
	NodePlan            NodeID = "PLAN"
	NodePlanReview      NodeID = "PLAN_REVIEW"
	NodeSelectStage     NodeID = "SELECT_STAGE"
	NodeDesign          NodeID = "DESIGN"
	NodeDesignReview    NodeID = "DESIGN_REVIEW"
	NodeGenerateCode    NodeID = "GENERATE_CODE"
	NodeCodeReview      NodeID = "CODE_REVIEW"
	NodeRunCode         NodeID = "RUN_CODE"
	NodeExecutionCheck  NodeID = "EXECUTION_CHECK"
	NodePhysicsCheck    NodeID = "PHYSICS_CHECK"
	NodeAnalyze         NodeID = "ANALYZE"
	NodeComparisonCheck NodeID = "COMPARISON_CHECK"
	NodeSupervisor      NodeID = "SUPERVISOR"
	NodeHandleBacktrack NodeID = "HANDLE_BACKTRACK"
	NodeAskUser         NodeID = "ASK_USER"
	NodeGenerateReport  NodeID = "GENERATE_REPORT"
	NodeEnd             NodeID = "END"
)

// Edge is a routing key.
type Edge struct {
	From    NodeID
	Verdict string
}

func (e Edge) String() string {
	return fmt.Sprintf("%s --%s-->", e.From, e.Verdict)
}

// Graph is a validated routing table.
type Graph struct {
	verdicts map[NodeID][]string
	routes   map[Edge]NodeID
}

// NewGraph checks that every declared (node, verdict) pair has a route,
// that every route starts from a declared verdict, and that every target is
// a known node.
func NewGraph(verdicts map[NodeID][]string, routes map[Edge]NodeID) (*Graph, error) {
	g := &Graph{
		verdicts: make(map[NodeID][]string, len(verdicts)),
		routes:   make(map[Edge]NodeID, len(routes)),
	}
	for n, vs := range verdicts {
		g.verdicts[n] = slices.Clone(vs)
	}
	for e, to := range routes {
		g.routes[e] = to
	}

	var problems []string
	for _, n := range g.Nodes() {
		for _, v := range g.verdicts[n] {
			if _, ok := g.routes[Edge{n, v}]; !ok {
				problems = append(problems, fmt.Sprintf("no route for %s", Edge{n, v}))
			}
		}
	}
	for e, to := range g.routes {
		vs, ok := g.verdicts[e.From]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("route %s starts at an unknown node", e))
		case !slices.Contains(vs, e.Verdict):
			problems = append(problems, fmt.Sprintf("route %s uses an undeclared verdict", e))
		}
		if _, ok := g.verdicts[to]; !ok {
			problems = append(problems, fmt.Sprintf("route %s targets unknown node %s", e, to))
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, fmt.Errorf("%w: %v", errors.ErrRouteMissing, problems)
	}
	return g, nil
}

// Next returns the node that follows from on verdict.
func (g *Graph) Next(from NodeID, verdict string) (NodeID, error) {
	to, ok := g.routes[Edge{from, verdict}]
	if !ok {
		return "", fmt.Errorf("%w: %s", errors.ErrRouteMissing, Edge{from, verdict})
	}
	return to, nil
}

// Has reports whether n is a node of the graph.
func (g *Graph) Has(n NodeID) bool {
	_, ok := g.verdicts[n]
	return ok
}

// Verdicts returns the verdicts n may produce.
func (g *Graph) Verdicts(n NodeID) []string {
	return slices.Clone(g.verdicts[n])
}

// Nodes returns every node in name order.
func (g *Graph) Nodes() []NodeID {
	nodes := make([]NodeID, 0, len(g.verdicts))
	for n := range g.verdicts {
		nodes = append(nodes, n)
	}
	slices.Sort(nodes)
	return nodes
}
