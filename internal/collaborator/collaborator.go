// Package collaborator defines the interface every content-producing or
// reviewing step calls, and the interchangeable implementations behind it.
//
// A collaborator reads the state document plus role-specific extra inputs and
// returns a patch and a verdict. The workflow merges the patch without
// interpreting it and routes only on the verdict.
package collaborator

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Role tags the step a collaborator is asked to perform.
type Role string

const (
	RolePlanner             Role = "planner"
	RolePlanReviewer        Role = "plan_reviewer"
	RoleDesigner            Role = "designer"
	RoleDesignReviewer      Role = "design_reviewer"
	RoleCodeGenerator       Role = "code_generator"
	RoleCodeReviewer        Role = "code_reviewer"
	RoleExecutionValidator  Role = "execution_validator"
	RolePhysicsValidator    Role = "physics_validator"
	RoleAnalyzer            Role = "analyzer"
	RoleComparisonValidator Role = "comparison_validator"
	RoleSupervisor          Role = "supervisor"
	RoleReportWriter        Role = "report_writer"
)

// Verdict tokens shared by several roles.
const (
	VerdictOK            = "ok"
	VerdictApprove       = "approve"
	VerdictNeedsRevision = "needs_revision"
	VerdictPass          = "pass"
	VerdictFail          = "fail"
	VerdictDesignFlaw    = "design_flaw"
)

// Supervisor verdicts.
const (
	VerdictOKContinue    = "ok_continue"
	VerdictReplan        = "replan"
	VerdictBacktrack     = "backtrack"
	VerdictRetryDesign   = "retry_design"
	VerdictRetryCode     = "retry_code"
	VerdictRetryAnalysis = "retry_analysis"
	VerdictAskUser       = "ask_user"
	VerdictAllComplete   = "all_complete"
)

var roleVerdicts = map[Role][]string{
	RolePlanner:             {VerdictOK},
	RolePlanReviewer:        {VerdictApprove, VerdictNeedsRevision},
	RoleDesigner:            {VerdictOK},
	RoleDesignReviewer:      {VerdictApprove, VerdictNeedsRevision},
	RoleCodeGenerator:       {VerdictOK},
	RoleCodeReviewer:        {VerdictApprove, VerdictNeedsRevision},
	RoleExecutionValidator:  {VerdictPass, VerdictFail},
	RolePhysicsValidator:    {VerdictPass, VerdictFail, VerdictDesignFlaw},
	RoleAnalyzer:            {VerdictOK},
	RoleComparisonValidator: {VerdictApprove, VerdictNeedsRevision},
	RoleSupervisor: {
		VerdictOKContinue, VerdictReplan, VerdictBacktrack, VerdictRetryDesign,
		VerdictRetryCode, VerdictRetryAnalysis, VerdictAskUser, VerdictAllComplete,
	},
	RoleReportWriter: {VerdictOK},
}

// Roles returns every role in workflow order.
func Roles() []Role {
	return []Role{
		RolePlanner, RolePlanReviewer, RoleDesigner, RoleDesignReviewer,
		RoleCodeGenerator, RoleCodeReviewer, RoleExecutionValidator, RolePhysicsValidator,
		RoleAnalyzer, RoleComparisonValidator, RoleSupervisor, RoleReportWriter,
	}
}

// Verdicts returns the verdicts a role may produce.
func Verdicts(role Role) []string {
	return slices.Clone(roleVerdicts[role])
}

// CheckVerdict returns ErrInvalidVerdict unless v is legal for role.
func CheckVerdict(role Role, v string) error {
	allowed, ok := roleVerdicts[role]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrUnknownRole, role)
	}
	if !slices.Contains(allowed, v) {
		return fmt.Errorf("%w: %q is not a %s verdict (want one of %v)", errors.ErrInvalidVerdict, v, role, allowed)
	}
	return nil
}

// Request is the input of one invocation. State is a private copy; changes
// to it are discarded.
type Request struct {
	Role  Role            `json:"role"`
	State *state.Document `json:"state"`
	Extra map[string]any  `json:"extra_inputs,omitempty"`
}

// Response is a collaborator's answer.
type Response struct {
	Patch   map[string]any `json:"patch,omitempty" yaml:"patch,omitempty"`
	Verdict string         `json:"verdict" yaml:"verdict"`
}

// Collaborator produces a patch and verdict for a request.
type Collaborator interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Func adapts a function to Collaborator.
type Func func(ctx context.Context, req Request) (Response, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Static returns a collaborator that always answers with verdict and patch.
func Static(verdict string, patch map[string]any) Collaborator {
	return Func(func(context.Context, Request) (Response, error) {
		return Response{Verdict: verdict, Patch: patch}, nil
	})
}

// Registry dispatches requests to a collaborator per role.
type Registry struct {
	mu       sync.RWMutex
	roles    map[Role]Collaborator
	fallback Collaborator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{roles: make(map[Role]Collaborator)}
}

// Register binds c to role, replacing any previous binding.
func (r *Registry) Register(role Role, c Collaborator) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role] = c
	return r
}

// SetFallback sets the collaborator used for roles with no binding.
func (r *Registry) SetFallback(c Collaborator) *Registry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
	return r
}

// Lookup returns the collaborator bound to role.
func (r *Registry) Lookup(role Role) (Collaborator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.roles[role]; ok {
		return c, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRole, role)
}

// Invoke dispatches req to the collaborator for req.Role.
func (r *Registry) Invoke(ctx context.Context, req Request) (Response, error) {
	c, err := r.Lookup(req.Role)
	if err != nil {
		return Response{}, err
	}
	return c.Invoke(ctx, req)
}
