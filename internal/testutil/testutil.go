// Package testutil provides shared fixtures for paperrepro tests: canned
// collaborator scripts, an in-memory checkpoint store, and a simulation
// runner that always succeeds.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/simulation"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Epoch is the start time of Clock.
var Epoch = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

// Clock returns a clock that advances one millisecond per call, starting at
// Epoch. It is safe for concurrent use.
func Clock() func() time.Time {
	var mu sync.Mutex
	t := Epoch
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Millisecond)
		return t
	}
}

// MemStore returns a checkpoint store over an in-memory filesystem.
func MemStore(t *testing.T, now func() time.Time) *checkpoint.Store {
	t.Helper()
	b, err := checkpoint.NewFileBackend(afero.NewMemMapFs(), "/runs")
	if err != nil {
		t.Fatalf("failed to create memory backend: %v", err)
	}
	return checkpoint.NewStore(b, checkpoint.WithClock(now))
}

// StagePatch is a plan entry as a collaborator would emit it.
func StagePatch(id string, typ state.StageType, runtime float64, deps ...string) map[string]any {
	m := map[string]any{"stage_id": id, "stage_type": string(typ), "estimated_runtime": runtime}
	if len(deps) > 0 {
		d := make([]any, len(deps))
		for i, dep := range deps {
			d[i] = dep
		}
		m["dependencies"] = d
	}
	return m
}

// PlanResponse is a planner response carrying stages.
func PlanResponse(stages ...map[string]any) collaborator.Response {
	plan := make([]any, len(stages))
	for i, s := range stages {
		plan[i] = s
	}
	return collaborator.Response{Verdict: collaborator.VerdictOK, Patch: map[string]any{"plan": plan}}
}

// TwoStagePlan is a material stage (runtime 5) followed by a single
// structure stage (runtime 10) that depends on it.
func TwoStagePlan() collaborator.Response {
	return PlanResponse(
		StagePatch("m", state.StageMaterialValidation, 5),
		StagePatch("s", state.StageSingleStructure, 10, "m"),
	)
}

// ApprovingDefaults answers every role with its success verdict and plans
// TwoStagePlan.
func ApprovingDefaults() map[collaborator.Role]collaborator.Response {
	ok := collaborator.Response{Verdict: collaborator.VerdictOK}
	approve := collaborator.Response{Verdict: collaborator.VerdictApprove}
	pass := collaborator.Response{Verdict: collaborator.VerdictPass}
	return map[collaborator.Role]collaborator.Response{
		collaborator.RolePlanner:             TwoStagePlan(),
		collaborator.RolePlanReviewer:        approve,
		collaborator.RoleDesigner:            {Verdict: collaborator.VerdictOK, Patch: map[string]any{"design": "fdtd, 2nm mesh"}},
		collaborator.RoleDesignReviewer:      approve,
		collaborator.RoleCodeGenerator:       {Verdict: collaborator.VerdictOK, Patch: map[string]any{"code": "print('ok')"}},
		collaborator.RoleCodeReviewer:        approve,
		collaborator.RoleExecutionValidator:  pass,
		collaborator.RolePhysicsValidator:    pass,
		collaborator.RoleAnalyzer:            ok,
		collaborator.RoleComparisonValidator: approve,
		collaborator.RoleSupervisor:          {Verdict: collaborator.VerdictOKContinue},
		collaborator.RoleReportWriter:        {Verdict: collaborator.VerdictOK, Patch: map[string]any{"report": "done"}},
	}
}

// Scripted replays queued responses per role, then ApprovingDefaults.
func Scripted(queued map[collaborator.Role][]collaborator.Response) *collaborator.Scripted {
	return collaborator.NewScripted(&collaborator.Script{Responses: queued, Defaults: ApprovingDefaults()})
}

// PassingRunner is a simulation runner that exits 0 and reports one
// produced file.
func PassingRunner() simulation.Runner {
	return simulation.RunnerFunc(func(_ context.Context, p simulation.Program, _ time.Duration) (simulation.Result, error) {
		return simulation.Result{Stdout: "ran " + p.StageID, ProducedFiles: []string{"spectrum.csv"}}, nil
	})
}
