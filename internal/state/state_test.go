package state

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/errors"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func chainPlan() []Stage {
	return NormalizePlan([]Stage{
		{ID: "m", Type: StageMaterialValidation, EstimatedRuntime: 1},
		{ID: "s", Type: StageSingleStructure, Dependencies: []string{"m"}, EstimatedRuntime: 2},
		{ID: "a", Type: StageArraySystem, Dependencies: []string{"s"}, EstimatedRuntime: 3},
	})
}

func TestValidatePlan(t *testing.T) {
	tests := []struct {
		name    string
		stages  []Stage
		wantErr error
	}{
		{
			name:   "valid chain",
			stages: chainPlan(),
		},
		{
			name:    "empty plan",
			stages:  nil,
			wantErr: errors.ErrPlanInvalid,
		},
		{
			name: "duplicate id",
			stages: []Stage{
				{ID: "x", Type: StageMaterialValidation},
				{ID: "x", Type: StageSingleStructure},
			},
			wantErr: errors.ErrPlanInvalid,
		},
		{
			name:    "unknown type",
			stages:  []Stage{{ID: "x", Type: "QUANTUM"}},
			wantErr: errors.ErrPlanInvalid,
		},
		{
			name: "unknown dependency",
			stages: []Stage{
				{ID: "x", Type: StageMaterialValidation, Dependencies: []string{"nope"}},
			},
			wantErr: errors.ErrUnknownDependency,
		},
		{
			name: "self cycle",
			stages: []Stage{
				{ID: "x", Type: StageMaterialValidation, Dependencies: []string{"x"}},
			},
			wantErr: errors.ErrDependencyCycle,
		},
		{
			name: "two stage cycle",
			stages: []Stage{
				{ID: "x", Type: StageMaterialValidation, Dependencies: []string{"y"}},
				{ID: "y", Type: StageSingleStructure, Dependencies: []string{"x"}},
			},
			wantErr: errors.ErrDependencyCycle,
		},
		{
			name: "forward reference",
			stages: []Stage{
				{ID: "x", Type: StageMaterialValidation, Dependencies: []string{"y"}},
				{ID: "y", Type: StageSingleStructure},
			},
			wantErr: errors.ErrUnknownDependency,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePlan(tt.stages)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("ValidatePlan() error = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("ValidatePlan() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDependents(t *testing.T) {
	plan := NormalizePlan([]Stage{
		{ID: "s0", Type: StageMaterialValidation},
		{ID: "s1", Type: StageSingleStructure, Dependencies: []string{"s0"}},
		{ID: "x", Type: StageMaterialValidation},
		{ID: "s2", Type: StageArraySystem, Dependencies: []string{"s1"}},
		{ID: "s3", Type: StageParameterSweep, Dependencies: []string{"s2", "x"}},
	})

	got := Dependents(plan, "s0")
	want := []string{"s1", "s2", "s3"}
	if len(got) != len(want) {
		t.Fatalf("Dependents() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Dependents()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if d := Dependents(plan, "s3"); len(d) != 0 {
		t.Errorf("leaf stage should have no dependents, got %v", d)
	}
}

func TestSupersededStagesIgnored(t *testing.T) {
	doc := New("run", 100, t0)
	doc.Plan = chainPlan()
	doc.Plan = append(doc.Plan, Stage{
		ID: "old", Type: StageParameterSweep, Dependencies: []string{"m"},
		Status: StatusInvalidated, Superseded: true,
	})

	if d := Dependents(doc.Plan, "m"); len(d) != 2 || d[0] != "s" || d[1] != "a" {
		t.Errorf("Dependents() = %v, want [s a]", d)
	}
	if HasStageType(doc.Plan, StageParameterSweep) {
		t.Error("HasStageType() counted a superseded stage")
	}
	for _, id := range []string{"m", "s", "a"} {
		doc.SetStageStatus(id, StatusCompletedSuccess)
	}
	if !doc.AllTerminal() {
		t.Error("AllTerminal() should ignore the superseded stage")
	}
}

func TestSetStageStatus_DependencySoundness(t *testing.T) {
	doc := New("r", 100, t0)
	doc.Plan = chainPlan()

	if err := doc.SetStageStatus("s", StatusCompletedSuccess); !errors.Is(err, errors.ErrDependencyUnsatisfied) {
		t.Fatalf("completing s before m: err = %v, want ErrDependencyUnsatisfied", err)
	}
	if err := doc.SetStageStatus("s", StatusInProgress); err != nil {
		t.Fatalf("in_progress transition should not need deps: %v", err)
	}

	if err := doc.SetStageStatus("m", StatusCompletedFailed); err != nil {
		t.Fatal(err)
	}
	if err := doc.SetStageStatus("s", StatusCompletedPartial); !errors.Is(err, errors.ErrDependencyUnsatisfied) {
		t.Fatalf("failed dependency must not satisfy: err = %v", err)
	}

	if err := doc.SetStageStatus("m", StatusCompletedSuccess); err != nil {
		t.Fatal(err)
	}
	if err := doc.SetStageStatus("s", StatusCompletedPartial); err != nil {
		t.Fatalf("partial dependency should satisfy: %v", err)
	}
	if v := doc.CheckInvariants(nil, 2); len(v) != 0 {
		t.Errorf("unexpected invariant violations: %v", v)
	}
}

func TestMarkValidated(t *testing.T) {
	doc := New("r", 100, t0)
	doc.Plan = chainPlan()

	if err := doc.MarkValidated("m"); err == nil {
		t.Fatal("MarkValidated on a not_started stage should fail")
	}
	doc.SetStageStatus("m", StatusCompletedSuccess)
	if err := doc.MarkValidated("m"); err != nil {
		t.Fatal(err)
	}
	if !doc.Hierarchy.MaterialValidated {
		t.Error("material_validated should be set")
	}
	if doc.Hierarchy.SingleStructureValidated {
		t.Error("single_structure_validated should be untouched")
	}
}

func TestRecomputeHierarchy(t *testing.T) {
	doc := New("r", 100, t0)
	doc.Plan = chainPlan()
	doc.SetStageStatus("m", StatusCompletedSuccess)
	doc.MarkValidated("m")
	doc.SetStageStatus("s", StatusCompletedSuccess)
	doc.MarkValidated("s")

	doc.Plan[1].Status = StatusInvalidated
	cleared := doc.RecomputeHierarchy()

	if len(cleared) != 1 || cleared[0] != FlagSingleStructure {
		t.Fatalf("cleared = %v, want [%s]", cleared, FlagSingleStructure)
	}
	if !doc.Hierarchy.MaterialValidated {
		t.Error("material flag is still supported and must stay set")
	}
}

func TestRevisionCountsJSON(t *testing.T) {
	rc := RevisionCounts{
		{StageID: "stage/with/slash", Kind: KindDesignReview}: 2,
		{StageID: "s1", Kind: KindCodeReview}:                 1,
	}
	data, err := json.Marshal(rc)
	if err != nil {
		t.Fatal(err)
	}
	var back RevisionCounts
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back[RevisionKey{"stage/with/slash", KindDesignReview}] != 2 {
		t.Errorf("round trip lost slash-containing key: %v", back)
	}
	if back[RevisionKey{"s1", KindCodeReview}] != 1 {
		t.Errorf("round trip lost s1 key: %v", back)
	}

	if err := json.Unmarshal([]byte(`{"nokind":1}`), &back); err == nil {
		t.Error("malformed key should fail to decode")
	}
}

func TestClone_IsDeep(t *testing.T) {
	doc := New("r", 10, t0)
	doc.Plan = chainPlan()
	doc.Payload["paper"] = map[string]any{"title": "x"}
	doc.RevisionCounts[RevisionKey{"m", KindDesignReview}] = 1

	clone := doc.Clone()
	clone.Plan[0].Status = StatusCompletedSuccess
	clone.RevisionCounts[RevisionKey{"m", KindDesignReview}] = 3
	clone.Payload["paper"].(map[string]any)["title"] = "y"

	if doc.Plan[0].Status != StatusNotStarted {
		t.Error("clone shares plan storage")
	}
	if doc.RevisionCount("m", KindDesignReview) != 1 {
		t.Error("clone shares revision counts")
	}
	if doc.Payload["paper"].(map[string]any)["title"] != "x" {
		t.Error("clone shares payload")
	}
}

func TestConsumeBudget(t *testing.T) {
	doc := New("r", 10, t0)
	doc.ConsumeBudget(4)
	doc.ConsumeBudget(-5)
	if doc.RuntimeBudgetRemaining != 6 {
		t.Errorf("budget = %v, want 6", doc.RuntimeBudgetRemaining)
	}
	doc.ConsumeBudget(100)
	if doc.RuntimeBudgetRemaining != 0 {
		t.Errorf("budget = %v, want 0", doc.RuntimeBudgetRemaining)
	}
}

func TestCheckInvariants(t *testing.T) {
	doc := New("r", 10, t0)
	doc.Plan = chainPlan()
	doc.Plan[1].Status = StatusCompletedSuccess
	doc.RevisionCounts[RevisionKey{"m", KindCodeReview}] = 5
	doc.BacktrackCount = 3
	doc.AwaitingUserInput = true

	v := doc.CheckInvariants(func(string, ReviewKind) int { return 3 }, 2)
	if len(v) != 4 {
		t.Errorf("got %d violations, want 4: %v", len(v), v)
	}
}

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status              StageStatus
		completed, terminal bool
		satisfies           bool
	}{
		{StatusNotStarted, false, false, false},
		{StatusInProgress, false, false, false},
		{StatusCompletedSuccess, true, true, true},
		{StatusCompletedPartial, true, true, true},
		{StatusCompletedFailed, true, true, false},
		{StatusBlocked, false, true, false},
		{StatusNeedsRerun, false, false, false},
		{StatusInvalidated, false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if tt.status.IsCompleted() != tt.completed {
				t.Errorf("IsCompleted() = %v", !tt.completed)
			}
			if tt.status.IsTerminal() != tt.terminal {
				t.Errorf("IsTerminal() = %v", !tt.terminal)
			}
			if tt.status.Satisfies() != tt.satisfies {
				t.Errorf("Satisfies() = %v", !tt.satisfies)
			}
		})
	}
}
