package run

import (
	"context"
	"testing"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/state"
	"github.com/Iron-Ham/paperrepro/internal/testutil"
	"github.com/Iron-Ham/paperrepro/internal/workflow"
)

func newService(t *testing.T, queued map[collaborator.Role][]collaborator.Response) (*Service, *collaborator.Scripted) {
	t.Helper()
	now := testutil.Clock()
	store := testutil.MemStore(t, now)
	script := testutil.Scripted(queued)
	engine, err := workflow.New(workflow.Config{
		Collaborators:     script,
		Runner:            testutil.PassingRunner(),
		Checkpoints:       store,
		SimulationTimeout: time.Minute,
		Now:               now,
	})
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(Config{
		Engine:        engine,
		Store:         store,
		RunsDir:       t.TempDir(),
		RuntimeBudget: 100,
		Now:           now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return svc, script
}

// askOnce makes the first supervisor decision a question for the user.
func askOnce() map[collaborator.Role][]collaborator.Response {
	return map[collaborator.Role][]collaborator.Response{
		collaborator.RoleSupervisor: {{
			Verdict: collaborator.VerdictAskUser,
			Patch:   map[string]any{"questions": []any{"Is the Drude fit acceptable?"}},
		}},
	}
}

func countRole(calls []collaborator.Role, role collaborator.Role) int {
	n := 0
	for _, c := range calls {
		if c == role {
			n++
		}
	}
	return n
}

func TestNewService_Validation(t *testing.T) {
	if _, err := NewService(Config{}); err == nil {
		t.Error("NewService() without an engine should fail")
	}
}

func TestStart_GeneratesRunID(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	out, err := svc.Start(ctx, "", Inputs{Payload: map[string]any{"paper_id": "arXiv:2101.00001"}})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !checkpoint.ValidRunID(out.RunID) {
		t.Fatalf("generated run id %q is not usable", out.RunID)
	}
	if !out.Finished() {
		t.Fatalf("Status = %s, want finished", out.Result.Status)
	}

	doc, err := svc.Status(ctx, out.RunID)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if doc.Phase != state.PhaseDone || doc.Payload["paper_id"] != "arXiv:2101.00001" {
		t.Errorf("status = phase %s payload %v", doc.Phase, doc.Payload)
	}
	if doc.RuntimeBudgetRemaining != 85 {
		t.Errorf("budget = %v, want 85", doc.RuntimeBudgetRemaining)
	}

	entries, err := svc.Checkpoints(ctx, out.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if entries[0].Name != checkpoint.NameFinalReport || entries[len(entries)-1].Name != CheckpointCreated {
		t.Errorf("checkpoints run from %s to %s, want %s to %s",
			entries[len(entries)-1].Name, entries[0].Name, CheckpointCreated, checkpoint.NameFinalReport)
	}
}

func TestStart_Conflict(t *testing.T) {
	svc, _ := newService(t, askOnce())
	ctx := context.Background()

	out, err := svc.Start(ctx, "run-1", Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if out.Finished() {
		t.Fatal("run should be suspended on the supervisor's question")
	}

	_, err = svc.Start(ctx, "run-1", Inputs{})
	if !errors.IsConflict(err) || !errors.Is(err, errors.ErrRunConflict) {
		t.Fatalf("Start() over a live run error = %v, want conflict", err)
	}
}

func TestStart_ReusesFinishedRunID(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "run-1", Inputs{}); err != nil {
		t.Fatal(err)
	}
	out, err := svc.Start(ctx, "run-1", Inputs{RuntimeBudget: 50})
	if err != nil {
		t.Fatalf("Start() over a finished run error = %v", err)
	}
	if out.Document.RuntimeBudgetRemaining != 35 {
		t.Errorf("budget = %v, want 35", out.Document.RuntimeBudgetRemaining)
	}
}

func TestStart_InvalidRunID(t *testing.T) {
	svc, _ := newService(t, nil)
	if _, err := svc.Start(context.Background(), "bad_id", Inputs{}); err == nil {
		t.Fatal("Start() with an underscore run id should fail")
	}
}

func TestStart_Locked(t *testing.T) {
	svc, _ := newService(t, nil)
	lock, err := AcquireLock(svc.RunDir("run-1"), "run-1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer lock.Release()

	if _, err := svc.Start(context.Background(), "run-1", Inputs{}); !errors.Is(err, errors.ErrRunLocked) {
		t.Fatalf("Start() while locked error = %v, want ErrRunLocked", err)
	}
}

func TestSupplyUserResponse(t *testing.T) {
	svc, _ := newService(t, askOnce())
	ctx := context.Background()

	out, err := svc.Start(ctx, "run-1", Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	if len(out.Result.Questions) != 1 || out.Result.Questions[0].Text != "Is the Drude fit acceptable?" {
		t.Fatalf("questions = %+v", out.Result.Questions)
	}

	if _, err := svc.SupplyUserResponse(ctx, "run-1", map[string]string{"q2": "yes"}); !errors.Is(err, errors.ErrMissingResponse) {
		t.Fatalf("SupplyUserResponse() with the wrong id error = %v, want ErrMissingResponse", err)
	}

	out, err = svc.SupplyUserResponse(ctx, "run-1", map[string]string{"q1": "yes, continue"})
	if err != nil {
		t.Fatalf("SupplyUserResponse() error = %v", err)
	}
	if !out.Finished() {
		t.Fatalf("Status = %s, want finished", out.Result.Status)
	}
	if len(out.Document.InteractionLog) != 1 || out.Document.InteractionLog[0].Response != "yes, continue" {
		t.Errorf("interaction log = %+v", out.Document.InteractionLog)
	}

	_, err = svc.SupplyUserResponse(ctx, "run-1", map[string]string{"q1": "again"})
	if !errors.IsPrecondition(err) || !errors.Is(err, errors.ErrNotAwaitingInput) {
		t.Fatalf("SupplyUserResponse() on a finished run error = %v, want precondition", err)
	}
	if !errors.Is(err, errors.ErrRunFinished) {
		t.Errorf("SupplyUserResponse() on a finished run error = %v, want ErrRunFinished", err)
	}
}

func TestSaveOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		cause     error
		wantSaved bool
	}{
		{name: "cancelled", cause: context.Canceled, wantSaved: true},
		{name: "collaborator failure", cause: errors.NewCollaboratorError("designer", "agent exited", nil), wantSaved: true},
		{
			name: "broken invariant",
			cause: errors.NewWorkflowError("invariant check failed", errors.ErrInvariantViolated).
				WithSeverity(errors.SeverityCritical),
		},
		{
			name: "gate breach",
			cause: errors.NewWorkflowError("stage ran early", errors.ErrGateViolation).
				WithSeverity(errors.SeverityCritical),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t, nil)
			ctx := context.Background()
			doc := state.New("run-1", 100, testutil.Epoch)

			svc.saveOnFailure(ctx, doc, tt.cause)

			entries, err := svc.store.List(ctx, "run-1")
			if err != nil {
				t.Fatal(err)
			}
			saved := len(entries) == 1 && entries[0].Name == "interrupted"
			if saved != tt.wantSaved {
				t.Errorf("checkpoints = %+v, want saved=%v", entries, tt.wantSaved)
			}
		})
	}
}

func TestNotFound(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	if _, err := svc.SupplyUserResponse(ctx, "ghost", map[string]string{"q1": "x"}); !errors.IsNotFound(err) {
		t.Errorf("SupplyUserResponse() on a missing run error = %v, want not found", err)
	}
	if _, err := svc.Resume(ctx, "ghost", checkpoint.Latest); !errors.IsNotFound(err) {
		t.Errorf("Resume() on a missing run error = %v, want not found", err)
	}
	if _, err := svc.Checkpoints(ctx, "ghost"); !errors.IsNotFound(err) {
		t.Errorf("Checkpoints() on a missing run error = %v, want not found", err)
	}

	if _, err := svc.Start(ctx, "run-1", Inputs{}); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Resume(ctx, "run-1", "no_such_checkpoint"); !errors.IsNotFound(err) {
		t.Errorf("Resume() of a missing checkpoint error = %v, want not found", err)
	}
}

func TestResume_FromPlanApproved(t *testing.T) {
	svc, script := newService(t, nil)
	ctx := context.Background()

	if _, err := svc.Start(ctx, "run-1", Inputs{}); err != nil {
		t.Fatal(err)
	}
	out, err := svc.Resume(ctx, "run-1", checkpoint.NamePlanApproved)
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if !out.Finished() {
		t.Fatalf("Status = %s, want finished", out.Result.Status)
	}
	if n := countRole(script.Calls(), collaborator.RolePlanner); n != 1 {
		t.Errorf("planner called %d times, want 1: resume must not replan", n)
	}
	if n := countRole(script.Calls(), collaborator.RoleDesigner); n != 4 {
		t.Errorf("designer called %d times, want 4 (two stages, twice)", n)
	}
}

func TestResume_SuspendedRunStaysSuspended(t *testing.T) {
	svc, script := newService(t, askOnce())
	ctx := context.Background()

	if _, err := svc.Start(ctx, "run-1", Inputs{}); err != nil {
		t.Fatal(err)
	}
	before := len(script.Calls())

	out, err := svc.Resume(ctx, "run-1", checkpoint.Latest)
	if err != nil {
		t.Fatal(err)
	}
	if out.Result.Status != workflow.StatusSuspended || len(out.Result.Questions) != 1 {
		t.Fatalf("Resume() = %+v, want the same suspension", out.Result)
	}
	if len(script.Calls()) != before {
		t.Error("resuming a suspended run must not invoke collaborators")
	}
	if out.Document.Suspensions != 1 {
		t.Errorf("Suspensions = %d, want 1", out.Document.Suspensions)
	}
}
