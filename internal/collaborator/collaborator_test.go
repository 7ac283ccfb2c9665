package collaborator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

func TestCheckVerdict(t *testing.T) {
	tests := []struct {
		role    Role
		verdict string
		wantErr error
	}{
		{RoleDesignReviewer, VerdictApprove, nil},
		{RoleDesignReviewer, VerdictNeedsRevision, nil},
		{RoleDesignReviewer, VerdictPass, errors.ErrInvalidVerdict},
		{RolePhysicsValidator, VerdictDesignFlaw, nil},
		{RoleSupervisor, VerdictAllComplete, nil},
		{RoleSupervisor, "", errors.ErrInvalidVerdict},
		{Role("astrologer"), VerdictOK, errors.ErrUnknownRole},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+tt.verdict, func(t *testing.T) {
			err := CheckVerdict(tt.role, tt.verdict)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("CheckVerdict() error = %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("CheckVerdict() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
	if len(Roles()) != len(roleVerdicts) {
		t.Error("Roles() and the verdict table disagree")
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry().Register(RolePlanner, Static(VerdictOK, map[string]any{"plan": "x"}))
	ctx := context.Background()

	resp, err := r.Invoke(ctx, Request{Role: RolePlanner})
	if err != nil || resp.Verdict != VerdictOK || resp.Patch["plan"] != "x" {
		t.Fatalf("Invoke(planner) = %+v, %v", resp, err)
	}

	if _, err := r.Invoke(ctx, Request{Role: RoleDesigner}); !errors.Is(err, errors.ErrUnknownRole) {
		t.Errorf("Invoke(designer) error = %v, want ErrUnknownRole", err)
	}

	r.SetFallback(Static(VerdictOK, nil))
	if _, err := r.Invoke(ctx, Request{Role: RoleDesigner}); err != nil {
		t.Errorf("fallback not used: %v", err)
	}
}

const script = `
responses:
  design_reviewer:
    - verdict: needs_revision
      patch:
        feedback: mesh too coarse
    - verdict: approve
defaults:
  designer:
    verdict: ok
    patch:
      design: {resolution_nm: "2.5"}
`

func TestScripted(t *testing.T) {
	s, err := ParseScript([]byte(script))
	if err != nil {
		t.Fatalf("ParseScript() error = %v", err)
	}
	c := NewScripted(s)
	ctx := context.Background()

	r1, _ := c.Invoke(ctx, Request{Role: RoleDesignReviewer})
	r2, _ := c.Invoke(ctx, Request{Role: RoleDesignReviewer})
	if r1.Verdict != VerdictNeedsRevision || r1.Patch["feedback"] != "mesh too coarse" || r2.Verdict != VerdictApprove {
		t.Errorf("queue replay = %+v, %+v", r1, r2)
	}

	_, err = c.Invoke(ctx, Request{Role: RoleDesignReviewer})
	if !errors.Is(err, errors.ErrScriptExhausted) {
		t.Errorf("exhausted queue error = %v", err)
	}

	for i := 0; i < 3; i++ {
		r, err := c.Invoke(ctx, Request{Role: RoleDesigner})
		if err != nil || r.Verdict != VerdictOK {
			t.Fatalf("default replay = %+v, %v", r, err)
		}
		r.Patch["design"] = "mutated"
	}
	again, _ := c.Invoke(ctx, Request{Role: RoleDesigner})
	if _, ok := again.Patch["design"].(map[string]any); !ok {
		t.Error("caller mutation leaked into the script")
	}

	if got := len(c.Calls()); got != 7 {
		t.Errorf("Calls() = %d entries, want 7", got)
	}
	if c.Remaining(RoleDesignReviewer) != 0 {
		t.Error("design_reviewer queue should be empty")
	}
}

func TestParseScript_RejectsBadVerdict(t *testing.T) {
	_, err := ParseScript([]byte("responses:\n  code_reviewer:\n    - verdict: pass\n"))
	if !errors.Is(err, errors.ErrInvalidVerdict) {
		t.Errorf("ParseScript() error = %v", err)
	}
}

func TestLoadScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "script.yaml")
	if err := os.WriteFile(path, []byte(script), 0644); err != nil {
		t.Fatal(err)
	}
	s, err := LoadScript(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(s.Responses[RoleDesignReviewer]) != 2 {
		t.Errorf("responses = %+v", s.Responses)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCommand(t *testing.T) {
	path := writeScript(t, `cat > /dev/null
echo '{"verdict":"approve","patch":{"role":"'"$PAPERREPRO_ROLE"'"}}'
`)
	c, err := NewCommand(RoleCodeReviewer, CommandConfig{Command: []string{path}, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	doc := state.New("r", 1, time.Now())
	resp, err := c.Invoke(context.Background(), Request{Role: RoleCodeReviewer, State: doc})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if resp.Verdict != VerdictApprove || resp.Patch["role"] != "code_reviewer" {
		t.Errorf("resp = %+v", resp)
	}
}

func TestCommand_Failures(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		timeout time.Duration
		check   func(error) bool
	}{
		{"non-zero exit", "echo boom >&2\nexit 3\n", time.Second, func(err error) bool {
			var ce *errors.CollaboratorError
			return errors.As(err, &ce)
		}},
		{"garbage output", "echo not-json\n", time.Second, func(err error) bool { return err != nil }},
		{"timeout", "exec sleep 5\n", 100 * time.Millisecond, func(err error) bool { return errors.Is(err, errors.ErrTimeout) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := NewCommand(RoleAnalyzer, CommandConfig{Command: []string{writeScript(t, tt.body)}, Timeout: tt.timeout})
			_, err := c.Invoke(context.Background(), Request{Role: RoleAnalyzer})
			if !tt.check(err) {
				t.Errorf("Invoke() error = %v", err)
			}
		})
	}

	if _, err := NewCommand(RoleAnalyzer, CommandConfig{}); err == nil {
		t.Error("empty command should be rejected")
	}
}

func TestDecode(t *testing.T) {
	type outcome struct {
		StageOutcome string        `mapstructure:"stage_outcome"`
		Runtime      float64       `mapstructure:"runtime"`
		Wait         time.Duration `mapstructure:"wait"`
		Tags         []string      `mapstructure:"tags"`
	}
	var out outcome
	err := Decode(map[string]any{
		"stage_outcome": "completed_partial",
		"runtime":       "12.5",
		"wait":          "3s",
		"tags":          "a,b",
	}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if out.StageOutcome != "completed_partial" || out.Runtime != 12.5 || out.Wait != 3*time.Second || len(out.Tags) != 2 {
		t.Errorf("Decode() = %+v", out)
	}

	var stages []state.Stage
	err = Decode([]any{
		map[string]any{"stage_id": "m", "stage_type": "MATERIAL_VALIDATION", "estimated_runtime": 4},
	}, &stages)
	if err != nil || len(stages) != 1 || stages[0].Type != state.StageMaterialValidation || stages[0].EstimatedRuntime != 4 {
		t.Errorf("Decode(stages) = %+v, %v", stages, err)
	}
}

func TestScalarHelpers(t *testing.T) {
	p := map[string]any{"s": 12, "f": "2.5", "b": "true", "l": []any{"x", "y"}, "m": map[string]any{"k": 1}}
	if String(p, "s") != "12" || String(p, "missing") != "" {
		t.Error("String")
	}
	if f, ok := Float(p, "f"); !ok || f != 2.5 {
		t.Error("Float")
	}
	if !Bool(p, "b") || Bool(p, "missing") {
		t.Error("Bool")
	}
	if l := StringSlice(p, "l"); len(l) != 2 {
		t.Error("StringSlice")
	}
	if m := Map(p, "m"); m["k"] != 1 {
		t.Error("Map")
	}
}
