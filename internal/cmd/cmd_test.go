package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/config"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// executeCommand runs a cobra command with args and returns captured output
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err = root.Execute()
	return buf.String(), err
}

const approvingScript = `responses:
  supervisor:
    - verdict: ask_user
      patch:
        questions: ["Is the Drude fit acceptable?"]
defaults:
  planner:
    verdict: ok
    patch:
      plan:
        - {stage_id: m, stage_type: MATERIAL_VALIDATION, estimated_runtime: 5}
        - {stage_id: s, stage_type: SINGLE_STRUCTURE, estimated_runtime: 10, dependencies: [m]}
  plan_reviewer: {verdict: approve}
  designer: {verdict: ok, patch: {design: "fdtd, 2nm mesh"}}
  design_reviewer: {verdict: approve}
  code_generator: {verdict: ok, patch: {code: "echo 1,2 > spectrum.csv"}}
  code_reviewer: {verdict: approve}
  execution_validator: {verdict: pass}
  physics_validator: {verdict: pass}
  analyzer: {verdict: ok}
  comparison_validator: {verdict: approve}
  supervisor: {verdict: ok_continue}
  report_writer: {verdict: ok, patch: {report: "reproduced"}}
`

// setupRunEnv points paperrepro at a temporary data directory with a script
// and a shell interpreter, through the environment so no flag state leaks
// between tests.
func setupRunEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "script.yaml")
	if err := os.WriteFile(script, []byte(approvingScript), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PAPERREPRO_PATHS_DATA_DIR", filepath.Join(dir, "data"))
	t.Setenv("PAPERREPRO_COLLABORATORS_SCRIPT", script)
	t.Setenv("PAPERREPRO_SIMULATION_INTERPRETER", "sh")
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	return dir
}

func TestRootCommand(t *testing.T) {
	if rootCmd.Use != "paperrepro" {
		t.Errorf("rootCmd.Use = %q, want %q", rootCmd.Use, "paperrepro")
	}

	// compare by Name(), not Use which includes args
	expected := []string{"start", "resume", "answer", "status", "checkpoints", "logs", "config"}
	cmdMap := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		cmdMap[c.Name()] = true
	}
	for _, name := range expected {
		if !cmdMap[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRunLifecycle(t *testing.T) {
	dir := setupRunEnv(t)

	out, err := executeCommand(rootCmd, "start", "drude-1")
	if err != nil {
		t.Fatalf("start error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "waiting for your input") || !strings.Contains(out, "Is the Drude fit acceptable?") {
		t.Fatalf("start output = %q", out)
	}

	out, err = executeCommand(rootCmd, "status", "drude-1")
	if err != nil {
		t.Fatalf("status error = %v", err)
	}
	for _, want := range []string{"Run drude-1", "awaiting input", "MATERIAL_VALIDATION", "Pending questions"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand(rootCmd, "answer", "drude-1", "--response", "q1=yes, continue")
	if err != nil {
		t.Fatalf("answer error = %v\n%s", err, out)
	}
	if !strings.Contains(out, "finished") {
		t.Fatalf("answer output = %q", out)
	}

	out, err = executeCommand(rootCmd, "checkpoints", "drude-1")
	if err != nil {
		t.Fatalf("checkpoints error = %v", err)
	}
	for _, want := range []string{"created", "plan_approved", "awaiting_input", "final_report"} {
		if !strings.Contains(out, want) {
			t.Errorf("checkpoints output missing %q:\n%s", want, out)
		}
	}

	logPath := filepath.Join(dir, "data", "runs", "drude-1", "run.log")
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("run log not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "work", "m", "spectrum.csv")); err != nil {
		t.Errorf("simulation output not produced: %v", err)
	}
}

func TestStatus_UnknownRun(t *testing.T) {
	setupRunEnv(t)
	if _, err := executeCommand(rootCmd, "status", "nobody"); err == nil {
		t.Fatal("status of an unknown run should fail")
	}
}

func TestBuildCollaborators(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "script.yaml")
	if err := os.WriteFile(script, []byte(approvingScript), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		cfg     config.CollaboratorsConfig
		wantErr bool
	}{
		{name: "nothing configured", cfg: config.CollaboratorsConfig{}, wantErr: true},
		{name: "script", cfg: config.CollaboratorsConfig{Script: script}},
		{name: "missing script", cfg: config.CollaboratorsConfig{Script: filepath.Join(dir, "nope.yaml")}, wantErr: true},
		{
			name: "default command",
			cfg: config.CollaboratorsConfig{
				Default: collaborator.CommandConfig{Command: []string{"agent"}},
			},
		},
		{
			name: "partial commands",
			cfg: config.CollaboratorsConfig{
				Commands: map[string]collaborator.CommandConfig{"planner": {Command: []string{"planner-agent"}}},
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildCollaborators(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("buildCollaborators() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseResponses(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]string
		wantErr bool
	}{
		{name: "single", pairs: []string{"q1=yes"}, want: map[string]string{"q1": "yes"}},
		{name: "equals in answer", pairs: []string{"q2=a=b"}, want: map[string]string{"q2": "a=b"}},
		{name: "empty answer", pairs: []string{"q1="}, want: map[string]string{"q1": ""}},
		{name: "no separator", pairs: []string{"q1"}, wantErr: true},
		{name: "no id", pairs: []string{"=yes"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResponses(tt.pairs)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseResponses() error = %v, wantErr %v", err, tt.wantErr)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("response %s = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestLoadAnswersAndPayload(t *testing.T) {
	dir := t.TempDir()
	answers := filepath.Join(dir, "answers.yaml")
	if err := os.WriteFile(answers, []byte("q1: accept\nq2: \"refine the mesh\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := loadAnswers(answers)
	if err != nil {
		t.Fatal(err)
	}
	if got["q1"] != "accept" || got["q2"] != "refine the mesh" {
		t.Errorf("loadAnswers() = %v", got)
	}

	payload := filepath.Join(dir, "paper.json")
	if err := os.WriteFile(payload, []byte(`{"paper_id": "arXiv:2101.00001", "figures": ["3a", "3b"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := loadPayload(payload)
	if err != nil {
		t.Fatal(err)
	}
	if p["paper_id"] != "arXiv:2101.00001" {
		t.Errorf("loadPayload() = %v", p)
	}

	if p, err := loadPayload(""); err != nil || p != nil {
		t.Errorf("loadPayload(\"\") = %v, %v", p, err)
	}
}

func TestRenderStatus(t *testing.T) {
	doc := state.New("run-9", 100, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	doc.Plan = []state.Stage{
		{ID: "m", Type: state.StageMaterialValidation, Status: state.StatusCompletedSuccess, EstimatedRuntime: 5},
		{ID: "s", Type: state.StageSingleStructure, Status: state.StatusBlocked, EstimatedRuntime: 10,
			Issues: []string{"insufficient runtime budget"}},
	}
	doc.Hierarchy.MaterialValidated = true
	doc.RevisionCounts[state.RevisionKey{StageID: "s", Kind: state.KindCodeReview}] = 2

	out := renderStatus(doc)
	for _, want := range []string{"Run run-9", "completed_success", "blocked", "insufficient runtime budget", "=2"} {
		if !strings.Contains(out, want) {
			t.Errorf("renderStatus() missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Pending questions") {
		t.Error("renderStatus() shows questions for a run that is not suspended")
	}
}

func TestStageSummary_Superseded(t *testing.T) {
	doc := state.New("run-9", 100, time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	doc.Plan = []state.Stage{
		{ID: "m", Type: state.StageMaterialValidation, Status: state.StatusCompletedSuccess},
		{ID: "old", Type: state.StageSingleStructure, Status: state.StatusInvalidated, Superseded: true},
	}
	got := stageSummary(doc)
	if !strings.Contains(got, "1 superseded") {
		t.Errorf("stageSummary() = %q, want the superseded count", got)
	}
	if strings.Contains(got, "invalidated") {
		t.Errorf("stageSummary() = %q, superseded stages should not count as invalidated", got)
	}
}

func TestUnanswered(t *testing.T) {
	qs := []state.Question{{ID: "q1"}, {ID: "q2"}, {ID: "q3"}}
	got := unanswered(qs, map[string]string{"q2": "x"})
	if len(got) != 2 || got[0].ID != "q1" || got[1].ID != "q3" {
		t.Errorf("unanswered() = %+v", got)
	}
}

func TestFormatLine(t *testing.T) {
	f, err := newLogFilter("warn", "", "", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	info := `{"time":"2026-06-01T09:00:00Z","level":"INFO","msg":"node started","node":"DESIGN"}`
	warn := `{"time":"2026-06-01T09:00:01Z","level":"WARN","msg":"revision limit reached","stage_id":"s","kind":"code_review"}`

	if _, ok := formatLine(info, f); ok {
		t.Error("info entry should be filtered at warn level")
	}
	got, ok := formatLine(warn, f)
	if !ok || !strings.Contains(got, "revision limit reached") || !strings.Contains(got, "code_review") {
		t.Errorf("formatLine() = %q, %v", got, ok)
	}
	if got, ok := formatLine("not json", f); !ok || got != "not json" {
		t.Errorf("raw line = %q, %v", got, ok)
	}

	g, err := newLogFilter("", "", "stage_id=s", time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := formatLine(info, g); ok {
		t.Error("grep should drop entries without the stage")
	}
	if _, ok := formatLine(warn, g); !ok {
		t.Error("grep should keep entries for the stage")
	}

	if _, err := newLogFilter("", "soon", "", time.Now()); err == nil {
		t.Error("invalid --since should fail")
	}
}
