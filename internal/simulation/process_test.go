package simulation

import (
	"context"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func shRunner(t *testing.T, outputs ...string) *ProcessRunner {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r, err := NewProcessRunner(ProcessConfig{
		WorkDir:     t.TempDir(),
		Interpreter: []string{"sh"},
		Outputs:     outputs,
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestVerdict(t *testing.T) {
	tests := []struct {
		name string
		res  Result
		want string
	}{
		{"clean exit", Result{ExitCode: 0}, VerdictPass},
		{"non-zero exit", Result{ExitCode: 2}, VerdictFail},
		{"timeout", Result{ExitCode: -1, TimedOut: true}, VerdictFail},
		{"timeout with zero code", Result{TimedOut: true}, VerdictFail},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verdict(tt.res); got != tt.want {
				t.Errorf("Verdict() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestProcessRunner_Success(t *testing.T) {
	r := shRunner(t, "**.csv", "*.png")
	code := `echo "computing spectrum"
mkdir -p data
echo "1,2" > data/transmission.csv
echo "img" > field.png
echo "scratch" > scratch.tmp
`
	res, err := r.Run(context.Background(), Program{StageID: "s1", Code: code, Filename: "run.sh"}, 10*time.Second)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("result = %+v", res)
	}
	if res.Stdout != "computing spectrum\n" {
		t.Errorf("stdout = %q", res.Stdout)
	}
	want := []string{"data/transmission.csv", "field.png"}
	if len(res.ProducedFiles) != len(want) {
		t.Fatalf("produced = %v, want %v", res.ProducedFiles, want)
	}
	for i := range want {
		if res.ProducedFiles[i] != want[i] {
			t.Errorf("produced[%d] = %q, want %q", i, res.ProducedFiles[i], want[i])
		}
	}
	if got := r.StageDir("s1"); filepath.Base(got) != "s1" {
		t.Errorf("StageDir = %q", got)
	}
}

func TestProcessRunner_Failure(t *testing.T) {
	r := shRunner(t)
	res, err := r.Run(context.Background(), Program{StageID: "s2", Code: "echo bad >&2\nexit 3\n"}, 10*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 || res.Stderr != "bad\n" || Verdict(res) != VerdictFail {
		t.Errorf("result = %+v", res)
	}
}

func TestProcessRunner_TimeoutYieldsResult(t *testing.T) {
	r := shRunner(t)
	start := time.Now()
	res, err := r.Run(context.Background(), Program{StageID: "slow", Code: "exec sleep 10\n"}, 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.TimedOut || res.ExitCode != -1 {
		t.Errorf("result = %+v", res)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("timeout did not bound the run")
	}
}

func TestProcessRunner_MissingInterpreter(t *testing.T) {
	r, err := NewProcessRunner(ProcessConfig{
		WorkDir:     t.TempDir(),
		Interpreter: []string{"/nonexistent/interpreter"},
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Run(context.Background(), Program{StageID: "x", Code: "1"}, time.Second); err == nil {
		t.Error("expected a start error")
	}
}

func TestNewProcessRunner_Validation(t *testing.T) {
	if _, err := NewProcessRunner(ProcessConfig{WorkDir: "x"}, nil); err == nil {
		t.Error("missing interpreter accepted")
	}
	if _, err := NewProcessRunner(ProcessConfig{Interpreter: []string{"sh"}}, nil); err == nil {
		t.Error("missing work dir accepted")
	}
	if _, err := NewProcessRunner(ProcessConfig{WorkDir: "x", Interpreter: []string{"sh"}, Outputs: []string{"[unclosed"}}, nil); err == nil {
		t.Error("bad glob accepted")
	}
}

func TestSanitize(t *testing.T) {
	for in, want := range map[string]string{"s1": "s1", "../etc": ".._etc", "": "stage", "a b/c": "a_b_c"} {
		if got := sanitize(in); got != want {
			t.Errorf("sanitize(%q) = %q, want %q", in, got, want)
		}
	}
}
