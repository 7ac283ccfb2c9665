// Package simulation runs generated simulation programs.
//
// The workflow treats the numerical engine as opaque: it hands over program
// text and a timeout and gets back stdout, stderr, an exit code and the list
// of files the program produced. A timeout always produces a result, never a
// hung node.
package simulation

import (
	"context"
	"time"
)

// Program is the generated code for one stage.
type Program struct {
	StageID  string `json:"stage_id"`
	Code     string `json:"code"`
	Filename string `json:"filename,omitempty"`
}

// Result is the outcome of one run.
type Result struct {
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExitCode      int           `json:"exit_code"`
	TimedOut      bool          `json:"timed_out"`
	ProducedFiles []string      `json:"produced_files"`
	Duration      time.Duration `json:"duration"`
}

// Verdicts of a run.
const (
	VerdictPass = "pass"
	VerdictFail = "fail"
)

// Verdict maps a result to pass or fail. A non-zero exit or a timeout fails.
func Verdict(r Result) string {
	if r.TimedOut || r.ExitCode != 0 {
		return VerdictFail
	}
	return VerdictPass
}

// Runner executes a program under a timeout.
type Runner interface {
	Run(ctx context.Context, p Program, timeout time.Duration) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, p Program, timeout time.Duration) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, p Program, timeout time.Duration) (Result, error) {
	return f(ctx, p, timeout)
}
