package simulation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/sourcegraph/conc"

	"github.com/Iron-Ham/paperrepro/internal/logging"
)

// DefaultProgramName is used when a Program has no filename.
const DefaultProgramName = "simulation.py"

// ProcessConfig configures ProcessRunner.
type ProcessConfig struct {
	// WorkDir holds one subdirectory per stage.
	WorkDir string `mapstructure:"work_dir"`
	// Interpreter runs the program file, e.g. ["python3", "-u"].
	Interpreter []string `mapstructure:"interpreter"`
	// Outputs are glob patterns, relative to the stage directory, of files
	// reported as produced. Empty means every file.
	Outputs []string `mapstructure:"outputs"`
	// Env adds KEY=VALUE pairs to the inherited environment.
	Env []string `mapstructure:"env"`
	// MaxOutputBytes truncates captured stdout and stderr. Zero keeps all.
	MaxOutputBytes int `mapstructure:"max_output_bytes"`
}

// ProcessRunner runs programs as local processes.
type ProcessRunner struct {
	cfg      ProcessConfig
	patterns []glob.Glob
	logger   *logging.Logger
}

// NewProcessRunner compiles the output patterns and returns a runner.
func NewProcessRunner(cfg ProcessConfig, logger *logging.Logger) (*ProcessRunner, error) {
	if len(cfg.Interpreter) == 0 {
		return nil, fmt.Errorf("simulation interpreter is not configured")
	}
	if cfg.WorkDir == "" {
		return nil, fmt.Errorf("simulation work_dir is not configured")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}
	patterns, err := CompileOutputs(cfg.Outputs)
	if err != nil {
		return nil, err
	}
	return &ProcessRunner{cfg: cfg, patterns: patterns, logger: logger}, nil
}

// CompileOutputs compiles produced-file patterns with '/' as the separator.
func CompileOutputs(patterns []string) ([]glob.Glob, error) {
	var out []glob.Glob
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid output pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// StageDir returns the working directory used for stageID.
func (r *ProcessRunner) StageDir(stageID string) string {
	return filepath.Join(r.cfg.WorkDir, sanitize(stageID))
}

func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		}
		return '_'
	}, s)
	if s == "" || s == "." || s == ".." {
		return "stage"
	}
	return s
}

// Run writes the program into the stage directory and executes it. An
// error is returned only when the program could not be started; a failing
// or timed-out program yields a Result.
func (r *ProcessRunner) Run(ctx context.Context, p Program, timeout time.Duration) (Result, error) {
	dir := r.StageDir(p.StageID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to create stage directory: %w", err)
	}
	name := filepath.Base(p.Filename)
	if p.Filename == "" || name == "." || name == string(filepath.Separator) {
		name = DefaultProgramName
	}
	programPath := filepath.Join(dir, name)
	if err := os.WriteFile(programPath, []byte(p.Code), 0644); err != nil {
		return Result{}, fmt.Errorf("failed to write program: %w", err)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := append(append([]string{}, r.cfg.Interpreter[1:]...), name)
	cmd := exec.CommandContext(runCtx, r.cfg.Interpreter[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), r.cfg.Env...)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	w, err := newWatcher(dir)
	if err != nil {
		r.logger.Warn("file watcher unavailable, relying on final scan", "stage_id", p.StageID, "error", err)
	}

	start := time.Now()
	var wg conc.WaitGroup
	if w != nil {
		wg.Go(w.loop)
	}

	runErr := cmd.Run()
	elapsed := time.Since(start)
	if w != nil {
		w.stop()
	}
	wg.Wait()

	res := Result{
		Stdout:   r.clip(stdout.String()),
		Stderr:   r.clip(stderr.String()),
		Duration: elapsed,
	}

	switch {
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		res.TimedOut = true
		res.ExitCode = -1
	case runErr == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return Result{}, fmt.Errorf("failed to run %s: %w", r.cfg.Interpreter[0], runErr)
		}
		res.ExitCode = exitErr.ExitCode()
	}

	var seen map[string]bool
	if w != nil {
		seen = w.paths()
	}
	res.ProducedFiles = r.collect(dir, name, start, seen)

	r.logger.Info("simulation finished",
		"stage_id", p.StageID,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"produced_files", len(res.ProducedFiles),
		"duration_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (r *ProcessRunner) clip(s string) string {
	if r.cfg.MaxOutputBytes > 0 && len(s) > r.cfg.MaxOutputBytes {
		return s[:r.cfg.MaxOutputBytes]
	}
	return s
}

func (r *ProcessRunner) matches(rel string) bool {
	if len(r.patterns) == 0 {
		return true
	}
	for _, g := range r.patterns {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

// collect merges watcher events with a final scan for files modified since
// start. The scan catches writes the watcher missed in new subdirectories.
func (r *ProcessRunner) collect(dir, program string, start time.Time, seen map[string]bool) []string {
	found := make(map[string]bool)
	for abs := range seen {
		if rel, err := filepath.Rel(dir, abs); err == nil {
			if info, err := os.Stat(abs); err == nil && !info.IsDir() {
				found[filepath.ToSlash(rel)] = true
			}
		}
	}
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(start.Add(-time.Second)) {
			return nil
		}
		if rel, err := filepath.Rel(dir, path); err == nil {
			found[filepath.ToSlash(rel)] = true
		}
		return nil
	})

	var out []string
	for rel := range found {
		if rel == program || !r.matches(rel) {
			continue
		}
		out = append(out, rel)
	}
	sort.Strings(out)
	return out
}

// watcher records every path created or written under a directory tree.
type watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
	mu   sync.Mutex
	seen map[string]bool
}

func newWatcher(dir string) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &watcher{fw: fw, done: make(chan struct{}), seen: make(map[string]bool)}, nil
}

func (w *watcher) loop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
				// Follow new subdirectories.
				_ = w.fw.Add(ev.Name)
				continue
			}
			w.mu.Lock()
			w.seen[ev.Name] = true
			w.mu.Unlock()
		case _, ok := <-w.fw.Errors:
			if !ok {
				return
			}
		}
	}
}

func (w *watcher) stop() {
	close(w.done)
	_ = w.fw.Close()
}

func (w *watcher) paths() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(w.seen))
	for k := range w.seen {
		out[k] = true
	}
	return out
}
