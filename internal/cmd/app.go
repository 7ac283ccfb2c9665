package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/paperrepro/internal/backtrack"
	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/config"
	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/event"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/revision"
	"github.com/Iron-Ham/paperrepro/internal/run"
	"github.com/Iron-Ham/paperrepro/internal/simulation"
	"github.com/Iron-Ham/paperrepro/internal/workflow"
)

// app is everything one command needs to drive a run.
type app struct {
	cfg     *config.Config
	service *run.Service
	store   *checkpoint.Store
	bus     *event.Bus
	logger  *logging.Logger
}

// newApp loads the configuration and wires the run service. Logs go to the
// run directory of runID, or to stderr at warn level when runID is empty.
func newApp(ctx context.Context, runID string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	runsDir := cfg.Paths.RunsDir(cwd)

	logger, err := newLogger(cfg, runsDir, runID)
	if err != nil {
		return nil, err
	}

	backend, err := openBackend(ctx, cfg, cwd)
	if err != nil {
		logger.Close()
		return nil, err
	}
	store := checkpoint.NewStore(backend, checkpoint.WithLogger(logger))

	a := &app{cfg: cfg, store: store, logger: logger, bus: event.NewBus(logger)}
	if err := a.wire(cwd, runsDir); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cwd, runsDir string) error {
	collaborators, err := buildCollaborators(a.cfg.Collaborators)
	if err != nil {
		return err
	}

	simCfg := a.cfg.Simulation.ProcessConfig
	if simCfg.WorkDir == "" {
		simCfg.WorkDir = filepath.Join(a.cfg.Paths.ResolveDataDir(cwd), "work")
	}
	runner, err := simulation.NewProcessRunner(simCfg, a.logger)
	if err != nil {
		return err
	}

	engine, err := workflow.New(workflow.Config{
		Collaborators:     collaborators,
		Runner:            runner,
		Checkpoints:       a.store,
		Limiter:           revision.NewLimiter(a.cfg.Revision.Ceilings()),
		Backtracks:        backtrack.NewHandler(a.cfg.Workflow.MaxBacktracks, a.logger),
		Bus:               a.bus,
		Logger:            a.logger,
		MaxSteps:          a.cfg.Workflow.MaxSteps,
		SimulationTimeout: a.cfg.Simulation.Timeout,
	})
	if err != nil {
		return err
	}

	a.service, err = run.NewService(run.Config{
		Engine:        engine,
		Store:         a.store,
		RunsDir:       runsDir,
		RuntimeBudget: a.cfg.Workflow.RuntimeBudget,
		Logger:        a.logger,
	})
	return err
}

// Close releases the checkpoint backend and the log file.
func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.logger.Close())
}

func newLogger(cfg *config.Config, runsDir, runID string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	if runID == "" || !checkpoint.ValidRunID(runID) {
		return logging.NewLoggerTo(os.Stderr, logging.LevelWarn), nil
	}
	dir := filepath.Join(runsDir, runID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	return logging.NewLoggerWithRotation(dir, cfg.Logging.Level, cfg.Logging.Rotation())
}

// openBackend opens the checkpoint backend selected by checkpoint.backend.
func openBackend(ctx context.Context, cfg *config.Config, cwd string) (checkpoint.Backend, error) {
	switch cfg.Checkpoint.Backend {
	case config.BackendFile, "":
		return checkpoint.NewFileBackend(afero.NewOsFs(), cfg.CheckpointDir(cwd))
	case config.BackendMinIO:
		return checkpoint.NewMinIOBackend(ctx, cfg.Checkpoint.MinIO)
	case config.BackendPostgres:
		return checkpoint.OpenPostgres(ctx, cfg.Checkpoint.Postgres)
	default:
		return nil, errors.NewValidationError("unknown checkpoint backend").
			WithField("checkpoint.backend").WithValue(cfg.Checkpoint.Backend)
	}
}

// buildCollaborators binds every role. Explicit commands win; remaining
// roles are answered by the script when one is configured, otherwise by the
// default command.
func buildCollaborators(cfg config.CollaboratorsConfig) (collaborator.Collaborator, error) {
	reg := collaborator.NewRegistry()
	for name, cc := range cfg.Commands {
		c, err := collaborator.NewCommand(collaborator.Role(name), cc)
		if err != nil {
			return nil, err
		}
		reg.Register(collaborator.Role(name), c)
	}

	switch {
	case cfg.Script != "":
		script, err := collaborator.LoadScript(cfg.Script)
		if err != nil {
			return nil, err
		}
		reg.SetFallback(collaborator.NewScripted(script))

	case len(cfg.Default.Command) > 0:
		for _, role := range collaborator.Roles() {
			if _, ok := cfg.Commands[string(role)]; ok {
				continue
			}
			c, err := collaborator.NewCommand(role, cfg.Default)
			if err != nil {
				return nil, err
			}
			reg.Register(role, c)
		}

	default:
		for _, role := range collaborator.Roles() {
			if _, ok := cfg.Commands[string(role)]; !ok {
				return nil, errors.NewValidationError("no collaborator configured for role " + string(role) +
					"; set collaborators.script, collaborators.default, or a command per role").
					WithField("collaborators")
			}
		}
	}
	return reg, nil
}

// commandContext is the command's context, cancelled on SIGINT or SIGTERM so
// a run stops between nodes and checkpoints its position.
func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// followProgress prints one line per completed node while verbose is set.
func followProgress(bus *event.Bus, w io.Writer) {
	bus.Subscribe(event.TypeNodeCompleted, func(e event.Event) {
		ev, ok := e.(event.NodeCompletedEvent)
		if !ok {
			return
		}
		printStep(w, ev)
	})
	bus.Subscribe(event.TypeCheckpointSaved, func(e event.Event) {
		if ev, ok := e.(event.CheckpointSavedEvent); ok {
			printCheckpoint(w, ev)
		}
	})
}
