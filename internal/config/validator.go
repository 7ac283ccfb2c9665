package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/simulation"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "workflow.max_steps")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError

	errs = append(errs, c.validateWorkflow()...)
	errs = append(errs, c.validateRevision()...)
	errs = append(errs, c.validateCheckpoint()...)
	errs = append(errs, c.validateSimulation()...)
	errs = append(errs, c.validateCollaborators()...)
	errs = append(errs, c.validateLogging()...)
	errs = append(errs, c.validatePaths()...)

	return errs
}

func (c *Config) validateWorkflow() []ValidationError {
	var errs []ValidationError

	if c.Workflow.MaxSteps < 1 {
		errs = append(errs, ValidationError{
			Field:   "workflow.max_steps",
			Value:   c.Workflow.MaxSteps,
			Message: "must be at least 1",
		})
	}
	if c.Workflow.RuntimeBudget < 0 {
		errs = append(errs, ValidationError{
			Field:   "workflow.runtime_budget",
			Value:   c.Workflow.RuntimeBudget,
			Message: "must be non-negative",
		})
	}
	if c.Workflow.MaxBacktracks < 0 {
		errs = append(errs, ValidationError{
			Field:   "workflow.max_backtracks",
			Value:   c.Workflow.MaxBacktracks,
			Message: "must be non-negative",
		})
	}

	return errs
}

func (c *Config) validateRevision() []ValidationError {
	var errs []ValidationError

	fields := []struct {
		name  string
		value int
	}{
		{"revision.design", c.Revision.Design},
		{"revision.code", c.Revision.Code},
		{"revision.analysis", c.Revision.Analysis},
		{"revision.replan", c.Revision.Replan},
		{"revision.execution", c.Revision.Execution},
		{"revision.physics", c.Revision.Physics},
	}
	// Ceilings above this are almost certainly a typo and defeat the loop bound.
	const maxCeiling = 50
	for _, f := range fields {
		switch {
		case f.value < 0:
			errs = append(errs, ValidationError{Field: f.name, Value: f.value, Message: "must be non-negative"})
		case f.value > maxCeiling:
			errs = append(errs, ValidationError{
				Field:   f.name,
				Value:   f.value,
				Message: fmt.Sprintf("exceeds maximum of %d", maxCeiling),
			})
		}
	}

	return errs
}

func (c *Config) validateCheckpoint() []ValidationError {
	var errs []ValidationError

	switch c.Checkpoint.Backend {
	case BackendFile:
		if strings.ContainsRune(c.Checkpoint.Dir, '\x00') {
			errs = append(errs, ValidationError{
				Field:   "checkpoint.dir",
				Value:   c.Checkpoint.Dir,
				Message: "path contains invalid null character",
			})
		}
	case BackendMinIO:
		if err := c.Checkpoint.MinIO.Validate(); err != nil {
			errs = append(errs, fromTyped(err, "checkpoint.minio", c.Checkpoint.MinIO.Endpoint))
		}
	case BackendPostgres:
		if err := c.Checkpoint.Postgres.Validate(); err != nil {
			// The URL may carry a password.
			errs = append(errs, fromTyped(err, "checkpoint.postgres", "<redacted>"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "checkpoint.backend",
			Value:   c.Checkpoint.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
		})
	}

	return errs
}

// fromTyped converts a validation error returned by a component into a
// config ValidationError, keeping its field path when it has one.
func fromTyped(err error, field string, value any) ValidationError {
	var ve *errors.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		field = ve.Field
	}
	return ValidationError{Field: field, Value: value, Message: err.Error()}
}

func (c *Config) validateSimulation() []ValidationError {
	var errs []ValidationError

	if len(c.Simulation.Interpreter) == 0 || strings.TrimSpace(c.Simulation.Interpreter[0]) == "" {
		errs = append(errs, ValidationError{
			Field:   "simulation.interpreter",
			Value:   c.Simulation.Interpreter,
			Message: "must name a program",
		})
	}
	if c.Simulation.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   "simulation.timeout",
			Value:   c.Simulation.Timeout,
			Message: "must be non-negative",
		})
	}
	if c.Simulation.MaxOutputBytes < 0 {
		errs = append(errs, ValidationError{
			Field:   "simulation.max_output_bytes",
			Value:   c.Simulation.MaxOutputBytes,
			Message: "must be non-negative",
		})
	}
	if _, err := simulation.CompileOutputs(c.Simulation.Outputs); err != nil {
		errs = append(errs, ValidationError{
			Field:   "simulation.outputs",
			Value:   c.Simulation.Outputs,
			Message: err.Error(),
		})
	}

	return errs
}

func (c *Config) validateCollaborators() []ValidationError {
	var errs []ValidationError

	roles := collaborator.Roles()
	names := make([]string, 0, len(c.Collaborators.Commands))
	for name := range c.Collaborators.Commands {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		field := "collaborators.commands." + name
		if !slices.Contains(roles, collaborator.Role(name)) {
			errs = append(errs, ValidationError{
				Field:   field,
				Value:   name,
				Message: "unknown role",
			})
			continue
		}
		errs = append(errs, validateCommand(field, c.Collaborators.Commands[name])...)
	}

	if len(c.Collaborators.Default.Command) > 0 {
		errs = append(errs, validateCommand("collaborators.default", c.Collaborators.Default)...)
	}

	return errs
}

func validateCommand(field string, cmd collaborator.CommandConfig) []ValidationError {
	var errs []ValidationError
	if len(cmd.Command) == 0 || strings.TrimSpace(cmd.Command[0]) == "" {
		errs = append(errs, ValidationError{
			Field:   field + ".command",
			Value:   cmd.Command,
			Message: "must name a program",
		})
	}
	if cmd.Timeout < 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".timeout",
			Value:   cmd.Timeout,
			Message: "must be non-negative",
		})
	}
	return errs
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []ValidationError {
	var errs []ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), c.Logging.Level) {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}

	if c.Logging.MaxSizeMB <= 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be positive",
		})
	}

	const maxLogSizeMB = 1000 // 1GB
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB),
		})
	}

	if c.Logging.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}

	return errs
}

// validatePaths validates the PathsConfig
func (c *Config) validatePaths() []ValidationError {
	var errs []ValidationError

	if c.Paths.DataDir != "" {
		path := c.Paths.DataDir

		if strings.ContainsRune(path, '\x00') {
			errs = append(errs, ValidationError{
				Field:   "paths.data_dir",
				Value:   path,
				Message: "path contains invalid null character",
			})
		}

		// Reasonable path length limit (most filesystems have limits around 4096)
		const maxPathLength = 4096
		if len(path) > maxPathLength {
			errs = append(errs, ValidationError{
				Field:   "paths.data_dir",
				Value:   path,
				Message: fmt.Sprintf("path exceeds maximum length of %d characters", maxPathLength),
			})
		}
	}

	return errs
}
