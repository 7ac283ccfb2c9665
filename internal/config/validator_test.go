package config

import (
	"strings"
	"testing"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/collaborator"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "test.field",
		Value:   123,
		Message: "must be greater than zero",
	}

	expected := "test.field: must be greater than zero (got: 123)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "test.field", Value: 123, Message: "is invalid"},
		}
		expected := "test.field: is invalid (got: 123)"
		if errs.Error() != expected {
			t.Errorf("Error() = %q, want %q", errs.Error(), expected)
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got errors: %v", errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		modify    func(*Config)
		wantField string
	}{
		{
			name:      "zero max steps",
			modify:    func(c *Config) { c.Workflow.MaxSteps = 0 },
			wantField: "workflow.max_steps",
		},
		{
			name:      "negative budget",
			modify:    func(c *Config) { c.Workflow.RuntimeBudget = -1 },
			wantField: "workflow.runtime_budget",
		},
		{
			name:      "negative backtracks",
			modify:    func(c *Config) { c.Workflow.MaxBacktracks = -1 },
			wantField: "workflow.max_backtracks",
		},
		{
			name:      "negative ceiling",
			modify:    func(c *Config) { c.Revision.Code = -1 },
			wantField: "revision.code",
		},
		{
			name:      "huge ceiling",
			modify:    func(c *Config) { c.Revision.Physics = 1000 },
			wantField: "revision.physics",
		},
		{
			name:      "unknown backend",
			modify:    func(c *Config) { c.Checkpoint.Backend = "s3" },
			wantField: "checkpoint.backend",
		},
		{
			name:      "minio without endpoint",
			modify:    func(c *Config) { c.Checkpoint.Backend = BackendMinIO },
			wantField: "checkpoint.minio.endpoint",
		},
		{
			name:      "postgres without url",
			modify:    func(c *Config) { c.Checkpoint.Backend = BackendPostgres },
			wantField: "checkpoint.postgres.url",
		},
		{
			name:      "no interpreter",
			modify:    func(c *Config) { c.Simulation.Interpreter = nil },
			wantField: "simulation.interpreter",
		},
		{
			name:      "negative timeout",
			modify:    func(c *Config) { c.Simulation.Timeout = -time.Second },
			wantField: "simulation.timeout",
		},
		{
			name:      "bad output glob",
			modify:    func(c *Config) { c.Simulation.Outputs = []string{"[unclosed"} },
			wantField: "simulation.outputs",
		},
		{
			name: "unknown role",
			modify: func(c *Config) {
				c.Collaborators.Commands["oracle"] = collaborator.CommandConfig{Command: []string{"x"}}
			},
			wantField: "collaborators.commands.oracle",
		},
		{
			name: "role without command",
			modify: func(c *Config) {
				c.Collaborators.Commands["planner"] = collaborator.CommandConfig{}
			},
			wantField: "collaborators.commands.planner.command",
		},
		{
			name:      "bad log level",
			modify:    func(c *Config) { c.Logging.Level = "verbose" },
			wantField: "logging.level",
		},
		{
			name:      "zero log size",
			modify:    func(c *Config) { c.Logging.MaxSizeMB = 0 },
			wantField: "logging.max_size_mb",
		},
		{
			name:      "null byte in data dir",
			modify:    func(c *Config) { c.Paths.DataDir = "a\x00b" },
			wantField: "paths.data_dir",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()
			if len(errs) != 1 {
				t.Fatalf("Validate() returned %d errors, want 1: %v", len(errs), errs)
			}
			if errs[0].Field != tt.wantField {
				t.Errorf("Field = %q, want %q", errs[0].Field, tt.wantField)
			}
		})
	}
}

func TestConfig_Validate_PostgresRedactsURL(t *testing.T) {
	cfg := Default()
	cfg.Checkpoint.Backend = BackendPostgres
	cfg.Checkpoint.Postgres.URL = "postgres://user:secret@db/pr"
	cfg.Checkpoint.Postgres.MaxOpenConns = 0

	errs := cfg.Validate()
	if len(errs) != 1 {
		t.Fatalf("got %v", errs)
	}
	if strings.Contains(ValidationErrors(errs).Error(), "secret") {
		t.Errorf("error leaks the password: %v", errs)
	}
}

func TestConfig_Validate_MultipleErrors(t *testing.T) {
	cfg := Default()
	cfg.Workflow.MaxSteps = 0
	cfg.Logging.Level = "loud"
	cfg.Revision.Design = -2

	if errs := cfg.Validate(); len(errs) != 3 {
		t.Errorf("Validate() returned %d errors, want 3: %v", len(errs), errs)
	}
}
