package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/collaborator"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/simulation"
	"github.com/Iron-Ham/paperrepro/internal/state"
	"github.com/spf13/viper"
)

// Config represents the complete paperrepro configuration
type Config struct {
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Revision      RevisionConfig      `mapstructure:"revision"`
	Checkpoint    CheckpointConfig    `mapstructure:"checkpoint"`
	Simulation    SimulationConfig    `mapstructure:"simulation"`
	Collaborators CollaboratorsConfig `mapstructure:"collaborators"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	Paths         PathsConfig         `mapstructure:"paths"`
}

// WorkflowConfig controls the engine loop
type WorkflowConfig struct {
	// MaxSteps bounds the node executions of one Run call before the engine
	// escalates to the user (default: 500)
	MaxSteps int `mapstructure:"max_steps"`
	// RuntimeBudget is the initial runtime budget of a new run, in the same
	// unit as a stage's estimated_runtime (default: 600)
	RuntimeBudget float64 `mapstructure:"runtime_budget"`
	// MaxBacktracks caps backtracks per run (default: 2)
	MaxBacktracks int `mapstructure:"max_backtracks"`
}

// RevisionConfig holds the per-kind revision ceilings. A stage may still
// override these through its own revision_limits.
type RevisionConfig struct {
	Design    int `mapstructure:"design"`
	Code      int `mapstructure:"code"`
	Analysis  int `mapstructure:"analysis"`
	Replan    int `mapstructure:"replan"`
	Execution int `mapstructure:"execution"`
	Physics   int `mapstructure:"physics"`
}

// Ceilings returns the ceilings keyed by review kind.
func (r RevisionConfig) Ceilings() map[state.ReviewKind]int {
	return map[state.ReviewKind]int{
		state.KindDesignReview:   r.Design,
		state.KindCodeReview:     r.Code,
		state.KindAnalysisReview: r.Analysis,
		state.KindReplan:         r.Replan,
		state.KindExecution:      r.Execution,
		state.KindPhysics:        r.Physics,
	}
}

// Checkpoint backends
const (
	BackendFile     = "file"
	BackendMinIO    = "minio"
	BackendPostgres = "postgres"
)

// ValidBackends returns the list of valid checkpoint backends
func ValidBackends() []string {
	return []string{BackendFile, BackendMinIO, BackendPostgres}
}

// CheckpointConfig selects and configures the snapshot storage
type CheckpointConfig struct {
	// Backend is one of "file", "minio", "postgres" (default: "file")
	Backend string `mapstructure:"backend"`
	// Dir is the root of the file backend. Empty means <data_dir>/checkpoints.
	Dir      string                    `mapstructure:"dir"`
	MinIO    checkpoint.MinIOConfig    `mapstructure:"minio"`
	Postgres checkpoint.PostgresConfig `mapstructure:"postgres"`
}

// SimulationConfig controls how generated simulation code is executed
type SimulationConfig struct {
	simulation.ProcessConfig `mapstructure:",squash"`
	// Timeout bounds one simulation run (default: 30m)
	Timeout time.Duration `mapstructure:"timeout"`
}

// CollaboratorsConfig binds agent roles to implementations
type CollaboratorsConfig struct {
	// Script is a YAML file of scripted responses. When set, roles without
	// a command are answered from the script.
	Script string `mapstructure:"script"`
	// Default is used for every role without an entry in Commands
	Default collaborator.CommandConfig `mapstructure:"default"`
	// Commands maps a role name (e.g. "planner") to an external program
	Commands map[string]collaborator.CommandConfig `mapstructure:"commands"`
}

// LoggingConfig controls structured logging
type LoggingConfig struct {
	// Enabled writes run.log into each run directory (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// Rotation returns the rotation settings for the logging package.
func (l LoggingConfig) Rotation() logging.RotationConfig {
	return logging.RotationConfig{MaxSizeMB: l.MaxSizeMB, MaxBackups: l.MaxBackups, Compress: l.Compress}
}

// PathsConfig controls where paperrepro stores data
type PathsConfig struct {
	// DataDir holds run directories, locks, and file checkpoints.
	// If empty, defaults to ".paperrepro" relative to the working directory.
	// Supports ~ for home directory expansion.
	DataDir string `mapstructure:"data_dir"`
}

// ResolveDataDir returns the resolved data directory path.
// If DataDir is empty, it returns the default path relative to baseDir.
// If DataDir starts with ~, it expands to the user's home directory.
// If DataDir is a relative path, it's resolved relative to baseDir.
func (p *PathsConfig) ResolveDataDir(baseDir string) string {
	if p.DataDir == "" {
		return filepath.Join(baseDir, ".paperrepro")
	}

	path := p.DataDir

	// Expand ~ to home directory
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	} else if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			path = home
		}
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}

	return path
}

// RunsDir returns the directory holding one subdirectory per run.
func (p *PathsConfig) RunsDir(baseDir string) string {
	return filepath.Join(p.ResolveDataDir(baseDir), "runs")
}

// CheckpointDir returns the file backend root.
func (c *Config) CheckpointDir(baseDir string) string {
	if c.Checkpoint.Dir == "" {
		return filepath.Join(c.Paths.ResolveDataDir(baseDir), "checkpoints")
	}
	if filepath.IsAbs(c.Checkpoint.Dir) {
		return c.Checkpoint.Dir
	}
	return filepath.Join(baseDir, c.Checkpoint.Dir)
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Workflow: WorkflowConfig{
			MaxSteps:      500,
			RuntimeBudget: 600,
			MaxBacktracks: 2,
		},
		Revision: RevisionConfig{
			Design:    3,
			Code:      3,
			Analysis:  2,
			Replan:    2,
			Execution: 2,
			Physics:   2,
		},
		Checkpoint: CheckpointConfig{
			Backend: BackendFile,
			MinIO: checkpoint.MinIOConfig{
				Bucket: "paperrepro-checkpoints",
			},
			Postgres: checkpoint.PostgresConfig{
				PingTimeout:     5 * time.Second,
				MaxOpenConns:    4,
				MaxIdleConns:    2,
				ConnMaxLifetime: 30 * time.Minute,
			},
		},
		Simulation: SimulationConfig{
			ProcessConfig: simulation.ProcessConfig{
				Interpreter:    []string{"python3", "-u"},
				Outputs:        []string{},
				Env:            []string{},
				MaxOutputBytes: 1 << 20,
			},
			Timeout: 30 * time.Minute,
		},
		Collaborators: CollaboratorsConfig{
			Commands: map[string]collaborator.CommandConfig{},
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
		Paths: PathsConfig{
			DataDir: "", // Empty means use default: .paperrepro
		},
	}
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	// Workflow defaults
	viper.SetDefault("workflow.max_steps", defaults.Workflow.MaxSteps)
	viper.SetDefault("workflow.runtime_budget", defaults.Workflow.RuntimeBudget)
	viper.SetDefault("workflow.max_backtracks", defaults.Workflow.MaxBacktracks)

	// Revision defaults
	viper.SetDefault("revision.design", defaults.Revision.Design)
	viper.SetDefault("revision.code", defaults.Revision.Code)
	viper.SetDefault("revision.analysis", defaults.Revision.Analysis)
	viper.SetDefault("revision.replan", defaults.Revision.Replan)
	viper.SetDefault("revision.execution", defaults.Revision.Execution)
	viper.SetDefault("revision.physics", defaults.Revision.Physics)

	// Checkpoint defaults
	viper.SetDefault("checkpoint.backend", defaults.Checkpoint.Backend)
	viper.SetDefault("checkpoint.dir", defaults.Checkpoint.Dir)
	viper.SetDefault("checkpoint.minio.endpoint", defaults.Checkpoint.MinIO.Endpoint)
	viper.SetDefault("checkpoint.minio.access_key", defaults.Checkpoint.MinIO.AccessKey)
	viper.SetDefault("checkpoint.minio.secret_key", defaults.Checkpoint.MinIO.SecretKey)
	viper.SetDefault("checkpoint.minio.bucket", defaults.Checkpoint.MinIO.Bucket)
	viper.SetDefault("checkpoint.minio.region", defaults.Checkpoint.MinIO.Region)
	viper.SetDefault("checkpoint.minio.use_ssl", defaults.Checkpoint.MinIO.UseSSL)
	viper.SetDefault("checkpoint.minio.prefix", defaults.Checkpoint.MinIO.Prefix)
	viper.SetDefault("checkpoint.postgres.url", defaults.Checkpoint.Postgres.URL)
	viper.SetDefault("checkpoint.postgres.ping_timeout", defaults.Checkpoint.Postgres.PingTimeout)
	viper.SetDefault("checkpoint.postgres.max_open_conns", defaults.Checkpoint.Postgres.MaxOpenConns)
	viper.SetDefault("checkpoint.postgres.max_idle_conns", defaults.Checkpoint.Postgres.MaxIdleConns)
	viper.SetDefault("checkpoint.postgres.conn_max_lifetime", defaults.Checkpoint.Postgres.ConnMaxLifetime)

	// Simulation defaults
	viper.SetDefault("simulation.work_dir", defaults.Simulation.WorkDir)
	viper.SetDefault("simulation.interpreter", defaults.Simulation.Interpreter)
	viper.SetDefault("simulation.outputs", defaults.Simulation.Outputs)
	viper.SetDefault("simulation.env", defaults.Simulation.Env)
	viper.SetDefault("simulation.max_output_bytes", defaults.Simulation.MaxOutputBytes)
	viper.SetDefault("simulation.timeout", defaults.Simulation.Timeout)

	// Collaborator defaults
	viper.SetDefault("collaborators.script", defaults.Collaborators.Script)
	viper.SetDefault("collaborators.commands", defaults.Collaborators.Commands)

	// Logging defaults
	viper.SetDefault("logging.enabled", defaults.Logging.Enabled)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)

	// Paths defaults
	viper.SetDefault("paths.data_dir", defaults.Paths.DataDir)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load for an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		// Fall back to defaults if unmarshaling fails
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "paperrepro")
	}
	// Fall back to ~/.config/paperrepro
	home, err := os.UserHomeDir()
	if err != nil {
		return ".paperrepro"
	}
	return filepath.Join(home, ".config", "paperrepro")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
