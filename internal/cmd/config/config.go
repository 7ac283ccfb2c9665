// Package config provides CLI commands for inspecting paperrepro configuration.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/paperrepro/internal/config"
	"github.com/Iron-Ham/paperrepro/internal/styles"
)

const mask = "********"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View paperrepro configuration",
	Long: `View paperrepro configuration.

Without arguments, displays the effective configuration.
Use subcommands to validate it or create a config file.`,
	RunE: runConfigShow,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long: `Show the effective configuration after defaults, the config file, and
PAPERREPRO_* environment variables are applied. Credentials are masked.`,
	RunE: runConfigShow,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	RunE:  runConfigValidate,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/paperrepro/config.yaml with the common options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
}

// Register adds the config command tree to parent.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	return writeSettings(out, viper.AllSettings())
}

// writeSettings prints settings as YAML with credentials masked.
func writeSettings(w io.Writer, settings map[string]any) error {
	maskSecrets(settings)
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = w.Write(data)
	return err
}

// maskSecrets hides credentials in place. Viper nests sections as
// map[string]any, which cast converts without copying.
func maskSecrets(settings map[string]any) {
	checkpoint := cast.ToStringMap(settings["checkpoint"])
	if minio := cast.ToStringMap(checkpoint["minio"]); minio != nil {
		if cast.ToString(minio["secret_key"]) != "" {
			minio["secret_key"] = mask
		}
	}
	if pg := cast.ToStringMap(checkpoint["postgres"]); pg != nil {
		if cast.ToString(pg["url"]) != "" {
			pg["url"] = mask
		}
	}
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if _, err := appconfig.Load(); err != nil {
		if errs, ok := err.(appconfig.ValidationErrors); ok {
			for _, e := range errs {
				fmt.Fprintln(out, styles.Error.Render("✗ ")+e.Error())
			}
			return fmt.Errorf("configuration has %d error(s)", len(errs))
		}
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	fmt.Fprintln(out, styles.Secondary.Render("✓ ")+"configuration is valid")
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s", configFile)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(configFile, []byte(defaultConfigFile), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", appconfig.ConfigFile())
	}

	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", filepath.Join(appconfig.ConfigDir(), "config.yaml"))
	fmt.Fprintf(out, "  2. ./config.yaml (current directory)\n")
	fmt.Fprintln(out, "\nEnvironment variables: PAPERREPRO_* (e.g., PAPERREPRO_CHECKPOINT_BACKEND)")
	return nil
}

const defaultConfigFile = `# paperrepro configuration

workflow:
  # Node executions per invocation before the run asks the user for help
  max_steps: 500
  # Runtime budget of a new run, in the unit of a stage's estimated_runtime
  runtime_budget: 600
  max_backtracks: 2

# Revision ceilings per review kind. A stage may override them in its
# revision_limits.
revision:
  design: 3
  code: 3
  analysis: 2
  replan: 2
  execution: 2
  physics: 2

checkpoint:
  # file, minio, or postgres
  backend: file
  # minio:
  #   endpoint: localhost:9000
  #   access_key: minioadmin
  #   secret_key: minioadmin
  #   bucket: paperrepro-checkpoints
  # postgres:
  #   url: postgres://paperrepro@localhost/paperrepro

simulation:
  interpreter: ["python3", "-u"]
  timeout: 30m
  # Glob patterns of files reported as produced; empty reports every file
  outputs: ["*.csv", "*.png", "*.npy"]

collaborators:
  # YAML file of canned responses for roles without a command
  # script: script.yaml
  # default:
  #   command: ["paperrepro-agent"]
  #   timeout: 10m
  commands: {}

logging:
  enabled: true
  level: info
  max_size_mb: 10
  max_backups: 3

paths:
  # Defaults to .paperrepro in the working directory
  data_dir: ""
`
