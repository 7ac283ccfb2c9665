package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/Iron-Ham/paperrepro/internal/cmd/config"
	"github.com/Iron-Ham/paperrepro/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "paperrepro",
	Short: "Multi-agent reproduction of computational physics papers",
	Long: `paperrepro drives a team of agent collaborators through the reproduction
of a scientific paper: planning the stages, designing and coding each
simulation, running it, validating the physics, and comparing the result
with the paper's figures.

Runs are checkpointed after every milestone. A run that needs a human
decision suspends and waits for 'paperrepro answer'.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/paperrepro/config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding runs and file checkpoints (default .paperrepro)")
	rootCmd.PersistentFlags().String("script", "", "YAML file of scripted collaborator responses")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "print each workflow step")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("paths.data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("collaborators.script", rootCmd.PersistentFlags().Lookup("script"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	configcmd.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("PAPERREPRO")
	// Replace dots with underscores for nested keys in env vars
	// e.g., PAPERREPRO_CHECKPOINT_BACKEND for checkpoint.backend
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
