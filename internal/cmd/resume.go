package cmd

import (
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a run from a checkpoint",
	Long: `Resume a run from its latest checkpoint, or from a named one such as
plan_approved, stage_<id>_complete, or backtrack_<n>. The run continues from
the workflow step the checkpoint's phase maps to.

A run that is waiting for input stays suspended; use 'paperrepro answer'.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

var resumeCheckpoint string

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().StringVar(&resumeCheckpoint, "checkpoint", checkpoint.Latest, "checkpoint name or path")
}

func runResume(cmd *cobra.Command, args []string) error {
	runID := args[0]
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx, runID)
	if err != nil {
		return err
	}
	defer a.Close()
	if verbose(cmd) {
		followProgress(a.bus, cmd.OutOrStdout())
	}

	out, err := a.service.Resume(ctx, runID, resumeCheckpoint)
	if err != nil {
		return err
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}
