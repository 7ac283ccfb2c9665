package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show the state of a run",
	Long:  `Display the phase, budget, validation tiers, and stage table of a run's latest checkpoint.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints <run-id>",
	Short: "List the checkpoints of a run",
	Long:  `List a run's checkpoints, newest first. Any listed name can be passed to 'paperrepro resume --checkpoint'.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpoints,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.service.Status(ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), renderStatus(doc))
	return nil
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx, "")
	if err != nil {
		return err
	}
	defer a.Close()

	entries, err := a.service.Checkpoints(ctx, args[0])
	if err != nil {
		return err
	}
	renderCheckpoints(cmd.OutOrStdout(), entries)
	return nil
}
