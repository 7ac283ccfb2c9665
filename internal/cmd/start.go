package cmd

import (
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/Iron-Ham/paperrepro/internal/run"
)

var startCmd = &cobra.Command{
	Use:   "start [run-id]",
	Short: "Start a new reproduction run",
	Long: `Start a new reproduction run and drive it until it finishes or needs
your input. Without a run ID a random one is generated.

The payload file (YAML or JSON) is merged into the run before planning;
it typically carries the paper text and the digitized reference figures.

Examples:
  paperrepro start drude-2021 --payload paper.yaml
  paperrepro start --script canned.yaml --budget 120`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStart,
}

var (
	startPayload string
	startBudget  float64
)

func init() {
	rootCmd.AddCommand(startCmd)

	startCmd.Flags().StringVarP(&startPayload, "payload", "p", "", "YAML or JSON file merged into the run before planning")
	startCmd.Flags().Float64Var(&startBudget, "budget", 0, "runtime budget (default workflow.runtime_budget)")
}

func runStart(cmd *cobra.Command, args []string) error {
	runID := uuid.NewString()
	if len(args) > 0 {
		runID = args[0]
	}

	payload, err := loadPayload(startPayload)
	if err != nil {
		return err
	}

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

	out, err := a.service.Start(ctx, runID, run.Inputs{Payload: payload, RuntimeBudget: startBudget})
	if err != nil {
		return err
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}

func verbose(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("verbose")
	return v
}
