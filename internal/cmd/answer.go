package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/prompt"
)

var answerCmd = &cobra.Command{
	Use:   "answer <run-id>",
	Short: "Answer the pending questions of a suspended run",
	Long: `Answer the questions a suspended run is waiting on and continue it.
Every pending question needs an answer; nothing is recorded otherwise.

Examples:
  paperrepro answer drude-2021 --response q1="accept the partial match"
  paperrepro answer drude-2021 --file answers.yaml
  paperrepro answer drude-2021 --interactive`,
	Args: cobra.ExactArgs(1),
	RunE: runAnswer,
}

var (
	answerResponses   []string
	answerFile        string
	answerInteractive bool
)

func init() {
	rootCmd.AddCommand(answerCmd)

	answerCmd.Flags().StringArrayVarP(&answerResponses, "response", "r", nil, "answer as <question-id>=<text> (repeatable)")
	answerCmd.Flags().StringVarP(&answerFile, "file", "f", "", "YAML file mapping question IDs to answers")
	answerCmd.Flags().BoolVarP(&answerInteractive, "interactive", "i", false, "prompt for unanswered questions in the terminal")
}

func runAnswer(cmd *cobra.Command, args []string) error {
	runID := args[0]

	responses := map[string]string{}
	if answerFile != "" {
		fromFile, err := loadAnswers(answerFile)
		if err != nil {
			return err
		}
		for id, text := range fromFile {
			responses[id] = text
		}
	}
	flagged, err := parseResponses(answerResponses)
	if err != nil {
		return err
	}
	for id, text := range flagged {
		responses[id] = text
	}

	ctx, stop := commandContext(cmd)
	defer stop()

	a, err := newApp(ctx, runID)
	if err != nil {
		return err
	}
	defer a.Close()

	if answerInteractive {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("--interactive needs a terminal on stdin; use --response or --file")
		}
		doc, err := a.service.Status(ctx, runID)
		if err != nil {
			return err
		}
		if !doc.AwaitingUserInput {
			return errors.NewPreconditionError("answer", "run is in phase "+string(doc.Phase)).
				WithCause(errors.ErrNotAwaitingInput)
		}
		if pending := unanswered(doc.PendingQuestions, responses); len(pending) > 0 {
			asked, err := prompt.Ask(pending, os.Stdin, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			for id, text := range asked {
				responses[id] = text
			}
		}
	}
	if len(responses) == 0 {
		return fmt.Errorf("no answers given; use --response, --file, or --interactive")
	}

	if verbose(cmd) {
		followProgress(a.bus, cmd.OutOrStdout())
	}
	out, err := a.service.SupplyUserResponse(ctx, runID, responses)
	if err != nil {
		if errors.Is(err, errors.ErrMissingResponse) {
			if doc, serr := a.service.Status(ctx, runID); serr == nil {
				fmt.Fprintln(cmd.ErrOrStderr(), "Still unanswered:")
				printQuestions(cmd.ErrOrStderr(), unanswered(doc.PendingQuestions, responses))
			}
		}
		return err
	}
	printOutcome(cmd.OutOrStdout(), out)
	return nil
}
