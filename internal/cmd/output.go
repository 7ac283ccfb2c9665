package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/event"
	"github.com/Iron-Ham/paperrepro/internal/run"
	"github.com/Iron-Ham/paperrepro/internal/state"
	"github.com/Iron-Ham/paperrepro/internal/styles"
)

// printOutcome reports how a service call left the run.
func printOutcome(w io.Writer, out *run.Outcome) {
	doc := out.Document
	if out.Finished() {
		fmt.Fprintf(w, "%s run %s finished after %d steps (%d this call)\n",
			styles.Secondary.Render("✓"), out.RunID, doc.Steps, out.Result.Steps)
		fmt.Fprint(w, stageSummary(doc))
		return
	}

	fmt.Fprintf(w, "%s run %s is waiting for your input\n\n", styles.Warning.Render("?"), out.RunID)
	printQuestions(w, out.Result.Questions)
	fmt.Fprintf(w, "\nAnswer with:\n  paperrepro answer %s --response %s=\"...\"\n", out.RunID, firstID(out.Result.Questions))
	fmt.Fprintf(w, "  paperrepro answer %s --interactive\n", out.RunID)
}

func printQuestions(w io.Writer, questions []state.Question) {
	for _, q := range questions {
		label := styles.Primary.Render(q.ID)
		if q.StageID != "" {
			label += " " + styles.Stage.Render("["+q.StageID+"]")
		}
		fmt.Fprintf(w, "  %s %s\n", label, q.Text)
	}
}

func firstID(questions []state.Question) string {
	if len(questions) == 0 {
		return "q1"
	}
	return questions[0].ID
}

// stageSummary counts stages by status, in a fixed order.
func stageSummary(doc *state.Document) string {
	counts := map[state.StageStatus]int{}
	superseded := 0
	for _, s := range doc.Plan {
		if s.Superseded {
			superseded++
			continue
		}
		counts[s.Status]++
	}
	order := []state.StageStatus{
		state.StatusCompletedSuccess, state.StatusCompletedPartial, state.StatusCompletedFailed,
		state.StatusBlocked, state.StatusNotStarted, state.StatusNeedsRerun, state.StatusInvalidated,
		state.StatusInProgress,
	}
	var parts []string
	for _, st := range order {
		if n := counts[st]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, styles.Status(st)))
		}
	}
	if superseded > 0 {
		parts = append(parts, fmt.Sprintf("%d superseded", superseded))
	}
	if len(parts) == 0 {
		return ""
	}
	return "  stages: " + strings.Join(parts, ", ") + "\n"
}

func printStep(w io.Writer, ev event.NodeCompletedEvent) {
	where := ev.Node
	if ev.StageID != "" {
		where += " " + styles.Stage.Render("["+ev.StageID+"]")
	}
	verdict := ev.Verdict
	if ev.Err != nil {
		verdict = styles.Error.Render(verdict + ": " + ev.Err.Error())
	}
	fmt.Fprintf(w, "  %s %s %s %s\n", styles.Muted.Render("•"), where, styles.Muted.Render("→"), verdict)
}

func printCheckpoint(w io.Writer, ev event.CheckpointSavedEvent) {
	fmt.Fprintf(w, "  %s checkpoint %s\n", styles.Secondary.Render("⤓"), ev.Name)
}

// renderStatus draws the run header, validation tiers, and stage table.
func renderStatus(doc *state.Document) string {
	var b strings.Builder

	b.WriteString(styles.Title.Render("Run "+doc.RunID) + "\n")
	phase := string(doc.Phase)
	if doc.AwaitingUserInput {
		phase += styles.Warning.Render(" (awaiting input)")
	}
	fmt.Fprintf(&b, "  phase:      %s\n", phase)
	fmt.Fprintf(&b, "  budget:     %g remaining\n", doc.RuntimeBudgetRemaining)
	fmt.Fprintf(&b, "  backtracks: %d\n", doc.BacktrackCount)
	fmt.Fprintf(&b, "  steps:      %d\n", doc.Steps)
	fmt.Fprintf(&b, "  updated:    %s\n\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))

	h := doc.Hierarchy
	fmt.Fprintf(&b, "  %s material  %s single  %s array  %s sweep\n\n",
		styles.Check(h.MaterialValidated), styles.Check(h.SingleStructureValidated),
		styles.Check(h.ArrayValidated), styles.Check(h.SweepValidated))

	if len(doc.Plan) == 0 {
		b.WriteString(styles.Muted.Render("  no plan yet") + "\n")
	} else {
		b.WriteString(stageTable(doc))
	}

	if doc.AwaitingUserInput {
		b.WriteString("\n" + styles.Header.Render("Pending questions") + "\n")
		printQuestions(&b, doc.PendingQuestions)
	}
	return b.String()
}

const (
	colID      = 18
	colType    = 26
	colStatus  = 20
	colRuntime = 9
)

func stageTable(doc *state.Document) string {
	var b strings.Builder
	header := "  " + styles.Cell("STAGE", colID) + styles.Cell("TYPE", colType) +
		styles.Cell("STATUS", colStatus) + styles.Cell("RUNTIME", colRuntime) + "REVISIONS"
	b.WriteString(styles.Header.Render(header) + "\n")

	revisions := revisionsByStage(doc)
	for _, s := range doc.Plan {
		id := s.ID
		if s.ID == doc.CurrentStageID {
			id = styles.Primary.Render("▸ " + s.ID)
		}
		fmt.Fprintf(&b, "  %s%s%s%s%s\n",
			styles.Cell(id, colID),
			styles.Cell(string(s.Type), colType),
			styles.Cell(styles.Status(s.Status), colStatus),
			styles.Cell(fmt.Sprintf("%g", s.EstimatedRuntime), colRuntime),
			revisions[s.ID])
		for _, issue := range s.Issues {
			b.WriteString("    " + styles.Muted.Render("! "+issue) + "\n")
		}
	}
	return b.String()
}

// revisionsByStage formats each stage's non-zero revision counters.
func revisionsByStage(doc *state.Document) map[string]string {
	parts := map[string][]string{}
	for _, k := range doc.RevisionCounts.Keys() {
		if n := doc.RevisionCounts[k]; n > 0 {
			parts[k.StageID] = append(parts[k.StageID], fmt.Sprintf("%s=%d", k.Kind, n))
		}
	}
	out := make(map[string]string, len(parts))
	for id, p := range parts {
		out[id] = strings.Join(p, " ")
	}
	return out
}

func renderCheckpoints(w io.Writer, entries []checkpoint.Entry) {
	fmt.Fprintln(w, styles.Header.Render("  "+styles.Cell("NAME", 28)+styles.Cell("SAVED", 26)+"SIZE"))
	for _, e := range entries {
		fmt.Fprintf(w, "  %s%s%d\n",
			styles.Cell(e.Name, 28),
			styles.Cell(e.Timestamp.Format("2006-01-02 15:04:05.000"), 26),
			e.Size)
	}
}

// parseResponses turns "q1=text" pairs into a response map.
func parseResponses(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		id, text, ok := strings.Cut(p, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid response %q: expected <question-id>=<answer>", p)
		}
		out[id] = text
	}
	return out, nil
}

// loadAnswers reads a YAML map of question ID to answer.
func loadAnswers(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read answers: %w", err)
	}
	var out map[string]string
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse answers: %w", err)
	}
	return out, nil
}

// loadPayload reads the run inputs, YAML or JSON, as a map.
func loadPayload(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}
	var out map[string]any
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	return out, nil
}

// unanswered returns the questions without a response, in order.
func unanswered(questions []state.Question, responses map[string]string) []state.Question {
	var out []state.Question
	for _, q := range questions {
		if _, ok := responses[q.ID]; !ok {
			out = append(out, q)
		}
	}
	return out
}
