package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Iron-Ham/paperrepro/internal/checkpoint"
	"github.com/Iron-Ham/paperrepro/internal/config"
	"github.com/Iron-Ham/paperrepro/internal/logging"
	"github.com/Iron-Ham/paperrepro/internal/styles"
)

var logsCmd = &cobra.Command{
	Use:   "logs <run-id>",
	Short: "View run logs",
	Long: `View and filter the structured log of a run.

Examples:
  # Show last 50 lines
  paperrepro logs drude-2021

  # Only warnings and errors for one stage
  paperrepro logs drude-2021 --level warn --grep 'stage_id=s2'

  # Follow logs in real-time
  paperrepro logs drude-2021 -f`,
	Args: cobra.ExactArgs(1),
	RunE: runLogs,
}

var (
	logsTail   int
	logsFollow bool
	logsLevel  string
	logsSince  string
	logsGrep   string
)

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of lines to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter logs matching pattern (regex)")
}

// logEntry represents a parsed JSON log line
type logEntry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Msg     string         `json:"msg"`
	RunID   string         `json:"run_id,omitempty"`
	StageID string         `json:"stage_id,omitempty"`
	Node    string         `json:"node,omitempty"`
	Extra   map[string]any `json:"-"`
}

// UnmarshalJSON keeps unknown attributes in Extra.
func (e *logEntry) UnmarshalJSON(data []byte) error {
	type alias logEntry
	if err := json.Unmarshal(data, (*alias)(e)); err != nil {
		return err
	}

	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, k := range []string{"time", "level", "msg", "run_id", "stage_id", "node"} {
		delete(all, k)
	}
	if len(all) > 0 {
		e.Extra = all
	}
	return nil
}

// logFilter selects entries for display.
type logFilter struct {
	minLevel int
	since    time.Time
	grep     *regexp.Regexp
}

func newLogFilter(level, since string, grep string, now time.Time) (logFilter, error) {
	f := logFilter{minLevel: -1}
	if level != "" {
		f.minLevel = levelPriority(logging.ParseLevel(level))
	}
	if since != "" {
		d, err := time.ParseDuration(since)
		if err != nil {
			return f, fmt.Errorf("invalid duration format: %w", err)
		}
		f.since = now.Add(-d)
	}
	if grep != "" {
		re, err := regexp.Compile(grep)
		if err != nil {
			return f, fmt.Errorf("invalid grep pattern: %w", err)
		}
		f.grep = re
	}
	return f, nil
}

func (f logFilter) pass(e *logEntry) bool {
	if f.minLevel >= 0 && levelPriority(e.Level) < f.minLevel {
		return false
	}
	if !f.since.IsZero() && e.Time.Before(f.since) {
		return false
	}
	if f.grep != nil && !f.grep.MatchString(searchText(e)) {
		return false
	}
	return true
}

// searchText is what --grep matches: the message and every attribute as
// key=value.
func searchText(e *logEntry) string {
	parts := []string{e.Msg}
	if e.StageID != "" {
		parts = append(parts, "stage_id="+e.StageID)
	}
	if e.Node != "" {
		parts = append(parts, "node="+e.Node)
	}
	for k, v := range e.Extra {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, " ")
}

// levelPriority returns the priority of a log level for filtering
func levelPriority(level string) int {
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return 0
	case logging.LevelInfo:
		return 1
	case logging.LevelWarn:
		return 2
	case logging.LevelError:
		return 3
	default:
		return -1
	}
}

func levelStyle(level string) string {
	label := "[" + strings.ToUpper(level) + "]"
	switch strings.ToUpper(level) {
	case logging.LevelDebug:
		return styles.Muted.Render(label)
	case logging.LevelInfo:
		return styles.Stage.Render(label)
	case logging.LevelWarn:
		return styles.Warning.Render(label)
	case logging.LevelError:
		return styles.Error.Render(label)
	default:
		return label
	}
}

// formatLogEntry formats a log entry for terminal output
func formatLogEntry(e *logEntry) string {
	var sb strings.Builder
	sb.WriteString(styles.Muted.Render("[" + e.Time.Format("15:04:05.000") + "]"))
	sb.WriteString(" " + levelStyle(e.Level))
	sb.WriteString(" " + e.Msg)
	if e.Node != "" {
		sb.WriteString(" " + styles.Primary.Render("node=") + e.Node)
	}
	if e.StageID != "" {
		sb.WriteString(" " + styles.Primary.Render("stage_id=") + e.StageID)
	}

	keys := make([]string, 0, len(e.Extra))
	for k := range e.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(" " + styles.Primary.Render(k+"=") + fmt.Sprintf("%v", e.Extra[k]))
	}
	return sb.String()
}

// formatLine parses and filters one line. ok is false when the line is
// filtered out; unparseable lines are shown raw.
func formatLine(line string, f logFilter) (string, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false
	}
	var e logEntry
	if err := json.Unmarshal([]byte(line), &e); err != nil {
		return line, true
	}
	if !f.pass(&e) {
		return "", false
	}
	return formatLogEntry(&e), true
}

func runLogs(cmd *cobra.Command, args []string) error {
	runID := args[0]
	if !checkpoint.ValidRunID(runID) {
		return fmt.Errorf("invalid run id %q", runID)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}
	logPath := filepath.Join(cfg.Paths.RunsDir(cwd), runID, logging.LogFileName)

	out := cmd.OutOrStdout()
	if _, err := os.Stat(logPath); os.IsNotExist(err) {
		fmt.Fprintf(out, "No logs found for run %s\n", runID)
		fmt.Fprintln(out, "Logs are stored at:", logPath)
		return nil
	}

	filter, err := newLogFilter(logsLevel, logsSince, logsGrep, time.Now())
	if err != nil {
		return err
	}

	if logsFollow {
		ctx, stop := commandContext(cmd)
		defer stop()
		return followLogs(ctx, out, logPath, filter)
	}
	return displayLogs(out, logPath, logsTail, filter)
}

// displayLogs prints the last tail matching entries.
func displayLogs(w io.Writer, logPath string, tail int, f logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []string
	scanner := bufio.NewScanner(file)
	// Increase buffer size for potentially long log lines
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if s, ok := formatLine(scanner.Text(), f); ok {
			entries = append(entries, s)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading log file: %w", err)
	}

	if tail > 0 && len(entries) > tail {
		entries = entries[len(entries)-tail:]
	}
	for _, e := range entries {
		fmt.Fprintln(w, e)
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No matching log entries found.")
	}
	return nil
}

// followLogs implements tail -f behavior until ctx is cancelled.
func followLogs(ctx context.Context, w io.Writer, logPath string, f logFilter) error {
	file, err := os.Open(logPath)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}
	fmt.Fprintf(w, "Following logs... (Ctrl+C to stop)\n\n")

	reader := bufio.NewReader(file)
	var line string
	for {
		chunk, err := reader.ReadString('\n')
		line += chunk
		if err == io.EOF {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading log file: %w", err)
		}
		if s, ok := formatLine(line, f); ok {
			fmt.Fprintln(w, s)
		}
		line = ""
	}
}
