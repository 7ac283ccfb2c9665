// Package prompt asks the pending questions of a suspended run in the
// terminal, one at a time, and collects the answers keyed by question ID.
package prompt

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/state"
	"github.com/Iron-Ham/paperrepro/internal/styles"
)

// Model is the Bubbletea model for answering a list of questions.
type Model struct {
	questions []state.Question
	answers   map[string]string
	index     int
	input     textinput.Model
	width     int
	errorMsg  string
	cancelled bool
	done      bool
}

// New creates a model for questions.
func New(questions []state.Question) Model {
	ti := textinput.New()
	ti.Placeholder = "your answer"
	ti.CharLimit = 2000
	ti.Width = 72
	ti.Focus()
	return Model{
		questions: questions,
		answers:   make(map[string]string, len(questions)),
		input:     ti,
		done:      len(questions) == 0,
	}
}

func (m Model) Init() tea.Cmd {
	if m.done {
		return tea.Quit
	}
	return textinput.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		if msg.Width > 8 {
			m.input.Width = msg.Width - 8
		}
		return m, nil

	case tea.KeyMsg:
		m.errorMsg = ""
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.cancelled = true
			return m, tea.Quit

		case tea.KeyEnter:
			answer := strings.TrimSpace(m.input.Value())
			if answer == "" {
				m.errorMsg = "An answer is required."
				return m, nil
			}
			m.answers[m.questions[m.index].ID] = answer
			if m.index == len(m.questions)-1 {
				m.done = true
				return m, tea.Quit
			}
			m.index++
			m.input.SetValue(m.answers[m.questions[m.index].ID])
			m.input.CursorEnd()
			return m, nil

		case tea.KeyShiftTab, tea.KeyCtrlP:
			if m.index > 0 {
				m.index--
				m.input.SetValue(m.answers[m.questions[m.index].ID])
				m.input.CursorEnd()
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if m.done || m.cancelled {
		return ""
	}
	q := m.questions[m.index]

	var b strings.Builder
	b.WriteString(styles.Title.Render(fmt.Sprintf("Question %d of %d", m.index+1, len(m.questions))))
	if q.StageID != "" {
		b.WriteString(" " + styles.Stage.Render("["+q.StageID+"]"))
	}
	b.WriteString("\n\n")

	text := q.Text
	if m.width > 4 {
		text = lipgloss.NewStyle().Width(m.width - 4).Render(text)
	}
	b.WriteString(text + "\n\n")

	for i, prev := range m.questions[:m.index] {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("%d. ", i+1)) + styles.Secondary.Render(m.answers[prev.ID]) + "\n")
	}
	b.WriteString(m.input.View() + "\n")
	if m.errorMsg != "" {
		b.WriteString(styles.Error.Render(m.errorMsg) + "\n")
	}
	b.WriteString("\n" + styles.Muted.Render("enter: submit • shift+tab: previous • esc: cancel") + "\n")
	return b.String()
}

// Answers returns the collected answers keyed by question ID.
func (m Model) Answers() map[string]string {
	return m.answers
}

// Done reports whether every question was answered.
func (m Model) Done() bool {
	return m.done
}

// Cancelled reports whether the user aborted the prompt.
func (m Model) Cancelled() bool {
	return m.cancelled
}

// Ask runs the prompt on the given terminal streams and returns the answers.
// It fails with errors.ErrCanceled when the user aborts.
func Ask(questions []state.Question, in io.Reader, out io.Writer) (map[string]string, error) {
	p := tea.NewProgram(New(questions), tea.WithInput(in), tea.WithOutput(out))
	final, err := p.Run()
	if err != nil {
		return nil, errors.Wrap(err, "prompt failed")
	}
	m, ok := final.(Model)
	if !ok || m.Cancelled() || !m.Done() {
		return nil, errors.ErrCanceled
	}
	return m.Answers(), nil
}
