package prompt

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/Iron-Ham/paperrepro/internal/state"
)

func questions() []state.Question {
	return []state.Question{
		{ID: "q1", StageID: "s1", Text: "Accept the partial match of the resonance?"},
		{ID: "q2", Text: "Should the mesh be refined?"},
	}
}

func typeText(t *testing.T, m Model, s string) Model {
	t.Helper()
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)})
	return next.(Model)
}

func press(t *testing.T, m Model, k tea.KeyType) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(tea.KeyMsg{Type: k})
	return next.(Model), cmd
}

func TestModel_AnswersInOrder(t *testing.T) {
	m := New(questions())

	m = typeText(t, m, "yes")
	m, cmd := press(t, m, tea.KeyEnter)
	if cmd != nil {
		t.Fatal("first answer should not quit")
	}
	if m.index != 1 {
		t.Fatalf("index = %d, want 1", m.index)
	}

	m = typeText(t, m, "  refine to 1nm ")
	m, cmd = press(t, m, tea.KeyEnter)
	if cmd == nil {
		t.Fatal("last answer should quit")
	}
	if !m.Done() || m.Cancelled() {
		t.Fatalf("Done() = %v, Cancelled() = %v", m.Done(), m.Cancelled())
	}
	want := map[string]string{"q1": "yes", "q2": "refine to 1nm"}
	for id, w := range want {
		if got := m.Answers()[id]; got != w {
			t.Errorf("answer %s = %q, want %q", id, got, w)
		}
	}
}

func TestModel_EmptyAnswerRejected(t *testing.T) {
	m := New(questions())
	m, cmd := press(t, m, tea.KeyEnter)
	if cmd != nil || m.index != 0 {
		t.Fatal("an empty answer must not advance")
	}
	if !strings.Contains(m.View(), "required") {
		t.Error("View() should show the error")
	}
}

func TestModel_BackRestoresAnswer(t *testing.T) {
	m := New(questions())
	m = typeText(t, m, "no")
	m, _ = press(t, m, tea.KeyEnter)
	m, _ = press(t, m, tea.KeyShiftTab)

	if m.index != 0 {
		t.Fatalf("index = %d, want 0", m.index)
	}
	if m.input.Value() != "no" {
		t.Errorf("input = %q, want the earlier answer", m.input.Value())
	}

	m, _ = press(t, m, tea.KeyShiftTab)
	if m.index != 0 {
		t.Error("going back from the first question should stay put")
	}
}

func TestModel_Cancel(t *testing.T) {
	m := New(questions())
	m, cmd := press(t, m, tea.KeyEsc)
	if cmd == nil || !m.Cancelled() || m.Done() {
		t.Fatal("esc should cancel and quit")
	}
	if m.View() != "" {
		t.Error("View() after cancel should be empty")
	}
}

func TestModel_View(t *testing.T) {
	m := New(questions())
	view := m.View()
	for _, want := range []string{"Question 1 of 2", "[s1]", "resonance"} {
		if !strings.Contains(view, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestModel_NoQuestions(t *testing.T) {
	m := New(nil)
	if !m.Done() {
		t.Error("a prompt without questions is already done")
	}
	if m.Init() == nil {
		t.Error("Init() should quit immediately")
	}
}
