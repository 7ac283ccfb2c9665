// Package interrupt performs the pause/resume bookkeeping for runs that
// need a human answer.
//
// Suspending records the pending questions on the document and marks it
// paused. Resuming validates that every question has an answer, moves the
// answers into the permanent interaction log, and restores the phase the run
// was in. Interpreting the answers belongs to the supervisor.
package interrupt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Iron-Ham/paperrepro/internal/errors"
	"github.com/Iron-Ham/paperrepro/internal/state"
)

// Controller suspends and resumes documents.
type Controller struct {
	now func() time.Time
}

// NewController creates a controller. A nil clock uses time.Now.
func NewController(now func() time.Time) *Controller {
	if now == nil {
		now = time.Now
	}
	return &Controller{now: now}
}

// Suspend marks the document as awaiting input. Questions are renumbered
// q1..qn for this suspension.
func (c *Controller) Suspend(doc *state.Document, questions []state.Question) error {
	if doc.AwaitingUserInput {
		return errors.NewPreconditionError("suspend", "run is already awaiting input")
	}
	if len(questions) == 0 {
		return errors.NewValidationError("a suspension needs at least one question").WithField("questions")
	}

	pending := make([]state.Question, len(questions))
	for i, q := range questions {
		q.ID = fmt.Sprintf("q%d", i+1)
		if strings.TrimSpace(q.Text) == "" {
			return errors.NewValidationError("question text is empty").WithField(q.ID)
		}
		pending[i] = q
	}

	if doc.Phase != state.PhasePaused {
		doc.PausedFrom = doc.Phase
	}
	doc.Phase = state.PhasePaused
	doc.Suspensions++
	doc.AwaitingUserInput = true
	doc.PendingQuestions = pending
	doc.UserResponses = map[string]string{}
	doc.Touch(c.now())
	return nil
}

// Resume applies responses to a suspended document. Either every pending
// question is answered and the document is resumed, or an error is returned
// and the document is left unchanged.
func (c *Controller) Resume(doc *state.Document, responses map[string]string) error {
	if !doc.AwaitingUserInput {
		return errors.NewPreconditionError("resume", "run is not awaiting user input").
			WithCause(errors.ErrNotAwaitingInput)
	}
	if missing := Missing(doc.PendingQuestions, responses); len(missing) > 0 {
		return fmt.Errorf("%w: no answer for %s", errors.ErrMissingResponse, strings.Join(missing, ", "))
	}

	now := c.now()
	answers := make(map[string]string, len(doc.PendingQuestions))
	for _, q := range doc.PendingQuestions {
		answer := strings.TrimSpace(responses[q.ID])
		answers[q.ID] = answer
		doc.InteractionLog = append(doc.InteractionLog, state.Interaction{
			QuestionID: LogID(doc.Suspensions, q.ID),
			Question:   q.Text,
			Response:   answer,
			StageID:    q.StageID,
			AnsweredAt: now,
		})
	}

	doc.UserResponses = answers
	doc.PendingQuestions = nil
	doc.AwaitingUserInput = false
	doc.Phase = doc.PausedFrom
	if doc.Phase == "" || doc.Phase == state.PhasePaused {
		doc.Phase = state.PhasePlanning
	}
	doc.PausedFrom = ""
	doc.Touch(now)
	return nil
}

// Missing returns the sorted IDs of pending questions without a non-blank
// response.
func Missing(pending []state.Question, responses map[string]string) []string {
	var missing []string
	for _, q := range pending {
		if strings.TrimSpace(responses[q.ID]) == "" {
			missing = append(missing, q.ID)
		}
	}
	sort.Strings(missing)
	return missing
}

// LogID is the interaction log key of question id asked during the n-th
// suspension.
func LogID(suspension int, id string) string {
	return fmt.Sprintf("%d.%s", suspension, id)
}
