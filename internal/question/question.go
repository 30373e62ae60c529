// Package question implements the Question Protocol (spec §4.6): pauses
// the active streamer, renders a form card, and resumes once the agent's
// question is answered or rejected.
package question

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/cards"
)

// ErrNoPendingQuestion is returned when a submission/rejection targets a
// chat with no PendingQuestion on file.
var ErrNoPendingQuestion = errors.New("question: no pending question for chat")

// ErrAlreadyAnswered is returned by a second submit/reject against the
// same PendingQuestion.
var ErrAlreadyAnswered = errors.New("question: already answered")

// Choice is one selectable option of a single/multi-select question.
type Choice struct {
	Value string
	Label string
}

// Question is one form field the agent is asking for (spec §3).
type Question struct {
	ID       string
	Prompt   string
	Multiple bool
	Choices  []Choice // empty = free-text only
}

// PendingQuestion is the one-per-chat record tracking an in-flight
// question round (spec §3, §4.6).
type PendingQuestion struct {
	RequestID string
	MessageID string
	ChatID    string
	Questions []Question
	answers   map[string][]string
}

// AgentClient is the subset of the agent backend the Question Protocol
// drives (spec §4.6: replyQuestion / rejectQuestion).
type AgentClient interface {
	ReplyQuestion(ctx context.Context, requestID string, answers map[string][]string) error
	RejectQuestion(ctx context.Context, requestID string) error
}

// Tracker owns the at-most-one-per-chat PendingQuestion invariant (spec
// §4.6).
type Tracker struct {
	agent AgentClient

	mu      sync.Mutex
	pending map[string]*PendingQuestion // chatID -> pending
}

// New creates a Tracker bound to the given agent client.
func New(agent AgentClient) *Tracker {
	return &Tracker{agent: agent, pending: make(map[string]*PendingQuestion)}
}

// Ask installs a PendingQuestion for chatID, replacing any stale one —
// the caller (Gateway) is expected to have already called streamer.Complete
// so the question card renders below the finished response (spec §4.6
// step 1).
func (t *Tracker) Ask(chatID, requestID, messageID string, questions []Question) *PendingQuestion {
	pq := &PendingQuestion{
		RequestID: requestID,
		MessageID: messageID,
		ChatID:    chatID,
		Questions: questions,
		answers:   make(map[string][]string),
	}
	t.mu.Lock()
	t.pending[chatID] = pq
	t.mu.Unlock()
	return pq
}

// Pending returns the chat's current PendingQuestion, if any.
func (t *Tracker) Pending(chatID string) (*PendingQuestion, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pq, ok := t.pending[chatID]
	return pq, ok
}

// SubmitForm maps form action values (question id -> selected option
// values) back to the agent, per spec §4.6 "form submit" path.
func (t *Tracker) SubmitForm(ctx context.Context, chatID string, values map[string][]string) error {
	pq, err := t.take(chatID)
	if err != nil {
		return err
	}
	for qID, vals := range values {
		pq.answers[qID] = vals
	}
	return t.agent.ReplyQuestion(ctx, pq.RequestID, pq.answers)
}

// SubmitText fills every unanswered question slot with the same free-text
// value, per spec §4.6 "text answer" path: "the next plain text message...
// is treated as a global answer".
func (t *Tracker) SubmitText(ctx context.Context, chatID, text string) error {
	pq, err := t.take(chatID)
	if err != nil {
		return err
	}
	for _, q := range pq.Questions {
		if _, answered := pq.answers[q.ID]; !answered {
			pq.answers[q.ID] = []string{text}
		}
	}
	return t.agent.ReplyQuestion(ctx, pq.RequestID, pq.answers)
}

// Reject tells the agent the user declined to answer (spec §4.6).
func (t *Tracker) Reject(ctx context.Context, chatID string) error {
	pq, err := t.take(chatID)
	if err != nil {
		return err
	}
	return t.agent.RejectQuestion(ctx, pq.RequestID)
}

// take removes and returns the chat's PendingQuestion, enforcing the
// at-most-one / submissions-clear-it invariant.
func (t *Tracker) take(chatID string) (*PendingQuestion, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pq, ok := t.pending[chatID]
	if !ok {
		return nil, ErrNoPendingQuestion
	}
	delete(t.pending, chatID)
	return pq, nil
}

// RenderCard builds the question form card (spec §4.6 step 2): one
// select_static/multi_select_static field per question plus a submit
// button.
func RenderCard(pq *PendingQuestion) cards.Card {
	var formElements []cards.FormElement
	for _, q := range pq.Questions {
		if len(q.Choices) == 0 {
			continue // free-text-only questions have no form widget; answered via SubmitText
		}
		kind := cards.InputSelectStatic
		if q.Multiple {
			kind = cards.InputMultiSelectStatic
		}
		opts := make([]cards.FormOption, 0, len(q.Choices))
		for _, c := range q.Choices {
			opts = append(opts, cards.FormOption{Value: c.Value, Text: c.Label})
		}
		formElements = append(formElements, cards.FormElement{
			Kind: kind, Name: q.ID, Label: q.Prompt, Options: opts,
		})
	}
	formElements = append(formElements, cards.FormElement{Kind: cards.InputButton, Name: "submit", Label: "Submit"})

	elements := make([]cards.Element, 0, len(pq.Questions)+1)
	for _, q := range pq.Questions {
		elements = append(elements, cards.Markdown(q.Prompt))
	}
	elements = append(elements, cards.Form("question", formElements...))

	return cards.Card{
		Header:   cards.Header{Title: "Question", Template: cards.TemplateQuestion},
		Elements: elements,
	}
}

// RenderAnsweredCard builds the "answered" variant of a question card
// once a submission has been accepted (spec §4.6: "update the question
// card to the answered variant").
func RenderAnsweredCard(pq *PendingQuestion) cards.Card {
	elements := make([]cards.Element, 0, len(pq.Questions))
	for _, q := range pq.Questions {
		answer := "(no answer)"
		if vals, ok := pq.answers[q.ID]; ok {
			answer = fmt.Sprintf("%v", vals)
		}
		elements = append(elements, cards.Markdown(fmt.Sprintf("**%s**\n%s", q.Prompt, answer)))
	}
	return cards.Card{
		Header:   cards.Header{Title: "Question answered", Template: cards.TemplateSuccess},
		Elements: elements,
	}
}
