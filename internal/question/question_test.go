package question

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct {
	repliedReqID string
	repliedWith  map[string][]string
	rejectedReqID string
}

func (f *fakeAgent) ReplyQuestion(ctx context.Context, requestID string, answers map[string][]string) error {
	f.repliedReqID = requestID
	f.repliedWith = answers
	return nil
}

func (f *fakeAgent) RejectQuestion(ctx context.Context, requestID string) error {
	f.rejectedReqID = requestID
	return nil
}

func twoQuestions() []Question {
	return []Question{
		{ID: "q1", Prompt: "Proceed?", Choices: []Choice{{Value: "yes", Label: "Yes"}, {Value: "no", Label: "No"}}},
		{ID: "q2", Prompt: "Which env?", Multiple: true, Choices: []Choice{{Value: "dev", Label: "Dev"}, {Value: "prod", Label: "Prod"}}},
	}
}

func TestAskThenFormSubmitClearsPending(t *testing.T) {
	agent := &fakeAgent{}
	tr := New(agent)
	tr.Ask("chat-1", "req-1", "msg-1", twoQuestions())

	_, ok := tr.Pending("chat-1")
	require.True(t, ok)

	err := tr.SubmitForm(context.Background(), "chat-1", map[string][]string{"q1": {"yes"}, "q2": {"dev", "prod"}})
	require.NoError(t, err)

	_, ok = tr.Pending("chat-1")
	assert.False(t, ok)
	assert.Equal(t, "req-1", agent.repliedReqID)
	assert.Equal(t, []string{"yes"}, agent.repliedWith["q1"])
}

func TestSubmitTextFillsAllUnanswered(t *testing.T) {
	agent := &fakeAgent{}
	tr := New(agent)
	tr.Ask("chat-1", "req-1", "msg-1", twoQuestions())

	err := tr.SubmitText(context.Background(), "chat-1", "approved")
	require.NoError(t, err)

	assert.Equal(t, []string{"approved"}, agent.repliedWith["q1"])
	assert.Equal(t, []string{"approved"}, agent.repliedWith["q2"])
}

func TestRejectClearsPending(t *testing.T) {
	agent := &fakeAgent{}
	tr := New(agent)
	tr.Ask("chat-1", "req-1", "msg-1", twoQuestions())

	require.NoError(t, tr.Reject(context.Background(), "chat-1"))
	assert.Equal(t, "req-1", agent.rejectedReqID)

	_, ok := tr.Pending("chat-1")
	assert.False(t, ok)
}

func TestSubmitWithNoPendingQuestionErrors(t *testing.T) {
	tr := New(&fakeAgent{})
	err := tr.SubmitText(context.Background(), "chat-1", "hi")
	assert.ErrorIs(t, err, ErrNoPendingQuestion)
}

func TestAskReplacesStalePending(t *testing.T) {
	agent := &fakeAgent{}
	tr := New(agent)
	tr.Ask("chat-1", "req-1", "msg-1", twoQuestions())
	tr.Ask("chat-1", "req-2", "msg-2", twoQuestions())

	pq, ok := tr.Pending("chat-1")
	require.True(t, ok)
	assert.Equal(t, "req-2", pq.RequestID)
}

func TestRenderCardSkipsFreeTextOnlyQuestions(t *testing.T) {
	pq := &PendingQuestion{
		RequestID: "req-1",
		ChatID:    "chat-1",
		Questions: []Question{
			{ID: "q1", Prompt: "Describe the issue"},
			{ID: "q2", Prompt: "Proceed?", Choices: []Choice{{Value: "yes", Label: "Yes"}}},
		},
	}
	card := RenderCard(pq)
	require.NotEmpty(t, card.Elements)

	for _, el := range card.Elements {
		if el.Kind == "form" {
			assert.Len(t, el.FormElements, 2) // q2's select + the submit button; q1 has no widget
		}
	}
}
