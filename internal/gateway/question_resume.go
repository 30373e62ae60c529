package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/goclaw/internal/question"
	"github.com/nextlevelbuilder/goclaw/internal/sessionstate"
)

// SubmitQuestionForm answers a pending question with structured form
// values (spec §4.6: form submit action) and resumes the session.
func (g *Gateway) SubmitQuestionForm(ctx context.Context, channelName, chatID string, values map[string][]string) error {
	return g.resumeAfterQuestion(ctx, channelName, chatID, func(pq *question.PendingQuestion) error {
		return g.questions.SubmitForm(ctx, laneKey(channelName, chatID), values)
	})
}

// SubmitQuestionText answers a pending question with free text (spec
// §4.6: text-reply fallback) and resumes the session.
func (g *Gateway) SubmitQuestionText(ctx context.Context, channelName, chatID, text string) error {
	return g.resumeAfterQuestion(ctx, channelName, chatID, func(pq *question.PendingQuestion) error {
		return g.questions.SubmitText(ctx, laneKey(channelName, chatID), text)
	})
}

// RejectQuestion cancels a pending question without resuming the agent
// (spec §4.6: reject action tells the backend to abandon the question).
func (g *Gateway) RejectQuestion(ctx context.Context, channelName, chatID string) error {
	lk := laneKey(channelName, chatID)
	pq, ok := g.questions.Pending(lk)
	if !ok {
		return question.ErrNoPendingQuestion
	}
	if err := g.questions.Reject(ctx, lk); err != nil {
		return err
	}
	platform := g.resolvePlatform(channelName, chatID)
	if _, err := platform.UpdateCard(ctx, pq.MessageID, question.RenderAnsweredCard(pq)); err != nil {
		return fmt.Errorf("gateway: update rejected question card: %w", err)
	}
	return nil
}

// resumeAfterQuestion submits an answer to the backend, redraws the
// question card as answered, then re-opens an activeResponse for the
// session's backend ID so the agent's resumed event stream (which carries
// the same session ID as before, not a new inbound message) attributes
// into a fresh card instead of being dropped as unowned (spec §4.6 step
// 4: "submit ... re-enters the normal event-driven render loop").
func (g *Gateway) resumeAfterQuestion(ctx context.Context, channelName, chatID string, submit func(pq *question.PendingQuestion) error) error {
	lk := laneKey(channelName, chatID)
	pq, ok := g.questions.Pending(lk)
	if !ok {
		return question.ErrNoPendingQuestion
	}

	key := sessionstate.SessionKey{Channel: channelName, Kind: sessionstate.KindChat, ChatID: chatID}
	sess, ok := g.sessionMgr.Get(key)
	if !ok {
		return fmt.Errorf("gateway: no session for chat %s/%s", channelName, chatID)
	}

	if err := submit(pq); err != nil {
		return err
	}

	platform := g.resolvePlatform(channelName, chatID)
	if _, err := platform.UpdateCard(ctx, pq.MessageID, question.RenderAnsweredCard(pq)); err != nil {
		slog.Warn("gateway: update answered question card failed", "err", err)
	}

	_ = g.sessionMgr.UpdateSession(key, func(s *sessionstate.SessionState) { s.NeedsNewCard = false })

	resp := g.newActiveResponse(key, sess.AgentSessionID, false)
	defer g.releaseResponse(resp)

	taskCtx, _ := g.sessionMgr.StartTask(ctx, key, "")
	defer g.sessionMgr.CompleteTask(key)

	if err := resp.streamer.Start(taskCtx); err != nil {
		return fmt.Errorf("gateway: start streamer: %w", err)
	}

	g.finishResponse(taskCtx, key, resp)
	return nil
}
