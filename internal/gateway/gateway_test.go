package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/agentrpc"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/cards"
	"github.com/nextlevelbuilder/goclaw/internal/question"
	"github.com/nextlevelbuilder/goclaw/internal/recall"
	"github.com/nextlevelbuilder/goclaw/internal/routing"
	"github.com/nextlevelbuilder/goclaw/internal/sessionstate"
	"github.com/nextlevelbuilder/goclaw/internal/streamer"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// fakeChannel is a minimal channels.Channel for exercising the Gateway
// without any real transport.
type fakeChannel struct {
	name    string
	running bool
	sent    []bus.OutboundMessage
	mu      sync.Mutex
}

func newFakeChannel(name string) *fakeChannel { return &fakeChannel{name: name} }

func (c *fakeChannel) Name() string { return c.name }
func (c *fakeChannel) Start(ctx context.Context) error {
	c.running = true
	return nil
}
func (c *fakeChannel) Stop(ctx context.Context) error {
	c.running = false
	return nil
}
func (c *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}
func (c *fakeChannel) IsRunning() bool { return c.running }
func (c *fakeChannel) IsAllowed(senderID string) bool { return true }

// fakeCardChannel additionally implements channels.CardChannel, backed by
// a fakePlatform so tests can inspect card traffic directly.
type fakeCardChannel struct {
	*fakeChannel
	platform *fakePlatform
}

func newFakeCardChannel(name string) *fakeCardChannel {
	return &fakeCardChannel{fakeChannel: newFakeChannel(name), platform: newFakePlatform()}
}

// CardClient implements channels.CardChannel.
func (c *fakeCardChannel) CardClient() streamer.PlatformClient {
	return c.platform
}

type cardSend struct {
	chatID string
	card   cards.Card
}

// fakePlatform implements streamer.PlatformClient in-memory.
type fakePlatform struct {
	mu      sync.Mutex
	nextID  int
	sent    []cardSend
	updates []cardSend
	deleted []string
}

func newFakePlatform() *fakePlatform { return &fakePlatform{} }

func (p *fakePlatform) SendCard(ctx context.Context, chatID string, card cards.Card) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("msg-%d", p.nextID)
	p.sent = append(p.sent, cardSend{chatID: chatID, card: card})
	return id, nil
}

func (p *fakePlatform) UpdateCard(ctx context.Context, messageID string, card cards.Card) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, cardSend{chatID: messageID, card: card})
	return false, nil
}

func (p *fakePlatform) DeleteMessage(ctx context.Context, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, messageID)
	return nil
}

// fakeAgent implements gateway.AgentClient entirely in memory: Send
// synchronously emits a fixed script of events for the session instead of
// talking to a real backend.
type fakeAgent struct {
	mu            sync.Mutex
	events        chan agentrpc.Event
	sessions      map[string]string // agentSessionID -> agentID
	nextID        int
	lastSessionID string

	// script, if set, is invoked instead of the default single-text-part
	// completion for every Send call.
	script func(agent *fakeAgent, agentSessionID, text string)
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		events:   make(chan agentrpc.Event, 64),
		sessions: make(map[string]string),
	}
}

func (a *fakeAgent) CreateSession(ctx context.Context, agentID, projectPath, model string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := fmt.Sprintf("sess-%d", a.nextID)
	a.sessions[id] = agentID
	return id, nil
}

func (a *fakeAgent) Abort(ctx context.Context, agentSessionID string) error { return nil }

func (a *fakeAgent) Summarize(ctx context.Context, agentSessionID, model string) (int, int, error) {
	return 0, 0, nil
}

func (a *fakeAgent) KnownAgent(agentID string) bool { return true }

// ReplyQuestion mimics a real backend: acknowledges immediately, then
// resumes the session asynchronously on the existing event stream (the
// same way a real agent backend would, after its own processing delay)
// rather than through a new Send call.
func (a *fakeAgent) ReplyQuestion(ctx context.Context, requestID string, answers map[string][]string) error {
	a.mu.Lock()
	sessionID := a.lastSessionID
	a.mu.Unlock()

	vals := answers["q1"]
	text := "got it"
	if len(vals) > 0 {
		text = "got it: " + vals[0]
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		a.emitTextThenIdle(sessionID, text)
	}()
	return nil
}

func (a *fakeAgent) RejectQuestion(ctx context.Context, requestID string) error { return nil }

func (a *fakeAgent) Events() <-chan agentrpc.Event { return a.events }

func (a *fakeAgent) Send(ctx context.Context, agentSessionID, text string, opts agentrpc.SendOptions) error {
	a.mu.Lock()
	a.lastSessionID = agentSessionID
	a.mu.Unlock()
	if a.script != nil {
		a.script(a, agentSessionID, text)
		return nil
	}
	a.emitTextThenIdle(agentSessionID, "echo: "+text)
	return nil
}

func (a *fakeAgent) Detail(ctx context.Context, agentSessionID string) (agentrpc.SessionDetail, error) {
	return agentrpc.SessionDetail{Title: "done", Files: []string{"a.go"}, Additions: 1, Deletions: 0}, nil
}

func (a *fakeAgent) emitTextThenIdle(sessionID, text string) {
	props, _ := json.Marshal(map[string]interface{}{
		"partId": "p1",
		"type":   "text",
		"text":   text,
	})
	a.events <- agentrpc.Event{Type: protocol.EventTypePartUpdated, SessionID: sessionID, Properties: props}
	a.events <- agentrpc.Event{Type: protocol.EventTypeSessionIdle, SessionID: sessionID}
}

func newTestGateway(t *testing.T, agent *fakeAgent) (*Gateway, *sessionstate.Manager) {
	t.Helper()
	router := routing.NewRouter("default-agent")
	sessionMgr := sessionstate.NewManager(agent, sessionstate.Options{})
	questions := question.New(agent)
	msgBus := bus.NewMessageBus()

	gw := New(router, sessionMgr, agent, questions, recall.NewMemoryStore(), msgBus, Options{
		DefaultAgentID: "default-agent",
		MaxConcurrency: 4,
	})
	return gw, sessionMgr
}

func TestGateway_SingleChatSinglePrompt(t *testing.T) {
	agent := newFakeAgent()
	gw, _ := newTestGateway(t, agent)

	ch := newFakeCardChannel("feishu")
	gw.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop(context.Background())

	gw.msgBus.PublishInbound(bus.InboundMessage{
		Channel: "feishu",
		ChatID:  "chat-1",
		Content: "hello",
		Metadata: map[string]string{
			"eventId":   "evt-1",
			"messageId": "msg-user-1",
		},
	})

	require.Eventually(t, func() bool {
		ch.platform.mu.Lock()
		defer ch.platform.mu.Unlock()
		return len(ch.platform.sent) > 0
	}, time.Second, 5*time.Millisecond)

	ch.platform.mu.Lock()
	defer ch.platform.mu.Unlock()
	require.Len(t, ch.platform.sent, 1)
	assert.Equal(t, "chat-1", ch.platform.sent[0].chatID)
}

func TestGateway_SerialOrderingWithinOneLane(t *testing.T) {
	agent := newFakeAgent()
	var order []string
	var mu sync.Mutex
	agent.script = func(a *fakeAgent, sessionID, text string) {
		mu.Lock()
		order = append(order, text)
		mu.Unlock()
		a.emitTextThenIdle(sessionID, "echo: "+text)
	}

	gw, _ := newTestGateway(t, agent)
	ch := newFakeCardChannel("feishu")
	gw.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop(context.Background())

	for i := 0; i < 3; i++ {
		gw.msgBus.PublishInbound(bus.InboundMessage{
			Channel:  "feishu",
			ChatID:   "chat-1",
			Content:  fmt.Sprintf("msg-%d", i),
			Metadata: map[string]string{"eventId": fmt.Sprintf("evt-%d", i)},
		})
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"msg-0", "msg-1", "msg-2"}, order)
}

func TestGateway_ConcurrentChatsDoNotBlockEachOther(t *testing.T) {
	agent := newFakeAgent()
	release := make(chan struct{})
	agent.script = func(a *fakeAgent, sessionID, text string) {
		if text == "slow" {
			<-release
		}
		a.emitTextThenIdle(sessionID, "echo: "+text)
	}

	gw, _ := newTestGateway(t, agent)
	ch := newFakeCardChannel("feishu")
	gw.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop(context.Background())

	gw.msgBus.PublishInbound(bus.InboundMessage{
		Channel: "feishu", ChatID: "chat-slow", Content: "slow",
		Metadata: map[string]string{"eventId": "evt-slow"},
	})
	gw.msgBus.PublishInbound(bus.InboundMessage{
		Channel: "feishu", ChatID: "chat-fast", Content: "fast",
		Metadata: map[string]string{"eventId": "evt-fast"},
	})

	require.Eventually(t, func() bool {
		ch.platform.mu.Lock()
		defer ch.platform.mu.Unlock()
		for _, s := range ch.platform.sent {
			if s.chatID == "chat-fast" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond, "fast chat should complete while slow chat is still blocked")

	close(release)
}

func TestGateway_SubtaskAttribution(t *testing.T) {
	agent := newFakeAgent()
	agent.script = func(a *fakeAgent, sessionID, text string) {
		childID := "child-1"
		a.events <- agentrpc.Event{Type: protocol.EventTypeSessionCreated, SessionID: childID, ParentID: sessionID}

		childProps, _ := json.Marshal(map[string]interface{}{
			"partId": "cp1", "type": "tool-call", "toolName": "grep", "toolState": "running",
		})
		a.events <- agentrpc.Event{Type: protocol.EventTypePartUpdated, SessionID: childID, Properties: childProps}
		a.events <- agentrpc.Event{Type: protocol.EventTypeSessionIdle, SessionID: childID}

		a.emitTextThenIdle(sessionID, "parent done")
	}

	gw, sessionMgr := newTestGateway(t, agent)
	ch := newFakeCardChannel("feishu")
	gw.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop(context.Background())

	gw.msgBus.PublishInbound(bus.InboundMessage{
		Channel: "feishu", ChatID: "chat-1", Content: "do work",
		Metadata: map[string]string{"eventId": "evt-1"},
	})

	require.Eventually(t, func() bool {
		ch.platform.mu.Lock()
		defer ch.platform.mu.Unlock()
		return len(ch.platform.sent) > 0
	}, time.Second, 5*time.Millisecond)

	key := sessionstate.SessionKey{Channel: "feishu", Kind: sessionstate.KindChat, ChatID: "chat-1"}
	_, ok := sessionMgr.Get(key)
	require.True(t, ok)
	assert.True(t, sessionMgr.IsSubtask(key, "child-1"))
}

func TestGateway_QuestionThenAnswer(t *testing.T) {
	agent := newFakeAgent()
	agent.script = func(a *fakeAgent, sessionID, text string) {
		props, _ := json.Marshal(map[string]interface{}{
			"requestId": "req-1",
			"questions": []map[string]interface{}{
				{"id": "q1", "prompt": "favorite color?", "choices": []map[string]interface{}{
					{"value": "red", "label": "Red"},
				}},
			},
		})
		a.events <- agentrpc.Event{Type: protocol.EventTypeQuestionAsked, SessionID: sessionID, Properties: props}
	}

	gw, _ := newTestGateway(t, agent)
	ch := newFakeCardChannel("feishu")
	gw.RegisterChannel(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, gw.Start(ctx))
	defer gw.Stop(context.Background())

	gw.msgBus.PublishInbound(bus.InboundMessage{
		Channel: "feishu", ChatID: "chat-1", Content: "pick one",
		Metadata: map[string]string{"eventId": "evt-1"},
	})

	require.Eventually(t, func() bool {
		_, ok := gw.Questions().Pending(laneKey("feishu", "chat-1"))
		return ok
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, gw.SubmitQuestionText(ctx, "feishu", "chat-1", "red"))

	require.Eventually(t, func() bool {
		ch.platform.mu.Lock()
		defer ch.platform.mu.Unlock()
		for _, s := range ch.platform.updates {
			if len(s.card.Elements) > 0 && s.card.Elements[0].Content == "got it: red" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}
