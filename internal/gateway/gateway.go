// Package gateway implements the Gateway (spec §4.7): wires a channel's
// inbound messages through the Bindings Router, the Lane Queue, the
// Session Manager, and a per-response Card Streamer, then drives the Part
// Folder and Sub-task Tracker from the agent backend's event stream.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/agentrpc"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
	"github.com/nextlevelbuilder/goclaw/internal/cards"
	"github.com/nextlevelbuilder/goclaw/internal/channels"
	"github.com/nextlevelbuilder/goclaw/internal/fold"
	"github.com/nextlevelbuilder/goclaw/internal/lanequeue"
	"github.com/nextlevelbuilder/goclaw/internal/question"
	"github.com/nextlevelbuilder/goclaw/internal/recall"
	"github.com/nextlevelbuilder/goclaw/internal/routing"
	"github.com/nextlevelbuilder/goclaw/internal/sessionstate"
	"github.com/nextlevelbuilder/goclaw/internal/streamer"
	"github.com/nextlevelbuilder/goclaw/internal/subtask"
	"github.com/nextlevelbuilder/goclaw/internal/telemetry"
	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// AgentClient is the subset of internal/agentrpc.Client the Gateway drives
// directly, beyond what sessionstate.AgentBackend and question.AgentClient
// already cover.
type AgentClient interface {
	sessionstate.AgentBackend
	question.AgentClient
	Events() <-chan agentrpc.Event
	Send(ctx context.Context, agentSessionID, text string, opts agentrpc.SendOptions) error
	Detail(ctx context.Context, agentSessionID string) (agentrpc.SessionDetail, error)
}

// Options configures a Gateway.
type Options struct {
	DefaultAgentID     string
	DefaultProjectPath string
	MaxConcurrency     int
}

// Gateway exclusively owns the channel and per-response state maps (spec
// §3 Ownership); it forwards through the Session Manager / Streamer /
// Sub-task Tracker's own methods rather than reaching into their state.
type Gateway struct {
	channels    map[string]channels.Channel
	channelOrder []string

	router     *routing.Router
	lanes      *lanequeue.Queue
	sessionMgr *sessionstate.Manager
	agent      AgentClient
	questions  *question.Tracker
	recall     *recall.Handler
	msgBus     *bus.MessageBus

	defaultAgentID     string
	defaultProjectPath string

	mu         sync.Mutex
	responses  map[string]*activeResponse // keyed by agent backend sessionID (parent)
	childOf    map[string]string          // child backend sessionID -> parent backend sessionID

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// activeResponse is the ephemeral per-in-flight-response state the
// Gateway drives while one prompt is being processed (spec §4.7 steps
// d-i). Torn down once the parent session goes idle/errors.
type activeResponse struct {
	key            sessionstate.SessionKey
	channel        string
	chatID         string
	agentSessionID string

	folder   *fold.Folder
	subtasks *subtask.Tracker
	streamer *streamer.Streamer
	platform streamer.PlatformClient

	idle     chan struct{}
	idleOnce sync.Once
	errMsg   string
}

func (r *activeResponse) signalIdle() {
	r.idleOnce.Do(func() { close(r.idle) })
}

// New creates a Gateway bound to recallStore for the Recall Handler (spec
// §4.9); the Gateway itself supplies the message-delete and task-abort
// capabilities that handler needs, since only the Gateway knows which
// channel owns a given chat. Channels are registered with RegisterChannel
// before Start.
func New(router *routing.Router, sessionMgr *sessionstate.Manager, agent AgentClient, questions *question.Tracker, recallStore recall.Store, msgBus *bus.MessageBus, opts Options) *Gateway {
	g := &Gateway{
		channels:           make(map[string]channels.Channel),
		router:             router,
		lanes:              lanequeue.New(opts.MaxConcurrency),
		sessionMgr:         sessionMgr,
		agent:              agent,
		questions:          questions,
		msgBus:             msgBus,
		defaultAgentID:     opts.DefaultAgentID,
		defaultProjectPath: opts.DefaultProjectPath,
		responses:          make(map[string]*activeResponse),
		childOf:            make(map[string]string),
	}
	g.recall = recall.New(recallStore, &recallDeleter{gw: g}, &recallAborter{gw: g})
	return g
}

// RegisterChannel adds a channel the Gateway will start/stop and route
// messages through. Insertion order is preserved for lifecycle ordering
// (spec §4.7).
func (g *Gateway) RegisterChannel(ch channels.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[ch.Name()] = ch
	g.channelOrder = append(g.channelOrder, ch.Name())
}

// Start initializes the consumer loops then connects each registered
// channel in insertion order (spec §4.7 Lifecycle). Idempotent.
func (g *Gateway) Start(ctx context.Context) error {
	var startErr error
	g.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		g.cancel = cancel

		go g.consumeEvents(runCtx)
		go g.consumeInbound(runCtx)

		for _, name := range g.channelOrder {
			if err := g.channels[name].Start(runCtx); err != nil {
				startErr = fmt.Errorf("gateway: start channel %s: %w", name, err)
				return
			}
		}
	})
	return startErr
}

// Stop disconnects each channel in reverse insertion order, then halts
// the consumer loops (spec §4.7 Lifecycle: "reverses: disconnect then
// shutdown"). Idempotent.
func (g *Gateway) Stop(ctx context.Context) error {
	var stopErr error
	g.stopOnce.Do(func() {
		for i := len(g.channelOrder) - 1; i >= 0; i-- {
			name := g.channelOrder[i]
			if err := g.channels[name].Stop(ctx); err != nil {
				slog.Warn("gateway: stop channel failed", "channel", name, "err", err)
				stopErr = err
			}
		}
		if g.cancel != nil {
			g.cancel()
		}
		g.sessionMgr.Stop()
	})
	return stopErr
}

// Recall exposes the Recall Handler's tear-down path for channel adapters
// that detect a message-recalled event (spec §4.9).
func (g *Gateway) Recall() *recall.Handler { return g.recall }

// Questions exposes the Question Protocol tracker for card-action
// handlers (form submit / text answer / reject).
func (g *Gateway) Questions() *question.Tracker { return g.questions }

func laneKey(channel, chatID string) string { return channel + ":" + chatID }

func splitLaneKey(s string) (channel, chatID string) {
	idx := strings.Index(s, ":")
	if idx < 0 {
		return s, ""
	}
	return s[:idx], s[idx+1:]
}

// consumeInbound drains the message bus and enqueues each message on its
// lane (spec §4.7 steps a-c).
func (g *Gateway) consumeInbound(ctx context.Context) {
	for {
		msg, ok := g.msgBus.ConsumeInbound(ctx)
		if !ok {
			return
		}
		g.dispatch(ctx, msg)
	}
}

func (g *Gateway) dispatch(ctx context.Context, msg bus.InboundMessage) {
	decision := g.router.Route(routing.Context{
		ChannelID:   msg.Channel,
		ChannelType: msg.Channel,
		ChatType:    msg.PeerKind,
		ChatID:      msg.ChatID,
		UserID:      msg.UserID,
		Message:     msg.Content,
	})
	agentID := decision.AgentID
	if msg.AgentID != "" {
		agentID = msg.AgentID
	}
	if agentID == "" {
		agentID = g.defaultAgentID
	}

	key := laneKey(msg.Channel, msg.ChatID)
	g.lanes.Enqueue(ctx, key, func(taskCtx context.Context) (interface{}, error) {
		return nil, g.processMessage(taskCtx, msg, agentID)
	})
}

// processMessage implements spec §4.7 steps d-i for one inbound message.
func (g *Gateway) processMessage(ctx context.Context, msg bus.InboundMessage, agentID string) error {
	ctx, endSpan := telemetry.StartSpan(ctx, "gateway.processMessage", msg.Channel, msg.ChatID)
	defer endSpan()

	key := sessionstate.SessionKey{Channel: msg.Channel, Kind: sessionstate.KindChat, ChatID: msg.ChatID}
	if err := key.Validate(); err != nil {
		return fmt.Errorf("gateway: invalid session key: %w", err)
	}

	if eventID := msg.Metadata["eventId"]; eventID != "" {
		if g.sessionMgr.IsDuplicateEvent(eventID) {
			return nil
		}
		g.sessionMgr.MarkEventProcessed(eventID)
	}

	sess, err := g.sessionMgr.GetOrCreateSession(ctx, key, agentID, g.defaultProjectPath, "")
	if err != nil {
		slog.Warn("gateway: session resolution failed", "channel", msg.Channel, "chat", msg.ChatID, "err", err)
		return err
	}

	resp := g.newActiveResponse(key, sess.AgentSessionID, true)
	defer g.releaseResponse(resp)

	taskCtx, _ := g.sessionMgr.StartTask(ctx, key, msg.Metadata["eventId"])
	defer g.sessionMgr.CompleteTask(key)

	if err := resp.streamer.Start(taskCtx); err != nil {
		return fmt.Errorf("gateway: start streamer: %w", err)
	}

	if err := g.agent.Send(taskCtx, sess.AgentSessionID, msg.Content, agentrpc.SendOptions{Model: sess.Model}); err != nil {
		resp.streamer.SendError(taskCtx, err.Error())
		g.recordBotMessages(taskCtx, msg, resp)
		_ = g.sessionMgr.UpdateSession(key, func(s *sessionstate.SessionState) { s.Status = sessionstate.StatusError })
		return err
	}

	g.finishResponse(taskCtx, key, resp)
	g.recordBotMessages(taskCtx, msg, resp)
	return nil
}

// newActiveResponse builds and registers the per-response state for one
// agent backend session, resolving its platform client fresh each time so
// every response (including one resumed after a question) renders into
// its own card/message rather than appending to a stale one (spec §4.6:
// "the next part.updated ... opens a fresh card").
func (g *Gateway) newActiveResponse(key sessionstate.SessionKey, agentSessionID string, skipFirstText bool) *activeResponse {
	platform := g.resolvePlatform(key.Channel, key.ChatID)
	folder := fold.New(skipFirstText)
	resp := &activeResponse{
		key:            key,
		channel:        key.Channel,
		chatID:         key.ChatID,
		agentSessionID: agentSessionID,
		folder:         folder,
		subtasks:       subtask.New(folder),
		platform:       platform,
		idle:           make(chan struct{}),
	}
	resp.streamer = streamer.New(platform, key.ChatID, streamer.Options{Title: "Response"})

	g.mu.Lock()
	g.responses[agentSessionID] = resp
	g.mu.Unlock()
	return resp
}

func (g *Gateway) releaseResponse(resp *activeResponse) {
	g.mu.Lock()
	delete(g.responses, resp.agentSessionID)
	g.mu.Unlock()
}

// finishResponse blocks until the response's session goes idle (or the
// task is cancelled), then finalizes the streamer.
func (g *Gateway) finishResponse(ctx context.Context, key sessionstate.SessionKey, resp *activeResponse) {
	select {
	case <-resp.idle:
	case <-ctx.Done():
	}

	if resp.errMsg != "" {
		resp.streamer.SendError(ctx, resp.errMsg)
		_ = g.sessionMgr.UpdateSession(key, func(s *sessionstate.SessionState) { s.Status = sessionstate.StatusError })
	} else {
		resp.streamer.Complete(ctx)
	}
}

func (g *Gateway) recordBotMessages(ctx context.Context, msg bus.InboundMessage, resp *activeResponse) {
	if g.recall == nil {
		return
	}
	userMessageID := msg.Metadata["messageId"]
	if userMessageID == "" {
		return
	}
	now := time.Now()
	for _, id := range resp.streamer.MessageIDs() {
		if err := g.recall.RecordBotMessage(ctx, userMessageID, laneKey(msg.Channel, msg.ChatID), id, now); err != nil {
			slog.Warn("gateway: record bot message failed", "err", err)
		}
	}
}

// resolvePlatform returns the streamer.PlatformClient for a channel: the
// channel's own CardKit-equivalent client if it implements CardChannel,
// or a text-only fallback otherwise.
func (g *Gateway) resolvePlatform(channelName, chatID string) streamer.PlatformClient {
	g.mu.Lock()
	ch := g.channels[channelName]
	g.mu.Unlock()
	if ch == nil {
		return &textPlatformClient{chatID: chatID}
	}
	if cc, ok := ch.(channels.CardChannel); ok {
		return cc.CardClient()
	}
	return &textPlatformClient{channel: ch, chatID: chatID}
}

// consumeEvents demultiplexes the agent backend's event stream into the
// owning activeResponse, handling subtask attribution (spec §4.8) before
// falling back to appending a top-level part (spec §4.4).
func (g *Gateway) consumeEvents(ctx context.Context) {
	for {
		select {
		case evt, ok := <-g.agent.Events():
			if !ok {
				return
			}
			g.handleEvent(ctx, evt)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handleEvent(ctx context.Context, evt agentrpc.Event) {
	switch evt.Type {
	case protocol.EventTypeSessionCreated:
		g.onSessionCreated(evt)
	case protocol.EventTypePartUpdated:
		g.onPartUpdated(ctx, evt)
	case protocol.EventTypeSessionIdle:
		g.onSessionIdle(ctx, evt)
	case protocol.EventTypeSessionError:
		g.onSessionError(evt)
	case protocol.EventTypeQuestionAsked:
		g.onQuestionAsked(ctx, evt)
	}
}

func (g *Gateway) lookupParent(agentSessionID string) (*activeResponse, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.responses[agentSessionID]; ok {
		return r, true
	}
	if parentID, ok := g.childOf[agentSessionID]; ok {
		r, ok := g.responses[parentID]
		return r, ok
	}
	return nil, false
}

func (g *Gateway) onSessionCreated(evt agentrpc.Event) {
	if evt.ParentID == "" {
		return
	}
	parent, ok := g.lookupParent(evt.ParentID)
	if !ok {
		return
	}
	parent.subtasks.OnChildCreated(evt.SessionID)
	g.sessionMgr.AddSubtask(parent.key, evt.SessionID)

	g.mu.Lock()
	g.childOf[evt.SessionID] = evt.ParentID
	g.mu.Unlock()
}

type partEventProps struct {
	PartID          string `json:"partId"`
	Type            string `json:"type"`
	Text            string `json:"text"`
	ToolName        string `json:"toolName"`
	ToolState       string `json:"toolState"`
	ToolInput       string `json:"toolInput"`
	ToolOutput      string `json:"toolOutput"`
	ToolError       string `json:"toolError"`
	ToolTimeMs      int64  `json:"toolTimeMs"`
	RunInBackground bool   `json:"runInBackground"`
}

func (g *Gateway) onPartUpdated(ctx context.Context, evt agentrpc.Event) {
	ctx, endSpan := telemetry.StartSpan(ctx, "gateway.streamerUpdate", "", evt.SessionID)
	defer endSpan()

	var props partEventProps
	if err := json.Unmarshal(evt.Properties, &props); err != nil {
		slog.Warn("gateway: malformed part.updated event", "err", err)
		return
	}

	g.mu.Lock()
	parentID, isChild := g.childOf[evt.SessionID]
	resp, isParent := g.responses[evt.SessionID]
	if isChild {
		resp, isParent = g.responses[parentID]
	}
	g.mu.Unlock()
	if !isParent {
		return
	}

	if isChild {
		g.applyChildPart(resp, evt.SessionID, props)
		resp.streamer.SetParts(ctx, resp.folder.Parts())
		return
	}

	resp.folder.Apply(fold.PartUpdate{
		PartID:     props.PartID,
		Type:       fold.PartType(props.Type),
		Text:       props.Text,
		ToolName:   props.ToolName,
		ToolState:  fold.ToolState(props.ToolState),
		ToolInput:  props.ToolInput,
		ToolOutput: props.ToolOutput,
		ToolError:  props.ToolError,
		ToolTimeMs: props.ToolTimeMs,
	})

	if fold.PartType(props.Type) == fold.PartToolCall {
		switch fold.ToolState(props.ToolState) {
		case fold.ToolRunning:
			resp.subtasks.OnToolCallRunning(props.PartID, props.ToolName, props.RunInBackground)
		case fold.ToolCompleted:
			resp.subtasks.OnToolCallCompleted(props.PartID)
		}
	}

	resp.streamer.SetParts(ctx, resp.folder.Parts())
}

func (g *Gateway) applyChildPart(resp *activeResponse, childSessionID string, props partEventProps) {
	switch fold.PartType(props.Type) {
	case fold.PartText, fold.PartReasoning:
		resp.subtasks.OnChildText(childSessionID, props.Text)
	case fold.PartToolCall:
		switch fold.ToolState(props.ToolState) {
		case fold.ToolRunning:
			resp.subtasks.OnChildToolRunning(childSessionID, props.ToolName)
		case fold.ToolCompleted:
			resp.subtasks.OnChildToolCompleted(childSessionID)
		}
	}
}

func (g *Gateway) onSessionIdle(ctx context.Context, evt agentrpc.Event) {
	g.mu.Lock()
	parentID, isChild := g.childOf[evt.SessionID]
	_, isParent := g.responses[evt.SessionID]
	g.mu.Unlock()

	if isParent {
		g.mu.Lock()
		resp := g.responses[evt.SessionID]
		g.mu.Unlock()
		if resp != nil {
			resp.signalIdle()
		}
		return
	}

	if !isChild {
		return
	}
	go g.finishChild(ctx, parentID, evt.SessionID)
}

func (g *Gateway) finishChild(ctx context.Context, parentID, childSessionID string) {
	g.mu.Lock()
	resp, ok := g.responses[parentID]
	g.mu.Unlock()
	if !ok {
		return
	}

	detail, err := g.agent.Detail(ctx, childSessionID)
	if err != nil {
		slog.Warn("gateway: fetch child session detail failed", "err", err)
		return
	}
	resp.subtasks.OnChildIdle(childSessionID, subtask.SessionDetail{
		Title:     detail.Title,
		Files:     detail.Files,
		Additions: detail.Additions,
		Deletions: detail.Deletions,
	})
	resp.streamer.SetParts(ctx, resp.folder.Parts())
}

type sessionErrorProps struct {
	Message string `json:"message"`
}

func (g *Gateway) onSessionError(evt agentrpc.Event) {
	resp, ok := g.lookupParent(evt.SessionID)
	if !ok {
		return
	}
	var props sessionErrorProps
	_ = json.Unmarshal(evt.Properties, &props)
	if props.Message == "" {
		props.Message = "agent session error"
	}
	resp.errMsg = props.Message
	resp.signalIdle()
}

type questionChoiceProps struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

type questionProps struct {
	ID       string                `json:"id"`
	Prompt   string                `json:"prompt"`
	Multiple bool                  `json:"multiple"`
	Choices  []questionChoiceProps `json:"choices"`
}

type questionAskedProps struct {
	RequestID string          `json:"requestId"`
	Questions []questionProps `json:"questions"`
}

func (g *Gateway) onQuestionAsked(ctx context.Context, evt agentrpc.Event) {
	resp, ok := g.lookupParent(evt.SessionID)
	if !ok {
		return
	}
	var props questionAskedProps
	if err := json.Unmarshal(evt.Properties, &props); err != nil {
		slog.Warn("gateway: malformed question.asked event", "err", err)
		return
	}

	resp.streamer.Complete(ctx)

	questions := make([]question.Question, 0, len(props.Questions))
	for _, q := range props.Questions {
		choices := make([]question.Choice, 0, len(q.Choices))
		for _, c := range q.Choices {
			choices = append(choices, question.Choice{Value: c.Value, Label: c.Label})
		}
		questions = append(questions, question.Question{ID: q.ID, Prompt: q.Prompt, Multiple: q.Multiple, Choices: choices})
	}

	pq := g.questions.Ask(laneKey(resp.channel, resp.chatID), props.RequestID, "", questions)
	if messageID, err := resp.platform.SendCard(ctx, resp.chatID, question.RenderCard(pq)); err != nil {
		slog.Warn("gateway: send question card failed", "err", err)
	} else {
		pq.MessageID = messageID
	}

	_ = g.sessionMgr.UpdateSession(resp.key, func(s *sessionstate.SessionState) { s.NeedsNewCard = true })
	resp.signalIdle()
}

// textPlatformClient is the streamer.PlatformClient fallback for channels
// with no rich card surface: it flattens a card to markdown-ish text and
// sends it as a plain message. Updates resend rather than edit in place,
// trading live-editing for broad compatibility (spec §6: sendText as the
// minimum outbound surface).
type textPlatformClient struct {
	channel channels.Channel
	chatID  string
}

func (t *textPlatformClient) SendCard(ctx context.Context, chatID string, card cards.Card) (string, error) {
	if t.channel == nil {
		return "", fmt.Errorf("gateway: no channel to send text fallback")
	}
	if err := t.channel.Send(ctx, bus.OutboundMessage{
		Channel: t.channel.Name(),
		ChatID:  chatID,
		Content: cardToText(card),
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("text-%d", time.Now().UnixNano()), nil
}

func (t *textPlatformClient) UpdateCard(ctx context.Context, messageID string, card cards.Card) (bool, error) {
	_, err := t.SendCard(ctx, t.chatID, card)
	return false, err
}

func (t *textPlatformClient) DeleteMessage(ctx context.Context, messageID string) error {
	return nil
}

func cardToText(card cards.Card) string {
	var b strings.Builder
	b.WriteString(card.Header.Title)
	b.WriteString("\n\n")
	writeElementsText(&b, card.Elements)
	return b.String()
}

func writeElementsText(b *strings.Builder, elements []cards.Element) {
	for _, el := range elements {
		switch el.Kind {
		case cards.ElementDivider:
			b.WriteString("---\n")
		case cards.ElementPanel:
			b.WriteString(el.Title)
			b.WriteString("\n")
			writeElementsText(b, el.Children)
		default:
			if el.Content != "" {
				b.WriteString(el.Content)
				b.WriteString("\n")
			}
		}
	}
}
