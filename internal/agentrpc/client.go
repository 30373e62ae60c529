// Package agentrpc implements the gateway's client of the agent backend:
// a WebSocket connection carrying the teacher's own JSON-RPC frame
// protocol (pkg/protocol.RequestFrame/ResponseFrame/EventFrame), not a
// generic RPC framework. It satisfies sessionstate.AgentBackend and
// question.AgentClient so the Session Manager and Question Protocol never
// see a wire format directly.
package agentrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goclaw/pkg/protocol"
)

// ErrClosed is returned by calls made after the client has disconnected.
var ErrClosed = errors.New("agentrpc: client closed")

// Event is the gateway-normalized shape of an EventFrame (spec §3
// OrderedPart / §4.8 union of session/part identifiers).
type Event struct {
	Type       string
	SessionID  string
	ParentID   string
	Properties json.RawMessage
}

// Client is a single persistent connection to one agent backend
// instance. Safe for concurrent use.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *protocol.ResponseFrame
	nextID  uint64
	known   map[string]bool

	events chan Event
	done   chan struct{}
	once   sync.Once

	callTimeout time.Duration
}

// Dial connects to the agent backend's WebSocket endpoint and starts the
// background read loop. knownAgents seeds the set KnownAgent answers true
// for (spec §4.3: getOrCreateSession fails AgentNotFound otherwise).
func Dial(ctx context.Context, url string, knownAgents []string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("agentrpc: dial %s: %w", url, err)
	}

	known := make(map[string]bool, len(knownAgents))
	for _, a := range knownAgents {
		known[a] = true
	}

	c := &Client{
		conn:        conn,
		pending:     make(map[string]chan *protocol.ResponseFrame),
		known:       known,
		events:      make(chan Event, 256),
		done:        make(chan struct{}),
		callTimeout: 30 * time.Second,
	}
	go c.readLoop()
	return c, nil
}

// Events returns the channel of normalized backend events. Consumers
// (the Gateway) must keep up; the channel is buffered but not unbounded.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Close shuts down the connection and unblocks any in-flight calls.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.events)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			slog.Warn("agentrpc: read loop exiting", "err", err)
			c.failPending(err)
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil {
			continue
		}

		switch frameType {
		case protocol.FrameTypeResponse:
			var resp protocol.ResponseFrame
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			c.deliver(&resp)

		case protocol.FrameTypeEvent:
			var evt protocol.EventFrame
			if err := json.Unmarshal(raw, &evt); err != nil {
				continue
			}
			select {
			case c.events <- Event{Type: evt.Event, SessionID: evt.SessionID, ParentID: evt.ParentID, Properties: evt.Properties}:
			default:
				slog.Warn("agentrpc: event channel full, dropping event", "type", evt.Event)
			}
		}
	}
}

func (c *Client) deliver(resp *protocol.ResponseFrame) {
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.mu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		ch <- protocol.NewErrorResponse(id, protocol.ErrInternal, err.Error())
		delete(c.pending, id)
	}
}

// call sends a request and blocks until its response arrives, the
// context is canceled, or the connection closes.
func (c *Client) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := fmt.Sprintf("%d", atomic.AddUint64(&c.nextID, 1))
	req, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return err
	}

	ch := make(chan *protocol.ResponseFrame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	b, err := json.Marshal(req)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, b)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("agentrpc: write %s: %w", method, err)
	}

	select {
	case resp := <-ch:
		if !resp.OK {
			if resp.Error != nil {
				return fmt.Errorf("agentrpc: %s: %s: %s", method, resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("agentrpc: %s failed", method)
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// CreateSession implements sessionstate.AgentBackend.
func (c *Client) CreateSession(ctx context.Context, agentID, projectPath, model string) (string, error) {
	var result struct {
		SessionID string `json:"sessionId"`
	}
	err := c.call(ctx, protocol.MethodSessionCreate, map[string]string{
		"agentId":     agentID,
		"projectPath": projectPath,
		"model":       model,
	}, &result)
	return result.SessionID, err
}

// Abort implements sessionstate.AgentBackend.
func (c *Client) Abort(ctx context.Context, agentSessionID string) error {
	return c.call(ctx, protocol.MethodSessionAbort, map[string]string{"sessionId": agentSessionID}, nil)
}

// Summarize implements sessionstate.AgentBackend.
func (c *Client) Summarize(ctx context.Context, agentSessionID, model string) (int, int, error) {
	var result struct {
		BeforeTokens int `json:"beforeTokens"`
		AfterTokens  int `json:"afterTokens"`
	}
	err := c.call(ctx, protocol.MethodSessionSummarize, map[string]string{
		"sessionId": agentSessionID,
		"model":     model,
	}, &result)
	return result.BeforeTokens, result.AfterTokens, err
}

// KnownAgent implements sessionstate.AgentBackend.
func (c *Client) KnownAgent(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known[agentID]
}

// SendOptions carries the optional fields of a session.send call.
type SendOptions struct {
	Model string
}

// Send asks the agent to process a prompt on an existing session (spec
// §4.7 step g).
func (c *Client) Send(ctx context.Context, agentSessionID, text string, opts SendOptions) error {
	return c.call(ctx, protocol.MethodSessionSend, map[string]string{
		"sessionId": agentSessionID,
		"text":      text,
		"model":     opts.Model,
	}, nil)
}

// ExecCommand runs a one-off shell command attributed to a session,
// surfaced for slash-command style channel features.
func (c *Client) ExecCommand(ctx context.Context, agentSessionID, command string) (string, error) {
	var result struct {
		Output string `json:"output"`
	}
	err := c.call(ctx, protocol.MethodSessionExecCmd, map[string]string{
		"sessionId": agentSessionID,
		"command":   command,
	}, &result)
	return result.Output, err
}

// SessionDetail is the child-session summary fetched on session.idle
// (spec §4.8 step 3).
type SessionDetail struct {
	Title     string   `json:"title"`
	Files     []string `json:"files"`
	Additions int      `json:"additions"`
	Deletions int      `json:"deletions"`
}

// Detail implements the session.detail call the Sub-task Tracker needs
// once a child session goes idle.
func (c *Client) Detail(ctx context.Context, agentSessionID string) (SessionDetail, error) {
	var result SessionDetail
	err := c.call(ctx, protocol.MethodSessionDetail, map[string]string{"sessionId": agentSessionID}, &result)
	return result, err
}

// ReplyQuestion implements question.AgentClient.
func (c *Client) ReplyQuestion(ctx context.Context, requestID string, answers map[string][]string) error {
	return c.call(ctx, protocol.MethodQuestionReply, map[string]interface{}{
		"requestId": requestID,
		"answers":   answers,
	}, nil)
}

// RejectQuestion implements question.AgentClient.
func (c *Client) RejectQuestion(ctx context.Context, requestID string) error {
	return c.call(ctx, protocol.MethodQuestionReject, map[string]string{"requestId": requestID}, nil)
}
