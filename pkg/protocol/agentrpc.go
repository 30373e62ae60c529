package protocol

import "encoding/json"

// Agent backend RPC method name constants (§6 of the gateway spec).
// These extend the existing Method* constants with the agent-session
// surface the gateway drives: session create/send/abort/summarize/etc.
const (
	MethodSessionCreate    = "session.create"
	MethodSessionSend      = "session.send"
	MethodSessionAbort     = "session.abort"
	MethodSessionExecCmd   = "session.exec.command"
	MethodSessionExecShell = "session.exec.shell"
	MethodSessionSummarize = "session.summarize"
	MethodSessionDetail    = "session.detail"
	MethodSessionChildren  = "session.children"
	MethodModelsList       = "models.list"
	MethodQuestionReply    = "question.reply"
	MethodQuestionReject   = "question.reject"
	MethodEventsSubscribe  = "events.subscribe"
)

// Agent backend event type constants (§6). Delivered as a continuous
// stream of frames over the same connection used for MethodEventsSubscribe.
const (
	EventTypePartUpdated    = "message.part.updated"
	EventTypeSessionIdle    = "session.idle"
	EventTypeSessionCreated = "session.created"
	EventTypeSessionError   = "session.error"
	EventTypeMessageUpdated = "message.updated"
	EventTypeSessionUpdated = "session.updated"
	EventTypeQuestionAsked  = "question.asked"
	EventTypeQuestionReply  = "question.replied"
	EventTypeQuestionReject = "question.rejected"
)

// Error code constants for ResponseFrame.Error.Code, matching the
// teacher's gateway WS RPC error surface.
const (
	ErrInvalidRequest = "invalid_request"
	ErrNotFound       = "not_found"
	ErrInternal       = "internal"
	ErrAgentNotFound  = "agent_not_found"
	ErrRateLimited    = "rate_limited"
	ErrUnauthorized   = "unauthorized"
)

// Frame discriminates the three wire shapes multiplexed over one
// WebSocket connection; a reader must sniff this field before deciding
// which struct to unmarshal a raw message into.
const (
	FrameTypeRequest  = "request"
	FrameTypeResponse = "response"
	FrameTypeEvent    = "event"
)

// RequestFrame is one call on the WebSocket JSON-RPC connection to the
// agent backend (or, in the teacher's own use, from a gateway client).
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers a RequestFrame by ID.
type ResponseFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload is the structured error body of a failed ResponseFrame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// EventFrame is an unsolicited push from the agent backend: a part update,
// a session lifecycle transition, or a question prompt. SessionID carries
// whichever of info.sessionID / part.sessionID / info.id the backend used
// (see spec.md §9 Open Questions — the union is authoritative).
type EventFrame struct {
	Type       string          `json:"type"`
	Event      string          `json:"event"`
	SessionID  string          `json:"sessionId,omitempty"`
	ParentID   string          `json:"parentId,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}

// frameEnvelope is used only to sniff the Type discriminator before
// picking the concrete frame struct to unmarshal into.
type frameEnvelope struct {
	Type string `json:"type"`
}

// ParseFrameType sniffs a raw wire message's Type field without fully
// decoding it.
func ParseFrameType(raw []byte) (string, error) {
	var env frameEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// NewRequest builds a RequestFrame, marshaling params.
func NewRequest(id, method string, params interface{}) (*RequestFrame, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &RequestFrame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}, nil
}

// NewOKResponse builds a successful ResponseFrame.
func NewOKResponse(id string, result interface{}) *ResponseFrame {
	var raw json.RawMessage
	if result != nil {
		if b, err := json.Marshal(result); err == nil {
			raw = b
		}
	}
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Result: raw}
}

// NewErrorResponse builds a failed ResponseFrame.
func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: false, Error: &ErrorPayload{Code: code, Message: message}}
}
