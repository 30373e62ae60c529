// Package fold implements the Part Folder (spec §4.4): reduces an
// unordered, possibly duplicate backend event stream into an ordered
// rendering model via append-or-replace-by-id.
package fold

import "time"

// PartType tags the three kinds of OrderedPart (spec §3).
type PartType string

const (
	PartText      PartType = "text"
	PartReasoning PartType = "reasoning"
	PartToolCall  PartType = "tool-call"
)

// ToolState enumerates a tool-call part's lifecycle (spec §3).
type ToolState string

const (
	ToolPending   ToolState = "pending"
	ToolRunning   ToolState = "running"
	ToolCompleted ToolState = "completed"
	ToolError     ToolState = "error"
)

// SubtaskSummary is filled in when a child session goes idle (spec §4.8).
type SubtaskSummary struct {
	Files     []string
	Additions int
	Deletions int
}

// SubtaskInfo is the rendering metadata of a delegate_task/task tool call
// attributed to a child session (spec §3, §4.8).
type SubtaskInfo struct {
	AgentType     string
	Description   string
	ToolCount     int
	CurrentTool   string
	Summary       *SubtaskSummary
	Conclusion    string
	Prompt        string
	StreamingText string
}

// ToolCall carries the extra fields of a tool-call OrderedPart (spec §3).
type ToolCall struct {
	Name    string
	State   ToolState
	Input   string
	Output  string
	Error   string
	TimeMs  int64
	Subtask *SubtaskInfo
}

// OrderedPart is one unit of agent output (spec §3). Text/Reasoning carry
// Text; ToolCall carries Tool. Parts are identified by a stable PartID
// supplied by the backend.
type OrderedPart struct {
	PartID   string
	Type     PartType
	Text     string
	Tool     *ToolCall
	UpdatedAt time.Time
}

// PartUpdate is the normalized shape of a single backend part event,
// independent of the wire format the agent backend actually sends (see
// spec §9 Open Questions: different events carry the id/session id in
// different fields; callers normalize before calling Folder.Apply).
type PartUpdate struct {
	PartID string
	Type   PartType

	Text string // text / reasoning content

	ToolName   string
	ToolState  ToolState
	ToolInput  string
	ToolOutput string
	ToolError  string
	ToolTimeMs int64
}

// Folder owns one response's ordered part list (spec §4.4). Not safe for
// concurrent use without external synchronization — callers (the
// Streamer / Gateway) already serialize per-response access.
type Folder struct {
	order       []string // partId in arrival order
	index       map[string]int
	parts       []OrderedPart
	sawFirstText bool
	skipFirstText bool
	skippedTextID string // PartID dropped by first-text-skip; repeats of it are dropped too
}

// New creates a Folder. skipFirstText implements the "first-text-skip"
// policy (spec §4.4): on the parent session, the very first text part (the
// echoed user prompt) is dropped. Child-session folders pass false.
func New(skipFirstText bool) *Folder {
	return &Folder{
		index:         make(map[string]int),
		skipFirstText: skipFirstText,
	}
}

// Apply folds one update into the part list using append-or-replace-by-id
// (spec §4.4, P4). Returns false if the update was dropped by the
// first-text-skip policy.
func (f *Folder) Apply(u PartUpdate) bool {
	if f.skipFirstText && u.Type == PartText && !f.sawFirstText {
		f.sawFirstText = true
		f.skippedTextID = u.PartID
		return false
	}
	if f.skippedTextID != "" && u.PartID == f.skippedTextID {
		return false
	}
	if u.Type == PartText {
		f.sawFirstText = true
	}

	part := f.buildPart(u)

	if idx, ok := f.index[u.PartID]; ok {
		f.parts[idx] = part
		return true
	}

	f.index[u.PartID] = len(f.parts)
	f.order = append(f.order, u.PartID)
	f.parts = append(f.parts, part)
	return true
}

func (f *Folder) buildPart(u PartUpdate) OrderedPart {
	p := OrderedPart{PartID: u.PartID, Type: u.Type, UpdatedAt: time.Now()}
	switch u.Type {
	case PartText, PartReasoning:
		p.Text = u.Text
	case PartToolCall:
		p.Tool = &ToolCall{
			Name:   u.ToolName,
			State:  u.ToolState,
			Input:  u.ToolInput,
			Output: u.ToolOutput,
			Error:  u.ToolError,
			TimeMs: u.ToolTimeMs,
		}
	}
	return p
}

// Parts returns the current ordered part list (a defensive copy of the
// slice header; callers must not mutate element Tool pointers in place —
// use MutateTool).
func (f *Folder) Parts() []OrderedPart {
	out := make([]OrderedPart, len(f.parts))
	copy(out, f.parts)
	return out
}

// Get returns the part with the given id, if present.
func (f *Folder) Get(partID string) (OrderedPart, bool) {
	idx, ok := f.index[partID]
	if !ok {
		return OrderedPart{}, false
	}
	return f.parts[idx], true
}

// MutateTool applies fn to the tool-call part identified by partID, used
// by the Sub-task Tracker to update subtask metadata in place without
// appending a new top-level part (spec §4.8, P6).
func (f *Folder) MutateTool(partID string, fn func(*ToolCall)) bool {
	idx, ok := f.index[partID]
	if !ok || f.parts[idx].Tool == nil {
		return false
	}
	fn(f.parts[idx].Tool)
	f.parts[idx].UpdatedAt = time.Now()
	return true
}

// SetToolState is a convenience wrapper for the common case of flipping a
// tool-call part's state.
func (f *Folder) SetToolState(partID string, state ToolState) bool {
	return f.MutateTool(partID, func(tc *ToolCall) { tc.State = state })
}

// NearestRunningToolCall returns the partID of the most recently appended
// tool-call part that is still Running and whose Name is in names — the
// "nearest in-progress tool-call" the Sub-task Tracker attaches to (spec
// §4.4, §4.8).
func (f *Folder) NearestRunningToolCall(names ...string) (string, bool) {
	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}
	for i := len(f.parts) - 1; i >= 0; i-- {
		p := f.parts[i]
		if p.Type != PartToolCall || p.Tool == nil {
			continue
		}
		if _, ok := nameSet[p.Tool.Name]; !ok {
			continue
		}
		if p.Tool.State == ToolRunning {
			return p.PartID, true
		}
	}
	return "", false
}

// EnsurePlaceholderToolCall creates a synthetic tool-call part with the
// given id if one doesn't already exist, used when no running delegate
// tool-call can be found to attach a subtask to (spec §4.4: "...or create
// a synthetic placeholder with id = subtaskInfo.id").
func (f *Folder) EnsurePlaceholderToolCall(partID, name string) {
	if _, ok := f.index[partID]; ok {
		return
	}
	f.Apply(PartUpdate{
		PartID:    partID,
		Type:      PartToolCall,
		ToolName:  name,
		ToolState: ToolRunning,
	})
}
