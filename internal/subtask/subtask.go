// Package subtask implements the Sub-task Tracker (spec §4.8): attributes
// a child session's events back to the parent tool-call part that spawned
// it, instead of rendering the child as its own top-level response.
package subtask

import (
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/fold"
)

// delegateToolNames are the tool calls that spawn a child session (spec
// §4.8).
var delegateToolNames = []string{"delegate_task", "task"}

// streamingTextLimit truncates a child's live text for display inside the
// parent's subtask panel (spec §4.8: "truncated to 500 chars").
const streamingTextLimit = 500

// SessionDetail is the child session summary fetched once it goes idle
// (spec §4.8: "title + summary {files, additions, deletions}").
type SessionDetail struct {
	Title     string
	Files     []string
	Additions int
	Deletions int
}

// Tracker owns the childSessionId -> parentPartId attribution map for one
// parent session's Part Folder (spec §3 Ownership: "Child sessions are
// not owned: the Session Manager holds only the ... mapping").
type Tracker struct {
	folder *fold.Folder

	mu       sync.Mutex
	children map[string]string // childSessionID -> parent partID
	pending  map[string]bool   // partID -> background delegation awaiting first child event
}

// New creates a Tracker that attributes child events into folder.
func New(folder *fold.Folder) *Tracker {
	return &Tracker{
		folder:   folder,
		children: make(map[string]string),
		pending:  make(map[string]bool),
	}
}

// OnToolCallRunning reserves attribution for a newly-running delegate
// tool-call part (spec §4.8 step 1). runInBackground marks the
// partID as an as-yet-unattributed background delegation.
func (t *Tracker) OnToolCallRunning(partID, toolName string, runInBackground bool) {
	if !isDelegateTool(toolName) {
		return
	}
	if runInBackground {
		t.mu.Lock()
		t.pending[partID] = true
		t.mu.Unlock()
	}
}

// OnToolCallCompleted applies the "background delegation" edge case (spec
// §4.8): if the tool-call returns completed before any child session
// event has attributed to it, render it as pending (still running in the
// background) instead of completed.
func (t *Tracker) OnToolCallCompleted(partID string) {
	t.mu.Lock()
	stillPending := t.pending[partID]
	t.mu.Unlock()
	if stillPending {
		t.folder.SetToolState(partID, fold.ToolPending)
	}
}

// OnChildCreated records childSessionID as attributed to the nearest
// running delegate tool-call, or to a synthetic placeholder if none is
// running (spec §4.8 step 2, §4.4).
func (t *Tracker) OnChildCreated(childSessionID string) {
	partID, ok := t.folder.NearestRunningToolCall(delegateToolNames...)
	if !ok {
		partID = "subtask-" + childSessionID
		t.folder.EnsurePlaceholderToolCall(partID, "delegate_task")
	}

	t.mu.Lock()
	t.children[childSessionID] = partID
	delete(t.pending, partID)
	t.mu.Unlock()

	t.folder.MutateTool(partID, func(tc *fold.ToolCall) {
		if tc.Subtask == nil {
			tc.Subtask = &fold.SubtaskInfo{}
		}
	})
}

// IsChild reports whether sessionID is a tracked child of this parent.
func (t *Tracker) IsChild(sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.children[sessionID]
	return ok
}

// OnChildToolCompleted increments the parent subtask's toolCount (spec
// §4.8: "Each completed tool-call on the child increments toolCount").
func (t *Tracker) OnChildToolCompleted(childSessionID string) {
	t.mutateChild(childSessionID, func(s *fold.SubtaskInfo) { s.ToolCount++ })
}

// OnChildToolRunning sets the parent subtask's currentTool.
func (t *Tracker) OnChildToolRunning(childSessionID, toolName string) {
	t.mutateChild(childSessionID, func(s *fold.SubtaskInfo) { s.CurrentTool = toolName })
}

// OnChildText updates the parent subtask's live streamingText, truncated
// for display (spec §4.8).
func (t *Tracker) OnChildText(childSessionID, text string) {
	t.mutateChild(childSessionID, func(s *fold.SubtaskInfo) {
		s.StreamingText = truncateRunes(text, streamingTextLimit)
	})
}

// OnChildIdle writes the fetched session detail into the parent subtask's
// summary/conclusion and transitions the parent tool-call to completed
// (spec §4.8 step 3).
func (t *Tracker) OnChildIdle(childSessionID string, detail SessionDetail) {
	t.mutateChild(childSessionID, func(s *fold.SubtaskInfo) {
		s.Conclusion = detail.Title
		s.Summary = &fold.SubtaskSummary{
			Files:     detail.Files,
			Additions: detail.Additions,
			Deletions: detail.Deletions,
		}
	})

	t.mu.Lock()
	partID := t.children[childSessionID]
	t.mu.Unlock()
	if partID != "" {
		t.folder.SetToolState(partID, fold.ToolCompleted)
	}
}

func (t *Tracker) mutateChild(childSessionID string, fn func(*fold.SubtaskInfo)) {
	t.mu.Lock()
	partID, ok := t.children[childSessionID]
	t.mu.Unlock()
	if !ok {
		return
	}
	t.folder.MutateTool(partID, func(tc *fold.ToolCall) {
		if tc.Subtask == nil {
			tc.Subtask = &fold.SubtaskInfo{}
		}
		fn(tc.Subtask)
	})
}

func isDelegateTool(name string) bool {
	for _, n := range delegateToolNames {
		if n == name {
			return true
		}
	}
	return false
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
