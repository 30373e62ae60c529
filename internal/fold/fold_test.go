package fold

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFirstTextSkip(t *testing.T) {
	f := New(true)
	applied := f.Apply(PartUpdate{PartID: "p1", Type: PartText, Text: "echoed prompt"})
	assert.False(t, applied)
	assert.Empty(t, f.Parts())

	applied = f.Apply(PartUpdate{PartID: "p2", Type: PartText, Text: "real reply"})
	assert.True(t, applied)
	assert.Len(t, f.Parts(), 1)
}

func TestReplaceByIDKeepsLastState(t *testing.T) {
	// P4
	f := New(false)
	f.Apply(PartUpdate{PartID: "p1", Type: PartText, Text: "hello"})
	f.Apply(PartUpdate{PartID: "p1", Type: PartText, Text: "hello world"})
	f.Apply(PartUpdate{PartID: "p2", Type: PartToolCall, ToolName: "read_file", ToolState: ToolRunning})
	f.Apply(PartUpdate{PartID: "p2", Type: PartToolCall, ToolName: "read_file", ToolState: ToolCompleted, ToolOutput: "contents"})

	parts := f.Parts()
	assert.Len(t, parts, 2)
	assert.Equal(t, "hello world", parts[0].Text)
	assert.Equal(t, ToolCompleted, parts[1].Tool.State)
	assert.Equal(t, "contents", parts[1].Tool.Output)
}

func TestAppendOrderPreserved(t *testing.T) {
	f := New(false)
	f.Apply(PartUpdate{PartID: "a", Type: PartText, Text: "1"})
	f.Apply(PartUpdate{PartID: "b", Type: PartText, Text: "2"})
	f.Apply(PartUpdate{PartID: "a", Type: PartText, Text: "1-updated"})

	parts := f.Parts()
	assert.Len(t, parts, 2)
	assert.Equal(t, "a", parts[0].PartID)
	assert.Equal(t, "1-updated", parts[0].Text)
	assert.Equal(t, "b", parts[1].PartID)
}

func TestNearestRunningToolCall(t *testing.T) {
	f := New(false)
	f.Apply(PartUpdate{PartID: "t1", Type: PartToolCall, ToolName: "read_file", ToolState: ToolCompleted})
	f.Apply(PartUpdate{PartID: "t2", Type: PartToolCall, ToolName: "delegate_task", ToolState: ToolRunning})

	id, ok := f.NearestRunningToolCall("delegate_task", "task")
	assert.True(t, ok)
	assert.Equal(t, "t2", id)

	f.SetToolState("t2", ToolCompleted)
	_, ok = f.NearestRunningToolCall("delegate_task", "task")
	assert.False(t, ok)
}

func TestMutateToolDoesNotAppendNewPart(t *testing.T) {
	f := New(false)
	f.Apply(PartUpdate{PartID: "t1", Type: PartToolCall, ToolName: "delegate_task", ToolState: ToolRunning})

	ok := f.MutateTool("t1", func(tc *ToolCall) {
		tc.Subtask = &SubtaskInfo{ToolCount: 1}
	})
	assert.True(t, ok)
	assert.Len(t, f.Parts(), 1)
	p, _ := f.Get("t1")
	assert.Equal(t, 1, p.Tool.Subtask.ToolCount)
}

func TestEnsurePlaceholderToolCallIsIdempotent(t *testing.T) {
	f := New(false)
	f.EnsurePlaceholderToolCall("sub-1", "delegate_task")
	f.EnsurePlaceholderToolCall("sub-1", "delegate_task")
	assert.Len(t, f.Parts(), 1)
}
