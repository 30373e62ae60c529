package subtask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/fold"
)

func TestChildAttributesToRunningDelegateToolCall(t *testing.T) {
	f := fold.New(false)
	f.Apply(fold.PartUpdate{PartID: "t1", Type: fold.PartToolCall, ToolName: "delegate_task", ToolState: fold.ToolRunning})

	tr := New(f)
	tr.OnToolCallRunning("t1", "delegate_task", false)
	tr.OnChildCreated("child-1")

	assert.True(t, tr.IsChild("child-1"))

	p, ok := f.Get("t1")
	require.True(t, ok)
	require.NotNil(t, p.Tool.Subtask)
}

func TestChildEventsUpdateParentSubtaskNotNewParts(t *testing.T) {
	f := fold.New(false)
	f.Apply(fold.PartUpdate{PartID: "t1", Type: fold.PartToolCall, ToolName: "delegate_task", ToolState: fold.ToolRunning})

	tr := New(f)
	tr.OnChildCreated("child-1")

	tr.OnChildToolRunning("child-1", "read_file")
	tr.OnChildToolCompleted("child-1")
	tr.OnChildText("child-1", "working on it")

	assert.Len(t, f.Parts(), 1, "child events must not append new top-level parts")

	p, _ := f.Get("t1")
	assert.Equal(t, 1, p.Tool.Subtask.ToolCount)
	assert.Equal(t, "read_file", p.Tool.Subtask.CurrentTool)
	assert.Equal(t, "working on it", p.Tool.Subtask.StreamingText)
}

func TestChildIdleCompletesParentToolCall(t *testing.T) {
	f := fold.New(false)
	f.Apply(fold.PartUpdate{PartID: "t1", Type: fold.PartToolCall, ToolName: "delegate_task", ToolState: fold.ToolRunning})

	tr := New(f)
	tr.OnChildCreated("child-1")
	tr.OnChildIdle("child-1", SessionDetail{Title: "Refactored auth", Files: []string{"a.go", "b.go"}, Additions: 10, Deletions: 2})

	p, _ := f.Get("t1")
	assert.Equal(t, fold.ToolCompleted, p.Tool.State)
	assert.Equal(t, "Refactored auth", p.Tool.Subtask.Conclusion)
	assert.Equal(t, 10, p.Tool.Subtask.Summary.Additions)
}

func TestBackgroundDelegationStaysPendingUntilFirstChildEvent(t *testing.T) {
	f := fold.New(false)
	f.Apply(fold.PartUpdate{PartID: "t1", Type: fold.PartToolCall, ToolName: "delegate_task", ToolState: fold.ToolRunning})

	tr := New(f)
	tr.OnToolCallRunning("t1", "delegate_task", true)
	tr.OnToolCallCompleted("t1") // agent returned before any child event arrived

	p, _ := f.Get("t1")
	assert.Equal(t, fold.ToolPending, p.Tool.State, "background delegation completing early should show as pending")
}

func TestChildCreatedWithNoRunningToolUsesPlaceholder(t *testing.T) {
	f := fold.New(false)
	tr := New(f)
	tr.OnChildCreated("child-1")

	assert.True(t, tr.IsChild("child-1"))
	assert.Len(t, f.Parts(), 1)
}
