package routing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteFallsBackToDefault(t *testing.T) {
	r := NewRouter("opencode")
	decision := r.Route(Context{ChannelID: "feishu", ChatID: "c1"})
	assert.Equal(t, "opencode", decision.AgentID)
	assert.Equal(t, "default", decision.Binding.ID)
}

func TestRoutePriorityOrder(t *testing.T) {
	r := NewRouter("default-agent")
	require.NoError(t, r.SetBindings([]*Binding{
		{ID: "low", AgentID: "low-agent", Priority: 1, Enabled: true, Match: Match{ChannelID: []string{"feishu"}}},
		{ID: "high", AgentID: "high-agent", Priority: 10, Enabled: true, Match: Match{ChannelID: []string{"feishu"}}},
	}))

	decision := r.Route(Context{ChannelID: "feishu", ChatID: "c1"})
	assert.Equal(t, "high-agent", decision.AgentID)
}

func TestRouteTiesPreserveInsertionOrder(t *testing.T) {
	r := NewRouter("default-agent")
	require.NoError(t, r.SetBindings([]*Binding{
		{ID: "first", AgentID: "first-agent", Priority: 5, Enabled: true, Match: Match{ChannelID: []string{"feishu"}}},
		{ID: "second", AgentID: "second-agent", Priority: 5, Enabled: true, Match: Match{ChannelID: []string{"feishu"}}},
	}))

	decision := r.Route(Context{ChannelID: "feishu"})
	assert.Equal(t, "first-agent", decision.AgentID)
}

func TestChatTypeWildcard(t *testing.T) {
	r := NewRouter("default-agent")
	require.NoError(t, r.SetBindings([]*Binding{
		{ID: "b1", AgentID: "agent-1", Priority: 1, Enabled: true, Match: Match{ChatType: []string{"*"}, ChannelID: []string{"feishu"}}},
	}))

	decision := r.Route(Context{ChannelID: "feishu", ChatType: "group"})
	assert.Equal(t, "agent-1", decision.AgentID)
}

func TestMessagePatternMatch(t *testing.T) {
	r := NewRouter("default-agent")
	require.NoError(t, r.SetBindings([]*Binding{
		{ID: "b1", AgentID: "support-agent", Priority: 1, Enabled: true, Match: Match{MessagePattern: `^/support`}},
	}))

	hit := r.Route(Context{Message: "/support please help"})
	assert.Equal(t, "support-agent", hit.AgentID)

	miss := r.Route(Context{Message: "hello"})
	assert.Equal(t, "default-agent", miss.AgentID)
}

func TestDisabledBindingSkipped(t *testing.T) {
	r := NewRouter("default-agent")
	require.NoError(t, r.SetBindings([]*Binding{
		{ID: "b1", AgentID: "disabled-agent", Priority: 100, Enabled: false, Match: Match{ChannelID: []string{"feishu"}}},
	}))

	decision := r.Route(Context{ChannelID: "feishu"})
	assert.Equal(t, "default-agent", decision.AgentID)
}

func TestCustomPredicate(t *testing.T) {
	r := NewRouter("default-agent")
	require.NoError(t, r.SetBindings([]*Binding{
		{ID: "b1", AgentID: "custom-agent", Priority: 1, Enabled: true, Match: Match{
			Custom: func(ctx Context) bool { return ctx.UserID == "vip-user" },
		}},
	}))

	assert.Equal(t, "custom-agent", r.Route(Context{UserID: "vip-user"}).AgentID)
	assert.Equal(t, "default-agent", r.Route(Context{UserID: "regular-user"}).AgentID)
}
