// Package routing implements the Bindings Router (spec §4.2): priority-
// ordered predicate matching from an inbound message's context to an
// agent ID. Adapted from the teacher's config.AgentBinding, generalized
// from the teacher's single peer-match rule to the full match surface
// named by spec.md §3 (channelId, channelType, chatType, chatId, userId,
// messagePattern, custom).
package routing

import (
	"regexp"
	"sort"
	"sync"
)

// Context is the subset of an inbound message the router matches against.
type Context struct {
	ChannelID   string
	ChannelType string
	ChatType    string
	ChatID      string
	UserID      string
	Message     string
}

// CustomPredicate is an application-supplied match function (spec §4.2).
type CustomPredicate func(ctx Context) bool

// Match describes which fields a Binding constrains. A nil/empty field is
// a wildcard. ChatType == "*" is an explicit wildcard, equivalent to unset.
type Match struct {
	ChannelID     []string
	ChannelType   []string
	ChatType      []string
	ChatID        []string
	UserID        []string
	MessagePattern string
	Custom        CustomPredicate

	compiledPattern *regexp.Regexp
}

// Binding maps a match predicate to a target agent (spec §3).
type Binding struct {
	ID       string
	AgentID  string
	Priority int
	Enabled  bool
	Match    Match
}

// Decision is the result of routing one message (spec §4.2).
type Decision struct {
	Binding   *Binding
	AgentID   string
	MatchedBy []string
}

// Router holds a priority-sorted binding list plus the default agent.
type Router struct {
	mu          sync.RWMutex
	bindings    []*Binding
	defaultID   string
}

// NewRouter creates a Router with the given default agent ID used when no
// binding matches.
func NewRouter(defaultAgentID string) *Router {
	return &Router{defaultID: defaultAgentID}
}

// SetBindings replaces the binding list, compiling any messagePattern
// regexes up front and sorting by descending priority (ties preserve
// insertion order — a stable sort over the input order).
func (r *Router) SetBindings(bindings []*Binding) error {
	sorted := make([]*Binding, len(bindings))
	copy(sorted, bindings)

	for _, b := range sorted {
		if b.Match.MessagePattern != "" {
			re, err := regexp.Compile(b.Match.MessagePattern)
			if err != nil {
				return err
			}
			b.Match.compiledPattern = re
		}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	r.mu.Lock()
	r.bindings = sorted
	r.mu.Unlock()
	return nil
}

// SetDefaultAgent updates the fallback agent ID.
func (r *Router) SetDefaultAgent(agentID string) {
	r.mu.Lock()
	r.defaultID = agentID
	r.mu.Unlock()
}

// Route returns the first enabled binding matching ctx, highest priority
// first; falls back to a synthetic default binding when nothing matches
// (spec §4.2: route() always returns).
func (r *Router) Route(ctx Context) Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.bindings {
		if !b.Enabled {
			continue
		}
		if matched, by := matchAll(b.Match, ctx); matched {
			return Decision{Binding: b, AgentID: b.AgentID, MatchedBy: by}
		}
	}

	return Decision{Binding: defaultBinding(r.defaultID), AgentID: r.defaultID, MatchedBy: nil}
}

func defaultBinding(agentID string) *Binding {
	return &Binding{ID: "default", AgentID: agentID, Priority: -1, Enabled: true}
}

// matchAll applies AND across every present field of m; absent fields are
// wildcards. Returns the list of field names that contributed a match.
func matchAll(m Match, ctx Context) (bool, []string) {
	var matchedBy []string

	if ok, hit := matchStringList(m.ChannelID, ctx.ChannelID); !ok {
		return false, nil
	} else if hit {
		matchedBy = append(matchedBy, "channelId")
	}

	if ok, hit := matchChatType(m.ChannelType, ctx.ChannelType); !ok {
		return false, nil
	} else if hit {
		matchedBy = append(matchedBy, "channelType")
	}

	if ok, hit := matchChatType(m.ChatType, ctx.ChatType); !ok {
		return false, nil
	} else if hit {
		matchedBy = append(matchedBy, "chatType")
	}

	if ok, hit := matchStringList(m.ChatID, ctx.ChatID); !ok {
		return false, nil
	} else if hit {
		matchedBy = append(matchedBy, "chatId")
	}

	if ok, hit := matchStringList(m.UserID, ctx.UserID); !ok {
		return false, nil
	} else if hit {
		matchedBy = append(matchedBy, "userId")
	}

	if m.compiledPattern != nil {
		if !m.compiledPattern.MatchString(ctx.Message) {
			return false, nil
		}
		matchedBy = append(matchedBy, "messagePattern")
	}

	if m.Custom != nil {
		if !m.Custom(ctx) {
			return false, nil
		}
		matchedBy = append(matchedBy, "custom")
	}

	return true, matchedBy
}

// matchStringList reports whether field is absent (wildcard, ok=true,
// hit=false) or present and contains value (ok=true, hit=true) or present
// and does not contain value (ok=false).
func matchStringList(field []string, value string) (ok bool, hit bool) {
	if len(field) == 0 {
		return true, false
	}
	for _, f := range field {
		if f == value {
			return true, true
		}
	}
	return false, false
}

// matchChatType additionally treats the literal "*" as an explicit
// wildcard (spec §4.2: chatType="*" is explicit wildcard).
func matchChatType(field []string, value string) (ok bool, hit bool) {
	if len(field) == 0 {
		return true, false
	}
	for _, f := range field {
		if f == "*" {
			return true, false
		}
		if f == value {
			return true, true
		}
	}
	return false, false
}
