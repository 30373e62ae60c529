package sessionstate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// Status enumerates SessionState.status (spec §3).
type Status string

const (
	StatusActive     Status = "active"
	StatusIdle       Status = "idle"
	StatusProcessing Status = "processing"
	StatusError      Status = "error"
)

// ErrAgentNotFound is returned by getOrCreateSession when the configured
// agentId is unknown to the backend (spec §4.3).
var ErrAgentNotFound = errors.New("sessions: agent not found")

// AgentBackend is the subset of the agent backend's RPC surface the
// Session Manager drives directly (spec §6). The gateway wires a concrete
// implementation (internal/agentrpc) at bootstrap.
type AgentBackend interface {
	CreateSession(ctx context.Context, agentID, projectPath, model string) (agentSessionID string, err error)
	Abort(ctx context.Context, agentSessionID string) error
	Summarize(ctx context.Context, agentSessionID, model string) (beforeTokens, afterTokens int, err error)
	KnownAgent(agentID string) bool
}

// SessionState owns one conversation's backend addressing and metadata
// (spec §3). Mutated only through Manager methods.
type SessionState struct {
	Key            SessionKey
	AgentSessionID string
	AgentID        string
	Status         Status
	ProjectPath    string
	Model          string
	CreatedAt      time.Time
	LastActiveAt   time.Time
	MessageCount   int
	Metadata       map[string]string

	// NeedsNewCard is set by the Question Protocol (spec §4.6) so the next
	// part-update opens a fresh Streamer instead of appending to the old one.
	NeedsNewCard bool
}

// ProcessingTask tracks the single in-flight message per session key
// (spec §3).
type ProcessingTask struct {
	SessionKeyStr string
	MessageID     string
	StartTime     time.Time
	Cancel        context.CancelFunc
}

// EventRecord supports duplicate event suppression within a time window
// (spec §3).
type EventRecord struct {
	EventID   string
	Timestamp time.Time
}

// CompactResult is the outcome of Manager.Compact (spec §4.3).
type CompactResult struct {
	Success      bool
	BeforeTokens int
	AfterTokens  int
	Error        string
}

// Manager implements the Session Manager contract (spec §4.3). It
// exclusively owns sessions, tasks, subtasks, and the event dedup window;
// the Gateway forwards through its methods rather than touching the maps
// directly (spec §5).
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*SessionState
	tasks    map[string]*ProcessingTask
	subtasks map[string]map[string]struct{} // sessionKeyStr -> set of subtaskId
	events   *lru.Cache[string, EventRecord]

	backend      AgentBackend
	dedupeWindow time.Duration
	idleTimeout  time.Duration
	idleGrace    time.Duration

	// creating collapses concurrent GetOrCreateSession calls for the same
	// key into a single backend.CreateSession call.
	creating singleflight.Group

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Options configures a Manager.
type Options struct {
	DedupeWindow   time.Duration // default 5 min (spec §3)
	IdleTimeout    time.Duration // session idle threshold
	IdleGrace      time.Duration // grace period kept before eviction after going idle
	SweepPeriod    time.Duration // default 60s (spec §4.3)
	EventCacheSize int           // bounded LRU capacity for dedup window
}

func (o *Options) setDefaults() {
	if o.DedupeWindow <= 0 {
		o.DedupeWindow = 5 * time.Minute
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.IdleGrace <= 0 {
		o.IdleGrace = 24 * time.Hour
	}
	if o.SweepPeriod <= 0 {
		o.SweepPeriod = 60 * time.Second
	}
	if o.EventCacheSize <= 0 {
		o.EventCacheSize = 10000
	}
}

// NewManager constructs a Manager and starts its background sweeper.
func NewManager(backend AgentBackend, opts Options) *Manager {
	opts.setDefaults()
	cache, err := lru.New[string, EventRecord](opts.EventCacheSize)
	if err != nil {
		// Capacity is always >0 here; New only errors on size<=0.
		panic(fmt.Sprintf("sessions: bad event cache size: %v", err))
	}

	m := &Manager{
		sessions:     make(map[string]*SessionState),
		tasks:        make(map[string]*ProcessingTask),
		subtasks:     make(map[string]map[string]struct{}),
		events:       cache,
		backend:      backend,
		dedupeWindow: opts.DedupeWindow,
		idleTimeout:  opts.IdleTimeout,
		idleGrace:    opts.IdleGrace,
		stopSweep:    make(chan struct{}),
	}
	go m.sweepLoop(opts.SweepPeriod)
	return m
}

// Stop halts the background sweeper. Idempotent.
func (m *Manager) Stop() {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
}

func (m *Manager) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

// sweep evicts expired EventRecords, marks long-idle sessions idle, and
// removes sessions still idle once IdleGrace has also passed (spec §4.3
// Sweeper).
func (m *Manager) sweep() {
	now := time.Now()

	for _, key := range m.events.Keys() {
		rec, ok := m.events.Peek(key)
		if ok && now.Sub(rec.Timestamp) > m.dedupeWindow {
			m.events.Remove(key)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for keyStr, s := range m.sessions {
		if s.Status == StatusProcessing {
			continue
		}
		idleFor := now.Sub(s.LastActiveAt)
		if idleFor > m.idleTimeout+m.idleGrace {
			delete(m.sessions, keyStr)
			delete(m.subtasks, keyStr)
			continue
		}
		if idleFor > m.idleTimeout {
			s.Status = StatusIdle
		}
	}
}

// GetOrCreateSession returns the existing SessionState for key, refreshing
// LastActiveAt, or asks the backend to create one (spec §4.3).
func (m *Manager) GetOrCreateSession(ctx context.Context, key SessionKey, agentID, projectPath, model string) (*SessionState, error) {
	keyStr := key.String()

	m.mu.Lock()
	if s, ok := m.sessions[keyStr]; ok {
		s.LastActiveAt = time.Now()
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	if !m.backend.KnownAgent(agentID) {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	// Two callers racing to create the same key (e.g. two inbound messages
	// for a brand-new chat landing in the same lane-queue tick) collapse
	// into one backend.CreateSession call; the late caller gets the same
	// *SessionState back instead of a duplicate backend session.
	v, err, _ := m.creating.Do(keyStr, func() (interface{}, error) {
		m.mu.Lock()
		if s, ok := m.sessions[keyStr]; ok {
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		agentSessionID, err := m.backend.CreateSession(ctx, agentID, projectPath, model)
		if err != nil {
			return nil, fmt.Errorf("sessions: create backend session: %w", err)
		}

		now := time.Now()
		s := &SessionState{
			Key:            key,
			AgentSessionID: agentSessionID,
			AgentID:        agentID,
			Status:         StatusActive,
			ProjectPath:    projectPath,
			Model:          model,
			CreatedAt:      now,
			LastActiveAt:   now,
			Metadata:       make(map[string]string),
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if existing, ok := m.sessions[keyStr]; ok {
			existing.LastActiveAt = now
			return existing, nil
		}
		m.sessions[keyStr] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	s := v.(*SessionState)
	m.mu.Lock()
	s.LastActiveAt = time.Now()
	m.mu.Unlock()
	return s, nil
}

// Get returns the session for key, if any.
func (m *Manager) Get(key SessionKey) (*SessionState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	return s, ok
}

// UpdateSession applies mutate to the session under lock and refreshes
// LastActiveAt (spec §4.3).
func (m *Manager) UpdateSession(key SessionKey, mutate func(*SessionState)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[key.String()]
	if !ok {
		return fmt.Errorf("sessions: no session for key %s", key)
	}
	mutate(s)
	s.LastActiveAt = time.Now()
	return nil
}

// DeleteSession removes a session entirely.
func (m *Manager) DeleteSession(key SessionKey) {
	keyStr := key.String()
	m.mu.Lock()
	delete(m.sessions, keyStr)
	delete(m.tasks, keyStr)
	delete(m.subtasks, keyStr)
	m.mu.Unlock()
}

// SwitchModel updates local session state for the next call to the
// backend; this backend's RPC surface takes model as a per-call parameter
// rather than a session property, so there is no separate backend call
// (spec §4.3: rolled back only by leaving the session dirty, best-effort).
func (m *Manager) SwitchModel(ctx context.Context, key SessionKey, model string) error {
	m.mu.Lock()
	s, ok := m.sessions[key.String()]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessions: no session for key %s", key)
	}
	s.Model = model
	s.LastActiveAt = time.Now()
	return nil
}

// SwitchProject destroys and recreates the session preserving model
// (spec §4.3).
func (m *Manager) SwitchProject(ctx context.Context, key SessionKey, newPath string) (*SessionState, error) {
	m.mu.Lock()
	s, ok := m.sessions[key.String()]
	var model, agentID string
	if ok {
		model = s.Model
		agentID = s.AgentID
	}
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sessions: no session for key %s", key)
	}

	m.DeleteSession(key)
	return m.GetOrCreateSession(ctx, key, agentID, newPath, model)
}

// SwitchAgent creates a new backend session on newAgentID and replaces the
// session's addressing in place (spec §4.3).
func (m *Manager) SwitchAgent(ctx context.Context, key SessionKey, newAgentID string) error {
	m.mu.Lock()
	s, ok := m.sessions[key.String()]
	var projectPath, model string
	if ok {
		projectPath = s.ProjectPath
		model = s.Model
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("sessions: no session for key %s", key)
	}

	if !m.backend.KnownAgent(newAgentID) {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, newAgentID)
	}
	agentSessionID, err := m.backend.CreateSession(ctx, newAgentID, projectPath, model)
	if err != nil {
		return fmt.Errorf("sessions: create backend session: %w", err)
	}

	return m.UpdateSession(key, func(s *SessionState) {
		s.AgentSessionID = agentSessionID
		s.AgentID = newAgentID
	})
}

// Compact delegates to the backend's summarize operation (spec §4.3).
func (m *Manager) Compact(ctx context.Context, key SessionKey) CompactResult {
	m.mu.Lock()
	s, ok := m.sessions[key.String()]
	m.mu.Unlock()
	if !ok {
		return CompactResult{Success: false, Error: "no session"}
	}

	before, after, err := m.backend.Summarize(ctx, s.AgentSessionID, s.Model)
	if err != nil {
		return CompactResult{Success: false, Error: err.Error()}
	}
	return CompactResult{Success: true, BeforeTokens: before, AfterTokens: after}
}

// IsDuplicateEvent reports whether eventID was already marked processed
// within the dedupe window (spec §4.3, P3).
func (m *Manager) IsDuplicateEvent(eventID string) bool {
	rec, ok := m.events.Get(eventID)
	if !ok {
		return false
	}
	return time.Since(rec.Timestamp) <= m.dedupeWindow
}

// MarkEventProcessed records eventID as seen. Within the dedupe window,
// the first mark wins — a later mark for the same id is a no-op so that
// IsDuplicateEvent keeps returning true from the first timestamp.
func (m *Manager) MarkEventProcessed(eventID string) {
	if _, ok := m.events.Get(eventID); ok {
		return
	}
	m.events.Add(eventID, EventRecord{EventID: eventID, Timestamp: time.Now()})
}

// StartTask registers the single in-flight task for key and returns its
// context and cancel function (spec §4.3). At most one ProcessingTask
// exists per session key; a second StartTask replaces the first — the
// caller is expected to have aborted the previous one already.
func (m *Manager) StartTask(ctx context.Context, key SessionKey, messageID string) (context.Context, context.CancelFunc) {
	taskCtx, cancel := context.WithCancel(ctx)
	keyStr := key.String()

	m.mu.Lock()
	m.tasks[keyStr] = &ProcessingTask{
		SessionKeyStr: keyStr,
		MessageID:     messageID,
		StartTime:     time.Now(),
		Cancel:        cancel,
	}
	if s, ok := m.sessions[keyStr]; ok {
		s.Status = StatusProcessing
	}
	m.mu.Unlock()

	return taskCtx, cancel
}

// CompleteTask cancels and clears the task and increments the session's
// message count (spec §4.3).
func (m *Manager) CompleteTask(key SessionKey) {
	keyStr := key.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[keyStr]; ok {
		task.Cancel()
	}
	delete(m.tasks, keyStr)
	if s, ok := m.sessions[keyStr]; ok {
		s.MessageCount++
		s.Status = StatusActive
	}
}

// AbortTask invokes the task's cancel function and clears it (spec §4.3,
// §5 Cancellation).
func (m *Manager) AbortTask(ctx context.Context, key SessionKey) bool {
	keyStr := key.String()
	m.mu.Lock()
	task, ok := m.tasks[keyStr]
	if ok {
		delete(m.tasks, keyStr)
	}
	s, hasSession := m.sessions[keyStr]
	m.mu.Unlock()

	if !ok {
		return false
	}
	task.Cancel()
	if hasSession {
		_ = m.backend.Abort(ctx, s.AgentSessionID)
	}
	return true
}

// HasActiveTask reports whether key currently has a ProcessingTask.
func (m *Manager) HasActiveTask(key SessionKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[key.String()]
	return ok
}

// AddSubtask records childSessionID → parent key attribution (spec §4.8).
func (m *Manager) AddSubtask(parentKey SessionKey, subtaskID string) {
	keyStr := parentKey.String()
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subtasks[keyStr]
	if !ok {
		set = make(map[string]struct{})
		m.subtasks[keyStr] = set
	}
	set[subtaskID] = struct{}{}
}

// IsSubtask reports whether subtaskID is a known child of parentKey.
func (m *Manager) IsSubtask(parentKey SessionKey, subtaskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.subtasks[parentKey.String()]
	if !ok {
		return false
	}
	_, found := set[subtaskID]
	return found
}
