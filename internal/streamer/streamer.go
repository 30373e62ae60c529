// Package streamer implements the Card Streamer (spec §4.5): folds the
// Part Folder's ordered parts into platform cards, debounces updates, and
// keeps a growing response in sync across one or more cards as it
// overflows the per-card byte budget.
package streamer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/goclaw/internal/cards"
	"github.com/nextlevelbuilder/goclaw/internal/fold"
)

// PlatformClient is the channel-side capability a Streamer renders
// through. Implementations (Feishu CardKit, Discord embeds, Telegram
// messages) must not block the caller across retries; Streamer handles
// rate-limit backoff itself.
type PlatformClient interface {
	SendCard(ctx context.Context, chatID string, card cards.Card) (messageID string, err error)
	UpdateCard(ctx context.Context, messageID string, card cards.Card) (rateLimited bool, err error)
	DeleteMessage(ctx context.Context, messageID string) error
}

const (
	defaultThrottle   = 500 * time.Millisecond
	minThrottle       = 500 * time.Millisecond
	maxRetries        = 2
	retryBackoff      = 600 * time.Millisecond
)

// Options tunes the pacing and pagination knobs (spec §4.5). A Throttle
// below 500ms (including zero) is raised to 500ms; a ByteBudget <= 0 falls
// back to the default budget.
type Options struct {
	Title      string
	Throttle   time.Duration
	ByteBudget int
}

func (o *Options) setDefaults() {
	if o.Throttle < minThrottle {
		o.Throttle = defaultThrottle
	}
	if o.ByteBudget <= 0 {
		o.ByteBudget = defaultByteBudget
	}
}

// Streamer owns one response's rendering across a growing list of
// platform messages (spec §4.5).
type Streamer struct {
	platform PlatformClient
	chatID   string
	title    string
	budget   int

	limiter *rate.Limiter

	mu           sync.Mutex
	parts        []fold.OrderedPart
	messageIDs   []string
	lastUpdate   map[string]time.Time
	template     cards.HeaderTemplate
	timer        *time.Timer
	inFlight     bool
	pendingAfter bool
	done         bool
}

// New creates a Streamer bound to one chat. Call Start before SetParts.
func New(platform PlatformClient, chatID string, opts Options) *Streamer {
	opts.setDefaults()
	return &Streamer{
		platform:   platform,
		chatID:     chatID,
		title:      opts.Title,
		budget:     opts.ByteBudget,
		limiter:    rate.NewLimiter(rate.Every(opts.Throttle), 1),
		lastUpdate: make(map[string]time.Time),
		template:   cards.TemplateProcessing,
	}
}

// Start sends the initial processing card and records its message id.
func (s *Streamer) Start(ctx context.Context) error {
	card := cards.Card{Header: cards.Header{Title: s.title, Template: cards.TemplateProcessing}}
	id, err := s.platform.SendCard(ctx, s.chatID, card)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.messageIDs = []string{id}
	s.mu.Unlock()
	return nil
}

// SetParts replaces the current rendering source with a fresh snapshot
// from the Part Folder and schedules a (possibly debounced) render.
func (s *Streamer) SetParts(ctx context.Context, parts []fold.OrderedPart) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.parts = parts
	s.mu.Unlock()
	s.scheduleRender(ctx)
}

// scheduleRender coalesces bursts of SetParts calls into one render per
// throttle window (spec §4.5 debounce).
func (s *Streamer) scheduleRender(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done || s.timer != nil {
		return
	}
	interval := time.Duration(float64(time.Second) / float64(s.limiter.Limit()))
	s.timer = time.AfterFunc(interval, func() { s.fireRender(ctx) })
}

func (s *Streamer) fireRender(ctx context.Context) {
	s.mu.Lock()
	s.timer = nil
	if s.inFlight {
		s.pendingAfter = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	snapshot := make([]fold.OrderedPart, len(s.parts))
	copy(snapshot, s.parts)
	template := s.template
	s.mu.Unlock()

	s.render(ctx, snapshot, template)

	s.mu.Lock()
	s.inFlight = false
	again := s.pendingAfter
	s.pendingAfter = false
	s.mu.Unlock()

	if again {
		s.fireRender(ctx)
	}
}

// render does the actual fold->element->card pipeline and syncs the
// result to the platform. Never called while holding s.mu.
func (s *Streamer) render(ctx context.Context, parts []fold.OrderedPart, template cards.HeaderTemplate) {
	elements := renderElements(parts)
	newCards := packCards(elements, s.title, template, s.budget)
	s.syncCards(ctx, newCards)
}

// syncCards reconciles n freshly rendered cards against m existing
// messages: updates the shared prefix, sends new cards for growth,
// deletes surplus cards for shrinkage (spec §4.5 card list sync).
func (s *Streamer) syncCards(ctx context.Context, newCards []cards.Card) {
	s.mu.Lock()
	existing := make([]string, len(s.messageIDs))
	copy(existing, s.messageIDs)
	s.mu.Unlock()

	n, m := len(newCards), len(existing)

	shared := n
	if m < shared {
		shared = m
	}
	for i := 0; i < shared; i++ {
		s.updateWithRetry(ctx, existing[i], newCards[i])
	}

	var appended []string
	for i := m; i < n; i++ {
		id, err := s.platform.SendCard(ctx, s.chatID, newCards[i])
		if err != nil {
			slog.Warn("streamer: send continuation card failed", "chat", s.chatID, "err", err)
			continue
		}
		appended = append(appended, id)
	}

	for i := n; i < m; i++ {
		if err := s.platform.DeleteMessage(ctx, existing[i]); err != nil {
			slog.Warn("streamer: delete surplus card failed", "chat", s.chatID, "err", err)
		}
	}

	s.mu.Lock()
	kept := existing
	if n < m {
		kept = existing[:n]
	}
	s.messageIDs = append(append([]string{}, kept...), appended...)
	s.mu.Unlock()
}

// updateWithRetry retries a rate-limited update up to maxRetries times
// with a fixed backoff (spec §4.5 rate-limit retry).
func (s *Streamer) updateWithRetry(ctx context.Context, messageID string, card cards.Card) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	for attempt := 0; ; attempt++ {
		rateLimited, err := s.platform.UpdateCard(ctx, messageID, card)
		if err == nil && !rateLimited {
			s.mu.Lock()
			s.lastUpdate[messageID] = time.Now()
			s.mu.Unlock()
			return
		}
		if !rateLimited || attempt >= maxRetries {
			if err != nil {
				slog.Warn("streamer: update card failed", "messageId", messageID, "err", err)
			}
			return
		}
		select {
		case <-time.After(retryBackoff):
		case <-ctx.Done():
			return
		}
	}
}

// Complete flushes the final render synchronously and marks the
// streamer terminal. Safe to call even if a debounced render is pending.
func (s *Streamer) Complete(ctx context.Context) {
	s.finish(ctx, cards.TemplateSuccess)
}

// SendError replaces the rendering template with the error theme and
// flushes a final render; the response is still shown, just themed as
// failed (spec §4.5, §7).
func (s *Streamer) SendError(ctx context.Context, message string) {
	s.mu.Lock()
	s.parts = append(s.parts, fold.OrderedPart{
		PartID: "_error",
		Type:   fold.PartText,
		Text:   "⚠ " + message,
	})
	s.mu.Unlock()
	s.finish(ctx, cards.TemplateError)
}

func (s *Streamer) finish(ctx context.Context, template cards.HeaderTemplate) {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.template = template
	s.done = true
	snapshot := make([]fold.OrderedPart, len(s.parts))
	copy(snapshot, s.parts)
	s.mu.Unlock()

	s.render(ctx, snapshot, template)
}

// MessageIDs returns the current set of platform message ids backing
// this response, for recall tracking (spec §4.9).
func (s *Streamer) MessageIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.messageIDs))
	copy(out, s.messageIDs)
	return out
}
