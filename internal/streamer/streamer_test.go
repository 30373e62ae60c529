package streamer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/goclaw/internal/cards"
	"github.com/nextlevelbuilder/goclaw/internal/fold"
)

type sentUpdate struct {
	messageID string
	card      cards.Card
}

type fakePlatform struct {
	mu            sync.Mutex
	nextID        int
	sent          []cards.Card
	updates       []sentUpdate
	deleted       []string
	rateLimitedNTimes map[string]int // messageID -> remaining rate-limited responses
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{rateLimitedNTimes: make(map[string]int)}
}

func (f *fakePlatform) SendCard(ctx context.Context, chatID string, card cards.Card) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	f.sent = append(f.sent, card)
	return id, nil
}

func (f *fakePlatform) UpdateCard(ctx context.Context, messageID string, card cards.Card) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.rateLimitedNTimes[messageID]; n > 0 {
		f.rateLimitedNTimes[messageID] = n - 1
		return true, nil
	}
	f.updates = append(f.updates, sentUpdate{messageID: messageID, card: card})
	return false, nil
}

func (f *fakePlatform) DeleteMessage(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

func fastOpts() Options {
	return Options{Title: "Reply", Throttle: minThrottle}
}

func TestStartSendsInitialCard(t *testing.T) {
	p := newFakePlatform()
	s := New(p, "chat-1", fastOpts())
	require.NoError(t, s.Start(context.Background()))
	assert.Len(t, p.sent, 1)
	assert.Equal(t, cards.TemplateProcessing, p.sent[0].Header.Template)
}

func TestSetPartsDebouncesIntoOneRender(t *testing.T) {
	p := newFakePlatform()
	s := New(p, "chat-1", fastOpts())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	parts := []fold.OrderedPart{{PartID: "p1", Type: fold.PartText, Text: "hi"}}
	for i := 0; i < 5; i++ {
		s.SetParts(ctx, parts)
	}
	time.Sleep(1 * time.Second)

	p.mu.Lock()
	updates := len(p.updates)
	p.mu.Unlock()
	assert.Equal(t, 1, updates, "bursts within the throttle window should coalesce into one update")
}

func TestCompleteFlushesFinalState(t *testing.T) {
	p := newFakePlatform()
	s := New(p, "chat-1", fastOpts())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	s.SetParts(ctx, []fold.OrderedPart{{PartID: "p1", Type: fold.PartText, Text: "hi"}})
	s.Complete(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.updates)
	last := p.updates[len(p.updates)-1]
	assert.Equal(t, cards.TemplateSuccess, last.card.Header.Template)
}

func TestSendErrorThemesFinalCard(t *testing.T) {
	p := newFakePlatform()
	s := New(p, "chat-1", fastOpts())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	s.SendError(ctx, "backend exploded")

	p.mu.Lock()
	defer p.mu.Unlock()
	require.NotEmpty(t, p.updates)
	last := p.updates[len(p.updates)-1]
	assert.Equal(t, cards.TemplateError, last.card.Header.Template)
}

func TestOverflowCreatesContinuationCard(t *testing.T) {
	p := newFakePlatform()
	opts := fastOpts()
	opts.ByteBudget = 512
	s := New(p, "chat-1", opts)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	var parts []fold.OrderedPart
	for i := 0; i < 20; i++ {
		// Alternate part types: consecutive same-type parts fuse into one block.
		typ := fold.PartText
		if i%2 == 1 {
			typ = fold.PartReasoning
		}
		parts = append(parts, fold.OrderedPart{
			PartID: fmt.Sprintf("p%d", i),
			Type:   typ,
			Text:   strings.Repeat("x", 100),
		})
	}
	s.SetParts(ctx, parts)
	time.Sleep(1 * time.Second)

	assert.True(t, len(p.sent) >= 2, "overflow should create at least one continuation card")
	if len(p.sent) >= 2 {
		assert.Contains(t, p.sent[1].Header.Title, "续")
	}
}

func TestUpdateRetriesOnRateLimit(t *testing.T) {
	p := newFakePlatform()
	s := New(p, "chat-1", fastOpts())
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	id := s.MessageIDs()[0]
	p.rateLimitedNTimes[id] = 2 // rate-limited twice, succeeds on 3rd attempt

	s.updateWithRetry(ctx, id, cards.Card{Header: cards.Header{Title: "Reply"}})

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Len(t, p.updates, 1)
}

func TestCardListShrinksOnFollowupDeletesSurplus(t *testing.T) {
	p := newFakePlatform()
	opts := fastOpts()
	opts.ByteBudget = 300
	s := New(p, "chat-1", opts)
	ctx := context.Background()
	require.NoError(t, s.Start(ctx))

	var big []fold.OrderedPart
	for i := 0; i < 20; i++ {
		typ := fold.PartText
		if i%2 == 1 {
			typ = fold.PartReasoning
		}
		big = append(big, fold.OrderedPart{PartID: fmt.Sprintf("p%d", i), Type: typ, Text: strings.Repeat("y", 100)})
	}
	s.SetParts(ctx, big)
	time.Sleep(1 * time.Second)
	before := len(s.MessageIDs())
	require.True(t, before >= 2)

	s.SetParts(ctx, []fold.OrderedPart{{PartID: "p0", Type: fold.PartText, Text: "short"}})
	time.Sleep(1 * time.Second)

	assert.Len(t, s.MessageIDs(), 1)
	assert.NotEmpty(t, p.deleted)
}
