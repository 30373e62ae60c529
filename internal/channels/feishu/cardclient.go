package feishu

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/cards"
)

// cardPlatformClient adapts LarkClient's CardKit calls to
// streamer.PlatformClient. One instance is shared across every Streamer
// the channel drives; it tracks per-card sequence numbers and the
// message-ID-to-card-ID mapping CardKit's update/delete calls need but
// streamer.PlatformClient's signature (keyed by message ID) does not
// expose directly.
type cardPlatformClient struct {
	client *LarkClient

	mu      sync.Mutex
	cardIDs map[string]string // messageID -> cardID
	seq     map[string]int    // cardID -> next sequence number
}

func newCardPlatformClient(client *LarkClient) *cardPlatformClient {
	return &cardPlatformClient{
		client:  client,
		cardIDs: make(map[string]string),
		seq:     make(map[string]int),
	}
}

// SendCard implements streamer.PlatformClient.
func (p *cardPlatformClient) SendCard(ctx context.Context, chatID string, card cards.Card) (string, error) {
	body, err := toLarkCardJSON(card)
	if err != nil {
		return "", err
	}
	cardID, err := p.client.CreateCard(ctx, "card_json", body)
	if err != nil {
		return "", fmt.Errorf("feishu: create card: %w", err)
	}

	content := fmt.Sprintf(`{"type":"card","data":{"card_id":%q}}`, cardID)
	resp, err := p.client.SendMessage(ctx, "chat_id", chatID, "interactive", content)
	if err != nil {
		return "", fmt.Errorf("feishu: send card message: %w", err)
	}

	p.mu.Lock()
	p.cardIDs[resp.MessageID] = cardID
	p.seq[cardID] = 1
	p.mu.Unlock()

	return resp.MessageID, nil
}

// UpdateCard implements streamer.PlatformClient.
func (p *cardPlatformClient) UpdateCard(ctx context.Context, messageID string, card cards.Card) (bool, error) {
	p.mu.Lock()
	cardID, ok := p.cardIDs[messageID]
	if ok {
		p.seq[cardID]++
	}
	seq := p.seq[cardID]
	p.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("feishu: no card tracked for message %s", messageID)
	}

	body, err := toLarkCardJSON(card)
	if err != nil {
		return false, err
	}

	err = p.client.UpdateCardContent(ctx, cardID, body, seq)
	if errors.Is(err, ErrRateLimited) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("feishu: update card: %w", err)
	}
	return false, nil
}

// DeleteMessage implements streamer.PlatformClient.
func (p *cardPlatformClient) DeleteMessage(ctx context.Context, messageID string) error {
	if err := p.client.DeleteMessage(ctx, messageID); err != nil {
		return fmt.Errorf("feishu: delete message: %w", err)
	}
	p.mu.Lock()
	if cardID, ok := p.cardIDs[messageID]; ok {
		delete(p.seq, cardID)
		delete(p.cardIDs, messageID)
	}
	p.mu.Unlock()
	return nil
}
