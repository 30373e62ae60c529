package bus

import (
	"context"
	"sync"
)

const defaultBufferSize = 256

// MessageBus is the concrete channel-backed implementation of
// MessageRouter and EventPublisher: a pair of buffered queues connecting
// channel adapters to the Gateway's consumer loop, plus a broadcast
// registry for server-side events (agent activity, health, etc).
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMessageBus creates a bus with buffered inbound/outbound queues.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultBufferSize),
		outbound:    make(chan OutboundMessage, defaultBufferSize),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound hands msg to the Gateway's consumer loop. Never blocks:
// a momentarily full queue falls back to a blocking send in its own
// goroutine, mirroring the Lane Queue's own enqueue-never-blocks discipline.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	select {
	case b.inbound <- msg:
	default:
		go func() { b.inbound <- msg }()
	}
}

// ConsumeInbound blocks until a message is available or ctx is done.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound queues msg for delivery by whichever channel owns
// msg.Channel. Used by non-card flows (plain text replies, legacy
// channels); card-based responses go through the Streamer directly.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	select {
	case b.outbound <- msg:
	default:
		go func() { b.outbound <- msg }()
	}
}

// SubscribeOutbound blocks until an outbound message is available or ctx
// is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers handler under id to receive every Broadcast event.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes a handler previously registered with Subscribe.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast fans event out to every current subscriber synchronously;
// handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, handler := range b.subscribers {
		handler(event)
	}
}
