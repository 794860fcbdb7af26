package bus

import (
	"context"
	"sync"
)

// MessageBus is the in-process hub wiring channel adapters, the dispatch
// pipeline, and WebSocket clients together. It implements both
// MessageRouter (inbound/outbound message queues) and EventPublisher
// (broadcast fan-out to subscribers).
//
// Inbound/outbound queues are buffered channels rather than fan-out maps:
// exactly one consumer drains each (the gateway consumer loop for inbound,
// the channel manager's dispatcher for outbound), so a channel is simpler
// and avoids slow-subscriber backpressure on producers.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

const defaultQueueSize = 256

// New creates a MessageBus with default-sized inbound/outbound queues.
func New() *MessageBus {
	return NewWithQueueSize(defaultQueueSize)
}

// NewWithQueueSize creates a MessageBus with explicit queue capacity, mainly
// for tests that want to observe backpressure deterministically.
func NewWithQueueSize(size int) *MessageBus {
	if size <= 0 {
		size = defaultQueueSize
	}
	return &MessageBus{
		inbound:     make(chan InboundMessage, size),
		outbound:    make(chan OutboundMessage, size),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues a message from a channel adapter for processing.
// Blocks if the inbound queue is full, applying natural backpressure to
// slow channel adapters rather than dropping messages silently.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or ctx is done.
// The second return value is false when ctx was canceled first.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// PublishOutbound enqueues a reply for delivery back to its origin channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.outbound <- msg
}

// SubscribeOutbound blocks until an outbound message is available or ctx is done.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

// Subscribe registers a handler for broadcast events under id. A second
// Subscribe with the same id replaces the previous handler.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id, if any.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every current subscriber synchronously.
// Handlers must not block for long; slow WebSocket writers should buffer
// internally (see gateway.Client.SendEvent).
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// InboundDepth reports the number of inbound messages currently queued,
// for health/diagnostics reporting.
func (b *MessageBus) InboundDepth() int { return len(b.inbound) }

// OutboundDepth reports the number of outbound messages currently queued.
func (b *MessageBus) OutboundDepth() int { return len(b.outbound) }
