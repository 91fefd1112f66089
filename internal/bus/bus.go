package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/elliotchance/pie/v2"
)

type OutboundHandler func(msg OutboundMessage)

type MessageBus struct {
	Inbound  chan InboundMessage
	Outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string][]OutboundHandler
}

func NewMessageBus(bufSize int) *MessageBus {
	return &MessageBus{
		Inbound:     make(chan InboundMessage, bufSize),
		Outbound:    make(chan OutboundMessage, bufSize),
		subscribers: make(map[string][]OutboundHandler),
	}
}

// SubscribeOutbound registers fn for messages addressed to channel and for
// broadcasts.
func (b *MessageBus) SubscribeOutbound(channel string, fn OutboundHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], fn)
}

// Subscribers lists channels with at least one handler, sorted.
func (b *MessageBus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return pie.Sort(pie.Keys(b.subscribers))
}

// PublishEvents queues one broadcast per event.
func (b *MessageBus) PublishEvents(ctx context.Context, events []MessageEvent) {
	for i := range events {
		ev := events[i]
		select {
		case b.Outbound <- OutboundMessage{Content: ev.Content, Event: &ev}:
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) DispatchOutbound(ctx context.Context) {
	for {
		select {
		case msg := <-b.Outbound:
			b.dispatch(msg)
		case <-ctx.Done():
			return
		}
	}
}

func (b *MessageBus) dispatch(msg OutboundMessage) {
	b.mu.RLock()
	var handlers []OutboundHandler
	if msg.Channel == "" {
		for _, name := range pie.Sort(pie.Keys(b.subscribers)) {
			handlers = append(handlers, b.subscribers[name]...)
		}
	} else {
		handlers = append(handlers, b.subscribers[msg.Channel]...)
	}
	b.mu.RUnlock()

	if len(handlers) == 0 {
		slog.Debug("no subscriber for outbound message", "component", "bus", "channel", msg.Channel)
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}
