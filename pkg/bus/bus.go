package bus

import (
	"context"
	"sync"
)

// InboundMessage is a user message received by a channel.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	SenderID string            `json:"sender_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a bot reply (or an upstream failure when Error is set)
// addressed to one chat of one channel.
type OutboundMessage struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
	From    string `json:"from,omitempty"`
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	once     sync.Once
}

func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound:  make(chan InboundMessage, 100),
		outbound: make(chan OutboundMessage, 100),
		done:     make(chan struct{}),
	}
}

// PublishInbound blocks while the queue is full. It returns false once the
// bus is closed.
func (mb *MessageBus) PublishInbound(msg InboundMessage) bool {
	if mb.closed() {
		return false
	}
	select {
	case <-mb.done:
		return false
	case mb.inbound <- msg:
		return true
	}
}

func (mb *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-mb.inbound:
		return msg, true
	case <-mb.done:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (mb *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	if mb.closed() {
		return false
	}
	select {
	case <-mb.done:
		return false
	case mb.outbound <- msg:
		return true
	}
}

func (mb *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-mb.outbound:
		return msg, true
	case <-mb.done:
		return OutboundMessage{}, false
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (mb *MessageBus) closed() bool {
	select {
	case <-mb.done:
		return true
	default:
		return false
	}
}

func (mb *MessageBus) Close() {
	mb.once.Do(func() { close(mb.done) })
}
