package channels

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/marlabs/askbot/pkg/bus"
)

// Channel is a user-facing surface that feeds the bus and renders replies.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	IsRunning() bool
	IsAllowed(senderID string) bool
}

type BaseChannel struct {
	name      string
	config    interface{}
	bus       *bus.MessageBus
	running   atomic.Bool
	allowList []string
}

func NewBaseChannel(name string, config interface{}, msgBus *bus.MessageBus, allowList []string) *BaseChannel {
	return &BaseChannel{
		name:      name,
		config:    config,
		bus:       msgBus,
		allowList: allowList,
	}
}

func (c *BaseChannel) Name() string { return c.name }

func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

func (c *BaseChannel) setRunning(running bool) { c.running.Store(running) }

// IsAllowed accepts everyone when the allow list is empty. Sender IDs of the
// form "id|name" match on either the whole value or the id part.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	if len(c.allowList) == 0 {
		return true
	}
	id := senderID
	if idx := strings.Index(senderID, "|"); idx != -1 {
		id = senderID[:idx]
	}
	for _, allowed := range c.allowList {
		if senderID == allowed || id == allowed {
			return true
		}
	}
	return false
}

// HandleMessage publishes a user message on the bus. It returns false when
// the sender is not allowed or the bus is closed.
func (c *BaseChannel) HandleMessage(senderID, chatID, content string, metadata map[string]string) bool {
	if !c.IsAllowed(senderID) {
		return false
	}
	return c.bus.PublishInbound(bus.InboundMessage{
		Channel:  c.name,
		SenderID: senderID,
		ChatID:   chatID,
		Content:  content,
		Metadata: metadata,
	})
}
