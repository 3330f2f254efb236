package channels

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marlabs/askbot/pkg/bus"
	"github.com/marlabs/askbot/pkg/logger"
)

// Manager owns the enabled channels and routes outbound messages to them.
type Manager struct {
	bus      *bus.MessageBus
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{bus: msgBus, channels: make(map[string]Channel)}
}

func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	m.channels[ch.Name()] = ch
	m.mu.Unlock()
}

func (m *Manager) Get(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// StartAll starts every registered channel. A channel that fails to start is
// logged and skipped; an error is returned only when none started.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		return errors.New("no channels enabled")
	}
	started := 0
	for name, ch := range m.channels {
		if err := ch.Start(ctx); err != nil {
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
			continue
		}
		started++
	}
	if started == 0 {
		return errors.New("no channel could be started")
	}
	return nil
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for name, ch := range m.channels {
		if err := ch.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// DispatchOutbound delivers outbound messages until ctx is done or the bus
// is closed.
func (m *Manager) DispatchOutbound(ctx context.Context) {
	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		ch, ok := m.Get(msg.Channel)
		if !ok {
			logger.WarnCF("channels", "Outbound message for unknown channel", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
			})
			continue
		}
		if err := ch.Send(ctx, msg); err != nil {
			logger.ErrorCF("channels", "Failed to deliver message", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"error":   err.Error(),
			})
		}
	}
}
