package channels

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlabs/askbot/pkg/bus"
)

type recordingChannel struct {
	*BaseChannel
	startErr error

	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func newRecordingChannel(name string, mb *bus.MessageBus, startErr error) *recordingChannel {
	return &recordingChannel{BaseChannel: NewBaseChannel(name, nil, mb, nil), startErr: startErr}
}

func (c *recordingChannel) Start(context.Context) error {
	if c.startErr != nil {
		return c.startErr
	}
	c.setRunning(true)
	return nil
}

func (c *recordingChannel) Stop(context.Context) error {
	c.setRunning(false)
	return nil
}

func (c *recordingChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *recordingChannel) messages() []bus.OutboundMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bus.OutboundMessage(nil), c.sent...)
}

func TestIsAllowed(t *testing.T) {
	tests := []struct {
		name   string
		allow  []string
		sender string
		want   bool
	}{
		{"empty list allows all", nil, "anyone", true},
		{"exact match", []string{"10.0.0.1"}, "10.0.0.1", true},
		{"id part matches", []string{"42"}, "42|alice", true},
		{"whole value matches", []string{"42|alice"}, "42|alice", true},
		{"not listed", []string{"10.0.0.1"}, "10.0.0.2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewBaseChannel("test", nil, bus.NewMessageBus(), tt.allow)
			assert.Equal(t, tt.want, c.IsAllowed(tt.sender))
		})
	}
}

func TestHandleMessagePublishesInbound(t *testing.T) {
	mb := bus.NewMessageBus()
	c := NewBaseChannel("webchat", nil, mb, []string{"ok"})

	assert.False(t, c.HandleMessage("blocked", "chat", "hi", nil))
	require.True(t, c.HandleMessage("ok", "chat", "hi", map[string]string{"k": "v"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := mb.ConsumeInbound(ctx)
	require.True(t, ok)
	assert.Equal(t, bus.InboundMessage{
		Channel:  "webchat",
		SenderID: "ok",
		ChatID:   "chat",
		Content:  "hi",
		Metadata: map[string]string{"k": "v"},
	}, msg)

	mb.Close()
	assert.False(t, c.HandleMessage("ok", "chat", "hi", nil))
}

func TestManagerStartAll(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(mb)
	assert.Error(t, m.StartAll(context.Background()))

	good := newRecordingChannel("good", mb, nil)
	bad := newRecordingChannel("bad", mb, errors.New("port in use"))
	m.Register(good)
	m.Register(bad)

	require.NoError(t, m.StartAll(context.Background()))
	assert.True(t, good.IsRunning())
	assert.False(t, bad.IsRunning())

	require.NoError(t, m.StopAll(context.Background()))
	assert.False(t, good.IsRunning())
}

func TestManagerStartAllNoneStarted(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(mb)
	m.Register(newRecordingChannel("bad", mb, errors.New("nope")))
	assert.Error(t, m.StartAll(context.Background()))
}

func TestManagerDispatchOutbound(t *testing.T) {
	mb := bus.NewMessageBus()
	m := NewManager(mb)
	web := newRecordingChannel("webchat", mb, nil)
	m.Register(web)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.DispatchOutbound(ctx)
		close(done)
	}()

	mb.PublishOutbound(bus.OutboundMessage{Channel: "unknown", ChatID: "x", Content: "lost"})
	mb.PublishOutbound(bus.OutboundMessage{Channel: "webchat", ChatID: "c", Content: "hello"})

	assert.Eventually(t, func() bool { return len(web.messages()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "hello", web.messages()[0].Content)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
