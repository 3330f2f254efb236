// Package relay forwards chat messages from the bus to the hosted bot and
// publishes the bot's replies back, keeping one Direct Line conversation per
// chat.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/marlabs/askbot/pkg/bus"
	"github.com/marlabs/askbot/pkg/directline"
	"github.com/marlabs/askbot/pkg/logger"
	"github.com/marlabs/askbot/pkg/metrics"
)

type Options struct {
	// UserName is the display name posted with user activities. Stream
	// activities from anyone else are treated as bot replies.
	UserName string
	// SessionIdle closes conversations unused for this long. Zero disables it.
	SessionIdle time.Duration
}

type Relay struct {
	bus    *bus.MessageBus
	client *directline.Client
	tokens directline.TokenSource
	opts   Options

	mu       sync.Mutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type session struct {
	key     string
	channel string
	chatID  string
	userID  string

	mu     sync.Mutex // serializes connect and post for one chat
	conv   *directline.Conversation
	cancel context.CancelFunc

	lastUsed time.Time // guarded by Relay.mu
}

func New(msgBus *bus.MessageBus, client *directline.Client, tokens directline.TokenSource, opts Options) *Relay {
	if opts.UserName == "" {
		opts.UserName = "User"
	}
	return &Relay{
		bus:      msgBus,
		client:   client,
		tokens:   tokens,
		opts:     opts,
		sessions: make(map[string]*session),
	}
}

// Run consumes inbound messages until ctx is done or the bus is closed, then
// closes every open conversation.
func (r *Relay) Run(ctx context.Context) error {
	logger.InfoCF("relay", "Relay started", map[string]interface{}{
		"token_source": r.tokens.Name(),
		"user_name":    r.opts.UserName,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if r.opts.SessionIdle > 0 {
		r.wg.Add(1)
		go r.reapLoop(ctx)
	}

	for {
		msg, ok := r.bus.ConsumeInbound(ctx)
		if !ok {
			break
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handle(ctx, msg)
		}()
	}

	cancel()
	r.closeAll()
	r.wg.Wait()
	logger.InfoCF("relay", "Relay stopped", nil)
	return nil
}

// Sessions returns the number of open conversations.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Relay) acquire(msg bus.InboundMessage) *session {
	key := msg.Channel + ":" + msg.ChatID
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		s = &session{
			key:     key,
			channel: msg.Channel,
			chatID:  msg.ChatID,
			userID:  "user-" + uuid.NewString(),
		}
		r.sessions[key] = s
		metrics.ActiveSessions.Inc()
	}
	s.lastUsed = time.Now()
	return s
}

func (r *Relay) handle(ctx context.Context, msg bus.InboundMessage) {
	s := r.acquire(msg)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conv == nil {
		if err := r.connect(ctx, s); err != nil {
			return
		}
	}

	id, err := s.conv.Post(ctx, directline.Activity{
		Type: "message",
		From: directline.ChannelAccount{ID: s.userID, Name: r.opts.UserName},
		Text: msg.Content,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		metrics.RelayErrors.WithLabelValues("send").Inc()
		r.fail(s, fmt.Errorf("error sending message: %w", err))
		return
	}

	metrics.MessagesRelayed.WithLabelValues("to_bot").Inc()
	logger.DebugCF("relay", "Message sent", map[string]interface{}{
		"chat_id":     s.chatID,
		"activity_id": id,
	})
}

// connect must be called with s.mu held.
func (r *Relay) connect(ctx context.Context, s *session) error {
	tok, err := r.tokens.Token(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.RelayErrors.WithLabelValues("token").Inc()
		r.fail(s, err)
		return err
	}

	conv, err := r.client.StartConversation(ctx, tok.Token)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		metrics.RelayErrors.WithLabelValues("connect").Inc()
		r.fail(s, err)
		return err
	}

	if conv.ExpiresIn == 0 {
		conv.ExpiresIn = time.Duration(tok.ExpiresIn) * time.Second
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := conv.OpenStream(streamCtx)
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return err
		}
		metrics.RelayErrors.WithLabelValues("connect").Inc()
		r.fail(s, err)
		return err
	}
	s.conv = conv
	s.cancel = cancel

	logger.InfoCF("relay", "Conversation started", map[string]interface{}{
		"chat_id":      s.chatID,
		"conversation": conv.ID,
	})

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		conv.KeepFresh(streamCtx, func(err error) {
			metrics.RelayErrors.WithLabelValues("refresh").Inc()
			logger.WarnCF("relay", "Token refresh failed", map[string]interface{}{
				"chat_id": s.chatID,
				"error":   err.Error(),
			})
		})
	}()
	go func() {
		defer r.wg.Done()
		err := stream.Read(streamCtx, func(a directline.Activity) {
			if !a.IsBotMessage(r.opts.UserName) || a.Text == "" {
				return
			}
			metrics.MessagesRelayed.WithLabelValues("from_bot").Inc()
			r.bus.PublishOutbound(bus.OutboundMessage{
				Channel: s.channel,
				ChatID:  s.chatID,
				From:    a.From.Name,
				Content: a.Text,
			})
		})
		if err != nil && streamCtx.Err() == nil {
			metrics.RelayErrors.WithLabelValues("stream").Inc()
			r.fail(s, fmt.Errorf("error receiving activity: %w", err))
		}
		cancel()
	}()
	return nil
}

// fail reports err to the chat and forgets the session so the next message
// starts a fresh conversation. The session's stream is closed first so no
// reply from the abandoned conversation reaches the chat.
func (r *Relay) fail(s *session, err error) {
	logger.ErrorCF("relay", "Upstream failure", map[string]interface{}{
		"chat_id": s.chatID,
		"error":   err.Error(),
	})
	if s.cancel != nil {
		s.cancel()
	}
	r.drop(s)
	r.bus.PublishOutbound(bus.OutboundMessage{
		Channel: s.channel,
		ChatID:  s.chatID,
		Error:   err.Error(),
	})
}

func (r *Relay) drop(s *session) {
	r.mu.Lock()
	if r.sessions[s.key] == s {
		delete(r.sessions, s.key)
		metrics.ActiveSessions.Dec()
	}
	r.mu.Unlock()
}

func (r *Relay) reapLoop(ctx context.Context) {
	defer r.wg.Done()

	interval := r.opts.SessionIdle / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap(time.Now().Add(-r.opts.SessionIdle))
		}
	}
}

func (r *Relay) reap(cutoff time.Time) {
	var idle []*session
	r.mu.Lock()
	for key, s := range r.sessions {
		if s.lastUsed.Before(cutoff) {
			idle = append(idle, s)
			delete(r.sessions, key)
			metrics.ActiveSessions.Dec()
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
		logger.InfoCF("relay", "Closed idle conversation", map[string]interface{}{"chat_id": s.chatID})
	}
}

func (r *Relay) closeAll() {
	r.reap(time.Now().Add(time.Hour))
}
