package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlabs/askbot/pkg/bus"
	"github.com/marlabs/askbot/pkg/config"
	"github.com/marlabs/askbot/pkg/conversation"
	"github.com/marlabs/askbot/pkg/logger"
)

func newTestWebChat(t *testing.T, mutate func(*config.Config)) (*WebChatChannel, *bus.MessageBus) {
	t.Helper()
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	mb := bus.NewMessageBus()
	t.Cleanup(mb.Close)
	c, err := NewWebChatChannel(cfg, mb)
	require.NoError(t, err)
	return c, mb
}

// answerWith plays the bot: every inbound message is answered through Send.
func answerWith(t *testing.T, c *WebChatChannel, mb *bus.MessageBus, reply func(bus.InboundMessage) bus.OutboundMessage) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			in, ok := mb.ConsumeInbound(ctx)
			if !ok {
				return
			}
			out := reply(in)
			out.Channel = in.Channel
			out.ChatID = in.ChatID
			c.Send(ctx, out)
		}
	}()
}

func postSend(h http.Handler, chatID, message string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(chatRequest{ChatID: chatID, Message: message})
	req := httptest.NewRequest(http.MethodPost, "/chat/send", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func poll(t *testing.T, h http.Handler, chatID string) conversation.State {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/poll?chat_id="+chatID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var s conversation.State
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &s))
	return s
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body["error"]
}

func TestWebChatSendFormatsReply(t *testing.T) {
	c, mb := newTestWebChat(t, nil)
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{
			From:    "askbot",
			Content: "See **docs** [1].\n\n[1]: https://example.com/docs \"Docs\"",
		}
	})
	h := c.Handler()

	rec := postSend(h, "chat-1", "where are the docs?")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat-1", resp.ChatID)
	assert.Equal(t, "askbot", resp.From)
	assert.Contains(t, resp.Message, "<strong>docs</strong>")
	assert.Contains(t, resp.Message, "<a href='https://example.com/docs' target='_blank' class='reference-link'>[1]</a>")
	assert.NotContains(t, resp.Message, "[1]: https://")
	require.Len(t, resp.Sources, 1)
	assert.Equal(t, "Docs", resp.Sources[0].Label)

	s := poll(t, h, "chat-1")
	require.Len(t, s.Messages, 2)
	assert.Equal(t, conversation.RoleUser, s.Messages[0].Role)
	assert.Equal(t, "User", s.Messages[0].From)
	assert.Equal(t, conversation.RoleBot, s.Messages[1].Role)
	assert.False(t, s.Loading)
	assert.Empty(t, s.Err)
}

func TestWebChatSendWithoutSources(t *testing.T) {
	c, mb := newTestWebChat(t, nil)
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{From: "askbot", Content: "plain"}
	})

	rec := postSend(c.Handler(), "c", "hi")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sources":[]`)
}

func TestWebChatUpstreamErrorCollapsesChat(t *testing.T) {
	c, mb := newTestWebChat(t, nil)
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{Error: "failed to fetch token: 500 Internal Server Error"}
	})
	h := c.Handler()

	rec := postSend(h, "c", "hi")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "failed to fetch token: 500 Internal Server Error", errorOf(t, rec))

	s := poll(t, h, "c")
	assert.Equal(t, "failed to fetch token: 500 Internal Server Error", s.Err)
	assert.False(t, s.Loading)

	rec = postSend(h, "c", "again")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "failed to fetch token: 500 Internal Server Error", errorOf(t, rec))
}

func TestWebChatRejectsWhilePending(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	h := c.Handler()

	first := make(chan *httptest.ResponseRecorder, 1)
	go func() { first <- postSend(h, "c", "one") }()

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		ch, ok := c.chats["c"]
		return ok && ch.state.Loading
	}, 5*time.Second, 10*time.Millisecond)

	rec := postSend(h, "c", "two")
	assert.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, c.Send(context.Background(), bus.OutboundMessage{Channel: "webchat", ChatID: "c", Content: "done"}))
	select {
	case rec := <-first:
		assert.Equal(t, http.StatusOK, rec.Code)
	case <-time.After(5 * time.Second):
		t.Fatal("pending send never completed")
	}
}

func TestWebChatTimeout(t *testing.T) {
	c, _ := newTestWebChat(t, func(cfg *config.Config) {
		cfg.Channels.WebChat.ReplyTimeoutSeconds = 1
	})
	h := c.Handler()

	rec := postSend(h, "c", "anyone?")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Equal(t, "timeout waiting for response", poll(t, h, "c").Err)
}

func TestWebChatEmptyMessage(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	rec := postSend(c.Handler(), "c", "   ")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebChatRateLimited(t *testing.T) {
	c, mb := newTestWebChat(t, func(cfg *config.Config) {
		cfg.Channels.WebChat.RatePerMinute = 1
	})
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{Content: in.Content}
	})
	h := c.Handler()

	assert.Equal(t, http.StatusOK, postSend(h, "c", "one").Code)
	assert.Equal(t, http.StatusTooManyRequests, postSend(h, "c", "two").Code)
}

func TestWebChatForbiddenSender(t *testing.T) {
	c, _ := newTestWebChat(t, func(cfg *config.Config) {
		cfg.Channels.WebChat.AllowFrom = []string{"10.0.0.1"}
	})
	rec := postSend(c.Handler(), "c", "hi")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWebChatReplyAfterFailureDropped(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	ctx := context.Background()

	require.NoError(t, c.Send(ctx, bus.OutboundMessage{ChatID: "c", Error: "boom"}))
	err := c.Send(ctx, bus.OutboundMessage{ChatID: "c", Content: "late"})
	assert.Error(t, err)
	assert.Empty(t, poll(t, c.Handler(), "c").Messages)

	err = c.Send(ctx, bus.OutboundMessage{ChatID: "c", Error: "second"})
	assert.Error(t, err)
	assert.Equal(t, "boom", poll(t, c.Handler(), "c").Err)
}

func TestWebChatPollUnknownChat(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/chat/poll?chat_id=nope", nil))
	assert.JSONEq(t, `{"messages":[],"loading":false}`, rec.Body.String())
}

func TestWebChatPage(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<title>askMarlabs</title>")
	assert.Contains(t, body, "Your guide to digital solutions")
	assert.Contains(t, body, `placeholder="Hi there! How can I assist you today?"`)
	assert.Contains(t, body, "Tell me more about cloud services.")
}

func TestWebChatHealthAndMetrics(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	h := c.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "askbot_active_sessions")
}

func TestWebChatLogin(t *testing.T) {
	c, mb := newTestWebChat(t, func(cfg *config.Config) {
		cfg.Channels.WebChat.Username = "admin"
		cfg.Channels.WebChat.Password = "s3cret"
	})
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{Content: "ok"}
	})
	h := c.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))

	assert.Equal(t, http.StatusUnauthorized, postSend(h, "c", "hi").Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"wrong"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(`{"username":"admin","password":"s3cret"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)

	req = httptest.NewRequest(http.MethodPost, "/chat/send", strings.NewReader(`{"chat_id":"c","message":"hi"}`))
	req.AddCookie(cookies[0])
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/logout", nil)
	req.AddCookie(cookies[0])
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.False(t, c.validSession(req))
}

func TestWebChatStartStop(t *testing.T) {
	c, _ := newTestWebChat(t, func(cfg *config.Config) {
		cfg.Channels.WebChat.Host = "127.0.0.1"
		cfg.Channels.WebChat.Port = 0
	})
	require.NoError(t, c.Start(context.Background()))
	assert.True(t, c.IsRunning())
	require.NoError(t, c.Stop(context.Background()))
	assert.False(t, c.IsRunning())
}

func TestWebChatFollowUpRepliesReachPoll(t *testing.T) {
	c, mb := newTestWebChat(t, nil)
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{From: "askbot", Content: "first"}
	})
	h := c.Handler()

	require.Equal(t, http.StatusOK, postSend(h, "c", "q").Code)
	require.NoError(t, c.Send(context.Background(), bus.OutboundMessage{Channel: "webchat", ChatID: "c", From: "askbot", Content: "### More\n- second"}))

	s := poll(t, h, "c")
	require.Len(t, s.Messages, 3)
	assert.Equal(t, "<ul>first</ul>", s.Messages[1].Text)
	assert.Equal(t, "<ul><h2>More</h2><li>second</li></ul>", s.Messages[2].Text)
}

func TestWebChatPageRendersFromPoll(t *testing.T) {
	c, _ := newTestWebChat(t, nil)
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	body := rec.Body.String()
	assert.Contains(t, body, "s.messages.slice(shown)")
	assert.Contains(t, body, "setInterval(sync,2000)")
}

func TestWebChatSweepForgetsIdleChats(t *testing.T) {
	c, mb := newTestWebChat(t, nil)
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{Content: "ok"}
	})
	h := c.Handler()
	require.Equal(t, http.StatusOK, postSend(h, "old", "hi").Code)

	c.mu.Lock()
	c.chats["waiting"] = &webChat{pending: make(chan sendResult, 1)}
	c.mu.Unlock()

	c.sweep(time.Now().Add(time.Minute))

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.NotContains(t, c.chats, "old")
	assert.Contains(t, c.chats, "waiting")
	assert.Empty(t, c.limiters)
}

func TestWebChatSweepKeepsActiveChats(t *testing.T) {
	c, mb := newTestWebChat(t, nil)
	answerWith(t, c, mb, func(in bus.InboundMessage) bus.OutboundMessage {
		return bus.OutboundMessage{Content: "ok"}
	})
	require.Equal(t, http.StatusOK, postSend(c.Handler(), "c", "hi").Code)

	c.sweep(time.Now().Add(-time.Minute))
	assert.Len(t, poll(t, c.Handler(), "c").Messages, 2)
}

func TestWebChatChannelErrorAfterFailureLogged(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf, true)
	t.Cleanup(func() { logger.SetOutput(os.Stderr, false) })

	c, _ := newTestWebChat(t, nil)
	ctx := context.Background()
	c.failChat(ctx, "c", "service unavailable")
	c.failChat(ctx, "c", "timeout waiting for response")

	assert.Equal(t, "service unavailable", poll(t, c.Handler(), "c").Err)
	assert.Contains(t, buf.String(), "Failed to record chat error")
	assert.Contains(t, buf.String(), "timeout waiting for response")
}
