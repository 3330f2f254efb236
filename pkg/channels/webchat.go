package channels

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/marlabs/askbot/pkg/bus"
	"github.com/marlabs/askbot/pkg/config"
	"github.com/marlabs/askbot/pkg/conversation"
	"github.com/marlabs/askbot/pkg/formatter"
	"github.com/marlabs/askbot/pkg/logger"
	"github.com/marlabs/askbot/pkg/metrics"
)

const (
	sessionCookie = "askbot_session"
	sessionTTL    = 24 * time.Hour
	defaultChatID = "default"

	defaultChatIdle = 30 * time.Minute
)

// WebChatChannel serves the chat widget and renders bot replies into it.
type WebChatChannel struct {
	*BaseChannel
	config   config.WebChatConfig
	widget   config.WidgetConfig
	userName string
	idle     time.Duration
	server   *http.Server
	stop     context.CancelFunc
	chats    map[string]*webChat    // chatID -> conversation
	limiters map[string]*sendBudget // sender -> send budget
	sessions map[string]time.Time   // token -> expiry
	mu       sync.Mutex
}

type webChat struct {
	state    conversation.State
	pending  chan sendResult
	sentAt   time.Time
	lastUsed time.Time
}

type sendBudget struct {
	*rate.Limiter
	lastUsed time.Time
}

type sendResult struct {
	msg conversation.Message
	err string
}

type chatRequest struct {
	ChatID  string `json:"chat_id"`
	Message string `json:"message"`
}

type chatResponse struct {
	ChatID  string               `json:"chat_id"`
	From    string               `json:"from,omitempty"`
	Message string               `json:"message"`
	Sources []formatter.Citation `json:"sources"`
}

func NewWebChatChannel(cfg *config.Config, msgBus *bus.MessageBus) (*WebChatChannel, error) {
	wc := cfg.Channels.WebChat
	if wc.ReplyTimeoutSeconds <= 0 {
		return nil, fmt.Errorf("webchat: reply timeout must be positive")
	}
	// Chats live as long as the bot conversation behind them.
	idle := cfg.DirectLine.SessionIdle()
	if idle <= 0 {
		idle = defaultChatIdle
	}
	base := NewBaseChannel("webchat", wc, msgBus, wc.AllowFrom)
	return &WebChatChannel{
		BaseChannel: base,
		config:      wc,
		widget:      cfg.Widget,
		userName:    cfg.DirectLine.UserName,
		idle:        idle,
		chats:       make(map[string]*webChat),
		limiters:    make(map[string]*sendBudget),
		sessions:    make(map[string]time.Time),
	}, nil
}

// authEnabled returns true when both username and password are configured.
func (c *WebChatChannel) authEnabled() bool {
	return c.config.Username != "" && c.config.Password != ""
}

// createSession generates a random session token and stores it, dropping
// expired ones.
func (c *WebChatChannel) createSession() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)
	now := time.Now()
	c.mu.Lock()
	for t, exp := range c.sessions {
		if now.After(exp) {
			delete(c.sessions, t)
		}
	}
	c.sessions[token] = now.Add(sessionTTL)
	c.mu.Unlock()
	return token, nil
}

// validSession checks if the request carries a valid session cookie.
func (c *WebChatChannel) validSession(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return false
	}
	c.mu.Lock()
	expiry, ok := c.sessions[cookie.Value]
	c.mu.Unlock()
	return ok && time.Now().Before(expiry)
}

// requireAuth redirects to the login page unless auth is off or the session
// is valid.
func (c *WebChatChannel) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.authEnabled() || c.validSession(r) {
			next(w, r)
			return
		}
		http.Redirect(w, r, "/login", http.StatusSeeOther)
	}
}

// requireAuthAPI is like requireAuth but answers 401 JSON.
func (c *WebChatChannel) requireAuthAPI(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !c.authEnabled() || c.validSession(r) {
			next(w, r)
			return
		}
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	}
}

// Handler returns the widget's routes.
func (c *WebChatChannel) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", c.requireAuth(c.handleUI))
	mux.HandleFunc("/chat/send", c.requireAuthAPI(c.handleSend))
	mux.HandleFunc("/chat/poll", c.requireAuthAPI(c.handlePoll))
	mux.HandleFunc("/login", c.handleLogin)
	mux.HandleFunc("/logout", c.handleLogout)
	mux.HandleFunc("/healthz", c.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (c *WebChatChannel) Start(ctx context.Context) error {
	addr := net.JoinHostPort(c.config.Host, fmt.Sprint(c.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("webchat: listen %s: %w", addr, err)
	}
	c.server = &http.Server{Addr: addr, Handler: c.Handler(), ReadHeaderTimeout: 10 * time.Second}
	c.setRunning(true)

	sweepCtx, stop := context.WithCancel(ctx)
	c.stop = stop
	go c.sweepLoop(sweepCtx)

	logger.InfoCF("webchat", "WebChat started", map[string]interface{}{
		"addr": ln.Addr().String(),
		"auth": c.authEnabled(),
	})

	go func() {
		if err := c.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("webchat", "WebChat server error", map[string]interface{}{"error": err.Error()})
		}
	}()

	return nil
}

func (c *WebChatChannel) Stop(ctx context.Context) error {
	c.setRunning(false)
	if c.stop != nil {
		c.stop()
	}
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// chat returns the conversation for chatID, creating it. Caller holds c.mu.
func (c *WebChatChannel) chat(chatID string) *webChat {
	ch, ok := c.chats[chatID]
	if !ok {
		ch = &webChat{}
		c.chats[chatID] = ch
	}
	ch.lastUsed = time.Now()
	return ch
}

// limiter returns the send budget of a sender. Caller holds c.mu.
func (c *WebChatChannel) limiter(sender string) *rate.Limiter {
	b, ok := c.limiters[sender]
	if !ok {
		n := c.config.RatePerMinute
		b = &sendBudget{}
		if n <= 0 {
			b.Limiter = rate.NewLimiter(rate.Inf, 0)
		} else {
			b.Limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
		}
		c.limiters[sender] = b
	}
	b.lastUsed = time.Now()
	return b.Limiter
}

func (c *WebChatChannel) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(c.idle / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.sweep(now.Add(-c.idle))
		}
	}
}

// sweep forgets chats, send budgets and login sessions unused since cutoff.
// A chat still waiting for a reply is kept.
func (c *WebChatChannel) sweep(cutoff time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chats := 0
	for id, ch := range c.chats {
		if ch.pending == nil && ch.lastUsed.Before(cutoff) {
			delete(c.chats, id)
			chats++
		}
	}
	for sender, b := range c.limiters {
		if b.lastUsed.Before(cutoff) {
			delete(c.limiters, sender)
		}
	}
	now := time.Now()
	for t, exp := range c.sessions {
		if now.After(exp) {
			delete(c.sessions, t)
		}
	}
	if chats > 0 {
		logger.DebugCF("webchat", "Forgot idle chats", map[string]interface{}{"count": chats})
	}
}

// Send folds a bot reply, or an upstream failure, into the chat's state and
// wakes the request waiting for it.
func (c *WebChatChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	ch := c.chat(msg.ChatID)

	var res sendResult
	if msg.Error != "" {
		if ch.state.Failed() {
			c.mu.Unlock()
			return fmt.Errorf("webchat: chat %s has already failed, error %q dropped", msg.ChatID, msg.Error)
		}
		ch.state = conversation.Reduce(ch.state, conversation.Failed{Reason: msg.Error})
		res.err = ch.state.Err
	} else {
		reply := formatter.Format(msg.Content)
		metrics.CitationsExtracted.Add(float64(len(reply.Citations)))
		before := len(ch.state.Messages)
		ch.state = conversation.Reduce(ch.state, conversation.BotReplied{From: msg.From, Reply: reply, At: time.Now()})
		if len(ch.state.Messages) == before {
			c.mu.Unlock()
			return fmt.Errorf("webchat: chat %s has failed, reply dropped", msg.ChatID)
		}
		res.msg = ch.state.Messages[len(ch.state.Messages)-1]
	}

	pending := ch.pending
	ch.pending = nil
	sentAt := ch.sentAt
	c.mu.Unlock()

	if pending != nil {
		if res.err == "" {
			metrics.ReplyLatency.Observe(time.Since(sentAt).Seconds())
		}
		select {
		case pending <- res:
		default:
		}
	}
	return nil
}

func (c *WebChatChannel) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !c.authEnabled() || c.validSession(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	if r.Method == http.MethodGet {
		c.renderLogin(w, "")
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}

	isJSON := strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
	if isJSON {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSONError(w, http.StatusBadRequest, "bad request")
			return
		}
	} else {
		r.ParseForm()
		body.Username = r.FormValue("username")
		body.Password = r.FormValue("password")
	}

	usernameMatch := subtle.ConstantTimeCompare([]byte(body.Username), []byte(c.config.Username)) == 1
	passwordMatch := subtle.ConstantTimeCompare([]byte(body.Password), []byte(c.config.Password)) == 1

	if !usernameMatch || !passwordMatch {
		logger.WarnCF("webchat", "WebChat login failed", map[string]interface{}{
			"remote": r.RemoteAddr,
		})
		if isJSON {
			writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		c.renderLogin(w, "Invalid username or password")
		return
	}

	token, err := c.createSession()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(sessionTTL.Seconds()),
	})

	if isJSON {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (c *WebChatChannel) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookie); err == nil {
		c.mu.Lock()
		delete(c.sessions, cookie.Value)
		c.mu.Unlock()
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

func (c *WebChatChannel) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad request")
		return
	}
	if req.ChatID == "" {
		req.ChatID = defaultChatID
	}
	if strings.TrimSpace(req.Message) == "" {
		writeJSONError(w, http.StatusBadRequest, "empty message")
		return
	}

	sender := senderID(r)
	if !c.IsAllowed(sender) {
		metrics.SendRejected.WithLabelValues("forbidden").Inc()
		writeJSONError(w, http.StatusForbidden, "forbidden")
		return
	}

	c.mu.Lock()
	if !c.limiter(sender).Allow() {
		c.mu.Unlock()
		metrics.SendRejected.WithLabelValues("rate_limited").Inc()
		writeJSONError(w, http.StatusTooManyRequests, "too many messages, slow down")
		return
	}
	ch := c.chat(req.ChatID)
	if ch.state.Failed() {
		errMsg := ch.state.Err
		c.mu.Unlock()
		metrics.SendRejected.WithLabelValues("failed").Inc()
		writeJSONError(w, http.StatusConflict, errMsg)
		return
	}
	if !ch.state.CanSend(req.Message) {
		c.mu.Unlock()
		metrics.SendRejected.WithLabelValues("busy").Inc()
		writeJSONError(w, http.StatusConflict, "a reply is still pending")
		return
	}
	ch.state = conversation.Reduce(ch.state, conversation.UserSent{From: c.userName, Text: req.Message, At: time.Now()})
	respCh := make(chan sendResult, 1)
	ch.pending = respCh
	ch.sentAt = time.Now()
	c.mu.Unlock()

	if !c.HandleMessage(sender, req.ChatID, req.Message, nil) {
		c.failChat(r.Context(), req.ChatID, "service unavailable")
	}

	select {
	case res := <-respCh:
		if res.err != "" {
			writeJSONError(w, http.StatusBadGateway, res.err)
			return
		}
		writeJSON(w, http.StatusOK, chatResponse{
			ChatID:  req.ChatID,
			From:    res.msg.From,
			Message: res.msg.Text,
			Sources: nonNil(res.msg.Sources),
		})
	case <-time.After(c.config.ReplyTimeout()):
		c.failChat(r.Context(), req.ChatID, "timeout waiting for response")
		writeJSONError(w, http.StatusGatewayTimeout, "timeout waiting for response")
	case <-r.Context().Done():
		return
	}
}

// failChat moves a chat into its error state on behalf of the channel itself.
func (c *WebChatChannel) failChat(ctx context.Context, chatID, reason string) {
	if err := c.Send(ctx, bus.OutboundMessage{Channel: c.Name(), ChatID: chatID, Error: reason}); err != nil {
		logger.ErrorCF("webchat", "Failed to record chat error", map[string]interface{}{
			"chat_id": chatID,
			"reason":  reason,
			"error":   err.Error(),
		})
	}
}

func (c *WebChatChannel) handlePoll(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	if chatID == "" {
		chatID = defaultChatID
	}

	c.mu.Lock()
	state := conversation.State{}
	if ch, ok := c.chats[chatID]; ok {
		state = ch.state
	}
	c.mu.Unlock()

	if state.Messages == nil {
		state.Messages = []conversation.Message{}
	}
	writeJSON(w, http.StatusOK, state)
}

func (c *WebChatChannel) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "running": c.IsRunning()})
}

func (c *WebChatChannel) handleUI(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	c.renderChat(w)
}

// senderID identifies a browser by remote host.
func senderID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func nonNil(c []formatter.Citation) []formatter.Citation {
	if c == nil {
		return []formatter.Citation{}
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
