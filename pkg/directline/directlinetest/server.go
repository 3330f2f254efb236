// Package directlinetest provides an in-process Direct Line service for tests.
package directlinetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/marlabs/askbot/pkg/directline"
)

// ReplyFunc produces the bot activities answering one posted activity.
type ReplyFunc func(in directline.Activity) []directline.Activity

// Echo answers every message with its own text from a bot named "askbot".
func Echo(in directline.Activity) []directline.Activity {
	return []directline.Activity{{
		Type: "message",
		From: directline.ChannelAccount{ID: "bot", Name: "askbot"},
		Text: in.Text,
	}}
}

type Server struct {
	*httptest.Server

	// Secret accepted by /tokens/generate.
	Secret string
	// RejectConversations makes /conversations answer 403.
	RejectConversations bool

	reply ReplyFunc

	mu          sync.Mutex
	convs       map[string]*conversation
	nextID      int
	posted      []directline.Activity
	rejectPosts bool
	expiresIn   int
	refreshes   int
	dropped     int
}

type conversation struct {
	id        string
	frames    chan directline.ActivitySet
	closed    chan struct{}
	once      sync.Once
	connected bool // guarded by Server.mu
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func NewServer(reply ReplyFunc) *Server {
	if reply == nil {
		reply = Echo
	}
	s := &Server{
		Secret:    "test-secret",
		expiresIn: 1800,
		reply:     reply,
		convs:     make(map[string]*conversation),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /tokens/generate", s.handleGenerate)
	mux.HandleFunc("POST /tokens/refresh", s.handleRefresh)
	mux.HandleFunc("POST /conversations", s.handleStart)
	mux.HandleFunc("POST /conversations/{id}/activities", s.handlePost)
	mux.HandleFunc("GET /stream/{id}", s.handleStream)
	s.Server = httptest.NewServer(mux)
	return s
}

// Posted returns every activity received so far.
func (s *Server) Posted() []directline.Activity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]directline.Activity(nil), s.posted...)
}

// Conversations returns the number of conversations started.
func (s *Server) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// ConversationIDs returns the ids of the conversations started, oldest first.
func (s *Server) ConversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.convs))
	for i := 1; i <= s.nextID; i++ {
		id := fmt.Sprintf("conv-%d", i)
		if _, ok := s.convs[id]; ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// SetExpiresIn sets the token lifetime, in seconds, reported to clients.
func (s *Server) SetExpiresIn(seconds int) {
	s.mu.Lock()
	s.expiresIn = seconds
	s.mu.Unlock()
}

// SetRejectPosts makes posted activities fail with 500 until reset.
func (s *Server) SetRejectPosts(reject bool) {
	s.mu.Lock()
	s.rejectPosts = reject
	s.mu.Unlock()
}

// Refreshes returns the number of successful token refreshes.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Dropped returns the number of activity sets discarded because no stream
// was connected, as the real service does.
func (s *Server) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Push delivers activities on a conversation's stream. Nothing is delivered
// when the stream is not connected.
func (s *Server) Push(convID string, acts ...directline.Activity) {
	s.mu.Lock()
	c := s.convs[convID]
	s.mu.Unlock()
	if c != nil {
		s.deliver(c, directline.ActivitySet{Activities: acts})
	}
}

func (s *Server) deliver(c *conversation, set directline.ActivitySet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !c.connected {
		s.dropped++
		return
	}
	select {
	case c.frames <- set:
	default:
		s.dropped++
	}
}

// CloseStream drops the websocket of a conversation.
func (s *Server) CloseStream(convID string) {
	s.mu.Lock()
	c := s.convs[convID]
	s.mu.Unlock()
	if c != nil {
		c.once.Do(func() { close(c.closed) })
	}
}

// CloseAllStreams drops the websockets of every conversation.
func (s *Server) CloseAllStreams() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.CloseStream(id)
	}
}

func (s *Server) bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (s *Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]string{"code": code, "message": msg},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if s.bearer(r) != s.Secret {
		writeError(w, http.StatusForbidden, "BadArgument", "invalid secret")
		return
	}
	s.mu.Lock()
	tok := directline.Token{Token: s.newID("token"), ConversationID: s.newID("pending"), ExpiresIn: s.expiresIn}
	s.mu.Unlock()
	writeJSON(w, tok)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.bearer(r) == "" {
		writeError(w, http.StatusForbidden, "TokenExpired", "token missing")
		return
	}
	s.mu.Lock()
	s.refreshes++
	tok := directline.Token{Token: s.newID("token"), ExpiresIn: s.expiresIn}
	s.mu.Unlock()
	writeJSON(w, tok)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if s.RejectConversations || s.bearer(r) == "" {
		writeError(w, http.StatusForbidden, "BadArgument", "conversation rejected")
		return
	}
	s.mu.Lock()
	id := s.newID("conv")
	s.convs[id] = &conversation{
		id:     id,
		frames: make(chan directline.ActivitySet, 64),
		closed: make(chan struct{}),
	}
	expires := s.expiresIn
	s.mu.Unlock()

	writeJSON(w, map[string]interface{}{
		"conversationId": id,
		"token":          s.bearer(r),
		"expires_in":     expires,
		"streamUrl":      "ws" + strings.TrimPrefix(s.URL, "http") + "/stream/" + id,
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.mu.Lock()
	c := s.convs[id]
	s.mu.Unlock()
	if c == nil {
		writeError(w, http.StatusNotFound, "BadArgument", "unknown conversation")
		return
	}

	var in directline.Activity
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "BadArgument", err.Error())
		return
	}

	s.mu.Lock()
	if s.rejectPosts {
		s.mu.Unlock()
		writeError(w, http.StatusInternalServerError, "ServiceError", "post rejected")
		return
	}
	in.ID = s.newID(id)
	s.posted = append(s.posted, in)
	s.mu.Unlock()

	// The real service echoes the user's own activity on the stream.
	acts := append([]directline.Activity{in}, s.reply(in)...)
	s.deliver(c, directline.ActivitySet{Activities: acts})

	writeJSON(w, map[string]string{"id": in.ID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	c := s.convs[r.PathValue("id")]
	s.mu.Unlock()
	if c == nil {
		http.NotFound(w, r)
		return
	}

	// Marked before the handshake completes so that anything posted after
	// the client's dial returns is delivered.
	s.setConnected(c, true)
	defer s.setConnected(c, false)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Keep-alive frame, as sent by the service.
	if err := conn.WriteMessage(websocket.TextMessage, nil); err != nil {
		return
	}

	for {
		select {
		case <-gone:
			return
		case <-c.closed:
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "closed"))
			return
		case set := <-c.frames:
			if err := conn.WriteJSON(set); err != nil {
				return
			}
		}
	}
}

func (s *Server) setConnected(c *conversation, connected bool) {
	s.mu.Lock()
	c.connected = connected
	s.mu.Unlock()
}
