// Package conversation holds the state of one chat as an immutable value
// advanced by Reduce.
package conversation

import (
	"strings"
	"time"

	"github.com/marlabs/askbot/pkg/formatter"
)

type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// Message is one rendered entry of the chat history. For bot messages Text
// holds trusted HTML produced by the formatter; for user messages it is the
// raw input.
type Message struct {
	Role    Role                 `json:"role"`
	From    string               `json:"from"`
	Text    string               `json:"text"`
	Sources []formatter.Citation `json:"sources,omitempty"`
	Time    string               `json:"time"`
}

// State is never modified in place; Reduce returns a new value.
type State struct {
	Messages []Message `json:"messages"`
	Loading  bool      `json:"loading"`
	Err      string    `json:"error,omitempty"`
}

// CanSend reports whether a user message with the given text would be accepted.
func (s State) CanSend(text string) bool {
	return strings.TrimSpace(text) != "" && !s.Loading && s.Err == ""
}

// Failed reports whether the conversation has collapsed into its error state.
func (s State) Failed() bool {
	return s.Err != ""
}

// Action is an event that moves a conversation from one state to the next.
type Action interface {
	apply(State) State
}

// UserSent records a message typed by the user and starts waiting for the bot.
type UserSent struct {
	From string
	Text string
	At   time.Time
}

func (a UserSent) apply(s State) State {
	if !s.CanSend(a.Text) {
		return s
	}
	s.Messages = appendMessage(s.Messages, Message{
		Role: RoleUser,
		From: a.From,
		Text: a.Text,
		Time: stamp(a.At),
	})
	s.Loading = true
	return s
}

// BotReplied records one formatted bot reply.
type BotReplied struct {
	From  string
	Reply formatter.FormattedMessage
	At    time.Time
}

func (a BotReplied) apply(s State) State {
	if s.Failed() {
		return s
	}
	s.Messages = appendMessage(s.Messages, Message{
		Role:    RoleBot,
		From:    a.From,
		Text:    a.Reply.HTML,
		Sources: a.Reply.Citations,
		Time:    stamp(a.At),
	})
	s.Loading = false
	return s
}

// Failed replaces the whole conversation view with a single error. The first
// error sticks.
type Failed struct {
	Reason string
}

func (a Failed) apply(s State) State {
	if s.Failed() {
		return s
	}
	s.Err = a.Reason
	if s.Err == "" {
		s.Err = "unknown error"
	}
	s.Loading = false
	return s
}

// Reduce returns the state that follows s after action.
func Reduce(s State, action Action) State {
	if action == nil {
		return s
	}
	return action.apply(s)
}

func appendMessage(msgs []Message, m Message) []Message {
	out := make([]Message, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, m)
}

func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.Format("15:04:05")
}
