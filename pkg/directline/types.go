// Package directline talks to the Bot Framework Direct Line 3.0 API: it
// obtains tokens, starts conversations, posts user activities and streams bot
// activities over a websocket.
package directline

import "time"

const DefaultDomain = "https://directline.botframework.com/v3/directline"

type ChannelAccount struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type Activity struct {
	Type      string         `json:"type"`
	ID        string         `json:"id,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
	From      ChannelAccount `json:"from"`
	Text      string         `json:"text,omitempty"`
	ReplyToID string         `json:"replyToId,omitempty"`
}

// IsBotMessage reports whether a is a message that was not authored by the
// local user, identified by display name.
func (a Activity) IsBotMessage(userName string) bool {
	return a.Type == "message" && a.From.Name != userName
}

// ActivitySet is one frame of the conversation stream.
type ActivitySet struct {
	Activities []Activity `json:"activities"`
	Watermark  string     `json:"watermark,omitempty"`
}

// Token is a conversation-scoped credential.
type Token struct {
	Token          string `json:"token"`
	ConversationID string `json:"conversationId,omitempty"`
	ExpiresIn      int    `json:"expires_in,omitempty"`
}

type conversationResponse struct {
	ConversationID string `json:"conversationId"`
	Token          string `json:"token"`
	ExpiresIn      int    `json:"expires_in"`
	StreamURL      string `json:"streamUrl"`
}

type resourceResponse struct {
	ID string `json:"id"`
}
