package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marlabs/askbot/pkg/formatter"
)

var at = time.Date(2024, 5, 1, 9, 30, 15, 0, time.UTC)

func TestUserSentStartsLoading(t *testing.T) {
	s := Reduce(State{}, UserSent{From: "User", Text: "hello", At: at})

	require.Len(t, s.Messages, 1)
	assert.Equal(t, RoleUser, s.Messages[0].Role)
	assert.Equal(t, "hello", s.Messages[0].Text)
	assert.Equal(t, "09:30:15", s.Messages[0].Time)
	assert.True(t, s.Loading)
}

func TestUserSentIgnoredWhileLoadingOrBlank(t *testing.T) {
	loading := State{Loading: true}
	assert.Equal(t, loading, Reduce(loading, UserSent{Text: "again"}))

	empty := State{}
	assert.Equal(t, empty, Reduce(empty, UserSent{Text: "   "}))

	failed := State{Err: "boom"}
	assert.Equal(t, failed, Reduce(failed, UserSent{Text: "hi"}))
}

func TestBotRepliedClearsLoading(t *testing.T) {
	reply := formatter.Format(`Yes [1]. [1]: https://example.com "Example"`)
	s := Reduce(State{}, UserSent{From: "User", Text: "q", At: at})
	s = Reduce(s, BotReplied{From: "askbot", Reply: reply, At: at})

	require.Len(t, s.Messages, 2)
	bot := s.Messages[1]
	assert.Equal(t, RoleBot, bot.Role)
	assert.Equal(t, reply.HTML, bot.Text)
	assert.Equal(t, reply.Citations, bot.Sources)
	assert.False(t, s.Loading)
}

func TestFailedCollapsesConversation(t *testing.T) {
	s := Reduce(State{}, UserSent{Text: "q", At: at})
	s = Reduce(s, Failed{Reason: "Failed to fetch token: 500 Internal Server Error"})

	assert.True(t, s.Failed())
	assert.False(t, s.Loading)
	assert.False(t, s.CanSend("more"))

	s = Reduce(s, Failed{Reason: "second"})
	assert.Equal(t, "Failed to fetch token: 500 Internal Server Error", s.Err)

	s = Reduce(s, BotReplied{Reply: formatter.Format("late")})
	assert.Len(t, s.Messages, 1)
}

func TestFailedWithoutReason(t *testing.T) {
	assert.Equal(t, "unknown error", Reduce(State{}, Failed{}).Err)
}

func TestReduceDoesNotMutateInput(t *testing.T) {
	base := Reduce(State{}, UserSent{Text: "one", At: at})
	base = Reduce(base, BotReplied{Reply: formatter.Format("two"), At: at})
	snapshot := append([]Message(nil), base.Messages...)

	next := Reduce(base, UserSent{Text: "three", At: at})
	other := Reduce(base, UserSent{Text: "four", At: at})

	assert.Equal(t, snapshot, base.Messages)
	assert.False(t, base.Loading)
	assert.Equal(t, "three", next.Messages[2].Text)
	assert.Equal(t, "four", other.Messages[2].Text)
}

func TestReduceNilAction(t *testing.T) {
	s := State{Loading: true}
	assert.Equal(t, s, Reduce(s, nil))
}
