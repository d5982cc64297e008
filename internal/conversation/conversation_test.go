package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateThenGetRoundTrip(t *testing.T) {
	s := New(t.TempDir())
	conv, err := s.Create("chat-1", "My Chat")
	require.NoError(t, err)
	require.Equal(t, "chat-1", conv.ChatID)
	require.Equal(t, "My Chat", conv.Title)

	got, err := s.Get("chat-1")
	require.NoError(t, err)
	require.Equal(t, "My Chat", got.Title)
	require.Empty(t, got.Messages)
}

func TestCreateTwiceFails(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Create("chat-1", "")
	require.NoError(t, err)
	_, err = s.Create("chat-1", "")
	require.Error(t, err)
}

func TestAppendMessageAutoCreatesConversation(t *testing.T) {
	s := New(t.TempDir())
	msg, err := s.AppendMessage("chat-1", "user", "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", msg.Content)

	got, err := s.Get("chat-1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	require.Equal(t, "user", got.Messages[0].Role)
	require.NotNil(t, got.LastMessageAt)
}

func TestAppendMessageAdvancesLastMessageAt(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendMessage("chat-1", "user", "first")
	require.NoError(t, err)
	first, err := s.Get("chat-1")
	require.NoError(t, err)

	_, err = s.AppendMessage("chat-1", "assistant", "second")
	require.NoError(t, err)
	second, err := s.Get("chat-1")
	require.NoError(t, err)

	require.True(t, second.LastMessageAt.Equal(*first.LastMessageAt) || second.LastMessageAt.After(*first.LastMessageAt))
	require.Len(t, second.Messages, 2)
}

func TestSetTitleUpdatesConversationAndMeta(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendMessage("chat-1", "user", "hi")
	require.NoError(t, err)

	require.NoError(t, s.SetTitle("chat-1", "Renamed"))

	got, err := s.Get("chat-1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", got.Title)

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 1)
	require.Equal(t, "Renamed", metas[0].Title)
}

func TestSetTitleMissingChatReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	err := s.SetTitle("nope", "x")
	require.Error(t, err)
}

func TestListOrdersByLastMessageAtDescending(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendMessage("old", "user", "old message")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = s.AppendMessage("new", "user", "new message")
	require.NoError(t, err)

	metas, err := s.List()
	require.NoError(t, err)
	require.Len(t, metas, 2)
	require.Equal(t, "new", metas[0].ChatID)
	require.Equal(t, "old", metas[1].ChatID)
}

func TestDeleteRemovesConversationAndMetaEntry(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendMessage("chat-1", "user", "hi")
	require.NoError(t, err)

	require.NoError(t, s.Delete("chat-1"))

	_, err = s.Get("chat-1")
	require.Error(t, err)

	metas, err := s.List()
	require.NoError(t, err)
	require.Empty(t, metas)
}

func TestGetMissingChatReturnsNotFound(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.Get("nope")
	require.Error(t, err)
}

func TestChatIDWithPathSeparatorsIsSanitized(t *testing.T) {
	s := New(t.TempDir())
	_, err := s.AppendMessage("weird/id:here", "user", "hi")
	require.NoError(t, err)

	got, err := s.Get("weird/id:here")
	require.NoError(t, err)
	require.Equal(t, "weird/id:here", got.ChatID)
}
