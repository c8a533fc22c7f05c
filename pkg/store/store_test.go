package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/harun/ranya-bridge/pkg/observer"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bridge.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_ConversationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, ok, err := s.LatestConversation(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	exists, err := s.Exists(ctx, first)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	latest, ok, err := s.LatestConversation(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, second, latest)
}

func TestStore_MessagesOrderedWithAttachments(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = s.InsertUserMessage(ctx, id, "look at this", []string{"/media/a.jpg"})
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, conversation.Message{
		ConversationID: id,
		Role:           conversation.RoleAssistant,
		Content:        "nice photo",
		ToolCalls:      "",
	})
	require.NoError(t, err)

	msgs, err := s.Messages(ctx, id)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleUser, msgs[0].Role)
	assert.Equal(t, []string{"/media/a.jpg"}, msgs[0].Attachments)
	assert.Equal(t, "nice photo", msgs[1].Content)
	assert.Nil(t, msgs[1].Attachments)
	assert.False(t, msgs[1].Timestamp.Before(msgs[0].Timestamp))
}

func TestStore_AppendToUnknownConversation(t *testing.T) {
	s := openTestStore(t)

	_, err := s.InsertUserMessage(context.Background(), "nope", "hello", nil)
	assert.ErrorIs(t, err, conversation.ErrNotFound)
}

func TestStore_WatchMessagesDeliversUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)
	_, err = s.InsertUserMessage(ctx, id, "first", nil)
	require.NoError(t, err)

	ch, stop := s.WatchMessages(id)
	defer stop()

	initial := <-ch
	require.Len(t, initial, 1)

	_, err = s.InsertUserMessage(ctx, id, "second", nil)
	require.NoError(t, err)

	select {
	case snap := <-ch:
		require.Len(t, snap, 2)
		assert.Equal(t, "second", snap[1].Content)
	case <-time.After(time.Second):
		t.Fatal("no update delivered")
	}
}

func TestStore_WatchKeepsLatestForSlowReader(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	ch, stop := s.WatchMessages(id)
	defer stop()

	for i := 0; i < 5; i++ {
		_, err := s.InsertUserMessage(ctx, id, "m", nil)
		require.NoError(t, err)
	}

	snap := <-ch
	assert.Len(t, snap, 5)
}

func TestStore_UnsubscribeClosesChannel(t *testing.T) {
	s := openTestStore(t)
	ch, stop := s.WatchExecuting()
	<-ch
	stop()
	stop()

	_, ok := <-ch
	assert.False(t, ok)
}

func TestStore_ExecutingSignal(t *testing.T) {
	s := openTestStore(t)

	ch, stop := s.WatchExecuting()
	defer stop()
	assert.Empty(t, <-ch)

	s.SetExecuting("c1", true)
	set := <-ch
	assert.True(t, set.Contains("c1"))
	assert.True(t, s.IsExecuting("c1"))

	s.SetExecuting("c1", false)
	set = <-ch
	assert.False(t, set.Contains("c1"))
}

func TestStore_DrivesObserver(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.CreateConversation(ctx)
	require.NoError(t, err)

	before := time.Now()
	_, err = s.InsertUserMessage(ctx, id, "question", nil)
	require.NoError(t, err)
	s.SetExecuting(id, true)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.AppendMessage(ctx, conversation.Message{
			ConversationID: id, Role: conversation.RoleAssistant, ToolCalls: `[{"name":"lookup"}]`,
		})
		time.Sleep(20 * time.Millisecond)
		_, _ = s.AppendMessage(ctx, conversation.Message{
			ConversationID: id, Role: conversation.RoleAssistant, Content: "answer",
		})
		s.SetExecuting(id, false)
	}()

	res, err := observer.New(s).Await(ctx, id, before, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "answer", res.Content)
	assert.Equal(t, observer.OutcomeFinal, res.Outcome)
}
