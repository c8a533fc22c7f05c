package channels_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/harun/ranya-bridge/pkg/channels"
	"github.com/harun/ranya-bridge/pkg/channels/channelstest"
	"github.com/harun/ranya-bridge/pkg/observer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *channelstest.Store
	exec      *channelstest.Executor
	transport *channelstest.Transport
	deps      channels.Deps
	base      *channels.Base
	ctx       context.Context
}

func newFixture(t *testing.T, awaiter channels.Awaiter) *fixture {
	t.Helper()
	f := &fixture{
		store:     channelstest.NewStore(),
		exec:      &channelstest.Executor{},
		transport: &channelstest.Transport{},
	}
	f.deps = channelstest.Deps(f.store, f.exec, awaiter)
	f.base = channels.NewBase(channels.KindBotLongPoll, f.deps, f.transport)
	f.ctx = f.base.MarkStarted(context.Background())
	t.Cleanup(func() { _ = f.base.Shutdown(context.Background()) })
	return f
}

func (f *fixture) waitSent(t *testing.T, n int) []channelstest.Sent {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.transport.Sent()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.transport.Sent()
}

func TestPipeline_RoundTrip(t *testing.T) {
	f := newFixture(t, channelstest.Reply("Hello!"))

	f.base.Receive(f.ctx, channels.InboundMessage{
		ExternalChatID:  "chat-1",
		SenderID:        "42",
		Text:            "hi there",
		AttachmentPaths: []string{"/tmp/a.png"},
	})

	sent := f.waitSent(t, 1)
	assert.Equal(t, channelstest.Sent{ChatID: "chat-1", Text: "Hello!"}, sent[0])

	inserted := f.store.Inserted()
	require.Len(t, inserted, 1)
	assert.Equal(t, "hi there", inserted[0].Content)
	assert.Equal(t, []string{"/tmp/a.png"}, inserted[0].Attachments)

	calls := f.exec.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, inserted[0].ConversationID, calls[0].ConversationID)

	require.Eventually(t, func() bool {
		s, _ := f.deps.Tracker.Get("telegram")
		return s.MessageCount == 1
	}, time.Second, 5*time.Millisecond)
	s, _ := f.deps.Tracker.Get("telegram")
	assert.NotNil(t, s.LastMessageAt)

	chat, ok := f.deps.Mapper.LastChat("telegram")
	assert.True(t, ok)
	assert.Equal(t, "chat-1", chat)
}

func TestPipeline_ClearCommand(t *testing.T) {
	f := newFixture(t, channelstest.Reply("unused"))

	first, err := f.deps.Mapper.ResolveConversationID(context.Background())
	require.NoError(t, err)

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "chat-1", Text: "  /ClEaR  "})

	sent := f.waitSent(t, 1)
	assert.Equal(t, channels.ClearConfirmation, sent[0].Text)
	assert.Empty(t, f.store.Inserted())
	assert.Empty(t, f.exec.Calls())
	assert.NotEqual(t, first, f.deps.Mapper.ActiveConversationID())
	assert.Equal(t, 2, f.store.Conversations())
}

func TestPipeline_ExecutorErrorRepliesWithError(t *testing.T) {
	f := newFixture(t, channelstest.Reply("unused"))
	f.exec.Err = errors.New("agent offline")

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "chat-9", Text: "ping"})

	sent := f.waitSent(t, 1)
	assert.Equal(t, "chat-9", sent[0].ChatID)
	assert.True(t, strings.HasPrefix(sent[0].Text, "Error: "))
	assert.Contains(t, sent[0].Text, "agent offline")

	require.Eventually(t, func() bool {
		s, _ := f.deps.Tracker.Get("telegram")
		return s.Error != ""
	}, time.Second, 5*time.Millisecond)
	s, _ := f.deps.Tracker.Get("telegram")
	assert.Zero(t, s.MessageCount)
}

func TestPipeline_ObserverTimeout(t *testing.T) {
	f := newFixture(t, &channelstest.Awaiter{Err: observer.ErrTimeout})

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "c", Text: "slow question"})

	sent := f.waitSent(t, 1)
	assert.Equal(t, "Error: "+observer.ErrTimeout.Error(), sent[0].Text)
}

func TestPipeline_StoreErrorSkipsExecutor(t *testing.T) {
	f := newFixture(t, channelstest.Reply("unused"))
	f.store.InsertErr = errors.New("database is locked")

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "c", Text: "hello"})

	sent := f.waitSent(t, 1)
	assert.Contains(t, sent[0].Text, "database is locked")
	assert.Empty(t, f.exec.Calls())
}

func TestPipeline_ErrorReplyFailureIsDropped(t *testing.T) {
	f := newFixture(t, channelstest.Reply("Hello!"))
	f.transport.SendErr = errors.New("chat not found")

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "gone", Text: "hello"})

	require.Eventually(t, func() bool {
		s, _ := f.deps.Tracker.Get("telegram")
		return strings.Contains(s.Error, "chat not found")
	}, time.Second, 5*time.Millisecond)
	assert.True(t, f.base.IsRunning())
}

func TestPipeline_ChunksLongReplies(t *testing.T) {
	f := newFixture(t, channelstest.Reply(strings.Repeat("A", 25)))
	f.transport.Max = 10

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "c", Text: "long please"})

	sent := f.waitSent(t, 3)
	require.Len(t, sent, 3)
	for _, s := range sent {
		assert.LessOrEqual(t, len(s.Text), 10)
	}
}

func TestPipeline_TypingStopsBeforeReply(t *testing.T) {
	awaiter := channelstest.Reply("done")
	awaiter.Delay = 60 * time.Millisecond
	f := newFixture(t, awaiter)

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "c", Text: "think hard"})

	f.waitSent(t, 1)
	count := f.transport.TypingCount()
	assert.Greater(t, count, 0)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, count, f.transport.TypingCount(), "typing continued after reply")
}

func TestPipeline_AllowList(t *testing.T) {
	f := newFixture(t, channelstest.Reply("ok"))
	f.deps.Access.SetAllowList("telegram", []string{"42"})

	assert.True(t, f.base.Admit(context.Background(), "42"))
	assert.False(t, f.base.Admit(context.Background(), "43"))
	assert.False(t, f.base.Admit(context.Background(), ""))
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t, channelstest.Reply("ok"))

	require.NoError(t, f.base.Broadcast(context.Background(), channels.OutboundMessage{Content: "nobody"}))
	assert.Empty(t, f.transport.Sent())

	f.deps.Mapper.SetLastChat("telegram", "chat-7")
	require.NoError(t, f.base.Broadcast(context.Background(), channels.OutboundMessage{Content: "reminder"}))
	assert.Equal(t, []channelstest.Sent{{ChatID: "chat-7", Text: "reminder"}}, f.transport.Sent())

	require.NoError(t, f.base.Shutdown(context.Background()))
	assert.ErrorIs(t, f.base.Broadcast(context.Background(), channels.OutboundMessage{Content: "x"}), channels.ErrNotRunning)
}

func TestShutdown_IdempotentAndCancelsPipelines(t *testing.T) {
	awaiter := channelstest.Reply("never")
	awaiter.Delay = time.Hour
	f := newFixture(t, awaiter)

	f.base.Receive(f.ctx, channels.InboundMessage{ExternalChatID: "c", Text: "wait forever"})
	require.Eventually(t, func() bool { return len(f.exec.Calls()) == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.base.Shutdown(ctx))
	require.NoError(t, f.base.Shutdown(ctx))
	assert.False(t, f.base.IsRunning())

	_, ok := f.deps.Tracker.Get("telegram")
	assert.False(t, ok)
}

func TestHalt_KeepsTrackerEntryWithError(t *testing.T) {
	f := newFixture(t, channelstest.Reply("ok"))

	f.base.Halt(errors.New("gateway closed with code 4004"))
	assert.False(t, f.base.IsRunning())

	s, ok := f.deps.Tracker.Get("telegram")
	require.True(t, ok)
	assert.False(t, s.IsRunning)
	assert.Contains(t, s.Error, "4004")

	f.base.Halt(errors.New("second"))
	s, _ = f.deps.Tracker.Get("telegram")
	assert.Contains(t, s.Error, "4004")

	require.NoError(t, f.base.Shutdown(context.Background()))
	_, ok = f.deps.Tracker.Get("telegram")
	assert.False(t, ok)
}

func TestSendText_SkipsBlankChunks(t *testing.T) {
	f := newFixture(t, channelstest.Reply("ok"))

	require.NoError(t, f.base.SendText(context.Background(), "c", "  \n\n "))
	assert.Empty(t, f.transport.Sent())

	require.NoError(t, f.base.SendText(context.Background(), "c", "hi"))
	assert.Equal(t, []channelstest.Sent{{ChatID: "c", Text: "hi"}}, f.transport.Sent())
}
