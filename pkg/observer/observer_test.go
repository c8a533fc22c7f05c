package observer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/ranya-bridge/pkg/conversation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	messages  chan []conversation.Message
	executing chan conversation.IDSet
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		messages:  make(chan []conversation.Message, 16),
		executing: make(chan conversation.IDSet, 16),
	}
}

func (f *fakeSource) WatchMessages(string) (<-chan []conversation.Message, func()) {
	return f.messages, func() {}
}

func (f *fakeSource) WatchExecuting() (<-chan conversation.IDSet, func()) {
	return f.executing, func() {}
}

func running(ids ...string) conversation.IDSet {
	set := conversation.IDSet{}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

type awaitResult struct {
	res Result
	err error
}

func awaitAsync(o *Observer, id string, after time.Time, timeout time.Duration) <-chan awaitResult {
	out := make(chan awaitResult, 1)
	go func() {
		res, err := o.Await(context.Background(), id, after, timeout)
		out <- awaitResult{res, err}
	}()
	return out
}

func TestAwait_ResolvesOnFinalAnswerWhileExecuting(t *testing.T) {
	src := newFakeSource()
	o := New(src)
	after := time.Now()

	src.messages <- nil
	src.executing <- running("c1")
	done := awaitAsync(o, "c1", after, 5*time.Second)

	src.messages <- []conversation.Message{
		{Role: conversation.RoleUser, Content: "hi", Timestamp: after.Add(time.Millisecond)},
		{Role: conversation.RoleAssistant, Content: "Hello!", Timestamp: after.Add(10 * time.Millisecond)},
	}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "Hello!", r.res.Content)
		assert.Equal(t, OutcomeFinal, r.res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not resolve")
	}
}

func TestAwait_ToolCallMessageKeepsWaiting(t *testing.T) {
	src := newFakeSource()
	o := New(src)
	after := time.Now()

	src.messages <- []conversation.Message{{
		Role:      conversation.RoleAssistant,
		Content:   "calling search",
		ToolCalls: `[{"name":"search"}]`,
		Timestamp: after.Add(time.Millisecond),
	}}
	src.executing <- running("c1")

	_, err := o.Await(context.Background(), "c1", after, 150*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAwait_IgnoresMessagesBeforeTimestamp(t *testing.T) {
	src := newFakeSource()
	o := New(src)
	after := time.Now()

	src.messages <- []conversation.Message{{
		Role: conversation.RoleAssistant, Content: "old answer", Timestamp: after.Add(-time.Second),
	}}
	src.executing <- running("c1")

	_, err := o.Await(context.Background(), "c1", after, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestAwait_PlaceholderAfterGraceWindow(t *testing.T) {
	src := newFakeSource()
	o := New(src, WithGraceTick(10*time.Millisecond))
	after := time.Now()

	src.messages <- nil
	src.executing <- running("c1")
	done := awaitAsync(o, "c1", after, 5*time.Second)

	src.executing <- running()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, StoppedPlaceholder, r.res.Content)
		assert.Equal(t, OutcomeStopped, r.res.Outcome)
		assert.False(t, r.res.Timestamp.Before(after))
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not fall back")
	}
}

func TestAwait_GraceWindowCatchesLateMessage(t *testing.T) {
	src := newFakeSource()
	// no tick: only signal changes drive re-evaluation
	o := New(src, WithGraceTick(0))
	after := time.Now()

	src.messages <- nil
	src.executing <- running()
	done := awaitAsync(o, "c1", after, 5*time.Second)

	src.messages <- []conversation.Message{{
		Role: conversation.RoleAssistant, Content: "late but final", Timestamp: after.Add(time.Millisecond),
	}}

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, "late but final", r.res.Content)
		assert.Equal(t, OutcomeFinal, r.res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("observer did not resolve")
	}
}

func TestAwait_FallbackToLatestAssistantMessage(t *testing.T) {
	src := newFakeSource()
	o := New(src, WithGraceTick(5*time.Millisecond))
	after := time.Now()

	src.messages <- []conversation.Message{
		{Role: conversation.RoleAssistant, Content: "step one", ToolCalls: `[{}]`, Timestamp: after.Add(time.Millisecond)},
		{Role: conversation.RoleAssistant, Content: "step two", ToolCalls: `[{}]`, Timestamp: after.Add(2 * time.Millisecond)},
	}
	src.executing <- running()

	res, err := o.Await(context.Background(), "c1", after, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "step two", res.Content)
	assert.Equal(t, OutcomeFallback, res.Outcome)
}

func TestAwait_BlankFallbackYieldsPlaceholder(t *testing.T) {
	src := newFakeSource()
	o := New(src, WithGraceTick(5*time.Millisecond))
	after := time.Now()

	src.messages <- []conversation.Message{
		{Role: conversation.RoleAssistant, Content: "", ToolCalls: `[{"name":"search"}]`, Timestamp: after.Add(time.Millisecond)},
	}
	src.executing <- running()

	res, err := o.Await(context.Background(), "c1", after, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, StoppedPlaceholder, res.Content)
	assert.Equal(t, OutcomeStopped, res.Outcome)
}

func TestAwait_OtherConversationExecutingDoesNotBlock(t *testing.T) {
	src := newFakeSource()
	o := New(src, WithGraceTick(5*time.Millisecond))

	src.messages <- nil
	src.executing <- running("other")

	res, err := o.Await(context.Background(), "c1", time.Now(), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, res.Outcome)
}

func TestAwait_ParentCancellationIsFailure(t *testing.T) {
	src := newFakeSource()
	o := New(src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Await(ctx, "c1", time.Now(), time.Minute)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFailed)
	assert.False(t, errors.Is(err, ErrTimeout))
}

func TestAwait_ClosedSignalIsFailure(t *testing.T) {
	src := newFakeSource()
	o := New(src)
	close(src.messages)

	_, err := o.Await(context.Background(), "c1", time.Now(), time.Second)
	assert.ErrorIs(t, err, ErrFailed)
}
