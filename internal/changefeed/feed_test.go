package changefeed

import (
	"context"
	"errors"
	"testing"
	"time"

	"classbridge/api/internal/scope"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestFeed(t *testing.T) (*Feed, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	feed, err := NewFeedFromURL("redis://"+s.Addr(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { feed.Close() })
	return feed, s
}

func testScope(org string, threads ...string) *scope.Scope {
	return scope.New(scope.Identity{UserID: "u1", OrgID: org}, threads)
}

func nextEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "events channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
		return nil
	}
}

func messageEvent(org, thread, id string) MessageInserted {
	return MessageInserted{After: MessageRow{
		ID: id, ThreadID: thread, OrgID: org, AuthorID: "u2", Body: "hello",
		CreatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}}
}

func TestSubscribeDeliversScopedEvents(t *testing.T) {
	feed, s := setupTestFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, testScope("o1", "t1"))
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, StatusSubscribed, sub.Status())
	assert.Equal(t, "u1:o1", sub.Name())
	assert.Equal(t, 1, s.PubSubNumSub(ThreadChannel("o1", "t1"))[ThreadChannel("o1", "t1")])

	require.NoError(t, feed.Publish(ctx, messageEvent("o1", "t1", "m1")))
	ev := nextEvent(t, sub)
	assert.Equal(t, "m1", ev.(MessageInserted).After.ID)

	// Garbage on a subscribed channel is dropped and does not end the stream.
	s.Publish(UserChannel("o1", "u1"), `{"entity":"Notification"`)
	require.NoError(t, feed.Publish(ctx, NotificationInserted{After: NotificationRow{
		ID: "n1", UserID: "u1", OrgID: "o1", CreatedAt: time.Now().UTC(),
	}}))
	ev = nextEvent(t, sub)
	assert.Equal(t, "n1", ev.(NotificationInserted).After.ID)
	assert.Equal(t, StatusSubscribed, sub.Status())
}

func TestWatchAndUnwatch(t *testing.T) {
	feed, s := setupTestFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, testScope("o1"))
	require.NoError(t, err)
	defer sub.Close()

	channel := ThreadChannel("o1", "t9")
	require.NoError(t, sub.Watch(ctx, "t9"))
	assert.True(t, sub.Watching("t9"))
	require.Eventually(t, func() bool {
		return s.PubSubNumSub(channel)[channel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, feed.Publish(ctx, messageEvent("o1", "t9", "m1")))
	assert.Equal(t, "m1", nextEvent(t, sub).(MessageInserted).After.ID)

	require.NoError(t, sub.Unwatch(ctx, "t9"))
	assert.False(t, sub.Watching("t9"))
	require.Eventually(t, func() bool {
		return s.PubSubNumSub(channel)[channel] == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCloseEndsSubscription(t *testing.T) {
	feed, _ := setupTestFeed(t)
	ctx := context.Background()

	sub, err := feed.Subscribe(ctx, testScope("o1"))
	require.NoError(t, err)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Equal(t, StatusClosed, sub.Status())

	status, ok := <-sub.Statuses()
	require.True(t, ok)
	assert.Equal(t, StatusClosed, status)
	_, ok = <-sub.Events()
	assert.False(t, ok)
	assert.ErrorIs(t, sub.Watch(ctx, "t1"), ErrClosed)
}

func TestConnectionLossReportsChannelError(t *testing.T) {
	feed, s := setupTestFeed(t)

	sub, err := feed.Subscribe(context.Background(), testScope("o1"))
	require.NoError(t, err)
	defer sub.Close()

	s.Close()

	select {
	case status := <-sub.Statuses():
		assert.Equal(t, StatusChannelError, status)
	case <-time.After(5 * time.Second):
		t.Fatal("no status after connection loss")
	}
	assert.True(t, sub.Status().Failed())
}

func TestSubscribeUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr(), MaxRetries: -1})
	defer client.Close()
	s.Close()

	feed := NewFeed(client, time.Second)
	sub, err := feed.Subscribe(context.Background(), testScope("o1"))
	assert.Nil(t, sub)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "got %v", err)
	assert.True(t, statusErr.Status.Failed())
	assert.Equal(t, "u1:o1", statusErr.Name)
}

func TestSubscribeWithoutScope(t *testing.T) {
	feed, _ := setupTestFeed(t)
	_, err := feed.Subscribe(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoScope)
}

func TestManagerNeverOverlaps(t *testing.T) {
	feed, s := setupTestFeed(t)
	ctx := context.Background()
	m := NewManager(feed)

	first, err := m.Acquire(ctx, testScope("a"))
	require.NoError(t, err)
	second, err := m.Acquire(ctx, testScope("b"))
	require.NoError(t, err)

	assert.Equal(t, StatusClosed, first.Status(), "previous subscription is closed before the next opens")
	assert.Same(t, second, m.Current())
	require.Eventually(t, func() bool {
		return s.PubSubNumSub(UserChannel("a", "u1"))[UserChannel("a", "u1")] == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, s.PubSubNumSub(UserChannel("b", "u1"))[UserChannel("b", "u1")])

	// A late org a event never reaches the org b subscription.
	require.NoError(t, feed.Publish(ctx, messageEvent("a", "t1", "late")))
	s.Publish(ThreadsChannel("a"), "ignored")
	select {
	case ev := <-second.Events():
		t.Fatalf("unexpected event %T", ev)
	case <-time.After(100 * time.Millisecond):
	}

	m.Release()
	assert.Nil(t, m.Current())
	assert.Equal(t, StatusClosed, second.Status())
}
