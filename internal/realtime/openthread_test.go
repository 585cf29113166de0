package realtime

import (
	"testing"

	"classbridge/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func messageIDs(messages []store.ThreadMessage) []string {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return ids
}

func loadedThread(t *testing.T, threadID string, messages ...store.ThreadMessage) *OpenThread {
	t.Helper()
	o := &OpenThread{}
	o.Open(threadID)
	require.True(t, o.Replace(threadID, messages))
	return o
}

func TestOpenThreadAppendsInOrder(t *testing.T) {
	o := loadedThread(t, "t2", message("m1", "t2", 1), message("m2", "t2", 2), message("m3", "t2", 3))

	require.True(t, o.ApplyMessage(message("m4", "t2", 4)))
	assert.Equal(t, []string{"m1", "m2", "m3", "m4"}, messageIDs(o.Snapshot()))

	// A late message with an earlier timestamp still lands in createdAt order.
	require.True(t, o.ApplyMessage(message("m0", "t2", 0)))
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, messageIDs(o.Snapshot()))
}

func TestOpenThreadIgnoresOtherThreads(t *testing.T) {
	o := loadedThread(t, "t2")
	assert.False(t, o.ApplyMessage(message("m1", "t1", 1)))
	assert.False(t, o.ApplyLocal(message("m2", "t1", 1)))
	assert.Empty(t, o.Snapshot())

	var closed OpenThread
	assert.False(t, closed.ApplyMessage(message("m1", "", 1)))
}

func TestOpenThreadApplyMessageIdempotent(t *testing.T) {
	o := loadedThread(t, "t2", message("m1", "t2", 1))
	msg := message("m2", "t2", 2)

	require.True(t, o.ApplyMessage(msg))
	once := o.Snapshot()
	assert.False(t, o.ApplyMessage(msg))
	assert.Equal(t, once, o.Snapshot())
}

func TestOpenThreadLocalEchoDeduplicated(t *testing.T) {
	o := loadedThread(t, "t2", message("m1", "t2", 1))

	sent := message("x", "t2", 5)
	require.True(t, o.ApplyLocal(sent))
	got := o.Snapshot()
	require.Len(t, got, 2)
	assert.True(t, got[1].Pending)

	require.True(t, o.ApplyMessage(sent), "remote insert confirms the echo")
	got = o.Snapshot()
	assert.Equal(t, []string{"m1", "x"}, messageIDs(got))
	assert.False(t, got[1].Pending)

	assert.False(t, o.ApplyLocal(sent), "echo after confirmation is ignored")
	assert.Len(t, o.Snapshot(), 2)
}

func TestOpenThreadDeletion(t *testing.T) {
	o := loadedThread(t, "t2", message("m1", "t2", 1), message("m2", "t2", 2))

	deleted := message("m1", "t2", 1)
	deletedAt := at(3)
	deleted.DeletedAt = &deletedAt

	assert.False(t, o.ApplyDeletion(message("m2", "t2", 2)), "not a deletion")
	require.True(t, o.ApplyDeletion(deleted))
	assert.False(t, o.ApplyDeletion(deleted))
	assert.Equal(t, []string{"m2"}, messageIDs(o.Snapshot()))
}

func TestOpenThreadBuffersUntilLoaded(t *testing.T) {
	o := &OpenThread{}
	o.Open("t2")
	assert.False(t, o.Loaded())

	deletedAt := at(9)
	gone := message("m2", "t2", 2)
	gone.DeletedAt = &deletedAt

	assert.False(t, o.ApplyMessage(message("m3", "t2", 3)), "held back while loading")
	assert.False(t, o.ApplyMessage(message("m4", "t2", 4)))
	assert.False(t, o.ApplyMessage(gone))
	assert.Empty(t, o.Snapshot())

	require.True(t, o.Replace("t2", []store.ThreadMessage{
		message("m1", "t2", 1), message("m2", "t2", 2), message("m3", "t2", 3),
	}))
	assert.True(t, o.Loaded())
	assert.Equal(t, []string{"m1", "m3", "m4"}, messageIDs(o.Snapshot()))
}

func TestOpenThreadSwitchDiscards(t *testing.T) {
	o := loadedThread(t, "t1", message("m1", "t1", 1))
	o.SetUnread(true)

	o.Open("t2")
	assert.Empty(t, o.Snapshot())
	assert.False(t, o.Unread())
	assert.True(t, o.Is("t2"))

	assert.False(t, o.Replace("t1", []store.ThreadMessage{message("m1", "t1", 1)}), "stale refetch for the previous thread")
	assert.False(t, o.Loaded())

	o.Close()
	assert.Equal(t, "", o.ThreadID())
	assert.False(t, o.Is(""))
	assert.False(t, o.SetUnread(true))
}

func TestOpenThreadReplaceWins(t *testing.T) {
	o := loadedThread(t, "t2", message("m1", "t2", 1))
	o.ApplyLocal(message("pending", "t2", 2))
	o.ApplyMessage(message("m3", "t2", 3))

	snapshot := []store.ThreadMessage{message("m1", "t2", 1), message("m2", "t2", 2)}
	require.True(t, o.Replace("t2", snapshot))
	assert.Equal(t, snapshot, o.Snapshot())
}
