package realtime

import (
	"testing"
	"time"

	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func thread(id string, updated int) store.Thread {
	return store.Thread{
		ID:        id,
		OrgID:     "org-a",
		CreatedAt: at(0),
		UpdatedAt: at(updated),
		OtherParticipant: store.ParticipantProfile{
			UserID: "other-" + id, FirstName: "Other", LastName: id, Role: "teacher",
		},
	}
}

func message(id, threadID string, created int) store.ThreadMessage {
	return store.ThreadMessage{ID: id, ThreadID: threadID, AuthorID: "u2", Body: "body " + id, CreatedAt: at(created)}
}

func threadIDs(threads []store.Thread) []string {
	ids := make([]string, 0, len(threads))
	for _, t := range threads {
		ids = append(ids, t.ID)
	}
	return ids
}

func TestThreadListApplyMessageMovesToFront(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})

	msg := message("m1", "t1", 10)
	require.True(t, l.ApplyMessage(msg))

	got := l.Snapshot()
	assert.Equal(t, []string{"t1", "t0"}, threadIDs(got))
	require.NotNil(t, got[0].LatestItem)
	assert.Equal(t, msg, *got[0].LatestItem)
	assert.Equal(t, at(10), got[0].UpdatedAt)
}

func TestThreadListApplyMessageIgnores(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})
	require.True(t, l.ApplyMessage(message("m2", "t1", 8)))
	before := l.Snapshot()

	deleted := message("m3", "t1", 9)
	deletedAt := at(9)
	deleted.DeletedAt = &deletedAt

	assert.False(t, l.ApplyMessage(message("mx", "unknown", 20)), "unknown thread")
	assert.False(t, l.ApplyMessage(deleted), "soft-deleted message")
	assert.False(t, l.ApplyMessage(message("m1", "t1", 7)), "older than latest item")
	assert.Equal(t, before, l.Snapshot())
}

func TestThreadListApplyMessageIdempotent(t *testing.T) {
	var once, twice ThreadList
	threads := []store.Thread{thread("t0", 5), thread("t1", 1), thread("t2", 0)}
	once.Replace(threads)
	twice.Replace(threads)

	msg := message("m1", "t2", 6)
	once.ApplyMessage(msg)
	twice.ApplyMessage(msg)
	assert.False(t, twice.ApplyMessage(msg))
	assert.Equal(t, once.Snapshot(), twice.Snapshot())
}

func TestThreadListOrderedAfterMessages(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 4), thread("t1", 3), thread("t2", 2), thread("t3", 1)})

	order := []string{"t2", "t0", "t3", "t2", "t1", "t3", "t0"}
	for i, id := range order {
		l.ApplyMessage(message("m"+string(rune('a'+i)), id, 10+i))
	}

	got := l.Snapshot()
	for i := 1; i < len(got); i++ {
		assert.False(t, got[i].UpdatedAt.After(got[i-1].UpdatedAt), "thread %s out of order", got[i].ID)
	}
	assert.Equal(t, []string{"t0", "t3", "t1", "t2"}, threadIDs(got))
}

func TestThreadListTiesKeepRelativeOrder(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 5), thread("t2", 5)})

	l.ApplyMessage(message("m1", "t2", 5))
	assert.Equal(t, []string{"t2", "t0", "t1"}, threadIDs(l.Snapshot()))
}

func TestThreadListLocalEchoConfirmed(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})

	local := message("m1", "t1", 10)
	local.Pending = true
	require.True(t, l.ApplyMessage(local))

	confirmed := message("m1", "t1", 10)
	require.True(t, l.ApplyMessage(confirmed))
	got, _ := l.Get("t1")
	assert.False(t, got.LatestItem.Pending)
	assert.Equal(t, []string{"t1", "t0"}, threadIDs(l.Snapshot()))
}

func TestThreadListApplyParticipant(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})

	require.True(t, l.ApplyParticipant(store.Participant{ThreadID: "t1", UserID: "u1", Unread: true}))
	assert.False(t, l.ApplyParticipant(store.Participant{ThreadID: "t1", UserID: "u1", Unread: true}))

	got := l.Snapshot()
	assert.Equal(t, []string{"t0", "t1"}, threadIDs(got), "unread change does not reorder")
	assert.True(t, got[1].Unread)
	assert.Equal(t, 1, got[1].UnreadCount)

	require.True(t, l.ApplyParticipant(store.Participant{ThreadID: "t1", UserID: "u1"}))
	got = l.Snapshot()
	assert.False(t, got[1].Unread)
	assert.Equal(t, 0, got[1].UnreadCount)
}

func TestThreadListApplyNewThread(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5)})

	fresh := thread("t9", 30)
	require.True(t, l.ApplyNewThread(fresh))
	assert.False(t, l.ApplyNewThread(fresh), "duplicate delivery")
	assert.Equal(t, []string{"t9", "t0"}, threadIDs(l.Snapshot()))
	assert.Equal(t, []string{"t9", "t0"}, l.IDs())
}

func TestThreadListApplyThreadUpdateCommutesWithMessage(t *testing.T) {
	row := changefeed.ThreadRow{ID: "t1", OrgID: "org-a", CreatedAt: at(0), UpdatedAt: at(10)}
	msg := message("m1", "t1", 10)

	var a, b ThreadList
	threads := []store.Thread{thread("t0", 5), thread("t1", 1)}
	a.Replace(threads)
	b.Replace(threads)

	a.ApplyThreadUpdate(row)
	a.ApplyMessage(msg)
	b.ApplyMessage(msg)
	b.ApplyThreadUpdate(row)

	assert.Equal(t, a.Snapshot(), b.Snapshot())
	assert.Equal(t, []string{"t1", "t0"}, threadIDs(a.Snapshot()))
}

func TestThreadListMergeThread(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})
	l.ApplyMessage(message("m2", "t1", 12))

	// A point read that started before m2 arrived.
	read := thread("t1", 10)
	latest := message("m1", "t1", 10)
	read.LatestItem = &latest
	read.Unread = true
	read.UnreadCount = 1
	read.OtherParticipant.FirstName = "Renamed"

	require.True(t, l.MergeThread(read))
	got, ok := l.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "m2", got.LatestItem.ID, "newer live item survives")
	assert.Equal(t, at(12), got.UpdatedAt)
	assert.True(t, got.Unread)
	assert.Equal(t, "Renamed", got.OtherParticipant.FirstName)
	assert.False(t, l.MergeThread(read), "merging the same read twice is a no-op")

	assert.False(t, l.MergeThread(thread("t7", 1)), "unknown threads are not added")
}

func TestThreadListClearLatestAndRemove(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})
	l.ApplyMessage(message("m1", "t1", 10))

	assert.False(t, l.ClearLatest("t1", "other"))
	require.True(t, l.ClearLatest("t1", "m1"))
	got, _ := l.Get("t1")
	assert.Nil(t, got.LatestItem)

	require.True(t, l.Remove("t1"))
	assert.False(t, l.Remove("t1"))
	assert.Equal(t, []string{"t0"}, l.IDs())
}

func TestThreadListSnapshotIsCopy(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5)})
	l.ApplyMessage(message("m1", "t0", 10))

	snap := l.Snapshot()
	snap[0].LatestItem.Body = "mutated"
	snap[0].Unread = true

	got, _ := l.Get("t0")
	assert.Equal(t, "body m1", got.LatestItem.Body)
	assert.False(t, got.Unread)
}

func TestThreadListMergeDropsUnconfirmedEcho(t *testing.T) {
	var l ThreadList
	l.Replace([]store.Thread{thread("t0", 5), thread("t1", 1)})
	local := message("x", "t1", 10)
	local.Pending = true
	l.ApplyMessage(local)

	read := thread("t1", 1)
	latest := message("m1", "t1", 1)
	read.LatestItem = &latest

	require.True(t, l.MergeThread(read))
	got, _ := l.Get("t1")
	assert.Equal(t, "m1", got.LatestItem.ID)
	assert.Equal(t, at(1), got.UpdatedAt)
	assert.Equal(t, []string{"t0", "t1"}, l.IDs())
}
