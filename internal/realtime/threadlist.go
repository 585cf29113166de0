package realtime

import (
	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/store"
)

// ThreadList is the viewer's threads, most recently updated first.
type ThreadList struct {
	threads []store.Thread
}

// Replace overwrites the projection with an authoritative snapshot.
func (l *ThreadList) Replace(threads []store.Thread) {
	l.threads = make([]store.Thread, 0, len(threads))
	for _, t := range threads {
		l.threads = append(l.threads, cloneThread(t))
	}
}

func (l *ThreadList) Snapshot() []store.Thread {
	out := make([]store.Thread, 0, len(l.threads))
	for _, t := range l.threads {
		out = append(out, cloneThread(t))
	}
	return out
}

func (l *ThreadList) IDs() []string {
	ids := make([]string, 0, len(l.threads))
	for _, t := range l.threads {
		ids = append(ids, t.ID)
	}
	return ids
}

func (l *ThreadList) Has(threadID string) bool {
	return l.index(threadID) >= 0
}

func (l *ThreadList) Get(threadID string) (store.Thread, bool) {
	i := l.index(threadID)
	if i < 0 {
		return store.Thread{}, false
	}
	return cloneThread(l.threads[i]), true
}

func (l *ThreadList) index(threadID string) int {
	for i := range l.threads {
		if l.threads[i].ID == threadID {
			return i
		}
	}
	return -1
}

// ApplyMessage makes msg the latest item of its thread and moves the thread
// up. Messages of unknown threads, soft-deleted messages and messages older
// than the current latest item are ignored. A message with the id of the
// current latest item replaces it in place, which is how a local echo gets
// confirmed.
func (l *ThreadList) ApplyMessage(msg store.ThreadMessage) bool {
	i := l.index(msg.ThreadID)
	if i < 0 || msg.DeletedAt != nil {
		return false
	}
	t := l.threads[i]
	if latest := t.LatestItem; latest != nil {
		if latest.ID == msg.ID {
			if *latest == msg {
				return false
			}
			m := msg
			l.threads[i].LatestItem = &m
			return true
		}
		if latest.CreatedAt.After(msg.CreatedAt) {
			return false
		}
	}

	m := msg
	t.LatestItem = &m
	if msg.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = msg.CreatedAt
	}
	l.threads[i] = t
	l.reposition(i)
	return true
}

// ApplyParticipant updates the viewer's unread flag in place.
func (l *ThreadList) ApplyParticipant(p store.Participant) bool {
	i := l.index(p.ThreadID)
	if i < 0 || l.threads[i].Unread == p.Unread {
		return false
	}
	l.threads[i].Unread = p.Unread
	l.threads[i].UnreadCount = store.UnreadCountFor(p.Unread)
	return true
}

// ApplyNewThread inserts a discovered thread. A thread that is already
// listed is left alone.
func (l *ThreadList) ApplyNewThread(t store.Thread) bool {
	if t.ID == "" || l.Has(t.ID) {
		return false
	}
	l.threads = append(l.threads, cloneThread(t))
	l.reposition(len(l.threads) - 1)
	return true
}

// ApplyThreadUpdate merges the thread row into the listed entry. The rest of
// the projection comes from a follow-up point read.
func (l *ThreadList) ApplyThreadUpdate(row changefeed.ThreadRow) bool {
	i := l.index(row.ID)
	if i < 0 || !row.UpdatedAt.After(l.threads[i].UpdatedAt) {
		return false
	}
	l.threads[i].UpdatedAt = row.UpdatedAt
	l.reposition(i)
	return true
}

// MergeThread folds a point-read projection into the listed entry. Fields
// that only move forward keep the newer value so a read that raced a live
// event cannot roll it back.
func (l *ThreadList) MergeThread(t store.Thread) bool {
	i := l.index(t.ID)
	if i < 0 {
		return false
	}
	cur := l.threads[i]
	next := cloneThread(t)
	// An unconfirmed local echo does not outlive an authoritative read.
	if cur.LatestItem == nil || !cur.LatestItem.Pending {
		if cur.UpdatedAt.After(next.UpdatedAt) {
			next.UpdatedAt = cur.UpdatedAt
		}
		if cur.LatestItem != nil && (next.LatestItem == nil || cur.LatestItem.CreatedAt.After(next.LatestItem.CreatedAt)) {
			latest := *cur.LatestItem
			next.LatestItem = &latest
		}
	}
	if threadsEqual(cur, next) {
		return false
	}
	l.threads[i] = next
	l.reposition(i)
	return true
}

// ClearLatest drops the latest item of threadID if it is messageID.
func (l *ThreadList) ClearLatest(threadID, messageID string) bool {
	i := l.index(threadID)
	if i < 0 || l.threads[i].LatestItem == nil || l.threads[i].LatestItem.ID != messageID {
		return false
	}
	l.threads[i].LatestItem = nil
	return true
}

func (l *ThreadList) Remove(threadID string) bool {
	i := l.index(threadID)
	if i < 0 {
		return false
	}
	l.threads = append(l.threads[:i], l.threads[i+1:]...)
	return true
}

// reposition moves the entry at i ahead of every entry that is not newer.
// Entries keep their relative order otherwise.
func (l *ThreadList) reposition(i int) {
	t := l.threads[i]
	rest := append(l.threads[:i:i], l.threads[i+1:]...)
	j := 0
	for j < len(rest) && rest[j].UpdatedAt.After(t.UpdatedAt) {
		j++
	}
	out := make([]store.Thread, 0, len(l.threads))
	out = append(out, rest[:j]...)
	out = append(out, t)
	out = append(out, rest[j:]...)
	l.threads = out
}

func cloneThread(t store.Thread) store.Thread {
	if t.LatestItem != nil {
		latest := *t.LatestItem
		t.LatestItem = &latest
	}
	return t
}

func threadsEqual(a, b store.Thread) bool {
	if a.ID != b.ID || a.OrgID != b.OrgID || !a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) ||
		a.OtherParticipant != b.OtherParticipant || a.Unread != b.Unread || a.UnreadCount != b.UnreadCount {
		return false
	}
	if a.LatestItem == nil || b.LatestItem == nil {
		return a.LatestItem == b.LatestItem
	}
	return *a.LatestItem == *b.LatestItem
}
