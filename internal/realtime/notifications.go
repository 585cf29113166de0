package realtime

import (
	"time"

	"classbridge/api/internal/store"
)

const (
	defaultNotificationLimit = 50
	maxEarlyNotifications    = 256
	maxOffPageNotifications  = 1024
)

type earlyNotification struct {
	row     store.Notification
	deleted bool
}

// Notifications is the viewer's notification feed, newest first and capped
// at a limit, together with the unread counter. The counter covers all of
// the viewer's notifications, listed or not, and is healed from an
// authoritative count.
type Notifications struct {
	limit  int
	items  []store.Notification
	unread int
	// more is set once notifications are known to exist past the page.
	more bool
	// offPage holds the read state of ids that fell off or never made the page.
	offPage map[string]bool
	// early remembers updates and deletes that overtook their insert, and
	// deletes already applied.
	early map[string]earlyNotification
}

func NewNotifications(limit int) *Notifications {
	if limit <= 0 {
		limit = defaultNotificationLimit
	}
	return &Notifications{
		limit:   limit,
		offPage: make(map[string]bool),
		early:   make(map[string]earlyNotification),
	}
}

func (n *Notifications) Unread() int { return n.unread }

func (n *Notifications) Limit() int { return n.limit }

func (n *Notifications) Snapshot() []store.Notification {
	out := make([]store.Notification, len(n.items))
	copy(out, n.items)
	return out
}

// Replace overwrites the feed and the counter with authoritative values. A
// full page means more notifications may exist past it.
func (n *Notifications) Replace(items []store.Notification, unread int) {
	n.more = len(items) >= n.limit
	if len(items) > n.limit {
		items = items[:n.limit]
	}
	n.items = make([]store.Notification, len(items))
	copy(n.items, items)
	n.SetUnread(unread)
	clear(n.offPage)
	clear(n.early)
}

// SetUnread overwrites the counter with an authoritative count.
func (n *Notifications) SetUnread(count int) bool {
	count = max(count, 0)
	if count == n.unread {
		return false
	}
	n.unread = count
	return true
}

// ApplyInsert adds a new notification. A duplicate delivery is a no-op. If
// an update or delete for the id was seen first, the later state wins. An
// insert older than the page is not listed but still counted.
func (n *Notifications) ApplyInsert(item store.Notification) bool {
	if n.index(item.ID) >= 0 {
		return false
	}
	if _, ok := n.offPage[item.ID]; ok {
		return false
	}
	if e, ok := n.early[item.ID]; ok {
		if e.deleted {
			return false
		}
		delete(n.early, item.ID)
		item = e.row
	}

	j := 0
	for j < len(n.items) && n.items[j].CreatedAt.After(item.CreatedAt) {
		j++
	}
	if j >= n.limit || (j == len(n.items) && n.more) {
		n.trackOffPage(item.ID, item.IsRead)
		if item.IsRead {
			return false
		}
		n.unread++
		return true
	}
	n.items = append(n.items, store.Notification{})
	copy(n.items[j+1:], n.items[j:])
	n.items[j] = item
	if len(n.items) > n.limit {
		tail := n.items[n.limit]
		n.items = n.items[:n.limit]
		n.trackOffPage(tail.ID, tail.IsRead)
	}
	if !item.IsRead {
		n.unread++
	}
	return true
}

// ApplyUpdate replaces a listed notification and moves the counter on a read
// state transition. For an id past the page the counter still moves, using
// the tracked state or the row's previous image. Anything else is held until
// its insert arrives.
func (n *Notifications) ApplyUpdate(item store.Notification, before *store.Notification) bool {
	if i := n.index(item.ID); i >= 0 {
		prev := n.items[i]
		n.items[i] = item
		n.countTransition(prev.IsRead, item.IsRead)
		return !notificationsEqual(prev, item)
	}
	if wasRead, ok := n.offPage[item.ID]; ok {
		n.offPage[item.ID] = item.IsRead
		return n.countTransition(wasRead, item.IsRead)
	}
	if before != nil && n.pastPage(item) {
		n.trackOffPage(item.ID, item.IsRead)
		return n.countTransition(before.IsRead, item.IsRead)
	}
	n.remember(item.ID, earlyNotification{row: item})
	return false
}

// ApplyDelete removes a notification from the page or from the off-page
// state. A repeated delete is a no-op.
func (n *Notifications) ApplyDelete(item store.Notification) bool {
	if e, ok := n.early[item.ID]; ok && e.deleted {
		return false
	}
	defer n.remember(item.ID, earlyNotification{deleted: true})

	if i := n.index(item.ID); i >= 0 {
		removed := n.items[i]
		n.items = append(n.items[:i], n.items[i+1:]...)
		if !removed.IsRead {
			n.unread = max(n.unread-1, 0)
		}
		return true
	}
	if wasRead, ok := n.offPage[item.ID]; ok {
		delete(n.offPage, item.ID)
		return n.countTransition(wasRead, true)
	}
	if n.pastPage(item) {
		return n.countTransition(item.IsRead, true)
	}
	return false
}

// MarkRead marks one notification read locally. Only ids the feed knows
// about are touched.
func (n *Notifications) MarkRead(id string, at time.Time) bool {
	if wasRead, ok := n.offPage[id]; ok {
		n.offPage[id] = true
		return n.countTransition(wasRead, true)
	}
	i := n.index(id)
	if i < 0 || n.items[i].IsRead {
		return false
	}
	readAt := at
	n.items[i].IsRead = true
	n.items[i].ReadAt = &readAt
	n.unread = max(n.unread-1, 0)
	return true
}

// MarkAllRead marks every notification read locally, listed or not.
func (n *Notifications) MarkAllRead(at time.Time) bool {
	changed := n.unread != 0
	for i := range n.items {
		if n.items[i].IsRead {
			continue
		}
		readAt := at
		n.items[i].IsRead = true
		n.items[i].ReadAt = &readAt
		changed = true
	}
	for id := range n.offPage {
		n.offPage[id] = true
	}
	n.unread = 0
	return changed
}

// countTransition moves the counter for a read state change and reports
// whether it moved.
func (n *Notifications) countTransition(wasRead, isRead bool) bool {
	switch {
	case !wasRead && isRead:
		if n.unread == 0 {
			return false
		}
		n.unread--
		return true
	case wasRead && !isRead:
		n.unread++
		return true
	}
	return false
}

// pastPage reports whether a notification sorts after every listed item of
// a feed that has more than it lists.
func (n *Notifications) pastPage(item store.Notification) bool {
	if !n.more {
		return false
	}
	return len(n.items) == 0 || n.items[len(n.items)-1].CreatedAt.After(item.CreatedAt)
}

func (n *Notifications) trackOffPage(id string, read bool) {
	n.more = true
	if _, ok := n.offPage[id]; !ok && len(n.offPage) >= maxOffPageNotifications {
		for k := range n.offPage {
			delete(n.offPage, k)
			break
		}
	}
	n.offPage[id] = read
}

func (n *Notifications) remember(id string, e earlyNotification) {
	if prev, ok := n.early[id]; ok && prev.deleted {
		return
	}
	if _, ok := n.early[id]; !ok && len(n.early) >= maxEarlyNotifications {
		for k := range n.early {
			delete(n.early, k)
			break
		}
	}
	n.early[id] = e
}

func (n *Notifications) index(id string) int {
	for i := range n.items {
		if n.items[i].ID == id {
			return i
		}
	}
	return -1
}

func notificationsEqual(a, b store.Notification) bool {
	if a.ID != b.ID || a.UserID != b.UserID || a.OrgID != b.OrgID || a.Kind != b.Kind ||
		a.IsRead != b.IsRead || !a.CreatedAt.Equal(b.CreatedAt) || string(a.Payload) != string(b.Payload) {
		return false
	}
	if a.ReadAt == nil || b.ReadAt == nil {
		return a.ReadAt == b.ReadAt
	}
	return a.ReadAt.Equal(*b.ReadAt)
}
