// Package realtime keeps a viewer's thread list, open thread and
// notification feed consistent with the backend while change events arrive
// out of order and more than once.
package realtime

import (
	"context"
	"errors"

	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/snapcache"
	"classbridge/api/internal/store"
)

var (
	ErrNoScope       = errors.New("no active scope")
	ErrUnknownThread = errors.New("thread not in scope")
	ErrSessionClosed = errors.New("session closed")
)

// Source is the authoritative read side used for refetches and membership
// checks.
type Source interface {
	ListThreads(ctx context.Context, orgID, viewerID string) ([]store.Thread, error)
	GetThread(ctx context.Context, orgID, viewerID, threadID string) (store.Thread, error)
	GetParticipant(ctx context.Context, threadID, userID string) (store.Participant, error)
	ListMessages(ctx context.Context, orgID, threadID string) ([]store.ThreadMessage, error)
	ListNotifications(ctx context.Context, orgID, userID string, limit int) ([]store.Notification, error)
	UnreadNotificationCount(ctx context.Context, orgID, userID string) (int, error)
}

// Writer performs the writes behind optimistic local mutations.
type Writer interface {
	SendMessage(ctx context.Context, orgID string, msg store.ThreadMessage) error
	CreateThread(ctx context.Context, orgID, creatorID, recipientID, threadID string) (string, error)
	MarkThreadRead(ctx context.Context, orgID, threadID, userID string) error
	MarkNotificationRead(ctx context.Context, orgID, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, orgID, userID string) error
}

// SnapshotCache keeps the last authoritative projections for instant paint.
type SnapshotCache interface {
	Load(ctx context.Context, key string) (*snapcache.Snapshot, error)
	Save(ctx context.Context, key string, snap snapcache.Snapshot) error
}

// Feed is the live side of a session. *changefeed.Subscription implements
// it; tests drive sessions with synthetic channels.
type Feed interface {
	Events() <-chan changefeed.Event
	Statuses() <-chan changefeed.Status
	Status() changefeed.Status
	Watch(ctx context.Context, threadIDs ...string) error
	Unwatch(ctx context.Context, threadIDs ...string) error
}
