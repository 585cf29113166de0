// Package changefeed carries row-level change events for threads, messages,
// participants and notifications over Redis pub/sub.
package changefeed

import (
	"encoding/json"
	"time"

	"classbridge/api/internal/store"
)

type Entity string

const (
	EntityThread       Entity = "Thread"
	EntityMessage      Entity = "ThreadMessage"
	EntityParticipant  Entity = "Participant"
	EntityNotification Entity = "Notification"
)

type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Event is one decoded change. The concrete type names the (entity,
// operation) pair; Before and After rows hang off the concrete type.
type Event interface {
	Entity() Entity
	Operation() Operation
	// OrgID is the tenant the changed row belongs to.
	OrgID() string
}

type ThreadRow struct {
	ID        string    `json:"id" validate:"required"`
	OrgID     string    `json:"org_id" validate:"required"`
	CreatedAt time.Time `json:"created_at" validate:"required"`
	UpdatedAt time.Time `json:"updated_at" validate:"required"`
}

type MessageRow struct {
	ID        string     `json:"id" validate:"required"`
	ThreadID  string     `json:"thread_id" validate:"required"`
	OrgID     string     `json:"org_id" validate:"required"`
	AuthorID  string     `json:"author_id" validate:"required"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"created_at" validate:"required"`
	DeletedAt *time.Time `json:"deleted_at"`
}

func (r MessageRow) Message() store.ThreadMessage {
	return store.ThreadMessage{
		ID:        r.ID,
		ThreadID:  r.ThreadID,
		AuthorID:  r.AuthorID,
		Body:      r.Body,
		CreatedAt: r.CreatedAt,
		DeletedAt: r.DeletedAt,
	}
}

type ParticipantRow struct {
	ThreadID string `json:"thread_id" validate:"required"`
	UserID   string `json:"user_id" validate:"required"`
	OrgID    string `json:"org_id" validate:"required"`
	Unread   bool   `json:"unread"`
	Role     string `json:"role"`
}

func (r ParticipantRow) Participant() store.Participant {
	return store.Participant{ThreadID: r.ThreadID, UserID: r.UserID, Unread: r.Unread, Role: r.Role}
}

// NotificationRow must carry ReadAt exactly when IsRead is set.
type NotificationRow struct {
	ID        string          `json:"id" validate:"required"`
	UserID    string          `json:"user_id" validate:"required"`
	OrgID     string          `json:"org_id" validate:"required"`
	Kind      string          `json:"kind"`
	IsRead    bool            `json:"is_read"`
	ReadAt    *time.Time      `json:"read_at"`
	CreatedAt time.Time       `json:"created_at" validate:"required"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func (r NotificationRow) Notification() store.Notification {
	return store.Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		OrgID:     r.OrgID,
		Kind:      r.Kind,
		IsRead:    r.IsRead,
		ReadAt:    r.ReadAt,
		CreatedAt: r.CreatedAt,
		Payload:   r.Payload,
	}
}

type ThreadInserted struct{ After ThreadRow }

type ThreadUpdated struct {
	Before *ThreadRow
	After  ThreadRow
}

type ThreadDeleted struct{ Before ThreadRow }

type MessageInserted struct{ After MessageRow }

// MessageUpdated is only ever a soft delete or undelete since message bodies
// are immutable.
type MessageUpdated struct {
	Before *MessageRow
	After  MessageRow
}

type ParticipantInserted struct{ After ParticipantRow }

type ParticipantUpdated struct {
	Before *ParticipantRow
	After  ParticipantRow
}

type ParticipantDeleted struct{ Before ParticipantRow }

type NotificationInserted struct{ After NotificationRow }

type NotificationUpdated struct {
	Before *NotificationRow
	After  NotificationRow
}

type NotificationDeleted struct{ Before NotificationRow }

func (ev ThreadInserted) Entity() Entity       { return EntityThread }
func (ev ThreadInserted) Operation() Operation { return OpInsert }
func (ev ThreadInserted) OrgID() string        { return ev.After.OrgID }

func (ev ThreadUpdated) Entity() Entity       { return EntityThread }
func (ev ThreadUpdated) Operation() Operation { return OpUpdate }
func (ev ThreadUpdated) OrgID() string        { return ev.After.OrgID }

func (ev ThreadDeleted) Entity() Entity       { return EntityThread }
func (ev ThreadDeleted) Operation() Operation { return OpDelete }
func (ev ThreadDeleted) OrgID() string        { return ev.Before.OrgID }

func (ev MessageInserted) Entity() Entity       { return EntityMessage }
func (ev MessageInserted) Operation() Operation { return OpInsert }
func (ev MessageInserted) OrgID() string        { return ev.After.OrgID }

func (ev MessageUpdated) Entity() Entity       { return EntityMessage }
func (ev MessageUpdated) Operation() Operation { return OpUpdate }
func (ev MessageUpdated) OrgID() string        { return ev.After.OrgID }

func (ev ParticipantInserted) Entity() Entity       { return EntityParticipant }
func (ev ParticipantInserted) Operation() Operation { return OpInsert }
func (ev ParticipantInserted) OrgID() string        { return ev.After.OrgID }

func (ev ParticipantUpdated) Entity() Entity       { return EntityParticipant }
func (ev ParticipantUpdated) Operation() Operation { return OpUpdate }
func (ev ParticipantUpdated) OrgID() string        { return ev.After.OrgID }

func (ev ParticipantDeleted) Entity() Entity       { return EntityParticipant }
func (ev ParticipantDeleted) Operation() Operation { return OpDelete }
func (ev ParticipantDeleted) OrgID() string        { return ev.Before.OrgID }

func (ev NotificationInserted) Entity() Entity       { return EntityNotification }
func (ev NotificationInserted) Operation() Operation { return OpInsert }
func (ev NotificationInserted) OrgID() string        { return ev.After.OrgID }

func (ev NotificationUpdated) Entity() Entity       { return EntityNotification }
func (ev NotificationUpdated) Operation() Operation { return OpUpdate }
func (ev NotificationUpdated) OrgID() string        { return ev.After.OrgID }

func (ev NotificationDeleted) Entity() Entity       { return EntityNotification }
func (ev NotificationDeleted) Operation() Operation { return OpDelete }
func (ev NotificationDeleted) OrgID() string        { return ev.Before.OrgID }
