package store

import (
	"encoding/json"
	"time"
)

// ParticipantProfile is the display data of the other side of a direct thread.
type ParticipantProfile struct {
	UserID    string `json:"userId"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Role      string `json:"role"`
}

type ThreadMessage struct {
	ID        string     `json:"id"`
	ThreadID  string     `json:"threadId"`
	AuthorID  string     `json:"authorId"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	// Pending marks a local echo that the backend has not confirmed yet.
	Pending bool `json:"pending,omitempty"`
}

// Participant is the join row between a user and a thread. Exactly one
// row exists per (ThreadID, UserID).
type Participant struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	Unread   bool   `json:"unread"`
	Role     string `json:"role"`
}

// Thread is the viewer-relative projection of a conversation. Unread and
// UnreadCount describe the viewing user only; UnreadCount is 0 or 1.
type Thread struct {
	ID               string             `json:"id"`
	OrgID            string             `json:"orgId"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	OtherParticipant ParticipantProfile `json:"otherParticipant"`
	LatestItem       *ThreadMessage     `json:"latestItem"`
	Unread           bool               `json:"unread"`
	UnreadCount      int                `json:"unreadCount"`
}

type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	OrgID     string          `json:"orgId"`
	Kind      string          `json:"kind"`
	IsRead    bool            `json:"isRead"`
	ReadAt    *time.Time      `json:"readAt"`
	CreatedAt time.Time       `json:"createdAt"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// UnreadCountFor maps the per-participant unread flag onto the thread counter.
func UnreadCountFor(unread bool) int {
	if unread {
		return 1
	}
	return 0
}
