package changefeed

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageInsert(t *testing.T) {
	payload := `{"entity":"ThreadMessage","operation":"INSERT","after":{
		"id":"m1","thread_id":"t1","org_id":"o1","author_id":"u2","body":"hi",
		"created_at":"2026-03-01T10:00:00Z","deleted_at":null}}`

	ev, err := Decode([]byte(payload))
	require.NoError(t, err)

	msg, ok := ev.(MessageInserted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "o1", ev.OrgID())
	assert.Equal(t, EntityMessage, ev.Entity())
	assert.Equal(t, OpInsert, ev.Operation())
	assert.Equal(t, "t1", msg.After.ThreadID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), msg.After.CreatedAt)
	assert.Nil(t, msg.After.DeletedAt)
}

func TestDecodeUpdateWithoutBefore(t *testing.T) {
	payload := `{"entity":"Participant","operation":"UPDATE","after":{
		"thread_id":"t1","user_id":"u1","org_id":"o1","unread":true,"role":"teacher"}}`

	ev, err := Decode([]byte(payload))
	require.NoError(t, err)
	upd := ev.(ParticipantUpdated)
	assert.Nil(t, upd.Before)
	assert.True(t, upd.After.Unread)
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"not json", `{"entity":`, ErrMalformed},
		{"missing after", `{"entity":"Thread","operation":"INSERT"}`, ErrMalformed},
		{"missing org", `{"entity":"Thread","operation":"INSERT","after":{"id":"t1","created_at":"2026-03-01T10:00:00Z","updated_at":"2026-03-01T10:00:00Z"}}`, ErrMalformed},
		{"missing timestamp", `{"entity":"Thread","operation":"INSERT","after":{"id":"t1","org_id":"o1"}}`, ErrMalformed},
		{"read without read_at", `{"entity":"Notification","operation":"UPDATE","after":{"id":"n1","user_id":"u1","org_id":"o1","is_read":true,"created_at":"2026-03-01T10:00:00Z"}}`, ErrMalformed},
		{"read_at while unread", `{"entity":"Notification","operation":"INSERT","after":{"id":"n1","user_id":"u1","org_id":"o1","is_read":false,"read_at":"2026-03-01T10:00:00Z","created_at":"2026-03-01T10:00:00Z"}}`, ErrMalformed},
		{"message delete", `{"entity":"ThreadMessage","operation":"DELETE","before":{"id":"m1"}}`, ErrUnsupported},
		{"unknown entity", `{"entity":"Photo","operation":"INSERT","after":{}}`, ErrUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.payload))
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	readAt := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	before := NotificationRow{ID: "n1", UserID: "u1", OrgID: "o1", CreatedAt: readAt.Add(-time.Hour)}
	after := before
	after.IsRead = true
	after.ReadAt = &readAt

	payload, err := Encode(NotificationUpdated{Before: &before, After: after})
	require.NoError(t, err)

	ev, err := Decode(payload)
	require.NoError(t, err)
	upd := ev.(NotificationUpdated)
	require.NotNil(t, upd.Before)
	assert.False(t, upd.Before.IsRead)
	assert.True(t, upd.After.IsRead)
	assert.True(t, readAt.Equal(*upd.After.ReadAt))
}

func TestChannelFor(t *testing.T) {
	now := time.Now()
	tests := []struct {
		ev   Event
		want string
	}{
		{ThreadInserted{After: ThreadRow{ID: "t1", OrgID: "o1", CreatedAt: now, UpdatedAt: now}}, "rt:o1:threads"},
		{ThreadUpdated{After: ThreadRow{ID: "t1", OrgID: "o1"}}, "rt:o1:thread:t1"},
		{MessageInserted{After: MessageRow{ID: "m1", ThreadID: "t1", OrgID: "o1"}}, "rt:o1:thread:t1"},
		{ParticipantUpdated{After: ParticipantRow{ThreadID: "t1", UserID: "u1", OrgID: "o1"}}, "rt:o1:user:u1"},
		{NotificationDeleted{Before: NotificationRow{ID: "n1", UserID: "u1", OrgID: "o1"}}, "rt:o1:user:u1"},
	}
	for _, tt := range tests {
		got, err := ChannelFor(tt.ev)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%T", tt.ev)
	}
}
