package realtime

import (
	"classbridge/api/internal/store"
)

// OpenThread holds the messages of the single thread the viewer has open,
// oldest first. Until the first refetch for the thread lands, live messages
// are held back and merged into the snapshot by id.
type OpenThread struct {
	threadID string
	loaded   bool
	unread   bool
	messages []store.ThreadMessage
	early    []store.ThreadMessage
}

// Open switches to threadID and discards whatever was open before.
func (o *OpenThread) Open(threadID string) {
	o.threadID = threadID
	o.loaded = false
	o.unread = false
	o.messages = nil
	o.early = nil
}

func (o *OpenThread) Close() {
	o.Open("")
}

func (o *OpenThread) ThreadID() string { return o.threadID }

func (o *OpenThread) Loaded() bool { return o.loaded }

func (o *OpenThread) Is(threadID string) bool {
	return o.threadID != "" && o.threadID == threadID
}

func (o *OpenThread) Unread() bool { return o.unread }

// SetUnread records the viewer's unread flag for the open thread.
func (o *OpenThread) SetUnread(unread bool) bool {
	if o.threadID == "" || o.unread == unread {
		return false
	}
	o.unread = unread
	return true
}

func (o *OpenThread) Snapshot() []store.ThreadMessage {
	out := make([]store.ThreadMessage, len(o.messages))
	copy(out, o.messages)
	return out
}

// Replace installs the authoritative messages of threadID. It reports false
// when another thread has been opened since the refetch was issued.
func (o *OpenThread) Replace(threadID string, messages []store.ThreadMessage) bool {
	if !o.Is(threadID) {
		return false
	}
	early := o.early
	o.messages = make([]store.ThreadMessage, 0, len(messages)+len(early))
	o.early = nil
	o.loaded = true
	for _, m := range messages {
		if m.DeletedAt == nil {
			o.insert(m)
		}
	}
	for _, m := range early {
		switch {
		case m.DeletedAt != nil:
			o.remove(m.ID)
		case o.index(m.ID) < 0:
			o.insert(m)
		}
	}
	return true
}

// ApplyMessage adds a confirmed message. A message whose id is already
// present replaces it, so the remote insert of a local echo leaves exactly
// one copy. A soft-deleted message is removed instead.
func (o *OpenThread) ApplyMessage(msg store.ThreadMessage) bool {
	if !o.Is(msg.ThreadID) {
		return false
	}
	if !o.loaded {
		o.buffer(msg)
		return false
	}
	if msg.DeletedAt != nil {
		return o.remove(msg.ID)
	}
	if i := o.index(msg.ID); i >= 0 {
		if o.messages[i] == msg {
			return false
		}
		o.messages[i] = msg
		return true
	}
	o.insert(msg)
	return true
}

// ApplyLocal appends the optimistic echo of a message the viewer just sent.
// It is a no-op once the message is known.
func (o *OpenThread) ApplyLocal(msg store.ThreadMessage) bool {
	if !o.Is(msg.ThreadID) || o.index(msg.ID) >= 0 {
		return false
	}
	msg.Pending = true
	if !o.loaded {
		o.buffer(msg)
		return false
	}
	o.insert(msg)
	return true
}

// ApplyDeletion removes a soft-deleted message.
func (o *OpenThread) ApplyDeletion(msg store.ThreadMessage) bool {
	if msg.DeletedAt == nil {
		return false
	}
	return o.ApplyMessage(msg)
}

func (o *OpenThread) buffer(msg store.ThreadMessage) {
	for i := range o.early {
		if o.early[i].ID == msg.ID {
			if o.early[i].Pending && !msg.Pending || msg.DeletedAt != nil {
				o.early[i] = msg
			}
			return
		}
	}
	o.early = append(o.early, msg)
}

func (o *OpenThread) index(id string) int {
	for i := len(o.messages) - 1; i >= 0; i-- {
		if o.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insert keeps messages ordered by createdAt; equal timestamps keep arrival
// order.
func (o *OpenThread) insert(msg store.ThreadMessage) {
	j := len(o.messages)
	for j > 0 && o.messages[j-1].CreatedAt.After(msg.CreatedAt) {
		j--
	}
	o.messages = append(o.messages, store.ThreadMessage{})
	copy(o.messages[j+1:], o.messages[j:])
	o.messages[j] = msg
}

func (o *OpenThread) remove(id string) bool {
	i := o.index(id)
	if i < 0 {
		return false
	}
	o.messages = append(o.messages[:i], o.messages[i+1:]...)
	return true
}
