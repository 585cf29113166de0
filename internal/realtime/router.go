package realtime

import (
	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/scope"
	"classbridge/api/internal/store"
)

// Drop reasons reported by Route.
const (
	ReasonNoScope     = "no_scope"
	ReasonOrgMismatch = "org_mismatch"
	ReasonOutOfScope  = "out_of_scope"
	ReasonNotViewer   = "not_viewer"
	ReasonDeleted     = "deleted"
	ReasonKnownThread = "known_thread"
	ReasonNoChange    = "no_change"
	ReasonUnsupported = "unsupported"
)

type FollowupKind int

const (
	// FollowupDiscover fetches the projection of a thread the viewer may
	// have just joined and inserts it into the list.
	FollowupDiscover FollowupKind = iota + 1
	// FollowupRefreshThread re-reads one listed thread.
	FollowupRefreshThread
	// FollowupMarkRead clears the unread flag of the open thread.
	FollowupMarkRead
)

// Followup is asynchronous work an event asks for. Route never performs I/O.
type Followup struct {
	Kind     FollowupKind
	ThreadID string
	// CheckMembership requires the membership point read before discovery.
	CheckMembership bool
}

type Result struct {
	Applied   bool
	Reason    string
	Followups []Followup
}

func dropped(reason string) Result {
	return Result{Reason: reason}
}

// Router dispatches change events to the projections of one session.
type Router struct {
	threads *ThreadList
	open    *OpenThread
	notes   *Notifications
}

func NewRouter(threads *ThreadList, open *OpenThread, notes *Notifications) *Router {
	return &Router{threads: threads, open: open, notes: notes}
}

// Route applies ev to the projections when sc admits it.
func (r *Router) Route(sc *scope.Scope, ev changefeed.Event) Result {
	if sc == nil {
		return dropped(ReasonNoScope)
	}
	if ev.OrgID() != sc.OrgID {
		return dropped(ReasonOrgMismatch)
	}

	switch e := ev.(type) {
	case changefeed.MessageInserted:
		return r.messageInserted(sc, e.After)
	case changefeed.MessageUpdated:
		return r.messageUpdated(sc, e.After)
	case changefeed.ParticipantInserted:
		return r.participantInserted(sc, e.After)
	case changefeed.ParticipantUpdated:
		return r.participantUpdated(sc, e.After)
	case changefeed.ParticipantDeleted:
		if e.Before.UserID != sc.UserID {
			return dropped(ReasonNotViewer)
		}
		return r.removeThread(sc, e.Before.ThreadID)
	case changefeed.ThreadInserted:
		if sc.HasThread(e.After.ID) || r.threads.Has(e.After.ID) {
			return dropped(ReasonKnownThread)
		}
		return Result{Followups: []Followup{{Kind: FollowupDiscover, ThreadID: e.After.ID, CheckMembership: true}}}
	case changefeed.ThreadUpdated:
		if !sc.HasThread(e.After.ID) {
			return dropped(ReasonOutOfScope)
		}
		return Result{
			Applied:   r.threads.ApplyThreadUpdate(e.After),
			Followups: []Followup{{Kind: FollowupRefreshThread, ThreadID: e.After.ID}},
		}
	case changefeed.ThreadDeleted:
		return r.removeThread(sc, e.Before.ID)
	case changefeed.NotificationInserted:
		if e.After.UserID != sc.UserID {
			return dropped(ReasonNotViewer)
		}
		return applied(r.notes.ApplyInsert(e.After.Notification()))
	case changefeed.NotificationUpdated:
		if e.After.UserID != sc.UserID {
			return dropped(ReasonNotViewer)
		}
		var before *store.Notification
		if e.Before != nil {
			row := e.Before.Notification()
			before = &row
		}
		return applied(r.notes.ApplyUpdate(e.After.Notification(), before))
	case changefeed.NotificationDeleted:
		if e.Before.UserID != sc.UserID {
			return dropped(ReasonNotViewer)
		}
		return applied(r.notes.ApplyDelete(e.Before.Notification()))
	}
	return dropped(ReasonUnsupported)
}

func applied(ok bool) Result {
	if !ok {
		return dropped(ReasonNoChange)
	}
	return Result{Applied: true}
}

func (r *Router) messageInserted(sc *scope.Scope, row changefeed.MessageRow) Result {
	if !sc.HasThread(row.ThreadID) {
		return dropped(ReasonOutOfScope)
	}
	if row.DeletedAt != nil {
		return dropped(ReasonDeleted)
	}
	msg := row.Message()
	ok := r.threads.ApplyMessage(msg)
	if r.open.Is(row.ThreadID) {
		ok = r.open.ApplyMessage(msg) || ok
	}
	return applied(ok)
}

func (r *Router) messageUpdated(sc *scope.Scope, row changefeed.MessageRow) Result {
	if !sc.HasThread(row.ThreadID) {
		return dropped(ReasonOutOfScope)
	}
	msg := row.Message()
	ok := false
	if r.open.Is(row.ThreadID) {
		ok = r.open.ApplyMessage(msg)
	}
	if row.DeletedAt != nil && !r.threads.ClearLatest(row.ThreadID, row.ID) {
		return applied(ok)
	}
	// The latest item went away or a message came back; either way the
	// thread's latest item has to be re-derived.
	return Result{Applied: true, Followups: []Followup{{Kind: FollowupRefreshThread, ThreadID: row.ThreadID}}}
}

func (r *Router) participantInserted(sc *scope.Scope, row changefeed.ParticipantRow) Result {
	if row.UserID != sc.UserID {
		return dropped(ReasonNotViewer)
	}
	if r.threads.Has(row.ThreadID) {
		return applied(r.threads.ApplyParticipant(row.Participant()))
	}
	// The row itself proves membership.
	return Result{Followups: []Followup{{Kind: FollowupDiscover, ThreadID: row.ThreadID}}}
}

func (r *Router) participantUpdated(sc *scope.Scope, row changefeed.ParticipantRow) Result {
	if row.UserID != sc.UserID {
		return dropped(ReasonNotViewer)
	}
	if !sc.HasThread(row.ThreadID) {
		return dropped(ReasonOutOfScope)
	}
	ok := r.threads.ApplyParticipant(row.Participant())
	if !r.open.Is(row.ThreadID) {
		return applied(ok)
	}
	ok = r.open.SetUnread(row.Unread) || ok
	res := applied(ok)
	if row.Unread {
		res.Followups = append(res.Followups, Followup{Kind: FollowupMarkRead, ThreadID: row.ThreadID})
	}
	return res
}

func (r *Router) removeThread(sc *scope.Scope, threadID string) Result {
	if !sc.HasThread(threadID) && !r.threads.Has(threadID) {
		return dropped(ReasonOutOfScope)
	}
	ok := r.threads.Remove(threadID)
	if r.open.Is(threadID) {
		r.open.Close()
		ok = true
	}
	return applied(ok)
}
