// Package scope resolves which change events concern a client session: the
// viewing user, the organization they act in, and the threads they
// participate in.
package scope

import (
	"sort"
)

// Identity is the part of a scope whose change forces a full teardown.
type Identity struct {
	UserID string
	OrgID  string
}

func (id Identity) Valid() bool {
	return id.UserID != "" && id.OrgID != ""
}

// Key names the subscription that serves this identity.
func (id Identity) Key() string {
	return id.UserID + ":" + id.OrgID
}

type Scope struct {
	Identity
	threadIDs map[string]struct{}
}

// New returns a scope for id covering threadIDs. It returns nil when the
// identity is incomplete.
func New(id Identity, threadIDs []string) *Scope {
	if !id.Valid() {
		return nil
	}
	s := &Scope{Identity: id, threadIDs: make(map[string]struct{}, len(threadIDs))}
	for _, threadID := range threadIDs {
		if threadID != "" {
			s.threadIDs[threadID] = struct{}{}
		}
	}
	return s
}

func (s *Scope) HasThread(threadID string) bool {
	if s == nil {
		return false
	}
	_, ok := s.threadIDs[threadID]
	return ok
}

// ThreadIDs returns the thread ids in sorted order.
func (s *Scope) ThreadIDs() []string {
	if s == nil {
		return nil
	}
	ids := make([]string, 0, len(s.threadIDs))
	for id := range s.threadIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Scope) withThreads(threadIDs []string) *Scope {
	return New(s.Identity, threadIDs)
}
