package scope

// Change classifies how a scope moved between two resolutions.
type Change int

const (
	ChangeNone Change = iota
	// ChangeThreads means only the thread set moved; the live subscription
	// can be retargeted in place.
	ChangeThreads
	// ChangeIdentity means user or organization changed (or appeared); the
	// subscription must be torn down and rebuilt.
	ChangeIdentity
	// ChangeLost means no scope is available anymore.
	ChangeLost
)

func (c Change) String() string {
	switch c {
	case ChangeThreads:
		return "threads"
	case ChangeIdentity:
		return "identity"
	case ChangeLost:
		return "lost"
	default:
		return "none"
	}
}

type Signal struct {
	Kind    Change
	Scope   *Scope
	Added   []string
	Removed []string
}

// Resolver tracks the current scope. It is not safe for concurrent use; a
// session owns one and mutates it from its event loop.
type Resolver struct {
	current *Scope
}

func (r *Resolver) Current() *Scope {
	return r.current
}

// SetIdentity resolves a new identity. Thread ids are dropped when the
// identity changes because they belong to the previous user or organization.
func (r *Resolver) SetIdentity(id Identity) Signal {
	if !id.Valid() {
		if r.current == nil {
			return Signal{Kind: ChangeNone}
		}
		r.current = nil
		return Signal{Kind: ChangeLost}
	}
	if r.current != nil && r.current.Identity == id {
		return Signal{Kind: ChangeNone, Scope: r.current}
	}
	r.current = New(id, nil)
	return Signal{Kind: ChangeIdentity, Scope: r.current}
}

// SetThreads replaces the thread set of the current scope and reports the
// delta. Without a current scope nothing changes.
func (r *Resolver) SetThreads(threadIDs []string) Signal {
	if r.current == nil {
		return Signal{Kind: ChangeNone}
	}
	next := r.current.withThreads(threadIDs)
	added, removed := diff(r.current, next)
	r.current = next
	if len(added) == 0 && len(removed) == 0 {
		return Signal{Kind: ChangeNone, Scope: next}
	}
	return Signal{Kind: ChangeThreads, Scope: next, Added: added, Removed: removed}
}

// AddThread grows the thread set by one id.
func (r *Resolver) AddThread(threadID string) Signal {
	if r.current == nil || r.current.HasThread(threadID) {
		return Signal{Kind: ChangeNone, Scope: r.current}
	}
	return r.SetThreads(append(r.current.ThreadIDs(), threadID))
}

func diff(prev, next *Scope) (added, removed []string) {
	for _, id := range next.ThreadIDs() {
		if !prev.HasThread(id) {
			added = append(added, id)
		}
	}
	for _, id := range prev.ThreadIDs() {
		if !next.HasThread(id) {
			removed = append(removed, id)
		}
	}
	return added, removed
}
