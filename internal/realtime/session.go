package realtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/logger"
	"classbridge/api/internal/metrics"
	"classbridge/api/internal/scope"
	"classbridge/api/internal/snapcache"
	"classbridge/api/internal/store"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRefetchTimeout = 10 * time.Second
	watchTimeout          = 5 * time.Second
	cacheTimeout          = 2 * time.Second
)

type Options struct {
	NotificationLimit  int
	RefetchTimeout     time.Duration
	UnreadHealInterval time.Duration
	Cache              SnapshotCache
	// OnStatus is called from the session loop on every feed status change.
	OnStatus func(changefeed.Status)
	Now      func() time.Time
}

type projection uint8

const (
	projThreads projection = 1 << iota
	projNotifications
	projOpen

	projAll = projThreads | projNotifications | projOpen
)

// State describes a session for status endpoints.
type State struct {
	UserID       string            `json:"userId"`
	OrgID        string            `json:"orgId"`
	ThreadIDs    []string          `json:"threadIds"`
	Status       changefeed.Status `json:"status"`
	OpenThreadID string            `json:"openThreadId,omitempty"`
	UnreadCount  int               `json:"unreadCount"`
}

// Session owns the projections of one scope. All projection state is
// touched only by the loop goroutine; I/O runs on worker goroutines whose
// results are posted back to the loop and dropped once the session closes.
type Session struct {
	identity scope.Identity
	source   Source
	writer   Writer
	opts     Options

	resolver    scope.Resolver
	threads     *ThreadList
	open        *OpenThread
	notes       *Notifications
	router      *Router
	feed        Feed
	events      <-chan changefeed.Event
	statuses    <-chan changefeed.Status
	status      changefeed.Status
	discovering map[string]struct{}

	threadsGen uint64
	notesGen   uint64
	openGen    uint64
	// countGen invalidates in-flight unread count reads.
	countGen uint64

	tasks   chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	workers sync.WaitGroup

	startOnce sync.Once
	closeOnce sync.Once
}

// NewSession prepares a session for id on feed. feed may be nil when no
// subscription could be opened; Start launches the loop.
func NewSession(id scope.Identity, feed Feed, source Source, writer Writer, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		identity:    id,
		source:      source,
		writer:      writer,
		opts:        opts,
		threads:     &ThreadList{},
		open:        &OpenThread{},
		notes:       NewNotifications(opts.NotificationLimit),
		discovering: make(map[string]struct{}),
		status:      changefeed.StatusClosed,
		tasks:       make(chan func()),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	s.router = NewRouter(s.threads, s.open, s.notes)
	s.resolver.SetIdentity(id)
	s.setFeed(feed)
	return s
}

func (s *Session) Identity() scope.Identity { return s.identity }

// Start paints from the snapshot cache and starts the loop.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		metrics.ActiveSessions.Inc()
		s.paintFromCache()
		go s.run()
	})
}

// Close stops the loop and waits for in-flight work to be discarded. No
// event is applied to the projections once Close returns.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		running := true
		s.startOnce.Do(func() {
			running = false
			close(s.done)
		})
		<-s.done
		s.workers.Wait()
		if running {
			metrics.ActiveSessions.Dec()
		}
		logger.Log.Debug("session closed", "scope", s.identity.Key())
	})
}

func (s *Session) run() {
	defer close(s.done)

	var heal <-chan time.Time
	if s.opts.UnreadHealInterval > 0 {
		ticker := time.NewTicker(s.opts.UnreadHealInterval)
		defer ticker.Stop()
		heal = ticker.C
	}

	for {
		if s.ctx.Err() != nil {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case task := <-s.tasks:
			task()
		case ev, ok := <-s.events:
			if !ok {
				s.events = nil
				continue
			}
			s.handle(ev)
		case status, ok := <-s.statuses:
			if !ok {
				s.statuses = nil
				continue
			}
			s.setStatus(status)
		case <-heal:
			s.healUnread()
		}
	}
}

// do runs fn on the loop and waits for it.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.tasks <- task:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// spawn runs fetch on a worker and applies the closure it returns on the
// loop. It must be called from the loop.
func (s *Session) spawn(fetch func(ctx context.Context) func()) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.refetchTimeout())
		apply := fetch(ctx)
		cancel()
		if apply == nil {
			return
		}
		select {
		case s.tasks <- apply:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) refetchTimeout() time.Duration {
	if s.opts.RefetchTimeout > 0 {
		return s.opts.RefetchTimeout
	}
	return defaultRefetchTimeout
}

func (s *Session) now() time.Time {
	if s.opts.Now != nil {
		return s.opts.Now()
	}
	return time.Now()
}

func (s *Session) setFeed(feed Feed) {
	s.feed = feed
	if feed == nil {
		s.events, s.statuses = nil, nil
		return
	}
	s.events, s.statuses = feed.Events(), feed.Statuses()
	s.setStatus(feed.Status())
}

func (s *Session) setStatus(status changefeed.Status) {
	if status == s.status {
		return
	}
	logger.Log.Info("subscription status", "scope", s.identity.Key(), "status", status)
	s.status = status
	if s.opts.OnStatus != nil {
		s.opts.OnStatus(status)
	}
}

func (s *Session) handle(ev changefeed.Event) {
	res := s.router.Route(s.resolver.Current(), ev)
	if res.Applied && ev.Entity() == changefeed.EntityNotification {
		s.countGen++
	}
	if !res.Applied && res.Reason != "" {
		metrics.EventsDropped.WithLabelValues(res.Reason).Inc()
		logger.Log.Debug("change event not applied",
			"scope", s.identity.Key(),
			"entity", ev.Entity(),
			"operation", ev.Operation(),
			"reason", res.Reason,
		)
	}
	for _, f := range res.Followups {
		switch f.Kind {
		case FollowupDiscover:
			s.discover(f.ThreadID, f.CheckMembership)
		case FollowupRefreshThread:
			s.refreshThread(f.ThreadID)
		case FollowupMarkRead:
			s.markThreadRead(f.ThreadID)
		}
	}
	s.syncScope()
}

// syncScope retargets the live subscription at the listed threads.
func (s *Session) syncScope() {
	sig := s.resolver.SetThreads(s.threads.IDs())
	if sig.Kind != scope.ChangeThreads || s.feed == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, watchTimeout)
	defer cancel()
	if len(sig.Added) > 0 {
		if err := s.feed.Watch(ctx, sig.Added...); err != nil {
			logger.Log.Warn("watch threads failed", "scope", s.identity.Key(), "error", err)
		}
	}
	if len(sig.Removed) > 0 {
		if err := s.feed.Unwatch(ctx, sig.Removed...); err != nil {
			logger.Log.Warn("unwatch threads failed", "scope", s.identity.Key(), "error", err)
		}
	}
}

func (s *Session) paintFromCache() {
	if s.opts.Cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, cacheTimeout)
	defer cancel()
	snap, err := s.opts.Cache.Load(ctx, s.identity.Key())
	if err != nil {
		if !errors.Is(err, snapcache.ErrMiss) {
			logger.Log.Warn("snapshot load failed", "scope", s.identity.Key(), "error", err)
		}
		return
	}
	s.threads.Replace(snap.Threads)
	s.notes.Replace(snap.Notifications, snap.UnreadCount)
	s.syncScope()
}

// refetch overwrites the selected projections with authoritative reads.
// Each projection succeeds or fails on its own; the returned channel yields
// the first error once everything has been applied.
func (s *Session) refetch(p projection) <-chan error {
	result := make(chan error, 1)
	id := s.identity
	openID := s.open.ThreadID()
	if openID == "" {
		p &^= projOpen
	}

	var threadsGen, notesGen, openGen uint64
	if p&projThreads != 0 {
		s.threadsGen++
		threadsGen = s.threadsGen
	}
	if p&projNotifications != 0 {
		s.notesGen++
		s.countGen++
		notesGen = s.notesGen
	}
	if p&projOpen != 0 {
		s.openGen++
		openGen = s.openGen
	}
	limit := s.notes.Limit()

	s.spawn(func(ctx context.Context) func() {
		var (
			g          errgroup.Group
			threads    []store.Thread
			threadsErr error
			notes      []store.Notification
			notesErr   error
			count      int
			countErr   error
			messages   []store.ThreadMessage
			openErr    error
		)
		if p&projThreads != 0 {
			g.Go(func() error {
				threads, threadsErr = s.source.ListThreads(ctx, id.OrgID, id.UserID)
				return threadsErr
			})
		}
		if p&projNotifications != 0 {
			g.Go(func() error {
				notes, notesErr = s.source.ListNotifications(ctx, id.OrgID, id.UserID, limit)
				return notesErr
			})
			g.Go(func() error {
				count, countErr = s.source.UnreadNotificationCount(ctx, id.OrgID, id.UserID)
				return countErr
			})
		}
		if p&projOpen != 0 {
			g.Go(func() error {
				messages, openErr = s.source.ListMessages(ctx, id.OrgID, openID)
				return openErr
			})
		}
		err := g.Wait()
		if notesErr == nil {
			notesErr = countErr
		}
		if p&projThreads != 0 && p&projNotifications != 0 && threadsErr == nil && notesErr == nil {
			s.saveSnapshot(ctx, snapcache.Snapshot{Threads: threads, Notifications: notes, UnreadCount: count})
		}

		return func() {
			if p&projThreads != 0 {
				s.applyThreads(threadsGen, threads, threadsErr)
			}
			if p&projNotifications != 0 {
				s.applyNotifications(notesGen, notes, count, notesErr)
			}
			if p&projOpen != 0 {
				s.applyOpen(openGen, openID, messages, openErr)
			}
			result <- err
		}
	})
	return result
}

func (s *Session) saveSnapshot(ctx context.Context, snap snapcache.Snapshot) {
	if s.opts.Cache == nil {
		return
	}
	if err := s.opts.Cache.Save(ctx, s.identity.Key(), snap); err != nil {
		logger.Log.Warn("snapshot save failed", "scope", s.identity.Key(), "error", err)
	}
}

func (s *Session) refetchFailed(projection string, err error) {
	metrics.Refetches.WithLabelValues(projection, "error").Inc()
	logger.Log.Warn("refetch failed", "scope", s.identity.Key(), "projection", projection, "error", err)
}

func (s *Session) applyThreads(gen uint64, threads []store.Thread, err error) {
	switch {
	case err != nil:
		s.refetchFailed("threads", err)
	case gen != s.threadsGen:
		metrics.Refetches.WithLabelValues("threads", "stale").Inc()
	default:
		s.threads.Replace(threads)
		if openID := s.open.ThreadID(); openID != "" {
			if t, ok := s.threads.Get(openID); ok {
				s.open.SetUnread(t.Unread)
			}
		}
		s.syncScope()
		metrics.Refetches.WithLabelValues("threads", "ok").Inc()
	}
}

func (s *Session) applyNotifications(gen uint64, items []store.Notification, count int, err error) {
	switch {
	case err != nil:
		s.refetchFailed("notifications", err)
	case gen != s.notesGen:
		metrics.Refetches.WithLabelValues("notifications", "stale").Inc()
	default:
		s.notes.Replace(items, count)
		metrics.Refetches.WithLabelValues("notifications", "ok").Inc()
	}
}

func (s *Session) applyOpen(gen uint64, threadID string, messages []store.ThreadMessage, err error) {
	switch {
	case err != nil:
		s.refetchFailed("open_thread", err)
	case gen != s.openGen || !s.open.Replace(threadID, messages):
		metrics.Refetches.WithLabelValues("open_thread", "stale").Inc()
	default:
		metrics.Refetches.WithLabelValues("open_thread", "ok").Inc()
	}
}

func (s *Session) healUnread() {
	gen := s.countGen
	id := s.identity
	s.spawn(func(ctx context.Context) func() {
		count, err := s.source.UnreadNotificationCount(ctx, id.OrgID, id.UserID)
		return func() {
			switch {
			case err != nil:
				s.refetchFailed("unread_count", err)
			case gen != s.countGen:
				metrics.Refetches.WithLabelValues("unread_count", "stale").Inc()
			default:
				if s.notes.SetUnread(count) {
					logger.Log.Debug("unread counter healed", "scope", id.Key(), "count", count)
				}
				metrics.Refetches.WithLabelValues("unread_count", "ok").Inc()
			}
		}
	})
}

// discover fetches a thread the viewer may have joined. With check set the
// membership point read runs first. Events for the thread that arrive before
// its projection lands are dropped.
func (s *Session) discover(threadID string, check bool) {
	if s.threads.Has(threadID) {
		return
	}
	if _, ok := s.discovering[threadID]; ok {
		return
	}
	s.discovering[threadID] = struct{}{}
	id := s.identity
	feed := s.feed

	s.spawn(func(ctx context.Context) func() {
		if check {
			if _, err := s.source.GetParticipant(ctx, threadID, id.UserID); err != nil {
				if !errors.Is(err, store.ErrNotParticipant) {
					logger.Log.Warn("membership check failed", "scope", id.Key(), "thread", threadID, "error", err)
				}
				return func() { delete(s.discovering, threadID) }
			}
		}
		watched := false
		if feed != nil {
			if err := feed.Watch(ctx, threadID); err != nil {
				logger.Log.Warn("watch threads failed", "scope", id.Key(), "thread", threadID, "error", err)
			} else {
				watched = true
			}
		}
		thread, err := s.source.GetThread(ctx, id.OrgID, id.UserID, threadID)
		return func() {
			delete(s.discovering, threadID)
			if err != nil {
				s.refetchFailed("thread", err)
				if watched && feed == s.feed && !s.resolver.Current().HasThread(threadID) {
					if err := feed.Unwatch(s.ctx, threadID); err != nil {
						logger.Log.Warn("unwatch threads failed", "scope", id.Key(), "thread", threadID, "error", err)
					}
				}
				return
			}
			if s.threads.ApplyNewThread(thread) {
				metrics.Refetches.WithLabelValues("thread", "ok").Inc()
				s.syncScope()
			}
		}
	})
}

// refreshThread re-reads one listed thread after an update that the event
// alone cannot describe.
func (s *Session) refreshThread(threadID string) {
	id := s.identity
	s.spawn(func(ctx context.Context) func() {
		thread, err := s.source.GetThread(ctx, id.OrgID, id.UserID, threadID)
		return func() {
			switch {
			case errors.Is(err, store.ErrNotParticipant):
				s.threads.Remove(threadID)
				if s.open.Is(threadID) {
					s.open.Close()
				}
				s.syncScope()
			case err != nil:
				s.refetchFailed("thread", err)
			default:
				s.threads.MergeThread(thread)
				if s.open.Is(threadID) {
					s.open.SetUnread(thread.Unread)
				}
				metrics.Refetches.WithLabelValues("thread", "ok").Inc()
			}
		}
	})
}

// markThreadRead clears the viewer's unread flag locally and writes it.
func (s *Session) markThreadRead(threadID string) {
	s.threads.ApplyParticipant(store.Participant{ThreadID: threadID, UserID: s.identity.UserID})
	if s.open.Is(threadID) {
		s.open.SetUnread(false)
	}
	id := s.identity
	s.spawn(func(ctx context.Context) func() {
		if err := s.writer.MarkThreadRead(ctx, id.OrgID, threadID, id.UserID); err != nil {
			logger.Log.Warn("mark thread read failed", "scope", id.Key(), "thread", threadID, "error", err)
			return func() { s.refreshThread(threadID) }
		}
		return nil
	})
}

// rebind moves the session onto a new subscription and refetches
// everything, since events may have been missed while disconnected.
func (s *Session) rebind(ctx context.Context, feed Feed) error {
	return s.do(ctx, func() {
		s.setFeed(feed)
		if ids := s.threads.IDs(); feed != nil && len(ids) > 0 {
			wctx, cancel := context.WithTimeout(s.ctx, watchTimeout)
			if err := feed.Watch(wctx, ids...); err != nil {
				logger.Log.Warn("watch threads failed", "scope", s.identity.Key(), "error", err)
			}
			cancel()
		}
		s.refetch(projAll)
	})
}

func (s *Session) wait(ctx context.Context, result <-chan error) error {
	select {
	case err := <-result:
		return err
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh refetches every projection and waits until the results are
// applied.
func (s *Session) Refresh(ctx context.Context) error {
	var result <-chan error
	if err := s.do(ctx, func() { result = s.refetch(projAll) }); err != nil {
		return err
	}
	return s.wait(ctx, result)
}

// Scope returns a copy of the current scope.
func (s *Session) Scope(ctx context.Context) (*scope.Scope, error) {
	var sc *scope.Scope
	err := s.do(ctx, func() {
		sc = scope.New(s.identity, s.resolver.Current().ThreadIDs())
	})
	return sc, err
}

func (s *Session) State(ctx context.Context) (State, error) {
	var st State
	err := s.do(ctx, func() {
		st = State{
			UserID:       s.identity.UserID,
			OrgID:        s.identity.OrgID,
			ThreadIDs:    s.resolver.Current().ThreadIDs(),
			Status:       s.status,
			OpenThreadID: s.open.ThreadID(),
			UnreadCount:  s.notes.Unread(),
		}
	})
	return st, err
}

func (s *Session) Threads(ctx context.Context) ([]store.Thread, error) {
	var threads []store.Thread
	err := s.do(ctx, func() { threads = s.threads.Snapshot() })
	return threads, err
}

func (s *Session) Notifications(ctx context.Context) ([]store.Notification, int, error) {
	var (
		items  []store.Notification
		unread int
	)
	err := s.do(ctx, func() {
		items = s.notes.Snapshot()
		unread = s.notes.Unread()
	})
	return items, unread, err
}

// OpenMessages returns the open thread and its messages.
func (s *Session) OpenMessages(ctx context.Context) (string, []store.ThreadMessage, error) {
	var (
		threadID string
		messages []store.ThreadMessage
	)
	err := s.do(ctx, func() {
		threadID = s.open.ThreadID()
		messages = s.open.Snapshot()
	})
	return threadID, messages, err
}

// OpenThread makes threadID the open thread, marks it read and waits for
// its authoritative messages.
func (s *Session) OpenThread(ctx context.Context, threadID string) ([]store.ThreadMessage, error) {
	var (
		result <-chan error
		known  bool
	)
	err := s.do(ctx, func() {
		thread, ok := s.threads.Get(threadID)
		if !ok {
			return
		}
		known = true
		if !s.open.Is(threadID) {
			s.open.Open(threadID)
		}
		if thread.Unread {
			s.markThreadRead(threadID)
		}
		result = s.refetch(projOpen)
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrUnknownThread
	}
	if err := s.wait(ctx, result); err != nil {
		return nil, err
	}

	var messages []store.ThreadMessage
	err = s.do(ctx, func() {
		if s.open.Is(threadID) {
			known = true
			messages = s.open.Snapshot()
		} else {
			known = false
		}
	})
	if err != nil {
		return nil, err
	}
	if !known {
		return nil, ErrUnknownThread
	}
	return messages, nil
}

func (s *Session) CloseThread(ctx context.Context) error {
	return s.do(ctx, func() { s.open.Close() })
}

// SendMessage shows the message immediately and writes it. The id is issued
// here so the remote insert of the same message deduplicates against the
// local echo. A failed write triggers a refetch of the affected projections.
func (s *Session) SendMessage(ctx context.Context, threadID, body string) (store.ThreadMessage, error) {
	msg := store.ThreadMessage{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		AuthorID:  s.identity.UserID,
		Body:      body,
		CreatedAt: s.now().UTC().Truncate(time.Microsecond),
	}

	known := false
	err := s.do(ctx, func() {
		if !s.threads.Has(threadID) {
			return
		}
		known = true
		local := msg
		local.Pending = true
		s.open.ApplyLocal(local)
		s.threads.ApplyMessage(local)
	})
	if err != nil {
		return store.ThreadMessage{}, err
	}
	if !known {
		return store.ThreadMessage{}, ErrUnknownThread
	}

	if err := s.writer.SendMessage(ctx, s.identity.OrgID, msg); err != nil {
		_ = s.do(context.WithoutCancel(ctx), func() {
			if s.open.Is(threadID) {
				s.refetch(projOpen)
			}
			s.refreshThread(threadID)
		})
		return store.ThreadMessage{}, fmt.Errorf("send message: %w", err)
	}

	_ = s.do(context.WithoutCancel(ctx), func() {
		s.open.ApplyMessage(msg)
		s.threads.ApplyMessage(msg)
	})
	return msg, nil
}

// CreateThread opens a direct thread with recipientID, or returns the one
// that already exists, and lists it.
func (s *Session) CreateThread(ctx context.Context, recipientID string) (store.Thread, error) {
	id := s.identity
	threadID, err := s.writer.CreateThread(ctx, id.OrgID, id.UserID, recipientID, uuid.NewString())
	if err != nil {
		return store.Thread{}, fmt.Errorf("create thread: %w", err)
	}
	thread, err := s.source.GetThread(ctx, id.OrgID, id.UserID, threadID)
	if err != nil {
		return store.Thread{}, fmt.Errorf("load thread: %w", err)
	}
	err = s.do(ctx, func() {
		if !s.threads.ApplyNewThread(thread) {
			s.threads.MergeThread(thread)
		}
		s.syncScope()
	})
	return thread, err
}

// MarkNotificationRead marks one notification read locally and writes it.
// An id the store does not know leaves the local feed untouched.
func (s *Session) MarkNotificationRead(ctx context.Context, notificationID string) error {
	marked := false
	if err := s.do(ctx, func() {
		if s.notes.MarkRead(notificationID, s.now().UTC()) {
			marked = true
			s.countGen++
		}
	}); err != nil {
		return err
	}
	id := s.identity
	if err := s.writer.MarkNotificationRead(ctx, id.OrgID, id.UserID, notificationID); err != nil {
		if marked || !errors.Is(err, store.ErrNotificationNotFound) {
			_ = s.do(context.WithoutCancel(ctx), func() { s.refetch(projNotifications) })
		}
		return fmt.Errorf("mark notification read: %w", err)
	}
	return nil
}

// MarkAllNotificationsRead marks every notification read locally and writes it.
func (s *Session) MarkAllNotificationsRead(ctx context.Context) error {
	if err := s.do(ctx, func() {
		s.notes.MarkAllRead(s.now().UTC())
		s.countGen++
	}); err != nil {
		return err
	}
	id := s.identity
	if err := s.writer.MarkAllNotificationsRead(ctx, id.OrgID, id.UserID); err != nil {
		_ = s.do(context.WithoutCancel(ctx), func() { s.refetch(projNotifications) })
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}
