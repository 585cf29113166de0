package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/logger"
	"classbridge/api/internal/scope"
	"github.com/cenkalti/backoff/v4"
)

// ReconnectPolicy controls how an Engine recovers a failed subscription.
// With Enabled unset the failure is only reported through the status.
type ReconnectPolicy struct {
	Enabled         bool
	InitialInterval time.Duration
	MaxElapsed      time.Duration
}

// Engine serves one viewer. It owns the subscription manager and the
// session of the viewer's current identity; a new identity tears the old
// session and subscription down before anything is opened for the new one.
type Engine struct {
	manager   *changefeed.Manager
	source    Source
	writer    Writer
	opts      Options
	reconnect ReconnectPolicy

	mu         sync.Mutex
	identity   scope.Identity
	session    *Session
	recovering bool
	closed     bool
}

func NewEngine(manager *changefeed.Manager, source Source, writer Writer, opts Options, reconnect ReconnectPolicy) *Engine {
	return &Engine{
		manager:   manager,
		source:    source,
		writer:    writer,
		opts:      opts,
		reconnect: reconnect,
	}
}

// Session returns the session of the current identity.
func (e *Engine) Session() (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrSessionClosed
	}
	if e.session == nil {
		return nil, ErrNoScope
	}
	return e.session, nil
}

func (e *Engine) Identity() scope.Identity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.identity
}

// SetIdentity makes id the current identity. The same identity keeps the
// running session; any other identity replaces it and waits for the first
// authoritative refetch. An incomplete identity only tears down.
func (e *Engine) SetIdentity(ctx context.Context, id scope.Identity) (*Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if e.session != nil && e.identity == id {
		sess := e.session
		e.mu.Unlock()
		return sess, nil
	}
	e.teardownLocked()
	if !id.Valid() {
		e.mu.Unlock()
		return nil, ErrNoScope
	}
	sess := e.openLocked(ctx, id)
	e.mu.Unlock()

	if err := sess.Refresh(ctx); err != nil {
		logger.Log.Warn("initial refetch failed", "scope", id.Key(), "error", err)
	}
	return sess, nil
}

func (e *Engine) openLocked(ctx context.Context, id scope.Identity) *Session {
	var feed Feed
	status := changefeed.StatusChannelError
	sub, err := e.manager.Acquire(ctx, scope.New(id, nil))
	if err != nil {
		var statusErr *changefeed.StatusError
		if errors.As(err, &statusErr) {
			status = statusErr.Status
		}
		logger.Log.Warn("subscribe failed", "scope", id.Key(), "status", status, "error", err)
	} else {
		feed = sub
	}

	sess := NewSession(id, feed, e.source, e.writer, e.opts)
	if feed == nil {
		sess.status = status
	}
	onStatus := e.opts.OnStatus
	sess.opts.OnStatus = func(st changefeed.Status) {
		if st.Failed() {
			go e.recover(sess)
		}
		if onStatus != nil {
			onStatus(st)
		}
	}
	e.identity = id
	e.session = sess
	sess.Start()
	if feed == nil {
		go e.recover(sess)
	}
	return sess
}

func (e *Engine) teardownLocked() {
	if e.session != nil {
		e.session.Close()
		e.session = nil
	}
	e.manager.Release()
	e.identity = scope.Identity{}
}

// recover resubscribes sess with exponential backoff when reconnecting is
// enabled. Every attempt releases the failed subscription first, and a
// session that has been replaced or closed stops the retries.
func (e *Engine) recover(sess *Session) {
	if !e.reconnect.Enabled {
		return
	}
	e.mu.Lock()
	if e.closed || e.session != sess || e.recovering {
		e.mu.Unlock()
		return
	}
	e.recovering = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.recovering = false
		e.mu.Unlock()
	}()

	b := backoff.NewExponentialBackOff()
	if e.reconnect.InitialInterval > 0 {
		b.InitialInterval = e.reconnect.InitialInterval
	}
	b.MaxElapsedTime = e.reconnect.MaxElapsed

	err := backoff.Retry(func() error {
		return e.resubscribe(sess.ctx, sess)
	}, backoff.WithContext(b, sess.ctx))
	if err != nil && !errors.Is(err, ErrSessionClosed) && !errors.Is(err, context.Canceled) {
		logger.Log.Warn("reconnect abandoned", "scope", sess.identity.Key(), "error", err)
	}
}

func (e *Engine) resubscribe(ctx context.Context, sess *Session) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.session != sess {
		return backoff.Permanent(ErrSessionClosed)
	}
	sc, err := sess.Scope(ctx)
	if err != nil {
		return backoff.Permanent(err)
	}
	sub, err := e.manager.Acquire(ctx, sc)
	if err != nil {
		return err
	}
	if err := sess.rebind(ctx, sub); err != nil {
		return backoff.Permanent(err)
	}
	logger.Log.Info("subscription restored", "scope", sc.Key())
	return nil
}

// Refresh refetches the current session. A failed subscription is reopened
// once first so an explicit refresh also heals the live feed.
func (e *Engine) Refresh(ctx context.Context) error {
	sess, err := e.Session()
	if err != nil {
		return err
	}
	st, err := sess.State(ctx)
	if err != nil {
		return err
	}
	if st.Status.Failed() {
		if err := e.resubscribe(ctx, sess); err != nil {
			logger.Log.Warn("resubscribe failed", "scope", sess.identity.Key(), "error", err)
		}
	}
	return sess.Refresh(ctx)
}

// Close tears down the session and its subscription.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.teardownLocked()
	e.closed = true
}
