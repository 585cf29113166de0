package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"classbridge/api/internal/auth"
	"classbridge/api/internal/changefeed"
	"classbridge/api/internal/config"
	"classbridge/api/internal/logger"
	"classbridge/api/internal/rbac"
	"classbridge/api/internal/realtime"
	"classbridge/api/internal/scope"
	"classbridge/api/internal/store"
)

const maxMessageLength = 4000

// Store is the authoritative backend behind every session.
type Store interface {
	realtime.Source
	realtime.Writer
	Ping(ctx context.Context) error
}

// Viewer is the authenticated caller of a request.
type Viewer struct {
	UserID string
	OrgID  string
	Name   string
	Role   rbac.Role
}

func (v Viewer) identity() scope.Identity {
	return scope.Identity{UserID: v.UserID, OrgID: v.OrgID}
}

// viewerEngine is the live engine of one user and its idle expiry.
type viewerEngine struct {
	engine *realtime.Engine
	timer  *time.Timer
	gen    uint64
}

type Service struct {
	cfg   config.Config
	store Store
	feed  *changefeed.Feed
	cache realtime.SnapshotCache

	mu      sync.Mutex
	engines map[string]*viewerEngine
	closed  bool
}

// New wires the gateway. cache may be nil.
func New(cfg config.Config, st Store, feed *changefeed.Feed, cache realtime.SnapshotCache) *Service {
	return &Service{
		cfg:     cfg,
		store:   st,
		feed:    feed,
		cache:   cache,
		engines: make(map[string]*viewerEngine),
	}
}

func (s *Service) ViewerFromToken(token string) (Viewer, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Viewer{}, err
	}
	return Viewer{
		UserID: claims.Subject,
		OrgID:  claims.Org,
		Name:   claims.Name,
		Role:   rbac.Normalize(claims.Role),
	}, nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingFeed(ctx context.Context) error {
	if s.feed == nil {
		return errors.New("change feed not configured")
	}
	return s.feed.Ping(ctx)
}

func (s *Service) sessionOptions() realtime.Options {
	return realtime.Options{
		NotificationLimit:  s.cfg.NotificationLimit,
		RefetchTimeout:     s.cfg.RefetchTimeout,
		UnreadHealInterval: s.cfg.UnreadHealInterval,
		Cache:              s.cache,
	}
}

// engine returns the engine of userID, creating it on first use, and
// pushes its idle expiry back.
func (s *Service) engine(userID string) (*realtime.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, realtime.ErrSessionClosed
	}
	entry, ok := s.engines[userID]
	if !ok {
		reconnect := realtime.ReconnectPolicy{
			Enabled:    s.cfg.Reconnect,
			MaxElapsed: s.cfg.ReconnectMaxElapsed,
		}
		entry = &viewerEngine{
			engine: realtime.NewEngine(changefeed.NewManager(s.feed), s.store, s.store, s.sessionOptions(), reconnect),
		}
		s.engines[userID] = entry
		logger.Log.Info("engine created", "user", userID)
	}
	s.touchLocked(userID, entry)
	return entry.engine, nil
}

func (s *Service) touchLocked(userID string, entry *viewerEngine) {
	if s.cfg.SessionIdleTTL <= 0 {
		return
	}
	entry.gen++
	gen := entry.gen
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.timer = time.AfterFunc(s.cfg.SessionIdleTTL, func() { s.expire(userID, gen) })
}

// expire tears down the engine of userID unless it was used after gen was
// scheduled.
func (s *Service) expire(userID string, gen uint64) {
	s.mu.Lock()
	entry, ok := s.engines[userID]
	if !ok || entry.gen != gen {
		s.mu.Unlock()
		return
	}
	delete(s.engines, userID)
	s.mu.Unlock()

	entry.engine.Close()
	logger.Log.Info("engine expired", "user", userID)
}

// session returns the live session of v, switching scope when the viewer's
// organization changed since the last request.
func (s *Service) session(ctx context.Context, v Viewer) (*realtime.Session, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var engine *realtime.Engine
		engine, err = s.engine(v.UserID)
		if err != nil {
			return nil, err
		}
		var sess *realtime.Session
		sess, err = engine.SetIdentity(ctx, v.identity())
		if !errors.Is(err, realtime.ErrSessionClosed) {
			return sess, err
		}
		// The engine expired between lookup and use.
		s.forget(v.UserID, engine)
	}
	return nil, err
}

func (s *Service) forget(userID string, engine *realtime.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.engines[userID]; ok && entry.engine == engine {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.engines, userID)
	}
}

func (s *Service) activeEngines() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.engines)
}

func (s *Service) Status(ctx context.Context, v Viewer) (realtime.State, error) {
	sess, err := s.session(ctx, v)
	if err != nil {
		return realtime.State{}, err
	}
	return sess.State(ctx)
}

func (s *Service) Threads(ctx context.Context, v Viewer) ([]store.Thread, error) {
	sess, err := s.session(ctx, v)
	if err != nil {
		return nil, err
	}
	return sess.Threads(ctx)
}

func (s *Service) CreateThread(ctx context.Context, v Viewer, recipientID string) (store.Thread, error) {
	if !rbac.Can(v.Role, rbac.ActionStartThread) {
		return store.Thread{}, forbidden(v.Role, rbac.ActionStartThread)
	}
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return store.Thread{}, invalidField("recipientId", "recipientId is required")
	}
	if recipientID == v.UserID {
		return store.Thread{}, invalidField("recipientId", "recipientId must be another user")
	}
	sess, err := s.session(ctx, v)
	if err != nil {
		return store.Thread{}, err
	}
	return sess.CreateThread(ctx, recipientID)
}

func (s *Service) OpenThread(ctx context.Context, v Viewer, threadID string) ([]store.ThreadMessage, error) {
	sess, err := s.session(ctx, v)
	if err != nil {
		return nil, err
	}
	return sess.OpenThread(ctx, threadID)
}

func (s *Service) CloseThread(ctx context.Context, v Viewer) error {
	sess, err := s.session(ctx, v)
	if err != nil {
		return err
	}
	return sess.CloseThread(ctx)
}

func (s *Service) SendMessage(ctx context.Context, v Viewer, threadID, body string) (store.ThreadMessage, error) {
	if !rbac.Can(v.Role, rbac.ActionMessage) {
		return store.ThreadMessage{}, forbidden(v.Role, rbac.ActionMessage)
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return store.ThreadMessage{}, invalidField("body", "body is required")
	}
	if utf8.RuneCountInString(body) > maxMessageLength {
		return store.ThreadMessage{}, invalidField("body", fmt.Sprintf("body exceeds %d characters", maxMessageLength))
	}
	sess, err := s.session(ctx, v)
	if err != nil {
		return store.ThreadMessage{}, err
	}
	return sess.SendMessage(ctx, threadID, body)
}

// Refresh refetches every projection of v, reopening a failed subscription
// first.
func (s *Service) Refresh(ctx context.Context, v Viewer) (realtime.State, error) {
	sess, err := s.session(ctx, v)
	if err != nil {
		return realtime.State{}, err
	}
	engine, err := s.engine(v.UserID)
	if err != nil {
		return realtime.State{}, err
	}
	if err := engine.Refresh(ctx); err != nil {
		return realtime.State{}, err
	}
	return sess.State(ctx)
}

func (s *Service) Notifications(ctx context.Context, v Viewer) ([]store.Notification, int, error) {
	sess, err := s.session(ctx, v)
	if err != nil {
		return nil, 0, err
	}
	return sess.Notifications(ctx)
}

func (s *Service) MarkNotificationRead(ctx context.Context, v Viewer, notificationID string) error {
	sess, err := s.session(ctx, v)
	if err != nil {
		return err
	}
	return sess.MarkNotificationRead(ctx, notificationID)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, v Viewer) error {
	sess, err := s.session(ctx, v)
	if err != nil {
		return err
	}
	return sess.MarkAllNotificationsRead(ctx)
}

// Close tears down every engine. Later requests fail with
// realtime.ErrSessionClosed.
func (s *Service) Close() {
	s.mu.Lock()
	engines := s.engines
	s.engines = make(map[string]*viewerEngine)
	s.closed = true
	s.mu.Unlock()

	for _, entry := range engines {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.engine.Close()
	}
}
