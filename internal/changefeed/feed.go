package changefeed

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"classbridge/api/internal/logger"
	"classbridge/api/internal/metrics"
	"classbridge/api/internal/scope"
	"github.com/redis/go-redis/v9"
)

type Status string

const (
	StatusConnecting   Status = "CONNECTING"
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusChannelError Status = "CHANNEL_ERROR"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
)

// Failed reports whether the subscription ended without being closed by
// its owner.
func (s Status) Failed() bool {
	return s == StatusChannelError || s == StatusTimedOut
}

var (
	ErrNoScope = errors.New("subscription needs a user and an organization")
	ErrClosed  = errors.New("subscription closed")

	errConfirmTimeout = errors.New("subscribe not confirmed in time")
)

// StatusError is returned when a subscription cannot be established.
type StatusError struct {
	Name   string
	Status Status
	Err    error
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("subscription %s: %s: %v", e.Name, e.Status, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

const (
	channelPrefix    = "rt:"
	eventBufferSize  = 256
	statusBufferSize = 8
)

// UserChannel carries notification and participant rows addressed to one user.
func UserChannel(orgID, userID string) string {
	return channelPrefix + orgID + ":user:" + userID
}

// ThreadsChannel carries thread inserts for a whole organization.
func ThreadsChannel(orgID string) string {
	return channelPrefix + orgID + ":threads"
}

// ThreadChannel carries message rows and thread updates of one thread.
func ThreadChannel(orgID, threadID string) string {
	return channelPrefix + orgID + ":thread:" + threadID
}

// ChannelFor returns the channel an event is published on.
func ChannelFor(ev Event) (string, error) {
	switch e := ev.(type) {
	case ThreadInserted:
		return ThreadsChannel(e.After.OrgID), nil
	case ThreadUpdated:
		return ThreadChannel(e.After.OrgID, e.After.ID), nil
	case ThreadDeleted:
		return ThreadChannel(e.Before.OrgID, e.Before.ID), nil
	case MessageInserted:
		return ThreadChannel(e.After.OrgID, e.After.ThreadID), nil
	case MessageUpdated:
		return ThreadChannel(e.After.OrgID, e.After.ThreadID), nil
	case ParticipantInserted:
		return UserChannel(e.After.OrgID, e.After.UserID), nil
	case ParticipantUpdated:
		return UserChannel(e.After.OrgID, e.After.UserID), nil
	case ParticipantDeleted:
		return UserChannel(e.Before.OrgID, e.Before.UserID), nil
	case NotificationInserted:
		return UserChannel(e.After.OrgID, e.After.UserID), nil
	case NotificationUpdated:
		return UserChannel(e.After.OrgID, e.After.UserID), nil
	case NotificationDeleted:
		return UserChannel(e.Before.OrgID, e.Before.UserID), nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnsupported, ev)
}

// Feed opens subscriptions and publishes events on a Redis connection.
type Feed struct {
	client           *redis.Client
	subscribeTimeout time.Duration
}

func NewFeed(client *redis.Client, subscribeTimeout time.Duration) *Feed {
	if subscribeTimeout <= 0 {
		subscribeTimeout = 10 * time.Second
	}
	return &Feed{client: client, subscribeTimeout: subscribeTimeout}
}

// NewFeedFromURL connects to redisURL and checks the connection.
func NewFeedFromURL(redisURL string, subscribeTimeout time.Duration) (*Feed, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewFeed(client, subscribeTimeout), nil
}

func (f *Feed) Client() *redis.Client {
	return f.client
}

func (f *Feed) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

func (f *Feed) Close() error {
	return f.client.Close()
}

// Publish encodes ev and publishes it on its channel.
func (f *Feed) Publish(ctx context.Context, ev Event) error {
	channel, err := ChannelFor(ev)
	if err != nil {
		return err
	}
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens the live subscription for sc and waits for the server to
// confirm it. On failure the returned error is a *StatusError carrying
// StatusChannelError or StatusTimedOut and nothing is left open.
func (f *Feed) Subscribe(ctx context.Context, sc *scope.Scope) (*Subscription, error) {
	if sc == nil {
		return nil, ErrNoScope
	}
	s := &Subscription{
		name:     sc.Key(),
		orgID:    sc.OrgID,
		events:   make(chan Event, eventBufferSize),
		statuses: make(chan Status, statusBufferSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		watched:  make(map[string]struct{}),
	}
	s.setStatus(StatusConnecting)

	channels := []string{UserChannel(sc.OrgID, sc.UserID), ThreadsChannel(sc.OrgID)}
	for _, threadID := range sc.ThreadIDs() {
		channels = append(channels, ThreadChannel(sc.OrgID, threadID))
		s.watched[threadID] = struct{}{}
	}

	s.pubsub = f.client.Subscribe(ctx, channels...)
	pending, err := s.confirm(ctx, len(channels), f.subscribeTimeout)
	if err != nil {
		status := StatusChannelError
		if isTimeout(err) {
			status = StatusTimedOut
		}
		s.setStatus(status)
		s.pubsub.Close()
		close(s.statuses)
		close(s.events)
		close(s.done)
		logger.Log.Warn("subscription failed", "name", s.name, "status", status, "error", err)
		return nil, &StatusError{Name: s.name, Status: status, Err: err}
	}

	s.setStatus(StatusSubscribed)
	go s.run(pending)
	return s, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, errConfirmTimeout) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Subscription is one live pub/sub connection serving one scope. Events are
// delivered in arrival order on Events; both channels are closed once the
// subscription ends.
type Subscription struct {
	name   string
	orgID  string
	pubsub *redis.PubSub

	events   chan Event
	statuses chan Status
	stop     chan struct{}
	done     chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	status  Status
	closed  bool
	watched map[string]struct{}
}

func (s *Subscription) Name() string { return s.name }

func (s *Subscription) Events() <-chan Event { return s.events }

// Statuses delivers every status transition after SUBSCRIBED.
func (s *Subscription) Statuses() <-chan Status { return s.statuses }

func (s *Subscription) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Done is closed when the receive loop has exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) setStatus(status Status) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	metrics.SubscriptionStatus.WithLabelValues(string(status)).Inc()
}

func (s *Subscription) confirm(ctx context.Context, want int, timeout time.Duration) ([]*redis.Message, error) {
	var pending []*redis.Message
	deadline := time.Now().Add(timeout)
	for confirmed := 0; confirmed < want; {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, errConfirmTimeout
		}
		msg, err := s.pubsub.ReceiveTimeout(ctx, remaining)
		if err != nil {
			return nil, err
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "subscribe" {
				confirmed++
			}
		case *redis.Message:
			pending = append(pending, m)
		}
	}
	return pending, nil
}

func (s *Subscription) run(pending []*redis.Message) {
	defer close(s.done)
	defer close(s.events)
	defer close(s.statuses)

	for _, msg := range pending {
		if !s.deliver(msg) {
			s.finish(nil)
			return
		}
	}

	ctx := context.Background()
	for {
		msg, err := s.pubsub.Receive(ctx)
		if err != nil {
			s.finish(err)
			return
		}
		m, ok := msg.(*redis.Message)
		if !ok {
			continue
		}
		if !s.deliver(m) {
			s.finish(nil)
			return
		}
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()

	status := StatusClosed
	if !closed {
		status = StatusChannelError
		logger.Log.Warn("subscription lost", "name", s.name, "error", err)
	}
	s.setStatus(status)
	select {
	case s.statuses <- status:
	default:
	}
}

func (s *Subscription) deliver(msg *redis.Message) bool {
	ev, err := Decode([]byte(msg.Payload))
	if err != nil {
		metrics.EventsMalformed.Inc()
		logger.Log.Debug("dropping change event", "channel", msg.Channel, "error", err)
		return true
	}
	metrics.EventsReceived.WithLabelValues(string(ev.Entity()), string(ev.Operation())).Inc()
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	}
}

// Watch adds thread channels to the live connection.
func (s *Subscription) Watch(ctx context.Context, threadIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var channels []string
	for _, id := range threadIDs {
		if _, ok := s.watched[id]; ok || id == "" {
			continue
		}
		s.watched[id] = struct{}{}
		channels = append(channels, ThreadChannel(s.orgID, id))
	}
	if len(channels) == 0 {
		return nil
	}
	if err := s.pubsub.Subscribe(ctx, channels...); err != nil {
		return fmt.Errorf("watch threads: %w", err)
	}
	return nil
}

// Unwatch drops thread channels from the live connection.
func (s *Subscription) Unwatch(ctx context.Context, threadIDs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var channels []string
	for _, id := range threadIDs {
		if _, ok := s.watched[id]; !ok {
			continue
		}
		delete(s.watched, id)
		channels = append(channels, ThreadChannel(s.orgID, id))
	}
	if len(channels) == 0 {
		return nil
	}
	if err := s.pubsub.Unsubscribe(ctx, channels...); err != nil {
		return fmt.Errorf("unwatch threads: %w", err)
	}
	return nil
}

// Watching reports whether the thread channel of threadID is subscribed.
func (s *Subscription) Watching(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.watched[threadID]
	return ok
}

// Close tears the subscription down and returns once no further event can
// be delivered. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stop)
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}
