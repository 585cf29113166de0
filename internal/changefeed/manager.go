package changefeed

import (
	"context"
	"sync"

	"classbridge/api/internal/scope"
)

// Manager owns at most one live subscription. Acquire always releases the
// previous subscription before opening the next one, so two subscriptions
// of the same manager never overlap.
type Manager struct {
	feed *Feed

	mu      sync.Mutex
	current *Subscription
}

func NewManager(feed *Feed) *Manager {
	return &Manager{feed: feed}
}

// Acquire opens the subscription for sc, closing the current one first.
func (m *Manager) Acquire(ctx context.Context, sc *scope.Scope) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.releaseLocked()
	sub, err := m.feed.Subscribe(ctx, sc)
	if err != nil {
		return nil, err
	}
	m.current = sub
	return sub, nil
}

// Release closes the current subscription, if any.
func (m *Manager) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
}

func (m *Manager) releaseLocked() {
	if m.current == nil {
		return
	}
	m.current.Close()
	m.current = nil
}

func (m *Manager) Current() *Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}
