// Package snapcache keeps the last authoritative inbox projections per
// viewer so a new session can paint before its first refetch completes.
package snapcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"classbridge/api/internal/store"
	"github.com/redis/go-redis/v9"
)

// ErrMiss is returned by Load when no snapshot is cached for the key.
var ErrMiss = errors.New("snapshot not cached")

const defaultTTL = 24 * time.Hour

// Snapshot is what gets cached for one (user, org) scope.
type Snapshot struct {
	Threads       []store.Thread       `json:"threads"`
	Notifications []store.Notification `json:"notifications"`
	UnreadCount   int                  `json:"unread_count"`
	SavedAt       time.Time            `json:"saved_at"`
}

// RedisStore stores snapshots as JSON values with a TTL.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to redisURL and checks the connection.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client, ttl), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{
		client: client,
		prefix: "inbox:snapshot:",
		ttl:    ttl,
	}
}

func (s *RedisStore) key(scopeKey string) string {
	return s.prefix + scopeKey
}

// Save overwrites the snapshot of scopeKey.
func (s *RedisStore) Save(ctx context.Context, scopeKey string, snap Snapshot) error {
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := s.client.Set(ctx, s.key(scopeKey), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the cached snapshot of scopeKey or ErrMiss.
func (s *RedisStore) Load(ctx context.Context, scopeKey string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.key(scopeKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrMiss
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Drop deletes the snapshot of scopeKey.
func (s *RedisStore) Drop(ctx context.Context, scopeKey string) error {
	if err := s.client.Del(ctx, s.key(scopeKey)).Err(); err != nil {
		return fmt.Errorf("drop snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
