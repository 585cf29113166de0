package snapcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"classbridge/api/internal/store"
	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	cache, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create snapshot store: %v", err)
	}
	return cache, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	cache, err := NewRedisStore("redis://"+s.Addr(), 0)
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer cache.Close()

	if err := cache.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
	if cache.ttl != defaultTTL {
		t.Errorf("expected default ttl %v, got %v", defaultTTL, cache.ttl)
	}
}

func TestSaveAndLoadSnapshot(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	updated := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Threads: []store.Thread{{
			ID:        "t1",
			OrgID:     "o1",
			UpdatedAt: updated,
			Unread:    true,
			OtherParticipant: store.ParticipantProfile{
				UserID: "u2", FirstName: "Ada", Role: "teacher",
			},
		}},
		Notifications: []store.Notification{{ID: "n1", UserID: "u1", OrgID: "o1", CreatedAt: updated}},
		UnreadCount:   1,
	}

	if err := cache.Save(ctx, "u1:o1", snap); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if !s.Exists("inbox:snapshot:u1:o1") {
		t.Fatal("expected snapshot key to exist")
	}
	if ttl := s.TTL("inbox:snapshot:u1:o1"); ttl != time.Hour {
		t.Errorf("expected ttl 1h, got %v", ttl)
	}

	got, err := cache.Load(ctx, "u1:o1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Threads) != 1 || got.Threads[0].OtherParticipant.FirstName != "Ada" {
		t.Errorf("unexpected threads: %+v", got.Threads)
	}
	if !got.Threads[0].UpdatedAt.Equal(updated) {
		t.Errorf("expected updatedAt %v, got %v", updated, got.Threads[0].UpdatedAt)
	}
	if got.UnreadCount != 1 || len(got.Notifications) != 1 {
		t.Errorf("unexpected notifications: %+v", got)
	}
	if got.SavedAt.IsZero() {
		t.Error("expected SavedAt to be stamped")
	}
}

func TestLoadMissAndExpiry(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if _, err := cache.Load(ctx, "nobody:o1"); !errors.Is(err, ErrMiss) {
		t.Fatalf("expected ErrMiss, got %v", err)
	}

	if err := cache.Save(ctx, "u1:o1", Snapshot{}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	s.FastForward(2 * time.Hour)
	if _, err := cache.Load(ctx, "u1:o1"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected expired snapshot to miss, got %v", err)
	}
}

func TestDropSnapshot(t *testing.T) {
	cache, s := setupTestRedis(t)
	defer cache.Close()
	defer s.Close()

	ctx := context.Background()
	if err := cache.Save(ctx, "u1:o1", Snapshot{UnreadCount: 3}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := cache.Drop(ctx, "u1:o1"); err != nil {
		t.Fatalf("Drop failed: %v", err)
	}
	if _, err := cache.Load(ctx, "u1:o1"); !errors.Is(err, ErrMiss) {
		t.Errorf("expected ErrMiss after drop, got %v", err)
	}
}
