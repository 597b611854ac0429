package cachetier

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gomodule/redigo/redis"
	"github.com/google/go-cmp/cmp"
)

func newTier(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(s.Close)
	tier := NewRedis(&redis.Pool{
		Dial: func() (redis.Conn, error) {
			return redis.Dial("tcp", s.Addr())
		},
	})
	t.Cleanup(func() { tier.Close() })
	return tier, s
}

func TestLoadMissing(t *testing.T) {
	tier, _ := newTier(t)
	m, err := tier.Load(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil record, got %v", m)
	}
	m, err = tier.Load(context.Background(), "nope", "exists", "etag")
	if err != nil || m != nil {
		t.Fatalf("Load fields = %v, %v", m, err)
	}
}

func TestStoreDirtyQueuesRecord(t *testing.T) {
	ctx := context.Background()
	tier, s := newTier(t)

	due := time.UnixMilli(1_000)
	fields := map[string]string{"exists": "true", "body": "x", "synced": "false"}
	if err := tier.StoreDirty(ctx, "k", fields, "q", due); err != nil {
		t.Fatalf("StoreDirty: %v", err)
	}

	got, err := tier.Load(ctx, "k")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(fields, got); diff != "" {
		t.Fatalf("record mismatch (-want +got):\n%s", diff)
	}
	if ttl := s.TTL("k"); ttl != 0 {
		t.Fatalf("dirty record must not expire, ttl=%v", ttl)
	}

	keys, err := tier.Due(ctx, "q", time.UnixMilli(999), 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected nothing due yet, got %v", keys)
	}
	keys, err = tier.Due(ctx, "q", due, 10)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if diff := cmp.Diff([]string{"k"}, keys); diff != "" {
		t.Fatalf("due mismatch (-want +got):\n%s", diff)
	}

	partial, err := tier.Load(ctx, "k", "exists", "missing")
	if err != nil {
		t.Fatalf("Load fields: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"exists": "true"}, partial); diff != "" {
		t.Fatalf("partial mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreCleanReplacesAndExpires(t *testing.T) {
	ctx := context.Background()
	tier, s := newTier(t)

	tier.StoreDirty(ctx, "k", map[string]string{"exists": "true", "body": "old"}, "q", time.UnixMilli(1))
	if err := tier.StoreClean(ctx, "k", map[string]string{"exists": "false", "synced": "true"}, time.Minute, "q"); err != nil {
		t.Fatalf("StoreClean: %v", err)
	}
	got, _ := tier.Load(ctx, "k")
	if _, ok := got["body"]; ok {
		t.Fatalf("expected record to be replaced, got %v", got)
	}
	if ttl := s.TTL("k"); ttl != time.Minute {
		t.Fatalf("expected 1m ttl, got %v", ttl)
	}
	keys, _ := tier.Due(ctx, "q", time.Now(), 10)
	if len(keys) != 0 {
		t.Fatalf("clean record must leave the queue, got %v", keys)
	}
}

func TestMarkSynced(t *testing.T) {
	ctx := context.Background()
	tier, s := newTier(t)

	tier.StoreDirty(ctx, "k", map[string]string{"exists": "true", "synced": "false"}, "q", time.UnixMilli(1))
	if err := tier.MarkSynced(ctx, "k", 30*time.Second, "q"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	got, _ := tier.Load(ctx, "k", "synced")
	if got["synced"] != "true" {
		t.Fatalf("expected synced=true, got %v", got)
	}
	if ttl := s.TTL("k"); ttl != 30*time.Second {
		t.Fatalf("expected 30s ttl, got %v", ttl)
	}
	keys, _ := tier.Due(ctx, "q", time.Now(), 10)
	if len(keys) != 0 {
		t.Fatalf("synced record must leave the queue, got %v", keys)
	}

	s.FastForward(31 * time.Second)
	got, _ = tier.Load(ctx, "k")
	if got != nil {
		t.Fatalf("expected record to expire, got %v", got)
	}
}

func TestMarkSyncedSkipsVanishedRecord(t *testing.T) {
	ctx := context.Background()
	tier, s := newTier(t)

	tier.StoreDirty(ctx, "k", map[string]string{"exists": "true", "synced": "false"}, "q", time.UnixMilli(1))
	s.Del("k")

	if err := tier.MarkSynced(ctx, "k", 30*time.Second, "q"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	if s.Exists("k") {
		got, _ := tier.Load(ctx, "k")
		t.Fatalf("MarkSynced recreated the record: %v", got)
	}
	keys, _ := tier.Due(ctx, "q", time.Now(), 10)
	if len(keys) != 0 {
		t.Fatalf("queue entry must be removed, got %v", keys)
	}
}

func TestDueOrderAndLimit(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTier(t)

	tier.StoreDirty(ctx, "c", map[string]string{"exists": "true"}, "q", time.UnixMilli(30))
	tier.StoreDirty(ctx, "a", map[string]string{"exists": "true"}, "q", time.UnixMilli(10))
	tier.StoreDirty(ctx, "b", map[string]string{"exists": "true"}, "q", time.UnixMilli(20))

	keys, err := tier.Due(ctx, "q", time.UnixMilli(100), 2)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, keys); diff != "" {
		t.Fatalf("due mismatch (-want +got):\n%s", diff)
	}

	if err := tier.Dequeue(ctx, "q", "a"); err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	keys, _ = tier.Due(ctx, "q", time.UnixMilli(100), 10)
	if diff := cmp.Diff([]string{"b", "c"}, keys); diff != "" {
		t.Fatalf("due after dequeue mismatch (-want +got):\n%s", diff)
	}
}
