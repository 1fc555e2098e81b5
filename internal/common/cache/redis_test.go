package cache_test

import (
	"context"
	"testing"
	"time"

	"gradebox/internal/common/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestCache(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockIsOwnedByToken(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "lock:sweep", "a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first lock to succeed, ok=%v err=%v", ok, err)
	}
	ok, err = c.TryLock(ctx, "lock:sweep", "b", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second lock to fail, ok=%v err=%v", ok, err)
	}
	if err := c.Unlock(ctx, "lock:sweep", "b"); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if v, _ := c.Get(ctx, "lock:sweep"); v != "a" {
		t.Fatalf("foreign unlock released the lock, value=%q", v)
	}
	if err := c.Unlock(ctx, "lock:sweep", "a"); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if v, _ := c.Get(ctx, "lock:sweep"); v != "" {
		t.Fatalf("expected lock released, got %q", v)
	}
}

func TestLockExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	if ok, _ := c.TryLock(ctx, "lock:x", "a", time.Second); !ok {
		t.Fatalf("expected lock")
	}
	mr.FastForward(2 * time.Second)
	if ok, _ := c.TryLock(ctx, "lock:x", "b", time.Second); !ok {
		t.Fatalf("expected lock after expiry")
	}
}

func TestTryLockRejectsUnboundedLease(t *testing.T) {
	c, _ := newTestCache(t)
	if ok, err := c.TryLock(context.Background(), "lock:y", "a", 0); err == nil || ok {
		t.Fatalf("expected zero ttl to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestNewRedisCacheAcceptsURL(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{Addr: "redis://" + mr.Addr() + "/0"})
	if err != nil {
		t.Fatalf("connect by url failed: %v", err)
	}
	defer c.Close()
	if err := c.Set(context.Background(), "k", "v", 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Fatalf("value not written through url client, got %q", got)
	}
}

func TestNewRedisCacheRequiresAddr(t *testing.T) {
	if _, err := cache.NewRedisCacheWithConfig(&cache.RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty addr")
	}
}

func TestGetOrLoadCachesMisses(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	loads := 0
	load := func(context.Context) (*string, error) {
		loads++
		return nil, nil
	}
	isEmpty := func(v *string) bool { return v == nil }
	for i := 0; i < 3; i++ {
		v, err := cache.GetOrLoad(ctx, c, "assignment:9", time.Minute, time.Minute, isEmpty, load)
		if err != nil || v != nil {
			t.Fatalf("unexpected result %v %v", v, err)
		}
	}
	if loads != 1 {
		t.Fatalf("expected one load behind the miss marker, got %d", loads)
	}
}

func TestJitterTTLStaysWithinTenPercent(t *testing.T) {
	for i := 0; i < 50; i++ {
		got := cache.JitterTTL(10 * time.Second)
		if got > 10*time.Second || got < 9*time.Second {
			t.Fatalf("jitter out of range: %v", got)
		}
	}
}
