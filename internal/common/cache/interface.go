package cache

import (
	"context"
	"time"
)

// Cache is the Redis surface of the grading core: the submission status
// cache, idempotency keys and the reconciler's sweep lock.
type Cache interface {
	KV
	LockOps
	Ping(ctx context.Context) error
	Close() error
}

// KV holds string values. Get returns "" for a missing key; a zero ttl
// means no expiry.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// LockOps is a lease lock keyed by name and owned by a random token, so one
// host can never release a lease another host holds.
type LockOps interface {
	TryLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, token string) error
}
