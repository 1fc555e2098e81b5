package cache

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"time"
)

// JitterTTL trims up to a tenth off ttl so entries written in one burst,
// such as a class submitting together, do not all expire at once.
func JitterTTL(ttl time.Duration) time.Duration {
	spread := ttl / 10
	if spread <= 0 {
		return ttl
	}
	return ttl - rand.N(spread+1)
}

// NullCacheValue is stored for rows known to be absent.
const NullCacheValue = "<nil>"

// GetOrLoad reads key through c, falling back to load. Empty results are
// remembered as NullCacheValue for emptyTTL. Cache errors degrade to load;
// load errors are returned and never cached.
func GetOrLoad[T any](
	ctx context.Context,
	c KV,
	key string,
	ttl, emptyTTL time.Duration,
	isEmpty func(T) bool,
	load func(context.Context) (T, error),
) (T, error) {
	var zero T
	cached, err := c.Get(ctx, key)
	switch {
	case err != nil || cached == "":
	case cached == NullCacheValue:
		return zero, nil
	default:
		var v T
		if json.Unmarshal([]byte(cached), &v) == nil {
			return v, nil
		}
	}

	v, err := load(ctx)
	if err != nil {
		return zero, err
	}
	if isEmpty(v) {
		_ = c.Set(ctx, key, NullCacheValue, JitterTTL(emptyTTL))
		return zero, nil
	}
	if payload, err := json.Marshal(v); err == nil {
		_ = c.Set(ctx, key, string(payload), JitterTTL(ttl))
	}
	return v, nil
}
