// Package cache provides the shared TTL-capable cache used for lockout
// counters, force-reauth flags, revoked-session markers, and the resolved
// permission cache.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache: key not found")

// Cache is the narrow contract the auth services consume. Increment is an
// atomic increment-with-TTL: the expiry is set when the counter is created,
// so counters are self-expiring.
type Cache interface {
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Remove(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
}
