package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisCache(client), mr
}

func TestRedisCache_IncrementSetsTTLOnCreation(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	count, err := c.Increment(ctx, "lockout:a@x.com", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Greater(t, mr.TTL("lockout:a@x.com"), time.Duration(0))

	count, err = c.Increment(ctx, "lockout:a@x.com", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedisCache_IncrementCounterExpires(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, err := c.Increment(ctx, "lockout:a@x.com", 1, time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	count, err := c.Increment(ctx, "lockout:a@x.com", 1, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired counter restarts from zero")
}

func TestRedisCache_GetSetRemoveExists(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "flag:sess-1", "1", time.Hour))

	val, err := c.Get(ctx, "flag:sess-1")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	ok, err := c.Exists(ctx, "flag:sess-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.Remove(ctx, "flag:sess-1"))

	ok, err = c.Exists(ctx, "flag:sess-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_RemoveNoKeysIsNoop(t *testing.T) {
	c, _ := newTestCache(t)
	assert.NoError(t, c.Remove(context.Background()))
}
