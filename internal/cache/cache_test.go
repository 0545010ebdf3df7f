package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemoryCache(t *testing.T, maxKeys int) Cache {
	t.Helper()
	c := NewMemoryCache(&Config{TTL: time.Minute, MaxKeys: maxKeys}, nil)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestMemoryCache_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 10)

	_, ok := c.Get(ctx, "missing")
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)
	assert.True(t, c.Exists(ctx, "k"))

	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, c.Exists(ctx, "k"))
}

func TestMemoryCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 10)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 10*time.Millisecond))
	assert.Eventually(t, func() bool { return !c.Exists(ctx, "k") }, time.Second, 5*time.Millisecond)
}

func TestMemoryCache_IncrementWindow(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 10)

	n, err := c.Increment(ctx, "rate", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	require.NoError(t, c.SetTTL(ctx, "rate", 20*time.Millisecond))

	n, err = c.Increment(ctx, "rate", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	raw, ok := c.Get(ctx, "rate")
	require.True(t, ok)
	assert.Equal(t, "3", string(raw))

	time.Sleep(40 * time.Millisecond)
	n, err = c.Increment(ctx, "rate", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "an expired window starts over")
}

func TestMemoryCache_IncrementNonNumeric(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 10)

	require.NoError(t, c.Set(ctx, "k", []byte("text"), 0))
	_, err := c.Increment(ctx, "k", 1)
	assert.Error(t, err)
}

func TestMemoryCache_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	c := newTestMemoryCache(t, 2)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	time.Sleep(time.Millisecond)
	c.Get(ctx, "a")
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))

	assert.True(t, c.Exists(ctx, "a"))
	assert.False(t, c.Exists(ctx, "b"))
	assert.True(t, c.Exists(ctx, "c"))
}

func TestMemoryCache_HealthAfterClose(t *testing.T) {
	c := NewMemoryCache(nil, nil)
	assert.NoError(t, c.Health(context.Background()))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Error(t, c.Health(context.Background()))
}

func TestNewCache(t *testing.T) {
	c, err := NewCache(&Config{Provider: "memory"}, nil, nil)
	require.NoError(t, err)
	c.Close()

	_, err = NewCache(&Config{Provider: "redis"}, nil, nil)
	assert.Error(t, err)

	_, err = NewCache(&Config{Provider: "memcached"}, nil, nil)
	assert.Error(t, err)
}

func TestRedisCache(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()

	client, err := Connect(ctx, url)
	require.NoError(t, err)
	defer client.Close()

	c := NewRedisCache(client, &Config{TTL: time.Minute, KeyPrefix: "livecomments-test:"}, nil)
	require.NoError(t, c.Health(ctx))

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, c.Delete(ctx, "counter"))
	n, err := c.Increment(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, c.SetTTL(ctx, "counter", time.Second))

	require.NoError(t, c.Delete(ctx, "k"))
	assert.False(t, c.Exists(ctx, "k"))
}
