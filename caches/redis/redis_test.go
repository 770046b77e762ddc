package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)

	c, err := New(Config{Addr: s.Addr(), Namespace: "test", DefaultTTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c, s
}

func TestNew_ConnectionFailure(t *testing.T) {
	_, err := New(Config{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond})
	require.Error(t, err)
	require.Contains(t, err.Error(), "redis ping failed")
}

func TestCache_SetGet(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))

	got, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.Equal(t, []byte("value"), got)
}

func TestCache_GetMiss(t *testing.T) {
	c, _ := newTestCache(t)

	got, err := c.Get(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCache_NamespacePrefix(t *testing.T) {
	c, s := newTestCache(t)

	require.NoError(t, c.Set(context.Background(), "key", []byte("value"), 0))

	raw, err := s.Get("test:key")
	require.NoError(t, err)
	require.Equal(t, "value", raw)
}

func TestCache_TTLExpiry(t *testing.T) {
	c, s := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), time.Minute))

	s.FastForward(2 * time.Minute)

	got, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.Nil(t, got, "entry should expire after its TTL")
}

func TestCache_ZeroTTLUsesDefault(t *testing.T) {
	c, s := newTestCache(t)

	require.NoError(t, c.Set(context.Background(), "key", []byte("value"), 0))

	ttl := s.TTL("test:key")
	require.Equal(t, time.Minute, ttl)
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))
	require.NoError(t, c.Delete(ctx, "key"))

	got, err := c.Get(ctx, "key")
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCache_Entries(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	n, err := c.Entries(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))

	n, err = c.Entries(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestCache_Stats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "key", []byte("value"), 0))
	_, _ = c.Get(ctx, "key")
	_, _ = c.Get(ctx, "absent")
	require.NoError(t, c.Delete(ctx, "key"))

	stats := c.Stats()
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.EqualValues(t, 1, stats.Sets)
	require.EqualValues(t, 1, stats.Deletes)
	require.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCache_Ping(t *testing.T) {
	c, s := newTestCache(t)
	require.NoError(t, c.Ping(context.Background()))

	s.Close()
	require.Error(t, c.Ping(context.Background()))
}
