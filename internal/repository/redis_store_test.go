package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/helixflow/helixgate/internal/service"
)

func newTestRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb), mr
}

func TestRedisStoreGetSet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	_, err := store.Get(ctx, "missing")
	require.ErrorIs(t, err, service.ErrKeyNotFound)

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "v", got)

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.Get(ctx, "k")
	require.ErrorIs(t, err, service.ErrKeyNotFound)
}

func TestRedisStoreSetNX(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	ok, err := store.SetNX(ctx, "k", "first", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.SetNX(ctx, "k", "second", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "first", got)
}

func TestRedisStoreCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	ok, err := store.CompareAndSwap(ctx, "k", "a", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "missing key must not swap")

	require.NoError(t, store.Set(ctx, "k", "a", time.Minute))

	ok, err = store.CompareAndSwap(ctx, "k", "stale", "b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.CompareAndSwap(ctx, "k", "a", "b", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, "b", got)
}

func TestRedisStoreCompareAndSwapKeepsTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	require.NoError(t, store.Set(ctx, "k", "a", time.Minute))

	ok, err := store.CompareAndSwap(ctx, "k", "a", "b", 0)
	require.NoError(t, err)
	require.True(t, ok)

	ttl := mr.TTL("k")
	require.Greater(t, ttl, time.Duration(0), "swap with ttl<=0 must keep the existing TTL")
}

func TestRedisStoreIncrAppliesTTL(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	n, err := store.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "c", time.Minute)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	require.Greater(t, mr.TTL("c"), time.Duration(0))

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "c")
	require.ErrorIs(t, err, service.ErrKeyNotFound)
}

func TestRedisStoreSets(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestRedisStore(t)

	ok, err := store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.SAdd(ctx, "s", "a", "b"))

	ok, err = store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.True(t, ok)

	members, err := store.SMembers(ctx, "s")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, store.SRem(ctx, "s", "a"))
	ok, err = store.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreServerTime(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestRedisStore(t)

	want := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mr.SetTime(want)

	got, err := store.ServerTime(ctx)
	require.NoError(t, err)
	require.Equal(t, want.Unix(), got.Unix())
}
