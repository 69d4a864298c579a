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

func TestMemoryQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(4)

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got)

	got, err = q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got)
}

func TestMemoryQueueFull(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(1)

	require.NoError(t, q.Push(ctx, "a"))
	require.ErrorIs(t, q.Push(ctx, "b"), service.ErrQueueFull)
}

func TestMemoryQueuePopHonorsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueCloseDrainsThenReports(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(2)

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Push(ctx, "b"), service.ErrQueueClosed)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got)

	_, err = q.Pop(ctx)
	require.ErrorIs(t, err, service.ErrQueueClosed)

	// Close is idempotent.
	require.NoError(t, q.Close())
}

func newTestRedisQueue(t *testing.T, capacity int) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisQueue(rdb, "test:queue", capacity)
}

func TestRedisQueueFIFO(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t, 10)

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), depth)

	got, err := q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", got)

	got, err = q.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", got)
}

func TestRedisQueueCapacity(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t, 2)

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Push(ctx, "b"))
	require.ErrorIs(t, q.Push(ctx, "c"), service.ErrQueueFull)

	_, err := q.Pop(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Push(ctx, "c"))
}

func TestRedisQueueClosed(t *testing.T) {
	ctx := context.Background()
	q := newTestRedisQueue(t, 2)

	require.NoError(t, q.Push(ctx, "a"))
	require.NoError(t, q.Close())

	require.ErrorIs(t, q.Push(ctx, "b"), service.ErrQueueClosed)
	_, err := q.Pop(ctx)
	require.ErrorIs(t, err, service.ErrQueueClosed)
}
