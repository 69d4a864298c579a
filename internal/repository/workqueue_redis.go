package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helixflow/helixgate/internal/service"
)

// popBlockInterval bounds each BRPOP so Pop notices context cancellation
// and Close without waiting on the network indefinitely.
const popBlockInterval = time.Second

// queuePushScript checks capacity and pushes in one atomic step. Returns
// the new depth, or -1 when the queue is full.
var queuePushScript = redis.NewScript(`
local depth = redis.call('LLEN', KEYS[1])
if depth >= tonumber(ARGV[2]) then
  return -1
end
redis.call('LPUSH', KEYS[1], ARGV[1])
return depth + 1
`)

// RedisQueue is a bounded FIFO on a redis list, shared by every gateway
// instance pointing at the same key.
type RedisQueue struct {
	rdb      *redis.Client
	name     string
	capacity int
	closed   atomic.Bool
}

var _ service.WorkQueue = (*RedisQueue)(nil)

func NewRedisQueue(rdb *redis.Client, name string, capacity int) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name, capacity: capacity}
}

func (q *RedisQueue) Push(ctx context.Context, payload string) error {
	if q.closed.Load() {
		return service.ErrQueueClosed
	}
	if q.capacity <= 0 {
		return q.rdb.LPush(ctx, q.name, payload).Err()
	}
	depth, err := queuePushScript.Run(ctx, q.rdb, []string{q.name}, payload, q.capacity).Int64()
	if err != nil {
		return err
	}
	if depth < 0 {
		return service.ErrQueueFull
	}
	return nil
}

func (q *RedisQueue) Pop(ctx context.Context) (string, error) {
	for {
		if q.closed.Load() {
			return "", service.ErrQueueClosed
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		vals, err := q.rdb.BRPop(ctx, popBlockInterval, q.name).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", err
		}
		// BRPOP returns [key, value].
		return vals[1], nil
	}
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}

// Close stops future pushes and unblocks poppers within one block
// interval. Queued payloads stay in redis for the next start.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
