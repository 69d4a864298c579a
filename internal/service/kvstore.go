package service

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyNotFound reports an absent key on Get.
	ErrKeyNotFound = errors.New("kvstore: key not found")
	// ErrQueueFull reports a Push against a queue at capacity.
	ErrQueueFull = errors.New("workqueue: queue full")
	// ErrQueueClosed reports Pop/Push after Close.
	ErrQueueClosed = errors.New("workqueue: closed")
)

// KVStore is the shared-state abstraction every stateful service rides on.
// Implementations must make CompareAndSwap linearizable per key and Incr
// atomic with its TTL application. ttl <= 0 means no expiry.
type KVStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndSwap replaces key's value with next iff the current value
	// equals prev. A missing key never swaps. false with nil error means
	// the caller lost a race and should re-read.
	CompareAndSwap(ctx context.Context, key, prev, next string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	// Incr atomically increments key (initializing absent keys to 1) and
	// applies ttl in the same step.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrBy is Incr with an arbitrary delta.
	IncrBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// ServerClock is an optional KVStore capability: a store-side clock shared
// by all gateway instances. The rate limiter prefers it over the local
// clock so window boundaries agree across processes.
type ServerClock interface {
	ServerTime(ctx context.Context) (time.Time, error)
}

// WorkQueue is a bounded FIFO. Pop blocks until a payload arrives, ctx is
// done, or the queue closes.
type WorkQueue interface {
	Push(ctx context.Context, payload string) error
	Pop(ctx context.Context) (string, error)
	Depth(ctx context.Context) (int64, error)
	Close() error
}
