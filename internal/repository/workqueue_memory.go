package repository

import (
	"context"
	"sync"

	"github.com/helixflow/helixgate/internal/service"
)

// MemoryQueue is a bounded FIFO on a buffered channel, for single-process
// deployments and tests.
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan string
	closed bool
}

var _ service.WorkQueue = (*MemoryQueue)(nil)

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MemoryQueue{ch: make(chan string, capacity)}
}

func (q *MemoryQueue) Push(ctx context.Context, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return service.ErrQueueClosed
	}
	select {
	case q.ch <- payload:
		return nil
	default:
		return service.ErrQueueFull
	}
}

// Pop drains remaining payloads after Close before reporting
// ErrQueueClosed.
func (q *MemoryQueue) Pop(ctx context.Context) (string, error) {
	select {
	case payload, ok := <-q.ch:
		if !ok {
			return "", service.ErrQueueClosed
		}
		return payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
