package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/helixflow/helixgate/internal/service"
)

// Rate counter key layout:
//   - Key: ratelimit:{principalID}:{windowStartUnix}
//   - Value: request count inside that window
//   - TTL: 2x the window, so the previous window stays readable for the
//     sliding algorithm and then expires on its own.
//
// The store's Incr applies INCR + EXPIRE atomically (MULTI/EXEC on the
// redis backend). Window starts come from the store's server clock when
// it has one, so multiple gateway instances agree on boundaries; TIME
// cannot ride inside the pipeline, so this costs one extra round trip.
const rateKeyPrefix = "ratelimit:"

// RateCounters counts requests per principal per window on the shared
// store.
type RateCounters struct {
	store service.KVStore
}

var _ service.RateCounter = (*RateCounters)(nil)

func NewRateCounters(store service.KVStore) *RateCounters {
	return &RateCounters{store: store}
}

func rateKey(principal string, start time.Time) string {
	return fmt.Sprintf("%s%s:%d", rateKeyPrefix, principal, start.Unix())
}

func (c *RateCounters) now(ctx context.Context) (time.Time, error) {
	if clock, ok := c.store.(service.ServerClock); ok {
		return clock.ServerTime(ctx)
	}
	return time.Now(), nil
}

// Hit records one request for principal and returns the updated window
// counts, including the previous window's final count for sliding-window
// weighting.
func (c *RateCounters) Hit(ctx context.Context, principal string, window time.Duration) (*service.RateWindow, error) {
	now, err := c.now(ctx)
	if err != nil {
		return nil, fmt.Errorf("rate hit: %w", err)
	}
	start := now.Truncate(window)

	count, err := c.store.Incr(ctx, rateKey(principal, start), 2*window)
	if err != nil {
		return nil, fmt.Errorf("rate hit: %w", err)
	}

	prev, err := c.previous(ctx, principal, start.Add(-window))
	if err != nil {
		return nil, fmt.Errorf("rate hit: %w", err)
	}

	return &service.RateWindow{
		Now:      now,
		Start:    start,
		Window:   window,
		Count:    count,
		Previous: prev,
	}, nil
}

func (c *RateCounters) previous(ctx context.Context, principal string, start time.Time) (int64, error) {
	val, err := c.store.Get(ctx, rateKey(principal, start))
	if errors.Is(err, service.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("non-numeric rate counter: %w", err)
	}
	return n, nil
}
