package repository

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/helixflow/helixgate/internal/service"
)

const memoryStoreSweepInterval = time.Minute

// MemoryStore implements service.KVStore on a process-local go-cache
// instance. A single mutex serializes mutations so CompareAndSwap and
// Incr stay linearizable; values are stored as strings for parity with
// the redis backend, sets as member maps.
type MemoryStore struct {
	mu sync.Mutex
	c  *gocache.Cache
}

var _ service.KVStore = (*MemoryStore)(nil)
var _ service.ServerClock = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{c: gocache.New(gocache.NoExpiration, memoryStoreSweepInterval)}
}

func ttlOrForever(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if !ok {
		return "", service.ErrKeyNotFound
	}
	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("memorystore: wrong type for key %q", key)
	}
	return str, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c.Set(key, value, ttlOrForever(ttl))
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.c.Get(key); ok {
		return false, nil
	}
	s.c.Set(key, value, ttlOrForever(ttl))
	return true, nil
}

// CompareAndSwap swaps under the store mutex. ttl <= 0 preserves the
// key's remaining TTL, matching the redis backend's KeepTTL behavior.
func (s *MemoryStore) CompareAndSwap(_ context.Context, key, prev, next string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, exp, ok := s.c.GetWithExpiration(key)
	if !ok {
		return false, nil
	}
	cur, ok := v.(string)
	if !ok {
		return false, fmt.Errorf("memorystore: wrong type for key %q", key)
	}
	if cur != prev {
		return false, nil
	}
	d := ttlOrForever(ttl)
	if ttl <= 0 && !exp.IsZero() {
		d = time.Until(exp)
		if d <= 0 {
			return false, nil
		}
	}
	s.c.Set(key, next, d)
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		s.c.Delete(k)
	}
	return nil
}

func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return s.IncrBy(ctx, key, 1, ttl)
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur int64
	if v, ok := s.c.Get(key); ok {
		str, ok := v.(string)
		if !ok {
			return 0, fmt.Errorf("memorystore: wrong type for key %q", key)
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("memorystore: non-numeric value for key %q", key)
		}
		cur = n
	}
	cur += delta
	s.c.Set(key, strconv.FormatInt(cur, 10), ttlOrForever(ttl))
	return cur, nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.c.Get(key)
	if !ok {
		return nil
	}
	s.c.Set(key, v, ttlOrForever(ttl))
	return nil
}

func (s *MemoryStore) SAdd(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.setFor(key)
	if err != nil {
		return err
	}
	if set == nil {
		set = make(map[string]struct{}, len(members))
		s.c.Set(key, set, gocache.NoExpiration)
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (s *MemoryStore) SRem(_ context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.setFor(key)
	if err != nil || set == nil {
		return err
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		s.c.Delete(key)
	}
	return nil
}

func (s *MemoryStore) SIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.setFor(key)
	if err != nil || set == nil {
		return false, err
	}
	_, ok := set[member]
	return ok, nil
}

func (s *MemoryStore) SMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, err := s.setFor(key)
	if err != nil || set == nil {
		return nil, err
	}
	members := make([]string, 0, len(set))
	for m := range set {
		members = append(members, m)
	}
	return members, nil
}

// setFor returns the member map stored at key, nil when absent. Callers
// hold s.mu; the map is mutated in place so the entry's TTL survives.
func (s *MemoryStore) setFor(key string) (map[string]struct{}, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, nil
	}
	set, ok := v.(map[string]struct{})
	if !ok {
		return nil, fmt.Errorf("memorystore: wrong type for key %q", key)
	}
	return set, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// ServerTime is the process clock; with an in-memory store there is only
// one instance to agree with.
func (s *MemoryStore) ServerTime(context.Context) (time.Time, error) {
	return time.Now(), nil
}

func (s *MemoryStore) Close() error { return nil }
