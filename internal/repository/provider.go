package repository

import (
	"github.com/google/wire"

	"github.com/helixflow/helixgate/internal/config"
	"github.com/helixflow/helixgate/internal/service"
)

// Stores bundles the KVStore and WorkQueue backing one deployment. The
// redis backend shares a single client between both; the memory backend
// keeps everything in process.
type Stores struct {
	KV    service.KVStore
	Queue service.WorkQueue
}

// NewStores selects the store backend from configuration. The returned
// cleanup closes the queue before the client so blocked poppers unwind
// first.
func NewStores(cfg *config.Config) (*Stores, func(), error) {
	if cfg.Store.BackendOrDefault() == "memory" {
		kv := NewMemoryStore()
		queue := NewMemoryQueue(cfg.Queue.CapacityOrDefault())
		cleanup := func() {
			_ = queue.Close()
			_ = kv.Close()
		}
		return &Stores{KV: kv, Queue: queue}, cleanup, nil
	}

	rdb, err := NewRedisClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	queue := NewRedisQueue(rdb, cfg.Queue.NameOrDefault(), cfg.Queue.CapacityOrDefault())
	cleanup := func() {
		_ = queue.Close()
		_ = rdb.Close()
	}
	return &Stores{KV: NewRedisStore(rdb), Queue: queue}, cleanup, nil
}

func ProvideKVStore(s *Stores) service.KVStore     { return s.KV }
func ProvideWorkQueue(s *Stores) service.WorkQueue { return s.Queue }

// NewInferenceBackend selects the backend implementation from
// configuration.
func NewInferenceBackend(cfg *config.Config) service.InferenceBackend {
	if cfg.Backend.KindOrDefault() == "remote" {
		return NewRemoteBackend(cfg)
	}
	return NewSimulatedBackend(cfg)
}

var ProviderSet = wire.NewSet(
	NewStores,
	ProvideKVStore,
	ProvideWorkQueue,
	NewUserDirectory,
	wire.Bind(new(service.UserLookup), new(*UserDirectory)),
	NewRateCounters,
	wire.Bind(new(service.RateCounter), new(*RateCounters)),
	NewInferenceBackend,
)
