package memory

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/ports"
)

// usageShard is a single shard of the usage store.
type usageShard struct {
	mu       sync.RWMutex
	counters map[string]map[plan.ResourceKind]int64
}

// UsageStore is a sharded in-memory implementation of ports.UsageStore.
// Uses sharding to reduce lock contention across accounts.
type UsageStore struct {
	shards    []*usageShard
	numShards int
}

// UsageStoreConfig configures the usage store.
type UsageStoreConfig struct {
	NumShards int // Number of shards (default: 32)
}

// NewUsageStore creates a new sharded in-memory usage store.
func NewUsageStore(cfg UsageStoreConfig) *UsageStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = 32
	}

	s := &UsageStore{
		shards:    make([]*usageShard, cfg.NumShards),
		numShards: cfg.NumShards,
	}
	for i := range s.shards {
		s.shards[i] = &usageShard{
			counters: make(map[string]map[plan.ResourceKind]int64),
		}
	}
	return s
}

// key generates the map key for an account and cycle.
func (s *UsageStore) key(accountID string, cycleStart time.Time) string {
	return accountID + ":" + strconv.FormatInt(cycleStart.UnixNano(), 10)
}

// getShard returns the shard for a given account.
func (s *UsageStore) getShard(accountID string) *usageShard {
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return s.shards[h.Sum32()%uint32(s.numShards)]
}

// Add increments a counter and returns the new value.
func (s *UsageStore) Add(ctx context.Context, accountID string, cycleStart time.Time, kind plan.ResourceKind, delta int64) (int64, error) {
	k := s.key(accountID, cycleStart)
	shard := s.getShard(accountID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	c, ok := shard.counters[k]
	if !ok {
		c = make(map[plan.ResourceKind]int64)
		shard.counters[k] = c
	}
	c[kind] += delta
	return c[kind], nil
}

// Get returns a copy of the counters of one cycle.
func (s *UsageStore) Get(ctx context.Context, accountID string, cycleStart time.Time) (map[plan.ResourceKind]int64, error) {
	k := s.key(accountID, cycleStart)
	shard := s.getShard(accountID)

	shard.mu.RLock()
	defer shard.mu.RUnlock()

	out := make(map[plan.ResourceKind]int64, len(shard.counters[k]))
	for kind, v := range shard.counters[k] {
		out[kind] = v
	}
	return out, nil
}

// Reset drops the counters of one cycle.
func (s *UsageStore) Reset(ctx context.Context, accountID string, cycleStart time.Time) error {
	k := s.key(accountID, cycleStart)
	shard := s.getShard(accountID)

	shard.mu.Lock()
	delete(shard.counters, k)
	shard.mu.Unlock()
	return nil
}

// Len returns the number of cycles with counters across all shards (for testing).
func (s *UsageStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.RLock()
		total += len(shard.counters)
		shard.mu.RUnlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
