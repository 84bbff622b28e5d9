// Package redis provides a Redis-backed usage counter store, for deployments
// where several engine processes record usage for the same accounts.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/artpar/billcycle/domain/plan"
	"github.com/artpar/billcycle/ports"
	goredis "github.com/redis/go-redis/v9"
)

// Config configures the Redis usage store.
type Config struct {
	URL       string        // redis://host:port/db
	Password  string        // overrides the URL password when set
	PoolSize  int           // 0 keeps the client default
	KeyPrefix string        // default "billcycle"
	TTL       time.Duration // counters expire this long after their cycle started; 0 disables expiry
}

// UsageStore implements ports.UsageStore with one hash per account cycle:
// key "{prefix}:usage:{account}:{cycleStartUnixNano}", field = resource kind.
type UsageStore struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// NewUsageStore connects to Redis and verifies the connection.
func NewUsageStore(ctx context.Context, cfg Config) (*UsageStore, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := goredis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewUsageStoreWithClient(client, cfg), nil
}

// NewUsageStoreWithClient wraps an existing client.
func NewUsageStoreWithClient(client *goredis.Client, cfg Config) *UsageStore {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "billcycle"
	}
	return &UsageStore{client: client, prefix: prefix, ttl: cfg.TTL}
}

func (s *UsageStore) key(accountID string, cycleStart time.Time) string {
	return s.prefix + ":usage:" + accountID + ":" + strconv.FormatInt(cycleStart.UnixNano(), 10)
}

// Add increments a counter with HINCRBY. The expiry is pinned to the cycle
// start, so an idle account keeps its counters for the whole cycle.
func (s *UsageStore) Add(ctx context.Context, accountID string, cycleStart time.Time, kind plan.ResourceKind, delta int64) (int64, error) {
	k := s.key(accountID, cycleStart)

	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, k, string(kind), delta)
		if s.ttl > 0 {
			pipe.ExpireAt(ctx, k, cycleStart.Add(s.ttl))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("redis hincrby %s: %w", k, err)
	}
	return incr.Val(), nil
}

// Get returns all counters of one cycle.
func (s *UsageStore) Get(ctx context.Context, accountID string, cycleStart time.Time) (map[plan.ResourceKind]int64, error) {
	k := s.key(accountID, cycleStart)

	fields, err := s.client.HGetAll(ctx, k).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall %s: %w", k, err)
	}

	counters := make(map[plan.ResourceKind]int64, len(fields))
	for field, raw := range fields {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis %s field %s: %w", k, field, err)
		}
		counters[plan.ResourceKind(field)] = v
	}
	return counters, nil
}

// Reset deletes the cycle's hash.
func (s *UsageStore) Reset(ctx context.Context, accountID string, cycleStart time.Time) error {
	k := s.key(accountID, cycleStart)
	if err := s.client.Del(ctx, k).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", k, err)
	}
	return nil
}

// Ping checks the connection.
func (s *UsageStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the underlying client.
func (s *UsageStore) Close() error {
	return s.client.Close()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
