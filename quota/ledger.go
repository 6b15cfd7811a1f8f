package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryLedger keeps dispatch history in process memory.
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[string][]time.Time
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{entries: make(map[string][]time.Time)}
}

func (m *MemoryLedger) Load(_ context.Context, key string, since time.Time) ([]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []time.Time
	for _, ts := range m.entries[key] {
		if ts.After(since) {
			out = append(out, ts)
		}
	}
	return out, nil
}

func (m *MemoryLedger) Append(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = append(m.entries[key], at)
	return nil
}

// RedisLedger stores dispatches in a Redis sorted set per credential key, so
// several hosts sharing one developer account see each other's usage.
type RedisLedger struct {
	client redis.UniversalClient
	prefix string
	window time.Duration
}

// NewRedisLedger creates a Redis-backed ledger. Entries older than window are
// trimmed on every append.
func NewRedisLedger(client redis.UniversalClient, prefix string, window time.Duration) *RedisLedger {
	if prefix == "" {
		prefix = "romscraper:quota:"
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisLedger{client: client, prefix: prefix, window: window}
}

func (r *RedisLedger) key(key string) string {
	return r.prefix + key
}

// Load returns dispatches strictly after since.
func (r *RedisLedger) Load(ctx context.Context, key string, since time.Time) ([]time.Time, error) {
	members, err := r.client.ZRangeByScore(ctx, r.key(key), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis ledger load: %w", err)
	}

	out := make([]time.Time, 0, len(members))
	for _, m := range members {
		nanos, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ts := time.Unix(0, nanos)
		if ts.After(since) {
			out = append(out, ts)
		}
	}
	return out, nil
}

// Append records a dispatch and trims entries that have left the window.
func (r *RedisLedger) Append(ctx context.Context, key string, at time.Time) error {
	redisKey := r.key(key)
	cutoff := at.Add(-r.window)

	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(at.UnixMilli()),
		Member: strconv.FormatInt(at.UnixNano(), 10),
	})
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", "("+strconv.FormatInt(cutoff.UnixMilli(), 10))
	pipe.Expire(ctx, redisKey, r.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis ledger append: %w", err)
	}
	return nil
}
