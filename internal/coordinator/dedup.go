package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupStore tracks which request_ids the master has already processed.
// The default is an in-memory map guarded by the master's single
// event-loop goroutine; RedisDedup is wired for masters that want dedup
// state to survive a master restart.
type DedupStore interface {
	// SeenOrMark returns true if requestID was already marked (a
	// duplicate), else marks it and returns false.
	SeenOrMark(ctx context.Context, requestID string) (bool, error)
}

// MemoryDedup is the default DedupStore: every test run exercises this
// implementation.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewMemoryDedup constructs an empty MemoryDedup.
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]struct{})}
}

// SeenOrMark implements DedupStore.
func (d *MemoryDedup) SeenOrMark(_ context.Context, requestID string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[requestID]; ok {
		return true, nil
	}
	d.seen[requestID] = struct{}{}
	return false, nil
}

// RedisDedup is an optional DedupStore backed by go-redis, for a master
// that wants dedup state to survive its own restart.
//
// Grounded on the example pack's Redis client construction pattern
// (internal/pkg/xredis/client.go in the pack's secondary axonhub example):
// a thin constructor around redis.NewClient plus a Ping to fail fast on a
// bad address.
type RedisDedup struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisDedup constructs a RedisDedup against an already-connected
// client, namespacing keys under prefix (typically the task ID) so
// multiple concurrent runs sharing one Redis instance don't collide.
func NewRedisDedup(client *redis.Client, prefix string, ttl time.Duration) *RedisDedup {
	if ttl <= 0 {
		ttl = 1 * time.Hour
	}
	return &RedisDedup{client: client, prefix: prefix, ttl: ttl}
}

// SeenOrMark implements DedupStore using SETNX semantics: the key is
// created only if absent, so a concurrent duplicate mark always loses the
// race cleanly.
func (d *RedisDedup) SeenOrMark(ctx context.Context, requestID string) (bool, error) {
	key := d.prefix + ":" + requestID
	ok, err := d.client.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX returns true when the key was newly created (not a duplicate).
	return !ok, nil
}
