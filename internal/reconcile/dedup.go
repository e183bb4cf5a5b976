package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// DedupCache guards against reprocessing the same notification. It is
// passed to the reconciler at construction rather than living as
// process-wide shared state, so tests and single-node deployments can use
// the in-memory implementation.
type DedupCache interface {
	// Claim marks the key as being processed. It returns false when the
	// key was already claimed.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release frees a claimed key after a processing failure so the
	// source's redelivery can be accepted.
	Release(ctx context.Context, key string) error
}

// RedisDedup is the distributed dedup cache shared across pods.
type RedisDedup struct {
	client *redis.Client
}

// NewRedisDedup creates a redis-backed dedup cache
func NewRedisDedup(client *redis.Client) *RedisDedup {
	return &RedisDedup{client: client}
}

func (d *RedisDedup) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return d.client.SetNX(ctx, key, "processing", ttl).Result()
}

func (d *RedisDedup) Release(ctx context.Context, key string) error {
	return d.client.Del(ctx, key).Err()
}

// MemoryDedup is an in-process dedup cache for tests and single-node use.
type MemoryDedup struct {
	mu   sync.Mutex
	keys map[string]time.Time
}

// NewMemoryDedup creates an in-memory dedup cache
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{keys: make(map[string]time.Time)}
}

func (d *MemoryDedup) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if expiry, ok := d.keys[key]; ok && time.Now().Before(expiry) {
		return false, nil
	}
	d.keys[key] = time.Now().Add(ttl)
	return true, nil
}

func (d *MemoryDedup) Release(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.keys, key)
	return nil
}
