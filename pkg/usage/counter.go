package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/subledger/subledger/pkg/catalog"
)

// Counter is a keyed usage counter shared across service instances. Burst
// windows are enforced against it rather than against per-process maps so
// every instance sees one view.
type Counter interface {
	// Current returns the count accumulated in the window
	Current(ctx context.Context, accountID int64, resource catalog.Resource, window Window) (int64, error)

	// Add increments the window's count by delta and returns the new count
	Add(ctx context.Context, accountID int64, resource catalog.Resource, window Window, delta int64) (int64, error)
}

// RedisCounter implements Counter using Redis INCRBY with window TTLs
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter creates a new Redis-backed counter
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "usage"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(accountID int64, resource catalog.Resource, window Window) string {
	return fmt.Sprintf("%s:%d:%s:%s", c.prefix, accountID, resource, window)
}

// Current returns the count accumulated in the window
func (c *RedisCounter) Current(ctx context.Context, accountID int64, resource catalog.Resource, window Window) (int64, error) {
	count, err := c.client.Get(ctx, c.key(accountID, resource, window)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return count, nil
}

// Add increments the window's count by delta and returns the new count.
// The TTL is set alongside the increment so the window expires on its own.
func (c *RedisCounter) Add(ctx context.Context, accountID int64, resource catalog.Resource, window Window, delta int64) (int64, error) {
	key := c.key(accountID, resource, window)

	pipe := c.client.Pipeline()
	incr := pipe.IncrBy(ctx, key, delta)
	pipe.Expire(ctx, key, window.Duration())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redis error: %w", err)
	}
	return incr.Val(), nil
}

// MemoryCounter implements Counter with in-process state. It serves tests
// and single-instance deployments; multi-instance deployments need the
// Redis counter for one shared view.
type MemoryCounter struct {
	mu      sync.Mutex
	buckets map[string]*memoryBucket
	now     func() time.Time
}

type memoryBucket struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounter creates a new in-memory counter
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		buckets: make(map[string]*memoryBucket),
		now:     time.Now,
	}
}

// WithClock overrides the counter's clock, for tests
func (c *MemoryCounter) WithClock(now func() time.Time) *MemoryCounter {
	c.now = now
	return c
}

func (c *MemoryCounter) bucket(accountID int64, resource catalog.Resource, window Window) *memoryBucket {
	key := fmt.Sprintf("%d:%s:%s", accountID, resource, window)
	b, ok := c.buckets[key]
	if !ok || c.now().After(b.expiresAt) {
		b = &memoryBucket{expiresAt: c.now().Add(window.Duration())}
		c.buckets[key] = b
	}
	return b
}

// Current returns the count accumulated in the window
func (c *MemoryCounter) Current(ctx context.Context, accountID int64, resource catalog.Resource, window Window) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bucket(accountID, resource, window).count, nil
}

// Add increments the window's count by delta and returns the new count
func (c *MemoryCounter) Add(ctx context.Context, accountID int64, resource catalog.Resource, window Window, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bucket(accountID, resource, window)
	b.count += delta
	return b.count, nil
}
