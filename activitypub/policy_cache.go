package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// PolicyCache stores the policy snapshot for a short TTL. A zero TTL disables caching.
type PolicyCache interface {
	Get(ctx context.Context) (*PolicySnapshot, bool, error)
	Set(ctx context.Context, snap *PolicySnapshot, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type memoryPolicyCache struct {
	mu      sync.Mutex
	snap    *PolicySnapshot
	expires time.Time
	now     func() time.Time
}

func NewMemoryPolicyCache() PolicyCache {
	return &memoryPolicyCache{now: time.Now}
}

func (c *memoryPolicyCache) Get(_ context.Context) (*PolicySnapshot, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.snap == nil || !c.now().Before(c.expires) {
		return nil, false, nil
	}
	return c.snap, true, nil
}

func (c *memoryPolicyCache) Set(_ context.Context, snap *PolicySnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = snap
	c.expires = c.now().Add(ttl)
	return nil
}

func (c *memoryPolicyCache) Invalidate(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snap = nil
	return nil
}

const DefaultPolicyCacheKey = "linkfed:policy"

// RedisPolicyCache shares the snapshot between processes serving the same instance.
type RedisPolicyCache struct {
	client *redis.Client
	key    string
}

func NewRedisPolicyCache(client *redis.Client, key string) *RedisPolicyCache {
	if key == "" {
		key = DefaultPolicyCacheKey
	}
	return &RedisPolicyCache{client: client, key: key}
}

func (c *RedisPolicyCache) Get(ctx context.Context) (*PolicySnapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap PolicySnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, err
	}
	return &snap, true, nil
}

func (c *RedisPolicyCache) Set(ctx context.Context, snap *PolicySnapshot, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, ttl).Err()
}

func (c *RedisPolicyCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, c.key).Err()
}
