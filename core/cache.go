package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// CacheManager provides TTL'd JSON caching with stale-read support.
//
// Values are stored in an envelope carrying the write timestamp so callers
// can distinguish a fresh hit from a stale one. The physical Redis TTL is
// the staleness threshold, which is always >= the logical TTL; a value past
// its logical TTL but still on the server is served only through GetStale.
type CacheManager struct {
	redis              *RedisClient
	clock              Clock
	stalenessThreshold time.Duration
	logger             Logger
}

type cacheEnvelope struct {
	Data     json.RawMessage `json:"data"`
	CachedAt time.Time       `json:"cached_at"`
}

// NewCacheManager creates a cache manager. stalenessThreshold bounds how far
// past its logical TTL a value may still be served in degraded mode.
func NewCacheManager(redis *RedisClient, clock Clock, stalenessThreshold time.Duration, logger Logger) *CacheManager {
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	if stalenessThreshold <= 0 {
		stalenessThreshold = time.Hour
	}
	return &CacheManager{
		redis:              redis,
		clock:              clock,
		stalenessThreshold: stalenessThreshold,
		logger:             logger,
	}
}

// Set stores a value with a logical TTL.
func (c *CacheManager) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshaling cache value: %w", err)
	}
	env := cacheEnvelope{Data: data, CachedAt: c.clock.Now()}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling cache envelope: %w", err)
	}

	physical := ttl
	if c.stalenessThreshold > physical {
		physical = c.stalenessThreshold
	}
	return c.redis.Set(ctx, "cache:"+key, payload, physical)
}

// Get retrieves a fresh value. Returns ErrNotFound when the key is absent
// or past its logical TTL.
func (c *CacheManager) Get(ctx context.Context, key string, ttl time.Duration, out interface{}) error {
	env, age, err := c.load(ctx, key)
	if err != nil {
		return err
	}
	if ttl > 0 && age > ttl {
		return ErrNotFound
	}
	return json.Unmarshal(env.Data, out)
}

// GetStale retrieves a value past its logical TTL but within the staleness
// threshold. Returns the value age so the caller can annotate the result.
func (c *CacheManager) GetStale(ctx context.Context, key string, out interface{}) (time.Duration, error) {
	env, age, err := c.load(ctx, key)
	if err != nil {
		return 0, err
	}
	if age > c.stalenessThreshold {
		return 0, ErrNotFound
	}
	return age, json.Unmarshal(env.Data, out)
}

// Delete removes a cached value.
func (c *CacheManager) Delete(ctx context.Context, key string) error {
	return c.redis.Del(ctx, "cache:"+key)
}

func (c *CacheManager) load(ctx context.Context, key string) (*cacheEnvelope, time.Duration, error) {
	raw, err := c.redis.Get(ctx, "cache:"+key)
	if err != nil {
		return nil, 0, err
	}
	var env cacheEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, 0, fmt.Errorf("unmarshaling cache envelope: %w", err)
	}
	return &env, c.clock.Now().Sub(env.CachedAt), nil
}
