// Package core Redis access.
// This file implements a simplified Redis client wrapper with database
// isolation, key namespacing and connection management for the distributed
// components of the substrate.
//
// Database Allocation:
// The system uses different Redis databases for isolation:
// - DB 0: General cache (fallback data, stale reads)
// - DB 1: Rate limiting buckets
// - DB 2: Circuit breaker state
// - DB 3: Event bus history
// - DB 4: Workflow state snapshots
// - DB 5-15: Available for extensions
//
// Namespacing:
// All keys are automatically prefixed with the configured namespace to
// prevent collisions across deployments sharing one Redis.
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Standard Redis DB allocation.
const (
	// RedisDBCache is for general caching and fallback data
	RedisDBCache = 0

	// RedisDBRateLimiting is for rate limiting buckets (isolated)
	RedisDBRateLimiting = 1

	// RedisDBCircuitBreaker is for circuit breaker state
	RedisDBCircuitBreaker = 2

	// RedisDBEvents is for event history
	RedisDBEvents = 3

	// RedisDBWorkflow is for workflow state snapshots
	RedisDBWorkflow = 4
)

// RedisClient provides a simplified Redis interface with DB isolation
// and key namespacing. It is safe for concurrent use.
type RedisClient struct {
	client    *redis.Client
	dbID      int
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace for organization
	Logger    Logger // Optional logger
}

// NewRedisClient creates a new Redis client with specified options.
// The connection is verified with a ping before returning.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}

	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrMissingConfiguration)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", ErrInvalidConfiguration)
	}

	// Override DB for isolation
	if opts.DB >= 0 && opts.DB <= 15 {
		redisOpt.DB = opts.DB
	}

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis DB %d: %w", opts.DB, ErrConnectionFailed)
	}

	rc := &RedisClient{
		client:    client,
		dbID:      opts.DB,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}

	rc.logger.Info("Redis client connected", map[string]interface{}{
		"db":        opts.DB,
		"namespace": opts.Namespace,
	})

	return rc, nil
}

// NewRedisClientFromExisting wraps an already constructed go-redis client.
// Used by tests running against miniredis.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Close closes the Redis connection
func (r *RedisClient) Close() error {
	r.logger.Info("Closing Redis client connection", map[string]interface{}{
		"db":        r.dbID,
		"namespace": r.namespace,
	})
	return r.client.Close()
}

// Raw exposes the underlying go-redis client for transactional callers.
func (r *RedisClient) Raw() *redis.Client { return r.client }

// FormatKey formats a key with the namespace.
func (r *RedisClient) FormatKey(key string) string {
	if r.namespace != "" {
		return fmt.Sprintf("%s:%s", r.namespace, key)
	}
	return key
}

// --- Key/value operations ---

// Get retrieves a value. Returns ErrNotFound when the key is absent.
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.FormatKey(key)).Result()
	if err == redis.Nil {
		return "", ErrNotFound
	}
	return val, err
}

// Set stores a value with optional TTL (0 = no expiry)
func (r *RedisClient) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return r.client.Set(ctx, r.FormatKey(key), value, ttl).Err()
}

// Del deletes keys
func (r *RedisClient) Del(ctx context.Context, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.FormatKey(key)
	}
	return r.client.Del(ctx, formattedKeys...).Err()
}

// Exists reports whether a key is present.
func (r *RedisClient) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.FormatKey(key)).Result()
	return n > 0, err
}

// TTL gets the TTL of a key
func (r *RedisClient) TTL(ctx context.Context, key string) (time.Duration, error) {
	return r.client.TTL(ctx, r.FormatKey(key)).Result()
}

// Expire sets a TTL on a key
func (r *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Expire(ctx, r.FormatKey(key), ttl).Err()
}

// Incr increments a counter
func (r *RedisClient) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, r.FormatKey(key)).Result()
}

// Keys lists keys matching a pattern within the namespace.
func (r *RedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, r.FormatKey(pattern)).Result()
}

// --- Sorted set operations (sliding windows) ---

// ZAdd adds members to a sorted set
func (r *RedisClient) ZAdd(ctx context.Context, key string, members ...*redis.Z) error {
	return r.client.ZAdd(ctx, r.FormatKey(key), members...).Err()
}

// ZAddScore adds a single member with a score.
func (r *RedisClient) ZAddScore(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, r.FormatKey(key), &redis.Z{Score: score, Member: member}).Err()
}

// ZRemRangeByScore removes members by score range
func (r *RedisClient) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return r.client.ZRemRangeByScore(ctx, r.FormatKey(key), min, max).Err()
}

// ZCard gets the cardinality of a sorted set
func (r *RedisClient) ZCard(ctx context.Context, key string) (int64, error) {
	return r.client.ZCard(ctx, r.FormatKey(key)).Result()
}

// ZCount counts members in a score range
func (r *RedisClient) ZCount(ctx context.Context, key string, min, max string) (int64, error) {
	return r.client.ZCount(ctx, r.FormatKey(key), min, max).Result()
}

// ZRangeByScoreWithScores returns members with scores in a range.
func (r *RedisClient) ZRangeByScoreWithScores(ctx context.Context, key string, opt *redis.ZRangeBy) ([]redis.Z, error) {
	return r.client.ZRangeByScoreWithScores(ctx, r.FormatKey(key), opt).Result()
}

// --- List operations (event history, message logs) ---

// LPush prepends values to a list
func (r *RedisClient) LPush(ctx context.Context, key string, values ...interface{}) error {
	return r.client.LPush(ctx, r.FormatKey(key), values...).Err()
}

// LTrim trims a list to the given range
func (r *RedisClient) LTrim(ctx context.Context, key string, start, stop int64) error {
	return r.client.LTrim(ctx, r.FormatKey(key), start, stop).Err()
}

// LRange returns a slice of a list
func (r *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, r.FormatKey(key), start, stop).Result()
}

// LLen returns the length of a list
func (r *RedisClient) LLen(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, r.FormatKey(key)).Result()
}

// --- Pub/sub ---

// Publish sends a message on a channel (channel names are namespaced).
func (r *RedisClient) Publish(ctx context.Context, channel string, message interface{}) error {
	return r.client.Publish(ctx, r.FormatKey(channel), message).Err()
}

// PSubscribe subscribes to channels matching a pattern.
func (r *RedisClient) PSubscribe(ctx context.Context, pattern string) *redis.PubSub {
	return r.client.PSubscribe(ctx, r.FormatKey(pattern))
}

// StripNamespace removes the namespace prefix from a channel or key name.
func (r *RedisClient) StripNamespace(name string) string {
	if r.namespace != "" {
		prefix := r.namespace + ":"
		if len(name) > len(prefix) && name[:len(prefix)] == prefix {
			return name[len(prefix):]
		}
	}
	return name
}

// --- Transactions / pipelines ---

// Watch runs fn under optimistic locking of the given keys.
// Keys are namespaced before locking.
func (r *RedisClient) Watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	formattedKeys := make([]string, len(keys))
	for i, key := range keys {
		formattedKeys[i] = r.FormatKey(key)
	}
	return r.client.Watch(ctx, fn, formattedKeys...)
}

// Pipeline creates a pipeline for batched operations
func (r *RedisClient) Pipeline() redis.Pipeliner {
	return r.client.Pipeline()
}

// --- Health check ---

// HealthCheck verifies Redis connectivity
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
