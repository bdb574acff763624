// Package ratelimit implements per-service request gating over Redis.
//
// Four algorithms are supported: sliding window, token bucket, fixed
// window and adaptive (a sliding window whose limit adjusts to the
// observed success rate). Bucket state lives in Redis so every API
// instance shares the same budget; mutations use optimistic WATCH
// transactions so checks are atomic per bucket.
//
// Key schema:
//
//	rate_limit:<service>:<scope_tag>[:<hashed_identifier>]           sliding/fixed marks
//	rate_limit:<service>:<scope_tag>[:<hashed_identifier>]:bucket    token bucket state
//	rate_limit:<service>:adaptive                                    adaptive metadata
//	rate_limit:<service>:outcomes                                    success/failure marks
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

// Scope is the dimension a limit is applied across.
type Scope string

const (
	ScopeGlobal     Scope = "GLOBAL"
	ScopePerService Scope = "PER_SERVICE"
	ScopePerUser    Scope = "PER_USER"
	ScopePerIP      Scope = "PER_IP"
)

func (s Scope) tag() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopePerUser:
		return "user"
	case ScopePerIP:
		return "ip"
	default:
		return "service"
	}
}

// Result describes the outcome of a limit check.
type Result struct {
	Allowed    bool                    `json:"allowed"`
	Remaining  int                     `json:"remaining"`
	ResetTime  time.Time               `json:"reset_time"`
	RetryAfter time.Duration           `json:"retry_after,omitempty"`
	Algorithm  core.RateLimitAlgorithm `json:"algorithm"`
	Metadata   map[string]interface{}  `json:"metadata,omitempty"`
}

// ConfigProvider returns the effective settings for a service. Wiring it as
// a function keeps hot-reloaded configuration visible without re-plumbing.
type ConfigProvider func(service string) core.ServiceConfig

// Limiter is the advanced rate limiter (C4).
type Limiter struct {
	redis     *core.RedisClient
	clock     core.Clock
	logger    core.Logger
	metrics   *telemetry.Metrics
	configFor ConfigProvider

	mu sync.Mutex // serialises adaptive adjustments in this instance
}

// New creates a Limiter. metrics may be nil.
func New(redis *core.RedisClient, configFor ConfigProvider, clock core.Clock, logger core.Logger, metrics *telemetry.Metrics) *Limiter {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Limiter{
		redis:     redis,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		configFor: configFor,
	}
}

// CheckLimit performs a rate limit check for one request. A denied check
// returns a Result with Allowed=false and a populated RetryAfter; callers
// surface this as a RateLimitError.
func (l *Limiter) CheckLimit(ctx context.Context, service string, scope Scope, identifier string) (*Result, error) {
	cfg := l.configFor(service)
	key := l.bucketKey(service, scope, identifier)

	var (
		result *Result
		err    error
	)
	switch cfg.Algorithm {
	case core.AlgorithmTokenBucket:
		result, err = l.checkTokenBucket(ctx, key, cfg)
	case core.AlgorithmFixedWindow:
		result, err = l.checkFixedWindow(ctx, key, cfg)
	case core.AlgorithmAdaptive:
		result, err = l.checkAdaptive(ctx, service, key, cfg)
	default:
		limit := cfg.RequestsPerMinute
		result, err = l.checkSlidingWindow(ctx, key, limit, cfg.WindowSize)
		if result != nil {
			result.Algorithm = core.AlgorithmSlidingWindow
		}
	}
	if err != nil {
		return nil, fmt.Errorf("rate limit check for %s: %w", service, err)
	}

	if l.metrics != nil {
		l.metrics.RateLimitChecks.WithLabelValues(service, strconv.FormatBool(result.Allowed)).Inc()
		if !result.Allowed {
			l.metrics.RateLimitRejections.WithLabelValues(service).Inc()
		}
	}
	if !result.Allowed {
		l.logger.Debug("Rate limit denied", map[string]interface{}{
			"service":     service,
			"scope":       string(scope),
			"algorithm":   string(result.Algorithm),
			"retry_after": result.RetryAfter.String(),
		})
	}
	return result, nil
}

// Check is a convenience wrapper that converts a denial into a
// core.RateLimitError.
func (l *Limiter) Check(ctx context.Context, service string, scope Scope, identifier string) error {
	res, err := l.CheckLimit(ctx, service, scope, identifier)
	if err != nil {
		return err
	}
	if !res.Allowed {
		return &core.RateLimitError{Service: service, RetryAfter: res.RetryAfter}
	}
	return nil
}

// RecordOutcome feeds the adaptive algorithm's success-rate window. Marks
// are stored in Redis so every instance converges on the same limit.
func (l *Limiter) RecordOutcome(ctx context.Context, service string, success bool) error {
	now := l.clock.Now()
	member := fmt.Sprintf("%d:%t", now.UnixNano(), success)
	key := fmt.Sprintf("rate_limit:%s:outcomes", service)
	if err := l.redis.ZAddScore(ctx, key, float64(now.UnixNano()), member); err != nil {
		return err
	}
	// Keep only the outcome window; 5 minutes plus slack.
	cutoff := now.Add(-6 * time.Minute).UnixNano()
	if err := l.redis.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10)); err != nil {
		return err
	}
	return l.redis.Expire(ctx, key, 10*time.Minute)
}

// Reset clears all bucket state for a service.
func (l *Limiter) Reset(ctx context.Context, service string) error {
	keys, err := l.redis.Keys(ctx, fmt.Sprintf("rate_limit:%s:*", service))
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := l.redis.Del(ctx, l.redis.StripNamespace(k)); err != nil {
			return err
		}
	}
	l.logger.Info("Rate limit state reset", map[string]interface{}{
		"service": service,
		"keys":    len(keys),
	})
	return nil
}

// Status reports the current bucket occupancy for a service without
// consuming budget.
func (l *Limiter) Status(ctx context.Context, service string) (map[string]interface{}, error) {
	cfg := l.configFor(service)
	key := l.bucketKey(service, ScopePerService, "")
	now := l.clock.Now()

	status := map[string]interface{}{
		"service":             service,
		"algorithm":           string(cfg.Algorithm),
		"requests_per_minute": cfg.RequestsPerMinute,
		"window_size":         cfg.WindowSize.String(),
	}

	switch cfg.Algorithm {
	case core.AlgorithmTokenBucket:
		state, err := l.loadTokenBucket(ctx, key, cfg, now)
		if err != nil {
			return nil, err
		}
		status["tokens"] = state.Tokens
		status["burst_capacity"] = cfg.BurstCapacity
	case core.AlgorithmAdaptive:
		meta, err := l.loadAdaptiveState(ctx, service, cfg)
		if err != nil {
			return nil, err
		}
		status["current_limit"] = meta.CurrentLimit
		status["adjustment_count"] = meta.AdjustmentCount
		fallthrough
	default:
		windowStart := now.Add(-cfg.WindowSize).UnixNano()
		count, err := l.redis.ZCount(ctx, key, strconv.FormatInt(windowStart, 10), "+inf")
		if err != nil {
			return nil, err
		}
		status["current_count"] = count
	}
	return status, nil
}

func (l *Limiter) bucketKey(service string, scope Scope, identifier string) string {
	key := fmt.Sprintf("rate_limit:%s:%s", service, scope.tag())
	if scope == ScopePerUser || scope == ScopePerIP {
		key += ":" + hashIdentifier(identifier)
	}
	return key
}

// hashIdentifier hashes user/IP identifiers so raw addresses never appear
// as Redis keys.
func hashIdentifier(identifier string) string {
	sum := sha256.Sum256([]byte(identifier))
	return hex.EncodeToString(sum[:8])
}
