package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// casAttempts bounds optimistic transaction retries when another instance
// mutates the same bucket concurrently.
const casAttempts = 5

// --- Sliding window ---

func (l *Limiter) checkSlidingWindow(ctx context.Context, key string, limit int, window time.Duration) (*Result, error) {
	now := l.clock.Now()
	windowStart := now.Add(-window)
	fkey := l.redis.FormatKey(key)

	var res *Result
	for attempt := 0; attempt < casAttempts; attempt++ {
		err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
			if err := tx.ZRemRangeByScore(ctx, fkey, "0", strconv.FormatInt(windowStart.UnixNano(), 10)).Err(); err != nil {
				return err
			}
			count, err := tx.ZCard(ctx, fkey).Result()
			if err != nil {
				return err
			}

			if count >= int64(limit) {
				res = &Result{
					Allowed:    false,
					Remaining:  0,
					ResetTime:  now.Add(window),
					RetryAfter: window,
					Algorithm:  core.AlgorithmSlidingWindow,
					Metadata:   map[string]interface{}{"current_count": count, "limit": limit},
				}
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.New().String())
				pipe.ZAdd(ctx, fkey, &redis.Z{Score: float64(now.UnixNano()), Member: member})
				pipe.Expire(ctx, fkey, window+10*time.Second)
				return nil
			})
			if err != nil {
				return err
			}
			res = &Result{
				Allowed:   true,
				Remaining: limit - int(count) - 1,
				ResetTime: now.Add(window),
				Algorithm: core.AlgorithmSlidingWindow,
			}
			return nil
		}, key)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("sliding window CAS contention on %s: %w", key, core.ErrConflict)
}

// --- Token bucket ---

type tokenBucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

func (l *Limiter) checkTokenBucket(ctx context.Context, key string, cfg core.ServiceConfig) (*Result, error) {
	now := l.clock.Now()
	bucketKey := key + ":bucket"
	fkey := l.redis.FormatKey(bucketKey)

	var res *Result
	for attempt := 0; attempt < casAttempts; attempt++ {
		err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
			state := tokenBucketState{Tokens: float64(cfg.BurstCapacity), LastRefill: now}
			raw, err := tx.Get(ctx, fkey).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				if uerr := json.Unmarshal([]byte(raw), &state); uerr != nil {
					// Corrupt state resets the bucket to full.
					state = tokenBucketState{Tokens: float64(cfg.BurstCapacity), LastRefill: now}
				}
			}

			elapsed := now.Sub(state.LastRefill).Seconds()
			if elapsed > 0 {
				state.Tokens = math.Min(float64(cfg.BurstCapacity), state.Tokens+elapsed*cfg.RefillRate)
				state.LastRefill = now
			}

			if state.Tokens < 1 {
				retryAfter := time.Duration(math.Ceil((1-state.Tokens)/cfg.RefillRate)) * time.Second
				res = &Result{
					Allowed:    false,
					Remaining:  0,
					ResetTime:  now.Add(retryAfter),
					RetryAfter: retryAfter,
					Algorithm:  core.AlgorithmTokenBucket,
					Metadata:   map[string]interface{}{"tokens": state.Tokens},
				}
				// Persist refill progress even on denial.
				return l.storeTokenBucket(ctx, tx, fkey, state, cfg)
			}

			state.Tokens--
			if err := l.storeTokenBucket(ctx, tx, fkey, state, cfg); err != nil {
				return err
			}
			res = &Result{
				Allowed:   true,
				Remaining: int(state.Tokens),
				ResetTime: now.Add(time.Duration(math.Ceil(float64(cfg.BurstCapacity)/cfg.RefillRate)) * time.Second),
				Algorithm: core.AlgorithmTokenBucket,
				Metadata:  map[string]interface{}{"tokens": state.Tokens},
			}
			return nil
		}, bucketKey)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("token bucket CAS contention on %s: %w", key, core.ErrConflict)
}

func (l *Limiter) storeTokenBucket(ctx context.Context, tx *redis.Tx, fkey string, state tokenBucketState, cfg core.ServiceConfig) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fkey, data, cfg.WindowSize+10*time.Second)
		return nil
	})
	return err
}

func (l *Limiter) loadTokenBucket(ctx context.Context, key string, cfg core.ServiceConfig, now time.Time) (*tokenBucketState, error) {
	state := tokenBucketState{Tokens: float64(cfg.BurstCapacity), LastRefill: now}
	raw, err := l.redis.Get(ctx, key+":bucket")
	if err != nil {
		if core.IsNotFound(err) {
			return &state, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	elapsed := now.Sub(state.LastRefill).Seconds()
	if elapsed > 0 {
		state.Tokens = math.Min(float64(cfg.BurstCapacity), state.Tokens+elapsed*cfg.RefillRate)
	}
	return &state, nil
}

// --- Fixed window ---

func (l *Limiter) checkFixedWindow(ctx context.Context, key string, cfg core.ServiceConfig) (*Result, error) {
	now := l.clock.Now()
	windowSec := int64(cfg.WindowSize.Seconds())
	if windowSec <= 0 {
		windowSec = 60
	}
	quantum := now.Unix() / windowSec
	counterKey := fmt.Sprintf("%s:fixed:%d", key, quantum)
	windowEnd := time.Unix((quantum+1)*windowSec, 0)

	count, err := l.redis.Incr(ctx, counterKey)
	if err != nil {
		return nil, err
	}
	if count == 1 {
		if err := l.redis.Expire(ctx, counterKey, cfg.WindowSize+10*time.Second); err != nil {
			return nil, err
		}
	}

	limit := int64(cfg.RequestsPerMinute)
	if count > limit {
		return &Result{
			Allowed:    false,
			Remaining:  0,
			ResetTime:  windowEnd,
			RetryAfter: windowEnd.Sub(now),
			Algorithm:  core.AlgorithmFixedWindow,
			Metadata:   map[string]interface{}{"current_count": count, "limit": limit},
		}, nil
	}
	return &Result{
		Allowed:   true,
		Remaining: int(limit - count),
		ResetTime: windowEnd,
		Algorithm: core.AlgorithmFixedWindow,
	}, nil
}

// --- Adaptive ---

type adaptiveState struct {
	CurrentLimit    float64   `json:"current_limit"`
	LastAdjustment  time.Time `json:"last_adjustment"`
	AdjustmentCount int       `json:"adjustment_count"`
}

// adjustmentInterval is the minimum spacing between adaptive adjustments.
const adjustmentInterval = 60 * time.Second

func (l *Limiter) checkAdaptive(ctx context.Context, service, key string, cfg core.ServiceConfig) (*Result, error) {
	state, err := l.maybeAdjust(ctx, service, cfg)
	if err != nil {
		return nil, err
	}

	limit := int(math.Round(state.CurrentLimit))
	if limit < 1 {
		limit = 1
	}
	res, err := l.checkSlidingWindow(ctx, key, limit, cfg.WindowSize)
	if err != nil {
		return nil, err
	}
	res.Algorithm = core.AlgorithmAdaptive
	if res.Metadata == nil {
		res.Metadata = map[string]interface{}{}
	}
	res.Metadata["current_limit"] = state.CurrentLimit
	res.Metadata["base_limit"] = cfg.RequestsPerMinute
	return res, nil
}

func (l *Limiter) loadAdaptiveState(ctx context.Context, service string, cfg core.ServiceConfig) (*adaptiveState, error) {
	state := adaptiveState{CurrentLimit: float64(cfg.RequestsPerMinute)}
	raw, err := l.redis.Get(ctx, fmt.Sprintf("rate_limit:%s:adaptive", service))
	if err != nil {
		if core.IsNotFound(err) {
			return &state, nil
		}
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// maybeAdjust applies the adaptive limit rules at most once per
// adjustmentInterval. Let s be the success rate of the last <=100 outcome
// marks within 5 minutes: s below the adaptive threshold backs the limit
// off toward 0.1x base; s above 0.95 recovers it toward 2x base.
func (l *Limiter) maybeAdjust(ctx context.Context, service string, cfg core.ServiceConfig) (*adaptiveState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	metaKey := fmt.Sprintf("rate_limit:%s:adaptive", service)
	fkey := l.redis.FormatKey(metaKey)
	base := float64(cfg.RequestsPerMinute)

	var out *adaptiveState
	err := l.redis.Watch(ctx, func(tx *redis.Tx) error {
		state := adaptiveState{CurrentLimit: base}
		raw, err := tx.Get(ctx, fkey).Result()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == nil {
			if uerr := json.Unmarshal([]byte(raw), &state); uerr != nil {
				state = adaptiveState{CurrentLimit: base}
			}
		}

		if !state.LastAdjustment.IsZero() && now.Sub(state.LastAdjustment) < adjustmentInterval {
			out = &state
			return nil
		}

		successRate, samples, err := l.successRate(ctx, service, now)
		if err != nil {
			return err
		}

		adjusted := false
		if samples > 0 {
			switch {
			case successRate < cfg.AdaptiveThreshold:
				state.CurrentLimit = math.Max(state.CurrentLimit*cfg.BackoffFactor, 0.1*base)
				adjusted = true
			case successRate > 0.95:
				state.CurrentLimit = math.Min(state.CurrentLimit*cfg.RecoveryFactor, 2*base)
				adjusted = true
			}
		}
		state.LastAdjustment = now
		if adjusted {
			state.AdjustmentCount++
			l.logger.Info("Adaptive rate limit adjusted", map[string]interface{}{
				"service":       service,
				"success_rate":  successRate,
				"samples":       samples,
				"current_limit": state.CurrentLimit,
			})
		}

		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fkey, data, 24*time.Hour)
			return nil
		})
		if err != nil {
			return err
		}
		out = &state
		return nil
	}, metaKey)
	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			// Another instance adjusted concurrently; read its result.
			return l.loadAdaptiveState(ctx, service, cfg)
		}
		return nil, err
	}
	return out, nil
}

// successRate computes the success fraction of the most recent <=100
// outcome marks recorded within the last 5 minutes.
func (l *Limiter) successRate(ctx context.Context, service string, now time.Time) (float64, int, error) {
	key := fmt.Sprintf("rate_limit:%s:outcomes", service)
	windowStart := now.Add(-5 * time.Minute).UnixNano()
	marks, err := l.redis.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(windowStart, 10),
		Max: "+inf",
	})
	if err != nil {
		return 0, 0, err
	}
	if len(marks) > 100 {
		marks = marks[len(marks)-100:]
	}
	if len(marks) == 0 {
		return 0, 0, nil
	}
	successes := 0
	for _, m := range marks {
		member, _ := m.Member.(string)
		if len(member) >= 4 && member[len(member)-4:] == "true" {
			successes++
		}
	}
	return float64(successes) / float64(len(marks)), len(marks), nil
}
