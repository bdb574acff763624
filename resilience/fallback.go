package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// Source identifies where a resilient call's data came from.
type Source string

const (
	SourcePrimary        Source = "PRIMARY"
	SourceRecentFallback Source = "RECENT_FALLBACK"
	SourceStaleCache     Source = "STALE_CACHE"
	SourceDefault        Source = "DEFAULT"
	SourceDegradedMode   Source = "DEGRADED_MODE"
	SourceError          Source = "ERROR"
)

// Outcome is the result of a resilient call, whatever layer produced it.
type Outcome struct {
	Data              interface{}            `json:"data,omitempty"`
	Source            Source                 `json:"source"`
	FallbackUsed      bool                   `json:"fallback_used"`
	DegradedMode      bool                   `json:"degraded_mode"`
	Warnings          []string               `json:"warnings,omitempty"`
	Err               error                  `json:"-"`
	RecoveryAttempted bool                   `json:"recovery_attempted,omitempty"`
	RecoveryResult    map[string]interface{} `json:"recovery_result,omitempty"`
}

type fallbackEnvelope struct {
	Data     json.RawMessage `json:"data"`
	StoredAt time.Time       `json:"stored_at"`
	Service  string          `json:"service"`
}

// FallbackRequest describes one trip through the fallback chain.
type FallbackRequest struct {
	Service     string
	FallbackKey string
	DefaultData interface{}
	CauseErr    error
}

// FallbackManager serves degraded results when the primary path is down.
// The chain is tried in order: recently stored result, stale cache read,
// caller-provided default, then a synthetic degraded payload.
type FallbackManager struct {
	redis     *core.RedisClient
	cache     *core.CacheManager
	clock     core.Clock
	logger    core.Logger
	configFor ConfigProvider
}

// NewFallbackManager creates a fallback manager. cache may be nil when no
// stale-read layer is wired (the chain skips that step).
func NewFallbackManager(redis *core.RedisClient, cache *core.CacheManager, configFor ConfigProvider, clock core.Clock, logger core.Logger) *FallbackManager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FallbackManager{
		redis:     redis,
		cache:     cache,
		clock:     clock,
		logger:    logger,
		configFor: configFor,
	}
}

func fallbackRedisKey(key string) string { return "fallback:" + key }

// StoreResult records a successful primary result so later failures can be
// served from it. Entries live twice their logical TTL so expired-but-recent
// data remains inspectable before cleanup.
func (f *FallbackManager) StoreResult(ctx context.Context, service, key string, data interface{}) error {
	if key == "" {
		return nil
	}
	cfg := f.configFor(service)
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshaling fallback data: %w", err)
	}
	env := fallbackEnvelope{Data: raw, StoredAt: f.clock.Now(), Service: service}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return f.redis.Set(ctx, fallbackRedisKey(key), payload, 2*cfg.FallbackDataTTL)
}

// Resolve walks the fallback chain and returns the first layer that can
// produce data. When every layer comes up empty the returned outcome has
// Source ERROR and Err wrapping core.ErrFallbackFailed.
func (f *FallbackManager) Resolve(ctx context.Context, req FallbackRequest) *Outcome {
	cfg := f.configFor(req.Service)

	if out := f.tryRecent(ctx, req, cfg); out != nil {
		return out
	}
	if out := f.tryStaleCache(ctx, req); out != nil {
		return out
	}
	if req.DefaultData != nil {
		f.logger.Info("Serving default fallback data", map[string]interface{}{
			"service":      req.Service,
			"fallback_key": req.FallbackKey,
		})
		return &Outcome{
			Data:         req.DefaultData,
			Source:       SourceDefault,
			FallbackUsed: true,
			Warnings:     []string{"serving configured default data"},
		}
	}
	if data := degradedPayload(req.FallbackKey); data != nil {
		f.logger.Warn("Entering degraded mode", map[string]interface{}{
			"service":      req.Service,
			"fallback_key": req.FallbackKey,
		})
		return &Outcome{
			Data:         data,
			Source:       SourceDegradedMode,
			FallbackUsed: true,
			DegradedMode: true,
			Warnings:     []string{"operating in degraded mode with minimal data"},
		}
	}

	return &Outcome{
		Source: SourceError,
		Err: fmt.Errorf("no fallback available for %s (key %q): %w",
			req.Service, req.FallbackKey, core.ErrFallbackFailed),
	}
}

func (f *FallbackManager) tryRecent(ctx context.Context, req FallbackRequest, cfg core.ServiceConfig) *Outcome {
	if req.FallbackKey == "" {
		return nil
	}
	raw, err := f.redis.Get(ctx, fallbackRedisKey(req.FallbackKey))
	if err != nil {
		if !core.IsNotFound(err) {
			f.logger.Warn("Fallback store read failed", map[string]interface{}{
				"fallback_key": req.FallbackKey,
				"error":        err.Error(),
			})
		}
		return nil
	}
	var env fallbackEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil
	}
	age := f.clock.Now().Sub(env.StoredAt)
	if age > cfg.FallbackDataTTL {
		return nil
	}

	var data interface{}
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil
	}
	return &Outcome{
		Data:         data,
		Source:       SourceRecentFallback,
		FallbackUsed: true,
		Warnings:     []string{fmt.Sprintf("serving result recorded %s ago", age.Round(time.Second))},
	}
}

func (f *FallbackManager) tryStaleCache(ctx context.Context, req FallbackRequest) *Outcome {
	if f.cache == nil || req.FallbackKey == "" {
		return nil
	}
	var data interface{}
	age, err := f.cache.GetStale(ctx, req.FallbackKey, &data)
	if err != nil {
		return nil
	}
	return &Outcome{
		Data:         data,
		Source:       SourceStaleCache,
		FallbackUsed: true,
		DegradedMode: true,
		Warnings:     []string{fmt.Sprintf("serving stale cached data aged %s", age.Round(time.Second))},
	}
}

// degradedPayload builds a minimal synthetic response shaped by the
// fallback key. Unknown keys get a generic degraded marker.
func degradedPayload(key string) map[string]interface{} {
	if key == "" {
		return nil
	}
	base := map[string]interface{}{
		"degraded_mode": true,
	}
	switch {
	case strings.Contains(key, "pricing") || strings.Contains(key, "cost"):
		base["services"] = []interface{}{}
		base["message"] = "pricing data unavailable, showing empty catalog"
	case strings.Contains(key, "compliance"):
		base["frameworks"] = []interface{}{}
		base["message"] = "compliance data unavailable, manual review required"
	case strings.Contains(key, "recommendation") || strings.Contains(key, "report"):
		base["items"] = []interface{}{}
		base["message"] = "analysis unavailable, partial results only"
	default:
		base["message"] = "service unavailable, operating with minimal data"
	}
	return base
}

// Cleanup removes fallback entries older than twice their service's TTL.
// The physical Redis TTL already bounds growth; this pass exists for
// namespaces sharing a long-lived DB.
func (f *FallbackManager) Cleanup(ctx context.Context) (int, error) {
	keys, err := f.redis.Keys(ctx, fallbackRedisKey("*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	now := f.clock.Now()
	for _, full := range keys {
		key := f.redis.StripNamespace(full)
		raw, err := f.redis.Get(ctx, key)
		if err != nil {
			continue
		}
		var env fallbackEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			continue
		}
		cfg := f.configFor(env.Service)
		if now.Sub(env.StoredAt) > 2*cfg.FallbackDataTTL {
			if err := f.redis.Del(ctx, key); err == nil {
				removed++
			}
		}
	}
	if removed > 0 {
		f.logger.Info("Fallback cleanup removed stale entries", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}
