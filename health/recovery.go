package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// RecoveryFunc tries to bring a component back. The returned map is
// attached to the triggering outcome for observability.
type RecoveryFunc func(ctx context.Context, cause error) (map[string]interface{}, error)

// RecoveryStats are per-component counters exposed on the admin API.
type RecoveryStats struct {
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
}

type recoveryController struct {
	manager *Manager
	cfg     core.HealthConfig
	clock   core.Clock
	logger  core.Logger

	mu          sync.Mutex
	auto        bool
	strategies  map[string][]RecoveryFunc
	lastAttempt map[string]time.Time
	counters    map[string]*RecoveryStats
}

func newRecoveryController(m *Manager, cfg core.HealthConfig, clock core.Clock, logger core.Logger) *recoveryController {
	return &recoveryController{
		manager:     m,
		cfg:         cfg,
		clock:       clock,
		logger:      logger,
		auto:        cfg.AutoRecovery,
		strategies:  make(map[string][]RecoveryFunc),
		lastAttempt: make(map[string]time.Time),
		counters:    make(map[string]*RecoveryStats),
	}
}

// register appends a strategy to the component's list. Strategies run in
// registration order until one succeeds.
func (r *recoveryController) register(component string, fn RecoveryFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[component] = append(r.strategies[component], fn)
}

func (r *recoveryController) setAuto(enabled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.auto = enabled
	r.logger.Info("Auto recovery toggled", map[string]interface{}{"enabled": enabled})
}

func (r *recoveryController) autoEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.auto
}

// attempt runs the component's strategies in order until one succeeds or
// the list is exhausted, unless an attempt ran within the cooldown. The
// result of the attempt is a probe through CheckNow, so a recovered
// component immediately flips back to HEALTHY.
func (r *recoveryController) attempt(ctx context.Context, component string, cause error) (map[string]interface{}, error) {
	r.mu.Lock()
	strategies, ok := r.strategies[component]
	if !ok || len(strategies) == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("no recovery strategy for %s: %w", component, core.ErrNotFound)
	}
	now := r.clock.Now()
	if last, seen := r.lastAttempt[component]; seen && now.Sub(last) < r.cfg.RecoveryCooldown {
		remaining := r.cfg.RecoveryCooldown - now.Sub(last)
		r.mu.Unlock()
		return map[string]interface{}{
			"skipped":       true,
			"cooldown_left": remaining.String(),
		}, nil
	}
	r.lastAttempt[component] = now
	stats := r.counters[component]
	if stats == nil {
		stats = &RecoveryStats{}
		r.counters[component] = stats
	}
	stats.Attempts++
	stats.LastAttempt = now
	r.mu.Unlock()

	r.logger.Info("Attempting component recovery", map[string]interface{}{
		"component":  component,
		"strategies": len(strategies),
		"cause":      errString(cause),
	})

	var result map[string]interface{}
	var err error
	for i, strategy := range strategies {
		result, err = strategy(ctx, cause)
		if err == nil {
			break
		}
		r.logger.Warn("Recovery strategy failed, trying next", map[string]interface{}{
			"component": component,
			"strategy":  i,
			"error":     err.Error(),
		})
	}

	r.mu.Lock()
	if err != nil {
		stats.Failures++
		stats.LastOutcome = "failed: " + err.Error()
	} else {
		stats.Successes++
		stats.LastOutcome = "succeeded"
	}
	r.mu.Unlock()

	if err != nil {
		return result, fmt.Errorf("recovery of %s failed: %w", component, err)
	}

	// Re-probe so the registry reflects the recovery outcome right away.
	if snap, cerr := r.manager.CheckNow(ctx, component); cerr == nil {
		if result == nil {
			result = map[string]interface{}{}
		}
		result["post_recovery_status"] = string(snap.Status)
	}
	return result, nil
}

func (r *recoveryController) stats() map[string]RecoveryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RecoveryStats, len(r.counters))
	for name, s := range r.counters {
		out[name] = *s
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RedisRecovery pings the connection so a transient network failure clears
// as soon as connectivity is back.
func RedisRecovery(client *core.RedisClient) RecoveryFunc {
	return func(ctx context.Context, _ error) (map[string]interface{}, error) {
		if err := client.HealthCheck(ctx); err != nil {
			return map[string]interface{}{"action": "redis_ping"}, err
		}
		return map[string]interface{}{"action": "redis_ping", "connected": true}, nil
	}
}

// BreakerResetRecovery force-closes a circuit breaker so the next call
// probes the dependency again.
func BreakerResetRecovery(reset func(ctx context.Context) error) RecoveryFunc {
	return func(ctx context.Context, _ error) (map[string]interface{}, error) {
		if err := reset(ctx); err != nil {
			return map[string]interface{}{"action": "breaker_reset"}, err
		}
		return map[string]interface{}{"action": "breaker_reset", "reset": true}, nil
	}
}

// ProbeRecovery wraps a plain connectivity probe as a recovery strategy for
// components with no remediation beyond waiting out the outage.
func ProbeRecovery(probe CheckFunc) RecoveryFunc {
	return func(ctx context.Context, _ error) (map[string]interface{}, error) {
		if err := probe(ctx); err != nil {
			return map[string]interface{}{"action": "probe"}, err
		}
		return map[string]interface{}{"action": "probe", "reachable": true}, nil
	}
}
