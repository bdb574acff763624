// Package resilience wraps outbound calls with the protection layers of
// the substrate: circuit breakers, bounded retries, fallbacks and the
// coordinator that composes them into one resilient-call primitive.
package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	StateClosed   BreakerState = "CLOSED"
	StateOpen     BreakerState = "OPEN"
	StateHalfOpen BreakerState = "HALF_OPEN"
)

func (s BreakerState) metricValue() float64 {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// CircuitRecord is the per-service breaker state shared across instances
// through Redis.
type CircuitRecord struct {
	State           BreakerState `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time"`
	LastSuccessTime time.Time    `json:"last_success_time"`
}

// ErrorClassifier determines which errors count toward breaker thresholds.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts infrastructure errors only. User errors,
// rate-limit denials and client cancellation never trip a breaker.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if core.IsValidationError(err) || core.IsNotFound(err) || core.IsConfigurationError(err) {
		return false
	}
	if errors.Is(err, core.ErrRateLimitExceeded) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, core.ErrCancelled) {
		return false
	}
	return true
}

// CircuitBreaker guards calls to one named service. State transitions are
// atomic per service: every mutation runs inside an optimistic Redis
// transaction on the service's key, so concurrent instances converge.
type CircuitBreaker struct {
	service    string
	redis      *core.RedisClient
	clock      core.Clock
	logger     core.Logger
	metrics    *telemetry.Metrics
	classifier ErrorClassifier
	configFor  ConfigProvider
}

// ConfigProvider returns the effective settings for a service.
type ConfigProvider func(service string) core.ServiceConfig

func (cb *CircuitBreaker) key() string {
	return "circuit_breaker:" + cb.service
}

// Allow reports whether a call may proceed, applying the OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed. Returns
// core.ErrCircuitBreakerOpen when the call must be rejected.
func (cb *CircuitBreaker) Allow(ctx context.Context) error {
	cfg := cb.configFor(cb.service)
	now := cb.clock.Now()

	return cb.mutate(ctx, func(rec *CircuitRecord) error {
		switch rec.State {
		case StateOpen:
			if now.Sub(rec.LastFailureTime) >= cfg.RecoveryTimeout {
				cb.transition(rec, StateHalfOpen)
				rec.SuccessCount = 0
				rec.FailureCount = 0
				return nil
			}
			if cb.metrics != nil {
				cb.metrics.CircuitRejections.WithLabelValues(cb.service).Inc()
			}
			return fmt.Errorf("circuit breaker for %s is open: %w", cb.service, core.ErrCircuitBreakerOpen)
		default:
			return nil
		}
	})
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess(ctx context.Context) error {
	cfg := cb.configFor(cb.service)
	now := cb.clock.Now()

	return cb.mutate(ctx, func(rec *CircuitRecord) error {
		rec.SuccessCount++
		rec.LastSuccessTime = now
		switch rec.State {
		case StateHalfOpen:
			if rec.SuccessCount >= cfg.SuccessThreshold {
				cb.transition(rec, StateClosed)
				rec.FailureCount = 0
				rec.SuccessCount = 0
			}
		case StateClosed:
			rec.FailureCount = 0
		}
		return nil
	})
}

// RecordFailure records a failed call that counts toward the threshold.
func (cb *CircuitBreaker) RecordFailure(ctx context.Context) error {
	cfg := cb.configFor(cb.service)
	now := cb.clock.Now()

	return cb.mutate(ctx, func(rec *CircuitRecord) error {
		rec.FailureCount++
		rec.LastFailureTime = now
		switch rec.State {
		case StateHalfOpen:
			// Any failure in half-open re-opens immediately.
			cb.transition(rec, StateOpen)
		case StateClosed:
			if rec.FailureCount >= cfg.FailureThreshold {
				cb.transition(rec, StateOpen)
			}
		}
		return nil
	})
}

// Execute runs fn under breaker protection with the service's per-call
// timeout. Timeouts count as failures; errors the classifier excludes do
// not move the state machine.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(ctx); err != nil {
		return err
	}

	cfg := cb.configFor(cb.service)
	callCtx := ctx
	var cancel context.CancelFunc
	if cfg.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	err := fn(callCtx)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("call to %s timed out after %s: %w", cb.service, cfg.Timeout, core.ErrTimeout)
	}

	if err != nil {
		if cb.classifier(err) {
			if rerr := cb.RecordFailure(ctx); rerr != nil {
				cb.logger.Warn("Failed to record circuit breaker failure", map[string]interface{}{
					"service": cb.service,
					"error":   rerr.Error(),
				})
			}
		}
		return err
	}

	if rerr := cb.RecordSuccess(ctx); rerr != nil {
		cb.logger.Warn("Failed to record circuit breaker success", map[string]interface{}{
			"service": cb.service,
			"error":   rerr.Error(),
		})
	}
	return nil
}

// State returns the current record (CLOSED defaults for unknown services).
func (cb *CircuitBreaker) State(ctx context.Context) (*CircuitRecord, error) {
	raw, err := cb.redis.Get(ctx, cb.key())
	if err != nil {
		if core.IsNotFound(err) {
			return &CircuitRecord{State: StateClosed}, nil
		}
		return nil, err
	}
	var rec CircuitRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling circuit record: %w", err)
	}
	return &rec, nil
}

// Reset forces the breaker back to CLOSED.
func (cb *CircuitBreaker) Reset(ctx context.Context) error {
	err := cb.mutate(ctx, func(rec *CircuitRecord) error {
		cb.transition(rec, StateClosed)
		rec.FailureCount = 0
		rec.SuccessCount = 0
		return nil
	})
	if err == nil {
		cb.logger.Info("Circuit breaker reset", map[string]interface{}{"service": cb.service})
	}
	return err
}

func (cb *CircuitBreaker) transition(rec *CircuitRecord, to BreakerState) {
	from := rec.State
	if from == "" {
		from = StateClosed
	}
	if from == to {
		return
	}
	rec.State = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"service": cb.service,
		"from":    string(from),
		"to":      string(to),
	})
	if cb.metrics != nil {
		cb.metrics.CircuitTransitions.WithLabelValues(cb.service, string(from), string(to)).Inc()
		cb.metrics.CircuitState.WithLabelValues(cb.service).Set(to.metricValue())
	}
}

// mutate applies fn to the shared record under optimistic locking.
// If fn returns an error the mutation is still persisted (a rejection in
// OPEN state must not lose the record) and the error is returned.
func (cb *CircuitBreaker) mutate(ctx context.Context, fn func(*CircuitRecord) error) error {
	fkey := cb.redis.FormatKey(cb.key())

	for attempt := 0; attempt < 16; attempt++ {
		var fnErr error
		err := cb.redis.Watch(ctx, func(tx *redis.Tx) error {
			rec := CircuitRecord{State: StateClosed}
			raw, err := tx.Get(ctx, fkey).Result()
			if err != nil && err != redis.Nil {
				return err
			}
			if err == nil {
				if uerr := json.Unmarshal([]byte(raw), &rec); uerr != nil {
					rec = CircuitRecord{State: StateClosed}
				}
			}

			fnErr = fn(&rec)

			data, merr := json.Marshal(rec)
			if merr != nil {
				return merr
			}
			_, perr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, fkey, data, 0)
				return nil
			})
			return perr
		}, cb.key())
		if err == nil {
			return fnErr
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("circuit breaker CAS contention for %s: %w", cb.service, core.ErrConflict)
}

// BreakerManager hands out one breaker per service.
type BreakerManager struct {
	redis     *core.RedisClient
	clock     core.Clock
	logger    core.Logger
	metrics   *telemetry.Metrics
	configFor ConfigProvider

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerManager creates a manager backed by the shared Redis state.
func NewBreakerManager(redis *core.RedisClient, configFor ConfigProvider, clock core.Clock, logger core.Logger, metrics *telemetry.Metrics) *BreakerManager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &BreakerManager{
		redis:     redis,
		clock:     clock,
		logger:    logger,
		metrics:   metrics,
		configFor: configFor,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// For returns the breaker for a service, creating it on first use.
func (m *BreakerManager) For(service string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[service]; ok {
		return cb
	}
	cb := &CircuitBreaker{
		service:    service,
		redis:      m.redis,
		clock:      m.clock,
		logger:     m.logger,
		metrics:    m.metrics,
		classifier: DefaultErrorClassifier,
		configFor:  m.configFor,
	}
	m.breakers[service] = cb
	return cb
}

// States returns the current record for every known breaker.
func (m *BreakerManager) States(ctx context.Context) (map[string]*CircuitRecord, error) {
	m.mu.Lock()
	services := make([]string, 0, len(m.breakers))
	for svc := range m.breakers {
		services = append(services, svc)
	}
	m.mu.Unlock()

	out := make(map[string]*CircuitRecord, len(services))
	for _, svc := range services {
		rec, err := m.For(svc).State(ctx)
		if err != nil {
			return nil, err
		}
		out[svc] = rec
	}
	return out, nil
}
