package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// RetryExhaustedError carries the last attempt's error after the retry
// budget runs out.
type RetryExhaustedError struct {
	Service  string
	Attempts int
	LastErr  error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.Service, e.Attempts, e.LastErr)
}

func (e *RetryExhaustedError) Unwrap() error { return core.ErrRetryExhausted }

// Last returns the final attempt's error.
func (e *RetryExhaustedError) Last() error { return e.LastErr }

// Retrier runs operations with exponential backoff and jitter. The delay
// before attempt k is min(base * exp^k, max), plus up to 10% random jitter
// when enabled. Rate-limit denials stretch the delay to at least the
// advertised retry-after.
type Retrier struct {
	clock     core.Clock
	logger    core.Logger
	configFor ConfigProvider
	retryable func(error) bool

	// sleep is swapped out by tests to observe delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetrier creates a retrier using core.IsRetryable for classification.
func NewRetrier(configFor ConfigProvider, clock core.Clock, logger core.Logger) *Retrier {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Retrier{
		clock:     clock,
		logger:    logger,
		configFor: configFor,
		retryable: core.IsRetryable,
		sleep:     defaultSleep,
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Delay computes the backoff before retry attempt k (0-indexed).
func Delay(cfg core.ServiceConfig, attempt int) time.Duration {
	base := float64(cfg.BaseDelay)
	d := base * math.Pow(cfg.ExponentialBase, float64(attempt))
	if max := float64(cfg.MaxDelay); d > max {
		d = max
	}
	delay := time.Duration(d)
	if cfg.Jitter {
		delay += time.Duration(rand.Float64() * 0.1 * float64(delay))
	}
	return delay
}

// Do runs fn with the service's retry policy. Non-retryable errors surface
// immediately; a breaker-open error aborts the loop without further
// attempts. Exhaustion returns a *RetryExhaustedError.
func (r *Retrier) Do(ctx context.Context, service string, fn func(ctx context.Context, attempt int) error) error {
	cfg := r.configFor(service)
	attempts := cfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, core.ErrCircuitBreakerOpen) {
			return lastErr
		}
		if !r.retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}

		delay := Delay(cfg, attempt)
		var rle *core.RateLimitError
		if errors.As(lastErr, &rle) && rle.RetryAfter > delay {
			delay = rle.RetryAfter
		}

		r.logger.Debug("Retrying after failure", map[string]interface{}{
			"service": service,
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   lastErr.Error(),
		})
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}

	return &RetryExhaustedError{Service: service, Attempts: attempts, LastErr: lastErr}
}
