package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/ratelimit"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

// RecoveryHook lets the coordinator ask the health layer to try bringing a
// component back after the full protection stack has failed.
type RecoveryHook interface {
	AttemptRecovery(ctx context.Context, component string, cause error) (map[string]interface{}, error)
}

// Call describes one protected operation.
type Call struct {
	Service     string
	FallbackKey string
	DefaultData interface{}
	Scope       ratelimit.Scope
	Identifier  string
	Fn          func(ctx context.Context) (interface{}, error)
}

// Coordinator composes the protection layers around a single call:
// rate limit admission, circuit breaker, bounded retries, then the
// fallback chain, with a best-effort recovery attempt as the last resort.
type Coordinator struct {
	limiter  *ratelimit.Limiter
	breakers *BreakerManager
	retrier  *Retrier
	fallback *FallbackManager
	recovery RecoveryHook
	router   EndpointRouter
	logger   core.Logger
	metrics  *telemetry.Metrics
}

// NewCoordinator wires the layers together. recovery may be nil.
func NewCoordinator(limiter *ratelimit.Limiter, breakers *BreakerManager, retrier *Retrier, fallback *FallbackManager, recovery RecoveryHook, logger core.Logger, metrics *telemetry.Metrics) *Coordinator {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Coordinator{
		limiter:  limiter,
		breakers: breakers,
		retrier:  retrier,
		fallback: fallback,
		recovery: recovery,
		logger:   logger,
		metrics:  metrics,
	}
}

// SetRecoveryHook attaches the recovery hook after construction. The health
// manager depends on the coordinator's Redis plumbing, so the hook is wired
// last during startup.
func (c *Coordinator) SetRecoveryHook(hook RecoveryHook) { c.recovery = hook }

// SetEndpointRouter attaches the failover orchestrator's endpoint tables.
// Calls for services with a registered group are then routed through them.
func (c *Coordinator) SetEndpointRouter(router EndpointRouter) { c.router = router }

// Execute runs the call through the full protection stack.
//
// Ordering per attempt: the rate limiter is consulted before breaker
// admission, so a denial never counts as a breaker failure. A denial is
// retried with a backoff at least as long as the advertised retry-after.
// When the breaker is open no call is attempted and the fallback chain is
// consulted immediately. Non-retryable errors surface to the caller
// without touching the fallback chain.
func (c *Coordinator) Execute(ctx context.Context, call Call) *Outcome {
	if call.Fn == nil {
		return &Outcome{Source: SourceError, Err: fmt.Errorf("call function is required: %w", core.ErrValidation)}
	}
	scope := call.Scope
	if scope == "" {
		scope = ratelimit.ScopePerService
	}

	ctx, span := telemetry.StartSpan(ctx, "resilience.execute",
		attribute.String("service", call.Service),
		attribute.String("fallback_key", call.FallbackKey))
	defer span.End()

	var data interface{}
	err := c.retrier.Do(ctx, call.Service, func(ctx context.Context, attempt int) error {
		if c.limiter != nil {
			if rlErr := c.limiter.Check(ctx, call.Service, scope, call.Identifier); rlErr != nil {
				return rlErr
			}
		}

		breaker := c.breakers.For(call.Service)
		execErr := breaker.Execute(ctx, func(ctx context.Context) error {
			ctx, report := c.routeAttempt(ctx, call.Service)
			start := time.Now()
			result, fnErr := call.Fn(ctx)
			report(time.Since(start), fnErr)
			if fnErr != nil {
				return fnErr
			}
			data = result
			return nil
		})

		if c.limiter != nil && !errors.Is(execErr, core.ErrCircuitBreakerOpen) && !errors.Is(execErr, core.ErrRateLimitExceeded) {
			if oerr := c.limiter.RecordOutcome(ctx, call.Service, execErr == nil); oerr != nil {
				c.logger.Debug("Failed to record rate limit outcome", map[string]interface{}{
					"service": call.Service,
					"error":   oerr.Error(),
				})
			}
		}
		return execErr
	})

	if err == nil {
		if call.FallbackKey != "" {
			if serr := c.fallback.StoreResult(ctx, call.Service, call.FallbackKey, data); serr != nil {
				c.logger.Warn("Failed to store fallback snapshot", map[string]interface{}{
					"service":      call.Service,
					"fallback_key": call.FallbackKey,
					"error":        serr.Error(),
				})
			}
		}
		return &Outcome{Data: data, Source: SourcePrimary}
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return &Outcome{Source: SourceError, Err: ctxErr}
	}

	exhausted := errors.Is(err, core.ErrRetryExhausted)
	circuitOpen := errors.Is(err, core.ErrCircuitBreakerOpen)
	if !exhausted && !circuitOpen {
		// Non-retryable failure, surfaced directly.
		return &Outcome{Source: SourceError, Err: err}
	}

	c.logger.Warn("Primary call failed, consulting fallback chain", map[string]interface{}{
		"service":      call.Service,
		"fallback_key": call.FallbackKey,
		"circuit_open": circuitOpen,
		"error":        err.Error(),
	})
	telemetry.AddSpanEvent(ctx, "fallback_chain", attribute.Bool("circuit_open", circuitOpen))

	out := c.fallback.Resolve(ctx, FallbackRequest{
		Service:     call.Service,
		FallbackKey: call.FallbackKey,
		DefaultData: call.DefaultData,
		CauseErr:    err,
	})
	if out.Err == nil {
		return out
	}

	out.Err = fmt.Errorf("%v (primary failure: %w)", out.Err, err)
	c.attemptRecovery(ctx, call.Service, err, out)
	return out
}

// routeAttempt consults the endpoint router for the attempt's backend. The
// returned func reports the call outcome; it is a no-op when no router is
// attached or the service has no endpoint group.
func (c *Coordinator) routeAttempt(ctx context.Context, service string) (context.Context, func(time.Duration, error)) {
	noop := func(time.Duration, error) {}
	if c.router == nil {
		return ctx, noop
	}
	name, url, err := c.router.Route(service)
	if err != nil {
		return ctx, noop
	}
	ctx = WithRoutedEndpoint(ctx, RoutedEndpoint{Name: name, URL: url})
	return ctx, func(elapsed time.Duration, callErr error) {
		c.router.ReportOutcome(service, name, elapsed, callErr)
	}
}

func (c *Coordinator) attemptRecovery(ctx context.Context, service string, cause error, out *Outcome) {
	if c.recovery == nil {
		return
	}
	out.RecoveryAttempted = true

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	result, err := c.recovery.AttemptRecovery(recCtx, service, cause)
	if err != nil {
		c.logger.Warn("Recovery attempt failed", map[string]interface{}{
			"service": service,
			"error":   err.Error(),
		})
		out.RecoveryResult = map[string]interface{}{"error": err.Error()}
		return
	}
	out.RecoveryResult = result
}
