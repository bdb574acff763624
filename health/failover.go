package health

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

// FailoverStrategy selects how traffic moves between redundant endpoints.
type FailoverStrategy string

const (
	StrategyActivePassive FailoverStrategy = "active_passive"
	StrategyRoundRobin    FailoverStrategy = "round_robin"
	StrategyWeighted      FailoverStrategy = "weighted"
)

const (
	// outcomeWindow bounds the per-endpoint error-rate sample.
	outcomeWindow = 20
	// errorRateMinSamples is how many outcomes must accumulate before the
	// error-rate trigger can fire.
	errorRateMinSamples = 5
)

// Endpoint is one addressable backend for a service. Priority orders
// preference for active-passive groups: lower values win.
type Endpoint struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	Weight   int    `json:"weight"`
	Priority int    `json:"priority"`

	active        bool
	healthy       bool
	healthyStreak int
	failureStreak int
	lastCheck     time.Time
	lastResponse  time.Duration
	outcomes      []bool
}

// recordOutcome appends one call result to the bounded window. true marks
// a failure.
func (ep *Endpoint) recordOutcome(failed bool) {
	ep.outcomes = append(ep.outcomes, failed)
	if len(ep.outcomes) > outcomeWindow {
		ep.outcomes = ep.outcomes[len(ep.outcomes)-outcomeWindow:]
	}
}

// errorRate returns the failure fraction over the window and the sample size.
func (ep *Endpoint) errorRate() (float64, int) {
	if len(ep.outcomes) == 0 {
		return 0, 0
	}
	failed := 0
	for _, f := range ep.outcomes {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(ep.outcomes)), len(ep.outcomes)
}

// FailoverEvent describes one completed switch.
type FailoverEvent struct {
	Service string    `json:"service"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// EventSink receives failover events for broadcast. Wired to the event
// manager at startup.
type EventSink func(FailoverEvent)

type failoverGroup struct {
	service   string
	strategy  FailoverStrategy
	endpoints []*Endpoint

	active       int
	rrCursor     int
	lastFailover time.Time
	failedOver   bool
}

// GroupStatus is the externally visible state of one failover group.
type GroupStatus struct {
	Service      string           `json:"service"`
	Strategy     FailoverStrategy `json:"strategy"`
	Active       string           `json:"active"`
	FailedOver   bool             `json:"failed_over"`
	LastFailover time.Time        `json:"last_failover,omitempty"`
	Endpoints    []EndpointStatus `json:"endpoints"`
}

// EndpointStatus is one endpoint's view in GroupStatus.
type EndpointStatus struct {
	Name           string    `json:"name"`
	URL            string    `json:"url"`
	Weight         int       `json:"weight"`
	Priority       int       `json:"priority"`
	Active         bool      `json:"is_active"`
	Healthy        bool      `json:"is_healthy"`
	HealthyStreak  int       `json:"healthy_streak"`
	FailureStreak  int       `json:"failure_streak"`
	LastCheck      time.Time `json:"last_check,omitempty"`
	LastResponseMS int64     `json:"last_response_ms"`
	ErrorRate      float64   `json:"error_rate"`
}

// FailoverOrchestrator moves services between redundant endpoints when the
// active one degrades, with a per-service cooldown and automatic failback
// once the preferred endpoint has proven itself again. Failover fires on a
// consecutive-failure streak, a response-time breach, an error-rate breach,
// or a manual trigger.
type FailoverOrchestrator struct {
	cfg     core.HealthConfig
	clock   core.Clock
	logger  core.Logger
	metrics *telemetry.Metrics
	sink    EventSink

	mu     sync.Mutex
	rng    *rand.Rand
	groups map[string]*failoverGroup
}

// NewFailoverOrchestrator creates the orchestrator. sink may be nil.
func NewFailoverOrchestrator(cfg core.HealthConfig, clock core.Clock, logger core.Logger, metrics *telemetry.Metrics, sink EventSink) *FailoverOrchestrator {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &FailoverOrchestrator{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
		sink:    sink,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		groups:  make(map[string]*failoverGroup),
	}
}

// SetEventSink attaches the broadcast sink after construction.
func (o *FailoverOrchestrator) SetEventSink(sink EventSink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sink = sink
}

// RegisterGroup declares a service's endpoints. The lowest-priority endpoint
// starts active (registration order breaks ties). Endpoints begin healthy.
func (o *FailoverOrchestrator) RegisterGroup(service string, strategy FailoverStrategy, endpoints []Endpoint) error {
	if service == "" || len(endpoints) == 0 {
		return fmt.Errorf("service and at least one endpoint are required: %w", core.ErrValidation)
	}
	switch strategy {
	case StrategyActivePassive, StrategyRoundRobin, StrategyWeighted:
	default:
		return fmt.Errorf("unknown failover strategy %q: %w", strategy, core.ErrValidation)
	}
	for _, ep := range endpoints {
		if ep.Weight < 0 {
			return fmt.Errorf("endpoint %s weight must be >= 0: %w", ep.Name, core.ErrValidation)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.groups[service]; exists {
		return fmt.Errorf("failover group %s already registered: %w", service, core.ErrConflict)
	}

	g := &failoverGroup{service: service, strategy: strategy}
	for i := range endpoints {
		ep := endpoints[i]
		ep.healthy = true
		if ep.Weight == 0 {
			ep.Weight = 1
		}
		g.endpoints = append(g.endpoints, &ep)
	}
	g.active = g.primaryIndex()
	g.endpoints[g.active].active = true
	o.groups[service] = g
	return nil
}

// Pick returns the endpoint the next call should use. Active-passive groups
// serve the lowest-priority healthy endpoint, round-robin cycles through
// the healthy ones, and weighted samples among them with probability
// proportional to weight.
func (o *FailoverOrchestrator) Pick(service string) (Endpoint, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[service]
	if !ok {
		return Endpoint{}, fmt.Errorf("no failover group for %s: %w", service, core.ErrNotFound)
	}

	switch g.strategy {
	case StrategyRoundRobin:
		for i := 0; i < len(g.endpoints); i++ {
			g.rrCursor = (g.rrCursor + 1) % len(g.endpoints)
			if g.endpoints[g.rrCursor].healthy {
				return *g.endpoints[g.rrCursor], nil
			}
		}
	case StrategyWeighted:
		total := 0
		for _, ep := range g.endpoints {
			if ep.healthy {
				total += ep.Weight
			}
		}
		if total > 0 {
			draw := o.rng.Intn(total)
			for _, ep := range g.endpoints {
				if !ep.healthy {
					continue
				}
				draw -= ep.Weight
				if draw < 0 {
					return *ep, nil
				}
			}
		}
	default: // active-passive
		best := -1
		for i, ep := range g.endpoints {
			if !ep.healthy {
				continue
			}
			if best == -1 || ep.Priority < g.endpoints[best].Priority {
				best = i
			}
		}
		if best >= 0 {
			return *g.endpoints[best], nil
		}
	}

	// Nothing healthy: hand back the active endpoint and let the caller's
	// protection stack absorb the failure.
	return *g.endpoints[g.active], nil
}

// ReportSuccess marks an endpoint healthy, records the observed response
// time and advances the failback streak. Once the lowest-priority endpoint
// accumulates FailbackHealthChecks consecutive successes while the group is
// failed over, traffic moves back automatically. A response time over the
// configured limit on the active endpoint still triggers a failover.
func (o *FailoverOrchestrator) ReportSuccess(service, endpointName string, responseTime time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[service]
	if !ok {
		return
	}
	ep := g.endpoint(endpointName)
	if ep == nil {
		return
	}
	ep.healthy = true
	ep.failureStreak = 0
	ep.healthyStreak++
	ep.lastCheck = o.clock.Now()
	ep.lastResponse = responseTime
	ep.recordOutcome(false)

	primary := g.primaryIndex()
	if g.failedOver && g.endpoints[primary] == ep && ep.healthyStreak >= o.cfg.FailbackHealthChecks {
		o.switchTo(g, primary, "primary recovered, automatic failback")
		g.failedOver = false
		return
	}

	// A breach marks the endpoint unhealthy so selection stops preferring
	// it until it proves itself again.
	if g.endpoints[g.active] == ep && o.cfg.ResponseTimeLimit > 0 && responseTime > o.cfg.ResponseTimeLimit {
		ep.healthy = false
		ep.healthyStreak = 0
		o.failoverLocked(g, fmt.Sprintf("response time %s over %s limit", responseTime, o.cfg.ResponseTimeLimit))
	}
}

// ReportFailure marks an endpoint unhealthy. The group fails over, subject
// to the cooldown, when the active endpoint accumulates FailureThreshold
// consecutive failures or its error rate over the recent window breaches
// the configured limit.
func (o *FailoverOrchestrator) ReportFailure(service, endpointName string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[service]
	if !ok {
		return
	}
	ep := g.endpoint(endpointName)
	if ep == nil {
		return
	}
	ep.healthyStreak = 0
	ep.failureStreak++
	ep.lastCheck = o.clock.Now()
	ep.recordOutcome(true)
	if ep.failureStreak >= o.cfg.FailureThreshold {
		ep.healthy = false
	}

	if g.endpoints[g.active] != ep {
		return
	}
	if !ep.healthy {
		o.failoverLocked(g, "active endpoint unhealthy")
		return
	}
	if rate, samples := ep.errorRate(); o.cfg.ErrorRateLimit > 0 && samples >= errorRateMinSamples && rate >= o.cfg.ErrorRateLimit {
		ep.healthy = false
		o.failoverLocked(g, fmt.Sprintf("error rate %.2f over %.2f limit", rate, o.cfg.ErrorRateLimit))
	}
}

// TriggerFailover manually switches a service to its next healthy endpoint.
func (o *FailoverOrchestrator) TriggerFailover(ctx context.Context, service, reason string) error {
	_ = ctx
	o.mu.Lock()
	defer o.mu.Unlock()
	g, ok := o.groups[service]
	if !ok {
		return fmt.Errorf("no failover group for %s: %w", service, core.ErrNotFound)
	}
	if reason == "" {
		reason = "manual trigger"
	}
	return o.failoverLocked(g, reason)
}

// Route satisfies the resilience coordinator's endpoint router contract.
func (o *FailoverOrchestrator) Route(service string) (string, string, error) {
	ep, err := o.Pick(service)
	if err != nil {
		return "", "", err
	}
	return ep.Name, ep.URL, nil
}

// ReportOutcome feeds one protected call's result back into the endpoint
// tables.
func (o *FailoverOrchestrator) ReportOutcome(service, endpoint string, elapsed time.Duration, err error) {
	if err != nil {
		o.ReportFailure(service, endpoint)
		return
	}
	o.ReportSuccess(service, endpoint, elapsed)
}

func (o *FailoverOrchestrator) failoverLocked(g *failoverGroup, reason string) error {
	now := o.clock.Now()
	if !g.lastFailover.IsZero() && now.Sub(g.lastFailover) < o.cfg.FailoverCooldown {
		return fmt.Errorf("failover for %s in cooldown: %w", g.service, core.ErrConflict)
	}

	next := -1
	for i := range g.endpoints {
		idx := (g.active + 1 + i) % len(g.endpoints)
		if idx != g.active && g.endpoints[idx].healthy {
			next = idx
			break
		}
	}
	if next == -1 {
		return fmt.Errorf("no healthy endpoint for %s: %w", g.service, core.ErrFallbackFailed)
	}

	o.switchTo(g, next, reason)
	g.failedOver = true
	g.lastFailover = now
	return nil
}

// switchTo moves the active pointer and emits the event. Callers hold o.mu.
func (o *FailoverOrchestrator) switchTo(g *failoverGroup, next int, reason string) {
	from := g.endpoints[g.active].Name
	to := g.endpoints[next].Name
	g.endpoints[g.active].active = false
	g.active = next
	g.endpoints[next].active = true
	g.endpoints[next].healthyStreak = 0

	ev := FailoverEvent{
		Service: g.service,
		From:    from,
		To:      to,
		Reason:  reason,
		At:      o.clock.Now(),
	}
	o.logger.Warn("Failover executed", map[string]interface{}{
		"service": ev.Service,
		"from":    ev.From,
		"to":      ev.To,
		"reason":  ev.Reason,
	})
	if o.metrics != nil {
		o.metrics.FailoverTotal.WithLabelValues(g.service).Inc()
	}
	if o.sink != nil {
		go o.sink(ev)
	}
}

// Status reports every group's current state.
func (o *FailoverOrchestrator) Status() map[string]GroupStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]GroupStatus, len(o.groups))
	for name, g := range o.groups {
		st := GroupStatus{
			Service:      g.service,
			Strategy:     g.strategy,
			Active:       g.endpoints[g.active].Name,
			FailedOver:   g.failedOver,
			LastFailover: g.lastFailover,
		}
		for _, ep := range g.endpoints {
			rate, _ := ep.errorRate()
			st.Endpoints = append(st.Endpoints, EndpointStatus{
				Name:           ep.Name,
				URL:            ep.URL,
				Weight:         ep.Weight,
				Priority:       ep.Priority,
				Active:         ep.active,
				Healthy:        ep.healthy,
				HealthyStreak:  ep.healthyStreak,
				FailureStreak:  ep.failureStreak,
				LastCheck:      ep.lastCheck,
				LastResponseMS: ep.lastResponse.Milliseconds(),
				ErrorRate:      rate,
			})
		}
		out[name] = st
	}
	return out
}

func (g *failoverGroup) endpoint(name string) *Endpoint {
	for _, ep := range g.endpoints {
		if ep.Name == name {
			return ep
		}
	}
	return nil
}

// primaryIndex is the lowest-priority endpoint, registration order breaking
// ties.
func (g *failoverGroup) primaryIndex() int {
	best := 0
	for i, ep := range g.endpoints {
		if ep.Priority < g.endpoints[best].Priority {
			best = i
		}
	}
	return best
}
