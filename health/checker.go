// Package health runs periodic component checks, drives automatic recovery
// and orchestrates failover between redundant service endpoints.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

// Status is a component health state.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
	StatusUnknown   Status = "UNKNOWN"
)

// severity orders statuses for worst-of aggregation.
func (s Status) severity() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	case StatusUnknown:
		return 2
	case StatusUnhealthy:
		return 3
	default:
		return 2
	}
}

func (s Status) metricValue() float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusDegraded:
		return 0.5
	default:
		return 0
	}
}

// CheckFunc probes one component. A nil error means healthy; the manager
// derives DEGRADED from response time.
type CheckFunc func(ctx context.Context) error

// CheckResult is one probe outcome kept in the component's history ring.
type CheckResult struct {
	Status       Status        `json:"status"`
	ResponseTime time.Duration `json:"response_time"`
	Error        string        `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// ComponentHealth is the externally visible state of one component.
type ComponentHealth struct {
	Name                 string    `json:"name"`
	Critical             bool      `json:"critical"`
	Status               Status    `json:"status"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastCheck            time.Time `json:"last_check"`
	LastError            string    `json:"last_error,omitempty"`
}

// SystemHealth aggregates all components; overall is the worst status among
// critical components (non-critical components degrade at most to DEGRADED).
type SystemHealth struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checked_at"`
}

type component struct {
	name     string
	critical bool
	check    CheckFunc

	mu                   sync.Mutex
	status               Status
	consecutiveFailures  int
	consecutiveSuccesses int
	lastCheck            time.Time
	lastError            string
	history              []CheckResult
}

// StatusListener is notified on every status transition.
type StatusListener func(component string, from, to Status)

// Manager owns the component registry and its probe loops.
type Manager struct {
	cfg     core.HealthConfig
	clock   core.Clock
	logger  core.Logger
	metrics *telemetry.Metrics

	mu         sync.RWMutex
	components map[string]*component
	listeners  []StatusListener
	started    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	recovery *recoveryController
}

// NewManager creates a health manager.
func NewManager(cfg core.HealthConfig, clock core.Clock, logger core.Logger, metrics *telemetry.Metrics) *Manager {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	m := &Manager{
		cfg:        cfg,
		clock:      clock,
		logger:     logger,
		metrics:    metrics,
		components: make(map[string]*component),
	}
	m.recovery = newRecoveryController(m, cfg, clock, logger)
	return m
}

// Register adds a component. Critical components gate the overall status.
func (m *Manager) Register(name string, critical bool, check CheckFunc) error {
	if name == "" || check == nil {
		return fmt.Errorf("component name and check are required: %w", core.ErrValidation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.components[name]; exists {
		return fmt.Errorf("component %s already registered: %w", name, core.ErrConflict)
	}
	m.components[name] = &component{
		name:     name,
		critical: critical,
		check:    check,
		status:   StatusUnknown,
	}
	return nil
}

// OnStatusChange registers a transition listener (failover wiring).
func (m *Manager) OnStatusChange(fn StatusListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// RegisterRecovery appends a recovery strategy for a component. Strategies
// run in registration order until one succeeds or the list is exhausted.
func (m *Manager) RegisterRecovery(componentName string, strategy RecoveryFunc) {
	m.recovery.register(componentName, strategy)
}

// Start launches one probe loop per registered component.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return core.ErrAlreadyStarted
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	comps := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		comps = append(comps, c)
	}
	m.mu.Unlock()

	for _, c := range comps {
		m.wg.Add(1)
		go m.loop(loopCtx, c)
	}
	m.logger.Info("Health manager started", map[string]interface{}{
		"components": len(comps),
		"interval":   m.cfg.CheckInterval.String(),
	})
	return nil
}

// Stop halts all probe loops and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.started = false
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

func (m *Manager) loop(ctx context.Context, c *component) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	m.runCheck(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runCheck(ctx, c)
		}
	}
}

// CheckNow forces an immediate probe of one component.
func (m *Manager) CheckNow(ctx context.Context, name string) (ComponentHealth, error) {
	c, err := m.component(name)
	if err != nil {
		return ComponentHealth{}, err
	}
	m.runCheck(ctx, c)
	return m.snapshot(c), nil
}

func (m *Manager) runCheck(ctx context.Context, c *component) {
	checkCtx, cancel := context.WithTimeout(ctx, m.cfg.CheckTimeout)
	defer cancel()

	start := m.clock.Now()
	err := c.check(checkCtx)
	elapsed := m.clock.Now().Sub(start)
	now := m.clock.Now()

	result := CheckResult{ResponseTime: elapsed, CheckedAt: now}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
	case m.cfg.ResponseTimeLimit > 0 && elapsed > m.cfg.ResponseTimeLimit:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}

	from, to := m.record(c, result)
	if from != to {
		m.logger.Info("Component health transition", map[string]interface{}{
			"component": c.name,
			"from":      string(from),
			"to":        string(to),
		})
		m.notify(c.name, from, to)
		if to == StatusUnhealthy && m.recovery.autoEnabled() {
			go m.recovery.attempt(context.WithoutCancel(ctx), c.name, err)
		}
	}
	if m.metrics != nil {
		m.metrics.HealthStatus.WithLabelValues(c.name).Set(to.metricValue())
	}
}

// record applies a check result and returns the (from, to) status pair.
// UNHEALTHY requires cfg.FailureThreshold consecutive failures; a single
// success restores HEALTHY.
func (m *Manager) record(c *component, result CheckResult) (Status, Status) {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.status
	c.lastCheck = result.CheckedAt
	switch result.Status {
	case StatusUnhealthy:
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
		c.lastError = result.Error
		if c.consecutiveFailures >= m.cfg.FailureThreshold {
			c.status = StatusUnhealthy
		} else if from == StatusHealthy || from == StatusUnknown {
			c.status = StatusDegraded
		}
	case StatusDegraded:
		c.consecutiveFailures = 0
		c.consecutiveSuccesses++
		c.status = StatusDegraded
	default:
		c.consecutiveFailures = 0
		c.consecutiveSuccesses++
		c.lastError = ""
		c.status = StatusHealthy
	}

	limit := m.cfg.HistoryLimit
	if limit <= 0 {
		limit = 100
	}
	c.history = append(c.history, result)
	if len(c.history) > limit {
		c.history = c.history[len(c.history)-limit:]
	}
	return from, c.status
}

func (m *Manager) notify(name string, from, to Status) {
	m.mu.RLock()
	listeners := make([]StatusListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(name, from, to)
	}
}

func (m *Manager) component(name string) (*component, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.components[name]
	if !ok {
		return nil, fmt.Errorf("unknown component %s: %w", name, core.ErrNotFound)
	}
	return c, nil
}

func (m *Manager) snapshot(c *component) ComponentHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ComponentHealth{
		Name:                 c.name,
		Critical:             c.critical,
		Status:               c.status,
		ConsecutiveFailures:  c.consecutiveFailures,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		LastCheck:            c.lastCheck,
		LastError:            c.lastError,
	}
}

// Component returns one component's current state.
func (m *Manager) Component(name string) (ComponentHealth, error) {
	c, err := m.component(name)
	if err != nil {
		return ComponentHealth{}, err
	}
	return m.snapshot(c), nil
}

// History returns the component's recent check results, newest last.
func (m *Manager) History(name string) ([]CheckResult, error) {
	c, err := m.component(name)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CheckResult, len(c.history))
	copy(out, c.history)
	return out, nil
}

// System returns the aggregated view. Overall status is the worst status
// among critical components; unhealthy non-critical components cap the
// overall at DEGRADED.
func (m *Manager) System() SystemHealth {
	m.mu.RLock()
	comps := make([]*component, 0, len(m.components))
	for _, c := range m.components {
		comps = append(comps, c)
	}
	m.mu.RUnlock()

	sort.Slice(comps, func(i, j int) bool { return comps[i].name < comps[j].name })

	overall := StatusHealthy
	if len(comps) == 0 {
		overall = StatusUnknown
	}
	out := SystemHealth{
		Components: make(map[string]ComponentHealth, len(comps)),
		CheckedAt:  m.clock.Now(),
	}
	for _, c := range comps {
		snap := m.snapshot(c)
		out.Components[snap.Name] = snap

		effective := snap.Status
		if !snap.Critical && effective.severity() > StatusDegraded.severity() {
			effective = StatusDegraded
		}
		if effective.severity() > overall.severity() {
			overall = effective
		}
	}
	out.Status = overall
	return out
}

// AttemptRecovery satisfies the coordinator's recovery hook: it runs the
// registered strategy for the named component under the cooldown rules.
func (m *Manager) AttemptRecovery(ctx context.Context, componentName string, cause error) (map[string]interface{}, error) {
	return m.recovery.attempt(ctx, componentName, cause)
}

// EnableAutoRecovery turns automatic recovery on or off at runtime.
func (m *Manager) EnableAutoRecovery(enabled bool) { m.recovery.setAuto(enabled) }

// RecoveryStats reports per-component recovery counters.
func (m *Manager) RecoveryStats() map[string]RecoveryStats { return m.recovery.stats() }
