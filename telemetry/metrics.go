package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors shared across components.
// A single instance is created at startup and handed to the packages that
// record into it; tests construct their own with a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	RateLimitChecks     *prometheus.CounterVec
	RateLimitRejections *prometheus.CounterVec

	CircuitState       *prometheus.GaugeVec
	CircuitRejections  *prometheus.CounterVec
	CircuitTransitions *prometheus.CounterVec

	EventsPublished *prometheus.CounterVec
	EventsDropped   prometheus.Counter

	WorkflowsStarted   prometheus.Counter
	WorkflowsCompleted *prometheus.CounterVec
	NodeDuration       *prometheus.HistogramVec

	GatewaySessions prometheus.Gauge
	GatewayDropped  prometheus.Counter

	HealthStatus  *prometheus.GaugeVec
	FailoverTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		RateLimitChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_checks_total",
			Help: "Rate limit checks by service and outcome.",
		}, []string{"service", "allowed"}),
		RateLimitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_rejections_total",
			Help: "Denied rate limit checks by service.",
		}, []string{"service"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state per service (0=closed, 1=open, 2=half-open).",
		}, []string{"service"}),
		CircuitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_rejections_total",
			Help: "Calls rejected while the circuit was open.",
		}, []string{"service"}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"service", "from", "to"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Events published to the bus by type.",
		}, []string{"type"}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Events dropped because the bus was disconnected.",
		}),
		WorkflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflows_started_total",
			Help: "Workflow executions started.",
		}),
		WorkflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflows_completed_total",
			Help: "Workflow executions finished, by terminal status.",
		}, []string{"status"}),
		NodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "workflow_node_duration_seconds",
			Help:    "Node execution time by node type.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"type"}),
		GatewaySessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_sessions",
			Help: "Currently connected push sessions.",
		}),
		GatewayDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_dropped_total",
			Help: "Messages dropped to slow gateway sessions.",
		}),
		HealthStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "component_health_status",
			Help: "Component health (0=unknown, 1=healthy, 2=degraded, 3=unhealthy).",
		}, []string{"component"}),
		FailoverTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "failover_events_total",
			Help: "Failover transitions by service and reason.",
		}, []string{"service", "reason"}),
	}

	reg.MustRegister(
		m.RateLimitChecks, m.RateLimitRejections,
		m.CircuitState, m.CircuitRejections, m.CircuitTransitions,
		m.EventsPublished, m.EventsDropped,
		m.WorkflowsStarted, m.WorkflowsCompleted, m.NodeDuration,
		m.GatewaySessions, m.GatewayDropped,
		m.HealthStatus, m.FailoverTotal,
	)
	return m
}
