// Command server runs the assessment orchestration substrate: the workflow
// engine, the resilience stack, the health/failover layer, the event bus
// and the websocket progress gateway behind one HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/api"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/events"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/gateway"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/health"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/ratelimit"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/resilience"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/workflow"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := core.NewConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	logger := core.NewProductionLogger(cfg.Name)
	metrics := telemetry.NewMetrics()
	clock := core.SystemClock{}
	ids := core.UUIDGenerator{}

	shutdownTracing, err := telemetry.InitTracing(cfg.Name)
	if err != nil {
		return fmt.Errorf("initialising tracing: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Per-service settings are hot-reloadable; everything downstream reads
	// through this pointer so a config file edit takes effect on the next
	// protected call.
	var current atomic.Pointer[core.Config]
	current.Store(cfg)
	configFor := func(name string) core.ServiceConfig {
		return current.Load().ServiceFor(name)
	}

	newRedis := func(db int) (*core.RedisClient, error) {
		return core.NewRedisClient(core.RedisClientOptions{
			RedisURL:  cfg.Redis.URL,
			DB:        db,
			Namespace: cfg.Redis.Namespace,
			Logger:    logger,
		})
	}
	cacheRedis, err := newRedis(core.RedisDBCache)
	if err != nil {
		return fmt.Errorf("connecting cache redis: %w", err)
	}
	defer cacheRedis.Close()
	limitRedis, err := newRedis(core.RedisDBRateLimiting)
	if err != nil {
		return fmt.Errorf("connecting rate-limit redis: %w", err)
	}
	defer limitRedis.Close()
	breakerRedis, err := newRedis(core.RedisDBCircuitBreaker)
	if err != nil {
		return fmt.Errorf("connecting circuit-breaker redis: %w", err)
	}
	defer breakerRedis.Close()
	eventsRedis, err := newRedis(core.RedisDBEvents)
	if err != nil {
		return fmt.Errorf("connecting events redis: %w", err)
	}
	defer eventsRedis.Close()
	workflowRedis, err := newRedis(core.RedisDBWorkflow)
	if err != nil {
		return fmt.Errorf("connecting workflow redis: %w", err)
	}
	defer workflowRedis.Close()

	db, err := storage.Connect(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting mongodb: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = db.Client().Disconnect(disconnectCtx)
	}()
	if err := storage.EnsureIndexes(ctx, db); err != nil {
		return fmt.Errorf("ensuring indexes: %w", err)
	}
	store := storage.NewMongoStore(db)

	limiter := ratelimit.New(limitRedis, configFor, clock, logger, metrics)
	breakers := resilience.NewBreakerManager(breakerRedis, configFor, clock, logger, metrics)
	retrier := resilience.NewRetrier(configFor, clock, logger)
	cache := core.NewCacheManager(cacheRedis, clock, time.Hour, logger)
	fallback := resilience.NewFallbackManager(cacheRedis, cache, configFor, clock, logger)
	coord := resilience.NewCoordinator(limiter, breakers, retrier, fallback, nil, logger, metrics)

	bus := events.NewManager(eventsRedis, cfg.Events, clock, ids, logger, metrics)
	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("starting event bus: %w", err)
	}
	defer bus.Stop()

	healthMgr := health.NewManager(cfg.Health, clock, logger, metrics)
	if err := healthMgr.Register("redis", true, cacheRedis.HealthCheck); err != nil {
		return err
	}
	mongoPing := func(ctx context.Context) error { return db.Client().Ping(ctx, nil) }
	if err := healthMgr.Register("mongodb", true, mongoPing); err != nil {
		return err
	}
	healthMgr.RegisterRecovery("redis", health.RedisRecovery(cacheRedis))
	healthMgr.RegisterRecovery("mongodb", health.ProbeRecovery(mongoPing))
	if err := healthMgr.Start(ctx); err != nil {
		return fmt.Errorf("starting health manager: %w", err)
	}
	defer healthMgr.Stop()
	coord.SetRecoveryHook(healthMgr)

	failover := health.NewFailoverOrchestrator(cfg.Health, clock, logger, metrics, func(ev health.FailoverEvent) {
		_ = bus.Emit(context.Background(), events.Alert, "failover_orchestrator", map[string]interface{}{
			"message": fmt.Sprintf("failover: %s switched from %s to %s", ev.Service, ev.From, ev.To),
			"service": ev.Service,
			"from":    ev.From,
			"to":      ev.To,
			"reason":  ev.Reason,
		}, nil)
	})
	for service, group := range cfg.Failover {
		endpoints := make([]health.Endpoint, 0, len(group.Endpoints))
		for _, ep := range group.Endpoints {
			endpoints = append(endpoints, health.Endpoint{
				Name:     ep.Name,
				URL:      ep.URL,
				Weight:   ep.Weight,
				Priority: ep.Priority,
			})
		}
		if err := failover.RegisterGroup(service, health.FailoverStrategy(group.Strategy), endpoints); err != nil {
			return fmt.Errorf("registering failover group %s: %w", service, err)
		}
	}
	// Protected calls route through the endpoint tables and feed their
	// outcomes back, so degraded endpoints fail over without a probe loop.
	coord.SetEndpointRouter(failover)

	states := workflow.NewStateStore(store.Workflows, workflowRedis, cfg.Engine.CheckpointTTL, clock, logger)
	agents := workflow.NewAgentRegistry()
	services := workflow.NewServiceRegistry()
	registerBaselineAgents(agents, clock)
	services.Register(reportGenerator(store.Reports, clock, ids))

	engine := workflow.NewEngine(cfg.Engine, store, states, bus, coord, agents, services, clock, ids, logger, metrics)
	engine.StartCleanupLoop(ctx)

	hub := gateway.NewHub(cfg.Gateway, bus, store.Assessments, clock, ids, logger, metrics)
	if err := hub.Start(ctx); err != nil {
		return fmt.Errorf("starting gateway: %w", err)
	}
	defer hub.Stop()

	definitions, err := workflowDefinitions()
	if err != nil {
		return fmt.Errorf("building workflow definitions: %w", err)
	}

	srv := &api.Server{
		Engine:      engine,
		Definitions: definitions,
		Store:       store,
		Health:      healthMgr,
		Failover:    failover,
		Breakers:    breakers,
		Limiter:     limiter,
		Gateway:     hub,
		Logger:      logger,
		Metrics:     metrics,
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		watcher := core.NewConfigWatcher(path, func() *core.Config {
			base := core.DefaultConfig()
			if err := base.LoadFromEnv(); err != nil {
				logger.Warn("Environment overlay failed during reload", map[string]interface{}{"error": err.Error()})
			}
			return base
		}, func(next *core.Config) {
			current.Store(next)
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("Config watcher stopped", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", map[string]interface{}{"addr": httpServer.Addr})
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down", map[string]interface{}{"timeout": cfg.HTTP.ShutdownTimeout.String()})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	engine.Shutdown(shutdownCtx)
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("Tracer shutdown incomplete", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// workflowDefinitions builds the graphs the API accepts by name. The full
// assessment fans out over the analysis agents, synthesizes, renders a
// report and validates it; quick_review is a single-agent pass.
func workflowDefinitions() (map[string]*workflow.Definition, error) {
	full, err := workflow.NewDefinition("infrastructure_assessment", []workflow.Node{
		{ID: "cto", Name: "Strategy analysis", Type: workflow.NodeAgent, Operation: "cto"},
		{ID: "cloud", Name: "Cloud architecture analysis", Type: workflow.NodeAgent, Operation: "cloud_engineer"},
		{ID: "infra", Name: "Infrastructure analysis", Type: workflow.NodeAgent, Operation: "infrastructure"},
		{ID: "compliance", Name: "Compliance analysis", Type: workflow.NodeAgent, Operation: "compliance_agent"},
		{ID: "synthesis", Name: "Cross-agent synthesis", Type: workflow.NodeSynthesis,
			Dependencies: []string{"cto", "cloud", "infra", "compliance"}},
		{ID: "report", Name: "Report generation", Type: workflow.NodeProfessionalService, Operation: "report_generator",
			Dependencies: []string{"synthesis"},
			Config:       map[string]interface{}{"fallback_key": "report_generator"}},
		{ID: "validate", Name: "Quality validation", Type: workflow.NodeValidation,
			Dependencies: []string{"report"}},
	})
	if err != nil {
		return nil, err
	}
	quick, err := workflow.NewDefinition("quick_review", []workflow.Node{
		{ID: "cloud", Name: "Cloud architecture analysis", Type: workflow.NodeAgent, Operation: "cloud_engineer"},
	})
	if err != nil {
		return nil, err
	}
	return map[string]*workflow.Definition{
		full.Name:  full,
		quick.Name: quick,
	}, nil
}

type baselineAnalysis struct {
	title    string
	summary  string
	category string
	priority string
}

var baselineAnalyses = map[string]baselineAnalysis{
	"cto": {
		title:    "Align cloud spend with stated business goals",
		summary:  "Review the declared business requirements against current cloud commitments and flag mismatches for the steering group.",
		category: "strategy",
		priority: "medium",
	},
	"cloud_engineer": {
		title:    "Apply the three-tier reference architecture",
		summary:  "Map the declared workloads onto the reference architecture and size each tier from the technical requirements.",
		category: "architecture",
		priority: "medium",
	},
	"infrastructure": {
		title:    "Verify capacity headroom and autoscaling",
		summary:  "Check that every service group has at least 30% capacity headroom and that autoscaling bounds match the stated load profile.",
		category: "infrastructure",
		priority: "medium",
	},
	"compliance_agent": {
		title:    "Map controls to the declared frameworks",
		summary:  "Cross-reference the declared compliance frameworks against the deployed controls and list the gaps.",
		category: "compliance",
		priority: "high",
	},
}

// registerBaselineAgents installs deterministic rule-based analyses.
// Deployments with model-backed agents register their own implementations
// over these; the substrate stays useful without them.
func registerBaselineAgents(registry *workflow.AgentRegistry, clock core.Clock) {
	ids := core.UUIDGenerator{}
	for role, spec := range baselineAnalyses {
		role, spec := role, spec
		registry.Register(workflow.AgentFunc{
			Name: role,
			Fn: func(_ context.Context, a *domain.Assessment, _ map[string]interface{}) (*workflow.AgentResult, error) {
				rec := domain.Recommendation{
					ID:              ids.NewID(),
					AssessmentID:    a.ID,
					AgentName:       role,
					Title:           spec.title,
					Summary:         spec.summary,
					Category:        spec.category,
					Priority:        spec.priority,
					ConfidenceScore: 0.5,
					Tags:            []string{"baseline", spec.category},
					CreatedAt:       clock.Now(),
				}
				rec.Normalize()
				return &workflow.AgentResult{
					Recommendations: []domain.Recommendation{rec},
					ConfidenceScore: 0.5,
				}, nil
			},
		})
	}
}

// reportGenerator assembles the final report document from the synthesis
// results and persists it.
func reportGenerator(reports storage.ReportRepository, clock core.Clock, ids core.IDGenerator) workflow.ServiceFunc {
	return workflow.ServiceFunc{
		ServiceName: "report_generator",
		Fn: func(ctx context.Context, shared map[string]interface{}) (*workflow.ServiceResult, error) {
			assessmentID, _ := shared["assessment_id"].(string)
			synthesis, _ := shared["synthesis"].(map[string]interface{})

			rep := &domain.Report{
				ID:           ids.NewID(),
				AssessmentID: assessmentID,
				Audience:     "executive",
				Title:        "Infrastructure assessment report",
				Sections: map[string]interface{}{
					"synthesis": synthesis,
				},
				GeneratedAt: clock.Now(),
			}
			if score, ok := synthesis["overall_confidence"].(float64); ok {
				rep.QualityScore = score
			}
			if err := reports.Save(ctx, rep); err != nil {
				return nil, fmt.Errorf("saving report: %w", err)
			}
			return &workflow.ServiceResult{
				Status:       "completed",
				QualityScore: rep.QualityScore,
				Summary:      "assessment report generated",
				Data:         map[string]interface{}{"report_id": rep.ID},
			}, nil
		},
	}
}
