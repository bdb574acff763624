package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/events"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/health"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/ratelimit"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/resilience"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/workflow"
)

type apiEnv struct {
	server   *Server
	ts       *httptest.Server
	store    *storage.Store
	agents   *workflow.AgentRegistry
	health   *health.Manager
	failover *health.FailoverOrchestrator
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", &core.NoOpLogger{})
	logger := &core.NoOpLogger{}
	clock := core.SystemClock{}

	svcCfg := core.ServiceConfig{
		FailureThreshold:  50,
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		RequestsPerMinute: 100000,
		BurstCapacity:     100000,
	}.WithDefaults()
	configFor := func(string) core.ServiceConfig { return svcCfg }

	limiter := ratelimit.New(rc, configFor, clock, logger, nil)
	breakers := resilience.NewBreakerManager(rc, configFor, clock, logger, nil)
	retrier := resilience.NewRetrier(configFor, clock, logger)
	cache := core.NewCacheManager(rc, clock, time.Hour, logger)
	fallback := resilience.NewFallbackManager(rc, cache, configFor, clock, logger)
	coord := resilience.NewCoordinator(limiter, breakers, retrier, fallback, nil, logger, nil)

	store := storage.NewMemoryStore()
	states := workflow.NewStateStore(store.Workflows, nil, time.Hour, clock, logger)

	bus := events.NewManager(nil, core.EventsConfig{}, clock, core.UUIDGenerator{}, logger, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Stop)

	agents := workflow.NewAgentRegistry()
	services := workflow.NewServiceRegistry()
	engineCfg := core.EngineConfig{
		ParallelExecution:  true,
		MaxParallelNodes:   4,
		ErrorTolerance:     core.ToleranceMedium,
		DefaultNodeTimeout: 5 * time.Second,
	}
	engine := workflow.NewEngine(engineCfg, store, states, bus, coord, agents, services, clock, core.UUIDGenerator{}, logger, nil)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	def, err := workflow.NewDefinition("quick_review", []workflow.Node{
		{ID: "cloud", Type: workflow.NodeAgent, Operation: "cloud_engineer"},
	})
	require.NoError(t, err)

	healthCfg := core.HealthConfig{
		CheckInterval:    time.Second,
		CheckTimeout:     time.Second,
		FailureThreshold: 3,
		RecoveryCooldown: time.Minute,
		FailoverCooldown: time.Minute,
		HistoryLimit:     10,
	}
	healthMgr := health.NewManager(healthCfg, clock, logger, nil)
	failover := health.NewFailoverOrchestrator(healthCfg, clock, logger, nil, nil)

	srv := &Server{
		Engine:      engine,
		Definitions: map[string]*workflow.Definition{"quick_review": def},
		Store:       store,
		Health:      healthMgr,
		Failover:    failover,
		Breakers:    breakers,
		Limiter:     limiter,
		Logger:      logger,
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiEnv{server: srv, ts: ts, store: store, agents: agents, health: healthMgr, failover: failover}
}

func (e *apiEnv) post(t *testing.T, path string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	resp, err := http.Post(e.ts.URL+path, "application/json", &buf)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func (e *apiEnv) get(t *testing.T, path string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	require.NoError(t, err)
	return resp, decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var m map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	return m
}

func registerStubAgent(env *apiEnv) {
	env.agents.Register(workflow.AgentFunc{
		Name: "cloud_engineer",
		Fn: func(_ context.Context, a *domain.Assessment, _ map[string]interface{}) (*workflow.AgentResult, error) {
			return &workflow.AgentResult{
				Recommendations: []domain.Recommendation{{
					ID: "r1", AssessmentID: a.ID, AgentName: "cloud_engineer", Title: "use spot instances",
				}},
				ConfidenceScore: 0.9,
			}, nil
		},
	})
}

func TestStartWorkflowAndPollStatus(t *testing.T) {
	env := newAPIEnv(t)
	registerStubAgent(env)

	resp, body := env.post(t, "/api/v1/workflows", map[string]interface{}{
		"workflow_name": "quick_review",
		"assessment": map[string]interface{}{
			"id":           "assess-1",
			"principal_id": "alex",
			"title":        "cloud migration readiness",
		},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	workflowID, _ := body["workflow_id"].(string)
	require.NotEmpty(t, workflowID)

	require.Eventually(t, func() bool {
		resp, body := env.get(t, "/api/v1/workflows/"+workflowID)
		return resp.StatusCode == http.StatusOK && body["status"] == string(domain.WorkflowCompleted)
	}, 5*time.Second, 20*time.Millisecond)

	_, body = env.get(t, "/api/v1/workflows/"+workflowID)
	require.Equal(t, 1.0, body["recommendations_count"])
}

func TestStartWorkflowRejectsUnknownDefinition(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.post(t, "/api/v1/workflows", map[string]interface{}{
		"workflow_name": "no_such_flow",
		"assessment":    map[string]interface{}{"id": "a", "principal_id": "p"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "UNKNOWN_WORKFLOW", body["code"])
}

func TestGetWorkflowNotFound(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.get(t, "/api/v1/workflows/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	require.Equal(t, "NOT_FOUND", body["code"])
}

func TestCancelPersistedWorkflow(t *testing.T) {
	env := newAPIEnv(t)
	w := &domain.WorkflowState{
		ID: "wf-1", AssessmentID: "a1", Status: domain.WorkflowRunning, StartTime: time.Now(),
	}
	require.NoError(t, env.store.Workflows.Save(context.Background(), w))

	resp, body := env.post(t, "/api/v1/workflows/wf-1/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(domain.WorkflowCancelled), body["status"])

	saved, err := env.store.Workflows.Get(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCancelled, saved.Status)
}

func TestHealthEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.health.Register("redis", true, func(context.Context) error { return nil }))

	resp, body := env.post(t, "/api/v1/health/components/redis/check", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(health.StatusHealthy), body["status"])

	resp, body = env.get(t, "/api/v1/health/system")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, string(health.StatusHealthy), body["status"])

	resp, _ = env.get(t, "/api/v1/health/components/ghost")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFailoverEndpoints(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.failover.RegisterGroup("aws_pricing", health.StrategyActivePassive, []health.Endpoint{
		{Name: "primary", URL: "https://pricing-a.internal", Priority: 1},
		{Name: "standby", URL: "https://pricing-b.internal", Priority: 2},
	}))

	resp, body := env.get(t, "/api/v1/failover/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "aws_pricing")

	resp, _ = env.post(t, "/api/v1/failover/aws_pricing/trigger", map[string]interface{}{"reason": "drill"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.post(t, "/api/v1/failover/ghost/trigger", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCircuitBreakerEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	resp, _ := env.post(t, "/api/v1/circuit-breakers/aws_pricing/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.get(t, "/api/v1/circuit-breakers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	breakers, ok := body["circuit_breakers"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, breakers, "aws_pricing")
}

func TestRateLimitEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.get(t, "/api/v1/rate-limits/aws_pricing")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "aws_pricing", body["service"])

	resp, _ = env.post(t, "/api/v1/rate-limits/aws_pricing/reset", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRecoveryAutoToggle(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.post(t, "/api/v1/recovery/auto", map[string]interface{}{"enabled": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, true, body["auto_recovery"])

	resp, _ = env.get(t, "/api/v1/recovery/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGatewaySessionsUnavailableWithoutHub(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.get(t, "/api/v1/gateway/sessions")
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "UNAVAILABLE", body["code"])
}
