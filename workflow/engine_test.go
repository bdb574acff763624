package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/events"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/ratelimit"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/resilience"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
)

// eventLog collects bus events for assertions; workers publish
// concurrently so every access locks.
type eventLog struct {
	mu  sync.Mutex
	all []events.Event
}

func (l *eventLog) add(ev events.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, ev)
}

func (l *eventLog) byType(t events.EventType) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, ev := range l.all {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type engineEnv struct {
	engine   *Engine
	store    *storage.Store
	states   *StateStore
	agents   *AgentRegistry
	services *ServiceRegistry
	log      *eventLog
	clock    *core.FakeClock
}

// fast retry/breaker settings so failing-path tests finish in milliseconds.
func testServiceConfig() core.ServiceConfig {
	return core.ServiceConfig{
		FailureThreshold:  50,
		RecoveryTimeout:   30 * time.Second,
		SuccessThreshold:  1,
		Timeout:           5 * time.Second,
		MaxRetries:        1,
		BaseDelay:         time.Millisecond,
		MaxDelay:          2 * time.Millisecond,
		ExponentialBase:   2.0,
		RequestsPerMinute: 100000,
		BurstCapacity:     100000,
	}
}

func newEngineEnv(t *testing.T, cfg core.EngineConfig) *engineEnv {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	rc := core.NewRedisClientFromExisting(client, "test", &core.NoOpLogger{})
	clock := core.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := &core.NoOpLogger{}

	svcCfg := testServiceConfig().WithDefaults()
	configFor := func(string) core.ServiceConfig { return svcCfg }

	limiter := ratelimit.New(rc, configFor, clock, logger, nil)
	breakers := resilience.NewBreakerManager(rc, configFor, clock, logger, nil)
	retrier := resilience.NewRetrier(configFor, clock, logger)
	cache := core.NewCacheManager(rc, clock, time.Hour, logger)
	fallback := resilience.NewFallbackManager(rc, cache, configFor, clock, logger)
	coord := resilience.NewCoordinator(limiter, breakers, retrier, fallback, nil, logger, nil)

	store := storage.NewMemoryStore()
	states := NewStateStore(store.Workflows, nil, time.Hour, clock, logger)

	bus := events.NewManager(nil, core.EventsConfig{}, clock, core.UUIDGenerator{}, logger, nil)
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(bus.Stop)

	log := &eventLog{}
	bus.SubscribeMany(events.AllTypes(), log.add)

	agents := NewAgentRegistry()
	services := NewServiceRegistry()
	engine := NewEngine(cfg, store, states, bus, coord, agents, services, clock, core.UUIDGenerator{}, logger, nil)
	t.Cleanup(func() { engine.Shutdown(context.Background()) })

	return &engineEnv{
		engine:   engine,
		store:    store,
		states:   states,
		agents:   agents,
		services: services,
		log:      log,
		clock:    clock,
	}
}

func defaultEngineConfig() core.EngineConfig {
	return core.EngineConfig{
		ParallelExecution:  true,
		MaxParallelNodes:   4,
		ErrorTolerance:     core.ToleranceMedium,
		DefaultNodeTimeout: 5 * time.Second,
	}
}

func newAssessment(id string) *domain.Assessment {
	return &domain.Assessment{
		ID:          id,
		PrincipalID: "principal-1",
		Title:       "production readiness review",
		Status:      domain.AssessmentDraft,
	}
}

func stubAgent(role string, confidence float64, count int) AgentFunc {
	return AgentFunc{
		Name: role,
		Fn: func(_ context.Context, a *domain.Assessment, _ map[string]interface{}) (*AgentResult, error) {
			recs := make([]domain.Recommendation, 0, count)
			for i := 0; i < count; i++ {
				recs = append(recs, domain.Recommendation{
					ID:              fmt.Sprintf("%s-%s-%d", a.ID, role, i),
					AssessmentID:    a.ID,
					AgentName:       role,
					Title:           fmt.Sprintf("%s recommendation %d", role, i),
					ConfidenceScore: confidence,
					Category:        role,
				})
			}
			return &AgentResult{Recommendations: recs, ConfidenceScore: confidence}, nil
		},
	}
}

func waitTerminal(t *testing.T, env *engineEnv, workflowID string) *domain.WorkflowState {
	t.Helper()
	var final *domain.WorkflowState
	require.Eventually(t, func() bool {
		w, err := env.store.Workflows.Get(context.Background(), workflowID)
		if err != nil || !w.Status.IsTerminal() {
			return false
		}
		final = w
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return final
}

func assessmentWorkflowDef(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition("infrastructure_assessment", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "cto", Type: NodeAgent, Operation: "cto"},
		{ID: "research", Type: NodeAgent, Operation: "research"},
		{ID: "synth", Type: NodeSynthesis, Operation: "synthesize", Dependencies: []string{"cloud", "cto", "research"}},
		{ID: "report", Type: NodeProfessionalService, Operation: "report_generator", Dependencies: []string{"synth"}},
		{ID: "validate", Type: NodeValidation, Operation: "validate", Dependencies: []string{"report"}},
	})
	require.NoError(t, err)
	return def
}

func registerReportService(env *engineEnv, quality float64) {
	env.services.Register(ServiceFunc{
		ServiceName: "report_generator",
		Fn: func(_ context.Context, _ map[string]interface{}) (*ServiceResult, error) {
			return &ServiceResult{Status: "completed", QualityScore: quality, Summary: "report generated"}, nil
		},
	})
}

func TestWorkflowHappyPath(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	env.agents.Register(stubAgent("cloud_engineer", 0.9, 2))
	env.agents.Register(stubAgent("cto", 0.8, 2))
	env.agents.Register(stubAgent("research", 0.7, 2))
	registerReportService(env, 0.9)

	a := newAssessment("assess-1")
	require.NoError(t, env.store.Assessments.Save(context.Background(), a))

	id, err := env.engine.StartWorkflow(context.Background(), a, assessmentWorkflowDef(t))
	require.NoError(t, err)

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCompleted, w.Status)
	require.ElementsMatch(t, []string{"cloud_engineer", "cto", "research"}, w.CompletedAgents)
	require.Empty(t, w.FailedAgents)

	saved, err := env.store.Assessments.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AssessmentCompleted, saved.Status)
	require.Equal(t, 100.0, saved.CompletionPercentage)

	count, err := env.store.Recommendations.CountByAssessment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(6), count)

	synth, ok := w.SharedData["synthesis"].(map[string]interface{})
	require.True(t, ok)
	require.InDelta(t, 0.8, synth["overall_confidence"], 0.0001)

	require.Len(t, env.log.byType(events.WorkflowStarted), 1)
	require.Len(t, env.log.byType(events.WorkflowCompleted), 1)
	require.Empty(t, env.log.byType(events.WorkflowFailed))
	require.Empty(t, env.log.byType(events.AgentFailed))
}

func TestAgentFailureSubstitutesFallback(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	env.agents.Register(stubAgent("cloud_engineer", 0.9, 2))
	env.agents.Register(AgentFunc{
		Name: "compliance_agent",
		Fn: func(context.Context, *domain.Assessment, map[string]interface{}) (*AgentResult, error) {
			return nil, fmt.Errorf("compliance backend unavailable: %w", core.ErrConnectionFailed)
		},
	})

	def, err := NewDefinition("compliance_review", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "compliance", Type: NodeAgent, Operation: "compliance_agent"},
		{ID: "synth", Type: NodeSynthesis, Operation: "synthesize", Dependencies: []string{"cloud", "compliance"}},
	})
	require.NoError(t, err)

	a := newAssessment("assess-2")
	require.NoError(t, env.store.Assessments.Save(context.Background(), a))

	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCompleted, w.Status)
	require.Equal(t, domain.NodeFailed, w.Nodes["compliance"].Status)
	require.Equal(t, []string{"compliance_agent"}, w.FailedAgents)

	// The deterministic fallback recommendation was persisted in place of
	// the real analysis.
	recs, err := env.store.Recommendations.ListByAssessment(context.Background(), a.ID)
	require.NoError(t, err)
	var fallbackRecs []domain.Recommendation
	for _, r := range recs {
		if r.AgentName == "compliance_agent" {
			fallbackRecs = append(fallbackRecs, r)
		}
	}
	require.Len(t, fallbackRecs, 1)
	require.Equal(t, domain.ConfidenceLow, fallbackRecs[0].ConfidenceLevel)
	require.Contains(t, fallbackRecs[0].Tags, "fallback")

	require.Len(t, env.log.byType(events.AgentFailed), 1)
	require.Empty(t, env.log.byType(events.WorkflowFailed))
	require.Len(t, env.log.byType(events.WorkflowCompleted), 1)
}

func TestLowToleranceFailsWorkflow(t *testing.T) {
	cfg := defaultEngineConfig()
	cfg.ErrorTolerance = core.ToleranceLow
	env := newEngineEnv(t, cfg)
	env.agents.Register(AgentFunc{
		Name: "cloud_engineer",
		Fn: func(context.Context, *domain.Assessment, map[string]interface{}) (*AgentResult, error) {
			return nil, errors.New("provider API down")
		},
	})

	def, err := NewDefinition("strict", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "synth", Type: NodeSynthesis, Operation: "synthesize", Dependencies: []string{"cloud"}},
	})
	require.NoError(t, err)

	a := newAssessment("assess-3")
	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowFailed, w.Status)
	require.NotEmpty(t, w.Error)

	saved, err := env.store.Assessments.Get(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, domain.AssessmentFailed, saved.Status)

	require.Len(t, env.log.byType(events.WorkflowFailed), 1)
	require.Empty(t, env.log.byType(events.WorkflowCompleted))
}

func TestCriticalServiceFailureFailsWorkflow(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	env.agents.Register(stubAgent("cloud_engineer", 0.9, 1))
	env.services.Register(ServiceFunc{
		ServiceName: "report_generator",
		Fn: func(context.Context, map[string]interface{}) (*ServiceResult, error) {
			return nil, errors.New("renderer crashed")
		},
	})

	def, err := NewDefinition("with_report", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "report", Type: NodeProfessionalService, Operation: "report_generator", Dependencies: []string{"cloud"}},
	})
	require.NoError(t, err)

	a := newAssessment("assess-4")
	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowFailed, w.Status)
	require.Equal(t, domain.NodeFailed, w.Nodes["report"].Status)
	require.Contains(t, w.Error, "report")
}

func TestProgressIsMonotonic(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	env.agents.Register(stubAgent("cloud_engineer", 0.9, 1))
	env.agents.Register(stubAgent("cto", 0.8, 1))
	env.agents.Register(stubAgent("research", 0.7, 1))
	registerReportService(env, 0.9)

	a := newAssessment("assess-5")
	id, err := env.engine.StartWorkflow(context.Background(), a, assessmentWorkflowDef(t))
	require.NoError(t, err)
	waitTerminal(t, env, id)

	updates := env.log.byType(events.WorkflowProgress)
	require.NotEmpty(t, updates)
	last := -1.0
	for _, ev := range updates {
		pct, ok := ev.Data["completion_percentage"].(float64)
		require.True(t, ok)
		require.GreaterOrEqual(t, pct, last)
		last = pct
	}
}

func TestDependenciesRunInOrder(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	for _, role := range []string{"cloud_engineer", "cto", "research"} {
		role := role
		env.agents.Register(AgentFunc{
			Name: role,
			Fn: func(_ context.Context, a *domain.Assessment, _ map[string]interface{}) (*AgentResult, error) {
				record(role)
				return &AgentResult{ConfidenceScore: 0.5}, nil
			},
		})
	}
	env.services.Register(ServiceFunc{
		ServiceName: "report_generator",
		Fn: func(context.Context, map[string]interface{}) (*ServiceResult, error) {
			record("report_generator")
			return &ServiceResult{Status: "completed", QualityScore: 0.9}, nil
		},
	})

	a := newAssessment("assess-6")
	id, err := env.engine.StartWorkflow(context.Background(), a, assessmentWorkflowDef(t))
	require.NoError(t, err)
	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCompleted, w.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 4)
	require.Equal(t, "report_generator", order[3])
	require.ElementsMatch(t, []string{"cloud_engineer", "cto", "research"}, order[:3])
}

func TestRetriedAgentSavesOnce(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())

	var calls int32
	env.agents.Register(AgentFunc{
		Name: "cloud_engineer",
		Fn: func(_ context.Context, a *domain.Assessment, _ map[string]interface{}) (*AgentResult, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				return nil, fmt.Errorf("transient: %w", core.ErrConnectionFailed)
			}
			return &AgentResult{
				Recommendations: []domain.Recommendation{
					{ID: "r1", AssessmentID: a.ID, AgentName: "cloud_engineer", Title: "right-size instances"},
					{ID: "r2", AssessmentID: a.ID, AgentName: "cloud_engineer", Title: "enable autoscaling"},
				},
				ConfidenceScore: 0.85,
			}, nil
		},
	})

	def, err := NewDefinition("single", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
	})
	require.NoError(t, err)

	a := newAssessment("assess-7")
	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)
	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCompleted, w.Status)

	// The transient first attempt never leaves duplicates behind.
	count, err := env.store.Recommendations.CountByAssessment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}

func TestCancelIsIdempotent(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())

	started := make(chan struct{})
	var once sync.Once
	env.agents.Register(AgentFunc{
		Name: "cloud_engineer",
		Fn: func(ctx context.Context, _ *domain.Assessment, _ map[string]interface{}) (*AgentResult, error) {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	def, err := NewDefinition("cancellable", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "synth", Type: NodeSynthesis, Operation: "synthesize", Dependencies: []string{"cloud"}},
	})
	require.NoError(t, err)

	a := newAssessment("assess-8")
	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)
	<-started

	require.NoError(t, env.engine.Cancel(context.Background(), id))
	require.NoError(t, env.engine.Cancel(context.Background(), id))

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCancelled, w.Status)
	require.Equal(t, domain.NodeCancelled, w.Nodes["synth"].Status)

	// Cancelling a terminal workflow stays a no-op.
	require.NoError(t, env.engine.Cancel(context.Background(), id))
	w2, err := env.store.Workflows.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCancelled, w2.Status)
	require.Empty(t, env.log.byType(events.WorkflowCompleted))
}

func TestResumeRequeuesInterruptedNodes(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())

	var cloudCalls, ctoCalls int32
	env.agents.Register(AgentFunc{
		Name: "cloud_engineer",
		Fn: func(context.Context, *domain.Assessment, map[string]interface{}) (*AgentResult, error) {
			atomic.AddInt32(&cloudCalls, 1)
			return &AgentResult{ConfidenceScore: 0.9}, nil
		},
	})
	env.agents.Register(AgentFunc{
		Name: "cto",
		Fn: func(context.Context, *domain.Assessment, map[string]interface{}) (*AgentResult, error) {
			atomic.AddInt32(&ctoCalls, 1)
			return &AgentResult{ConfidenceScore: 0.8}, nil
		},
	})

	def, err := NewDefinition("resumable", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "cto", Type: NodeAgent, Operation: "cto"},
	})
	require.NoError(t, err)

	// A checkpoint as a crashed instance would have left it: one node
	// done, one caught mid-flight.
	a := newAssessment("assess-9")
	now := env.clock.Now()
	w := &domain.WorkflowState{
		ID:           "wf-resume",
		Name:         def.Name,
		AssessmentID: a.ID,
		Assessment:   a,
		Status:       domain.WorkflowRunning,
		SharedData:   map[string]interface{}{},
		StartTime:    now,
	}
	w.Node("cloud").Status = domain.NodeCompleted
	w.Node("cto").Status = domain.NodeRunning
	require.NoError(t, env.states.Save(context.Background(), w))

	require.NoError(t, env.engine.Resume(context.Background(), "wf-resume", def))
	final := waitTerminal(t, env, "wf-resume")

	require.Equal(t, domain.WorkflowCompleted, final.Status)
	require.Equal(t, int32(0), atomic.LoadInt32(&cloudCalls))
	require.Equal(t, int32(1), atomic.LoadInt32(&ctoCalls))

	// A terminal workflow does not resume.
	err = env.engine.Resume(context.Background(), "wf-resume", def)
	require.ErrorIs(t, err, core.ErrConflict)
}

func TestValidationAttachesImprovementNotes(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	env.agents.Register(stubAgent("cloud_engineer", 0.4, 1))
	env.services.Register(ServiceFunc{
		ServiceName: "report_generator",
		Fn: func(context.Context, map[string]interface{}) (*ServiceResult, error) {
			return &ServiceResult{Status: "completed", QualityScore: 0.4, Summary: "thin report"}, nil
		},
	})

	def, err := NewDefinition("validated", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "report", Type: NodeProfessionalService, Operation: "report_generator", Dependencies: []string{"cloud"}},
		{ID: "validate", Type: NodeValidation, Operation: "validate", Dependencies: []string{"report"}},
	})
	require.NoError(t, err)

	a := newAssessment("assess-10")
	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)
	w := waitTerminal(t, env, id)

	// Validation is advisory: the workflow still completes.
	require.Equal(t, domain.WorkflowCompleted, w.Status)
	result := w.Nodes["validate"].Result
	require.NotNil(t, result)
	require.Equal(t, false, result["meets_standard"])
	require.NotEmpty(t, result["improvement_notes"])
}

func TestDecisionNodeSkipsUnchosenSuccessors(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	env.agents.Register(stubAgent("keeper", 0.9, 1))
	env.agents.Register(stubAgent("dropped", 0.9, 1))

	// A definition decoded from JSON carries the choice as []interface{};
	// the engine must accept that form as well as []string.
	def, err := NewDefinition("routed_review", []Node{
		{ID: "decide", Type: NodeDecision, Operation: "route",
			Config: map[string]interface{}{"choose": []interface{}{"keep"}}},
		{ID: "keep", Type: NodeAgent, Operation: "keeper", Dependencies: []string{"decide"}},
		{ID: "drop", Type: NodeAgent, Operation: "dropped", Dependencies: []string{"decide"}},
	})
	require.NoError(t, err)

	a := newAssessment("assess-decision")
	require.NoError(t, env.store.Assessments.Save(context.Background(), a))

	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCompleted, w.Status)
	require.Equal(t, domain.NodeCompleted, w.Nodes["keep"].Status)
	require.Equal(t, domain.NodeSkipped, w.Nodes["drop"].Status)
}

func TestOverlongSummaryClampedBeforeSave(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	long := strings.Repeat("capacity headroom finding. ", 30)
	env.agents.Register(AgentFunc{
		Name: "cloud_engineer",
		Fn: func(_ context.Context, a *domain.Assessment, _ map[string]interface{}) (*AgentResult, error) {
			rec := domain.Recommendation{
				ID:              a.ID + "-cloud-0",
				AssessmentID:    a.ID,
				AgentName:       "cloud_engineer",
				Title:           "verbose analysis",
				Summary:         long,
				ConfidenceScore: 0.9,
				Category:        "architecture",
			}
			return &AgentResult{Recommendations: []domain.Recommendation{rec}, ConfidenceScore: 0.9}, nil
		},
	})

	def, err := NewDefinition("quick_review", []Node{
		{ID: "cloud", Type: NodeAgent, Operation: "cloud_engineer"},
	})
	require.NoError(t, err)

	a := newAssessment("assess-clamp")
	require.NoError(t, env.store.Assessments.Save(context.Background(), a))

	id, err := env.engine.StartWorkflow(context.Background(), a, def)
	require.NoError(t, err)

	w := waitTerminal(t, env, id)
	require.Equal(t, domain.WorkflowCompleted, w.Status)

	// The over-long summary was clamped on the way into the store instead
	// of failing the save.
	recs, err := env.store.Recommendations.ListByAssessment(context.Background(), a.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Len(t, recs[0].Summary, domain.MaxSummaryLength)
	require.Equal(t, domain.ConfidenceHigh, recs[0].ConfidenceLevel)
}

func TestStateStoreCleanupRemovesOldTerminal(t *testing.T) {
	env := newEngineEnv(t, defaultEngineConfig())
	ctx := context.Background()

	old := env.clock.Now().Add(-100 * time.Hour)
	end := old.Add(time.Minute)
	done := &domain.WorkflowState{
		ID: "wf-old", AssessmentID: "a1", Status: domain.WorkflowCompleted,
		StartTime: old, EndTime: &end,
	}
	require.NoError(t, env.store.Workflows.Save(ctx, done))

	live := &domain.WorkflowState{ID: "wf-live", AssessmentID: "a2", Status: domain.WorkflowRunning, StartTime: env.clock.Now()}
	require.NoError(t, env.store.Workflows.Save(ctx, live))

	removed, err := env.states.Cleanup(ctx, 72*time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = env.store.Workflows.Get(ctx, "wf-old")
	require.ErrorIs(t, err, core.ErrNotFound)
	_, err = env.store.Workflows.Get(ctx, "wf-live")
	require.NoError(t, err)
}
