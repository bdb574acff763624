package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/events"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/resilience"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
)

// Engine runs workflow DAGs. One engine instance serves many concurrent
// workflows; within a workflow the scheduler is the single writer of the
// state record.
type Engine struct {
	cfg      core.EngineConfig
	store    *storage.Store
	states   *StateStore
	bus      *events.Manager
	coord    *resilience.Coordinator
	agents   *AgentRegistry
	services *ServiceRegistry
	clock    core.Clock
	ids      core.IDGenerator
	logger   core.Logger
	metrics  *telemetry.Metrics

	mu      sync.Mutex
	running map[string]*execution
	wg      sync.WaitGroup
}

type execution struct {
	def       *Definition
	cancel    context.CancelFunc
	cancelled bool
}

// NewEngine wires the engine. bus and coord are required; metrics may be nil.
func NewEngine(cfg core.EngineConfig, store *storage.Store, states *StateStore, bus *events.Manager, coord *resilience.Coordinator, agents *AgentRegistry, services *ServiceRegistry, clock core.Clock, ids core.IDGenerator, logger core.Logger, metrics *telemetry.Metrics) *Engine {
	if clock == nil {
		clock = core.SystemClock{}
	}
	if ids == nil {
		ids = core.UUIDGenerator{}
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Engine{
		cfg:      cfg,
		store:    store,
		states:   states,
		bus:      bus,
		coord:    coord,
		agents:   agents,
		services: services,
		clock:    clock,
		ids:      ids,
		logger:   logger,
		metrics:  metrics,
		running:  make(map[string]*execution),
	}
}

// StartWorkflow creates the state record and launches execution.
func (e *Engine) StartWorkflow(ctx context.Context, a *domain.Assessment, def *Definition) (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	now := e.clock.Now()
	w := &domain.WorkflowState{
		ID:           e.ids.NewID(),
		Name:         def.Name,
		AssessmentID: a.ID,
		Assessment:   a,
		Status:       domain.WorkflowInitialized,
		SharedData:   map[string]interface{}{"assessment_id": a.ID},
		Progress:     domain.Progress{TotalSteps: len(def.Nodes), UpdatedAt: now},
		StartTime:    now,
	}
	for i := range def.Nodes {
		w.Node(def.Nodes[i].ID)
	}
	if err := e.states.Save(ctx, w); err != nil {
		return "", err
	}

	if err := a.TransitionStatus(domain.AssessmentInProgress); err == nil {
		e.saveAssessment(ctx, a)
	}

	e.launch(w, a, def)
	e.emit(events.WorkflowStarted, map[string]interface{}{
		"assessment_id": a.ID,
		"total_steps":   len(def.Nodes),
	}, w)
	if e.metrics != nil {
		e.metrics.WorkflowsStarted.Inc()
	}
	return w.ID, nil
}

// Resume continues a checkpointed workflow: completed nodes are kept,
// nodes caught RUNNING at crash time are re-queued as PENDING.
func (e *Engine) Resume(ctx context.Context, workflowID string, def *Definition) error {
	e.mu.Lock()
	_, alreadyRunning := e.running[workflowID]
	e.mu.Unlock()
	if alreadyRunning {
		return fmt.Errorf("workflow %s is already executing: %w", workflowID, core.ErrConflict)
	}

	w, err := e.states.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return fmt.Errorf("workflow %s is %s: %w", workflowID, w.Status, core.ErrConflict)
	}

	for id, ns := range w.Nodes {
		if ns.Status == domain.NodeRunning {
			ns.Status = domain.NodePending
			w.AppendMessage("warn", "node re-queued after restart", id, e.clock.Now())
		}
	}

	a := w.Assessment
	if a == nil {
		a, err = e.store.Assessments.Get(ctx, w.AssessmentID)
		if err != nil {
			return err
		}
		w.Assessment = a
	}
	if err := e.states.Save(ctx, w); err != nil {
		return err
	}

	e.launch(w, a, def)
	return nil
}

func (e *Engine) launch(w *domain.WorkflowState, a *domain.Assessment, def *Definition) {
	runCtx, cancel := context.WithCancel(context.Background())
	exec := &execution{def: def, cancel: cancel}
	e.mu.Lock()
	e.running[w.ID] = exec
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, w.ID)
			e.mu.Unlock()
		}()
		e.run(runCtx, exec, w, a, def)
	}()
}

// Cancel requests cancellation. Repeated cancels of the same workflow are
// no-ops.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	exec, ok := e.running[workflowID]
	if ok {
		exec.cancelled = true
		exec.cancel()
	}
	e.mu.Unlock()
	if ok {
		return nil
	}

	// Not executing here: flip the persisted record if still live.
	w, err := e.states.Load(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.IsTerminal() {
		return nil
	}
	w.Status = domain.WorkflowCancelled
	now := e.clock.Now()
	w.EndTime = &now
	w.AppendMessage("warn", "workflow cancelled", "", now)
	return e.states.Save(ctx, w)
}

// Shutdown cancels every running workflow and waits up to the grace
// timeout for executors to finish checkpointing.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	for _, exec := range e.running {
		exec.cancelled = true
		exec.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	grace := e.cfg.GraceTimeout
	if grace <= 0 {
		grace = 10 * time.Second
	}
	select {
	case <-done:
	case <-time.After(grace):
		e.logger.Warn("Engine shutdown grace timeout elapsed", nil)
	case <-ctx.Done():
	}
}

// StartCleanupLoop runs the terminal-workflow housekeeping task until the
// context ends.
func (e *Engine) StartCleanupLoop(ctx context.Context) {
	interval := e.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	maxAge := time.Duration(e.cfg.CleanupMaxAgeHours) * time.Hour
	if maxAge <= 0 {
		maxAge = 72 * time.Hour
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := e.states.Cleanup(ctx, maxAge); err != nil {
					e.logger.Warn("Workflow cleanup failed", map[string]interface{}{"error": err.Error()})
				}
			}
		}
	}()
}

// nodeOutcome travels from a worker back to the scheduler.
type nodeOutcome struct {
	node    *Node
	status  domain.NodeStatus
	result  map[string]interface{}
	err     error
	elapsed time.Duration
}

// run is the per-workflow scheduler: the only goroutine that mutates w.
func (e *Engine) run(ctx context.Context, exec *execution, w *domain.WorkflowState, a *domain.Assessment, def *Definition) {
	ctx, span := telemetry.StartSpan(ctx, "workflow.run",
		attribute.String("workflow_id", w.ID),
		attribute.String("assessment_id", a.ID))
	defer span.End()

	w.Status = domain.WorkflowRunning
	w.AppendMessage("info", "workflow execution started", "", e.clock.Now())
	e.checkpoint(ctx, w)

	maxParallel := e.cfg.MaxParallelNodes
	if maxParallel <= 0 || !e.cfg.ParallelExecution {
		maxParallel = 1
	}

	results := make(chan nodeOutcome)
	inflight := 0
	retried := map[string]bool{}
	aborted := false
	var abortErr error

	for {
		if !aborted && ctx.Err() == nil {
			for _, n := range def.Eligible(w) {
				if inflight >= maxParallel {
					break
				}
				e.beginNode(ctx, w, a, n)
				input := e.snapshotInput(w, a, n)
				inflight++
				go e.runNode(ctx, input, results)
			}
		}

		if inflight == 0 {
			break
		}

		out := <-results
		inflight--
		e.applyOutcome(ctx, w, a, def, out)

		if out.status == domain.NodeFailed {
			if e.cfg.RetryFailedNodes && out.node.Type != NodeAgent && !retried[out.node.ID] {
				retried[out.node.ID] = true
				w.Node(out.node.ID).Status = domain.NodePending
				w.AppendMessage("warn", "node re-queued for retry", out.node.ID, e.clock.Now())
				e.checkpoint(ctx, w)
				continue
			}
			if stop, err := e.shouldAbort(out.node); stop {
				aborted = true
				abortErr = err
			}
		}
	}

	e.finish(ctx, exec, w, a, def, aborted, abortErr)
}

// beginNode flips a node to RUNNING and checkpoints before launch.
func (e *Engine) beginNode(ctx context.Context, w *domain.WorkflowState, a *domain.Assessment, n *Node) {
	now := e.clock.Now()
	ns := w.Node(n.ID)
	ns.Status = domain.NodeRunning
	ns.StartedAt = &now

	if n.Type == NodeAgent {
		w.CurrentAgent = n.Operation
		if a.Status == domain.AssessmentInProgress {
			if err := a.TransitionStatus(domain.AssessmentAgentAnalysis); err == nil {
				e.saveAssessment(ctx, a)
			}
		}
	}
	if n.Type == NodeProfessionalService && strings.Contains(n.Operation, "report") {
		if err := a.TransitionStatus(domain.AssessmentGeneratingReport); err == nil {
			e.saveAssessment(ctx, a)
		}
	}
	w.Progress.CurrentStep = n.Name
	w.AppendMessage("info", "node started", n.ID, now)
	e.checkpoint(ctx, w)
}

// nodeInput is the read-only snapshot a worker gets; workers never touch w.
type nodeInput struct {
	workflowID   string
	assessmentID string
	assessment   domain.Assessment
	node         *Node
	shared       map[string]interface{}
	depResults   map[string]map[string]interface{}
	depStatuses  map[string]domain.NodeStatus
}

func (e *Engine) snapshotInput(w *domain.WorkflowState, a *domain.Assessment, n *Node) nodeInput {
	shared := make(map[string]interface{}, len(w.SharedData))
	for k, v := range w.SharedData {
		shared[k] = v
	}
	deps := make(map[string]map[string]interface{}, len(n.Dependencies))
	statuses := make(map[string]domain.NodeStatus, len(n.Dependencies))
	for _, dep := range n.Dependencies {
		ns := w.Node(dep)
		statuses[dep] = ns.Status
		if ns.Result != nil {
			deps[dep] = ns.Result
		}
	}
	return nodeInput{
		workflowID:   w.ID,
		assessmentID: w.AssessmentID,
		assessment:   *a,
		node:         n,
		shared:       shared,
		depResults:   deps,
		depStatuses:  statuses,
	}
}

// runNode executes one node with its timeout and panic isolation.
func (e *Engine) runNode(ctx context.Context, in nodeInput, results chan<- nodeOutcome) {
	start := e.clock.Now()
	out := nodeOutcome{node: in.node, status: domain.NodeCompleted}

	defer func() {
		if r := recover(); r != nil {
			out.status = domain.NodeFailed
			out.err = fmt.Errorf("node %s panicked: %v", in.node.ID, r)
			e.logger.Error("Node execution panicked", map[string]interface{}{
				"workflow_id": in.workflowID,
				"node":        in.node.ID,
				"panic":       fmt.Sprintf("%v", r),
			})
		}
		out.elapsed = e.clock.Now().Sub(start)
		if e.metrics != nil {
			e.metrics.NodeDuration.WithLabelValues(string(in.node.Type)).Observe(out.elapsed.Seconds())
		}
		results <- out
	}()

	timeout := in.node.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultNodeTimeout
	}
	nodeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		nodeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		result map[string]interface{}
		err    error
	)
	switch in.node.Type {
	case NodeAgent:
		result, err = e.runAgentNode(nodeCtx, in)
	case NodeSynthesis:
		result, err = e.runSynthesisNode(nodeCtx, in)
	case NodeProfessionalService:
		result, err = e.runServiceNode(nodeCtx, in)
	case NodeValidation:
		result, err = e.runValidationNode(nodeCtx, in)
	case NodeDecision:
		result, err = e.runDecisionNode(nodeCtx, in)
	default:
		err = fmt.Errorf("unknown node type %s: %w", in.node.Type, core.ErrValidation)
	}

	out.result = result
	out.err = err
	switch {
	case err == nil:
		out.status = domain.NodeCompleted
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		out.status = domain.NodeCancelled
	case errors.Is(err, core.ErrCancelled):
		out.status = domain.NodeCancelled
	default:
		out.status = domain.NodeFailed
	}
}

// runAgentNode dispatches an agent through the protection stack. On any
// failure a deterministic role fallback is substituted so the workflow
// continues; the node is still recorded FAILED.
func (e *Engine) runAgentNode(ctx context.Context, in nodeInput) (map[string]interface{}, error) {
	role := in.node.Operation
	e.emitRaw(events.AgentStarted, role, map[string]interface{}{
		"assessment_id":      in.assessmentID,
		"step":               in.node.ID,
		"estimated_duration": in.node.EstimatedDuration().Seconds(),
	}, in.workflowID, in.assessmentID)

	agent, err := e.agents.Get(role)

	var agentResult *AgentResult
	if err == nil {
		outcome := e.coord.Execute(ctx, resilience.Call{
			Service: role,
			Fn: func(callCtx context.Context) (interface{}, error) {
				return agent.Execute(callCtx, &in.assessment, in.shared)
			},
		})
		if outcome.Err == nil {
			if res, ok := outcome.Data.(*AgentResult); ok {
				agentResult = res
			} else {
				err = fmt.Errorf("agent %s returned unexpected payload: %w", role, core.ErrValidation)
			}
		} else {
			err = outcome.Err
		}
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("agent %s interrupted: %w", role, core.ErrCancelled)
		}
		e.emitRaw(events.AgentFailed, role, map[string]interface{}{
			"assessment_id": in.assessmentID,
			"step":          in.node.ID,
			"error":         err.Error(),
		}, in.workflowID, in.assessmentID)

		agentResult = FallbackResult(role, in.assessmentID, e.ids, e.clock.Now())
		if perr := e.persistRecommendations(ctx, in.assessmentID, role, agentResult.Recommendations); perr != nil {
			e.logger.Error("Failed to persist fallback recommendations", map[string]interface{}{
				"workflow_id": in.workflowID,
				"agent":       role,
				"error":       perr.Error(),
			})
		}
		e.emitRaw(events.AgentCompleted, role, map[string]interface{}{
			"assessment_id": in.assessmentID,
			"step":          in.node.ID,
			"success":       false,
			"fallback":      true,
		}, in.workflowID, in.assessmentID)
		return agentNodeResult(role, agentResult), fmt.Errorf("agent %s failed: %w", role, err)
	}

	// Progressive save: results survive any later failure. The replace
	// semantics keep a retried save exactly-once.
	if perr := e.persistRecommendations(ctx, in.assessmentID, role, agentResult.Recommendations); perr != nil {
		return nil, fmt.Errorf("persisting recommendations for %s: %w", role, perr)
	}

	e.emitRaw(events.AgentCompleted, role, map[string]interface{}{
		"assessment_id":         in.assessmentID,
		"step":                  in.node.ID,
		"success":               true,
		"recommendations_count": len(agentResult.Recommendations),
	}, in.workflowID, in.assessmentID)
	return agentNodeResult(role, agentResult), nil
}

func agentNodeResult(role string, res *AgentResult) map[string]interface{} {
	return map[string]interface{}{
		"agent":                 role,
		"confidence_score":      res.ConfidenceScore,
		"recommendations_count": len(res.Recommendations),
		"fallback":              res.Fallback,
		"data":                  res.Data,
	}
}

// persistRecommendations normalizes each recommendation so stored documents
// satisfy the model invariants, then retries the progressive save once
// before failing.
func (e *Engine) persistRecommendations(ctx context.Context, assessmentID, role string, recs []domain.Recommendation) error {
	for i := range recs {
		recs[i].Normalize()
	}
	err := e.store.Recommendations.ReplaceForAgent(ctx, assessmentID, role, recs)
	if err != nil {
		err = e.store.Recommendations.ReplaceForAgent(ctx, assessmentID, role, recs)
	}
	return err
}

// runSynthesisNode merges dependency outputs: overall confidence is the
// mean of the dependency agents' confidence scores, recommendations are
// grouped by category.
func (e *Engine) runSynthesisNode(ctx context.Context, in nodeInput) (map[string]interface{}, error) {
	var confidences []float64
	for _, res := range in.depResults {
		if v, ok := res["confidence_score"].(float64); ok {
			confidences = append(confidences, v)
		}
	}
	overall := 0.0
	if len(confidences) > 0 {
		for _, c := range confidences {
			overall += c
		}
		overall /= float64(len(confidences))
	}

	recs, err := e.store.Recommendations.ListByAssessment(ctx, in.assessmentID)
	if err != nil {
		return nil, fmt.Errorf("reading recommendations for synthesis: %w", err)
	}
	categories := map[string]int{}
	for _, r := range recs {
		categories[r.Category]++
	}

	return map[string]interface{}{
		"overall_confidence":    overall,
		"recommendations_count": len(recs),
		"categories":            categories,
		"synthesized_at":        e.clock.Now().Format(time.RFC3339),
	}, nil
}

// runServiceNode invokes a professional service through the full
// protection stack including the fallback chain.
func (e *Engine) runServiceNode(ctx context.Context, in nodeInput) (map[string]interface{}, error) {
	svc, err := e.services.Get(in.node.Operation)
	if err != nil {
		return nil, err
	}

	fallbackKey, _ := in.node.Config["fallback_key"].(string)
	defaultData, _ := in.node.Config["default_data"]

	outcome := e.coord.Execute(ctx, resilience.Call{
		Service:     in.node.Operation,
		FallbackKey: fallbackKey,
		DefaultData: defaultData,
		Fn: func(callCtx context.Context) (interface{}, error) {
			return svc.Invoke(callCtx, in.shared)
		},
	})
	if outcome.Err != nil {
		return nil, fmt.Errorf("service %s failed: %w", in.node.Operation, outcome.Err)
	}

	sr, ok := outcome.Data.(*ServiceResult)
	if !ok {
		// Fallback layers return decoded JSON; keep it opaque.
		sr = &ServiceResult{Status: "degraded", Summary: "served from fallback"}
		if m, isMap := outcome.Data.(map[string]interface{}); isMap {
			sr.Data = m
		}
	}
	return map[string]interface{}{
		"service":       in.node.Operation,
		"status":        sr.Status,
		"quality_score": sr.QualityScore,
		"summary":       sr.Summary,
		"source":        string(outcome.Source),
		"degraded":      outcome.DegradedMode,
		"data":          sr.Data,
	}, nil
}

// runValidationNode aggregates quality across upstream outputs. Validation
// is advisory: a low score attaches improvement notes, it never fails the
// workflow.
func (e *Engine) runValidationNode(_ context.Context, in nodeInput) (map[string]interface{}, error) {
	var scores []float64
	for _, res := range in.depResults {
		if v, ok := res["quality_score"].(float64); ok && v > 0 {
			scores = append(scores, v)
			continue
		}
		if v, ok := res["confidence_score"].(float64); ok {
			scores = append(scores, v)
		}
	}
	quality := 0.0
	if len(scores) > 0 {
		for _, s := range scores {
			quality += s
		}
		quality /= float64(len(scores))
	}

	standard := 0.7
	if v, ok := in.node.Config["quality_standard"].(float64); ok {
		standard = v
	}

	result := map[string]interface{}{
		"quality_score":    quality,
		"quality_standard": standard,
		"meets_standard":   quality >= standard,
	}
	if quality < standard {
		result["improvement_notes"] = []string{
			fmt.Sprintf("aggregate quality %.2f below standard %.2f", quality, standard),
			"review low-confidence agent outputs before publishing",
		}
	}
	return result, nil
}

// runDecisionNode is reserved for branching; with a configured choice it
// reports which successors to keep, otherwise it is a pass-through.
func (e *Engine) runDecisionNode(_ context.Context, in nodeInput) (map[string]interface{}, error) {
	return map[string]interface{}{"chosen": stringSlice(in.node.Config["choose"])}, nil
}

// stringSlice accepts both []string and the []interface{} form a JSON
// decoder produces for node configs.
func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// applyOutcome folds a worker result back into the state and drives
// progress, events and checkpointing.
func (e *Engine) applyOutcome(ctx context.Context, w *domain.WorkflowState, a *domain.Assessment, def *Definition, out nodeOutcome) {
	now := e.clock.Now()
	ns := w.Node(out.node.ID)
	ns.Status = out.status
	ns.Result = out.result
	ns.CompletedAt = &now
	if out.err != nil {
		ns.Error = out.err.Error()
	}

	switch out.node.Type {
	case NodeAgent:
		if out.status == domain.NodeCompleted {
			w.MarkAgentCompleted(out.node.Operation)
		} else {
			w.MarkAgentFailed(out.node.Operation)
		}
		if out.result != nil {
			w.SharedData["agent:"+out.node.Operation] = out.result
		}
	case NodeSynthesis:
		if out.result != nil {
			w.SharedData["synthesis"] = out.result
		}
	case NodeDecision:
		e.applyDecision(w, def, out)
	}

	level := "info"
	text := "node completed"
	if out.status == domain.NodeFailed {
		level = "error"
		text = "node failed: " + ns.Error
	} else if out.status == domain.NodeCancelled {
		level = "warn"
		text = "node cancelled"
	}
	w.AppendMessage(level, text, out.node.ID, now)

	e.updateProgress(ctx, w, a, def, out.node)
	e.checkpoint(ctx, w)

	e.emit(events.StepCompleted, map[string]interface{}{
		"step":    out.node.ID,
		"status":  string(out.status),
		"elapsed": out.elapsed.Seconds(),
	}, w)
}

// applyDecision skips direct successors the decision did not choose.
func (e *Engine) applyDecision(w *domain.WorkflowState, def *Definition, out nodeOutcome) {
	chosen := stringSlice(out.result["chosen"])
	if len(chosen) == 0 {
		return
	}
	keep := map[string]bool{}
	for _, id := range chosen {
		keep[id] = true
	}
	for i := range def.Nodes {
		n := &def.Nodes[i]
		if keep[n.ID] {
			continue
		}
		for _, dep := range n.Dependencies {
			if dep == out.node.ID && w.Node(n.ID).Status == domain.NodePending {
				w.Node(n.ID).Status = domain.NodeSkipped
			}
		}
	}
}

// updateProgress recomputes completion from terminal nodes and persists
// the assessment under the monotonicity rule.
func (e *Engine) updateProgress(ctx context.Context, w *domain.WorkflowState, a *domain.Assessment, def *Definition, n *Node) {
	total := len(def.Nodes)
	terminal := 0
	for i := range def.Nodes {
		switch w.Node(def.Nodes[i].ID).Status {
		case domain.NodeCompleted, domain.NodeFailed, domain.NodeCancelled, domain.NodeSkipped:
			terminal++
		}
	}

	now := e.clock.Now()
	pct := float64(terminal) / float64(total) * 100
	progress := domain.Progress{
		CurrentStep:    n.Name,
		CompletedSteps: terminal,
		TotalSteps:     total,
		Message:        fmt.Sprintf("%d of %d steps finished", terminal, total),
		UpdatedAt:      now,
	}
	recorded := a.ApplyProgress(pct, progress)
	w.Progress = progress
	e.saveAssessment(ctx, a)

	e.emit(events.WorkflowProgress, map[string]interface{}{
		"assessment_id":         a.ID,
		"completion_percentage": recorded,
		"current_step":          n.Name,
	}, w)
}

// saveAssessment persists the assessment, retrying once on failure.
func (e *Engine) saveAssessment(ctx context.Context, a *domain.Assessment) {
	err := e.store.Assessments.Save(ctx, a)
	if err != nil {
		err = e.store.Assessments.Save(ctx, a)
	}
	if err != nil {
		e.logger.Error("Failed to persist assessment", map[string]interface{}{
			"assessment_id": a.ID,
			"error":         err.Error(),
		})
	}
}

// finish settles the terminal status and emits the closing event.
func (e *Engine) finish(ctx context.Context, exec *execution, w *domain.WorkflowState, a *domain.Assessment, def *Definition, aborted bool, abortErr error) {
	now := e.clock.Now()

	// Cancellation marks everything still pending.
	if exec.cancelled {
		for i := range def.Nodes {
			ns := w.Node(def.Nodes[i].ID)
			if ns.Status == domain.NodePending || ns.Status == domain.NodeRunning {
				ns.Status = domain.NodeCancelled
			}
		}
	}

	criticalFailed := false
	var failedCritical []string
	agentNodes, failedAgents := 0, 0
	for i := range def.Nodes {
		n := &def.Nodes[i]
		status := w.Node(n.ID).Status
		if n.Type == NodeAgent {
			agentNodes++
			if status == domain.NodeFailed {
				failedAgents++
			}
			continue
		}
		if status == domain.NodeFailed || (status == domain.NodeCancelled && !exec.cancelled) {
			criticalFailed = true
			failedCritical = append(failedCritical, n.ID)
		}
	}

	switch {
	case exec.cancelled:
		w.Status = domain.WorkflowCancelled
		w.AppendMessage("warn", "workflow cancelled", "", now)
	case aborted:
		w.Status = domain.WorkflowFailed
		if abortErr != nil {
			w.Error = abortErr.Error()
		}
	case e.cfg.ErrorTolerance != core.ToleranceHigh && criticalFailed:
		sort.Strings(failedCritical)
		w.Status = domain.WorkflowFailed
		w.Error = fmt.Sprintf("critical nodes failed: %s", strings.Join(failedCritical, ", "))
	case e.cfg.ErrorTolerance == core.ToleranceHigh && agentNodes > 0 && failedAgents == agentNodes:
		w.Status = domain.WorkflowFailed
		w.Error = "all agent nodes failed"
	default:
		w.Status = domain.WorkflowCompleted
	}
	w.EndTime = &now
	w.CurrentAgent = ""

	if w.Status == domain.WorkflowCompleted {
		a.ApplyProgress(100, domain.Progress{
			CurrentStep:    "completed",
			CompletedSteps: len(def.Nodes),
			TotalSteps:     len(def.Nodes),
			Message:        "assessment completed",
			UpdatedAt:      now,
		})
		w.Progress = a.Progress
		if err := a.TransitionStatus(domain.AssessmentCompleted); err == nil {
			e.saveAssessment(ctx, a)
		}
		e.emit(events.WorkflowCompleted, map[string]interface{}{
			"assessment_id": a.ID,
			"status":        string(w.Status),
		}, w)
	} else if w.Status == domain.WorkflowFailed {
		a.Error = w.Error
		if err := a.TransitionStatus(domain.AssessmentFailed); err == nil {
			e.saveAssessment(ctx, a)
		}
		e.emit(events.WorkflowFailed, map[string]interface{}{
			"assessment_id": a.ID,
			"error":         w.Error,
		}, w)
	} else {
		e.emit(events.Notification, map[string]interface{}{
			"assessment_id": a.ID,
			"message":       "workflow cancelled",
		}, w)
	}

	if e.metrics != nil {
		e.metrics.WorkflowsCompleted.WithLabelValues(string(w.Status)).Inc()
	}
	e.checkpoint(context.WithoutCancel(ctx), w)
	e.logger.Info("Workflow finished", map[string]interface{}{
		"workflow_id": w.ID,
		"status":      string(w.Status),
		"error":       w.Error,
	})
}

// shouldAbort applies the error-tolerance policy to a failed node.
func (e *Engine) shouldAbort(n *Node) (bool, error) {
	switch e.cfg.ErrorTolerance {
	case core.ToleranceLow:
		return true, fmt.Errorf("node %s failed under low error tolerance", n.ID)
	case core.ToleranceHigh:
		return false, nil
	default:
		// Medium: agent failures continue on fallbacks; critical nodes
		// settle at finish so independent branches still drain.
		return false, nil
	}
}

// checkpoint persists state after a transition; failures are logged, the
// workflow keeps running on the in-memory copy.
func (e *Engine) checkpoint(ctx context.Context, w *domain.WorkflowState) {
	if err := e.states.Save(ctx, w); err != nil {
		e.logger.Error("Checkpoint failed", map[string]interface{}{
			"workflow_id": w.ID,
			"error":       err.Error(),
		})
	}
}

// emit publishes fire-and-forget with workflow metadata attached.
func (e *Engine) emit(t events.EventType, data map[string]interface{}, w *domain.WorkflowState) {
	e.emitRaw(t, "workflow_engine", data, w.ID, w.AssessmentID)
}

func (e *Engine) emitRaw(t events.EventType, source string, data map[string]interface{}, workflowID, assessmentID string) {
	if e.bus == nil {
		return
	}
	err := e.bus.Emit(context.Background(), t, source, data, map[string]interface{}{
		"workflow_id": workflowID,
		"room_id":     assessmentID,
	})
	if err != nil {
		e.logger.Debug("Event publish skipped", map[string]interface{}{
			"event_type": string(t),
			"error":      err.Error(),
		})
	}
}

// WorkflowSummary is the API view of one workflow.
type WorkflowSummary struct {
	WorkflowID           string                   `json:"workflow_id"`
	Name                 string                   `json:"name"`
	Status               domain.WorkflowStatus    `json:"status"`
	Progress             domain.Progress          `json:"progress"`
	CompletedAgents      []string                 `json:"completed_agents"`
	FailedAgents         []string                 `json:"failed_agents"`
	RecommendationsCount int64                    `json:"recommendations_count"`
	Messages             []domain.WorkflowMessage `json:"messages"`
	StartTime            time.Time                `json:"start_time"`
	EndTime              *time.Time               `json:"end_time,omitempty"`
}

// Status builds the API summary, including the last ten log messages.
func (e *Engine) Status(ctx context.Context, workflowID string) (*WorkflowSummary, error) {
	w, err := e.states.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	count, err := e.store.Recommendations.CountByAssessment(ctx, w.AssessmentID)
	if err != nil {
		count = 0
	}
	msgs := w.Messages
	if len(msgs) > 10 {
		msgs = msgs[len(msgs)-10:]
	}
	return &WorkflowSummary{
		WorkflowID:           w.ID,
		Name:                 w.Name,
		Status:               w.Status,
		Progress:             w.Progress,
		CompletedAgents:      w.CompletedAgents,
		FailedAgents:         w.FailedAgents,
		RecommendationsCount: count,
		Messages:             msgs,
		StartTime:            w.StartTime,
		EndTime:              w.EndTime,
	}, nil
}

// List returns summaries for workflows in the given statuses (all when
// empty).
func (e *Engine) List(ctx context.Context, statuses ...domain.WorkflowStatus) ([]WorkflowSummary, error) {
	states, err := e.store.Workflows.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, err
	}
	out := make([]WorkflowSummary, 0, len(states))
	for i := range states {
		w := &states[i]
		msgs := w.Messages
		if len(msgs) > 10 {
			msgs = msgs[len(msgs)-10:]
		}
		out = append(out, WorkflowSummary{
			WorkflowID:      w.ID,
			Name:            w.Name,
			Status:          w.Status,
			Progress:        w.Progress,
			CompletedAgents: w.CompletedAgents,
			FailedAgents:    w.FailedAgents,
			Messages:        msgs,
			StartTime:       w.StartTime,
			EndTime:         w.EndTime,
		})
	}
	return out, nil
}
