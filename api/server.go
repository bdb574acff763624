// Package api exposes the HTTP control surface: workflow lifecycle,
// health and failover introspection, circuit breaker and rate limit
// administration, recovery controls, the websocket gateway endpoint and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/gateway"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/health"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/ratelimit"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/resilience"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/storage"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/telemetry"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/workflow"
)

// Server bundles the component handles the HTTP surface needs. Optional
// fields may be nil; their routes then answer 503.
type Server struct {
	Engine      *workflow.Engine
	Definitions map[string]*workflow.Definition
	Store       *storage.Store
	Health      *health.Manager
	Failover    *health.FailoverOrchestrator
	Breakers    *resilience.BreakerManager
	Limiter     *ratelimit.Limiter
	Gateway     *gateway.Hub
	Logger      core.Logger
	Metrics     *telemetry.Metrics
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	if s.Logger == nil {
		s.Logger = &core.NoOpLogger{}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/workflows", s.handleStartWorkflow)
		r.Get("/workflows", s.handleListWorkflows)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Post("/workflows/{id}/cancel", s.handleCancelWorkflow)
		r.Post("/workflows/{id}/resume", s.handleResumeWorkflow)

		r.Get("/health/system", s.handleSystemHealth)
		r.Get("/health/components/{name}", s.handleComponentHealth)
		r.Get("/health/components/{name}/history", s.handleComponentHistory)
		r.Post("/health/components/{name}/check", s.handleComponentCheck)

		r.Get("/failover/status", s.handleFailoverStatus)
		r.Post("/failover/{service}/trigger", s.handleFailoverTrigger)

		r.Get("/circuit-breakers", s.handleCircuitBreakers)
		r.Post("/circuit-breakers/{service}/reset", s.handleCircuitBreakerReset)

		r.Get("/rate-limits/{service}", s.handleRateLimitStatus)
		r.Post("/rate-limits/{service}/reset", s.handleRateLimitReset)

		r.Get("/recovery/stats", s.handleRecoveryStats)
		r.Post("/recovery/{component}/trigger", s.handleRecoveryTrigger)
		r.Post("/recovery/auto", s.handleRecoveryAuto)

		r.Get("/gateway/sessions", s.handleGatewaySessions)
	})

	if s.Gateway != nil {
		r.Get("/ws", s.Gateway.Handler())
	}
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Debug("Response encoding failed", map[string]interface{}{"error": err.Error()})
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, code string) {
	s.writeJSON(w, status, errorResponse{Error: message, Code: code})
}

// writeDomainError maps sentinel errors onto HTTP statuses.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error(), "NOT_FOUND")
	case errors.Is(err, core.ErrValidation):
		s.writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_FAILED")
	case errors.Is(err, core.ErrConflict):
		s.writeError(w, http.StatusConflict, err.Error(), "CONFLICT")
	case errors.Is(err, core.ErrRateLimitExceeded):
		s.writeError(w, http.StatusTooManyRequests, err.Error(), "RATE_LIMITED")
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL")
	}
}

type startWorkflowRequest struct {
	WorkflowName string             `json:"workflow_name"`
	AssessmentID string             `json:"assessment_id,omitempty"`
	Assessment   *domain.Assessment `json:"assessment,omitempty"`
}

type startWorkflowResponse struct {
	WorkflowID string `json:"workflow_id"`
	Status     string `json:"status"`
	StatusURL  string `json:"status_url"`
}

func (s *Server) handleStartWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "workflow engine not available", "UNAVAILABLE")
		return
	}
	var req startWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	def, ok := s.Definitions[req.WorkflowName]
	if !ok {
		s.writeError(w, http.StatusBadRequest, "unknown workflow: "+req.WorkflowName, "UNKNOWN_WORKFLOW")
		return
	}

	a := req.Assessment
	if a == nil {
		if req.AssessmentID == "" {
			s.writeError(w, http.StatusBadRequest, "assessment or assessment_id is required", "MISSING_ASSESSMENT")
			return
		}
		var err error
		a, err = s.Store.Assessments.Get(r.Context(), req.AssessmentID)
		if err != nil {
			s.writeDomainError(w, err)
			return
		}
	} else if a.ID != "" && s.Store != nil {
		// Inline assessments are persisted before execution so the pull
		// endpoints can serve them immediately.
		if err := s.Store.Assessments.Save(r.Context(), a); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}

	id, err := s.Engine.StartWorkflow(r.Context(), a, def)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, startWorkflowResponse{
		WorkflowID: id,
		Status:     string(domain.WorkflowRunning),
		StatusURL:  "/api/v1/workflows/" + id,
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "workflow engine not available", "UNAVAILABLE")
		return
	}
	var statuses []domain.WorkflowStatus
	if v := r.URL.Query().Get("status"); v != "" {
		statuses = append(statuses, domain.WorkflowStatus(v))
	}
	list, err := s.Engine.List(r.Context(), statuses...)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"workflows": list, "count": len(list)})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "workflow engine not available", "UNAVAILABLE")
		return
	}
	summary, err := s.Engine.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleCancelWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "workflow engine not available", "UNAVAILABLE")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Engine.Cancel(r.Context(), id); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"workflow_id": id,
		"status":      string(domain.WorkflowCancelled),
	})
}

func (s *Server) handleResumeWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "workflow engine not available", "UNAVAILABLE")
		return
	}
	id := chi.URLParam(r, "id")
	summary, err := s.Engine.Status(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	def, ok := s.Definitions[summary.Name]
	if !ok {
		s.writeError(w, http.StatusConflict, "workflow definition no longer registered: "+summary.Name, "UNKNOWN_WORKFLOW")
		return
	}
	if err := s.Engine.Resume(r.Context(), id, def); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"workflow_id": id,
		"status":      string(domain.WorkflowRunning),
	})
}

func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	sys := s.Health.System()
	status := http.StatusOK
	if sys.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, sys)
}

func (s *Server) handleComponentHealth(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	comp, err := s.Health.Component(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, comp)
}

func (s *Server) handleComponentHistory(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	hist, err := s.Health.History(chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if limit, perr := strconv.Atoi(v); perr == nil && limit > 0 && limit < len(hist) {
			hist = hist[len(hist)-limit:]
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"history": hist, "count": len(hist)})
}

func (s *Server) handleComponentCheck(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	comp, err := s.Health.CheckNow(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, comp)
}

func (s *Server) handleFailoverStatus(w http.ResponseWriter, r *http.Request) {
	if s.Failover == nil {
		s.writeError(w, http.StatusServiceUnavailable, "failover orchestrator not available", "UNAVAILABLE")
		return
	}
	s.writeJSON(w, http.StatusOK, s.Failover.Status())
}

func (s *Server) handleFailoverTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Failover == nil {
		s.writeError(w, http.StatusServiceUnavailable, "failover orchestrator not available", "UNAVAILABLE")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual trigger"
	}
	service := chi.URLParam(r, "service")
	if err := s.Failover.TriggerFailover(r.Context(), service, body.Reason); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"service": service, "triggered": true})
}

func (s *Server) handleCircuitBreakers(w http.ResponseWriter, r *http.Request) {
	if s.Breakers == nil {
		s.writeError(w, http.StatusServiceUnavailable, "circuit breakers not available", "UNAVAILABLE")
		return
	}
	states, err := s.Breakers.States(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"circuit_breakers": states})
}

func (s *Server) handleCircuitBreakerReset(w http.ResponseWriter, r *http.Request) {
	if s.Breakers == nil {
		s.writeError(w, http.StatusServiceUnavailable, "circuit breakers not available", "UNAVAILABLE")
		return
	}
	service := chi.URLParam(r, "service")
	if err := s.Breakers.For(service).Reset(r.Context()); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"service": service, "state": "CLOSED"})
}

func (s *Server) handleRateLimitStatus(w http.ResponseWriter, r *http.Request) {
	if s.Limiter == nil {
		s.writeError(w, http.StatusServiceUnavailable, "rate limiter not available", "UNAVAILABLE")
		return
	}
	status, err := s.Limiter.Status(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleRateLimitReset(w http.ResponseWriter, r *http.Request) {
	if s.Limiter == nil {
		s.writeError(w, http.StatusServiceUnavailable, "rate limiter not available", "UNAVAILABLE")
		return
	}
	service := chi.URLParam(r, "service")
	if err := s.Limiter.Reset(r.Context(), service); err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"service": service, "reset": true})
}

func (s *Server) handleRecoveryStats(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"recovery": s.Health.RecoveryStats()})
}

func (s *Server) handleRecoveryTrigger(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	component := chi.URLParam(r, "component")
	result, err := s.Health.AttemptRecovery(r.Context(), component, core.ErrConnectionFailed)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"component": component, "result": result})
}

func (s *Server) handleRecoveryAuto(w http.ResponseWriter, r *http.Request) {
	if s.Health == nil {
		s.writeError(w, http.StatusServiceUnavailable, "health manager not available", "UNAVAILABLE")
		return
	}
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	s.Health.EnableAutoRecovery(body.Enabled)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"auto_recovery": body.Enabled})
}

func (s *Server) handleGatewaySessions(w http.ResponseWriter, r *http.Request) {
	if s.Gateway == nil {
		s.writeError(w, http.StatusServiceUnavailable, "gateway not available", "UNAVAILABLE")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": s.Gateway.SessionCount()})
}
