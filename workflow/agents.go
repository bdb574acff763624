package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
)

// AgentResult is what an agent node produces.
type AgentResult struct {
	Recommendations []domain.Recommendation `json:"recommendations"`
	Data            map[string]interface{}  `json:"data,omitempty"`
	ConfidenceScore float64                 `json:"confidence_score"`
	ExecutionTime   time.Duration           `json:"execution_time"`
	Metrics         map[string]interface{}  `json:"metrics,omitempty"`
	Fallback        bool                    `json:"fallback,omitempty"`
}

// Agent analyses an assessment from one role's perspective. Implementations
// live outside the engine; the engine only sees this contract.
type Agent interface {
	Role() string
	Execute(ctx context.Context, a *domain.Assessment, shared map[string]interface{}) (*AgentResult, error)
}

// AgentFunc adapts a function to the Agent interface.
type AgentFunc struct {
	Name string
	Fn   func(ctx context.Context, a *domain.Assessment, shared map[string]interface{}) (*AgentResult, error)
}

func (f AgentFunc) Role() string { return f.Name }

func (f AgentFunc) Execute(ctx context.Context, a *domain.Assessment, shared map[string]interface{}) (*AgentResult, error) {
	return f.Fn(ctx, a, shared)
}

// AgentRegistry maps roles to implementations.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewAgentRegistry creates an empty registry.
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{agents: make(map[string]Agent)}
}

// Register adds an agent; the last registration for a role wins.
func (r *AgentRegistry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Role()] = a
}

// Get looks an agent up by role.
func (r *AgentRegistry) Get(role string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[role]
	if !ok {
		return nil, fmt.Errorf("no agent registered for role %s: %w", role, core.ErrNotFound)
	}
	return a, nil
}

// Roles lists registered roles.
func (r *AgentRegistry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.agents))
	for role := range r.agents {
		out = append(out, role)
	}
	return out
}

// fallbackSpec drives the deterministic substitute produced when an agent
// fails. The workflow continues on this data instead of aborting.
type fallbackSpec struct {
	title    string
	summary  string
	category string
	priority string
	tags     []string
}

var roleFallbacks = map[string]fallbackSpec{
	"cloud_engineer": {
		title:    "Baseline cloud architecture review",
		summary:  "Automated analysis was unavailable; apply the standard three-tier reference architecture and review sizing manually.",
		category: "architecture",
		priority: "medium",
		tags:     []string{"fallback", "architecture"},
	},
	"cto": {
		title:    "Strategic alignment review required",
		summary:  "Strategy analysis was unavailable; schedule a manual review of cloud strategy against business requirements.",
		category: "strategy",
		priority: "medium",
		tags:     []string{"fallback", "strategy"},
	},
	"compliance_agent": {
		title:    "Manual compliance review required",
		summary:  "Compliance analysis was unavailable; a manual review against the declared frameworks is required before go-live.",
		category: "compliance",
		priority: "high",
		tags:     []string{"fallback", "compliance"},
	},
	"mlops": {
		title:    "Standard MLOps pipeline baseline",
		summary:  "MLOps analysis was unavailable; start from the standard training/serving pipeline template.",
		category: "mlops",
		priority: "low",
		tags:     []string{"fallback", "mlops"},
	},
	"infrastructure": {
		title:    "Infrastructure capacity review",
		summary:  "Infrastructure analysis was unavailable; validate capacity headroom and autoscaling settings manually.",
		category: "infrastructure",
		priority: "medium",
		tags:     []string{"fallback", "infrastructure"},
	},
	"research": {
		title:    "Market research unavailable",
		summary:  "Research data could not be gathered; re-run the assessment to refresh provider comparisons.",
		category: "research",
		priority: "low",
		tags:     []string{"fallback", "research"},
	},
}

// FallbackResult builds the deterministic substitute for a failed agent.
// The confidence score is fixed low so synthesis weighs it accordingly.
func FallbackResult(role, assessmentID string, ids core.IDGenerator, now time.Time) *AgentResult {
	spec, ok := roleFallbacks[role]
	if !ok {
		spec = fallbackSpec{
			title:    "Manual review required",
			summary:  fmt.Sprintf("Analysis by %s was unavailable; results require manual review.", role),
			category: "general",
			priority: "medium",
			tags:     []string{"fallback"},
		}
	}
	rec := domain.Recommendation{
		ID:              ids.NewID(),
		AssessmentID:    assessmentID,
		AgentName:       role,
		Title:           spec.title,
		Summary:         spec.summary,
		ConfidenceScore: 0.3,
		ConfidenceLevel: domain.ConfidenceLow,
		Category:        spec.category,
		Priority:        spec.priority,
		Tags:            spec.tags,
		CreatedAt:       now,
	}
	return &AgentResult{
		Recommendations: []domain.Recommendation{rec},
		Data:            map[string]interface{}{"fallback": true, "role": role},
		ConfidenceScore: 0.3,
		Fallback:        true,
	}
}
