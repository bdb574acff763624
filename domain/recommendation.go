package domain

import (
	"fmt"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// MaxSummaryLength bounds recommendation summaries.
const MaxSummaryLength = 500

// CloudProvider identifies the provider a service recommendation targets.
type CloudProvider string

const (
	ProviderAWS     CloudProvider = "AWS"
	ProviderAzure   CloudProvider = "AZURE"
	ProviderGCP     CloudProvider = "GCP"
	ProviderAlibaba CloudProvider = "ALIBABA"
	ProviderIBM     CloudProvider = "IBM"
	ProviderMulti   CloudProvider = "MULTI"
)

// ConfidenceLevel is the coarse bucket derived from the confidence score.
type ConfidenceLevel string

const (
	ConfidenceLow    ConfidenceLevel = "LOW"
	ConfidenceMedium ConfidenceLevel = "MEDIUM"
	ConfidenceHigh   ConfidenceLevel = "HIGH"
)

// DeriveConfidenceLevel maps a confidence score onto its level using the
// fixed thresholds: >= 0.8 HIGH, >= 0.6 MEDIUM, else LOW.
func DeriveConfidenceLevel(score float64) ConfidenceLevel {
	switch {
	case score >= 0.8:
		return ConfidenceHigh
	case score >= 0.6:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// CostEstimate aggregates the cost projections attached to a recommendation.
type CostEstimate struct {
	MonthlyCost float64            `json:"monthly_cost" bson:"monthly_cost"`
	SetupCost   float64            `json:"setup_cost" bson:"setup_cost"`
	AnnualCost  float64            `json:"annual_cost" bson:"annual_cost"`
	Breakdown   map[string]float64 `json:"breakdown,omitempty" bson:"breakdown,omitempty"`
	ROIMonths   float64            `json:"roi_months,omitempty" bson:"roi_months,omitempty"`
}

// ServiceRecommendation names one concrete cloud service inside a
// recommendation.
type ServiceRecommendation struct {
	Provider        CloudProvider          `json:"provider" bson:"provider"`
	ServiceName     string                 `json:"service_name" bson:"service_name"`
	MonthlyCost     float64                `json:"estimated_monthly_cost" bson:"estimated_monthly_cost"`
	SetupComplexity string                 `json:"setup_complexity" bson:"setup_complexity"`
	Configuration   map[string]interface{} `json:"configuration,omitempty" bson:"configuration,omitempty"`
	Reasons         []string               `json:"reasons,omitempty" bson:"reasons,omitempty"`
}

// Recommendation is the unit of agent output. Each belongs to exactly one
// assessment and is produced by exactly one named agent.
type Recommendation struct {
	ID                     string                  `json:"id" bson:"_id"`
	AssessmentID           string                  `json:"assessment_id" bson:"assessment_id"`
	AgentName              string                  `json:"agent_name" bson:"agent_name"`
	Title                  string                  `json:"title" bson:"title"`
	Summary                string                  `json:"summary" bson:"summary"`
	ConfidenceScore        float64                 `json:"confidence_score" bson:"confidence_score"`
	ConfidenceLevel        ConfidenceLevel         `json:"confidence_level" bson:"confidence_level"`
	Category               string                  `json:"category" bson:"category"`
	Priority               string                  `json:"priority" bson:"priority"`
	Costs                  CostEstimate            `json:"costs" bson:"costs"`
	ServiceRecommendations []ServiceRecommendation `json:"service_recommendations,omitempty" bson:"service_recommendations,omitempty"`
	ImplementationSteps    []string                `json:"implementation_steps,omitempty" bson:"implementation_steps,omitempty"`
	Risks                  []string                `json:"risks,omitempty" bson:"risks,omitempty"`
	Tags                   []string                `json:"tags,omitempty" bson:"tags,omitempty"`
	CreatedAt              time.Time               `json:"created_at" bson:"created_at"`
}

// Normalize derives the confidence level, clamps the score into [0,1] and
// truncates over-long summaries. Called before persistence so stored
// documents always satisfy the model invariants.
func (r *Recommendation) Normalize() {
	if r.ConfidenceScore < 0 {
		r.ConfidenceScore = 0
	}
	if r.ConfidenceScore > 1 {
		r.ConfidenceScore = 1
	}
	r.ConfidenceLevel = DeriveConfidenceLevel(r.ConfidenceScore)
	if len(r.Summary) > MaxSummaryLength {
		r.Summary = r.Summary[:MaxSummaryLength]
	}
}

// Validate checks the recommendation invariants.
func (r *Recommendation) Validate() error {
	if r.AssessmentID == "" {
		return fmt.Errorf("recommendation assessment_id is required: %w", core.ErrValidation)
	}
	if r.AgentName == "" {
		return fmt.Errorf("recommendation agent_name is required: %w", core.ErrValidation)
	}
	if len(r.Summary) > MaxSummaryLength {
		return fmt.Errorf("summary exceeds %d chars: %w", MaxSummaryLength, core.ErrValidation)
	}
	if r.ConfidenceScore < 0 || r.ConfidenceScore > 1 {
		return fmt.Errorf("confidence_score %.2f out of range: %w", r.ConfidenceScore, core.ErrValidation)
	}
	if r.ConfidenceLevel != DeriveConfidenceLevel(r.ConfidenceScore) {
		return fmt.Errorf("confidence_level %s inconsistent with score %.2f: %w", r.ConfidenceLevel, r.ConfidenceScore, core.ErrValidation)
	}
	return nil
}
