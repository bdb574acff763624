// Package domain defines the data model shared across the orchestration
// substrate: assessments, recommendations and reports.
package domain

import (
	"fmt"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// AssessmentStatus is the lifecycle status of an assessment.
type AssessmentStatus string

const (
	AssessmentDraft            AssessmentStatus = "DRAFT"
	AssessmentInProgress       AssessmentStatus = "IN_PROGRESS"
	AssessmentAgentAnalysis    AssessmentStatus = "AGENT_ANALYSIS"
	AssessmentGeneratingReport AssessmentStatus = "GENERATING_REPORT"
	AssessmentCompleted        AssessmentStatus = "COMPLETED"
	AssessmentFailed           AssessmentStatus = "FAILED"
)

// IsTerminal reports whether the status is final.
func (s AssessmentStatus) IsTerminal() bool {
	return s == AssessmentCompleted || s == AssessmentFailed
}

// Progress is the fine-grained progress record attached to an assessment.
type Progress struct {
	CurrentStep    string    `json:"current_step" bson:"current_step"`
	CompletedSteps int       `json:"completed_steps" bson:"completed_steps"`
	TotalSteps     int       `json:"total_steps" bson:"total_steps"`
	Message        string    `json:"message" bson:"message"`
	UpdatedAt      time.Time `json:"updated_at" bson:"updated_at"`
}

// Assessment describes an organisation's infrastructure-assessment request.
// It is created by the request layer; only the workflow engine mutates it
// afterwards.
type Assessment struct {
	ID                    string                 `json:"id" bson:"_id"`
	PrincipalID           string                 `json:"principal_id" bson:"principal_id"`
	Title                 string                 `json:"title" bson:"title"`
	BusinessRequirements  map[string]interface{} `json:"business_requirements" bson:"business_requirements"`
	TechnicalRequirements map[string]interface{} `json:"technical_requirements" bson:"technical_requirements"`
	Status                AssessmentStatus       `json:"status" bson:"status"`
	CompletionPercentage  float64                `json:"completion_percentage" bson:"completion_percentage"`
	Progress              Progress               `json:"progress" bson:"progress"`
	CreatedAt             time.Time              `json:"created_at" bson:"created_at"`
	UpdatedAt             time.Time              `json:"updated_at" bson:"updated_at"`
	Metadata              map[string]interface{} `json:"metadata,omitempty" bson:"metadata,omitempty"`
	Error                 string                 `json:"error,omitempty" bson:"error,omitempty"`
}

// Validate checks the invariants the request layer must satisfy before an
// assessment enters the engine.
func (a *Assessment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("assessment id is required: %w", core.ErrValidation)
	}
	if a.PrincipalID == "" {
		return fmt.Errorf("assessment principal_id is required: %w", core.ErrValidation)
	}
	if a.CompletionPercentage < 0 || a.CompletionPercentage > 100 {
		return fmt.Errorf("completion_percentage %.1f out of range: %w", a.CompletionPercentage, core.ErrValidation)
	}
	return nil
}

// ApplyProgress updates the completion percentage and progress record,
// enforcing monotonicity: once an assessment reports p%, it never reports
// less until a terminal state. Returns the percentage actually recorded.
func (a *Assessment) ApplyProgress(pct float64, p Progress) float64 {
	if pct < a.CompletionPercentage {
		pct = a.CompletionPercentage
	}
	if pct > 100 {
		pct = 100
	}
	a.CompletionPercentage = pct
	a.Progress = p
	a.UpdatedAt = p.UpdatedAt
	return pct
}

// TransitionStatus applies a status change, refusing to move out of a
// terminal state back to an intermediate one.
func (a *Assessment) TransitionStatus(next AssessmentStatus) error {
	if a.Status.IsTerminal() && !next.IsTerminal() {
		return fmt.Errorf("assessment %s is %s: %w", a.ID, a.Status, core.ErrConflict)
	}
	a.Status = next
	return nil
}
