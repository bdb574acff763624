// Package storage provides the persistence layer: document repositories
// over MongoDB plus in-memory implementations used by tests and local runs.
package storage

import (
	"context"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
)

// AssessmentRepository stores assessments.
type AssessmentRepository interface {
	Get(ctx context.Context, id string) (*domain.Assessment, error)
	Save(ctx context.Context, a *domain.Assessment) error
}

// RecommendationRepository stores agent recommendations.
//
// ReplaceForAgent is the progressive-save primitive: it atomically replaces
// all recommendations for one (assessment, agent) pair, so a retried save
// never duplicates rows.
type RecommendationRepository interface {
	ReplaceForAgent(ctx context.Context, assessmentID, agentName string, recs []domain.Recommendation) error
	ListByAssessment(ctx context.Context, assessmentID string) ([]domain.Recommendation, error)
	CountByAssessment(ctx context.Context, assessmentID string) (int64, error)
}

// ReportRepository stores generated reports.
type ReportRepository interface {
	Save(ctx context.Context, r *domain.Report) error
	Get(ctx context.Context, id string) (*domain.Report, error)
	ListByAssessment(ctx context.Context, assessmentID string) ([]domain.Report, error)
}

// WorkflowStateRepository stores engine checkpoints; the Mongo copy is
// authoritative, the Redis snapshot is a fast-path cache.
type WorkflowStateRepository interface {
	Save(ctx context.Context, w *domain.WorkflowState) error
	Get(ctx context.Context, id string) (*domain.WorkflowState, error)
	ListByStatus(ctx context.Context, statuses ...domain.WorkflowStatus) ([]domain.WorkflowState, error)
	// DeleteTerminalOlderThan removes terminal workflows whose end time is
	// before the cutoff, returning the ids removed so cache copies can be
	// evicted too.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)
}

// Store bundles the repositories behind one seam for wiring.
type Store struct {
	Assessments     AssessmentRepository
	Recommendations RecommendationRepository
	Reports         ReportRepository
	Workflows       WorkflowStateRepository
}
