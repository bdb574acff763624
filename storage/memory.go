package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
)

// NewMemoryStore builds the in-memory repository bundle used by tests and
// local development runs.
func NewMemoryStore() *Store {
	return &Store{
		Assessments:     &memAssessments{items: map[string]domain.Assessment{}},
		Recommendations: &memRecommendations{items: map[string][]domain.Recommendation{}},
		Reports:         &memReports{items: map[string]domain.Report{}},
		Workflows:       &memWorkflows{items: map[string]domain.WorkflowState{}},
	}
}

type memAssessments struct {
	mu    sync.RWMutex
	items map[string]domain.Assessment
}

func (r *memAssessments) Get(_ context.Context, id string) (*domain.Assessment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("assessment %s: %w", id, core.ErrNotFound)
	}
	out := a
	return &out, nil
}

func (r *memAssessments) Save(_ context.Context, a *domain.Assessment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[a.ID] = *a
	return nil
}

type memRecommendations struct {
	mu    sync.RWMutex
	items map[string][]domain.Recommendation // keyed by assessment_id
}

func (r *memRecommendations) ReplaceForAgent(_ context.Context, assessmentID, agentName string, recs []domain.Recommendation) error {
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.items[assessmentID][:0:0]
	for _, rec := range r.items[assessmentID] {
		if rec.AgentName != agentName {
			kept = append(kept, rec)
		}
	}
	r.items[assessmentID] = append(kept, recs...)
	return nil
}

func (r *memRecommendations) ListByAssessment(_ context.Context, assessmentID string) ([]domain.Recommendation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Recommendation, len(r.items[assessmentID]))
	copy(out, r.items[assessmentID])
	return out, nil
}

func (r *memRecommendations) CountByAssessment(_ context.Context, assessmentID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return int64(len(r.items[assessmentID])), nil
}

type memReports struct {
	mu    sync.RWMutex
	items map[string]domain.Report
}

func (r *memReports) Save(_ context.Context, rep *domain.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[rep.ID] = *rep
	return nil
}

func (r *memReports) Get(_ context.Context, id string) (*domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rep, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, core.ErrNotFound)
	}
	out := rep
	return &out, nil
}

func (r *memReports) ListByAssessment(_ context.Context, assessmentID string) ([]domain.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Report
	for _, rep := range r.items {
		if rep.AssessmentID == assessmentID {
			out = append(out, rep)
		}
	}
	return out, nil
}

type memWorkflows struct {
	mu    sync.RWMutex
	items map[string]domain.WorkflowState

	// failSaves makes the next N saves fail, for persistence-retry tests.
	failSaves int
}

func (r *memWorkflows) Save(_ context.Context, w *domain.WorkflowState) error {
	if err := w.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSaves > 0 {
		r.failSaves--
		return fmt.Errorf("simulated persistence failure: %w", core.ErrConnectionFailed)
	}
	r.items[w.ID] = cloneWorkflow(w)
	return nil
}

func (r *memWorkflows) Get(_ context.Context, id string) (*domain.WorkflowState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.items[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, core.ErrNotFound)
	}
	out := cloneWorkflow(&w)
	return &out, nil
}

func (r *memWorkflows) ListByStatus(_ context.Context, statuses ...domain.WorkflowStatus) ([]domain.WorkflowState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WorkflowState
	for _, w := range r.items {
		if len(statuses) == 0 {
			out = append(out, cloneWorkflow(&w))
			continue
		}
		for _, s := range statuses {
			if w.Status == s {
				out = append(out, cloneWorkflow(&w))
				break
			}
		}
	}
	return out, nil
}

func (r *memWorkflows) DeleteTerminalOlderThan(_ context.Context, cutoff time.Time) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, w := range r.items {
		if w.Status.IsTerminal() && w.EndTime != nil && w.EndTime.Before(cutoff) {
			delete(r.items, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// FailNextWorkflowSaves arms the in-memory workflow repository to fail the
// next n saves. Test hook; no-op for Mongo-backed stores.
func FailNextWorkflowSaves(s *Store, n int) {
	if mw, ok := s.Workflows.(*memWorkflows); ok {
		mw.mu.Lock()
		mw.failSaves = n
		mw.mu.Unlock()
	}
}

func cloneWorkflow(w *domain.WorkflowState) domain.WorkflowState {
	out := *w
	out.Nodes = make(map[string]*domain.NodeState, len(w.Nodes))
	for id, ns := range w.Nodes {
		c := *ns
		out.Nodes[id] = &c
	}
	out.CompletedAgents = append([]string(nil), w.CompletedAgents...)
	out.FailedAgents = append([]string(nil), w.FailedAgents...)
	out.Messages = append([]domain.WorkflowMessage(nil), w.Messages...)
	if w.SharedData != nil {
		out.SharedData = make(map[string]interface{}, len(w.SharedData))
		for k, v := range w.SharedData {
			out.SharedData[k] = v
		}
	}
	return out
}
