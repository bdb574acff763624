package workflow

import (
	"context"
	"fmt"
	"sync"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// ServiceResult is the only shape the engine understands from a
// professional service; everything else stays opaque in Data.
type ServiceResult struct {
	Status       string                 `json:"status"`
	QualityScore float64                `json:"quality_score,omitempty"`
	Summary      string                 `json:"summary,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
}

// ServiceInvoker is a named professional service (compliance engine, cost
// modeller, report generator).
type ServiceInvoker interface {
	Name() string
	Invoke(ctx context.Context, shared map[string]interface{}) (*ServiceResult, error)
}

// ServiceFunc adapts a function to ServiceInvoker.
type ServiceFunc struct {
	ServiceName string
	Fn          func(ctx context.Context, shared map[string]interface{}) (*ServiceResult, error)
}

func (s ServiceFunc) Name() string { return s.ServiceName }

func (s ServiceFunc) Invoke(ctx context.Context, shared map[string]interface{}) (*ServiceResult, error) {
	return s.Fn(ctx, shared)
}

// ServiceRegistry maps service names to invokers.
type ServiceRegistry struct {
	mu       sync.RWMutex
	services map[string]ServiceInvoker
}

// NewServiceRegistry creates an empty registry.
func NewServiceRegistry() *ServiceRegistry {
	return &ServiceRegistry{services: make(map[string]ServiceInvoker)}
}

// Register adds a service; the last registration for a name wins.
func (r *ServiceRegistry) Register(s ServiceInvoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[s.Name()] = s
}

// Get looks a service up by name.
func (r *ServiceRegistry) Get(name string) (ServiceInvoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	if !ok {
		return nil, fmt.Errorf("no service registered for %s: %w", name, core.ErrNotFound)
	}
	return s, nil
}
