// Package workflow implements the orchestration engine: a static DAG of
// typed nodes executed by a bounded worker pool with checkpointing,
// progress tracking, cancellation and per-node resilience.
package workflow

import (
	"fmt"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
)

// NodeType determines which dispatcher runs a node.
type NodeType string

const (
	NodeAgent               NodeType = "AGENT"
	NodeSynthesis           NodeType = "SYNTHESIS"
	NodeDecision            NodeType = "DECISION"
	NodeProfessionalService NodeType = "PROFESSIONAL_SERVICE"
	NodeValidation          NodeType = "VALIDATION"
)

// Node is one static vertex of a workflow definition. Operation names the
// agent role or professional service to invoke.
type Node struct {
	ID           string                 `json:"id"`
	Name         string                 `json:"name"`
	Type         NodeType               `json:"type"`
	Operation    string                 `json:"operation"`
	Config       map[string]interface{} `json:"config,omitempty"`
	Timeout      time.Duration          `json:"timeout,omitempty"`
	Dependencies []string               `json:"dependencies,omitempty"`
}

// Critical reports whether this node's failure fails the workflow under
// medium error tolerance. Agent nodes substitute fallbacks instead.
func (n *Node) Critical() bool {
	if v, ok := n.Config["critical"].(bool); ok {
		return v
	}
	return n.Type != NodeAgent
}

// EstimatedDuration is advertised in AGENT_STARTED events.
func (n *Node) EstimatedDuration() time.Duration {
	if v, ok := n.Config["estimated_duration"].(time.Duration); ok {
		return v
	}
	return 30 * time.Second
}

// Definition is an immutable workflow graph.
type Definition struct {
	Name  string
	Nodes []Node

	byID map[string]*Node
}

// NewDefinition validates the graph: unique ids, known dependencies, no
// cycles, at least one entry point.
func NewDefinition(name string, nodes []Node) (*Definition, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("workflow %s has no nodes: %w", name, core.ErrValidation)
	}
	d := &Definition{Name: name, Nodes: nodes, byID: make(map[string]*Node, len(nodes))}
	for i := range nodes {
		n := &d.Nodes[i]
		if n.ID == "" {
			return nil, fmt.Errorf("node %d has no id: %w", i, core.ErrValidation)
		}
		if _, dup := d.byID[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %s: %w", n.ID, core.ErrValidation)
		}
		switch n.Type {
		case NodeAgent, NodeSynthesis, NodeDecision, NodeProfessionalService, NodeValidation:
		default:
			return nil, fmt.Errorf("node %s has unknown type %q: %w", n.ID, n.Type, core.ErrValidation)
		}
		d.byID[n.ID] = n
	}

	entry := false
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if len(n.Dependencies) == 0 {
			entry = true
		}
		for _, dep := range n.Dependencies {
			if dep == n.ID {
				return nil, fmt.Errorf("node %s depends on itself: %w", n.ID, core.ErrValidation)
			}
			if _, ok := d.byID[dep]; !ok {
				return nil, fmt.Errorf("node %s depends on unknown node %s: %w", n.ID, dep, core.ErrValidation)
			}
		}
	}
	if !entry {
		return nil, fmt.Errorf("workflow %s has no entry node: %w", name, core.ErrValidation)
	}
	if err := d.checkAcyclic(); err != nil {
		return nil, err
	}
	return d, nil
}

// Node looks a node up by id.
func (d *Definition) Node(id string) (*Node, bool) {
	n, ok := d.byID[id]
	return n, ok
}

// checkAcyclic runs a depth-first three-colour walk.
func (d *Definition) checkAcyclic() error {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(d.Nodes))

	var visit func(id string) error
	visit = func(id string) error {
		switch colour[id] {
		case grey:
			return fmt.Errorf("dependency cycle through node %s: %w", id, core.ErrValidation)
		case black:
			return nil
		}
		colour[id] = grey
		for _, dep := range d.byID[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		colour[id] = black
		return nil
	}

	for id := range d.byID {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// dependencySatisfied reports whether a dependency's terminal state allows
// dependents to run. COMPLETED always qualifies; a FAILED agent node
// qualifies because its fallback result stands in for the real one; SKIPPED
// branches qualify so decision paths do not deadlock.
func (d *Definition) dependencySatisfied(depID string, status domain.NodeStatus) bool {
	switch status {
	case domain.NodeCompleted, domain.NodeSkipped:
		return true
	case domain.NodeFailed:
		dep, ok := d.byID[depID]
		return ok && dep.Type == NodeAgent
	default:
		return false
	}
}

// Eligible returns nodes that are PENDING with all dependencies satisfied.
func (d *Definition) Eligible(w *domain.WorkflowState) []*Node {
	var out []*Node
	for i := range d.Nodes {
		n := &d.Nodes[i]
		if w.Node(n.ID).Status != domain.NodePending {
			continue
		}
		ready := true
		for _, dep := range n.Dependencies {
			if !d.dependencySatisfied(dep, w.Node(dep).Status) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, n)
		}
	}
	return out
}

// Done reports whether every node is in a terminal state.
func (d *Definition) Done(w *domain.WorkflowState) bool {
	for i := range d.Nodes {
		switch w.Node(d.Nodes[i].ID).Status {
		case domain.NodePending, domain.NodeRunning:
			return false
		}
	}
	return true
}

// Stuck reports whether no node can ever become eligible again: nothing is
// running, nothing is eligible, but some node is still PENDING.
func (d *Definition) Stuck(w *domain.WorkflowState) bool {
	for i := range d.Nodes {
		if w.Node(d.Nodes[i].ID).Status == domain.NodeRunning {
			return false
		}
	}
	if len(d.Eligible(w)) > 0 {
		return false
	}
	return !d.Done(w)
}
