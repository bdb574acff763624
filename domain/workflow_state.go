package domain

import (
	"fmt"
	"time"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
)

// WorkflowStatus is the overall state of one workflow execution.
type WorkflowStatus string

const (
	WorkflowInitialized WorkflowStatus = "INITIALIZED"
	WorkflowRunning     WorkflowStatus = "RUNNING"
	WorkflowCompleted   WorkflowStatus = "COMPLETED"
	WorkflowFailed      WorkflowStatus = "FAILED"
	WorkflowCancelled   WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowCompleted || s == WorkflowFailed || s == WorkflowCancelled
}

// NodeStatus is the per-node execution state.
type NodeStatus string

const (
	NodePending   NodeStatus = "PENDING"
	NodeRunning   NodeStatus = "RUNNING"
	NodeCompleted NodeStatus = "COMPLETED"
	NodeFailed    NodeStatus = "FAILED"
	NodeCancelled NodeStatus = "CANCELLED"
	NodeSkipped   NodeStatus = "SKIPPED"
)

// NodeState is one node's persisted execution record.
type NodeState struct {
	Status      NodeStatus             `bson:"status" json:"status"`
	Result      map[string]interface{} `bson:"result,omitempty" json:"result,omitempty"`
	Error       string                 `bson:"error,omitempty" json:"error,omitempty"`
	StartedAt   *time.Time             `bson:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time             `bson:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// WorkflowMessage is one entry in the bounded execution log.
type WorkflowMessage struct {
	Level     string    `bson:"level" json:"level"`
	Text      string    `bson:"text" json:"text"`
	Agent     string    `bson:"agent,omitempty" json:"agent,omitempty"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// MaxWorkflowMessages bounds the per-workflow message log.
const MaxWorkflowMessages = 200

// WorkflowState is the engine-owned execution record, checkpointed after
// every node transition. Only the engine writes it; readers take snapshots
// from persistence.
type WorkflowState struct {
	ID              string                 `bson:"_id" json:"workflow_id"`
	Name            string                 `bson:"name" json:"name"`
	AssessmentID    string                 `bson:"assessment_id" json:"assessment_id"`
	Assessment      *Assessment            `bson:"assessment,omitempty" json:"assessment,omitempty"`
	Status          WorkflowStatus         `bson:"status" json:"status"`
	Nodes           map[string]*NodeState  `bson:"nodes" json:"nodes"`
	SharedData      map[string]interface{} `bson:"shared_data,omitempty" json:"shared_data,omitempty"`
	CompletedAgents []string               `bson:"completed_agents" json:"completed_agents"`
	FailedAgents    []string               `bson:"failed_agents" json:"failed_agents"`
	CurrentAgent    string                 `bson:"current_agent,omitempty" json:"current_agent,omitempty"`
	Progress        Progress               `bson:"progress" json:"progress"`
	Messages        []WorkflowMessage      `bson:"messages" json:"messages"`
	Error           string                 `bson:"error,omitempty" json:"error,omitempty"`
	StartTime       time.Time              `bson:"start_time" json:"start_time"`
	EndTime         *time.Time             `bson:"end_time,omitempty" json:"end_time,omitempty"`
	UpdatedAt       time.Time              `bson:"updated_at" json:"updated_at"`
}

// Node returns the record for a node id, creating it PENDING on first
// access.
func (w *WorkflowState) Node(id string) *NodeState {
	if w.Nodes == nil {
		w.Nodes = make(map[string]*NodeState)
	}
	ns, ok := w.Nodes[id]
	if !ok {
		ns = &NodeState{Status: NodePending}
		w.Nodes[id] = ns
	}
	return ns
}

// MarkAgentCompleted moves an agent into completed_agents, keeping the
// completed/failed sets disjoint.
func (w *WorkflowState) MarkAgentCompleted(agent string) {
	w.FailedAgents = removeString(w.FailedAgents, agent)
	if !containsString(w.CompletedAgents, agent) {
		w.CompletedAgents = append(w.CompletedAgents, agent)
	}
}

// MarkAgentFailed moves an agent into failed_agents, keeping the sets
// disjoint.
func (w *WorkflowState) MarkAgentFailed(agent string) {
	w.CompletedAgents = removeString(w.CompletedAgents, agent)
	if !containsString(w.FailedAgents, agent) {
		w.FailedAgents = append(w.FailedAgents, agent)
	}
}

// AppendMessage adds a log entry, trimming the oldest past the bound.
func (w *WorkflowState) AppendMessage(level, text, agent string, at time.Time) {
	w.Messages = append(w.Messages, WorkflowMessage{
		Level:     level,
		Text:      text,
		Agent:     agent,
		Timestamp: at,
	})
	if len(w.Messages) > MaxWorkflowMessages {
		w.Messages = w.Messages[len(w.Messages)-MaxWorkflowMessages:]
	}
}

// Validate checks structural integrity before persistence.
func (w *WorkflowState) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("workflow id is required: %w", core.ErrValidation)
	}
	if w.AssessmentID == "" {
		return fmt.Errorf("assessment id is required: %w", core.ErrValidation)
	}
	for _, agent := range w.CompletedAgents {
		if containsString(w.FailedAgents, agent) {
			return fmt.Errorf("agent %s in both completed and failed sets: %w", agent, core.ErrValidation)
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
