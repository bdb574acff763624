// Package events is the distributed pub/sub bus: every instance publishes
// to Redis channels and dispatches locally from its own subscription, so
// subscribers see each event exactly once per instance.
package events

import (
	"time"
)

// EventType names one kind of event on the bus.
type EventType string

// Workflow and agent lifecycle events.
const (
	AgentStarted            EventType = "AGENT_STARTED"
	AgentCompleted          EventType = "AGENT_COMPLETED"
	AgentFailed             EventType = "AGENT_FAILED"
	WorkflowStarted         EventType = "WORKFLOW_STARTED"
	WorkflowCompleted       EventType = "WORKFLOW_COMPLETED"
	WorkflowFailed          EventType = "WORKFLOW_FAILED"
	DataUpdated             EventType = "DATA_UPDATED"
	UserInputReceived       EventType = "USER_INPUT_RECEIVED"
	RecommendationGenerated EventType = "RECOMMENDATION_GENERATED"
	ReportGenerated         EventType = "REPORT_GENERATED"
)

// Transport events consumed by the progress gateway.
const (
	Notification     EventType = "NOTIFICATION"
	Alert            EventType = "ALERT"
	UserJoined       EventType = "USER_JOINED"
	UserLeft         EventType = "USER_LEFT"
	CursorUpdate     EventType = "CURSOR_UPDATE"
	FormUpdate       EventType = "FORM_UPDATE"
	Heartbeat        EventType = "HEARTBEAT"
	ErrorEvent       EventType = "ERROR"
	MetricsUpdate    EventType = "METRICS_UPDATE"
	WorkflowProgress EventType = "WORKFLOW_PROGRESS"
	AgentStatus      EventType = "AGENT_STATUS"
	StepCompleted    EventType = "STEP_COMPLETED"
)

// AllTypes lists every event type on the bus.
func AllTypes() []EventType {
	return []EventType{
		AgentStarted, AgentCompleted, AgentFailed,
		WorkflowStarted, WorkflowCompleted, WorkflowFailed,
		DataUpdated, UserInputReceived, RecommendationGenerated, ReportGenerated,
		Notification, Alert, UserJoined, UserLeft,
		CursorUpdate, FormUpdate, Heartbeat, ErrorEvent,
		MetricsUpdate, WorkflowProgress, AgentStatus, StepCompleted,
	}
}

// Event is one immutable record on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// WorkflowID returns the workflow id from metadata, if present.
func (e Event) WorkflowID() string {
	if e.Metadata == nil {
		return ""
	}
	if id, ok := e.Metadata["workflow_id"].(string); ok {
		return id
	}
	return ""
}

// RoomID returns the gateway room id from metadata, if present.
func (e Event) RoomID() string {
	if e.Metadata == nil {
		return ""
	}
	if id, ok := e.Metadata["room_id"].(string); ok {
		return id
	}
	return ""
}
