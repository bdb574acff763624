package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/core"
	"github.com/liteshperumalla/Powering-AI-Infrastructure-at-Scale-sub008/domain"
)

func TestDefinitionRejectsCycle(t *testing.T) {
	_, err := NewDefinition("cyclic", []Node{
		{ID: "entry", Type: NodeAgent, Operation: "research"},
		{ID: "a", Type: NodeAgent, Operation: "cto", Dependencies: []string{"entry", "b"}},
		{ID: "b", Type: NodeSynthesis, Dependencies: []string{"a"}},
	})
	require.ErrorIs(t, err, core.ErrValidation)
	require.Contains(t, err.Error(), "cycle")
}

func TestDefinitionRejectsDuplicateAndUnknown(t *testing.T) {
	_, err := NewDefinition("dup", []Node{
		{ID: "a", Type: NodeAgent, Operation: "cto"},
		{ID: "a", Type: NodeAgent, Operation: "cto"},
	})
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = NewDefinition("unknown-dep", []Node{
		{ID: "a", Type: NodeAgent, Operation: "cto", Dependencies: []string{"ghost"}},
	})
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = NewDefinition("self", []Node{
		{ID: "a", Type: NodeAgent, Operation: "cto", Dependencies: []string{"a"}},
	})
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = NewDefinition("bad-type", []Node{
		{ID: "a", Type: NodeType("MYSTERY"), Operation: "cto"},
	})
	require.ErrorIs(t, err, core.ErrValidation)

	_, err = NewDefinition("empty", nil)
	require.ErrorIs(t, err, core.ErrValidation)
}

func TestEligibleRespectsDependencies(t *testing.T) {
	def, err := NewDefinition("deps", []Node{
		{ID: "agent_a", Type: NodeAgent, Operation: "cloud_engineer"},
		{ID: "agent_b", Type: NodeAgent, Operation: "compliance_agent"},
		{ID: "synth", Type: NodeSynthesis, Dependencies: []string{"agent_a", "agent_b"}},
	})
	require.NoError(t, err)

	w := &domain.WorkflowState{ID: "w1"}
	eligible := def.Eligible(w)
	require.Len(t, eligible, 2)

	w.Node("agent_a").Status = domain.NodeCompleted
	eligible = def.Eligible(w)
	require.Len(t, eligible, 1)
	require.Equal(t, "agent_b", eligible[0].ID)

	// A failed agent dependency still releases the synthesis node: its
	// fallback result stands in for the real one.
	w.Node("agent_b").Status = domain.NodeFailed
	eligible = def.Eligible(w)
	require.Len(t, eligible, 1)
	require.Equal(t, "synth", eligible[0].ID)
}

func TestFailedServiceDependencyBlocks(t *testing.T) {
	def, err := NewDefinition("blocked", []Node{
		{ID: "report", Type: NodeProfessionalService, Operation: "report_generator"},
		{ID: "validate", Type: NodeValidation, Dependencies: []string{"report"}},
	})
	require.NoError(t, err)

	w := &domain.WorkflowState{ID: "w1"}
	w.Node("report").Status = domain.NodeFailed

	require.Empty(t, def.Eligible(w))
	require.False(t, def.Done(w))
	require.True(t, def.Stuck(w))
}

func TestSkippedDependencySatisfies(t *testing.T) {
	def, err := NewDefinition("skip", []Node{
		{ID: "decide", Type: NodeDecision, Operation: "route"},
		{ID: "branch", Type: NodeProfessionalService, Operation: "cost_model", Dependencies: []string{"decide"}},
		{ID: "merge", Type: NodeSynthesis, Dependencies: []string{"branch"}},
	})
	require.NoError(t, err)

	w := &domain.WorkflowState{ID: "w1"}
	w.Node("decide").Status = domain.NodeCompleted
	w.Node("branch").Status = domain.NodeSkipped

	eligible := def.Eligible(w)
	require.Len(t, eligible, 1)
	require.Equal(t, "merge", eligible[0].ID)
}

func TestNodeCriticalDefaults(t *testing.T) {
	agent := &Node{ID: "a", Type: NodeAgent}
	service := &Node{ID: "s", Type: NodeProfessionalService}
	overridden := &Node{ID: "o", Type: NodeAgent, Config: map[string]interface{}{"critical": true}}

	require.False(t, agent.Critical())
	require.True(t, service.Critical())
	require.True(t, overridden.Critical())
}
