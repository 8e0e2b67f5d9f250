package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPlanIndexesSteps(t *testing.T) {
	plan := NewPlan("conv-1", "task", "summary", []PlanStep{
		{Title: "first"},
		{Title: "second"},
		{Title: "third"},
	})
	assert.Equal(t, PlanInitializing, plan.State)
	for i, step := range plan.Steps {
		assert.Equal(t, i, step.Index)
	}
}

func TestPlanStore_PutRejectsLivePlan(t *testing.T) {
	s := NewPlanStore()
	first := NewPlan("conv-1", "task", "s", []PlanStep{{Title: "a"}})
	require.NoError(t, s.Put(first))

	second := NewPlan("conv-1", "other", "s", []PlanStep{{Title: "b"}})
	assert.ErrorIs(t, s.Put(second), ErrPlanExists)

	// A retired plan clears the way.
	s.SetState("conv-1", PlanDone)
	assert.NoError(t, s.Put(second))
}

func TestPlanStore_ReplaceDiscardsLivePlan(t *testing.T) {
	s := NewPlanStore()
	first := NewPlan("conv-1", "task", "s", []PlanStep{{Title: "a"}})
	require.NoError(t, s.Put(first))

	second := NewPlan("conv-1", "task", "s2", []PlanStep{{Title: "b"}})
	s.Replace(second)

	got, ok := s.Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestInfoStore_Live(t *testing.T) {
	s := NewInfoStore()
	def := Definition{ID: "def-1", Name: "worker"}

	_, ok := s.Live("conv-1", "def-1")
	assert.False(t, ok)

	info := NewInfo(def, "conv-1", "")
	s.Put(info)

	got, ok := s.Live("conv-1", "def-1")
	require.True(t, ok)
	assert.Equal(t, info.InstanceID, got.InstanceID)

	// DONE instances are never picked up again.
	s.SetState(info.InstanceID, StateDone)
	_, ok = s.Live("conv-1", "def-1")
	assert.False(t, ok)
}

func TestInfoWireFormat(t *testing.T) {
	def := Definition{ID: "def-1", Name: "worker", CapabilityTags: []string{"search"}}
	info := NewInfo(def, "conv-1", "seg-1")
	assert.Equal(t, StateInit, info.State)
	assert.Equal(t, "conv-1", info.ConversationID)
	assert.Equal(t, "seg-1", info.DialogSegmentID)
	assert.NotEmpty(t, info.InstanceID)
}
