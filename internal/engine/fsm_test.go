package engine

import (
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xela07ax/spaceai-agent-core/internal/domain"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		from domain.InstanceState
		ev   Event
		to   domain.InstanceState
		ok   bool
	}{
		{domain.StateQueued, EventStart, domain.StateExecuting, true},
		{domain.StateQueued, EventStartPlanner, domain.StatePlanning, true},
		{domain.StatePlanning, EventPlanReady, domain.StateExecuting, true},
		{domain.StateExecuting, EventStep, domain.StateExecuting, true},
		{domain.StateExecuting, EventNoMoreTools, domain.StateSynthesizing, true},
		{domain.StateExecuting, EventStepLimit, domain.StateSynthesizing, true},
		{domain.StateSynthesizing, EventFinal, domain.StateCompleted, true},
		{domain.StatePlanning, EventCancel, domain.StateCancelled, true},
		{domain.StateExecuting, EventTimeout, domain.StateTimeout, true},
		{domain.StateSynthesizing, EventError, domain.StateFailed, true},

		{domain.StateQueued, EventFinal, domain.StateQueued, false},
		{domain.StateSynthesizing, EventStep, domain.StateSynthesizing, false},
		{domain.StateCompleted, EventCancel, domain.StateCompleted, false},
		{domain.StateCancelled, EventError, domain.StateCancelled, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			to, ok := Transition(tt.from, tt.ev)
			assert.Equal(t, tt.to, to)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

// Каждая пара (state, event) либо определена, либо no-op; результат всегда
// известное состояние, из терминального выхода нет.
func TestTransition_Total(t *testing.T) {
	for _, from := range domain.AllStates {
		for _, ev := range AllEvents {
			to, ok := Transition(from, ev)
			assert.True(t, slices.Contains(domain.AllStates, to), "%s/%s -> %q", from, ev, to)
			if !ok {
				assert.Equal(t, from, to, "no-op must keep state for %s/%s", from, ev)
			}
			if from.IsTerminal() {
				assert.False(t, ok, "terminal %s must absorb %s", from, ev)
			}
		}
	}
}

func TestStartEvent(t *testing.T) {
	assert.Equal(t, EventStartPlanner, StartEvent(domain.ModePlanner))
	assert.Equal(t, EventStart, StartEvent(domain.ModeMultiStep))
	assert.Equal(t, EventStart, StartEvent(domain.ModeSingle))
}
