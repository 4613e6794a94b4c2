package search

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine("s1", nil)
	assert.Equal(t, StateCreated, m.Current())

	path := []State{
		StateValidating, StateFetching, StateFiltering, StateEnriching,
		StateGenerating, StatePersisting, StateCompleted,
	}
	for _, next := range path {
		require.NoError(t, m.TransitionTo(next, "stage", nil))
		assert.Equal(t, next, m.Current())
	}

	history := m.History()
	require.Len(t, history, len(path))
	assert.Equal(t, StateCreated, history[0].From)
	assert.Equal(t, StateCompleted, history[len(history)-1].To)
}

func TestMachineInvalidTransition(t *testing.T) {
	tests := []struct {
		name string
		from []State // path to walk before the invalid attempt
		to   State
	}{
		{"created to completed", nil, StateCompleted},
		{"created to fetching", nil, StateFetching},
		{"validating to filtering", []State{StateValidating}, StateFiltering},
		{"skip enriching", []State{StateValidating, StateFetching, StateFiltering}, StateGenerating},
		{"backwards", []State{StateValidating, StateFetching}, StateValidating},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("s1", nil)
			for _, s := range tt.from {
				require.NoError(t, m.TransitionTo(s, "setup", nil))
			}
			before := m.Current()

			err := m.TransitionTo(tt.to, "stage", nil)
			require.Error(t, err)
			var invalid *ErrInvalidTransition
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, before, invalid.From)
			assert.Equal(t, tt.to, invalid.To)

			// State and history are untouched.
			assert.Equal(t, before, m.Current())
			assert.Len(t, m.History(), len(tt.from))
		})
	}
}

func TestMachineTerminalStatesHaveNoExit(t *testing.T) {
	terminals := []struct {
		name string
		path []State
	}{
		{"completed", []State{StateValidating, StateFetching, StateFiltering, StateEnriching, StateGenerating, StatePersisting, StateCompleted}},
		{"failed", []State{StateFailed}},
		{"rate limited", []State{StateValidating, StateRateLimited}},
		{"timed out", []State{StateValidating, StateFetching, StateTimedOut}},
	}
	for _, tt := range terminals {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine("s1", nil)
			for _, s := range tt.path {
				require.NoError(t, m.TransitionTo(s, "setup", nil))
			}
			assert.True(t, m.Current().Terminal())
			assert.Error(t, m.TransitionTo(StateValidating, "stage", nil))
			assert.Error(t, m.TransitionTo(StateFailed, "stage", nil))
		})
	}
}

func TestMachineObserver(t *testing.T) {
	var observed []State
	m := NewMachine("s1", func(s State, d time.Duration) {
		observed = append(observed, s)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	})

	require.NoError(t, m.TransitionTo(StateValidating, "validate", nil))
	require.NoError(t, m.TransitionTo(StateFetching, "fetch", nil))

	// The observer sees each state as it is left, not entered.
	assert.Equal(t, []State{StateCreated, StateValidating}, observed)
}

func TestStateTerminal(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateRateLimited.Terminal())
	assert.True(t, StateTimedOut.Terminal())
	assert.False(t, StateCreated.Terminal())
	assert.False(t, StateFetching.Terminal())
}
