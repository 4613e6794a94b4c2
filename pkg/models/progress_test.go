package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProgressEventTerminal(t *testing.T) {
	tests := []struct {
		name     string
		ev       ProgressEvent
		expected bool
	}{
		{"complete at 100", ProgressEvent{Stage: StageComplete, Progress: 100}, true},
		{"complete below 100 is not terminal", ProgressEvent{Stage: StageComplete, Progress: 90}, false},
		{"error", ProgressEvent{Stage: StageError, Progress: -1}, true},
		{"fetching", ProgressEvent{Stage: StageFetching, Progress: 30}, false},
		{"heartbeat", ProgressEvent{Stage: StageHeartbeat, Progress: 0}, false},
		{"llm ready", ProgressEvent{Stage: StageLLMReady, Progress: 100}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.ev.Terminal())
		})
	}
}

func TestNewProgressEvent(t *testing.T) {
	ev := NewProgressEvent(StageFetching, 30, "consultando fontes", map[string]any{"sources": 2})
	assert.Equal(t, StageFetching, ev.Stage)
	assert.Equal(t, 30, ev.Progress)
	assert.Equal(t, "consultando fontes", ev.Message)
	assert.Equal(t, 2, ev.Detail["sources"])
	assert.False(t, ev.Timestamp.IsZero())
}
