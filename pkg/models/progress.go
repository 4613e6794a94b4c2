package models

import "time"

// ProgressEvent is one frame on a search's progress stream.
// Progress -1 signals an error; progress 100 with stage "complete" is the
// terminal success frame. Events are append-only per search.
type ProgressEvent struct {
	Stage     string         `json:"stage"`
	Progress  int            `json:"progress"` // -1..100
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Well-known progress stages. The SSE consumer treats StageComplete and
// StageError as terminal; everything else is informational.
const (
	StageValidating = "validating"
	StageFetching   = "fetching"
	StageFiltering  = "filtering"
	StageEnriching  = "enriching"
	StageGenerating = "generating"
	StagePersisting = "persisting"
	StageComplete   = "complete"
	StageError      = "error"
	StageHeartbeat  = "heartbeat"

	// Emitted when a stale-while-revalidate refresh found newer data, and
	// when background jobs publish their results.
	StageRefreshAvailable = "refresh_available"
	StageLLMReady         = "llm_ready"
	StageExcelReady       = "excel_ready"
)

// NewProgressEvent builds a stamped event.
func NewProgressEvent(stage string, progress int, message string, detail map[string]any) ProgressEvent {
	return ProgressEvent{
		Stage:     stage,
		Progress:  progress,
		Message:   message,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
}

// Terminal reports whether the event closes the stream.
func (e ProgressEvent) Terminal() bool {
	return (e.Stage == StageComplete && e.Progress == 100) || e.Stage == StageError
}
