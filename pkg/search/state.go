// Package search holds the search lifecycle: the state machine, the
// progress tracker, and the seven-stage pipeline.
package search

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is one node of the search lifecycle DAG.
type State string

// Search lifecycle states.
const (
	StateCreated     State = "CREATED"
	StateValidating  State = "VALIDATING"
	StateFetching    State = "FETCHING"
	StateFiltering   State = "FILTERING"
	StateEnriching   State = "ENRICHING"
	StateGenerating  State = "GENERATING"
	StatePersisting  State = "PERSISTING"
	StateCompleted   State = "COMPLETED"
	StateFailed      State = "FAILED"
	StateRateLimited State = "RATE_LIMITED"
	StateTimedOut    State = "TIMED_OUT"
)

// allowedTransitions is the lifecycle DAG. Terminal states have no
// outgoing edges.
var allowedTransitions = map[State][]State{
	StateCreated:    {StateValidating, StateFailed},
	StateValidating: {StateFetching, StateFailed, StateRateLimited},
	StateFetching:   {StateFiltering, StateFailed, StateTimedOut},
	StateFiltering:  {StateEnriching, StateFailed},
	StateEnriching:  {StateGenerating, StateFailed},
	StateGenerating: {StatePersisting, StateFailed},
	StatePersisting: {StateCompleted, StateFailed},
}

// Terminal reports whether s has no outgoing transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRateLimited, StateTimedOut:
		return true
	}
	return false
}

// Transition is one recorded state change.
type Transition struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Stage     string         `json:"stage"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// ErrInvalidTransition is returned when a transition is not in the DAG.
// An attempted invalid transition indicates a pipeline bug, not a normal
// failure: state is left unchanged and one CRITICAL record is logged.
type ErrInvalidTransition struct {
	From, To State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid search state transition %s -> %s", e.From, e.To)
}

// StateDurationObserver receives the time spent in each state as it is
// left. Wired to a Prometheus histogram in pkg/metrics.
type StateDurationObserver func(state State, d time.Duration)

// Machine is the per-search state machine. One instance per search.
type Machine struct {
	searchID string
	observer StateDurationObserver

	mu          sync.Mutex
	current     State
	enteredAt   time.Time
	transitions []Transition
}

// NewMachine starts a machine in CREATED.
func NewMachine(searchID string, observer StateDurationObserver) *Machine {
	return &Machine{
		searchID:  searchID,
		observer:  observer,
		current:   StateCreated,
		enteredAt: time.Now(),
	}
}

// Current returns the present state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// TransitionTo validates and applies a state change. Invalid transitions
// leave state untouched, log one CRITICAL record, and return the error.
func (m *Machine) TransitionTo(to State, stage string, details map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !transitionAllowed(m.current, to) {
		err := &ErrInvalidTransition{From: m.current, To: to}
		slog.Error("CRITICAL: illegal search state transition attempted",
			"severity", "critical",
			"search_id", m.searchID,
			"from", m.current,
			"to", to,
			"stage", stage)
		return err
	}

	now := time.Now()
	if m.observer != nil {
		m.observer(m.current, now.Sub(m.enteredAt))
	}
	m.transitions = append(m.transitions, Transition{
		From:      m.current,
		To:        to,
		Stage:     stage,
		Details:   details,
		Timestamp: now,
	})
	m.current = to
	m.enteredAt = now
	return nil
}

// History returns a copy of the recorded transitions.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.transitions))
	copy(out, m.transitions)
	return out
}

func transitionAllowed(from, to State) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
