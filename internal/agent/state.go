package agent

import "time"

// State is a node of a pipeline's state graph.
type State string

const (
	StatePlanning     State = "Planning"
	StateGenerating   State = "Generating"
	StateExecuting    State = "Executing"
	StateReviewing    State = "Reviewing"
	StateRetrying     State = "Retrying"
	StateHearing      State = "Hearing"
	StateSearching    State = "Searching"
	StateAnalyzing    State = "Analyzing"
	StateSynthesizing State = "Synthesizing"
	StateReporting    State = "Reporting"
	StateCompleted    State = "Completed"
	StateEscalated    State = "Escalated"
	StateFailed       State = "Failed"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateEscalated, StateFailed:
		return true
	}
	return false
}

// Transition is one edge taken during a run.
type Transition struct {
	ThreadID string    `json:"thread_id,omitempty"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}
