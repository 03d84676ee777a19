package observability

import (
	"sort"
	"sync"
	"time"
)

// RunStatus is the live view of one in-flight run.
type RunStatus struct {
	ProcessID string
	Pipeline  string
	State     string
	Goal      string
	StartedAt time.Time
}

// StatusBoard tracks active runs for the terminal dashboard and chat /status.
type StatusBoard struct {
	mu            sync.RWMutex
	runs          map[string]RunStatus
	lastHeartbeat time.Time
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		runs:          make(map[string]RunStatus),
		lastHeartbeat: time.Now(),
	}
}

// Set records the current state of a run.
func (b *StatusBoard) Set(processID, pipeline, state, goal string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.runs[processID]
	if !ok {
		st = RunStatus{ProcessID: processID, StartedAt: time.Now()}
	}
	st.Pipeline = pipeline
	st.State = state
	if goal != "" {
		st.Goal = goal
	}
	b.runs[processID] = st
}

// Done removes a finished run.
func (b *StatusBoard) Done(processID string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.runs, processID)
}

// Snapshot returns the active runs, oldest first.
func (b *StatusBoard) Snapshot() []RunStatus {
	if b == nil {
		return nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]RunStatus, 0, len(b.runs))
	for _, st := range b.runs {
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Heartbeat updates the last heartbeat time.
func (b *StatusBoard) Heartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastHeartbeat = time.Now()
}

// LastHeartbeat returns when Heartbeat was last called.
func (b *StatusBoard) LastHeartbeat() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastHeartbeat
}
