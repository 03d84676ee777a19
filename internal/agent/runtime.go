package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/sandbox"
	"github.com/rahul/relay/internal/store"
)

const (
	DefaultMaxIterations  = 3
	DefaultMaxConcurrency = 1
	DefaultCallTimeout    = 60 * time.Second
	DefaultRunTimeout     = 30 * time.Minute
)

// Limits bound a run.
type Limits struct {
	MaxIterations  int
	MaxConcurrency int
	MaxReplans     int
	CallTimeout    time.Duration
	RunTimeout     time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxIterations:  DefaultMaxIterations,
		MaxConcurrency: DefaultMaxConcurrency,
		CallTimeout:    DefaultCallTimeout,
		RunTimeout:     DefaultRunTimeout,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxIterations <= 0 {
		l.MaxIterations = d.MaxIterations
	}
	if l.MaxConcurrency <= 0 {
		l.MaxConcurrency = d.MaxConcurrency
	}
	if l.MaxReplans < 0 {
		l.MaxReplans = 0
	}
	if l.CallTimeout <= 0 {
		l.CallTimeout = d.CallTimeout
	}
	if l.RunTimeout <= 0 {
		l.RunTimeout = d.RunTimeout
	}
	return l
}

// Deps are the ambient collaborators shared by every run of a pipeline. Any
// of them may be left nil.
type Deps struct {
	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Status    *observability.StatusBoard
	Artifacts store.ArtifactStore
	Records   store.RecordStore
	Limits    Limits
}

// RunContext is scoped to one run (or one thread of it) and handed to every
// step and evaluator call.
type RunContext struct {
	ProcessID string
	ThreadID  string
	Pipeline  string
	Goal      string

	Logger    *observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Status    *observability.StatusBoard
	Artifacts store.ArtifactStore
	Limits    Limits

	// Uploads are the input files handed to sandboxed code.
	Uploads []sandbox.Upload

	trace *traceLog
	state State
}

type traceLog struct {
	mu      sync.Mutex
	entries []Transition
}

func NewRunContext(deps Deps, processID, pipeline, goal string) *RunContext {
	return &RunContext{
		ProcessID: processID,
		Pipeline:  pipeline,
		Goal:      goal,
		Logger:    observability.OrNop(deps.Logger).With(processID, ""),
		Metrics:   deps.Metrics,
		Tracer:    deps.Tracer,
		Status:    deps.Status,
		Artifacts: deps.Artifacts,
		Limits:    deps.Limits.withDefaults(),
		trace:     &traceLog{},
	}
}

// ForThread returns a copy scoped to one thread. The trace is shared.
func (rc *RunContext) ForThread(threadID string) *RunContext {
	scoped := *rc
	scoped.ThreadID = threadID
	scoped.Logger = rc.Logger.With(rc.ProcessID, threadID)
	scoped.state = ""
	return &scoped
}

// State is the current state of this scope.
func (rc *RunContext) State() State {
	return rc.state
}

// Enter records a transition out of the current state.
func (rc *RunContext) Enter(to State, reason string) {
	from := rc.state
	rc.state = to
	rc.trace.mu.Lock()
	rc.trace.entries = append(rc.trace.entries, Transition{
		ThreadID: rc.ThreadID,
		From:     from,
		To:       to,
		Reason:   reason,
		At:       time.Now(),
	})
	rc.trace.mu.Unlock()
	rc.Logger.LogState(rc.Pipeline, string(from), string(to))
	if rc.ThreadID == "" {
		rc.Status.Set(rc.ProcessID, rc.Pipeline, string(to), rc.Goal)
	}
}

// Trace returns every transition recorded so far.
func (rc *RunContext) Trace() []Transition {
	rc.trace.mu.Lock()
	defer rc.trace.mu.Unlock()
	return append([]Transition(nil), rc.trace.entries...)
}

// SaveArtifact stores data under name for this run. It returns an empty
// location when no artifact store is configured.
func (rc *RunContext) SaveArtifact(ctx context.Context, name string, data []byte) (string, error) {
	if rc.Artifacts == nil {
		return "", nil
	}
	return rc.Artifacts.Put(ctx, rc.ProcessID, name, data)
}

// callContext bounds one collaborator call.
func (rc *RunContext) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, rc.Limits.CallTimeout)
}
