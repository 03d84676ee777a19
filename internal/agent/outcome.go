package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/record"
)

// ThreadOutcome is the terminal state of one thread.
type ThreadOutcome struct {
	Record   *record.Record
	State    State
	Reason   string
	Attempts int
	Err      error
}

// Outcome is what a pipeline run returns. Failed and escalated runs still
// carry every record they produced.
type Outcome struct {
	ProcessID string
	Pipeline  string
	State     State
	Reason    string
	Err       error
	// Question is set when the run escalated.
	Question string

	// Record is the run-level record of a research run.
	Record     *record.Record
	Threads    []ThreadOutcome
	Superseded []ThreadOutcome

	Plan     *record.Plan
	Research *ResearchState

	Report     string
	ReportPath string
	Trace      []Transition
}

// Records returns the run record followed by every live thread record.
func (o *Outcome) Records() []*record.Record {
	var out []*record.Record
	if o.Record != nil {
		out = append(out, o.Record)
	}
	for _, t := range o.Threads {
		if t.Record != nil {
			out = append(out, t.Record)
		}
	}
	return out
}

// Kind classifies the run's terminal error.
func (o *Outcome) Kind() errs.Kind {
	return errs.Classify(o.Err)
}

// Summary renders the outcome as a short message for a chat or terminal.
func (o *Outcome) Summary() string {
	var b strings.Builder
	switch o.State {
	case StateCompleted:
		fmt.Fprintf(&b, "✅ %s run %s completed.\n", o.Pipeline, short(o.ProcessID))
	case StateEscalated:
		fmt.Fprintf(&b, "❓ I need more detail before continuing: %s\n", o.Question)
		return b.String()
	default:
		fmt.Fprintf(&b, "❌ %s run %s failed: %s\n", o.Pipeline, short(o.ProcessID), o.Reason)
	}
	if o.Report != "" {
		b.WriteString("\n")
		b.WriteString(o.Report)
	}
	if o.ReportPath != "" {
		fmt.Fprintf(&b, "\n\nReport saved to %s", o.ReportPath)
	}
	return strings.TrimSpace(b.String())
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// finishRun records metrics, clears the status board and persists records.
func finishRun(ctx context.Context, rc *RunContext, deps Deps, o *Outcome, persist bool) {
	o.Trace = rc.Trace()
	rc.Metrics.IncOutcome(o.Pipeline, string(o.State))
	rc.Metrics.RunFinished()
	rc.Status.Done(o.ProcessID)
	if !persist || deps.Records == nil {
		return
	}
	// persistence outlives a cancelled run
	ctx = context.WithoutCancel(ctx)
	if o.Record != nil {
		if err := deps.Records.SaveRecord(ctx, o.Record, string(o.State)); err != nil {
			rc.Logger.LogError("persist", err)
		}
	}
	for _, t := range append(append([]ThreadOutcome(nil), o.Threads...), o.Superseded...) {
		if t.Record == nil {
			continue
		}
		if err := deps.Records.SaveRecord(ctx, t.Record, string(t.State)); err != nil {
			rc.Logger.LogError("persist", err)
		}
	}
}
