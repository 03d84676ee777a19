package agent

import (
	"context"
	"io"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/relay/internal/llm"
	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/record"
)

func testDeps(t *testing.T, limits Limits) Deps {
	t.Helper()
	return Deps{
		Logger:  observability.NewLoggerTo(io.Discard, ""),
		Metrics: observability.MustNewMetrics(prometheus.NewRegistry()),
		Tracer:  observability.NoopTracer(),
		Status:  observability.NewStatusBoard(),
		Limits:  limits,
	}
}

func testRC(t *testing.T, maxIterations int) *RunContext {
	t.Helper()
	rc := NewRunContext(testDeps(t, Limits{MaxIterations: maxIterations}), "proc-test", "test", "goal")
	return rc.ForThread("thread-test")
}

func newRecord(t *testing.T, goal string) *record.Record {
	t.Helper()
	rec, err := record.New("proc-test", goal)
	require.NoError(t, err)
	return rec
}

// client wraps a langchaingo model without collaborator retries.
func client(model llms.Model) llm.Provider {
	return llm.NewClient(model, llm.Options{Logger: observability.Nop()})
}

// stepRecorder is a StepFunc that remembers every input it saw.
type stepRecorder struct {
	mu     sync.Mutex
	inputs []*record.Record
	fn     func(call int, rec *record.Record) (*record.Record, error)
}

func (s *stepRecorder) step(name string) Step {
	return NewStep(name, func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error) {
		s.mu.Lock()
		s.inputs = append(s.inputs, rec.Clone())
		call := len(s.inputs)
		s.mu.Unlock()
		return s.fn(call, rec)
	})
}

func (s *stepRecorder) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func alwaysRetry(reason string) Evaluator {
	return EvaluatorFunc(func(context.Context, *RunContext, string, *record.Record, []record.Result) (Verdict, error) {
		return Retry(reason), nil
	})
}
