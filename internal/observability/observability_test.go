package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
}

func (s *memorySink) Record(evt Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func TestLoggerScopesEvents(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, "")
	sink := &memorySink{}
	logger.SetSink(sink)

	scoped := logger.With("p1", "t1")
	scoped.LogVerdict("iterate", 2, "retry", "KeyError: col_x")

	var evt Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &evt))
	assert.Equal(t, EventTypeVerdict, evt.Type)
	assert.Equal(t, "p1", evt.ProcessID)
	assert.Equal(t, "t1", evt.ThreadID)

	require.Len(t, sink.events, 1)
	assert.Equal(t, "t1", sink.events[0].ThreadID)
}

func TestLoggerWritesLLMFile(t *testing.T) {
	path := t.TempDir() + "/logs/llm.jsonl"
	logger := NewLoggerTo(&bytes.Buffer{}, path)
	logger.LogLLM("prompt", "response")
	logger.LogError("plan", errors.New("ignored by llm file"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "\n"))
	assert.Contains(t, string(data), `"response"`)
}

func TestMetricsCountAndTolerateReRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)
	again := MustNewMetrics(reg)

	m.IncAttempt("iterate")
	again.IncAttempt("iterate")
	m.IncVerdict("iterate", "retry")
	m.IncOutcome("analysis", "completed")
	m.AddItems("analyze", "failure", 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.attempts.WithLabelValues("iterate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.verdicts.WithLabelValues("iterate", "retry")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.items.WithLabelValues("analyze", "failure")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.IncAttempt("x") })
}

func TestStatusBoard(t *testing.T) {
	board := NewStatusBoard()
	board.Set("p1", "research", "Searching", "papers on agents")
	time.Sleep(time.Millisecond)
	board.Set("p2", "analysis", "Planning", "summarize dataset")
	board.Set("p1", "research", "Analyzing", "")

	runs := board.Snapshot()
	require.Len(t, runs, 2)
	assert.Equal(t, "p1", runs[0].ProcessID)
	assert.Equal(t, "Analyzing", runs[0].State)
	assert.Equal(t, "papers on agents", runs[0].Goal)

	line := StatusLine(board, 1, 120)
	assert.Contains(t, line, "research:Analyzing")
	assert.Contains(t, line, "(+1)")

	board.Done("p1")
	board.Done("p2")
	assert.Contains(t, StatusLine(board, 0, 120), "idle")
}

func TestNoopTracer(t *testing.T) {
	tracer := NoopTracer()
	_, span := tracer.Start(t.Context(), "step")
	End(span, errors.New("boom"))
	assert.NoError(t, tracer.Shutdown(t.Context()))
}
