package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/record"
)

func openTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	first, err := record.New("proc-1", "summarize sales")
	require.NoError(t, err)
	second, err := record.New("proc-1", "summarize sales")
	require.NoError(t, err)
	second.CreatedAt = first.CreatedAt.Add(time.Second)

	require.NoError(t, s.SaveRecord(ctx, second, "Failed"))
	require.NoError(t, s.SaveRecord(ctx, first, "Generating"))

	first.Attempt = 1
	first.Stdout = "total: 42"
	first.Results = append(first.Results, first.Snapshot("accept"))
	first.IsCompleted = true
	require.NoError(t, s.SaveRecord(ctx, first, "Completed"))

	got, err := s.Records(ctx, "proc-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, first.ThreadID, got[0].Record.ThreadID)
	assert.Equal(t, "Completed", got[0].State)
	assert.True(t, got[0].Record.IsCompleted)
	assert.Equal(t, "total: 42", got[0].Record.Stdout)
	assert.Equal(t, "Failed", got[1].State)
}

func TestSaveRecordRejectsIllegalTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	rec, err := record.New("proc-1", "original")
	require.NoError(t, err)
	require.NoError(t, s.SaveRecord(ctx, rec, "Planning"))

	changed := rec.Clone()
	changed.UserRequest = "rewritten"
	assert.ErrorIs(t, s.SaveRecord(ctx, changed, "Planning"), record.ErrRequestChanged)
}

func TestRecordsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Records(t.Context(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunEventLog(t *testing.T) {
	s := openTestStore(t)
	logger := observability.NewLoggerTo(&discard{}, "")
	logger.SetSink(s)

	scoped := logger.With("proc-9", "thread-1")
	scoped.LogState("analysis", "Planning", "Generating")
	scoped.LogVerdict("iterate", 1, "retry", "KeyError: col_x")

	events, err := s.Events(t.Context(), "proc-9")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, observability.EventTypeState, events[0].Type)
	assert.Equal(t, "thread-1", events[1].ThreadID)
	data, ok := events[1].Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "KeyError: col_x", data["reason"])
}

func TestQueueLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	_, err := s.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	id1, err := s.Enqueue(ctx, "chat-1", KindResearch, "papers on agents")
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, "chat-2", KindAnalysis, "sales summary")
	require.NoError(t, err)

	run, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id1, run.ID)
	assert.Equal(t, StatusRunning, run.Status)
	assert.Equal(t, "papers on agents", run.Goal)

	require.NoError(t, s.Finish(ctx, run.ID, StatusDone, "proc-1", "ok"))
	assert.ErrorIs(t, s.Finish(ctx, 999, StatusDone, "", ""), ErrNotFound)

	next, err := s.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindAnalysis, next.Kind)

	n, err := s.RequeueRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := s.RecentRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, StatusQueued, runs[0].Status)
	assert.Equal(t, StatusDone, runs[1].Status)
	assert.Equal(t, "proc-1", runs[1].ProcessID)

	require.NoError(t, s.ClearQueued(ctx, "chat-2"))
	_, err = s.ClaimNext(ctx)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArtifactsAreWriteOnce(t *testing.T) {
	store, err := NewFileArtifactStore(t.TempDir())
	require.NoError(t, err)
	ctx := t.Context()

	loc, err := store.Put(ctx, "proc-1", "report.md", []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(store.Root, "proc-1", "report.md"), loc)

	_, err = store.Put(ctx, "proc-1", "report.md", []byte("second"))
	assert.True(t, errors.Is(err, ErrArtifactExists))

	data, err := store.Get(ctx, "proc-1", "report.md")
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	_, err = store.Put(ctx, "proc-2", "report.md", []byte("other run"))
	assert.NoError(t, err)
}

func TestArtifactPathSafety(t *testing.T) {
	store, err := NewFileArtifactStore(t.TempDir())
	require.NoError(t, err)
	ctx := t.Context()

	for _, name := range []string{"../escape.txt", "../../etc/passwd", ""} {
		_, err := store.Put(ctx, "proc-1", name, []byte("x"))
		assert.Error(t, err, name)
	}
	_, err = store.Put(ctx, "..", "x.txt", []byte("x"))
	assert.Error(t, err)

	_, err = store.Get(ctx, "proc-1", "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
