package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/record"
)

func TestController_AcceptsFirstAttempt(t *testing.T) {
	s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
		rec.Code = "print(df.describe())"
		rec.Stdout = "rows: 120, mean revenue: 4.2"
		return rec, nil
	}}
	ctrl := &Controller{Evaluator: RuleEvaluator{}}

	att, err := ctrl.Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "summarize dataset"))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, att.State)
	assert.Equal(t, 1, att.Count)
	assert.NoError(t, att.Err)
	assert.True(t, att.Record.IsCompleted)
	assert.Empty(t, att.Record.Error)
	require.Len(t, att.Record.Results, 1)
	assert.Equal(t, "accept", att.Record.Results[0].Verdict)
	assert.NoError(t, att.Record.Validate())
}

func TestController_ExecutionErrorThenSuccess(t *testing.T) {
	s := &stepRecorder{fn: func(call int, rec *record.Record) (*record.Record, error) {
		if call == 1 {
			rec.Code = "df['col_x']"
			return rec, &errs.ExecutionError{Diagnostic: "KeyError: col_x", Stderr: "Traceback...\nKeyError: col_x"}
		}
		rec.Code = "df['col_y']"
		rec.Stdout = "col_y mean: 3.1"
		rec.ClearDiagnostics()
		return rec, nil
	}}
	ctrl := &Controller{Evaluator: RuleEvaluator{}}

	att, err := ctrl.Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "summarize dataset"))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, att.State)
	assert.Equal(t, 2, att.Count)
	require.Len(t, att.Record.Results, 2)
	assert.Equal(t, "KeyError: col_x", att.Record.Results[0].Error)
	assert.Equal(t, "retry", att.Record.Results[0].Verdict)
	assert.Equal(t, "accept", att.Record.Results[1].Verdict)
	assert.Empty(t, att.Record.Error)
	assert.True(t, att.Record.IsCompleted)

	// the second attempt saw the first one's diagnostic
	second := s.inputs[1]
	assert.Equal(t, "KeyError: col_x", second.Error)
	assert.Contains(t, second.Observation, "KeyError: col_x")
	assert.Equal(t, 2, second.Attempt)
}

func TestController_BudgetExhaustedAfterExactlyMaxIterations(t *testing.T) {
	for _, max := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", max), func(t *testing.T) {
			s := &stepRecorder{fn: func(call int, rec *record.Record) (*record.Record, error) {
				rec.Stdout = fmt.Sprintf("draft %d", call)
				return rec, nil
			}}
			ctrl := &Controller{Evaluator: alwaysRetry("not good enough"), MaxIterations: max}

			att, err := ctrl.Run(t.Context(), testRC(t, 10), s.step("iterate"), newRecord(t, "goal"))
			require.NoError(t, err)

			assert.Equal(t, StateFailed, att.State)
			assert.ErrorIs(t, att.Err, errs.ErrIterationBudgetExceeded)
			assert.Equal(t, errs.KindBudgetExceeded, errs.Classify(att.Err))
			assert.Equal(t, max, att.Count)
			assert.Equal(t, max, s.calls())
			assert.Len(t, att.Record.Results, max)
			assert.False(t, att.Record.IsCompleted)
		})
	}
}

func TestController_DefaultBudgetComesFromLimits(t *testing.T) {
	s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
		rec.Stdout = "x"
		return rec, nil
	}}
	ctrl := &Controller{Evaluator: alwaysRetry("again")}

	att, err := ctrl.Run(t.Context(), testRC(t, 0), s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, att.Count)
}

func TestController_RetryInputsAreNeverIdentical(t *testing.T) {
	cases := map[string]func(call int, rec *record.Record) (*record.Record, error){
		"same output every time": func(_ int, rec *record.Record) (*record.Record, error) {
			rec.Code = "print(1)"
			rec.Stdout = "1"
			return rec, nil
		},
		"schema errors": func(_ int, rec *record.Record) (*record.Record, error) {
			return nil, &errs.SchemaError{Err: errors.New("unexpected token")}
		},
		"transient errors": func(_ int, rec *record.Record) (*record.Record, error) {
			return nil, errs.NewTransientError(errors.New("503"), "service unavailable")
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			s := &stepRecorder{fn: fn}
			ctrl := &Controller{Evaluator: alwaysRetry("same reason")}

			att, err := ctrl.Run(t.Context(), testRC(t, 4), s.step("iterate"), newRecord(t, "goal"))
			require.NoError(t, err)
			assert.ErrorIs(t, att.Err, errs.ErrIterationBudgetExceeded)
			require.Equal(t, 4, s.calls())

			seen := map[string]bool{}
			for _, in := range s.inputs {
				fp := in.Fingerprint()
				assert.False(t, seen[fp], "attempt %d repeated an earlier input", in.Attempt)
				seen[fp] = true
			}
		})
	}
}

func TestController_StructuredFailuresAppendNoResult(t *testing.T) {
	s := &stepRecorder{fn: func(call int, rec *record.Record) (*record.Record, error) {
		if call == 1 {
			return nil, &errs.SchemaError{Err: errors.New("bad json")}
		}
		rec.Stdout = "ok"
		rec.ClearDiagnostics()
		return rec, nil
	}}
	ctrl := &Controller{Evaluator: RuleEvaluator{}}

	att, err := ctrl.Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, att.State)
	assert.Equal(t, 2, att.Count)
	require.Len(t, att.Record.Results, 1)
	assert.Equal(t, 2, att.Record.Results[0].Attempt)
}

func TestController_Escalation(t *testing.T) {
	t.Run("evaluator", func(t *testing.T) {
		s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
			rec.Stdout = "which sheet?"
			return rec, nil
		}}
		eval := EvaluatorFunc(func(context.Context, *RunContext, string, *record.Record, []record.Result) (Verdict, error) {
			return Escalate("which sheet should be used?"), nil
		})
		att, err := (&Controller{Evaluator: eval}).Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "goal"))
		require.NoError(t, err)
		assert.Equal(t, StateEscalated, att.State)
		assert.Equal(t, errs.KindInsufficientGoal, errs.Classify(att.Err))
		assert.Equal(t, "which sheet should be used?", att.Reason)
		assert.Equal(t, 1, att.Count)
		assert.False(t, att.Record.IsCompleted)
	})

	t.Run("step", func(t *testing.T) {
		s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
			return nil, &errs.InsufficientGoalError{Question: "which year?"}
		}}
		att, err := (&Controller{Evaluator: RuleEvaluator{}}).Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "goal"))
		require.NoError(t, err)
		assert.Equal(t, StateEscalated, att.State)
		assert.Equal(t, "which year?", att.Reason)
	})
}

func TestController_ExecutionErrorsAreReviewed(t *testing.T) {
	failing := func(_ int, rec *record.Record) (*record.Record, error) {
		rec.Code = "df['col_x']"
		return rec, &errs.ExecutionError{Diagnostic: "KeyError: col_x"}
	}

	t.Run("repeated failure escalates", func(t *testing.T) {
		var seen []string
		eval := EvaluatorFunc(func(ctx context.Context, rc *RunContext, goal string, latest *record.Record, history []record.Result) (Verdict, error) {
			seen = append(seen, latest.Error)
			return RuleEvaluator{EscalateAfterRepeats: 2}.Evaluate(ctx, rc, goal, latest, history)
		})
		s := &stepRecorder{fn: failing}

		att, err := (&Controller{Evaluator: eval, MaxIterations: 3}).Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "summarize dataset"))
		require.NoError(t, err)

		assert.Equal(t, []string{"KeyError: col_x", "KeyError: col_x"}, seen)
		assert.Equal(t, StateEscalated, att.State)
		assert.Equal(t, errs.KindInsufficientGoal, errs.Classify(att.Err))
		assert.Equal(t, 2, att.Count)
		require.Len(t, att.Record.Results, 2)
		assert.Equal(t, "retry", att.Record.Results[0].Verdict)
		assert.Equal(t, "escalate", att.Record.Results[1].Verdict)
	})

	t.Run("accept is downgraded", func(t *testing.T) {
		accept := EvaluatorFunc(func(context.Context, *RunContext, string, *record.Record, []record.Result) (Verdict, error) {
			return Accept(), nil
		})
		s := &stepRecorder{fn: failing}

		att, err := (&Controller{Evaluator: accept, MaxIterations: 2}).Run(t.Context(), testRC(t, 2), s.step("iterate"), newRecord(t, "goal"))
		require.NoError(t, err)

		assert.Equal(t, StateFailed, att.State)
		assert.ErrorIs(t, att.Err, errs.ErrIterationBudgetExceeded)
		assert.False(t, att.Record.IsCompleted)
		require.Len(t, att.Record.Results, 2)
		assert.Equal(t, "retry", att.Record.Results[0].Verdict)
		assert.Contains(t, att.Record.Observation, "KeyError: col_x")
	})
}

func TestController_CancellationShortCircuits(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
		cancel()
		rec.Stdout = "partial"
		return rec, nil
	}}
	ctrl := &Controller{Evaluator: alwaysRetry("more")}

	att, err := ctrl.Run(ctx, testRC(t, 5), s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, att.State)
	assert.ErrorIs(t, att.Err, errs.ErrCancelled)
	assert.Equal(t, 1, s.calls())
	// partial progress is kept
	assert.Len(t, att.Record.Results, 1)
}

func TestController_InternalErrorsAreFatal(t *testing.T) {
	s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
		return nil, errors.New("nil pointer in step")
	}}
	att, err := (&Controller{Evaluator: RuleEvaluator{}}).Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, att.State)
	assert.Equal(t, 1, s.calls())
	assert.Equal(t, errs.KindInternal, errs.Classify(att.Err))
}

func TestController_RejectsRequestRewrite(t *testing.T) {
	s := &stepRecorder{fn: func(_ int, rec *record.Record) (*record.Record, error) {
		rec.UserRequest = "something else"
		rec.Stdout = "ok"
		return rec, nil
	}}
	att, err := (&Controller{Evaluator: RuleEvaluator{}}).Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, att.State)
	assert.ErrorIs(t, att.Err, record.ErrRequestChanged)
}

func TestController_RecoversPanics(t *testing.T) {
	s := &stepRecorder{fn: func(int, *record.Record) (*record.Record, error) {
		panic("boom")
	}}
	att, err := (&Controller{Evaluator: RuleEvaluator{}}).Run(t.Context(), testRC(t, 3), s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)
	assert.Equal(t, StateFailed, att.State)
	assert.Contains(t, att.Reason, "panicked")
}

func TestController_InvalidArguments(t *testing.T) {
	ctrl := &Controller{Evaluator: RuleEvaluator{}}
	_, err := ctrl.Run(t.Context(), testRC(t, 3), Step{Name: "empty"}, newRecord(t, "goal"))
	assert.Error(t, err)

	_, err = (&Controller{}).Run(t.Context(), testRC(t, 3), NewStep("x", nil), newRecord(t, "goal"))
	assert.Error(t, err)

	_, err = ctrl.Run(t.Context(), testRC(t, 3), NewStep("x", func(context.Context, *RunContext, *record.Record) (*record.Record, error) {
		return nil, nil
	}), &record.Record{})
	assert.Error(t, err)
}

func TestController_TraceRecordsRetries(t *testing.T) {
	s := &stepRecorder{fn: func(call int, rec *record.Record) (*record.Record, error) {
		if call == 1 {
			return rec, &errs.ExecutionError{Diagnostic: "boom"}
		}
		rec.Stdout = "ok"
		return rec, nil
	}}
	rc := testRC(t, 3)
	_, err := (&Controller{Evaluator: RuleEvaluator{}}).Run(t.Context(), rc, s.step("iterate"), newRecord(t, "goal"))
	require.NoError(t, err)

	var states []State
	for _, tr := range rc.Trace() {
		states = append(states, tr.To)
	}
	assert.Equal(t, []State{StateRetrying, StateReviewing, StateCompleted}, states)
}
