package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/relay/internal/llm/llmtest"
	"github.com/rahul/relay/internal/record"
	"github.com/rahul/relay/internal/search"
)

func TestRuleEvaluator(t *testing.T) {
	rc := testRC(t, 3)
	ctx := t.Context()
	rec := newRecord(t, "goal")

	rec.Stdout = "mean: 4"
	v, err := RuleEvaluator{}.Evaluate(ctx, rc, "goal", rec, nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, v.Kind)

	rec.Error = "KeyError: col_x"
	v, _ = RuleEvaluator{}.Evaluate(ctx, rc, "goal", rec, nil)
	assert.Equal(t, Retry("KeyError: col_x"), v)

	rec.Error, rec.Stdout = "", "  "
	v, _ = RuleEvaluator{}.Evaluate(ctx, rc, "goal", rec, nil)
	assert.Equal(t, VerdictRetry, v.Kind)
	assert.Contains(t, v.Reason, "no output")

	rec.Stdout = "plain text"
	shaped := RuleEvaluator{Expect: func(out string) bool { return strings.HasPrefix(out, "{") }}
	v, _ = shaped.Evaluate(ctx, rc, "goal", rec, nil)
	assert.Equal(t, VerdictRetry, v.Kind)
}

func TestRuleEvaluatorEscalatesRepeatedFailure(t *testing.T) {
	rc := testRC(t, 5)
	rec := newRecord(t, "goal")
	rec.Error = "FileNotFoundError: sales.csv"
	history := []record.Result{
		{Attempt: 1, Error: "SyntaxError"},
		{Attempt: 2, Error: "FileNotFoundError: sales.csv"},
		{Attempt: 3, Error: "FileNotFoundError: sales.csv"},
	}
	eval := RuleEvaluator{EscalateAfterRepeats: 3}

	v, err := eval.Evaluate(t.Context(), rc, "goal", rec, history[:2])
	require.NoError(t, err)
	assert.Equal(t, VerdictRetry, v.Kind)

	v, err = eval.Evaluate(t.Context(), rc, "goal", rec, append(history, record.Result{Attempt: 4, Error: "FileNotFoundError: sales.csv"}))
	require.NoError(t, err)
	assert.Equal(t, VerdictEscalate, v.Kind)
	assert.Contains(t, v.Reason, "FileNotFoundError")
}

func reviewModel(reply map[string]any) llmtest.Func {
	data, _ := json.Marshal(reply)
	return func(context.Context, string) (string, error) { return string(data), nil }
}

func TestReviewEvaluator(t *testing.T) {
	rc := testRC(t, 3)
	rec := newRecord(t, "goal")
	rec.Stdout = "mean: 4"

	cases := []struct {
		name  string
		reply map[string]any
		err   string
		want  VerdictKind
	}{
		{"completed", map[string]any{"observation": "mean revenue is 4", "is_completed": true}, "", VerdictAccept},
		{"not completed", map[string]any{"observation": "chart missing", "is_completed": false}, "", VerdictRetry},
		{"clarification", map[string]any{"observation": "", "is_completed": false, "needs_clarification": "which region?"}, "", VerdictEscalate},
		{"completed but errored", map[string]any{"observation": "looks fine", "is_completed": true}, "ValueError", VerdictRetry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := rec.Clone()
			in.Error = tc.err
			eval := ReviewEvaluator{LLM: client(reviewModel(tc.reply))}
			v, err := eval.Evaluate(t.Context(), rc, "goal", in, nil)
			require.NoError(t, err)
			assert.Equal(t, tc.want, v.Kind)
		})
	}
}

func TestReviewEvaluatorMalformedOutputRetries(t *testing.T) {
	model := llmtest.Func(func(context.Context, string) (string, error) { return "I think it is fine", nil })
	v, err := ReviewEvaluator{LLM: client(model)}.Evaluate(t.Context(), testRC(t, 3), "goal", newRecord(t, "goal"), nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictRetry, v.Kind)
	assert.Contains(t, v.Reason, "could not be parsed")
}

func itemsJSON(t *testing.T, n int) string {
	t.Helper()
	items := make([]search.Item, n)
	for i := range items {
		items[i] = search.Item{ID: search.StableID(string(rune('a' + i))), Title: "source"}
	}
	data, err := json.Marshal(items)
	require.NoError(t, err)
	return string(data)
}

func TestSufficiencyEvaluator(t *testing.T) {
	rc := testRC(t, 3)
	rec := newRecord(t, "goal")
	rec.Code = "agent loops"

	rec.Stdout = itemsJSON(t, 2)
	v, err := SufficiencyEvaluator{MinItems: 3}.Evaluate(t.Context(), rc, "goal", rec, nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictRetry, v.Kind)
	assert.Contains(t, v.Reason, "broaden")

	rec.Stdout = itemsJSON(t, 3)
	v, err = SufficiencyEvaluator{MinItems: 3}.Evaluate(t.Context(), rc, "goal", rec, nil)
	require.NoError(t, err)
	assert.Equal(t, VerdictAccept, v.Kind)

	judge := reviewModel(map[string]any{"sufficient": false, "reason": "no primary sources"})
	v, err = SufficiencyEvaluator{MinItems: 1, LLM: client(judge)}.Evaluate(t.Context(), rc, "goal", rec, nil)
	require.NoError(t, err)
	assert.Equal(t, Retry("no primary sources"), v)
}

func TestEvaluatorsAreIdempotent(t *testing.T) {
	rc := testRC(t, 3)
	rec := newRecord(t, "goal")
	rec.Stdout = itemsJSON(t, 2)
	history := []record.Result{rec.Snapshot("")}

	evaluators := map[string]Evaluator{
		"rule":        RuleEvaluator{EscalateAfterRepeats: 2},
		"review":      ReviewEvaluator{LLM: client(reviewModel(map[string]any{"observation": "partial", "is_completed": false}))},
		"sufficiency": SufficiencyEvaluator{MinItems: 3},
		"judge":       SufficiencyEvaluator{LLM: client(reviewModel(map[string]any{"sufficient": true}))},
	}
	for name, eval := range evaluators {
		t.Run(name, func(t *testing.T) {
			first, err := eval.Evaluate(t.Context(), rc, "goal", rec.Clone(), history)
			require.NoError(t, err)
			for range 3 {
				again, err := eval.Evaluate(t.Context(), rc, "goal", rec.Clone(), history)
				require.NoError(t, err)
				assert.Equal(t, first.Kind, again.Kind)
			}
		})
	}
}
