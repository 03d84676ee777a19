package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/llm"
	"github.com/rahul/relay/internal/record"
	"github.com/rahul/relay/internal/search"
)

// Evaluator judges the latest output of a step. history holds every result
// of the thread so far, the latest last. Implementations must be
// deterministic for deterministic collaborators.
type Evaluator interface {
	Evaluate(ctx context.Context, rc *RunContext, goal string, latest *record.Record, history []record.Result) (Verdict, error)
}

// EvaluatorFunc adapts a function into an Evaluator.
type EvaluatorFunc func(ctx context.Context, rc *RunContext, goal string, latest *record.Record, history []record.Result) (Verdict, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, rc *RunContext, goal string, latest *record.Record, history []record.Result) (Verdict, error) {
	return f(ctx, rc, goal, latest, history)
}

// RuleEvaluator accepts error-free, non-empty output. Expect, when set, also
// checks the output's shape. A failure repeated EscalateAfterRepeats times
// in a row escalates instead of retrying.
type RuleEvaluator struct {
	Expect               func(stdout string) bool
	EscalateAfterRepeats int
}

func (e RuleEvaluator) Evaluate(_ context.Context, _ *RunContext, _ string, latest *record.Record, history []record.Result) (Verdict, error) {
	reason := e.failure(latest.Error, latest.Stdout)
	if reason == "" {
		return Accept(), nil
	}
	if e.EscalateAfterRepeats > 1 {
		repeats := 0
		for i := len(history) - 1; i >= 0; i-- {
			if e.failure(history[i].Error, history[i].Stdout) != reason {
				break
			}
			repeats++
		}
		if repeats >= e.EscalateAfterRepeats {
			return Escalate(fmt.Sprintf("the same failure repeated %d times: %s", repeats, reason)), nil
		}
	}
	return Retry(reason), nil
}

func (e RuleEvaluator) failure(errText, stdout string) string {
	switch {
	case strings.TrimSpace(errText) != "":
		return strings.TrimSpace(errText)
	case strings.TrimSpace(stdout) == "":
		return "execution produced no output"
	case e.Expect != nil && !e.Expect(stdout):
		return "output does not have the expected shape"
	}
	return ""
}

type review struct {
	Observation        string `json:"observation"`
	IsCompleted        bool   `json:"is_completed"`
	NeedsClarification string `json:"needs_clarification"`
}

// ReviewEvaluator asks the model to judge the output. Malformed replies are
// retried.
type ReviewEvaluator struct {
	LLM     llm.Provider
	Prompts *PromptManager
}

func (e ReviewEvaluator) Evaluate(ctx context.Context, rc *RunContext, goal string, latest *record.Record, _ []record.Result) (Verdict, error) {
	prompt, err := e.Prompts.Render(PromptReviewer, map[string]any{
		"goal":   goal,
		"code":   latest.Code,
		"stdout": latest.Stdout,
		"stderr": latest.Stderr,
		"error":  latest.Error,
	})
	if err != nil {
		return Verdict{}, err
	}
	callCtx, cancel := rc.callContext(ctx)
	defer cancel()

	var r review
	err = llm.CompleteJSON(callCtx, e.LLM, []llm.Message{llm.Human(prompt)}, &r)
	if err != nil {
		if errs.Classify(err) == errs.KindSchema {
			return Retry("review output could not be parsed: " + err.Error()), nil
		}
		return Verdict{}, err
	}
	switch {
	case strings.TrimSpace(r.NeedsClarification) != "":
		return Escalate(strings.TrimSpace(r.NeedsClarification)), nil
	case r.IsCompleted && strings.TrimSpace(latest.Error) == "":
		return Verdict{Kind: VerdictAccept, Reason: strings.TrimSpace(r.Observation)}, nil
	case strings.TrimSpace(r.Observation) != "":
		return Retry(strings.TrimSpace(r.Observation)), nil
	case latest.Error != "":
		return Retry(latest.Error), nil
	}
	return Retry("reviewer rejected the output without a reason"), nil
}

// SufficiencyEvaluator judges a search step whose Stdout holds the JSON item
// list. With an LLM it also asks whether the items cover the goal.
type SufficiencyEvaluator struct {
	MinItems int
	LLM      llm.Provider
	Prompts  *PromptManager
}

type sufficiency struct {
	Sufficient bool   `json:"sufficient"`
	Reason     string `json:"reason"`
}

func (e SufficiencyEvaluator) Evaluate(ctx context.Context, rc *RunContext, goal string, latest *record.Record, _ []record.Result) (Verdict, error) {
	items, err := decodeItems(latest.Stdout)
	if err != nil {
		return Retry("search output could not be decoded: " + err.Error()), nil
	}
	minItems := e.MinItems
	if minItems <= 0 {
		minItems = 1
	}
	if len(items) < minItems {
		return Retry(fmt.Sprintf("found %d of the %d sources needed for query %q; broaden the query", len(items), minItems, latest.Code)), nil
	}
	if e.LLM == nil {
		return Accept(), nil
	}

	var list strings.Builder
	for i, it := range items {
		fmt.Fprintf(&list, "%d. %s - %s\n", i+1, it.Title, it.Description())
	}
	prompt, err := e.Prompts.Render(PromptSufficiency, map[string]any{"goal": goal, "items": list.String()})
	if err != nil {
		return Verdict{}, err
	}
	callCtx, cancel := rc.callContext(ctx)
	defer cancel()
	var s sufficiency
	if err := llm.CompleteJSON(callCtx, e.LLM, []llm.Message{llm.Human(prompt)}, &s); err != nil {
		if errs.Classify(err) == errs.KindSchema {
			return Retry("sufficiency output could not be parsed: " + err.Error()), nil
		}
		return Verdict{}, err
	}
	if s.Sufficient {
		return Accept(), nil
	}
	reason := strings.TrimSpace(s.Reason)
	if reason == "" {
		reason = "results do not cover the goal"
	}
	return Retry(reason), nil
}

func decodeItems(stdout string) ([]search.Item, error) {
	if strings.TrimSpace(stdout) == "" {
		return nil, nil
	}
	var items []search.Item
	if err := json.Unmarshal([]byte(stdout), &items); err != nil {
		return nil, err
	}
	return items, nil
}
