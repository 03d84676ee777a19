package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/llm"
	"github.com/rahul/relay/internal/record"
	"github.com/rahul/relay/internal/search"
)

// NewResearchSteps wires the model, search provider and fetcher into the
// research steps. fetcher may be nil, in which case items are analyzed from
// their snippets.
func NewResearchSteps(model llm.Provider, provider search.Provider, fetcher search.Fetcher, pm *PromptManager) ResearchSteps {
	return ResearchSteps{
		Hear:       LLMHearing(model, pm),
		Search:     SearchStep(provider, LLMQueryWriter(model, pm)),
		Analyze:    LLMAnalyze(model, fetcher, pm),
		Synthesize: LLMSynthesize(model, pm),
	}
}

type hearing struct {
	Clear       bool   `json:"clear"`
	Question    string `json:"question"`
	RefinedGoal string `json:"refined_goal"`
}

// RuleHearing rejects goals too short to search for.
func RuleHearing(minWords int) func(ctx context.Context, rc *RunContext, goal string) (string, error) {
	if minWords <= 0 {
		minWords = 2
	}
	return func(_ context.Context, _ *RunContext, goal string) (string, error) {
		if len(strings.Fields(goal)) < minWords {
			return "", &errs.InsufficientGoalError{
				Question: fmt.Sprintf("What exactly would you like me to research about %q?", strings.TrimSpace(goal)),
			}
		}
		return goal, nil
	}
}

// LLMHearing asks the model whether the goal is clear and lets it restate it.
func LLMHearing(model llm.Provider, pm *PromptManager) func(ctx context.Context, rc *RunContext, goal string) (string, error) {
	return func(ctx context.Context, rc *RunContext, goal string) (string, error) {
		prompt, err := pm.Render(PromptHearing, map[string]any{"goal": goal})
		if err != nil {
			return "", err
		}
		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		var h hearing
		if err := llm.CompleteJSON(callCtx, model, []llm.Message{llm.Human(prompt)}, &h); err != nil {
			// an unreadable verdict is not a reason to stop; search the goal as given
			if errs.Classify(err) == errs.KindSchema {
				rc.Logger.LogError("hearing", err)
				return goal, nil
			}
			return "", err
		}
		if !h.Clear {
			q := strings.TrimSpace(h.Question)
			if q == "" {
				q = "Could you describe what you want to find out in more detail?"
			}
			return "", &errs.InsufficientGoalError{Question: q}
		}
		if strings.TrimSpace(h.RefinedGoal) != "" {
			return h.RefinedGoal, nil
		}
		return goal, nil
	}
}

// QueryWriter proposes the next query. previous is empty on the first
// attempt; observation carries the reasons earlier queries were rejected.
type QueryWriter func(ctx context.Context, rc *RunContext, goal, previous, observation string) (string, error)

// BroadeningQueryWriter searches the goal first and then drops trailing
// words so each retry widens the search.
func BroadeningQueryWriter() QueryWriter {
	return func(_ context.Context, _ *RunContext, goal, previous, _ string) (string, error) {
		words := strings.Fields(goal)
		if previous == "" {
			return strings.Join(words, " "), nil
		}
		prev := strings.Fields(previous)
		n := len(prev) - 1
		if n < 1 {
			n = 1
		}
		if n > len(words) {
			n = len(words)
		}
		return strings.Join(words[:n], " "), nil
	}
}

// LLMQueryWriter lets the model write and refine queries.
func LLMQueryWriter(model llm.Provider, pm *PromptManager) QueryWriter {
	return func(ctx context.Context, rc *RunContext, goal, previous, observation string) (string, error) {
		if previous == "" {
			return goal, nil
		}
		prompt, err := pm.Render(PromptQuery, map[string]any{
			"goal":        goal,
			"previous":    previous,
			"observation": observation,
		})
		if err != nil {
			return "", err
		}
		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		resp, err := model.Complete(callCtx, []llm.Message{llm.Human(prompt)})
		if err != nil {
			return "", err
		}
		q := strings.Trim(strings.TrimSpace(resp.Content), `"`)
		if q == "" {
			return "", &errs.SchemaError{Err: errors.New("empty query"), Raw: resp.Content}
		}
		return q, nil
	}
}

// SearchStep runs one query and stores the items as JSON in Stdout; the
// query goes to Code.
func SearchStep(provider search.Provider, writer QueryWriter) StepFunc {
	if writer == nil {
		writer = BroadeningQueryWriter()
	}
	return func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error) {
		query, err := writer(ctx, rc, rec.UserRequest, rec.Code, rec.Observation)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		items, err := provider.Search(callCtx, query)
		if err != nil {
			return nil, err
		}
		items = search.Dedupe(items)
		data, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		rec.Code = query
		rec.Stdout = string(data)
		rec.ClearDiagnostics()
		return rec, nil
	}
}

// LLMAnalyze reads the item's page, or its snippet when the page cannot be
// fetched, and extracts what it says about the goal.
func LLMAnalyze(model llm.Provider, fetcher search.Fetcher, pm *PromptManager) func(ctx context.Context, rc *RunContext, goal string, item search.Item) (string, error) {
	return func(ctx context.Context, rc *RunContext, goal string, item search.Item) (string, error) {
		content := item.Description()
		if fetcher != nil && item.URL() != "" {
			fetchCtx, cancel := rc.callContext(ctx)
			page, err := fetcher.Fetch(fetchCtx, item.URL())
			cancel()
			switch {
			case err == nil && strings.TrimSpace(page.Text) != "":
				content = page.Summary()
			case err != nil:
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				rc.Logger.LogError("fetch", err)
			}
		}
		if strings.TrimSpace(content) == "" {
			return "", fmt.Errorf("no content for %q", item.Title)
		}

		prompt, err := pm.Render(PromptAnalyze, map[string]any{
			"goal":    goal,
			"title":   item.Title,
			"url":     item.URL(),
			"content": content,
		})
		if err != nil {
			return "", err
		}
		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		resp, err := model.Complete(callCtx, []llm.Message{llm.Human(prompt)})
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

// LLMSynthesize combines the findings, failures included, into one answer.
func LLMSynthesize(model llm.Provider, pm *PromptManager) func(ctx context.Context, rc *RunContext, goal string, findings []Finding) (string, error) {
	return func(ctx context.Context, rc *RunContext, goal string, findings []Finding) (string, error) {
		prompt, err := pm.Render(PromptSynthesize, map[string]any{
			"goal":     goal,
			"findings": FormatFindings(findings),
		})
		if err != nil {
			return "", err
		}
		messages := []llm.Message{llm.Human(prompt)}
		if sys, err := pm.System(); err == nil {
			messages = append([]llm.Message{llm.System(sys)}, messages...)
		}
		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		resp, err := model.Complete(callCtx, messages)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(resp.Content), nil
	}
}

// FormatFindings lists findings with their status for a prompt.
func FormatFindings(findings []Finding) string {
	var b strings.Builder
	for i, f := range findings {
		status := "ok"
		if f.Status != ItemSuccess {
			status = "failed"
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n%s\n\n", i+1, status, f.Item.Title, f.Text)
	}
	return strings.TrimSpace(b.String())
}
