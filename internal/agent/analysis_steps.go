package agent

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/governance"
	"github.com/rahul/relay/internal/llm"
	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/record"
	"github.com/rahul/relay/internal/sandbox"
)

// NewAnalysisSteps wires the model, sandbox and policy into the analysis
// steps.
func NewAnalysisSteps(model llm.Provider, exec sandbox.Executor, policy governance.PolicyEngine, pm *PromptManager) AnalysisSteps {
	return AnalysisSteps{
		Plan:     LLMPlanner(model, pm),
		Generate: GenerateCode(model, pm),
		Execute:  ExecuteCode(exec, policy),
	}
}

// LLMPlanner asks the model for a structured plan.
func LLMPlanner(model llm.Provider, pm *PromptManager) Planner {
	return func(ctx context.Context, rc *RunContext, req PlanRequest) (*record.Plan, error) {
		files := "none"
		if len(req.Files) > 0 {
			files = strings.Join(req.Files, "\n")
		}
		maxTasks := req.MaxTasks
		if maxTasks <= 0 {
			maxTasks = 5
		}
		prompt, err := pm.Render(PromptPlanner, map[string]any{
			"goal":      req.Goal,
			"files":     files,
			"feedback":  req.Feedback,
			"max_tasks": maxTasks,
		})
		if err != nil {
			return nil, err
		}
		messages := []llm.Message{llm.Human(prompt)}
		if sys, err := pm.System(); err == nil {
			messages = append([]llm.Message{llm.System(sys)}, messages...)
		}

		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		var plan record.Plan
		if err := llm.CompleteJSON(callCtx, model, messages, &plan); err != nil {
			return nil, err
		}
		return &plan, nil
	}
}

// GenerateCode writes the script for the record's task. On a retry the
// previous script, its output and the review notes are sent back so the
// model can correct itself.
func GenerateCode(model llm.Provider, pm *PromptManager) StepFunc {
	return func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error) {
		task := ""
		if rec.Task != nil {
			task = fmt.Sprintf("%s\nPurpose: %s\n%s", rec.Task.Title(), rec.Task.Purpose, rec.Task.Description)
			if rec.Task.ChartType != "" {
				task += "\nChart: " + rec.Task.ChartType
			}
		}
		files := "none"
		if names := uploadNames(rc.Uploads); len(names) > 0 {
			files = strings.Join(names, "\n")
		}
		prompt, err := pm.Render(PromptGenerator, map[string]any{
			"goal":          rec.UserRequest,
			"task":          strings.TrimSpace(task),
			"files":         files,
			"previous_code": rec.Code,
			"stdout":        rec.Stdout,
			"stderr":        rec.Stderr,
			"error":         rec.Error,
			"observation":   rec.Observation,
		})
		if err != nil {
			return nil, err
		}
		messages := []llm.Message{llm.Human(prompt)}
		if sys, err := pm.System(); err == nil {
			messages = append([]llm.Message{llm.System(sys)}, messages...)
		}

		callCtx, cancel := rc.callContext(ctx)
		defer cancel()
		resp, err := model.Complete(callCtx, messages)
		if err != nil {
			return nil, err
		}
		code := extractCode(resp.Content)
		if code == "" {
			return nil, &errs.SchemaError{Err: errors.New("reply contains no code"), Raw: resp.Content}
		}

		rec.Code = code
		rec.Stdout = ""
		rec.ClearDiagnostics()
		return rec, nil
	}
}

// ExecuteCode runs the record's code in the sandbox after the policy allows
// it. Produced files are stored as artifacts and linked from Paths. A code
// failure is returned as *errs.ExecutionError together with the record.
func ExecuteCode(exec sandbox.Executor, policy governance.PolicyEngine) StepFunc {
	if policy == nil {
		policy = governance.AllowAll{}
	}
	return func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error) {
		verdict, err := policy.Evaluate(ctx, governance.Request{
			Action:    "execute",
			Code:      rec.Code,
			ProcessID: rc.ProcessID,
		})
		if err != nil {
			return rec, err
		}
		rc.Logger.Log(observability.Event{
			Type: observability.EventTypePolicy,
			Data: map[string]string{"effect": string(verdict.Effect), "reason": verdict.Reason},
		})
		if !verdict.Allowed() {
			return rec, &errs.ExecutionError{Diagnostic: "policy denied execution: " + verdict.Reason}
		}

		res, err := errs.WithTimeout(ctx, rc.Limits.CallTimeout, func(ctx context.Context) (*sandbox.Execution, error) {
			return exec.RunCode(ctx, rec.Code, rc.Uploads)
		})
		if err != nil {
			return rec, err
		}

		rec.Stdout = res.Stdout
		rec.Stderr = res.Stderr

		names := make([]string, 0, len(res.Files))
		for name := range res.Files {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key := path.Join(short(rec.ThreadID), fmt.Sprintf("attempt-%d", rec.Attempt), name)
			loc, err := rc.SaveArtifact(ctx, key, res.Files[name])
			if err != nil {
				return rec, fmt.Errorf("store artifact %s: %w", name, err)
			}
			if loc != "" {
				if err := rec.SetPath(name, loc); err != nil {
					return rec, err
				}
			}
		}

		if res.Failed() {
			rec.Error = res.Error
			return rec, &errs.ExecutionError{Diagnostic: res.Error, Stderr: res.Stderr}
		}
		return rec, nil
	}
}

// extractCode returns the first fenced block of the reply, or the whole reply
// when it has no fences.
func extractCode(reply string) string {
	s := strings.TrimSpace(reply)
	start := strings.Index(s, "```")
	if start < 0 {
		return s
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	} else {
		return ""
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
