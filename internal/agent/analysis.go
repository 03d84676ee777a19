package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/record"
	"github.com/rahul/relay/internal/sandbox"
)

const PipelineAnalysis = "analysis"

// PlanRequest is the planner's input.
type PlanRequest struct {
	Goal     string
	Files    []string
	Feedback string
	MaxTasks int
}

// Planner turns a goal into a plan.
type Planner func(ctx context.Context, rc *RunContext, req PlanRequest) (*record.Plan, error)

// AnalysisSteps are the collaborators of the analysis graph.
type AnalysisSteps struct {
	Plan     Planner
	Generate StepFunc
	Execute  StepFunc
}

// AnalysisRequest starts an analysis run.
type AnalysisRequest struct {
	ProcessID string
	Goal      string
	Uploads   []sandbox.Upload
	Persist   bool
}

// AnalysisPipeline plans a goal into tasks and runs a generate, execute and
// review loop for each task.
type AnalysisPipeline struct {
	Deps      Deps
	Steps     AnalysisSteps
	Evaluator Evaluator
	Prompts   *PromptManager
	MaxTasks  int

	machine machine[analysisRun]
}

type analysisRun struct {
	req        AnalysisRequest
	plan       *record.Plan
	pending    []record.Task
	feedback   string
	replans    int
	threads    []ThreadOutcome
	superseded []ThreadOutcome
	report     string
	reportPath string
}

func NewAnalysisPipeline(deps Deps, steps AnalysisSteps, evaluator Evaluator) *AnalysisPipeline {
	if evaluator == nil {
		evaluator = RuleEvaluator{}
	}
	p := &AnalysisPipeline{Deps: deps, Steps: steps, Evaluator: evaluator, MaxTasks: 5}
	p.machine = machine[analysisRun]{
		start: StatePlanning,
		table: map[State]handler[analysisRun]{
			StatePlanning:   p.planning,
			StateGenerating: p.generating,
			StateReporting:  p.reporting,
		},
	}
	return p
}

// Run executes one analysis. The error is non-nil only for an invalid
// request; the run's own failures are reported in the Outcome.
func (p *AnalysisPipeline) Run(ctx context.Context, req AnalysisRequest) (*Outcome, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, errors.New("analysis: goal is required")
	}
	if p.Steps.Plan == nil || p.Steps.Generate == nil || p.Steps.Execute == nil {
		return nil, errors.New("analysis: plan, generate and execute steps are required")
	}
	if req.ProcessID == "" {
		req.ProcessID = record.NewID()
	}

	rc := NewRunContext(p.Deps, req.ProcessID, PipelineAnalysis, req.Goal)
	rc.Uploads = req.Uploads
	ctx, cancel := context.WithTimeout(ctx, rc.Limits.RunTimeout)
	defer cancel()
	rc.Metrics.RunStarted()

	run := &analysisRun{req: req}
	state, err := p.machine.run(ctx, rc, run)

	o := &Outcome{
		ProcessID:  req.ProcessID,
		Pipeline:   PipelineAnalysis,
		State:      state,
		Err:        err,
		Threads:    run.threads,
		Superseded: run.superseded,
		Plan:       run.plan,
		Report:     run.report,
		ReportPath: run.reportPath,
	}
	if err != nil {
		o.Reason = err.Error()
	}
	if state == StateEscalated {
		o.Question = questionOf(err)
	}
	finishRun(ctx, rc, p.Deps, o, req.Persist)
	return o, nil
}

func (p *AnalysisPipeline) planning(ctx context.Context, rc *RunContext, run *analysisRun) (State, error) {
	req := PlanRequest{
		Goal:     run.req.Goal,
		Files:    uploadNames(run.req.Uploads),
		Feedback: run.feedback,
		MaxTasks: p.MaxTasks,
	}

	var lastErr error
	for attempt := 1; attempt <= rc.Limits.MaxIterations; attempt++ {
		start := time.Now()
		plan, err := p.Steps.Plan(ctx, rc, req)
		if err == nil {
			err = plan.Validate()
			if err != nil {
				err = &errs.SchemaError{Err: err}
			}
		}
		status := "ok"
		if err != nil {
			status = errs.Classify(err).String()
		}
		rc.Metrics.ObserveStep("plan", status, time.Since(start))
		rc.Logger.LogStep("plan", attempt, status, time.Since(start))
		if err == nil {
			if p.MaxTasks > 0 && len(plan.Tasks) > p.MaxTasks {
				plan.Tasks = plan.Tasks[:p.MaxTasks]
			}
			if run.plan == nil {
				run.plan = plan
			} else {
				run.plan.Tasks = append(run.plan.Tasks, plan.Tasks...)
			}
			run.pending = plan.Tasks
			return StateGenerating, nil
		}

		switch errs.Classify(err) {
		case errs.KindSchema, errs.KindTransient:
			lastErr = err
			req.Feedback = strings.TrimSpace(run.feedback + "\nThe previous plan was rejected: " + err.Error())
			continue
		case errs.KindInsufficientGoal:
			return StateEscalated, err
		default:
			return StateFailed, err
		}
	}
	return StateFailed, fmt.Errorf("%w: planning: %v", errs.ErrIterationBudgetExceeded, lastErr)
}

func (p *AnalysisPipeline) generating(ctx context.Context, rc *RunContext, run *analysisRun) (State, error) {
	records := make([]*record.Record, len(run.pending))
	for i := range run.pending {
		rec, err := record.New(rc.ProcessID, run.req.Goal)
		if err != nil {
			return StateFailed, err
		}
		task := run.pending[i]
		rec.Task = &task
		records[i] = rec
	}

	outs := Compose(ctx, records, func(ctx context.Context, _ int, rec *record.Record) (ThreadOutcome, error) {
		return p.runThread(ctx, rc, rec), nil
	}, ComposeOptions{
		MaxConcurrency: rc.Limits.MaxConcurrency,
		Stage:          "threads",
		Logger:         rc.Logger,
		Metrics:        rc.Metrics,
	})

	var failed []ThreadOutcome
	for i, o := range outs {
		t := o.Value
		if o.Status != ItemSuccess {
			t = ThreadOutcome{Record: records[i], State: StateFailed, Reason: "cancelled", Err: o.Err}
		}
		if errors.Is(t.Err, errs.ErrIterationBudgetExceeded) {
			failed = append(failed, t)
			continue
		}
		run.threads = append(run.threads, t)
	}
	if err := ctx.Err(); err != nil {
		run.threads = append(run.threads, failed...)
		return StateFailed, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}

	if len(failed) > 0 && run.replans < rc.Limits.MaxReplans {
		run.replans++
		run.superseded = append(run.superseded, failed...)
		var fb strings.Builder
		fb.WriteString("These tasks could not be completed and need a different approach:\n")
		for _, t := range failed {
			fmt.Fprintf(&fb, "- %s\n  %s\n", t.Record.Task.Title(), lastLine(t.Record.Observation))
		}
		run.feedback = fb.String()
		return StatePlanning, nil
	}
	run.threads = append(run.threads, failed...)
	return StateReporting, nil
}

// runThread drives one task through the controller.
func (p *AnalysisPipeline) runThread(ctx context.Context, rc *RunContext, rec *record.Record) ThreadOutcome {
	trc := rc.ForThread(rec.ThreadID)
	iterate := Sequence("iterate",
		enterStep(StateGenerating, NewStep("generate", p.Steps.Generate)),
		enterStep(StateExecuting, NewStep("execute", p.Steps.Execute)),
	)
	ctrl := &Controller{Evaluator: p.Evaluator, MaxIterations: rc.Limits.MaxIterations}
	att, err := ctrl.Run(ctx, trc, iterate, rec)
	if err != nil {
		return ThreadOutcome{Record: rec, State: StateFailed, Reason: err.Error(), Err: err}
	}
	final := att.Record
	if errors.Is(att.Err, errs.ErrIterationBudgetExceeded) {
		final.AddObservation(fallbackAnswer(rec.Task.Title()))
	}
	return ThreadOutcome{Record: final, State: att.State, Reason: att.Reason, Attempts: att.Count, Err: att.Err}
}

func (p *AnalysisPipeline) reporting(ctx context.Context, rc *RunContext, run *analysisRun) (State, error) {
	report, err := renderAnalysisReport(p.Prompts, run)
	if err != nil {
		return StateFailed, err
	}
	run.report = report
	if loc, err := rc.SaveArtifact(ctx, "report.md", []byte(report)); err != nil {
		rc.Logger.LogError("report", err)
	} else {
		run.reportPath = loc
	}

	var escalated, failed *ThreadOutcome
	for i := range run.threads {
		t := &run.threads[i]
		switch t.State {
		case StateEscalated:
			if escalated == nil {
				escalated = t
			}
		case StateCompleted:
		default:
			if failed == nil {
				failed = t
			}
		}
	}
	switch {
	case escalated != nil:
		return StateEscalated, escalated.Err
	case failed != nil:
		err := failed.Err
		if err == nil {
			err = errors.New(failed.Reason)
		}
		return StateFailed, fmt.Errorf("task %q: %w", failed.Record.Task.Title(), err)
	}
	return StateCompleted, nil
}

// enterStep records entry into state before running s.
func enterStep(state State, s Step) Step {
	return Step{Name: s.Name, Run: func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error) {
		rc.Enter(state, "")
		return s.Run(ctx, rc, rec)
	}}
}

func fallbackAnswer(subject string) string {
	return fmt.Sprintf("Could not find an answer for: %s.", strings.TrimSuffix(subject, "."))
}

func uploadNames(uploads []sandbox.Upload) []string {
	names := make([]string, 0, len(uploads))
	for _, u := range uploads {
		names = append(names, u.Name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
