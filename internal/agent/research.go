package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/record"
	"github.com/rahul/relay/internal/search"
)

const PipelineResearch = "research"

// ResearchState is owned by one research run. Items, Statuses and Findings
// are parallel slices; cell i is written only by the worker for item i until
// the fan-in barrier.
type ResearchState struct {
	Goal       string
	Sufficient bool
	Queries    []string
	Items      []search.Item
	Statuses   []ItemStatus
	Findings   []string
	Synthesis  string
}

// Finding is one item's analysis as seen by synthesis.
type Finding struct {
	Item   search.Item
	Status ItemStatus
	Text   string
}

// ResearchSteps are the collaborators of the research graph.
type ResearchSteps struct {
	Hear       func(ctx context.Context, rc *RunContext, goal string) (string, error)
	Search     StepFunc
	Analyze    func(ctx context.Context, rc *RunContext, goal string, item search.Item) (string, error)
	Synthesize func(ctx context.Context, rc *RunContext, goal string, findings []Finding) (string, error)
}

// ResearchRequest starts a research run.
type ResearchRequest struct {
	ProcessID string
	Goal      string
	Persist   bool
}

// ResearchPipeline clarifies a goal, searches until the results are
// sufficient, analyzes every item concurrently and synthesizes a report.
type ResearchPipeline struct {
	Deps      Deps
	Steps     ResearchSteps
	Evaluator Evaluator
	Prompts   *PromptManager
	Cancel    CancelPolicy

	machine machine[researchRun]
}

type researchRun struct {
	req        ResearchRequest
	rec        *record.Record
	state      ResearchState
	threads    []ThreadOutcome
	report     string
	reportPath string
}

func NewResearchPipeline(deps Deps, steps ResearchSteps, evaluator Evaluator) *ResearchPipeline {
	if evaluator == nil {
		evaluator = SufficiencyEvaluator{MinItems: 1}
	}
	p := &ResearchPipeline{Deps: deps, Steps: steps, Evaluator: evaluator}
	p.machine = machine[researchRun]{
		start: StateHearing,
		table: map[State]handler[researchRun]{
			StateHearing:      p.hearing,
			StateSearching:    p.searching,
			StateAnalyzing:    p.analyzing,
			StateSynthesizing: p.synthesizing,
			StateReporting:    p.reporting,
		},
	}
	return p
}

// Run executes one research run. The error is non-nil only for an invalid
// request.
func (p *ResearchPipeline) Run(ctx context.Context, req ResearchRequest) (*Outcome, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, errors.New("research: goal is required")
	}
	if p.Steps.Hear == nil || p.Steps.Search == nil || p.Steps.Analyze == nil || p.Steps.Synthesize == nil {
		return nil, errors.New("research: hear, search, analyze and synthesize steps are required")
	}
	rec, err := record.New(req.ProcessID, req.Goal)
	if err != nil {
		return nil, err
	}
	req.ProcessID = rec.ProcessID

	rc := NewRunContext(p.Deps, req.ProcessID, PipelineResearch, req.Goal)
	ctx, cancel := context.WithTimeout(ctx, rc.Limits.RunTimeout)
	defer cancel()
	rc.Metrics.RunStarted()

	run := &researchRun{req: req, rec: rec, state: ResearchState{Goal: req.Goal}}
	state, err := p.machine.run(ctx, rc, run)

	if state != StateCompleted && err != nil {
		run.rec.AddObservation(err.Error())
		run.rec.UpdatedAt = time.Now()
	}
	research := run.state
	o := &Outcome{
		ProcessID:  req.ProcessID,
		Pipeline:   PipelineResearch,
		State:      state,
		Err:        err,
		Record:     run.rec,
		Threads:    run.threads,
		Research:   &research,
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

func (p *ResearchPipeline) hearing(ctx context.Context, rc *RunContext, run *researchRun) (State, error) {
	goal, err := p.Steps.Hear(ctx, rc, run.req.Goal)
	if err != nil {
		if errs.Classify(err) == errs.KindInsufficientGoal {
			return StateEscalated, err
		}
		return StateFailed, err
	}
	if strings.TrimSpace(goal) != "" {
		run.state.Goal = strings.TrimSpace(goal)
	}
	return StateSearching, nil
}

func (p *ResearchPipeline) searching(ctx context.Context, rc *RunContext, run *researchRun) (State, error) {
	rec, err := record.New(rc.ProcessID, run.state.Goal)
	if err != nil {
		return StateFailed, err
	}
	trc := rc.ForThread(rec.ThreadID)
	ctrl := &Controller{Evaluator: p.Evaluator, MaxIterations: rc.Limits.MaxIterations}
	att, err := ctrl.Run(ctx, trc, enterStep(StateSearching, NewStep("search", p.Steps.Search)), rec)
	if err != nil {
		return StateFailed, err
	}
	run.threads = append(run.threads, ThreadOutcome{
		Record: att.Record, State: att.State, Reason: att.Reason, Attempts: att.Count, Err: att.Err,
	})

	for _, r := range att.Record.Results {
		if r.Code != "" {
			run.state.Queries = append(run.state.Queries, r.Code)
		}
	}

	switch att.State {
	case StateCompleted:
		run.state.Sufficient = true
	case StateEscalated:
		return StateEscalated, att.Err
	default:
		// an exhausted budget still proceeds with whatever was found
		if !errors.Is(att.Err, errs.ErrIterationBudgetExceeded) {
			return StateFailed, att.Err
		}
	}

	items, err := bestItems(att.Record)
	if err != nil {
		return StateFailed, err
	}
	if len(items) == 0 {
		return StateFailed, att.Err
	}
	run.state.Items = items
	return StateAnalyzing, nil
}

// bestItems returns the items of the accepted result, or of the richest
// attempt when none was accepted.
func bestItems(rec *record.Record) ([]search.Item, error) {
	if rec.IsCompleted {
		return decodeItems(rec.Stdout)
	}
	var best []search.Item
	for _, r := range rec.Results {
		items, err := decodeItems(r.Stdout)
		if err != nil {
			continue
		}
		if len(items) > len(best) {
			best = items
		}
	}
	return best, nil
}

func (p *ResearchPipeline) analyzing(ctx context.Context, rc *RunContext, run *researchRun) (State, error) {
	goal := run.state.Goal
	outs := Compose(ctx, run.state.Items, func(ctx context.Context, _ int, item search.Item) (string, error) {
		return p.Steps.Analyze(ctx, rc, goal, item)
	}, ComposeOptions{
		MaxConcurrency: rc.Limits.MaxConcurrency,
		Cancel:         p.Cancel,
		Stage:          "analyze",
		Logger:         rc.Logger,
		Metrics:        rc.Metrics,
	})

	run.state.Statuses = make([]ItemStatus, len(outs))
	run.state.Findings = make([]string, len(outs))
	for i, o := range outs {
		run.state.Statuses[i] = o.Status
		switch o.Status {
		case ItemSuccess:
			run.state.Findings[i] = o.Value
		default:
			run.state.Findings[i] = fallbackAnswer(run.state.Items[i].Title)
			if o.Err != nil {
				rc.Logger.LogError("analyze", fmt.Errorf("item %d (%s): %w", i, run.state.Items[i].Title, o.Err))
			}
		}
	}
	if !AllTerminal(outs) {
		return StateFailed, errors.New("fan-out returned before every item finished")
	}
	if err := ctx.Err(); err != nil {
		return StateFailed, fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	return StateSynthesizing, nil
}

func (p *ResearchPipeline) synthesizing(ctx context.Context, rc *RunContext, run *researchRun) (State, error) {
	st := &run.state
	findings := make([]Finding, len(st.Items))
	for i, it := range st.Items {
		status := ItemPending
		if i < len(st.Statuses) {
			status = st.Statuses[i]
		}
		if status != ItemSuccess && status != ItemFailure {
			return StateFailed, fmt.Errorf("item %d is %s at synthesis", i, status)
		}
		findings[i] = Finding{Item: it, Status: status, Text: st.Findings[i]}
	}

	start := time.Now()
	text, err := p.Steps.Synthesize(ctx, rc, st.Goal, findings)
	status := "ok"
	if err != nil {
		status = errs.Classify(err).String()
	}
	rc.Metrics.ObserveStep("synthesize", status, time.Since(start))
	rc.Logger.LogStep("synthesize", 1, status, time.Since(start))
	if err != nil {
		return StateFailed, err
	}
	st.Synthesis = text
	return StateReporting, nil
}

func (p *ResearchPipeline) reporting(ctx context.Context, rc *RunContext, run *researchRun) (State, error) {
	report, err := renderResearchReport(p.Prompts, &run.state)
	if err != nil {
		return StateFailed, err
	}
	run.report = report

	rec := run.rec
	rec.Attempt = 1
	rec.Stdout = report
	rec.AddObservation(fmt.Sprintf("%d sources analyzed, %d failed", countStatus(run.state.Statuses, ItemSuccess), countStatus(run.state.Statuses, ItemFailure)))
	loc, err := rc.SaveArtifact(ctx, "report.md", []byte(report))
	if err != nil {
		rc.Logger.LogError("report", err)
	} else if loc != "" {
		run.reportPath = loc
		if err := rec.SetPath("report.md", loc); err != nil {
			return StateFailed, err
		}
	}
	rec.Results = append(rec.Results, rec.Snapshot(VerdictAccept.String()))
	rec.IsCompleted = true
	rec.UpdatedAt = time.Now()
	if err := rec.Validate(); err != nil {
		return StateFailed, err
	}
	return StateCompleted, nil
}

func countStatus(statuses []ItemStatus, want ItemStatus) int {
	n := 0
	for _, s := range statuses {
		if s == want {
			n++
		}
	}
	return n
}
