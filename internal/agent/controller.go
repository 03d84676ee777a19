package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/record"
)

// Controller drives one step over a record until the evaluator accepts,
// escalates, or the iteration budget runs out.
type Controller struct {
	Evaluator     Evaluator
	MaxIterations int
}

// Attempts is the result of a controlled loop.
type Attempts struct {
	Record *record.Record
	Count  int
	State  State
	Reason string
	Err    error
}

// Run loops step over initial. The returned error is non-nil only for
// invalid arguments; every run outcome, including failures, is reported in
// Attempts.
func (c *Controller) Run(ctx context.Context, rc *RunContext, step Step, initial *record.Record) (*Attempts, error) {
	if step.Run == nil {
		return nil, errors.New("controller: step has no function")
	}
	if c.Evaluator == nil {
		return nil, errors.New("controller: evaluator is required")
	}
	if err := initial.Validate(); err != nil {
		return nil, err
	}
	maxIter := c.MaxIterations
	if maxIter <= 0 {
		maxIter = rc.Limits.MaxIterations
	}
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	goal := goalOf(initial)
	committed := initial.Clone()
	seen := make(map[string]int, maxIter)
	res := &Attempts{Record: committed}

	finish := func(state State, reason string, err error) (*Attempts, error) {
		res.Record = committed
		res.State = state
		res.Reason = reason
		res.Err = err
		rc.Enter(state, reason)
		if err != nil {
			rc.Logger.LogError(step.Name, err)
		}
		return res, nil
	}

	for attempt := 1; attempt <= maxIter; attempt++ {
		if err := ctx.Err(); err != nil {
			return finish(StateFailed, "cancelled", fmt.Errorf("%w: %v", errs.ErrCancelled, err))
		}

		in := committed.Clone()
		in.Attempt = attempt
		fp := in.Fingerprint()
		if prev, dup := seen[fp]; dup {
			err := fmt.Errorf("attempt %d would repeat the input of attempt %d", attempt, prev)
			return finish(StateFailed, err.Error(), err)
		}
		seen[fp] = attempt
		res.Count = attempt
		rc.Metrics.IncAttempt(step.Name)

		start := time.Now()
		stepCtx, span := rc.Tracer.Start(ctx, "step."+step.Name,
			attribute.String("process_id", rc.ProcessID),
			attribute.String("thread_id", rc.ThreadID),
			attribute.Int("attempt", attempt),
		)
		out, stepErr := runStep(stepCtx, rc, step, in)
		observability.End(span, stepErr)
		took := time.Since(start)
		status := "ok"
		if stepErr != nil {
			status = errs.Classify(stepErr).String()
		}
		rc.Metrics.ObserveStep(step.Name, status, took)
		rc.Logger.LogStep(step.Name, attempt, status, took)

		var (
			next    *record.Record
			verdict Verdict
			result  *record.Result
		)
		var execErr *errs.ExecutionError
		switch {
		case stepErr == nil:
			if out == nil {
				err := fmt.Errorf("step %s returned no record", step.Name)
				return finish(StateFailed, err.Error(), err)
			}
			next = out
			next.Attempt = attempt
			next.Results = committed.Clone().Results
			if err := record.CheckTransition(committed, next); err != nil {
				return finish(StateFailed, err.Error(), err)
			}
			snap := next.Snapshot("")
			v, evalErr := c.review(ctx, rc, goal, next, snap)
			if evalErr != nil {
				return finish(StateFailed, reasonOf(evalErr), evalErr)
			}
			verdict = v
			result = &snap

		case errors.As(stepErr, &execErr):
			next = out
			if next == nil {
				next = in
			}
			next.Attempt = attempt
			next.Results = committed.Clone().Results
			if err := record.CheckTransition(committed, next); err != nil {
				return finish(StateFailed, err.Error(), err)
			}
			next.Error = execErr.Diagnostic
			if execErr.Stderr != "" {
				next.Stderr = execErr.Stderr
			}
			snap := next.Snapshot("")
			v, evalErr := c.review(ctx, rc, goal, next, snap)
			if evalErr != nil {
				return finish(StateFailed, reasonOf(evalErr), evalErr)
			}
			// a failed execution is never accepted
			if v.Kind == VerdictAccept {
				v = Retry(execErr.Diagnostic)
			}
			verdict = v
			result = &snap

		default:
			switch kind := errs.Classify(stepErr); kind {
			case errs.KindSchema, errs.KindTransient:
				next = in
				verdict = Retry(stepErr.Error())
			case errs.KindInsufficientGoal:
				next = in
				verdict = Escalate(questionOf(stepErr))
			case errs.KindCancelled:
				return finish(StateFailed, "cancelled", stepErr)
			default:
				return finish(StateFailed, stepErr.Error(), stepErr)
			}
		}

		rc.Metrics.IncVerdict(step.Name, verdict.Kind.String())
		rc.Logger.LogVerdict(step.Name, attempt, verdict.Kind.String(), verdict.Reason)
		if result != nil {
			result.Verdict = verdict.Kind.String()
			next.Results = append(next.Results, *result)
		}
		next.UpdatedAt = time.Now()

		switch verdict.Kind {
		case VerdictAccept:
			next.ClearDiagnostics()
			next.AddObservation(verdict.Reason)
			next.IsCompleted = true
			if err := commit(committed, next); err != nil {
				return finish(StateFailed, err.Error(), err)
			}
			committed = next
			return finish(StateCompleted, verdict.Reason, nil)

		case VerdictEscalate:
			next.AddObservation("needs clarification: " + verdict.Reason)
			if err := commit(committed, next); err != nil {
				return finish(StateFailed, err.Error(), err)
			}
			committed = next
			return finish(StateEscalated, verdict.Reason, &errs.InsufficientGoalError{Question: verdict.Reason})

		default:
			reason := verdict.Reason
			if reason == "" {
				reason = "output rejected"
			}
			next.AddObservation(fmt.Sprintf("attempt %d: %s", attempt, reason))
			if next.Error == "" {
				next.Error = reason
			}
			if err := commit(committed, next); err != nil {
				return finish(StateFailed, err.Error(), err)
			}
			committed = next
			if attempt < maxIter {
				rc.Enter(StateRetrying, reason)
			}
		}
	}

	err := fmt.Errorf("%w: %d attempts", errs.ErrIterationBudgetExceeded, maxIter)
	return finish(StateFailed, err.Error(), err)
}

// review asks the Evaluator about next, whose latest attempt is snap. A
// recoverable evaluator failure becomes a Retry; the returned error is fatal.
func (c *Controller) review(ctx context.Context, rc *RunContext, goal string, next *record.Record, snap record.Result) (Verdict, error) {
	history := append(append([]record.Result(nil), next.Results...), snap)
	rc.Enter(StateReviewing, "")
	v, err := c.Evaluator.Evaluate(ctx, rc, goal, next.Clone(), history)
	switch {
	case err == nil:
		return v, nil
	case errs.Classify(err) == errs.KindCancelled:
		return Verdict{}, err
	case errs.IsRecoverable(err):
		return Retry(err.Error()), nil
	}
	return Verdict{}, err
}

func reasonOf(err error) string {
	if errs.Classify(err) == errs.KindCancelled {
		return "cancelled"
	}
	return err.Error()
}

// runStep converts a panicking step into an internal failure.
func runStep(ctx context.Context, rc *RunContext, step Step, in *record.Record) (out *record.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("step %s panicked: %v", step.Name, r)
		}
	}()
	return step.Run(ctx, rc, in)
}

func commit(prev, next *record.Record) error {
	return record.CheckTransition(prev, next)
}

func goalOf(rec *record.Record) string {
	if rec.Task == nil {
		return rec.UserRequest
	}
	return rec.UserRequest + "\n\nTask: " + rec.Task.Title()
}

func questionOf(err error) string {
	var goal *errs.InsufficientGoalError
	if errors.As(err, &goal) && goal.Question != "" {
		return goal.Question
	}
	return err.Error()
}
