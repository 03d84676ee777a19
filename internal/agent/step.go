package agent

import (
	"context"
	"fmt"

	"github.com/rahul/relay/internal/record"
)

// StepFunc produces the next record from a clone of the committed one. It must
// not retain rec after returning.
type StepFunc func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error)

// Step is a named unit of work.
type Step struct {
	Name string
	Run  StepFunc
}

// NewStep names fn.
func NewStep(name string, fn StepFunc) Step {
	return Step{Name: name, Run: fn}
}

// Sequence chains steps; each receives the previous one's output.
func Sequence(name string, steps ...Step) Step {
	return Step{Name: name, Run: func(ctx context.Context, rc *RunContext, rec *record.Record) (*record.Record, error) {
		cur := rec
		for _, s := range steps {
			next, err := s.Run(ctx, rc, cur)
			if err != nil {
				if next == nil {
					next = cur
				}
				return next, err
			}
			if next == nil {
				return nil, fmt.Errorf("step %s returned no record", s.Name)
			}
			cur = next
		}
		return cur, nil
	}}
}
