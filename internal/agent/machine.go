package agent

import (
	"context"
	"fmt"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/observability"
)

// handler runs one state and names the next.
type handler[S any] func(ctx context.Context, rc *RunContext, s *S) (State, error)

// machine is a state graph fixed at construction.
type machine[S any] struct {
	start State
	table map[State]handler[S]
}

// run walks the graph from start until a terminal state. A handler error
// without a terminal next state ends the run in Failed.
func (m machine[S]) run(ctx context.Context, rc *RunContext, s *S) (State, error) {
	state := m.start
	rc.Enter(state, "")
	var lastErr error
	for !state.Terminal() {
		if err := ctx.Err(); err != nil {
			lastErr = fmt.Errorf("%w: %v", errs.ErrCancelled, err)
			rc.Enter(StateFailed, "cancelled")
			return StateFailed, lastErr
		}
		h, ok := m.table[state]
		if !ok {
			lastErr = fmt.Errorf("no transition out of %s", state)
			rc.Enter(StateFailed, lastErr.Error())
			return StateFailed, lastErr
		}

		stateCtx, span := rc.Tracer.Start(ctx, "state."+string(state))
		next, err := h(stateCtx, rc, s)
		observability.End(span, err)

		reason := ""
		if err != nil {
			reason = err.Error()
			if !next.Terminal() {
				next = StateFailed
			}
		}
		lastErr = err
		rc.Enter(next, reason)
		state = next
	}
	return state, lastErr
}
