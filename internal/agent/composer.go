package agent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/observability"
)

// ItemStatus is the state of one fan-out slot.
type ItemStatus int

const (
	ItemPending ItemStatus = iota
	ItemSuccess
	ItemFailure
	ItemCancelled
)

func (s ItemStatus) String() string {
	switch s {
	case ItemPending:
		return "pending"
	case ItemSuccess:
		return "success"
	case ItemFailure:
		return "failure"
	case ItemCancelled:
		return "cancelled"
	}
	return "unknown"
}

// CancelPolicy decides what happens to in-flight items when the parent
// context is cancelled.
type CancelPolicy int

const (
	// CancelAbandon cancels in-flight items; their slots end Cancelled and
	// whatever they produced is dropped.
	CancelAbandon CancelPolicy = iota
	// CancelDrain lets in-flight items finish on a detached context. Items
	// still queued are skipped.
	CancelDrain
)

// ComposeOptions tune a fan-out.
type ComposeOptions struct {
	MaxConcurrency int
	Cancel         CancelPolicy
	Stage          string
	Logger         *observability.Logger
	Metrics        *observability.Metrics
}

// ItemOutcome is the terminal state of one item. Slot i is written only by
// the worker for item i.
type ItemOutcome[R any] struct {
	Index  int
	Status ItemStatus
	Value  R
	Err    error
}

// Compose runs fn over items with at most MaxConcurrency in flight and
// returns once every dispatched worker has finished. A failing item never
// stops its siblings.
func Compose[T, R any](ctx context.Context, items []T, fn func(ctx context.Context, i int, item T) (R, error), opts ComposeOptions) []ItemOutcome[R] {
	out := make([]ItemOutcome[R], len(items))
	for i := range out {
		out[i] = ItemOutcome[R]{Index: i, Status: ItemPending}
	}
	if len(items) == 0 {
		return out
	}

	limit := opts.MaxConcurrency
	if limit <= 0 {
		limit = DefaultMaxConcurrency
	}
	workCtx := ctx
	if opts.Cancel == CancelDrain {
		workCtx = context.WithoutCancel(ctx)
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		if ctx.Err() != nil {
			out[i].Status = ItemCancelled
			out[i].Err = errs.ErrCancelled
			continue
		}
		g.Go(func() error {
			// cancelled while waiting for a slot
			if ctx.Err() != nil {
				out[i].Status = ItemCancelled
				out[i].Err = errs.ErrCancelled
				return nil
			}
			v, err := runItem(workCtx, i, item, fn)
			if opts.Cancel == CancelAbandon && ctx.Err() != nil {
				out[i].Status = ItemCancelled
				out[i].Err = errs.ErrCancelled
				return nil
			}
			if err != nil {
				out[i].Status = ItemFailure
				out[i].Err = err
				return nil
			}
			out[i].Status = ItemSuccess
			out[i].Value = v
			return nil
		})
	}
	_ = g.Wait()

	var ok, failed, cancelled int
	for _, o := range out {
		switch o.Status {
		case ItemSuccess:
			ok++
		case ItemFailure:
			failed++
		case ItemCancelled:
			cancelled++
		}
	}
	stage := opts.Stage
	if stage == "" {
		stage = "fanout"
	}
	observability.OrNop(opts.Logger).LogFanout(stage, len(items), ok, failed, cancelled)
	opts.Metrics.AddItems(stage, ItemSuccess.String(), ok)
	opts.Metrics.AddItems(stage, ItemFailure.String(), failed)
	opts.Metrics.AddItems(stage, ItemCancelled.String(), cancelled)
	return out
}

func runItem[T, R any](ctx context.Context, i int, item T, fn func(ctx context.Context, i int, item T) (R, error)) (v R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("item %d panicked: %v", i, r)
		}
	}()
	return fn(ctx, i, item)
}

// AllTerminal reports whether every slot has left Pending. Fan-in readers
// require it.
func AllTerminal[R any](outcomes []ItemOutcome[R]) bool {
	for _, o := range outcomes {
		if o.Status == ItemPending {
			return false
		}
	}
	return true
}
