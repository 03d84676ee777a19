package agent

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/rahul/relay/internal/store"
)

// Messenger delivers text to a chat.
type Messenger interface {
	Send(chatID string, text string) error
}

// RunQueue is the durable queue of submitted goals.
type RunQueue interface {
	ClaimNext(ctx context.Context) (*store.QueuedRun, error)
	Finish(ctx context.Context, id int64, status, processID, summary string) error
}

// Scheduler drains the run queue, one run at a time, and reports each
// outcome to the chat that submitted it.
type Scheduler struct {
	Runner   *Runner
	Queue    RunQueue
	Gateway  Messenger
	Interval time.Duration
}

func NewScheduler(runner *Runner, queue RunQueue, gateway Messenger) *Scheduler {
	return &Scheduler{
		Runner:   runner,
		Queue:    queue,
		Gateway:  gateway,
		Interval: 30 * time.Second,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()

	log.Println("Run scheduler started...")
	s.Drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Drain(ctx)
		}
	}
}

// Drain executes queued runs until the queue is empty or ctx is done. It
// returns how many runs it executed.
func (s *Scheduler) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		run, err := s.Queue.ClaimNext(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return n
		}
		if err != nil {
			log.Printf("Error polling run queue: %v", err)
			return n
		}
		n++
		s.execute(ctx, run)
	}
	return n
}

func (s *Scheduler) execute(ctx context.Context, run *store.QueuedRun) {
	log.Printf("Executing queued %s run %d for chat %s: %s", run.Kind, run.ID, run.ChatID, run.Goal)

	out, err := s.Runner.Run(ctx, Job{Kind: run.Kind, Goal: run.Goal, Persist: true})
	status, processID, summary := store.StatusDone, "", ""
	switch {
	case err != nil:
		status, summary = store.StatusFailed, err.Error()
	default:
		processID, summary = out.ProcessID, out.Summary()
		if out.State != StateCompleted {
			status = store.StatusFailed
		}
	}

	// the outcome is recorded even when shutdown cancelled the run
	if err := s.Queue.Finish(context.WithoutCancel(ctx), run.ID, status, processID, summary); err != nil {
		log.Printf("Error finishing queued run %d: %v", run.ID, err)
	}
	if s.Gateway != nil && run.ChatID != "" {
		if err := s.Gateway.Send(run.ChatID, "⏰ *Queued Run Output*\n\n"+summary); err != nil {
			log.Printf("Error notifying chat %s: %v", run.ChatID, err)
		}
	}
}
