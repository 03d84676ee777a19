package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rahul/relay/internal/agent"
	"github.com/rahul/relay/internal/observability"
	"github.com/rahul/relay/internal/store"
)

const helpText = `Send me a question and I will research it.

/research <goal> - research a goal now
/queue <goal> - queue a research run for later
/queue analysis <goal> - queue an analysis run
/runs - list recent queued runs
/clear - drop your queued runs
/status - show runs in progress`

// Runner executes a job. *agent.Runner satisfies it.
type Runner interface {
	Run(ctx context.Context, job agent.Job) (*agent.Outcome, error)
}

// Queue is the part of the run queue chats can reach.
type Queue interface {
	Enqueue(ctx context.Context, chatID, kind, goal string) (int64, error)
	ClearQueued(ctx context.Context, chatID string) error
	RecentRuns(ctx context.Context, limit int) ([]store.QueuedRun, error)
}

// escalation is a run waiting for the requester's answer.
type escalation struct {
	kind     string
	goal     string
	question string
	at       time.Time
}

// Conversations turns chat messages into runs. A run that escalates is
// remembered per chat; the chat's next plain message answers it and the run
// starts again with the clarified goal.
type Conversations struct {
	Runner Runner
	Queue  Queue
	Status *observability.StatusBoard
	// PendingTTL bounds how long an unanswered question is kept.
	PendingTTL time.Duration

	pending *lru.Cache[string, escalation]
}

func NewConversations(runner Runner, queue Queue, status *observability.StatusBoard) *Conversations {
	pending, _ := lru.New[string, escalation](256)
	return &Conversations{
		Runner:     runner,
		Queue:      queue,
		Status:     status,
		PendingTTL: 24 * time.Hour,
		pending:    pending,
	}
}

func (c *Conversations) Handle(ctx context.Context, chatID, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return helpText, nil
	}
	if strings.HasPrefix(text, "/") {
		return c.command(ctx, chatID, text)
	}

	if esc, ok := c.pending.Get(chatID); ok {
		c.pending.Remove(chatID)
		if time.Since(esc.at) <= c.PendingTTL {
			goal := fmt.Sprintf("%s\n\nClarification (%s): %s", esc.goal, esc.question, text)
			return c.run(ctx, chatID, esc.kind, goal)
		}
	}
	return c.run(ctx, chatID, store.KindResearch, text)
}

func (c *Conversations) command(ctx context.Context, chatID, text string) (string, error) {
	name, arg, _ := strings.Cut(text, " ")
	arg = strings.TrimSpace(arg)
	// telegram appends the bot name in groups
	name, _, _ = strings.Cut(name, "@")

	switch name {
	case "/start", "/help":
		return helpText, nil
	case "/research":
		if arg == "" {
			return "Usage: /research <goal>", nil
		}
		c.pending.Remove(chatID)
		return c.run(ctx, chatID, store.KindResearch, arg)
	case "/queue":
		return c.enqueue(ctx, chatID, arg)
	case "/runs":
		return c.recent(ctx)
	case "/clear":
		if c.Queue == nil {
			return "The run queue is not configured.", nil
		}
		if err := c.Queue.ClearQueued(ctx, chatID); err != nil {
			return "", err
		}
		return "🗑️ Your queued runs were cleared.", nil
	case "/status":
		return c.status(), nil
	}
	return "Unknown command.\n\n" + helpText, nil
}

func (c *Conversations) run(ctx context.Context, chatID, kind, goal string) (string, error) {
	out, err := c.Runner.Run(ctx, agent.Job{Kind: kind, Goal: goal, Persist: true})
	if err != nil {
		return "", err
	}
	if out.State == agent.StateEscalated {
		c.pending.Add(chatID, escalation{kind: kind, goal: goal, question: out.Question, at: time.Now()})
	}
	return out.Summary(), nil
}

func (c *Conversations) enqueue(ctx context.Context, chatID, arg string) (string, error) {
	if c.Queue == nil {
		return "The run queue is not configured.", nil
	}
	kind := store.KindResearch
	if first, rest, ok := strings.Cut(arg, " "); ok && (first == store.KindAnalysis || first == store.KindResearch) {
		kind, arg = first, strings.TrimSpace(rest)
	}
	if arg == "" {
		return "Usage: /queue [analysis|research] <goal>", nil
	}
	id, err := c.Queue.Enqueue(ctx, chatID, kind, arg)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("📥 Queued %s run #%d. I'll message you when it finishes.", kind, id), nil
}

func (c *Conversations) recent(ctx context.Context) (string, error) {
	if c.Queue == nil {
		return "The run queue is not configured.", nil
	}
	runs, err := c.Queue.RecentRuns(ctx, 10)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "No queued runs yet.", nil
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "#%d [%s] %s: %s\n", r.ID, r.Status, r.Kind, r.Goal)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *Conversations) status() string {
	runs := c.Status.Snapshot()
	if len(runs) == 0 {
		return "💤 Nothing is running."
	}
	var b strings.Builder
	for _, r := range runs {
		fmt.Fprintf(&b, "⚙️ %s %s (%s) for %s: %s\n",
			r.Pipeline, shortID(r.ProcessID), r.State, time.Since(r.StartedAt).Round(time.Second), r.Goal)
	}
	return strings.TrimSpace(b.String())
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
