// Package llmtest provides scripted langchaingo models for tests.
package llmtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
)

// Reply is one scripted model answer; Err takes precedence over Content.
type Reply struct {
	Content string
	Err     error
}

// Model replays Replies in order and records every conversation it saw.
type Model struct {
	mu      sync.Mutex
	replies []Reply
	Calls   [][]llms.MessageContent
}

func NewModel(replies ...Reply) *Model {
	return &Model{replies: replies}
}

// Text is shorthand for a sequence of successful replies.
func Text(contents ...string) *Model {
	replies := make([]Reply, len(contents))
	for i, c := range contents {
		replies[i] = Reply{Content: c}
	}
	return NewModel(replies...)
}

func (m *Model) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, messages)
	if len(m.replies) == 0 {
		return nil, errors.New("llmtest: no scripted reply left")
	}
	r := m.replies[0]
	m.replies = m.replies[1:]
	if r.Err != nil {
		return nil, r.Err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: r.Content}}}, nil
}

func (m *Model) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, m, prompt, options...)
}

// CallCount returns how many requests the model served.
func (m *Model) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// Func answers every request by calling itself with the conversation's text.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) GenerateContent(ctx context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var parts []string
	for _, m := range messages {
		for _, p := range m.Parts {
			if t, ok := p.(llms.TextContent); ok {
				parts = append(parts, t.Text)
			}
		}
	}
	out, err := f(ctx, strings.Join(parts, "\n"))
	if err != nil {
		return nil, err
	}
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: out}}}, nil
}

func (f Func) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, options...)
}
