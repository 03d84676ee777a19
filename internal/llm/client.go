// Package llm adapts a langchaingo model into the provider interface the
// workflow steps consume, adding per-call timeouts, transient-error retries
// and structured output decoding.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/observability"
)

// Message is one turn of a conversation.
type Message = llms.MessageContent

// Response is the text of the first choice plus token usage when reported.
type Response struct {
	Content          string
	PromptTokens     int
	CompletionTokens int
}

// Provider completes a conversation.
type Provider interface {
	Complete(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*Response, error)
}

// Options tunes a Client.
type Options struct {
	Model       string
	Temperature float64
	CallTimeout time.Duration
	Retry       errs.RetryConfig
	Logger      *observability.Logger
}

// Client is the langchaingo-backed Provider.
type Client struct {
	model llms.Model
	opts  Options
}

func NewClient(model llms.Model, opts Options) *Client {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 60 * time.Second
	}
	opts.Logger = observability.OrNop(opts.Logger)
	return &Client{model: model, opts: opts}
}

// Complete sends messages to the model. Rate limits, server errors and call
// timeouts are retried with backoff; exhausted retries surface as
// *errs.TransientError.
func (c *Client) Complete(ctx context.Context, messages []llms.MessageContent, opts ...llms.CallOption) (*Response, error) {
	callOpts := []llms.CallOption{llms.WithTemperature(c.opts.Temperature)}
	if c.opts.Model != "" {
		callOpts = append(callOpts, llms.WithModel(c.opts.Model))
	}
	callOpts = append(callOpts, opts...)

	resp, err := errs.RetryWithResult(ctx, c.opts.Retry, func(ctx context.Context) (*llms.ContentResponse, error) {
		return errs.WithTimeout(ctx, c.opts.CallTimeout, func(ctx context.Context) (*llms.ContentResponse, error) {
			r, err := c.model.GenerateContent(ctx, messages, callOpts...)
			if err != nil {
				return nil, classify(err)
			}
			return r, nil
		})
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return nil, &errs.SchemaError{Err: errors.New("empty response from model")}
	}

	choice := resp.Choices[0]
	out := &Response{Content: choice.Content}
	if info := choice.GenerationInfo; info != nil {
		out.PromptTokens = intField(info, "PromptTokens")
		out.CompletionTokens = intField(info, "CompletionTokens")
	}
	c.opts.Logger.LogLLM(summarize(messages), out.Content)
	if out.PromptTokens+out.CompletionTokens > 0 {
		c.opts.Logger.LogCost(out.PromptTokens, out.CompletionTokens, c.opts.Model)
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
	}
	if errs.IsTransient(err) {
		return &errs.TransientError{Err: err, Message: fmt.Sprintf("llm: %v", err)}
	}
	return fmt.Errorf("llm: %w", err)
}

func intField(info map[string]any, key string) int {
	switch v := info[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func summarize(messages []llms.MessageContent) []map[string]string {
	out := make([]map[string]string, 0, len(messages))
	for _, m := range messages {
		var parts []string
		for _, p := range m.Parts {
			if t, ok := p.(llms.TextContent); ok {
				parts = append(parts, t.Text)
			}
		}
		out = append(out, map[string]string{
			"role":    string(m.Role),
			"content": strings.Join(parts, "\n"),
		})
	}
	return out
}

// System builds a system message.
func System(text string) llms.MessageContent {
	return llms.TextParts(llms.ChatMessageTypeSystem, text)
}

// Human builds a user message.
func Human(text string) llms.MessageContent {
	return llms.TextParts(llms.ChatMessageTypeHuman, text)
}

// AI builds an assistant message.
func AI(text string) llms.MessageContent {
	return llms.TextParts(llms.ChatMessageTypeAI, text)
}
