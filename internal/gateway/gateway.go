// Package gateway connects chat platforms to the workflow runner.
package gateway

import (
	"context"
	"fmt"
	"strings"
)

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Handler answers one incoming chat message.
type Handler interface {
	Handle(ctx context.Context, chatID, text string) (string, error)
}

// HandlerFunc adapts a function into a Handler.
type HandlerFunc func(ctx context.Context, chatID, text string) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, chatID, text string) (string, error) {
	return f(ctx, chatID, text)
}

// chunk splits text into pieces of at most limit bytes, preferring line
// boundaries.
func chunk(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
		}
		out = append(out, strings.TrimSpace(text[:cut]))
		text = strings.TrimSpace(text[cut:])
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

// Router delivers to the messenger named by the chat ID's "platform:" prefix.
// Chat IDs without a known prefix go to Default.
type Router struct {
	Routes  map[string]Messenger
	Default Messenger
}

func (r *Router) Send(chatID string, text string) error {
	if platform, id, ok := strings.Cut(chatID, ":"); ok {
		if m, found := r.Routes[platform]; found {
			return m.Send(id, text)
		}
	}
	if r.Default == nil {
		return fmt.Errorf("no gateway for chat %s", chatID)
	}
	return r.Default.Send(chatID, text)
}

// Prefixed stamps the platform on chat IDs before they reach h, so queued
// runs can be routed back through a Router.
func Prefixed(platform string, h Handler) Handler {
	return HandlerFunc(func(ctx context.Context, chatID, text string) (string, error) {
		return h.Handle(ctx, platform+":"+chatID, text)
	})
}
