package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/relay/internal/errs"
)

// CompleteJSON asks p for a JSON object and decodes it into target.
func CompleteJSON(ctx context.Context, p Provider, messages []llms.MessageContent, target any, opts ...llms.CallOption) error {
	opts = append([]llms.CallOption{llms.WithJSONMode()}, opts...)
	resp, err := p.Complete(ctx, messages, opts...)
	if err != nil {
		return err
	}
	return DecodeJSON(resp.Content, target)
}

// DecodeJSON decodes model output into target. Code fences are stripped and
// broken JSON goes through jsonrepair before giving up with *errs.SchemaError.
func DecodeJSON(raw string, target any) error {
	text := stripFences(raw)
	if text == "" {
		return &errs.SchemaError{Err: errors.New("empty output"), Raw: raw}
	}
	err := json.Unmarshal([]byte(text), target)
	if err == nil {
		return nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(text)
	if repairErr != nil {
		return &errs.SchemaError{Err: err, Raw: raw}
	}
	if err := json.Unmarshal([]byte(fixed), target); err != nil {
		return &errs.SchemaError{Err: err, Raw: raw}
	}
	return nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
