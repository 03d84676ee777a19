package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/rahul/relay/internal/errs"
	"github.com/rahul/relay/internal/llm/llmtest"
)

func testOptions() Options {
	return Options{
		CallTimeout: time.Second,
		Retry:       errs.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}
}

func TestCompleteRetriesRateLimit(t *testing.T) {
	model := llmtest.NewModel(
		llmtest.Reply{Err: errors.New("API error 429: rate limit exceeded")},
		llmtest.Reply{Content: "hello"},
	)
	client := NewClient(model, testOptions())

	resp, err := client.Complete(context.Background(), []llms.MessageContent{Human("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 2, model.CallCount())
}

func TestCompleteDoesNotRetryPermanentErrors(t *testing.T) {
	model := llmtest.NewModel(llmtest.Reply{Err: errors.New("HTTP 401: unauthorized")})
	client := NewClient(model, testOptions())

	_, err := client.Complete(context.Background(), []llms.MessageContent{Human("hi")})
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.Classify(err))
	assert.Equal(t, 1, model.CallCount())
}

func TestCompleteExhaustedRetriesAreTransient(t *testing.T) {
	model := llmtest.NewModel(
		llmtest.Reply{Err: errors.New("503 service unavailable")},
		llmtest.Reply{Err: errors.New("503 service unavailable")},
		llmtest.Reply{Err: errors.New("503 service unavailable")},
	)
	client := NewClient(model, testOptions())

	_, err := client.Complete(context.Background(), []llms.MessageContent{Human("hi")})
	assert.Equal(t, errs.KindTransient, errs.Classify(err))
	assert.Equal(t, 3, model.CallCount())
}

func TestCompleteJSONRepairsOutput(t *testing.T) {
	model := llmtest.Text("```json\n{\"observation\": \"ok\", \"is_completed\": true,}\n```")
	client := NewClient(model, testOptions())

	var review struct {
		Observation string `json:"observation"`
		IsCompleted bool   `json:"is_completed"`
	}
	require.NoError(t, CompleteJSON(context.Background(), client, []llms.MessageContent{Human("review")}, &review))
	assert.True(t, review.IsCompleted)
	assert.Equal(t, "ok", review.Observation)
}

func TestDecodeJSONSchemaError(t *testing.T) {
	var out struct{ Tasks []string }
	err := DecodeJSON("", &out)
	assert.Equal(t, errs.KindSchema, errs.Classify(err))

	err = DecodeJSON(`{"Tasks": "not a list"}`, &out)
	var schema *errs.SchemaError
	require.ErrorAs(t, err, &schema)
	assert.Equal(t, `{"Tasks": "not a list"}`, schema.Raw)
}
