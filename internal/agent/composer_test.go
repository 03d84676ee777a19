package agent

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/relay/internal/errs"
)

func TestComposeBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int32
	items := make([]int, 10)
	for i := range items {
		items[i] = i
	}

	out := Compose(t.Context(), items, func(ctx context.Context, i int, item int) (int, error) {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return item * 2, nil
	}, ComposeOptions{MaxConcurrency: 3})

	require.Len(t, out, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.True(t, AllTerminal(out))
	for i, o := range out {
		assert.Equal(t, i, o.Index)
		assert.Equal(t, ItemSuccess, o.Status)
		assert.Equal(t, i*2, o.Value)
	}
}

func TestComposeFailureDoesNotStopSiblings(t *testing.T) {
	items := []string{"a", "b", "c", "d"}
	out := Compose(t.Context(), items, func(ctx context.Context, i int, item string) (string, error) {
		switch item {
		case "b":
			return "", errors.New("fetch failed")
		case "c":
			panic("boom")
		}
		return item + "!", nil
	}, ComposeOptions{MaxConcurrency: 2})

	assert.Equal(t, ItemSuccess, out[0].Status)
	assert.Equal(t, ItemFailure, out[1].Status)
	assert.EqualError(t, out[1].Err, "fetch failed")
	assert.Equal(t, ItemFailure, out[2].Status)
	assert.Contains(t, out[2].Err.Error(), "panicked")
	assert.Equal(t, "d!", out[3].Value)
}

func TestComposeEmpty(t *testing.T) {
	out := Compose(t.Context(), []int(nil), func(context.Context, int, int) (int, error) {
		t.Fatal("must not be called")
		return 0, nil
	}, ComposeOptions{})
	assert.Empty(t, out)
	assert.True(t, AllTerminal(out))
}

func TestComposeCancelAbandon(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	items := []int{0, 1, 2}

	go func() {
		<-started
		cancel()
	}()
	out := Compose(ctx, items, func(ctx context.Context, i int, item int) (int, error) {
		if i == 0 {
			close(started)
		}
		<-ctx.Done()
		return item, ctx.Err()
	}, ComposeOptions{MaxConcurrency: 1, Cancel: CancelAbandon})

	require.True(t, AllTerminal(out))
	for _, o := range out {
		assert.Equal(t, ItemCancelled, o.Status)
		assert.ErrorIs(t, o.Err, errs.ErrCancelled)
	}
}

func TestComposeCancelDrain(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	release := make(chan struct{})
	started := make(chan struct{})
	items := []int{0, 1, 2}

	go func() {
		<-started
		cancel()
		close(release)
	}()
	out := Compose(ctx, items, func(ctx context.Context, i int, item int) (int, error) {
		if i == 0 {
			close(started)
		}
		<-release
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return item + 10, nil
	}, ComposeOptions{MaxConcurrency: 1, Cancel: CancelDrain})

	require.True(t, AllTerminal(out))
	assert.Equal(t, ItemSuccess, out[0].Status)
	assert.Equal(t, 10, out[0].Value)
	assert.Equal(t, ItemCancelled, out[1].Status)
	assert.Equal(t, ItemCancelled, out[2].Status)
}

func TestItemStatusString(t *testing.T) {
	assert.Equal(t, "pending", ItemPending.String())
	assert.Equal(t, "cancelled", ItemCancelled.String())
	assert.Equal(t, "unknown", ItemStatus(42).String())
}
