package search

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rahul/relay/internal/errs"
)

func TestParseResults(t *testing.T) {
	raw := "Title: Agents survey\nDescription: A review of agent loops\nURL: https://example.com/a\n\n" +
		"Title: Second\nDescription: more\nURL: https://example.com/b\n\n" +
		"Title: Agents survey again\nDescription: dup\nURL: https://example.com/a\n\n"

	items := parseResults(raw)
	require.Len(t, items, 2)
	assert.Equal(t, "Agents survey", items[0].Title)
	assert.Equal(t, "https://example.com/a", items[0].URL())
	assert.Equal(t, "A review of agent loops", items[0].Description())
	assert.Equal(t, StableID("https://example.com/a"), items[0].ID)
}

func TestParseResultsNoResults(t *testing.T) {
	assert.Empty(t, parseResults("No good DuckDuckGo Search Results was found"))
	assert.Empty(t, parseResults(""))
}

func TestCachedProviderReusesResults(t *testing.T) {
	var calls atomic.Int32
	inner := ProviderFunc(func(ctx context.Context, q string) ([]Item, error) {
		calls.Add(1)
		return []Item{{ID: "1", Title: q}}, nil
	})
	c := NewCached(inner, 4, time.Minute)

	first, err := c.Search(t.Context(), "Agent  Loops")
	require.NoError(t, err)
	second, err := c.Search(t.Context(), "agent loops")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	inner := ProviderFunc(func(ctx context.Context, q string) ([]Item, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return []Item{{ID: "1"}}, nil
	})
	c := NewCached(inner, 4, time.Minute)

	_, err := c.Search(t.Context(), "q")
	require.Error(t, err)
	items, err := c.Search(t.Context(), "q")
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

const articleHTML = `<html><head><title>Agent Loops</title></head><body>
<article><h1>Agent Loops</h1>
<p>Iterative refinement lets an agent plan, act and review its own work until it is satisfied with the outcome of the task at hand.</p>
<p>Each pass records what went wrong so the next attempt can correct it, and a budget caps the number of passes before escalation.</p>
<script>alert("x")</script>
</article></body></html>`

func TestReadabilityFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	page, err := NewReadabilityFetcher(5*time.Second).Fetch(t.Context(), srv.URL)
	require.NoError(t, err)
	assert.Contains(t, page.Text, "Iterative refinement")
	assert.NotContains(t, page.Text, "alert(")
	assert.Contains(t, page.Summary(), "-- CONTENT --")
}

func TestReadabilityFetcherClassifiesStatus(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	f := NewReadabilityFetcher(5 * time.Second)
	_, err := f.Fetch(t.Context(), srv.URL)
	require.Error(t, err)
	assert.True(t, errs.IsTransient(err))

	status = http.StatusNotFound
	_, err = f.Fetch(t.Context(), srv.URL)
	require.Error(t, err)
	assert.Equal(t, errs.KindInternal, errs.Classify(err))
}

func TestReadabilityFetcherRejectsBadURL(t *testing.T) {
	_, err := NewReadabilityFetcher(0).Fetch(t.Context(), "not a url")
	assert.Error(t, err)
}

type stubFetcher struct {
	page *Page
	err  error
}

func (s stubFetcher) Fetch(context.Context, string) (*Page, error) { return s.page, s.err }

func TestFallbackFetcher(t *testing.T) {
	f := FallbackFetcher{
		Primary:   stubFetcher{page: &Page{Text: "  "}},
		Secondary: stubFetcher{page: &Page{Text: "rendered"}},
	}
	page, err := f.Fetch(t.Context(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "rendered", page.Text)

	f.Primary = stubFetcher{page: &Page{Text: "static"}}
	page, err = f.Fetch(t.Context(), "https://example.com")
	require.NoError(t, err)
	assert.Equal(t, "static", page.Text)
}
