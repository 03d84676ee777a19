// Package search provides the retrieval collaborators of the research
// pipeline: query providers and page fetchers.
package search

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
)

// Item is one discovered source.
type Item struct {
	ID       string            `json:"id"`
	Title    string            `json:"title"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// URL returns the item's link, if any.
func (i Item) URL() string {
	return i.Metadata["url"]
}

// Description returns the item's snippet, if any.
func (i Item) Description() string {
	return i.Metadata["description"]
}

// Provider runs a query. An empty result is not an error.
type Provider interface {
	Search(ctx context.Context, query string) ([]Item, error)
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc func(ctx context.Context, query string) ([]Item, error)

func (f ProviderFunc) Search(ctx context.Context, query string) ([]Item, error) {
	return f(ctx, query)
}

// Fetcher returns the readable text of a page.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// Page is extracted page content.
type Page struct {
	Title   string
	Excerpt string
	Text    string
}

// StableID derives an item id from its link so duplicates across queries
// collapse.
func StableID(key string) string {
	sum := sha1.Sum([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Dedupe keeps the first occurrence of every item id.
func Dedupe(items []Item) []Item {
	seen := make(map[string]bool, len(items))
	out := items[:0:0]
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		out = append(out, it)
	}
	return out
}
