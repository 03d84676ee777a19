package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/tools/duckduckgo"

	"github.com/rahul/relay/internal/errs"
)

// DuckDuckGo searches the web through langchaingo's DuckDuckGo tool.
type DuckDuckGo struct {
	client *duckduckgo.Tool
}

func NewDuckDuckGo(maxResults int) (*DuckDuckGo, error) {
	if maxResults <= 0 {
		maxResults = 10
	}
	ddg, err := duckduckgo.New(maxResults, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return &DuckDuckGo{client: ddg}, nil
}

func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Item, error) {
	res, err := d.client.Call(ctx, query)
	if err != nil {
		if errs.IsTransient(err) {
			return nil, errs.NewTransientError(err, fmt.Sprintf("search failed: %v", err))
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return parseResults(res), nil
}

// parseResults reads the tool's "Title:/Description:/URL:" blocks.
func parseResults(text string) []Item {
	var items []Item
	for _, block := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n") {
		meta := map[string]string{}
		var title string
		for _, line := range strings.Split(block, "\n") {
			key, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			value = strings.TrimSpace(value)
			switch strings.TrimSpace(key) {
			case "Title":
				title = value
			case "Description":
				meta["description"] = value
			case "URL":
				meta["url"] = value
			}
		}
		if title == "" && meta["url"] == "" {
			continue
		}
		key := meta["url"]
		if key == "" {
			key = title
		}
		items = append(items, Item{ID: StableID(key), Title: title, Metadata: meta})
	}
	return Dedupe(items)
}
