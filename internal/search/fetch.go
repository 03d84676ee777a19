package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"

	"github.com/rahul/relay/internal/errs"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	maxPageText      = 50000
)

// ReadabilityFetcher downloads a page over HTTP and extracts its main
// content.
type ReadabilityFetcher struct {
	Client    *http.Client
	UserAgent string
}

func NewReadabilityFetcher(timeout time.Duration) *ReadabilityFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ReadabilityFetcher{
		Client:    &http.Client{Timeout: timeout},
		UserAgent: defaultUserAgent,
	}
}

func (f *ReadabilityFetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", f.UserAgent)

	resp, err := f.Client.Do(req)
	if err != nil {
		if errs.IsTransient(err) {
			return nil, errs.NewTransientError(err, fmt.Sprintf("fetch %s: %v", rawURL, err))
		}
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch failed: status code %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &errs.TransientError{Err: err, StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return nil, err
	}
	return extract(resp.Body, parsed)
}

// extract runs readability over an HTML document and strips any markup left
// in the text.
func extract(r io.Reader, pageURL *url.URL) (*Page, error) {
	article, err := readability.FromReader(r, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse article: %w", err)
	}
	p := bluemonday.StrictPolicy()
	text := strings.TrimSpace(p.Sanitize(article.TextContent))
	if len(text) > maxPageText {
		text = text[:maxPageText] + "\n... (content truncated) ..."
	}
	return &Page{
		Title:   strings.TrimSpace(article.Title),
		Excerpt: strings.TrimSpace(p.Sanitize(article.Excerpt)),
		Text:    text,
	}, nil
}

// Summary renders a page for a prompt.
func (p *Page) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "TITLE: %s\n", p.Title)
	if p.Excerpt != "" {
		fmt.Fprintf(&b, "EXCERPT: %s\n", p.Excerpt)
	}
	b.WriteString("\n-- CONTENT --\n")
	b.WriteString(p.Text)
	return b.String()
}
