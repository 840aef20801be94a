// Package custom implements the executor for user-defined agents. A custom
// agent polls a JSON Feed (https://jsonfeed.org) and stores its entries,
// optionally filtered by keywords.
package custom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/resilience"
)

const maxFeedBytes = 8 << 20

// Feed is the subset of a JSON Feed document the executor reads.
type Feed struct {
	Version string     `json:"version"`
	Title   string     `json:"title"`
	Items   []FeedItem `json:"items"`
}

// FeedItem is a single JSON Feed entry.
type FeedItem struct {
	ID            string       `json:"id"`
	URL           string       `json:"url"`
	Title         string       `json:"title"`
	ContentText   string       `json:"content_text"`
	ContentHTML   string       `json:"content_html"`
	Summary       string       `json:"summary"`
	DatePublished string       `json:"date_published"`
	Authors       []FeedAuthor `json:"authors"`
	Tags          []string     `json:"tags"`
}

// FeedAuthor names an entry's author.
type FeedAuthor struct {
	Name string `json:"name"`
}

// Text returns the best plain-text body of the entry.
func (i FeedItem) Text() string {
	switch {
	case i.ContentText != "":
		return i.ContentText
	case i.Summary != "":
		return i.Summary
	default:
		return i.ContentHTML
	}
}

// Published parses DatePublished (RFC 3339). The zero time means unknown.
func (i FeedItem) Published() time.Time {
	t, err := time.Parse(time.RFC3339, i.DatePublished)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Fetcher downloads feeds with rate-limit retries.
type Fetcher struct {
	httpClient *http.Client
	retry      resilience.RetryPolicy
}

// NewFetcher creates a Fetcher whose requests are traced through otelhttp.
func NewFetcher(timeout time.Duration, retry resilience.RetryPolicy) *Fetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Fetcher{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry: retry,
	}
}

// Fetch downloads and decodes the feed at url.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*Feed, error) {
	ctx, span := cfotel.StartUpstreamSpan(ctx, source, "fetch")
	defer span.End()

	feed, err := resilience.RetryOnRateLimit(ctx, f.retry, func(ctx context.Context) (*Feed, error) {
		return f.fetch(ctx, url)
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return feed, nil
}

func (f *Fetcher) fetch(ctx context.Context, url string) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/feed+json, application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("feed %s: %w", url, resilience.ErrRateLimited)
	case resp.StatusCode == http.StatusBadGateway,
		resp.StatusCode == http.StatusServiceUnavailable,
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("feed %s returned status %d: %w", url, resp.StatusCode, executor.ErrServiceUnavailable)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("feed %s returned status %d", url, resp.StatusCode)
	}

	var feed Feed
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFeedBytes)).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return &feed, nil
}
