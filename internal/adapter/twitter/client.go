// Package twitter implements the twitter agent executor on top of the
// Twitter API v2 recent search endpoint.
package twitter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	cfotel "github.com/Strob0t/curator/internal/adapter/otel"
	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/resilience"
)

// Search API bounds for max_results.
const (
	minResults = 10
	maxResults = 100
)

// ErrUnauthorized is returned when the bearer token is rejected.
var ErrUnauthorized = errors.New("twitter: unauthorized")

// Tweet is a search hit joined with its author.
type Tweet struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	AuthorID       string    `json:"author_id"`
	AuthorUsername string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// URL is the canonical link to the tweet.
func (t Tweet) URL() string {
	user := t.AuthorUsername
	if user == "" {
		user = "i"
	}
	return "https://twitter.com/" + user + "/status/" + t.ID
}

type searchResponse struct {
	Data     []Tweet `json:"data"`
	Includes struct {
		Users []struct {
			ID       string `json:"id"`
			Username string `json:"username"`
		} `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int `json:"result_count"`
	} `json:"meta"`
}

// Client calls the recent search endpoint. Every request is paced by the
// window limiter, rate-limit responses are retried with backoff, and
// repeated hard failures open the breaker.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *resilience.WindowLimiter
	retry      resilience.RetryPolicy
	breaker    *resilience.Breaker
}

// NewClient creates a Client from the twitter configuration.
func NewClient(cfg config.Twitter) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.BearerToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: resilience.NewWindowLimiter("twitter", cfg.Window, cfg.WindowRequests, cfg.MinSpacing),
		retry: resilience.RetryPolicy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
			MaxDelay:    cfg.RetryMaxDelay,
		},
		breaker: resilience.NewBreaker(cfg.BreakerMaxFailures, cfg.BreakerCooldown),
	}
}

// Search returns recent tweets matching query.
func (c *Client) Search(ctx context.Context, query string, limit int) ([]Tweet, error) {
	if c.token == "" {
		return nil, fmt.Errorf("%w: bearer token not configured", ErrUnauthorized)
	}
	limit = min(max(limit, minResults), maxResults)

	ctx, span := cfotel.StartUpstreamSpan(ctx, source, "search")
	defer span.End()

	var tweets []Tweet
	err := c.breaker.Do(func() error {
		var err error
		tweets, err = resilience.RetryOnRateLimit(ctx, c.retry, func(ctx context.Context) ([]Tweet, error) {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return c.search(ctx, query, limit)
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("twitter search %q: %w", query, err)
	}
	return tweets, nil
}

func (c *Client) search(ctx context.Context, query string, limit int) ([]Tweet, error) {
	params := url.Values{}
	params.Set("query", query)
	params.Set("max_results", strconv.Itoa(limit))
	params.Set("tweet.fields", "created_at,author_id")
	params.Set("expansions", "author_id")
	params.Set("user.fields", "username")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/tweets/search/recent?"+params.Encode(), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: %s", resilience.ErrRateLimited, resp.Header.Get("x-rate-limit-reset"))
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusServiceUnavailable ||
		resp.StatusCode == http.StatusBadGateway ||
		resp.StatusCode == http.StatusGatewayTimeout:
		return nil, fmt.Errorf("%w: twitter status %d", executor.ErrServiceUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("twitter status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var result searchResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal search response: %w", err)
	}

	users := make(map[string]string, len(result.Includes.Users))
	for _, u := range result.Includes.Users {
		users[u.ID] = u.Username
	}
	for i := range result.Data {
		result.Data[i].AuthorUsername = users[result.Data[i].AuthorID]
	}
	return result.Data, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
