package twitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/port/cache"
	"github.com/Strob0t/curator/internal/port/database"
	"github.com/Strob0t/curator/internal/port/executor"
	"github.com/Strob0t/curator/internal/resilience"
)

const source = "twitter"

var _ executor.Executor = (*Executor)(nil)

// searcher is the subset of *Client the executor uses.
type searcher interface {
	Search(ctx context.Context, query string, limit int) ([]Tweet, error)
}

// itemIndexer receives every newly stored item for similarity search.
type itemIndexer interface {
	IndexItem(ctx context.Context, item *content.Item) error
}

// Options configure an Executor.
type Options struct {
	MaxResults   int
	Placeholders bool
	SeenTTL      time.Duration
	Seen         cache.Cache
	Indexer      itemIndexer
}

// Executor collects tweets for the agent's keywords.
type Executor struct {
	client searcher
	store  database.ContentStore
	opts   Options
	now    func() time.Time
}

// NewExecutor creates the twitter executor.
func NewExecutor(client searcher, store database.ContentStore, opts Options) *Executor {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	return &Executor{client: client, store: store, opts: opts, now: time.Now}
}

// Execute searches each keyword in turn. Keywords that stay rate limited or
// hit an open breaker are skipped; when nothing at all is found the run
// stores labelled placeholder items instead of failing.
func (e *Executor) Execute(ctx context.Context, ec *executor.Context) error {
	keywords := queries(ec)
	if len(keywords) == 0 {
		return fmt.Errorf("%w: twitter agent needs a keywords parameter", domain.ErrValidation)
	}

	budget := ec.MaxItems(e.opts.MaxResults * len(keywords))
	var (
		found    int
		degraded int
		hardErr  error
	)
	for _, kw := range keywords {
		if budget <= 0 {
			break
		}
		tweets, err := e.client.Search(ctx, kw, min(budget, e.opts.MaxResults))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			switch {
			case errors.Is(err, resilience.ErrRateLimited), errors.Is(err, resilience.ErrCircuitOpen):
				degraded++
				ec.Run.Warn(ctx, "keyword skipped", map[string]any{"keyword": kw, "error": err.Error()})
			default:
				if hardErr == nil {
					hardErr = err
				}
				ec.Run.Error(ctx, "keyword search failed", map[string]any{"keyword": kw, "error": err.Error()})
			}
			continue
		}

		added := 0
		for _, tw := range tweets {
			if budget <= 0 {
				break
			}
			budget--
			found++
			ok, err := e.saveTweet(ctx, ec, tw, kw)
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		ec.Run.Info(ctx, "keyword searched", map[string]any{"keyword": kw, "results": len(tweets), "added": added})
	}

	ec.Run.SetResult("keywords", len(keywords))
	ec.Run.SetResult("fetched", found)

	if found > 0 {
		return nil
	}
	if hardErr != nil && degraded == 0 {
		return hardErr
	}
	if !e.opts.Placeholders {
		if hardErr != nil {
			return hardErr
		}
		ec.Run.Info(ctx, "no tweets found", nil)
		return nil
	}
	return e.placeholders(ctx, ec, keywords)
}

// saveTweet saves one tweet unless the seen cache or the store already has it.
func (e *Executor) saveTweet(ctx context.Context, ec *executor.Context, tw Tweet, keyword string) (bool, error) {
	item := &content.Item{
		UserID:      ec.UserID,
		AgentID:     ec.Agent.ID,
		RunID:       ec.Run.ID(),
		Source:      source,
		ExternalID:  tw.ID,
		Title:       title(tw),
		Body:        tw.Text,
		URL:         tw.URL(),
		Author:      tw.AuthorUsername,
		Tags:        []string{keyword},
		ContentHash: content.Hash(title(tw), tw.Text),
	}
	if !tw.CreatedAt.IsZero() {
		t := tw.CreatedAt
		item.PublishedAt = &t
	}

	ec.Run.AddItems(1, 0)
	if e.seen(ctx, item) {
		return false, nil
	}

	added, err := e.store.SaveItem(ctx, item)
	if err != nil {
		return false, fmt.Errorf("save tweet %s: %w", tw.ID, err)
	}
	e.markSeen(ctx, item)
	if !added {
		return false, nil
	}
	ec.Run.AddItems(0, 1)

	if e.opts.Indexer != nil {
		if err := e.opts.Indexer.IndexItem(ctx, item); err != nil {
			slog.WarnContext(ctx, "index tweet failed", "tweet_id", tw.ID, "error", err)
		}
	}
	return true, nil
}

func (e *Executor) placeholders(ctx context.Context, ec *executor.Context, keywords []string) error {
	now := e.now()
	for _, kw := range keywords {
		item := &content.Item{
			UserID:      ec.UserID,
			AgentID:     ec.Agent.ID,
			RunID:       ec.Run.ID(),
			Source:      source,
			ExternalID:  "placeholder:" + ec.Run.ID() + ":" + kw,
			Title:       content.PlaceholderPrefix + "No tweets available for " + kw,
			Body:        "The twitter search returned no results for this keyword, possibly due to rate limiting. This item is placeholder content, not a real tweet.",
			Tags:        []string{kw, "placeholder"},
			Placeholder: true,
			PublishedAt: &now,
		}
		item.ContentHash = content.Hash(item.Title, item.Body)
		added, err := e.store.SaveItem(ctx, item)
		if err != nil {
			return fmt.Errorf("save placeholder: %w", err)
		}
		ec.Run.AddItems(1, boolToInt(added))
	}
	ec.Run.SetResult("placeholder", true)
	ec.Run.Warn(ctx, "no tweets found, stored placeholder items", map[string]any{"keywords": len(keywords)})
	return nil
}

func (e *Executor) seen(ctx context.Context, item *content.Item) bool {
	if e.opts.Seen == nil {
		return false
	}
	_, ok, err := e.opts.Seen.Get(ctx, item.SeenKey())
	if err != nil {
		slog.DebugContext(ctx, "seen cache get failed", "error", err)
		return false
	}
	return ok
}

func (e *Executor) markSeen(ctx context.Context, item *content.Item) {
	if e.opts.Seen == nil {
		return
	}
	if err := e.opts.Seen.Set(ctx, item.SeenKey(), []byte{1}, e.opts.SeenTTL); err != nil {
		slog.DebugContext(ctx, "seen cache set failed", "error", err)
	}
}

// queries returns the agent's keywords followed by its hashtags.
func queries(ec *executor.Context) []string {
	var out []string
	seen := map[string]bool{}
	add := func(q string) {
		q = strings.TrimSpace(q)
		if q != "" && !seen[q] {
			seen[q] = true
			out = append(out, q)
		}
	}
	for _, kw := range ec.StringsParameter("keywords") {
		add(kw)
	}
	for _, tag := range ec.StringsParameter("hashtags") {
		add("#" + strings.TrimPrefix(tag, "#"))
	}
	return out
}

func title(tw Tweet) string {
	text := strings.Join(strings.Fields(tw.Text), " ")
	if r := []rune(text); len(r) > 80 {
		text = string(r[:80]) + "..."
	}
	if tw.AuthorUsername != "" {
		return "@" + tw.AuthorUsername + ": " + text
	}
	return text
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
