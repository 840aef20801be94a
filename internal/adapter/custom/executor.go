package custom

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/Strob0t/curator/internal/domain"
	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/port/database"
	"github.com/Strob0t/curator/internal/port/executor"
)

const source = "custom"

// DefaultMaxItems bounds a run when the agent sets no MaxItemsPerRun.
const DefaultMaxItems = 50

var _ executor.Executor = (*Executor)(nil)

type feedFetcher interface {
	Fetch(ctx context.Context, url string) (*Feed, error)
}

type itemIndexer interface {
	IndexItem(ctx context.Context, item *content.Item) error
}

// Executor stores the entries of the feed named by the agent's feed_url
// parameter.
type Executor struct {
	fetcher feedFetcher
	store   database.ContentStore
	indexer itemIndexer
}

// NewExecutor creates the custom feed executor. indexer may be nil.
func NewExecutor(fetcher feedFetcher, store database.ContentStore, indexer itemIndexer) *Executor {
	return &Executor{fetcher: fetcher, store: store, indexer: indexer}
}

// Execute fetches the feed once and saves new entries up to the item budget.
// Entries are kept only if they contain one of the keywords, when given.
func (e *Executor) Execute(ctx context.Context, ec *executor.Context) error {
	feedURL, err := feedURLParam(ec)
	if err != nil {
		return err
	}
	keywords := lower(ec.StringsParameter("keywords"))

	ec.Run.Info(ctx, "fetching feed", map[string]any{"url": feedURL})
	feed, err := e.fetcher.Fetch(ctx, feedURL)
	if err != nil {
		return err
	}

	budget := ec.MaxItems(DefaultMaxItems)
	matched := 0
	for _, fi := range feed.Items {
		if budget <= 0 {
			break
		}
		if fi.ID == "" && fi.URL == "" {
			continue
		}
		if !matches(fi, keywords) {
			continue
		}
		budget--
		matched++
		if err := e.save(ctx, ec, feedURL, fi); err != nil {
			return err
		}
	}

	ec.Run.SetResult("feed_title", feed.Title)
	ec.Run.SetResult("entries", len(feed.Items))
	ec.Run.SetResult("matched", matched)
	ec.Run.Info(ctx, "feed processed", map[string]any{"entries": len(feed.Items), "matched": matched})
	return nil
}

func (e *Executor) save(ctx context.Context, ec *executor.Context, feedURL string, fi FeedItem) error {
	externalID := fi.ID
	if externalID == "" {
		externalID = fi.URL
	}
	item := &content.Item{
		UserID:      ec.UserID,
		AgentID:     ec.Agent.ID,
		RunID:       ec.Run.ID(),
		Source:      source,
		ExternalID:  feedURL + "#" + externalID,
		Title:       fi.Title,
		Body:        fi.Text(),
		URL:         fi.URL,
		Tags:        fi.Tags,
		ContentHash: content.Hash(fi.Title, fi.Text()),
	}
	if len(fi.Authors) > 0 {
		item.Author = fi.Authors[0].Name
	}
	if t := fi.Published(); !t.IsZero() {
		item.PublishedAt = &t
	}

	added, err := e.store.SaveItem(ctx, item)
	if err != nil {
		return fmt.Errorf("save feed entry %s: %w", externalID, err)
	}
	if !added {
		ec.Run.AddItems(1, 0)
		return nil
	}
	ec.Run.AddItems(1, 1)

	if e.indexer != nil {
		if err := e.indexer.IndexItem(ctx, item); err != nil {
			slog.WarnContext(ctx, "index feed entry failed", "item_id", item.ID, "error", err)
		}
	}
	return nil
}

func feedURLParam(ec *executor.Context) (string, error) {
	v, _ := ec.Parameter("feed_url")
	raw, _ := v.(string)
	if raw == "" {
		return "", fmt.Errorf("%w: custom agent needs a feed_url parameter", domain.ErrValidation)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("%w: feed_url must be an absolute http(s) URL", domain.ErrValidation)
	}
	return raw, nil
}

func matches(fi FeedItem, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	text := strings.ToLower(fi.Title + " " + fi.Text() + " " + strings.Join(fi.Tags, " "))
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
