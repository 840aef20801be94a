package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Strob0t/curator/internal/domain/content"
	"github.com/Strob0t/curator/internal/port/embedding"
	"github.com/Strob0t/curator/internal/resilience"
)

// ErrNoEmbeddingProvider is returned when embedding is requested without any
// configured provider.
var ErrNoEmbeddingProvider = errors.New("no embedding provider configured")

// EmbeddingService embeds text through an ordered provider chain and indexes
// collected items for similarity search.
type EmbeddingService struct {
	providers []embedding.Provider
	index     embedding.Indexer
}

// NewEmbeddingService creates an EmbeddingService. Providers are tried in the
// given order; the first is the primary.
func NewEmbeddingService(providers ...embedding.Provider) *EmbeddingService {
	return &EmbeddingService{providers: providers}
}

// SetIndexer attaches the vector index used by IndexItem.
func (s *EmbeddingService) SetIndexer(idx embedding.Indexer) {
	s.index = idx
}

// Embed returns the embedding of text from the first provider that succeeds.
func (s *EmbeddingService) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(s.providers) == 0 {
		return nil, ErrNoEmbeddingProvider
	}
	attempts := make([]resilience.Attempt[[]float32], 0, len(s.providers))
	for _, p := range s.providers {
		attempts = append(attempts, resilience.Attempt[[]float32]{
			Name: p.Name(),
			Fn: func(ctx context.Context) ([]float32, error) {
				return p.Embed(ctx, text)
			},
		})
	}

	vec, provider, err := resilience.Chain(ctx, attempts...)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	slog.DebugContext(ctx, "text embedded", "provider", provider, "dimensions", len(vec))
	return vec, nil
}

// IndexItem stores an item in the vector index. Placeholder items and calls
// without an index are skipped.
func (s *EmbeddingService) IndexItem(ctx context.Context, item *content.Item) error {
	if s.index == nil || item.Placeholder {
		return nil
	}
	text := strings.TrimSpace(item.Title + "\n" + item.Body)
	if text == "" {
		return nil
	}
	meta := map[string]string{
		"user_id":  item.UserID,
		"agent_id": item.AgentID,
		"source":   item.Source,
	}
	if item.URL != "" {
		meta["url"] = item.URL
	}
	if err := s.index.Index(ctx, item.ID, text, meta); err != nil {
		return fmt.Errorf("index item %s: %w", item.ID, err)
	}
	return nil
}
