// Package chromem implements the vector index port with the embedded
// chromem-go database, and an Ollama embedding provider built on its
// embedding functions.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/philippgille/chromem-go"

	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/port/embedding"
)

var (
	_ embedding.Indexer  = (*Index)(nil)
	_ embedding.Provider = (*OllamaProvider)(nil)
)

// EmbedFunc embeds a text. service.EmbeddingService.Embed satisfies it.
type EmbedFunc func(ctx context.Context, text string) ([]float32, error)

// SearchResult is one similarity match.
type SearchResult struct {
	ID         string            `json:"id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata"`
	Similarity float32           `json:"similarity"`
}

// Index stores collected items in a chromem collection.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewIndex opens the collection. An empty persistDir keeps the index in memory.
func NewIndex(collection, persistDir string, embed EmbedFunc) (*Index, error) {
	if embed == nil {
		return nil, errors.New("chromem: embed func is required")
	}
	if collection == "" {
		collection = "default"
	}

	var (
		db  *chromem.DB
		err error
	)
	if persistDir != "" {
		db, err = chromem.NewPersistentDB(filepath.Join(persistDir, "chromem"), true)
		if err != nil {
			return nil, fmt.Errorf("chromem: open persistent db: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	c, err := db.GetOrCreateCollection(collection, nil, chromem.EmbeddingFunc(embed))
	if err != nil {
		return nil, fmt.Errorf("chromem: collection %s: %w", collection, err)
	}
	return &Index{db: db, collection: c}, nil
}

// Index embeds and stores a document, replacing any document with the same id.
func (i *Index) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	err := i.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: metadata,
	})
	if err != nil {
		return fmt.Errorf("chromem: add document %s: %w", id, err)
	}
	return nil
}

// Search returns up to topK documents most similar to query. where filters
// on exact metadata values, e.g. {"user_id": "u1"}.
func (i *Index) Search(ctx context.Context, query string, topK int, where map[string]string) ([]SearchResult, error) {
	count := i.collection.Count()
	if count == 0 {
		return []SearchResult{}, nil
	}
	if topK <= 0 {
		topK = 5
	}
	if topK > count {
		topK = count
	}

	results, err := i.collection.Query(ctx, query, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query: %w", err)
	}
	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		out = append(out, SearchResult{
			ID:         r.ID,
			Content:    r.Content,
			Metadata:   r.Metadata,
			Similarity: r.Similarity,
		})
	}
	return out, nil
}

// Count returns the number of indexed documents.
func (i *Index) Count() int {
	return i.collection.Count()
}

// OllamaProvider embeds text with a local Ollama server.
type OllamaProvider struct {
	embed chromem.EmbeddingFunc
}

// NewOllamaProvider creates an embedding provider from the Ollama settings.
func NewOllamaProvider(cfg config.Embedding) *OllamaProvider {
	return &OllamaProvider{embed: chromem.NewEmbeddingFuncOllama(cfg.OllamaModel, cfg.OllamaURL)}
}

func (p *OllamaProvider) Name() string { return "ollama" }

func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := p.embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	return vec, nil
}
