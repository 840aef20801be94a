// Package embedding defines the port for text embedding providers.
package embedding

import "context"

// Provider turns text into a vector.
type Provider interface {
	// Name identifies the provider in logs (e.g. "openai", "ollama").
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Indexer stores embedded documents for later similarity search.
type Indexer interface {
	Index(ctx context.Context, id, text string, metadata map[string]string) error
}
