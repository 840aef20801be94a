// Package openai implements the embedding port against the OpenAI (or any
// OpenAI-compatible) embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/Strob0t/curator/internal/config"
	"github.com/Strob0t/curator/internal/port/embedding"
	"github.com/Strob0t/curator/internal/resilience"
)

const providerName = "openai"

var _ embedding.Provider = (*Provider)(nil)

// Provider embeds text with the OpenAI embeddings endpoint.
type Provider struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
}

// NewProvider creates a Provider from the embedding configuration.
func NewProvider(cfg config.Embedding) (*Provider, error) {
	if cfg.OpenAIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.OpenAIKey)
	if cfg.OpenAIBaseURL != "" {
		clientCfg.BaseURL = cfg.OpenAIBaseURL
	}
	model := cfg.OpenAIModel
	if model == "" {
		model = string(goopenai.SmallEmbedding3)
	}
	return &Provider{
		client: goopenai.NewClientWithConfig(clientCfg),
		model:  goopenai.EmbeddingModel(model),
	}, nil
}

func (p *Provider) Name() string { return providerName }

// Embed returns the embedding vector of text. HTTP 429 responses are
// reported as resilience.ErrRateLimited.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequestStrings{
		Input: []string{text},
		Model: p.model,
	})
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("openai embed: %w: %v", resilience.ErrRateLimited, err)
		}
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("openai embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}
