package llm

import (
	"context"
	"fmt"
	"io"

	"github.com/handoverhq/docsearch/internal/config"
	"github.com/handoverhq/docsearch/internal/core"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewProvider builds the embedding provider named by cfg.EmbedProvider. The
// returned closer releases the provider's client.
func NewProvider(ctx context.Context, cfg *config.Config) (core.EmbeddingProvider, io.Closer, error) {
	switch cfg.EmbedProvider {
	case "gemini", "":
		g, err := NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, nil, err
		}
		return g, g, nil
	case "openai":
		o, err := NewOpenAIEmbedder(cfg.OpenAIBaseURL, cfg.OpenAIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
		if err != nil {
			return nil, nil, err
		}
		return o, nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown EMBED_PROVIDER %q (want gemini or openai)", cfg.EmbedProvider)
	}
}
