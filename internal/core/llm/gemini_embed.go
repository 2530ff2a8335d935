package llm

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/handoverhq/docsearch/internal/core"
)

const defaultGeminiModel = "text-embedding-004"

type GeminiEmbedder struct {
	client    *genai.Client
	modelName string
	dims      int
}

func NewGeminiEmbedder(ctx context.Context, apiKey, modelName string, dims int) (*GeminiEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini embedder: GEMINI_API_KEY is empty")
	}
	if dims <= 0 {
		return nil, fmt.Errorf("gemini embedder: dimensions must be positive, got %d", dims)
	}
	cl, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if modelName == "" {
		modelName = defaultGeminiModel
	}
	return &GeminiEmbedder{client: cl, modelName: modelName, dims: dims}, nil
}

func (g *GeminiEmbedder) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

func (g *GeminiEmbedder) Model() string { return g.modelName }

func (g *GeminiEmbedder) Dimensions() int { return g.dims }

// EmbedTexts embeds stored passages. Vectors of the wrong length are rejected
// by the caller.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, texts, genai.TaskTypeRetrievalDocument)
}

// EmbedQueries embeds search queries with the retrieval-query task type.
func (g *GeminiEmbedder) EmbedQueries(ctx context.Context, texts []string) ([][]float32, error) {
	return g.embed(ctx, texts, genai.TaskTypeRetrievalQuery)
}

// embed batches all texts in one request via EmbeddingBatch.
func (g *GeminiEmbedder) embed(ctx context.Context, texts []string, task genai.TaskType) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	em := g.client.EmbeddingModel(g.modelName)
	em.TaskType = task

	batch := em.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}

	resp, err := em.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("gemini batch embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini batch embed: expected %d embeddings, got %d", len(texts), len(resp.Embeddings))
	}

	out := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		out = append(out, e.Values)
	}
	return out, nil
}

var (
	_ core.EmbeddingProvider      = (*GeminiEmbedder)(nil)
	_ core.QueryEmbeddingProvider = (*GeminiEmbedder)(nil)
)
