package core

import "context"

// EmbeddingProvider is the external embedding model. EmbedTexts returns one
// vector per input, in input order.
type EmbeddingProvider interface {
	EmbedTexts(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimensions() int
}

// QueryEmbeddingProvider is implemented by providers that embed search
// queries differently from stored passages.
type QueryEmbeddingProvider interface {
	EmbedQueries(ctx context.Context, texts []string) ([][]float32, error)
}
