package db

import (
	"context"

	"github.com/handoverhq/docsearch/internal/core"
)

// DbClient defines all persistence operations the engine needs.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	core.DocumentStore
	core.ChunkStore
	core.EmbeddingCacheStore
	core.SearchCacheStore

	Ping(ctx context.Context) error
	Close() error
}

var _ DbClient = (*DatabaseClient)(nil)
