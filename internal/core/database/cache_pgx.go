package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/handoverhq/docsearch/internal/models"
)

// Embedding cache

func (c *DatabaseClient) GetEmbedding(ctx context.Context, hash, model string, dims int) (*models.EmbeddingCacheEntry, error) {
	const q = `
		UPDATE embedding_cache SET hit_count = hit_count + 1
		WHERE content_hash = $1 AND model = $2 AND dimensions = $3
		RETURNING content_hash, model, dimensions, embedding, created_by_tenant, hit_count, created_at
	`
	var (
		e   models.EmbeddingCacheEntry
		vec pgvector.Vector
	)
	err := c.db.QueryRowContext(ctx, q, hash, model, dims).Scan(
		&e.Hash, &e.Model, &e.Dimensions, &vec, &e.TenantID, &e.HitCount, &e.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Vector = vec.Slice()
	return &e, nil
}

// PutEmbedding is an idempotent insert; a concurrent producer of the same
// key makes this a no-op.
func (c *DatabaseClient) PutEmbedding(ctx context.Context, e *models.EmbeddingCacheEntry) error {
	const q = `
		INSERT INTO embedding_cache (content_hash, model, dimensions, embedding, created_by_tenant)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (content_hash, model, dimensions) DO NOTHING
	`
	_, err := c.db.ExecContext(ctx, q, e.Hash, e.Model, e.Dimensions, pgvector.NewVector(e.Vector), e.TenantID)
	return err
}

func (c *DatabaseClient) DeleteEmbeddingsExcept(ctx context.Context, model string, dims int) (int64, error) {
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM embedding_cache WHERE model <> $1 OR dimensions <> $2`, model, dims)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Search result cache

func (c *DatabaseClient) GetSearchResults(ctx context.Context, tenantID, queryHash, filterHash string, now time.Time) ([]byte, bool, error) {
	const q = `
		UPDATE search_cache SET hit_count = hit_count + 1
		WHERE tenant_id = $1 AND query_hash = $2 AND filter_hash = $3 AND expires_at > $4
		RETURNING results
	`
	var payload []byte
	err := c.db.QueryRowContext(ctx, q, tenantID, queryHash, filterHash, now).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (c *DatabaseClient) PutSearchResults(ctx context.Context, tenantID, queryHash, filterHash string, payload []byte, expiresAt time.Time) error {
	const q = `
		INSERT INTO search_cache (tenant_id, query_hash, filter_hash, results, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, query_hash, filter_hash)
		DO UPDATE SET results = EXCLUDED.results, expires_at = EXCLUDED.expires_at,
		              hit_count = 0, created_at = now()
	`
	_, err := c.db.ExecContext(ctx, q, tenantID, queryHash, filterHash, string(payload), expiresAt)
	return err
}

func (c *DatabaseClient) DeleteExpiredSearchResults(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM search_cache WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
