// Package cachestore provides a SQLite-backed implementation of the embedding
// and search result caches, for single-host deployments that keep documents in
// Postgres but do not want cache churn there, and for local development.
package cachestore

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/models"
)

var (
	_ core.EmbeddingCacheStore = (*SQLiteStore)(nil)
	_ core.SearchCacheStore    = (*SQLiteStore)(nil)
)

// SQLiteStore is a cache store backed by a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (or creates) a SQLiteStore at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cachestore: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS embedding_cache (
    content_hash      TEXT    NOT NULL,
    model             TEXT    NOT NULL,
    dimensions        INTEGER NOT NULL,
    embedding         BLOB    NOT NULL,  -- little-endian float32
    created_by_tenant TEXT    NOT NULL DEFAULT '',
    hit_count         INTEGER NOT NULL DEFAULT 0,
    created_at        INTEGER NOT NULL,  -- Unix timestamp (seconds)
    PRIMARY KEY (content_hash, model, dimensions)
);
CREATE TABLE IF NOT EXISTS search_cache (
    tenant_id   TEXT    NOT NULL,
    query_hash  TEXT    NOT NULL,
    filter_hash TEXT    NOT NULL,
    results     TEXT    NOT NULL,
    hit_count   INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    expires_at  INTEGER NOT NULL,  -- Unix timestamp (milliseconds)
    PRIMARY KEY (tenant_id, query_hash, filter_hash)
);
CREATE INDEX IF NOT EXISTS idx_search_cache_expires ON search_cache (expires_at);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("cachestore: migrate: %w", err)
	}
	return nil
}

// GetEmbedding returns nil, nil on a miss and bumps the hit counter on a hit.
func (s *SQLiteStore) GetEmbedding(ctx context.Context, hash, model string, dims int) (*models.EmbeddingCacheEntry, error) {
	const q = `
UPDATE embedding_cache SET hit_count = hit_count + 1
WHERE  content_hash = ? AND model = ? AND dimensions = ?
RETURNING embedding, created_by_tenant, hit_count, created_at`

	var (
		blob []byte
		ts   int64
	)
	e := models.EmbeddingCacheEntry{Hash: hash, Model: model, Dimensions: dims}
	err := s.db.QueryRowContext(ctx, q, hash, model, dims).Scan(&blob, &e.TenantID, &e.HitCount, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cachestore: get embedding: %w", err)
	}
	e.Vector, err = decodeVector(blob)
	if err != nil {
		return nil, fmt.Errorf("cachestore: get embedding %s: %w", hash, err)
	}
	e.CreatedAt = time.Unix(ts, 0).UTC()
	return &e, nil
}

// PutEmbedding inserts the entry unless the key already exists.
func (s *SQLiteStore) PutEmbedding(ctx context.Context, e *models.EmbeddingCacheEntry) error {
	const q = `
INSERT INTO embedding_cache (content_hash, model, dimensions, embedding, created_by_tenant, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (content_hash, model, dimensions) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, q,
		e.Hash, e.Model, e.Dimensions, encodeVector(e.Vector), e.TenantID, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("cachestore: put embedding: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteEmbeddingsExcept(ctx context.Context, model string, dims int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM embedding_cache WHERE model <> ? OR dimensions <> ?`, model, dims)
	if err != nil {
		return 0, fmt.Errorf("cachestore: invalidate embeddings: %w", err)
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) GetSearchResults(ctx context.Context, tenantID, queryHash, filterHash string, now time.Time) ([]byte, bool, error) {
	const q = `
UPDATE search_cache SET hit_count = hit_count + 1
WHERE  tenant_id = ? AND query_hash = ? AND filter_hash = ? AND expires_at > ?
RETURNING results`

	var payload string
	err := s.db.QueryRowContext(ctx, q, tenantID, queryHash, filterHash, now.UnixMilli()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cachestore: get search results: %w", err)
	}
	return []byte(payload), true, nil
}

func (s *SQLiteStore) PutSearchResults(ctx context.Context, tenantID, queryHash, filterHash string, payload []byte, expiresAt time.Time) error {
	const q = `
INSERT INTO search_cache (tenant_id, query_hash, filter_hash, results, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (tenant_id, query_hash, filter_hash)
DO UPDATE SET results = excluded.results, expires_at = excluded.expires_at,
              hit_count = 0, created_at = excluded.created_at`
	if _, err := s.db.ExecContext(ctx, q,
		tenantID, queryHash, filterHash, string(payload), time.Now().Unix(), expiresAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("cachestore: put search results: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteExpiredSearchResults(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM search_cache WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cachestore: purge search results: %w", err)
	}
	return res.RowsAffected()
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
