package core

import (
	"context"
	"io"
	"time"

	"github.com/handoverhq/docsearch/internal/models"
)

// DocumentStore persists document rows. Every call is scoped by tenant;
// there is no lookup by id alone.
type DocumentStore interface {
	CreateDocument(ctx context.Context, doc *models.Document) error
	GetDocument(ctx context.Context, tenantID, id string) (*models.Document, error)
	ListDocuments(ctx context.Context, tenantID string, schemeID *string) ([]models.Document, error)

	// SetDocumentStatus moves a document to status, failing with
	// ErrInvalidTransition when the current status does not allow it.
	SetDocumentStatus(ctx context.Context, tenantID, id string, status models.DocumentStatus, force bool) error
	// FinishDocument records the terminal status and the persisted chunk count.
	FinishDocument(ctx context.Context, tenantID, id string, status models.DocumentStatus, chunkCount int, lastError string) error
	// DeleteDocument removes the document and, by cascade, its chunks.
	DeleteDocument(ctx context.Context, tenantID, id string) error

	// ListDocumentsWithoutChunks returns documents with no persisted chunks
	// that are pending, failed, or completed with a recorded error (every
	// chunk failed), oldest first, across all tenants. Used by backfill.
	ListDocumentsWithoutChunks(ctx context.Context, limit int) ([]models.Document, error)
	// FailStaleProcessing marks documents stuck in processing longer than
	// olderThan as failed and returns how many were changed.
	FailStaleProcessing(ctx context.Context, olderThan time.Duration) (int, error)
}

// ChunkStore persists chunks with their vectors and serves the candidate
// queries used by hybrid retrieval.
type ChunkStore interface {
	// InsertChunk stores one chunk. It fails with ErrScopeMismatch when the
	// chunk's tenant or scheme differs from its parent document, and with
	// ErrDocumentGone when the parent document no longer exists.
	InsertChunk(ctx context.Context, chunk *models.Chunk) error
	DeleteChunksByDocument(ctx context.Context, tenantID, documentID string) (int, error)
	CountChunksByDocument(ctx context.Context, tenantID, documentID string) (int, error)
	SearchCandidates(ctx context.Context, q CandidateQuery) ([]Candidate, error)
}

// CandidateQuery is the semantic + lexical candidate pass of a search.
type CandidateQuery struct {
	Scope         SearchScope
	Vector        []float32
	QueryText     string
	PoolSize      int
	MinSimilarity float64
}

// Candidate is a scored passage returned by the candidate pass. Lexical is
// the raw relevance rank of QueryText against the passage.
type Candidate struct {
	ChunkID       string
	DocumentID    *string
	DocumentTitle string
	Text          string
	SourceType    models.SourceType
	Discipline    models.Discipline
	HouseType     string
	Important     bool
	MustRead      bool
	AIClassified  bool
	Similarity    float64
	Lexical       float64
}

// EmbeddingCacheStore is the content-addressed embedding cache.
type EmbeddingCacheStore interface {
	// GetEmbedding returns nil, nil on a miss. A hit increments the entry's hit counter.
	GetEmbedding(ctx context.Context, hash, model string, dims int) (*models.EmbeddingCacheEntry, error)
	// PutEmbedding inserts the entry unless one already exists for the same key.
	PutEmbedding(ctx context.Context, entry *models.EmbeddingCacheEntry) error
	// DeleteEmbeddingsExcept drops entries produced by any other model or dimensionality.
	DeleteEmbeddingsExcept(ctx context.Context, model string, dims int) (int64, error)
}

// SearchCacheStore holds serialized ranked results with an expiry.
type SearchCacheStore interface {
	// GetSearchResults returns the payload of an unexpired entry and bumps its hit counter.
	GetSearchResults(ctx context.Context, tenantID, queryHash, filterHash string, now time.Time) ([]byte, bool, error)
	PutSearchResults(ctx context.Context, tenantID, queryHash, filterHash string, payload []byte, expiresAt time.Time) error
	DeleteExpiredSearchResults(ctx context.Context, now time.Time) (int64, error)
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, key string, data io.Reader, contentType string) (err error)
	DeleteFile(ctx context.Context, key string) error
	GetFile(ctx context.Context, key string) ([]byte, error)
}
