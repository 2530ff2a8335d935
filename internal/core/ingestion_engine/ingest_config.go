package ingestion_engine

import (
	"log/slog"
	"time"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/metrics"
	"github.com/handoverhq/docsearch/internal/models"
)

// IngestConfig tunes the orchestrator.
//
// DocumentTimeout:     ceiling for one document; past it the document is marked failed.
// DocumentConcurrency: documents processed at once by IngestMany.
// QueueSize:           capacity of the background job queue.
type IngestConfig struct {
	DocumentTimeout     time.Duration
	DocumentConcurrency int
	QueueSize           int
}

// IngestRequest is one unit of ingestion work: bytes for an existing document.
// Scope must match the document's tenant and scheme. Force allows a
// completed document to be processed again.
type IngestRequest struct {
	Scope      core.Scope
	DocumentID string
	Data       []byte
	MimeType   string
	Force      bool
}

// TextRequest ingests free text that has no parent document.
type TextRequest struct {
	Scope      core.Scope
	Text       string
	SourceType models.SourceType
	Discipline models.Discipline
	HouseType  string
}

// ChunkError records why one chunk was not persisted.
type ChunkError struct {
	Index   int    `json:"index"`
	Stage   string `json:"stage"` // "embed" or "store"
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// IngestResult is the summary returned to the ingesting caller.
// ChunksInserted is always the number of chunks actually persisted.
type IngestResult struct {
	DocumentID     string                `json:"document_id,omitempty"`
	Status         models.DocumentStatus `json:"status,omitempty"`
	Success        bool                  `json:"success"`
	ChunksInserted int                   `json:"chunks_inserted"`
	ChunksFailed   int                   `json:"chunks_failed"`
	TotalChunks    int                   `json:"total_chunks"`
	Errors         []ChunkError          `json:"errors"`
	Error          string                `json:"error,omitempty"`
}

// Job asks the background workers to (re)ingest a stored document.
type Job struct {
	TenantID   string
	DocumentID string
	Force      bool
}

// DocumentIngestor orchestrates extract -> chunk -> embed -> store:
//
// docs:      document rows and status.
// chunks:    chunk persistence.
// obj:       object storage, read by background jobs.
// embedder:  cached, retrying embedder.
// extractor: bytes to normalized text.
// chunker:   text to overlapping chunks.
// jobs:      in-memory queue of documents to process.
type DocumentIngestor struct {
	docs      core.DocumentStore
	chunks    core.ChunkStore
	obj       core.ObjectClient
	embedder  *Embedder
	extractor core.DocumentExtractor
	chunker   *Chunker
	cfg       *IngestConfig
	jobs      chan Job
	metrics   *metrics.Metrics
	log       *slog.Logger
}
