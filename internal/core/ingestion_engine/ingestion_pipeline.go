package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/metrics"
	"github.com/handoverhq/docsearch/internal/models"
)

const finishTimeout = 10 * time.Second

// NewDocumentIngestor constructs the ingestor with a bounded job queue.
func NewDocumentIngestor(
	docs core.DocumentStore,
	chunks core.ChunkStore,
	obj core.ObjectClient,
	embedder *Embedder,
	extractor core.DocumentExtractor,
	chunker *Chunker,
	cfg *IngestConfig,
	m *metrics.Metrics,
	log *slog.Logger,
) *DocumentIngestor {
	if cfg == nil {
		cfg = &IngestConfig{}
	}
	if cfg.DocumentTimeout <= 0 {
		cfg.DocumentTimeout = 5 * time.Minute
	}
	if cfg.DocumentConcurrency <= 0 {
		cfg.DocumentConcurrency = 5
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if log == nil {
		log = slog.Default()
	}
	return &DocumentIngestor{
		docs: docs, chunks: chunks, obj: obj, embedder: embedder,
		extractor: extractor, chunker: chunker, cfg: cfg,
		jobs:    make(chan Job, cfg.QueueSize),
		metrics: m, log: log,
	}
}

// IngestDocument runs the whole write path for one document and records the
// final status. The returned error is non-nil only for fatal failures; per-chunk
// failures are reported in the result.
func (i *DocumentIngestor) IngestDocument(ctx context.Context, req IngestRequest) (IngestResult, error) {
	res := IngestResult{DocumentID: req.DocumentID, Errors: []ChunkError{}}
	if err := req.Scope.Validate(); err != nil {
		return res, err
	}
	tenantID := req.Scope.TenantID

	doc, err := i.docs.GetDocument(ctx, tenantID, req.DocumentID)
	if err != nil {
		return res, fmt.Errorf("load document %s: %w", req.DocumentID, err)
	}
	if !models.SameScheme(doc.SchemeID, req.Scope.SchemeID) {
		return res, fmt.Errorf("%w: document %s belongs to another scheme", core.ErrScopeMismatch, doc.ID)
	}
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = doc.MimeType
	}

	if err := i.docs.SetDocumentStatus(ctx, tenantID, doc.ID, models.StatusProcessing, req.Force); err != nil {
		return res, fmt.Errorf("mark processing: %w", err)
	}

	log := i.log.With(slog.String("document_id", doc.ID), slog.String("tenant_id", tenantID))
	log.Info("ingestion started", slog.String("mime_type", mimeType), slog.Int("bytes", len(req.Data)))
	start := time.Now()

	runCtx, cancel := context.WithTimeout(ctx, i.cfg.DocumentTimeout)
	defer cancel()

	runErr := i.run(runCtx, doc, req.Data, mimeType, &res, log)
	if runErr != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		runErr = fmt.Errorf("%w: document exceeded %s", core.ErrTimeout, i.cfg.DocumentTimeout)
	}

	// Status writes must land even when ctx is cancelled or timed out.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancelFinish()

	if runErr != nil && !errors.Is(runErr, core.ErrDocumentGone) && res.ChunksInserted > 0 {
		// a failed document is not searchable; drop what this run wrote
		if _, err := i.chunks.DeleteChunksByDocument(finishCtx, tenantID, doc.ID); err != nil {
			log.Error("removing chunks of failed document", slog.Any("error", err))
		} else {
			res.ChunksInserted = 0
		}
	}

	res.Status = models.StatusCompleted
	lastError := ""
	if runErr != nil {
		res.Status = models.StatusFailed
		lastError = runErr.Error()
		res.Error = lastError
	} else if res.ChunksFailed > 0 {
		// recorded so backfill retries a document whose chunks all failed
		lastError = fmt.Sprintf("%d of %d chunks failed", res.ChunksFailed, res.TotalChunks)
	}

	if errors.Is(runErr, core.ErrDocumentGone) {
		runErr = i.discardOrphans(finishCtx, tenantID, doc.ID, &res, log)
	} else {
		err := i.docs.FinishDocument(finishCtx, tenantID, doc.ID, res.Status, res.ChunksInserted, lastError)
		if errors.Is(err, core.ErrNotFound) {
			runErr = i.discardOrphans(finishCtx, tenantID, doc.ID, &res, log)
		} else if err != nil {
			log.Error("recording final status", slog.Any("error", err))
			if runErr == nil {
				runErr = fmt.Errorf("%w: record final status: %v", core.ErrStorageWriteFailed, err)
			}
		}
	}

	res.Success = runErr == nil
	i.metrics.DocumentFinished(string(res.Status), time.Since(start))
	log.Info("ingestion finished",
		slog.String("status", string(res.Status)),
		slog.Int("chunks_inserted", res.ChunksInserted),
		slog.Int("chunks_failed", res.ChunksFailed),
		slog.Int("total_chunks", res.TotalChunks),
		slog.Duration("duration", time.Since(start)),
	)
	return res, runErr
}

// run is the body of IngestDocument: clear, extract, chunk, embed, store.
func (i *DocumentIngestor) run(ctx context.Context, doc *models.Document, data []byte, mimeType string, res *IngestResult, log *slog.Logger) error {
	// chunks from an earlier attempt are replaced, never appended to
	if _, err := i.chunks.DeleteChunksByDocument(ctx, doc.TenantID, doc.ID); err != nil {
		return fmt.Errorf("%w: clear previous chunks: %v", core.ErrStorageWriteFailed, err)
	}

	text, err := i.extractor.Extract(ctx, data, mimeType)
	if errors.Is(err, core.ErrNoExtractableText) {
		log.Info("no extractable text, completing without chunks", slog.Any("reason", err))
		return nil
	}
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	pieces := i.chunker.Chunk(text)
	res.TotalChunks = len(pieces)
	if len(pieces) == 0 {
		return nil
	}

	docID := doc.ID
	return i.embedAndPersist(ctx, doc.TenantID, pieces, res, log, func() *models.Chunk {
		return &models.Chunk{
			TenantID:   doc.TenantID,
			SchemeID:   doc.SchemeID,
			DocumentID: &docID,
			SourceType: models.SourceDocument,
			Discipline: doc.Discipline,
			HouseType:  doc.HouseType,
		}
	})
}

// embedAndPersist embeds every piece and inserts the ones that succeeded,
// in chunk order. newChunk supplies the provenance of each row.
func (i *DocumentIngestor) embedAndPersist(ctx context.Context, tenantID string, pieces []TextChunk, res *IngestResult, log *slog.Logger, newChunk func() *models.Chunk) error {
	texts := make([]string, len(pieces))
	for k := range pieces {
		texts[k] = pieces[k].Text
	}
	embedded := i.embedder.EmbedBatch(ctx, tenantID, texts)

	for k, p := range pieces {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := embedded[k].Err; err != nil {
			log.Warn("chunk embedding failed", slog.Int("chunk_index", p.Index), slog.Any("error", err))
			res.Errors = append(res.Errors, ChunkError{Index: p.Index, Stage: "embed", Message: err.Error(), Err: err})
			res.ChunksFailed++
			i.metrics.Chunks("embed_failed", 1)
			continue
		}

		ch := newChunk()
		ch.ID = uuid.NewString()
		ch.Index = p.Index
		ch.Text = p.Text
		ch.Embedding = embedded[k].Vector
		ch.Metadata = p.Metadata

		if err := i.chunks.InsertChunk(ctx, ch); err != nil {
			if errors.Is(err, core.ErrDocumentGone) {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			err = fmt.Errorf("%w: %v", core.ErrStorageWriteFailed, err)
			log.Warn("chunk insert failed", slog.Int("chunk_index", p.Index), slog.Any("error", err))
			res.Errors = append(res.Errors, ChunkError{Index: p.Index, Stage: "store", Message: err.Error(), Err: err})
			res.ChunksFailed++
			i.metrics.Chunks("store_failed", 1)
			continue
		}
		res.ChunksInserted++
		i.metrics.Chunks("stored", 1)
	}
	return nil
}

// discardOrphans removes chunks written for a document deleted mid-ingestion.
func (i *DocumentIngestor) discardOrphans(ctx context.Context, tenantID, docID string, res *IngestResult, log *slog.Logger) error {
	n, err := i.chunks.DeleteChunksByDocument(ctx, tenantID, docID)
	if err != nil {
		log.Error("removing orphan chunks", slog.Any("error", err))
	}
	log.Warn("document deleted during ingestion, discarded chunks", slog.Int("discarded", n))
	res.ChunksInserted = 0
	res.Status = models.StatusFailed
	res.Error = core.ErrDocumentGone.Error()
	return core.ErrDocumentGone
}

// IngestText chunks, embeds and stores free text (training material or
// manual notes) that has no parent document.
func (i *DocumentIngestor) IngestText(ctx context.Context, req TextRequest) (IngestResult, error) {
	res := IngestResult{Errors: []ChunkError{}}
	if err := req.Scope.Validate(); err != nil {
		return res, err
	}
	if req.SourceType != models.SourceTraining && req.SourceType != models.SourceManual {
		return res, fmt.Errorf("%w: source type must be training or manual, got %q", core.ErrBadRequest, req.SourceType)
	}
	text := Normalize(req.Text)
	if text == "" {
		return res, fmt.Errorf("%w: text is empty", core.ErrBadRequest)
	}

	runCtx, cancel := context.WithTimeout(ctx, i.cfg.DocumentTimeout)
	defer cancel()

	log := i.log.With(slog.String("tenant_id", req.Scope.TenantID), slog.String("source_type", string(req.SourceType)))
	pieces := i.chunker.Chunk(text)
	res.TotalChunks = len(pieces)

	err := i.embedAndPersist(runCtx, req.Scope.TenantID, pieces, &res, log, func() *models.Chunk {
		return &models.Chunk{
			TenantID:   req.Scope.TenantID,
			SchemeID:   req.Scope.SchemeID,
			SourceType: req.SourceType,
			Discipline: req.Discipline,
			HouseType:  strings.TrimSpace(req.HouseType),
		}
	})
	if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("%w: text ingestion exceeded %s", core.ErrTimeout, i.cfg.DocumentTimeout)
	}
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
	}
	return res, err
}

// IngestOutcome pairs a request's result with its fatal error, if any.
type IngestOutcome struct {
	Result IngestResult
	Err    error
}

// IngestMany ingests independent documents concurrently, at most
// cfg.DocumentConcurrency at a time. Outcomes are parallel to reqs.
func (i *DocumentIngestor) IngestMany(ctx context.Context, reqs []IngestRequest) []IngestOutcome {
	out := make([]IngestOutcome, len(reqs))

	var g errgroup.Group
	g.SetLimit(i.cfg.DocumentConcurrency)
	for k, req := range reqs {
		k, req := k, req
		g.Go(func() error {
			res, err := i.IngestDocument(ctx, req)
			out[k] = IngestOutcome{Result: res, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
