package ingestion_engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/models"
)

// Start runs numWorkers goroutines reading from the jobs channel until ctx is done.
func (i *DocumentIngestor) Start(ctx context.Context, numWorkers int) {
	for w := 1; w <= max(1, numWorkers); w++ {
		go func(w int) {
			for {
				select {
				case <-ctx.Done():
					i.log.Debug("ingest worker shutting down", slog.Int("worker", w))
					return
				case job := <-i.jobs:
					i.log.Info("processing document",
						slog.Int("worker", w),
						slog.String("document_id", job.DocumentID),
						slog.String("tenant_id", job.TenantID),
					)
					if err := i.processJob(ctx, job); err != nil {
						i.log.Error("document ingestion failed",
							slog.String("document_id", job.DocumentID),
							slog.Any("error", err),
						)
					}
				}
			}
		}(w)
	}
}

// Enqueue schedules a document for ingestion. It blocks while the queue is
// full and gives up when ctx is done.
func (i *DocumentIngestor) Enqueue(ctx context.Context, job Job) error {
	if job.TenantID == "" || job.DocumentID == "" {
		return fmt.Errorf("%w: job needs tenant and document ids", core.ErrBadRequest)
	}
	select {
	case i.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// processJob fetches the stored file of a queued document and ingests it.
func (i *DocumentIngestor) processJob(ctx context.Context, job Job) error {
	doc, err := i.docs.GetDocument(ctx, job.TenantID, job.DocumentID)
	if err != nil {
		return fmt.Errorf("load document: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, i.cfg.DocumentTimeout)
	data, err := i.obj.GetFile(fetchCtx, doc.StorageKey)
	cancel()
	if err != nil {
		// surface the fetch failure on the document itself
		if serr := i.docs.SetDocumentStatus(ctx, doc.TenantID, doc.ID, models.StatusProcessing, job.Force); serr == nil {
			_ = i.docs.FinishDocument(ctx, doc.TenantID, doc.ID, models.StatusFailed, 0, "fetch object: "+err.Error())
		}
		return fmt.Errorf("fetch object %s: %w", doc.StorageKey, err)
	}

	_, err = i.IngestDocument(ctx, IngestRequest{
		Scope:      core.Scope{TenantID: doc.TenantID, SchemeID: doc.SchemeID},
		DocumentID: doc.ID,
		Data:       data,
		MimeType:   doc.MimeType,
		Force:      job.Force,
	})
	return err
}

// BackfillReport summarizes a Backfill run.
type BackfillReport struct {
	StaleFailed int `json:"stale_failed"`
	Attempted   int `json:"attempted"`
	Completed   int `json:"completed"`
	Failed      int `json:"failed"`
}

// Backfill re-ingests documents that have no chunks yet, including completed
// ones whose every chunk failed. Documents stuck in processing longer than the
// per-document timeout are first marked failed so they are picked up too.
func (i *DocumentIngestor) Backfill(ctx context.Context, limit int) (BackfillReport, error) {
	var rep BackfillReport
	if limit <= 0 {
		limit = 100
	}

	stale, err := i.docs.FailStaleProcessing(ctx, 2*i.cfg.DocumentTimeout)
	if err != nil {
		return rep, fmt.Errorf("fail stale documents: %w", err)
	}
	rep.StaleFailed = stale

	docs, err := i.docs.ListDocumentsWithoutChunks(ctx, limit)
	if err != nil {
		return rep, fmt.Errorf("list documents without chunks: %w", err)
	}

	start := time.Now()
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Attempted++
		err := i.processJob(ctx, Job{TenantID: d.TenantID, DocumentID: d.ID, Force: d.Status == models.StatusCompleted})
		switch {
		case err == nil:
			rep.Completed++
		case errors.Is(err, context.Canceled):
			return rep, err
		default:
			rep.Failed++
		}
	}

	i.log.Info("backfill finished",
		slog.Int("stale_failed", rep.StaleFailed),
		slog.Int("attempted", rep.Attempted),
		slog.Int("completed", rep.Completed),
		slog.Int("failed", rep.Failed),
		slog.Duration("duration", time.Since(start)),
	)
	return rep, nil
}
