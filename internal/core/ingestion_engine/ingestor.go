package ingestion_engine

import "context"

// Ingestor is what the HTTP layer and the CLI need from the ingestion engine.
type Ingestor interface {
	Start(ctx context.Context, numWorkers int)
	Enqueue(ctx context.Context, job Job) error
	IngestDocument(ctx context.Context, req IngestRequest) (IngestResult, error)
	IngestText(ctx context.Context, req TextRequest) (IngestResult, error)
}

var _ Ingestor = (*DocumentIngestor)(nil)
