package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/ingestion_engine"
	"github.com/handoverhq/docsearch/internal/models"
)

// Ingestor is the part of the ingestion engine the document service drives.
type Ingestor interface {
	Enqueue(ctx context.Context, job ingestion_engine.Job) error
	IngestDocument(ctx context.Context, req ingestion_engine.IngestRequest) (ingestion_engine.IngestResult, error)
	IngestText(ctx context.Context, req ingestion_engine.TextRequest) (ingestion_engine.IngestResult, error)
	Backfill(ctx context.Context, limit int) (ingestion_engine.BackfillReport, error)
}

// UploadRequest describes a new document. Scope decides who owns it.
type UploadRequest struct {
	Scope        core.Scope
	FileName     string
	MimeType     string
	Data         []byte
	Discipline   models.Discipline
	HouseType    string
	Important    bool
	MustRead     bool
	AIClassified bool
}

// DocumentService owns the document lifecycle: stored bytes, the document
// row and the ingestion jobs that fill its chunks.
type DocumentService struct {
	docs     core.DocumentStore
	storage  core.ObjectClient
	ingestor Ingestor
	log      *slog.Logger
}

func NewDocumentService(docs core.DocumentStore, storage core.ObjectClient, ing Ingestor, log *slog.Logger) *DocumentService {
	if log == nil {
		log = slog.Default()
	}
	return &DocumentService{docs: docs, storage: storage, ingestor: ing, log: log}
}

// Upload stores the file, records a pending document and queues it for
// ingestion. The returned document is pending; ingestion runs in the background.
func (s *DocumentService) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	doc, err := s.store(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := s.ingestor.Enqueue(ctx, ingestion_engine.Job{TenantID: doc.TenantID, DocumentID: doc.ID}); err != nil {
		// the row stays pending; backfill picks it up
		s.log.Warn("enqueue failed", slog.String("document_id", doc.ID), slog.Any("error", err))
	}
	return doc, nil
}

// UploadAndIngest stores the file and ingests it before returning.
func (s *DocumentService) UploadAndIngest(ctx context.Context, req UploadRequest) (*models.Document, ingestion_engine.IngestResult, error) {
	doc, err := s.store(ctx, req)
	if err != nil {
		return nil, ingestion_engine.IngestResult{}, err
	}
	res, err := s.ingestor.IngestDocument(ctx, ingestion_engine.IngestRequest{
		Scope:      req.Scope,
		DocumentID: doc.ID,
		Data:       req.Data,
		MimeType:   doc.MimeType,
	})
	if updated, gerr := s.docs.GetDocument(ctx, doc.TenantID, doc.ID); gerr == nil {
		doc = updated
	}
	return doc, res, err
}

func (s *DocumentService) store(ctx context.Context, req UploadRequest) (*models.Document, error) {
	if err := req.Scope.Validate(); err != nil {
		return nil, err
	}
	if len(req.Data) == 0 {
		return nil, fmt.Errorf("%w: file is empty", core.ErrBadRequest)
	}
	name := cleanFileName(req.FileName)
	if name == "" {
		return nil, fmt.Errorf("%w: file name is required", core.ErrBadRequest)
	}
	mimeType := strings.TrimSpace(req.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	docID := uuid.NewString()
	key := objectKey(req.Scope, docID, name)
	if err := s.storage.UploadFile(ctx, key, bytes.NewReader(req.Data), mimeType); err != nil {
		return nil, fmt.Errorf("%w: upload %s: %v", core.ErrStorageWriteFailed, key, err)
	}

	doc := &models.Document{
		ID:           docID,
		TenantID:     req.Scope.TenantID,
		SchemeID:     req.Scope.SchemeID,
		FileName:     name,
		MimeType:     mimeType,
		StorageKey:   key,
		Status:       models.StatusPending,
		Discipline:   req.Discipline,
		HouseType:    strings.TrimSpace(req.HouseType),
		Important:    req.Important,
		MustRead:     req.MustRead,
		AIClassified: req.AIClassified,
	}
	if err := s.docs.CreateDocument(ctx, doc); err != nil {
		if derr := s.storage.DeleteFile(context.WithoutCancel(ctx), key); derr != nil {
			s.log.Warn("removing orphaned object", slog.String("key", key), slog.Any("error", derr))
		}
		return nil, fmt.Errorf("create document: %w", err)
	}
	s.log.Info("document stored",
		slog.String("document_id", doc.ID),
		slog.String("tenant_id", doc.TenantID),
		slog.String("mime_type", mimeType),
		slog.Int("bytes", len(req.Data)),
	)
	return doc, nil
}

// Ingest processes bytes for an existing document the caller can see.
func (s *DocumentService) Ingest(ctx context.Context, access core.SearchScope, id string, data []byte, mimeType string, force bool) (ingestion_engine.IngestResult, error) {
	doc, err := s.Get(ctx, access, id)
	if err != nil {
		return ingestion_engine.IngestResult{DocumentID: id}, err
	}
	return s.ingestor.IngestDocument(ctx, ingestion_engine.IngestRequest{
		Scope:      core.Scope{TenantID: doc.TenantID, SchemeID: doc.SchemeID},
		DocumentID: doc.ID,
		Data:       data,
		MimeType:   mimeType,
		Force:      force,
	})
}

// IngestText stores training or manual text that has no parent document.
func (s *DocumentService) IngestText(ctx context.Context, req ingestion_engine.TextRequest) (ingestion_engine.IngestResult, error) {
	return s.ingestor.IngestText(ctx, req)
}

// Get returns a document visible under access.
func (s *DocumentService) Get(ctx context.Context, access core.SearchScope, id string) (*models.Document, error) {
	if err := access.Validate(); err != nil {
		return nil, err
	}
	doc, err := s.docs.GetDocument(ctx, access.TenantID, id)
	if err != nil {
		return nil, err
	}
	if doc.SchemeID != nil && !access.Allows(doc.SchemeID) {
		return nil, fmt.Errorf("%w: document %s is outside the caller's schemes", core.ErrScopeMismatch, id)
	}
	return doc, nil
}

// List returns the tenant's documents, narrowed to one scheme when schemeID is set.
func (s *DocumentService) List(ctx context.Context, access core.SearchScope, schemeID *string) ([]models.Document, error) {
	if err := access.Validate(); err != nil {
		return nil, err
	}
	if schemeID != nil && !access.Allows(schemeID) {
		return nil, fmt.Errorf("%w: scheme %s", core.ErrScopeMismatch, *schemeID)
	}
	docs, err := s.docs.ListDocuments(ctx, access.TenantID, schemeID)
	if err != nil {
		return nil, err
	}
	if schemeID != nil || len(access.SchemeIDs) == 0 {
		return docs, nil
	}
	out := docs[:0]
	for _, d := range docs {
		if access.Allows(d.SchemeID) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Retry queues a failed or pending document again. force also requeues a
// completed document.
func (s *DocumentService) Retry(ctx context.Context, access core.SearchScope, id string, force bool) (*models.Document, error) {
	doc, err := s.Get(ctx, access, id)
	if err != nil {
		return nil, err
	}
	if !models.CanTransition(doc.Status, models.StatusProcessing, force) {
		return nil, fmt.Errorf("%w: document %s is %s", core.ErrInvalidTransition, id, doc.Status)
	}
	if err := s.ingestor.Enqueue(ctx, ingestion_engine.Job{TenantID: doc.TenantID, DocumentID: doc.ID, Force: force}); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return doc, nil
}

// Delete removes the document, its chunks and its stored file. A failure to
// delete the file is logged; the document is already gone by then.
func (s *DocumentService) Delete(ctx context.Context, access core.SearchScope, id string) error {
	doc, err := s.Get(ctx, access, id)
	if err != nil {
		return err
	}
	if err := s.docs.DeleteDocument(ctx, doc.TenantID, doc.ID); err != nil {
		return err
	}
	if doc.StorageKey != "" {
		if err := s.storage.DeleteFile(ctx, doc.StorageKey); err != nil && !errors.Is(err, core.ErrNotFound) {
			s.log.Warn("deleting stored file", slog.String("key", doc.StorageKey), slog.Any("error", err))
		}
	}
	s.log.Info("document deleted", slog.String("document_id", doc.ID), slog.String("tenant_id", doc.TenantID))
	return nil
}

// Backfill re-ingests documents that never produced chunks.
func (s *DocumentService) Backfill(ctx context.Context, limit int) (ingestion_engine.BackfillReport, error) {
	return s.ingestor.Backfill(ctx, limit)
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == "/" {
		return ""
	}
	return strings.ReplaceAll(name, " ", "_")
}

// objectKey lays files out per tenant and scheme.
func objectKey(scope core.Scope, docID, filename string) string {
	if scope.SchemeID != nil {
		return path.Join("tenants", scope.TenantID, "schemes", *scope.SchemeID, "documents", docID, filename)
	}
	return path.Join("tenants", scope.TenantID, "documents", docID, filename)
}
