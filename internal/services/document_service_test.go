package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/ingestion_engine"
	"github.com/handoverhq/docsearch/internal/core/memstore"
	objectclient "github.com/handoverhq/docsearch/internal/core/object-client"
	"github.com/handoverhq/docsearch/internal/logging"
	"github.com/handoverhq/docsearch/internal/models"
)

type stubIngestor struct {
	mu         sync.Mutex
	jobs       []ingestion_engine.Job
	ingested   []ingestion_engine.IngestRequest
	enqueueErr error
}

func (s *stubIngestor) Enqueue(_ context.Context, job ingestion_engine.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *stubIngestor) IngestDocument(_ context.Context, req ingestion_engine.IngestRequest) (ingestion_engine.IngestResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ingested = append(s.ingested, req)
	return ingestion_engine.IngestResult{DocumentID: req.DocumentID, Success: true, Status: models.StatusCompleted}, nil
}

func (s *stubIngestor) IngestText(context.Context, ingestion_engine.TextRequest) (ingestion_engine.IngestResult, error) {
	return ingestion_engine.IngestResult{Success: true}, nil
}

func (s *stubIngestor) Backfill(context.Context, int) (ingestion_engine.BackfillReport, error) {
	return ingestion_engine.BackfillReport{Attempted: 2, Completed: 2}, nil
}

type failingDocs struct {
	*memstore.Store
}

func (failingDocs) CreateDocument(context.Context, *models.Document) error {
	return errors.New("disk full")
}

func newService(t *testing.T) (*DocumentService, *memstore.Store, *objectclient.MemoryClient, *stubIngestor) {
	t.Helper()
	store := memstore.New()
	obj := objectclient.NewMemoryClient()
	ing := &stubIngestor{}
	return NewDocumentService(store, obj, ing, logging.Discard()), store, obj, ing
}

func strPtr(s string) *string { return &s }

func TestUploadStoresFileAndQueuesJob(t *testing.T) {
	svc, store, obj, ing := newService(t)
	ctx := context.Background()

	doc, err := svc.Upload(ctx, UploadRequest{
		Scope:      core.Scope{TenantID: "t1", SchemeID: strPtr("riverside")},
		FileName:   "../../Plot 14 handover.pdf",
		MimeType:   "application/pdf",
		Data:       []byte("%PDF-1.4"),
		Discipline: models.DisciplineGeneral,
		MustRead:   true,
	})
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, doc.Status)
	assert.Equal(t, "Plot_14_handover.pdf", doc.FileName)
	assert.Equal(t, "tenants/t1/schemes/riverside/documents/"+doc.ID+"/Plot_14_handover.pdf", doc.StorageKey)

	data, err := obj.GetFile(ctx, doc.StorageKey)
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF-1.4"), data)

	stored, err := store.GetDocument(ctx, "t1", doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.MustRead)

	require.Len(t, ing.jobs, 1)
	assert.Equal(t, ingestion_engine.Job{TenantID: "t1", DocumentID: doc.ID}, ing.jobs[0])
}

func TestUploadValidates(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Upload(ctx, UploadRequest{FileName: "a.txt", Data: []byte("x")})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	_, err = svc.Upload(ctx, UploadRequest{Scope: core.Scope{TenantID: "t1"}, FileName: "a.txt"})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	_, err = svc.Upload(ctx, UploadRequest{Scope: core.Scope{TenantID: "t1"}, FileName: "  ", Data: []byte("x")})
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestUploadKeepsDocumentWhenQueueIsUnavailable(t *testing.T) {
	svc, store, _, ing := newService(t)
	ing.enqueueErr = context.DeadlineExceeded

	doc, err := svc.Upload(context.Background(), UploadRequest{Scope: core.Scope{TenantID: "t1"}, FileName: "a.txt", Data: []byte("x")})
	require.NoError(t, err)

	_, err = store.GetDocument(context.Background(), "t1", doc.ID)
	assert.NoError(t, err)
}

func TestUploadRemovesObjectWhenRowFails(t *testing.T) {
	obj := objectclient.NewMemoryClient()
	svc := NewDocumentService(failingDocs{memstore.New()}, obj, &stubIngestor{}, logging.Discard())

	_, err := svc.Upload(context.Background(), UploadRequest{Scope: core.Scope{TenantID: "t1"}, FileName: "a.txt", Data: []byte("x")})
	require.ErrorContains(t, err, "disk full")
}

func TestUploadAndIngestRunsSynchronously(t *testing.T) {
	svc, _, _, ing := newService(t)

	doc, res, err := svc.UploadAndIngest(context.Background(), UploadRequest{
		Scope: core.Scope{TenantID: "t1"}, FileName: "notes.txt", MimeType: "text/plain", Data: []byte("hello"),
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.Len(t, ing.ingested, 1)
	assert.Equal(t, doc.ID, ing.ingested[0].DocumentID)
	assert.Equal(t, "text/plain", ing.ingested[0].MimeType)
	assert.Empty(t, ing.jobs)
}

func TestGetRespectsSchemeAccess(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	doc, err := svc.Upload(ctx, UploadRequest{Scope: core.Scope{TenantID: "t1", SchemeID: strPtr("s1")}, FileName: "a.txt", Data: []byte("x")})
	require.NoError(t, err)

	_, err = svc.Get(ctx, core.SearchScope{TenantID: "t1", SchemeIDs: []string{"s2"}}, doc.ID)
	assert.ErrorIs(t, err, core.ErrScopeMismatch)

	_, err = svc.Get(ctx, core.SearchScope{TenantID: "t2"}, doc.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	got, err := svc.Get(ctx, core.SearchScope{TenantID: "t1", SchemeIDs: []string{"s1"}}, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
}

func TestListFiltersBySchemeAccess(t *testing.T) {
	svc, _, _, _ := newService(t)
	ctx := context.Background()
	for _, sc := range []*string{strPtr("s1"), strPtr("s2"), nil} {
		_, err := svc.Upload(ctx, UploadRequest{Scope: core.Scope{TenantID: "t1", SchemeID: sc}, FileName: "a.txt", Data: []byte("x")})
		require.NoError(t, err)
	}

	all, err := svc.List(ctx, core.SearchScope{TenantID: "t1"}, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	limited, err := svc.List(ctx, core.SearchScope{TenantID: "t1", SchemeIDs: []string{"s1"}}, nil)
	require.NoError(t, err)
	assert.Len(t, limited, 2, "scheme s1 plus the tenant-wide document")

	_, err = svc.List(ctx, core.SearchScope{TenantID: "t1", SchemeIDs: []string{"s1"}}, strPtr("s2"))
	assert.ErrorIs(t, err, core.ErrScopeMismatch)
}

func TestRetry(t *testing.T) {
	svc, store, _, ing := newService(t)
	ctx := context.Background()
	access := core.SearchScope{TenantID: "t1"}
	doc, err := svc.Upload(ctx, UploadRequest{Scope: core.Scope{TenantID: "t1"}, FileName: "a.txt", Data: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, store.SetDocumentStatus(ctx, "t1", doc.ID, models.StatusProcessing, false))
	_, err = svc.Retry(ctx, access, doc.ID, false)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	require.NoError(t, store.FinishDocument(ctx, "t1", doc.ID, models.StatusCompleted, 3, ""))
	_, err = svc.Retry(ctx, access, doc.ID, false)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)

	_, err = svc.Retry(ctx, access, doc.ID, true)
	require.NoError(t, err)
	require.Len(t, ing.jobs, 2)
	assert.True(t, ing.jobs[1].Force)
}

func TestDeleteRemovesRowChunksAndFile(t *testing.T) {
	svc, store, obj, _ := newService(t)
	ctx := context.Background()
	doc, err := svc.Upload(ctx, UploadRequest{Scope: core.Scope{TenantID: "t1"}, FileName: "a.txt", Data: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, store.InsertChunk(ctx, &models.Chunk{ID: "c1", TenantID: "t1", DocumentID: &doc.ID, Text: "x"}))

	require.NoError(t, svc.Delete(ctx, core.SearchScope{TenantID: "t1"}, doc.ID))

	_, err = store.GetDocument(ctx, "t1", doc.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	n, err := store.CountChunksByDocument(ctx, "t1", doc.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = obj.GetFile(ctx, doc.StorageKey)
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.ErrorIs(t, svc.Delete(ctx, core.SearchScope{TenantID: "t1"}, doc.ID), core.ErrNotFound)
}

func TestBackfillPassesThrough(t *testing.T) {
	svc, _, _, _ := newService(t)
	rep, err := svc.Backfill(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Completed)
}

func TestCleanFileName(t *testing.T) {
	assert.Equal(t, "file.pdf", cleanFileName(`C:\uploads\file.pdf`))
	assert.Equal(t, "my_file.pdf", cleanFileName(" /tmp/my file.pdf "))
	assert.Equal(t, "", cleanFileName(""))
}
