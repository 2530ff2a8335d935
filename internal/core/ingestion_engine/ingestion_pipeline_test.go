package ingestion_engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/memstore"
	objectclient "github.com/handoverhq/docsearch/internal/core/object-client"
	"github.com/handoverhq/docsearch/internal/logging"
	"github.com/handoverhq/docsearch/internal/models"
)

type harness struct {
	store *memstore.Store
	prov  *fakeProvider
	obj   *objectclient.MemoryClient
	ing   *DocumentIngestor
}

type harnessOpt func(*harnessConfig)

type harnessConfig struct {
	extractor core.DocumentExtractor
	wrap      func(*memstore.Store) core.ChunkStore
	timeout   time.Duration
}

func withExtractor(e core.DocumentExtractor) harnessOpt {
	return func(c *harnessConfig) { c.extractor = e }
}

func withTimeout(d time.Duration) harnessOpt {
	return func(c *harnessConfig) { c.timeout = d }
}

func withChunkWrapper(wrap func(*memstore.Store) core.ChunkStore) harnessOpt {
	return func(c *harnessConfig) { c.wrap = wrap }
}

func newHarness(t *testing.T, opts ...harnessOpt) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		prov:  newFakeProvider(8),
		obj:   objectclient.NewMemoryClient(),
	}
	cfg := harnessConfig{extractor: NewExtractor(false), timeout: time.Minute}
	for _, o := range opts {
		o(&cfg)
	}
	var chunks core.ChunkStore = h.store
	if cfg.wrap != nil {
		chunks = cfg.wrap(h.store)
	}
	h.ing = NewDocumentIngestor(
		h.store, chunks, h.obj,
		testEmbedder(h.prov, h.store),
		cfg.extractor,
		NewChunker(100, 0, 10, 0.7),
		&IngestConfig{DocumentTimeout: cfg.timeout, DocumentConcurrency: 3},
		nil, logging.Discard(),
	)
	return h
}

func (h *harness) newDoc(t *testing.T, tenant string, scheme *string) *models.Document {
	t.Helper()
	d := &models.Document{
		ID:         uuid.NewString(),
		TenantID:   tenant,
		SchemeID:   scheme,
		FileName:   "handover-pack.txt",
		MimeType:   "text/plain",
		StorageKey: tenant + "/" + uuid.NewString(),
		Discipline: models.DisciplineMechanical,
		HouseType:  "detached",
	}
	require.NoError(t, h.store.CreateDocument(context.Background(), d))
	return d
}

func (h *harness) doc(t *testing.T, d *models.Document) *models.Document {
	t.Helper()
	got, err := h.store.GetDocument(context.Background(), d.TenantID, d.ID)
	require.NoError(t, err)
	return got
}

func (h *harness) count(t *testing.T, d *models.Document) int {
	t.Helper()
	n, err := h.store.CountChunksByDocument(context.Background(), d.TenantID, d.ID)
	require.NoError(t, err)
	return n
}

func scope(d *models.Document) core.Scope {
	return core.Scope{TenantID: d.TenantID, SchemeID: d.SchemeID}
}

func ptr(s string) *string { return &s }

// threeParagraphs yields exactly three chunks with NewChunker(100, 0, 10, 0.7).
func threeParagraphs(first, second, third string) string {
	pad := func(s string) string { return s + strings.Repeat(".", 99-len(s)) }
	return pad(first) + "\n" + pad(second) + "\n" + pad(third)
}

func TestIngestDocumentCompletes(t *testing.T) {
	h := newHarness(t)
	d := h.newDoc(t, "tenant-a", ptr("scheme-1"))
	text := threeParagraphs("Boiler manual", "Underfloor heating guide", "Fire alarm test log")

	res, err := h.ing.IngestDocument(context.Background(), IngestRequest{Scope: scope(d), DocumentID: d.ID, Data: []byte(text)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, 3, res.TotalChunks)
	assert.Equal(t, 3, res.ChunksInserted)
	assert.Empty(t, res.Errors)

	got := h.doc(t, d)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Equal(t, 3, h.count(t, d))
}

func TestIngestImageOnlyPDFCompletesWithZeroChunks(t *testing.T) {
	h := newHarness(t)
	d := h.newDoc(t, "tenant-a", nil)

	res, err := h.ing.IngestDocument(context.Background(), IngestRequest{
		Scope: scope(d), DocumentID: d.ID, Data: []byte("%PDF-1.4\n"), MimeType: "application/pdf",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ChunksInserted)
	assert.Equal(t, models.StatusCompleted, h.doc(t, d).Status)
	assert.Equal(t, 0, h.prov.total(), "nothing to embed")
}

func TestIngestPartialEmbeddingFailure(t *testing.T) {
	h := newHarness(t)
	h.prov.failText["FAIL"] = -1
	d := h.newDoc(t, "tenant-a", nil)
	text := threeParagraphs("Kitchen appliances", "FAIL this paragraph", "Bathroom fittings")

	res, err := h.ing.IngestDocument(context.Background(), IngestRequest{Scope: scope(d), DocumentID: d.ID, Data: []byte(text)})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.ChunksInserted)
	assert.Equal(t, 1, res.ChunksFailed)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, 1, res.Errors[0].Index)
	assert.Equal(t, "embed", res.Errors[0].Stage)
	assert.ErrorIs(t, res.Errors[0].Err, core.ErrEmbeddingGenerationFailed)

	got := h.doc(t, d)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 2, got.ChunkCount, "chunk count is what was persisted")
}

// failingChunks fails inserts of one chunk index.
type failingChunks struct {
	*memstore.Store
	failIndex int
}

func (f *failingChunks) InsertChunk(ctx context.Context, c *models.Chunk) error {
	if c.Index == f.failIndex {
		return errors.New("connection reset")
	}
	return f.Store.InsertChunk(ctx, c)
}

func TestIngestStorageFailureIsPerChunk(t *testing.T) {
	h := newHarness(t, withChunkWrapper(func(s *memstore.Store) core.ChunkStore {
		return &failingChunks{Store: s, failIndex: 0}
	}))
	d := h.newDoc(t, "tenant-a", nil)

	res, err := h.ing.IngestDocument(context.Background(), IngestRequest{
		Scope: scope(d), DocumentID: d.ID, Data: []byte(threeParagraphs("a1", "b2", "c3")),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksInserted)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "store", res.Errors[0].Stage)
	assert.ErrorIs(t, res.Errors[0].Err, core.ErrStorageWriteFailed)
	assert.Equal(t, 2, h.doc(t, d).ChunkCount)
}

func TestReingestAfterFailureDoesNotDuplicate(t *testing.T) {
	ext := &fakeExtractor{err: fmt.Errorf("%w: corrupt", core.ErrUnsupportedFormat)}
	h := newHarness(t, withExtractor(ext))
	d := h.newDoc(t, "tenant-a", nil)
	req := IngestRequest{Scope: scope(d), DocumentID: d.ID}

	_, err := h.ing.IngestDocument(context.Background(), req)
	require.ErrorIs(t, err, core.ErrUnsupportedFormat)
	got := h.doc(t, d)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.NotEmpty(t, got.LastError)

	ext.err = nil
	ext.text = threeParagraphs("one", "two", "three")
	res, err := h.ing.IngestDocument(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunksInserted)

	req.Force = true
	res, err = h.ing.IngestDocument(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunksInserted)
	assert.Equal(t, 3, h.count(t, d), "old chunks are cleared before re-insert")
	assert.Equal(t, 3, h.doc(t, d).ChunkCount)
}

func TestReingestCompletedNeedsForce(t *testing.T) {
	h := newHarness(t, withExtractor(&fakeExtractor{text: threeParagraphs("x1", "x2", "x3")}))
	d := h.newDoc(t, "tenant-a", nil)
	req := IngestRequest{Scope: scope(d), DocumentID: d.ID}

	_, err := h.ing.IngestDocument(context.Background(), req)
	require.NoError(t, err)

	_, err = h.ing.IngestDocument(context.Background(), req)
	assert.ErrorIs(t, err, core.ErrInvalidTransition)
}

func TestIngestThenDeleteLeavesNoChunks(t *testing.T) {
	h := newHarness(t)
	d := h.newDoc(t, "tenant-a", ptr("scheme-1"))

	_, err := h.ing.IngestDocument(context.Background(), IngestRequest{
		Scope: scope(d), DocumentID: d.ID, Data: []byte(threeParagraphs("p1", "p2", "p3")),
	})
	require.NoError(t, err)
	require.Equal(t, 3, h.count(t, d))

	require.NoError(t, h.store.DeleteDocument(context.Background(), d.TenantID, d.ID))
	assert.Equal(t, 0, h.count(t, d))
}

func TestIngestScopeMismatch(t *testing.T) {
	h := newHarness(t)
	d := h.newDoc(t, "tenant-a", ptr("scheme-1"))

	for _, sc := range []core.Scope{
		{TenantID: "tenant-a", SchemeID: ptr("scheme-2")},
		{TenantID: "tenant-a"},
	} {
		_, err := h.ing.IngestDocument(context.Background(), IngestRequest{Scope: sc, DocumentID: d.ID, Data: []byte("x")})
		assert.ErrorIs(t, err, core.ErrScopeMismatch)
	}

	_, err := h.ing.IngestDocument(context.Background(), IngestRequest{
		Scope: core.Scope{TenantID: "tenant-b", SchemeID: ptr("scheme-1")}, DocumentID: d.ID, Data: []byte("x"),
	})
	assert.ErrorIs(t, err, core.ErrNotFound, "another tenant cannot see the document")

	assert.Equal(t, models.StatusPending, h.doc(t, d).Status)
}

func TestIngestTimeoutMarksFailed(t *testing.T) {
	h := newHarness(t, withExtractor(&fakeExtractor{block: true}), withTimeout(30*time.Millisecond))
	d := h.newDoc(t, "tenant-a", nil)

	res, err := h.ing.IngestDocument(context.Background(), IngestRequest{Scope: scope(d), DocumentID: d.ID})
	require.ErrorIs(t, err, core.ErrTimeout)
	assert.False(t, res.Success)

	got := h.doc(t, d)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "timeout")
}

// deletingChunks deletes the parent document right before the second insert.
type deletingChunks struct {
	*memstore.Store
	inserts int
}

func (d *deletingChunks) InsertChunk(ctx context.Context, c *models.Chunk) error {
	d.inserts++
	if d.inserts == 2 {
		_ = d.Store.DeleteDocument(ctx, c.TenantID, *c.DocumentID)
	}
	return d.Store.InsertChunk(ctx, c)
}

func TestDocumentDeletedMidIngestion(t *testing.T) {
	h := newHarness(t, withChunkWrapper(func(s *memstore.Store) core.ChunkStore {
		return &deletingChunks{Store: s}
	}))
	d := h.newDoc(t, "tenant-a", nil)

	res, err := h.ing.IngestDocument(context.Background(), IngestRequest{
		Scope: scope(d), DocumentID: d.ID, Data: []byte(threeParagraphs("q1", "q2", "q3")),
	})
	require.ErrorIs(t, err, core.ErrDocumentGone)
	assert.Equal(t, 0, res.ChunksInserted)
	assert.Equal(t, 0, h.count(t, d), "no orphan chunks")
}

func TestTwoTenantsIdenticalDocumentsEmbedOnce(t *testing.T) {
	h := newHarness(t)
	text := threeParagraphs("Standard NHBC warranty", "Meter readings at handover", "Smoke alarm guidance")
	a := h.newDoc(t, "tenant-a", nil)
	b := h.newDoc(t, "tenant-b", nil)

	for _, d := range []*models.Document{a, b} {
		res, err := h.ing.IngestDocument(context.Background(), IngestRequest{Scope: scope(d), DocumentID: d.ID, Data: []byte(text)})
		require.NoError(t, err)
		require.Equal(t, 3, res.ChunksInserted)
	}
	assert.Equal(t, 3, h.prov.total(), "second tenant is served from the cache")
	assert.Equal(t, 3, h.count(t, a))
	assert.Equal(t, 3, h.count(t, b))

	cands, err := h.store.SearchCandidates(context.Background(), core.CandidateQuery{
		Scope:     core.SearchScope{TenantID: "tenant-a"},
		Vector:    vectorFor("Standard NHBC warranty", 8),
		QueryText: "warranty",
		PoolSize:  50,
	})
	require.NoError(t, err)
	require.NotEmpty(t, cands)
	for _, c := range cands {
		assert.Equal(t, a.ID, *c.DocumentID)
	}
}

func TestIngestText(t *testing.T) {
	h := newHarness(t)
	text := threeParagraphs("Training: bleeding radiators", "Training: resetting the consumer unit", "Training: isolating water")

	res, err := h.ing.IngestText(context.Background(), TextRequest{
		Scope:      core.Scope{TenantID: "tenant-a", SchemeID: ptr("scheme-1")},
		Text:       text,
		SourceType: models.SourceTraining,
		Discipline: models.DisciplinePlumbing,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ChunksInserted)

	cands, err := h.store.SearchCandidates(context.Background(), core.CandidateQuery{
		Scope:     core.SearchScope{TenantID: "tenant-a"},
		Vector:        make([]float32, 8),
		QueryText:     "radiators",
		PoolSize:      10,
		MinSimilarity: 0.5,
	})
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Nil(t, cands[0].DocumentID)
	assert.Equal(t, models.SourceTraining, cands[0].SourceType)
}

func TestIngestTextValidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.ing.IngestText(context.Background(), TextRequest{
		Scope: core.Scope{TenantID: "t"}, Text: "x", SourceType: models.SourceDocument,
	})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	_, err = h.ing.IngestText(context.Background(), TextRequest{
		Scope: core.Scope{TenantID: "t"}, Text: "  ", SourceType: models.SourceManual,
	})
	assert.ErrorIs(t, err, core.ErrBadRequest)

	_, err = h.ing.IngestText(context.Background(), TextRequest{Text: "x", SourceType: models.SourceManual})
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestIngestMany(t *testing.T) {
	h := newHarness(t)
	var reqs []IngestRequest
	for i := 0; i < 5; i++ {
		d := h.newDoc(t, "tenant-a", nil)
		reqs = append(reqs, IngestRequest{
			Scope: scope(d), DocumentID: d.ID,
			Data: []byte(threeParagraphs(fmt.Sprintf("doc %d part one", i), "shared middle section", fmt.Sprintf("doc %d end", i))),
		})
	}

	out := h.ing.IngestMany(context.Background(), reqs)
	require.Len(t, out, 5)
	for i, o := range out {
		require.NoError(t, o.Err)
		assert.Equal(t, reqs[i].DocumentID, o.Result.DocumentID)
		assert.Equal(t, 3, o.Result.ChunksInserted)
	}
	assert.Equal(t, 1, h.prov.callsFor("shared middle section"+strings.Repeat(".", 99-len("shared middle section"))))
}

func TestWorkersProcessQueuedJobs(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.ing.Start(ctx, 2)

	d := h.newDoc(t, "tenant-a", nil)
	require.NoError(t, h.obj.UploadFile(ctx, d.StorageKey, bytes.NewReader([]byte(threeParagraphs("w1", "w2", "w3"))), "text/plain"))
	require.NoError(t, h.ing.Enqueue(ctx, Job{TenantID: d.TenantID, DocumentID: d.ID}))

	require.Eventually(t, func() bool {
		return h.doc(t, d).Status == models.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, h.doc(t, d).ChunkCount)
}

func TestWorkerMarksMissingObjectFailed(t *testing.T) {
	h := newHarness(t)
	d := h.newDoc(t, "tenant-a", nil)

	err := h.ing.processJob(context.Background(), Job{TenantID: d.TenantID, DocumentID: d.ID})
	require.ErrorIs(t, err, core.ErrNotFound)

	got := h.doc(t, d)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "fetch object")
}

func TestEnqueueRejectsIncompleteJob(t *testing.T) {
	h := newHarness(t)
	assert.ErrorIs(t, h.ing.Enqueue(context.Background(), Job{DocumentID: "x"}), core.ErrBadRequest)
}

func TestBackfill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ready := h.newDoc(t, "tenant-a", nil)
	require.NoError(t, h.obj.UploadFile(ctx, ready.StorageKey, strings.NewReader(threeParagraphs("b1", "b2", "b3")), "text/plain"))
	missing := h.newDoc(t, "tenant-b", nil)

	rep, err := h.ing.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Attempted)
	assert.Equal(t, 1, rep.Completed)
	assert.Equal(t, 1, rep.Failed)

	assert.Equal(t, models.StatusCompleted, h.doc(t, ready).Status)
	assert.Equal(t, models.StatusFailed, h.doc(t, missing).Status)

	// the completed document now has chunks and is not picked up again
	rep, err = h.ing.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempted)
}

func TestBackfillRetriesDocumentWhoseChunksAllFailed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	d := h.newDoc(t, "tenant-a", nil)
	text := threeParagraphs("Outage one", "Outage two", "Outage three")
	require.NoError(t, h.obj.UploadFile(ctx, d.StorageKey, strings.NewReader(text), "text/plain"))
	blank := h.newDoc(t, "tenant-a", nil)

	h.prov.failText[""] = -1
	res, err := h.ing.IngestDocument(ctx, IngestRequest{Scope: scope(d), DocumentID: d.ID, Data: []byte(text)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ChunksInserted)
	assert.Equal(t, 3, res.ChunksFailed)

	got := h.doc(t, d)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, "3 of 3 chunks failed", got.LastError)

	_, err = h.ing.IngestDocument(ctx, IngestRequest{
		Scope: scope(blank), DocumentID: blank.ID, Data: []byte("%PDF-1.4\n"), MimeType: "application/pdf",
	})
	require.NoError(t, err)
	assert.Empty(t, h.doc(t, blank).LastError)

	delete(h.prov.failText, "")
	rep, err := h.ing.Backfill(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Attempted, "a document with no text is not retried")
	assert.Equal(t, 1, rep.Completed)

	got = h.doc(t, d)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.ChunkCount)
	assert.Empty(t, got.LastError)
}
