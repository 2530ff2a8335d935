package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	middleware "github.com/handoverhq/docsearch/internal/api/middlewares"
	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/ingestion_engine"
	"github.com/handoverhq/docsearch/internal/core/memstore"
	objectclient "github.com/handoverhq/docsearch/internal/core/object-client"
	"github.com/handoverhq/docsearch/internal/core/retrieval"
	"github.com/handoverhq/docsearch/internal/logging"
	"github.com/handoverhq/docsearch/internal/models"
	"github.com/handoverhq/docsearch/internal/services"
)

// wordsProvider embeds text as a bag of hashed words, so texts sharing
// words are similar.
type wordsProvider struct{}

func (wordsProvider) Model() string   { return "words" }
func (wordsProvider) Dimensions() int { return 32 }

func (wordsProvider) EmbedTexts(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 32)
		for _, w := range memstore.Terms(t) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(w))
			v[h.Sum32()%32]++
		}
		out[i] = v
	}
	return out, nil
}

type stubSearcher struct{ err error }

func (s stubSearcher) Search(context.Context, retrieval.SearchRequest) ([]retrieval.SearchResult, error) {
	return nil, s.err
}

type testAPI struct {
	router http.Handler
	store  *memstore.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memstore.New()
	obj := objectclient.NewMemoryClient()
	log := logging.Discard()

	emb, err := ingestion_engine.NewEmbedder(wordsProvider{}, store, ingestion_engine.EmbedderConfig{}, nil, log)
	require.NoError(t, err)
	ing := ingestion_engine.NewDocumentIngestor(store, store, obj, emb,
		ingestion_engine.NewExtractor(false),
		ingestion_engine.NewChunker(200, 0, 10, 0.7),
		nil, nil, log)
	svc := services.NewDocumentService(store, obj, ing, log)
	ret := retrieval.NewRetriever(emb, store, retrieval.NewResultCache(store, 0, log), retrieval.Config{MinSimilarity: 0.2}, nil, log)

	return &testAPI{router: testRouter(NewDocumentHandler(svc, 0), NewSearchHandler(ret)), store: store}
}

// testRouter stands in for the JWT middleware: X-Tenant and X-Schemes set the caller scope.
func testRouter(docs *DocumentHandler, search *SearchHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if tenant := req.Header.Get("X-Tenant"); tenant != "" {
				var schemes []string
				if s := req.Header.Get("X-Schemes"); s != "" {
					schemes = strings.Split(s, ",")
				}
				req = req.WithContext(middleware.WithScope(req.Context(), core.SearchScope{TenantID: tenant, SchemeIDs: schemes}))
			}
			next.ServeHTTP(w, req)
		})
	})
	r.Post("/api/documents/upload", docs.UploadDocument)
	r.Get("/api/documents", docs.GetDocuments)
	r.Get("/api/documents/{id}", docs.GetDocument)
	r.Post("/api/documents/{id}/ingest", docs.IngestDocument)
	r.Post("/api/documents/{id}/retry", docs.RetryDocument)
	r.Delete("/api/documents/{id}", docs.DeleteDocument)
	r.Post("/api/texts", docs.IngestText)
	r.Get("/api/search", search.Search)
	return r
}

func (a *testAPI) do(t *testing.T, req *http.Request, tenant string) *httptest.ResponseRecorder {
	t.Helper()
	if tenant != "" {
		req.Header.Set("X-Tenant", tenant)
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func multipartUpload(t *testing.T, url, filename, contentType string, data []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, url, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

const boilerText = "The boiler pressure should read between one and one point five bar when cold. Check it monthly."

func (a *testAPI) uploadSync(t *testing.T, tenant string, fields map[string]string) *models.Document {
	t.Helper()
	rec := a.do(t, multipartUpload(t, "/api/documents/upload?sync=true", "boiler guide.txt", "text/plain", []byte(boilerText), fields), tenant)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[UploadResponse](t, rec)
	require.NotNil(t, resp.Result)
	assert.True(t, resp.Result.Success)
	return resp.Document
}

func TestUploadSyncThenSearch(t *testing.T) {
	api := newTestAPI(t)
	doc := api.uploadSync(t, "acme", map[string]string{"discipline": "M&E", "must_read": "true"})
	assert.Equal(t, models.StatusCompleted, doc.Status)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.Equal(t, models.DisciplineMechanical, doc.Discipline)

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=boiler+pressure&discipline=mechanical&must_read=true", nil), "acme")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[SearchResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, doc.ID, resp.Results[0].DocumentID)
	assert.Equal(t, "boiler_guide.txt", resp.Results[0].DocumentTitle)
	assert.True(t, resp.Results[0].Flags.MustRead)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=boiler+pressure", nil), "other-tenant")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, decode[SearchResponse](t, rec).Count)
}

func TestUploadAsyncIsAccepted(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, multipartUpload(t, "/api/documents/upload", "plan.txt", "text/plain", []byte("x"), nil), "acme")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[UploadResponse](t, rec)
	assert.Equal(t, models.StatusPending, resp.Document.Status)
	assert.Nil(t, resp.Result)
}

func TestUploadRejectsSchemeOutsideAccess(t *testing.T) {
	api := newTestAPI(t)
	req := multipartUpload(t, "/api/documents/upload", "plan.txt", "text/plain", []byte("x"), map[string]string{"scheme_id": "s2"})
	req.Header.Set("X-Schemes", "s1")
	rec := api.do(t, req, "acme")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "FORBIDDEN", decode[ErrorBody](t, rec).Code)
}

func TestUploadRejectsBadFlag(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, multipartUpload(t, "/api/documents/upload", "plan.txt", "text/plain", []byte("x"), map[string]string{"important": "maybe"}), "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestUnsupportedFormatReportsSummary(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, multipartUpload(t, "/api/documents/upload", "photo.png", "image/png", []byte{0x89, 'P', 'N', 'G'}, nil), "acme")
	require.Equal(t, http.StatusAccepted, rec.Code)
	doc := decode[UploadResponse](t, rec).Document

	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+doc.ID+"/ingest", bytes.NewReader([]byte{0x89, 'P', 'N', 'G'}))
	req.Header.Set("Content-Type", "image/png")
	rec = api.do(t, req, "acme")
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code, rec.Body.String())
	resp := decode[IngestResponse](t, rec)
	assert.Equal(t, "UNSUPPORTED_FORMAT", resp.Code)
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.False(t, resp.Success)
}

func TestIngestRawBodyCompletes(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, multipartUpload(t, "/api/documents/upload", "notes.txt", "text/plain", []byte("placeholder"), nil), "acme")
	doc := decode[UploadResponse](t, rec).Document

	req := httptest.NewRequest(http.MethodPost, "/api/documents/"+doc.ID+"/ingest", strings.NewReader(boilerText))
	req.Header.Set("Content-Type", "text/plain")
	rec = api.do(t, req, "acme")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[IngestResponse](t, rec)
	assert.Equal(t, 1, resp.ChunksInserted)
	assert.Empty(t, resp.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/documents/"+doc.ID+"/ingest", strings.NewReader(""))
	rec = api.do(t, req, "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDocumentLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t)
	doc := api.uploadSync(t, "acme", nil)
	path := "/api/documents/" + doc.ID

	rec := api.do(t, httptest.NewRequest(http.MethodGet, path, nil), "other")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decode[ErrorBody](t, rec).Code)

	rec = api.do(t, httptest.NewRequest(http.MethodPost, path+"/retry", nil), "acme")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil), "acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]models.Document](t, rec), 1)

	rec = api.do(t, httptest.NewRequest(http.MethodDelete, path, nil), "acme")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, path, nil), "acme")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=boiler", nil), "acme")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decode[SearchResponse](t, rec).Count, "deleted documents are not searchable")
}

func TestIngestTextEndpoint(t *testing.T) {
	api := newTestAPI(t)
	body := `{"text":"Bleed the radiators every autumn to remove trapped air.","source_type":"training","discipline":"heating"}`
	rec := api.do(t, httptest.NewRequest(http.MethodPost, "/api/texts", strings.NewReader(body)), "acme")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 1, decode[IngestResponse](t, rec).ChunksInserted)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=radiators", nil), "acme")
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[SearchResponse](t, rec)
	require.Equal(t, 1, resp.Count)
	assert.Empty(t, resp.Results[0].DocumentID)
	assert.Equal(t, models.SourceTraining, resp.Results[0].SourceType)
	assert.Equal(t, models.DisciplineMechanical, resp.Results[0].Discipline)

	rec = api.do(t, httptest.NewRequest(http.MethodPost, "/api/texts", strings.NewReader(`{"text":"  "}`)), "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodPost, "/api/texts", strings.NewReader(`{`)), "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchErrors(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=++", nil), "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "BAD_REQUEST", decode[ErrorBody](t, rec).Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=boiler&limit=ten", nil), "acme")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/search?q=boiler&scheme=s2", nil)
	req.Header.Set("X-Schemes", "s1")
	rec = api.do(t, req, "acme")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = api.do(t, httptest.NewRequest(http.MethodGet, "/api/search?q=boiler", nil), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unavailable := testRouter(NewDocumentHandler(nil, 0), NewSearchHandler(stubSearcher{err: fmt.Errorf("%w: embed query: quota", core.ErrRetrievalUnavailable)}))
	req = httptest.NewRequest(http.MethodGet, "/api/search?q=boiler", nil)
	req.Header.Set("X-Tenant", "acme")
	out := httptest.NewRecorder()
	unavailable.ServeHTTP(out, req)
	assert.Equal(t, http.StatusServiceUnavailable, out.Code)
	assert.Equal(t, "RETRIEVAL_UNAVAILABLE", decode[ErrorBody](t, out).Code)
}

func TestParseSearchRequest(t *testing.T) {
	access := core.SearchScope{TenantID: "acme", SchemeIDs: []string{"s1", "s2"}}
	req, err := ParseSearchRequest(access, map[string][]string{
		"q":          {"fuse box"},
		"scheme":     {"s2, s1"},
		"discipline": {"Electrical"},
		"important":  {"false"},
		"house_type": {" semi-detached "},
		"limit":      {"5"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, req.Scope.SchemeIDs)
	assert.Equal(t, models.DisciplineElectrical, req.Filters.Discipline)
	require.NotNil(t, req.Filters.Important)
	assert.False(t, *req.Filters.Important)
	assert.Nil(t, req.Filters.MustRead)
	assert.Equal(t, "semi-detached", req.Filters.HouseType)
	assert.Equal(t, 5, req.Limit)

	req, err = ParseSearchRequest(access, map[string][]string{"q": {"x"}})
	require.NoError(t, err)
	assert.Equal(t, access.SchemeIDs, req.Scope.SchemeIDs)
}

func TestClassifyHidesInternalErrors(t *testing.T) {
	status, code := Classify(errors.New("pq: password authentication failed"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, "INTERNAL", code)

	rec := httptest.NewRecorder()
	writeError(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("secret dsn"))
	body, _ := io.ReadAll(rec.Body)
	assert.NotContains(t, string(body), "secret")

	status, _ = Classify(&core.EmbeddingError{Attempts: 3, Last: errors.New("x")})
	assert.Equal(t, http.StatusBadGateway, status)
}
