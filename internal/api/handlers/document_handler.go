package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/ingestion_engine"
	"github.com/handoverhq/docsearch/internal/models"
	"github.com/handoverhq/docsearch/internal/services"
)

const defaultMaxUpload = 50 << 20

type DocumentHandler struct {
	svc       *services.DocumentService
	maxUpload int64
}

// NewDocumentHandler builds the document endpoints. maxUpload <= 0 selects 50 MiB.
func NewDocumentHandler(svc *services.DocumentService, maxUpload int64) *DocumentHandler {
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	return &DocumentHandler{svc: svc, maxUpload: maxUpload}
}

// IngestResponse is the ingestion summary plus an error code when it failed.
type IngestResponse struct {
	ingestion_engine.IngestResult
	Code string `json:"code,omitempty"`
}

// UploadResponse is returned by a synchronous upload.
type UploadResponse struct {
	Document *models.Document               `json:"document"`
	Result   *ingestion_engine.IngestResult `json:"result,omitempty"`
}

// UploadDocument stores a multipart file as a new document and queues it.
// With ?sync=true the document is ingested before the response is written.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, r, fmt.Errorf("%w: %v", core.ErrBadRequest, err))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: missing file", core.ErrBadRequest))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: read file: %v", core.ErrBadRequest, err))
		return
	}

	scope, err := writeScope(access, r.FormValue("scheme_id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	flags, err := parseFlags(r.FormValue)
	if err != nil {
		writeError(w, r, err)
		return
	}

	req := services.UploadRequest{
		Scope:        scope,
		FileName:     header.Filename,
		MimeType:     header.Header.Get("Content-Type"),
		Data:         data,
		Discipline:   models.ParseDiscipline(r.FormValue("discipline")),
		HouseType:    r.FormValue("house_type"),
		Important:    flags.important,
		MustRead:     flags.mustRead,
		AIClassified: flags.aiClassified,
	}

	if sync, _ := strconv.ParseBool(r.URL.Query().Get("sync")); sync {
		doc, res, err := h.svc.UploadAndIngest(r.Context(), req)
		if doc == nil {
			writeError(w, r, err)
			return
		}
		status := http.StatusOK
		if err != nil {
			status, _ = Classify(err)
		}
		writeJSON(w, status, UploadResponse{Document: doc, Result: &res})
		return
	}

	doc, err := h.svc.Upload(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, UploadResponse{Document: doc})
}

// IngestDocument processes bytes for an existing document. The body is either
// multipart with a "file" part or the raw file with its Content-Type.
func (h *DocumentHandler) IngestDocument(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	data, mimeType, err := h.readBody(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))

	res, err := h.svc.Ingest(r.Context(), access, chi.URLParam(r, "id"), data, mimeType, force)
	if err != nil {
		status, code := Classify(err)
		if res.Status == "" {
			writeError(w, r, err)
			return
		}
		writeJSON(w, status, IngestResponse{IngestResult: res, Code: code})
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{IngestResult: res})
}

func (h *DocumentHandler) readBody(r *http.Request) ([]byte, string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		if err := r.ParseMultipartForm(h.maxUpload); err != nil {
			return nil, "", fmt.Errorf("%w: %v", core.ErrBadRequest, err)
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", fmt.Errorf("%w: missing file", core.ErrBadRequest)
		}
		defer file.Close()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, "", fmt.Errorf("%w: read file: %v", core.ErrBadRequest, err)
		}
		return data, header.Header.Get("Content-Type"), nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", fmt.Errorf("%w: body exceeds %d bytes", core.ErrBadRequest, tooLarge.Limit)
		}
		return nil, "", fmt.Errorf("%w: read body: %v", core.ErrBadRequest, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty body", core.ErrBadRequest)
	}
	return data, r.Header.Get("Content-Type"), nil
}

type textRequest struct {
	Text       string `json:"text"`
	SchemeID   string `json:"scheme_id"`
	SourceType string `json:"source_type"`
	Discipline string `json:"discipline"`
	HouseType  string `json:"house_type"`
}

// IngestText stores training or manual text that has no document.
func (h *DocumentHandler) IngestText(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	var body textRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, h.maxUpload)).Decode(&body); err != nil {
		writeError(w, r, fmt.Errorf("%w: invalid JSON body", core.ErrBadRequest))
		return
	}
	scope, err := writeScope(access, body.SchemeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	source := models.SourceType(body.SourceType)
	if source == "" {
		source = models.SourceManual
	}

	res, err := h.svc.IngestText(r.Context(), ingestion_engine.TextRequest{
		Scope:      scope,
		Text:       body.Text,
		SourceType: source,
		Discipline: models.ParseDiscipline(body.Discipline),
		HouseType:  body.HouseType,
	})
	if err != nil {
		if res.TotalChunks == 0 {
			writeError(w, r, err)
			return
		}
		status, code := Classify(err)
		writeJSON(w, status, IngestResponse{IngestResult: res, Code: code})
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{IngestResult: res})
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	var scheme *string
	if s := strings.TrimSpace(r.URL.Query().Get("scheme_id")); s != "" {
		scheme = &s
	}
	docs, err := h.svc.List(r.Context(), access, scheme)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	doc, err := h.svc.Get(r.Context(), access, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// RetryDocument queues a failed document again; ?force=true also reprocesses a completed one.
func (h *DocumentHandler) RetryDocument(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	doc, err := h.svc.Retry(r.Context(), access, chi.URLParam(r, "id"), force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, doc)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), access, chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeScope resolves the owner of a new write. A caller limited to some
// schemes must name one of them.
func writeScope(access core.SearchScope, schemeID string) (core.Scope, error) {
	schemeID = strings.TrimSpace(schemeID)
	if schemeID == "" {
		if len(access.SchemeIDs) > 0 {
			return core.Scope{}, fmt.Errorf("%w: scheme_id is required for this caller", core.ErrScopeMismatch)
		}
		return core.Scope{TenantID: access.TenantID}, nil
	}
	if !access.Allows(&schemeID) {
		return core.Scope{}, fmt.Errorf("%w: scheme %s", core.ErrScopeMismatch, schemeID)
	}
	return core.Scope{TenantID: access.TenantID, SchemeID: &schemeID}, nil
}

type docFlags struct {
	important, mustRead, aiClassified bool
}

func parseFlags(get func(string) string) (docFlags, error) {
	var f docFlags
	for name, dst := range map[string]*bool{
		"important":     &f.important,
		"must_read":     &f.mustRead,
		"ai_classified": &f.aiClassified,
	} {
		v := strings.TrimSpace(get(name))
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be a boolean", core.ErrBadRequest, name)
		}
		*dst = b
	}
	return f, nil
}
