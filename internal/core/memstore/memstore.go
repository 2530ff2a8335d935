// Package memstore is an in-process implementation of the document, chunk and
// cache stores. It backs local runs without Postgres and the engine's tests,
// and enforces the same scope rules as the SQL store.
package memstore

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/models"
)

var (
	_ core.DocumentStore       = (*Store)(nil)
	_ core.ChunkStore          = (*Store)(nil)
	_ core.EmbeddingCacheStore = (*Store)(nil)
	_ core.SearchCacheStore    = (*Store)(nil)
)

type cacheKey struct {
	hash  string
	model string
	dims  int
}

type searchKey struct {
	tenantID   string
	queryHash  string
	filterHash string
}

type searchEntry struct {
	payload   []byte
	hits      int64
	expiresAt time.Time
}

// Store keeps everything in maps guarded by one RWMutex.
type Store struct {
	mu         sync.RWMutex
	docs       map[string]*models.Document
	chunks     map[string]*models.Chunk
	embeddings map[cacheKey]*models.EmbeddingCacheEntry
	searches   map[searchKey]*searchEntry

	now func() time.Time
}

func New() *Store {
	return &Store{
		docs:       make(map[string]*models.Document),
		chunks:     make(map[string]*models.Chunk),
		embeddings: make(map[cacheKey]*models.EmbeddingCacheEntry),
		searches:   make(map[searchKey]*searchEntry),
		now:        time.Now,
	}
}

// ---- documents ----

func (s *Store) CreateDocument(_ context.Context, doc *models.Document) error {
	if doc.ID == "" || doc.TenantID == "" {
		return fmt.Errorf("%w: document needs id and tenant", core.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[doc.ID]; ok {
		return fmt.Errorf("document %s already exists", doc.ID)
	}
	cp := *doc
	if cp.Status == "" {
		cp.Status = models.StatusPending
	}
	now := s.now()
	cp.CreatedAt, cp.UpdatedAt = now, now
	s.docs[cp.ID] = &cp
	*doc = cp
	return nil
}

func (s *Store) GetDocument(_ context.Context, tenantID, id string) (*models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, err := s.docLocked(tenantID, id)
	if err != nil {
		return nil, err
	}
	cp := *d
	return &cp, nil
}

func (s *Store) ListDocuments(_ context.Context, tenantID string, schemeID *string) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Document, 0)
	for _, d := range s.docs {
		if d.TenantID != tenantID {
			continue
		}
		if schemeID != nil && !models.SameScheme(d.SchemeID, schemeID) {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) SetDocumentStatus(_ context.Context, tenantID, id string, status models.DocumentStatus, force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.docLocked(tenantID, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(d.Status, status, force) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, d.Status, status)
	}
	d.Status = status
	d.UpdatedAt = s.now()
	return nil
}

func (s *Store) FinishDocument(_ context.Context, tenantID, id string, status models.DocumentStatus, chunkCount int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.docLocked(tenantID, id)
	if err != nil {
		return err
	}
	if !models.CanTransition(d.Status, status, false) {
		return fmt.Errorf("%w: %s -> %s", core.ErrInvalidTransition, d.Status, status)
	}
	d.Status = status
	d.ChunkCount = chunkCount
	d.LastError = lastError
	d.UpdatedAt = s.now()
	return nil
}

func (s *Store) DeleteDocument(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.docLocked(tenantID, id); err != nil {
		return err
	}
	delete(s.docs, id)
	for cid, c := range s.chunks {
		if c.DocumentID != nil && *c.DocumentID == id {
			delete(s.chunks, cid)
		}
	}
	return nil
}

func (s *Store) ListDocumentsWithoutChunks(_ context.Context, limit int) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	withChunks := make(map[string]bool)
	for _, c := range s.chunks {
		if c.DocumentID != nil {
			withChunks[*c.DocumentID] = true
		}
	}
	var out []models.Document
	for _, d := range s.docs {
		if withChunks[d.ID] {
			continue
		}
		if d.Status == models.StatusPending || d.Status == models.StatusFailed ||
			(d.Status == models.StatusCompleted && d.LastError != "") {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) FailStaleProcessing(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-olderThan)
	n := 0
	for _, d := range s.docs {
		if d.Status == models.StatusProcessing && d.UpdatedAt.Before(cutoff) {
			d.Status = models.StatusFailed
			d.LastError = core.ErrTimeout.Error()
			d.UpdatedAt = s.now()
			n++
		}
	}
	return n, nil
}

func (s *Store) docLocked(tenantID, id string) (*models.Document, error) {
	d, ok := s.docs[id]
	if !ok || d.TenantID != tenantID {
		return nil, fmt.Errorf("%w: document %s", core.ErrNotFound, id)
	}
	return d, nil
}

// ---- chunks ----

func (s *Store) InsertChunk(_ context.Context, c *models.Chunk) error {
	if c.ID == "" || c.TenantID == "" {
		return fmt.Errorf("%w: chunk needs id and tenant", core.ErrBadRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.DocumentID != nil {
		d, ok := s.docs[*c.DocumentID]
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrDocumentGone, *c.DocumentID)
		}
		if d.TenantID != c.TenantID || !models.SameScheme(d.SchemeID, c.SchemeID) {
			return fmt.Errorf("%w: chunk scope differs from document %s", core.ErrScopeMismatch, d.ID)
		}
	}
	cp := *c
	cp.Embedding = slices.Clone(c.Embedding)
	cp.CreatedAt = s.now()
	s.chunks[cp.ID] = &cp
	return nil
}

func (s *Store) DeleteChunksByDocument(_ context.Context, tenantID, documentID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.chunks {
		if c.TenantID == tenantID && c.DocumentID != nil && *c.DocumentID == documentID {
			delete(s.chunks, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) CountChunksByDocument(_ context.Context, tenantID, documentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.chunks {
		if c.TenantID == tenantID && c.DocumentID != nil && *c.DocumentID == documentID {
			n++
		}
	}
	return n, nil
}

// SearchCandidates scores every in-scope chunk. A chunk is a candidate when
// its cosine similarity clears the floor or it contains a query term; the pool
// keeps the most similar PoolSize of them.
func (s *Store) SearchCandidates(_ context.Context, q core.CandidateQuery) ([]core.Candidate, error) {
	if err := q.Scope.Validate(); err != nil {
		return nil, err
	}
	terms := Terms(q.QueryText)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []core.Candidate
	for _, c := range s.chunks {
		if c.TenantID != q.Scope.TenantID || !q.Scope.Allows(c.SchemeID) {
			continue
		}
		var doc *models.Document
		if c.DocumentID != nil {
			d, ok := s.docs[*c.DocumentID]
			if !ok || d.Status != models.StatusCompleted {
				continue
			}
			doc = d
		}

		sim := Cosine(q.Vector, c.Embedding)
		lex := LexicalRank(terms, c.Text)
		if sim < q.MinSimilarity && lex == 0 {
			continue
		}

		cand := core.Candidate{
			ChunkID:    c.ID,
			DocumentID: c.DocumentID,
			Text:       c.Text,
			SourceType: c.SourceType,
			Discipline: c.Discipline,
			HouseType:  c.HouseType,
			Similarity: sim,
			Lexical:    lex,
		}
		if doc != nil {
			cand.DocumentTitle = doc.FileName
			cand.Important = doc.Important
			cand.MustRead = doc.MustRead
			cand.AIClassified = doc.AIClassified
		}
		out = append(out, cand)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if q.PoolSize > 0 && len(out) > q.PoolSize {
		out = out[:q.PoolSize]
	}
	return out, nil
}

// ---- embedding cache ----

func (s *Store) GetEmbedding(_ context.Context, hash, model string, dims int) (*models.EmbeddingCacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.embeddings[cacheKey{hash, model, dims}]
	if !ok {
		return nil, nil
	}
	e.HitCount++
	cp := *e
	cp.Vector = slices.Clone(e.Vector)
	return &cp, nil
}

func (s *Store) PutEmbedding(_ context.Context, entry *models.EmbeddingCacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey{entry.Hash, entry.Model, entry.Dimensions}
	if _, ok := s.embeddings[k]; ok {
		return nil
	}
	cp := *entry
	cp.Vector = slices.Clone(entry.Vector)
	cp.HitCount = 0
	cp.CreatedAt = s.now()
	s.embeddings[k] = &cp
	return nil
}

func (s *Store) DeleteEmbeddingsExcept(_ context.Context, model string, dims int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.embeddings {
		if k.model != model || k.dims != dims {
			delete(s.embeddings, k)
			n++
		}
	}
	return n, nil
}

// EmbeddingHits returns the hit counter of one cache entry, or -1 if absent.
func (s *Store) EmbeddingHits(hash, model string, dims int) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.embeddings[cacheKey{hash, model, dims}]; ok {
		return e.HitCount
	}
	return -1
}

// ---- search cache ----

func (s *Store) GetSearchResults(_ context.Context, tenantID, queryHash, filterHash string, now time.Time) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.searches[searchKey{tenantID, queryHash, filterHash}]
	if !ok || !now.Before(e.expiresAt) {
		return nil, false, nil
	}
	e.hits++
	return slices.Clone(e.payload), true, nil
}

func (s *Store) PutSearchResults(_ context.Context, tenantID, queryHash, filterHash string, payload []byte, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searches[searchKey{tenantID, queryHash, filterHash}] = &searchEntry{
		payload:   slices.Clone(payload),
		expiresAt: expiresAt,
	}
	return nil
}

func (s *Store) DeleteExpiredSearchResults(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.searches {
		if !now.Before(e.expiresAt) {
			delete(s.searches, k)
			n++
		}
	}
	return n, nil
}

// SearchHits returns the hit counter of one result cache entry, or -1 if absent.
func (s *Store) SearchHits(tenantID, queryHash, filterHash string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.searches[searchKey{tenantID, queryHash, filterHash}]; ok {
		return e.hits
	}
	return -1
}

// ---- scoring ----

// Cosine returns the cosine similarity of a and b, or 0 when they differ in
// length or either is a zero vector.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Terms splits s into distinct lower-cased words of two or more characters.
func Terms(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// LexicalRank is the fraction of query terms present in text, in [0, 1].
func LexicalRank(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	words := make(map[string]bool)
	for _, w := range Terms(text) {
		words[w] = true
	}
	matched := 0
	for _, t := range terms {
		if words[t] {
			matched++
		}
	}
	return float64(matched) / float64(len(terms))
}
