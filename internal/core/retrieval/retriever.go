// Package retrieval implements hybrid semantic + lexical search over the
// chunk store, grouped to one result per document.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/metrics"
)

const snippetLen = 320

// QueryEmbedder turns a query into a vector. The ingestion Embedder
// satisfies it, so queries share the embedding cache.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, tenantID, text string) ([]float32, error)
}

// Config holds the ranking knobs. Only "semantic dominates, lexical breaks
// ties" is load-bearing; the numbers are tuning.
type Config struct {
	CandidatePool  int
	MinSimilarity  float64
	SemanticWeight float64
	LexicalWeight  float64
	DefaultLimit   int
	MaxLimit       int
}

func (c *Config) withDefaults() {
	if c.CandidatePool <= 0 {
		c.CandidatePool = 200
	}
	if c.SemanticWeight <= 0 && c.LexicalWeight <= 0 {
		c.SemanticWeight, c.LexicalWeight = 0.8, 0.2
	}
	if c.DefaultLimit <= 0 {
		c.DefaultLimit = 10
	}
	if c.MaxLimit < c.DefaultLimit {
		c.MaxLimit = max(50, c.DefaultLimit)
	}
}

type Retriever struct {
	embedder QueryEmbedder
	chunks   core.ChunkStore
	cache    *ResultCache
	cfg      Config
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewRetriever builds a Retriever. cache and m may be nil.
func NewRetriever(embedder QueryEmbedder, chunks core.ChunkStore, cache *ResultCache, cfg Config, m *metrics.Metrics, log *slog.Logger) *Retriever {
	cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{embedder: embedder, chunks: chunks, cache: cache, cfg: cfg, metrics: m, log: log}
}

// Search returns up to req.Limit documents ranked by their best passage.
// An empty result is not an error.
func (r *Retriever) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	start := time.Now()

	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		r.metrics.Search("bad_request", 0)
		return nil, fmt.Errorf("%w: query must not be empty", core.ErrBadRequest)
	}
	if err := req.Scope.Validate(); err != nil {
		r.metrics.Search("bad_request", 0)
		return nil, err
	}
	limit := r.resolveLimit(req.Limit)

	if cached, ok := r.cache.Get(ctx, req, limit); ok {
		r.metrics.Search("cached", 0)
		return cached, nil
	}

	vec, err := r.embedder.EmbedQuery(ctx, req.Scope.TenantID, req.Query)
	if err != nil {
		r.metrics.Search("unavailable", 0)
		return nil, fmt.Errorf("%w: embed query: %w", core.ErrRetrievalUnavailable, err)
	}

	cands, err := r.chunks.SearchCandidates(ctx, core.CandidateQuery{
		Scope:         req.Scope,
		Vector:        vec,
		QueryText:     req.Query,
		PoolSize:      r.cfg.CandidatePool,
		MinSimilarity: r.cfg.MinSimilarity,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			r.metrics.Search("error", 0)
			return nil, err
		}
		r.metrics.Search("unavailable", 0)
		return nil, fmt.Errorf("%w: candidate search: %w", core.ErrRetrievalUnavailable, err)
	}

	results := r.rank(cands, req.Filters, limit)
	r.cache.Put(ctx, req, limit, results)

	r.metrics.Search("ok", time.Since(start))
	r.log.Debug("search finished",
		slog.String("tenant_id", req.Scope.TenantID),
		slog.Int("candidates", len(cands)),
		slog.Int("results", len(results)),
		slog.Duration("duration", time.Since(start)),
	)
	return results, nil
}

func (r *Retriever) resolveLimit(limit int) int {
	switch {
	case limit <= 0:
		return r.cfg.DefaultLimit
	case limit > r.cfg.MaxLimit:
		return r.cfg.MaxLimit
	default:
		return limit
	}
}

type scored struct {
	core.Candidate
	score float64
}

// rank combines the two scores, keeps the best passage per document, applies
// filters to those representatives and truncates to limit.
func (r *Retriever) rank(cands []core.Candidate, filters Filters, limit int) []SearchResult {
	best := make(map[string]scored, len(cands))
	for _, c := range cands {
		s := scored{Candidate: c, score: r.combine(c.Similarity, c.Lexical)}
		key := groupKey(c)
		if cur, ok := best[key]; !ok || s.score > cur.score || (s.score == cur.score && c.ChunkID < cur.ChunkID) {
			best[key] = s
		}
	}

	ranked := make([]scored, 0, len(best))
	for _, s := range best {
		if filters.Match(s.Candidate) {
			ranked = append(ranked, s)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return groupKey(ranked[i].Candidate) < groupKey(ranked[j].Candidate)
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]SearchResult, 0, len(ranked))
	for _, s := range ranked {
		res := SearchResult{
			ChunkID:       s.ChunkID,
			DocumentTitle: s.DocumentTitle,
			Snippet:       Snippet(s.Text, snippetLen),
			Score:         s.score,
			Semantic:      s.Similarity,
			Lexical:       s.Lexical,
			SourceType:    s.SourceType,
			Discipline:    s.Discipline,
			HouseType:     s.HouseType,
			Flags:         Flags{Important: s.Important, MustRead: s.MustRead, AIClassified: s.AIClassified},
		}
		if s.DocumentID != nil {
			res.DocumentID = *s.DocumentID
		}
		out = append(out, res)
	}
	return out
}

func (r *Retriever) combine(similarity, lexical float64) float64 {
	return r.cfg.SemanticWeight*similarity + r.cfg.LexicalWeight*min(max(lexical, 0), 1)
}

// groupKey is the parent document, or the chunk itself for text with no document.
func groupKey(c core.Candidate) string {
	if c.DocumentID != nil {
		return "d:" + *c.DocumentID
	}
	return "c:" + c.ChunkID
}

// Snippet shortens text to at most n runes, cutting at a word boundary.
func Snippet(text string, n int) string {
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)[:n]
	cut := len(runes)
	for i := len(runes) - 1; i > n/2; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimSpace(string(runes[:cut])) + "…"
}
