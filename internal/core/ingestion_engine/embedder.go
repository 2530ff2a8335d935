package ingestion_engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/metrics"
	"github.com/handoverhq/docsearch/internal/models"
)

// EmbedderConfig tunes the cached embedder.
//
// Attempts:      model calls per text before giving up (e.g., 3).
// BaseDelay:     first backoff delay; doubles after every failed attempt.
// CallTimeout:   deadline of a single model call, independent of the backoff.
// MaxInputChars: inputs are truncated to this many characters before the call.
// Workers:       concurrent model calls within one batch.
// RPS:           sustained model calls per second across the process (0 = unlimited).
type EmbedderConfig struct {
	Attempts      int
	BaseDelay     time.Duration
	CallTimeout   time.Duration
	MaxInputChars int
	Workers       int
	RPS           float64
}

// EmbedResult is the per-text outcome of EmbedBatch.
type EmbedResult struct {
	Vector []float32
	Cached bool
	Err    error
}

// Embedder wraps an EmbeddingProvider with the content-addressed cache,
// retries, rate limiting and per-hash call coalescing.
type Embedder struct {
	provider core.EmbeddingProvider
	cache    core.EmbeddingCacheStore
	cfg      EmbedderConfig
	limiter  *rate.Limiter
	flights  singleflight.Group
	metrics  *metrics.Metrics
	log      *slog.Logger
}

// NewEmbedder builds an Embedder. cache and m may be nil.
func NewEmbedder(provider core.EmbeddingProvider, cache core.EmbeddingCacheStore, cfg EmbedderConfig, m *metrics.Metrics, log *slog.Logger) (*Embedder, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedder: provider must not be nil")
	}
	if provider.Dimensions() <= 0 {
		return nil, fmt.Errorf("embedder: provider %s reports no dimensionality", provider.Model())
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = 8000
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if log == nil {
		log = slog.Default()
	}
	e := &Embedder{provider: provider, cache: cache, cfg: cfg, metrics: m, log: log}
	if cfg.RPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), max(1, int(cfg.RPS)))
	}
	return e, nil
}

// Model returns the identifier of the generating model.
func (e *Embedder) Model() string { return e.provider.Model() }

// Dimensions returns the vector length every result has.
func (e *Embedder) Dimensions() int { return e.provider.Dimensions() }

// EmbedBatch embeds texts with at most cfg.Workers concurrent lookups.
// Results are parallel to texts; a failure on one text never affects another.
func (e *Embedder) EmbedBatch(ctx context.Context, tenantID string, texts []string) []EmbedResult {
	results := make([]EmbedResult, len(texts))

	var g errgroup.Group
	g.SetLimit(e.cfg.Workers)
	for i, text := range texts {
		i, text := i, text
		g.Go(func() error {
			results[i] = e.embedOne(ctx, tenantID, text, false)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// EmbedQuery embeds a single query string through the same cache. Providers
// with a query-side mode embed it in that mode, under a separate cache address.
func (e *Embedder) EmbedQuery(ctx context.Context, tenantID, text string) ([]float32, error) {
	_, queryMode := e.provider.(core.QueryEmbeddingProvider)
	res := e.embedOne(ctx, tenantID, text, queryMode)
	return res.Vector, res.Err
}

// InvalidateStale removes cache entries produced by any other model or dimensionality.
func (e *Embedder) InvalidateStale(ctx context.Context) (int64, error) {
	if e.cache == nil {
		return 0, nil
	}
	return e.cache.DeleteEmbeddingsExcept(ctx, e.Model(), e.Dimensions())
}

// queryHashPrefix separates query-mode vectors from passage vectors of the same text.
const queryHashPrefix = "\x00query\x00"

func (e *Embedder) embedOne(ctx context.Context, tenantID, text string, query bool) EmbedResult {
	hash := ContentHash(text)
	if query {
		hash = ContentHash(queryHashPrefix + text)
	}
	model, dims := e.Model(), e.Dimensions()

	if vec, ok := e.lookup(ctx, hash, model, dims); ok {
		e.metrics.EmbedCache(true)
		return EmbedResult{Vector: vec, Cached: true}
	}
	e.metrics.EmbedCache(false)

	// Identical texts in flight at the same time share one model call. The
	// call runs detached from any single caller, bounded by the retry budget;
	// each caller stops waiting on its own cancellation.
	key := hash + "/" + model + "/" + strconv.Itoa(dims)
	ch := e.flights.DoChan(key, func() (any, error) {
		fctx := context.WithoutCancel(ctx)
		// a flight that just finished may already have stored it
		if vec, ok := e.lookup(fctx, hash, model, dims); ok {
			return vec, nil
		}
		vec, err := e.generate(fctx, text, query)
		if err != nil {
			return nil, err
		}
		e.store(fctx, &models.EmbeddingCacheEntry{
			Hash: hash, Model: model, Dimensions: dims, Vector: vec, TenantID: tenantID,
		})
		return vec, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return EmbedResult{Err: r.Err}
		}
		return EmbedResult{Vector: r.Val.([]float32)}
	case <-ctx.Done():
		return EmbedResult{Err: &core.EmbeddingError{Last: ctx.Err()}}
	}
}

func (e *Embedder) lookup(ctx context.Context, hash, model string, dims int) ([]float32, bool) {
	if e.cache == nil {
		return nil, false
	}
	entry, err := e.cache.GetEmbedding(ctx, hash, model, dims)
	if err != nil {
		e.log.Warn("embedding cache lookup failed", slog.String("hash", hash), slog.Any("error", err))
		return nil, false
	}
	if entry == nil || len(entry.Vector) != dims {
		return nil, false
	}
	return entry.Vector, true
}

func (e *Embedder) store(ctx context.Context, entry *models.EmbeddingCacheEntry) {
	if e.cache == nil {
		return
	}
	if err := e.cache.PutEmbedding(ctx, entry); err != nil {
		e.log.Warn("embedding cache write failed", slog.String("hash", entry.Hash), slog.Any("error", err))
	}
}

// generate calls the model with bounded retries and exponential backoff.
func (e *Embedder) generate(ctx context.Context, text string, query bool) ([]float32, error) {
	input := truncateRunes(text, e.cfg.MaxInputChars)
	dims := e.Dimensions()
	call := e.provider.EmbedTexts
	if qp, ok := e.provider.(core.QueryEmbeddingProvider); ok && query {
		call = qp.EmbedQueries
	}

	var (
		last     error
		attempts int
	)
	for attempts < e.cfg.Attempts {
		if attempts > 0 {
			if err := sleepCtx(ctx, e.cfg.BaseDelay<<(attempts-1)); err != nil {
				last = err
				break
			}
		}
		attempts++

		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				last = err
				break
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		vecs, err := call(callCtx, []string{input})
		cancel()
		if err == nil {
			switch {
			case len(vecs) != 1:
				err = fmt.Errorf("model returned %d vectors for 1 input", len(vecs))
			case len(vecs[0]) != dims:
				err = fmt.Errorf("model returned %d dimensions, want %d", len(vecs[0]), dims)
			}
		}
		if err == nil {
			e.metrics.EmbedCall("ok")
			return vecs[0], nil
		}

		e.metrics.EmbedCall("error")
		e.log.Debug("embedding attempt failed", slog.Int("attempt", attempts), slog.Any("error", err))
		last = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, &core.EmbeddingError{Attempts: attempts, Last: last}
}

// ContentHash is the cache address of a text: hex SHA-256 of its exact bytes.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
