package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/handoverhq/docsearch/internal/core"
)

// ResultCache stores ranked results per (tenant, query, filters) with a TTL.
// Every operation is best-effort: failures are logged and treated as misses.
type ResultCache struct {
	store core.SearchCacheStore
	ttl   time.Duration
	now   func() time.Time
	log   *slog.Logger
}

// NewResultCache returns nil when store is nil; a nil *ResultCache never hits.
func NewResultCache(store core.SearchCacheStore, ttl time.Duration, log *slog.Logger) *ResultCache {
	if store == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResultCache{store: store, ttl: ttl, now: time.Now, log: log}
}

// Get returns cached results for req. limit must already be resolved.
func (c *ResultCache) Get(ctx context.Context, req SearchRequest, limit int) ([]SearchResult, bool) {
	if c == nil {
		return nil, false
	}
	qh, fh := CacheKey(req, limit)
	payload, ok, err := c.store.GetSearchResults(ctx, req.Scope.TenantID, qh, fh, c.now())
	if err != nil {
		c.log.Warn("search cache read failed", slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	var results []SearchResult
	if err := json.Unmarshal(payload, &results); err != nil {
		c.log.Warn("search cache entry unreadable", slog.Any("error", err))
		return nil, false
	}
	return results, true
}

// Put stores results. A failed write never fails the search.
func (c *ResultCache) Put(ctx context.Context, req SearchRequest, limit int, results []SearchResult) {
	if c == nil {
		return
	}
	if results == nil {
		results = []SearchResult{}
	}
	payload, err := json.Marshal(results)
	if err != nil {
		c.log.Warn("search cache encode failed", slog.Any("error", err))
		return
	}
	qh, fh := CacheKey(req, limit)
	if err := c.store.PutSearchResults(ctx, req.Scope.TenantID, qh, fh, payload, c.now().Add(c.ttl)); err != nil {
		c.log.Warn("search cache write failed", slog.Any("error", err))
	}
}

// Purge deletes expired entries.
func (c *ResultCache) Purge(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, nil
	}
	return c.store.DeleteExpiredSearchResults(ctx, c.now())
}

// CacheKey derives the query and filter hashes. The query hash covers the
// normalized query, the sorted scheme scope and the limit; the filter hash
// covers the full filter set.
func CacheKey(req SearchRequest, limit int) (queryHash, filterHash string) {
	schemes := slices.Clone(req.Scope.SchemeIDs)
	slices.Sort(schemes)
	schemes = slices.Compact(schemes)

	q := NormalizeQuery(req.Query) + "\x00" + strings.Join(schemes, ",") + "\x00" + strconv.Itoa(limit)
	qsum := sha256.Sum256([]byte(q))

	// Filters has a fixed field order, so its JSON encoding is canonical.
	f, _ := json.Marshal(req.Filters)
	fsum := sha256.Sum256(f)

	return hex.EncodeToString(qsum[:]), hex.EncodeToString(fsum[:])
}

// NormalizeQuery lower-cases q and collapses whitespace.
func NormalizeQuery(q string) string {
	return strings.Join(strings.Fields(strings.ToLower(q)), " ")
}
