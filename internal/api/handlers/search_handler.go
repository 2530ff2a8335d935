package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/core/retrieval"
	"github.com/handoverhq/docsearch/internal/models"
)

// Searcher is the read side of the engine.
type Searcher interface {
	Search(ctx context.Context, req retrieval.SearchRequest) ([]retrieval.SearchResult, error)
}

type SearchHandler struct {
	searcher Searcher
}

func NewSearchHandler(s Searcher) *SearchHandler {
	return &SearchHandler{searcher: s}
}

type SearchResponse struct {
	Query   string                   `json:"query"`
	Count   int                      `json:"count"`
	Results []retrieval.SearchResult `json:"results"`
}

// Search handles GET /api/search?q=&scheme=&discipline=&house_type=&important=&must_read=&ai_classified=&limit=
func (h *SearchHandler) Search(w http.ResponseWriter, r *http.Request) {
	access, ok := callerScope(w, r)
	if !ok {
		return
	}
	req, err := ParseSearchRequest(access, r.URL.Query())
	if err != nil {
		writeError(w, r, err)
		return
	}

	results, err := h.searcher.Search(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if results == nil {
		results = []retrieval.SearchResult{}
	}
	writeJSON(w, http.StatusOK, SearchResponse{Query: req.Query, Count: len(results), Results: results})
}

// ParseSearchRequest builds a search from query parameters. Requested schemes
// must be within the caller's access; none requested means all of them.
func ParseSearchRequest(access core.SearchScope, q url.Values) (retrieval.SearchRequest, error) {
	req := retrieval.SearchRequest{
		Scope: core.SearchScope{TenantID: access.TenantID, SchemeIDs: access.SchemeIDs},
		Query: q.Get("q"),
	}

	var schemes []string
	for _, v := range q["scheme"] {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				schemes = append(schemes, s)
			}
		}
	}
	for _, s := range schemes {
		if !access.Allows(&s) {
			return req, fmt.Errorf("%w: scheme %s", core.ErrScopeMismatch, s)
		}
	}
	if len(schemes) > 0 {
		req.Scope.SchemeIDs = schemes
	}

	req.Filters.Discipline = models.ParseDiscipline(q.Get("discipline"))
	req.Filters.HouseType = strings.TrimSpace(q.Get("house_type"))

	var err error
	if req.Filters.Important, err = optionalBool(q, "important"); err != nil {
		return req, err
	}
	if req.Filters.MustRead, err = optionalBool(q, "must_read"); err != nil {
		return req, err
	}
	if req.Filters.AIClassified, err = optionalBool(q, "ai_classified"); err != nil {
		return req, err
	}

	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return req, fmt.Errorf("%w: limit must be a non-negative integer", core.ErrBadRequest)
		}
		req.Limit = n
	}
	return req, nil
}

func optionalBool(q url.Values, key string) (*bool, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be a boolean", core.ErrBadRequest, key)
	}
	return &b, nil
}
