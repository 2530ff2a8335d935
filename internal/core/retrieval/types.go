package retrieval

import (
	"strings"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/models"
)

// Filters narrow the ranked set after grouping. Nil pointers and empty
// strings mean "any".
type Filters struct {
	Discipline   models.Discipline `json:"discipline,omitempty"`
	HouseType    string            `json:"house_type,omitempty"`
	Important    *bool             `json:"important,omitempty"`
	MustRead     *bool             `json:"must_read,omitempty"`
	AIClassified *bool             `json:"ai_classified,omitempty"`
}

// Match reports whether a representative passage satisfies every filter.
func (f Filters) Match(c core.Candidate) bool {
	if f.Discipline != models.DisciplineNone && c.Discipline != f.Discipline {
		return false
	}
	if f.HouseType != "" && !strings.EqualFold(strings.TrimSpace(c.HouseType), strings.TrimSpace(f.HouseType)) {
		return false
	}
	if f.Important != nil && c.Important != *f.Important {
		return false
	}
	if f.MustRead != nil && c.MustRead != *f.MustRead {
		return false
	}
	if f.AIClassified != nil && c.AIClassified != *f.AIClassified {
		return false
	}
	return true
}

// SearchRequest is one hybrid search. Limit <= 0 selects the default.
type SearchRequest struct {
	Scope   core.SearchScope
	Query   string
	Filters Filters
	Limit   int
}

type Flags struct {
	Important    bool `json:"important"`
	MustRead     bool `json:"must_read"`
	AIClassified bool `json:"ai_classified"`
}

// SearchResult is one ranked document with its best passage. DocumentID is
// empty for training or manual text, which is identified by ChunkID.
type SearchResult struct {
	DocumentID    string            `json:"document_id,omitempty"`
	ChunkID       string            `json:"chunk_id"`
	DocumentTitle string            `json:"document_title"`
	Snippet       string            `json:"snippet"`
	Score         float64           `json:"score"`
	Semantic      float64           `json:"semantic"`
	Lexical       float64           `json:"lexical"`
	SourceType    models.SourceType `json:"source_type"`
	Discipline    models.Discipline `json:"discipline,omitempty"`
	HouseType     string            `json:"house_type,omitempty"`
	Flags         Flags             `json:"flags"`
}
