package models

import (
	"slices"
	"time"
)

// DocumentStatus is the processing state of an uploaded document.
type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// AllowedFrom lists the statuses a document may be in before moving to to.
// Statuses only move forward, except failed -> processing on retry. force
// additionally allows a completed document to be reprocessed.
func AllowedFrom(to DocumentStatus, force bool) []DocumentStatus {
	switch to {
	case StatusProcessing:
		if force {
			return []DocumentStatus{StatusPending, StatusFailed, StatusCompleted}
		}
		return []DocumentStatus{StatusPending, StatusFailed}
	case StatusCompleted, StatusFailed:
		return []DocumentStatus{StatusProcessing}
	default:
		return nil
	}
}

// CanTransition reports whether a document may move from one status to another.
func CanTransition(from, to DocumentStatus, force bool) bool {
	return slices.Contains(AllowedFrom(to, force), from)
}

// SourceType says where a chunk's text came from.
type SourceType string

const (
	SourceDocument SourceType = "document"
	SourceTraining SourceType = "training"
	SourceManual   SourceType = "manual"
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	return s == SourceDocument || s == SourceTraining || s == SourceManual
}

// Document represents one uploaded artifact owned by a tenant and optionally a scheme.
type Document struct {
	ID           string         `db:"id" json:"id"`
	TenantID     string         `db:"tenant_id" json:"tenant_id"`
	SchemeID     *string        `db:"scheme_id" json:"scheme_id,omitempty"` // nil for tenant-wide docs
	FileName     string         `db:"file_name" json:"file_name"`
	MimeType     string         `db:"mime_type" json:"mime_type"`
	StorageKey   string         `db:"storage_key" json:"storage_key"`
	Status       DocumentStatus `db:"status" json:"status"`
	ChunkCount   int            `db:"chunk_count" json:"chunk_count"`
	Discipline   Discipline     `db:"discipline" json:"discipline,omitempty"`
	HouseType    string         `db:"house_type" json:"house_type,omitempty"`
	Important    bool           `db:"important" json:"important"`
	MustRead     bool           `db:"must_read" json:"must_read"`
	AIClassified bool           `db:"ai_classified" json:"ai_classified"`
	LastError    string         `db:"last_error" json:"last_error,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
}

// ChunkMetadata is the fixed set of statistics recorded with every chunk.
type ChunkMetadata struct {
	CharCount int `json:"char_count"`
	WordCount int `json:"word_count"`
	Offset    int `json:"offset"`
}

// Chunk represents one retrievable span of text with its embedding.
type Chunk struct {
	ID         string        `db:"id" json:"id"`
	TenantID   string        `db:"tenant_id" json:"tenant_id"`
	SchemeID   *string       `db:"scheme_id" json:"scheme_id,omitempty"`
	DocumentID *string       `db:"document_id" json:"document_id,omitempty"` // nil for ad-hoc text
	Index      int           `db:"chunk_index" json:"chunk_index"`
	Text       string        `db:"text" json:"text"`
	Embedding  []float32     `db:"embedding" json:"-"` // pgvector column
	SourceType SourceType    `db:"source_type" json:"source_type"`
	Discipline Discipline    `db:"discipline" json:"discipline,omitempty"`
	HouseType  string        `db:"house_type" json:"house_type,omitempty"`
	Metadata   ChunkMetadata `db:"metadata" json:"metadata"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
}

// EmbeddingCacheEntry is a content-addressed embedding. It never stores the text itself.
type EmbeddingCacheEntry struct {
	Hash       string    `db:"content_hash"`
	Model      string    `db:"model"`
	Dimensions int       `db:"dimensions"`
	Vector     []float32 `db:"embedding"`
	TenantID   string    `db:"created_by_tenant"` // first producer, for billing
	HitCount   int64     `db:"hit_count"`
	CreatedAt  time.Time `db:"created_at"`
}

// SameScheme reports whether two optional scheme ids refer to the same scheme.
func SameScheme(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
