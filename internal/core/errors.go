package core

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat         = errors.New("unsupported format")
	ErrNoExtractableText         = errors.New("no extractable text")
	ErrEmbeddingGenerationFailed = errors.New("embedding generation failed")
	ErrStorageWriteFailed        = errors.New("storage write failed")
	ErrRetrievalUnavailable      = errors.New("retrieval unavailable")
	ErrTimeout                   = errors.New("timeout")
	ErrBadRequest                = errors.New("bad request")
	ErrScopeMismatch             = errors.New("tenant or scheme mismatch")
	ErrNotFound                  = errors.New("not found")
	ErrInvalidTransition         = errors.New("invalid status transition")
	ErrDocumentGone              = errors.New("document deleted during ingestion")
)

// EmbeddingError is returned once every attempt to embed a text has failed.
// It matches ErrEmbeddingGenerationFailed and the last underlying error.
type EmbeddingError struct {
	Attempts int
	Last     error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrEmbeddingGenerationFailed, e.Attempts, e.Last)
}

func (e *EmbeddingError) Unwrap() []error {
	return []error{ErrEmbeddingGenerationFailed, e.Last}
}
