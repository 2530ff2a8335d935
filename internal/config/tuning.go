package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tuning holds the numeric knobs of the ingestion and retrieval engine.
// None of these values are part of any contract; they are starting points.
type Tuning struct {
	ChunkSize    int     `yaml:"chunk_size"`
	ChunkOverlap int     `yaml:"chunk_overlap"`
	MinChunkLen  int     `yaml:"min_chunk_len"`
	BreakRatio   float64 `yaml:"break_ratio"`

	RetryAttempts    int           `yaml:"retry_attempts"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	EmbedCallTimeout time.Duration `yaml:"embed_call_timeout"`
	EmbedWorkers     int           `yaml:"embed_workers"`

	DocumentTimeout     time.Duration `yaml:"document_timeout"`
	DocumentConcurrency int           `yaml:"document_concurrency"`

	CandidatePool  int           `yaml:"candidate_pool"`
	MinSimilarity  float64       `yaml:"min_similarity"`
	SemanticWeight float64       `yaml:"semantic_weight"`
	LexicalWeight  float64       `yaml:"lexical_weight"`
	ResultCacheTTL time.Duration `yaml:"result_cache_ttl"`
	DefaultLimit   int           `yaml:"default_limit"`
	MaxLimit       int           `yaml:"max_limit"`
}

// DefaultTuning returns the values used when nothing is configured.
func DefaultTuning() Tuning {
	return Tuning{
		ChunkSize:           1000,
		ChunkOverlap:        200,
		MinChunkLen:         50,
		BreakRatio:          0.7,
		RetryAttempts:       3,
		RetryBaseDelay:      time.Second,
		EmbedCallTimeout:    15 * time.Second,
		EmbedWorkers:        4,
		DocumentTimeout:     5 * time.Minute,
		DocumentConcurrency: 5,
		CandidatePool:       200,
		MinSimilarity:       0.25,
		SemanticWeight:      0.8,
		LexicalWeight:       0.2,
		ResultCacheTTL:      6 * time.Hour,
		DefaultLimit:        10,
		MaxLimit:            50,
	}
}

// LoadTuning reads a YAML tuning file over the defaults. An empty path
// returns the defaults.
func LoadTuning(path string) (Tuning, error) {
	t := DefaultTuning()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return t, fmt.Errorf("tuning file %s does not exist", path)
		}
		return t, fmt.Errorf("read tuning file: %w", err)
	}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("parse tuning file %s: %w", path, err)
	}
	return t, nil
}

// Normalize replaces out-of-range values with defaults, logging each change.
// ChunkOverlap may exceed ChunkSize; the chunker floors its advance at one character.
func (t *Tuning) Normalize(log *slog.Logger) {
	d := DefaultTuning()
	fixInt := func(name string, v *int, def int) {
		if *v <= 0 {
			log.Warn("tuning value out of range, using default", slog.String("key", name), slog.Int("value", *v), slog.Int("default", def))
			*v = def
		}
	}
	fixDur := func(name string, v *time.Duration, def time.Duration) {
		if *v <= 0 {
			log.Warn("tuning value out of range, using default", slog.String("key", name), slog.Duration("value", *v), slog.Duration("default", def))
			*v = def
		}
	}

	fixInt("chunk_size", &t.ChunkSize, d.ChunkSize)
	if t.ChunkOverlap < 0 {
		t.ChunkOverlap = 0
	}
	fixInt("min_chunk_len", &t.MinChunkLen, d.MinChunkLen)
	if t.BreakRatio <= 0 || t.BreakRatio >= 1 {
		t.BreakRatio = d.BreakRatio
	}
	fixInt("retry_attempts", &t.RetryAttempts, d.RetryAttempts)
	fixDur("retry_base_delay", &t.RetryBaseDelay, d.RetryBaseDelay)
	fixDur("embed_call_timeout", &t.EmbedCallTimeout, d.EmbedCallTimeout)
	fixInt("embed_workers", &t.EmbedWorkers, d.EmbedWorkers)
	fixDur("document_timeout", &t.DocumentTimeout, d.DocumentTimeout)
	fixInt("document_concurrency", &t.DocumentConcurrency, d.DocumentConcurrency)
	fixInt("candidate_pool", &t.CandidatePool, d.CandidatePool)
	if t.MinSimilarity < 0 || t.MinSimilarity >= 1 {
		t.MinSimilarity = d.MinSimilarity
	}
	if t.SemanticWeight < 0 || t.LexicalWeight < 0 || t.SemanticWeight+t.LexicalWeight == 0 {
		t.SemanticWeight, t.LexicalWeight = d.SemanticWeight, d.LexicalWeight
	}
	fixDur("result_cache_ttl", &t.ResultCacheTTL, d.ResultCacheTTL)
	fixInt("default_limit", &t.DefaultLimit, d.DefaultLimit)
	fixInt("max_limit", &t.MaxLimit, d.MaxLimit)
	if t.DefaultLimit > t.MaxLimit {
		t.DefaultLimit = t.MaxLimit
	}
}
