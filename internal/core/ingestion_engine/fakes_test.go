package ingestion_engine

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/handoverhq/docsearch/internal/core"
	"github.com/handoverhq/docsearch/internal/logging"
)

// fakeProvider returns deterministic vectors and counts calls per text.
type fakeProvider struct {
	mu       sync.Mutex
	dims     int
	calls    map[string]int
	failText map[string]int // text -> number of calls that fail before success (-1 = always)
	badDims  bool
	delay    time.Duration
}

func newFakeProvider(dims int) *fakeProvider {
	return &fakeProvider{dims: dims, calls: map[string]int{}, failText: map[string]int{}}
}

func (f *fakeProvider) Model() string   { return "fake-embed" }
func (f *fakeProvider) Dimensions() int { return f.dims }

func (f *fakeProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		f.calls[t]++
		for prefix, n := range f.failText {
			if strings.HasPrefix(t, prefix) && (n < 0 || f.calls[t] <= n) {
				return nil, errors.New("model unavailable")
			}
		}
		dims := f.dims
		if f.badDims {
			dims++
		}
		out[i] = vectorFor(t, dims)
	}
	return out, nil
}

func (f *fakeProvider) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeProvider) callsFor(text string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[text]
}

func vectorFor(text string, dims int) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	v := make([]float32, dims)
	for i := range v {
		seed = seed*6364136223846793005 + 1442695040888963407
		v[i] = float32(seed>>40)/float32(1<<24) - 0.5
	}
	return v
}

// fakeExtractor returns a fixed text or error regardless of input.
type fakeExtractor struct {
	text  string
	err   error
	block bool
}

func (f *fakeExtractor) Extract(ctx context.Context, _ []byte, _ string) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.text, f.err
}

var _ core.DocumentExtractor = (*fakeExtractor)(nil)

func testEmbedder(p core.EmbeddingProvider, cache core.EmbeddingCacheStore) *Embedder {
	e, err := NewEmbedder(p, cache, EmbedderConfig{
		Attempts:    3,
		BaseDelay:   time.Millisecond,
		CallTimeout: time.Second,
		Workers:     4,
	}, nil, logging.Discard())
	if err != nil {
		panic(err)
	}
	return e
}
