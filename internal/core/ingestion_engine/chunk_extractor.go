package ingestion_engine

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/handoverhq/docsearch/internal/models"
)

// Chunker defaults.
const (
	DefaultChunkSize   = 1000
	DefaultOverlap     = 200
	DefaultMinChunkLen = 50
	DefaultBreakRatio  = 0.7
)

// TextChunk is one segment produced by the Chunker, before embedding.
//
// Index:    zero-based position among the chunks kept for the document.
// Metadata: rune offset into the normalized text plus char/word counts.
type TextChunk struct {
	Text     string
	Index    int
	Metadata models.ChunkMetadata
}

// Chunker splits normalized text into overlapping, sentence-aware windows.
//
// size:       target window length in characters.
// overlap:    characters shared between consecutive windows; may exceed size.
// minLen:     chunks shorter than this after trimming are dropped as noise.
// breakRatio: a sentence or line break is only used as the cut point when it
//             falls after this fraction of the window.
type Chunker struct {
	size       int
	overlap    int
	minLen     int
	breakRatio float64
}

func NewChunker(size, overlap, minLen int, breakRatio float64) *Chunker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if minLen <= 0 {
		minLen = DefaultMinChunkLen
	}
	if breakRatio <= 0 || breakRatio >= 1 {
		breakRatio = DefaultBreakRatio
	}
	return &Chunker{size: size, overlap: overlap, minLen: minLen, breakRatio: breakRatio}
}

// Chunk splits text into ordered chunks. It always terminates: the window
// start advances by at least one character per iteration.
func (c *Chunker) Chunk(text string) []TextChunk {
	runes := []rune(text)
	n := len(runes)

	var out []TextChunk
	for start := 0; start < n; {
		end := min(start+c.size, n)
		if end < n {
			if cut := lastBreak(runes[start:end]); cut > 0 && float64(cut) > float64(end-start)*c.breakRatio {
				end = start + cut
			}
		}

		piece := strings.TrimSpace(string(runes[start:end]))
		lead := 0
		for start+lead < end && unicode.IsSpace(runes[start+lead]) {
			lead++
		}
		if utf8.RuneCountInString(piece) >= c.minLen {
			out = append(out, TextChunk{
				Text:  piece,
				Index: len(out),
				Metadata: models.ChunkMetadata{
					CharCount: utf8.RuneCountInString(piece),
					WordCount: len(strings.Fields(piece)),
					Offset:    start + lead,
				},
			})
		}

		if end >= n {
			break
		}
		start += max(1, (end-start)-c.overlap)
	}
	return out
}

// lastBreak returns the cut position just after the last ". " or newline in
// window, or -1 when there is none.
func lastBreak(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch {
		case window[i] == '\n':
			return i + 1
		case window[i] == '.' && i+1 < len(window) && window[i+1] == ' ':
			return i + 1
		}
	}
	return -1
}
