// Package knowledge implements the ingestion pipeline and the retrieval
// query path over corpora of chunked, embedded documents.
package knowledge

import (
	"regexp"
	"strings"
)

// Chunking defaults, in characters of whitespace-normalized text.
const (
	DefaultChunkSize    = 1200
	DefaultChunkOverlap = 200
)

// ChunkOptions configures ChunkText. Zero values take the defaults.
type ChunkOptions struct {
	SizeChars    int
	OverlapChars int
}

// ChunkSpan is one chunk of a document: its index, the character range in
// the normalized text, and the trimmed content.
type ChunkSpan struct {
	Index   int
	Start   int
	End     int
	Content string
}

var whitespacePattern = regexp.MustCompile(`\s+`)

// normalizeWhitespace collapses all whitespace runs to single spaces and
// trims the ends, so chunk boundaries are stable across formatting changes.
func normalizeWhitespace(text string) string {
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// ChunkText splits text into overlapping windows. The window slides by
// size-overlap characters; each non-empty window yields one span. Chunking
// is deterministic: identical input and options produce identical spans.
func ChunkText(text string, opts ChunkOptions) []ChunkSpan {
	size := opts.SizeChars
	if size <= 0 {
		size = DefaultChunkSize
	}
	overlap := opts.OverlapChars
	if overlap <= 0 {
		overlap = DefaultChunkOverlap
	}
	if overlap >= size {
		// A non-advancing window would never terminate.
		overlap = 0
	}

	norm := normalizeWhitespace(text)
	spans := make([]ChunkSpan, 0)
	index := 0
	for start := 0; start < len(norm); {
		end := start + size
		if end > len(norm) {
			end = len(norm)
		}
		content := strings.TrimSpace(norm[start:end])
		if content != "" {
			spans = append(spans, ChunkSpan{Index: index, Start: start, End: end, Content: content})
			index++
		}
		if end == len(norm) {
			break
		}
		start = end - overlap
	}
	return spans
}
