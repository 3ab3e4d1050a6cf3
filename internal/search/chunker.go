// Package search implements the hybrid search engine: lexical + semantic
// candidate retrieval, weighted score fusion, RAG enrichment, optional LLM
// reranking, and the ETag/result cache.
package search

import (
	"strings"
	"unicode/utf8"

	"github.com/matrixhub/matrixhub/pkg/models"
)

// ChunkerConfig configures how entity text is split for embedding.
type ChunkerConfig struct {
	ChunkSize    int // target chunk size in characters (default 512)
	ChunkOverlap int // overlap between chunks (default 50)
}

// DefaultChunkerConfig returns sensible defaults for recursive splitting.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{ChunkSize: 512, ChunkOverlap: 50}
}

// BuildChunks derives the embedding chunks for an entity: name and summary
// each become one chunk, the description is split recursively. Vectors are
// filled in by the caller after embedding.
func BuildChunks(e *models.Entity, cfg ChunkerConfig) []models.EmbeddingChunk {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 512
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = 0
	}

	var out []models.EmbeddingChunk
	add := func(text string, source models.ChunkSource) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		out = append(out, models.EmbeddingChunk{
			EntityUID: e.UID,
			Ordinal:   len(out),
			Text:      text,
			Source:    source,
		})
	}

	add(e.Name, models.ChunkSourceName)
	add(e.Summary, models.ChunkSourceSummary)
	for _, piece := range splitText(e.Description, cfg.ChunkSize, cfg.ChunkOverlap) {
		add(piece, models.ChunkSourceDescription)
	}
	return out
}

// splitText splits text into overlapping pieces, trying separators in order
// of priority before falling back to a rune-level cut.
func splitText(text string, chunkSize, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= chunkSize {
		return []string{text}
	}

	separators := []string{"\n\n", "\n", ". ", " "}
	var segments []string
	var sep string
	for _, s := range separators {
		if parts := strings.Split(text, s); len(parts) > 1 {
			segments, sep = parts, s
			break
		}
	}
	if segments == nil {
		return splitByRunes(text, chunkSize)
	}

	var pieces []string
	var current strings.Builder
	flush := func(next string) {
		pieces = append(pieces, current.String())
		tail := overlapTail(current.String(), overlap)
		current.Reset()
		if tail != "" {
			current.WriteString(tail)
			current.WriteString(sep)
		}
		current.WriteString(next)
	}
	for _, seg := range segments {
		candidate := current.String()
		if candidate != "" {
			candidate += sep
		}
		candidate += seg
		if utf8.RuneCountInString(candidate) > chunkSize && current.Len() > 0 {
			flush(seg)
		} else {
			if current.Len() > 0 {
				current.WriteString(sep)
			}
			current.WriteString(seg)
		}
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

func splitByRunes(text string, size int) []string {
	runes := []rune(text)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

// overlapTail returns the last n runes of s, snapped to a word boundary.
func overlapTail(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	tail := string(runes[len(runes)-n:])
	if idx := strings.IndexByte(tail, ' '); idx >= 0 && idx+1 < len(tail) {
		tail = tail[idx+1:]
	}
	return tail
}
