// Package rag provides the retrieval pipeline: document loading, recursive
// character splitting, ingestion into a vector store and similarity search.
package rag

import (
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
)

// Default splitter settings.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
)

// DefaultSeparators are tried in order; the empty separator splits by rune.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// ChunkerConfig configures the text chunker.
type ChunkerConfig struct {
	ChunkSize    int      // Target chunk size in runes (default 1000)
	ChunkOverlap int      // Overlap between consecutive chunks in runes (default 200)
	Separators   []string // Split priority (default DefaultSeparators)
	Passthrough  bool     // If true, return the entire text as one chunk
}

// DefaultChunkerConfig returns the 1000/200 recursive splitter settings.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		Separators:   DefaultSeparators,
	}
}

func (c ChunkerConfig) normalized() ChunkerConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkOverlap < 0 {
		c.ChunkOverlap = 0
	}
	if c.ChunkOverlap >= c.ChunkSize {
		c.ChunkOverlap = c.ChunkSize / 5
	}
	if len(c.Separators) == 0 {
		c.Separators = DefaultSeparators
	}
	return c
}

// Chunk holds a single chunk of text with its position.
type Chunk struct {
	Text     string            `json:"text"`
	Index    int               `json:"index"`    // 0-based chunk index
	Metadata map[string]string `json:"metadata"` // inherited from parent + chunk-specific
}

// ChunkText splits text into overlapping chunks. Whitespace-only chunks are
// dropped, so an empty document yields no chunks.
func ChunkText(text string, config ChunkerConfig) []Chunk {
	config = config.normalized()

	var pieces []string
	if config.Passthrough || utf8.RuneCountInString(text) <= config.ChunkSize {
		pieces = []string{text}
	} else {
		pieces = splitRecursive(text, config.Separators, config.ChunkSize, config.ChunkOverlap)
	}

	chunks := make([]Chunk, 0, len(pieces))
	for _, p := range pieces {
		if strings.TrimSpace(p) == "" {
			continue
		}
		chunks = append(chunks, Chunk{Text: p, Index: len(chunks), Metadata: map[string]string{}})
	}
	return chunks
}

// splitRecursive splits on the first separator present in text and recurses
// with the remaining separators into pieces that are still too large.
func splitRecursive(text string, separators []string, size, overlap int) []string {
	sep := separators[len(separators)-1]
	var rest []string
	for i, s := range separators {
		if s == "" || strings.Contains(text, s) {
			sep = s
			rest = separators[i+1:]
			break
		}
	}

	var splits []string
	if sep == "" {
		splits = runes(text)
	} else {
		splits = strings.Split(text, sep)
	}

	var out, good []string
	for _, s := range splits {
		if utf8.RuneCountInString(s) < size {
			good = append(good, s)
			continue
		}
		if len(good) > 0 {
			out = append(out, mergeSplits(good, sep, size, overlap)...)
			good = nil
		}
		if len(rest) == 0 {
			out = append(out, s)
		} else {
			out = append(out, splitRecursive(s, rest, size, overlap)...)
		}
	}
	if len(good) > 0 {
		out = append(out, mergeSplits(good, sep, size, overlap)...)
	}
	return out
}

// mergeSplits joins small splits into chunks of at most size runes, carrying
// up to overlap runes of trailing splits into the next chunk.
func mergeSplits(splits []string, sep string, size, overlap int) []string {
	sepLen := utf8.RuneCountInString(sep)
	var (
		docs    []string
		current []string
		total   int
	)
	joinLen := func() int {
		if len(current) > 0 {
			return sepLen
		}
		return 0
	}
	for _, s := range splits {
		n := utf8.RuneCountInString(s)
		if total+n+joinLen() > size {
			if total > size {
				log.Warn().Int("size", total).Int("limit", size).Msg("Created a chunk larger than the configured size")
			}
			if len(current) > 0 {
				if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
					docs = append(docs, doc)
				}
				for total > overlap || (total+n+joinLen() > size && total > 0) {
					drop := utf8.RuneCountInString(current[0])
					if len(current) > 1 {
						drop += sepLen
					}
					total -= drop
					current = current[1:]
				}
			}
		}
		total += n + joinLen()
		current = append(current, s)
	}
	if doc := strings.TrimSpace(strings.Join(current, sep)); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

func runes(text string) []string {
	out := make([]string, 0, utf8.RuneCountInString(text))
	for _, r := range text {
		out = append(out, string(r))
	}
	return out
}
