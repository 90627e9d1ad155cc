// Package chunk splits extracted text into bounded-size pieces. Five
// interchangeable strategies share a single post-processing pass that
// trims whitespace and merges undersized chunks, so the minimum-size
// invariant holds no matter which strategy produced the chunks.
package chunk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Chunk is one piece of a document. Index is the position within the
// source document's chunk sequence; offsets are byte positions into the
// text handed to the chunker.
type Chunk struct {
	Text        string `json:"text"`
	Index       int    `json:"index"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
}

// Strategy names a chunking algorithm.
type Strategy string

const (
	Sentence           Strategy = "sentence"
	FixedSize          Strategy = "fixed_size"
	RecursiveCharacter Strategy = "recursive_character"
	MarkdownAware      Strategy = "markdown"
	Semantic           Strategy = "semantic"
)

// DefaultSeparators is the priority order the recursive-character strategy
// uses when none is configured.
var DefaultSeparators = []string{"\n\n", "\n", " ", "."}

// Config selects a strategy and its options. It is validated when a
// transform is created so a worker never sees a malformed config.
type Config struct {
	Strategy     Strategy `json:"strategy" yaml:"strategy"`
	ChunkSize    int      `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int      `json:"chunk_overlap" yaml:"chunk_overlap"`
	MinChunkSize int      `json:"min_chunk_size" yaml:"min_chunk_size"`
	MaxChunkSize int      `json:"max_chunk_size" yaml:"max_chunk_size"`

	TrimWhitespace bool `json:"trim_whitespace" yaml:"trim_whitespace"`

	// Sentence strategy: never cut mid-sentence, even when that overshoots
	// ChunkSize.
	PreserveSentenceBoundaries bool `json:"preserve_sentence_boundaries" yaml:"preserve_sentence_boundaries"`

	// Recursive-character strategy.
	Separators    []string `json:"separators,omitempty" yaml:"separators,omitempty"`
	KeepSeparator bool     `json:"keep_separator" yaml:"keep_separator"`

	// Markdown strategy.
	SplitOnHeaders     bool `json:"split_on_headers" yaml:"split_on_headers"`
	PreserveCodeBlocks bool `json:"preserve_code_blocks" yaml:"preserve_code_blocks"`

	// Semantic strategy.
	BufferSize          int     `json:"buffer_size" yaml:"buffer_size"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
}

// Validate checks strategy-specific requirements.
func (c Config) Validate() error {
	switch c.Strategy {
	case Sentence, FixedSize, RecursiveCharacter, MarkdownAware, Semantic:
	case "":
		return errors.New("chunking strategy is required")
	default:
		return fmt.Errorf("unknown chunking strategy %q", c.Strategy)
	}
	if c.ChunkSize <= 0 && c.Strategy != Semantic {
		return errors.New("chunk_size must be positive")
	}
	if c.ChunkOverlap < 0 {
		return errors.New("chunk_overlap must not be negative")
	}
	if c.Strategy == FixedSize && c.ChunkOverlap >= c.ChunkSize {
		return errors.New("chunk_overlap must be smaller than chunk_size")
	}
	if c.MinChunkSize < 0 {
		return errors.New("min_chunk_size must not be negative")
	}
	if c.Strategy == Semantic {
		if c.MaxChunkSize <= 0 {
			return errors.New("semantic strategy requires max_chunk_size")
		}
		if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
			return errors.New("similarity_threshold must be in (0, 1]")
		}
	}
	return nil
}

// Embedder is the narrow dependency of the semantic strategy. An embedder
// outage fails the file; the chunker never falls back to another strategy.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Chunker applies a configured strategy to text. The embedder may be nil
// unless the semantic strategy is used.
type Chunker struct {
	embedder Embedder
}

// New returns a Chunker. The embedder is only consulted by the semantic
// strategy.
func New(embedder Embedder) *Chunker {
	return &Chunker{embedder: embedder}
}

// Chunk splits text per the config and applies the shared
// post-processing pass. Only the semantic strategy performs I/O.
func (c *Chunker) Chunk(ctx context.Context, text string, cfg Config) ([]Chunk, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var (
		chunks []Chunk
		err    error
	)
	switch cfg.Strategy {
	case Sentence:
		chunks = chunkSentences(text, cfg)
	case FixedSize:
		chunks = chunkFixed(text, cfg)
	case RecursiveCharacter:
		chunks = chunkRecursive(text, cfg)
	case MarkdownAware:
		chunks = chunkMarkdown(text, cfg)
	case Semantic:
		if c.embedder == nil {
			return nil, errors.New("semantic strategy requires an embedder")
		}
		chunks, err = chunkSemantic(ctx, c.embedder, text, cfg)
	}
	if err != nil {
		return nil, err
	}

	return postProcess(chunks, cfg), nil
}

// postProcess is applied identically across all strategies: merge chunks
// below MinChunkSize into a neighbor (preferring the following chunk, the
// last chunk merging backwards), optionally trim whitespace, and reassign
// indexes.
func postProcess(chunks []Chunk, cfg Config) []Chunk {
	chunks = dropEmpty(chunks)
	if len(chunks) == 0 {
		return nil
	}

	if cfg.MinChunkSize > 0 {
		chunks = mergeSmall(chunks, cfg.MinChunkSize)
	}
	if cfg.TrimWhitespace {
		for i := range chunks {
			chunks[i] = trimChunk(chunks[i])
		}
		chunks = dropEmpty(chunks)
	}
	for i := range chunks {
		chunks[i].Index = i
	}
	return chunks
}

func dropEmpty(chunks []Chunk) []Chunk {
	out := chunks[:0]
	for _, ch := range chunks {
		if strings.TrimSpace(ch.Text) != "" {
			out = append(out, ch)
		}
	}
	return out
}

func mergeSmall(chunks []Chunk, minSize int) []Chunk {
	for {
		idx := -1
		for i, ch := range chunks {
			if utf8.RuneCountInString(ch.Text) < minSize {
				idx = i
				break
			}
		}
		if idx < 0 || len(chunks) == 1 {
			// A single remaining chunk may stay below the minimum when the
			// whole input is short.
			return chunks
		}
		if idx < len(chunks)-1 {
			chunks[idx+1] = joinChunks(chunks[idx], chunks[idx+1])
			chunks = append(chunks[:idx], chunks[idx+1:]...)
		} else {
			chunks[idx-1] = joinChunks(chunks[idx-1], chunks[idx])
			chunks = chunks[:idx]
		}
	}
}

func joinChunks(a, b Chunk) Chunk {
	sep := ""
	if !strings.HasSuffix(a.Text, "\n") && !strings.HasPrefix(b.Text, "\n") &&
		!strings.HasSuffix(a.Text, " ") && !strings.HasPrefix(b.Text, " ") {
		sep = " "
	}
	return Chunk{
		Text:        a.Text + sep + b.Text,
		StartOffset: a.StartOffset,
		EndOffset:   b.EndOffset,
	}
}

func trimChunk(ch Chunk) Chunk {
	trimmedLeft := strings.TrimLeft(ch.Text, " \t\n\r")
	lead := len(ch.Text) - len(trimmedLeft)
	trimmed := strings.TrimRight(trimmedLeft, " \t\n\r")
	ch.StartOffset += lead
	ch.EndOffset = ch.StartOffset + len(trimmed)
	ch.Text = trimmed
	return ch
}

// splitSentences returns sentence spans with absolute byte offsets.
// Sentence endings are ./!/? followed by whitespace or end of text, with a
// small abbreviation heuristic.
func splitSentences(text string) []Chunk {
	var out []Chunk
	start := 0
	for i := 0; i < len(text); i++ {
		b := text[i]
		if b != '.' && b != '!' && b != '?' {
			continue
		}
		atEnd := i+1 >= len(text)
		if !atEnd && text[i+1] != ' ' && text[i+1] != '\n' && text[i+1] != '\t' {
			continue
		}
		// Skip single-letter abbreviations like "J. Smith".
		if b == '.' && i >= 2 && text[i-2] == ' ' {
			continue
		}
		end := i + 1
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, Chunk{Text: text[start:end], StartOffset: start, EndOffset: end})
		}
		// Consume the whitespace after the terminator.
		for end < len(text) && (text[end] == ' ' || text[end] == '\n' || text[end] == '\t') {
			end++
		}
		start = end
		i = end - 1
	}
	if start < len(text) {
		if s := strings.TrimSpace(text[start:]); s != "" {
			out = append(out, Chunk{Text: text[start:], StartOffset: start, EndOffset: len(text)})
		}
	}
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
