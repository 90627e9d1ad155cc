package chunk

import (
	"context"
	"fmt"
	"strings"
)

// chunkSemantic embeds consecutive sentence windows and merges adjacent
// windows while their cosine similarity stays at or above the threshold,
// subject to the MinChunkSize/MaxChunkSize hard bounds. This is the only
// strategy that performs I/O; an embedder failure fails the whole file.
func chunkSemantic(ctx context.Context, embedder Embedder, text string, cfg Config) ([]Chunk, error) {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil, nil
	}

	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 1
	}

	windows := buildWindows(sentences, bufSize)
	texts := make([]string, len(windows))
	for i, w := range windows {
		texts[i] = w.Text
	}

	vectors, err := embedder.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("semantic chunking: embed %d windows: %w", len(windows), err)
	}
	if len(vectors) != len(windows) {
		return nil, fmt.Errorf("semantic chunking: embedder returned %d vectors for %d windows", len(vectors), len(windows))
	}

	var out []Chunk
	cur := windows[0]
	for i := 1; i < len(windows); i++ {
		similar := cosineSimilarity(vectors[i-1], vectors[i]) >= cfg.SimilarityThreshold
		merged := joinAdjacent(cur, windows[i])
		within := len(merged.Text) <= cfg.MaxChunkSize

		// Merge while similar; also absorb a window when the current chunk
		// is still under the minimum, so hard bounds win over similarity.
		if (similar && within) || (len(cur.Text) < cfg.MinChunkSize && within) {
			cur = merged
			continue
		}
		out = append(out, cur)
		cur = windows[i]
	}
	out = append(out, cur)
	return out, nil
}

// buildWindows groups sentences into windows of size bufSize. Windows are
// non-overlapping so merged windows reconstruct the document.
func buildWindows(sentences []Chunk, bufSize int) []Chunk {
	var out []Chunk
	for start := 0; start < len(sentences); start += bufSize {
		end := min(start+bufSize, len(sentences))
		w := sentences[start]
		var b strings.Builder
		b.WriteString(sentences[start].Text)
		for i := start + 1; i < end; i++ {
			b.WriteString(" ")
			b.WriteString(sentences[i].Text)
		}
		w.Text = b.String()
		w.EndOffset = sentences[end-1].EndOffset
		out = append(out, w)
	}
	return out
}
