package chunk

import "strings"

// chunkRecursive tries separators in priority order: text is split on the
// first separator, oversized pieces fall through to the next separator,
// and adjacent small pieces are packed back together up to ChunkSize.
// KeepSeparator retains the separator at the end of the preceding piece.
func chunkRecursive(text string, cfg Config) []Chunk {
	seps := cfg.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	pieces := splitRecursive(Chunk{Text: text, StartOffset: 0, EndOffset: len(text)}, seps, cfg)
	return packPieces(pieces, cfg)
}

func splitRecursive(span Chunk, seps []string, cfg Config) []Chunk {
	if len(span.Text) <= cfg.ChunkSize {
		return []Chunk{span}
	}
	if len(seps) == 0 {
		return hardWindows(span, cfg.ChunkSize)
	}

	sep := seps[0]
	parts := splitWithOffsets(span, sep, cfg.KeepSeparator)
	if len(parts) <= 1 {
		// Separator not present: fall through to the next one.
		return splitRecursive(span, seps[1:], cfg)
	}

	var out []Chunk
	for _, p := range parts {
		if len(p.Text) > cfg.ChunkSize {
			out = append(out, splitRecursive(p, seps[1:], cfg)...)
			continue
		}
		out = append(out, p)
	}
	return out
}

// splitWithOffsets splits a span on sep, tracking absolute offsets. When
// keep is set the separator stays attached to the preceding part.
func splitWithOffsets(span Chunk, sep string, keep bool) []Chunk {
	var out []Chunk
	text := span.Text
	base := span.StartOffset
	start := 0
	for {
		idx := strings.Index(text[start:], sep)
		if idx < 0 {
			break
		}
		end := start + idx
		cut := end
		if keep {
			cut = end + len(sep)
		}
		if cut > start {
			out = append(out, Chunk{
				Text:        text[start:cut],
				StartOffset: base + start,
				EndOffset:   base + cut,
			})
		}
		start = end + len(sep)
	}
	if start < len(text) {
		out = append(out, Chunk{
			Text:        text[start:],
			StartOffset: base + start,
			EndOffset:   base + len(text),
		})
	}
	return out
}

// packPieces merges adjacent pieces while the combined length stays within
// ChunkSize. Pieces are contiguous in document order, so offsets combine
// by span.
func packPieces(pieces []Chunk, cfg Config) []Chunk {
	var out []Chunk
	var cur *Chunk
	for _, p := range pieces {
		if cur == nil {
			c := p
			cur = &c
			continue
		}
		joined := joinAdjacent(*cur, p)
		if len(joined.Text) > cfg.ChunkSize {
			out = append(out, *cur)
			c := p
			cur = &c
			continue
		}
		cur = &joined
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}

// joinAdjacent concatenates two pieces, restoring any dropped gap between
// their spans as a single space so words do not fuse.
func joinAdjacent(a, b Chunk) Chunk {
	sep := ""
	if a.EndOffset < b.StartOffset && !strings.HasSuffix(a.Text, " ") && !strings.HasSuffix(a.Text, "\n") {
		sep = " "
	}
	return Chunk{
		Text:        a.Text + sep + b.Text,
		StartOffset: a.StartOffset,
		EndOffset:   b.EndOffset,
	}
}
