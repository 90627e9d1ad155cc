package chunk

// chunkSentences packs whole sentences until ChunkSize. When
// PreserveSentenceBoundaries is set a sentence is never cut even if the
// chunk overshoots ChunkSize; otherwise an oversized sentence is split by
// hard character windows.
func chunkSentences(text string, cfg Config) []Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var out []Chunk
	var cur *Chunk
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}

	for _, s := range sentences {
		if len(s.Text) > cfg.ChunkSize && !cfg.PreserveSentenceBoundaries {
			flush()
			out = append(out, hardWindows(s, cfg.ChunkSize)...)
			continue
		}
		if cur == nil {
			c := s
			cur = &c
			continue
		}
		if len(cur.Text)+1+len(s.Text) > cfg.ChunkSize {
			flush()
			c := s
			cur = &c
			continue
		}
		cur.Text += " " + s.Text
		cur.EndOffset = s.EndOffset
	}
	flush()
	return out
}

// hardWindows cuts a span into ChunkSize character windows with no
// overlap, preserving absolute offsets. Windows count runes so a cut
// never lands mid-rune.
func hardWindows(span Chunk, size int) []Chunk {
	starts := runeStarts(span.Text)
	last := len(starts) - 1

	var out []Chunk
	for start := 0; start < last; start += size {
		end := min(start+size, last)
		out = append(out, Chunk{
			Text:        span.Text[starts[start]:starts[end]],
			StartOffset: span.StartOffset + starts[start],
			EndOffset:   span.StartOffset + starts[end],
		})
	}
	return out
}
