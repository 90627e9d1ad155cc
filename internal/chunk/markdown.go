package chunk

import "strings"

// chunkMarkdown splits at header boundaries when SplitOnHeaders is set and
// never splits inside fenced code blocks when PreserveCodeBlocks is set.
// Oversized sections fall back to the recursive-character strategy within
// the section.
func chunkMarkdown(text string, cfg Config) []Chunk {
	sections := splitMarkdownSections(text, cfg)

	var out []Chunk
	for _, sec := range sections {
		if len(sec.Text) <= cfg.ChunkSize {
			out = append(out, sec)
			continue
		}
		subCfg := cfg
		subCfg.Separators = []string{"\n\n", "\n", " "}
		var pieces []Chunk
		if cfg.PreserveCodeBlocks {
			// Fenced blocks stay atomic however large; only the prose
			// between them is recursive-split.
			segs, fenced := splitFences(sec)
			for i, seg := range segs {
				if fenced[i] || len(seg.Text) <= cfg.ChunkSize {
					pieces = append(pieces, seg)
					continue
				}
				pieces = append(pieces, splitRecursive(seg, subCfg.Separators, subCfg)...)
			}
		} else {
			pieces = splitRecursive(sec, subCfg.Separators, subCfg)
		}
		out = append(out, packPieces(pieces, subCfg)...)
	}
	return packMarkdown(out, cfg)
}

// splitFences cuts a span into alternating prose and fenced-code
// segments with absolute offsets preserved.
func splitFences(span Chunk) (segs []Chunk, fenced []bool) {
	lines := strings.SplitAfter(span.Text, "\n")
	pos := span.StartOffset
	segStart := pos
	inFence := false
	var buf strings.Builder

	flush := func(end int, isFence bool) {
		if buf.Len() == 0 {
			return
		}
		segs = append(segs, Chunk{Text: buf.String(), StartOffset: segStart, EndOffset: end})
		fenced = append(fenced, isFence)
		buf.Reset()
	}

	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			if !inFence {
				flush(pos, false)
				segStart = pos
				inFence = true
				buf.WriteString(line)
				pos += len(line)
				continue
			}
			buf.WriteString(line)
			pos += len(line)
			flush(pos, true)
			segStart = pos
			inFence = false
			continue
		}
		if buf.Len() == 0 {
			segStart = pos
		}
		buf.WriteString(line)
		pos += len(line)
	}
	flush(pos, inFence)
	return segs, fenced
}

// splitMarkdownSections cuts the document at ATX header lines, keeping
// fenced code blocks intact.
func splitMarkdownSections(text string, cfg Config) []Chunk {
	lines := strings.SplitAfter(text, "\n")

	var sections []Chunk
	secStart := 0
	pos := 0
	inFence := false
	var buf strings.Builder

	flush := func(end int) {
		if buf.Len() == 0 {
			return
		}
		sections = append(sections, Chunk{
			Text:        buf.String(),
			StartOffset: secStart,
			EndOffset:   end,
		})
		buf.Reset()
	}

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if cfg.PreserveCodeBlocks && strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if cfg.SplitOnHeaders && !inFence && isHeaderLine(trimmed) && buf.Len() > 0 {
			flush(pos)
			secStart = pos
		}
		if buf.Len() == 0 {
			secStart = pos
		}
		buf.WriteString(line)
		pos += len(line)
	}
	flush(pos)
	return sections
}

func isHeaderLine(line string) bool {
	if !strings.HasPrefix(line, "#") {
		return false
	}
	level := 0
	for level < len(line) && line[level] == '#' {
		level++
	}
	return level <= 6 && level < len(line) && line[level] == ' '
}

// packMarkdown merges adjacent small sections up to ChunkSize without
// ever merging across an oversized section.
func packMarkdown(sections []Chunk, cfg Config) []Chunk {
	var out []Chunk
	var cur *Chunk
	for _, s := range sections {
		if cur == nil {
			c := s
			cur = &c
			continue
		}
		if len(cur.Text)+len(s.Text) <= cfg.ChunkSize {
			joined := joinAdjacent(*cur, s)
			cur = &joined
			continue
		}
		out = append(out, *cur)
		c := s
		cur = &c
	}
	if cur != nil {
		out = append(out, *cur)
	}
	return out
}
