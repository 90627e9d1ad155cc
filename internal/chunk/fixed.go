package chunk

// chunkFixed cuts hard character windows of ChunkSize with ChunkOverlap
// characters repeated between consecutive chunks. Window sizes count
// runes; offsets remain byte positions into the source.
func chunkFixed(text string, cfg Config) []Chunk {
	size := cfg.ChunkSize
	step := size - cfg.ChunkOverlap

	starts := runeStarts(text)
	last := len(starts) - 1

	var out []Chunk
	for start := 0; start < last; start += step {
		end := min(start+size, last)
		out = append(out, Chunk{
			Text:        text[starts[start]:starts[end]],
			StartOffset: starts[start],
			EndOffset:   starts[end],
		})
		if end == last {
			break
		}
	}
	return out
}

// runeStarts returns the byte offset of every rune in text, plus
// len(text) as the final boundary.
func runeStarts(text string) []int {
	starts := make([]int, 0, len(text)+1)
	for i := range text {
		starts = append(starts, i)
	}
	return append(starts, len(text))
}
