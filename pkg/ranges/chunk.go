package ranges

// Split cuts r into contiguous chunks of at most maxSize+1 ids each.
//
// While more than maxSize ids remain the start advances in strides of
// maxSize+1; whatever is left becomes the final chunk. Chunks are emitted in
// ascending order and cover r exactly once. A non-positive maxSize falls back
// to DefaultChunkSize.
func Split(r Range, maxSize int) []Range {
	if maxSize <= 0 {
		maxSize = DefaultChunkSize
	}
	if r.Start > r.End {
		return []Range{}
	}

	chunks := make([]Range, 0, r.Len()/(maxSize+1)+1)
	start := r.Start
	for r.End-start+1 > maxSize {
		end := start + maxSize
		if end > r.End {
			end = r.End
		}
		chunks = append(chunks, Range{Start: start, End: end})
		start = end + 1
	}
	if start <= r.End {
		chunks = append(chunks, Range{Start: start, End: r.End})
	}
	return chunks
}

// SplitAll splits every range in rs and concatenates the chunks in order.
func SplitAll(rs []Range, maxSize int) []Range {
	var chunks []Range
	for _, r := range rs {
		chunks = append(chunks, Split(r, maxSize)...)
	}
	return chunks
}
