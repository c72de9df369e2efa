package orchestrator

// BatchSize is the number of sources sent per extraction call.
const BatchSize = 10

// Chunk splits items into consecutive slices of at most size elements,
// preserving order. Only the last chunk may be short.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = BatchSize
	}
	if len(items) == 0 {
		return nil
	}

	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}
