package engine

import (
	"fmt"

	"genbatch/internal/generate"
	"genbatch/internal/queue"
)

// DefaultChunkSize is used when no chunk size is configured.
const DefaultChunkSize = 500

// BuildChunks splits items into ordered chunks of at most size items each,
// sequenced 1..k. The chunks form a disjoint cover of the input in input
// order; the last chunk holds the remainder. Fails only on a non-positive
// size.
func BuildChunks(jobID string, generation int, items []WorkItem, size int, cfg generate.Config) ([]queue.Chunk, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if len(items) == 0 {
		return nil, nil
	}

	chunks := make([]queue.Chunk, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}

		chunkItems := make([]queue.Item, 0, end-start)
		for _, it := range items[start:end] {
			chunkItems = append(chunkItems, queue.Item{ID: it.ID, Payload: it.Payload})
		}

		chunks = append(chunks, queue.Chunk{
			JobID:      jobID,
			Sequence:   len(chunks) + 1,
			Generation: generation,
			Items:      chunkItems,
			Config:     cfg,
		})
	}
	return chunks, nil
}
