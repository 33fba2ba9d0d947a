package engine

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/generate"
)

func makeItems(n int) []WorkItem {
	items := make([]WorkItem, n)
	for i := range items {
		items[i] = WorkItem{
			ID:       fmt.Sprintf("item-%d", i+1),
			JobID:    "job-1",
			Position: i + 1,
			Payload:  fmt.Sprintf("payload-%d", i+1),
			Status:   ItemPending,
		}
	}
	return items
}

func TestBuildChunks(t *testing.T) {
	tests := []struct {
		name      string
		itemCount int
		size      int
		wantSizes []int
	}{
		{
			name:      "exact multiple",
			itemCount: 1000,
			size:      500,
			wantSizes: []int{500, 500},
		},
		{
			name:      "remainder in last chunk",
			itemCount: 1200,
			size:      500,
			wantSizes: []int{500, 500, 200},
		},
		{
			name:      "fewer items than chunk size",
			itemCount: 3,
			size:      500,
			wantSizes: []int{3},
		},
		{
			name:      "single item",
			itemCount: 1,
			size:      1,
			wantSizes: []int{1},
		},
		{
			name:      "no items",
			itemCount: 0,
			size:      500,
			wantSizes: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := makeItems(tt.itemCount)
			chunks, err := BuildChunks("job-1", 3, items, tt.size, generate.Config{Model: "m"})
			require.NoError(t, err)
			require.Len(t, chunks, len(tt.wantSizes))

			seen := 0
			for i, chunk := range chunks {
				assert.Equal(t, "job-1", chunk.JobID)
				assert.Equal(t, i+1, chunk.Sequence)
				assert.Equal(t, 3, chunk.Generation)
				assert.Equal(t, "m", chunk.Config.Model)
				assert.Len(t, chunk.Items, tt.wantSizes[i])

				// Chunks cover the input in order with no overlap
				for j, item := range chunk.Items {
					assert.Equal(t, items[seen+j].ID, item.ID)
					assert.Equal(t, items[seen+j].Payload, item.Payload)
				}
				seen += len(chunk.Items)
			}
			assert.Equal(t, tt.itemCount, seen)
		})
	}
}

func TestBuildChunks_InvalidSize(t *testing.T) {
	_, err := BuildChunks("job-1", 1, makeItems(10), 0, generate.Config{})
	require.Error(t, err)

	_, err = BuildChunks("job-1", 1, makeItems(10), -5, generate.Config{})
	require.Error(t, err)
}
