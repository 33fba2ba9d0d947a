package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/generate"
)

func testChunk(jobID string, sequence int, payloads ...string) Chunk {
	items := make([]Item, 0, len(payloads))
	for i, p := range payloads {
		items = append(items, Item{ID: jobID + "-item-" + string(rune('a'+i)), Payload: p})
	}
	return Chunk{
		JobID:      jobID,
		Sequence:   sequence,
		Generation: 1,
		Items:      items,
		Config:     generate.Config{},
	}
}

func TestMemoryQueue_FIFOOrdering(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := q.Enqueue(ctx, testChunk("job-1", i, "p"), PriorityNormal)
		require.NoError(t, err)
	}

	for i := 1; i <= 3; i++ {
		lease, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, lease.Chunk.Sequence)
		require.NoError(t, q.Complete(ctx, lease.Ref))
	}
}

func TestMemoryQueue_HighPriorityServedFirst(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testChunk("job-normal", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testChunk("job-high", 1, "p"), PriorityHigh)
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-high", lease.Chunk.JobID)

	lease, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job-normal", lease.Chunk.JobID)
}

func TestMemoryQueue_EnqueueRejectsInvalidChunk(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	tests := []struct {
		name  string
		chunk Chunk
	}{
		{name: "missing job id", chunk: Chunk{Sequence: 1, Items: []Item{{ID: "i", Payload: "p"}}}},
		{name: "zero sequence", chunk: Chunk{JobID: "job-1", Items: []Item{{ID: "i", Payload: "p"}}}},
		{name: "no items", chunk: Chunk{JobID: "job-1", Sequence: 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.chunk, PriorityNormal)
			assert.Error(t, err)
		})
	}
}

func TestMemoryQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	type result struct {
		lease *Lease
		err   error
	}
	done := make(chan result, 1)
	go func() {
		lease, err := q.Dequeue(ctx)
		done <- result{lease, err}
	}()

	select {
	case <-done:
		t.Fatal("Dequeue returned before anything was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	_, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, "job-1", res.lease.Chunk.JobID)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not wake up after enqueue")
	}
}

func TestMemoryQueue_DequeueHonorsContextCancellation(t *testing.T) {
	q := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Dequeue did not return after cancellation")
	}
}

func TestMemoryQueue_RemoveLeasedChunkFails(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ref, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, ref, lease.Ref)

	assert.ErrorIs(t, q.Remove(ctx, ref), ErrChunkInFlight)

	require.NoError(t, q.Complete(ctx, ref))
	assert.ErrorIs(t, q.Remove(ctx, ref), ErrNotFound)
}

func TestMemoryQueue_RemoveUnknownRef(t *testing.T) {
	q := NewMemory()
	assert.ErrorIs(t, q.Remove(context.Background(), Ref("no-such-entry")), ErrNotFound)
}

func TestMemoryQueue_RemovePendingChunk(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ref, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	keep, err := q.Enqueue(ctx, testChunk("job-1", 2, "p"), PriorityNormal)
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, ref))

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, keep, lease.Ref)
	assert.Equal(t, 2, lease.Chunk.Sequence)
}

func TestMemoryQueue_RequeueReleasesLease(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ref, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, ref, lease.Ref)

	require.NoError(t, q.Requeue(ctx, ref))

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// The chunk is leasable again with its payload intact
	lease, err = q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref, lease.Ref)
	assert.Equal(t, "job-1", lease.Chunk.JobID)
}

func TestMemoryQueue_RequeueNonActiveRef(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ref, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)

	assert.ErrorIs(t, q.Requeue(ctx, ref), ErrNotFound)
	assert.ErrorIs(t, q.Requeue(ctx, Ref("no-such-entry")), ErrNotFound)
}

func TestMemoryQueue_ActiveEntriesCarryLeaseTime(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	_, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	before := time.Now()
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.False(t, active[0].LeasedAt.Before(before))
}

func TestMemoryQueue_StopFlag(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	ref, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)

	stopped, err := q.StopRequested(ctx, ref)
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, q.RequestStop(ctx, ref))
	stopped, err = q.StopRequested(ctx, ref)
	require.NoError(t, err)
	assert.True(t, stopped)

	assert.ErrorIs(t, q.RequestStop(ctx, Ref("no-such-entry")), ErrNotFound)
}

func TestMemoryQueue_MalformedEntryNeverLeased(t *testing.T) {
	q := NewMemory().(*memoryQueue)
	ctx := context.Background()

	q.enqueueRaw([]byte("{not json"))
	ref, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, ref, lease.Ref)
}

func TestMemoryQueue_ListingsReflectState(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, testChunk("job-1", 2, "p"), PriorityNormal)
	require.NoError(t, err)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, entry := range pending {
		assert.Equal(t, StatePending, entry.State)
		require.NotNil(t, entry.Chunk)
		assert.Equal(t, "job-1", entry.Chunk.JobID)
	}

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, first, lease.Ref)

	pending, err = q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].Ref)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first, active[0].Ref)
	assert.Equal(t, StateActive, active[0].State)

	require.NoError(t, q.Complete(ctx, first))
	active, err = q.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryQueue_DiscardRemovesAnyState(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	leased, err := q.Enqueue(ctx, testChunk("job-1", 1, "p"), PriorityNormal)
	require.NoError(t, err)
	queued, err := q.Enqueue(ctx, testChunk("job-1", 2, "p"), PriorityNormal)
	require.NoError(t, err)

	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, leased, lease.Ref)

	require.NoError(t, q.Discard(ctx, leased))
	require.NoError(t, q.Discard(ctx, queued))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}
