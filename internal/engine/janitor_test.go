package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genbatch/internal/generate"
	"genbatch/internal/queue"
)

func newTestJanitor(store *memStore, q queue.Queue) *Janitor {
	return NewJanitor(store, q, testLogger(), JanitorConfig{
		CleanupAttempts: 2,
		CleanupPause:    time.Millisecond,
	})
}

func enqueueJobChunk(t *testing.T, q queue.Queue, jobID string, generation int) queue.Ref {
	t.Helper()
	ref, err := q.Enqueue(context.Background(), queue.Chunk{
		JobID:      jobID,
		Sequence:   1,
		Generation: generation,
		Items:      []queue.Item{{ID: uuid.New().String(), Payload: "p"}},
		Config:     generate.Config{},
	}, queue.PriorityNormal)
	require.NoError(t, err)
	return ref
}

func TestJanitor_SweepPurgesOrphanedChunks(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemory()
	janitor := newTestJanitor(store, q)
	ctx := context.Background()

	liveJob := &Job{ID: uuid.New().String(), Status: JobProcessing, Generation: 1}
	require.NoError(t, store.CreateJob(ctx, liveJob))
	doneJob := &Job{ID: uuid.New().String(), Status: JobCompleted, Generation: 1}
	require.NoError(t, store.CreateJob(ctx, doneJob))

	liveRef := enqueueJobChunk(t, q, liveJob.ID, 1)
	enqueueJobChunk(t, q, doneJob.ID, 1)
	enqueueJobChunk(t, q, "deleted-job", 1)
	enqueueJobChunk(t, q, "deleted-job", 1)

	janitor.Sweep(ctx)

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, liveRef, pending[0].Ref)
}

func TestJanitor_SweepConvergesOverMultiplePasses(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemory()
	janitor := newTestJanitor(store, q)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		enqueueJobChunk(t, q, "gone-job", 1)
	}

	janitor.Sweep(ctx)
	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A second sweep over an empty queue is a no-op
	janitor.Sweep(ctx)
}

func TestJanitor_SweepRequeuesExpiredLeases(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemory()
	janitor := NewJanitor(store, q, testLogger(), JanitorConfig{
		CleanupAttempts: 2,
		CleanupPause:    time.Millisecond,
		LeaseTimeout:    5 * time.Millisecond,
	})
	ctx := context.Background()

	job := seedProcessingJob(t, store, q, 3, 10)

	// A worker takes the lease and dies without releasing it
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	janitor.Sweep(ctx)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	// A fresh pool picks the requeued chunk up and finishes the job
	gen := newFakeGen(nil)
	startPool(t, store, q, gen, &eventCollector{}, PoolConfig{Concurrency: 2})
	job = waitForStatus(t, store, job.ID, JobCompleted)
	assert.Equal(t, 3, job.ProcessedCount)
	assert.Equal(t, 0, job.FailedCount)
}

func TestJanitor_SweepKeepsFreshLeases(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemory()
	janitor := newTestJanitor(store, q)
	ctx := context.Background()

	seedProcessingJob(t, store, q, 3, 10)
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	janitor.Sweep(ctx)

	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, lease.Ref, active[0].Ref)
}

func TestJanitor_CleanupJobSkipsLeasedChunks(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemory()
	janitor := newTestJanitor(store, q)
	ctx := context.Background()

	job := &Job{ID: uuid.New().String(), Status: JobStopped, Generation: 1}
	require.NoError(t, store.CreateJob(ctx, job))

	enqueueJobChunk(t, q, job.ID, 1)
	enqueueJobChunk(t, q, job.ID, 1)

	// A worker holds a lease on the first chunk
	lease, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, janitor.CleanupJob(ctx, job.ID))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The leased chunk survives until released
	active, err := q.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, q.Complete(ctx, lease.Ref))
	require.NoError(t, janitor.CleanupJob(ctx, job.ID))
	active, err = q.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestJanitor_CleanupJobLeavesOtherJobsAlone(t *testing.T) {
	store := newMemStore()
	q := queue.NewMemory()
	janitor := newTestJanitor(store, q)
	ctx := context.Background()

	enqueueJobChunk(t, q, "job-a", 1)
	otherRef := enqueueJobChunk(t, q, "job-b", 1)

	require.NoError(t, janitor.CleanupJob(ctx, "job-a"))

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, otherRef, pending[0].Ref)
}

// recordingQueue wraps a Queue to inject malformed listings and record
// discards.
type recordingQueue struct {
	queue.Queue
	mu        sync.Mutex
	malformed []queue.Entry
	discarded []queue.Ref
}

func (q *recordingQueue) ListPending(ctx context.Context) ([]queue.Entry, error) {
	entries, err := q.Queue.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return append(append([]queue.Entry{}, q.malformed...), entries...), nil
}

func (q *recordingQueue) Discard(ctx context.Context, ref queue.Ref) error {
	q.mu.Lock()
	q.discarded = append(q.discarded, ref)
	kept := q.malformed[:0]
	synthetic := false
	for _, entry := range q.malformed {
		if entry.Ref == ref {
			synthetic = true
		} else {
			kept = append(kept, entry)
		}
	}
	q.malformed = kept
	q.mu.Unlock()
	if synthetic {
		return nil
	}
	return q.Queue.Discard(ctx, ref)
}

func TestJanitor_SweepDiscardsMalformedEntries(t *testing.T) {
	store := newMemStore()
	inner := queue.NewMemory()
	q := &recordingQueue{
		Queue: inner,
		malformed: []queue.Entry{
			{Ref: "bad-1", State: queue.StatePending, Raw: []byte("{not json")},
			{Ref: "bad-2", State: queue.StatePending, Raw: []byte(`{"job_id":""}`)},
		},
	}
	janitor := NewJanitor(store, q, testLogger(), JanitorConfig{
		CleanupAttempts: 2,
		CleanupPause:    time.Millisecond,
	})
	ctx := context.Background()

	liveJob := &Job{ID: uuid.New().String(), Status: JobProcessing, Generation: 1}
	require.NoError(t, store.CreateJob(ctx, liveJob))
	liveRef := enqueueJobChunk(t, inner, liveJob.ID, 1)

	janitor.Sweep(ctx)

	q.mu.Lock()
	discarded := append([]queue.Ref{}, q.discarded...)
	q.mu.Unlock()
	assert.ElementsMatch(t, []queue.Ref{"bad-1", "bad-2"}, discarded)

	// Valid chunks for live jobs are untouched
	pending, err := inner.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, liveRef, pending[0].Ref)
}
