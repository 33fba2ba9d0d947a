package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryQueue is a process-local Queue for tests and single-node
// development. It mirrors the Redis backend's semantics, including
// ErrChunkInFlight on Remove of a leased chunk, but does not survive
// restarts.
type memoryQueue struct {
	mu       sync.Mutex
	pending  []Ref
	high     []Ref
	active   map[Ref]time.Time
	payloads map[Ref][]byte
	stops    map[Ref]bool
	closed   bool
	wakeup   chan struct{}
}

// NewMemory returns an in-memory Queue.
func NewMemory() Queue {
	return &memoryQueue{
		active:   make(map[Ref]time.Time),
		payloads: make(map[Ref][]byte),
		stops:    make(map[Ref]bool),
		wakeup:   make(chan struct{}, 1),
	}
}

func (q *memoryQueue) Enqueue(ctx context.Context, c Chunk, priority Priority) (Ref, error) {
	if err := c.Validate(); err != nil {
		return "", err
	}
	raw, err := encodeChunk(&c)
	if err != nil {
		return "", err
	}

	ref := Ref(uuid.New().String())

	q.mu.Lock()
	q.payloads[ref] = raw
	if priority == PriorityHigh {
		q.high = append(q.high, ref)
	} else {
		q.pending = append(q.pending, ref)
	}
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return ref, nil
}

// enqueueRaw injects an arbitrary payload, bypassing validation. Tests use
// it to plant malformed entries for the janitor.
func (q *memoryQueue) enqueueRaw(raw []byte) Ref {
	ref := Ref(uuid.New().String())
	q.mu.Lock()
	q.payloads[ref] = raw
	q.pending = append(q.pending, ref)
	q.mu.Unlock()
	return ref
}

func (q *memoryQueue) Dequeue(ctx context.Context) (*Lease, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		q.mu.Lock()
		lease := q.popLocked()
		q.mu.Unlock()
		if lease != nil {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.wakeup:
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *memoryQueue) popLocked() *Lease {
	for {
		var ref Ref
		switch {
		case len(q.high) > 0:
			ref = q.high[0]
			q.high = q.high[1:]
		case len(q.pending) > 0:
			ref = q.pending[0]
			q.pending = q.pending[1:]
		default:
			return nil
		}

		raw, ok := q.payloads[ref]
		if !ok {
			continue
		}
		chunk, err := DecodeChunk(raw)
		if err != nil {
			// Malformed entries are never handed to workers.
			delete(q.payloads, ref)
			delete(q.stops, ref)
			continue
		}
		q.active[ref] = time.Now()
		return &Lease{Ref: ref, Chunk: *chunk}
	}
}

func (q *memoryQueue) Complete(ctx context.Context, ref Ref) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, ref)
	delete(q.payloads, ref)
	delete(q.stops, ref)
	return nil
}

func (q *memoryQueue) Remove(ctx context.Context, ref Ref) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, leased := q.active[ref]; leased {
		return ErrChunkInFlight
	}
	if _, ok := q.payloads[ref]; !ok {
		return ErrNotFound
	}
	q.pending = removeRef(q.pending, ref)
	q.high = removeRef(q.high, ref)
	delete(q.payloads, ref)
	delete(q.stops, ref)
	return nil
}

func (q *memoryQueue) Requeue(ctx context.Context, ref Ref) error {
	q.mu.Lock()
	if _, leased := q.active[ref]; !leased {
		q.mu.Unlock()
		return ErrNotFound
	}
	delete(q.active, ref)
	delete(q.stops, ref)
	q.pending = append(q.pending, ref)
	q.mu.Unlock()

	select {
	case q.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (q *memoryQueue) RequestStop(ctx context.Context, ref Ref) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.payloads[ref]; !ok {
		return ErrNotFound
	}
	q.stops[ref] = true
	return nil
}

func (q *memoryQueue) StopRequested(ctx context.Context, ref Ref) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stops[ref], nil
}

func (q *memoryQueue) ListPending(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	refs := append(append([]Ref{}, q.high...), q.pending...)
	return q.entriesLocked(refs, StatePending), nil
}

func (q *memoryQueue) ListActive(ctx context.Context) ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	refs := make([]Ref, 0, len(q.active))
	for ref := range q.active {
		refs = append(refs, ref)
	}
	entries := q.entriesLocked(refs, StateActive)
	for i := range entries {
		entries[i].LeasedAt = q.active[entries[i].Ref]
	}
	return entries, nil
}

func (q *memoryQueue) ListDelayed(ctx context.Context) ([]Entry, error) {
	return nil, nil
}

func (q *memoryQueue) entriesLocked(refs []Ref, state State) []Entry {
	entries := make([]Entry, 0, len(refs))
	for _, ref := range refs {
		entry := Entry{Ref: ref, State: state}
		if raw, ok := q.payloads[ref]; ok {
			entry.Raw = raw
			if chunk, err := DecodeChunk(raw); err == nil {
				entry.Chunk = chunk
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func (q *memoryQueue) Discard(ctx context.Context, ref Ref) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = removeRef(q.pending, ref)
	q.high = removeRef(q.high, ref)
	delete(q.active, ref)
	delete(q.payloads, ref)
	delete(q.stops, ref)
	return nil
}

func (q *memoryQueue) Close() error {
	return nil
}

func removeRef(refs []Ref, target Ref) []Ref {
	out := refs[:0]
	for _, r := range refs {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}
