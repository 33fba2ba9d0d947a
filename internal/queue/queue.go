package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"genbatch/internal/generate"
)

// Item is one work item reference carried inside a chunk.
type Item struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

// Chunk is a bounded batch of work items enqueued as a single message.
// Generation is a per-job monotonically increasing number bumped on every
// start/resume/retry; workers discard chunks whose generation is older than
// the job's current one, so stale chunks left behind by a stop can never be
// processed after a resume.
type Chunk struct {
	JobID      string          `json:"job_id"`
	Sequence   int             `json:"sequence"`
	Generation int             `json:"generation"`
	Items      []Item          `json:"items"`
	Config     generate.Config `json:"config"`
}

// Validate reports whether the chunk is well formed enough to process.
func (c *Chunk) Validate() error {
	if c.JobID == "" {
		return errors.New("chunk missing job_id")
	}
	if c.Sequence <= 0 {
		return errors.New("chunk sequence must be positive")
	}
	if len(c.Items) == 0 {
		return errors.New("chunk has no items")
	}
	return nil
}

func encodeChunk(c *Chunk) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeChunk parses and validates a raw queue payload.
func DecodeChunk(raw []byte) (*Chunk, error) {
	var c Chunk
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Ref identifies one queue entry.
type Ref string

// State is the queue-side lifecycle of an entry.
type State string

const (
	StatePending State = "pending"
	StateActive  State = "active"
	StateDelayed State = "delayed"
)

// Priority selects which pending list an entry joins.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// Entry is a raw queue entry as seen by the janitor. Chunk is nil when the
// payload does not decode, which is exactly what the malformed-entry pass
// looks for. LeasedAt is set for active entries so the janitor can detect
// leases held by workers that died.
type Entry struct {
	Ref      Ref
	State    State
	Raw      []byte
	Chunk    *Chunk
	LeasedAt time.Time
}

// Lease is a chunk handed to a worker. The worker must call Complete (or
// the janitor must reap the entry) to release it.
type Lease struct {
	Ref   Ref
	Chunk Chunk
}

var (
	// ErrChunkInFlight is returned by Remove when a worker currently holds
	// the chunk. Callers treat this as non-fatal and fall back to
	// RequestStop.
	ErrChunkInFlight = errors.New("chunk is currently being processed")

	// ErrNotFound is returned when the referenced entry is not in the queue.
	ErrNotFound = errors.New("chunk not found in queue")
)

// Queue is the durable chunk queue. Implementations must survive process
// restarts (the in-memory one exists for tests and local development only).
type Queue interface {
	// Enqueue adds a chunk and returns its entry reference.
	Enqueue(ctx context.Context, c Chunk, priority Priority) (Ref, error)

	// Dequeue blocks until a chunk is available or ctx is done. High
	// priority entries are served first.
	Dequeue(ctx context.Context) (*Lease, error)

	// Complete releases a leased chunk and deletes its payload.
	Complete(ctx context.Context, ref Ref) error

	// Remove deletes an entry that is not being processed. It returns
	// ErrChunkInFlight when a worker holds the lease.
	Remove(ctx context.Context, ref Ref) error

	// Requeue releases an active entry back onto the pending list without
	// deleting its payload. Used by the janitor to recover chunks whose
	// worker died holding the lease; returns ErrNotFound when the entry is
	// not active.
	Requeue(ctx context.Context, ref Ref) error

	// RequestStop sets the cooperative-stop flag on an entry. Workers check
	// the flag before every item and abandon the chunk when it is set.
	RequestStop(ctx context.Context, ref Ref) error

	// StopRequested reports whether the cooperative-stop flag is set.
	StopRequested(ctx context.Context, ref Ref) (bool, error)

	ListPending(ctx context.Context) ([]Entry, error)
	ListActive(ctx context.Context) ([]Entry, error)
	ListDelayed(ctx context.Context) ([]Entry, error)

	// Discard force-removes an entry regardless of state. Reserved for the
	// janitor; everything else goes through Remove.
	Discard(ctx context.Context, ref Ref) error

	Close() error
}
