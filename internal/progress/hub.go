package progress

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultMaxSubscribersPerJob = 100
	defaultSubscriberBuffer     = 16
)

// Event is a snapshot of a job's progress at one point in time. Delivery is
// at-least-once and lossy for slow consumers; the latest event received is
// the ground truth, consumers must not diff consecutive events.
type Event struct {
	JobID       string    `json:"job_id"`
	Status      string    `json:"status"`
	Total       int       `json:"total"`
	Completed   int       `json:"completed"`
	Failed      int       `json:"failed"`
	Pending     int       `json:"pending"`
	CurrentItem string    `json:"current_item,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends the job's progress stream.
func (e Event) Terminal() bool {
	return e.Status == "completed" || e.Status == "failed"
}

// Sink receives progress events. Publish must never block.
type Sink interface {
	Publish(ev Event)
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

func (m MultiSink) Publish(ev Event) {
	for _, s := range m {
		s.Publish(ev)
	}
}

// NopSink discards events. Used when no broker is configured.
type NopSink struct{}

func (NopSink) Publish(Event) {}

// ErrTooManySubscribers is returned by Subscribe when a job already has the
// maximum number of subscribers.
var ErrTooManySubscribers = errors.New("too many subscribers for job")

// Subscription is one consumer's view of a job's event stream. C is closed
// when the job reaches a terminal state (after the final event is
// delivered), when Cancel is called, or when the hub shuts down.
type Subscription struct {
	C <-chan Event

	hub   *Hub
	jobID string
	id    int
	once  sync.Once
}

// Cancel tears the subscription down. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.hub.unsubscribe(s.jobID, s.id)
	})
}

type subscriber struct {
	ch chan Event
}

// Hub is an in-process publish/subscribe broadcaster keyed by job id.
// Workers publish from arbitrary goroutines while the API layer subscribes
// and unsubscribes concurrently, so all registry access is guarded.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[int]*subscriber
	nextID    int
	closed    bool
	maxPerJob int
	buffer    int
	logger    *slog.Logger
}

// NewHub creates a Hub. A nil logger disables drop diagnostics.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:      make(map[string]map[int]*subscriber),
		maxPerJob: defaultMaxSubscribersPerJob,
		buffer:    defaultSubscriberBuffer,
		logger:    logger,
	}
}

// Subscribe registers a consumer for one job's events.
func (h *Hub) Subscribe(jobID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.New("hub is shut down")
	}
	if len(h.subs[jobID]) >= h.maxPerJob {
		return nil, ErrTooManySubscribers
	}

	h.nextID++
	id := h.nextID
	sub := &subscriber{ch: make(chan Event, h.buffer)}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[int]*subscriber)
	}
	h.subs[jobID][id] = sub

	return &Subscription{C: sub.ch, hub: h, jobID: jobID, id: id}, nil
}

// Publish delivers ev to all subscribers of ev.JobID. Delivery is
// best-effort: a subscriber whose buffer is full misses the event rather
// than stalling the publisher. A terminal event closes the job's
// subscriptions after delivery.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for _, sub := range h.subs[ev.JobID] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Debug("progress event dropped for slow subscriber",
				slog.String("job_id", ev.JobID),
			)
		}
	}

	if ev.Terminal() {
		for _, sub := range h.subs[ev.JobID] {
			close(sub.ch)
		}
		delete(h.subs, ev.JobID)
	}
}

func (h *Hub) unsubscribe(jobID string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[jobID][id]; ok {
		delete(h.subs[jobID], id)
		if len(h.subs[jobID]) == 0 {
			delete(h.subs, jobID)
		}
		close(sub.ch)
	}
}

// Shutdown closes every subscription and rejects further publishes and
// subscribes.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.subs {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	h.subs = make(map[string]map[int]*subscriber)
}
