package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"genbatch/internal/queue"
)

const (
	DefaultJanitorInterval  = 5 * time.Minute
	DefaultJanitorBootDelay = 15 * time.Second
	DefaultCleanupAttempts  = 3
	DefaultCleanupPause     = 2 * time.Second
	// DefaultLeaseTimeout is how long a chunk may stay leased before the
	// sweep assumes its worker died and requeues it.
	DefaultLeaseTimeout = 15 * time.Minute
)

// JanitorConfig configures the periodic queue reconciliation.
type JanitorConfig struct {
	Interval        time.Duration
	BootDelay       time.Duration
	CleanupAttempts int
	CleanupPause    time.Duration
	LeaseTimeout    time.Duration
}

func (c *JanitorConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultJanitorInterval
	}
	if c.BootDelay < 0 {
		c.BootDelay = DefaultJanitorBootDelay
	}
	if c.CleanupAttempts <= 0 {
		c.CleanupAttempts = DefaultCleanupAttempts
	}
	if c.CleanupPause <= 0 {
		c.CleanupPause = DefaultCleanupPause
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
}

// Janitor reconciles the queue against the job store. Chunks whose job no
// longer exists or is no longer processing are purged, as are entries that
// fail to decode; chunks leased past the lease timeout are requeued so a
// worker crash cannot strand them. It also backs the targeted cleanup used
// by stop, resume and delete.
type Janitor struct {
	store  ItemStore
	queue  queue.Queue
	logger *slog.Logger
	cfg    JanitorConfig
}

func NewJanitor(store ItemStore, q queue.Queue, logger *slog.Logger, cfg JanitorConfig) *Janitor {
	cfg.applyDefaults()
	return &Janitor{
		store:  store,
		queue:  q,
		logger: logger,
		cfg:    cfg,
	}
}

// Run sweeps once after the boot delay, then on every tick until the
// context is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(j.cfg.BootDelay):
	}
	j.Sweep(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep runs a single reconciliation pass. Errors are logged, never
// returned: a missed entry is retried on the next tick.
func (j *Janitor) Sweep(ctx context.Context) {
	entries := j.collect(ctx)
	if len(entries) == 0 {
		return
	}

	var malformed, orphaned, requeued int
	statuses := make(map[string]*JobStatus)
	for _, entry := range entries {
		if entry.Chunk == nil {
			if err := j.queue.Discard(ctx, entry.Ref); err != nil && !errors.Is(err, queue.ErrNotFound) {
				j.logger.Warn("Failed to discard malformed chunk",
					slog.String("ref", string(entry.Ref)),
					slog.Any("error", err),
				)
				continue
			}
			malformed++
			continue
		}

		status, ok := statuses[entry.Chunk.JobID]
		if !ok {
			status = j.lookupStatus(ctx, entry.Chunk.JobID)
			statuses[entry.Chunk.JobID] = status
		}
		if status == nil {
			// Lookup failed; leave the entry for the next sweep.
			continue
		}
		if *status == JobProcessing {
			// A lease older than the timeout means its worker died; the
			// chunk goes back to pending, where the generation check makes
			// redelivery safe.
			if entry.State == queue.StateActive && time.Since(entry.LeasedAt) > j.cfg.LeaseTimeout {
				if j.requeue(ctx, entry) {
					requeued++
				}
			}
			continue
		}
		if j.purge(ctx, entry) {
			orphaned++
		}
	}

	if malformed > 0 || orphaned > 0 || requeued > 0 {
		j.logger.Info("Queue sweep reconciled stale chunks",
			slog.Int("malformed", malformed),
			slog.Int("orphaned", orphaned),
			slog.Int("requeued", requeued),
		)
	}
}

func (j *Janitor) requeue(ctx context.Context, entry queue.Entry) bool {
	err := j.queue.Requeue(ctx, entry.Ref)
	if errors.Is(err, queue.ErrNotFound) {
		// Released between listing and requeue.
		return false
	}
	if err != nil {
		j.logger.Warn("Failed to requeue expired chunk lease",
			slog.String("job_id", entry.Chunk.JobID),
			slog.String("ref", string(entry.Ref)),
			slog.Any("error", err),
		)
		return false
	}
	j.logger.Info("Requeued chunk with expired lease",
		slog.String("job_id", entry.Chunk.JobID),
		slog.String("ref", string(entry.Ref)),
	)
	return true
}

// CleanupJob removes every queued chunk for the given job, retrying a few
// times so chunks a worker holds at the first pass can be caught once the
// lease is released. A chunk still leased after the final attempt is left
// to its generation check.
func (j *Janitor) CleanupJob(ctx context.Context, jobID string) error {
	for attempt := 1; attempt <= j.cfg.CleanupAttempts; attempt++ {
		remaining := 0
		for _, entry := range j.collect(ctx) {
			if entry.Chunk == nil || entry.Chunk.JobID != jobID {
				continue
			}
			err := j.queue.Remove(ctx, entry.Ref)
			switch {
			case err == nil, errors.Is(err, queue.ErrNotFound):
			case errors.Is(err, queue.ErrChunkInFlight):
				remaining++
			default:
				j.logger.Warn("Failed to remove chunk during cleanup",
					slog.String("job_id", jobID),
					slog.String("ref", string(entry.Ref)),
					slog.Any("error", err),
				)
				remaining++
			}
		}
		if remaining == 0 {
			return nil
		}
		if attempt < j.cfg.CleanupAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(j.cfg.CleanupPause):
			}
		}
	}

	j.logger.Warn("Cleanup finished with chunks still in flight",
		slog.String("job_id", jobID),
	)
	return nil
}

func (j *Janitor) collect(ctx context.Context) []queue.Entry {
	var all []queue.Entry
	for name, list := range map[string]func(context.Context) ([]queue.Entry, error){
		"pending": j.queue.ListPending,
		"active":  j.queue.ListActive,
		"delayed": j.queue.ListDelayed,
	} {
		entries, err := list(ctx)
		if err != nil {
			j.logger.Warn("Failed to list queue entries",
				slog.String("state", name),
				slog.Any("error", err),
			)
			continue
		}
		all = append(all, entries...)
	}
	return all
}

// lookupStatus returns the job's status, JobFailed for a job that no
// longer exists, or nil when the lookup itself failed.
func (j *Janitor) lookupStatus(ctx context.Context, jobID string) *JobStatus {
	job, err := j.store.GetJob(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		status := JobFailed
		return &status
	}
	if err != nil {
		j.logger.Warn("Failed to look up job during sweep",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return nil
	}
	return &job.Status
}

func (j *Janitor) purge(ctx context.Context, entry queue.Entry) bool {
	var err error
	if entry.State == queue.StateActive {
		err = j.queue.Discard(ctx, entry.Ref)
	} else {
		err = j.queue.Remove(ctx, entry.Ref)
		if errors.Is(err, queue.ErrChunkInFlight) {
			// Leased between listing and removal; the worker's own
			// status check will abort it.
			return false
		}
	}
	if err != nil && !errors.Is(err, queue.ErrNotFound) {
		j.logger.Warn("Failed to purge orphaned chunk",
			slog.String("job_id", entry.Chunk.JobID),
			slog.String("ref", string(entry.Ref)),
			slog.Any("error", err),
		)
		return false
	}
	return true
}
