package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"genbatch/internal/generate"
	"genbatch/internal/progress"
	"genbatch/internal/queue"
)

const (
	// DefaultConcurrency is the number of workers when not configured.
	DefaultConcurrency = 10
	// DefaultMaxRetries is the per-item attempt budget.
	DefaultMaxRetries = 3
	// DefaultBackoffBase is the first retry delay; later retries double it.
	DefaultBackoffBase = time.Second
	// DefaultCleanupDelay is how long after natural completion the
	// deferred queue cleanup runs.
	DefaultCleanupDelay = 5 * time.Second
)

// errShutdown aborts the current chunk when the worker context is canceled
// mid-item.
var errShutdown = errors.New("worker pool shutting down")

// PoolConfig configures the worker pool.
type PoolConfig struct {
	Concurrency  int
	MaxRetries   int
	BackoffBase  time.Duration
	CleanupDelay time.Duration
}

func (c *PoolConfig) applyDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = DefaultCleanupDelay
	}
}

// Pool runs a fixed number of workers, each dequeuing one chunk at a time
// and processing its items sequentially against the generation backend.
type Pool struct {
	store   ItemStore
	queue   queue.Queue
	gen     generate.Generator
	sink    progress.Sink
	cleaner Cleaner
	logger  *slog.Logger
	cfg     PoolConfig
	wg      sync.WaitGroup
}

// NewPool wires a worker pool. The cleaner may be nil, in which case the
// deferred post-completion cleanup is skipped (the janitor sweep still
// reclaims residual chunks).
func NewPool(store ItemStore, q queue.Queue, gen generate.Generator, sink progress.Sink, cleaner Cleaner, logger *slog.Logger, cfg PoolConfig) *Pool {
	cfg.applyDefaults()
	return &Pool{
		store:   store,
		queue:   q,
		gen:     gen,
		sink:    sink,
		cleaner: cleaner,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start spawns the worker goroutines. They exit when ctx is canceled.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Spawning worker pool",
		slog.Int("concurrency", p.cfg.Concurrency),
	)
	for i := 0; i < p.cfg.Concurrency; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker_num", workerNum))
	logger.Debug("Worker goroutine started")

	for {
		lease, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("Worker goroutine stopping - context canceled")
				return
			}
			logger.Error("Failed to dequeue chunk",
				slog.Any("error", err),
			)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		p.processChunk(ctx, logger, lease)
	}
}

// processChunk drives one leased chunk to completion (or early abort) and
// releases the lease.
func (p *Pool) processChunk(ctx context.Context, logger *slog.Logger, lease *queue.Lease) {
	chunk := lease.Chunk
	logger = logger.With(
		slog.String("job_id", chunk.JobID),
		slog.Int("sequence", chunk.Sequence),
	)

	// On shutdown the chunk goes back to pending so a restarted pool can
	// re-deliver it; every other exit deletes the entry. The release runs on
	// its own context because ctx is already canceled on the shutdown path.
	requeue := false
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if requeue {
			if err := p.queue.Requeue(releaseCtx, lease.Ref); err != nil && !errors.Is(err, queue.ErrNotFound) {
				logger.Warn("Failed to requeue chunk on shutdown",
					slog.Any("error", err),
				)
			}
			return
		}
		if err := p.queue.Complete(releaseCtx, lease.Ref); err != nil {
			logger.Warn("Failed to release chunk lease",
				slog.Any("error", err),
			)
		}
	}()

	job, err := p.store.GetJob(ctx, chunk.JobID)
	if err != nil {
		// Job deleted while chunks were queued; the lease release above
		// drops the chunk.
		logger.Warn("Dropping chunk for missing job",
			slog.Any("error", err),
		)
		return
	}
	if chunk.Generation < job.Generation {
		logger.Info("Discarding stale chunk",
			slog.Int("chunk_generation", chunk.Generation),
			slog.Int("job_generation", job.Generation),
		)
		return
	}

	var processed, failed int
	aborted := false

	for _, item := range chunk.Items {
		if ctx.Err() != nil {
			aborted = true
			requeue = true
			break
		}

		job, err = p.store.GetJob(ctx, chunk.JobID)
		if err != nil {
			aborted = true
			requeue = ctx.Err() != nil
			break
		}
		if job.Status == JobStopped || chunk.Generation < job.Generation {
			logger.Info("Aborting chunk - job stopped",
				slog.Int("items_done", processed+failed),
			)
			aborted = true
			break
		}

		stop, err := p.queue.StopRequested(ctx, lease.Ref)
		if err != nil {
			logger.Warn("Failed to read stop flag",
				slog.Any("error", err),
			)
		}
		if stop {
			logger.Info("Aborting chunk - cooperative stop requested")
			aborted = true
			break
		}

		if err := p.processItem(ctx, logger, &chunk, item); err != nil {
			if errors.Is(err, errShutdown) {
				aborted = true
				requeue = true
				break
			}
			failed++
		} else {
			processed++
		}
		p.publishProgress(ctx, job, item.ID)
	}

	if aborted {
		// Item statuses are the source of truth; Stop and Resume recount
		// from them, so no aggregate write happens on an aborted chunk.
		return
	}

	p.finishChunk(ctx, logger, chunk.JobID, processed, failed)
}

// finishChunk folds the chunk's outcome into the job row and detects
// natural completion.
func (p *Pool) finishChunk(ctx context.Context, logger *slog.Logger, jobID string, processed, failed int) {
	job, applied, err := p.store.SyncJobCounts(ctx, jobID)
	if err != nil {
		logger.Error("Failed to update job aggregates",
			slog.Any("error", err),
		)
		return
	}
	logger.Info("Chunk finished",
		slog.Int("processed", processed),
		slog.Int("failed", failed),
	)
	if !applied || job.ProcessedCount+job.FailedCount < job.TotalItems {
		return
	}

	done, err := p.store.TransitionJobStatus(ctx, jobID, JobProcessing, JobCompleted)
	if err != nil {
		logger.Error("Failed to complete job",
			slog.Any("error", err),
		)
		return
	}
	if !done {
		// Another worker won the terminal transition.
		return
	}

	logger.Info("Job completed",
		slog.Int("processed_count", job.ProcessedCount),
		slog.Int("failed_count", job.FailedCount),
	)
	job.Status = JobCompleted
	p.sink.Publish(progress.Event{
		JobID:     jobID,
		Status:    string(JobCompleted),
		Total:     job.TotalItems,
		Completed: job.ProcessedCount,
		Failed:    job.FailedCount,
	})
	p.scheduleCleanup(jobID)
}

// scheduleCleanup runs a deferred queue cleanup pass for the job, giving
// in-flight sibling chunks a moment to release their leases first.
func (p *Pool) scheduleCleanup(jobID string) {
	if p.cleaner == nil {
		return
	}
	time.AfterFunc(p.cfg.CleanupDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.cleaner.CleanupJob(ctx, jobID); err != nil {
			p.logger.Warn("Deferred queue cleanup failed",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	})
}

// processItem runs one item through the generator with the bounded retry
// loop. It records the final item status and returns nil on success.
func (p *Pool) processItem(ctx context.Context, logger *slog.Logger, chunk *queue.Chunk, item queue.Item) error {
	if err := p.store.UpdateItemStatus(ctx, item.ID, ItemProcessing, "", "", 0); err != nil {
		logger.Error("Failed to mark item processing",
			slog.String("item_id", item.ID),
			slog.Any("error", err),
		)
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		result, err := p.gen.Generate(ctx, item.Payload, chunk.Config)
		if err == nil {
			if storeErr := p.store.UpdateItemStatus(ctx, item.ID, ItemCompleted, result, "", attempt); storeErr != nil {
				logger.Error("Failed to store item result",
					slog.String("item_id", item.ID),
					slog.Any("error", storeErr),
				)
				return storeErr
			}
			return nil
		}

		lastErr = err
		if ctx.Err() != nil && !generate.IsPermanent(err) {
			return errShutdown
		}
		if generate.IsPermanent(err) {
			logger.Warn("Item failed permanently",
				slog.String("item_id", item.ID),
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return p.failItem(ctx, logger, item.ID, err, attempt)
		}

		logger.Debug("Item attempt failed",
			slog.String("item_id", item.ID),
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)

		if attempt < p.cfg.MaxRetries {
			// delay = base * 2^(attempt-1)
			delay := p.cfg.BackoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				// Shutdown mid-backoff must not turn a retryable failure
				// into a durable one; the item stays marked processing and
				// is re-delivered like the rest of the chunk.
				return errShutdown
			}
		}
	}

	logger.Warn("Item failed after exhausting retries",
		slog.String("item_id", item.ID),
		slog.Int("attempts", p.cfg.MaxRetries),
		slog.Any("error", lastErr),
	)
	return p.failItem(ctx, logger, item.ID, lastErr, p.cfg.MaxRetries)
}

func (p *Pool) failItem(ctx context.Context, logger *slog.Logger, itemID string, cause error, attempts int) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if err := p.store.UpdateItemStatus(ctx, itemID, ItemFailed, "", msg, attempts); err != nil {
		logger.Error("Failed to mark item failed",
			slog.String("item_id", itemID),
			slog.Any("error", err),
		)
	}
	if cause == nil {
		cause = errors.New("item failed")
	}
	return fmt.Errorf("item %s failed: %w", itemID, cause)
}

// publishProgress emits an event carrying freshly re-read item counts.
func (p *Pool) publishProgress(ctx context.Context, job *Job, currentItem string) {
	prog, err := p.store.GetProgress(ctx, job.ID)
	if err != nil {
		p.logger.Warn("Failed to read progress for event",
			slog.String("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	p.sink.Publish(progress.Event{
		JobID:       job.ID,
		Status:      string(job.Status),
		Total:       prog.Total,
		Completed:   prog.Processed,
		Failed:      prog.Failed,
		Pending:     prog.Pending,
		CurrentItem: currentItem,
	})
}
