package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"genbatch/internal/progress"
	"genbatch/internal/queue"
)

// ControllerConfig configures job lifecycle handling.
type ControllerConfig struct {
	ChunkSize    int
	CleanupDelay time.Duration
}

func (c *ControllerConfig) applyDefaults() {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = DefaultCleanupDelay
	}
}

// Controller orchestrates the job lifecycle: start, stop, resume, retry and
// delete. It only touches the store and the queue, so it can live in the
// API process while the worker pool runs elsewhere.
type Controller struct {
	store   ItemStore
	queue   queue.Queue
	sink    progress.Sink
	cleaner Cleaner
	logger  *slog.Logger
	cfg     ControllerConfig
}

func NewController(store ItemStore, q queue.Queue, sink progress.Sink, cleaner Cleaner, logger *slog.Logger, cfg ControllerConfig) *Controller {
	cfg.applyDefaults()
	return &Controller{
		store:   store,
		queue:   q,
		sink:    sink,
		cleaner: cleaner,
		logger:  logger,
		cfg:     cfg,
	}
}

// Start moves a pending job into processing: items are reset, chunks are
// built and enqueued, and an initial all-pending progress event is
// published.
func (c *Controller) Start(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != JobPending {
		return &StateError{Op: "start", Status: job.Status}
	}

	items, err := c.store.ListItems(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to list items: %w", err)
	}
	if err := c.store.ResetAllItems(ctx, jobID); err != nil {
		return fmt.Errorf("failed to reset items: %w", err)
	}
	if err := c.store.SetJobCounts(ctx, jobID, 0, 0); err != nil {
		return fmt.Errorf("failed to reset job counts: %w", err)
	}
	generation, err := c.store.BumpGeneration(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to bump generation: %w", err)
	}
	if err := c.store.UpdateJobStatus(ctx, jobID, JobProcessing); err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	if err := c.enqueueChunks(ctx, job, generation, items, queue.PriorityNormal); err != nil {
		return err
	}

	c.logger.Info("Job started",
		slog.String("job_id", jobID),
		slog.Int("total_items", len(items)),
		slog.Int("generation", generation),
	)
	c.sink.Publish(progress.Event{
		JobID:   jobID,
		Status:  string(JobProcessing),
		Total:   len(items),
		Pending: len(items),
	})
	return nil
}

// Stop cooperatively cancels a processing job. Queued chunks are removed;
// chunks already leased by a worker get the cooperative-stop flag and are
// abandoned at the next item boundary. Item-status counts are reconciled
// onto the job row before the status flips to stopped.
func (c *Controller) Stop(ctx context.Context, jobID string) (bool, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != JobProcessing {
		return false, &StateError{Op: "stop", Status: job.Status}
	}

	c.sweepJobChunks(ctx, jobID)

	// Workers may have finished items since the last aggregate write, so
	// the item table is the source of truth for the final counts.
	prog, err := c.store.GetProgress(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to read progress: %w", err)
	}
	if err := c.store.SetJobCounts(ctx, jobID, prog.Processed, prog.Failed); err != nil {
		return false, fmt.Errorf("failed to persist counts: %w", err)
	}
	if err := c.store.UpdateJobStatus(ctx, jobID, JobStopped); err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}

	c.logger.Info("Job stopped",
		slog.String("job_id", jobID),
		slog.Int("processed", prog.Processed),
		slog.Int("failed", prog.Failed),
	)
	c.sink.Publish(progress.Event{
		JobID:     jobID,
		Status:    string(JobStopped),
		Total:     prog.Total,
		Completed: prog.Processed,
		Failed:    prog.Failed,
		Pending:   prog.Pending,
	})
	c.scheduleCleanup(jobID)
	return true, nil
}

// sweepJobChunks removes every queued chunk belonging to the job and flags
// the rest for cooperative stop. Failures are non-fatal: the janitor and
// cleanup passes pick up whatever survives.
func (c *Controller) sweepJobChunks(ctx context.Context, jobID string) {
	for _, entry := range c.jobEntries(ctx, jobID) {
		if entry.State == queue.StateActive {
			if err := c.queue.RequestStop(ctx, entry.Ref); err != nil && !errors.Is(err, queue.ErrNotFound) {
				c.logger.Warn("Failed to flag active chunk for stop",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
			continue
		}
		err := c.queue.Remove(ctx, entry.Ref)
		if errors.Is(err, queue.ErrChunkInFlight) {
			// A worker grabbed it between listing and removal.
			if stopErr := c.queue.RequestStop(ctx, entry.Ref); stopErr != nil && !errors.Is(stopErr, queue.ErrNotFound) {
				c.logger.Warn("Failed to flag in-flight chunk for stop",
					slog.String("job_id", jobID),
					slog.Any("error", stopErr),
				)
			}
			continue
		}
		if err != nil && !errors.Is(err, queue.ErrNotFound) {
			c.logger.Warn("Failed to remove queued chunk",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}
}

// Resume re-enqueues a stopped job's remaining work. A cleanup pass runs
// first so chunks from before the stop can never be processed again; the
// bumped generation covers any chunk that survives it.
func (c *Controller) Resume(ctx context.Context, jobID string) (bool, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job.Status != JobStopped {
		return false, &StateError{Op: "resume", Status: job.Status}
	}

	if err := c.cleaner.CleanupJob(ctx, jobID); err != nil {
		c.logger.Warn("Cleanup before resume left residual chunks",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}

	// Items still marked processing were in flight when the process died;
	// re-running them is the at-least-once contract.
	remaining, err := c.store.ListItemsByStatus(ctx, jobID, ItemPending, ItemProcessing, ItemFailed)
	if err != nil {
		return false, fmt.Errorf("failed to list remaining items: %w", err)
	}

	prog, err := c.store.GetProgress(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to read progress: %w", err)
	}
	if err := c.store.SetJobCounts(ctx, jobID, prog.Processed, prog.Failed); err != nil {
		return false, fmt.Errorf("failed to persist counts: %w", err)
	}

	if len(remaining) == 0 {
		if err := c.store.UpdateJobStatus(ctx, jobID, JobCompleted); err != nil {
			return false, fmt.Errorf("failed to complete job: %w", err)
		}
		c.logger.Info("Job resumed with no remaining work",
			slog.String("job_id", jobID),
		)
		c.sink.Publish(progress.Event{
			JobID:     jobID,
			Status:    string(JobCompleted),
			Total:     prog.Total,
			Completed: prog.Processed,
			Failed:    prog.Failed,
		})
		return true, nil
	}

	generation, err := c.store.BumpGeneration(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to bump generation: %w", err)
	}
	if err := c.store.UpdateJobStatus(ctx, jobID, JobProcessing); err != nil {
		return false, fmt.Errorf("failed to update job status: %w", err)
	}
	if err := c.enqueueChunks(ctx, job, generation, remaining, queue.PriorityNormal); err != nil {
		return false, err
	}

	c.logger.Info("Job resumed",
		slog.String("job_id", jobID),
		slog.Int("remaining_items", len(remaining)),
		slog.Int("generation", generation),
	)
	c.sink.Publish(progress.Event{
		JobID:     jobID,
		Status:    string(JobProcessing),
		Total:     prog.Total,
		Completed: prog.Processed,
		Failed:    prog.Failed,
		Pending:   prog.Pending,
	})
	return true, nil
}

// RetryFailed resets failed items (all of them, or the given subset) back
// to pending. When the job already reached a terminal state it is moved
// back to processing and a fresh chunk set for just those items is
// enqueued at high priority.
func (c *Controller) RetryFailed(ctx context.Context, jobID string, itemIDs []string) (int, error) {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}

	count, err := c.store.ResetFailedItems(ctx, jobID, itemIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to reset items: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	c.logger.Info("Failed items reset for retry",
		slog.String("job_id", jobID),
		slog.Int("count", count),
	)

	if !job.Status.Terminal() {
		// A stopped job picks the reset items up on resume; a processing
		// job is left alone.
		return count, nil
	}

	retryItems, err := c.store.ListItemsByStatus(ctx, jobID, ItemPending)
	if err != nil {
		return count, fmt.Errorf("failed to list reset items: %w", err)
	}

	prog, err := c.store.GetProgress(ctx, jobID)
	if err != nil {
		return count, fmt.Errorf("failed to read progress: %w", err)
	}
	if err := c.store.SetJobCounts(ctx, jobID, prog.Processed, prog.Failed); err != nil {
		return count, fmt.Errorf("failed to persist counts: %w", err)
	}
	generation, err := c.store.BumpGeneration(ctx, jobID)
	if err != nil {
		return count, fmt.Errorf("failed to bump generation: %w", err)
	}
	if err := c.store.UpdateJobStatus(ctx, jobID, JobProcessing); err != nil {
		return count, fmt.Errorf("failed to update job status: %w", err)
	}
	if err := c.enqueueChunks(ctx, job, generation, retryItems, queue.PriorityHigh); err != nil {
		return count, err
	}

	c.sink.Publish(progress.Event{
		JobID:     jobID,
		Status:    string(JobProcessing),
		Total:     prog.Total,
		Completed: prog.Processed,
		Failed:    prog.Failed,
		Pending:   prog.Pending,
	})
	return count, nil
}

// Delete purges a job and all of its state. A processing job must be
// stopped first.
func (c *Controller) Delete(ctx context.Context, jobID string) error {
	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobProcessing {
		return &StateError{Op: "delete", Status: job.Status}
	}

	if err := c.cleaner.CleanupJob(ctx, jobID); err != nil {
		c.logger.Warn("Cleanup before delete left residual chunks",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
	}
	if err := c.store.DeleteJob(ctx, jobID); err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}

	c.logger.Info("Job deleted",
		slog.String("job_id", jobID),
	)
	return nil
}

func (c *Controller) enqueueChunks(ctx context.Context, job *Job, generation int, items []WorkItem, priority queue.Priority) error {
	chunks, err := BuildChunks(job.ID, generation, items, c.cfg.ChunkSize, job.Config)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if _, err := c.queue.Enqueue(ctx, chunk, priority); err != nil {
			return fmt.Errorf("failed to enqueue chunk %d: %w", chunk.Sequence, err)
		}
	}
	return nil
}

func (c *Controller) jobEntries(ctx context.Context, jobID string) []queue.Entry {
	var all []queue.Entry
	lists := []func(context.Context) ([]queue.Entry, error){
		c.queue.ListPending,
		c.queue.ListDelayed,
		c.queue.ListActive,
	}
	for _, list := range lists {
		entries, err := list(ctx)
		if err != nil {
			c.logger.Warn("Failed to list queue entries",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			continue
		}
		for _, entry := range entries {
			if entry.Chunk != nil && entry.Chunk.JobID == jobID {
				all = append(all, entry)
			}
		}
	}
	return all
}

func (c *Controller) scheduleCleanup(jobID string) {
	if c.cleaner == nil {
		return
	}
	time.AfterFunc(c.cfg.CleanupDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.cleaner.CleanupJob(ctx, jobID); err != nil {
			c.logger.Warn("Deferred queue cleanup failed",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	})
}
