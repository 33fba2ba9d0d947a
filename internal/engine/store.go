package engine

import "context"

// ItemStore is the durable store for jobs and their work items. The engine
// only talks to this narrow interface; the Postgres implementation lives in
// internal/store and tests use an in-memory fake.
type ItemStore interface {
	CreateJob(ctx context.Context, job *Job) error

	// CreateItems inserts one work item per payload, in order, and updates
	// the job's total_items. It returns the number of items created.
	CreateItems(ctx context.Context, jobID string, payloads []string) (int, error)

	// GetJob returns ErrJobNotFound when no such job exists.
	GetJob(ctx context.Context, jobID string) (*Job, error)

	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error

	// TransitionJobStatus moves the job from one status to another only if
	// it is still in the expected status. It reports whether the
	// transition applied, so concurrent workers race safely on terminal
	// transitions.
	TransitionJobStatus(ctx context.Context, jobID string, from, to JobStatus) (bool, error)

	SetJobCounts(ctx context.Context, jobID string, processed, failed int) error

	// SyncJobCounts atomically recounts processed/failed from item
	// statuses onto the job row, but only while the job is processing.
	// It returns the refreshed job and whether the update applied.
	SyncJobCounts(ctx context.Context, jobID string) (*Job, bool, error)

	// BumpGeneration increments and returns the job's chunk generation.
	BumpGeneration(ctx context.Context, jobID string) (int, error)

	UpdateItemStatus(ctx context.Context, itemID string, status ItemStatus, result, errMsg string, retryCount int) error

	// ResetAllItems puts every item of the job back to pending and clears
	// results, errors and retry counts.
	ResetAllItems(ctx context.Context, jobID string) error

	// ResetFailedItems resets failed items to pending and clears their
	// error. A nil or empty itemIDs targets every failed item; otherwise
	// only the listed items are reset, and only those currently failed.
	// Returns the number of items reset.
	ResetFailedItems(ctx context.Context, jobID string, itemIDs []string) (int, error)

	ListItems(ctx context.Context, jobID string) ([]WorkItem, error)
	ListItemsPaged(ctx context.Context, jobID string, offset, limit int) ([]WorkItem, error)
	ListItemsByStatus(ctx context.Context, jobID string, statuses ...ItemStatus) ([]WorkItem, error)

	GetProgress(ctx context.Context, jobID string) (Progress, error)

	// DeleteJob removes the job and cascades to its work items.
	DeleteJob(ctx context.Context, jobID string) error
}

// Cleaner removes residual queue state for one job. Implemented by the
// janitor; consumed by the controller and the worker pool for deferred
// cleanup after stop/resume/delete/completion.
type Cleaner interface {
	CleanupJob(ctx context.Context, jobID string) error
}
