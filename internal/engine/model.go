package engine

import (
	"time"

	"genbatch/internal/generate"
)

// JobStatus is the lifecycle state of a job. The values match the text
// stored in the jobs table.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobStopped    JobStatus = "stopped"
)

// Terminal reports whether the status is final. Stopped is not terminal:
// a stopped job can be resumed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// ItemStatus is the lifecycle state of one work item.
type ItemStatus string

const (
	ItemPending    ItemStatus = "pending"
	ItemProcessing ItemStatus = "processing"
	ItemCompleted  ItemStatus = "completed"
	ItemFailed     ItemStatus = "failed"
)

// Job is one user-submitted unit of work containing many items.
// ProcessedCount and FailedCount are maintained by the worker pool;
// Generation is bumped on every start/resume/retry so workers can discard
// stale chunks.
type Job struct {
	ID             string          `db:"id" json:"id"`
	Name           string          `db:"name" json:"name"`
	Status         JobStatus       `db:"status" json:"status"`
	TotalItems     int             `db:"total_items" json:"total_items"`
	ProcessedCount int             `db:"processed_count" json:"processed_count"`
	FailedCount    int             `db:"failed_count" json:"failed_count"`
	Generation     int             `db:"generation" json:"-"`
	Config         generate.Config `json:"config"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// ProgressPct returns the percentage of items that reached a final state.
func (j *Job) ProgressPct() float64 {
	if j.TotalItems == 0 {
		return 0
	}
	return 100 * float64(j.ProcessedCount+j.FailedCount) / float64(j.TotalItems)
}

// WorkItem is one individual unit of work within a job. Ownership is
// chunk-exclusive: no two workers ever mutate the same item concurrently.
type WorkItem struct {
	ID         string     `db:"id" json:"id"`
	JobID      string     `db:"job_id" json:"job_id"`
	Position   int        `db:"position" json:"position"`
	Payload    string     `db:"payload" json:"payload"`
	Status     ItemStatus `db:"status" json:"status"`
	Result     string     `db:"result" json:"result,omitempty"`
	Error      string     `db:"error" json:"error,omitempty"`
	RetryCount int        `db:"retry_count" json:"retry_count"`
}

// Progress is an aggregate of item statuses for one job, counted from the
// items table. Items still marked processing count as pending: they will be
// re-run after a crash, which is the at-least-once contract.
type Progress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
}
