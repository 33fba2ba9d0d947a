package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"genbatch/internal/engine"
	"genbatch/shared/postgresql"
)

// Storage is the Postgres-backed implementation of engine.ItemStore.
type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

// jobRow mirrors the jobs table; the generation config is stored as JSONB.
type jobRow struct {
	ID             string    `db:"id"`
	Name           string    `db:"name"`
	Status         string    `db:"status"`
	TotalItems     int       `db:"total_items"`
	ProcessedCount int       `db:"processed_count"`
	FailedCount    int       `db:"failed_count"`
	Generation     int       `db:"generation"`
	Config         []byte    `db:"config"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r *jobRow) toJob() (*engine.Job, error) {
	job := &engine.Job{
		ID:             r.ID,
		Name:           r.Name,
		Status:         engine.JobStatus(r.Status),
		TotalItems:     r.TotalItems,
		ProcessedCount: r.ProcessedCount,
		FailedCount:    r.FailedCount,
		Generation:     r.Generation,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
	if len(r.Config) > 0 {
		if err := json.Unmarshal(r.Config, &job.Config); err != nil {
			return nil, fmt.Errorf("failed to decode job config: %w", err)
		}
	}
	return job, nil
}

const jobColumns = `
	id, name, status, total_items, processed_count,
	failed_count, generation, config, created_at, updated_at
`

func (s *Storage) CreateJob(ctx context.Context, job *engine.Job) error {
	cfg, err := json.Marshal(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	query := `
		INSERT INTO jobs (
			id, name, status, total_items, processed_count,
			failed_count, generation, config, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10
		)
	`

	_, err = s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Name,
		job.Status,
		job.TotalItems,
		job.ProcessedCount,
		job.FailedCount,
		job.Generation,
		cfg,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) CreateItems(ctx context.Context, jobID string, payloads []string) (int, error) {
	if len(payloads) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO work_items (job_id, position, payload, status)
		VALUES ($1, $2, $3, $4)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare item insert: %w", err)
	}
	defer stmt.Close()

	for i, payload := range payloads {
		if _, err := stmt.ExecContext(ctx, jobID, i+1, payload, engine.ItemPending); err != nil {
			return 0, fmt.Errorf("failed to insert item %d: %w", i+1, err)
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs
		SET total_items = total_items + $1, updated_at = NOW()
		WHERE id = $2
	`, len(payloads), jobID)
	if err != nil {
		return 0, fmt.Errorf("failed to update total items: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit items: %w", err)
	}

	return len(payloads), nil
}

func (s *Storage) GetJob(ctx context.Context, jobID string) (*engine.Job, error) {
	var row jobRow
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &row, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, engine.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return row.toJob()
}

func (s *Storage) UpdateJobStatus(ctx context.Context, jobID string, status engine.JobStatus) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2
	`, status, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrJobNotFound
	}
	return nil
}

func (s *Storage) TransitionJobStatus(ctx context.Context, jobID string, from, to engine.JobStatus) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, to, jobID, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition job status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *Storage) SetJobCounts(ctx context.Context, jobID string, processed, failed int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET processed_count = $1, failed_count = $2, updated_at = NOW()
		WHERE id = $3
	`, processed, failed, jobID)
	if err != nil {
		return fmt.Errorf("failed to set job counts: %w", err)
	}
	return nil
}

// SyncJobCounts recounts processed/failed from the items table in a single
// statement, guarded on status = processing so it never races a stop or a
// concurrent terminal transition.
func (s *Storage) SyncJobCounts(ctx context.Context, jobID string) (*engine.Job, bool, error) {
	var row jobRow
	query := `
		UPDATE jobs
		SET processed_count = counts.completed,
		    failed_count = counts.failed,
		    updated_at = NOW()
		FROM (
			SELECT
				COUNT(*) FILTER (WHERE status = 'completed') AS completed,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM work_items
			WHERE job_id = $1
		) AS counts
		WHERE jobs.id = $1 AND jobs.status = 'processing'
		RETURNING jobs.id, jobs.name, jobs.status, jobs.total_items,
			jobs.processed_count, jobs.failed_count, jobs.generation,
			jobs.config, jobs.created_at, jobs.updated_at
	`

	err := s.db.GetContext(ctx, &row, query, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to sync job counts: %w", err)
	}

	job, err := row.toJob()
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *Storage) BumpGeneration(ctx context.Context, jobID string) (int, error) {
	var generation int
	err := s.db.GetContext(ctx, &generation, `
		UPDATE jobs
		SET generation = generation + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING generation
	`, jobID)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, engine.ErrJobNotFound
		}
		return 0, fmt.Errorf("failed to bump generation: %w", err)
	}
	return generation, nil
}

func (s *Storage) UpdateItemStatus(ctx context.Context, itemID string, status engine.ItemStatus, result, errMsg string, retryCount int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = $1, result = $2, error = $3, retry_count = $4
		WHERE id = $5
	`, status, result, errMsg, retryCount, itemID)
	if err != nil {
		return fmt.Errorf("failed to update item status: %w", err)
	}
	return nil
}

func (s *Storage) ResetAllItems(ctx context.Context, jobID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = $1, result = '', error = '', retry_count = 0
		WHERE job_id = $2
	`, engine.ItemPending, jobID)
	if err != nil {
		return fmt.Errorf("failed to reset items: %w", err)
	}
	return nil
}

func (s *Storage) ResetFailedItems(ctx context.Context, jobID string, itemIDs []string) (int, error) {
	query := `
		UPDATE work_items
		SET status = $1, error = '', retry_count = 0
		WHERE job_id = $2 AND status = $3
	`
	args := []interface{}{engine.ItemPending, jobID, engine.ItemFailed}

	if len(itemIDs) > 0 {
		placeholders := make([]string, len(itemIDs))
		for i, id := range itemIDs {
			placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
			args = append(args, id)
		}
		query += fmt.Sprintf(" AND id IN (%s)", strings.Join(placeholders, ", "))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed items: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(rows), nil
}

const itemColumns = `id, job_id, position, payload, status, result, error, retry_count`

func (s *Storage) ListItems(ctx context.Context, jobID string) ([]engine.WorkItem, error) {
	var items []engine.WorkItem
	query := `
		SELECT ` + itemColumns + `
		FROM work_items
		WHERE job_id = $1
		ORDER BY position
	`
	if err := s.db.SelectContext(ctx, &items, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

func (s *Storage) ListItemsPaged(ctx context.Context, jobID string, offset, limit int) ([]engine.WorkItem, error) {
	var items []engine.WorkItem
	query := `
		SELECT ` + itemColumns + `
		FROM work_items
		WHERE job_id = $1
		ORDER BY position
		OFFSET $2 LIMIT $3
	`
	if err := s.db.SelectContext(ctx, &items, query, jobID, offset, limit); err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	return items, nil
}

func (s *Storage) ListItemsByStatus(ctx context.Context, jobID string, statuses ...engine.ItemStatus) ([]engine.WorkItem, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	args := []interface{}{jobID}
	placeholders := make([]string, len(statuses))
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, status)
	}

	query := fmt.Sprintf(`
		SELECT `+itemColumns+`
		FROM work_items
		WHERE job_id = $1 AND status IN (%s)
		ORDER BY position
	`, strings.Join(placeholders, ", "))

	var items []engine.WorkItem
	if err := s.db.SelectContext(ctx, &items, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list items by status: %w", err)
	}
	return items, nil
}

func (s *Storage) GetProgress(ctx context.Context, jobID string) (engine.Progress, error) {
	var counts struct {
		Total     int `db:"total"`
		Completed int `db:"completed"`
		Failed    int `db:"failed"`
	}
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed
		FROM work_items
		WHERE job_id = $1
	`
	if err := s.db.GetContext(ctx, &counts, query, jobID); err != nil {
		return engine.Progress{}, fmt.Errorf("failed to count items: %w", err)
	}

	return engine.Progress{
		Total:     counts.Total,
		Processed: counts.Completed,
		Failed:    counts.Failed,
		Pending:   counts.Total - counts.Completed - counts.Failed,
	}, nil
}

func (s *Storage) DeleteJob(ctx context.Context, jobID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		return engine.ErrJobNotFound
	}
	return nil
}

// JobFilter narrows and paginates ListJobs.
type JobFilter struct {
	Status   string
	PageSize int
	Cursor   *JobCursor
}

// JobCursor is a keyset position within the created_at DESC, id DESC
// ordering.
type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

// ListJobs fetches one page of jobs plus one extra row so the caller can
// tell whether more pages remain.
func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]engine.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created_at DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]engine.Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

var _ engine.ItemStore = (*Storage)(nil)
