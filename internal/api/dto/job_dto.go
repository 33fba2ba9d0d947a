package dto

import (
	"time"

	"genbatch/internal/engine"
)

// CreateJobForm holds the multipart fields accompanying the CSV upload.
type CreateJobForm struct {
	Name        string  `form:"name" binding:"required"`
	Model       string  `form:"model"`
	Prompt      string  `form:"prompt"`
	Temperature float64 `form:"temperature"`
	MaxTokens   int     `form:"max_tokens"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID          string  `json:"job_id"`
	Name           string  `json:"name"`
	Status         string  `json:"status"`
	TotalItems     int     `json:"total_items"`
	ProcessedCount int     `json:"processed_count"`
	FailedCount    int     `json:"failed_count"`
	Progress       float64 `json:"progress"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

type JobDetailResponse struct {
	JobDTO
	Pending int `json:"pending"`
}

type ListItemsRequest struct {
	Offset int `form:"offset"`
	Limit  int `form:"limit"`
}

type ItemDTO struct {
	ID         string `json:"id"`
	Position   int    `json:"position"`
	Payload    string `json:"payload"`
	Status     string `json:"status"`
	Result     string `json:"result,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry_count"`
}

type ListItemsResponse struct {
	Items []ItemDTO `json:"items"`
}

type RetryRequest struct {
	ItemIDs []string `json:"item_ids"`
}

func FromJob(job *engine.Job) JobDTO {
	return JobDTO{
		JobID:          job.ID,
		Name:           job.Name,
		Status:         string(job.Status),
		TotalItems:     job.TotalItems,
		ProcessedCount: job.ProcessedCount,
		FailedCount:    job.FailedCount,
		Progress:       job.ProgressPct(),
		CreatedAt:      job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      job.UpdatedAt.Format(time.RFC3339),
	}
}

func FromItem(item *engine.WorkItem) ItemDTO {
	return ItemDTO{
		ID:         item.ID,
		Position:   item.Position,
		Payload:    item.Payload,
		Status:     string(item.Status),
		Result:     item.Result,
		Error:      item.Error,
		RetryCount: item.RetryCount,
	}
}
