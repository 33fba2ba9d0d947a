package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"genbatch/internal/api/dto"
	"genbatch/internal/engine"
	"genbatch/internal/generate"
	"genbatch/internal/ingest"
	"genbatch/internal/store"
)

// CreateJob handles POST /api/v1/jobs
// Accepts a multipart CSV upload and creates a pending job with one work
// item per row.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var form dto.CreateJobForm
	if err := c.ShouldBind(&form); err != nil {
		h.logger.Error("Invalid request form", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "name is required",
		})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "file is required",
		})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		h.respondError(c, err, "read upload")
		return
	}
	defer file.Close()

	payloads, err := ingest.ReadItems(file, h.ingest)
	if err != nil {
		if errors.Is(err, ingest.ErrUnsupportedType) ||
			errors.Is(err, ingest.ErrEmptyFile) ||
			errors.Is(err, ingest.ErrTooManyItems) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		h.respondError(c, err, "parse upload")
		return
	}

	now := time.Now()
	job := engine.Job{
		ID:     uuid.New().String(),
		Name:   form.Name,
		Status: engine.JobPending,
		Config: generate.Config{
			Model:       form.Model,
			Prompt:      form.Prompt,
			Temperature: form.Temperature,
			MaxTokens:   form.MaxTokens,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	ctx := c.Request.Context()
	if err := h.store.CreateJob(ctx, &job); err != nil {
		h.respondError(c, err, "create job")
		return
	}
	count, err := h.store.CreateItems(ctx, job.ID, payloads)
	if err != nil {
		h.respondError(c, err, "create items")
		return
	}
	job.TotalItems = count

	h.logger.Info("Job created",
		slog.String("job_id", job.ID),
		slog.String("name", job.Name),
		slog.Int("total_items", count),
	)

	c.JSON(http.StatusCreated, dto.FromJob(&job))
}

// GetJob handles GET /api/v1/jobs/:job_id
// Returns job details plus live item-status counts.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	ctx := c.Request.Context()
	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		h.respondError(c, err, "get job")
		return
	}

	prog, err := h.store.GetProgress(ctx, jobID)
	if err != nil {
		h.respondError(c, err, "get job progress")
		return
	}

	c.JSON(http.StatusOK, dto.JobDetailResponse{
		JobDTO:  dto.FromJob(job),
		Pending: prog.Pending,
	})
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional status filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	jobs, err := h.store.ListJobs(c.Request.Context(), store.JobFilter{
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.respondError(c, err, "list jobs")
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = dto.FromJob(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor = EncodeJobCursor(&store.JobCursor{
			CreatedAt: last.CreatedAt,
			JobID:     last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// ListItems handles GET /api/v1/jobs/:job_id/items
func (h *JobHandler) ListItems(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.ListItemsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}
	if req.Limit > 500 {
		req.Limit = 500
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	ctx := c.Request.Context()
	if _, err := h.store.GetJob(ctx, jobID); err != nil {
		h.respondError(c, err, "get job")
		return
	}

	items, err := h.store.ListItemsPaged(ctx, jobID, req.Offset, req.Limit)
	if err != nil {
		h.respondError(c, err, "list items")
		return
	}

	itemResponse := make([]dto.ItemDTO, len(items))
	for i := range items {
		itemResponse[i] = dto.FromItem(&items[i])
	}

	c.JSON(http.StatusOK, dto.ListItemsResponse{
		Items: itemResponse,
	})
}

// StartJob handles POST /api/v1/jobs/:job_id/start
func (h *JobHandler) StartJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.controller.Start(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "start job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": string(engine.JobProcessing),
	})
}

// StopJob handles POST /api/v1/jobs/:job_id/stop
func (h *JobHandler) StopJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := h.controller.Stop(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "stop job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": string(engine.JobStopped),
	})
}

// ResumeJob handles POST /api/v1/jobs/:job_id/resume
func (h *JobHandler) ResumeJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if _, err := h.controller.Resume(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "resume job")
		return
	}

	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "get job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id": jobID,
		"status": string(job.Status),
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Retries every failed item, or only the listed ones.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")

	var req dto.RetryRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
	}

	count, err := h.controller.RetryFailed(c.Request.Context(), jobID, req.ItemIDs)
	if err != nil {
		h.respondError(c, err, "retry job")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"job_id":      jobID,
		"retry_count": count,
	})
}

// DeleteJob handles DELETE /api/v1/jobs/:job_id
func (h *JobHandler) DeleteJob(c *gin.Context) {
	jobID := c.Param("job_id")

	if err := h.controller.Delete(c.Request.Context(), jobID); err != nil {
		h.respondError(c, err, "delete job")
		return
	}

	c.Status(http.StatusNoContent)
}
